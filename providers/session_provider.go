package providers

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
	"github.com/PiotrWarzachowski/go-instalive/internal/config"
	"github.com/PiotrWarzachowski/go-instalive/internal/log"
	"github.com/PiotrWarzachowski/go-instalive/internal/platform/instagram"
	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
)

// statusWorkers bounds how many session files Statuses reads at once.
const statusWorkers = 4

type SessionProvider struct {
	cfg     *config.Config
	store   *storage.Storage
	service *instagram.Service
	log     *log.Logger
}

// SessionStatus describes one stored session. Err is set when the entry
// could not be loaded or resumed.
type SessionStatus struct {
	Username string
	DeviceID string
	Expiry   time.Time
	Err      error
}

func NewSessionProvider(cfg *config.Config, logger *log.Logger) (*SessionProvider, error) {
	if logger == nil {
		logger = log.Default()
	}

	dir, err := cfg.SessionPath()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewSessionStorage(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize session storage: %w", err)
	}

	return &SessionProvider{
		cfg:     cfg,
		store:   store,
		service: instagram.NewService(),
		log:     logger,
	}, nil
}

func (p *SessionProvider) Store() *storage.Storage {
	return p.store
}

func (p *SessionProvider) Authenticator() *auth.Authenticator {
	return auth.New(p.service, p.store, p.log, auth.Options{
		Proxy:            p.cfg.Proxy,
		Verbose:          p.cfg.Verbose || p.log.Verbose(),
		ShowCookieExpiry: p.cfg.ShowCookieExpiry,
	})
}

// Authenticate logs in with the configured account. It returns nil after
// reporting the failure when no session could be obtained.
func (p *SessionProvider) Authenticate(ctx context.Context) auth.Session {
	return p.Authenticator().Authenticate(ctx, auth.Request{
		Username:       p.cfg.Username,
		Password:       p.cfg.Password,
		OverrideConfig: p.cfg.LoginOverridden(),
	})
}

// Resume restores the stored session for username without logging in.
func (p *SessionProvider) Resume(ctx context.Context, username string) (*instagram.Client, error) {
	record, err := p.store.Load(username)
	if err != nil {
		return nil, err
	}

	session, err := p.service.Resume(ctx, auth.ResumeRequest{
		Username: username,
		Proxy:    p.cfg.Proxy,
		Settings: record,
	})
	if err != nil {
		return nil, err
	}
	return session.(*instagram.Client), nil
}

// Statuses reports every session in the store, sorted by username.
func (p *SessionProvider) Statuses(ctx context.Context) ([]SessionStatus, error) {
	usernames, err := p.store.Usernames()
	if err != nil {
		return nil, err
	}

	statuses := make([]SessionStatus, len(usernames))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(statusWorkers)

	for i, username := range usernames {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			statuses[i] = p.status(ctx, username)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return statuses, nil
}

func (p *SessionProvider) status(ctx context.Context, username string) SessionStatus {
	st := SessionStatus{Username: username}

	record, err := p.store.Load(username)
	if err != nil {
		st.Err = err
		return st
	}
	st.DeviceID = record.DeviceID()

	client, err := p.service.Resume(ctx, auth.ResumeRequest{
		Username: username,
		Proxy:    p.cfg.Proxy,
		Settings: record,
	})
	if err != nil {
		st.Err = err
		return st
	}
	if expiry, err := client.AuthExpiry(); err == nil {
		st.Expiry = expiry
	}
	return st
}
