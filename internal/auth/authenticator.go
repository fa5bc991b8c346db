package auth

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/PiotrWarzachowski/go-instalive/internal/log"
	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
)

const expiryLayout = "2006-01-02 at 03:04:05 PM"

type Options struct {
	Proxy            string
	Verbose          bool
	ShowCookieExpiry bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type Authenticator struct {
	client Client
	store  Store
	log    *log.Logger
	opts   Options

	// Concurrent calls submitting the same credentials share one login or
	// resume.
	group singleflight.Group
}

func New(client Client, store Store, logger *log.Logger, opts Options) *Authenticator {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Authenticator{
		client: client,
		store:  store,
		log:    logger,
		opts:   opts,
	}
}

// Authenticate returns an authenticated session for req, or nil after
// reporting why none could be obtained.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) Session {
	session, err := a.Establish(ctx, req)
	if err != nil {
		a.reportFailure(req, err)
		return nil
	}
	a.reportSuccess(req, session)
	return session
}

// Establish logs in or resumes the cached session for req.Username.
// Callers that join a call already in flight for the same request share its
// result, including a cancellation of the first caller's ctx.
func (a *Authenticator) Establish(ctx context.Context, req Request) (Session, error) {
	v, err, _ := a.group.Do(flightKey(req), func() (any, error) {
		return a.establish(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	session, _ := v.(Session)
	return session, nil
}

// flightKey identifies a request by everything that is submitted to the
// client. The password is hashed so it is not kept in the group's map.
func flightKey(req Request) string {
	sum := sha256.Sum256([]byte(req.Password))
	return fmt.Sprintf("%s\x00%t\x00%x", req.Username, req.OverrideConfig, sum)
}

func (a *Authenticator) establish(ctx context.Context, req Request) (Session, error) {
	if req.OverrideConfig {
		a.log.BInfo("Overriding configuration file login with -u and -p arguments.")
		a.log.Separator()
	}

	if err := storage.ValidateUsername(req.Username); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrUserAborted, err)
	}

	if !a.store.Exists(req.Username) {
		a.log.Warn("Unable to find cookie file: %s", a.cookieFile(req.Username))
		a.log.Info("Creating a new one.")
		return a.login(ctx, req, "")
	}

	record, err := a.store.Load(req.Username)
	if err != nil {
		return nil, err
	}
	deviceID := record.DeviceID()
	a.log.Debug("Using cookie file %s (device %s)", a.store.PathFor(req.Username), deviceID)

	session, err := a.client.Resume(ctx, ResumeRequest{
		Username: req.Username,
		Password: req.Password,
		Proxy:    a.opts.Proxy,
		Settings: record,
	})
	if err == nil {
		return session, nil
	}
	if errors.Is(err, ErrSessionExpired) && ctx.Err() == nil {
		a.log.Warn("The current cookie file has expired, creating a new one.")
		return a.login(ctx, req, deviceID)
	}
	return nil, classifyClientError(ctx, err)
}

// login performs a fresh login and persists the new session record before
// handing the session back.
func (a *Authenticator) login(ctx context.Context, req Request, deviceID string) (Session, error) {
	session, err := a.client.Login(ctx, LoginRequest{
		Username: req.Username,
		Password: req.Password,
		DeviceID: deviceID,
		Proxy:    a.opts.Proxy,
	})
	if err != nil {
		return nil, classifyClientError(ctx, err)
	}

	record := maps.Clone(session.Settings())
	if record == nil {
		record = storage.Record{}
	}
	if deviceID != "" && record.DeviceID() == "" {
		record["device_id"] = deviceID
	}
	if err := a.store.Save(req.Username, record); err != nil {
		return nil, fmt.Errorf("saving session: %w", err)
	}

	a.log.Info("New cookie file was made: %s", a.cookieFile(req.Username))
	a.log.Separator()
	return session, nil
}

func (a *Authenticator) cookieFile(username string) string {
	return filepath.Base(a.store.PathFor(username))
}

func (a *Authenticator) reportSuccess(req Request, session Session) {
	a.log.Info("Successfully logged into account: %s", session.AuthenticatedUsername())

	if a.opts.ShowCookieExpiry && !req.OverrideConfig {
		expiry, err := session.AuthExpiry()
		if err != nil {
			a.log.Warn("An error occurred while getting the cookie file expiry date: %v", err)
		} else {
			a.log.Info("Cookie file expiry date: %s (%s)",
				expiry.Local().Format(expiryLayout),
				humanize.RelTime(expiry, a.opts.Now(), "ago", "from now"))
		}
	}

	a.log.Separator()
}

func (a *Authenticator) reportFailure(req Request, err error) {
	switch Classify(err) {
	case KindLoginFailure:
		var failure *LoginFailure
		errors.As(err, &failure)
		a.log.Separator()
		if a.opts.Verbose && failure.Payload != nil {
			if payload, jsonErr := json.Marshal(failure.Payload); jsonErr == nil {
				a.log.Plain("%s", payload)
			}
		}
		a.log.Error("Could not login: %v", failure.Err)
		a.log.Separator()

	case KindIncompatible:
		a.log.Warn("The cookie file %s was written by an incompatible version: %v", a.cookieFile(req.Username), err)
		a.remedy(req.Username, err)

	case KindCorrupt:
		a.log.Warn("The cookie file %s could not be read: %v", a.cookieFile(req.Username), err)
		a.remedy(req.Username, err)

	case KindAborted:
		a.log.Separator()
		a.log.Warn("The user authentication has been aborted.")
		a.log.Separator()

	default:
		a.log.Separator()
		a.log.Error("Unexpected exception: %v", err)
		a.log.Separator()
	}
}

func (a *Authenticator) remedy(username string, err error) {
	path := a.store.PathFor(username)
	var sessionErr *storage.SessionError
	if errors.As(err, &sessionErr) && sessionErr.Path != "" {
		path = sessionErr.Path
	}
	a.log.Warn("Please delete your cookie file '%s' and try again.", filepath.Base(path))
	a.log.Warn("Location: %s", path)
	a.log.Separator()
}
