// Package auth decides between a fresh login and resuming a cached session,
// recovers from expired sessions and persists the resulting session record.
//
// The flow for one username is:
//
//	no session file  -> Login -> save record -> authenticated
//	session file     -> Resume -> authenticated
//	                          \-> expired -> Login (same device id) -> save record -> authenticated
//
// Authenticate reports every failure and returns a nil Session instead of an
// error; Establish runs the same flow and returns the classified error.
package auth

import (
	"context"
	"time"

	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
)

//go:generate go run go.uber.org/mock/mockgen -source=auth.go -destination=../../mocks/auth.go -package=mocks

// Request identifies the account to authenticate.
type Request struct {
	Username string
	Password string
	// OverrideConfig is set when the credentials came from the command line
	// rather than the configuration file.
	OverrideConfig bool
}

type LoginRequest struct {
	Username string
	Password string
	// DeviceID pins the new session to an existing emulated device. Empty
	// lets the client generate one.
	DeviceID string
	Proxy    string
}

type ResumeRequest struct {
	Username string
	Password string
	Proxy    string
	Settings storage.Record
}

// Session is an authenticated connection to the remote service.
type Session interface {
	AuthenticatedUsername() string
	// AuthExpiry returns when the session credential stops being accepted.
	AuthExpiry() (time.Time, error)
	// Settings returns the record needed to resume this session later.
	Settings() storage.Record
}

// Client talks to the remote service. Resume must return an error matching
// ErrSessionExpired when the cached session is no longer valid, and errors
// from the service itself should match ErrLoginRejected.
type Client interface {
	Login(ctx context.Context, req LoginRequest) (Session, error)
	Resume(ctx context.Context, req ResumeRequest) (Session, error)
}

// Store persists one session record per username.
type Store interface {
	PathFor(username string) string
	Exists(username string) bool
	Load(username string) (storage.Record, error)
	Save(username string, record storage.Record) error
}
