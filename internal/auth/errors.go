package auth

import (
	"context"
	"errors"

	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
)

var (
	// ErrSessionExpired is returned by Client.Resume when the cached session
	// is no longer accepted. It is the only resume failure that falls back to
	// a fresh login.
	ErrSessionExpired = errors.New("cached session has expired")

	// ErrLoginRejected is matched by client errors that come from the remote
	// service (bad credentials, challenges, malformed requests), as opposed to
	// transport faults.
	ErrLoginRejected = errors.New("login rejected")

	ErrUserAborted = errors.New("authentication aborted by user")

	ErrCorruptSession      = storage.ErrCorruptSession
	ErrIncompatibleSession = storage.ErrIncompatibleSession
)

// LoginFailure is a login or resume rejected by the remote service.
type LoginFailure struct {
	Err error
	// Payload is the service's error response, when the transport had one.
	Payload map[string]any
}

func (e *LoginFailure) Error() string {
	return "could not login: " + e.Err.Error()
}

func (e *LoginFailure) Unwrap() error {
	return e.Err
}

// payloadCarrier is implemented by client errors that keep the response body
// of a failed request.
type payloadCarrier interface {
	ErrorPayload() map[string]any
}

func newLoginFailure(err error) *LoginFailure {
	failure := &LoginFailure{Err: err}
	var carrier payloadCarrier
	if errors.As(err, &carrier) {
		failure.Payload = carrier.ErrorPayload()
	}
	return failure
}

// classifyClientError turns a client error into the taxonomy used by Establish.
func classifyClientError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return errors.Join(ErrUserAborted, err)
	}
	if errors.Is(err, ErrLoginRejected) {
		return newLoginFailure(err)
	}
	return err
}

type Kind int

const (
	KindNone Kind = iota
	KindLoginFailure
	KindExpired
	KindIncompatible
	KindCorrupt
	KindAborted
	KindUnexpected
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindLoginFailure:
		return "login failure"
	case KindExpired:
		return "session expired"
	case KindIncompatible:
		return "incompatible session"
	case KindCorrupt:
		return "corrupt session"
	case KindAborted:
		return "aborted"
	}
	return "unexpected"
}

// Classify maps an error returned by Establish to its Kind.
func Classify(err error) Kind {
	var failure *LoginFailure
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUserAborted), errors.Is(err, context.Canceled):
		return KindAborted
	case errors.As(err, &failure):
		return KindLoginFailure
	case errors.Is(err, ErrIncompatibleSession):
		return KindIncompatible
	case errors.Is(err, ErrCorruptSession):
		return KindCorrupt
	case errors.Is(err, ErrSessionExpired):
		return KindExpired
	}
	return KindUnexpected
}
