package instagram

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
	"github.com/PiotrWarzachowski/go-instalive/internal/platform/instagram/session"
)

const (
	IGAPIBaseURL = "https://i.instagram.com/api/v1/"
	IGWebBaseURL = "https://www.instagram.com/"
	IGWebAppID   = "936619743392459"
	IGWebASBDID  = "198387"

	sessionCookie = "sessionid"
	csrfCookie    = "csrftoken"
	userIDCookie  = "ds_user_id"
)

// ErrNoAuthExpiry is returned by AuthExpiry when the client holds no
// sessionid cookie with a known expiry.
var ErrNoAuthExpiry = errors.New("no sessionid cookie expiry")

type Client struct {
	mu sync.RWMutex

	Username string
	Password string
	UserID   string

	DeviceSettings *session.DeviceSettings
	UserAgent      string

	PhoneID         string
	UUID            string
	AdvertisingID   string
	AndroidDeviceID string
	ClientSessionID string

	Locale    string
	CreatedTS int64

	Mid        string
	IgWwwClaim string

	// cookies mirrors the jar with the expiry the server sent, which the
	// jar does not expose.
	cookies    map[string]*http.Cookie
	httpClient *http.Client
	csrfToken  string
	now        func() time.Time
}

var _ auth.Session = (*Client)(nil)

// APIError is a request the service answered with an error. It matches
// auth.ErrLoginRejected.
type APIError struct {
	StatusCode int
	Message    string
	ErrorType  string
	// Payload is the decoded response body, if it was JSON.
	Payload map[string]any
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("Instagram API error: %s (code: %d, type: %s)", e.Message, e.StatusCode, e.ErrorType)
	}
	return fmt.Sprintf("Instagram API error: status code %d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return auth.ErrLoginRejected
}

// Is matches the sentinel errors below by ErrorType.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok || t.ErrorType == "" {
		return false
	}
	return t.ErrorType == e.ErrorType
}

func (e *APIError) ErrorPayload() map[string]any {
	return e.Payload
}

var (
	ErrBadPassword        = &APIError{Message: "Invalid username or password", ErrorType: "bad_password"}
	ErrTwoFactorRequired  = &APIError{Message: "Two factor authentication required", ErrorType: "two_factor_required"}
	ErrCheckpointRequired = &APIError{Message: "Checkpoint required", ErrorType: "checkpoint_required"}
	ErrRateLimited        = &APIError{Message: "Rate limited, please wait", ErrorType: "rate_limit_error"}
)
