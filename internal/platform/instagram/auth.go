package instagram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
)

// Service creates Instagram web clients. It implements auth.Client.
type Service struct {
	now func() time.Time
}

var _ auth.Client = (*Service)(nil)

func NewService() *Service {
	return &Service{now: time.Now}
}

// Login performs a fresh web login. A non-empty req.DeviceID replaces the
// generated device id.
func (s *Service) Login(ctx context.Context, req auth.LoginRequest) (auth.Session, error) {
	c, err := newClient(req.Proxy, s.now)
	if err != nil {
		return nil, err
	}
	c.Username = req.Username
	c.Password = req.Password
	if req.DeviceID != "" {
		c.AndroidDeviceID = req.DeviceID
	}

	if err := c.login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Resume rebuilds a client from a stored session record. The check is
// local: a record without a live sessionid cookie is reported as
// auth.ErrSessionExpired.
func (s *Service) Resume(ctx context.Context, req auth.ResumeRequest) (auth.Session, error) {
	c, err := newClient(req.Proxy, s.now)
	if err != nil {
		return nil, err
	}
	c.Username = req.Username
	c.Password = req.Password

	if err := c.restore(req.Settings); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.checkSession(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) login(ctx context.Context) error {
	if err := c.fetchInitialCookies(ctx); err != nil {
		return fmt.Errorf("failed to get initial cookies: %w", err)
	}
	return c.webLogin(ctx)
}

// fetchInitialCookies gets CSRF token and initial cookies from Instagram
func (c *Client) fetchInitialCookies(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, IGWebBaseURL+"accounts/login/", nil)
	if err != nil {
		return err
	}

	req.Header.Set("User-Agent", c.getWebUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("Upgrade-Insecure-Requests", "1")

	if _, _, err := c.do(req); err != nil {
		return err
	}

	if c.csrfToken == "" {
		return errors.New("failed to get CSRF token")
	}
	return nil
}

// webLogin posts the login form. Error responses become *APIError.
func (c *Client) webLogin(ctx context.Context) error {
	encPassword := fmt.Sprintf("#PWD_INSTAGRAM_BROWSER:0:%d:%s", c.now().Unix(), c.Password)

	formData := url.Values{}
	formData.Set("username", c.Username)
	formData.Set("enc_password", encPassword)
	formData.Set("queryParams", "{}")
	formData.Set("optIntoOneTap", "false")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, IGWebBaseURL+"accounts/login/ajax/", strings.NewReader(formData.Encode()))
	if err != nil {
		return err
	}
	c.setWebHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("login request failed: %w", err)
	}

	var loginResp WebLoginResponse
	if err := json.Unmarshal(body, &loginResp); err != nil {
		return fmt.Errorf("failed to parse login response (status %d): %w", resp.StatusCode, err)
	}
	var payload map[string]any
	_ = json.Unmarshal(body, &payload)

	apiErr := func(sentinel *APIError, message string) error {
		if message == "" {
			message = sentinel.Message
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    message,
			ErrorType:  sentinel.ErrorType,
			Payload:    payload,
		}
	}

	switch {
	case loginResp.TwoFactorRequired:
		return apiErr(ErrTwoFactorRequired, "")
	case loginResp.CheckpointURL != "" || loginResp.ErrorType == ErrCheckpointRequired.ErrorType:
		return apiErr(ErrCheckpointRequired, loginResp.Message)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apiErr(ErrRateLimited, loginResp.Message)
	case loginResp.Authenticated:
		if err := c.checkSession(); err != nil {
			return fmt.Errorf("login accepted without a session cookie: %w", err)
		}
		c.mu.Lock()
		if loginResp.UserID != "" {
			c.UserID = loginResp.UserID
		}
		c.mu.Unlock()
		return nil
	}

	errType := loginResp.ErrorType
	if errType == "" && !loginResp.User {
		errType = "invalid_user"
	}
	if errType == "" {
		errType = ErrBadPassword.ErrorType
	}
	message := loginResp.Message
	if message == "" {
		message = ErrBadPassword.Message
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		ErrorType:  errType,
		Payload:    payload,
	}
}

// Logout ends the session on the server and forgets the local cookies.
func (c *Client) Logout(ctx context.Context) error {
	formData := url.Values{}
	formData.Set("one_tap_app_login", "true")
	formData.Set("user_id", c.UserID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, IGWebBaseURL+"accounts/logout/ajax/", strings.NewReader(formData.Encode()))
	if err != nil {
		return err
	}
	c.setWebHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("logout request failed: %w", err)
	}

	c.mu.Lock()
	c.cookies = make(map[string]*http.Cookie)
	c.csrfToken = ""
	c.mu.Unlock()

	if resp.StatusCode >= http.StatusBadRequest {
		var payload map[string]any
		_ = json.Unmarshal(body, &payload)
		return &APIError{StatusCode: resp.StatusCode, Payload: payload}
	}
	return nil
}
