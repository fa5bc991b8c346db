package instagram

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/PiotrWarzachowski/go-instalive/internal/auth"
	"github.com/PiotrWarzachowski/go-instalive/internal/platform/instagram/session"
	"github.com/PiotrWarzachowski/go-instalive/internal/storage"
)

func newClient(proxy string, now func() time.Time) (*Client, error) {
	transport, err := proxyTransport(proxy)
	if err != nil {
		return nil, err
	}
	jar, _ := cookiejar.New(nil)

	c := &Client{
		DeviceSettings: session.DefaultDeviceSettings(),
		Locale:         "en_US",
		cookies:        make(map[string]*http.Cookie),
		now:            now,
		httpClient: &http.Client{
			Jar:       jar,
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}

	c.initUUIDs()
	c.setUserAgent()
	c.CreatedTS = now().Unix()

	return c, nil
}

// proxyTransport returns nil when no proxy is set so the client falls back
// to http.DefaultTransport.
func proxyTransport(proxy string) (http.RoundTripper, error) {
	if proxy == "" {
		return nil, nil
	}
	u, err := url.Parse(proxy)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy %q: %w", proxy, err)
	}
	return &http.Transport{
		Proxy: http.ProxyURL(u),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}

// initUUIDs generates all required UUIDs
func (c *Client) initUUIDs() {
	c.PhoneID = uuid.NewString()
	c.UUID = uuid.NewString()
	c.ClientSessionID = uuid.NewString()
	c.AdvertisingID = uuid.NewString()
	c.AndroidDeviceID = generateAndroidDeviceID()
}

// generateAndroidDeviceID generates Android device ID format
func generateAndroidDeviceID() string {
	hash := sha256.Sum256([]byte(uuid.NewString()))
	return "android-" + hex.EncodeToString(hash[:])[:16]
}

// setUserAgent sets the user agent based on device settings
func (c *Client) setUserAgent() {
	c.UserAgent = fmt.Sprintf(
		"Instagram %s Android (%d/%s; %s; %s; %s; %s; %s; %s; %s)",
		c.DeviceSettings.AppVersion,
		c.DeviceSettings.AndroidVersion,
		c.DeviceSettings.AndroidRelease,
		c.DeviceSettings.DPI,
		c.DeviceSettings.Resolution,
		c.DeviceSettings.Manufacturer,
		c.DeviceSettings.Device,
		c.DeviceSettings.Model,
		c.DeviceSettings.CPU,
		c.Locale,
	)
}

func (c *Client) AuthenticatedUsername() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Username
}

// AuthExpiry returns the expiry of the sessionid cookie.
func (c *Client) AuthExpiry() (time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ck, ok := c.cookies[sessionCookie]
	if !ok || ck.Expires.IsZero() {
		return time.Time{}, ErrNoAuthExpiry
	}
	return ck.Expires, nil
}

// Settings returns current session settings for storage
func (c *Client) Settings() storage.Record {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return storage.Record{
		"uuid":            c.UUID,
		"device_id":       c.AndroidDeviceID,
		"phone_id":        c.PhoneID,
		"ad_id":           c.AdvertisingID,
		"session_id":      c.ClientSessionID,
		"user_agent":      c.UserAgent,
		"username":        c.Username,
		"user_id":         c.UserID,
		"created_ts":      c.CreatedTS,
		"mid":             c.Mid,
		"ig_www_claim":    c.IgWwwClaim,
		"device_settings": c.DeviceSettings.Map(),
		"cookie":          c.encodeCookies(),
	}
}

// restore loads settings written by Settings.
func (c *Client) restore(record storage.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	str := func(key string, dst *string) {
		if v := record.String(key); v != "" {
			*dst = v
		}
	}
	str("uuid", &c.UUID)
	str("device_id", &c.AndroidDeviceID)
	str("phone_id", &c.PhoneID)
	str("ad_id", &c.AdvertisingID)
	str("session_id", &c.ClientSessionID)
	str("user_id", &c.UserID)
	str("mid", &c.Mid)
	str("ig_www_claim", &c.IgWwwClaim)

	if ts, err := strconv.ParseInt(record.String("created_ts"), 10, 64); err == nil {
		c.CreatedTS = ts
	}

	if ds, ok := record["device_settings"].(map[string]any); ok {
		c.DeviceSettings = session.FromMap(ds)
		c.setUserAgent()
	}
	str("user_agent", &c.UserAgent)

	switch raw := record["cookie"].(type) {
	case nil:
	case []byte:
		if err := c.decodeCookies(raw); err != nil {
			return fmt.Errorf("%w: cookie list: %v", storage.ErrCorruptSession, err)
		}
	default:
		return fmt.Errorf("%w: cookie field is %T, not bytes", storage.ErrCorruptSession, raw)
	}

	c.restoreCookies()
	return nil
}

type storedCookie struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain,omitempty"`
	Path     string `json:"path,omitempty"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure,omitempty"`
	HTTPOnly bool   `json:"http_only,omitempty"`
}

// encodeCookies must be called with c.mu held.
func (c *Client) encodeCookies() []byte {
	list := make([]storedCookie, 0, len(c.cookies))
	for _, ck := range c.cookies {
		sc := storedCookie{
			Name:     ck.Name,
			Value:    ck.Value,
			Domain:   ck.Domain,
			Path:     ck.Path,
			Secure:   ck.Secure,
			HTTPOnly: ck.HttpOnly,
		}
		if !ck.Expires.IsZero() {
			sc.Expires = ck.Expires.Unix()
		}
		list = append(list, sc)
	}
	slices.SortFunc(list, func(a, b storedCookie) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})

	data, _ := json.Marshal(list)
	return data
}

// decodeCookies must be called with c.mu held.
func (c *Client) decodeCookies(data []byte) error {
	var list []storedCookie
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}

	c.cookies = make(map[string]*http.Cookie, len(list))
	for _, sc := range list {
		ck := &http.Cookie{
			Name:     sc.Name,
			Value:    sc.Value,
			Domain:   sc.Domain,
			Path:     sc.Path,
			Secure:   sc.Secure,
			HttpOnly: sc.HTTPOnly,
		}
		if sc.Expires != 0 {
			ck.Expires = time.Unix(sc.Expires, 0)
		}
		c.cookies[sc.Name] = ck
		c.trackCookie(ck)
	}
	return nil
}

// restoreCookies copies the cookie mirror into the HTTP client's jar. It must
// be called with c.mu held.
func (c *Client) restoreCookies() {
	cookies := make([]*http.Cookie, 0, len(c.cookies))
	for _, ck := range c.cookies {
		cookies = append(cookies, ck)
	}

	for _, base := range []string{IGWebBaseURL, IGAPIBaseURL} {
		u, _ := url.Parse(base)
		c.httpClient.Jar.SetCookies(u, cookies)
	}
}

// captureCookies records the cookies set by resp, including their expiry.
func (c *Client) captureCookies(resp *http.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, ck := range resp.Cookies() {
		if ck.MaxAge < 0 || (!ck.Expires.IsZero() && !ck.Expires.After(now)) {
			delete(c.cookies, ck.Name)
			continue
		}
		if ck.MaxAge > 0 {
			ck.Expires = now.Add(time.Duration(ck.MaxAge) * time.Second)
		}
		if ck.Domain == "" {
			ck.Domain = ".instagram.com"
		}
		if ck.Path == "" {
			ck.Path = "/"
		}
		c.cookies[ck.Name] = ck
		c.trackCookie(ck)
	}

	if claim := resp.Header.Get("X-IG-Set-WWW-Claim"); claim != "" {
		c.IgWwwClaim = claim
	}
}

func (c *Client) trackCookie(ck *http.Cookie) {
	switch ck.Name {
	case csrfCookie:
		c.csrfToken = ck.Value
	case "mid":
		c.Mid = ck.Value
	case userIDCookie:
		c.UserID = ck.Value
	}
}

// checkSession fails with auth.ErrSessionExpired unless the client holds a
// sessionid cookie that has not expired.
func (c *Client) checkSession() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ck, ok := c.cookies[sessionCookie]
	if !ok || ck.Value == "" {
		return fmt.Errorf("%w: no sessionid cookie", auth.ErrSessionExpired)
	}
	if !ck.Expires.IsZero() && !ck.Expires.After(c.now()) {
		return fmt.Errorf("%w: sessionid cookie expired at %s", auth.ErrSessionExpired, ck.Expires.Format(time.RFC3339))
	}
	return nil
}

// do sends req and records the response cookies. The body is read in full.
func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.captureCookies(resp)
	return resp, body, nil
}

func (c *Client) setWebHeaders(req *http.Request) {
	req.Header.Set("User-Agent", c.getWebUserAgent())
	req.Header.Set("Accept", "*/*")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
	req.Header.Set("X-CSRFToken", c.csrfToken)
	req.Header.Set("X-IG-App-ID", IGWebAppID)
	req.Header.Set("X-ASBD-ID", IGWebASBDID)
	req.Header.Set("X-IG-WWW-Claim", c.igWwwClaim())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", "https://www.instagram.com")
	req.Header.Set("Referer", "https://www.instagram.com/accounts/login/")
	req.Header.Set("Sec-Fetch-Dest", "empty")
	req.Header.Set("Sec-Fetch-Mode", "cors")
	req.Header.Set("Sec-Fetch-Site", "same-origin")
}

func (c *Client) igWwwClaim() string {
	if c.IgWwwClaim == "" {
		return "0"
	}
	return c.IgWwwClaim
}

func (c *Client) getWebUserAgent() string {
	return "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
}
