// Package config loads the CLI configuration file.
//
// The file is YAML and every key is optional:
//
//	username: alice
//	password: hunter2
//	proxy: http://127.0.0.1:8080
//	session_dir: ~/.local/go-instalive/sessions
//	verbose: false
//	show_cookie_expiry: true
//
// When session_dir is empty, session files are kept next to the
// configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath is used when neither --config nor INSTALIVE_CONFIG is set.
	DefaultPath = "instalive.yaml"
	EnvConfig   = "INSTALIVE_CONFIG"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	// Username and Password are the default login when -u/-p are not given.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// Proxy is an http, https or socks5 URL used for all requests.
	Proxy string `yaml:"proxy"`

	// SessionDir holds one <username>.json file per account.
	SessionDir string `yaml:"session_dir"`

	Verbose bool `yaml:"verbose"`

	// ShowCookieExpiry prints the session cookie expiry after login.
	ShowCookieExpiry bool `yaml:"show_cookie_expiry"`

	path            string
	loginOverridden bool
}

// Default returns the configuration used when no file exists at path.
func Default(path string) *Config {
	return &Config{
		ShowCookieExpiry: true,
		path:             path,
	}
}

// Load reads the configuration file at path. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	cfg.path = path

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from.
func (c *Config) Path() string {
	return c.path
}

func (c *Config) Validate() error {
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil {
			return fmt.Errorf("%w: proxy: %v", ErrInvalidConfig, err)
		}
		switch u.Scheme {
		case "http", "https", "socks5":
		default:
			return fmt.Errorf("%w: proxy scheme %q is not http, https or socks5", ErrInvalidConfig, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: proxy %q has no host", ErrInvalidConfig, c.Proxy)
		}
	}
	return nil
}

// SessionPath returns the directory session files are stored in.
func (c *Config) SessionPath() (string, error) {
	dir := c.SessionDir
	if dir == "" {
		return filepath.Dir(c.path), nil
	}
	if dir == "~" || strings.HasPrefix(dir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving session_dir: %w", err)
		}
		dir = filepath.Join(home, strings.TrimPrefix(dir, "~"))
	}
	return dir, nil
}

// WithLoginOverride returns a copy of c that logs in with the given
// credentials instead of the configured ones.
func (c *Config) WithLoginOverride(username, password string) *Config {
	override := *c
	override.Username = username
	override.Password = password
	override.loginOverridden = true
	return &override
}

func (c *Config) LoginOverridden() bool {
	return c.loginOverridden
}
