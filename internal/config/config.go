package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultVersion = 1
	DefaultAPIURL  = "https://pomosync.app"

	// Default values for connection configuration.
	DefaultBackoffBase = time.Second
	DefaultBackoffMax  = 30 * time.Second
	DefaultMaxAttempts = 10
	DefaultHeartbeat   = 10 * time.Second

	// Default values for timer configuration.
	DefaultTickInterval = 100 * time.Millisecond
	DefaultResyncAfter  = 30 * time.Second
	DefaultTimerTopic   = "/topic/timer/{id}"

	DefaultNotificationTopic = "/topic/notifications/{user}"
)

// Config defines client configuration stored in ~/.config/pomo/config.json
// (or config.yaml).
type Config struct {
	Version       int                 `json:"version" yaml:"version"`
	APIURL        string              `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	WSURL         string              `json:"ws_url,omitempty" yaml:"ws_url,omitempty"`
	User          string              `json:"user,omitempty" yaml:"user,omitempty"`
	Connection    *ConnectionConfig   `json:"connection,omitempty" yaml:"connection,omitempty"`
	Timer         *TimerConfig        `json:"timer,omitempty" yaml:"timer,omitempty"`
	Notifications *NotificationConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"`
}

// ConnectionConfig holds channel and reconnect settings.
type ConnectionConfig struct {
	// BackoffBase is the first reconnect delay (default "1s").
	BackoffBase *string `json:"backoff_base,omitempty" yaml:"backoff_base,omitempty"`

	// BackoffMax caps the reconnect delay (default "30s").
	BackoffMax *string `json:"backoff_max,omitempty" yaml:"backoff_max,omitempty"`

	// MaxAttempts is the number of retries before giving up (default 10).
	MaxAttempts *int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`

	// Heartbeat is the STOMP heart-beat offer (default "10s", "0s" disables).
	Heartbeat *string `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
}

// GetBackoffBase returns the first reconnect delay (default 1s).
func (c *ConnectionConfig) GetBackoffBase() time.Duration {
	if c == nil {
		return DefaultBackoffBase
	}
	return parseDurationOr(c.BackoffBase, DefaultBackoffBase)
}

// GetBackoffMax returns the reconnect delay cap (default 30s).
func (c *ConnectionConfig) GetBackoffMax() time.Duration {
	if c == nil {
		return DefaultBackoffMax
	}
	return parseDurationOr(c.BackoffMax, DefaultBackoffMax)
}

// GetMaxAttempts returns the retry budget (default 10).
func (c *ConnectionConfig) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts == nil {
		return DefaultMaxAttempts
	}
	return *c.MaxAttempts
}

// GetHeartbeat returns the heart-beat offer (default 10s).
func (c *ConnectionConfig) GetHeartbeat() time.Duration {
	if c == nil {
		return DefaultHeartbeat
	}
	return parseDurationOr(c.Heartbeat, DefaultHeartbeat)
}

// Validate checks connection values.
func (c *ConnectionConfig) Validate() error {
	if c == nil {
		return nil
	}
	if err := validateDuration("backoff_base", c.BackoffBase, time.Millisecond, time.Minute); err != nil {
		return err
	}
	if err := validateDuration("backoff_max", c.BackoffMax, time.Millisecond, time.Hour); err != nil {
		return err
	}
	if c.GetBackoffMax() < c.GetBackoffBase() {
		return fmt.Errorf("backoff_max (%v) must not be below backoff_base (%v)", c.GetBackoffMax(), c.GetBackoffBase())
	}
	if c.MaxAttempts != nil && *c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be non-negative, got %d", *c.MaxAttempts)
	}
	if err := validateDuration("heartbeat", c.Heartbeat, 0, 10*time.Minute); err != nil {
		return err
	}
	return nil
}

// TimerConfig holds tick loop and resync settings.
type TimerConfig struct {
	// TickInterval is the shared tick period (default "100ms").
	TickInterval *string `json:"tick_interval,omitempty" yaml:"tick_interval,omitempty"`

	// ResyncAfter is the hidden time after which timers are refetched (default "30s").
	ResyncAfter *string `json:"resync_after,omitempty" yaml:"resync_after,omitempty"`

	// Topic is the per-task topic with an {id} placeholder.
	Topic *string `json:"topic,omitempty" yaml:"topic,omitempty"`
}

// GetTickInterval returns the tick period (default 100ms).
func (c *TimerConfig) GetTickInterval() time.Duration {
	if c == nil {
		return DefaultTickInterval
	}
	return parseDurationOr(c.TickInterval, DefaultTickInterval)
}

// GetResyncAfter returns the resync threshold (default 30s).
func (c *TimerConfig) GetResyncAfter() time.Duration {
	if c == nil {
		return DefaultResyncAfter
	}
	return parseDurationOr(c.ResyncAfter, DefaultResyncAfter)
}

// GetTopic returns the timer topic pattern.
func (c *TimerConfig) GetTopic() string {
	if c == nil || c.Topic == nil || *c.Topic == "" {
		return DefaultTimerTopic
	}
	return *c.Topic
}

// Validate checks timer values.
func (c *TimerConfig) Validate() error {
	if c == nil {
		return nil
	}
	if err := validateDuration("tick_interval", c.TickInterval, 10*time.Millisecond, 10*time.Second); err != nil {
		return err
	}
	if err := validateDuration("resync_after", c.ResyncAfter, time.Second, time.Hour); err != nil {
		return err
	}
	if c.Topic != nil && *c.Topic != "" && !strings.Contains(*c.Topic, "{id}") {
		return fmt.Errorf("timer topic must contain {id}, got %q", *c.Topic)
	}
	return nil
}

// NotificationConfig holds notification feed settings.
type NotificationConfig struct {
	// Topic is the per-user topic with a {user} placeholder.
	Topic *string `json:"topic,omitempty" yaml:"topic,omitempty"`

	// DesktopAlerts shows pushed notifications on the desktop (default false).
	DesktopAlerts *bool `json:"desktop_alerts,omitempty" yaml:"desktop_alerts,omitempty"`
}

// GetTopic returns the notification topic pattern.
func (c *NotificationConfig) GetTopic() string {
	if c == nil || c.Topic == nil || *c.Topic == "" {
		return DefaultNotificationTopic
	}
	return *c.Topic
}

// AlertsEnabled returns whether desktop alerts are on (default false).
func (c *NotificationConfig) AlertsEnabled() bool {
	if c == nil || c.DesktopAlerts == nil {
		return false
	}
	return *c.DesktopAlerts
}

// Default returns the default config.
func Default() Config {
	return Config{
		Version: DefaultVersion,
		APIURL:  DefaultAPIURL,
	}
}

// GetAPIURL returns the REST base URL.
func (c Config) GetAPIURL() string {
	if c.APIURL == "" {
		return DefaultAPIURL
	}
	return c.APIURL
}

// GetWSURL returns the WebSocket endpoint, derived from the API URL when
// not set explicitly.
func (c Config) GetWSURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	u, err := url.Parse(c.GetAPIURL())
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return u.String()
}

// Validate ensures config values are within supported ranges.
func (c Config) Validate() error {
	if c.Version != DefaultVersion {
		return fmt.Errorf("unsupported config version: %d", c.Version)
	}
	if c.APIURL != "" {
		if err := validateURL("api_url", c.APIURL, "http", "https"); err != nil {
			return err
		}
	}
	if c.WSURL != "" {
		if err := validateURL("ws_url", c.WSURL, "ws", "wss"); err != nil {
			return err
		}
	}
	if err := c.Connection.Validate(); err != nil {
		return fmt.Errorf("invalid connection config: %w", err)
	}
	if err := c.Timer.Validate(); err != nil {
		return fmt.Errorf("invalid timer config: %w", err)
	}
	if c.Notifications != nil && c.Notifications.Topic != nil && *c.Notifications.Topic != "" &&
		strings.Contains(*c.Notifications.Topic, "{user}") && c.User == "" {
		return fmt.Errorf("notification topic uses {user} but user is not set")
	}
	return nil
}

// Dir returns the config directory (~/.config/pomo on Linux).
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "pomo"), nil
}

// DefaultPath returns config.yaml if it exists in Dir, otherwise config.json.
func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	for _, name := range []string{"config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return filepath.Join(dir, "config.json"), nil
}

// Load reads config from disk and applies defaults for zero values.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config not found: %w", err)
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(path, data)
}

// LoadOrDefault reads config from disk, returning defaults if the file
// doesn't exist.
func LoadOrDefault(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return decode(path, data)
}

// Save writes a config to disk in the format implied by the extension.
func Save(path string, cfg Config) error {
	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func decode(path string, data []byte) (Config, error) {
	var cfg Config
	var err error
	if isYAML(path) {
		err = yaml.Unmarshal(data, &cfg)
	} else {
		err = json.Unmarshal(data, &cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Version == 0 {
		cfg.Version = DefaultVersion
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

func validateDuration(name string, v *string, min, max time.Duration) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d < min {
		return fmt.Errorf("%s must be at least %v, got %v", name, min, d)
	}
	if d > max {
		return fmt.Errorf("%s must be at most %v, got %v", name, max, d)
	}
	return nil
}

func validateURL(name, raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%s must use %s, got %q", name, strings.Join(schemes, " or "), raw)
}
