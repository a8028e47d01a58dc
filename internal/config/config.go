package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultPath is used when no -config flag is given.
const DefaultPath = "acadcal.yaml"

// Environment variables that override values read from the YAML file.
const (
	EnvAPIBaseURL = "ACADCAL_API_BASE_URL"
	EnvToken      = "ACADCAL_TOKEN"
	EnvListen     = "ACADCAL_LISTEN"
)

const (
	defaultListen     = "127.0.0.1:8080"
	defaultAPIBase    = "http://127.0.0.1:3000"
	defaultTimezone   = "Asia/Seoul"
	defaultWeekStart  = "monday"
	defaultChannel    = "Email"
	defaultEventType  = "academic"
	defaultTimeoutSec = 15
	defaultFollowCron = "5 0 * * *"
	defaultLogLevel   = "info"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the Web UI/API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the Web UI and API.
	Listen string `yaml:"listen" json:"listen"`

	// APIBaseURL is the root of the backend REST API, without the /api suffix.
	APIBaseURL string `yaml:"api_base_url" json:"api_base_url"`

	// Token is the bearer token attached to every backend request. Empty
	// means requests are sent without an Authorization header.
	Token string `yaml:"token" json:"-"`

	// Timezone is the IANA zone dates are placed in (e.g. "Asia/Seoul").
	Timezone string `yaml:"timezone" json:"timezone"`

	// WeekStart is "monday" (default) or "sunday".
	WeekStart string `yaml:"week_start" json:"week_start"`

	// DefaultChannel is used when a subscription is enabled without one.
	DefaultChannel string `yaml:"default_channel" json:"default_channel"`

	// EventType is sent as "type" when creating events.
	EventType string `yaml:"event_type" json:"event_type"`

	// IncludeDeadlines adds the user's pending deadlines to the view.
	IncludeDeadlines *bool `yaml:"include_deadlines" json:"include_deadlines"`

	RequestTimeoutSeconds int `yaml:"request_timeout_seconds" json:"request_timeout_seconds"`

	// FollowToday is a cron schedule on which the served view moves to the
	// current month. Empty disables it.
	FollowToday string `yaml:"follow_today" json:"follow_today"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" json:"cors_allowed_origins"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	deadlines := true
	return &Config{
		Listen:                defaultListen,
		APIBaseURL:            defaultAPIBase,
		Timezone:              defaultTimezone,
		WeekStart:             defaultWeekStart,
		DefaultChannel:        defaultChannel,
		EventType:             defaultEventType,
		IncludeDeadlines:      &deadlines,
		RequestTimeoutSeconds: defaultTimeoutSec,
		FollowToday:           defaultFollowCron,
		LogLevel:              defaultLogLevel,
		CORSAllowedOrigins:    []string{},
	}
}

// Normalize fills in missing/zero values with defaults so that
// partially-filled configs still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = defaultListen
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	if c.APIBaseURL == "" {
		c.APIBaseURL = defaultAPIBase
	}
	if c.Timezone == "" {
		c.Timezone = defaultTimezone
	}
	switch strings.ToLower(c.WeekStart) {
	case "monday", "sunday":
		c.WeekStart = strings.ToLower(c.WeekStart)
	default:
		c.WeekStart = defaultWeekStart
	}
	if c.DefaultChannel == "" {
		c.DefaultChannel = defaultChannel
	}
	if strings.TrimSpace(c.EventType) == "" {
		c.EventType = defaultEventType
	}
	if c.IncludeDeadlines == nil {
		v := true
		c.IncludeDeadlines = &v
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = defaultTimeoutSec
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
		c.LogLevel = strings.ToLower(c.LogLevel)
	default:
		c.LogLevel = defaultLogLevel
	}
	if c.CORSAllowedOrigins == nil {
		c.CORSAllowedOrigins = []string{}
	}
	if c.BasicAuth != nil && c.BasicAuth.Username == "" && c.BasicAuth.Password == "" {
		c.BasicAuth = nil
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("config: api_base_url %q must be an absolute http(s) URL", c.APIBaseURL)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves Timezone, falling back to the local zone.
func (c *Config) Location() *time.Location {
	if loc, err := time.LoadLocation(c.Timezone); err == nil {
		return loc
	}
	return time.Local
}

func (c *Config) Deadlines() bool {
	return c.IncludeDeadlines == nil || *c.IncludeDeadlines
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - An optional .env next to the working directory is loaded first.
//   - If the file does not exist a default config is written with 0600
//     perms and returned.
//   - Otherwise the YAML is decoded and normalized.
//   - ACADCAL_* environment variables override file values last.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// First run: create default config file.
			cfg := DefaultConfig()
			saveErr := Save(path, cfg)
			applyEnv(cfg)
			cfg.Normalize()
			return cfg, saveErr
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)
	cfg.Normalize()

	return &cfg, nil
}

func applyEnv(c *Config) {
	if v, ok := os.LookupEnv(EnvAPIBaseURL); ok && strings.TrimSpace(v) != "" {
		c.APIBaseURL = v
	}
	if v, ok := os.LookupEnv(EnvToken); ok {
		c.Token = strings.TrimSpace(v)
	}
	if v, ok := os.LookupEnv(EnvListen); ok && strings.TrimSpace(v) != "" {
		c.Listen = v
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Ensures parent directory exists (0700).
//   - Writes atomically via a temp file + rename.
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".acadcal-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
