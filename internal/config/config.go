// Package config provides YAML-based configuration loading for Clipyard.
//
// Values come from an optional YAML file and are then overridden by the
// environment (BOT_TOKEN, DOWNLOAD_DIR, LOG_LEVEL, SLACK_APP_TOKEN).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported chat platforms.
const (
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
	PlatformSlack    = "slack"
)

// Supported history drivers. An empty driver disables delivery history.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config is the top-level Clipyard configuration.
type Config struct {
	Platform    string         `yaml:"platform"`
	BotToken    string         `yaml:"bot_token"`
	DownloadDir string         `yaml:"download_dir"`
	LogLevel    string         `yaml:"log_level"`
	Slack       SlackConfig    `yaml:"slack"`
	Session     SessionConfig  `yaml:"session"`
	Provider    ProviderConfig `yaml:"provider"`
	History     HistoryConfig  `yaml:"history"`
	Status      StatusConfig   `yaml:"status"`
}

// SlackConfig holds Slack-only credentials. The bot token is shared with
// Config.BotToken.
type SlackConfig struct {
	AppToken string `yaml:"app_token"` // xapp-... token for Socket Mode
}

// SessionConfig controls the lifetime of pending download sessions.
type SessionConfig struct {
	TTLSec           int `yaml:"ttl_sec"`
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// ProviderConfig controls the yt-dlp media provider.
type ProviderConfig struct {
	Executable      string `yaml:"executable"`
	ProbeTimeoutSec int    `yaml:"probe_timeout_sec"`
	FetchTimeoutSec int    `yaml:"fetch_timeout_sec"`
	AudioFormat     string `yaml:"audio_format"`
	AudioQuality    string `yaml:"audio_quality"`
}

// HistoryConfig selects the database used to record delivery outcomes.
type HistoryConfig struct {
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// StatusConfig controls the HTTP status API. Port 0 disables it.
type StatusConfig struct {
	Port int `yaml:"port"`
}

// TTL returns the session time-to-live.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSec) * time.Second
}

// SweepInterval returns the delay between expiry sweeps.
func (s SessionConfig) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalSec) * time.Second
}

// ProbeTimeout bounds a single metadata extraction.
func (p ProviderConfig) ProbeTimeout() time.Duration {
	return time.Duration(p.ProbeTimeoutSec) * time.Second
}

// FetchTimeout bounds a single download.
func (p ProviderConfig) FetchTimeout() time.Duration {
	return time.Duration(p.FetchTimeoutSec) * time.Second
}

// Enabled reports whether delivery history should be recorded.
func (h HistoryConfig) Enabled() bool {
	return h.Driver != ""
}

// getenv is swapped in tests.
var getenv = os.Getenv

// Load reads an optional YAML config file, applies environment overrides
// and defaults, validates the result and makes sure the download directory
// exists. An empty path skips the file.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		data = b
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return nil, fmt.Errorf("config: create download dir %s: %w", cfg.DownloadDir, err)
	}
	return cfg, nil
}

// Parse unmarshals YAML bytes into a validated Config. Environment
// overrides are applied before defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides file values with non-empty environment variables.
func (c *Config) applyEnv() {
	if v := getenv("BOT_TOKEN"); v != "" {
		c.BotToken = v
	}
	if v := getenv("DOWNLOAD_DIR"); v != "" {
		c.DownloadDir = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := getenv("SLACK_APP_TOKEN"); v != "" {
		c.Slack.AppToken = v
	}
}

// applyDefaults fills in default values.
func (c *Config) applyDefaults() {
	if c.Platform == "" {
		c.Platform = PlatformTelegram
	}
	c.Platform = strings.ToLower(c.Platform)
	if c.DownloadDir == "" {
		c.DownloadDir = "downloads"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Session.TTLSec == 0 {
		c.Session.TTLSec = 15 * 60
	}
	if c.Session.SweepIntervalSec == 0 {
		c.Session.SweepIntervalSec = 5 * 60
	}
	if c.Provider.ProbeTimeoutSec == 0 {
		c.Provider.ProbeTimeoutSec = 60
	}
	if c.Provider.FetchTimeoutSec == 0 {
		c.Provider.FetchTimeoutSec = 10 * 60
	}
	if c.Provider.AudioFormat == "" {
		c.Provider.AudioFormat = "mp3"
	}
	if c.Provider.AudioQuality == "" {
		c.Provider.AudioQuality = "192K"
	}
	switch c.History.Driver {
	case DriverSQLite:
		if c.History.Path == "" {
			c.History.Path = "clipyard.db"
		}
	case DriverMySQL:
		if c.History.Host == "" {
			c.History.Host = "127.0.0.1"
		}
		if c.History.Port == 0 {
			c.History.Port = 3306
		}
		if c.History.User == "" {
			c.History.User = "root"
		}
		if c.History.Database == "" {
			c.History.Database = "clipyard"
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.BotToken == "" {
		errs = append(errs, "bot_token is required (set BOT_TOKEN)")
	}
	switch c.Platform {
	case PlatformTelegram, PlatformDiscord:
	case PlatformSlack:
		if c.Slack.AppToken == "" {
			errs = append(errs, "slack.app_token is required for slack (set SLACK_APP_TOKEN)")
		}
	default:
		errs = append(errs, fmt.Sprintf("unsupported platform %q", c.Platform))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Sprintf("unknown log_level %q", c.LogLevel))
	}
	if c.Session.TTLSec < 0 || c.Session.SweepIntervalSec < 0 {
		errs = append(errs, "session durations must be positive")
	} else if c.Session.SweepIntervalSec > c.Session.TTLSec {
		errs = append(errs, "session.sweep_interval_sec must not exceed session.ttl_sec")
	}
	if c.Provider.ProbeTimeoutSec < 0 || c.Provider.FetchTimeoutSec < 0 {
		errs = append(errs, "provider timeouts must be positive")
	}
	switch c.History.Driver {
	case "", DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Sprintf("unsupported history.driver %q", c.History.Driver))
	}
	if c.Status.Port < 0 || c.Status.Port > 65535 {
		errs = append(errs, fmt.Sprintf("status.port %d out of range", c.Status.Port))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Masked returns s with all but the last four characters replaced, for
// printing secrets.
func Masked(s string) string {
	if s == "" {
		return "(unset)"
	}
	if len(s) <= 4 {
		return "****"
	}
	return strings.Repeat("*", 8) + s[len(s)-4:]
}
