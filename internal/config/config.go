// CLAUDE:SUMMARY Defines domguard config structs and parses YAML with defaults and env overrides.
// Package config loads domguard configuration from a YAML file, with
// environment overrides for the settings that change between machines.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage modes.
const (
	ModeSession = "session"
	ModeLocal   = "local"
)

// Config is the top-level domguard configuration.
type Config struct {
	Listen  string        `yaml:"listen"`
	Browser BrowserConfig `yaml:"browser"`
	Storage StorageConfig `yaml:"storage"`
	Events  EventsConfig  `yaml:"events"`
	Log     LogConfig     `yaml:"log"`
	Auth    AuthConfig    `yaml:"auth"`
}

// BrowserConfig controls the Chrome connection.
type BrowserConfig struct {
	// Remote is the DevTools URL of an already-running Chrome. Empty means
	// domguard launches its own.
	Remote          string        `yaml:"remote"`
	Headless        bool          `yaml:"headless"`
	Stealth         bool          `yaml:"stealth"`
	MemoryLimit     int64         `yaml:"memory_limit"`
	RecycleInterval time.Duration `yaml:"recycle_interval"`
	// EvalTimeout bounds every script evaluation domguard runs in a page.
	EvalTimeout time.Duration `yaml:"eval_timeout"`
}

// StorageConfig picks where blocked maps live.
type StorageConfig struct {
	// Mode is "session" (in-memory, dropped with the browser) or "local"
	// (SQLite, survives restarts).
	Mode string `yaml:"mode"`
	Path string `yaml:"path"`
}

// EventsConfig controls the script event log.
type EventsConfig struct {
	// Path is the event database. Empty shares the blocked-map database.
	Path string `yaml:"path"`
	// Retention caps how long events are kept. Zero keeps everything.
	Retention time.Duration `yaml:"retention"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug | info | warn | error
}

// AuthConfig optionally protects the HTTP API.
type AuthConfig struct {
	// Password enables basic auth when non-empty. Hashed at startup, never
	// kept in cleartext past that point.
	Password string `yaml:"password"`
}

// Load reads a YAML configuration file, fills defaults and applies
// environment overrides. An empty path yields the default config.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DOMGUARD_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("DOMGUARD_BROWSER"); v != "" {
		c.Browser.Remote = v
	}
	if v := os.Getenv("DOMGUARD_STORAGE_MODE"); v != "" {
		c.Storage.Mode = v
	}
	if v := os.Getenv("DOMGUARD_DB"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DOMGUARD_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c *Config) applyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8763"
	}
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.EvalTimeout <= 0 {
		c.Browser.EvalTimeout = 10 * time.Second
	}
	if c.Storage.Mode == "" {
		c.Storage.Mode = ModeSession
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "domguard.db"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (c *Config) validate() error {
	switch c.Storage.Mode {
	case ModeSession, ModeLocal:
	default:
		return fmt.Errorf("config: storage.mode %q (want %q or %q)",
			c.Storage.Mode, ModeSession, ModeLocal)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: log.level %q", c.Log.Level)
	}
	return nil
}
