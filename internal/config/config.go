// Package config loads muze configuration from YAML with environment
// overrides. Every tunable the scheduler depends on (decay threshold,
// pacing tiers, batch size) lives here rather than in code; the original
// deployment tuned these empirically in production.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all muze configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Store     StoreConfig     `yaml:"store"`
	Transport TransportConfig `yaml:"transport"`
	Server    ServerConfig    `yaml:"server"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LLMConfig configures the text-insight extractor backend.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// StoreConfig configures the subscriber store.
type StoreConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// TransportConfig configures the outbound WhatsApp transport (Twilio).
type TransportConfig struct {
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	FromNumber string `yaml:"from_number"`
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	Retries    int    `yaml:"retries"`
	RetryWait  string `yaml:"retry_wait"`
}

// ServerConfig configures the webhook/admin HTTP server.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// PacingConfig holds the weight-tiered minimum gaps between proactive
// messages, measured from the subscriber's last interaction.
type PacingConfig struct {
	HighHours   int `yaml:"high_hours"`   // weight 5
	MediumHours int `yaml:"medium_hours"` // weight 3-4
	LowHours    int `yaml:"low_hours"`    // weight 1-2
}

// SchedulerConfig configures the nudge dispatcher and loop tracker.
type SchedulerConfig struct {
	Interval         string       `yaml:"interval"`
	RunDeadline      string       `yaml:"run_deadline"`
	Workers          int          `yaml:"workers"`
	DecayDays        int          `yaml:"decay_days"`
	EventHorizonDays int          `yaml:"event_horizon_days"`
	MaxBatch         int          `yaml:"max_batch"`
	RecentWindow     int          `yaml:"recent_window"`
	RequireApproval  bool         `yaml:"require_approval"`
	Pacing           PacingConfig `yaml:"pacing"`

	DefaultTimezone   string `yaml:"default_timezone"`
	DefaultQuietStart int    `yaml:"default_quiet_start"`
	DefaultQuietEnd   int    `yaml:"default_quiet_end"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "muze",
		Version: "1.0.0",

		LLM: LLMConfig{
			Model:   "gemini-2.0-flash-exp",
			Timeout: "45s",
		},

		Store: StoreConfig{
			DatabasePath: "data/muze.db",
		},

		Transport: TransportConfig{
			BaseURL:   "https://api.twilio.com",
			Timeout:   "15s",
			Retries:   2,
			RetryWait: "500ms",
		},

		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: "10s",
		},

		Scheduler: SchedulerConfig{
			Interval:         "1h",
			RunDeadline:      "50m",
			Workers:          4,
			DecayDays:        7,
			EventHorizonDays: 2,
			MaxBatch:         3,
			RecentWindow:     3,
			RequireApproval:  false,
			Pacing: PacingConfig{
				HighHours:   4,
				MediumHours: 24,
				LowHours:    48,
			},
			DefaultTimezone:   "Europe/Amsterdam",
			DefaultQuietStart: 22,
			DefaultQuietEnd:   9,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file, starting from defaults and
// finishing with environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides lets environment variables win over file values.
// Secrets (API keys, auth tokens) normally arrive this way.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("TWILIO_ACCOUNT_SID"); v != "" {
		c.Transport.AccountSID = v
	}
	if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		c.Transport.AuthToken = v
	}
	if v := os.Getenv("TWILIO_FROM_NUMBER"); v != "" {
		c.Transport.FromNumber = v
	}
	if v := os.Getenv("MUZE_DB"); v != "" {
		c.Store.DatabasePath = v
	}
	if v := os.Getenv("MUZE_ADDR"); v != "" {
		c.Server.Addr = v
	}
}

// parseDuration parses s, falling back to def on empty or malformed input.
func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// TimeoutDuration returns the LLM per-call timeout.
func (c LLMConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 45*time.Second)
}

// TimeoutDuration returns the transport per-call timeout.
func (c TransportConfig) TimeoutDuration() time.Duration {
	return parseDuration(c.Timeout, 15*time.Second)
}

// RetryWaitDuration returns the gap between transport retries.
func (c TransportConfig) RetryWaitDuration() time.Duration {
	return parseDuration(c.RetryWait, 500*time.Millisecond)
}

// ShutdownDuration returns the graceful shutdown timeout.
func (c ServerConfig) ShutdownDuration() time.Duration {
	return parseDuration(c.ShutdownTimeout, 10*time.Second)
}

// IntervalDuration returns the dispatch cadence.
func (c SchedulerConfig) IntervalDuration() time.Duration {
	return parseDuration(c.Interval, time.Hour)
}

// DeadlineDuration returns the hard deadline for one dispatch run. It must
// stay below the cadence so runs never overlap.
func (c SchedulerConfig) DeadlineDuration() time.Duration {
	d := parseDuration(c.RunDeadline, 50*time.Minute)
	if iv := c.IntervalDuration(); d > iv {
		return iv
	}
	return d
}

// DecayDuration returns the staleness threshold after which an active
// loop starts decaying.
func (c SchedulerConfig) DecayDuration() time.Duration {
	days := c.DecayDays
	if days <= 0 {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}
