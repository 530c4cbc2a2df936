// Package config provides configuration management for the replay MCP server.
//
// Configuration controls:
//   - Capability mode (readonly vs full): determines which tools are available
//   - Recording server: WebSocket URL and API key
//   - Safety limits: maximum sessions, idle timeout and request timeout
//   - Analysis batching: chunk size and discovery bound
//   - Logging: level and console output
//
// Values are layered: defaults, then a JSON or TOML file, then REPLAY_*
// environment variables, then explicitly set command-line flags.
package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/pflag"

	"github.com/replayio/devtools-sub013/internal/errors"
)

// CapabilityMode defines the level of debugging capabilities exposed
type CapabilityMode string

const (
	ModeReadOnly CapabilityMode = "readonly" // No evaluation, no effectful analyses
	ModeFull     CapabilityMode = "full"     // All tools enabled
)

// Config holds the server configuration
type Config struct {
	Mode CapabilityMode `json:"mode" env:"REPLAY_MODE"`

	// Recording server
	ServerURL string `json:"serverURL" env:"REPLAY_SERVER_URL"`
	APIKey    string `json:"-" env:"REPLAY_API_KEY"`

	// Limits for safety
	MaxSessions    int           `json:"maxSessions" env:"REPLAY_MAX_SESSIONS"`
	SessionTimeout time.Duration `json:"sessionTimeout" env:"REPLAY_SESSION_TIMEOUT"`
	RequestTimeout time.Duration `json:"requestTimeout" env:"REPLAY_REQUEST_TIMEOUT"`

	Analysis AnalysisConfig `json:"analysis"`
	Log      LogConfig      `json:"log"`
}

// AnalysisConfig holds analysis batching settings
type AnalysisConfig struct {
	BatchSize int `json:"batchSize" env:"REPLAY_ANALYSIS_BATCH_SIZE"`
	MaxPoints int `json:"maxPoints" env:"REPLAY_ANALYSIS_MAX_POINTS"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `json:"level" env:"REPLAY_LOG_LEVEL"`
	Pretty bool   `json:"pretty" env:"REPLAY_LOG_PRETTY"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Mode:           ModeReadOnly,
		ServerURL:      "wss://dispatch.replay.io",
		MaxSessions:    10,
		SessionTimeout: 30 * time.Minute,
		RequestTimeout: 2 * time.Minute,
		Analysis: AnalysisConfig{
			BatchSize: 200,
			MaxPoints: 10000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// fileConfig mirrors Config with string durations and optional fields so that
// a file only overrides what it sets.
type fileConfig struct {
	Mode           *string `json:"mode" toml:"mode"`
	ServerURL      *string `json:"serverURL" toml:"server_url"`
	APIKey         *string `json:"apiKey" toml:"api_key"`
	MaxSessions    *int    `json:"maxSessions" toml:"max_sessions"`
	SessionTimeout *string `json:"sessionTimeout" toml:"session_timeout"`
	RequestTimeout *string `json:"requestTimeout" toml:"request_timeout"`
	Analysis       struct {
		BatchSize *int `json:"batchSize" toml:"batch_size"`
		MaxPoints *int `json:"maxPoints" toml:"max_points"`
	} `json:"analysis" toml:"analysis"`
	Log struct {
		Level  *string `json:"level" toml:"level"`
		Pretty *bool   `json:"pretty" toml:"pretty"`
	} `json:"log" toml:"log"`
}

// LoadConfig loads configuration from a JSON or TOML file (chosen by
// extension) over the defaults, then applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var fc fileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return c.applyFile(fc)
}

func (c *Config) applyFile(fc fileConfig) error {
	if fc.Mode != nil {
		c.Mode = CapabilityMode(*fc.Mode)
	}
	setString(fc.ServerURL, &c.ServerURL)
	setString(fc.APIKey, &c.APIKey)
	setInt(fc.MaxSessions, &c.MaxSessions)
	if err := setDuration("sessionTimeout", fc.SessionTimeout, &c.SessionTimeout); err != nil {
		return err
	}
	if err := setDuration("requestTimeout", fc.RequestTimeout, &c.RequestTimeout); err != nil {
		return err
	}
	setInt(fc.Analysis.BatchSize, &c.Analysis.BatchSize)
	setInt(fc.Analysis.MaxPoints, &c.Analysis.MaxPoints)
	setString(fc.Log.Level, &c.Log.Level)
	if fc.Log.Pretty != nil {
		c.Log.Pretty = *fc.Log.Pretty
	}
	return nil
}

func setString(v *string, dst *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(v *int, dst *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(field string, v *string, dst *time.Duration) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return errors.ConfigInvalid(field, fmt.Sprintf("%q is not a duration", *v))
	}
	*dst = d
	return nil
}

// ApplyFlags copies the flags the user set explicitly onto the config. Flag
// names are the kebab-case field names, for example "max-sessions".
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	var err error
	fs.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "mode":
			c.Mode = CapabilityMode(f.Value.String())
		case "server-url":
			c.ServerURL, err = fs.GetString(f.Name)
		case "api-key":
			c.APIKey, err = fs.GetString(f.Name)
		case "max-sessions":
			c.MaxSessions, err = fs.GetInt(f.Name)
		case "session-timeout":
			c.SessionTimeout, err = fs.GetDuration(f.Name)
		case "request-timeout":
			c.RequestTimeout, err = fs.GetDuration(f.Name)
		case "batch-size":
			c.Analysis.BatchSize, err = fs.GetInt(f.Name)
		case "max-points":
			c.Analysis.MaxPoints, err = fs.GetInt(f.Name)
		case "log-level":
			c.Log.Level, err = fs.GetString(f.Name)
		case "log-pretty":
			c.Log.Pretty, err = fs.GetBool(f.Name)
		}
	})
	return err
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeReadOnly, ModeFull:
	default:
		return errors.ConfigInvalid("mode", fmt.Sprintf("must be %q or %q, got %q", ModeReadOnly, ModeFull, c.Mode))
	}

	u, err := url.Parse(c.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss" && u.Scheme != "tcp") || u.Host == "" {
		return errors.ConfigInvalid("serverURL", fmt.Sprintf("%q is not a ws://, wss:// or tcp:// URL", c.ServerURL))
	}

	if c.MaxSessions <= 0 {
		return errors.ConfigInvalid("maxSessions", "must be positive")
	}
	if c.SessionTimeout <= 0 {
		return errors.ConfigInvalid("sessionTimeout", "must be positive")
	}
	if c.RequestTimeout <= 0 {
		return errors.ConfigInvalid("requestTimeout", "must be positive")
	}
	if c.Analysis.BatchSize <= 0 {
		return errors.ConfigInvalid("analysis.batchSize", "must be positive")
	}
	if c.Analysis.MaxPoints <= 0 {
		return errors.ConfigInvalid("analysis.maxPoints", "must be positive")
	}
	return nil
}

// CanEvaluate returns true if expression evaluation is allowed
func (c *Config) CanEvaluate() bool {
	return c.Mode == ModeFull
}

// CanRunEffectful returns true if effectful analyses are allowed
func (c *Config) CanRunEffectful() bool {
	return c.Mode == ModeFull
}
