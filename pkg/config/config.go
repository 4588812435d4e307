// Package config loads the spawner's YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	holonlog "github.com/holon-run/restspawner/pkg/log"
	"github.com/holon-run/restspawner/pkg/sse"
)

// Config holds every setting of the spawner. Zero-valued fields in a file
// keep their defaults.
type Config struct {
	ControllerURL    string        `yaml:"controller_url"`
	PathPrefix       string        `yaml:"path_prefix"`
	AdminTokenPath   string        `yaml:"admin_token_path"`
	AdminTokenEnv    string        `yaml:"admin_token_env"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	EventTimeout     time.Duration `yaml:"event_timeout"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`
	Framing          string        `yaml:"framing"`
	CompleteProgress int           `yaml:"complete_progress"`
	CleanupOnFailure bool          `yaml:"cleanup_on_failure"`
	Log              LogConfig     `yaml:"log"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console (default) | json
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ControllerURL:    "http://localhost:8080/nublado",
		PathPrefix:       "spawner/v1",
		AdminTokenPath:   "/etc/gafaelfawr/token",
		AdminTokenEnv:    "ADMIN_TOKEN",
		StartTimeout:     10 * time.Minute,
		EventTimeout:     5 * time.Minute,
		StopTimeout:      5 * time.Minute,
		Framing:          sse.FramingJSON,
		CompleteProgress: 90,
		CleanupOnFailure: true,
		Log: LogConfig{
			Level:  string(holonlog.LevelInfo),
			Format: "console",
		},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.ControllerURL)
	if err != nil {
		return fmt.Errorf("controller_url: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("controller_url: %q is not an absolute http(s) URL", c.ControllerURL)
	}

	if strings.TrimSpace(c.AdminTokenPath) == "" && strings.TrimSpace(c.AdminTokenEnv) == "" {
		return fmt.Errorf("one of admin_token_path or admin_token_env is required")
	}

	for name, d := range map[string]time.Duration{
		"start_timeout": c.StartTimeout,
		"event_timeout": c.EventTimeout,
		"stop_timeout":  c.StopTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.EventTimeout > c.StartTimeout {
		return fmt.Errorf("event_timeout (%s) must not exceed start_timeout (%s)", c.EventTimeout, c.StartTimeout)
	}

	if _, err := sse.NewCodec(c.Framing); err != nil {
		return fmt.Errorf("framing: %w", err)
	}
	if c.CompleteProgress < 0 || c.CompleteProgress > 100 {
		return fmt.Errorf("complete_progress must be within 0-100, got %d", c.CompleteProgress)
	}

	if _, err := holonlog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return fmt.Errorf("log.format: invalid format %q (expected console or json)", c.Log.Format)
	}
	return nil
}

// Logger converts the log section for holonlog.Init.
func (c Config) Logger() holonlog.Config {
	cfg := holonlog.DefaultConfig()
	if level, err := holonlog.ParseLevel(c.Log.Level); err == nil {
		cfg.Level = level
	}
	cfg.Format = c.Log.Format
	return cfg
}
