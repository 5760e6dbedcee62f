// Package config loads the versecastd configuration file. A missing or
// unparseable file is the only condition allowed to terminate the process,
// after a short bounded retry.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/astromechza/versecast/internal/retry"
)

// Config is the full configuration surface of the broadcast server.
type Config struct {
	// Addr is the listen address for the HTTP/websocket server.
	Addr string `yaml:"addr"`

	// Token is the shared secret display clients must present on connect.
	Token string `yaml:"token"`

	// SourcePath is the local file watched for verse changes.
	SourcePath string `yaml:"source_path"`

	// RemoteURL is the concordance endpoint fetched on refresh. Empty
	// disables remote fetching.
	RemoteURL string `yaml:"remote_url"`

	// CachePath is the sqlite file backing the last-known-good
	// concordance. Empty disables the cache.
	CachePath string `yaml:"cache_path"`

	// OBS configures the presentation-control connection. An empty URL
	// disables it; the server runs fine without.
	OBS OBSConfig `yaml:"obs"`

	// SceneMap maps control-service scene names to microphone intent
	// ("on", "off" or "other"). Data, not code, so deployments can rename
	// scenes.
	SceneMap map[string]string `yaml:"scene_map"`
}

// OBSConfig holds the presentation-control service connection settings.
type OBSConfig struct {
	URL              string `yaml:"url"`
	Password         string `yaml:"password"`
	ReconnectSeconds int    `yaml:"reconnect_seconds"`
}

// ReconnectDelay returns the configured reconnect interval, defaulting to 5s.
func (o OBSConfig) ReconnectDelay() time.Duration {
	if o.ReconnectSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.ReconnectSeconds) * time.Second
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		c.Addr = ":3000"
	}
	if c.Token == "" {
		return fmt.Errorf("token is required")
	}
	if c.SourcePath == "" {
		return fmt.Errorf("source_path is required")
	}
	for scene, intent := range c.SceneMap {
		switch intent {
		case "on", "off", "other":
		default:
			return fmt.Errorf("scene_map[%s]: unknown microphone intent %q", scene, intent)
		}
	}
	return nil
}

// LoadWithRetry loads the config on the startup schedule. The caller exits
// the process when this returns an error.
func LoadWithRetry(ctx context.Context, logger *slog.Logger, path string) (*Config, error) {
	return retry.DoValue(ctx, logger, "config load", retry.Schedule{
		MaxAttempts: 3,
		Delays:      []time.Duration{500 * time.Millisecond, time.Second},
	}, func(context.Context) (*Config, error) {
		return Load(path)
	})
}
