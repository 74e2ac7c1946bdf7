// Package config loads and validates livesync configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"gopkg.in/yaml.v3"
)

// Config holds all livesync configuration.
type Config struct {
	Name string `yaml:"name"`

	// Persistent connection to the replication server
	Transport TransportConfig `yaml:"transport"`

	// Local durable copy
	Store StoreConfig `yaml:"store"`

	// Collections loaded eagerly at startup
	Collections CollectionsConfig `yaml:"collections"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`
}

// TransportConfig configures the websocket transport.
type TransportConfig struct {
	URL               string `yaml:"url"`
	MutationBaseURL   string `yaml:"mutation_base_url"` // served to UI collaborators, never dialed by the engine
	ReconnectInterval string `yaml:"reconnect_interval"`
	HandshakeTimeout  string `yaml:"handshake_timeout"`
	WriteTimeout      string `yaml:"write_timeout"`
}

// StoreConfig configures the durable store.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // sqlite (modernc) or sqlite3 (mattn)
	Path     string `yaml:"path"`
	Disabled bool   `yaml:"disabled"` // force memory-only mode
}

// CollectionsConfig lists collections known ahead of time.
type CollectionsConfig struct {
	Prefetch []string `yaml:"prefetch"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	ListenAddress string `yaml:"listen_address"` // empty disables the endpoint
}

// Supported store drivers.
const (
	DriverModernc = "sqlite"
	DriverMattn   = "sqlite3"
)

// DefaultReconnectInterval is the fixed delay between reconnect attempts.
const DefaultReconnectInterval = 15 * time.Second

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name: "livesync",

		Transport: TransportConfig{
			URL:               "ws://0.0.0.0:9999/ws",
			MutationBaseURL:   "http://0.0.0.0:9999",
			ReconnectInterval: "15s",
			HandshakeTimeout:  "10s",
			WriteTimeout:      "10s",
		},

		Store: StoreConfig{
			Driver: DriverModernc,
			Path:   "data/livesync.db",
		},

		Collections: CollectionsConfig{
			Prefetch: []string{"kv"},
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	// Override with environment variables
	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
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

// envOverrides lists the environment variables that win over the file.
type envOverrides struct {
	URL               string `env:"LIVESYNC_URL"`
	DatabasePath      string `env:"LIVESYNC_DB"`
	StoreDriver       string `env:"LIVESYNC_STORE_DRIVER"`
	Prefetch          string `env:"LIVESYNC_PREFETCH"` // comma separated
	ReconnectInterval string `env:"LIVESYNC_RECONNECT_INTERVAL"`
	LogLevel          string `env:"LIVESYNC_LOG_LEVEL"`
	MetricsAddress    string `env:"LIVESYNC_METRICS_ADDR"`
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	var o envOverrides
	if _, err := env.UnmarshalFromEnviron(&o); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if o.URL != "" {
		c.Transport.URL = o.URL
	}
	if o.DatabasePath != "" {
		c.Store.Path = o.DatabasePath
	}
	if o.StoreDriver != "" {
		c.Store.Driver = o.StoreDriver
	}
	if o.Prefetch != "" {
		var names []string
		for _, name := range strings.Split(o.Prefetch, ",") {
			if name = strings.TrimSpace(name); name != "" {
				names = append(names, name)
			}
		}
		c.Collections.Prefetch = names
	}
	if o.ReconnectInterval != "" {
		c.Transport.ReconnectInterval = o.ReconnectInterval
	}
	if o.LogLevel != "" {
		c.Logging.Level = o.LogLevel
	}
	if o.MetricsAddress != "" {
		c.Metrics.ListenAddress = o.MetricsAddress
	}
	return nil
}

// GetReconnectInterval returns the reconnect interval as a duration.
func (c *Config) GetReconnectInterval() time.Duration {
	d, err := time.ParseDuration(c.Transport.ReconnectInterval)
	if err != nil || d <= 0 {
		return DefaultReconnectInterval
	}
	return d
}

// GetHandshakeTimeout returns the websocket handshake timeout as a duration.
func (c *Config) GetHandshakeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Transport.HandshakeTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// GetWriteTimeout returns the per-frame write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Transport.WriteTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// ValidDrivers lists all supported store drivers.
var ValidDrivers = []string{DriverModernc, DriverMattn}

// Validate validates the configuration.
func (c *Config) Validate() error {
	u, err := url.Parse(c.Transport.URL)
	if err != nil {
		return fmt.Errorf("invalid transport url %q: %w", c.Transport.URL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("invalid transport url %q: scheme must be ws or wss", c.Transport.URL)
	}

	validDriver := false
	for _, d := range ValidDrivers {
		if c.Store.Driver == d {
			validDriver = true
			break
		}
	}
	if !validDriver {
		return fmt.Errorf("invalid store driver: %s (valid: %v)", c.Store.Driver, ValidDrivers)
	}

	seen := make(map[string]bool, len(c.Collections.Prefetch))
	for _, name := range c.Collections.Prefetch {
		if name == "" {
			return fmt.Errorf("prefetch collection names must not be empty")
		}
		if seen[name] {
			return fmt.Errorf("prefetch collection %q listed twice", name)
		}
		seen[name] = true
	}

	return nil
}
