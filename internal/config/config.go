// Package config loads and watches the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/driftline/driftline/internal/errors"
)

// Duration is a time.Duration that unmarshals from YAML strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// NetworkConfig controls the connectivity monitor.
type NetworkConfig struct {
	ProbeURL      string   `yaml:"probe_url"`
	ProbeInterval Duration `yaml:"probe_interval"`
}

// SyncConfig controls the orchestrator and executor.
type SyncConfig struct {
	Interval     Duration `yaml:"interval"`
	Debounce     Duration `yaml:"debounce"`
	MinInterval  Duration `yaml:"min_interval"`
	BatchSize    int      `yaml:"batch_size"`
	BatchTimeout Duration `yaml:"batch_timeout"`
}

// QueueConfig controls the retry policy.
type QueueConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// Config is the daemon configuration.
type Config struct {
	ServerURL string `yaml:"server_url"`
	AuthToken string `yaml:"auth_token"`
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	Listen    string `yaml:"listen"`

	Network NetworkConfig `yaml:"network"`
	Sync    SyncConfig    `yaml:"sync"`
	Queue   QueueConfig   `yaml:"queue"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		ServerURL: "http://localhost:8080",
		DataDir:   defaultDataDir(),
		LogLevel:  "info",
		Listen:    "127.0.0.1:7430",
		Network: NetworkConfig{
			ProbeInterval: Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Interval:     Duration(5 * time.Minute),
			Debounce:     Duration(2 * time.Second),
			MinInterval:  Duration(10 * time.Second),
			BatchSize:    25,
			BatchTimeout: Duration(30 * time.Second),
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BackoffBase: Duration(1 * time.Second),
			BackoffCap:  Duration(5 * time.Minute),
		},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "driftline")
	}
	return ".driftline"
}

// Load reads the config file at path, layered over defaults. A missing file
// is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrap(errors.ErrConfigInvalid, "reading config file", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(errors.ErrConfigInvalid, "parsing config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New(errors.ErrConfigInvalid, "server_url is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(errors.ErrConfigInvalid, "log_level must be one of debug, info, warn, error")
	}
	if c.Sync.BatchSize <= 0 {
		return errors.New(errors.ErrConfigInvalid, "sync.batch_size must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return errors.New(errors.ErrConfigInvalid, "queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase.Std() <= 0 || c.Queue.BackoffCap.Std() < c.Queue.BackoffBase.Std() {
		return errors.New(errors.ErrConfigInvalid, "queue backoff cap must be at least the base")
	}
	return nil
}

// ProbeURL returns the connectivity probe target, defaulting to the sync
// server's health endpoint.
func (c *Config) ProbeURL() string {
	if c.Network.ProbeURL != "" {
		return c.Network.ProbeURL
	}
	return c.ServerURL + "/api/health"
}
