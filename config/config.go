// Package config holds the YAML-loadable engine configuration and the
// converters into per-component option sets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/hupe1980/taskmesh/collab"
	"github.com/hupe1980/taskmesh/dispatch"
	"github.com/hupe1980/taskmesh/provider"
	"github.com/hupe1980/taskmesh/window"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "30s" parse naturally.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the full engine configuration.
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Dispatcher struct {
		LeaseTTL           Duration `yaml:"lease_ttl"`
		MaxRedispatches    int      `yaml:"max_redispatches"`
		SequenceBufferSize int      `yaml:"sequence_buffer_size"`
		SweepInterval      Duration `yaml:"sweep_interval"`
		TerminalRetention  Duration `yaml:"terminal_retention"`
		StreamBufferSize   int      `yaml:"stream_buffer_size"`
	} `yaml:"dispatcher"`

	Router struct {
		MaxFallbacks int      `yaml:"max_fallbacks"`
		CallTimeout  Duration `yaml:"call_timeout"`
	} `yaml:"router"`

	Collaboration struct {
		MaxConcurrency int      `yaml:"max_concurrency"`
		Deadline       Duration `yaml:"deadline"`
		Rounds         int      `yaml:"rounds"`
	} `yaml:"collaboration"`

	Window struct {
		MaxTokens      int    `yaml:"max_tokens"`
		MaxEntries     int    `yaml:"max_entries"`
		ReservedTokens int    `yaml:"reserved_tokens"`
		Strategy       string `yaml:"strategy"`
	} `yaml:"window"`

	Redis struct {
		Addr     string   `yaml:"addr"`
		Password string   `yaml:"password"`
		DB       int      `yaml:"db"`
		Prefix   string   `yaml:"prefix"`
		TTL      Duration `yaml:"ttl"`
	} `yaml:"redis"`
}

// Default returns the baseline configuration matching the per-component
// defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Dispatcher.LeaseTTL = Duration(dispatch.DefaultConfig.LeaseTTL)
	cfg.Dispatcher.MaxRedispatches = dispatch.DefaultConfig.MaxRedispatches
	cfg.Dispatcher.SequenceBufferSize = dispatch.DefaultConfig.SequenceBufferSize
	cfg.Dispatcher.SweepInterval = Duration(dispatch.DefaultConfig.SweepInterval)
	cfg.Dispatcher.TerminalRetention = Duration(dispatch.DefaultConfig.TerminalRetention)
	cfg.Dispatcher.StreamBufferSize = dispatch.DefaultConfig.StreamBufferSize

	cfg.Router.MaxFallbacks = 1
	cfg.Router.CallTimeout = Duration(30 * time.Second)

	cfg.Collaboration.Deadline = Duration(2 * time.Minute)
	cfg.Collaboration.Rounds = 2

	cfg.Window.MaxTokens = 8192
	cfg.Window.MaxEntries = 256
	cfg.Window.Strategy = string(window.OverflowTruncate)

	cfg.Redis.Addr = "localhost:6379"
	return cfg
}

// Load reads and parses a YAML config file on top of the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// DispatchConfig converts the dispatcher section.
func (c *Config) DispatchConfig() dispatch.Config {
	return dispatch.Config{
		LeaseTTL:           time.Duration(c.Dispatcher.LeaseTTL),
		MaxRedispatches:    c.Dispatcher.MaxRedispatches,
		SequenceBufferSize: c.Dispatcher.SequenceBufferSize,
		SweepInterval:      time.Duration(c.Dispatcher.SweepInterval),
		TerminalRetention:  time.Duration(c.Dispatcher.TerminalRetention),
		StreamBufferSize:   c.Dispatcher.StreamBufferSize,
	}
}

// RouterOptions returns a functional option applying the router section.
func (c *Config) RouterOptions() func(o *provider.RouterOptions) {
	return func(o *provider.RouterOptions) {
		o.MaxFallbacks = c.Router.MaxFallbacks
		o.CallTimeout = time.Duration(c.Router.CallTimeout)
	}
}

// CollabOptions returns a functional option applying the collaboration
// section.
func (c *Config) CollabOptions() func(o *collab.Options) {
	return func(o *collab.Options) {
		o.MaxConcurrency = c.Collaboration.MaxConcurrency
		o.Deadline = time.Duration(c.Collaboration.Deadline)
		o.Rounds = c.Collaboration.Rounds
	}
}

// WindowOptions returns a functional option applying the window section.
func (c *Config) WindowOptions() func(o *window.Options) {
	return func(o *window.Options) {
		o.MaxEntries = c.Window.MaxEntries
		o.ReservedTokens = c.Window.ReservedTokens
		o.Strategy = window.OverflowStrategy(c.Window.Strategy)
	}
}
