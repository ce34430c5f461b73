// Package config loads client settings from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cyberinferno/ecos-remote/controller"
	"github.com/cyberinferno/ecos-remote/logger"
	"github.com/cyberinferno/ecos-remote/session"
	"github.com/cyberinferno/ecos-remote/wire"
)

// Config holds all client configuration.
type Config struct {
	Station    StationConfig    `yaml:"station"`
	Session    SessionConfig    `yaml:"session"`
	Controller ControllerConfig `yaml:"controller"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Simulator  SimulatorConfig  `yaml:"simulator"`
}

type StationConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type SessionConfig struct {
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"` // 0 waits forever
	MaxBufferSize     int           `yaml:"max_buffer_size"` // bytes; 0 disables the cap
	QueueSize         int           `yaml:"queue_size"`
}

type ControllerConfig struct {
	Optimistic           bool          `yaml:"optimistic"`
	ResetFunctionsOnStop bool          `yaml:"reset_functions_on_stop"`
	WatchSelected        bool          `yaml:"watch_selected"`
	FunctionCacheTTL     time.Duration `yaml:"function_cache_ttl"` // 0 disables the cache
	MaxStatusLines       int           `yaml:"max_status_lines"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console or json
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables /metrics
}

type SimulatorConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	ResetOnStop bool   `yaml:"reset_on_stop"`
}

// Default returns a config with working defaults for a station on the
// local network.
func Default() *Config {
	return &Config{
		Station: StationConfig{
			Host: "192.168.1.68",
			Port: wire.DefaultPort,
		},
		Session: SessionConfig{
			ReconnectInterval: 2 * time.Second,
			ConnectionTimeout: 5 * time.Second,
			WriteTimeout:      5 * time.Second,
			RequestTimeout:    10 * time.Second,
			MaxBufferSize:     1 << 20,
			QueueSize:         64,
		},
		Controller: ControllerConfig{
			Optimistic:           true,
			ResetFunctionsOnStop: true,
			FunctionCacheTTL:     0,
			MaxStatusLines:       controller.DefaultMaxStatusLines,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Simulator: SimulatorConfig{
			ListenAddr: fmt.Sprintf("127.0.0.1:%d", wire.DefaultPort),
		},
	}
}

// Load reads path (if not empty) over the defaults, applies environment
// overrides and validates the result.
//
// Parameters:
//   - path: YAML file; empty means defaults and environment only
//
// Returns:
//   - The loaded config
//   - An error if the file cannot be read or parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides values from the environment.
// Supported: ECOS_HOST, ECOS_PORT, ECOS_REQUEST_TIMEOUT,
// ECOS_RECONNECT_INTERVAL, ECOS_LOG_LEVEL, ECOS_LOG_FORMAT,
// ECOS_METRICS_ADDR, ECOS_OPTIMISTIC.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error

	if v, ok := lookup("ECOS_HOST"); ok && v != "" {
		c.Station.Host = v
	}
	if v, ok := lookup("ECOS_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ECOS_PORT: %w", err))
		} else {
			c.Station.Port = n
		}
	}
	if v, ok := lookup("ECOS_REQUEST_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ECOS_REQUEST_TIMEOUT: %w", err))
		} else {
			c.Session.RequestTimeout = d
		}
	}
	if v, ok := lookup("ECOS_RECONNECT_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ECOS_RECONNECT_INTERVAL: %w", err))
		} else {
			c.Session.ReconnectInterval = d
		}
	}
	if v, ok := lookup("ECOS_LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("ECOS_LOG_FORMAT"); ok && v != "" {
		c.Logging.Format = v
	}
	if v, ok := lookup("ECOS_METRICS_ADDR"); ok {
		c.Metrics.ListenAddr = v
	}
	if v, ok := lookup("ECOS_OPTIMISTIC"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ECOS_OPTIMISTIC: %w", err))
		} else {
			c.Controller.Optimistic = b
		}
	}

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Station.Host) == "" {
		errs = append(errs, errors.New("station.host is required"))
	}
	if c.Station.Port <= 0 || c.Station.Port > 65535 {
		errs = append(errs, fmt.Errorf("station.port %d out of range", c.Station.Port))
	}
	if c.Session.ReconnectInterval <= 0 {
		errs = append(errs, errors.New("session.reconnect_interval must be positive"))
	}
	if c.Session.RequestTimeout < 0 {
		errs = append(errs, errors.New("session.request_timeout must not be negative"))
	}
	if c.Session.QueueSize <= 0 {
		errs = append(errs, errors.New("session.queue_size must be positive"))
	}
	if c.Session.MaxBufferSize < 0 {
		errs = append(errs, errors.New("session.max_buffer_size must not be negative"))
	}
	if _, err := logger.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// Address returns the station's "host:port".
func (c *Config) Address() string {
	return session.Address(c.Station.Host, c.Station.Port)
}

// SessionConfig projects the session settings.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig(c.Address())
	sc.ReconnectInterval = c.Session.ReconnectInterval
	sc.ConnectionTimeout = c.Session.ConnectionTimeout
	sc.WriteTimeout = c.Session.WriteTimeout
	sc.RequestTimeout = c.Session.RequestTimeout
	sc.MaxBufferSize = c.Session.MaxBufferSize
	sc.QueueSize = c.Session.QueueSize

	return sc
}

// Policy projects the controller policy.
func (c *Config) Policy() controller.Policy {
	return controller.Policy{
		Optimistic:           c.Controller.Optimistic,
		ResetFunctionsOnStop: c.Controller.ResetFunctionsOnStop,
		WatchSelected:        c.Controller.WatchSelected,
	}
}
