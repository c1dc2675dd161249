// Package config holds the application configuration: a YAML file layered
// over struct-tag defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Scan    ScanConfig    `yaml:"scan"`
	Connect ConnectConfig `yaml:"connect"`
	Notify  NotifyConfig  `yaml:"notify"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	// Level is any level name logrus accepts: trace, debug, info, warn,
	// error.
	Level  string `yaml:"level" default:"info"`
	Format string `yaml:"format" default:"text"`
}

// ScanConfig controls discovery defaults.
type ScanConfig struct {
	Duration    time.Duration `yaml:"duration" default:"10s"`
	EventBuffer int           `yaml:"event_buffer" default:"128"`
}

// ConnectConfig controls session defaults.
type ConnectConfig struct {
	Timeout          time.Duration `yaml:"timeout" default:"30s"`
	DiscoverTimeout  time.Duration `yaml:"discover_timeout" default:"15s"`
	OperationTimeout time.Duration `yaml:"operation_timeout" default:"10s"`

	AutoReconnect        bool          `yaml:"auto_reconnect"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" default:"5"`
	ReconnectBaseDelay   time.Duration `yaml:"reconnect_base_delay" default:"500ms"`
	ReconnectMaxDelay    time.Duration `yaml:"reconnect_max_delay" default:"16s"`
}

// NotifyConfig controls notification delivery.
type NotifyConfig struct {
	// Buffer is the per-listener queue depth; oldest values are dropped
	// when a listener consumes slower than the device produces.
	Buffer int `yaml:"buffer" default:"128"`
}

// DefaultConfig returns the configuration with every default applied.
func DefaultConfig() *Config {
	cfg := new(Config)
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file over the defaults. A missing file
// is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return logger
}
