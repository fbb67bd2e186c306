// Package config loads and validates the bridge configuration: a YAML
// file with every key defaulted, so an empty file (or none at all)
// yields a working setup for the stock sensor.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration tree. Zero values are filled from
// the default tags after the YAML file is applied, so file values win.
type Config struct {
	Device    DeviceConfig    `yaml:"device"`
	Scan      ScanConfig      `yaml:"scan"`
	Session   SessionConfig   `yaml:"session"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Keepalive KeepaliveConfig `yaml:"keepalive"`
	Start     StartConfig     `yaml:"start"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// DeviceConfig identifies the sensor: which advertised names to accept
// and which GATT endpoints carry the stream.
type DeviceConfig struct {
	// Names are case-insensitive substrings matched against advertised
	// device names.
	Names []string `yaml:"names"`

	ServiceUUID string `yaml:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	NotifyUUID  string `yaml:"notify_uuid" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	WriteUUID   string `yaml:"write_uuid" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
}

// ScanConfig tunes device discovery.
type ScanConfig struct {
	Timeout    time.Duration `yaml:"timeout" default:"10s"`
	Attempts   int           `yaml:"attempts" default:"3"`
	RetryDelay time.Duration `yaml:"retry_delay" default:"2s"`
}

// SessionConfig tunes connection establishment.
type SessionConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`

	// SettleDelay is the pause after connecting before service
	// discovery; the sensor firmware needs it.
	SettleDelay    time.Duration `yaml:"settle_delay" default:"2s"`
	DiscoveryDelay time.Duration `yaml:"discovery_delay" default:"1s"`
}

// ReconnectConfig tunes the backoff policy. MaxAttempts 0 retries
// forever.
type ReconnectConfig struct {
	Initial     time.Duration `yaml:"initial" default:"5s"`
	Factor      float64       `yaml:"factor" default:"1.5"`
	Max         time.Duration `yaml:"max" default:"60s"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// KeepaliveConfig tunes the periodic link probe. Enabled is a pointer
// so that an absent key defaults to true while an explicit false
// sticks.
type KeepaliveConfig struct {
	Enabled  *bool         `yaml:"enabled"`
	Interval time.Duration `yaml:"interval" default:"15s"`
	Payload  string        `yaml:"payload"`
}

// StartConfig tunes the activation command sent after subscribing.
type StartConfig struct {
	Command string `yaml:"command"`

	// ActivationDevices limits which device names get the start
	// command. Empty means all.
	ActivationDevices []string `yaml:"activation_devices"`
}

// MonitorConfig tunes the in-session watchdogs.
type MonitorConfig struct {
	DataTimeout    time.Duration `yaml:"data_timeout" default:"60s"`
	StatusInterval time.Duration `yaml:"status_interval" default:"30s"`
}

// ServerConfig tunes the WebSocket stream endpoint.
type ServerConfig struct {
	Host    string `yaml:"host" default:"127.0.0.1"`
	Port    int    `yaml:"port" default:"8765"`
	Metrics bool   `yaml:"metrics"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level string `yaml:"level" default:"info"`
}

// DefaultConfig returns a fully defaulted configuration.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	cfg.normalize()
	return cfg
}

// Load reads a YAML config file and fills the gaps with defaults. An
// empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	defaults.SetDefaults(cfg)
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills the defaults that struct tags cannot carry: slices,
// strings with control characters, and tri-state booleans.
func (c *Config) normalize() {
	if len(c.Device.Names) == 0 {
		c.Device.Names = []string{"KIRIRI01", "KIRIRI02", "KIRIRI03", "KIRI"}
	}
	if c.Keepalive.Enabled == nil {
		enabled := true
		c.Keepalive.Enabled = &enabled
	}
	if c.Keepalive.Payload == "" {
		c.Keepalive.Payload = "PING\n"
	}
	if c.Start.Command == "" {
		c.Start.Command = "START\n"
	}
}

// Validate reports every problem at once rather than the first one.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Device.Names) == 0 {
		problems = append(problems, "device.names must not be empty")
	}
	if c.Device.ServiceUUID == "" {
		problems = append(problems, "device.service_uuid must not be empty")
	}
	if c.Device.NotifyUUID == "" {
		problems = append(problems, "device.notify_uuid must not be empty")
	}
	if c.Device.WriteUUID == "" {
		problems = append(problems, "device.write_uuid must not be empty")
	}
	if c.Scan.Timeout <= 0 {
		problems = append(problems, "scan.timeout must be positive")
	}
	if c.Scan.Attempts < 1 {
		problems = append(problems, "scan.attempts must be at least 1")
	}
	if c.Session.ConnectTimeout <= 0 {
		problems = append(problems, "session.connect_timeout must be positive")
	}
	if c.Reconnect.Initial <= 0 {
		problems = append(problems, "reconnect.initial must be positive")
	}
	if c.Reconnect.Factor <= 1 {
		problems = append(problems, "reconnect.factor must be greater than 1")
	}
	if c.Reconnect.Max < c.Reconnect.Initial {
		problems = append(problems, "reconnect.max must not be below reconnect.initial")
	}
	if c.Reconnect.MaxAttempts < 0 {
		problems = append(problems, "reconnect.max_attempts must not be negative")
	}
	if c.Keepalive.Interval <= 0 {
		problems = append(problems, "keepalive.interval must be positive")
	}
	if c.Server.Host == "" {
		problems = append(problems, "server.host must not be empty")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in 1..65535")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, fmt.Sprintf("log.level %q is not a valid level", c.Log.Level))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// KeepaliveOn reports the resolved keepalive switch.
func (c *Config) KeepaliveOn() bool {
	return c.Keepalive.Enabled != nil && *c.Keepalive.Enabled
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
