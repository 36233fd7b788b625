package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidLogLevel    = errors.New("invalid log level")
	ErrInvalidBackend     = errors.New("invalid backend")
	ErrInvalidPeriod      = errors.New("invalid stream period")
	ErrInvalidAdvInterval = errors.New("invalid advertising interval")
	ErrInvalidMode        = errors.New("invalid monitor mode")
	ErrInvalidQoS         = errors.New("invalid MQTT QoS")
)

// Backends lists the peripheral implementations the serve command can run.
var Backends = []string{"goble", "tinygo", "sim"}

// Modes lists what the monitor asks the peripheral to do after connecting.
var Modes = []string{"begin", "idle", "sleep"}

// Advertising interval bounds, in 0.625 ms units.
const (
	MinAdvInterval = 0x0020
	MaxAdvInterval = 0x4000
)

// Config holds application configuration
type Config struct {
	LogLevel string        `yaml:"log_level" default:"info"`
	Device   DeviceConfig  `yaml:"device"`
	Stream   StreamConfig  `yaml:"stream"`
	Monitor  MonitorConfig `yaml:"monitor"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	Record   RecordConfig  `yaml:"record"`
}

// DeviceConfig describes how the peripheral advertises itself.
type DeviceConfig struct {
	Backend        string `yaml:"backend" default:"goble"`
	Name           string `yaml:"name" default:"ESP32_EEG_8Ch"`
	AdvMinInterval uint16 `yaml:"adv_min_interval" default:"32"`
	AdvMaxInterval uint16 `yaml:"adv_max_interval" default:"244"`
}

// StreamConfig controls packet emission.
type StreamConfig struct {
	Period      time.Duration `yaml:"period" default:"8ms"`
	SampleStart uint32        `yaml:"sample_start" default:"0"`
	// Script drives the sim backend, e.g. "connect,b,wait=1s,s,disconnect".
	Script string `yaml:"script"`
}

// MonitorConfig controls the host-side receiver.
type MonitorConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"15s"`
	Mode           string        `yaml:"mode" default:"begin"`
	QueueSize      uint32        `yaml:"queue_size" default:"1024"`
	FlushInterval  time.Duration `yaml:"flush_interval" default:"250ms"`
	StatusInterval time.Duration `yaml:"status_interval" default:"1s"`
}

// MQTTConfig enables publishing decoded frames. An empty Broker disables it.
type MQTTConfig struct {
	Broker         string        `yaml:"broker"`
	ClientID       string        `yaml:"client_id" default:"eegstream"` // a random suffix is appended
	Topic          string        `yaml:"topic" default:"eegstream"`
	QoS            byte          `yaml:"qos" default:"0"`
	PublishTimeout time.Duration `yaml:"publish_timeout" default:"5s"`
}

// RecordConfig enables recording decoded frames to SQLite. An empty Path disables it.
type RecordConfig struct {
	Path string `yaml:"path"`
}

// Default returns default configuration values
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep their
// default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks enumerations and ranges.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	if !oneOf(c.Device.Backend, Backends) {
		return fmt.Errorf("%w: %q (use %s)", ErrInvalidBackend, c.Device.Backend, strings.Join(Backends, ", "))
	}
	d := c.Device
	if d.AdvMinInterval < MinAdvInterval || d.AdvMaxInterval > MaxAdvInterval || d.AdvMinInterval > d.AdvMaxInterval {
		return fmt.Errorf("%w: [%d, %d] must lie within [%d, %d] with min <= max",
			ErrInvalidAdvInterval, d.AdvMinInterval, d.AdvMaxInterval, MinAdvInterval, MaxAdvInterval)
	}
	if c.Stream.Period <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPeriod, c.Stream.Period)
	}
	if !oneOf(c.Monitor.Mode, Modes) {
		return fmt.Errorf("%w: %q (use %s)", ErrInvalidMode, c.Monitor.Mode, strings.Join(Modes, ", "))
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("%w: %d", ErrInvalidQoS, c.MQTT.QoS)
	}
	return nil
}

// Level returns the configured log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
