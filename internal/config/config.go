// Package config loads the YAML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"obd-link/internal/obd"
)

// Config represents the complete application configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Device    DeviceConfig    `yaml:"device"`
	Protocol  ProtocolConfig  `yaml:"protocol"`
	Vehicle   VehicleConfig   `yaml:"vehicle"`
	Store     StoreConfig     `yaml:"store"`
	Events    EventsConfig    `yaml:"events"`
	API       APIConfig       `yaml:"api"`
	Capture   CaptureConfig   `yaml:"capture"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Lookup    LookupConfig    `yaml:"lookup"`
	Logging   LoggingConfig   `yaml:"logging"`
}

const (
	TransportBlueZ  = "bluez"
	TransportSerial = "serial"
)

type TransportConfig struct {
	Kind   string       `yaml:"kind"` // bluez | serial
	BlueZ  BlueZConfig  `yaml:"bluez"`
	Serial SerialConfig `yaml:"serial"`
}

type BlueZConfig struct {
	ServiceName string `yaml:"service_name"`
	Channel     uint16 `yaml:"channel"`
	Adapter     string `yaml:"adapter"`
}

type SerialConfig struct {
	Port        string        `yaml:"port"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// DeviceConfig selects the adapter and what to do at boot.
type DeviceConfig struct {
	Remote      string `yaml:"remote"` // MAC, BlueZ object path or serial port
	AutoConnect bool   `yaml:"auto_connect"`
	Listen      bool   `yaml:"listen"`
}

type ProtocolConfig struct {
	InitCommands     []string `yaml:"init_commands"`
	VehicleIDCommand string   `yaml:"vehicle_id_command"`
	Poll             []string `yaml:"poll"`
	DefaultVehicleID string   `yaml:"default_vehicle_id"`
}

// VehicleConfig describes the car for diagnostic-code lookups.
type VehicleConfig struct {
	Make  string `yaml:"make"`
	Model string `yaml:"model"`
	Year  int    `yaml:"year"`
}

type StoreConfig struct {
	Path string `yaml:"path"` // empty disables persistence
}

type EventsConfig struct {
	Buffer int `yaml:"buffer"`
}

type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type CaptureConfig struct {
	Path string `yaml:"path"` // empty disables capture
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Broker      string        `yaml:"broker"`
	Port        int           `yaml:"port"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	ClientID    string        `yaml:"client_id"`
	TopicPrefix string        `yaml:"topic_prefix"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

type LookupConfig struct {
	URL     string        `yaml:"url"` // empty disables lookups
	Timeout time.Duration `yaml:"timeout"`
	Cache   CacheConfig   `yaml:"cache"`
}

const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
)

type CacheConfig struct {
	Kind      string        `yaml:"kind"` // memory | redis
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
}

// LoggingConfig represents the logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
	File   string `yaml:"file"`
}

// Default returns the configuration used when no file is found; loaded
// files are decoded on top of it.
func Default() Config {
	return Config{
		Transport: TransportConfig{
			Kind:   TransportBlueZ,
			BlueZ:  BlueZConfig{ServiceName: "OBD Link", Channel: 22, Adapter: "hci0"},
			Serial: SerialConfig{Baud: 38400, ReadTimeout: 200 * time.Millisecond},
		},
		Device: DeviceConfig{Listen: true},
		Protocol: ProtocolConfig{
			InitCommands:     []string{"ATZ", "ATE0", "ATL0", "ATS0", "ATSP0"},
			VehicleIDCommand: obd.PIDVehicleID,
			Poll:             []string{obd.PIDCoolantTemp, obd.PIDEngineRPM, obd.PIDModuleVoltage, obd.PIDTroubleCodes},
			DefaultVehicleID: "unknown",
		},
		Store:  StoreConfig{Path: "obd-link.db"},
		Events: EventsConfig{Buffer: 64},
		API:    APIConfig{ListenAddr: "127.0.0.1:8080"},
		MQTT: MQTTConfig{
			Port:        1883,
			ClientID:    "obd-link",
			TopicPrefix: "obd",
			RetryDelay:  5 * time.Second,
		},
		Lookup: LookupConfig{
			Timeout: 10 * time.Second,
			Cache:   CacheConfig{Kind: CacheMemory, TTL: 24 * time.Hour},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// SearchPaths lists where LoadConfig looks, in order.
func SearchPaths(configPath string) []string {
	return []string{
		configPath,
		"/etc/obd-link/config.yaml",
		"./config.yaml",
	}
}

// LoadConfig reads the first configuration file found. When none exists the
// defaults are returned with an empty source path.
func LoadConfig(configPath string) (*Config, string, error) {
	for _, path := range SearchPaths(configPath) {
		if path == "" {
			continue
		}
		// #nosec G304 - paths come from the command line or a fixed list
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) && path != configPath {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("config: read %s: %w", path, err)
		}
		cfg, err := Parse(data)
		if err != nil {
			return nil, "", fmt.Errorf("config: %s: %w", path, err)
		}
		return cfg, path, nil
	}
	cfg := Default()
	return &cfg, "", nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportBlueZ:
	case TransportSerial:
		if c.Transport.Serial.Port == "" && c.Device.Remote == "" {
			return fmt.Errorf("transport.serial.port is not specified")
		}
	default:
		return fmt.Errorf("transport.kind %q is not one of bluez, serial", c.Transport.Kind)
	}
	for _, cmd := range c.Protocol.InitCommands {
		if strings.TrimSpace(cmd) == "" {
			return fmt.Errorf("protocol.init_commands contains an empty command")
		}
	}
	if len(c.Protocol.Poll) == 0 {
		return fmt.Errorf("protocol.poll is empty")
	}
	for _, pid := range c.Protocol.Poll {
		if err := validPID(pid); err != nil {
			return fmt.Errorf("protocol.poll: %w", err)
		}
	}
	if c.Protocol.VehicleIDCommand != "" {
		if err := validPID(c.Protocol.VehicleIDCommand); err != nil {
			return fmt.Errorf("protocol.vehicle_id_command: %w", err)
		}
	}
	if c.Device.AutoConnect && c.Device.Remote == "" && c.Transport.Kind == TransportBlueZ {
		return fmt.Errorf("device.auto_connect requires device.remote")
	}
	if c.Events.Buffer <= 0 {
		return fmt.Errorf("events.buffer must be positive")
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is not specified")
		}
		if c.MQTT.Port <= 0 {
			return fmt.Errorf("mqtt.port must be positive")
		}
	}
	switch c.Lookup.Cache.Kind {
	case CacheMemory:
	case CacheRedis:
		if c.Lookup.Cache.RedisAddr == "" {
			return fmt.Errorf("lookup.cache.redis_addr is not specified")
		}
	default:
		return fmt.Errorf("lookup.cache.kind %q is not one of memory, redis", c.Lookup.Cache.Kind)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of console, json", c.Logging.Format)
	}
	return nil
}

// validPID accepts an even-length hex request token.
func validPID(pid string) error {
	p := obd.Normalize(pid)
	if p == "" {
		return fmt.Errorf("empty PID")
	}
	if len(p)%2 != 0 {
		return fmt.Errorf("PID %q has odd length", pid)
	}
	for _, c := range p {
		if !strings.ContainsRune("0123456789ABCDEF", c) {
			return fmt.Errorf("PID %q is not hex", pid)
		}
	}
	return nil
}
