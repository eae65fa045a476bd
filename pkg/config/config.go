// Package config loads the gateway configuration from a YAML file with
// environment variable overrides (GATEWAY_ prefix).
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/elixirlabs/chamber-gateway/pkg/logging"
)

// Config represents the application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	PLC       PLCConfig       `yaml:"plc" envconfig:"PLC"`
	Logging   logging.Config  `yaml:"logging" envconfig:"LOGGING"`
	Storage   StorageConfig   `yaml:"storage" envconfig:"STORAGE"`
	SignalMap SignalMapConfig `yaml:"signal_map" envconfig:"SIGNAL_MAP"`
	Broadcast BroadcastConfig `yaml:"broadcast" envconfig:"BROADCAST"`
	Command   CommandConfig   `yaml:"command" envconfig:"COMMAND"`
	Collector CollectorConfig `yaml:"collector" envconfig:"COLLECTOR"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `yaml:"host" envconfig:"HOST"`
	Port int    `yaml:"port" envconfig:"PORT"`
	// CORSOrigins lists allowed CORS origins; "*" allows any origin.
	CORSOrigins []string `yaml:"cors_origins" envconfig:"CORS_ORIGINS"`
}

// PLCConfig contains controller link configuration
type PLCConfig struct {
	// Mode selects the transport: "sim" for the in-process simulator,
	// "tcp" for a real controller endpoint.
	Mode     string `yaml:"mode" envconfig:"MODE"`
	Endpoint string `yaml:"endpoint" envconfig:"ENDPOINT"`
	// ConnectTimeout is the connect timeout in seconds
	ConnectTimeout int `yaml:"connect_timeout" envconfig:"CONNECT_TIMEOUT"`
	// CallTimeoutMS is the per-operation transport timeout in milliseconds
	CallTimeoutMS int `yaml:"call_timeout_ms" envconfig:"CALL_TIMEOUT_MS"`
	// ReconnectInitialMS and ReconnectMaxMS bound the reconnect backoff
	ReconnectInitialMS int `yaml:"reconnect_initial_ms" envconfig:"RECONNECT_INITIAL_MS"`
	ReconnectMaxMS     int `yaml:"reconnect_max_ms" envconfig:"RECONNECT_MAX_MS"`
}

// StorageConfig contains session history storage configuration
type StorageConfig struct {
	Type    string        `yaml:"type" envconfig:"TYPE"` // memory, mongodb
	MongoDB MongoDBConfig `yaml:"mongodb" envconfig:"MONGODB"`
}

// MongoDBConfig contains MongoDB-specific configuration
type MongoDBConfig struct {
	URI      string `yaml:"uri" envconfig:"URI"`
	Database string `yaml:"database" envconfig:"DATABASE"`
	Timeout  int    `yaml:"timeout" envconfig:"TIMEOUT"` // seconds
}

// SignalMapConfig locates the symbolic signal map file
type SignalMapConfig struct {
	Path string `yaml:"path" envconfig:"PATH"`
}

// BroadcastConfig contains broadcast engine configuration
type BroadcastConfig struct {
	// QueueSize is the per-subscriber outbound queue capacity
	QueueSize int             `yaml:"queue_size" envconfig:"QUEUE_SIZE"`
	Channels  []ChannelConfig `yaml:"channels"`
}

// ChannelConfig defines one broadcast channel
type ChannelConfig struct {
	ID         string        `yaml:"id"`
	IntervalMS int           `yaml:"interval_ms"`
	Groups     []GroupConfig `yaml:"groups"`
}

// GroupConfig nests signals under a named payload group
type GroupConfig struct {
	Name    string            `yaml:"name"`
	Signals []SignalRefConfig `yaml:"signals"`
}

// SignalRefConfig references a signal by its symbolic name. Alias overrides
// the payload key; it defaults to the signal name.
type SignalRefConfig struct {
	Category string `yaml:"category"`
	Name     string `yaml:"name"`
	Alias    string `yaml:"alias,omitempty"`
}

// CommandConfig contains command dispatcher configuration
type CommandConfig struct {
	// VerifyIntervalMS is the poll interval of the write-verification loop
	VerifyIntervalMS int `yaml:"verify_interval_ms" envconfig:"VERIFY_INTERVAL_MS"`
	// DefaultVerifyTimeoutMS applies when a request does not carry its own
	DefaultVerifyTimeoutMS int `yaml:"default_verify_timeout_ms" envconfig:"DEFAULT_VERIFY_TIMEOUT_MS"`
}

// CollectorConfig contains session data collector configuration
type CollectorConfig struct {
	// IntervalSeconds between data points logged during an active session
	IntervalSeconds int               `yaml:"interval_seconds" envconfig:"INTERVAL_SECONDS"`
	Signals         []SignalRefConfig `yaml:"signals"`
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := defaultConfig()

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
			// File doesn't exist, that's ok - we'll use defaults and env vars
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables (highest priority)
	if err := envconfig.Process("GATEWAY", cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible default values.
// The default channels mirror the monitoring surfaces of the chamber UI:
// a comprehensive status feed, a high-frequency safety feed, and narrower
// pressure/sensor feeds.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"*"},
		},
		PLC: PLCConfig{
			Mode:               "sim",
			Endpoint:           "192.168.2.1:102",
			ConnectTimeout:     5,
			CallTimeoutMS:      2000,
			ReconnectInitialMS: 500,
			ReconnectMaxMS:     30000,
		},
		Storage: StorageConfig{
			Type: "memory",
			MongoDB: MongoDBConfig{
				URI:      "mongodb://localhost:27017",
				Database: "chamber",
				Timeout:  10,
			},
		},
		Logging: logging.DefaultConfig(),
		SignalMap: SignalMapConfig{
			Path: "configs/plc_addresses.json",
		},
		Broadcast: BroadcastConfig{
			QueueSize: 16,
			Channels:  DefaultChannels(),
		},
		Command: CommandConfig{
			VerifyIntervalMS:       100,
			DefaultVerifyTimeoutMS: 3000,
		},
		Collector: CollectorConfig{
			IntervalSeconds: 30,
			Signals: []SignalRefConfig{
				{Category: "pressure_control", Name: "internal_pressure_1"},
				{Category: "pressure_control", Name: "internal_pressure_2"},
				{Category: "sensors", Name: "current_temperature"},
				{Category: "sensors", Name: "current_humidity"},
				{Category: "sensors", Name: "ambient_o2"},
			},
		},
	}
}

// DefaultChannels returns the built-in broadcast channel set
func DefaultChannels() []ChannelConfig {
	return []ChannelConfig{
		{
			ID:         "system-status",
			IntervalMS: 1000,
			Groups: []GroupConfig{
				{Name: "pressure", Signals: []SignalRefConfig{
					{Category: "pressure_control", Name: "pressure_setpoint", Alias: "setpoint"},
					{Category: "pressure_control", Name: "internal_pressure_1"},
					{Category: "pressure_control", Name: "internal_pressure_2"},
				}},
				{Name: "session", Signals: []SignalRefConfig{
					{Category: "session_control", Name: "running_state"},
					{Category: "session_control", Name: "pressuring_state"},
					{Category: "session_control", Name: "stabilising_state"},
					{Category: "session_control", Name: "depressurise_state"},
				}},
				{Name: "control_panel", Signals: []SignalRefConfig{
					{Category: "control_panel", Name: "ac_state"},
					{Category: "control_panel", Name: "ceiling_light_state", Alias: "ceiling_lights"},
					{Category: "control_panel", Name: "reading_lights"},
					{Category: "control_panel", Name: "intercom_state", Alias: "intercom"},
				}},
				{Name: "climate", Signals: []SignalRefConfig{
					{Category: "temperature_control", Name: "temperature_setpoint"},
					{Category: "sensors", Name: "current_temperature"},
					{Category: "sensors", Name: "current_humidity"},
				}},
				{Name: "timers", Signals: []SignalRefConfig{
					{Category: "timers", Name: "run_time_remaining_min"},
					{Category: "timers", Name: "run_time_remaining_sec"},
				}},
			},
		},
		{
			ID:         "critical-status",
			IntervalMS: 500,
			Groups: []GroupConfig{
				{Name: "pressure", Signals: []SignalRefConfig{
					{Category: "pressure_control", Name: "pressure_setpoint", Alias: "setpoint"},
					{Category: "pressure_control", Name: "internal_pressure_1"},
					{Category: "pressure_control", Name: "internal_pressure_2"},
				}},
				{Name: "session", Signals: []SignalRefConfig{
					{Category: "session_control", Name: "running_state"},
					{Category: "session_control", Name: "pressuring_state"},
					{Category: "session_control", Name: "depressurise_state"},
				}},
				{Name: "safety", Signals: []SignalRefConfig{
					{Category: "sensors", Name: "ambient_o2"},
					{Category: "sensors", Name: "ambient_o2_2"},
					{Category: "sensors", Name: "ambient_o2_check_flag", Alias: "ambient_o2_check"},
				}},
			},
		},
		{
			ID:         "live-data",
			IntervalMS: 1000,
			Groups: []GroupConfig{
				{Name: "pressure", Signals: []SignalRefConfig{
					{Category: "pressure_control", Name: "pressure_setpoint", Alias: "setpoint"},
					{Category: "pressure_control", Name: "internal_pressure_1"},
					{Category: "pressure_control", Name: "internal_pressure_2"},
				}},
				{Name: "session", Signals: []SignalRefConfig{
					{Category: "session_control", Name: "running_state"},
					{Category: "session_control", Name: "stabilising_state"},
				}},
				{Name: "timers", Signals: []SignalRefConfig{
					{Category: "timers", Name: "run_time_remaining_min"},
					{Category: "timers", Name: "run_time_remaining_sec"},
					{Category: "timers", Name: "run_time_min"},
				}},
			},
		},
		{
			ID:         "pressure",
			IntervalMS: 500,
			Groups: []GroupConfig{
				{Name: "pressure", Signals: []SignalRefConfig{
					{Category: "pressure_control", Name: "pressure_setpoint", Alias: "setpoint"},
					{Category: "pressure_control", Name: "internal_pressure_1"},
					{Category: "pressure_control", Name: "internal_pressure_2"},
				}},
			},
		},
		{
			ID:         "sensors",
			IntervalMS: 2000,
			Groups: []GroupConfig{
				{Name: "sensors", Signals: []SignalRefConfig{
					{Category: "sensors", Name: "current_temperature", Alias: "temperature"},
					{Category: "sensors", Name: "current_humidity", Alias: "humidity"},
					{Category: "sensors", Name: "ambient_o2"},
					{Category: "sensors", Name: "ambient_o2_2"},
				}},
			},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.PLC.Mode != "sim" && c.PLC.Mode != "tcp" {
		return fmt.Errorf("invalid plc mode: %s (must be sim or tcp)", c.PLC.Mode)
	}

	if c.PLC.Mode == "tcp" && c.PLC.Endpoint == "" {
		return fmt.Errorf("plc endpoint is required in tcp mode")
	}

	if c.Storage.Type != "memory" && c.Storage.Type != "mongodb" {
		return fmt.Errorf("invalid storage type: %s (must be memory or mongodb)", c.Storage.Type)
	}

	if c.Storage.Type == "mongodb" && c.Storage.MongoDB.URI == "" {
		return fmt.Errorf("mongodb uri is required when using mongodb storage")
	}

	if c.SignalMap.Path == "" {
		return fmt.Errorf("signal map path is required")
	}

	if c.Broadcast.QueueSize < 1 {
		return fmt.Errorf("broadcast queue size must be positive")
	}

	seen := make(map[string]bool)
	for _, ch := range c.Broadcast.Channels {
		if ch.ID == "" {
			return fmt.Errorf("broadcast channel with empty id")
		}
		if seen[ch.ID] {
			return fmt.Errorf("duplicate broadcast channel id: %s", ch.ID)
		}
		seen[ch.ID] = true
		if ch.IntervalMS < 50 {
			return fmt.Errorf("broadcast channel %s: interval must be at least 50ms", ch.ID)
		}
	}

	if c.Command.VerifyIntervalMS < 1 {
		return fmt.Errorf("command verify interval must be positive")
	}

	return nil
}

// Address returns the server address
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
