package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Tuya LAN Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tuya      TuyaConfig      `yaml:"tuya"`
	NetMon    NetMonConfig    `yaml:"netmon"`
}

// SiteConfig contains site-specific information.
// Name is only the initial value; once the site store has a name it wins.
type SiteConfig struct {
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TuyaConfig contains the LAN protocol settings.
type TuyaConfig struct {
	// Port is the device command port. Default: 6668
	Port int `yaml:"port"`

	// Transport selects how command frames are sent: "udp" or "tcp".
	// Default: "udp"
	Transport string `yaml:"transport"`

	// SendTimeout bounds every socket operation of a single send.
	// Default: 3s
	SendTimeout time.Duration `yaml:"send_timeout"`

	// DefaultVersion is the protocol version used when a request does not
	// name one. Default: "3.3"
	DefaultVersion string `yaml:"default_version"`

	// HealthInterval is how often the MQTT bridge publishes health.
	// Default: 30s
	HealthInterval time.Duration `yaml:"health_interval"`

	Discovery DiscoveryConfig `yaml:"discovery"`
}

// DiscoveryConfig contains UDP broadcast discovery settings.
type DiscoveryConfig struct {
	// Timeout is the wall-clock length of one scan. Default: 5s
	Timeout time.Duration `yaml:"timeout"`

	// BroadcastAddress is where the probe is sent. Default: "255.255.255.255"
	BroadcastAddress string `yaml:"broadcast_address"`

	// Port is the probe destination port. Default: 6668
	Port int `yaml:"port"`

	// ListenPorts are device broadcast ports listened on during a scan.
	// Default: [6666, 6667]
	ListenPorts []int `yaml:"listen_ports"`

	// CacheTTL is how long a discovered IP is reused for "auto" commands.
	// Zero disables the cache. Default: 5m
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// ScanOnStart runs one scan in the background at startup.
	ScanOnStart bool `yaml:"scan_on_start"`
}

// NetMonConfig contains local network change monitoring settings.
type NetMonConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: TUYALAN_SECTION_KEY
// For example: TUYALAN_DATABASE_PATH, TUYALAN_API_PORT
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides applied.
// It is used when no config file exists on first boot.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			Name: "SITE_DESCONHECIDO",
		},
		Database: DatabaseConfig{
			Path:        "./data/tuyalan.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "tuyalan-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8000,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 30,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Tuya: TuyaConfig{
			Port:           6668,
			Transport:      "udp",
			SendTimeout:    3 * time.Second,
			DefaultVersion: "3.3",
			HealthInterval: 30 * time.Second,
			Discovery: DiscoveryConfig{
				Timeout:          5 * time.Second,
				BroadcastAddress: "255.255.255.255",
				Port:             6668,
				ListenPorts:      []int{6666, 6667},
				CacheTTL:         5 * time.Minute,
				ScanOnStart:      true,
			},
		},
		NetMon: NetMonConfig{
			Enabled:  true,
			Interval: 60 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: TUYALAN_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Site
	if v := os.Getenv("TUYALAN_SITE_NAME"); v != "" {
		cfg.Site.Name = v
	}

	// Database
	if v := os.Getenv("TUYALAN_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("TUYALAN_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("TUYALAN_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("TUYALAN_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("TUYALAN_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("TUYALAN_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}

	// InfluxDB
	if v := os.Getenv("TUYALAN_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Tuya
	if v := os.Getenv("TUYALAN_TUYA_TRANSPORT"); v != "" {
		cfg.Tuya.Transport = v
	}
	if v := os.Getenv("TUYALAN_TUYA_BROADCAST_ADDRESS"); v != "" {
		cfg.Tuya.Discovery.BroadcastAddress = v
	}
}

// supportedVersions lists the protocol versions accepted in tuya.default_version.
var supportedVersions = map[string]bool{"3.1": true, "3.3": true, "3.4": true, "3.5": true}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Tuya.Port < 1 || c.Tuya.Port > 65535 {
		errs = append(errs, "tuya.port must be between 1 and 65535")
	}
	switch strings.ToLower(c.Tuya.Transport) {
	case "udp", "tcp":
	default:
		errs = append(errs, "tuya.transport must be udp or tcp")
	}
	if c.Tuya.SendTimeout <= 0 {
		errs = append(errs, "tuya.send_timeout must be positive")
	}
	if !supportedVersions[c.Tuya.DefaultVersion] {
		errs = append(errs, "tuya.default_version must be one of 3.1, 3.3, 3.4, 3.5")
	}
	if c.Tuya.Discovery.Timeout <= 0 {
		errs = append(errs, "tuya.discovery.timeout must be positive")
	}
	if c.Tuya.Discovery.BroadcastAddress == "" {
		errs = append(errs, "tuya.discovery.broadcast_address is required")
	}
	for _, p := range c.Tuya.Discovery.ListenPorts {
		if p < 1 || p > 65535 {
			errs = append(errs, fmt.Sprintf("tuya.discovery.listen_ports: invalid port %d", p))
		}
	}

	if c.NetMon.Enabled && c.NetMon.Interval <= 0 {
		errs = append(errs, "netmon.interval must be positive when netmon is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}
