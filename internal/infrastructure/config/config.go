package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Fleet Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	API      APIConfig      `yaml:"api"`
	Session  SessionConfig  `yaml:"session"`
	Pairing  PairingConfig  `yaml:"pairing"`
	Presence PresenceConfig `yaml:"presence"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// StoreConfig contains settings for the JSON device record store.
type StoreConfig struct {
	// Path is the main device records file. The backup and write-staging
	// files live beside it (<path>.bak, <path>.tmp).
	Path string `yaml:"path"`

	// Lock enables a cross-process lock file around writes. Required when a
	// detached maintenance process may write the same store concurrently.
	Lock LockConfig `yaml:"lock"`
}

// LockConfig contains cross-process file locking settings.
type LockConfig struct {
	Enabled bool `yaml:"enabled"`
	// Retries is the number of acquisition attempts before giving up.
	Retries int `yaml:"retries"`
	// BackoffMS is the delay between acquisition attempts in milliseconds.
	BackoffMS int `yaml:"backoff_ms"`
}

// DatabaseConfig contains SQLite settings for the status history database.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the status mirror.
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

// MQTTReconnectConfig contains MQTT reconnection settings (seconds).
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// SessionConfig contains device connection session settings.
type SessionConfig struct {
	// AuthTimeout is the deadline (seconds) for a connection to present a
	// valid hello before it is closed.
	AuthTimeout int `yaml:"auth_timeout"`

	// MaxMessageSize is the hard ceiling for a single inbound message (bytes).
	MaxMessageSize int `yaml:"max_message_size"`

	// QueueLimit bounds the pre-authentication message queue. Messages past
	// the bound are dropped, oldest preserved.
	QueueLimit int `yaml:"queue_limit"`

	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig contains per-device message throughput limits.
type RateLimitConfig struct {
	// Messages is the maximum number of messages per window.
	Messages int `yaml:"messages"`
	// Window is the counting window length in seconds.
	Window int `yaml:"window"`
}

// PairingConfig contains pairing code settings.
type PairingConfig struct {
	// DefaultTTL is the default pairing code lifetime in seconds.
	DefaultTTL int `yaml:"default_ttl"`
	// RequireToken makes the claim token mandatory unless a grant says otherwise.
	RequireToken bool `yaml:"require_token"`
}

// PresenceConfig controls the offline staleness sweep.
type PresenceConfig struct {
	// OfflineAfter marks a device offline once lastSeenAt is older than this (seconds).
	OfflineAfter int `yaml:"offline_after"`
	// SweepInterval is how often the sweep runs (seconds).
	SweepInterval int `yaml:"sweep_interval"`
}

// InfluxDBConfig contains InfluxDB connection settings for telemetry.
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: FLEETCORE_SECTION_KEY
// For example: FLEETCORE_STORE_PATH, FLEETCORE_API_PORT
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

// Default returns the built-in configuration without reading a file.
// Intended for tests and for running with an entirely env-driven setup.
func Default() *Config {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Path: "./data/devices.json",
			Lock: LockConfig{
				Enabled:   false,
				Retries:   10,
				BackoffMS: 50,
			},
		},
		Database: DatabaseConfig{
			Path:        "./data/fleetcore.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "fleetcore",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
				MaxAttempts:  0,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8090,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
		},
		Session: SessionConfig{
			AuthTimeout:    10,
			MaxMessageSize: 1 << 20,
			QueueLimit:     64,
			RateLimit: RateLimitConfig{
				Messages: 10,
				Window:   1,
			},
		},
		Pairing: PairingConfig{
			DefaultTTL:   300,
			RequireToken: true,
		},
		Presence: PresenceConfig{
			OfflineAfter:  90,
			SweepInterval: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: FLEETCORE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETCORE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("FLEETCORE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("FLEETCORE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("FLEETCORE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("FLEETCORE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("FLEETCORE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v := os.Getenv("FLEETCORE_API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		}
	}
	if v := os.Getenv("FLEETCORE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Store.Path == "" {
		errs = append(errs, "store.path is required")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.Session.AuthTimeout < 1 {
		errs = append(errs, "session.auth_timeout must be at least 1 second")
	}
	if c.Session.MaxMessageSize < 1 {
		errs = append(errs, "session.max_message_size must be positive")
	}
	if c.Session.RateLimit.Messages < 1 || c.Session.RateLimit.Window < 1 {
		errs = append(errs, "session.rate_limit.messages and window must be positive")
	}
	if c.Pairing.DefaultTTL < 1 {
		errs = append(errs, "pairing.default_ttl must be at least 1 second")
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

// GetAuthTimeout returns the session authentication deadline as a Duration.
func (c *Config) GetAuthTimeout() time.Duration {
	return time.Duration(c.Session.AuthTimeout) * time.Second
}

// GetRateLimitWindow returns the rate limit counting window as a Duration.
func (c *Config) GetRateLimitWindow() time.Duration {
	return time.Duration(c.Session.RateLimit.Window) * time.Second
}

// GetPairingTTL returns the default pairing code lifetime as a Duration.
func (c *Config) GetPairingTTL() time.Duration {
	return time.Duration(c.Pairing.DefaultTTL) * time.Second
}

// GetOfflineAfter returns the presence staleness threshold as a Duration.
func (c *Config) GetOfflineAfter() time.Duration {
	return time.Duration(c.Presence.OfflineAfter) * time.Second
}

// GetSweepInterval returns the presence sweep interval as a Duration.
func (c *Config) GetSweepInterval() time.Duration {
	return time.Duration(c.Presence.SweepInterval) * time.Second
}
