package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for devmesh core.
// All configuration is loaded from YAML and can be overridden by
// environment variables where noted.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Peers     []PeerConfig    `yaml:"peers"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// NodeConfig contains the routing identity of this node.
type NodeConfig struct {
	// Domains lists domains this node claims authority for. Advisory:
	// the resolver claims any domain without a gateway regardless.
	Domains []string `yaml:"domains"`

	// DefaultDomain is prepended to device ids that carry no domain
	// part. Defaults to ".".
	DefaultDomain string `yaml:"default_domain"`
}

// PeerConfig describes one outbound peer link.
type PeerConfig struct {
	// URL is the peer's websocket endpoint, e.g. "ws://master:8420/peers".
	URL string `yaml:"url"`

	// Gateway marks the link as this node's gateway for Domain; Domain
	// defaults to the wildcard "*".
	Gateway bool   `yaml:"gateway"`
	Domain  string `yaml:"domain"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Auth     AuthConfig       `yaml:"auth"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// AuthConfig contains bearer-token settings for the device API.
// The secret can be overridden with the DEVMESH_JWT_SECRET environment
// variable so it never has to live in the config file.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
}

// WebSocketConfig contains peer-socket settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
}

// MQTTConfig contains MQTT broker connection settings for the
// notification relay.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	QoS      int    `yaml:"qos"`
}

// InfluxDBConfig contains InfluxDB connection settings for the metric
// recorder.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// AuditConfig contains the SQLite request audit trail settings.
type AuditConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads, parses, validates, and defaults a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file
// loaded. Useful for tests and ad hoc nodes.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Node.DefaultDomain == "" {
		c.Node.DefaultDomain = "."
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8420
	}
	if c.API.Timeouts.Read == 0 {
		c.API.Timeouts.Read = 15
	}
	if c.API.Timeouts.Write == 0 {
		c.API.Timeouts.Write = 15
	}
	if c.API.Timeouts.Idle == 0 {
		c.API.Timeouts.Idle = 60
	}
	if c.WebSocket.Path == "" {
		c.WebSocket.Path = "/peers"
	}
	if c.WebSocket.MaxMessageSize == 0 {
		c.WebSocket.MaxMessageSize = 1 << 20
	}
	if c.WebSocket.PingInterval == 0 {
		c.WebSocket.PingInterval = 30
	}
	if c.WebSocket.PongTimeout == 0 {
		c.WebSocket.PongTimeout = 60
	}
	if c.MQTT.Port == 0 {
		c.MQTT.Port = 1883
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "devmesh-core"
	}
	if c.InfluxDB.BatchSize == 0 {
		c.InfluxDB.BatchSize = 100
	}
	if c.InfluxDB.FlushInterval == 0 {
		c.InfluxDB.FlushInterval = 10
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "data/audit.db"
	}
	if c.Audit.BusyTimeout == 0 {
		c.Audit.BusyTimeout = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// applyEnvOverrides pulls secrets from the environment so they can stay
// out of the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DEVMESH_JWT_SECRET"); v != "" {
		c.API.Auth.Secret = v
	}
	if v := os.Getenv("DEVMESH_MQTT_PASSWORD"); v != "" {
		c.MQTT.Password = v
	}
	if v := os.Getenv("DEVMESH_INFLUXDB_TOKEN"); v != "" {
		c.InfluxDB.Token = v
	}
}

func (c *Config) validate() error {
	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("config: api.port %d out of range", c.API.Port)
	}
	for i, peer := range c.Peers {
		if !strings.HasPrefix(peer.URL, "ws://") && !strings.HasPrefix(peer.URL, "wss://") {
			return fmt.Errorf("config: peers[%d].url %q must be a ws:// or wss:// URL", i, peer.URL)
		}
	}
	if c.API.Auth.Enabled && c.API.Auth.Secret == "" {
		return fmt.Errorf("config: api.auth.enabled requires a secret (or DEVMESH_JWT_SECRET)")
	}
	if c.MQTT.Enabled && c.MQTT.Host == "" {
		return fmt.Errorf("config: mqtt.enabled requires mqtt.host")
	}
	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		return fmt.Errorf("config: influxdb.enabled requires influxdb.url")
	}
	return nil
}
