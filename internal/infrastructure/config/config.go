package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// redacted replaces secrets in Redacted output.
const redacted = "********"

// Config is the root configuration structure for the bridge.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	ZWay     ZWayConfig     `yaml:"zway"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	API      APIConfig      `yaml:"api"`
	InfluxDB InfluxDBConfig `yaml:"influxdb"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ZWayConfig contains controller connection settings.
type ZWayConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// PushURL overrides the websocket endpoint (default ws://host:port/).
	PushURL string `yaml:"push_url,omitempty"`

	// RequestTimeout bounds each HTTP request to the controller.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RetryDelay is the fixed delay between reconnect attempts.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// RefreshInterval is how often the device list is polled while connected.
	// Zero disables polling.
	RefreshInterval time.Duration `yaml:"refresh_interval"`

	// ReconnectInterval forces a full reconnect. Zero disables it.
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`

	// FloatTypes are push event types whose level is coerced to a number.
	FloatTypes []string `yaml:"float_types"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// TopicPrefix is the root of every bridge topic, e.g. "zwave".
	TopicPrefix string `yaml:"topic_prefix"`
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

// MQTTReconnectConfig contains MQTT reconnection settings, in seconds.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// BridgeConfig contains settings for the MQTT side of the bridge.
type BridgeConfig struct {
	// CommandTimeout bounds the commands issued for one update request.
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// HealthInterval is how often health is published. Zero disables it.
	HealthInterval time.Duration `yaml:"health_interval"`
}

// APIConfig contains status API server settings.
type APIConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Host      string           `yaml:"host"`
	Port      int              `yaml:"port"`
	Timeouts  APITimeoutConfig `yaml:"timeouts"`
	WebSocket WebSocketConfig  `yaml:"websocket"`
}

// WebSocketConfig contains event stream settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"` // bytes
	PingInterval   int `yaml:"ping_interval"`    // seconds
	PongTimeout    int `yaml:"pong_timeout"`     // seconds
}

// APITimeoutConfig contains HTTP timeout settings, in seconds.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
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

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults), skipped when path is empty
//  3. Environment variables (override file values)
//
// The controller and broker variables keep the names used by existing
// deployments (ZWAY_HOST, MQTT_HOST, MQTT_PATH, ...). Bridge-level settings
// use the ZWAY_BRIDGE_ prefix.
//
// Parameters:
//   - path: Path to the YAML configuration file, or "" for environment only
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		ZWay: ZWayConfig{
			Host:              "localhost",
			Port:              8083,
			RequestTimeout:    30 * time.Second,
			RetryDelay:        time.Second,
			RefreshInterval:   10 * time.Second,
			ReconnectInterval: time.Hour,
			FloatTypes:        []string{"device-temperature"},
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host: "localhost",
				Port: 1883,
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			TopicPrefix: "zwave",
		},
		Bridge: BridgeConfig{
			CommandTimeout: 10 * time.Second,
			HealthInterval: 30 * time.Second,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8090,
			Timeouts: APITimeoutConfig{
				Read:  10,
				Write: 30,
				Idle:  60,
			},
			WebSocket: WebSocketConfig{
				MaxMessageSize: 8192,
				PingInterval:   30,
				PongTimeout:    10,
			},
		},
		InfluxDB: InfluxDBConfig{
			Org:           "home",
			Bucket:        "zwave",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Interval variables are in milliseconds.
func applyEnvOverrides(cfg *Config) error {
	var errs []error

	// Controller
	if v := os.Getenv("ZWAY_HOST"); v != "" {
		cfg.ZWay.Host = v
	}
	if v := os.Getenv("ZWAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ZWAY_PORT: %w", err))
		} else {
			cfg.ZWay.Port = port
		}
	}
	if v := os.Getenv("ZWAY_USERNAME"); v != "" {
		cfg.ZWay.Username = v
	}
	if v := os.Getenv("ZWAY_PASSWORD"); v != "" {
		cfg.ZWay.Password = v
	}
	if v := os.Getenv("ZWAY_REFRESH"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ZWAY_REFRESH: %w", err))
		} else {
			cfg.ZWay.RefreshInterval = d
		}
	}
	if v := os.Getenv("ZWAY_RECONNECT"); v != "" {
		d, err := parseMillis(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ZWAY_RECONNECT: %w", err))
		} else {
			cfg.ZWay.ReconnectInterval = d
		}
	}

	// MQTT
	if v := os.Getenv("MQTT_HOST"); v != "" {
		if err := parseBrokerAddress(v, &cfg.MQTT.Broker); err != nil {
			errs = append(errs, fmt.Errorf("MQTT_HOST: %w", err))
		}
	}
	if v := os.Getenv("MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}
	if v := os.Getenv("MQTT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}
	if v := os.Getenv("MQTT_PATH"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}

	// Bridge
	if v := os.Getenv("ZWAY_BRIDGE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ZWAY_BRIDGE_API_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ZWAY_BRIDGE_API_PORT: %w", err))
		} else {
			cfg.API.Port = port
		}
	}

	// InfluxDB is switched on by providing a URL.
	if v := os.Getenv("INFLUXDB_URL"); v != "" {
		cfg.InfluxDB.URL = v
		cfg.InfluxDB.Enabled = true
	}
	if v := os.Getenv("INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	return errors.Join(errs...)
}

// parseMillis parses a non-negative millisecond count.
func parseMillis(v string) (time.Duration, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, err
	}
	if ms < 0 {
		return 0, fmt.Errorf("negative interval %d", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// parseBrokerAddress accepts "host", "host:port" or a broker URL such as
// "mqtt://broker:1883" or "mqtts://broker". TLS schemes default to port 8883.
func parseBrokerAddress(v string, broker *MQTTBrokerConfig) error {
	if strings.Contains(v, "://") {
		u, err := url.Parse(v)
		if err != nil {
			return err
		}
		switch u.Scheme {
		case "mqtt", "tcp":
			broker.TLS = false
		case "mqtts", "ssl", "tls":
			broker.TLS = true
		default:
			return fmt.Errorf("unsupported scheme %q", u.Scheme)
		}
		if u.Hostname() == "" {
			return fmt.Errorf("missing host in %q", v)
		}
		broker.Host = u.Hostname()
		switch {
		case u.Port() != "":
			port, err := strconv.Atoi(u.Port())
			if err != nil {
				return err
			}
			broker.Port = port
		case broker.TLS:
			broker.Port = 8883
		default:
			broker.Port = 1883
		}
		return nil
	}

	if host, port, err := net.SplitHostPort(v); err == nil {
		p, err := strconv.Atoi(port)
		if err != nil {
			return err
		}
		broker.Host = host
		broker.Port = p
		return nil
	}

	broker.Host = v
	return nil
}

// Validate checks the configuration for errors.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	// Controller
	if c.ZWay.Host == "" {
		errs = append(errs, "zway.host is required")
	}
	if c.ZWay.Port < 1 || c.ZWay.Port > 65535 {
		errs = append(errs, "zway.port must be between 1 and 65535")
	}
	if c.ZWay.Username == "" {
		errs = append(errs, "zway.username is required (set ZWAY_USERNAME environment variable)")
	}
	if c.ZWay.RetryDelay <= 0 {
		errs = append(errs, "zway.retry_delay must be positive")
	}
	if c.ZWay.RequestTimeout <= 0 {
		errs = append(errs, "zway.request_timeout must be positive")
	}
	if c.ZWay.RefreshInterval < 0 || c.ZWay.ReconnectInterval < 0 {
		errs = append(errs, "zway intervals must not be negative")
	}

	// MQTT
	if c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if c.MQTT.Broker.Port < 1 || c.MQTT.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		errs = append(errs, "mqtt.topic_prefix must be non-empty and free of wildcards")
	}

	// Bridge
	if c.Bridge.CommandTimeout <= 0 {
		errs = append(errs, "bridge.command_timeout must be positive")
	}
	if c.Bridge.HealthInterval < 0 {
		errs = append(errs, "bridge.health_interval must not be negative")
	}

	// API
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	if c.API.Enabled {
		ws := c.API.WebSocket
		if ws.MaxMessageSize <= 0 || ws.PingInterval <= 0 || ws.PongTimeout <= 0 {
			errs = append(errs, "api.websocket settings must be positive")
		}
	}

	// InfluxDB
	if c.InfluxDB.Enabled {
		if c.InfluxDB.URL == "" {
			errs = append(errs, "influxdb.url is required when influxdb is enabled")
		}
		if c.InfluxDB.Org == "" || c.InfluxDB.Bucket == "" {
			errs = append(errs, "influxdb.org and influxdb.bucket are required when influxdb is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Redacted returns a copy of the configuration with secrets masked,
// suitable for logging.
func (c *Config) Redacted() Config {
	out := *c
	out.ZWay.FloatTypes = append([]string(nil), c.ZWay.FloatTypes...)
	if out.ZWay.Password != "" {
		out.ZWay.Password = redacted
	}
	if out.MQTT.Auth.Password != "" {
		out.MQTT.Auth.Password = redacted
	}
	if out.InfluxDB.Token != "" {
		out.InfluxDB.Token = redacted
	}
	return out
}

// ZWayBaseURL returns the controller's HTTP base URL.
func (c *Config) ZWayBaseURL() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(c.ZWay.Host, strconv.Itoa(c.ZWay.Port)))
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
