// Package config provides configuration management for the rack monitor.
// It supports environment variables, config files (YAML/JSON), and defaults,
// and loads the register map documents that describe each device type.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the rack monitor.
type Config struct {
	// Environment is the deployment environment (development, staging, production)
	Environment string `mapstructure:"environment"`

	// RegisterMapDir is the directory holding register map documents
	RegisterMapDir string `mapstructure:"regmap_dir"`

	// HTTP server configuration (health and metrics only)
	HTTP HTTPConfig `mapstructure:"http"`

	// Serial bus configuration
	Serial SerialConfig `mapstructure:"serial"`

	// Monitor (poll scheduler) configuration
	Monitor MonitorConfig `mapstructure:"monitor"`

	// MQTT telemetry configuration
	MQTT MQTTConfig `mapstructure:"mqtt"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// SerialConfig holds the RS-485 port configuration.
type SerialConfig struct {
	Device      string        `mapstructure:"device"`
	Baudrate    int           `mapstructure:"baudrate"`
	DataBits    int           `mapstructure:"data_bits"`
	Parity      string        `mapstructure:"parity"` // N, E or O
	StopBits    int           `mapstructure:"stop_bits"`
	Timeout     time.Duration `mapstructure:"timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	SettleTime  time.Duration `mapstructure:"settle_time"`
	// Circuit breaker around opening the port
	CBMaxRequests uint32        `mapstructure:"cb_max_requests"`
	CBInterval    time.Duration `mapstructure:"cb_interval"`
	CBTimeout     time.Duration `mapstructure:"cb_timeout"`
	CBFailures    uint32        `mapstructure:"cb_failure_threshold"`
}

// MonitorConfig holds poll scheduler configuration.
type MonitorConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	ScanInterval           time.Duration `mapstructure:"scan_interval"`
	DormantRetry           time.Duration `mapstructure:"dormant_retry"`
	MinAddress             int           `mapstructure:"min_address"`
	MaxAddress             int           `mapstructure:"max_address"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	CommandTimeout         time.Duration `mapstructure:"command_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	ShutdownTimeout        time.Duration `mapstructure:"shutdown_timeout"`
}

// MQTTConfig holds MQTT client configuration.
type MQTTConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	CleanSession   bool          `mapstructure:"clean_session"`
	QoS            byte          `mapstructure:"qos"`
	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	BufferSize     int           `mapstructure:"buffer_size"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	Retain         bool          `mapstructure:"retain"`
	TLSEnabled     bool          `mapstructure:"tls_enabled"`
	TLSCertFile    string        `mapstructure:"tls_cert_file"`
	TLSKeyFile     string        `mapstructure:"tls_key_file"`
	TLSCAFile      string        `mapstructure:"tls_ca_file"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or console
	Output     string `mapstructure:"output"` // stdout, stderr, or file path
	TimeFormat string `mapstructure:"time_format"`
}

// Load loads configuration from files and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/rackmon")

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("RACKMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("regmap_dir", "/etc/rackmon.d")

	// HTTP
	v.SetDefault("http.port", 5973)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)

	// Serial
	v.SetDefault("serial.device", "/dev/ttyUSB0")
	v.SetDefault("serial.baudrate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.parity", "E")
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.timeout", 300*time.Millisecond)
	v.SetDefault("serial.idle_timeout", time.Minute)
	v.SetDefault("serial.settle_time", 0)
	v.SetDefault("serial.cb_max_requests", 1)
	v.SetDefault("serial.cb_interval", 30*time.Second)
	v.SetDefault("serial.cb_timeout", 10*time.Second)
	v.SetDefault("serial.cb_failure_threshold", 3)

	// Monitor
	v.SetDefault("monitor.interval", 3*time.Second)
	v.SetDefault("monitor.scan_interval", 60*time.Second)
	v.SetDefault("monitor.dormant_retry", 5*time.Minute)
	v.SetDefault("monitor.min_address", 0xa0)
	v.SetDefault("monitor.max_address", 0xbf)
	v.SetDefault("monitor.probe_timeout", 100*time.Millisecond)
	v.SetDefault("monitor.command_timeout", 0)
	v.SetDefault("monitor.max_consecutive_failures", 10)
	v.SetDefault("monitor.shutdown_timeout", 30*time.Second)

	// MQTT
	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker_url", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "rackmon")
	v.SetDefault("mqtt.topic_prefix", "rackmon")
	v.SetDefault("mqtt.clean_session", true)
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.keep_alive", 30*time.Second)
	v.SetDefault("mqtt.connect_timeout", 10*time.Second)
	v.SetDefault("mqtt.reconnect_delay", 5*time.Second)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.publish_timeout", 5*time.Second)
	v.SetDefault("mqtt.retain", true)
	v.SetDefault("mqtt.tls_enabled", false)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)
}

// bindEnvVars binds environment variables to config keys.
func bindEnvVars(v *viper.Viper) {
	_ = v.BindEnv("mqtt.broker_url", "MQTT_BROKER_URL")
	_ = v.BindEnv("mqtt.username", "MQTT_USERNAME")
	_ = v.BindEnv("mqtt.password", "MQTT_PASSWORD")
	_ = v.BindEnv("mqtt.client_id", "MQTT_CLIENT_ID")

	_ = v.BindEnv("environment", "ENVIRONMENT")
	_ = v.BindEnv("regmap_dir", "RACKMON_REGMAP_DIR")
	_ = v.BindEnv("serial.device", "RACKMON_SERIAL_DEVICE")

	_ = v.BindEnv("http.port", "HTTP_PORT")

	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.Serial.Device == "" {
		return fmt.Errorf("serial device is required")
	}
	if c.Serial.Baudrate <= 0 {
		return fmt.Errorf("invalid serial baudrate: %d", c.Serial.Baudrate)
	}
	switch c.Serial.Parity {
	case "N", "E", "O":
	default:
		return fmt.Errorf("invalid serial parity %q (want N, E or O)", c.Serial.Parity)
	}
	if c.Monitor.MinAddress < 0 || c.Monitor.MaxAddress > 0xff || c.Monitor.MinAddress > c.Monitor.MaxAddress {
		return fmt.Errorf("invalid monitor address range [%d, %d]", c.Monitor.MinAddress, c.Monitor.MaxAddress)
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}
	if c.Monitor.MaxConsecutiveFailures <= 0 {
		return fmt.Errorf("monitor max consecutive failures must be positive")
	}
	if c.MQTT.Enabled && c.MQTT.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required when MQTT is enabled")
	}
	if info, err := os.Stat(c.RegisterMapDir); err == nil && !info.IsDir() {
		return fmt.Errorf("register map path %q is not a directory", c.RegisterMapDir)
	}
	return nil
}
