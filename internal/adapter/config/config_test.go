package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/nexus-edge/rackmon/internal/adapter/config"
)

func validConfig() config.Config {
	return config.Config{
		RegisterMapDir: "/nonexistent/rackmon.d",
		HTTP:           config.HTTPConfig{Port: 5973},
		Serial: config.SerialConfig{
			Device:   "/dev/ttyUSB0",
			Baudrate: 19200,
			Parity:   "E",
		},
		Monitor: config.MonitorConfig{
			Interval:               time.Second,
			MinAddress:             0xa0,
			MaxAddress:             0xbf,
			MaxConsecutiveFailures: 10,
		},
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *config.Config)
		errorMsg string
	}{
		{
			name:   "valid config",
			mutate: func(c *config.Config) {},
		},
		{
			name:     "invalid HTTP port - zero",
			mutate:   func(c *config.Config) { c.HTTP.Port = 0 },
			errorMsg: "invalid HTTP port",
		},
		{
			name:     "invalid HTTP port - too large",
			mutate:   func(c *config.Config) { c.HTTP.Port = 70000 },
			errorMsg: "invalid HTTP port",
		},
		{
			name:     "missing serial device",
			mutate:   func(c *config.Config) { c.Serial.Device = "" },
			errorMsg: "serial device is required",
		},
		{
			name:     "invalid parity",
			mutate:   func(c *config.Config) { c.Serial.Parity = "X" },
			errorMsg: "invalid serial parity",
		},
		{
			name:     "inverted address range",
			mutate:   func(c *config.Config) { c.Monitor.MinAddress, c.Monitor.MaxAddress = 0xc0, 0xa0 },
			errorMsg: "invalid monitor address range",
		},
		{
			name:     "zero interval",
			mutate:   func(c *config.Config) { c.Monitor.Interval = 0 },
			errorMsg: "monitor interval must be positive",
		},
		{
			name: "mqtt enabled without broker",
			mutate: func(c *config.Config) {
				c.MQTT.Enabled = true
				c.MQTT.BrokerURL = ""
			},
			errorMsg: "MQTT broker URL is required",
		},
		{
			name:   "mqtt disabled without broker",
			mutate: func(c *config.Config) { c.MQTT.BrokerURL = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errorMsg == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errorMsg)
			}
			if !strings.Contains(err.Error(), tt.errorMsg) {
				t.Errorf("expected error containing %q, got %q", tt.errorMsg, err.Error())
			}
		})
	}
}

func TestConfigValidation_RegisterMapDirIsFile(t *testing.T) {
	cfg := validConfig()
	cfg.RegisterMapDir = writeFile(t, t.TempDir(), "file.json", "{}")
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for register map path that is a file")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RACKMON_REGMAP_DIR", t.TempDir())

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HTTP.Port != 5973 {
		t.Errorf("expected HTTP port 5973, got %d", cfg.HTTP.Port)
	}
	if cfg.Serial.Baudrate != 19200 {
		t.Errorf("expected baudrate 19200, got %d", cfg.Serial.Baudrate)
	}
	if cfg.Monitor.MaxConsecutiveFailures != 10 {
		t.Errorf("expected 10 max consecutive failures, got %d", cfg.Monitor.MaxConsecutiveFailures)
	}
	if cfg.Monitor.MinAddress != 0xa0 || cfg.Monitor.MaxAddress != 0xbf {
		t.Errorf("unexpected address range [%d, %d]", cfg.Monitor.MinAddress, cfg.Monitor.MaxAddress)
	}
	if cfg.MQTT.Enabled {
		t.Error("expected MQTT to be disabled by default")
	}
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("RACKMON_REGMAP_DIR", t.TempDir())
	t.Setenv("RACKMON_SERIAL_DEVICE", "/dev/ttyS1")
	t.Setenv("RACKMON_MONITOR_INTERVAL", "5s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Serial.Device != "/dev/ttyS1" {
		t.Errorf("expected serial device /dev/ttyS1, got %q", cfg.Serial.Device)
	}
	if cfg.Monitor.Interval != 5*time.Second {
		t.Errorf("expected interval 5s, got %v", cfg.Monitor.Interval)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected log level debug, got %q", cfg.Logging.Level)
	}
}
