// Package config loads the application configuration and the persisted
// last-used serial connection record.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BLEConfig bounds the BLE connect/retry behaviour.
type BLEConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// ChannelsConfig bounds channel slot probing.
type ChannelsConfig struct {
	// MaxProbeSlots is how many slot indices are probed when listing
	// channels; the firmware has no "list all" command.
	MaxProbeSlots int `yaml:"max_probe_slots"`
}

// APIConfig configures the local HTTP/WebSocket surface.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Config is the full application configuration.
type Config struct {
	BLE      BLEConfig      `yaml:"ble"`
	Channels ChannelsConfig `yaml:"channels"`
	API      APIConfig      `yaml:"api"`
	Debug    bool           `yaml:"debug"`
	// DebugEventLog is where raw inbound radio payloads are appended
	// as JSON lines when Debug is on.
	DebugEventLog string `yaml:"debug_event_log"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ConnectTimeout: 10 * time.Second,
			MaxRetries:     3,
			RetryDelay:     5 * time.Second,
		},
		Channels:      ChannelsConfig{MaxProbeSlots: 8},
		API:           APIConfig{ListenAddr: "127.0.0.1:8460"},
		Debug:         false,
		DebugEventLog: "radio_messages.json",
	}
}

// Load reads a YAML config file over the defaults. A missing path
// returns the defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.BLE.MaxRetries < 0 {
		return nil, fmt.Errorf("config: ble.max_retries must not be negative")
	}
	if cfg.Channels.MaxProbeSlots <= 0 {
		return nil, fmt.Errorf("config: channels.max_probe_slots must be positive")
	}
	return cfg, nil
}

// SerialSettings is the persisted last successful serial connection.
type SerialSettings struct {
	DeviceName string `json:"device_name"`
	Port       string `json:"port"`
	BaudRate   string `json:"baud_rate"`
}

const serialSettingsFile = ".meshchat_serial.json"

// SerialSettingsPath returns the user-scoped settings location.
func SerialSettingsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return serialSettingsFile
	}
	return filepath.Join(home, serialSettingsFile)
}

// SaveSerialSettings writes the record. Failures are returned but
// callers treat them as non-fatal.
func SaveSerialSettings(path string, s SerialSettings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadSerialSettings reads the record. A missing, unreadable, or
// corrupt file yields nil rather than an error.
func LoadSerialSettings(path string) *SerialSettings {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var s SerialSettings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	return &s
}
