// Package config provides TOML configuration file loading and parsing for the relay.
// The configuration file lives at ~/.rcrelay/config.toml by default, but can be
// overridden with the --config flag. CLI flags always take precedence over file values.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config represents the relay configuration file structure.
// Field names use Go camelCase internally but map to snake_case in TOML files
// via struct tags.
type Config struct {
	// Addr is the host:port for the WebSocket server.
	// Default: 0.0.0.0:3000, or 0.0.0.0:$PORT when PORT is set.
	Addr string `toml:"addr"`

	// LogLevel controls logging verbosity: debug, info, warn, error.
	// Default: info
	LogLevel string `toml:"log_level"`

	// LogFormat selects "console" (human readable) or "json" output.
	// Default: console
	LogFormat string `toml:"log_format"`

	// ReplacePolicy decides what happens to a device session when the same
	// device id authenticates on another session: "close" or "keep".
	// Default: close
	ReplacePolicy string `toml:"replace_policy"`

	// ClampCommands limits speed and direction to the firmware ranges before
	// forwarding. Default: false (commands are forwarded as sent)
	ClampCommands bool `toml:"clamp_commands"`

	// RateLimit is the sustained number of inbound messages per second
	// accepted from one session. Default: 200
	RateLimit float64 `toml:"rate_limit"`

	// RateBurst is the inbound burst size per session. Default: 50
	RateBurst int `toml:"rate_burst"`

	// StaticDir, if set, is served at / for the browser control client.
	StaticDir string `toml:"static_dir"`

	// CredentialsFile is a YAML device provisioning file.
	CredentialsFile string `toml:"credentials_file"`

	// CredentialsDB is the SQLite provisioning database managed by
	// 'relay devices'. Default: ~/.rcrelay/devices.db
	CredentialsDB string `toml:"credentials_db"`

	// MdnsEnabled advertises the relay on the local network as _rcrelay._tcp.
	// Default: false
	MdnsEnabled bool `toml:"mdns_enabled"`

	// MdnsName is the advertised instance name. Default: the hostname.
	MdnsName string `toml:"mdns_name"`

	// QR prints the relay WebSocket URL as a terminal QR code at startup.
	// Default: false
	QR bool `toml:"qr"`

	// Devices maps device id to its provisioned secret (plain or bcrypt hash).
	Devices map[string]string `toml:"devices"`

	// MQTT configures the optional telemetry mirror.
	MQTT MQTTConfig `toml:"mqtt"`
}

// MQTTConfig configures the MQTT telemetry mirror.
type MQTTConfig struct {
	// Enabled turns the mirror on. Default: false
	Enabled bool `toml:"enabled"`

	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string `toml:"broker"`

	// ClientID is the MQTT client id. Default: rcrelay
	ClientID string `toml:"client_id"`

	// TopicPrefix is prepended to every topic. Default: rcrelay
	TopicPrefix string `toml:"topic_prefix"`

	// QoS is the publish quality of service (0, 1 or 2). Default: 0
	QoS int `toml:"qos"`
}

// DefaultConfigPath returns the default config file location: ~/.rcrelay/config.toml.
// Returns an error only if the user's home directory cannot be determined.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".rcrelay", "config.toml"), nil
}

// DefaultCredentialsDBPath returns ~/.rcrelay/devices.db.
func DefaultCredentialsDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".rcrelay", "devices.db"), nil
}

// DefaultListenAddr returns the listen address used when neither a flag nor
// the config file names one. The PORT environment variable, if set, picks
// the port.
func DefaultListenAddr() string {
	if port := os.Getenv("PORT"); port != "" {
		return net.JoinHostPort(DefaultHost, port)
	}
	return DefaultAddr
}

// WriteDefault creates an example config file at the given path with the two
// development devices provisioned.
//
// Behavior:
//   - If the file already exists, returns without error (does not overwrite).
//   - Creates the parent directory if it doesn't exist.
//   - Returns an error if the file cannot be written.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	content := `# rcrelay configuration

# Listen on all interfaces so devices on the LAN can reach the relay
addr = "0.0.0.0:3000"

log_level = "info"

# What to do with a device session when the same device id logs in again
replace_policy = "close"

# Development credentials. Replace before exposing the relay.
[devices]
ESP8266_001 = "secret_key_001"
ESP8266_002 = "secret_key_002"

[mqtt]
enabled = false
broker = "tcp://localhost:1883"
topic_prefix = "rcrelay"
`

	// Secrets live in this file, so owner read/write only.
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Load reads a TOML config file from the given path and returns a Config.
//
// Behavior:
//   - If path is empty, attempts to load from the default location (~/.rcrelay/config.toml).
//     Returns an empty Config without error if the default file doesn't exist.
//   - If path is specified, returns an error if the file doesn't exist.
//   - Returns an error if the file exists but cannot be parsed or fails Validate.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return cfg, nil
		}
		if _, err := os.Stat(defaultPath); os.IsNotExist(err) {
			return cfg, nil
		}
		path = defaultPath
	} else {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges. Zero values mean "use default" and are valid.
func (c *Config) Validate() error {
	switch c.ReplacePolicy {
	case "", "close", "keep":
	default:
		return fmt.Errorf("replace_policy must be 'close' or 'keep', got %q", c.ReplacePolicy)
	}
	switch c.LogFormat {
	case "", "console", "json":
	default:
		return fmt.Errorf("log_format must be 'console' or 'json', got %q", c.LogFormat)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must be positive, got %s", strconv.FormatFloat(c.RateLimit, 'g', -1, 64))
	}
	if c.RateBurst < 0 {
		return fmt.Errorf("rate_burst must be positive, got %d", c.RateBurst)
	}
	for id, secret := range c.Devices {
		if secret == "" {
			return fmt.Errorf("devices.%s has an empty secret", id)
		}
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt.enabled is true")
	}
	return nil
}
