package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/elm327-ble/internal/elm327/protocol"
)

// Config holds all application configuration.
type Config struct {
	LogLevel      string               `yaml:"log_level"`
	BLE           BLEConfig            `yaml:"ble"`
	ELM327        ELM327Config         `yaml:"elm327"`
	Sensors       []SensorConfig       `yaml:"sensors"`
	BinarySensors []BinarySensorConfig `yaml:"binary_sensors"`
	TextSensors   []TextSensorConfig   `yaml:"text_sensors"`
	Switch        SwitchConfig         `yaml:"switch"`
	HTTP          HTTPConfig           `yaml:"http"`
}

// BLEConfig holds the adapter link settings. The UUIDs default to the
// FFF0 service most ELM327 BLE clones expose.
type BLEConfig struct {
	DeviceAddress string `yaml:"device_address"` // MAC on Linux, peripheral UUID on macOS
	ServiceUUID   string `yaml:"service_uuid"`
	TXUUID        string `yaml:"tx_uuid"`       // written by us
	RXUUID        string `yaml:"rx_uuid"`       // notifies adapter output
	ReconnectMax  int    `yaml:"reconnect_max"` // max reconnect backoff in seconds
	WriteChunk    int    `yaml:"write_chunk"`   // max bytes per GATT write
}

// ELM327Config holds the engine timing.
type ELM327Config struct {
	RequestIntervalMs     int     `yaml:"request_interval_ms"`
	RequestTimeoutMs      int     `yaml:"request_timeout_ms"`
	EngineRunningWindowMs int     `yaml:"engine_running_window_ms"`
	EngineRunningMinRPM   float64 `yaml:"engine_running_min_rpm"`
	MaxInitAttempts       int     `yaml:"max_init_attempts"`
	InitRetryDelayMs      int     `yaml:"init_retry_delay_ms"`
}

// RequestInterval returns the poll spacing as a duration.
func (c ELM327Config) RequestInterval() time.Duration {
	return time.Duration(c.RequestIntervalMs) * time.Millisecond
}

// RequestTimeout returns the reply deadline as a duration.
func (c ELM327Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// EngineRunningWindow returns how long an RPM reading stays valid.
func (c ELM327Config) EngineRunningWindow() time.Duration {
	return time.Duration(c.EngineRunningWindowMs) * time.Millisecond
}

// InitRetryDelay returns the pause before a failed init is retried.
func (c ELM327Config) InitRetryDelay() time.Duration {
	return time.Duration(c.InitRetryDelayMs) * time.Millisecond
}

// SensorConfig declares a numeric point. Type names a known PID
// ("coolant_temp", "rpm", "battery_voltage", ...) and fills in the rest;
// without a type, pid (and optionally mode) or at_command must be set.
type SensorConfig struct {
	Name      string `yaml:"name,omitempty"`
	Type      string `yaml:"type,omitempty"`
	Mode      uint8  `yaml:"mode,omitempty"`
	PID       uint8  `yaml:"pid,omitempty"`
	ATCommand string `yaml:"at_command,omitempty"`
	Unit      string `yaml:"unit,omitempty"`
	Accuracy  *int   `yaml:"accuracy,omitempty"`
}

// BinarySensorConfig declares a flag point: "connected", "engine_running"
// or "at_status", which polls ATCommand and is on while the adapter
// answers it without an error status.
type BinarySensorConfig struct {
	Name      string `yaml:"name"`
	Type      string `yaml:"type"`
	ATCommand string `yaml:"at_command,omitempty"`
}

// TextSensorConfig declares a text point. Types: "dtc" (stored trouble
// codes), "raw" (every adapter reply), "raw_pid" (a custom request given
// as mode+pid or as a literal command, with an optional CAN header).
type TextSensorConfig struct {
	Name    string `yaml:"name"`
	Type    string `yaml:"type"`
	Mode    uint8  `yaml:"mode,omitempty"`
	PID     uint16 `yaml:"pid,omitempty"`
	Header  string `yaml:"header,omitempty"`
	Command string `yaml:"command,omitempty"`
}

// SwitchConfig declares the connection switch. An empty name disables it.
type SwitchConfig struct {
	Name string `yaml:"name"`
}

// HTTPConfig holds the status server settings. An empty listen address
// disables the server.
type HTTPConfig struct {
	Listen string `yaml:"listen"`
}

// Default ELM327 BLE GATT layout.
const (
	DefaultServiceUUID = "0000fff0-0000-1000-8000-00805f9b34fb"
	DefaultRXUUID      = "0000fff1-0000-1000-8000-00805f9b34fb"
	DefaultTXUUID      = "0000fff2-0000-1000-8000-00805f9b34fb"
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "elm327-ble")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		BLE: BLEConfig{
			ServiceUUID:  DefaultServiceUUID,
			TXUUID:       DefaultTXUUID,
			RXUUID:       DefaultRXUUID,
			ReconnectMax: 30,
			WriteChunk:   20,
		},
		ELM327: ELM327Config{
			RequestIntervalMs:     2000,
			RequestTimeoutMs:      5000,
			EngineRunningWindowMs: 10000,
			EngineRunningMinRPM:   100,
			MaxInitAttempts:       3,
			InitRetryDelayMs:      2000,
		},
		Sensors: []SensorConfig{
			{Type: "coolant_temp"},
			{Type: "rpm"},
			{Type: "speed"},
			{Type: "battery_voltage"},
		},
		BinarySensors: []BinarySensorConfig{
			{Name: "connected", Type: "connected"},
			{Name: "engine_running", Type: "engine_running"},
		},
		TextSensors: []TextSensorConfig{
			{Name: "dtc", Type: "dtc"},
		},
		Switch: SwitchConfig{Name: "obd_connection"},
		HTTP:   HTTPConfig{Listen: "127.0.0.1:8327"},
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults; lists given in the file replace the default lists.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	if c.BLE.ServiceUUID == "" || c.BLE.TXUUID == "" || c.BLE.RXUUID == "" {
		return fmt.Errorf("ble.service_uuid, ble.tx_uuid and ble.rx_uuid must not be empty")
	}
	if c.BLE.WriteChunk < 0 {
		return fmt.Errorf("ble.write_chunk must be >= 0")
	}

	if c.ELM327.RequestIntervalMs <= 0 {
		return fmt.Errorf("elm327.request_interval_ms must be > 0")
	}
	if c.ELM327.RequestTimeoutMs <= 0 {
		return fmt.Errorf("elm327.request_timeout_ms must be > 0")
	}
	if c.ELM327.MaxInitAttempts <= 0 {
		return fmt.Errorf("elm327.max_init_attempts must be > 0")
	}

	names := make(map[string]bool)
	unique := func(kind, name string) error {
		if names[name] {
			return fmt.Errorf("%s: duplicate name %q", kind, name)
		}
		names[name] = true
		return nil
	}

	for i, s := range c.Sensors {
		switch {
		case s.Type != "":
			if _, ok := protocol.LookupKey(s.Type); !ok {
				return fmt.Errorf("sensors[%d]: unknown type %q", i, s.Type)
			}
		case s.ATCommand == "" && s.PID == 0:
			return fmt.Errorf("sensors[%d]: one of type, pid or at_command is required", i)
		case s.Name == "":
			return fmt.Errorf("sensors[%d]: name is required without type", i)
		}
		if err := unique("sensors", s.SensorName()); err != nil {
			return err
		}
	}

	for i, b := range c.BinarySensors {
		switch b.Type {
		case "connected", "engine_running":
		case "at_status":
			if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(b.ATCommand)), "AT") {
				return fmt.Errorf("binary_sensors[%d]: at_status needs an AT command in at_command, got %q", i, b.ATCommand)
			}
		default:
			return fmt.Errorf("binary_sensors[%d]: type must be \"connected\", \"engine_running\" or \"at_status\", got %q", i, b.Type)
		}
		if err := unique("binary_sensors", b.SensorName()); err != nil {
			return err
		}
	}

	for i, t := range c.TextSensors {
		switch t.Type {
		case "dtc", "raw":
		case "raw_pid":
			if t.Command == "" && t.Mode == 0 {
				return fmt.Errorf("text_sensors[%d]: raw_pid needs mode and pid, or command", i)
			}
			if strings.ContainsAny(t.Header, " \r\n") || len(t.Header) > 8 {
				return fmt.Errorf("text_sensors[%d]: invalid header %q", i, t.Header)
			}
			if t.Name == "" {
				return fmt.Errorf("text_sensors[%d]: raw_pid needs a name", i)
			}
		default:
			return fmt.Errorf("text_sensors[%d]: type must be dtc, raw or raw_pid, got %q", i, t.Type)
		}
		if err := unique("text_sensors", t.SensorName()); err != nil {
			return err
		}
	}

	if c.Switch.Name != "" {
		if err := unique("switch", c.Switch.Name); err != nil {
			return err
		}
	}

	return nil
}

// WriteDefault writes the default config to DefaultConfigPath with a header
// comment. It returns the written path, or "" when a config already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	header := "# elm327-ble configuration\n" +
		"# sensors[].type: " + strings.Join(protocol.Keys(), ", ") + "\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// SensorName returns the configured name, falling back to the type.
func (s SensorConfig) SensorName() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Type
}

// SensorName returns the configured name, falling back to the type.
func (b BinarySensorConfig) SensorName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Type
}

// SensorName returns the configured name, falling back to the type.
func (t TextSensorConfig) SensorName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Type
}

// ParseLogLevel converts a log level string to slog.Level.
// Unknown values default to info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
