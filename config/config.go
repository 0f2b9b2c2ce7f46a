// Package config loads and validates the coordinator's JSON configuration.
//
// Loading is two-stage: the raw document is checked against an embedded
// JSON Schema first, then decoded and normalized by Validate. The schema
// catches structural mistakes (wrong types, negative limits) with field
// paths; Validate enforces the cross-field rules the schema cannot express.
package config

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/coordinator"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/killswitch"
)

// EnvNATSURL overrides nats.url when set. Deployment scripts point
// staging coordinators at a different broker without editing the file.
const EnvNATSURL = "LAB_NATS_URL"

// Config is the complete coordinator configuration.
type Config struct {
	Lab       LabConfig       `json:"lab"`
	NATS      NATSConfig      `json:"nats"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
}

// LabConfig describes the protected hardware and the safety envelope.
type LabConfig struct {
	// ID names this installation; it must be valid as a NATS subject part.
	ID string `json:"id"`

	Devices         []DeviceConfig `json:"devices"`
	RequiredWorkers []string       `json:"required_workers,omitempty"`

	// PressureThresholdMbar is the chamber pressure above which the
	// vacuum-sensitive devices are killed. Zero disables the monitor.
	PressureThresholdMbar float64  `json:"pressure_threshold_mbar,omitempty"`
	PressureDevices       []string `json:"pressure_devices,omitempty"`

	ArmedGracePeriodMs int `json:"armed_grace_period_ms,omitempty"`
	SubmitTimeoutMs    int `json:"submit_timeout_ms,omitempty"`
	KillTickMs         int `json:"kill_tick_ms,omitempty"`
	HeartbeatTickMs    int `json:"heartbeat_tick_ms,omitempty"`
	HeartbeatTimeoutMs int `json:"heartbeat_timeout_ms,omitempty"`
}

// DeviceConfig declares one kill-switch protected device.
type DeviceConfig struct {
	Name             string  `json:"name"`
	TimeLimitSeconds float64 `json:"time_limit_seconds"`
}

// NATSConfig defines the broker connection.
type NATSConfig struct {
	URL             string `json:"url"`
	MaxReconnects   int    `json:"max_reconnects,omitempty"`
	ReconnectWaitMs int    `json:"reconnect_wait_ms,omitempty"`
	// Audit enables the JetStream safety-event audit stream.
	Audit bool `json:"audit,omitempty"`
}

// TelemetryConfig defines the vacuum gauge WebSocket feed. An empty URL
// disables the feed (bench setups without a gauge).
type TelemetryConfig struct {
	URL string `json:"url,omitempty"`
}

// MetricsConfig defines the Prometheus scrape endpoint.
type MetricsConfig struct {
	Enabled bool `json:"enabled,omitempty"`
	Port    int  `json:"port,omitempty"`
}

// LoggingConfig controls the slog setup.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`  // debug, info, warn, error
	Format string `json:"format,omitempty"` // json, text
}

// SafeConfig provides thread-safe access to a loaded configuration.
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig wraps a configuration for concurrent readers.
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{cfg: cfg}
}

// Get returns a deep copy of the current configuration.
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg.Clone()
}

// Update atomically replaces the configuration after validation.
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: nil config", errors.ErrInvalidConfig),
			"SafeConfig", "Update", "check input")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.cfg = cfg
	return nil
}

// Clone creates a deep copy through JSON round-tripping.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Load reads, schema-checks, decodes, and validates a configuration file.
// The LAB_NATS_URL environment variable, when set, overrides nats.url.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Load", "read file")
	}
	return Parse(data)
}

// Parse decodes and validates a raw configuration document.
func Parse(data []byte) (*Config, error) {
	if err := ValidateSchema(data); err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidConfig, err),
			"Config", "Parse", "decode JSON")
	}

	if url := os.Getenv(EnvNATSURL); url != "" {
		cfg.NATS.URL = url
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field rules and normalizes identifiers.
func (c *Config) Validate() error {
	fail := func(err error) error {
		return errors.WrapInvalid(err, "Config", "Validate", "check config")
	}

	if c.Lab.ID == "" {
		return fail(fmt.Errorf("%w: lab.id is required", errors.ErrInvalidConfig))
	}
	c.Lab.ID = strings.ToLower(c.Lab.ID)
	if !isValidSubjectPart(c.Lab.ID) {
		return fail(fmt.Errorf(
			"%w: lab.id %q is not valid for NATS subjects", errors.ErrInvalidConfig, c.Lab.ID))
	}

	if len(c.Lab.Devices) == 0 {
		return fail(fmt.Errorf("%w: lab.devices must name at least one device", errors.ErrInvalidConfig))
	}
	seen := make(map[string]struct{}, len(c.Lab.Devices))
	for i, d := range c.Lab.Devices {
		if d.Name == "" {
			return fail(fmt.Errorf("%w: lab.devices[%d].name is required", errors.ErrInvalidConfig, i))
		}
		if !isValidSubjectPart(d.Name) {
			return fail(fmt.Errorf(
				"%w: device name %q is not valid for NATS subjects", errors.ErrInvalidConfig, d.Name))
		}
		if _, dup := seen[d.Name]; dup {
			return fail(fmt.Errorf("%w: duplicate device %q", errors.ErrInvalidConfig, d.Name))
		}
		seen[d.Name] = struct{}{}
		if d.TimeLimitSeconds <= 0 {
			return fail(fmt.Errorf(
				"%w: device %q needs a positive time_limit_seconds", errors.ErrInvalidConfig, d.Name))
		}
	}

	// Pressure-protected devices must carry kill-switches, otherwise a
	// breach has nothing to kill.
	for _, name := range c.Lab.PressureDevices {
		if _, ok := seen[name]; !ok {
			return fail(fmt.Errorf(
				"%w: pressure_devices entry %q is not a configured device", errors.ErrInvalidConfig, name))
		}
	}
	if c.Lab.PressureThresholdMbar < 0 {
		return fail(fmt.Errorf("%w: pressure_threshold_mbar must not be negative", errors.ErrInvalidConfig))
	}
	if c.Lab.PressureThresholdMbar > 0 && len(c.Lab.PressureDevices) == 0 {
		return fail(fmt.Errorf(
			"%w: pressure_threshold_mbar set but pressure_devices is empty", errors.ErrInvalidConfig))
	}

	if c.Lab.KillTickMs != 0 && (c.Lab.KillTickMs < 50 || c.Lab.KillTickMs > 100) {
		return fail(fmt.Errorf(
			"%w: kill_tick_ms must be between 50 and 100", errors.ErrInvalidConfig))
	}

	if c.NATS.URL == "" {
		c.NATS.URL = "nats://127.0.0.1:4222"
	}
	if c.Telemetry.URL != "" &&
		!strings.HasPrefix(c.Telemetry.URL, "ws://") && !strings.HasPrefix(c.Telemetry.URL, "wss://") {
		return fail(fmt.Errorf(
			"%w: telemetry.url must be a ws:// or wss:// URL", errors.ErrInvalidConfig))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fail(fmt.Errorf("%w: metrics.port %d out of range", errors.ErrInvalidConfig, c.Metrics.Port))
	}
	if c.Metrics.Enabled && c.Metrics.Port == 0 {
		c.Metrics.Port = 9100
	}

	if c.Logging.Level != "" {
		switch c.Logging.Level {
		case "debug", "info", "warn", "error":
		default:
			return fail(fmt.Errorf("%w: logging.level %q unknown", errors.ErrInvalidConfig, c.Logging.Level))
		}
	}
	if c.Logging.Format != "" && c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fail(fmt.Errorf("%w: logging.format %q unknown", errors.ErrInvalidConfig, c.Logging.Format))
	}

	return nil
}

// Coordinator maps the file-level configuration onto the coordinator's
// runtime configuration. Zero durations fall back to coordinator defaults.
func (c *Config) Coordinator() coordinator.Config {
	devices := make([]killswitch.DeviceConfig, len(c.Lab.Devices))
	for i, d := range c.Lab.Devices {
		devices[i] = killswitch.DeviceConfig{
			Name:      d.Name,
			TimeLimit: time.Duration(d.TimeLimitSeconds * float64(time.Second)),
		}
	}
	return coordinator.Config{
		Devices:           devices,
		RequiredWorkers:   c.Lab.RequiredWorkers,
		PressureThreshold: c.Lab.PressureThresholdMbar,
		PressureDevices:   c.Lab.PressureDevices,
		ArmedGracePeriod:  msDuration(c.Lab.ArmedGracePeriodMs),
		SubmitTimeout:     msDuration(c.Lab.SubmitTimeoutMs),
		KillTickPeriod:    msDuration(c.Lab.KillTickMs),
		HeartbeatPeriod:   msDuration(c.Lab.HeartbeatTickMs),
		HeartbeatTimeout:  msDuration(c.Lab.HeartbeatTimeoutMs),
	}
}

// IsInvalid reports whether err stems from configuration problems, as
// opposed to I/O failures at load time.
func IsInvalid(err error) bool {
	return stderrors.Is(err, errors.ErrInvalidConfig)
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// isValidSubjectPart checks that a string can be embedded in a NATS
// subject token. Alphanumeric plus dash and underscore; no dots, those
// separate tokens.
func isValidSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}
