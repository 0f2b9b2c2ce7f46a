package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `{
  "lab": {
    "id": "Surface-Lab-1",
    "devices": [
      {"name": "piezo", "time_limit_seconds": 10},
      {"name": "electron-gun", "time_limit_seconds": 30}
    ],
    "required_workers": ["piezo-driver"],
    "pressure_threshold_mbar": 1e-4,
    "pressure_devices": ["piezo", "electron-gun"],
    "kill_tick_ms": 50,
    "heartbeat_timeout_ms": 60000
  },
  "nats": {"url": "nats://broker:4222", "audit": true},
  "telemetry": {"url": "ws://gauge:8080/pressure"},
  "metrics": {"enabled": true},
  "logging": {"level": "debug", "format": "json"}
}`

func TestLoadValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "labcoord.json")
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "surface-lab-1", cfg.Lab.ID, "id is lowercased")
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.True(t, cfg.NATS.Audit)
	assert.Equal(t, 9100, cfg.Metrics.Port, "metrics port defaults when enabled")
	require.Len(t, cfg.Lab.Devices, 2)
	assert.Equal(t, 10.0, cfg.Lab.Devices[0].TimeLimitSeconds)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
	assert.True(t, IsInvalid(err))
}

func TestEnvOverridesNATSURL(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://staging:4222")

	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	assert.Equal(t, "nats://staging:4222", cfg.NATS.URL)
}

func TestSchemaRejectsStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not JSON", `{"lab":`},
		{"missing lab", `{"nats": {}}`},
		{"missing devices", `{"lab": {"id": "x"}, "nats": {}}`},
		{"empty devices", `{"lab": {"id": "x", "devices": []}, "nats": {}}`},
		{"zero time limit", `{"lab": {"id": "x", "devices": [{"name": "piezo", "time_limit_seconds": 0}]}, "nats": {}}`},
		{"tick too fast", `{"lab": {"id": "x", "devices": [{"name": "piezo", "time_limit_seconds": 1}], "kill_tick_ms": 10}, "nats": {}}`},
		{"tick too slow", `{"lab": {"id": "x", "devices": [{"name": "piezo", "time_limit_seconds": 1}], "kill_tick_ms": 500}, "nats": {}}`},
		{"unknown key", `{"lab": {"id": "x", "devices": [{"name": "piezo", "time_limit_seconds": 1}], "surprise": 1}, "nats": {}}`},
		{"bad log level", `{"lab": {"id": "x", "devices": [{"name": "piezo", "time_limit_seconds": 1}]}, "nats": {}, "logging": {"level": "loud"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, IsInvalid(err))
		})
	}
}

func TestValidateCrossFieldRules(t *testing.T) {
	base := func() *Config {
		return &Config{
			Lab: LabConfig{
				ID: "lab1",
				Devices: []DeviceConfig{
					{Name: "piezo", TimeLimitSeconds: 10},
				},
			},
		}
	}

	t.Run("defaults applied", func(t *testing.T) {
		cfg := base()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	})

	t.Run("duplicate device", func(t *testing.T) {
		cfg := base()
		cfg.Lab.Devices = append(cfg.Lab.Devices, DeviceConfig{Name: "piezo", TimeLimitSeconds: 5})
		require.Error(t, cfg.Validate())
	})

	t.Run("device name with dot", func(t *testing.T) {
		cfg := base()
		cfg.Lab.Devices[0].Name = "piezo.main"
		require.Error(t, cfg.Validate())
	})

	t.Run("pressure device not configured", func(t *testing.T) {
		cfg := base()
		cfg.Lab.PressureThresholdMbar = 1e-4
		cfg.Lab.PressureDevices = []string{"electron-gun"}
		require.Error(t, cfg.Validate())
	})

	t.Run("pressure threshold without devices", func(t *testing.T) {
		cfg := base()
		cfg.Lab.PressureThresholdMbar = 1e-4
		require.Error(t, cfg.Validate())
	})

	t.Run("telemetry url must be websocket", func(t *testing.T) {
		cfg := base()
		cfg.Telemetry.URL = "http://gauge:8080"
		require.Error(t, cfg.Validate())
	})
}

func TestCoordinatorMapping(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	cc := cfg.Coordinator()
	require.Len(t, cc.Devices, 2)
	assert.Equal(t, "piezo", cc.Devices[0].Name)
	assert.Equal(t, 10*time.Second, cc.Devices[0].TimeLimit)
	assert.Equal(t, 30*time.Second, cc.Devices[1].TimeLimit)
	assert.Equal(t, 1e-4, cc.PressureThreshold)
	assert.Equal(t, 50*time.Millisecond, cc.KillTickPeriod)
	assert.Equal(t, 60*time.Second, cc.HeartbeatTimeout)
	assert.Equal(t, time.Duration(0), cc.SubmitTimeout, "unset values stay zero for downstream defaults")
}

func TestSafeConfigRoundTrip(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	sc := NewSafeConfig(cfg)
	got := sc.Get()
	got.NATS.URL = "nats://mutated:4222"
	assert.Equal(t, "nats://broker:4222", sc.Get().NATS.URL, "Get returns a copy")

	bad := sc.Get()
	bad.Lab.ID = ""
	require.Error(t, sc.Update(bad))

	good := sc.Get()
	good.NATS.URL = "nats://other:4222"
	require.NoError(t, sc.Update(good))
	assert.Equal(t, "nats://other:4222", sc.Get().NATS.URL)
}
