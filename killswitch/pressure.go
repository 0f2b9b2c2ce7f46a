package killswitch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// PressureMonitor watches vacuum-chamber telemetry and trips the
// kill-switches when a reading breaches the threshold. The alarm clears
// only once the reading falls to half the threshold, so a value
// oscillating around the threshold cannot re-trigger on every sample.
type PressureMonitor struct {
	mu        sync.Mutex
	threshold float64
	alarm     bool

	guard    *Guard
	devices  []string
	escalate EscalateFunc
	logger   *slog.Logger

	pressureGauge prometheus.Gauge
	alarmGauge    prometheus.Gauge
}

// PressureOption configures a PressureMonitor.
type PressureOption func(*PressureMonitor)

// WithPressureLogger sets a custom logger.
func WithPressureLogger(logger *slog.Logger) PressureOption {
	return func(m *PressureMonitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPressureEscalate sets the SAFE escalation hook.
func WithPressureEscalate(fn EscalateFunc) PressureOption {
	return func(m *PressureMonitor) {
		m.escalate = fn
	}
}

// WithPressureMetrics wires the current-reading and alarm gauges.
func WithPressureMetrics(pressure, alarm prometheus.Gauge) PressureOption {
	return func(m *PressureMonitor) {
		m.pressureGauge = pressure
		m.alarmGauge = alarm
	}
}

// NewPressureMonitor creates a monitor that trips the given devices on the
// guard when a reading reaches thresholdMbar.
func NewPressureMonitor(guard *Guard, thresholdMbar float64, devices []string, opts ...PressureOption) *PressureMonitor {
	m := &PressureMonitor{
		threshold: thresholdMbar,
		guard:     guard,
		devices:   devices,
		logger:    slog.Default().With("component", "pressure"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe processes one telemetry reading. On a threshold breach it
// triggers the kill-switch for every protected device and escalates to
// SAFE, exactly once per alarm cycle.
func (m *PressureMonitor) Observe(ctx context.Context, reading wire.PressureReading) {
	if m.pressureGauge != nil {
		m.pressureGauge.Set(reading.ValueMbar)
	}

	m.mu.Lock()
	var tripped, cleared bool
	switch {
	case !m.alarm && reading.ValueMbar >= m.threshold:
		m.alarm = true
		tripped = true
	case m.alarm && reading.ValueMbar <= m.threshold/2:
		m.alarm = false
		cleared = true
	}
	m.mu.Unlock()

	switch {
	case tripped:
		m.logger.Error("pressure alarm tripped",
			"value_mbar", reading.ValueMbar, "threshold_mbar", m.threshold)
		if m.alarmGauge != nil {
			m.alarmGauge.Set(1)
		}
		for _, device := range m.devices {
			if err := m.guard.Trigger(ctx, device, safety.ReasonPressureAlarm); err != nil {
				m.logger.Error("pressure kill trigger failed", "device", device, "error", err)
			}
		}
		if m.escalate != nil {
			m.escalate(safety.ReasonPressureAlarm)
		}
	case cleared:
		m.logger.Info("pressure alarm cleared",
			"value_mbar", reading.ValueMbar, "clear_below_mbar", m.threshold/2)
		if m.alarmGauge != nil {
			m.alarmGauge.Set(0)
		}
	}
}

// Alarmed reports whether the alarm is currently latched.
func (m *PressureMonitor) Alarmed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alarm
}
