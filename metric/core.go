package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics contains the coordinator core metrics shared across components.
type Metrics struct {
	// Command pipeline
	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	BroadcastsTotal *prometheus.CounterVec
	ResultsTotal    *prometheus.CounterVec
	ErrorsTotal     *prometheus.CounterVec

	// Mode state machine
	CurrentMode     prometheus.Gauge
	ModeTransitions *prometheus.CounterVec

	// Kill-switch subsystem
	ArmedDevices      prometheus.Gauge
	KillTriggersTotal *prometheus.CounterVec
	ArmedSeconds      *prometheus.HistogramVec
	PressureMbar      prometheus.Gauge
	PressureAlarm     prometheus.Gauge

	// Heartbeat monitor
	WorkersAlive      prometheus.Gauge
	HeartbeatAge      *prometheus.GaugeVec
	WorkerDeathsTotal *prometheus.CounterVec

	// Safety audit
	SafetyEventsTotal *prometheus.CounterVec

	// Broker connection
	BrokerConnected  prometheus.Gauge
	BrokerReconnects prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all core metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "commands",
				Name:      "total",
				Help:      "Total commands submitted, by action and outcome",
			},
			[]string{"action", "status"},
		),

		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "labcoord",
				Subsystem: "commands",
				Name:      "duration_seconds",
				Help:      "Command handling duration in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"action"},
		),

		BroadcastsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "transport",
				Name:      "broadcasts_total",
				Help:      "Total commands broadcast to hardware-interface workers",
			},
			[]string{"target"},
		),

		ResultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "transport",
				Name:      "results_total",
				Help:      "Total fan-in messages received from workers, by category",
			},
			[]string{"category"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total errors, by component and kind",
			},
			[]string{"component", "kind"},
		),

		CurrentMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "mode",
				Name:      "current",
				Help:      "Current operating mode (0=MANUAL, 1=AUTO, 2=SAFE)",
			},
		),

		ModeTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "mode",
				Name:      "transitions_total",
				Help:      "Total mode transitions, by target mode and trigger type",
			},
			[]string{"to", "trigger"},
		),

		ArmedDevices: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "killswitch",
				Name:      "armed_devices",
				Help:      "Number of protected devices currently armed",
			},
		),

		KillTriggersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "killswitch",
				Name:      "triggers_total",
				Help:      "Total kill-switch triggers, by device and reason",
			},
			[]string{"device", "reason"},
		),

		ArmedSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "labcoord",
				Subsystem: "killswitch",
				Name:      "armed_seconds",
				Help:      "How long devices stay armed before disarm or kill, in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
			[]string{"device"},
		),

		PressureMbar: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "pressure",
				Name:      "mbar",
				Help:      "Last observed chamber pressure in mbar",
			},
		),

		PressureAlarm: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "pressure",
				Name:      "alarm",
				Help:      "Pressure alarm state (0=clear, 1=latched)",
			},
		),

		WorkersAlive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "heartbeat",
				Name:      "workers_alive",
				Help:      "Number of workers currently declared alive",
			},
		),

		HeartbeatAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "heartbeat",
				Name:      "age_seconds",
				Help:      "Seconds since the last heartbeat per worker",
			},
			[]string{"worker"},
		),

		WorkerDeathsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "heartbeat",
				Name:      "deaths_total",
				Help:      "Total workers marked dead, by worker",
			},
			[]string{"worker"},
		),

		SafetyEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "safety",
				Name:      "events_total",
				Help:      "Total safety events appended, by trigger type",
			},
			[]string{"trigger"},
		),

		BrokerConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "labcoord",
				Subsystem: "broker",
				Name:      "connected",
				Help:      "Broker connection status (0=disconnected, 1=connected)",
			},
		),

		BrokerReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "labcoord",
				Subsystem: "broker",
				Name:      "reconnects_total",
				Help:      "Total broker reconnections",
			},
		),
	}
}

// collectors returns every core metric for bulk registration.
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.CommandsTotal,
		m.CommandDuration,
		m.BroadcastsTotal,
		m.ResultsTotal,
		m.ErrorsTotal,
		m.CurrentMode,
		m.ModeTransitions,
		m.ArmedDevices,
		m.KillTriggersTotal,
		m.ArmedSeconds,
		m.PressureMbar,
		m.PressureAlarm,
		m.WorkersAlive,
		m.HeartbeatAge,
		m.WorkerDeathsTotal,
		m.SafetyEventsTotal,
		m.BrokerConnected,
		m.BrokerReconnects,
	}
}
