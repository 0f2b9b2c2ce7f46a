// Package heartbeat tracks hardware-interface worker liveness. Workers send
// a heartbeat roughly every ten seconds; a worker silent past its timeout
// is marked dead, and a dead required worker forces SAFE mode.
package heartbeat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
)

// DefaultTickPeriod is the liveness check period.
const DefaultTickPeriod = time.Second

// DefaultTimeout is how long a worker may stay silent before being marked
// dead.
const DefaultTimeout = 60 * time.Second

// Record is a snapshot of one worker's health.
type Record struct {
	WorkerID        string    `json:"worker_id"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	DeclaredAlive   bool      `json:"declared_alive"`
}

// workerState is the mutable per-worker record. Records are created on
// first heartbeat and never deleted, only marked dead.
type workerState struct {
	lastSeen time.Time
	alive    bool
}

// EscalateFunc requests a SAFE mode transition with the given reason.
type EscalateFunc func(reason string)

// Monitor owns the worker health table behind its own lock. SAFE
// escalation for a dead required worker happens after the lock is
// released.
type Monitor struct {
	mu      sync.Mutex
	workers map[string]*workerState

	timeout  time.Duration
	required map[string]struct{}

	clock    func() time.Time
	escalate EscalateFunc
	logger   *slog.Logger

	aliveGauge prometheus.Gauge
	ageGauge   *prometheus.GaugeVec
	deaths     *prometheus.CounterVec
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTimeout overrides the silence timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.timeout = d
		}
	}
}

// WithRequired names the workers whose death forces SAFE mode.
func WithRequired(workerIDs ...string) Option {
	return func(m *Monitor) {
		for _, id := range workerIDs {
			m.required[id] = struct{}{}
		}
	}
}

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithEscalate sets the SAFE escalation hook.
func WithEscalate(fn EscalateFunc) Option {
	return func(m *Monitor) {
		m.escalate = fn
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics wires the alive-worker gauge, per-worker heartbeat age gauge
// and death counter.
func WithMetrics(alive prometheus.Gauge, age *prometheus.GaugeVec, deaths *prometheus.CounterVec) Option {
	return func(m *Monitor) {
		m.aliveGauge = alive
		m.ageGauge = age
		m.deaths = deaths
	}
}

// NewMonitor creates a Monitor with an empty health table.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		workers:  make(map[string]*workerState),
		timeout:  DefaultTimeout,
		required: make(map[string]struct{}),
		clock:    time.Now,
		logger:   slog.Default().With("component", "heartbeat"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordHeartbeat updates the worker's last-seen time, creating the record
// on first contact. A worker previously marked dead becomes alive again.
func (m *Monitor) RecordHeartbeat(workerID string, at time.Time) {
	m.mu.Lock()
	w, ok := m.workers[workerID]
	if !ok {
		w = &workerState{}
		m.workers[workerID] = w
	}
	revived := ok && !w.alive
	wasAlive := w.alive
	// Heartbeats drain through a worker pool and can arrive out of order;
	// a stale one must not rewind the freshness clock.
	if at.After(w.lastSeen) {
		w.lastSeen = at
	}
	w.alive = true
	m.mu.Unlock()

	switch {
	case !ok:
		m.logger.Info("worker registered", "worker_id", workerID)
	case revived:
		m.logger.Warn("worker revived", "worker_id", workerID)
	}
	if !wasAlive && m.aliveGauge != nil {
		m.aliveGauge.Inc()
	}
}

// Tick marks dead every worker silent past the timeout. If any dead worker
// is required, the monitor escalates to SAFE once per tick, after its own
// lock is released. The mode does not auto-recover when the worker comes
// back.
func (m *Monitor) Tick() {
	var died []string
	requiredDied := false

	m.mu.Lock()
	now := m.clock()
	for id, w := range m.workers {
		age := now.Sub(w.lastSeen)
		if m.ageGauge != nil {
			m.ageGauge.WithLabelValues(id).Set(age.Seconds())
		}
		if !w.alive || age < m.timeout {
			continue
		}
		w.alive = false
		died = append(died, id)
		if _, req := m.required[id]; req {
			requiredDied = true
		}
	}
	m.mu.Unlock()

	for _, id := range died {
		m.logger.Error("worker heartbeat timeout", "worker_id", id, "timeout", m.timeout)
		if m.aliveGauge != nil {
			m.aliveGauge.Dec()
		}
		if m.deaths != nil {
			m.deaths.WithLabelValues(id).Inc()
		}
	}
	if requiredDied && m.escalate != nil {
		m.escalate(safety.ReasonWorkerTimeout)
	}
}

// Alive reports whether the worker is currently declared alive.
func (m *Monitor) Alive(workerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	return ok && w.alive
}

// Snapshot returns a copy of every worker health record.
func (m *Monitor) Snapshot() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Record, 0, len(m.workers))
	for id, w := range m.workers {
		out = append(out, Record{
			WorkerID:        id,
			LastHeartbeatAt: w.lastSeen,
			DeclaredAlive:   w.alive,
		})
	}
	return out
}

// Run drives Tick on a fixed period until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	m.logger.Info("heartbeat monitor started", "period", period, "timeout", m.timeout)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}
