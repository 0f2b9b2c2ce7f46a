// Package killswitch bounds how long any protected device may stay armed.
// Each supervising layer runs a structurally identical Guard against the
// same time limits, communicating only over the wire, so no single
// process's failure leaves a dangerous output unbounded.
package killswitch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/retry"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// DefaultTickPeriod is the watchdog check period. It must stay faster than
// the shortest configured device time limit.
const DefaultTickPeriod = 50 * time.Millisecond

// DeviceConfig declares one protected output and its fixed time limit.
type DeviceConfig struct {
	Name      string        `json:"name"`
	TimeLimit time.Duration `json:"time_limit"`
}

// deviceState is the per-device record. armedAt is zero when disarmed.
type deviceState struct {
	limit   time.Duration
	armedAt time.Time
	killed  bool
}

func (d *deviceState) armed() bool { return !d.armedAt.IsZero() }

// ForceZeroFunc sends the zero/disable command for a device onto the wire.
// It runs outside the guard's lock and may be retried.
type ForceZeroFunc func(ctx context.Context, device, reason string) error

// EscalateFunc requests a SAFE mode transition with the given reason.
type EscalateFunc func(reason string)

// Guard supervises the armed timers for all protected devices. The armed
// state is authoritative: a device is marked disarmed under the lock before
// any force-zero command touches the wire.
type Guard struct {
	mu      sync.Mutex
	devices map[string]*deviceState

	clock     func() time.Time
	forceZero ForceZeroFunc
	escalate  EscalateFunc
	logger    *slog.Logger

	armedGauge  prometheus.Gauge
	killsTotal  *prometheus.CounterVec
	armedSecs   *prometheus.HistogramVec
	retryConfig retry.Config
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithForceZero sets the wire-level zero/disable sender.
func WithForceZero(fn ForceZeroFunc) Option {
	return func(g *Guard) {
		g.forceZero = fn
	}
}

// WithEscalate sets the SAFE escalation hook.
func WithEscalate(fn EscalateFunc) Option {
	return func(g *Guard) {
		g.escalate = fn
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics wires the armed-device gauge, kill counter and armed-duration
// histogram.
func WithMetrics(armed prometheus.Gauge, kills *prometheus.CounterVec, armedSecs *prometheus.HistogramVec) Option {
	return func(g *Guard) {
		g.armedGauge = armed
		g.killsTotal = kills
		g.armedSecs = armedSecs
	}
}

// NewGuard creates a Guard supervising the given devices, all disarmed.
func NewGuard(devices []DeviceConfig, opts ...Option) *Guard {
	g := &Guard{
		devices:     make(map[string]*deviceState, len(devices)),
		clock:       time.Now,
		logger:      slog.Default().With("component", "killswitch"),
		retryConfig: retry.Quick(),
	}
	for _, d := range devices {
		g.devices[d.Name] = &deviceState{limit: d.TimeLimit}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Arm records armed_at for the device and starts its timer. Re-arming an
// already-armed device requires an explicit Disarm first.
func (g *Guard) Arm(device string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.devices[device]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownDevice, device),
			"Guard", "Arm", "look up device")
	}
	if d.armed() {
		return errors.WrapRecoverable(
			fmt.Errorf("%w: %q armed at %s", errors.ErrAlreadyArmed, device, d.armedAt.Format(time.RFC3339)),
			"Guard", "Arm", "check armed state")
	}

	d.armedAt = g.clock()
	d.killed = false
	if g.armedGauge != nil {
		g.armedGauge.Inc()
	}
	g.logger.Info("device armed", "device", device, "time_limit", d.limit)
	return nil
}

// Disarm clears the device's timer. Disarming an already-disarmed device is
// a no-op. A disarm that arrives after a tick has already observed the
// expired deadline does not undo the kill; that one-tick race is inherent
// to the polling model.
func (g *Guard) Disarm(device string) error {
	g.mu.Lock()
	d, ok := g.devices[device]
	if !ok {
		g.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownDevice, device),
			"Guard", "Disarm", "look up device")
	}
	armedFor, wasArmed := g.disarmLocked(d)
	g.mu.Unlock()

	if wasArmed {
		g.observeArmed(device, armedFor)
		g.logger.Info("device disarmed", "device", device, "armed_for", armedFor)
	}
	return nil
}

// disarmLocked clears the armed state and reports the prior armed duration.
// Caller holds g.mu.
func (g *Guard) disarmLocked(d *deviceState) (time.Duration, bool) {
	if !d.armed() {
		return 0, false
	}
	armedFor := g.clock().Sub(d.armedAt)
	d.armedAt = time.Time{}
	if g.armedGauge != nil {
		g.armedGauge.Dec()
	}
	return armedFor, true
}

// Tick checks every armed device against its time limit. Expired devices
// are disarmed and marked killed under the lock; force-zero delivery and
// SAFE escalation happen afterwards so no network I/O runs while the lock
// is held.
func (g *Guard) Tick(ctx context.Context) {
	type expired struct {
		name     string
		armedFor time.Duration
	}
	var kills []expired

	g.mu.Lock()
	now := g.clock()
	for name, d := range g.devices {
		if !d.armed() || now.Sub(d.armedAt) < d.limit {
			continue
		}
		armedFor, _ := g.disarmLocked(d)
		d.killed = true
		kills = append(kills, expired{name: name, armedFor: armedFor})
	}
	g.mu.Unlock()

	for _, k := range kills {
		g.observeArmed(k.name, k.armedFor)
		g.fire(ctx, k.name, safety.ReasonTimeLimitExceeded)
	}
}

// Trigger immediately disarms and force-zeroes a device, regardless of its
// timer. Used by the pressure-safety monitor and the operator stop path.
func (g *Guard) Trigger(ctx context.Context, device, reason string) error {
	g.mu.Lock()
	d, ok := g.devices[device]
	if !ok {
		g.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownDevice, device),
			"Guard", "Trigger", "look up device")
	}
	armedFor, wasArmed := g.disarmLocked(d)
	d.killed = true
	g.mu.Unlock()

	if wasArmed {
		g.observeArmed(device, armedFor)
	}
	g.fire(ctx, device, reason)
	return nil
}

// DisarmAll clears every armed device and sends force-zero to each. It is
// the SAFE-entry hook: the mode machine calls it synchronously after its
// own lock is released.
func (g *Guard) DisarmAll(ctx context.Context, reason string) {
	var cleared []string

	g.mu.Lock()
	for name, d := range g.devices {
		if armedFor, wasArmed := g.disarmLocked(d); wasArmed {
			cleared = append(cleared, name)
			g.observeArmed(name, armedFor)
		}
	}
	g.mu.Unlock()

	for _, name := range cleared {
		g.logger.Warn("force disarm", "device", name, "reason", reason)
		g.sendForceZero(ctx, name, reason)
	}
}

// AnyArmedLongerThan reports whether any device has been armed for longer
// than the grace period. Guards the MANUAL to AUTO transition.
func (g *Guard) AnyArmedLongerThan(grace time.Duration) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	for _, d := range g.devices {
		if d.armed() && now.Sub(d.armedAt) > grace {
			return true
		}
	}
	return false
}

// AllDisarmed reports whether no device is currently armed.
func (g *Guard) AllDisarmed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, d := range g.devices {
		if d.armed() {
			return false
		}
	}
	return true
}

// Status returns the kill-switch status for one device.
func (g *Guard) Status(device string) (wire.KillStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.devices[device]
	if !ok {
		return wire.KillStatus{}, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrUnknownDevice, device),
			"Guard", "Status", "look up device")
	}
	return g.statusLocked(d), nil
}

// StatusAll returns the kill-switch status for every device.
func (g *Guard) StatusAll() map[string]wire.KillStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make(map[string]wire.KillStatus, len(g.devices))
	for name, d := range g.devices {
		out[name] = g.statusLocked(d)
	}
	return out
}

func (g *Guard) statusLocked(d *deviceState) wire.KillStatus {
	st := wire.KillStatus{
		Active:    d.armed(),
		TimeLimit: d.limit.Seconds(),
		Killed:    d.killed,
	}
	if d.armed() {
		elapsed := g.clock().Sub(d.armedAt)
		st.ElapsedSeconds = elapsed.Seconds()
		st.RemainingSeconds = (d.limit - elapsed).Seconds()
		if st.RemainingSeconds < 0 {
			st.RemainingSeconds = 0
		}
	}
	return st
}

// Run drives Tick on a fixed period until the context is cancelled.
func (g *Guard) Run(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = DefaultTickPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	g.logger.Info("watchdog started", "period", period, "devices", len(g.devices))
	for {
		select {
		case <-ctx.Done():
			g.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// fire counts a kill, escalates to SAFE and delivers the force-zero
// command. The device state has already been updated; wire delivery is a
// side effect allowed to retry.
func (g *Guard) fire(ctx context.Context, device, reason string) {
	g.logger.Warn("kill-switch fired", "device", device, "reason", reason)
	if g.killsTotal != nil {
		g.killsTotal.WithLabelValues(device, reason).Inc()
	}
	if g.escalate != nil {
		g.escalate(reason + ":" + device)
	}
	g.sendForceZero(ctx, device, reason)
}

func (g *Guard) sendForceZero(ctx context.Context, device, reason string) {
	if g.forceZero == nil {
		return
	}
	err := retry.Do(ctx, g.retryConfig, func() error {
		return g.forceZero(ctx, device, reason)
	})
	if err != nil {
		g.logger.Error("force-zero delivery failed", "device", device, "reason", reason, "error", err)
	}
}

func (g *Guard) observeArmed(device string, armedFor time.Duration) {
	if g.armedSecs != nil {
		g.armedSecs.WithLabelValues(device).Observe(armedFor.Seconds())
	}
}
