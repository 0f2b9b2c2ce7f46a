// Package mode holds the single global operating mode and validates which
// commands are permitted in it. Entering SAFE always wins: it is permitted
// from any state, disarms every protected device, and only an explicit
// operator acknowledgment leaves it.
package mode

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Mode is the global operating mode.
type Mode int

const (
	// Manual is the initial mode: an operator drives every command.
	Manual Mode = iota
	// Auto hands command authority to an automation source.
	Auto
	// Safe is the most restrictive mode: most commands rejected, all
	// protected devices forced disarmed.
	Safe
)

// String returns the wire representation of the mode.
func (m Mode) String() string {
	switch m {
	case Manual:
		return "MANUAL"
	case Auto:
		return "AUTO"
	case Safe:
		return "SAFE"
	default:
		return "UNKNOWN"
	}
}

// Parse converts a wire mode string to a Mode.
func Parse(s string) (Mode, error) {
	switch s {
	case "MANUAL":
		return Manual, nil
	case "AUTO":
		return Auto, nil
	case "SAFE":
		return Safe, nil
	default:
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: unknown mode %q", errors.ErrInvalidModeTransition, s),
			"mode", "Parse", "parse mode")
	}
}

// safeAllowed is the per-action allow-list while in SAFE. Everything else
// is rejected with InvalidModeTransition.
var safeAllowed = map[wire.Action]struct{}{
	wire.ActionStop:        {},
	wire.ActionMode:        {},
	wire.ActionGet:         {},
	wire.ActionTriggerKill: {},
	wire.ActionDisarm:      {},
}

// Machine owns the global mode value behind a single writer lock.
type Machine struct {
	mu      sync.RWMutex
	current Mode

	log    *safety.Log
	logger *slog.Logger

	// disarmAll synchronously disarms every protected device when entering
	// SAFE. Called after the machine's own lock is released.
	disarmAll func(reason string)
	// anyArmed guards the MANUAL->AUTO transition: it reports whether any
	// protected device is armed beyond its grace period.
	anyArmed func() bool
	// allDisarmed guards the SAFE->MANUAL acknowledgment.
	allDisarmed func() bool

	modeGauge   prometheus.Gauge
	transitions *prometheus.CounterVec
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithDisarmAll sets the hook invoked synchronously on SAFE entry.
func WithDisarmAll(fn func(reason string)) Option {
	return func(m *Machine) {
		m.disarmAll = fn
	}
}

// WithArmedGuard sets the guard consulted before allowing MANUAL->AUTO.
func WithArmedGuard(fn func() bool) Option {
	return func(m *Machine) {
		m.anyArmed = fn
	}
}

// WithDisarmedGuard sets the guard consulted before leaving SAFE.
func WithDisarmedGuard(fn func() bool) Option {
	return func(m *Machine) {
		m.allDisarmed = fn
	}
}

// WithMetrics wires the mode gauge and transition counter.
func WithMetrics(gauge prometheus.Gauge, transitions *prometheus.CounterVec) Option {
	return func(m *Machine) {
		m.modeGauge = gauge
		m.transitions = transitions
	}
}

// NewMachine creates a Machine in MANUAL mode.
func NewMachine(log *safety.Log, opts ...Option) *Machine {
	m := &Machine{
		current: Manual,
		log:     log,
		logger:  slog.Default().With("component", "mode"),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.modeGauge != nil {
		m.modeGauge.Set(float64(Manual))
	}
	return m
}

// Current returns the current mode.
func (m *Machine) Current() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// CanExecute reports whether the command is permitted in the current mode.
// Returns nil when permitted, ErrInvalidModeTransition otherwise.
func (m *Machine) CanExecute(cmd wire.Command) error {
	current := m.Current()
	if current != Safe {
		return nil
	}
	if _, ok := safeAllowed[cmd.Action]; ok {
		return nil
	}
	return errors.WrapRecoverable(
		fmt.Errorf("%w: %s rejected in SAFE mode", errors.ErrInvalidModeTransition, cmd.Action),
		"Machine", "CanExecute", "check allow-list")
}

// Transition atomically moves the machine to the target mode. Entering SAFE
// is always permitted, appends exactly one safety event per entry, and
// synchronously disarms all protected devices. Repeated SAFE triggers while
// already in SAFE are no-ops apart from debug logging.
func (m *Machine) Transition(to Mode, reason string) error {
	if to == Safe {
		m.enterSafe(reason)
		return nil
	}

	// The armed guard takes the kill-switch lock, so it is sampled before
	// the machine's own lock: no component ever holds two locks at once.
	armed := false
	if to == Auto && m.anyArmed != nil {
		armed = m.anyArmed()
	}

	m.mu.Lock()
	from := m.current

	var err error
	switch {
	case from == to:
		// No-op transition.
	case from == Manual && to == Auto:
		// Guard: no protected device armed beyond its grace period.
		if armed {
			err = errors.WrapRecoverable(
				fmt.Errorf("%w: device armed beyond grace period", errors.ErrInvalidModeTransition),
				"Machine", "Transition", "enter AUTO")
		}
	case from == Auto && to == Manual:
		// Always allowed.
	case from == Safe:
		err = errors.WrapRecoverable(
			fmt.Errorf("%w: leaving SAFE requires operator acknowledgment", errors.ErrInvalidModeTransition),
			"Machine", "Transition", fmt.Sprintf("enter %s", to))
	default:
		err = errors.WrapRecoverable(
			fmt.Errorf("%w: %s -> %s", errors.ErrInvalidModeTransition, from, to),
			"Machine", "Transition", "validate transition")
	}

	if err == nil && from != to {
		m.current = to
	}
	m.mu.Unlock()

	if err != nil {
		return err
	}

	if from != to {
		m.record(from, to, "OPERATOR_REQUEST", reason)
	}
	return nil
}

// AcknowledgeSafe leaves SAFE mode after an explicit operator
// acknowledgment. All protected devices must be confirmed disarmed.
func (m *Machine) AcknowledgeSafe(operator string) error {
	// Sampled before the machine lock for the same reason as the armed
	// guard in Transition.
	disarmed := m.allDisarmed == nil || m.allDisarmed()

	m.mu.Lock()
	from := m.current

	if from != Safe {
		m.mu.Unlock()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: not in SAFE mode", errors.ErrInvalidModeTransition),
			"Machine", "AcknowledgeSafe", "check current mode")
	}
	if !disarmed {
		m.mu.Unlock()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: protected devices not confirmed disarmed", errors.ErrInvalidModeTransition),
			"Machine", "AcknowledgeSafe", "check disarm state")
	}

	m.current = Manual
	m.mu.Unlock()

	m.record(Safe, Manual, "OPERATOR_ACK", "operator acknowledgment by "+operator)
	return nil
}

// enterSafe performs the always-permitted, idempotent SAFE entry. The mode
// value flips under the lock; the safety event append and the disarm-all
// side effects run after release so no two locks are held at once.
func (m *Machine) enterSafe(reason string) {
	m.mu.Lock()
	from := m.current
	already := from == Safe
	if !already {
		m.current = Safe
	}
	m.mu.Unlock()

	if already {
		m.logger.Debug("SAFE re-trigger ignored", "reason", reason)
		return
	}

	trigger, device := splitReason(reason)
	m.record(from, Safe, trigger, reason)

	if m.log != nil {
		m.log.Append(safety.NewEvent(trigger, device, from.String(), "entered SAFE: "+reason))
	}
	if m.disarmAll != nil {
		m.disarmAll(reason)
	}
}

// record logs and counts a completed transition. The full reason goes to the
// log only; the metric is labeled with the closed trigger-type set so its
// cardinality stays bounded.
func (m *Machine) record(from, to Mode, trigger, reason string) {
	m.logger.Info("mode transition", "from", from.String(), "to", to.String(), "reason", reason)
	if m.modeGauge != nil {
		m.modeGauge.Set(float64(to))
	}
	if m.transitions != nil {
		m.transitions.WithLabelValues(to.String(), trigger).Inc()
	}
}

// splitReason separates a trigger type from a device name when the reason
// follows the "REASON:device" convention used by the kill-switch subsystem.
func splitReason(reason string) (trigger, device string) {
	if i := strings.IndexByte(reason, ':'); i >= 0 {
		return reason[:i], reason[i+1:]
	}
	return reason, ""
}
