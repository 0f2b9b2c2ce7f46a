package safety

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Sink receives appended events for audit persistence and client
// notification. Sinks run outside the log's lock and must not call back
// into the log.
type Sink func(Event)

// Log is the thread-safe append-only safety event registry.
type Log struct {
	mu     sync.RWMutex
	events []Event

	sinks  []Sink
	logger *slog.Logger

	eventsTotal *prometheus.CounterVec
}

// Option configures a Log.
type Option func(*Log)

// WithSink adds an event sink, invoked for every appended event.
func WithSink(sink Sink) Option {
	return func(l *Log) {
		if sink != nil {
			l.sinks = append(l.sinks, sink)
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithCounter wires the safety-events counter metric.
func WithCounter(vec *prometheus.CounterVec) Option {
	return func(l *Log) {
		l.eventsTotal = vec
	}
}

// NewLog creates an empty safety event log.
func NewLog(opts ...Option) *Log {
	l := &Log{
		logger: slog.Default().With("component", "safety-log"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append records an event and notifies sinks. Sinks run synchronously after
// the lock is released so the audit order matches the append order.
func (l *Log) Append(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	sinks := l.sinks
	l.mu.Unlock()

	l.logger.Warn("safety event",
		"trigger", ev.TriggerType,
		"device", ev.Device,
		"prior_mode", ev.PriorMode,
		"detail", ev.Detail)

	if l.eventsTotal != nil {
		l.eventsTotal.WithLabelValues(ev.TriggerType).Inc()
	}

	for _, sink := range sinks {
		sink(ev)
	}
}

// Events returns a copy of all recorded events in append order.
func (l *Log) Events() []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Count returns the number of recorded events.
func (l *Log) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// Last returns the most recent event, if any.
func (l *Log) Last() (Event, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}
