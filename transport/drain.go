package transport

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/worker"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Consumer processes one inbound worker result.
type Consumer func(ctx context.Context, res wire.Result) error

// Drain is the fan-in path: a queue subscription collecting results,
// telemetry and heartbeats from every hardware-interface worker, feeding a
// bounded worker pool. It is infinite and non-restartable: once stopped it
// stays stopped.
type Drain struct {
	bus     Bus
	consume Consumer
	pool    *worker.Pool[wire.Result]
	logger  *slog.Logger

	mu      sync.Mutex
	sub     Subscription
	started bool
	stopped bool

	resultsTotal *prometheus.CounterVec
}

// DrainOption configures a Drain.
type DrainOption func(*Drain)

// WithDrainLogger sets a custom logger.
func WithDrainLogger(logger *slog.Logger) DrainOption {
	return func(d *Drain) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDrainMetrics wires the per-category result counter.
func WithDrainMetrics(results *prometheus.CounterVec) DrainOption {
	return func(d *Drain) {
		d.resultsTotal = results
	}
}

// WithDrainPool overrides the default processing pool.
func WithDrainPool(pool *worker.Pool[wire.Result]) DrainOption {
	return func(d *Drain) {
		d.pool = pool
	}
}

// NewDrain creates a Drain delivering every parsed result to consume.
func NewDrain(bus Bus, consume Consumer, opts ...DrainOption) *Drain {
	d := &Drain{
		bus:     bus,
		consume: consume,
		logger:  slog.Default().With("component", "transport.drain"),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.pool == nil {
		d.pool = worker.NewPool(4, 256, func(ctx context.Context, res wire.Result) error {
			return d.consume(ctx, res)
		})
	}
	return d
}

// Start joins the results queue group and begins processing.
func (d *Drain) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return errors.ErrShuttingDown
	}
	if d.started {
		return errors.ErrAlreadyStarted
	}

	if err := d.pool.Start(ctx); err != nil {
		return errors.WrapRecoverable(err, "Drain", "Start", "start pool")
	}

	sub, err := d.bus.QueueSubscribe(SubjectResults, ResultsQueue, d.ingest)
	if err != nil {
		return errors.WrapRecoverable(err, "Drain", "Start", "join results queue")
	}
	d.sub = sub
	d.started = true
	d.logger.Info("results drain started", "subject", SubjectResults, "queue", ResultsQueue)
	return nil
}

// ingest parses one raw message and hands it to the pool. Malformed
// results are dropped with a log line; a full queue drops the result
// rather than blocking the subscription callback.
func (d *Drain) ingest(data []byte) {
	res, err := wire.ParseResult(data)
	if err != nil {
		d.logger.Warn("dropped malformed result", "error", err)
		return
	}
	if d.resultsTotal != nil {
		d.resultsTotal.WithLabelValues(res.Category).Inc()
	}
	if err := d.pool.Submit(res); err != nil {
		d.logger.Error("results queue full, dropping", "source", res.Source, "category", res.Category)
	}
}

// Stop leaves the queue group and drains the pool. The Drain cannot be
// restarted afterwards.
func (d *Drain) Stop(timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started || d.stopped {
		return errors.ErrNotStarted
	}
	d.started = false
	d.stopped = true

	if d.sub != nil {
		if err := d.sub.Unsubscribe(); err != nil {
			d.logger.Error("unsubscribe failed", "error", err)
		}
	}
	return d.pool.Stop(timeout)
}
