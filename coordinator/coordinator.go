// Package coordinator assembles the control core: the mode machine, the
// kill-switch guard, the heartbeat monitor, the experiment tracker and the
// transport layer, routed through a static action table.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/experiment"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/heartbeat"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/killswitch"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/metric"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/mode"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/timestamp"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/transport"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Config holds the runtime knobs the coordinator needs beyond its wired
// components.
type Config struct {
	Devices           []killswitch.DeviceConfig
	RequiredWorkers   []string
	PressureThreshold float64
	PressureDevices   []string
	ArmedGracePeriod  time.Duration
	SubmitTimeout     time.Duration
	KillTickPeriod    time.Duration
	HeartbeatPeriod   time.Duration
	HeartbeatTimeout  time.Duration
}

// handlerFunc processes one permitted command.
type handlerFunc func(ctx context.Context, cmd wire.Command) wire.Reply

// Coordinator owns the control pipeline. Every inbound command flows
// through the mode allow-list, then the static action table; safety
// subsystems pre-empt it through escalation callbacks.
type Coordinator struct {
	cfg     Config
	bus     transport.Bus
	audit   transport.AuditPublisher
	metrics *metric.Metrics
	logger  *slog.Logger
	clock   func() time.Time

	machine  *mode.Machine
	guard    *killswitch.Guard
	pressure *killswitch.PressureMonitor
	monitor  *heartbeat.Monitor
	tracker  *experiment.Tracker
	log      *safety.Log

	server   *transport.Server
	drain    *transport.Drain
	handlers map[wire.Action]handlerFunc
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires the metrics set through every subsystem.
func WithMetrics(m *metric.Metrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithAudit sets the durable safety-event publisher.
func WithAudit(audit transport.AuditPublisher) Option {
	return func(c *Coordinator) {
		c.audit = audit
	}
}

// WithClock injects the time source, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// New wires a Coordinator over the given bus.
func New(bus transport.Bus, cfg Config, opts ...Option) *Coordinator {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = transport.DefaultSubmitTimeout
	}
	if cfg.ArmedGracePeriod <= 0 {
		cfg.ArmedGracePeriod = time.Second
	}

	c := &Coordinator{
		cfg:    cfg,
		bus:    bus,
		logger: slog.Default().With("component", "coordinator"),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = safety.NewLog(c.safetyLogOptions()...)

	c.guard = killswitch.NewGuard(cfg.Devices, c.guardOptions()...)

	c.machine = mode.NewMachine(c.log, c.machineOptions()...)

	c.pressure = killswitch.NewPressureMonitor(
		c.guard, cfg.PressureThreshold, cfg.PressureDevices, c.pressureOptions()...)

	c.monitor = heartbeat.NewMonitor(c.monitorOptions()...)

	c.tracker = experiment.NewTracker(experiment.WithLogger(c.logger.With("component", "experiment")))

	c.server = transport.NewServer(bus, c.Handle, c.serverOptions()...)
	c.drain = transport.NewDrain(bus, c.consumeResult, c.drainOptions()...)

	c.handlers = map[wire.Action]handlerFunc{
		wire.ActionSet:              c.handleSet,
		wire.ActionGet:              c.handleGet,
		wire.ActionStop:             c.handleStop,
		wire.ActionMode:             c.handleMode,
		wire.ActionStartSequence:    c.handleStartSequence,
		wire.ActionTriggerKill:      c.handleTriggerKill,
		wire.ActionArm:              c.handleArm,
		wire.ActionDisarm:           c.handleDisarm,
		wire.ActionCreateExperiment: c.handleCreateExperiment,
		wire.ActionPhase:            c.handlePhase,
	}
	return c
}

func (c *Coordinator) safetyLogOptions() []safety.Option {
	opts := []safety.Option{
		safety.WithLogger(c.logger.With("component", "safety")),
		// Every safety event reaches connected clients and the durable
		// audit stream; state has already changed by the time this runs.
		safety.WithSink(c.publishSafetyEvent),
	}
	if c.metrics != nil {
		opts = append(opts, safety.WithCounter(c.metrics.SafetyEventsTotal))
	}
	return opts
}

func (c *Coordinator) guardOptions() []killswitch.Option {
	opts := []killswitch.Option{
		killswitch.WithClock(c.clock),
		killswitch.WithForceZero(c.sendForceZero),
		killswitch.WithEscalate(c.escalate),
		killswitch.WithLogger(c.logger.With("component", "killswitch")),
	}
	if c.metrics != nil {
		opts = append(opts, killswitch.WithMetrics(
			c.metrics.ArmedDevices, c.metrics.KillTriggersTotal, c.metrics.ArmedSeconds))
	}
	return opts
}

func (c *Coordinator) machineOptions() []mode.Option {
	opts := []mode.Option{
		mode.WithLogger(c.logger.With("component", "mode")),
		mode.WithDisarmAll(func(reason string) {
			c.guard.DisarmAll(context.Background(), reason)
		}),
		mode.WithArmedGuard(func() bool {
			return c.guard.AnyArmedLongerThan(c.cfg.ArmedGracePeriod)
		}),
		mode.WithDisarmedGuard(c.guard.AllDisarmed),
	}
	if c.metrics != nil {
		opts = append(opts, mode.WithMetrics(c.metrics.CurrentMode, c.metrics.ModeTransitions))
	}
	return opts
}

func (c *Coordinator) pressureOptions() []killswitch.PressureOption {
	opts := []killswitch.PressureOption{
		killswitch.WithPressureLogger(c.logger.With("component", "pressure")),
		killswitch.WithPressureEscalate(c.escalate),
	}
	if c.metrics != nil {
		opts = append(opts, killswitch.WithPressureMetrics(
			c.metrics.PressureMbar, c.metrics.PressureAlarm))
	}
	return opts
}

func (c *Coordinator) monitorOptions() []heartbeat.Option {
	opts := []heartbeat.Option{
		heartbeat.WithClock(c.clock),
		heartbeat.WithRequired(c.cfg.RequiredWorkers...),
		heartbeat.WithEscalate(c.escalate),
		heartbeat.WithLogger(c.logger.With("component", "heartbeat")),
	}
	if c.cfg.HeartbeatTimeout > 0 {
		opts = append(opts, heartbeat.WithTimeout(c.cfg.HeartbeatTimeout))
	}
	if c.metrics != nil {
		opts = append(opts, heartbeat.WithMetrics(
			c.metrics.WorkersAlive, c.metrics.HeartbeatAge, c.metrics.WorkerDeathsTotal))
	}
	return opts
}

func (c *Coordinator) serverOptions() []transport.ServerOption {
	opts := []transport.ServerOption{
		transport.WithSubmitTimeout(c.cfg.SubmitTimeout),
		transport.WithStamp(c.tracker.Stamp),
		transport.WithServerLogger(c.logger.With("component", "transport")),
	}
	if c.metrics != nil {
		opts = append(opts, transport.WithServerMetrics(
			c.metrics.CommandsTotal, c.metrics.CommandDuration, c.metrics.BroadcastsTotal))
	}
	return opts
}

func (c *Coordinator) drainOptions() []transport.DrainOption {
	opts := []transport.DrainOption{
		transport.WithDrainLogger(c.logger.With("component", "drain")),
	}
	if c.metrics != nil {
		opts = append(opts, transport.WithDrainMetrics(c.metrics.ResultsTotal))
	}
	return opts
}

// Mode returns the current operating mode.
func (c *Coordinator) Mode() mode.Mode { return c.machine.Current() }

// SafetyEvents returns the in-memory safety event log.
func (c *Coordinator) SafetyEvents() []safety.Event { return c.log.Events() }

// Guard exposes the kill-switch guard, for status surfaces.
func (c *Coordinator) Guard() *killswitch.Guard { return c.guard }

// Tracker exposes the experiment tracker.
func (c *Coordinator) Tracker() *experiment.Tracker { return c.tracker }

// Pressure exposes the pressure monitor, wired to the telemetry feed.
func (c *Coordinator) Pressure() *killswitch.PressureMonitor { return c.pressure }

// Heartbeats exposes the worker health monitor.
func (c *Coordinator) Heartbeats() *heartbeat.Monitor { return c.monitor }

// escalate forces SAFE mode. It is the single escalation path shared by
// the kill-switch guard, the pressure monitor and the heartbeat monitor.
func (c *Coordinator) escalate(reason string) {
	_ = c.machine.Transition(mode.Safe, reason)
}

// sendForceZero puts a zero/disable command on the wire for the device's
// worker. The device is already disarmed when this runs.
func (c *Coordinator) sendForceZero(ctx context.Context, device, reason string) error {
	cmd := wire.NewCommand(wire.ActionSet, "coordinator", map[string]any{
		"target": device,
		"value":  0.0,
		"reason": reason,
	})
	return c.server.Broadcast(ctx, device, c.tracker.Stamp(cmd))
}

// publishSafetyEvent fans a safety event out to connected clients and the
// durable audit stream. Best effort: the in-memory log entry is already
// the authoritative record.
func (c *Coordinator) publishSafetyEvent(ev safety.Event) {
	data, err := ev.Encode()
	if err != nil {
		c.logger.Error("safety event encode failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.bus.Publish(ctx, transport.SubjectSafety, data); err != nil {
		c.logger.Error("safety event broadcast failed", "error", err)
	}
	if c.audit != nil {
		if err := c.audit.PublishDurable(ctx, transport.SubjectSafety, data); err != nil {
			c.logger.Error("safety event audit publish failed", "error", err)
		}
	}
}

// Handle routes one parsed, stamped command. The mode allow-list runs
// before any handler: SAFE rejects everything but its permitted set.
func (c *Coordinator) Handle(ctx context.Context, cmd wire.Command) wire.Reply {
	if err := c.machine.CanExecute(cmd); err != nil {
		return wire.Failure(err)
	}

	h, ok := c.handlers[cmd.Action]
	if !ok {
		return wire.Failure(errors.WrapInvalid(
			fmt.Errorf("%w: %s", errors.ErrUnknownAction, cmd.Action),
			"Coordinator", "Handle", "look up handler"))
	}
	return h(ctx, cmd)
}

// consumeResult dispatches one fan-in message by category.
func (c *Coordinator) consumeResult(_ context.Context, res wire.Result) error {
	switch res.Category {
	case wire.CategoryHeartbeat:
		c.monitor.RecordHeartbeat(res.Source, timestamp.ToTime(res.Timestamp))
	case wire.CategoryResult:
		c.tracker.RecordResult(res)
	case wire.CategoryError:
		c.logger.Warn("worker reported error", "source", res.Source, "payload", res.Payload)
		if c.metrics != nil {
			c.metrics.ErrorsTotal.WithLabelValues(res.Source, "WorkerError").Inc()
		}
	case wire.CategorySafetyTrigger:
		// A worker-resident kill-switch layer fired. Trust it: enter SAFE
		// before anything else happens.
		c.logger.Error("worker safety trigger", "source", res.Source, "payload", res.Payload)
		c.escalate(safety.ReasonWorkerReported + ":" + res.Source)
	}
	return nil
}
