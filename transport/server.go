package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Handler processes one parsed command and produces the reply. The context
// carries the submit deadline.
type Handler func(ctx context.Context, cmd wire.Command) wire.Reply

// StampFunc assigns an exp_id to a command that lacks one.
type StampFunc func(wire.Command) wire.Command

// Server is the coordinator-side endpoint: it answers the request/reply
// channel, fans commands out to workers, and drains the fan-in queue.
type Server struct {
	bus     Bus
	handler Handler
	stamp   StampFunc
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	cmdSub  Subscription
	started bool

	commandsTotal *prometheus.CounterVec
	cmdDuration   *prometheus.HistogramVec
	broadcasts    *prometheus.CounterVec
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSubmitTimeout bounds handler execution per request.
func WithSubmitTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithStamp sets the exp_id stamping hook, applied to every accepted
// command before it reaches the handler.
func WithStamp(fn StampFunc) ServerOption {
	return func(s *Server) {
		s.stamp = fn
	}
}

// WithServerLogger sets a custom logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithServerMetrics wires the command counter, duration histogram and
// broadcast counter.
func WithServerMetrics(commands *prometheus.CounterVec, duration *prometheus.HistogramVec, broadcasts *prometheus.CounterVec) ServerOption {
	return func(s *Server) {
		s.commandsTotal = commands
		s.cmdDuration = duration
		s.broadcasts = broadcasts
	}
}

// NewServer creates a Server routing inbound commands to the handler.
func NewServer(bus Bus, handler Handler, opts ...ServerOption) *Server {
	s := &Server{
		bus:     bus,
		handler: handler,
		timeout: DefaultSubmitTimeout,
		logger:  slog.Default().With("component", "transport"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to the command subject. The parent context bounds every
// in-flight handler invocation.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	sub, err := s.bus.Subscribe(SubjectCommand, func(data []byte, respond Responder) {
		s.serve(ctx, data, respond)
	})
	if err != nil {
		return errors.WrapRecoverable(err, "Server", "Start", "subscribe to command subject")
	}
	s.cmdSub = sub
	s.started = true
	s.logger.Info("command endpoint listening", "subject", SubjectCommand)
	return nil
}

// Stop unsubscribes from the command subject.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return errors.ErrNotStarted
	}
	s.started = false
	if s.cmdSub != nil {
		if err := s.cmdSub.Unsubscribe(); err != nil {
			return errors.WrapRecoverable(err, "Server", "Stop", "unsubscribe")
		}
	}
	return nil
}

// serve parses, stamps and dispatches one inbound request. Unknown actions
// are rejected here, before any handler runs.
func (s *Server) serve(parent context.Context, data []byte, respond Responder) {
	start := time.Now()

	cmd, err := wire.ParseCommand(data)
	if err != nil {
		s.logger.Warn("rejected command", "error", err)
		s.reply(respond, wire.Failure(err))
		s.observe("unknown", "error", start)
		return
	}

	if s.stamp != nil {
		cmd = s.stamp(cmd)
	}

	ctx, cancel := context.WithTimeout(parent, s.timeout)
	defer cancel()

	rep := s.handler(ctx, cmd)
	s.reply(respond, rep)

	status := "success"
	if !rep.IsSuccess() {
		status = "error"
	}
	s.observe(cmd.Action.String(), status, start)
}

func (s *Server) reply(respond Responder, rep wire.Reply) {
	if respond == nil {
		return
	}
	if err := respond(rep.Encode()); err != nil {
		s.logger.Error("reply delivery failed", "error", err)
	}
}

func (s *Server) observe(action, status string, start time.Time) {
	if s.commandsTotal != nil {
		s.commandsTotal.WithLabelValues(action, status).Inc()
	}
	if s.cmdDuration != nil {
		s.cmdDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}

// Broadcast fans a command out to every worker subscribed to the target.
// Fire-and-forget: delivery failures are logged, not returned to the
// caller's client.
func (s *Server) Broadcast(ctx context.Context, target string, cmd wire.Command) error {
	b := wire.NewBroadcast(cmd)
	data, err := b.Encode()
	if err != nil {
		return errors.WrapInvalid(err, "Server", "Broadcast", "encode broadcast")
	}
	if err := s.bus.Publish(ctx, BroadcastSubject(target), data); err != nil {
		return errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrTransportFailure, err),
			"Server", "Broadcast", "publish to "+BroadcastSubject(target))
	}
	if s.broadcasts != nil {
		s.broadcasts.WithLabelValues(target).Inc()
	}
	return nil
}
