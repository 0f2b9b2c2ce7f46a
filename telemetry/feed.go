// Package telemetry consumes the external pressure feed over WebSocket and
// forwards each reading to the pressure-safety monitor. The feed produces
// {timestamp, value_mbar} frames; this package never produces readings
// itself.
package telemetry

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Observer receives each parsed pressure reading.
type Observer func(ctx context.Context, reading wire.PressureReading)

// Feed is a reconnecting WebSocket client for the pressure telemetry
// stream. A feed that stays down long enough is caught by the pressure
// worker's heartbeat, not here; Feed only keeps trying.
type Feed struct {
	url     string
	observe Observer
	dialer  *websocket.Dialer
	logger  *slog.Logger

	// badFrameLog throttles malformed-frame logging so a broken sensor
	// cannot flood the log.
	badFrameLog *rate.Limiter

	initialBackoff time.Duration
	maxBackoff     time.Duration

	connected      atomic.Bool
	framesReceived atomic.Int64
	framesDropped  atomic.Int64
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithFeedLogger sets a custom logger.
func WithFeedLogger(logger *slog.Logger) FeedOption {
	return func(f *Feed) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithFeedBackoff sets the reconnect backoff bounds.
func WithFeedBackoff(initial, max time.Duration) FeedOption {
	return func(f *Feed) {
		if initial > 0 {
			f.initialBackoff = initial
		}
		if max > 0 {
			f.maxBackoff = max
		}
	}
}

// NewFeed creates a Feed delivering readings from url to observe.
func NewFeed(url string, observe Observer, opts ...FeedOption) *Feed {
	f := &Feed{
		url:            url,
		observe:        observe,
		dialer:         &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:         slog.Default().With("component", "telemetry"),
		badFrameLog:    rate.NewLimiter(rate.Every(5*time.Second), 1),
		initialBackoff: time.Second,
		maxBackoff:     30 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Connected reports whether the feed currently has a live connection.
func (f *Feed) Connected() bool { return f.connected.Load() }

// Stats returns received and dropped frame counts.
func (f *Feed) Stats() (received, dropped int64) {
	return f.framesReceived.Load(), f.framesDropped.Load()
}

// Run connects, reads frames and reconnects with exponential backoff until
// the context is cancelled.
func (f *Feed) Run(ctx context.Context) {
	backoff := f.initialBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("pressure feed dial failed", "url", f.url, "error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > f.maxBackoff {
				backoff = f.maxBackoff
			}
			continue
		}

		f.connected.Store(true)
		f.logger.Info("pressure feed connected", "url", f.url)
		backoff = f.initialBackoff

		f.readLoop(ctx, conn)

		f.connected.Store(false)
		_ = conn.Close()
	}
}

// readLoop consumes frames until the connection breaks or the context is
// cancelled. The short read deadline keeps shutdown responsive.
func (f *Feed) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		if ctx.Err() != nil {
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			f.logger.Warn("pressure feed read failed", "error", err)
			return
		}

		f.HandleFrame(ctx, data)
	}
}

// HandleFrame parses one raw frame and delivers it to the observer.
// Malformed or negative readings are dropped.
func (f *Feed) HandleFrame(ctx context.Context, data []byte) {
	reading, err := wire.ParsePressureReading(data)
	if err != nil {
		f.framesDropped.Add(1)
		if f.badFrameLog.Allow() {
			f.logger.Warn("dropped malformed pressure frame", "error", err)
		}
		return
	}

	f.framesReceived.Add(1)
	f.observe(ctx, reading)
}

func isTimeout(err error) bool {
	type timeout interface{ Timeout() bool }
	if te, ok := err.(timeout); ok {
		return te.Timeout()
	}
	return false
}
