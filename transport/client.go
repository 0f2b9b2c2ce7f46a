package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// Client is the caller-side view of the request/reply channel, used by
// operator tooling and automation sources.
type Client struct {
	bus     Bus
	timeout time.Duration
	logger  *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientTimeout bounds how long Submit waits for a reply.
func WithClientTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClientLogger sets a custom logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient creates a Client submitting over the given bus.
func NewClient(bus Bus, opts ...ClientOption) *Client {
	c := &Client{
		bus:     bus,
		timeout: DefaultSubmitTimeout,
		logger:  slog.Default().With("component", "transport.client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit sends a command and blocks for the reply, bounded by the
// configured timeout. A silent coordinator yields ErrTimeout.
func (c *Client) Submit(ctx context.Context, cmd wire.Command) (wire.Reply, error) {
	if err := cmd.Validate(); err != nil {
		return wire.Reply{}, err
	}

	data, err := cmd.Encode()
	if err != nil {
		return wire.Reply{}, errors.WrapInvalid(err, "Client", "Submit", "encode command")
	}

	raw, err := c.bus.Request(ctx, SubjectCommand, data, c.timeout)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(err, errors.ErrTimeout) {
			return wire.Reply{}, errors.WrapRecoverable(
				fmt.Errorf("%w: no reply within %s", errors.ErrTimeout, c.timeout),
				"Client", "Submit", "await reply")
		}
		return wire.Reply{}, errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrTransportFailure, err),
			"Client", "Submit", "send request")
	}

	rep, err := wire.DecodeReply(raw)
	if err != nil {
		return wire.Reply{}, errors.WrapRecoverable(err, "Client", "Submit", "decode reply")
	}
	return rep, nil
}
