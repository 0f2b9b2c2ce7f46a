package natsclient

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
)

// AuditStream is the durable JetStream stream holding every safety event.
const AuditStream = "LAB_SAFETY_AUDIT"

func (c *Client) jetStream() (jetstream.JetStream, error) {
	c.mu.RLock()
	js := c.js
	c.mu.RUnlock()
	if js == nil {
		return nil, errors.ErrNotConnected
	}
	return js, nil
}

// EnsureAuditStream creates the safety audit stream if it does not exist.
// Events are retained for a year; the audit trail outlives any coordinator
// restart.
func (c *Client) EnsureAuditStream(ctx context.Context, subjects ...string) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     AuditStream,
		Subjects: subjects,
		Storage:  jetstream.FileStorage,
		MaxAge:   365 * 24 * time.Hour,
	})
	if err != nil {
		c.recordFailure()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrTransportFailure, err),
			"Client", "EnsureAuditStream", "create stream")
	}
	c.resetCircuit()
	return nil
}

// PublishDurable publishes with a JetStream acknowledgment, for messages
// that must survive a broker restart.
func (c *Client) PublishDurable(ctx context.Context, subject string, data []byte) error {
	if c.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	if _, err := js.Publish(ctx, subject, data); err != nil {
		c.recordFailure()
		return errors.WrapRecoverable(
			fmt.Errorf("%w: %v", errors.ErrTransportFailure, err),
			"Client", "PublishDurable", "publish to "+subject)
	}
	c.resetCircuit()
	return nil
}

// ConsumeAudit replays the audit stream through the handler, for operator
// tooling inspecting past safety events.
func (c *Client) ConsumeAudit(ctx context.Context, handler func(data []byte)) error {
	js, err := c.jetStream()
	if err != nil {
		return err
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, AuditStream, jetstream.ConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return errors.WrapRecoverable(err, "Client", "ConsumeAudit", "create consumer")
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		handler(msg.Data())
		_ = msg.Ack()
	})
	if err != nil {
		return errors.WrapRecoverable(err, "Client", "ConsumeAudit", "start consuming")
	}

	go func() {
		<-ctx.Done()
		cc.Stop()
	}()
	return nil
}
