// Package transport is the message plumbing between clients, the
// coordinator and the hardware-interface workers. It owns three channel
// kinds: a synchronous request/reply channel for clients, a fan-out
// broadcast channel for commands to workers, and a fan-in work queue
// collecting results, telemetry and heartbeats. No business logic lives
// here.
package transport

import (
	"context"
	"time"
)

// Subject layout. Broadcast subjects append the worker target, e.g.
// "lab.device.piezo".
const (
	SubjectCommand         = "lab.cmd"
	SubjectBroadcastPrefix = "lab.device."
	SubjectResults         = "lab.results"
	SubjectSafety          = "lab.safety.events"

	// ResultsQueue is the queue group for the fan-in path: only one
	// coordinator instance in the group receives each result.
	ResultsQueue = "coordinator"
)

// DefaultSubmitTimeout bounds the synchronous request/reply path.
const DefaultSubmitTimeout = 5 * time.Second

// BroadcastSubject returns the fan-out subject for a worker target.
func BroadcastSubject(target string) string {
	return SubjectBroadcastPrefix + target
}

// Responder replies to a single inbound request.
type Responder func(data []byte) error

// Subscription is a live subject subscription.
type Subscription interface {
	Unsubscribe() error
}

// Bus abstracts the message broker so the transport layer can run against
// the real NATS connection or an in-memory fake.
type Bus interface {
	// Publish sends a fire-and-forget message.
	Publish(ctx context.Context, subject string, data []byte) error
	// Request sends a message and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)
	// Subscribe delivers every message on the subject to the handler. The
	// respond callback is non-nil for request/reply messages.
	Subscribe(subject string, handler func(data []byte, respond Responder)) (Subscription, error)
	// QueueSubscribe joins a queue group: each message goes to exactly one
	// member of the group.
	QueueSubscribe(subject, queue string, handler func(data []byte)) (Subscription, error)
}

// AuditPublisher persists safety events to durable storage, a superset of
// Bus implemented by the JetStream-backed client.
type AuditPublisher interface {
	PublishDurable(ctx context.Context, subject string, data []byte) error
}
