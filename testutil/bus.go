// Package testutil provides in-memory test doubles for the transport
// layer, so coordinator logic is testable without a running broker.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/transport"
)

// FakeBus is a synchronous in-memory transport.Bus. Publishes deliver
// inline on the caller's goroutine, which keeps test ordering
// deterministic.
type FakeBus struct {
	mu     sync.Mutex
	subs   map[string][]*fakeSub
	queues map[string]map[string][]*fakeSub
	rr     map[string]int

	published map[string][][]byte
}

type fakeSub struct {
	bus     *FakeBus
	subject string
	queue   string
	handler func(data []byte, respond transport.Responder)
}

// Unsubscribe removes the subscription from the bus.
func (s *fakeSub) Unsubscribe() error {
	s.bus.remove(s)
	return nil
}

// NewFakeBus creates an empty in-memory bus.
func NewFakeBus() *FakeBus {
	return &FakeBus{
		subs:      make(map[string][]*fakeSub),
		queues:    make(map[string]map[string][]*fakeSub),
		rr:        make(map[string]int),
		published: make(map[string][][]byte),
	}
}

// Publish delivers to every plain subscriber and one member per queue
// group, synchronously.
func (b *FakeBus) Publish(_ context.Context, subject string, data []byte) error {
	b.mu.Lock()
	b.published[subject] = append(b.published[subject], append([]byte(nil), data...))
	targets := append([]*fakeSub(nil), b.subs[subject]...)
	for queue, members := range b.queues[subject] {
		if len(members) == 0 {
			continue
		}
		key := subject + "/" + queue
		idx := b.rr[key] % len(members)
		b.rr[key]++
		targets = append(targets, members[idx])
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.handler(data, nil)
	}
	return nil
}

// Request delivers to the first plain subscriber and waits for its reply.
func (b *FakeBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	b.mu.Lock()
	var target *fakeSub
	if subs := b.subs[subject]; len(subs) > 0 {
		target = subs[0]
	}
	b.mu.Unlock()

	if target == nil {
		return nil, fmt.Errorf("%w: no responder on %s", errors.ErrTimeout, subject)
	}

	replyCh := make(chan []byte, 1)
	respond := func(reply []byte) error {
		select {
		case replyCh <- reply:
		default:
		}
		return nil
	}

	go target.handler(data, respond)

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-time.After(timeout):
		return nil, errors.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe registers a plain subscriber.
func (b *FakeBus) Subscribe(subject string, handler func(data []byte, respond transport.Responder)) (transport.Subscription, error) {
	s := &fakeSub{bus: b, subject: subject, handler: handler}
	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], s)
	b.mu.Unlock()
	return s, nil
}

// QueueSubscribe registers a queue-group member.
func (b *FakeBus) QueueSubscribe(subject, queue string, handler func(data []byte)) (transport.Subscription, error) {
	s := &fakeSub{
		bus:     b,
		subject: subject,
		queue:   queue,
		handler: func(data []byte, _ transport.Responder) { handler(data) },
	}
	b.mu.Lock()
	if b.queues[subject] == nil {
		b.queues[subject] = make(map[string][]*fakeSub)
	}
	b.queues[subject][queue] = append(b.queues[subject][queue], s)
	b.mu.Unlock()
	return s, nil
}

// Published returns every payload published on the subject, in order.
func (b *FakeBus) Published(subject string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.published[subject]))
	copy(out, b.published[subject])
	return out
}

func (b *FakeBus) remove(target *fakeSub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if target.queue == "" {
		subs := b.subs[target.subject]
		for i, s := range subs {
			if s == target {
				b.subs[target.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		return
	}
	members := b.queues[target.subject][target.queue]
	for i, s := range members {
		if s == target {
			b.queues[target.subject][target.queue] = append(members[:i], members[i+1:]...)
			break
		}
	}
}
