package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"peercam/internal/core/ports"
)

var ErrBusClosed = errors.New("bus closed")

// ErrBusDown is returned by a MemoryBus between Sever and Restore.
var ErrBusDown = errors.New("bus unavailable")

// MemoryBus is an in-process bus. Several peers in one process share a
// MemoryBus the way separate processes share a broker.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	down   bool
	closed bool
	size   int
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[*memorySubscription]struct{}),
		size: defaultChannelSize,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	switch {
	case b.closed:
		return ErrBusClosed
	case b.down:
		return fmt.Errorf("failed to publish to %s: %w", topic, ErrBusDown)
	}

	for sub := range b.subs {
		if sub.wants(topic) {
			data := make([]byte, len(payload))
			copy(data, payload)
			sub.deliver(ports.BusMessage{Topic: topic, Payload: data})
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (ports.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("no topics to subscribe to")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed:
		return nil, ErrBusClosed
	case b.down:
		return nil, ErrBusDown
	}

	sub := &memorySubscription{
		bus:    b,
		topics: make(map[string]struct{}, len(topics)),
		out:    make(chan ports.BusMessage, b.size),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

func (b *MemoryBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	switch {
	case b.closed:
		return ErrBusClosed
	case b.down:
		return ErrBusDown
	}
	return ctx.Err()
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	b.endAll()
	return nil
}

// Sever simulates losing the broker: every open subscription ends and
// publishes fail until Restore.
func (b *MemoryBus) Sever() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = true
	b.endAll()
}

func (b *MemoryBus) Restore() {
	b.mu.Lock()
	b.down = false
	b.mu.Unlock()
}

// Subscribers returns the number of open subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *MemoryBus) endAll() {
	for sub := range b.subs {
		sub.end()
		delete(b.subs, sub)
	}
}

func (b *MemoryBus) remove(sub *memorySubscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

type memorySubscription struct {
	bus    *MemoryBus
	topics map[string]struct{}

	mu    sync.Mutex
	out   chan ports.BusMessage
	ended bool
}

func (s *memorySubscription) wants(topic string) bool {
	_, ok := s.topics[topic]
	return ok
}

// deliver drops the message when the subscriber has fallen a full buffer
// behind, like a broker would for a slow consumer.
func (s *memorySubscription) deliver(msg ports.BusMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.out)
	}
}

func (s *memorySubscription) Messages() <-chan ports.BusMessage {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.bus.remove(s)
	s.end()
	return nil
}
