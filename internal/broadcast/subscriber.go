package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Subscriber is one live listener on a channel. Payloads arrive on Out in
// sample order; when the queue is full the oldest payload is dropped rather
// than blocking the engine.
type Subscriber struct {
	id      string
	channel string
	out     chan Payload
	done    chan struct{}
	once    sync.Once
	dropped atomic.Uint64
}

func newSubscriber(channel string, queueSize int) *Subscriber {
	return &Subscriber{
		id:      uuid.New().String(),
		channel: channel,
		out:     make(chan Payload, queueSize),
		done:    make(chan struct{}),
	}
}

// ID returns the subscriber's unique id.
func (s *Subscriber) ID() string { return s.id }

// Channel returns the channel id the subscriber is registered on.
func (s *Subscriber) Channel() string { return s.channel }

// Out delivers payloads in sample order.
func (s *Subscriber) Out() <-chan Payload { return s.out }

// Done is closed when the subscriber is removed from its channel.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Dropped returns how many payloads were discarded because the queue was
// full.
func (s *Subscriber) Dropped() uint64 { return s.dropped.Load() }

// close marks the subscriber removed. Payloads already queued stay readable;
// nothing new is enqueued afterwards.
func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// enqueue offers a payload without blocking. Reports whether anything was
// dropped to make room.
func (s *Subscriber) enqueue(p Payload) (dropped bool) {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.out <- p:
		return false
	default:
	}

	// Queue full: evict the oldest and retry once. The consumer may have
	// raced us and drained the queue, in which case nothing is evicted.
	select {
	case <-s.out:
		dropped = true
		s.dropped.Add(1)
	default:
	}
	select {
	case s.out <- p:
	default:
		dropped = true
		s.dropped.Add(1)
	}
	return dropped
}
