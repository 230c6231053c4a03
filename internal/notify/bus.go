// Package notify is the in-process fan-out bus behind live updates. Topics
// are named per request and per channel; subscribers hold bounded buffers and
// are never allowed to block a publisher.
package notify

import (
	"sync"
	"time"

	"github.com/bloodconnect/internal/logger"
)

const DefaultBufferSize = 64

type Bus struct {
	mu      sync.Mutex
	topics  map[string]*topicState
	bufSize int
	closed  bool
}

type topicState struct {
	seq  uint64
	subs map[*Subscription]struct{}
}

// Subscription receives events for one topic. Read from C until it is closed;
// call Close when done.
type Subscription struct {
	bus    *Bus
	topic  string
	userID string
	ch     chan Event

	// gapped is set while deliveries are being dropped; guarded by bus.mu.
	gapped bool
	closed bool
}

func (s *Subscription) C() <-chan Event { return s.ch }
func (s *Subscription) Topic() string   { return s.topic }

func NewBus(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	return &Bus{
		topics:  make(map[string]*topicState),
		bufSize: bufSize,
	}
}

// Subscribe attaches a new subscriber to topic. userID is the delivery
// identity used to match targeted events.
func (b *Bus) Subscribe(topic, userID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		topic:  topic,
		userID: userID,
		ch:     make(chan Event, b.bufSize),
	}
	if b.closed {
		sub.closed = true
		close(sub.ch)
		return sub
	}
	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{subs: make(map[*Subscription]struct{})}
		b.topics[topic] = t
	}
	t.subs[sub] = struct{}{}
	return sub
}

// Close detaches the subscription and closes its channel. Idempotent.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if t, ok := s.bus.topics[s.topic]; ok {
		delete(t.subs, s)
		if len(t.subs) == 0 && t.seq == 0 {
			delete(s.bus.topics, s.topic)
		}
	}
	close(s.ch)
}

// Publish assigns the next topic sequence number and fans the event out.
// Publishing holds the bus lock for the whole fan-out, which keeps per-topic
// delivery order identical to publish order on every subscriber.
func (b *Bus) Publish(topic string, ev Event) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0
	}

	t, ok := b.topics[topic]
	if !ok {
		t = &topicState{subs: make(map[*Subscription]struct{})}
		b.topics[topic] = t
	}
	t.seq++
	ev.Topic = topic
	ev.Seq = t.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	for sub := range t.subs {
		if ev.TargetUser != "" && sub.userID != ev.TargetUser {
			continue
		}
		b.deliver(sub, ev)
	}
	return t.seq
}

// deliver attempts a non-blocking send. A subscriber that fell behind loses
// events and receives a single gap marker once room opens up again.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	if sub.gapped {
		gap := Event{Type: EventGapDetected, Topic: sub.topic, Seq: ev.Seq, At: ev.At}
		select {
		case sub.ch <- gap:
			sub.gapped = false
		default:
			return
		}
	}
	select {
	case sub.ch <- ev:
	default:
		sub.gapped = true
		logger.Errorf("notify: dropping event %s on %s, slow subscriber", ev.Type, sub.topic)
	}
}

// Close shuts the bus down and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, t := range b.topics {
		for sub := range t.subs {
			sub.closed = true
			close(sub.ch)
		}
	}
	b.topics = make(map[string]*topicState)
}
