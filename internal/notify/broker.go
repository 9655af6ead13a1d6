package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type Topic string

const (
	TopicEvent            Topic = "event"
	TopicNotification     Topic = "notification"
	TopicApprovalRequired Topic = "approval-required"
)

const DefaultBuffer = 64

type Message struct {
	Topic     Topic     `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher is the only view of the fan-out the decision path gets.
// Publish must not block and must not fail.
type Publisher interface {
	Publish(topic Topic, payload any)
}

// Broker fans each message out to every subscription of its topic. Each
// subscription has its own bounded buffer; when it is full the oldest
// message is dropped to make room.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	buffer int
	closed bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broker{
		subs:   make(map[*Subscription]struct{}),
		buffer: buffer,
	}
}

// Subscribe registers an observer. No topics means all topics.
func (b *Broker) Subscribe(topics ...Topic) *Subscription {
	s := &Subscription{
		broker: b,
		ch:     make(chan Message, b.buffer),
	}
	if len(topics) > 0 {
		s.topics = make(map[Topic]bool, len(topics))
		for _, t := range topics {
			s.topics[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closed = true
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}

	log.Debug().Int("subscribers", len(b.subs)).Msg("notification subscriber added")
	return s
}

func (b *Broker) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for s := range b.subs {
		if s.wants(topic) {
			s.deliver(msg)
		}
	}
}

func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broker) Published() uint64 { return b.published.Load() }

// Dropped counts messages evicted from any subscriber buffer.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscription channel. Later publishes are ignored.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.close()
	}
	b.subs = nil
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

type Subscription struct {
	broker *Broker
	topics map[Topic]bool
	ch     chan Message

	mu      sync.Mutex
	closed  bool
	dropped atomic.Uint64
}

func (s *Subscription) C() <-chan Message { return s.ch }

func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Close() {
	s.broker.remove(s)
	s.close()
}

func (s *Subscription) wants(topic Topic) bool {
	return s.topics == nil || s.topics[topic]
}

func (s *Subscription) deliver(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	// Only deliver sends on ch and it holds s.mu, so after evicting one
	// message the next send has room.
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}

		select {
		case <-s.ch:
			s.dropped.Add(1)
			s.broker.dropped.Add(1)
		default:
		}
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
