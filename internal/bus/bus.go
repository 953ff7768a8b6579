// Package bus is the in-process publish/subscribe fabric carrying real-time
// fleet events between the core components and out to the UI gateway.
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Topic names the event streams the core publishes.
type Topic string

const (
	TopicRobotConnected        Topic = "robot.connected"
	TopicRobotDisconnected     Topic = "robot.disconnected"
	TopicRobotStatus           Topic = "robot.status"
	TopicRobotBattery          Topic = "robot.battery"
	TopicRobotWaypoint         Topic = "robot.waypoint"
	TopicPatrolStatus          Topic = "patrol.status"
	TopicPatrolWaypointReached Topic = "patrol.waypoint_reached"
	TopicPatrolComplete        Topic = "patrol.complete"
	TopicPatrolSummary         Topic = "patrol.summary"
	TopicViolationNew          Topic = "violation.new"
	TopicDetectionSummary      Topic = "detection.summary"
	TopicDetectionCounts       Topic = "detection.counts"
	TopicMQTTMessage           Topic = "mqtt.message"
	TopicYoloShutdownPrompt    Topic = "yolo.shutdown_prompt"
)

// Event is one published message.
type Event struct {
	Topic   Topic       `json:"topic"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload"`
}

// Subscription receives events for the topics it was registered with. The
// buffer is bounded; when a subscriber cannot keep up, the oldest buffered
// events are dropped so publishers never block.
type Subscription struct {
	id     string
	topics map[Topic]bool
	ch     chan Event
	bus    *Bus
	once   sync.Once
}

// C returns the receive channel for this subscription.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close deregisters the subscription. The channel is not closed so a
// concurrent publish never sends on a closed channel; drain until empty.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.unsubscribe(s) })
}

// Matches reports whether the subscription wants the topic.
func (s *Subscription) Matches(topic Topic) bool {
	if len(s.topics) == 0 {
		return true // empty set means all topics
	}
	return s.topics[topic]
}

// Bus fans events out to subscribers without ever blocking a publisher.
type Bus struct {
	mu         sync.RWMutex
	subs       map[string]*Subscription
	bufferSize int

	dropped func(Topic) // instrumentation hook, may be nil
}

// Option configures a Bus.
type Option func(*Bus)

// WithBufferSize overrides the per-subscriber queue depth.
func WithBufferSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.bufferSize = n
		}
	}
}

// WithDropHook installs a callback invoked when a subscriber loses an event.
func WithDropHook(fn func(Topic)) Option {
	return func(b *Bus) { b.dropped = fn }
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:       make(map[string]*Subscription),
		bufferSize: 256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for the given topics. An empty topic list
// subscribes to everything.
func (b *Bus) Subscribe(topics ...Topic) *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		topics: make(map[Topic]bool, len(topics)),
		ch:     make(chan Event, b.bufferSize),
		bus:    b,
	}
	for _, t := range topics {
		sub.topics[t] = true
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub.id)
	b.mu.Unlock()
}

// Publish delivers an event to every matching subscriber. A full subscriber
// queue sheds its oldest event to make room; the publisher never waits.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	ev := Event{Topic: topic, At: time.Now(), Payload: payload}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.Matches(topic) {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
			continue
		default:
		}
		// Queue full: drop the oldest buffered event, then retry once.
		select {
		case <-sub.ch:
			if b.dropped != nil {
				b.dropped(topic)
			}
		default:
		}
		select {
		case sub.ch <- ev:
		default:
			if b.dropped != nil {
				b.dropped(topic)
			}
			log.Debug().Str("topic", string(topic)).Str("subscriber", sub.id).
				Msg("Event dropped for slow subscriber")
		}
	}
}

// SubscriberCount returns the number of registered subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
