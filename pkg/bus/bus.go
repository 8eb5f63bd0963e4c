// Package bus implements the in-process event fabric: multi-subscriber
// fan-out of pipeline and terminal events over named topics.
//
// Topics are pipeline ids, terminal session topics ("terminal:<id>"), or one
// of the two sentinels (AllPipelines, AllTerminals). Publishing to a concrete
// topic also fans the event into the matching sentinel topic with the topic
// id injected, so a single subscriber can observe every pipeline or every
// terminal session.
//
// Delivery is per-subscriber through a bounded inbox channel. A publish never
// blocks: a subscriber whose inbox is full is evicted on the spot and its
// channel closed, so a blocked reader learns immediately even on a quiet
// topic. Ordering is FIFO per topic for every healthy subscriber; ordering
// across topics is unspecified.
package bus

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
)

const (
	// AllPipelines receives every pipeline event with pipeline_id injected.
	AllPipelines = "all_pipelines"
	// AllTerminals receives every terminal event with session_id injected.
	AllTerminals = "all_terminals"

	// TerminalTopicPrefix namespaces terminal session topics away from
	// pipeline ids.
	TerminalTopicPrefix = "terminal:"

	// DefaultInboxSize bounds each subscriber's inbox channel.
	DefaultInboxSize = 256
)

// Event is a single bus message. Events are JSON-shaped maps with at minimum
// a "type" and "timestamp" key; the events package provides constructors.
type Event map[string]any

// Clone returns a shallow copy of the event. Used before injecting
// topic-identifying keys for sentinel fan-in so subscribers never share a
// mutated map.
func (e Event) Clone() Event {
	out := make(Event, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	return out
}

// TerminalTopic returns the bus topic for a terminal session.
func TerminalTopic(sessionID string) string {
	return TerminalTopicPrefix + sessionID
}

// Subscription is one subscriber's handle on a topic. Events arrive on C in
// publish order until the subscription is cancelled or evicted, at which
// point C is closed.
type Subscription struct {
	ID    string
	Topic string
	C     <-chan Event

	inbox chan Event
}

// Bus is the topic registry. The zero value is not usable; use NewBus.
type Bus struct {
	mu        sync.RWMutex
	topics    map[string]map[string]*Subscription
	inboxSize int
	logger    *slog.Logger

	// TopicEmptyHook, if set before first use, is invoked (on the caller's
	// goroutine, outside the registry lock) when the last subscriber of a
	// non-sentinel topic goes away. The terminal manager uses it to
	// auto-terminate orphaned sessions.
	TopicEmptyHook func(topic string)
}

// NewBus creates a bus with the default inbox size.
func NewBus() *Bus {
	return NewBusWithInboxSize(DefaultInboxSize)
}

// NewBusWithInboxSize creates a bus with a custom per-subscriber inbox bound.
func NewBusWithInboxSize(size int) *Bus {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &Bus{
		topics:    make(map[string]map[string]*Subscription),
		inboxSize: size,
		logger:    slog.Default().With("component", "event-bus"),
	}
}

// Subscribe registers a new subscriber on topic. Subscribing to a topic that
// has never been published to is valid and creates the topic.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		ID:    uuid.New().String(),
		Topic: topic,
	}
	sub.inbox = make(chan Event, b.inboxSize)
	sub.C = sub.inbox

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[string]*Subscription)
		b.topics[topic] = subs
	}
	subs[sub.ID] = sub
	count := len(subs)
	b.mu.Unlock()

	b.logger.Debug("Subscriber added", "topic", topic, "subscription_id", sub.ID, "subscribers", count)
	return sub
}

// Unsubscribe removes the subscription and closes its channel. It is
// idempotent; unsubscribing twice is a no-op.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	subs, ok := b.topics[sub.Topic]
	if !ok {
		b.mu.Unlock()
		return
	}
	if _, present := subs[sub.ID]; !present {
		b.mu.Unlock()
		return
	}
	delete(subs, sub.ID)
	close(sub.inbox)
	emptied := len(subs) == 0 && !isSentinel(sub.Topic)
	if emptied {
		delete(b.topics, sub.Topic)
	}
	b.mu.Unlock()

	b.logger.Debug("Subscriber removed", "topic", sub.Topic, "subscription_id", sub.ID)
	if emptied && b.TopicEmptyHook != nil {
		b.TopicEmptyHook(sub.Topic)
	}
}

// Publish delivers ev to every healthy subscriber of topic, then fans the
// event into the matching sentinel topic with the topic id injected
// (pipeline_id for pipeline topics, session_id for terminal topics).
// Publish never blocks and never fails; subscribers with full inboxes are
// evicted instead.
func (b *Bus) Publish(topic string, ev Event) {
	b.deliver(topic, ev)

	switch {
	case isSentinel(topic):
		// Direct sentinel publish, no fan-in.
	case strings.HasPrefix(topic, TerminalTopicPrefix):
		fanned := ev.Clone()
		fanned["session_id"] = strings.TrimPrefix(topic, TerminalTopicPrefix)
		b.deliver(AllTerminals, fanned)
	default:
		fanned := ev.Clone()
		fanned["pipeline_id"] = topic
		b.deliver(AllPipelines, fanned)
	}
}

// deliver sends ev to every subscriber of exactly topic. A subscriber whose
// inbox is full is evicted in place: removed from the topic and its channel
// closed, so its reader unblocks without waiting for another publish.
func (b *Bus) deliver(topic string, ev Event) {
	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		b.mu.Unlock()
		return
	}

	evicted := false
	for id, sub := range subs {
		select {
		case sub.inbox <- ev:
		default:
			// Inbox overrun: the subscriber is too slow to keep up.
			delete(subs, id)
			close(sub.inbox)
			evicted = true
			b.logger.Warn("Evicting slow subscriber",
				"topic", topic,
				"subscription_id", sub.ID,
				"inbox_size", b.inboxSize)
		}
	}
	emptied := len(subs) == 0 && !isSentinel(topic)
	if emptied {
		delete(b.topics, topic)
	}
	b.mu.Unlock()

	if emptied && evicted && b.TopicEmptyHook != nil {
		b.TopicEmptyHook(topic)
	}
}

// Stats returns the current subscriber count per topic. Used by the
// ingress status endpoint.
func (b *Bus) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[string]int, len(b.topics))
	for topic, subs := range b.topics {
		out[topic] = len(subs)
	}
	return out
}

// SubscriberCount returns the number of subscribers on a single topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// TotalSubscribers returns the number of subscribers across all topics.
func (b *Bus) TotalSubscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := 0
	for _, subs := range b.topics {
		total += len(subs)
	}
	return total
}

func isSentinel(topic string) bool {
	return topic == AllPipelines || topic == AllTerminals
}
