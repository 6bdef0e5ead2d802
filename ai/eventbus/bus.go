// Package eventbus implements per-topic pub/sub with a bounded replay
// ring and SSE framing. Topics are keyed by chat session id; every run
// in a session broadcasts on the same topic.
package eventbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/lumichat/agentd/ai/metrics"
)

const (
	// DefaultRingSize bounds the per-topic replay ring.
	DefaultRingSize = 256
	// DefaultSubscriberQueue bounds each subscriber's frame queue. A
	// subscriber whose queue fills is dropped; the publisher never blocks.
	DefaultSubscriberQueue = 64
	// HeartbeatInterval is how often an idle SSE stream emits a comment.
	HeartbeatInterval = 30 * time.Second
	// topicGracePeriod keeps an idle topic's ring around for resume.
	topicGracePeriod = 5 * time.Minute
)

// Heartbeat is the SSE comment frame written on idle streams.
var Heartbeat = []byte(": heartbeat\n\n")

// Event is one entry on a topic. ID is monotonic within the topic.
type Event struct {
	ID        int64
	Kind      string
	Topic     string
	Timestamp string
	Payload   map[string]any
}

// Encode renders the SSE frame: id line, event line, data line, blank
// terminator. The data envelope flattens the payload next to the
// id/type/session_id/timestamp fields.
func (e *Event) Encode() []byte {
	envelope := make(map[string]any, len(e.Payload)+4)
	for k, v := range e.Payload {
		envelope[k] = v
	}
	envelope["id"] = e.ID
	envelope["type"] = e.Kind
	envelope["session_id"] = e.Topic
	envelope["timestamp"] = e.Timestamp

	data, err := json.Marshal(envelope)
	if err != nil {
		// Payloads are built from plain maps; a marshal failure is a bug.
		slog.Error("failed to encode event", "kind", e.Kind, "error", err)
		data = []byte("{}")
	}
	return []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", e.ID, e.Kind, data))
}

// Subscriber is one attached consumer of a topic.
type Subscriber struct {
	events chan *Event
	done   chan struct{}
	once   sync.Once
}

// Events is the stream of events for this subscriber. It is closed when
// the subscriber is dropped or the topic closes.
func (s *Subscriber) Events() <-chan *Event {
	return s.events
}

// Done fires when the bus has detached this subscriber.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

func (s *Subscriber) close() {
	s.once.Do(func() {
		close(s.done)
		close(s.events)
	})
}

type topic struct {
	ring       []*Event
	nextID     int64
	subs       map[*Subscriber]struct{}
	lastActive time.Time
}

// Bus is the process-wide event bus.
type Bus struct {
	mu        sync.Mutex
	topics    map[string]*topic
	ringSize  int
	queueSize int
	metrics   *metrics.Exporter
	stop      chan struct{}
	stopOnce  sync.Once
}

// New creates a bus and starts its idle-topic janitor.
func New(m *metrics.Exporter) *Bus {
	b := &Bus{
		topics:    make(map[string]*topic),
		ringSize:  DefaultRingSize,
		queueSize: DefaultSubscriberQueue,
		metrics:   m,
		stop:      make(chan struct{}),
	}
	go b.janitor()
	return b
}

// Close stops the janitor and detaches all subscribers.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		for sub := range t.subs {
			sub.close()
		}
		t.subs = map[*Subscriber]struct{}{}
	}
}

func (b *Bus) getOrCreateTopicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subs: make(map[*Subscriber]struct{})}
		b.topics[name] = t
	}
	t.lastActive = time.Now()
	return t
}

// Publish appends an event to the topic ring and fans it out. Fanout is
// non-blocking: a subscriber with a full queue is dropped.
func (b *Bus) Publish(topicName, kind string, payload map[string]any) *Event {
	b.mu.Lock()
	t := b.getOrCreateTopicLocked(topicName)
	t.nextID++
	ev := &Event{
		ID:        t.nextID,
		Kind:      kind,
		Topic:     topicName,
		Timestamp: time.Now().Format(time.RFC3339Nano),
		Payload:   payload,
	}
	t.ring = append(t.ring, ev)
	if len(t.ring) > b.ringSize {
		t.ring = t.ring[len(t.ring)-b.ringSize:]
	}

	var dropped []*Subscriber
	for sub := range t.subs {
		select {
		case sub.events <- ev:
		default:
			dropped = append(dropped, sub)
		}
	}
	for _, sub := range dropped {
		delete(t.subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range dropped {
		sub.close()
		slog.Warn("dropped slow subscriber", "topic", topicName)
		if b.metrics != nil {
			b.metrics.SubscribersDropped.Inc()
			b.metrics.SubscribersActive.Dec()
		}
	}
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(kind).Inc()
	}
	return ev
}

// Subscribe attaches to a topic. When sinceID is found in the ring, all
// events strictly after it are queued for replay before any live event.
// The caller receives events via sub.Events() and must call Unsubscribe.
func (b *Bus) Subscribe(topicName string, sinceID int64) *Subscriber {
	sub := &Subscriber{
		// Replay shares the queue with the live tail; size for both.
		events: make(chan *Event, b.queueSize+b.ringSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	t := b.getOrCreateTopicLocked(topicName)
	if sinceID > 0 {
		for _, ev := range t.ring {
			if ev.ID > sinceID {
				sub.events <- ev
			}
		}
	}
	t.subs[sub] = struct{}{}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SubscribersActive.Inc()
	}
	return sub
}

// Unsubscribe detaches a subscriber. Idempotent.
func (b *Bus) Unsubscribe(topicName string, sub *Subscriber) {
	b.mu.Lock()
	if t, ok := b.topics[topicName]; ok {
		if _, attached := t.subs[sub]; attached {
			delete(t.subs, sub)
			if b.metrics != nil {
				b.metrics.SubscribersActive.Dec()
			}
		}
		t.lastActive = time.Now()
	}
	b.mu.Unlock()
	sub.close()
}

// LastEventID returns the id of the newest event on the topic, 0 when
// the topic has no history.
func (b *Bus) LastEventID(topicName string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[topicName]; ok {
		return t.nextID
	}
	return 0
}

// CloseTopic emits a done frame to every subscriber and detaches them.
// The ring is kept until the grace period expires so late resumes still
// see history.
func (b *Bus) CloseTopic(topicName string) {
	b.Publish(topicName, "done", map[string]any{})
	b.mu.Lock()
	t, ok := b.topics[topicName]
	if !ok {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.subs = make(map[*Subscriber]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
		if b.metrics != nil {
			b.metrics.SubscribersActive.Dec()
		}
	}
}

// janitor reaps topics with no subscribers past the grace period.
func (b *Bus) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-topicGracePeriod)
			b.mu.Lock()
			for name, t := range b.topics {
				if len(t.subs) == 0 && t.lastActive.Before(cutoff) {
					delete(b.topics, name)
				}
			}
			b.mu.Unlock()
		}
	}
}

// ParseLastEventID parses the Last-Event-ID header value; 0 when empty
// or malformed.
func ParseLastEventID(raw string) int64 {
	if raw == "" {
		return 0
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

// InitEvent builds the synthetic init frame sent on subscribe. It is
// not stored in the ring; last_event_id lets the client resume.
func InitEvent(topicName string, lastEventID int64) []byte {
	data, _ := json.Marshal(map[string]any{
		"session_id":    topicName,
		"last_event_id": lastEventID,
		"timestamp":     time.Now().Format(time.RFC3339Nano),
	})
	return []byte(fmt.Sprintf("event: init\ndata: %s\n\n", data))
}
