package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic partitions the event stream. Ordering is guaranteed per topic only.
type Topic string

const (
	TopicTaskLifecycle    Topic = "task.lifecycle"
	TopicRoutingDecision  Topic = "routing.decision"
	TopicPolicyValidation Topic = "policy.validation"
	TopicAnomaly          Topic = "performance.anomaly"
	TopicAgentLifecycle   Topic = "agent.lifecycle"
)

// Event is one message on the bus
type Event struct {
	ID        string
	Topic     Topic
	Kind      string
	Timestamp time.Time
	AgentID   string
	TaskID    string
	Payload   map[string]string
}

// Subscriber is a channel that receives events for one subscription
type Subscriber chan *Event

// Bus delivers ordered events per topic to fan-out subscribers.
// Each topic has its own dispatch goroutine, so subscribers observe the
// publish order within a topic. A slow subscriber loses events rather than
// stalling the topic.
type Bus struct {
	mu     sync.RWMutex
	topics map[Topic]*topicState
	closed bool
}

type topicState struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]bool
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBus creates an event bus
func NewBus() *Bus {
	return &Bus{
		topics: make(map[Topic]*topicState),
	}
}

// Subscribe creates a subscription on a topic with the given buffer size
func (b *Bus) Subscribe(topic Topic, buffer int) Subscriber {
	if buffer <= 0 {
		buffer = 50
	}
	ts := b.topic(topic)

	sub := make(Subscriber, buffer)
	ts.mu.Lock()
	ts.subscribers[sub] = true
	ts.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(topic Topic, sub Subscriber) {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.subscribers[sub] {
		delete(ts.subscribers, sub)
		close(sub)
	}
}

// Publish places an event on its topic. Events on one topic are delivered
// to every subscriber in publish order.
func (b *Bus) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}

	ts := b.topic(event.Topic)
	select {
	case ts.eventCh <- event:
	case <-ts.stopCh:
	}
}

// topic returns the per-topic state, creating and starting it on first use
func (b *Bus) topic(topic Topic) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[topic]; ok {
		return ts
	}

	ts = &topicState{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100),
		stopCh:      make(chan struct{}),
	}
	b.topics[topic] = ts
	if !b.closed {
		go ts.run()
	}
	return ts
}

func (ts *topicState) run() {
	for {
		select {
		case event := <-ts.eventCh:
			ts.broadcast(event)
		case <-ts.stopCh:
			return
		}
	}
}

func (ts *topicState) broadcast(event *Event) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	for sub := range ts.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, drop for this subscriber
		}
	}
}

// SubscriberCount returns the number of active subscribers on a topic
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return 0
	}
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.subscribers)
}

// Close stops dispatch on every topic and closes all subscriber channels
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true

	for _, ts := range b.topics {
		close(ts.stopCh)
		ts.mu.Lock()
		for sub := range ts.subscribers {
			delete(ts.subscribers, sub)
			close(sub)
		}
		ts.mu.Unlock()
	}
}
