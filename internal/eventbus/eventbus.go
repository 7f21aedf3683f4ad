// Package eventbus fans graph and review events out to in-process
// subscribers such as the websocket stream and the NATS bridge.
package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keboola/docloop/pkg/messages"
)

var (
	ErrBufferFull = errors.New("event buffer is full")
	ErrClosed     = errors.New("event bus is closed")
)

const historySize = 500

// Subscriber receives events matching its filter
type Subscriber struct {
	ID      string
	Channel chan *messages.EventMessage
	Filter  func(*messages.EventMessage) bool // Optional filter function
}

// EventBus distributes events asynchronously. Slow subscribers miss events
// rather than blocking publishers.
type EventBus struct {
	subscribers map[string]*Subscriber
	mu          sync.RWMutex
	buffer      chan *messages.EventMessage
	closed      bool
	done        chan struct{}

	// ring buffer of recent events, lost on restart
	recent      []*messages.EventMessage
	recentIdx   int
	recentCount int
}

// New creates an event bus with the given publish buffer
func New(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	eb := &EventBus{
		subscribers: make(map[string]*Subscriber),
		buffer:      make(chan *messages.EventMessage, bufferSize),
		done:        make(chan struct{}),
		recent:      make([]*messages.EventMessage, historySize),
	}
	go eb.processEvents()
	return eb
}

// Publish queues an event for delivery
func (eb *EventBus) Publish(event *messages.EventMessage) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return ErrClosed
	}
	select {
	case eb.buffer <- event:
		return nil
	default:
		return ErrBufferFull
	}
}

// Subscribe registers a subscriber. Subscribing twice with one id returns
// the existing subscriber.
func (eb *EventBus) Subscribe(subscriberID string, filter func(*messages.EventMessage) bool) *Subscriber {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		return sub
	}
	sub := &Subscriber{
		ID:      subscriberID,
		Channel: make(chan *messages.EventMessage, 100),
		Filter:  filter,
	}
	if eb.closed {
		close(sub.Channel)
		return sub
	}
	eb.subscribers[subscriberID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(subscriberID string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if sub, exists := eb.subscribers[subscriberID]; exists {
		close(sub.Channel)
		delete(eb.subscribers, subscriberID)
	}
}

func (eb *EventBus) processEvents() {
	defer close(eb.done)
	for event := range eb.buffer {
		eb.distribute(event)
	}
}

func (eb *EventBus) distribute(event *messages.EventMessage) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	eb.recent[eb.recentIdx] = event
	eb.recentIdx = (eb.recentIdx + 1) % len(eb.recent)
	if eb.recentCount < len(eb.recent) {
		eb.recentCount++
	}

	for _, sub := range eb.subscribers {
		if sub.Filter != nil && !sub.Filter(event) {
			continue
		}
		select {
		case sub.Channel <- event:
		default:
			// subscriber is full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subscribers)
}

// Recent returns delivered events newest first, optionally filtered by type
// and entity id.
func (eb *EventBus) Recent(limit int, eventType, entityID string) []*messages.EventMessage {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if limit <= 0 || limit > eb.recentCount {
		limit = eb.recentCount
	}
	result := make([]*messages.EventMessage, 0, limit)
	for i := 0; i < eb.recentCount && len(result) < limit; i++ {
		idx := (eb.recentIdx - 1 - i + len(eb.recent)) % len(eb.recent)
		ev := eb.recent[idx]
		if ev == nil {
			continue
		}
		if eventType != "" && ev.Type != eventType {
			continue
		}
		if entityID != "" && ev.EntityID != entityID {
			continue
		}
		result = append(result, ev)
	}
	return result
}

// Close drains queued events and closes every subscriber channel
func (eb *EventBus) Close() {
	eb.mu.Lock()
	if eb.closed {
		eb.mu.Unlock()
		return
	}
	eb.closed = true
	close(eb.buffer)
	eb.mu.Unlock()

	<-eb.done

	eb.mu.Lock()
	defer eb.mu.Unlock()
	for _, sub := range eb.subscribers {
		close(sub.Channel)
	}
	eb.subscribers = make(map[string]*Subscriber)
}
