// Package events delivers transport status changes to in-process observers
// and to streaming subscribers such as the SSE endpoint.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/internetarchive/dweb-transports-sub000/internal/logging"
	"github.com/internetarchive/dweb-transports-sub000/internal/metrics"
	"github.com/internetarchive/dweb-transports-sub000/internal/transport"
)

// Event is one status transition of one transport.
type Event struct {
	Transport string           `json:"transport"`
	Status    transport.Status `json:"status"`
	Timestamp int64            `json:"timestamp"`
}

// Observer is called synchronously for every event.
type Observer func(Event)

// Broadcaster fans status events out to observers and subscribers.
type Broadcaster struct {
	mu          sync.RWMutex
	observers   []Observer
	subscribers map[chan Event]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
	}
}

// OnStatusChanged registers an observer. Observers run on the goroutine that
// changed the status, in registration order.
func (b *Broadcaster) OnStatusChanged(o Observer) {
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

// Notify has the transport.Notifier signature so it can be installed on
// every registered transport.
func (b *Broadcaster) Notify(name string, status transport.Status) {
	b.Publish(Event{Transport: name, Status: status})
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish runs every observer, then offers the event to each subscriber.
// Subscribers that are not keeping up miss the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	b.mu.RLock()
	observers := make([]Observer, len(b.observers))
	copy(observers, b.observers)
	b.mu.RUnlock()

	for _, o := range observers {
		b.deliver(o, event)
	}

	b.mu.RLock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	b.mu.RUnlock()

	metrics.RecordStatusEvent(event.Status.String())
}

// deliver isolates a panicking observer from the rest.
func (b *Broadcaster) deliver(o Observer, event Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("status observer panicked",
				logging.Transport(event.Transport),
				zap.Stringer("status", event.Status),
				zap.Any("panic", r),
			)
		}
	}()
	o(event)
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
