// Package events implements the outbound log-event channel consumed by the
// UI layer. The gateway and health monitor publish; subscribers only read.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Event types.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeSystem   = "system"
	TypeError    = "error"
)

// Event is a single log event emitted by the managed-mode core.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a bounded publish-subscribe channel for log events. Publishing never
// blocks; events are dropped for subscribers that fall behind.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber and returns its channel along with a
// cancel function that closes the channel and removes the registration.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, 256)
	b.subs[id] = ch
	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

// Publish emits an event to all subscribers and mirrors it to logrus.
func (b *Bus) Publish(level, eventType, message string, data map[string]any) {
	ev := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Level:     level,
		Type:      eventType,
		Message:   message,
		Data:      data,
	}

	entry := log.WithFields(log.Fields{"event_type": eventType, "event_id": ev.ID})
	for k, v := range data {
		entry = entry.WithField(k, v)
	}
	switch level {
	case "error":
		entry.Error(message)
	case "warn":
		entry.Warn(message)
	case "debug":
		entry.Debug(message)
	default:
		entry.Info(message)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber lagging; the core retains no history.
		}
	}
}

// Info publishes a system event at info level.
func (b *Bus) Info(message string, data map[string]any) {
	b.Publish("info", TypeSystem, message, data)
}

// Warn publishes a system event at warn level.
func (b *Bus) Warn(message string, data map[string]any) {
	b.Publish("warn", TypeSystem, message, data)
}

// Error publishes an error event.
func (b *Bus) Error(message string, data map[string]any) {
	b.Publish("error", TypeError, message, data)
}
