// Package events fans detection outcomes out to observers: the SSE and
// WebSocket dashboard streams subscribe in-process, and an optional
// Pub/Sub exporter forwards every event for durable off-box delivery.
// Events use the CloudEvents 1.0 envelope; payloads carry only hashed
// signatures, never raw IP or UA.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types emitted by the gateway.
const (
	TypeDetectionCompleted = "stylobot.detection.completed"
	TypeBotBlocked         = "stylobot.detection.blocked"
	TypeBotChallenged      = "stylobot.detection.challenged"
	TypeClientValidation   = "stylobot.learning.client_validation"
	TypeReputationChanged  = "stylobot.reputation.changed"
	TypeAdminBlock         = "stylobot.admin.block"
	TypeAdminUnblock       = "stylobot.admin.unblock"
)

// Emitter publishes CloudEvents. Both the in-memory Bus and the
// Pub/Sub-backed bus satisfy it.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent fills the envelope. Subject is the hashed primary
// signature for detection events, empty otherwise.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as one Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is the in-process pub/sub fan-out. Delivery is best-effort: a
// subscriber that cannot keep up loses events rather than slowing the
// request path.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// every event when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			b.subscribers[et] = append(b.subscribers[et], ch)
		}
	}
	return ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		filtered := make([]chan *CloudEvent, 0, len(subs))
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		b.subscribers[et] = filtered
	}
	filtered := make([]chan *CloudEvent, 0, len(b.allSubs))
	for _, s := range b.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	b.allSubs = filtered
	close(ch)
}

// Publish delivers to all matching subscribers, dropping on full
// channels.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit builds and publishes an event.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
