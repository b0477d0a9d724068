// Package events is the broadcast bus between the transport core and its
// observers. Every event is a coarse, idempotent trigger to reload state:
// payloads carry identifiers only, never incremental deltas, so observers
// behave the same across crashes and concurrent writers.
package events

import (
	"sync"

	"github.com/secure-legion/legion/storage"
)

// Type enumerates the published event kinds.
type Type string

const (
	// MessageReceived fires after a receive-pipeline commit.
	MessageReceived Type = "MESSAGE_RECEIVED"
	// NewPing fires when a ping inbox row enters a renderable state.
	NewPing Type = "NEW_PING"
	// DownloadFailed fires when a contact's scheduler enters BACKOFF from
	// DOWNLOADING.
	DownloadFailed Type = "DOWNLOAD_FAILED"
	// OutboxStatusChanged fires on every outbox status transition.
	OutboxStatusChanged Type = "OUTBOX_STATUS_CHANGED"
	// Typing fires when the downloading indicator for a contact toggles.
	Typing Type = "TYPING"
)

// Event is a broadcast notification. Only the fields relevant to the type are
// set.
type Event struct {
	Type      Type              `json:"type"`
	ContactID storage.ContactID `json:"contact_id,omitempty"`
	MessageID string            `json:"message_id,omitempty"`
	Status    string            `json:"status,omitempty"`
	Active    bool              `json:"active,omitempty"`
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber that
// stops draining loses events, which is acceptable because every event is a
// reload trigger.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	buffer int
}

// NewBus creates a bus with the given per-subscriber buffer.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		buffer: buffer,
	}
}

// Subscribe registers a new observer. The returned cancel function must be
// called when the observer goes away.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan Event, b.buffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers an event to all current subscribers without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
