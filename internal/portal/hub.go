package portal

import (
	"sync"

	"github.com/google/uuid"

	"github.com/wifi-captive/wificaptive/internal/wctypes"
)

// EventKind names one of the three SSE event types the portal emits.
type EventKind string

// EventKind values.
const (
	EventList    EventKind = "List"
	EventAdded   EventKind = "Added"
	EventRemoved EventKind = "Removed"
)

// Event is one message pushed to /events subscribers.
type Event struct {
	Kind EventKind
	AP   *wctypes.AccessPoint   // set for Added/Removed
	List []wctypes.AccessPoint // set for List
}

// Hub fans out AP-list change events to any number of SSE subscribers.  It
// is the backend-facing half of EventSource; the supervisor's hotspot
// bundle calls Publish for each scan-cache change the backend's ApChanges
// reports.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]chan Event
}

// NewHub returns an empty *Hub.
func NewHub() *Hub {
	return &Hub{subs: map[uuid.UUID]chan Event{}}
}

// Subscribe registers a new subscriber and returns its event channel and a
// cancel function that unregisters it.  The channel is buffered so a slow
// reader cannot stall Publish; a subscriber that falls behind drops events
// rather than blocking the backend.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	id := uuid.New()
	ch := make(chan Event, 16)

	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}

	return ch, cancel
}

// Publish delivers ev to every current subscriber, non-blockingly.
func (h *Hub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
