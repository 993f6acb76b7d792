package events

import (
	"log/slog"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// Hub broadcasts events to live subscribers such as WebSocket clients. A
// subscriber that does not keep up loses events instead of slowing the hub.
type Hub struct {
	mu      sync.Mutex
	clients map[string]chan models.Event
	size    int
}

// NewHub creates a Hub whose subscribers buffer size events each.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 64
	}
	return &Hub{clients: make(map[string]chan models.Event), size: size}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel.
func (h *Hub) Subscribe() (id string, ch <-chan models.Event, cancel func()) {
	id = uuid.NewString()
	c := make(chan models.Event, h.size)
	h.mu.Lock()
	h.clients[id] = c
	h.mu.Unlock()

	var once sync.Once
	return id, c, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.clients, id)
			h.mu.Unlock()
			close(c)
		})
	}
}

// Len returns the number of subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Handle broadcasts e.
func (h *Hub) Handle(e models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c <- e:
		default:
			slog.Debug("Hub.Handle: subscriber lagging, event dropped", "client", id, "type", e.Type)
		}
	}
}
