package ws

import (
	"sort"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const broadcastBuffer = 256

type broadcast struct {
	evt    domain.Event
	except domain.UserID
}

// Hub is the presence store of live connections, keyed by identity, and
// fans presence changes out from its own goroutine.
// implements port.PresenceStore and port.Broadcaster
type Hub struct {
	mu        sync.RWMutex
	clients   map[domain.UserID]port.Connection
	broadcast chan broadcast
	quit      chan struct{}
	stopOnce  sync.Once
}

func NewHub() *Hub {
	return &Hub{
		clients:   make(map[domain.UserID]port.Connection),
		broadcast: make(chan broadcast, broadcastBuffer),
		quit:      make(chan struct{}),
	}
}

func (h *Hub) Get(id domain.UserID) (port.Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	return c, ok
}

func (h *Hub) Put(id domain.UserID, conn port.Connection) (port.Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.clients[id]
	h.clients[id] = conn
	return prev, ok
}

func (h *Hub) Remove(id domain.UserID) (port.Connection, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	return c, ok
}

func (h *Hub) RemoveIf(id domain.UserID, conn port.Connection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[id]; ok && c == conn {
		delete(h.clients, id)
		return true
	}
	return false
}

func (h *Hub) Identities() []domain.UserID {
	h.mu.RLock()
	ids := make([]domain.UserID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues evt for every connection but except's. It never blocks.
func (h *Hub) Broadcast(evt domain.Event, except domain.UserID) {
	select {
	case h.broadcast <- broadcast{evt: evt, except: except}:
	default:
		log.Warn().Str("event", string(evt.Type)).Msg("Broadcast channel full, dropping event")
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			h.mu.Lock()
			for id, client := range h.clients {
				client.Close()
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case b := <-h.broadcast:
			for _, client := range h.snapshot(b.except) {
				if err := client.Send(b.evt); err != nil {
					log.Debug().Err(err).Str("identity", client.Identity().String()).Msg("Error broadcasting event")
				}
			}
		}
	}
}

func (h *Hub) snapshot(except domain.UserID) []port.Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]port.Connection, 0, len(h.clients))
	for id, c := range h.clients {
		if id != except {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.quit) })
}
