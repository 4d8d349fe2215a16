package testutil

import (
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type Broadcast struct {
	Event  domain.Event
	Except domain.UserID
}

// Broadcaster records broadcasts instead of fanning them out.
type Broadcaster struct {
	mu   sync.Mutex
	sent []Broadcast
}

func (b *Broadcaster) Broadcast(evt domain.Event, except domain.UserID) {
	b.mu.Lock()
	b.sent = append(b.sent, Broadcast{Event: evt, Except: except})
	b.mu.Unlock()
}

func (b *Broadcaster) Sent() []Broadcast {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Broadcast(nil), b.sent...)
}
