// Package testutil provides in-memory doubles for the core ports.
package testutil

import (
	"errors"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

var ErrConnClosed = errors.New("fake connection closed")

// Conn records every event sent to it.
type Conn struct {
	id       domain.ConnectionID
	identity domain.UserID

	mu      sync.Mutex
	events  []domain.Event
	closed  bool
	sendErr error
}

func NewConn(identity domain.UserID) *Conn {
	return &Conn{id: domain.NewConnectionID(), identity: identity}
}

func (c *Conn) ID() domain.ConnectionID { return c.id }

func (c *Conn) Identity() domain.UserID { return c.identity }

func (c *Conn) Send(evt domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FailSends makes every later Send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Events() []domain.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Event(nil), c.events...)
}

// Of returns the events of type t in arrival order.
func (c *Conn) Of(t domain.EventType) []domain.Event {
	var out []domain.Event
	for _, e := range c.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conn) Count(t domain.EventType) int {
	return len(c.Of(t))
}

// Last returns the latest event of type t.
func (c *Conn) Last(t domain.EventType) (domain.Event, bool) {
	evs := c.Of(t)
	if len(evs) == 0 {
		return domain.Event{}, false
	}
	return evs[len(evs)-1], true
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}
