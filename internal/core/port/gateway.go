package port

import "github.com/Wyydra/securecall/internal/core/domain"

// PresenceStore holds at most one connection per identity.
type PresenceStore interface {
	Get(id domain.UserID) (Connection, bool)
	// Put stores conn and returns the connection it replaced, if any.
	Put(id domain.UserID, conn Connection) (Connection, bool)
	Remove(id domain.UserID) (Connection, bool)
	// RemoveIf removes the entry only while it still holds conn.
	RemoveIf(id domain.UserID, conn Connection) bool
	Identities() []domain.UserID
	Len() int
}

// Broadcaster fans an event out to every connection except one identity.
type Broadcaster interface {
	Broadcast(evt domain.Event, except domain.UserID)
}
