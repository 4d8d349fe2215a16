package port

import "github.com/Wyydra/securecall/internal/core/domain"

// Connection is one live device connection of an authenticated identity.
type Connection interface {
	ID() domain.ConnectionID
	Identity() domain.UserID
	// Send queues evt for delivery. It must not block on network I/O.
	Send(evt domain.Event) error
	Close() error
}
