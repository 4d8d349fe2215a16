package domain

import "time"

// PresenceEntry describes the single live connection of an identity.
type PresenceEntry struct {
	Identity      UserID
	ConnectionID  ConnectionID
	EstablishedAt time.Time
}
