package service

import (
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

// PresenceRegistry tracks the single live connection of every identity.
// A new login for an identity evicts the connection it replaces.
type PresenceRegistry struct {
	store       port.PresenceStore
	broadcaster port.Broadcaster
}

func NewPresenceRegistry(store port.PresenceStore, broadcaster port.Broadcaster) *PresenceRegistry {
	return &PresenceRegistry{
		store:       store,
		broadcaster: broadcaster,
	}
}

// Register makes conn the live connection of id, closing any previous one.
func (p *PresenceRegistry) Register(id domain.UserID, conn port.Connection) {
	prev, replaced := p.store.Put(id, conn)
	if replaced && prev != conn {
		log.Info().
			Str("identity", id.String()).
			Str("old_conn", prev.ID().String()).
			Str("new_conn", conn.ID().String()).
			Msg("Evicting previous connection")
		if err := prev.Send(domain.NewEvent(domain.EventForceDisconnect, domain.Notice{
			Message: "signed in from another device",
		})); err != nil {
			log.Debug().Err(err).Str("identity", id.String()).Msg("Force-disconnect notice not delivered")
		}
		if err := prev.Close(); err != nil {
			log.Debug().Err(err).Str("identity", id.String()).Msg("Error closing evicted connection")
		}
	}

	p.broadcaster.Broadcast(domain.NewEvent(domain.EventUserOnline, domain.PresenceChange{Identity: id}), id)
	log.Info().Str("identity", id.String()).Int("online", p.store.Len()).Msg("Identity online")
}

// Unregister removes id whatever connection it holds. Absent ids are a no-op.
func (p *PresenceRegistry) Unregister(id domain.UserID) {
	if _, ok := p.store.Remove(id); ok {
		p.wentOffline(id)
	}
}

// Release unregisters id only while conn is still its registered connection.
// It reports whether the entry was removed; false means conn had already been replaced.
func (p *PresenceRegistry) Release(id domain.UserID, conn port.Connection) bool {
	if !p.store.RemoveIf(id, conn) {
		return false
	}
	p.wentOffline(id)
	return true
}

func (p *PresenceRegistry) wentOffline(id domain.UserID) {
	p.broadcaster.Broadcast(domain.NewEvent(domain.EventUserOffline, domain.PresenceChange{Identity: id}), id)
	log.Info().Str("identity", id.String()).Int("online", p.store.Len()).Msg("Identity offline")
}

func (p *PresenceRegistry) Lookup(id domain.UserID) (port.Connection, bool) {
	return p.store.Get(id)
}

func (p *PresenceRegistry) IsOnline(id domain.UserID) bool {
	_, ok := p.store.Get(id)
	return ok
}

func (p *PresenceRegistry) Online() []domain.UserID {
	return p.store.Identities()
}

func (p *PresenceRegistry) Count() int {
	return p.store.Len()
}

// Send delivers evt to id if present. It reports whether the event was queued.
func (p *PresenceRegistry) Send(id domain.UserID, evt domain.Event) bool {
	conn, ok := p.store.Get(id)
	if !ok {
		return false
	}
	if err := conn.Send(evt); err != nil {
		log.Warn().Err(err).
			Str("identity", id.String()).
			Str("event", string(evt.Type)).
			Msg("Failed to send event")
		return false
	}
	return true
}
