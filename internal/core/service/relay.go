package service

import (
	"encoding/json"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// SignalingRelay forwards negotiation payloads between present identities.
// It never looks inside the payload.
type SignalingRelay struct {
	presence *PresenceRegistry
}

func NewSignalingRelay(presence *PresenceRegistry) *SignalingRelay {
	return &SignalingRelay{presence: presence}
}

// Relay forwards payload to `to`. An absent recipient makes it a no-op; the
// return value reports whether the payload was handed to a connection.
func (r *SignalingRelay) Relay(from, to domain.UserID, kind domain.SignalKind, payload json.RawMessage) bool {
	sent := r.presence.Send(to, domain.RelayEvent(kind, domain.RelayedSignal{
		From:    from,
		Payload: payload,
	}))
	log.Debug().
		Str("from", from.String()).
		Str("to", to.String()).
		Str("kind", string(kind)).
		Bool("delivered", sent).
		Msg("Relayed signal")
	return sent
}
