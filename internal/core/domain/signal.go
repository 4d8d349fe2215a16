package domain

import "encoding/json"

// SignalKind is the kind of negotiation payload carried by the relay.
type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	switch k {
	case SignalOffer, SignalAnswer, SignalCandidate:
		return true
	}
	return false
}

// RelayedSignal is what the receiving side of the relay sees. Payload is opaque.
type RelayedSignal struct {
	From    UserID          `json:"from"`
	Payload json.RawMessage `json:"payload"`
}
