package domain

type WakeIntent string

const (
	WakeIncomingCall WakeIntent = "incoming_call"
	WakeMissedCall   WakeIntent = "missed_call"
	WakeCancellation WakeIntent = "call_cancelled"
	WakeMessage      WakeIntent = "new_message"
)

// WakeRequest is an out-of-band notification addressed to one identity.
type WakeRequest struct {
	Intent WakeIntent
	To     UserID
	From   UserID
	CallID CallID
	Kind   MediaKind
	Body   string
}
