package domain

import "errors"

var (
	ErrPeerNotFound     = errors.New("callee not found")
	ErrPeerUnreachable  = errors.New("callee unreachable")
	ErrCallInProgress   = errors.New("a call between these parties is already in progress")
	ErrSelfCall         = errors.New("cannot call yourself")
	ErrInvalidMediaKind = errors.New("invalid media kind")
	ErrNotParticipant   = errors.New("identity is not a participant of the call")
	ErrCallNotFound     = errors.New("call not found")

	// Recovered silently: the signal or timer no longer applies.
	ErrDuplicateSignal = errors.New("signal does not apply to the call's current state")
	ErrStaleTimeout    = errors.New("timeout guard no longer holds")

	ErrNegotiationFailure        = errors.New("negotiation failed")
	ErrTransientConnectivityLoss = errors.New("transient connectivity loss")

	ErrNoPushToken       = errors.New("no push token registered")
	ErrPushNotConfigured = errors.New("push provider not configured")

	ErrUnauthorized = errors.New("unauthorized")
	ErrEmptyMessage = errors.New("message content cannot be empty")
)

// FailureReason maps a call initiation error to the reason string sent in call_failed.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrPeerNotFound):
		return "not_found"
	case errors.Is(err, ErrPeerUnreachable):
		return "unreachable"
	case errors.Is(err, ErrCallInProgress):
		return "busy"
	case errors.Is(err, ErrSelfCall), errors.Is(err, ErrInvalidMediaKind):
		return "invalid"
	default:
		return "server_error"
	}
}
