package domain

import "time"

// EventType names a server-to-device message.
type EventType string

const (
	EventLoginSuccess    EventType = "login_success"
	EventLoginError      EventType = "login_error"
	EventForceDisconnect EventType = "force_disconnect"
	EventUserOnline      EventType = "user_online"
	EventUserOffline     EventType = "user_offline"
	EventOnlineUsers     EventType = "online_users"
	EventError           EventType = "error"

	EventCallInitiated EventType = "call_initiated"
	EventIncomingCall  EventType = "incoming_call"
	EventRingViaWake   EventType = "ring_via_wake"
	EventCallAccepted  EventType = "call_accepted"
	EventCallRejected  EventType = "call_rejected"
	EventCallCancelled EventType = "call_cancelled"
	EventCallEnded     EventType = "call_ended"
	EventCallTimeout   EventType = "call_timeout"
	EventCallFailed    EventType = "call_failed"
	EventMissedCall    EventType = "missed_call"

	EventNewMessage     EventType = "new_message"
	EventMessageSent    EventType = "message_sent"
	EventMessageHistory EventType = "message_history"
	EventTyping         EventType = "typing"

	EventCallHistory EventType = "call_history"
)

// Event is one message delivered to a connection.
type Event struct {
	Type EventType
	Data any
}

func NewEvent(t EventType, data any) Event {
	return Event{Type: t, Data: data}
}

// RelayEvent wraps a relayed negotiation payload.
func RelayEvent(kind SignalKind, sig RelayedSignal) Event {
	return Event{Type: EventType(kind), Data: sig}
}

type LoginSuccess struct {
	Identity UserID `json:"identity"`
}

type Notice struct {
	Message string `json:"message"`
}

type PresenceChange struct {
	Identity UserID `json:"identity"`
}

type OnlineUsers struct {
	Identities []UserID `json:"identities"`
}

type CallInitiated struct {
	CallID CallID `json:"callId"`
	To     UserID `json:"to"`
}

type IncomingCall struct {
	CallID    CallID    `json:"callId"`
	From      UserID    `json:"from"`
	MediaKind MediaKind `json:"mediaKind"`
}

type RingViaWake struct {
	CallID CallID `json:"callId"`
	To     UserID `json:"to"`
}

type CallAccepted struct {
	CallID CallID `json:"callId"`
	By     UserID `json:"by"`
}

type CallRejected struct {
	CallID CallID `json:"callId"`
	By     UserID `json:"by"`
}

type CallCancelled struct {
	CallID CallID `json:"callId"`
	From   UserID `json:"from"`
}

type CallEnded struct {
	CallID CallID `json:"callId,omitempty"`
	By     UserID `json:"by"`
	Reason string `json:"reason,omitempty"`
}

type CallTimeout struct {
	CallID CallID `json:"callId"`
	Peer   UserID `json:"peer"`
}

// CallFailed answers an initiation that never produced a call the caller knows of.
type CallFailed struct {
	To      UserID `json:"to"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type MissedCall struct {
	CallID    CallID    `json:"callId"`
	From      UserID    `json:"from"`
	MediaKind MediaKind `json:"mediaKind"`
	At        time.Time `json:"at"`
}

type MessageSent struct {
	MessageID MessageID `json:"messageId"`
	To        UserID    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Delivered bool      `json:"delivered"`
}

type CallHistory struct {
	Calls []CallRecord `json:"calls"`
}

type MessageHistory struct {
	With     UserID    `json:"with"`
	Messages []Message `json:"messages"`
}

type Typing struct {
	From     UserID `json:"from"`
	IsTyping bool   `json:"isTyping"`
}

// Reasons carried in call_ended.
const (
	ReasonHangup           = "hangup"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonCancelled        = "cancelled"
	ReasonRejected         = "rejected"
)
