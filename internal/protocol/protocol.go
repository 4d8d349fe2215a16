// Package protocol defines the JSON frames exchanged over the device websocket.
//
// Every frame is an envelope {"type": ..., "data": {...}}. Server events use
// the domain event types; device commands use the Cmd* types below.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/Wyydra/securecall/internal/core/domain"
)

type CommandType string

const (
	CmdLogin             CommandType = "login"
	CmdLogout            CommandType = "logout"
	CmdRegisterPushToken CommandType = "register_push_token"
	CmdGetOnline         CommandType = "get_online"

	CmdInitiateCall CommandType = "initiate_call"
	CmdAcceptCall   CommandType = "accept_call"
	CmdRejectCall   CommandType = "reject_call"
	CmdCancelCall   CommandType = "cancel_call"
	CmdEndCall      CommandType = "end_call"

	CmdGetCallHistory CommandType = "get_call_history"

	CmdOffer     CommandType = "offer"
	CmdAnswer    CommandType = "answer"
	CmdCandidate CommandType = "candidate"

	CmdSendMessage CommandType = "send_message"
	CmdTyping      CommandType = "typing"
	CmdGetMessages CommandType = "get_messages"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode renders a server event as a frame.
func Encode(evt domain.Event) ([]byte, error) {
	return marshal(string(evt.Type), evt.Data)
}

// EncodeCommand renders a device command as a frame.
func EncodeCommand(t CommandType, data any) ([]byte, error) {
	return marshal(string(t), data)
}

func marshal(t string, data any) ([]byte, error) {
	env := Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing type")
	}
	return env, nil
}

// Bind decodes the envelope data into v. Missing data leaves v untouched.
func (e Envelope) Bind(v any) error {
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.Type, err)
	}
	return nil
}

type Login struct {
	Identity domain.UserID `json:"identity"`
	Token    string        `json:"token"`
}

type RegisterPushToken struct {
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

type InitiateCall struct {
	To        domain.UserID    `json:"to"`
	MediaKind domain.MediaKind `json:"mediaKind"`
}

// CallControl carries accept, reject, cancel and end commands.
type CallControl struct {
	CallID domain.CallID `json:"callId"`
	// To names the peer. end_call uses it when the session is already gone.
	To domain.UserID `json:"to,omitempty"`
}

// Signal is a negotiation payload. The server reads To and forwards the
// whole object untouched.
type Signal struct {
	To        domain.UserID   `json:"to"`
	CallID    domain.CallID   `json:"callId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Restart   bool            `json:"restart,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type SendMessage struct {
	To      domain.UserID `json:"to"`
	Message string        `json:"message"`
}

type Typing struct {
	To       domain.UserID `json:"to"`
	IsTyping bool          `json:"isTyping"`
}

type GetCallHistory struct {
	Limit int `json:"limit,omitempty"`
}

type GetMessages struct {
	With  domain.UserID `json:"with"`
	Limit int           `json:"limit,omitempty"`
}
