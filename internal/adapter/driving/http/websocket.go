package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/service"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// session is one authenticated websocket connection.
type session struct {
	h        *Handler
	client   *ws.Client
	identity domain.UserID
	l        zerolog.Logger
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := ws.NewClient(conn, h.opts.Client)
	go client.WritePump()
	defer client.Close()

	l := log.With().Str("conn_id", client.ID().String()).Logger()
	l.Debug().Msg("New connection")

	// Session state outlives the request context, calls included.
	ctx := context.WithoutCancel(r.Context())

	identity, ok := h.login(ctx, client, l)
	if !ok {
		return
	}
	s := &session{
		h:        h,
		client:   client,
		identity: identity,
		l:        l.With().Str("identity", identity.String()).Logger(),
	}

	defer func() {
		if h.Presence.Release(identity, client) {
			h.Calls.HandleDisconnect(identity)
		}
		s.l.Info().Msg("Client disconnected")
	}()

	for {
		frame, err := client.ReadFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.l.Warn().Err(err).Msg("Unexpected close error")
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			s.reply(domain.EventError, domain.Notice{Message: err.Error()})
			continue
		}
		if done := s.dispatch(ctx, env); done {
			return
		}
	}
}

// login expects a login frame within the login timeout.
func (h *Handler) login(ctx context.Context, client *ws.Client, l zerolog.Logger) (domain.UserID, bool) {
	client.ReadWithin(h.opts.LoginTimeout)
	frame, err := client.ReadFrame()
	if err != nil {
		l.Debug().Err(err).Msg("No login frame")
		return "", false
	}

	fail := func(msg string) (domain.UserID, bool) {
		client.Send(domain.NewEvent(domain.EventLoginError, domain.Notice{Message: msg}))
		return "", false
	}

	env, err := protocol.Decode(frame)
	if err != nil {
		return fail(err.Error())
	}
	if protocol.CommandType(env.Type) != protocol.CmdLogin {
		return fail("login required")
	}
	var cmd protocol.Login
	if err := env.Bind(&cmd); err != nil || cmd.Identity == "" {
		return fail("invalid login")
	}
	if err := h.Directory.Authenticate(ctx, cmd.Identity, cmd.Token); err != nil {
		l.Info().Str("identity", cmd.Identity.String()).Err(err).Msg("Login refused")
		if errors.Is(err, domain.ErrUnauthorized) {
			return fail("invalid identity or token")
		}
		return fail("login unavailable")
	}

	client.Bind(cmd.Identity)
	client.ReadWithin(h.opts.Client.PongTimeout)
	h.Presence.Register(cmd.Identity, client)
	client.Send(domain.NewEvent(domain.EventLoginSuccess, domain.LoginSuccess{Identity: cmd.Identity}))
	h.Calls.HandleOnline(cmd.Identity, client)
	l.Info().Str("identity", cmd.Identity.String()).Msg("Client logged in")
	return cmd.Identity, true
}

// dispatch handles one command. It reports whether the session should end.
func (s *session) dispatch(ctx context.Context, env protocol.Envelope) bool {
	h := s.h
	switch protocol.CommandType(env.Type) {
	case protocol.CmdLogout:
		if h.Presence.Release(s.identity, s.client) {
			h.Calls.HandleDisconnect(s.identity)
		}
		s.l.Info().Msg("Logged out")
		return true

	case protocol.CmdRegisterPushToken:
		var cmd protocol.RegisterPushToken
		if !s.bind(env, &cmd) {
			return false
		}
		if err := h.Directory.SetPushToken(ctx, s.identity, cmd.Token, cmd.Platform); err != nil {
			s.fail(err)
			return false
		}
		s.l.Info().Str("platform", cmd.Platform).Msg("Push token registered")

	case protocol.CmdGetOnline:
		online := make([]domain.UserID, 0, h.Presence.Count())
		for _, id := range h.Presence.Online() {
			if id != s.identity {
				online = append(online, id)
			}
		}
		s.reply(domain.EventOnlineUsers, domain.OnlineUsers{Identities: online})

	case protocol.CmdInitiateCall:
		var cmd protocol.InitiateCall
		if !s.bind(env, &cmd) {
			return false
		}
		// The session exists before the next command from this device is
		// read. Only the wake push runs aside so the caller can hang up meanwhile.
		_, wake, err := h.Calls.Place(ctx, s.identity, cmd.To, cmd.MediaKind)
		if err != nil {
			s.l.Debug().Err(err).Str("callee", cmd.To.String()).Msg("Call initiation failed")
			return false
		}
		if wake != nil {
			go func() {
				if err := wake(ctx); err != nil {
					s.l.Debug().Err(err).Str("callee", cmd.To.String()).Msg("Callee not woken")
				}
			}()
		}

	case protocol.CmdAcceptCall:
		s.control(env, h.Calls.Accept)
	case protocol.CmdRejectCall:
		s.control(env, h.Calls.Reject)
	case protocol.CmdCancelCall:
		s.control(env, h.Calls.Cancel)
	case protocol.CmdEndCall:
		var cmd protocol.CallControl
		if !s.bind(env, &cmd) {
			return false
		}
		s.callResult(h.Calls.End(s.identity, cmd.CallID, cmd.To))

	case protocol.CmdGetCallHistory:
		var cmd protocol.GetCallHistory
		if !s.bind(env, &cmd) {
			return false
		}
		recs, err := h.Calls.History(ctx, s.identity, cmd.Limit)
		if err != nil {
			s.fail(err)
			return false
		}
		if recs == nil {
			recs = []domain.CallRecord{}
		}
		s.reply(domain.EventCallHistory, domain.CallHistory{Calls: recs})

	case protocol.CmdOffer, protocol.CmdAnswer, protocol.CmdCandidate:
		var cmd protocol.Signal
		if !s.bind(env, &cmd) {
			return false
		}
		if !h.Calls.Answered(s.identity, cmd.To) {
			s.l.Debug().Str("kind", env.Type).Str("to", cmd.To.String()).Msg("Signal outside an answered call dropped")
			return false
		}
		h.Relay.Relay(s.identity, cmd.To, domain.SignalKind(env.Type), env.Data)

	case protocol.CmdSendMessage:
		var cmd protocol.SendMessage
		if !s.bind(env, &cmd) {
			return false
		}
		msg, err := h.Chat.SendMessage(ctx, s.identity, cmd.To, cmd.Message)
		if err != nil {
			s.fail(err)
			return false
		}
		s.reply(domain.EventMessageSent, domain.MessageSent{
			MessageID: msg.ID,
			To:        msg.To,
			Timestamp: msg.CreatedAt,
			Delivered: msg.Delivered,
		})

	case protocol.CmdTyping:
		var cmd protocol.Typing
		if !s.bind(env, &cmd) {
			return false
		}
		h.Chat.Typing(s.identity, cmd.To, cmd.IsTyping)

	case protocol.CmdGetMessages:
		var cmd protocol.GetMessages
		if !s.bind(env, &cmd) {
			return false
		}
		msgs, err := h.Chat.History(ctx, s.identity, cmd.With, cmd.Limit)
		if err != nil {
			s.fail(err)
			return false
		}
		s.reply(domain.EventMessageHistory, domain.MessageHistory{With: cmd.With, Messages: msgs})

	default:
		s.reply(domain.EventError, domain.Notice{Message: "unknown command " + env.Type})
	}
	return false
}

func (s *session) control(env protocol.Envelope, op func(domain.UserID, domain.CallID) error) {
	var cmd protocol.CallControl
	if !s.bind(env, &cmd) {
		return
	}
	s.callResult(op(s.identity, cmd.CallID))
}

func (s *session) callResult(err error) {
	switch {
	case err == nil:
	case service.IsQuiet(err):
		s.l.Debug().Err(err).Msg("Call control ignored")
	default:
		s.fail(err)
	}
}

func (s *session) bind(env protocol.Envelope, v any) bool {
	if err := env.Bind(v); err != nil {
		s.reply(domain.EventError, domain.Notice{Message: err.Error()})
		return false
	}
	return true
}

func (s *session) fail(err error) {
	s.l.Warn().Err(err).Msg("Command failed")
	s.reply(domain.EventError, domain.Notice{Message: err.Error()})
}

func (s *session) reply(t domain.EventType, data any) {
	if err := s.client.Send(domain.NewEvent(t, data)); err != nil {
		s.l.Debug().Err(err).Str("event", string(t)).Msg("Reply not delivered")
	}
}
