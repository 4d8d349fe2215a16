// Package client is the device side of securecall: a websocket connection to
// the server and a phone that negotiates calls over it.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	loginTimeout = 15 * time.Second
	writeTimeout = 10 * time.Second
	fetchTimeout = 5 * time.Second
)

var ErrClosed = errors.New("connection closed")

// Handler receives one server event.
type Handler func(env protocol.Envelope)

// Conn is a logged-in websocket connection to the server.
type Conn struct {
	identity domain.UserID
	base     *url.URL
	ws       *websocket.Conn
	http     *http.Client

	wmu sync.Mutex

	mu       sync.Mutex
	handlers map[domain.EventType]map[int]Handler
	nextID   int

	done chan struct{}
	once sync.Once
}

// Dial connects to the server at base (http or https URL) and logs in.
func Dial(ctx context.Context, base string, identity domain.UserID, token string) (*Conn, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	wsURL := *u
	switch u.Scheme {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = strings.TrimSuffix(u.Path, "/") + "/ws"

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL.String(), err)
	}
	c := &Conn{
		identity: identity,
		base:     u,
		ws:       ws,
		http:     &http.Client{Timeout: fetchTimeout},
		handlers: make(map[domain.EventType]map[int]Handler),
		done:     make(chan struct{}),
	}
	if err := c.login(token); err != nil {
		ws.Close()
		return nil, err
	}
	return c, nil
}

func (c *Conn) login(token string) error {
	if err := c.send(protocol.CmdLogin, protocol.Login{Identity: c.identity, Token: token}); err != nil {
		return err
	}
	c.ws.SetReadDeadline(time.Now().Add(loginTimeout))
	defer c.ws.SetReadDeadline(time.Time{})
	for {
		env, err := c.read()
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		switch domain.EventType(env.Type) {
		case domain.EventLoginSuccess:
			log.Info().Str("identity", c.identity.String()).Msg("Logged in")
			return nil
		case domain.EventLoginError:
			var n domain.Notice
			env.Bind(&n)
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, n.Message)
		}
	}
}

func (c *Conn) Identity() domain.UserID {
	return c.identity
}

// On registers fn for events of type t and returns its unsubscribe function.
func (c *Conn) On(t domain.EventType, fn Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	if c.handlers[t] == nil {
		c.handlers[t] = make(map[int]Handler)
	}
	c.handlers[t][id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.handlers[t], id)
		c.mu.Unlock()
	}
}

// dispatch runs the handlers of env's type over a copy, so handlers may
// subscribe or unsubscribe while it runs.
func (c *Conn) dispatch(env protocol.Envelope) {
	c.mu.Lock()
	registered := c.handlers[domain.EventType(env.Type)]
	fns := make([]Handler, 0, len(registered))
	for _, fn := range registered {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		log.Debug().Str("event", env.Type).Msg("Unhandled event")
		return
	}
	for _, fn := range fns {
		fn(env)
	}
}

// Run reads events until the connection closes or ctx is done.
func (c *Conn) Run(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-c.done:
		}
	}()
	for {
		env, err := c.read()
		if err != nil {
			c.Close()
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		c.dispatch(env)
	}
}

func (c *Conn) read() (protocol.Envelope, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, err
	}
	return protocol.Decode(frame)
}

func (c *Conn) send(t protocol.CommandType, data any) error {
	frame, err := protocol.EncodeCommand(t, data)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	return nil
}

// Close sends a close frame and closes the socket.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.wmu.Lock()
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) Logout() error {
	return c.send(protocol.CmdLogout, nil)
}

func (c *Conn) RegisterPushToken(token, platform string) error {
	return c.send(protocol.CmdRegisterPushToken, protocol.RegisterPushToken{Token: token, Platform: platform})
}

func (c *Conn) GetOnline() error {
	return c.send(protocol.CmdGetOnline, nil)
}

func (c *Conn) InitiateCall(to domain.UserID, kind domain.MediaKind) error {
	return c.send(protocol.CmdInitiateCall, protocol.InitiateCall{To: to, MediaKind: kind})
}

func (c *Conn) AcceptCall(id domain.CallID) error {
	return c.send(protocol.CmdAcceptCall, protocol.CallControl{CallID: id})
}

func (c *Conn) RejectCall(id domain.CallID) error {
	return c.send(protocol.CmdRejectCall, protocol.CallControl{CallID: id})
}

func (c *Conn) CancelCall(id domain.CallID, to domain.UserID) error {
	return c.send(protocol.CmdCancelCall, protocol.CallControl{CallID: id, To: to})
}

func (c *Conn) EndCall(id domain.CallID, to domain.UserID) error {
	return c.send(protocol.CmdEndCall, protocol.CallControl{CallID: id, To: to})
}

// Signal sends a negotiation payload through the relay.
func (c *Conn) Signal(kind domain.SignalKind, sig protocol.Signal) error {
	if !kind.Valid() {
		return fmt.Errorf("unknown signal kind %q", kind)
	}
	return c.send(protocol.CommandType(kind), sig)
}

func (c *Conn) SendMessage(to domain.UserID, message string) error {
	return c.send(protocol.CmdSendMessage, protocol.SendMessage{To: to, Message: message})
}

func (c *Conn) Typing(to domain.UserID, typing bool) error {
	return c.send(protocol.CmdTyping, protocol.Typing{To: to, IsTyping: typing})
}

func (c *Conn) GetMessages(with domain.UserID, limit int) error {
	return c.send(protocol.CmdGetMessages, protocol.GetMessages{With: with, Limit: limit})
}

func (c *Conn) GetCallHistory(limit int) error {
	return c.send(protocol.CmdGetCallHistory, protocol.GetCallHistory{Limit: limit})
}

type webRTCConfig struct {
	ICEServers []domain.ICEServer `json:"iceServers"`
}

// FetchICEConfig asks the server for the connectivity helpers of this identity.
func (c *Conn) FetchICEConfig(ctx context.Context) ([]domain.ICEServer, error) {
	u := *c.base
	u.Path = strings.TrimSuffix(c.base.Path, "/") + "/webrtc-config"
	u.RawQuery = url.Values{"identity": {c.identity.String()}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ice config: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch ice config: status %d", resp.StatusCode)
	}
	var cfg webRTCConfig
	if err := json.NewDecoder(resp.Body).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode ice config: %w", err)
	}
	return cfg.ICEServers, nil
}
