package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Wyydra/securecall/internal/client/negotiation"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy   = errors.New("already in a call")
	ErrNoCall = errors.New("no call")
)

// Transport is what the phone needs from the server connection.
type Transport interface {
	Identity() domain.UserID
	On(t domain.EventType, fn Handler) func()
	InitiateCall(to domain.UserID, kind domain.MediaKind) error
	AcceptCall(id domain.CallID) error
	RejectCall(id domain.CallID) error
	CancelCall(id domain.CallID, to domain.UserID) error
	EndCall(id domain.CallID, to domain.UserID) error
	FetchICEConfig(ctx context.Context) ([]domain.ICEServer, error)
}

type PhoneOptions struct {
	// AutoAnswer accepts every incoming call.
	AutoAnswer bool
	// OnIncoming is told about calls waiting for Answer or Reject.
	OnIncoming func(domain.IncomingCall)
	// OnEnded is told when the current call is over.
	OnEnded func(id domain.CallID, reason string)
}

// activeCall is the phone's view of the current call. ID is empty until the
// server assigns it.
type activeCall struct {
	id       domain.CallID
	peer     domain.UserID
	role     negotiation.Role
	kind     domain.MediaKind
	answered bool
}

// Phone glues server events to a negotiation engine.
type Phone struct {
	conn   Transport
	engine *negotiation.Engine
	opts   PhoneOptions

	mu   sync.Mutex
	call *activeCall

	unsubscribe []func()
}

func NewPhone(conn Transport, engine *negotiation.Engine, opts PhoneOptions) *Phone {
	p := &Phone{conn: conn, engine: engine, opts: opts}
	p.unsubscribe = []func(){
		conn.On(domain.EventCallInitiated, p.onCallInitiated),
		conn.On(domain.EventRingViaWake, p.onRingViaWake),
		conn.On(domain.EventIncomingCall, p.onIncomingCall),
		conn.On(domain.EventCallAccepted, p.onCallAccepted),
		conn.On(domain.EventType(domain.SignalOffer), p.onSignal),
		conn.On(domain.EventType(domain.SignalAnswer), p.onSignal),
		conn.On(domain.EventType(domain.SignalCandidate), p.onSignal),
		conn.On(domain.EventCallRejected, p.onTerminal),
		conn.On(domain.EventCallCancelled, p.onTerminal),
		conn.On(domain.EventCallEnded, p.onTerminal),
		conn.On(domain.EventCallTimeout, p.onTerminal),
		conn.On(domain.EventCallFailed, p.onTerminal),
		conn.On(domain.EventMissedCall, p.onMissedCall),
		engine.Subscribe(p.onEngineEvent),
	}
	return p
}

// Close detaches the phone from the connection and the engine.
func (p *Phone) Close() {
	for _, fn := range p.unsubscribe {
		fn()
	}
	p.engine.Hangup("closed")
}

// Current returns the id and peer of the call in progress.
func (p *Phone) Current() (domain.CallID, domain.UserID, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.call == nil {
		return "", "", false
	}
	return p.call.id, p.call.peer, true
}

// Call asks the server to ring `to`. Media is prepared once the call id
// arrives; the offer waits for the callee's acceptance.
func (p *Phone) Call(to domain.UserID, kind domain.MediaKind) error {
	p.mu.Lock()
	if p.call != nil {
		p.mu.Unlock()
		return ErrBusy
	}
	p.call = &activeCall{peer: to, role: negotiation.Initiator, kind: kind}
	p.mu.Unlock()

	if err := p.conn.InitiateCall(to, kind); err != nil {
		p.clear(nil)
		return err
	}
	return nil
}

// Answer accepts the incoming call.
func (p *Phone) Answer() error {
	p.mu.Lock()
	c := p.call
	if c == nil || c.role != negotiation.Responder {
		p.mu.Unlock()
		return ErrNoCall
	}
	c.answered = true
	p.mu.Unlock()
	return p.conn.AcceptCall(c.id)
}

// Reject declines the incoming call.
func (p *Phone) Reject() error {
	c := p.clear(func(c *activeCall) bool { return c.role == negotiation.Responder })
	if c == nil {
		return ErrNoCall
	}
	p.engine.Hangup("rejected")
	return p.conn.RejectCall(c.id)
}

// Hangup ends the current call: a cancel while the callee has not answered,
// an end otherwise.
func (p *Phone) Hangup() error {
	c := p.clear(nil)
	if c == nil {
		return ErrNoCall
	}
	p.engine.Hangup("hangup")
	if c.id == "" {
		// The server has not assigned an id yet. It resolves the pair.
		return p.conn.EndCall("", c.peer)
	}
	if c.role == negotiation.Initiator && !c.answered {
		return p.conn.CancelCall(c.id, c.peer)
	}
	return p.conn.EndCall(c.id, c.peer)
}

// clear drops the current call when match accepts it and returns it.
func (p *Phone) clear(match func(*activeCall) bool) *activeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.call
	if c == nil || (match != nil && !match(c)) {
		return nil
	}
	p.call = nil
	return c
}

func (p *Phone) start(c activeCall) {
	ctx, cancel := context.WithTimeout(context.Background(), negotiation.DefaultCeiling)
	defer cancel()

	servers, err := p.conn.FetchICEConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("No ICE configuration, using host candidates only")
	}
	call := negotiation.Call{ID: c.id, Peer: c.peer, Role: c.role, MediaKind: c.kind}
	if err := p.engine.Start(ctx, call, servers); err != nil {
		log.Warn().Err(err).Str("call_id", c.id.String()).Msg("Could not prepare call")
	}
}

func (p *Phone) onCallInitiated(env protocol.Envelope) {
	var evt domain.CallInitiated
	if env.Bind(&evt) != nil {
		return
	}
	p.mu.Lock()
	c := p.call
	if c == nil || c.role != negotiation.Initiator || c.peer != evt.To || c.id != "" {
		p.mu.Unlock()
		return
	}
	c.id = evt.CallID
	snapshot := *c
	p.mu.Unlock()

	log.Info().Str("call_id", evt.CallID.String()).Str("to", evt.To.String()).Msg("Ringing")
	p.start(snapshot)
}

func (p *Phone) onRingViaWake(env protocol.Envelope) {
	var evt domain.RingViaWake
	if env.Bind(&evt) != nil {
		return
	}
	log.Info().Str("call_id", evt.CallID.String()).Str("to", evt.To.String()).Msg("Callee offline, woken by push")
}

func (p *Phone) onIncomingCall(env protocol.Envelope) {
	var evt domain.IncomingCall
	if env.Bind(&evt) != nil {
		return
	}
	p.mu.Lock()
	if c := p.call; c != nil {
		p.mu.Unlock()
		if c.id != evt.CallID {
			log.Info().Str("from", evt.From.String()).Msg("Busy, rejecting incoming call")
			p.conn.RejectCall(evt.CallID)
		}
		return
	}
	c := &activeCall{id: evt.CallID, peer: evt.From, role: negotiation.Responder, kind: evt.MediaKind}
	p.call = c
	snapshot := *c
	p.mu.Unlock()

	log.Info().Str("call_id", evt.CallID.String()).Str("from", evt.From.String()).Str("kind", string(evt.MediaKind)).Msg("Incoming call")
	// The connection is built before acceptance so an early offer finds it.
	p.start(snapshot)

	if p.opts.AutoAnswer {
		if err := p.Answer(); err != nil {
			log.Warn().Err(err).Msg("Auto answer failed")
		}
		return
	}
	if p.opts.OnIncoming != nil {
		p.opts.OnIncoming(evt)
	}
}

func (p *Phone) onCallAccepted(env protocol.Envelope) {
	var evt domain.CallAccepted
	if env.Bind(&evt) != nil {
		return
	}
	p.mu.Lock()
	c := p.call
	ok := c != nil && c.id == evt.CallID && c.role == negotiation.Initiator
	if ok {
		c.answered = true
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	log.Info().Str("call_id", evt.CallID.String()).Str("by", evt.By.String()).Msg("Call accepted")
	if err := p.engine.Accepted(); err != nil {
		log.Debug().Err(err).Msg("Acceptance not applied")
	}
}

func (p *Phone) onSignal(env protocol.Envelope) {
	var relayed domain.RelayedSignal
	if env.Bind(&relayed) != nil {
		return
	}
	var sig protocol.Signal
	if err := (protocol.Envelope{Type: env.Type, Data: relayed.Payload}).Bind(&sig); err != nil {
		log.Debug().Err(err).Msg("Malformed signal")
		return
	}
	p.mu.Lock()
	c := p.call
	ok := c != nil && c.peer == relayed.From && (sig.CallID == "" || sig.CallID == c.id)
	p.mu.Unlock()
	if !ok {
		log.Debug().Str("from", relayed.From.String()).Str("kind", env.Type).Msg("Signal for no current call")
		return
	}

	var err error
	switch domain.SignalKind(env.Type) {
	case domain.SignalOffer:
		err = p.engine.HandleOffer(relayed.From, sig)
	case domain.SignalAnswer:
		err = p.engine.HandleAnswer(relayed.From, sig)
	case domain.SignalCandidate:
		err = p.engine.HandleCandidate(relayed.From, sig)
	}
	if err != nil {
		log.Debug().Err(err).Str("kind", env.Type).Msg("Signal not applied")
	}
}

// callRef is the part every terminal event carries.
type callRef struct {
	CallID domain.CallID `json:"callId"`
	By     domain.UserID `json:"by"`
	From   domain.UserID `json:"from"`
	To     domain.UserID `json:"to"`
	Peer   domain.UserID `json:"peer"`
	Reason string        `json:"reason"`
}

func (r callRef) party() domain.UserID {
	for _, id := range []domain.UserID{r.By, r.From, r.To, r.Peer} {
		if id != "" {
			return id
		}
	}
	return ""
}

func (p *Phone) onTerminal(env protocol.Envelope) {
	var ref callRef
	if env.Bind(&ref) != nil {
		return
	}
	c := p.clear(func(c *activeCall) bool {
		if ref.CallID != "" && c.id != "" {
			return ref.CallID == c.id
		}
		return ref.party() == c.peer
	})
	if c == nil {
		return
	}
	reason := env.Type
	if ref.Reason != "" {
		reason = fmt.Sprintf("%s: %s", env.Type, ref.Reason)
	}
	p.engine.Hangup(reason)
	log.Info().Str("call_id", c.id.String()).Str("reason", reason).Msg("Call over")
	if p.opts.OnEnded != nil {
		p.opts.OnEnded(c.id, reason)
	}
}

func (p *Phone) onMissedCall(env protocol.Envelope) {
	var evt domain.MissedCall
	if env.Bind(&evt) != nil {
		return
	}
	log.Info().Str("call_id", evt.CallID.String()).Str("from", evt.From.String()).Msg("Missed call")
}

func (p *Phone) onEngineEvent(evt negotiation.Event) {
	switch evt.Kind {
	case negotiation.EventConnected:
		log.Info().Str("call_id", evt.Call.ID.String()).Msg("Media connected")
	case negotiation.EventFailed:
		c := p.clear(func(c *activeCall) bool { return c.id == evt.Call.ID })
		if c == nil {
			return
		}
		log.Warn().Err(evt.Err).Str("call_id", c.id.String()).Msg("Call failed, hanging up")
		if err := p.conn.EndCall(c.id, c.peer); err != nil {
			log.Debug().Err(err).Msg("End not sent")
		}
		if p.opts.OnEnded != nil {
			p.opts.OnEnded(c.id, "negotiation_failed")
		}
	}
}
