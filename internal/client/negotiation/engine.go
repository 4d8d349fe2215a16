// Package negotiation drives session-description and candidate exchange for
// one call at a time on a device.
package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultCeiling     = 60 * time.Second
	DefaultMaxRestarts = 3
)

var (
	ErrBusy       = errors.New("a call is already being negotiated")
	ErrNoCall     = errors.New("no call is being negotiated")
	ErrWrongRole  = errors.New("operation does not apply to this role")
	ErrWrongPeer  = errors.New("signal from an identity that is not the peer")
	ErrCallClosed = errors.New("call was closed")
)

type Role string

const (
	Initiator Role = "initiator"
	Responder Role = "responder"
)

// ConnectivityState is the transport state reported by a Connection.
type ConnectivityState int

const (
	Checking ConnectivityState = iota
	Connected
	Disconnected
	Failed
	Closed
)

func (s ConnectivityState) String() string {
	switch s {
	case Checking:
		return "checking"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SDPType tells an offer from an answer.
type SDPType string

const (
	SDPOffer  SDPType = "offer"
	SDPAnswer SDPType = "answer"
)

// Connection is the peer connection object of one call.
type Connection interface {
	// CreateOffer creates an offer, sets it as local description and returns it.
	CreateOffer(restart bool) (string, error)
	// CreateAnswer creates an answer, sets it as local description and returns it.
	CreateAnswer() (string, error)
	SetRemoteDescription(t SDPType, sdp string) error
	AddCandidate(candidate json.RawMessage) error
	// HasLocalOffer reports whether an offer was sent and no answer applied yet.
	HasLocalOffer() bool
	Close() error
}

// Handlers receive the asynchronous callbacks of a Connection.
type Handlers struct {
	Candidate func(candidate json.RawMessage)
	State     func(state ConnectivityState)
}

// Dialer constructs the connection object for a call.
type Dialer interface {
	Dial(servers []domain.ICEServer, media MediaSource, h Handlers) (Connection, error)
}

// MediaSource is the local media of one call.
type MediaSource interface {
	Close() error
}

// AcquireFunc acquires local media for a call.
type AcquireFunc func(ctx context.Context, kind domain.MediaKind) (MediaSource, error)

// Signaler sends negotiation payloads to the peer through the relay.
type Signaler interface {
	Signal(kind domain.SignalKind, sig protocol.Signal) error
}

// Call identifies the call being negotiated.
type Call struct {
	ID        domain.CallID
	Peer      domain.UserID
	Role      Role
	MediaKind domain.MediaKind
}

type EventKind string

const (
	EventConnected EventKind = "connected"
	EventFailed    EventKind = "failed"
	EventClosed    EventKind = "closed"
)

// Event is emitted to listeners.
type Event struct {
	Kind EventKind
	Call Call
	Err  error
}

type Listener func(Event)

type Options struct {
	Clock       clock.Clock
	Ceiling     time.Duration
	MaxRestarts int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Ceiling <= 0 {
		o.Ceiling = DefaultCeiling
	}
	if o.MaxRestarts <= 0 {
		o.MaxRestarts = DefaultMaxRestarts
	}
	return o
}

// State is a snapshot of the negotiation of the current call.
type State struct {
	Call                 Call
	LocalDescriptionSet  bool
	RemoteDescriptionSet bool
	PendingCandidates    int
	ReconnectAttempts    int
	Connected            bool
}

// negotiation is the per-call state. It lives from Start to cleanup.
type negotiation struct {
	call  Call
	l     zerolog.Logger
	media MediaSource
	conn  Connection
	ready bool

	accepted  bool
	offer     *protocol.Signal
	localSet  bool
	remoteSet bool
	pending   []json.RawMessage
	restarts  int
	connected bool
	ceiling   *clock.Timer
}

// Engine negotiates one call at a time. Listeners survive across calls.
type Engine struct {
	dialer   Dialer
	acquire  AcquireFunc
	signaler Signaler
	opts     Options

	mu  sync.Mutex
	cur *negotiation

	lmu       sync.Mutex
	listeners map[int]Listener
	nextID    int
}

func NewEngine(dialer Dialer, acquire AcquireFunc, signaler Signaler, opts Options) *Engine {
	return &Engine{
		dialer:    dialer,
		acquire:   acquire,
		signaler:  signaler,
		opts:      opts.withDefaults(),
		listeners: make(map[int]Listener),
	}
}

// Subscribe registers fn and returns its unsubscribe function.
func (e *Engine) Subscribe(fn Listener) func() {
	e.lmu.Lock()
	id := e.nextID
	e.nextID++
	e.listeners[id] = fn
	e.lmu.Unlock()
	return func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

func (e *Engine) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	e.lmu.Lock()
	fns := make([]Listener, 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.lmu.Unlock()
	for _, evt := range events {
		for _, fn := range fns {
			fn(evt)
		}
	}
}

// Snapshot returns the negotiation state of the current call.
func (e *Engine) Snapshot() (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.cur
	if n == nil {
		return State{}, false
	}
	return State{
		Call:                 n.call,
		LocalDescriptionSet:  n.localSet,
		RemoteDescriptionSet: n.remoteSet,
		PendingCandidates:    len(n.pending),
		ReconnectAttempts:    n.restarts,
		Connected:            n.connected,
	}, true
}

// Start acquires local media and constructs the connection object. The
// responder may already receive the offer while Start is running; it is held
// and applied once the connection exists.
func (e *Engine) Start(ctx context.Context, call Call, servers []domain.ICEServer) error {
	e.mu.Lock()
	if e.cur != nil {
		e.mu.Unlock()
		return ErrBusy
	}
	n := &negotiation{
		call: call,
		l: log.With().
			Str("call_id", call.ID.String()).
			Str("peer", call.Peer.String()).
			Str("role", string(call.Role)).
			Logger(),
	}
	e.cur = n
	n.ceiling = e.opts.Clock.AfterFunc(e.opts.Ceiling, func() { e.onCeiling(n) })
	e.mu.Unlock()

	media, err := e.acquire(ctx, call.MediaKind)
	if err != nil {
		e.abort(n, fmt.Errorf("%w: acquire media: %v", domain.ErrNegotiationFailure, err))
		return err
	}
	conn, err := e.dialer.Dial(servers, media, Handlers{
		Candidate: func(c json.RawMessage) { e.onLocalCandidate(n, c) },
		State:     func(s ConnectivityState) { e.onState(n, s) },
	})
	if err != nil {
		media.Close()
		e.abort(n, fmt.Errorf("%w: create connection: %v", domain.ErrNegotiationFailure, err))
		return err
	}

	e.mu.Lock()
	if e.cur != n {
		// Hung up while preparing.
		e.mu.Unlock()
		conn.Close()
		media.Close()
		return ErrCallClosed
	}
	n.media = media
	n.conn = conn
	n.ready = true
	n.l.Debug().Msg("Connection ready")

	err = nil
	switch {
	case call.Role == Initiator && n.accepted:
		err = e.offer(n, false)
	case call.Role == Responder && n.offer != nil:
		offer := *n.offer
		n.offer = nil
		err = e.applyOffer(n, offer)
	}
	e.mu.Unlock()

	if err != nil {
		e.abort(n, err)
	}
	return err
}

// Accepted tells the initiator that the callee accepted. Only now is the
// offer created.
func (e *Engine) Accepted() error {
	e.mu.Lock()
	n := e.cur
	if n == nil {
		e.mu.Unlock()
		return ErrNoCall
	}
	if n.call.Role != Initiator {
		e.mu.Unlock()
		return ErrWrongRole
	}
	if n.accepted {
		e.mu.Unlock()
		return nil
	}
	n.accepted = true
	var err error
	if n.ready {
		err = e.offer(n, false)
	}
	e.mu.Unlock()

	if err != nil {
		e.abort(n, err)
	}
	return err
}

// HandleOffer applies the peer's offer once. Later offers are only taken when
// they restart connectivity.
func (e *Engine) HandleOffer(from domain.UserID, sig protocol.Signal) error {
	e.mu.Lock()
	n, err := e.current(from)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if n.call.Role != Responder {
		e.mu.Unlock()
		n.l.Debug().Msg("Offer ignored by initiator")
		return ErrWrongRole
	}
	switch {
	case !n.ready:
		if n.offer != nil {
			e.mu.Unlock()
			return domain.ErrDuplicateSignal
		}
		n.offer = &sig
		e.mu.Unlock()
		n.l.Debug().Msg("Offer held until connection is ready")
		return nil
	case n.remoteSet && !sig.Restart:
		e.mu.Unlock()
		n.l.Debug().Msg("Duplicate offer ignored")
		return domain.ErrDuplicateSignal
	}
	err = e.applyOffer(n, sig)
	e.mu.Unlock()

	if err != nil {
		e.abort(n, err)
	}
	return err
}

// HandleAnswer applies the peer's answer while an offer is outstanding.
func (e *Engine) HandleAnswer(from domain.UserID, sig protocol.Signal) error {
	e.mu.Lock()
	n, err := e.current(from)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if n.call.Role != Initiator {
		e.mu.Unlock()
		return ErrWrongRole
	}
	if !n.ready || !n.conn.HasLocalOffer() {
		e.mu.Unlock()
		n.l.Debug().Msg("Answer without outstanding offer ignored")
		return domain.ErrDuplicateSignal
	}
	if err := n.conn.SetRemoteDescription(SDPAnswer, sig.SDP); err != nil {
		e.mu.Unlock()
		err = fmt.Errorf("%w: apply answer: %v", domain.ErrNegotiationFailure, err)
		e.abort(n, err)
		return err
	}
	n.remoteSet = true
	n.l.Debug().Msg("Answer applied")
	e.flush(n)
	e.mu.Unlock()
	return nil
}

// HandleCandidate applies a remote candidate, or queues it in arrival order
// until the remote description is set.
func (e *Engine) HandleCandidate(from domain.UserID, sig protocol.Signal) error {
	if len(sig.Candidate) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n, err := e.current(from)
	if err != nil {
		return err
	}
	if !n.remoteSet {
		n.pending = append(n.pending, sig.Candidate)
		return nil
	}
	if err := n.conn.AddCandidate(sig.Candidate); err != nil {
		n.l.Warn().Err(err).Msg("Failed to add remote candidate")
	}
	return nil
}

// Hangup releases the media and the connection of the current call. It is
// safe to call any number of times and from any goroutine. Listeners stay
// registered.
func (e *Engine) Hangup(reason string) {
	e.mu.Lock()
	n := e.cur
	e.mu.Unlock()
	if n == nil {
		return
	}
	if e.cleanup(n) {
		n.l.Info().Str("reason", reason).Msg("Call closed")
		e.emit([]Event{{Kind: EventClosed, Call: n.call}})
	}
}

// current returns the negotiation a signal from `from` applies to.
// Callers hold e.mu.
func (e *Engine) current(from domain.UserID) (*negotiation, error) {
	n := e.cur
	if n == nil {
		return nil, ErrNoCall
	}
	if from != n.call.Peer {
		return nil, ErrWrongPeer
	}
	return n, nil
}

// offer creates and sends an offer. Callers hold e.mu.
func (e *Engine) offer(n *negotiation, restart bool) error {
	sdp, err := n.conn.CreateOffer(restart)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailure, err)
	}
	n.localSet = true
	if err := e.signaler.Signal(domain.SignalOffer, protocol.Signal{
		To:      n.call.Peer,
		CallID:  n.call.ID,
		SDP:     sdp,
		Restart: restart,
	}); err != nil {
		return fmt.Errorf("%w: send offer: %v", domain.ErrNegotiationFailure, err)
	}
	n.l.Debug().Bool("restart", restart).Msg("Offer sent")
	return nil
}

// applyOffer sets the offer as remote description and answers it. Callers
// hold e.mu.
func (e *Engine) applyOffer(n *negotiation, sig protocol.Signal) error {
	if err := n.conn.SetRemoteDescription(SDPOffer, sig.SDP); err != nil {
		return fmt.Errorf("%w: apply offer: %v", domain.ErrNegotiationFailure, err)
	}
	n.remoteSet = true
	e.flush(n)

	sdp, err := n.conn.CreateAnswer()
	if err != nil {
		return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailure, err)
	}
	n.localSet = true
	if err := e.signaler.Signal(domain.SignalAnswer, protocol.Signal{
		To:     n.call.Peer,
		CallID: n.call.ID,
		SDP:    sdp,
	}); err != nil {
		return fmt.Errorf("%w: send answer: %v", domain.ErrNegotiationFailure, err)
	}
	n.l.Debug().Bool("restart", sig.Restart).Msg("Answer sent")
	return nil
}

// flush drains queued candidates in arrival order. Callers hold e.mu.
func (e *Engine) flush(n *negotiation) {
	if len(n.pending) == 0 {
		return
	}
	queued := n.pending
	n.pending = nil
	for _, c := range queued {
		if err := n.conn.AddCandidate(c); err != nil {
			n.l.Warn().Err(err).Msg("Failed to add queued candidate")
		}
	}
	n.l.Debug().Int("count", len(queued)).Msg("Flushed queued candidates")
}

func (e *Engine) onLocalCandidate(n *negotiation, c json.RawMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur != n {
		return
	}
	if err := e.signaler.Signal(domain.SignalCandidate, protocol.Signal{
		To:        n.call.Peer,
		CallID:    n.call.ID,
		Candidate: c,
	}); err != nil {
		n.l.Debug().Err(err).Msg("Candidate not sent")
	}
}

func (e *Engine) onState(n *negotiation, s ConnectivityState) {
	e.mu.Lock()
	if e.cur != n {
		e.mu.Unlock()
		return
	}
	n.l.Debug().Str("state", s.String()).Msg("Connectivity changed")

	switch s {
	case Connected:
		n.restarts = 0
		first := !n.connected
		n.connected = true
		if n.ceiling != nil {
			n.ceiling.Stop()
			n.ceiling = nil
		}
		e.mu.Unlock()
		if first {
			n.l.Info().Msg("Media path established")
			e.emit([]Event{{Kind: EventConnected, Call: n.call}})
		}
		return

	case Disconnected:
		// The initiator drives restarts; the responder answers them.
		if n.call.Role != Initiator || !n.localSet || n.conn.HasLocalOffer() {
			e.mu.Unlock()
			return
		}
		if n.restarts >= e.opts.MaxRestarts {
			attempts := n.restarts
			e.mu.Unlock()
			e.abort(n, fmt.Errorf("%w: %d restarts exhausted", domain.ErrTransientConnectivityLoss, attempts))
			return
		}
		n.restarts++
		n.l.Info().Int("attempt", n.restarts).Msg("Restarting connectivity")
		err := e.offer(n, true)
		e.mu.Unlock()
		if err != nil {
			e.abort(n, err)
		}
		return

	case Failed:
		e.mu.Unlock()
		e.abort(n, fmt.Errorf("%w: connectivity failed", domain.ErrNegotiationFailure))
		return
	}
	e.mu.Unlock()
}

func (e *Engine) onCeiling(n *negotiation) {
	e.mu.Lock()
	stale := e.cur != n || n.connected
	e.mu.Unlock()
	if stale {
		return
	}
	e.abort(n, fmt.Errorf("%w: no media path within %s", domain.ErrNegotiationFailure, e.opts.Ceiling))
}

// abort reports a failure of n and cleans it up.
func (e *Engine) abort(n *negotiation, err error) {
	if !e.cleanup(n) {
		return
	}
	n.l.Warn().Err(err).Msg("Negotiation failed")
	e.emit([]Event{{Kind: EventFailed, Call: n.call, Err: err}})
}

// cleanup detaches n and releases its resources exactly once. The connection
// is closed outside the lock since its callbacks take it.
func (e *Engine) cleanup(n *negotiation) bool {
	e.mu.Lock()
	if e.cur != n {
		e.mu.Unlock()
		return false
	}
	e.cur = nil
	if n.ceiling != nil {
		n.ceiling.Stop()
		n.ceiling = nil
	}
	conn, media := n.conn, n.media
	n.conn, n.media = nil, nil
	n.pending = nil
	n.offer = nil
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			n.l.Debug().Err(err).Msg("Closing connection")
		}
	}
	if media != nil {
		if err := media.Close(); err != nil {
			n.l.Debug().Err(err).Msg("Releasing media")
		}
	}
	return true
}
