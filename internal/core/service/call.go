package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRingTimeout   = 30 * time.Second
	DefaultTerminalGrace = 5 * time.Second
	DefaultPushTimeout   = 5 * time.Second
)

type CallConfig struct {
	// RingTimeout (T1) applies when the callee was present.
	RingTimeout time.Duration
	// WakeTimeout (T2) applies when the callee had to be woken. Zero means 2×RingTimeout.
	WakeTimeout time.Duration
	// TerminalGrace is how long a finished session stays visible so late
	// duplicate signals are recognized instead of misrouted.
	TerminalGrace time.Duration
	// PushTimeout bounds every call into the push coordinator.
	PushTimeout time.Duration
}

func (c CallConfig) withDefaults() CallConfig {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.WakeTimeout <= 0 {
		c.WakeTimeout = 2 * c.RingTimeout
	}
	if c.TerminalGrace < 0 {
		c.TerminalGrace = 0
	}
	if c.PushTimeout <= 0 {
		c.PushTimeout = DefaultPushTimeout
	}
	return c
}

// CallRegistry drives every call session through its lifecycle.
//
// All state transitions happen under mu. Work that waits on I/O (directory
// lookups, push delivery) runs without the lock and re-validates the session
// once it has the lock again.
type CallRegistry struct {
	mu sync.Mutex

	store     port.CallStore
	presence  *PresenceRegistry
	directory port.Directory
	push      port.PushWakeCoordinator
	callLog   port.CallLog
	scheduler port.Scheduler
	cfg       CallConfig

	wg sync.WaitGroup
}

func NewCallRegistry(
	store port.CallStore,
	presence *PresenceRegistry,
	directory port.Directory,
	push port.PushWakeCoordinator,
	callLog port.CallLog,
	scheduler port.Scheduler,
	cfg CallConfig,
) *CallRegistry {
	return &CallRegistry{
		store:     store,
		presence:  presence,
		directory: directory,
		push:      push,
		callLog:   callLog,
		scheduler: scheduler,
		cfg:       cfg.withDefaults(),
	}
}

// Wake finishes placing a call whose callee is offline: it sends the wake
// push and moves the session on according to the outcome.
type Wake func(ctx context.Context) error

// Initiate places a call from caller to callee and, when the callee is
// offline, waits for the wake push. Outcomes also reach the caller as events.
func (r *CallRegistry) Initiate(ctx context.Context, caller, callee domain.UserID, kind domain.MediaKind) (domain.CallID, error) {
	id, wake, err := r.Place(ctx, caller, callee, kind)
	if err != nil || wake == nil {
		return id, err
	}
	if err := wake(ctx); err != nil {
		return "", err
	}
	return id, nil
}

// Place registers a call from caller to callee. A present callee is ringing
// when Place returns. For an offline callee Place returns a non-nil Wake that
// the caller of Place must run; the session stays in calling until it does.
//
// The callId reaches the caller in call_initiated only once the call reaches
// the callee, by ringing or by a delivered wake push. Failures are reported
// with call_failed.
func (r *CallRegistry) Place(ctx context.Context, caller, callee domain.UserID, kind domain.MediaKind) (domain.CallID, Wake, error) {
	l := log.With().Str("caller", caller.String()).Str("callee", callee.String()).Logger()

	if caller == callee {
		r.fail(caller, callee, domain.ErrSelfCall)
		return "", nil, domain.ErrSelfCall
	}
	if !kind.Valid() {
		r.fail(caller, callee, domain.ErrInvalidMediaKind)
		return "", nil, domain.ErrInvalidMediaKind
	}

	if !r.presence.IsOnline(callee) {
		exists, err := r.directory.Exists(ctx, callee)
		if err != nil {
			l.Error().Err(err).Msg("Directory lookup failed")
			r.fail(caller, callee, err)
			return "", nil, fmt.Errorf("lookup callee: %w", err)
		}
		if !exists {
			l.Info().Msg("Callee not found")
			r.fail(caller, callee, domain.ErrPeerNotFound)
			return "", nil, domain.ErrPeerNotFound
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	session, err := r.create(caller, callee, kind)
	if err != nil {
		l.Info().Err(err).Msg("Call rejected at initiation")
		r.fail(caller, callee, err)
		return "", nil, err
	}
	id := session.ID

	// The callee may have come online while the directory was consulted.
	if conn, ok := r.presence.Lookup(callee); ok {
		r.ring(session, conn)
		l.Info().Str("call_id", id.String()).Str("media", string(kind)).Msg("Call ringing")
		return id, nil, nil
	}
	return id, func(ctx context.Context) error {
		return r.wake(ctx, id, caller, callee, kind)
	}, nil
}

func (r *CallRegistry) wake(ctx context.Context, id domain.CallID, caller, callee domain.UserID, kind domain.MediaKind) error {
	l := log.With().Str("call_id", id.String()).Str("callee", callee.String()).Logger()
	l.Info().Msg("Callee offline, sending wake push")

	pushCtx, cancel := context.WithTimeout(ctx, r.cfg.PushTimeout)
	pushErr := r.push.WakeForIncomingCall(pushCtx, callee, caller, id, kind)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.store.Get(id)
	if !ok || current.Status != domain.StatusCalling {
		// Resolved while the push was in flight: hung up, or the callee
		// reconnected and is already ringing.
		l.Debug().Msg("Session moved on during wake push")
		return nil
	}
	if conn, ok := r.presence.Lookup(callee); ok {
		r.ring(current, conn)
		return nil
	}
	if pushErr != nil {
		// The caller never learned this callId, so the session simply goes away.
		l.Warn().Err(pushErr).Msg("Wake push failed, callee unreachable")
		r.store.Remove(id)
		r.fail(caller, callee, domain.ErrPeerUnreachable)
		return fmt.Errorf("%w: %w", domain.ErrPeerUnreachable, pushErr)
	}

	if err := current.Transition(domain.StatusPushSent, r.scheduler.Now()); err != nil {
		return err
	}
	current.SetTimeout(r.schedule(id, domain.StatusPushSent, r.cfg.WakeTimeout))
	r.announce(current)
	r.presence.Send(caller, domain.NewEvent(domain.EventRingViaWake, domain.RingViaWake{CallID: id, To: callee}))
	l.Info().Dur("timeout", r.cfg.WakeTimeout).Msg("Call ringing via wake")
	return nil
}

// create registers a new session. Caller holds mu.
func (r *CallRegistry) create(caller, callee domain.UserID, kind domain.MediaKind) (*domain.CallSession, error) {
	if _, busy := r.store.ActiveForPair(domain.NewPair(caller, callee)); busy {
		return nil, domain.ErrCallInProgress
	}
	session, err := domain.NewCallSession(caller, callee, kind, r.scheduler.Now())
	if err != nil {
		return nil, err
	}
	r.store.Put(session)
	return session, nil
}

// announce sends the caller its callId, once. Caller holds mu.
func (r *CallRegistry) announce(s *domain.CallSession) {
	if s.Announced {
		return
	}
	s.Announced = true
	r.presence.Send(s.Caller, domain.NewEvent(domain.EventCallInitiated, domain.CallInitiated{
		CallID: s.ID,
		To:     s.Callee,
	}))
}

// ring moves a calling session to ringing on the callee's connection. Caller holds mu.
func (r *CallRegistry) ring(s *domain.CallSession, calleeConn port.Connection) {
	if err := s.Transition(domain.StatusRinging, r.scheduler.Now()); err != nil {
		return
	}
	r.announce(s)
	if err := calleeConn.Send(domain.NewEvent(domain.EventIncomingCall, domain.IncomingCall{
		CallID:    s.ID,
		From:      s.Caller,
		MediaKind: s.Kind,
	})); err != nil {
		// The callee's read loop will observe the broken connection and run
		// the disconnect path, which resolves this session.
		log.Warn().Err(err).Str("call_id", s.ID.String()).Msg("Incoming call not delivered")
	}
	s.SetTimeout(r.schedule(s.ID, domain.StatusRinging, r.cfg.RingTimeout))
}

func (r *CallRegistry) schedule(id domain.CallID, guard domain.CallStatus, d time.Duration) domain.Task {
	return r.scheduler.Schedule(d, func() {
		if err := r.onTimeout(id, guard); err != nil {
			log.Debug().Err(err).Str("call_id", id.String()).Str("guard", string(guard)).Msg("Timeout ignored")
		}
	})
}

// onTimeout acts only if the session still has the status the timer guarded.
func (r *CallRegistry) onTimeout(id domain.CallID, guard domain.CallStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.store.Get(id)
	if !ok || s.Status != guard {
		return domain.ErrStaleTimeout
	}
	if err := s.Transition(domain.StatusMissed, r.scheduler.Now()); err != nil {
		return err
	}
	log.Info().
		Str("call_id", id.String()).
		Str("caller", s.Caller.String()).
		Str("callee", s.Callee.String()).
		Msg("Call timed out unanswered")

	r.presence.Send(s.Caller, domain.NewEvent(domain.EventCallTimeout, domain.CallTimeout{CallID: id, Peer: s.Callee}))
	r.presence.Send(s.Callee, domain.NewEvent(domain.EventCallTimeout, domain.CallTimeout{CallID: id, Peer: s.Caller}))
	r.notifyMissed(s)
	r.finish(s)
	return nil
}

// Accept answers a ringing call on behalf of its callee.
func (r *CallRegistry) Accept(callee domain.UserID, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.pending(callee, id, func(s *domain.CallSession) bool { return s.Callee == callee })
	if err != nil {
		return err
	}
	if s.Status != domain.StatusRinging && s.Status != domain.StatusPushSent {
		return fmt.Errorf("%w: accept in %s", domain.ErrDuplicateSignal, s.Status)
	}
	if err := s.Transition(domain.StatusAnswered, r.scheduler.Now()); err != nil {
		return err
	}
	r.presence.Send(s.Caller, domain.NewEvent(domain.EventCallAccepted, domain.CallAccepted{CallID: id, By: callee}))
	log.Info().
		Str("call_id", id.String()).
		Dur("ring_time", s.AnsweredAt.Sub(s.CreatedAt)).
		Msg("Call answered")
	return nil
}

// Reject declines a ringing call on behalf of its callee.
func (r *CallRegistry) Reject(callee domain.UserID, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.pending(callee, id, func(s *domain.CallSession) bool { return s.Callee == callee })
	if err != nil {
		return err
	}
	if s.Status != domain.StatusRinging && s.Status != domain.StatusPushSent {
		return fmt.Errorf("%w: reject in %s", domain.ErrDuplicateSignal, s.Status)
	}
	if err := s.Transition(domain.StatusRejected, r.scheduler.Now()); err != nil {
		return err
	}
	r.presence.Send(s.Caller, domain.NewEvent(domain.EventCallRejected, domain.CallRejected{CallID: id, By: callee}))
	log.Info().Str("call_id", id.String()).Msg("Call rejected")
	r.finish(s)
	return nil
}

// Cancel aborts an unanswered call on behalf of its caller.
func (r *CallRegistry) Cancel(caller domain.UserID, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.pending(caller, id, func(s *domain.CallSession) bool { return s.Caller == caller })
	if err != nil {
		return err
	}
	if !s.Status.Unanswered() {
		return fmt.Errorf("%w: cancel in %s", domain.ErrDuplicateSignal, s.Status)
	}
	if err := s.Transition(domain.StatusCancelled, r.scheduler.Now()); err != nil {
		return err
	}
	r.notifyCancelled(s, domain.NewEvent(domain.EventCallCancelled, domain.CallCancelled{CallID: id, From: caller}))
	log.Info().Str("call_id", id.String()).Msg("Call cancelled")
	r.finish(s)
	return nil
}

// End terminates a call on behalf of one participant and tells the other one only.
// Without a callId the pair's active session is used. When no session is
// found the explicit peer identity `to` receives call_ended carrying the
// given callId, so a device can tell it apart from a call it is still in.
func (r *CallRegistry) End(by domain.UserID, id domain.CallID, to domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		s  *domain.CallSession
		ok bool
	)
	switch {
	case id != "":
		s, ok = r.store.Get(id)
	case to != "":
		s, ok = r.store.ActiveForPair(domain.NewPair(by, to))
	}
	if !ok {
		if to == "" || to == by {
			return domain.ErrCallNotFound
		}
		r.presence.Send(to, domain.NewEvent(domain.EventCallEnded, domain.CallEnded{
			CallID: id,
			By:     by,
			Reason: domain.ReasonHangup,
		}))
		log.Debug().Str("by", by.String()).Str("to", to.String()).Msg("Call end relayed without session")
		return nil
	}
	if !s.Involves(by) {
		return domain.ErrNotParticipant
	}
	if s.Status.Terminal() {
		return fmt.Errorf("%w: end in %s", domain.ErrDuplicateSignal, s.Status)
	}
	r.terminate(s, by, domain.ReasonHangup)
	return nil
}

// HandleOnline runs after id registered conn: pending calls for id ring there.
func (r *CallRegistry) HandleOnline(id domain.UserID, conn port.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.nonTerminalOf(id) {
		if s.Callee != id {
			continue
		}
		switch s.Status {
		case domain.StatusCalling:
			r.ring(s, conn)
		case domain.StatusRinging, domain.StatusPushSent:
			// Same session, new device connection: ring again, timer unchanged.
			if err := conn.Send(domain.NewEvent(domain.EventIncomingCall, domain.IncomingCall{
				CallID:    s.ID,
				From:      s.Caller,
				MediaKind: s.Kind,
			})); err != nil {
				log.Warn().Err(err).Str("call_id", s.ID.String()).Msg("Incoming call not delivered after wake")
			}
		}
		log.Info().Str("call_id", s.ID.String()).Str("callee", id.String()).Msg("Woken callee reached")
	}
}

// HandleDisconnect resolves every open session of an identity whose connection went away.
func (r *CallRegistry) HandleDisconnect(id domain.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range r.nonTerminalOf(id) {
		r.terminate(s, id, domain.ReasonPeerDisconnected)
	}
}

// terminate ends a non-terminal session on behalf of by. Caller holds mu.
func (r *CallRegistry) terminate(s *domain.CallSession, by domain.UserID, reason string) {
	now := r.scheduler.Now()
	peer, _ := s.Peer(by)
	ended := domain.NewEvent(domain.EventCallEnded, domain.CallEnded{CallID: s.ID, By: by, Reason: reason})

	switch {
	case s.Status == domain.StatusAnswered:
		if err := s.Transition(domain.StatusEnded, now); err != nil {
			return
		}
		r.presence.Send(peer, ended)
		rec := s.Record()
		log.Info().Str("call_id", s.ID.String()).Dur("duration", rec.Duration()).Str("reason", reason).Msg("Call ended")

	case by == s.Caller:
		if err := s.Transition(domain.StatusCancelled, now); err != nil {
			return
		}
		if reason == domain.ReasonPeerDisconnected {
			ended = domain.NewEvent(domain.EventCallCancelled, domain.CallCancelled{CallID: s.ID, From: by})
		}
		r.notifyCancelled(s, ended)
		log.Info().Str("call_id", s.ID.String()).Str("reason", reason).Msg("Call cancelled by caller")

	case reason == domain.ReasonPeerDisconnected:
		if err := s.Transition(domain.StatusMissed, now); err != nil {
			return
		}
		r.presence.Send(peer, ended)
		r.notifyMissed(s)
		log.Info().Str("call_id", s.ID.String()).Msg("Callee left while ringing")

	default:
		if err := s.Transition(domain.StatusRejected, now); err != nil {
			return
		}
		ended.Data = domain.CallEnded{CallID: s.ID, By: by, Reason: domain.ReasonRejected}
		r.presence.Send(peer, ended)
		log.Info().Str("call_id", s.ID.String()).Msg("Call declined by callee hang-up")
	}
	r.finish(s)
}

// notifyCancelled tells the callee the call is gone: directly when present,
// otherwise through a missed-call notification. Caller holds mu.
func (r *CallRegistry) notifyCancelled(s *domain.CallSession, evt domain.Event) {
	if r.presence.Send(s.Callee, evt) {
		id, callee, caller := s.ID, s.Callee, s.Caller
		r.async(func(ctx context.Context) {
			if err := r.push.WakeForCancellation(ctx, callee, caller, id); err != nil {
				log.Debug().Err(err).Str("call_id", id.String()).Msg("Cancellation push not delivered")
			}
		})
		return
	}
	r.notifyMissed(s)
}

// notifyMissed tells the callee about the call it missed. Caller holds mu.
func (r *CallRegistry) notifyMissed(s *domain.CallSession) {
	evt := domain.NewEvent(domain.EventMissedCall, domain.MissedCall{
		CallID:    s.ID,
		From:      s.Caller,
		MediaKind: s.Kind,
		At:        s.EndedAt,
	})
	if r.presence.Send(s.Callee, evt) {
		return
	}
	id, callee, caller, kind := s.ID, s.Callee, s.Caller, s.Kind
	r.async(func(ctx context.Context) {
		if err := r.push.WakeForMissedCall(ctx, callee, caller, id, kind); err != nil {
			log.Debug().Err(err).Str("call_id", id.String()).Msg("Missed-call push not delivered")
		}
	})
}

// finish records a terminal session and drops it after the grace delay. Caller holds mu.
func (r *CallRegistry) finish(s *domain.CallSession) {
	rec := s.Record()
	r.async(func(ctx context.Context) {
		if err := r.callLog.Record(ctx, rec); err != nil {
			log.Error().Err(err).Str("call_id", rec.CallID.String()).Msg("Failed to record call")
		}
	})

	if r.cfg.TerminalGrace == 0 {
		r.store.Remove(s.ID)
		return
	}
	r.scheduler.Schedule(r.cfg.TerminalGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.store.Get(s.ID); ok && cur == s {
			r.store.Remove(s.ID)
		}
	})
}

// pending resolves a call-control target. Caller holds mu.
func (r *CallRegistry) pending(by domain.UserID, id domain.CallID, allowed func(*domain.CallSession) bool) (*domain.CallSession, error) {
	if id == "" {
		return nil, domain.ErrCallNotFound
	}
	s, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if !allowed(s) {
		log.Warn().Str("call_id", id.String()).Str("identity", by.String()).Msg("Call control from wrong participant")
		return nil, domain.ErrNotParticipant
	}
	return s, nil
}

// nonTerminalOf collects before mutating so iteration never sees its own edits. Caller holds mu.
func (r *CallRegistry) nonTerminalOf(id domain.UserID) []*domain.CallSession {
	var sessions []*domain.CallSession
	r.store.ForEachNonTerminal(func(s *domain.CallSession) bool {
		if s.Involves(id) {
			sessions = append(sessions, s)
		}
		return true
	})
	return sessions
}

func (r *CallRegistry) fail(caller, callee domain.UserID, err error) {
	r.presence.Send(caller, domain.NewEvent(domain.EventCallFailed, domain.CallFailed{
		To:      callee,
		Reason:  domain.FailureReason(err),
		Message: err.Error(),
	}))
}

func (r *CallRegistry) async(fn func(ctx context.Context)) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PushTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// History returns the latest finished calls involving id, newest first.
func (r *CallRegistry) History(ctx context.Context, id domain.UserID, limit int) ([]domain.CallRecord, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	recs, err := r.callLog.Recent(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("call history for %s: %w", id, err)
	}
	return recs, nil
}

func (r *CallRegistry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.CountNonTerminal()
}

// Shutdown cancels every pending timer and waits for background notifications.
// In-flight calls are lost; they are never persisted.
func (r *CallRegistry) Shutdown() {
	r.mu.Lock()
	r.store.ForEachNonTerminal(func(s *domain.CallSession) bool {
		s.CancelTimeout()
		return true
	})
	r.mu.Unlock()
	r.wg.Wait()
}

// IsQuiet reports whether err is an expected idempotency outcome that callers should not surface.
func IsQuiet(err error) bool {
	return errors.Is(err, domain.ErrDuplicateSignal) ||
		errors.Is(err, domain.ErrCallNotFound) ||
		errors.Is(err, domain.ErrStaleTimeout)
}

// Answered reports whether a and b share an answered session, the only state
// in which negotiation payloads may flow between them.
func (r *CallRegistry) Answered(a, b domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.store.ActiveForPair(domain.NewPair(a, b))
	return ok && s.Status == domain.StatusAnswered
}
