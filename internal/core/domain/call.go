package domain

import (
	"fmt"
	"time"
)

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaAudio || k == MediaVideo
}

type CallStatus string

const (
	StatusCalling  CallStatus = "calling"
	StatusPushSent CallStatus = "push_sent" // calling, callee woken out of band
	StatusRinging  CallStatus = "ringing"
	StatusAnswered CallStatus = "answered"

	StatusEnded     CallStatus = "ended"
	StatusRejected  CallStatus = "rejected"
	StatusCancelled CallStatus = "cancelled"
	StatusMissed    CallStatus = "missed"
)

var transitions = map[CallStatus][]CallStatus{
	StatusCalling:  {StatusRinging, StatusPushSent, StatusCancelled},
	StatusRinging:  {StatusAnswered, StatusRejected, StatusCancelled, StatusMissed},
	StatusPushSent: {StatusAnswered, StatusRejected, StatusCancelled, StatusMissed},
	StatusAnswered: {StatusEnded},
}

func (s CallStatus) Terminal() bool {
	switch s {
	case StatusEnded, StatusRejected, StatusCancelled, StatusMissed:
		return true
	}
	return false
}

// Unanswered reports whether the call is still waiting for the callee.
func (s CallStatus) Unanswered() bool {
	return s == StatusCalling || s == StatusRinging || s == StatusPushSent
}

func (s CallStatus) CanTransition(to CallStatus) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Task is a scheduled, cancellable unit of work.
type Task interface {
	// Cancel stops the task. It returns false if the task already ran or was cancelled.
	Cancel() bool
}

// Pair is an unordered pair of identities.
type Pair struct {
	A, B UserID
}

func NewPair(x, y UserID) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// CallSession is the server-side record of one call attempt.
// It is not safe for concurrent use; the call registry serializes access.
type CallSession struct {
	ID         CallID
	Caller     UserID
	Callee     UserID
	Kind       MediaKind
	Status     CallStatus
	CreatedAt  time.Time
	AnsweredAt time.Time
	EndedAt    time.Time
	// Announced is set once the caller has been sent the callId.
	Announced bool

	pendingTimeout Task
}

func NewCallSession(caller, callee UserID, kind MediaKind, now time.Time) (*CallSession, error) {
	if caller == callee {
		return nil, ErrSelfCall
	}
	if callee == "" {
		return nil, ErrPeerNotFound
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMediaKind, kind)
	}
	return &CallSession{
		ID:        NewCallID(),
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		Status:    StatusCalling,
		CreatedAt: now,
	}, nil
}

// Transition moves the session forward. Any pending timeout is cancelled first.
func (c *CallSession) Transition(to CallStatus, at time.Time) error {
	if !c.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrDuplicateSignal, c.Status, to)
	}
	c.CancelTimeout()
	c.Status = to
	switch {
	case to == StatusAnswered:
		c.AnsweredAt = at
	case to.Terminal():
		c.EndedAt = at
	}
	return nil
}

// SetTimeout stores the task guarding the current status, replacing (and cancelling) any previous one.
func (c *CallSession) SetTimeout(t Task) {
	c.CancelTimeout()
	c.pendingTimeout = t
}

func (c *CallSession) CancelTimeout() {
	if c.pendingTimeout != nil {
		c.pendingTimeout.Cancel()
		c.pendingTimeout = nil
	}
}

func (c *CallSession) Involves(id UserID) bool {
	return c.Caller == id || c.Callee == id
}

// Peer returns the other participant.
func (c *CallSession) Peer(of UserID) (UserID, bool) {
	switch of {
	case c.Caller:
		return c.Callee, true
	case c.Callee:
		return c.Caller, true
	}
	return "", false
}

func (c *CallSession) Pair() Pair {
	return NewPair(c.Caller, c.Callee)
}

func (c *CallSession) Record() CallRecord {
	return CallRecord{
		CallID:     c.ID,
		Caller:     c.Caller,
		Callee:     c.Callee,
		Kind:       c.Kind,
		Status:     c.Status,
		CreatedAt:  c.CreatedAt,
		AnsweredAt: c.AnsweredAt,
		EndedAt:    c.EndedAt,
	}
}

// CallRecord is the call-log view of a finished session.
type CallRecord struct {
	CallID     CallID     `json:"callId"`
	Caller     UserID     `json:"caller"`
	Callee     UserID     `json:"callee"`
	Kind       MediaKind  `json:"mediaKind"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt"`
	AnsweredAt time.Time  `json:"answeredAt,omitzero"`
	EndedAt    time.Time  `json:"endedAt,omitzero"`
}

func (r CallRecord) Duration() time.Duration {
	if r.AnsweredAt.IsZero() || r.EndedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.AnsweredAt)
}
