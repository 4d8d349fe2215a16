package testutil

import (
	"context"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
)

// Push is a PushWakeCoordinator that records wake requests.
type Push struct {
	mu       sync.Mutex
	requests []domain.WakeRequest
	errs     map[domain.WakeIntent]error
	// Gate, when set, is received from before an incoming-call wake returns.
	Gate chan struct{}
}

func NewPush() *Push {
	return &Push{errs: make(map[domain.WakeIntent]error)}
}

// Fail makes wakes of the given intent return err.
func (p *Push) Fail(intent domain.WakeIntent, err error) {
	p.mu.Lock()
	p.errs[intent] = err
	p.mu.Unlock()
}

func (p *Push) record(req domain.WakeRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return p.errs[req.Intent]
}

func (p *Push) WakeForIncomingCall(ctx context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error {
	err := p.record(domain.WakeRequest{Intent: domain.WakeIncomingCall, To: to, From: caller, CallID: callID, Kind: kind})
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (p *Push) WakeForMissedCall(_ context.Context, to, caller domain.UserID, callID domain.CallID, kind domain.MediaKind) error {
	return p.record(domain.WakeRequest{Intent: domain.WakeMissedCall, To: to, From: caller, CallID: callID, Kind: kind})
}

func (p *Push) WakeForCancellation(_ context.Context, to, caller domain.UserID, callID domain.CallID) error {
	return p.record(domain.WakeRequest{Intent: domain.WakeCancellation, To: to, From: caller, CallID: callID})
}

func (p *Push) WakeForMessage(_ context.Context, to, from domain.UserID, preview string) error {
	return p.record(domain.WakeRequest{Intent: domain.WakeMessage, To: to, From: from, Body: preview})
}

func (p *Push) Requests(intent domain.WakeIntent) []domain.WakeRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.WakeRequest
	for _, r := range p.requests {
		if r.Intent == intent {
			out = append(out, r)
		}
	}
	return out
}
