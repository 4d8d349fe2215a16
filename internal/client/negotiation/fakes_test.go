package negotiation

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
)

var errBoom = errors.New("boom")

type fakeConn struct {
	mu         sync.Mutex
	ops        []string
	localOffer bool
	closed     int
	remoteErr  error
}

func (c *fakeConn) record(op string) {
	c.ops = append(c.ops, op)
}

func (c *fakeConn) CreateOffer(restart bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if restart {
		c.record("restart-offer")
	} else {
		c.record("create-offer")
	}
	c.localOffer = true
	return "offer-sdp", nil
}

func (c *fakeConn) CreateAnswer() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("create-answer")
	return "answer-sdp", nil
}

func (c *fakeConn) SetRemoteDescription(t SDPType, sdp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteErr != nil {
		return c.remoteErr
	}
	c.record("remote:" + string(t))
	if t == SDPAnswer {
		c.localOffer = false
	}
	return nil
}

func (c *fakeConn) AddCandidate(candidate json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record("candidate:" + string(candidate))
	return nil
}

func (c *fakeConn) HasLocalOffer() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localOffer
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	return nil
}

func (c *fakeConn) Ops() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ops...)
}

func (c *fakeConn) Closed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDialer struct {
	mu       sync.Mutex
	conns    []*fakeConn
	handlers []Handlers
	// gate, when set, blocks Dial until it is closed.
	gate chan struct{}
	err  error
}

func (d *fakeDialer) Dial(_ []domain.ICEServer, _ MediaSource, h Handlers) (Connection, error) {
	if d.gate != nil {
		<-d.gate
	}
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{}
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) last() (*fakeConn, Handlers) {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.conns)
	return d.conns[n-1], d.handlers[n-1]
}

type fakeMedia struct {
	mu     sync.Mutex
	closed int
}

func (m *fakeMedia) Close() error {
	m.mu.Lock()
	m.closed++
	m.mu.Unlock()
	return nil
}

func (m *fakeMedia) Closed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mediaBox struct {
	mu     sync.Mutex
	issued []*fakeMedia
	err    error
}

func (b *mediaBox) acquire(context.Context, domain.MediaKind) (MediaSource, error) {
	if b.err != nil {
		return nil, b.err
	}
	m := &fakeMedia{}
	b.mu.Lock()
	b.issued = append(b.issued, m)
	b.mu.Unlock()
	return m, nil
}

func (b *mediaBox) last() *fakeMedia {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issued[len(b.issued)-1]
}

type sentSignal struct {
	Kind domain.SignalKind
	Sig  protocol.Signal
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *fakeSignaler) Signal(kind domain.SignalKind, sig protocol.Signal) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{Kind: kind, Sig: sig})
	s.mu.Unlock()
	return nil
}

func (s *fakeSignaler) Of(kind domain.SignalKind) []protocol.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Signal
	for _, m := range s.sent {
		if m.Kind == kind {
			out = append(out, m.Sig)
		}
	}
	return out
}

// recorder collects engine events.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(evt Event) {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
}

func (r *recorder) Of(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
