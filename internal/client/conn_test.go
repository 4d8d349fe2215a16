package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/securecall/internal/adapter/driven/push"
	"github.com/Wyydra/securecall/internal/adapter/driven/scheduler"
	handler "github.com/Wyydra/securecall/internal/adapter/driving/http"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/service"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/Wyydra/securecall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	sched := scheduler.New(nil)

	hub := ws.NewHub()
	go hub.Run()
	t.Cleanup(hub.Stop)

	dir := memory.NewDirectory(map[domain.UserID]string{"alice": "a", "bob": "b"})
	coordinator := push.NewCoordinator(dir, push.LogProvider{})
	presence := service.NewPresenceRegistry(hub, hub)
	calls := service.NewCallRegistry(memory.NewCallStore(), presence, dir, coordinator, memory.NewCallLog(), sched, service.CallConfig{})
	t.Cleanup(calls.Shutdown)
	chat := service.NewChatService(memory.NewMessageRepository(), dir, presence, coordinator, sched)
	ice := service.NewICEService(service.ICEConfig{
		STUNURLs:   []string{"stun:stun.example.org:3478"},
		TURNURLs:   []string{"turn:turn.example.org:3478"},
		TURNSecret: "secret",
	}, sched)

	h := handler.NewHandler(presence, calls, service.NewSignalingRelay(presence), chat, ice, dir, handler.Options{})
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)
	return srv
}

func connect(t *testing.T, srv *httptest.Server, id domain.UserID, token string) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), srv.URL, id, token)
	require.NoError(t, err)
	go c.Run(context.Background())
	t.Cleanup(func() { c.Close() })
	return c
}

// events subscribes to t and returns a channel of its envelopes.
func events(c *Conn, t domain.EventType) <-chan protocol.Envelope {
	ch := make(chan protocol.Envelope, 16)
	c.On(t, func(env protocol.Envelope) { ch <- env })
	return ch
}

func TestDialRejectsBadToken(t *testing.T) {
	srv := newServer(t)
	_, err := Dial(context.Background(), srv.URL, "alice", "wrong")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestCallControlAndRelay(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "alice", "a")
	bob := connect(t, srv, "bob", "b")

	initiated := events(alice, domain.EventCallInitiated)
	accepted := events(alice, domain.EventCallAccepted)
	incoming := events(bob, domain.EventIncomingCall)
	offers := events(bob, domain.EventType(domain.SignalOffer))

	require.NoError(t, alice.InitiateCall("bob", domain.MediaVideo))

	var ring domain.IncomingCall
	require.NoError(t, testutil.RequireReceive(t, incoming, waitFor).Bind(&ring))
	assert.Equal(t, domain.UserID("alice"), ring.From)
	assert.Equal(t, domain.MediaVideo, ring.MediaKind)

	var ack domain.CallInitiated
	require.NoError(t, testutil.RequireReceive(t, initiated, waitFor).Bind(&ack))
	assert.Equal(t, ring.CallID, ack.CallID)

	require.NoError(t, bob.AcceptCall(ring.CallID))
	var acc domain.CallAccepted
	require.NoError(t, testutil.RequireReceive(t, accepted, waitFor).Bind(&acc))
	assert.Equal(t, domain.UserID("bob"), acc.By)

	require.NoError(t, alice.Signal(domain.SignalOffer, protocol.Signal{To: "bob", CallID: ack.CallID, SDP: "v=0"}))
	var relayed domain.RelayedSignal
	require.NoError(t, testutil.RequireReceive(t, offers, waitFor).Bind(&relayed))
	assert.Equal(t, domain.UserID("alice"), relayed.From)

	var sig protocol.Signal
	require.NoError(t, protocol.Envelope{Type: "offer", Data: relayed.Payload}.Bind(&sig))
	assert.Equal(t, "v=0", sig.SDP)
	assert.Equal(t, ack.CallID, sig.CallID)
}

func TestCallHistory(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "alice", "a")

	history := events(alice, domain.EventCallHistory)
	require.NoError(t, alice.GetCallHistory(5))

	var h domain.CallHistory
	require.NoError(t, testutil.RequireReceive(t, history, waitFor).Bind(&h))
	assert.NotNil(t, h.Calls)
	assert.Empty(t, h.Calls)
}

func TestUnsubscribe(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "alice", "a")

	kept := events(alice, domain.EventOnlineUsers)
	dropped := make(chan struct{}, 4)
	unsubscribe := alice.On(domain.EventOnlineUsers, func(protocol.Envelope) { dropped <- struct{}{} })

	require.NoError(t, alice.GetOnline())
	testutil.RequireReceive(t, kept, waitFor)
	testutil.RequireReceive[struct{}](t, dropped, waitFor)

	unsubscribe()
	require.NoError(t, alice.GetOnline())
	testutil.RequireReceive(t, kept, waitFor)
	assert.Empty(t, dropped)
}

func TestFetchICEConfig(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "alice", "a")

	servers, err := alice.FetchICEConfig(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 2)
	assert.Equal(t, []string{"stun:stun.example.org:3478"}, servers[0].URLs)
	assert.True(t, strings.HasSuffix(servers[1].Username, ":alice"))
	assert.NotEmpty(t, servers[1].Credential)
}

func TestSendAfterClose(t *testing.T) {
	srv := newServer(t)
	alice := connect(t, srv, "alice", "a")

	require.NoError(t, alice.Close())
	assert.ErrorIs(t, alice.GetOnline(), ErrClosed)
	select {
	case <-alice.Done():
	default:
		t.Fatal("Done not closed")
	}
}
