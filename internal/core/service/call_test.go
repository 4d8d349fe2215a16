package service

import (
	"context"
	"testing"
	"time"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/securecall/internal/adapter/driven/scheduler"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/testutil"
	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = time.Second
	tick    = 2 * time.Millisecond
)

type callHarness struct {
	t        *testing.T
	clock    *clock.Mock
	presence *PresenceRegistry
	push     *testutil.Push
	log      *memory.CallLog
	calls    *CallRegistry
}

func newCallHarness(t *testing.T) *callHarness {
	t.Helper()
	mock := clock.NewMock()
	presence := NewPresenceRegistry(ws.NewHub(), &testutil.Broadcaster{})
	dir := memory.NewDirectory(map[domain.UserID]string{
		"alice": "a", "bob": "b", "carol": "c", "erin": "e",
	})
	push := testutil.NewPush()
	callLog := memory.NewCallLog()
	calls := NewCallRegistry(memory.NewCallStore(), presence, dir, push, callLog, scheduler.New(mock), CallConfig{
		RingTimeout:   30 * time.Second,
		TerminalGrace: 5 * time.Second,
		PushTimeout:   time.Second,
	})
	t.Cleanup(calls.Shutdown)
	return &callHarness{t: t, clock: mock, presence: presence, push: push, log: callLog, calls: calls}
}

func (h *callHarness) connect(id domain.UserID) *testutil.Conn {
	conn := testutil.NewConn(id)
	h.presence.Register(id, conn)
	h.calls.HandleOnline(id, conn)
	return conn
}

func (h *callHarness) disconnect(id domain.UserID, conn *testutil.Conn) {
	if h.presence.Release(id, conn) {
		h.calls.HandleDisconnect(id)
	}
}

func (h *callHarness) initiate(caller, callee domain.UserID, kind domain.MediaKind) domain.CallID {
	h.t.Helper()
	id, err := h.calls.Initiate(context.Background(), caller, callee, kind)
	require.NoError(h.t, err)
	return id
}

// status reads the session as the registry holds it; empty once it is gone.
func (h *callHarness) status(id domain.CallID) domain.CallStatus {
	h.calls.mu.Lock()
	defer h.calls.mu.Unlock()
	s, ok := h.calls.store.Get(id)
	if !ok {
		return ""
	}
	return s.Status
}

func (h *callHarness) eventually(cond func() bool, msg string) {
	h.t.Helper()
	require.Eventually(h.t, cond, waitFor, tick, msg)
}

func (h *callHarness) logged(id domain.CallID) []domain.CallRecord {
	recs, err := h.log.Recent(context.Background(), "alice", 1000)
	require.NoError(h.t, err)
	var out []domain.CallRecord
	for _, r := range recs {
		if r.CallID == id {
			out = append(out, r)
		}
	}
	return out
}

func TestScenarioAnsweredThenEnded(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaVideo)

	ack, ok := alice.Last(domain.EventCallInitiated)
	require.True(t, ok)
	assert.Equal(t, domain.CallInitiated{CallID: id, To: "bob"}, ack.Data)

	incoming, ok := bob.Last(domain.EventIncomingCall)
	require.True(t, ok)
	assert.Equal(t, domain.IncomingCall{CallID: id, From: "alice", MediaKind: domain.MediaVideo}, incoming.Data)
	assert.Equal(t, domain.StatusRinging, h.status(id))
	assert.False(t, h.calls.Answered("alice", "bob"))

	require.NoError(t, h.calls.Accept("bob", id))
	accepted, ok := alice.Last(domain.EventCallAccepted)
	require.True(t, ok)
	assert.Equal(t, domain.CallAccepted{CallID: id, By: "bob"}, accepted.Data)
	assert.True(t, h.calls.Answered("bob", "alice"))

	// An answered call never times out.
	h.clock.Add(time.Minute)
	assert.Equal(t, domain.StatusAnswered, h.status(id))

	require.NoError(t, h.calls.End("alice", id, "bob"))
	assert.Equal(t, 1, bob.Count(domain.EventCallEnded))
	assert.Zero(t, alice.Count(domain.EventCallEnded), "the terminator is not notified")
	assert.Equal(t, domain.StatusEnded, h.status(id))

	h.eventually(func() bool { return len(h.logged(id)) == 1 }, "call recorded")
	rec := h.logged(id)[0]
	assert.Equal(t, domain.StatusEnded, rec.Status)
	assert.Equal(t, time.Minute, rec.Duration())
}

func TestScenarioWakeTimesOut(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")

	id := h.initiate("alice", "erin", domain.MediaAudio)

	wakes := h.push.Requests(domain.WakeIncomingCall)
	require.Len(t, wakes, 1)
	assert.Equal(t, id, wakes[0].CallID)
	assert.Equal(t, domain.UserID("erin"), wakes[0].To)

	ring, ok := alice.Last(domain.EventRingViaWake)
	require.True(t, ok)
	assert.Equal(t, domain.RingViaWake{CallID: id, To: "erin"}, ring.Data)
	assert.Equal(t, domain.CallInitiated{CallID: id, To: "erin"}, mustLast(t, alice, domain.EventCallInitiated).Data)
	assert.Equal(t, domain.StatusPushSent, h.status(id))

	// T2 is twice T1.
	h.clock.Add(59 * time.Second)
	time.Sleep(10 * time.Millisecond)
	assert.Zero(t, alice.Count(domain.EventCallTimeout))

	h.clock.Add(time.Second)
	h.eventually(func() bool { return alice.Count(domain.EventCallTimeout) == 1 }, "caller told no answer")
	assert.Equal(t, domain.StatusMissed, h.status(id))
	h.eventually(func() bool { return len(h.push.Requests(domain.WakeMissedCall)) == 1 }, "missed-call wake")
}

func TestScenarioCancelWhileRinging(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaVideo)
	require.NoError(t, h.calls.Cancel("alice", id))

	cancelled, ok := bob.Last(domain.EventCallCancelled)
	require.True(t, ok)
	assert.Equal(t, domain.CallCancelled{CallID: id, From: "alice"}, cancelled.Data)

	err := h.calls.Accept("bob", id)
	assert.ErrorIs(t, err, domain.ErrDuplicateSignal)
	assert.True(t, IsQuiet(err))
	assert.Zero(t, alice.Count(domain.EventCallAccepted))

	h.eventually(func() bool { return len(h.push.Requests(domain.WakeCancellation)) == 1 }, "cancellation wake")
}

func TestScenarioCrossedInitiationIsBusy(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	first := h.initiate("alice", "bob", domain.MediaAudio)

	_, err := h.calls.Initiate(context.Background(), "bob", "alice", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrCallInProgress)

	failed, ok := bob.Last(domain.EventCallFailed)
	require.True(t, ok)
	assert.Equal(t, "busy", failed.Data.(domain.CallFailed).Reason)
	assert.Equal(t, domain.StatusRinging, h.status(first))
	assert.Equal(t, 1, h.calls.ActiveCount())
}

func TestInitiateUnknownCallee(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")

	_, err := h.calls.Initiate(context.Background(), "alice", "mallory", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrPeerNotFound)

	failed, ok := alice.Last(domain.EventCallFailed)
	require.True(t, ok)
	assert.Equal(t, "not_found", failed.Data.(domain.CallFailed).Reason)
	assert.Zero(t, alice.Count(domain.EventCallInitiated))
	assert.Zero(t, h.calls.ActiveCount())
}

func TestInitiateRejectsInvalidRequests(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	_, err := h.calls.Initiate(context.Background(), "alice", "alice", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrSelfCall)

	_, err = h.calls.Initiate(context.Background(), "alice", "bob", "hologram")
	assert.ErrorIs(t, err, domain.ErrInvalidMediaKind)

	assert.Equal(t, 2, alice.Count(domain.EventCallFailed))
	assert.Zero(t, h.calls.ActiveCount())
}

func TestInitiateUnreachableRemovesSession(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.push.Fail(domain.WakeIncomingCall, domain.ErrNoPushToken)

	id, err := h.calls.Initiate(context.Background(), "alice", "erin", domain.MediaAudio)
	assert.ErrorIs(t, err, domain.ErrPeerUnreachable)
	assert.Empty(t, id)

	failed, ok := alice.Last(domain.EventCallFailed)
	require.True(t, ok)
	assert.Equal(t, "unreachable", failed.Data.(domain.CallFailed).Reason)

	// The caller never saw a callId for a call that could not ring.
	assert.Zero(t, alice.Count(domain.EventCallInitiated))
	assert.Zero(t, alice.Count(domain.EventRingViaWake))
	assert.Zero(t, h.calls.ActiveCount())

	// The pair is free again.
	h.push.Fail(domain.WakeIncomingCall, nil)
	h.initiate("alice", "erin", domain.MediaAudio)
}

func TestAcceptIsIdempotent(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", id))
	assert.ErrorIs(t, h.calls.Accept("bob", id), domain.ErrDuplicateSignal)
	assert.Equal(t, 1, alice.Count(domain.EventCallAccepted))
}

func TestCallControlChecksParticipant(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	h.connect("bob")
	h.connect("carol")

	id := h.initiate("alice", "bob", domain.MediaAudio)

	assert.ErrorIs(t, h.calls.Accept("alice", id), domain.ErrNotParticipant)
	assert.ErrorIs(t, h.calls.Reject("carol", id), domain.ErrNotParticipant)
	assert.ErrorIs(t, h.calls.Cancel("bob", id), domain.ErrNotParticipant)
	assert.ErrorIs(t, h.calls.End("carol", id, ""), domain.ErrNotParticipant)
	assert.ErrorIs(t, h.calls.Accept("bob", ""), domain.ErrCallNotFound)
	assert.Equal(t, domain.StatusRinging, h.status(id))
}

func TestRingTimeoutWithPresentCallee(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaVideo)
	h.clock.Add(30 * time.Second)

	h.eventually(func() bool { return h.status(id) == domain.StatusMissed }, "missed after T1")
	assert.Equal(t, domain.CallTimeout{CallID: id, Peer: "bob"}, mustLast(t, alice, domain.EventCallTimeout).Data)
	assert.Equal(t, domain.CallTimeout{CallID: id, Peer: "alice"}, mustLast(t, bob, domain.EventCallTimeout).Data)
	missed := mustLast(t, bob, domain.EventMissedCall).Data.(domain.MissedCall)
	assert.Equal(t, domain.UserID("alice"), missed.From)
	assert.Empty(t, h.push.Requests(domain.WakeMissedCall))
}

func TestTimeoutAfterAcceptIsNoop(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	h.clock.Add(29 * time.Second)
	require.NoError(t, h.calls.Accept("bob", id))

	// Even a timer that escaped cancellation must not act.
	assert.ErrorIs(t, h.calls.onTimeout(id, domain.StatusRinging), domain.ErrStaleTimeout)
	h.clock.Add(time.Minute)
	time.Sleep(10 * time.Millisecond)

	assert.Zero(t, alice.Count(domain.EventCallTimeout))
	assert.Zero(t, bob.Count(domain.EventCallTimeout))
	assert.Zero(t, bob.Count(domain.EventMissedCall))
	assert.Equal(t, domain.StatusAnswered, h.status(id))
}

func TestRejectNotifiesCallerAndKeepsTombstone(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Reject("bob", id))

	assert.Equal(t, domain.CallRejected{CallID: id, By: "bob"}, mustLast(t, alice, domain.EventCallRejected).Data)
	assert.ErrorIs(t, h.calls.Reject("bob", id), domain.ErrDuplicateSignal)
	assert.Equal(t, domain.StatusRejected, h.status(id))

	h.clock.Add(5 * time.Second)
	h.eventually(func() bool { return h.status(id) == "" }, "tombstone removed after grace")
	assert.ErrorIs(t, h.calls.Accept("bob", id), domain.ErrCallNotFound)
}

func TestDisconnectWhileAnsweredEndsCall(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", id))

	h.disconnect("bob", bob)

	ended := mustLast(t, alice, domain.EventCallEnded).Data.(domain.CallEnded)
	assert.Equal(t, domain.ReasonPeerDisconnected, ended.Reason)
	assert.Equal(t, domain.UserID("bob"), ended.By)
	assert.Equal(t, domain.StatusEnded, h.status(id))
}

func TestCalleeDisconnectWhileRingingIsMissed(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	h.disconnect("bob", bob)

	assert.Equal(t, domain.StatusMissed, h.status(id))
	assert.Equal(t, 1, alice.Count(domain.EventCallEnded))
	h.eventually(func() bool { return len(h.push.Requests(domain.WakeMissedCall)) == 1 }, "missed-call wake")
}

func TestCallerDisconnectWhileRingingCancels(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	h.disconnect("alice", alice)

	assert.Equal(t, domain.StatusCancelled, h.status(id))
	assert.Equal(t, domain.CallCancelled{CallID: id, From: "alice"}, mustLast(t, bob, domain.EventCallCancelled).Data)
}

func TestEvictedConnectionDisconnectKeepsCall(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	oldBob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	newBob := h.connect("bob")
	h.disconnect("bob", oldBob)

	assert.Equal(t, domain.StatusRinging, h.status(id))
	assert.Equal(t, 1, newBob.Count(domain.EventIncomingCall), "ringing again on the new device")
	require.NoError(t, h.calls.Accept("bob", id))
	assert.Zero(t, newBob.Count(domain.EventCallEnded))
}

func TestWokenCalleeReceivesIncomingCall(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")

	id := h.initiate("alice", "erin", domain.MediaVideo)
	require.Equal(t, domain.StatusPushSent, h.status(id))

	erin := h.connect("erin")
	incoming := mustLast(t, erin, domain.EventIncomingCall).Data.(domain.IncomingCall)
	assert.Equal(t, id, incoming.CallID)
	assert.Equal(t, domain.StatusPushSent, h.status(id))

	require.NoError(t, h.calls.Accept("erin", id))
	assert.Equal(t, 1, alice.Count(domain.EventCallAccepted))
}

func TestCalleeConnectsWhileWakeInFlight(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.push.Gate = make(chan struct{})

	done := make(chan domain.CallID)
	go func() {
		id, _ := h.calls.Initiate(context.Background(), "alice", "erin", domain.MediaAudio)
		done <- id
	}()
	h.eventually(func() bool { return len(h.push.Requests(domain.WakeIncomingCall)) == 1 }, "wake started")

	erin := h.connect("erin")
	close(h.push.Gate)
	id := testutil.RequireReceive(t, done, waitFor, "initiate returns")

	assert.Equal(t, domain.StatusRinging, h.status(id))
	assert.Equal(t, 1, erin.Count(domain.EventIncomingCall))
	assert.Zero(t, alice.Count(domain.EventRingViaWake))
	assert.Equal(t, 1, alice.Count(domain.EventCallInitiated))
}

func TestCancelWhileWakeInFlight(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	h.push.Gate = make(chan struct{})

	id, wake, err := h.calls.Place(context.Background(), "alice", "erin", domain.MediaAudio)
	require.NoError(t, err)
	require.NotNil(t, wake)
	assert.Equal(t, domain.StatusCalling, h.status(id))

	done := make(chan error)
	go func() { done <- wake(context.Background()) }()
	h.eventually(func() bool { return len(h.push.Requests(domain.WakeIncomingCall)) == 1 }, "wake started")

	// Without a callId yet the device hangs up by naming its peer.
	require.NoError(t, h.calls.End("alice", "", "erin"))
	close(h.push.Gate)
	require.NoError(t, testutil.RequireReceive(t, done, waitFor, "wake returns"))

	assert.Equal(t, domain.StatusCancelled, h.status(id))
	assert.Zero(t, alice.Count(domain.EventCallInitiated))
	assert.Zero(t, alice.Count(domain.EventRingViaWake))
	h.eventually(func() bool { return len(h.push.Requests(domain.WakeMissedCall)) == 1 }, "offline callee told via wake")
}

func TestEndWithoutSessionUsesExplicitPeer(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	bob := h.connect("bob")
	carol := h.connect("carol")

	require.NoError(t, h.calls.End("alice", "gone", "bob"))
	assert.Equal(t, 1, bob.Count(domain.EventCallEnded))
	assert.Zero(t, carol.Count(domain.EventCallEnded))

	assert.ErrorIs(t, h.calls.End("alice", "gone", ""), domain.ErrCallNotFound)
}

func TestEndWithoutCallIDResolvesPair(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	id := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", id))
	require.NoError(t, h.calls.End("alice", "", "bob"))

	assert.Equal(t, domain.StatusEnded, h.status(id))
	assert.Equal(t, id, mustLast(t, bob, domain.EventCallEnded).Data.(domain.CallEnded).CallID)
}

func TestEndWithStaleCallIDLeavesNewerCall(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	old := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", old))
	require.NoError(t, h.calls.End("alice", old, "bob"))
	h.clock.Add(10 * time.Second)
	h.eventually(func() bool { return h.status(old) == "" }, "tombstone removed")

	fresh := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", fresh))
	before := bob.Count(domain.EventCallEnded)

	// A late duplicate of the first hang-up.
	require.NoError(t, h.calls.End("alice", old, "bob"))

	assert.Equal(t, domain.StatusAnswered, h.status(fresh))
	assert.True(t, h.calls.Answered("alice", "bob"))
	require.Equal(t, before+1, bob.Count(domain.EventCallEnded))
	assert.Equal(t, old, mustLast(t, bob, domain.EventCallEnded).Data.(domain.CallEnded).CallID)
}

func TestPlaceRingsPresentCalleeWithoutWake(t *testing.T) {
	h := newCallHarness(t)
	alice := h.connect("alice")
	bob := h.connect("bob")

	id, wake, err := h.calls.Place(context.Background(), "alice", "bob", domain.MediaVideo)
	require.NoError(t, err)
	assert.Nil(t, wake)
	assert.Equal(t, domain.StatusRinging, h.status(id))
	assert.Equal(t, 1, alice.Count(domain.EventCallInitiated))
	assert.Equal(t, 1, bob.Count(domain.EventIncomingCall))
	assert.Empty(t, h.push.Requests(domain.WakeIncomingCall))
}

func TestHistoryListsFinishedCalls(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	h.connect("bob")

	first := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Reject("bob", first))
	second := h.initiate("alice", "bob", domain.MediaVideo)
	require.NoError(t, h.calls.Cancel("alice", second))
	h.eventually(func() bool { return len(h.logged(first)) == 1 && len(h.logged(second)) == 1 }, "recorded")

	recs, err := h.calls.History(context.Background(), "bob", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = h.calls.History(context.Background(), "bob", 1)
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	recs, err = h.calls.History(context.Background(), "carol", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestEveryCallReachesOneTerminalRecord(t *testing.T) {
	h := newCallHarness(t)
	h.connect("alice")
	bob := h.connect("bob")

	ids := make([]domain.CallID, 0, 3)

	id := h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Reject("bob", id))
	require.Error(t, h.calls.Cancel("alice", id))
	ids = append(ids, id)

	id = h.initiate("alice", "bob", domain.MediaAudio)
	require.NoError(t, h.calls.Accept("bob", id))
	require.NoError(t, h.calls.End("bob", id, "alice"))
	h.disconnect("bob", bob)
	ids = append(ids, id)

	id = h.initiate("alice", "erin", domain.MediaAudio)
	require.NoError(t, h.calls.Cancel("alice", id))
	h.clock.Add(2 * time.Minute)
	ids = append(ids, id)

	for _, id := range ids {
		h.eventually(func() bool { return len(h.logged(id)) >= 1 }, "recorded")
	}
	time.Sleep(10 * time.Millisecond)
	for _, id := range ids {
		assert.Len(t, h.logged(id), 1)
	}
}

func TestCallConfigDefaults(t *testing.T) {
	cfg := CallConfig{RingTimeout: 10 * time.Second}.withDefaults()
	assert.Equal(t, 20*time.Second, cfg.WakeTimeout)
	assert.Equal(t, DefaultPushTimeout, cfg.PushTimeout)

	cfg = CallConfig{}.withDefaults()
	assert.Equal(t, DefaultRingTimeout, cfg.RingTimeout)
}

func mustLast(t *testing.T, conn *testutil.Conn, typ domain.EventType) domain.Event {
	t.Helper()
	evt, ok := conn.Last(typ)
	require.True(t, ok, "no %s event", typ)
	return evt
}
