package service

import (
	"encoding/json"
	"testing"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayForwardsVerbatim(t *testing.T) {
	p := NewPresenceRegistry(ws.NewHub(), &testutil.Broadcaster{})
	bob := testutil.NewConn("bob")
	p.Register("bob", bob)
	relay := NewSignalingRelay(p)

	payload := json.RawMessage(`{"to":"bob","sdp":"v=0"}`)
	require.True(t, relay.Relay("alice", "bob", domain.SignalOffer, payload))

	evs := bob.Of(domain.EventType(domain.SignalOffer))
	require.Len(t, evs, 1)
	sig, ok := evs[0].Data.(domain.RelayedSignal)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("alice"), sig.From)
	assert.Equal(t, payload, sig.Payload)
}

func TestRelayToAbsentIsNoop(t *testing.T) {
	p := NewPresenceRegistry(ws.NewHub(), &testutil.Broadcaster{})
	relay := NewSignalingRelay(p)
	assert.False(t, relay.Relay("alice", "bob", domain.SignalCandidate, json.RawMessage(`{}`)))
}
