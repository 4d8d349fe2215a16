package protocol

import (
	"encoding/json"
	"testing"

	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEventEnvelope(t *testing.T) {
	frame, err := Encode(domain.NewEvent(domain.EventIncomingCall, domain.IncomingCall{
		CallID:    "c1",
		From:      "alice",
		MediaKind: domain.MediaVideo,
	}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"incoming_call","data":{"callId":"c1","from":"alice","mediaKind":"video"}}`, string(frame))
}

func TestEncodeWithoutData(t *testing.T) {
	frame, err := EncodeCommand(CmdGetOnline, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"get_online"}`, string(frame))
}

func TestRelayedSignalKeepsPayloadVerbatim(t *testing.T) {
	payload := json.RawMessage(`{"to":"bob","sdp":"v=0\r\n","unknown":[1,2]}`)
	frame, err := Encode(domain.RelayEvent(domain.SignalOffer, domain.RelayedSignal{From: "alice", Payload: payload}))
	require.NoError(t, err)

	env, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, "offer", env.Type)

	var got struct {
		From    domain.UserID   `json:"from"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, env.Bind(&got))
	assert.Equal(t, domain.UserID("alice"), got.From)
	assert.JSONEq(t, string(payload), string(got.Payload))
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"data":{}}`))
	assert.Error(t, err)
}

func TestBindCommand(t *testing.T) {
	env, err := Decode([]byte(`{"type":"end_call","data":{"callId":"x","to":"bob"}}`))
	require.NoError(t, err)

	var cmd CallControl
	require.NoError(t, env.Bind(&cmd))
	assert.Equal(t, CallControl{CallID: "x", To: "bob"}, cmd)

	var empty CallControl
	require.NoError(t, Envelope{Type: "logout"}.Bind(&empty))
	assert.Zero(t, empty)
}
