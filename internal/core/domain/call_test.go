package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingTask struct{ cancels int }

func (t *countingTask) Cancel() bool {
	t.cancels++
	return t.cancels == 1
}

func TestNewCallSessionValidates(t *testing.T) {
	now := time.Unix(100, 0)

	_, err := NewCallSession("alice", "alice", MediaAudio, now)
	require.ErrorIs(t, err, ErrSelfCall)

	_, err = NewCallSession("alice", "bob", MediaKind("hologram"), now)
	require.ErrorIs(t, err, ErrInvalidMediaKind)

	s, err := NewCallSession("alice", "bob", MediaVideo, now)
	require.NoError(t, err)
	assert.Equal(t, StatusCalling, s.Status)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, now, s.CreatedAt)
}

func TestTransitionOnlyMovesForward(t *testing.T) {
	now := time.Unix(100, 0)
	s, err := NewCallSession("alice", "bob", MediaAudio, now)
	require.NoError(t, err)

	require.NoError(t, s.Transition(StatusRinging, now))
	require.NoError(t, s.Transition(StatusAnswered, now.Add(time.Second)))
	assert.Equal(t, now.Add(time.Second), s.AnsweredAt)

	require.ErrorIs(t, s.Transition(StatusRinging, now), ErrDuplicateSignal)
	require.ErrorIs(t, s.Transition(StatusMissed, now), ErrDuplicateSignal)

	require.NoError(t, s.Transition(StatusEnded, now.Add(5*time.Second)))
	assert.True(t, s.Status.Terminal())
	assert.Equal(t, 4*time.Second, s.Record().Duration())

	require.ErrorIs(t, s.Transition(StatusEnded, now), ErrDuplicateSignal)
}

func TestTransitionCancelsPendingTimeout(t *testing.T) {
	now := time.Unix(100, 0)
	s, err := NewCallSession("alice", "bob", MediaAudio, now)
	require.NoError(t, err)
	require.NoError(t, s.Transition(StatusRinging, now))

	first, second := &countingTask{}, &countingTask{}
	s.SetTimeout(first)
	s.SetTimeout(second)
	assert.Equal(t, 1, first.cancels, "replacing a timeout cancels the old one")

	require.NoError(t, s.Transition(StatusAnswered, now))
	assert.Equal(t, 1, second.cancels)

	// Nothing is left to cancel.
	s.CancelTimeout()
	assert.Equal(t, 1, second.cancels)
}

func TestPeerAndPair(t *testing.T) {
	s, err := NewCallSession("bob", "alice", MediaAudio, time.Now())
	require.NoError(t, err)

	peer, ok := s.Peer("bob")
	require.True(t, ok)
	assert.Equal(t, UserID("alice"), peer)

	_, ok = s.Peer("mallory")
	assert.False(t, ok)

	assert.Equal(t, NewPair("alice", "bob"), s.Pair())
	assert.Equal(t, s.Pair(), NewPair("bob", "alice"))
}
