package voice

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type allowAllLimiter struct{}

func (allowAllLimiter) Allow(uuid.UUID) bool { return true }

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(uuid.UUID) bool { return false }

func newTestSFU(t *testing.T, limiter JoinLimiter) *SFU {
	t.Helper()
	sfu, err := NewSFU(&Config{MaxParticipants: 2}, limiter, testLogger())
	require.NoError(t, err)
	return sfu
}

func TestSFU_JoinCreatesRoomAndOffer(t *testing.T) {
	sfu := newTestSFU(t, allowAllLimiter{})
	channelID := uuid.New()
	userID := uuid.New()

	peer, offer, state, err := sfu.Join(context.Background(), channelID, userID, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, offer)
	assert.Equal(t, channelID, state.Channel)
	assert.Len(t, state.Participants, 1)

	room := sfu.GetRoom(channelID)
	require.NotNil(t, room)
	assert.Equal(t, peer, room.Peer(userID))
}

func TestSFU_JoinRejectedByRateLimiter(t *testing.T) {
	sfu := newTestSFU(t, denyAllLimiter{})

	_, _, _, err := sfu.Join(context.Background(), uuid.New(), uuid.New(), "alice")
	require.Error(t, err)
	var voiceErr *Error
	require.ErrorAs(t, err, &voiceErr)
	assert.Equal(t, ErrRateLimited, voiceErr.Code)
}

func TestSFU_JoinBroadcastsToExistingParticipant(t *testing.T) {
	sfu := newTestSFU(t, allowAllLimiter{})
	channelID := uuid.New()

	_, _, _, err := sfu.Join(context.Background(), channelID, uuid.New(), "alice")
	require.NoError(t, err)

	room := sfu.GetRoom(channelID)
	firstPeer := room.Peers()[0]

	_, _, state, err := sfu.Join(context.Background(), channelID, uuid.New(), "bob")
	require.NoError(t, err)
	assert.Len(t, state.Participants, 2)

	evt := <-firstPeer.Outbound()
	assert.Equal(t, "VoiceUserJoined", evt.Type)
}

func TestSFU_JoinRejectsChannelFull(t *testing.T) {
	sfu := newTestSFU(t, allowAllLimiter{})
	channelID := uuid.New()

	_, _, _, err := sfu.Join(context.Background(), channelID, uuid.New(), "alice")
	require.NoError(t, err)
	_, _, _, err = sfu.Join(context.Background(), channelID, uuid.New(), "bob")
	require.NoError(t, err)

	_, _, _, err = sfu.Join(context.Background(), channelID, uuid.New(), "carol")
	require.Error(t, err)
	var voiceErr *Error
	require.ErrorAs(t, err, &voiceErr)
	assert.Equal(t, ErrChannelFull, voiceErr.Code)
}

func TestSFU_LeaveRemovesRoomWhenEmpty(t *testing.T) {
	sfu := newTestSFU(t, allowAllLimiter{})
	channelID := uuid.New()
	userID := uuid.New()

	_, _, _, err := sfu.Join(context.Background(), channelID, userID, "alice")
	require.NoError(t, err)
	require.NotNil(t, sfu.GetRoom(channelID))

	sfu.Leave(channelID, userID)
	assert.Nil(t, sfu.GetRoom(channelID))
}

func TestSFU_LeaveBroadcastsToRemainingParticipants(t *testing.T) {
	sfu := newTestSFU(t, allowAllLimiter{})
	channelID := uuid.New()

	_, _, _, err := sfu.Join(context.Background(), channelID, uuid.New(), "alice")
	require.NoError(t, err)
	bobID := uuid.New()
	_, _, _, err = sfu.Join(context.Background(), channelID, bobID, "bob")
	require.NoError(t, err)

	room := sfu.GetRoom(channelID)
	var alice *Peer
	for _, p := range room.Peers() {
		if p.UserID != bobID {
			alice = p
		}
	}
	require.NotNil(t, alice)
	// drain the join broadcast before watching for the leave broadcast
	<-alice.Outbound()

	sfu.Leave(channelID, bobID)

	evt := <-alice.Outbound()
	assert.Equal(t, "VoiceUserLeft", evt.Type)
}
