package voice

import (
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeer(t *testing.T, userID uuid.UUID) *Peer {
	t.Helper()
	api := webrtc.NewAPI()
	peer, err := NewPeer(userID, "test-user", uuid.New(), api, webrtc.Configuration{}, nil, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	return peer
}

func TestRoom_JoinRejectsChannelFull(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 1, router, testLogger())

	require.NoError(t, room.Join(newTestPeer(t, uuid.New())))

	err := room.Join(newTestPeer(t, uuid.New()))
	require.Error(t, err)
	var voiceErr *Error
	require.ErrorAs(t, err, &voiceErr)
	assert.Equal(t, ErrChannelFull, voiceErr.Code)
}

func TestRoom_JoinRejectsAlreadyJoined(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 10, router, testLogger())

	userID := uuid.New()
	require.NoError(t, room.Join(newTestPeer(t, userID)))

	err := room.Join(newTestPeer(t, userID))
	require.Error(t, err)
	var voiceErr *Error
	require.ErrorAs(t, err, &voiceErr)
	assert.Equal(t, ErrAlreadyJoined, voiceErr.Code)
}

func TestRoom_LeaveClearsRouterSubscriptions(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 10, router, testLogger())

	source := uuid.New()
	subscriber := uuid.New()
	require.NoError(t, room.Join(newTestPeer(t, source)))
	require.NoError(t, room.Join(newTestPeer(t, subscriber)))

	_, err := router.CreateSubscriberTrack(source, TrackMicrophone, subscriber, opusCapability)
	require.NoError(t, err)
	require.Equal(t, 1, router.SubscriberCount(source, TrackMicrophone))

	room.Leave(source)
	assert.Equal(t, 0, router.SubscriberCount(source, TrackMicrophone))
	assert.Nil(t, room.Peer(source))

	otherSource := uuid.New()
	_, err = router.CreateSubscriberTrack(otherSource, TrackMicrophone, subscriber, opusCapability)
	require.NoError(t, err)
	require.Equal(t, 1, router.SubscriberCount(otherSource, TrackMicrophone))

	room.Leave(subscriber)
	assert.Equal(t, 0, router.SubscriberCount(otherSource, TrackMicrophone))
}

func TestRoom_BroadcastExceptSkipsSelf(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 10, router, testLogger())

	a, b := uuid.New(), uuid.New()
	peerA, peerB := newTestPeer(t, a), newTestPeer(t, b)
	require.NoError(t, room.Join(peerA))
	require.NoError(t, room.Join(peerB))

	room.BroadcastExcept(a, OutboundEvent{Type: "VoiceUserJoined"})

	select {
	case evt := <-peerB.Outbound():
		assert.Equal(t, "VoiceUserJoined", evt.Type)
	default:
		t.Fatal("expected peer B to receive the broadcast event")
	}

	select {
	case <-peerA.Outbound():
		t.Fatal("excluded peer should not receive the broadcast event")
	default:
	}
}

func TestRoom_ParticipantSnapshot(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 10, router, testLogger())

	peer := newTestPeer(t, uuid.New())
	peer.SetMuted(true)
	require.NoError(t, room.Join(peer))

	snapshot := room.ParticipantSnapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, peer.UserID, snapshot[0].UserID)
	assert.True(t, snapshot[0].Muted)
	assert.False(t, snapshot[0].Deafened)
}

func TestRoom_ScreenShareLifecycle(t *testing.T) {
	router := NewTrackRouter(testLogger())
	room := NewRoom(uuid.New(), 10, router, testLogger())

	a, b := uuid.New(), uuid.New()
	require.NoError(t, room.Join(newTestPeer(t, a)))
	peerB := newTestPeer(t, b)
	require.NoError(t, room.Join(peerB))

	room.StartScreenShare(a, "Entire Screen", true, "high")
	assert.Len(t, room.ActiveScreenShares(), 1)

	evt := <-peerB.Outbound()
	assert.Equal(t, "ScreenShareStarted", evt.Type)

	room.ChangeScreenShareQuality(a, "low")
	evt = <-peerB.Outbound()
	assert.Equal(t, "ScreenShareQualityChanged", evt.Type)

	room.StopScreenShare(a, "user_stopped")
	evt = <-peerB.Outbound()
	assert.Equal(t, "ScreenShareStopped", evt.Type)
	assert.Empty(t, room.ActiveScreenShares())
}
