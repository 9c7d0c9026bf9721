package voice

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Room groups the peers of one voice channel.
type Room struct {
	ChannelID uuid.UUID

	mu              sync.RWMutex
	maxParticipants int
	peers           map[uuid.UUID]*Peer

	router       *TrackRouter
	screenShares *ScreenShareRegistry

	logger *slog.Logger
}

// NewRoom creates an empty room bound to a shared Track Router.
func NewRoom(channelID uuid.UUID, maxParticipants int, router *TrackRouter, logger *slog.Logger) *Room {
	return &Room{
		ChannelID:       channelID,
		maxParticipants: maxParticipants,
		peers:           make(map[uuid.UUID]*Peer),
		router:          router,
		screenShares:    NewScreenShareRegistry(),
		logger:          logger.With("component", "voice_room", "channel_id", channelID),
	}
}

// Join inserts peer into the room, rejecting ChannelFull or AlreadyJoined.
func (r *Room) Join(peer *Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.peers) >= r.maxParticipants {
		return newError(ErrChannelFull, "channel %s is full (%d/%d participants)", r.ChannelID, len(r.peers), r.maxParticipants)
	}
	if _, exists := r.peers[peer.UserID]; exists {
		return newError(ErrAlreadyJoined, "user %s already joined channel %s", peer.UserID, r.ChannelID)
	}

	r.peers[peer.UserID] = peer
	return nil
}

// Leave removes a peer and clears any dangling Track Router subscriptions
// it held as either a source or a subscriber. Returns nil if the peer
// wasn't present.
func (r *Room) Leave(userID uuid.UUID) *Peer {
	r.mu.Lock()
	peer, ok := r.peers[userID]
	if ok {
		delete(r.peers, userID)
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	r.router.RemoveSource(userID)
	r.router.RemoveSubscriberFromAll(userID)
	r.screenShares.RemoveUser(userID)
	return peer
}

// Peer returns the peer for userID, or nil.
func (r *Room) Peer(userID uuid.UUID) *Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peers[userID]
}

// Peers returns a snapshot of every peer currently in the room.
func (r *Room) Peers() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Count returns the number of peers currently in the room.
func (r *Room) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// BroadcastExcept enqueues evt on every peer's outbound channel except
// excludeUserID's. A full or closed outbound channel is logged and skipped;
// it never fails the call.
func (r *Room) BroadcastExcept(excludeUserID uuid.UUID, evt OutboundEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, peer := range r.peers {
		if id == excludeUserID {
			continue
		}
		peer.Enqueue(evt)
	}
}

// ParticipantSnapshot produces the {user_id, display name, muted} list
// delivered in RoomStateEvent on join.
func (r *Room) ParticipantSnapshot() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Participant, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, Participant{
			UserID:   p.UserID,
			Username: p.Username,
			Muted:    p.Muted(),
			Deafened: p.Deafened(),
		})
	}
	return out
}

// ActiveScreenShares returns the room's current screen-share snapshot.
func (r *Room) ActiveScreenShares() []ScreenShare {
	return r.screenShares.List()
}

// StartScreenShare records a new screen share and broadcasts
// ScreenShareStarted to the rest of the room.
func (r *Room) StartScreenShare(userID uuid.UUID, sourceLabel string, hasAudio bool, quality string) ScreenShare {
	share := r.screenShares.Start(userID, sourceLabel, hasAudio, quality)
	r.BroadcastExcept(userID, OutboundEvent{
		Type:    "ScreenShareStarted",
		Payload: ScreenShareStartedEvent{Channel: r.ChannelID, Share: share},
	})
	return share
}

// StopScreenShare ends a screen share and broadcasts
// ScreenShareStopped{reason}.
func (r *Room) StopScreenShare(userID uuid.UUID, reason string) {
	if _, ok := r.screenShares.Stop(userID); ok {
		r.BroadcastExcept(userID, OutboundEvent{
			Type:    "ScreenShareStopped",
			Payload: ScreenShareStoppedEvent{Channel: r.ChannelID, UserID: userID, Reason: reason},
		})
	}
}

// ChangeScreenShareQuality updates a share's quality and broadcasts
// ScreenShareQualityChanged.
func (r *Room) ChangeScreenShareQuality(userID uuid.UUID, quality string) {
	if _, ok := r.screenShares.ChangeQuality(userID, quality); ok {
		r.BroadcastExcept(userID, OutboundEvent{
			Type:    "ScreenShareQualityChanged",
			Payload: ScreenShareQualityChangedEvent{Channel: r.ChannelID, UserID: userID, Quality: quality},
		})
	}
}
