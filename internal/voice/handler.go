package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// Handler adapts the SFU's Go API to the JSON payload shapes that travel
// over a voice-channel WebSocket connection: join/leave/answer/candidate.
// It is the voice-channel analogue of internal/webrtc's CallHandler/
// SFUHandler, kept in its own package because it only ever needs the raw
// SFU it wraps, not webrtc's P2P/group-call signaling state.
type Handler struct {
	sfu *SFU
	log *slog.Logger

	mu    sync.Mutex
	peers map[peerKey]*Peer
}

type peerKey struct {
	channelID uuid.UUID
	userID    uuid.UUID
}

// NewHandler wraps sfu for WebSocket dispatch.
func NewHandler(sfu *SFU, logger *slog.Logger) *Handler {
	return &Handler{sfu: sfu, log: logger, peers: make(map[peerKey]*Peer)}
}

// JoinPayload requests joining a voice channel.
type JoinPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// JoinResult is sent back to the joining client: the SDP offer it must
// answer plus the current room state.
type JoinResult struct {
	Offer string          `json:"offer"`
	Room  *RoomStateEvent `json:"room"`
}

// LeavePayload requests leaving a voice channel.
type LeavePayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// AnswerPayload carries the client's SDP answer to the channel's offer.
type AnswerPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
	SDP       string    `json:"sdp"`
}

// ICECandidatePayload carries one trickled ICE candidate.
type ICECandidatePayload struct {
	ChannelID uuid.UUID               `json:"channel_id"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// MutePayload toggles the caller's own mute or deafen state.
type MutePayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Deafen    bool      `json:"deafen,omitempty"`
}

// ScreenShareStartPayload requests starting a screen share.
type ScreenShareStartPayload struct {
	ChannelID   uuid.UUID `json:"channel_id"`
	Quality     string    `json:"quality"`
	HasAudio    bool      `json:"has_audio"`
	SourceLabel string    `json:"source_label,omitempty"`
}

// ScreenShareStopPayload requests stopping the caller's screen share.
type ScreenShareStopPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
	Reason    string    `json:"reason,omitempty"`
}

// StatsPayload reports one client-measured WebRTC quality sample.
type StatsPayload struct {
	ChannelID  uuid.UUID `json:"channel_id"`
	SessionID  string    `json:"session_id"`
	Latency    float64   `json:"latency"`
	PacketLoss float64   `json:"packet_loss"`
	Jitter     float64   `json:"jitter"`
	Quality    string    `json:"quality"`
	Timestamp  int64     `json:"timestamp"`
}

// StatsBroadcast is what gets relayed to the rest of the room on a stats
// report — there's no persistent state to keep, it's a pass-through.
type StatsBroadcast struct {
	ChannelID  uuid.UUID `json:"channel_id"`
	UserID     uuid.UUID `json:"user_id"`
	Latency    float64   `json:"latency"`
	PacketLoss float64   `json:"packet_loss"`
	Jitter     float64   `json:"jitter"`
	Quality    string    `json:"quality"`
	Timestamp  int64     `json:"timestamp"`
}

// HandleJoin runs the SFU join flow for userID/username against the
// requested channel and remembers the resulting peer for later Answer/
// ICECandidate/Leave calls from the same connection.
func (h *Handler) HandleJoin(ctx context.Context, userID uuid.UUID, username string, raw json.RawMessage) (*JoinResult, error) {
	var payload JoinPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode join payload: %w", err)
	}

	peer, offer, state, err := h.sfu.Join(ctx, payload.ChannelID, userID, username)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.peers[peerKey{payload.ChannelID, userID}] = peer
	h.mu.Unlock()

	return &JoinResult{Offer: offer, Room: state}, nil
}

// HandleLeave removes userID's peer from the channel, if present.
func (h *Handler) HandleLeave(userID uuid.UUID, raw json.RawMessage) error {
	var payload LeavePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode leave payload: %w", err)
	}

	h.sfu.Leave(payload.ChannelID, userID)

	h.mu.Lock()
	delete(h.peers, peerKey{payload.ChannelID, userID})
	h.mu.Unlock()
	return nil
}

// HandleAnswer applies the client's SDP answer to its peer.
func (h *Handler) HandleAnswer(ctx context.Context, userID uuid.UUID, raw json.RawMessage) error {
	var payload AnswerPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode answer payload: %w", err)
	}

	peer := h.lookupPeer(payload.ChannelID, userID)
	if peer == nil {
		return newError(ErrPeerNotFound, "no active voice peer for user %s in channel %s", userID, payload.ChannelID)
	}
	return h.sfu.HandleAnswer(ctx, peer, payload.SDP)
}

// HandleICECandidate adds a trickled candidate to the caller's peer.
func (h *Handler) HandleICECandidate(ctx context.Context, userID uuid.UUID, raw json.RawMessage) error {
	var payload ICECandidatePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode candidate payload: %w", err)
	}

	peer := h.lookupPeer(payload.ChannelID, userID)
	if peer == nil {
		return newError(ErrPeerNotFound, "no active voice peer for user %s in channel %s", userID, payload.ChannelID)
	}
	return h.sfu.HandleICECandidate(ctx, peer, payload.Candidate)
}

// HandleDisconnect is called when a client's transport drops; it leaves
// every voice channel that connection had joined.
func (h *Handler) HandleDisconnect(userID uuid.UUID) {
	h.mu.Lock()
	var toLeave []uuid.UUID
	for key := range h.peers {
		if key.userID == userID {
			toLeave = append(toLeave, key.channelID)
		}
	}
	h.mu.Unlock()

	for _, channelID := range toLeave {
		h.sfu.Leave(channelID, userID)
		h.mu.Lock()
		delete(h.peers, peerKey{channelID, userID})
		h.mu.Unlock()
	}
}

// HandleMute applies a mute (muteOn=true) or deafen/unmute toggle to the
// caller's own peer and reports the channel it applied to so the caller can
// broadcast the change to the rest of the room.
func (h *Handler) HandleMute(userID uuid.UUID, raw json.RawMessage, muteOn bool) (uuid.UUID, bool, error) {
	var payload MutePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, false, fmt.Errorf("decode mute payload: %w", err)
	}

	peer := h.lookupPeer(payload.ChannelID, userID)
	if peer == nil {
		return uuid.Nil, false, newError(ErrPeerNotFound, "no active voice peer for user %s in channel %s", userID, payload.ChannelID)
	}

	if payload.Deafen {
		peer.SetDeafened(muteOn)
	} else {
		peer.SetMuted(muteOn)
	}
	return payload.ChannelID, payload.Deafen, nil
}

// HandleScreenShareStart starts a screen share on the caller's peer and
// returns the broadcast-ready event for the rest of the room.
func (h *Handler) HandleScreenShareStart(userID uuid.UUID, raw json.RawMessage) (uuid.UUID, *ScreenShareStartedEvent, error) {
	var payload ScreenShareStartPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, nil, fmt.Errorf("decode screen share start payload: %w", err)
	}

	room := h.sfu.GetRoom(payload.ChannelID)
	if room == nil {
		return uuid.Nil, nil, newError(ErrPeerNotFound, "no active voice room %s", payload.ChannelID)
	}

	share := room.StartScreenShare(userID, payload.SourceLabel, payload.HasAudio, payload.Quality)
	return payload.ChannelID, &ScreenShareStartedEvent{Channel: payload.ChannelID, Share: share}, nil
}

// HandleScreenShareStop ends the caller's screen share, if any.
func (h *Handler) HandleScreenShareStop(userID uuid.UUID, raw json.RawMessage) (uuid.UUID, error) {
	var payload ScreenShareStopPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, fmt.Errorf("decode screen share stop payload: %w", err)
	}

	room := h.sfu.GetRoom(payload.ChannelID)
	if room == nil {
		return uuid.Nil, newError(ErrPeerNotFound, "no active voice room %s", payload.ChannelID)
	}

	reason := payload.Reason
	if reason == "" {
		reason = "user_stopped"
	}
	room.StopScreenShare(userID, reason)
	return payload.ChannelID, nil
}

// HandleVoiceStats decodes a client-reported quality sample. There's no
// server-side state kept for it; it's relayed to the room as a pass-through.
func (h *Handler) HandleVoiceStats(userID uuid.UUID, raw json.RawMessage) (uuid.UUID, *StatsBroadcast, error) {
	var payload StatsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return uuid.Nil, nil, fmt.Errorf("decode voice stats payload: %w", err)
	}

	if h.lookupPeer(payload.ChannelID, userID) == nil {
		return uuid.Nil, nil, newError(ErrPeerNotFound, "no active voice peer for user %s in channel %s", userID, payload.ChannelID)
	}

	return payload.ChannelID, &StatsBroadcast{
		ChannelID:  payload.ChannelID,
		UserID:     userID,
		Latency:    payload.Latency,
		PacketLoss: payload.PacketLoss,
		Jitter:     payload.Jitter,
		Quality:    payload.Quality,
		Timestamp:  payload.Timestamp,
	}, nil
}

func (h *Handler) lookupPeer(channelID, userID uuid.UUID) *Peer {
	h.mu.Lock()
	peer, ok := h.peers[peerKey{channelID, userID}]
	h.mu.Unlock()
	if ok {
		return peer
	}
	// Fall back to the room's live peer set in case the local cache missed
	// a reconnect (e.g. process restart with an external room registry).
	room := h.sfu.GetRoom(channelID)
	if room == nil {
		return nil
	}
	return room.Peer(userID)
}
