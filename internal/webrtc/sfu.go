// Package webrtc provides WebRTC functionality for video/audio calls.
// This file implements the SFU (Selective Forwarding Unit) for group calls.
// The SFU receives media from each participant and forwards it to all others.
//
// Architecture:
// - For 1:1 calls: Use P2P mesh (existing handler.go/manager.go)
// - For group calls (3+ participants): Use SFU (this file)
//
// The SFU creates a server-side PeerConnection for each participant. RTP
// forwarding itself is delegated to internal/voice's Track Router rather
// than walking the room's participant map per packet: that map is read
// constantly by this file's own join/leave bookkeeping, and a room-wide
// RLock held for the duration of every RTP write is the first thing to show
// up in tail latency once a room has more than a couple of screen shares.
package webrtc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/wolftown/canis/internal/pubsub"
	"github.com/wolftown/canis/internal/voice"
)

// JoinLimiter rate-limits group-call joins per user, the same contract
// internal/voice's SFU uses so both signaling surfaces share one limiter
// implementation from internal/ratelimit.
type JoinLimiter interface {
	Allow(userID uuid.UUID) bool
}

// SFU manages server-side WebRTC connections for group calls
type SFU struct {
	mu      sync.RWMutex
	rooms   map[uuid.UUID]*SFURoom
	config  *SFUConfig
	pubsub  pubsub.PubSub
	router  *voice.TrackRouter
	limiter JoinLimiter
	logger  *slog.Logger
}

// SetJoinLimiter installs a join rate limiter. Left unset, JoinRoom never
// rate-limits — existing callers and tests that construct an SFU without
// one keep working unchanged.
func (s *SFU) SetJoinLimiter(limiter JoinLimiter) {
	s.limiter = limiter
}

// SFUConfig holds configuration for the SFU
type SFUConfig struct {
	ICEServers []webrtc.ICEServer
}

// SFURoom represents a group call room managed by the SFU
type SFURoom struct {
	mu           sync.RWMutex
	ID           uuid.UUID
	callID       uuid.UUID
	participants map[uuid.UUID]*SFUParticipant
	logger       *slog.Logger
}

// SFUParticipant represents a participant in an SFU room
type SFUParticipant struct {
	mu       sync.RWMutex
	UserID   uuid.UUID
	Username string
	pc       *webrtc.PeerConnection

	localTracks  map[string]*webrtc.TrackLocalStaticRTP // tracks we're sending to this participant, keyed by trackKey(sender, remote track ID)
	remoteTracks map[string]*webrtc.TrackRemote         // tracks received from this participant, keyed by trackKey(own user ID, track ID)

	// subscribers holds, for each of this participant's own published
	// tracks (keyed the same way as remoteTracks), every forwarding track
	// created on a subscriber's connection — so a departing publisher's
	// tracks can be pulled back out of everyone else's connection instead
	// of leaving dead senders behind until the whole call ends.
	subscribers map[string][]*webrtc.TrackLocalStaticRTP
	// subscriptions is the reverse index: for each entry in localTracks,
	// which user published it. Used to find and remove the right local
	// tracks when that publisher leaves.
	subscriptions map[string]uuid.UUID

	pendingCandidates []*webrtc.ICECandidate

	room   *SFURoom
	sfu    *SFU
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// TrackInfo describes a media track
type TrackInfo struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "audio" or "video"
	UserID   string `json:"user_id"`
	Username string `json:"username"`
}

// NewSFU creates a new SFU instance
func NewSFU(config *SFUConfig, ps pubsub.PubSub, logger *slog.Logger) *SFU {
	return &SFU{
		rooms:  make(map[uuid.UUID]*SFURoom),
		config: config,
		pubsub: ps,
		router: voice.NewTrackRouter(logger),
		logger: logger.With("component", "sfu"),
	}
}

// GetRoom returns an SFU room if it exists
func (s *SFU) GetRoom(roomID uuid.UUID) *SFURoom {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[roomID]
}

// GetOrCreateRoom gets an existing room or creates a new one
func (s *SFU) GetOrCreateRoom(roomID uuid.UUID) *SFURoom {
	s.mu.Lock()
	defer s.mu.Unlock()

	if room, ok := s.rooms[roomID]; ok {
		return room
	}

	room := &SFURoom{
		ID:           roomID,
		participants: make(map[uuid.UUID]*SFUParticipant),
		logger:       s.logger.With("room_id", roomID),
	}
	s.rooms[roomID] = room
	s.logger.Info("created SFU room", "room_id", roomID)
	return room
}

// DeleteRoom removes an empty room
func (s *SFU) DeleteRoom(roomID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	s.logger.Info("deleted SFU room", "room_id", roomID)
}

// JoinRoom adds a participant to an SFU room and creates their PeerConnection
func (s *SFU) JoinRoom(ctx context.Context, roomID, userID uuid.UUID, username string) (*SFUParticipant, error) {
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return nil, fmt.Errorf("voice join rate limit exceeded for user %s", userID)
	}

	room := s.GetOrCreateRoom(roomID)

	config := webrtc.Configuration{
		ICEServers: s.config.ICEServers,
	}

	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return nil, err
	}

	// The participant's own ctx governs its background goroutines (RTCP
	// drain, candidate emission) and outlives the request that created it;
	// it's cancelled on Close, not when the join request's ctx is.
	pctx, cancel := context.WithCancel(context.Background())

	participant := &SFUParticipant{
		UserID:        userID,
		Username:      username,
		pc:            pc,
		localTracks:   make(map[string]*webrtc.TrackLocalStaticRTP),
		remoteTracks:  make(map[string]*webrtc.TrackRemote),
		subscribers:   make(map[string][]*webrtc.TrackLocalStaticRTP),
		subscriptions: make(map[string]uuid.UUID),
		room:          room,
		sfu:           s,
		logger:        room.logger.With("user_id", userID, "username", username),
		ctx:           pctx,
		cancel:        cancel,
	}

	pc.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		participant.handleIncomingTrack(remoteTrack, receiver)
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		participant.sendICECandidate(participant.ctx, candidate)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		participant.logger.Info("connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			room.RemoveParticipant(userID)
			if room.ParticipantCount() == 0 {
				s.DeleteRoom(roomID)
			}
		}
	})

	room.AddParticipant(participant)

	// Subscribe the new participant to every track already published by
	// someone else in the room.
	for _, other := range room.participantSnapshot() {
		if other.UserID == userID {
			continue
		}
		other.mu.RLock()
		tracks := make(map[string]*webrtc.TrackRemote, len(other.remoteTracks))
		for k, v := range other.remoteTracks {
			tracks[k] = v
		}
		other.mu.RUnlock()

		for _, remoteTrack := range tracks {
			participant.subscribeToTrack(other.UserID, other.Username, remoteTrack, voice.ClassifyTrack(remoteTrack))
		}
	}

	participant.logger.Info("participant joined SFU room")
	return participant, nil
}

// handleIncomingTrack processes media received from a participant: it
// remembers the track, subscribes every other participant currently in the
// room to it, and hands RTP forwarding off to the shared Track Router.
func (p *SFUParticipant) handleIncomingTrack(remoteTrack *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	kind := voice.ClassifyTrack(remoteTrack)
	p.logger.Info("received track", "kind", remoteTrack.Kind().String(), "track_id", remoteTrack.ID())

	key := trackKey(p.UserID, remoteTrack.ID())
	p.mu.Lock()
	p.remoteTracks[key] = remoteTrack
	p.mu.Unlock()

	for _, other := range p.room.participantSnapshot() {
		if other.UserID == p.UserID {
			continue
		}
		other.subscribeToTrack(p.UserID, p.Username, remoteTrack, kind)
	}

	voice.SpawnRTPForwarder(remoteTrack, p.UserID, kind, p.sfu.router, p.logger)
}

// subscribeToTrack wires a publisher's track to this participant's
// connection through the shared Track Router, recording enough bookkeeping
// on both sides to unwind it later.
func (p *SFUParticipant) subscribeToTrack(senderID uuid.UUID, senderName string, remoteTrack *webrtc.TrackRemote, kind voice.TrackKind) {
	localTrack, err := p.sfu.router.CreateSubscriberTrack(senderID, kind, p.UserID, remoteTrack.Codec().RTPCodecCapability)
	if err != nil {
		p.logger.Error("failed to create subscriber track", "error", err)
		return
	}

	sender, err := p.pc.AddTrack(localTrack)
	if err != nil {
		p.logger.Error("failed to add track", "error", err)
		return
	}
	go drainSenderRTCP(sender)

	key := trackKey(senderID, remoteTrack.ID())
	p.mu.Lock()
	p.localTracks[key] = localTrack
	p.subscriptions[key] = senderID
	p.mu.Unlock()

	if senderParticipant := p.room.GetParticipant(senderID); senderParticipant != nil {
		senderParticipant.mu.Lock()
		senderParticipant.subscribers[key] = append(senderParticipant.subscribers[key], localTrack)
		senderParticipant.mu.Unlock()
	}

	p.logger.Info("subscribed to track", "from_user", senderName, "track_id", remoteTrack.ID())
}

// drainSenderRTCP reads and discards RTCP packets for a sender (PLI/NACK
// feedback this SFU doesn't act on) so its buffers don't fill and stall.
func drainSenderRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// sendICECandidate buffers a trickled candidate until the local description
// is set, then emits it — mirroring how signaling buffers candidates that
// arrive before an SDP answer exists to attach them to.
func (p *SFUParticipant) sendICECandidate(ctx context.Context, candidate *webrtc.ICECandidate) {
	if p.pc.LocalDescription() == nil {
		p.mu.Lock()
		p.pendingCandidates = append(p.pendingCandidates, candidate)
		p.mu.Unlock()
		return
	}
	p.emitCandidate(ctx, candidate)
}

// emitCandidate publishes one ICE candidate to the participant's user topic.
func (p *SFUParticipant) emitCandidate(ctx context.Context, candidate *webrtc.ICECandidate) {
	payload := map[string]interface{}{
		"room_id":   p.room.ID.String(),
		"from_id":   "server",
		"candidate": candidate.ToJSON(),
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal ICE candidate", "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.User(p.UserID.String()),
		Type:    EventTypeSFUCandidate,
		Payload: payloadBytes,
	}
	_ = p.sfu.pubsub.Publish(ctx, msg.Topic, msg)
}

// sendOffer publishes an SDP offer to the participant's user topic, then
// flushes any ICE candidates that were buffered while the local description
// wasn't set yet.
func (p *SFUParticipant) sendOffer(ctx context.Context, sdp string) {
	payload := map[string]interface{}{
		"room_id": p.room.ID.String(),
		"sdp":     sdp,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		p.logger.Error("failed to marshal SFU offer", "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.User(p.UserID.String()),
		Type:    EventTypeSFUOffer,
		Payload: payloadBytes,
	}
	_ = p.sfu.pubsub.Publish(ctx, msg.Topic, msg)

	p.mu.Lock()
	pending := p.pendingCandidates
	p.pendingCandidates = nil
	p.mu.Unlock()

	for _, c := range pending {
		p.emitCandidate(ctx, c)
	}
}

// HandleOffer processes an SDP offer from the participant
func (p *SFUParticipant) HandleOffer(ctx context.Context, sdp string) (string, error) {
	offer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	}

	if err := p.pc.SetRemoteDescription(offer); err != nil {
		return "", err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}

	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}

	return answer.SDP, nil
}

// HandleAnswer processes an SDP answer from the participant
func (p *SFUParticipant) HandleAnswer(ctx context.Context, sdp string) error {
	answer := webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	}

	return p.pc.SetRemoteDescription(answer)
}

// HandleICECandidate adds an ICE candidate from the participant
func (p *SFUParticipant) HandleICECandidate(ctx context.Context, candidateJSON string) error {
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidateJSON), &candidate); err != nil {
		return err
	}
	return p.pc.AddICECandidate(candidate)
}

// CreateOffer creates an SDP offer and sets it as the local description.
// Callers that publish the offer over signaling rather than returning it
// inline should use sendOffer instead, which also flushes any ICE
// candidates buffered while the local description wasn't set yet.
func (p *SFUParticipant) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}

	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}

	return offer.SDP, nil
}

// Close tears down the participant's connection and background goroutines.
func (p *SFUParticipant) Close() error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if pc != nil {
		return pc.Close()
	}
	return nil
}

// AddParticipant adds a participant to the room
func (r *SFURoom) AddParticipant(p *SFUParticipant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.UserID] = p
}

// RemoveParticipant removes a participant from the room, releases its Track
// Router subscriptions, and pulls its forwarding tracks back out of every
// other participant's connection.
func (r *SFURoom) RemoveParticipant(userID uuid.UUID) {
	r.mu.Lock()
	p, ok := r.participants[userID]
	if ok {
		delete(r.participants, userID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if p.sfu != nil && p.sfu.router != nil {
		p.sfu.router.RemoveSource(userID)
		p.sfu.router.RemoveSubscriberFromAll(userID)
	}

	for _, other := range r.participantSnapshot() {
		if other.UserID == userID {
			continue
		}
		other.removeDownstreamTracksFor(userID)
	}

	_ = p.Close()
}

// removeDownstreamTracksFor pulls every local track this participant was
// using to receive senderID's media back out of its own connection.
func (p *SFUParticipant) removeDownstreamTracksFor(senderID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []string
	for key, sender := range p.subscriptions {
		if sender == senderID {
			stale = append(stale, key)
		}
	}

	for _, key := range stale {
		if localTrack, ok := p.localTracks[key]; ok {
			for _, rtpSender := range p.pc.GetSenders() {
				if rtpSender.Track() == localTrack {
					_ = p.pc.RemoveTrack(rtpSender)
					break
				}
			}
			delete(p.localTracks, key)
		}
		delete(p.subscriptions, key)
	}
}

// GetParticipant returns a participant by ID
func (r *SFURoom) GetParticipant(userID uuid.UUID) *SFUParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.participants[userID]
}

// ParticipantCount returns the number of participants
func (r *SFURoom) ParticipantCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

// GetParticipantList returns info about all participants
func (r *SFURoom) GetParticipantList() []Participant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Participant, 0, len(r.participants))
	for _, p := range r.participants {
		list = append(list, Participant{
			UserID:   p.UserID,
			Username: p.Username,
		})
	}
	return list
}

// GetCallID returns the database call log ID this room is tracking, or
// uuid.Nil if no call has been logged for it yet.
func (r *SFURoom) GetCallID() uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.callID
}

// SetCallID records the database call log ID for this room, set once by
// whichever participant's join is detected as the call's initiator.
func (r *SFURoom) SetCallID(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callID = callID
}

// GetTracks returns every track currently published in the room, across all
// participants — used to tell a newly-joined client what remote streams to
// expect before its subscriber tracks arrive over signaling.
func (r *SFURoom) GetTracks() []TrackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var tracks []TrackInfo
	for _, p := range r.participants {
		p.mu.RLock()
		for key, remoteTrack := range p.remoteTracks {
			_, trackID := splitTrackKey(key)
			tracks = append(tracks, TrackInfo{
				ID:       trackID,
				Kind:     remoteTrack.Kind().String(),
				UserID:   p.UserID.String(),
				Username: p.Username,
			})
		}
		p.mu.RUnlock()
	}
	return tracks
}

// participantSnapshot copies the participant map under lock so callers can
// iterate it without holding the room lock across potentially slow work
// (adding tracks, publishing events).
func (r *SFURoom) participantSnapshot() []*SFUParticipant {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*SFUParticipant, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

// trackKey namespaces a track ID by its publisher, since the same literal
// track ID ("0", "audio", ...) can be reused by unrelated clients.
func trackKey(senderID uuid.UUID, trackID string) string {
	return senderID.String() + ":" + trackID
}

// splitTrackKey reverses trackKey. It splits on the last colon so a track ID
// that itself contains colons round-trips correctly; a key with no colon at
// all (never produced by trackKey, but defensively handled) is treated as a
// bare track ID with no known sender.
func splitTrackKey(key string) (sender, track string) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return "", key
	}
	return key[:idx], key[idx+1:]
}
