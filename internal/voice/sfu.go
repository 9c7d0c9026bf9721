package voice

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// DefaultMaxParticipants bounds a room's size when Config doesn't specify
// one.
const DefaultMaxParticipants = 50

// Config holds the SFU Server's process-wide configuration.
type Config struct {
	ICEServers      []webrtc.ICEServer
	MaxParticipants int
}

// JoinLimiter rate-limits voice-channel joins per user. Satisfied by
// internal/ratelimit's category limiter in production; tests can supply an
// always-allow stub.
type JoinLimiter interface {
	Allow(userID uuid.UUID) bool
}

// SFU owns the WebRTC API, every channel's Room, and the shared Track
// Router all rooms forward RTP through.
type SFU struct {
	mu     sync.RWMutex
	rooms  map[uuid.UUID]*Room
	api    *webrtc.API
	config *Config
	router *TrackRouter
	limiter JoinLimiter
	logger  *slog.Logger
}

// NewSFU builds the WebRTC API once, registering Opus (payload type 111,
// 48 kHz stereo, in-band FEC) plus VP8/H.264 for screen share and webcam.
func NewSFU(config *Config, limiter JoinLimiter, logger *slog.Logger) (*SFU, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}

	if config.MaxParticipants <= 0 {
		config.MaxParticipants = DefaultMaxParticipants
	}

	return &SFU{
		rooms:   make(map[uuid.UUID]*Room),
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		config:  config,
		router:  NewTrackRouter(logger),
		limiter: limiter,
		logger:  logger.With("component", "sfu_server"),
	}, nil
}

func registerCodecs(m *webrtc.MediaEngine) error {
	opus := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opus, webrtc.RTPCodecTypeAudio); err != nil {
		return err
	}

	vp8 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}
	if err := m.RegisterCodec(vp8, webrtc.RTPCodecTypeVideo); err != nil {
		return err
	}

	h264 := webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: 90000},
		PayloadType:        102,
	}
	return m.RegisterCodec(h264, webrtc.RTPCodecTypeVideo)
}

// GetRoom returns the room for a channel, or nil if it has no active
// participants.
func (s *SFU) GetRoom(channelID uuid.UUID) *Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rooms[channelID]
}

func (s *SFU) getOrCreateRoom(channelID uuid.UUID) *Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[channelID]
	if !ok {
		room = NewRoom(channelID, s.config.MaxParticipants, s.router, s.logger)
		s.rooms[channelID] = room
	}
	return room
}

// DeleteRoom drops a channel's room entirely.
func (s *SFU) DeleteRoom(channelID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, channelID)
}

// iceConfig builds the webrtc.Configuration handed to every new peer
// connection.
func (s *SFU) iceConfig() webrtc.Configuration {
	return webrtc.Configuration{ICEServers: s.config.ICEServers}
}

// Join runs the join flow: rate-limit, resolve-or-create room, construct
// peer, wire callbacks, add to room (may fail with ChannelFull or
// AlreadyJoined), create offer, and broadcast VoiceUserJoined.
func (s *SFU) Join(ctx context.Context, channelID, userID uuid.UUID, username string) (*Peer, string, *RoomStateEvent, error) {
	if s.limiter != nil && !s.limiter.Allow(userID) {
		return nil, "", nil, newError(ErrRateLimited, "voice join rate limit exceeded for user %s", userID)
	}

	room := s.getOrCreateRoom(channelID)

	peer, err := NewPeer(userID, username, channelID, s.api, s.iceConfig(), func(p *Peer, track *webrtc.TrackRemote, kind TrackKind) {
		s.handleIncomingTrack(room, p, track, kind)
	}, s.logger)
	if err != nil {
		return nil, "", nil, err
	}

	if err := room.Join(peer); err != nil {
		_ = peer.Close()
		return nil, "", nil, err
	}

	// Reciprocal subscription: wire the new peer to every track already
	// published by someone else in the room before creating its offer, so
	// the initial SDP already describes every inbound stream.
	for _, other := range room.Peers() {
		if other.UserID == peer.UserID {
			continue
		}
		for kind, track := range other.IncomingTracks() {
			s.subscribe(other.UserID, kind, peer, track.Codec().RTPCodecCapability)
		}
	}

	offer, err := peer.CreateOffer(ctx)
	if err != nil {
		room.Leave(userID)
		_ = peer.Close()
		return nil, "", nil, err
	}

	room.BroadcastExcept(userID, OutboundEvent{
		Type:    "VoiceUserJoined",
		Payload: UserJoinedEvent{Channel: channelID, UserID: userID, Username: username},
	})

	state := &RoomStateEvent{
		Channel:            channelID,
		Participants:       room.ParticipantSnapshot(),
		ActiveScreenShares: room.ActiveScreenShares(),
	}

	return peer, offer, state, nil
}

// handleIncomingTrack is the on-track callback: it remembers the track on
// its source peer, spawns the RTP forwarder, and subscribes every other
// peer currently in the room.
func (s *SFU) handleIncomingTrack(room *Room, source *Peer, track *webrtc.TrackRemote, kind TrackKind) {
	spawnRTPForwarder(track, source.UserID, kind, s.router, s.logger)

	codec := track.Codec().RTPCodecCapability
	for _, other := range room.Peers() {
		if other.UserID == source.UserID {
			continue
		}
		s.subscribe(source.UserID, kind, other, codec)
	}
}

func (s *SFU) subscribe(sourceUserID uuid.UUID, kind TrackKind, subscriber *Peer, codec webrtc.RTPCodecCapability) {
	localTrack, err := s.router.CreateSubscriberTrack(sourceUserID, kind, subscriber.UserID, codec)
	if err != nil {
		s.logger.Error("failed to create subscriber track", "error", err, "source", sourceUserID, "subscriber", subscriber.UserID)
		return
	}
	if err := subscriber.AddOutgoingTrack(sourceUserID, kind, localTrack); err != nil {
		s.logger.Error("failed to attach subscriber track", "error", err, "subscriber", subscriber.UserID)
	}
}

// HandleAnswer sets the client's SDP answer on its peer.
func (s *SFU) HandleAnswer(ctx context.Context, peer *Peer, sdp string) error {
	return peer.HandleAnswer(ctx, sdp)
}

// HandleICECandidate adds a trickled ICE candidate to a peer.
func (s *SFU) HandleICECandidate(ctx context.Context, peer *Peer, candidate webrtc.ICECandidateInit) error {
	return peer.HandleICECandidate(ctx, candidate)
}

// Leave removes a peer from its room, closes its connection, broadcasts
// VoiceUserLeft, and drops the room once empty. Also the path taken when
// the client's WebSocket drops or the peer connection enters Failed —
// callers treat both as implicit voice-leave.
func (s *SFU) Leave(channelID, userID uuid.UUID) {
	room := s.GetRoom(channelID)
	if room == nil {
		return
	}

	peer := room.Leave(userID)
	if peer == nil {
		return
	}

	if err := peer.Close(); err != nil {
		s.logger.Warn("error closing peer connection", "error", err, "user_id", userID)
	}

	room.BroadcastExcept(userID, OutboundEvent{
		Type:    "VoiceUserLeft",
		Payload: UserLeftEvent{Channel: channelID, UserID: userID},
	})

	if room.Count() == 0 {
		s.DeleteRoom(channelID)
	}
}
