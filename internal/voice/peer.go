package voice

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// outboundQueueCapacity bounds the private signaling queue each Peer drains
// to its session's writer task. A slow or wedged client backs up here, not
// against the room.
const outboundQueueCapacity = 100

// OnTrackFunc is notified whenever a peer publishes a new incoming track, so
// the SFU Server can wire the Track Router and subscribe the rest of the
// room.
type OnTrackFunc func(p *Peer, track *webrtc.TrackRemote, kind TrackKind)

// Peer owns one WebRTC peer connection, the tracks it has published
// (incoming) and the forwarding tracks attached to it (outgoing, one per
// other peer's source), atomic muted/deafened flags, and a bounded outbound
// channel for signaling events targeted at this session alone.
type Peer struct {
	UserID    uuid.UUID
	Username  string
	ChannelID uuid.UUID

	pc *webrtc.PeerConnection

	mu             sync.RWMutex
	incomingTracks map[TrackKind]*webrtc.TrackRemote
	outgoingTracks map[string]*webrtc.TrackLocalStaticRTP

	muted    atomic.Bool
	deafened atomic.Bool

	outbound chan OutboundEvent

	logger *slog.Logger
}

// NewPeer constructs a peer and installs the on-ice-candidate,
// on-connection-state-change, and on-track callbacks on the underlying
// connection.
func NewPeer(userID uuid.UUID, username string, channelID uuid.UUID, api *webrtc.API, iceConfig webrtc.Configuration, onTrack OnTrackFunc, logger *slog.Logger) (*Peer, error) {
	pc, err := api.NewPeerConnection(iceConfig)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		UserID:         userID,
		Username:       username,
		ChannelID:      channelID,
		pc:             pc,
		incomingTracks: make(map[TrackKind]*webrtc.TrackRemote),
		outgoingTracks: make(map[string]*webrtc.TrackLocalStaticRTP),
		outbound:       make(chan OutboundEvent, outboundQueueCapacity),
		logger:         logger.With("component", "voice_peer", "user_id", userID, "channel_id", channelID),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		p.Enqueue(OutboundEvent{
			Type:    "VoiceIceCandidate",
			Payload: IceCandidateEvent{Channel: channelID, Candidate: candidate.ToJSON()},
		})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			p.Enqueue(OutboundEvent{Type: "VoiceTeardown"})
		case webrtc.PeerConnectionStateConnected:
			p.logger.Info("voice peer connected")
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := kindFromStreamID(track.StreamID(), track.Kind())
		p.SetIncomingTrack(track, kind)
		if onTrack != nil {
			onTrack(p, track, kind)
		}
	})

	return p, nil
}

// ClassifyTrack recovers a TrackKind from a remote track the same way the
// on-track callback does, for callers outside this package that terminate
// their own peer connections but want to reuse the Track Router.
func ClassifyTrack(track *webrtc.TrackRemote) TrackKind {
	return kindFromStreamID(track.StreamID(), track.Kind())
}

// kindFromStreamID recovers the published track kind from the stream ID the
// client tagged the track with when it called addTrack, falling back to a
// codec-type guess for clients that didn't.
func kindFromStreamID(streamID string, codecType webrtc.RTPCodecType) TrackKind {
	switch streamID {
	case "microphone":
		return TrackMicrophone
	case "screen_video":
		return TrackScreenVideo
	case "screen_audio":
		return TrackScreenAudio
	case "webcam":
		return TrackWebcam
	}
	if codecType == webrtc.RTPCodecTypeAudio {
		return TrackMicrophone
	}
	return TrackWebcam
}

// SetIncomingTrack remembers a published source track so new subscribers
// can be wired to it later.
func (p *Peer) SetIncomingTrack(track *webrtc.TrackRemote, kind TrackKind) {
	p.mu.Lock()
	p.incomingTracks[kind] = track
	p.mu.Unlock()
}

// IncomingTracks returns a snapshot of the peer's currently published
// tracks, keyed by kind.
func (p *Peer) IncomingTracks() map[TrackKind]*webrtc.TrackRemote {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[TrackKind]*webrtc.TrackRemote, len(p.incomingTracks))
	for k, v := range p.incomingTracks {
		out[k] = v
	}
	return out
}

// AddOutgoingTrack attaches a forwarding track as a new sender on this
// peer's connection.
func (p *Peer) AddOutgoingTrack(sourceUserID uuid.UUID, kind TrackKind, forwarding *webrtc.TrackLocalStaticRTP) error {
	sender, err := p.pc.AddTrack(forwarding)
	if err != nil {
		return err
	}

	key := sourceUserID.String() + ":" + kind.String()
	p.mu.Lock()
	p.outgoingTracks[key] = forwarding
	p.mu.Unlock()

	go drainRTCP(sender)
	return nil
}

// drainRTCP reads and discards RTCP packets for a sender so the underlying
// buffers don't fill and stall.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// SetMuted and SetDeafened are atomic flags read by capture and render
// paths without locking.
func (p *Peer) SetMuted(muted bool)       { p.muted.Store(muted) }
func (p *Peer) Muted() bool               { return p.muted.Load() }
func (p *Peer) SetDeafened(deafened bool) { p.deafened.Store(deafened) }
func (p *Peer) Deafened() bool            { return p.deafened.Load() }

// Enqueue places an event on the peer's outbound queue, dropping it if the
// queue is full. Dropping is logged, not fatal — the spec requires
// broadcast to never fail the caller.
func (p *Peer) Enqueue(evt OutboundEvent) bool {
	select {
	case p.outbound <- evt:
		return true
	default:
		p.logger.Warn("dropping outbound voice event, queue full", "type", evt.Type)
		return false
	}
}

// Outbound returns the channel the session's writer task drains.
func (p *Peer) Outbound() <-chan OutboundEvent {
	return p.outbound
}

// CreateOffer creates an SDP offer and sets it as the local description.
func (p *Peer) CreateOffer(_ context.Context) (string, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

// HandleAnswer sets the client's SDP answer as the remote description.
func (p *Peer) HandleAnswer(_ context.Context, sdp string) error {
	return p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

// HandleICECandidate adds a trickled ICE candidate from the client.
func (p *Peer) HandleICECandidate(_ context.Context, candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// Close tears down the underlying peer connection.
func (p *Peer) Close() error {
	return p.pc.Close()
}
