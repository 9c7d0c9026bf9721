package voice

import "github.com/google/uuid"

// OutboundEvent is one server-to-client voice signaling event, queued on a
// Peer's private outbound channel rather than published on the bus since it
// targets exactly one session.
type OutboundEvent struct {
	Type    string
	Payload interface{}
}

// IceCandidateEvent carries a trickled ICE candidate back to the peer that
// owns the connection it was gathered on.
type IceCandidateEvent struct {
	Channel   uuid.UUID   `json:"channel"`
	Candidate interface{} `json:"candidate"`
}

// Participant is one entry of a Room's snapshot list.
type Participant struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Muted    bool      `json:"muted"`
	Deafened bool      `json:"deafened"`
}

// UserJoinedEvent is broadcast to every other peer in a room when a user
// joins.
type UserJoinedEvent struct {
	Channel  uuid.UUID `json:"channel"`
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
}

// UserLeftEvent is broadcast to every other peer in a room when a user
// leaves.
type UserLeftEvent struct {
	Channel uuid.UUID `json:"channel"`
	UserID  uuid.UUID `json:"user_id"`
}

// RoomStateEvent is delivered to a peer on join, describing who else is in
// the room and what screen shares are active.
type RoomStateEvent struct {
	Channel            uuid.UUID     `json:"channel"`
	Participants       []Participant `json:"participants"`
	ActiveScreenShares []ScreenShare `json:"active_screen_shares"`
}

// ScreenShareStartedEvent is broadcast when a peer begins sharing a screen
// or window.
type ScreenShareStartedEvent struct {
	Channel uuid.UUID   `json:"channel"`
	Share   ScreenShare `json:"share"`
}

// ScreenShareStoppedEvent is broadcast when a screen share ends, naming why.
type ScreenShareStoppedEvent struct {
	Channel uuid.UUID `json:"channel"`
	UserID  uuid.UUID `json:"user_id"`
	Reason  string    `json:"reason"`
}

// ScreenShareQualityChangedEvent is broadcast when a sharer changes the
// capture quality mid-share.
type ScreenShareQualityChangedEvent struct {
	Channel uuid.UUID `json:"channel"`
	UserID  uuid.UUID `json:"user_id"`
	Quality string    `json:"quality"`
}
