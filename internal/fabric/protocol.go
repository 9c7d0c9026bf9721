package fabric

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for client -> server
const (
	EventTypeRoomJoin    = "room.join"
	EventTypeRoomLeave   = "room.leave"
	EventTypeMessageSend = "message.send"
	EventTypeTypingStart = "typing.start"
	EventTypeTypingStop  = "typing.stop"
	EventTypeReceiptRead = "receipt.read"

	EventTypeVoiceJoin      = "voice.join"
	EventTypeVoiceLeave     = "voice.leave"
	EventTypeVoiceAnswer    = "voice.answer"
	EventTypeVoiceCandidate = "voice.candidate"

	// Channel/session-state events, named to match the reference backend's
	// wire protocol (ws/mod.rs ClientEvent) rather than this package's
	// earlier room.* naming.
	EventTypePing              = "ping"
	EventTypeSubscribe         = "subscribe"
	EventTypeUnsubscribe       = "unsubscribe"
	EventTypeSetActivity       = "set_activity"
	EventTypeAdminSubscribe    = "admin_subscribe"
	EventTypeAdminUnsubscribe  = "admin_unsubscribe"
	EventTypeVoiceMute         = "voice_mute"
	EventTypeVoiceUnmute       = "voice_unmute"
	EventTypeVoiceScreenStart  = "voice_screen_share_start"
	EventTypeVoiceScreenStop   = "voice_screen_share_stop"
	EventTypeVoiceStats        = "voice_stats"
)

// Event types for server -> client
const (
	EventTypeError          = "error"
	EventTypeMessageNew     = "message.new"
	EventTypeMessageDeleted = "message.deleted"
	EventTypeTyping         = "typing"
	EventTypeReceiptUpdate  = "receipt.updated"
	EventTypeMemberJoined   = "room.member_joined"
	EventTypeMemberLeft     = "room.member_left"
	EventTypeRoomUpdated    = "room.updated"
	EventTypePresence       = "presence"

	EventTypeVoiceOffer = "voice.offer"

	EventTypeReady              = "ready"
	EventTypePong               = "pong"
	EventTypeSubscribed         = "subscribed"
	EventTypeUnsubscribed       = "unsubscribed"
	EventTypePatch              = "patch"
	EventTypeRichPresenceUpdate = "rich_presence_update"
	EventTypeVoiceUserMuted     = "voice_user_muted"
	EventTypeVoiceUserUnmuted   = "voice_user_unmuted"
	EventTypeVoiceUserStats     = "voice_user_stats"
	EventTypeScreenShareStarted = "screen_share_started"
	EventTypeScreenShareStopped = "screen_share_stopped"
)

// Message is the base WebSocket message envelope
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(eventType string, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      eventType,
		Payload:   payloadBytes,
		Timestamp: time.Now(),
	}, nil
}

// ============================================================================
// Client -> Server Payloads
// ============================================================================

// RoomJoinPayload for joining a conversation room
type RoomJoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// RoomLeavePayload for leaving a conversation room
type RoomLeavePayload struct {
	ConversationID string `json:"conversation_id"`
}

// MessageSendPayload for sending a message via WebSocket
type MessageSendPayload struct {
	ConversationID string `json:"conversation_id"`
	BodyText       string `json:"body_text"`
	AttachmentID   string `json:"attachment_id,omitempty"`
	TempID         string `json:"temp_id,omitempty"` // Client-side temp ID for optimistic UI
}

// TypingPayload for typing indicators
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
}

// ReceiptReadPayload for marking messages as read
type ReceiptReadPayload struct {
	MessageID string `json:"message_id"`
}

// ============================================================================
// Server -> Client Payloads
// ============================================================================

// ErrorPayload for error responses
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MessageNewPayload broadcasts a new message to room members
type MessageNewPayload struct {
	ID             uuid.UUID          `json:"id"`
	ConversationID uuid.UUID          `json:"conversation_id"`
	SenderID       uuid.UUID          `json:"sender_id"`
	SenderUsername string             `json:"sender_username"`
	BodyText       string             `json:"body_text"`
	AttachmentID   *uuid.UUID         `json:"attachment_id,omitempty"`
	Attachment     *AttachmentPayload `json:"attachment,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	TempID         string             `json:"temp_id,omitempty"` // Echo back for sender
}

// AttachmentPayload contains attachment details
type AttachmentPayload struct {
	ID        uuid.UUID `json:"id"`
	Filename  string    `json:"filename"`
	MimeType  string    `json:"mime_type"`
	SizeBytes int64     `json:"size_bytes"`
}

// TypingBroadcastPayload broadcasts typing status
type TypingBroadcastPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Username       string    `json:"username"`
	IsTyping       bool      `json:"is_typing"`
}

// PresencePayload for online/offline status
type PresencePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Username string    `json:"username"`
	Online   bool      `json:"online"`
}

// MemberJoinedPayload broadcasts when a new member is added to a group
type MemberJoinedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Username       string    `json:"username"`
	Role           string    `json:"role"`
	AddedBy        uuid.UUID `json:"added_by"`
}

// MemberLeftPayload broadcasts when a member leaves or is removed from a group
type MemberLeftPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         uuid.UUID `json:"user_id"`
	Username       string    `json:"username"`
	RemovedBy      uuid.UUID `json:"removed_by"` // Same as UserID if self-left
}

// RoomUpdatedPayload broadcasts when a conversation is updated (e.g., title change)
type RoomUpdatedPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	Title          string    `json:"title,omitempty"`
	UpdatedBy      uuid.UUID `json:"updated_by"`
}

// MessageDeletedPayload broadcasts when a message is deleted
type MessageDeletedPayload struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	DeletedBy      uuid.UUID `json:"deleted_by"`
}

// ReceiptUpdatePayload broadcasts when message receipts are updated
type ReceiptUpdatePayload struct {
	MessageID      uuid.UUID  `json:"message_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`      // Who delivered/read the message
	Status         string     `json:"status"`       // "delivered" or "read"
	Timestamp      time.Time  `json:"timestamp"`    // When it was delivered/read
}

// ReceiptBatchUpdatePayload for multiple receipt updates at once
type ReceiptBatchUpdatePayload struct {
	ConversationID uuid.UUID   `json:"conversation_id"`
	MessageIDs     []uuid.UUID `json:"message_ids"`
	UserID         uuid.UUID   `json:"user_id"`
	Status         string      `json:"status"`    // "delivered" or "read"
	Timestamp      time.Time   `json:"timestamp"`
}

// ============================================================================
// Channel subscription / session-state payloads
// ============================================================================

// SubscribePayload requests subscription to a channel's events.
type SubscribePayload struct {
	ChannelID string `json:"channel_id"`
}

// UnsubscribePayload requests dropping a channel subscription.
type UnsubscribePayload struct {
	ChannelID string `json:"channel_id"`
}

// SubscribedPayload confirms a Subscribe.
type SubscribedPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// UnsubscribedPayload confirms an Unsubscribe.
type UnsubscribedPayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
}

// ReadyPayload is sent once immediately after a successful upgrade,
// replacing the former in-band auth.success handshake now that
// authentication happens during the WebSocket upgrade itself.
type ReadyPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

// Activity is a user's rich-presence status, e.g. "Playing chess".
type Activity struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Details string `json:"details,omitempty"`
	State   string `json:"state,omitempty"`
}

// SetActivityPayload updates (or, if Activity is nil, clears) the caller's
// rich presence. Subject to a minimum-interval rate limit and an
// identical-payload dedup rule enforced by Session.activity.
type SetActivityPayload struct {
	Activity *Activity `json:"activity"`
}

// RichPresenceUpdatePayload broadcasts an accepted activity change to the
// user's presence subscribers.
type RichPresenceUpdatePayload struct {
	UserID   uuid.UUID `json:"user_id"`
	Activity *Activity `json:"activity"`
}

// PatchPayload is a generic partial-state update for efficient client-side
// sync: Diff carries whatever fields of the named entity changed.
type PatchPayload struct {
	EntityType string          `json:"entity_type"`
	EntityID   uuid.UUID       `json:"entity_id"`
	Diff       json.RawMessage `json:"diff"`
}

// ============================================================================
// Voice channel mute/screen-share/stats payloads
//
// Inbound voice.mute/voice.screen_share_start/voice.stats payloads are
// decoded directly by internal/voice.Handler from the raw message, which
// owns the canonical wire shape for its own domain; only the broadcast-
// facing shapes live here.
// ============================================================================

// VoiceUserMuteStatePayload broadcasts a participant's mute/deafen change.
type VoiceUserMuteStatePayload struct {
	ChannelID uuid.UUID `json:"channel_id"`
	UserID    uuid.UUID `json:"user_id"`
}
