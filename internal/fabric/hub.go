package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"fmt"

	"github.com/google/uuid"
	"github.com/wolftown/canis/internal/auth"
	"github.com/wolftown/canis/internal/database"
	"github.com/wolftown/canis/internal/domain"
	"github.com/wolftown/canis/internal/permission"
	"github.com/wolftown/canis/internal/pubsub"
	"github.com/wolftown/canis/internal/voice"
	"github.com/wolftown/canis/internal/webrtc"
)

// Hub maintains the set of active clients and broadcasts messages
type Hub struct {
	// Registered clients by user ID (one user can have multiple connections)
	clients map[uuid.UUID]map[*Session]bool

	// Room subscriptions: conversation_id -> set of clients
	rooms map[uuid.UUID]map[*Session]bool

	// Channel for registering clients
	register chan *Session

	// Channel for unregistering clients
	unregister chan *Session

	// Mutex for thread-safe access
	mu sync.RWMutex

	// Dependencies
	authService    *auth.Service
	convRepo       *database.ConversationRepository
	userRepo       *database.UserRepository
	attachmentRepo *database.AttachmentRepository
	guildRepo      *database.GuildRepository
	pubsub         pubsub.PubSub
	callHandler    *webrtc.CallHandler
	sfuHandler     *webrtc.SFUHandler
	voiceHandler   *voice.Handler
	logger         *slog.Logger

	// PubSub subscriptions for room-level events
	roomSubs map[uuid.UUID]pubsub.Subscription
}

// NewHub creates a new Hub
func NewHub(authService *auth.Service, convRepo *database.ConversationRepository, userRepo *database.UserRepository, attachmentRepo *database.AttachmentRepository, guildRepo *database.GuildRepository, ps pubsub.PubSub, logger *slog.Logger) *Hub {
	return &Hub{
		clients:        make(map[uuid.UUID]map[*Session]bool),
		rooms:          make(map[uuid.UUID]map[*Session]bool),
		register:       make(chan *Session),
		unregister:     make(chan *Session),
		authService:    authService,
		convRepo:       convRepo,
		userRepo:       userRepo,
		attachmentRepo: attachmentRepo,
		guildRepo:      guildRepo,
		pubsub:         ps,
		roomSubs:       make(map[uuid.UUID]pubsub.Subscription),
		logger:         logger,
	}
}

// SetCallHandler sets the WebRTC call handler for processing call events
func (h *Hub) SetCallHandler(ch *webrtc.CallHandler) {
	h.callHandler = ch
}

// SetSFUHandler sets the SFU handler for group calls
func (h *Hub) SetSFUHandler(sh *webrtc.SFUHandler) {
	h.sfuHandler = sh
}

// SetVoiceHandler sets the voice-channel handler backing voice.* events.
func (h *Hub) SetVoiceHandler(vh *voice.Handler) {
	h.voiceHandler = vh
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.handleRegister(client)
		case client := <-h.unregister:
			h.handleUnregister(client)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Session) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Session) {
	h.unregister <- client
}

// handleRegister performs the bookkeeping handleAuth used to do once the
// in-band auth message accepted a token. The session arrives here already
// authenticated — the handshake validated the token before the upgrade.
func (h *Hub) handleRegister(client *Session) {
	userID := client.UserID()

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*Session]bool)
	}
	h.clients[userID][client] = true
	h.mu.Unlock()

	h.logger.Info("session registered", "user_id", userID, "username", client.Username(), "remote_addr", client.conn.RemoteAddr())

	msg, _ := NewMessage(EventTypeReady, ReadyPayload{UserID: userID})
	client.Send(msg)

	h.subscribeUserToEvents(client, userID)
}

func (h *Hub) handleUnregister(client *Session) {
	// Cleanup user subscription
	client.mu.Lock()
	if client.userSub != nil {
		client.userSub.Unsubscribe()
		client.userSub = nil
	}
	if client.adminSub != nil {
		client.adminSub.Unsubscribe()
		client.adminSub = nil
	}
	client.mu.Unlock()

	h.mu.Lock()

	userID := client.UserID()
	username := client.Username()
	if userID != uuid.Nil {
		// Remove from user's client set
		if clients, ok := h.clients[userID]; ok {
			delete(clients, client)
			if len(clients) == 0 {
				delete(h.clients, userID)
				// User is now offline - could broadcast presence here
			}
		}
	}

	// Track rooms for call cleanup
	roomsForCallCleanup := make([]uuid.UUID, 0, len(client.subscribedChannels))
	for roomID := range client.subscribedChannels {
		roomsForCallCleanup = append(roomsForCallCleanup, roomID)
	}

	// Remove from all rooms and track which rooms need unsubscribe
	roomsToCheck := make([]uuid.UUID, 0, len(client.subscribedChannels))
	for roomID := range client.subscribedChannels {
		if room, ok := h.rooms[roomID]; ok {
			delete(room, client)
			if len(room) == 0 {
				delete(h.rooms, roomID)
				roomsToCheck = append(roomsToCheck, roomID)
			}
		}
	}

	h.mu.Unlock()

	// Clean up call participation for this user (they might be in active calls)
	if userID != uuid.Nil && h.callHandler != nil {
		for _, roomID := range roomsForCallCleanup {
			// Attempt to leave any active calls in rooms the user was in
			ctx := context.Background()
			h.callHandler.HandleLeave(ctx, &webrtc.SignalingContext{
				UserID:   userID,
				Username: username,
			}, json.RawMessage(`{"room_id":"`+roomID.String()+`"}`))
		}
	}

	// Unsubscribe from empty rooms (outside lock)
	for _, roomID := range roomsToCheck {
		h.unsubscribeFromRoom(roomID)
	}

	// Leave any voice channels this connection had joined
	if userID != uuid.Nil && h.voiceHandler != nil {
		h.voiceHandler.HandleDisconnect(userID)
	}

	close(client.send)
	h.logger.Debug("client disconnected", "user_id", userID)
}

// HandleMessage processes incoming WebSocket messages
func (h *Hub) HandleMessage(client *Session, msg *Message) {
	switch msg.Type {
	case EventTypePing:
		h.handlePing(client)
	case EventTypeSubscribe:
		h.handleSubscribe(client, msg.Payload)
	case EventTypeUnsubscribe:
		h.handleUnsubscribe(client, msg.Payload)
	case EventTypeAdminSubscribe:
		h.handleAdminSubscribe(client)
	case EventTypeAdminUnsubscribe:
		h.handleAdminUnsubscribe(client)
	case EventTypeSetActivity:
		h.handleSetActivity(client, msg.Payload)
	case EventTypeVoiceMute:
		h.handleVoiceMute(client, msg.Payload)
	case EventTypeVoiceUnmute:
		h.handleVoiceUnmute(client, msg.Payload)
	case EventTypeVoiceScreenStart:
		h.handleVoiceScreenShareStart(client, msg.Payload)
	case EventTypeVoiceScreenStop:
		h.handleVoiceScreenShareStop(client, msg.Payload)
	case EventTypeVoiceStats:
		h.handleVoiceStats(client, msg.Payload)
	case EventTypeRoomJoin:
		h.handleRoomJoin(client, msg.Payload)
	case EventTypeRoomLeave:
		h.handleRoomLeave(client, msg.Payload)
	case EventTypeMessageSend:
		h.handleMessageSend(client, msg.Payload)
	case EventTypeTypingStart:
		h.handleTyping(client, msg.Payload, true)
	case EventTypeTypingStop:
		h.handleTyping(client, msg.Payload, false)
	case EventTypeReceiptRead:
		h.handleReceiptRead(client, msg.Payload)
	// WebRTC call events
	case webrtc.EventTypeCallJoin:
		h.handleCallJoin(client, msg.Payload)
	case webrtc.EventTypeCallLeave:
		h.handleCallLeave(client, msg.Payload)
	case webrtc.EventTypeCallOffer:
		h.handleCallOffer(client, msg.Payload)
	case webrtc.EventTypeCallAnswer:
		h.handleCallAnswer(client, msg.Payload)
	case webrtc.EventTypeCallICECandidate:
		h.handleCallICECandidate(client, msg.Payload)
	case webrtc.EventTypeCallDeclined:
		h.handleCallDeclined(client, msg.Payload)
	// SFU group call events
	case webrtc.EventTypeSFUAnswer:
		h.handleSFUAnswer(client, msg.Payload)
	case webrtc.EventTypeSFUCandidate:
		h.handleSFUCandidate(client, msg.Payload)
	// Voice channel events
	case EventTypeVoiceJoin:
		h.handleVoiceJoin(client, msg.Payload)
	case EventTypeVoiceLeave:
		h.handleVoiceLeave(client, msg.Payload)
	case EventTypeVoiceAnswer:
		h.handleVoiceAnswer(client, msg.Payload)
	case EventTypeVoiceCandidate:
		h.handleVoiceCandidate(client, msg.Payload)
	default:
		client.sendError("unknown_event", "Unknown event type: "+msg.Type)
	}
}

// ============================================================================
// Channel subscription / session-state handlers
// ============================================================================

func (h *Hub) handlePing(client *Session) {
	msg, _ := NewMessage(EventTypePong, nil)
	client.Send(msg)
}

// canViewChannel reports whether userID may subscribe to conv's events.
// A conversation with no GuildID is a DM/group, gated on conventional
// membership. A conversation with a GuildID is a guild channel, gated on
// the VIEW_CHANNEL bit computed from the member's guild roles and any
// per-channel overrides — the same resolution the permission package
// documents for REST access to guild resources.
func (h *Hub) canViewChannel(ctx context.Context, conv *domain.Conversation, userID uuid.UUID) (bool, error) {
	if conv.GuildID == nil {
		return h.convRepo.IsMember(ctx, conv.ID, userID)
	}

	ownerID, err := h.guildRepo.GetOwnerID(ctx, *conv.GuildID)
	if err != nil {
		return false, err
	}
	if ownerID == userID {
		return true, nil
	}

	everyone, err := h.guildRepo.GetEveryonePermissions(ctx, *conv.GuildID)
	if err != nil {
		return false, err
	}
	roles, err := h.guildRepo.GetMemberRoles(ctx, *conv.GuildID, userID)
	if err != nil {
		return false, err
	}
	overrides, err := h.guildRepo.GetChannelOverrides(ctx, conv.ID)
	if err != nil {
		return false, err
	}

	perms := permission.ComputeGuildPermissions(userID, ownerID, everyone, roles, overrides)
	return perms.Has(permission.ViewChannel), nil
}

func (h *Hub) handleSubscribe(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p SubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid subscribe payload")
		return
	}

	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		client.sendError("invalid_channel", "Invalid channel ID")
		return
	}

	ctx := context.Background()
	conv, err := h.convRepo.GetByID(ctx, channelID)
	if err != nil {
		client.sendError("channel_not_found", "Channel not found")
		return
	}

	allowed, err := h.canViewChannel(ctx, conv, client.UserID())
	if err != nil {
		h.logger.Error("failed to resolve channel permissions", "error", err, "channel_id", channelID)
		client.sendError("forbidden", "Not permitted to view this channel")
		return
	}
	if !allowed {
		client.sendError("forbidden", "Not permitted to view this channel")
		return
	}

	client.JoinRoom(channelID)

	h.mu.Lock()
	if h.rooms[channelID] == nil {
		h.rooms[channelID] = make(map[*Session]bool)
	}
	h.rooms[channelID][client] = true
	h.mu.Unlock()

	h.subscribeToRoom(channelID)

	msg, _ := NewMessage(EventTypeSubscribed, SubscribedPayload{ChannelID: channelID})
	client.Send(msg)
}

func (h *Hub) handleUnsubscribe(client *Session, payload json.RawMessage) {
	var p UnsubscribePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid unsubscribe payload")
		return
	}

	channelID, err := uuid.Parse(p.ChannelID)
	if err != nil {
		client.sendError("invalid_channel", "Invalid channel ID")
		return
	}

	client.LeaveRoom(channelID)

	h.mu.Lock()
	if room, ok := h.rooms[channelID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, channelID)
		}
	}
	h.mu.Unlock()

	h.unsubscribeFromRoom(channelID)

	msg, _ := NewMessage(EventTypeUnsubscribed, UnsubscribedPayload{ChannelID: channelID})
	client.Send(msg)
}

// handleAdminSubscribe gates admin:events on guild ownership: the data
// model carries no separate elevated-admin flag, so owning at least one
// guild is the highest authority it can name.
func (h *Hub) handleAdminSubscribe(client *Session) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	isOwner, err := h.guildRepo.IsGuildOwner(context.Background(), client.UserID())
	if err != nil {
		h.logger.Error("failed to check guild ownership", "error", err, "user_id", client.UserID())
		client.sendError("admin_not_elevated", "Not an elevated admin")
		return
	}
	if !isOwner {
		client.sendError("admin_not_elevated", "Not an elevated admin")
		return
	}

	client.SetAdminSubscribed(true)
	h.subscribeToAdminEvents(client)
}

func (h *Hub) handleAdminUnsubscribe(client *Session) {
	client.SetAdminSubscribed(false)
}

// handleSetActivity applies the 10-second minimum-interval and
// identical-payload dedup rule before persisting and broadcasting a rich
// presence update. The broadcast goes to the user's own user topic
// (user:{id}) only, which reaches that user's sessions; it is not published
// on any presence topic, and the data model has no friends/social graph to
// fan it out to.
func (h *Hub) handleSetActivity(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p SetActivityPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid set_activity payload")
		return
	}

	activityJSON, err := json.Marshal(p.Activity)
	if err != nil {
		client.sendError("invalid_payload", "Invalid activity")
		return
	}

	accept, retryAfter := client.activity.checkAndRecord(string(activityJSON))
	if !accept {
		if retryAfter > 0 {
			client.sendError("rate_limited", fmt.Sprintf("Activity can change again in %.0fs", retryAfter.Seconds()))
		}
		return
	}

	userID := client.UserID()
	ctx := context.Background()
	if err := h.userRepo.SetActivity(ctx, userID, activityJSON); err != nil {
		h.logger.Error("failed to persist activity", "error", err, "user_id", userID)
	}

	broadcastPayload := RichPresenceUpdatePayload{UserID: userID, Activity: p.Activity}
	h.BroadcastToUser(userID, EventTypeRichPresenceUpdate, broadcastPayload)
}

// ============================================================================
// Voice mute / screen-share / stats handlers
// ============================================================================

func (h *Hub) handleVoiceMute(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	channelID, _, err := h.voiceHandler.HandleMute(client.UserID(), payload, true)
	if err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
		return
	}
	h.BroadcastToRoomExcept(channelID, client, EventTypeVoiceUserMuted, VoiceUserMuteStatePayload{ChannelID: channelID, UserID: client.UserID()})
}

func (h *Hub) handleVoiceUnmute(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	channelID, _, err := h.voiceHandler.HandleMute(client.UserID(), payload, false)
	if err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
		return
	}
	h.BroadcastToRoomExcept(channelID, client, EventTypeVoiceUserUnmuted, VoiceUserMuteStatePayload{ChannelID: channelID, UserID: client.UserID()})
}

func (h *Hub) handleVoiceScreenShareStart(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	channelID, share, err := h.voiceHandler.HandleScreenShareStart(client.UserID(), payload)
	if err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
		return
	}
	h.BroadcastToRoomExcept(channelID, client, EventTypeScreenShareStarted, share)
}

func (h *Hub) handleVoiceScreenShareStop(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	channelID, err := h.voiceHandler.HandleScreenShareStop(client.UserID(), payload)
	if err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
		return
	}
	h.BroadcastToRoomExcept(channelID, client, EventTypeScreenShareStopped, VoiceUserMuteStatePayload{ChannelID: channelID, UserID: client.UserID()})
}

func (h *Hub) handleVoiceStats(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	channelID, stats, err := h.voiceHandler.HandleVoiceStats(client.UserID(), payload)
	if err != nil {
		return
	}
	h.BroadcastToRoomExcept(channelID, client, EventTypeVoiceUserStats, stats)
}

func (h *Hub) handleRoomJoin(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p RoomJoinPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid room join payload")
		return
	}

	convID, err := uuid.Parse(p.ConversationID)
	if err != nil {
		client.sendError("invalid_conversation", "Invalid conversation ID")
		return
	}

	// Check if user is a member
	ctx := context.Background()
	userID := client.UserID()
	isMember, err := h.convRepo.IsMember(ctx, convID, userID)
	if err != nil || !isMember {
		client.sendError("not_member", "Not a member of this conversation")
		return
	}

	// Add to room
	client.JoinRoom(convID)

	h.mu.Lock()
	if h.rooms[convID] == nil {
		h.rooms[convID] = make(map[*Session]bool)
	}
	h.rooms[convID][client] = true
	h.mu.Unlock()

	// Ensure we're subscribed to room events via PubSub
	h.subscribeToRoom(convID)

	// Mark all undelivered messages in this conversation as delivered
	deliveredMsgIDs, err := h.convRepo.MarkConversationMessagesDelivered(ctx, convID, userID)
	if err != nil {
		h.logger.Error("failed to mark messages as delivered", "error", err)
	} else if len(deliveredMsgIDs) > 0 {
		// Broadcast batch receipt update to the room
		broadcastPayload := ReceiptBatchUpdatePayload{
			ConversationID: convID,
			MessageIDs:     deliveredMsgIDs,
			UserID:         userID,
			Status:         "delivered",
			Timestamp:      time.Now(),
		}
		h.BroadcastToRoom(convID, EventTypeReceiptUpdate, broadcastPayload)
	}

	h.logger.Debug("client joined room", "user_id", userID, "room_id", convID)
}

func (h *Hub) handleRoomLeave(client *Session, payload json.RawMessage) {
	var p RoomLeavePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	convID, err := uuid.Parse(p.ConversationID)
	if err != nil {
		return
	}

	client.LeaveRoom(convID)

	h.mu.Lock()
	if room, ok := h.rooms[convID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, convID)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handleMessageSend(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	var p MessageSendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		client.sendError("invalid_payload", "Invalid message payload")
		return
	}

	convID, err := uuid.Parse(p.ConversationID)
	if err != nil {
		client.sendError("invalid_conversation", "Invalid conversation ID")
		return
	}

	if p.BodyText == "" && p.AttachmentID == "" {
		client.sendError("empty_message", "Message cannot be empty")
		return
	}

	if len(p.BodyText) > 10000 {
		client.sendError("message_too_long", "Message exceeds 10000 characters")
		return
	}

	// Check membership
	ctx := context.Background()
	isMember, err := h.convRepo.IsMember(ctx, convID, client.UserID())
	if err != nil || !isMember {
		client.sendError("not_member", "Not a member of this conversation")
		return
	}

	// Create message
	userID := client.UserID()
	msg := &domain.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		SenderID:       &userID,
		BodyText:       p.BodyText,
		CreatedAt:      time.Now(),
	}

	// Add attachment if provided
	if p.AttachmentID != "" {
		attachmentUUID, err := uuid.Parse(p.AttachmentID)
		if err != nil {
			client.sendError("invalid_attachment", "Invalid attachment ID")
			return
		}
		msg.AttachmentID = &attachmentUUID
	}

	// Save to database
	if err := h.convRepo.CreateMessage(ctx, msg); err != nil {
		h.logger.Error("failed to save message", "error", err)
		client.sendError("save_failed", "Failed to save message")
		return
	}

	// Fetch attachment details if present
	var attachmentPayload *AttachmentPayload
	if msg.AttachmentID != nil {
		attachment, err := h.attachmentRepo.GetAttachmentByID(ctx, msg.AttachmentID.String())
		if err == nil {
			attachmentID, _ := uuid.Parse(attachment.ID)
			attachmentPayload = &AttachmentPayload{
				ID:        attachmentID,
				Filename:  attachment.Filename,
				MimeType:  attachment.MimeType,
				SizeBytes: attachment.SizeBytes,
			}
		}
	}

	// Broadcast to room
	broadcastPayload := MessageNewPayload{
		ID:             msg.ID,
		ConversationID: convID,
		SenderID:       userID,
		SenderUsername: client.Username(),
		BodyText:       msg.BodyText,
		AttachmentID:   msg.AttachmentID,
		Attachment:     attachmentPayload,
		CreatedAt:      msg.CreatedAt,
		TempID:         p.TempID,
	}

	h.BroadcastToRoom(convID, EventTypeMessageNew, broadcastPayload)
}

func (h *Hub) handleTyping(client *Session, payload json.RawMessage, isTyping bool) {
	if !client.IsAuthenticated() {
		return
	}

	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return
	}

	convID, err := uuid.Parse(p.ConversationID)
	if err != nil {
		return
	}

	// Broadcast typing indicator to other room members
	broadcastPayload := TypingBroadcastPayload{
		ConversationID: convID,
		UserID:         client.UserID(),
		Username:       client.Username(),
		IsTyping:       isTyping,
	}

	h.BroadcastToRoomExcept(convID, client, EventTypeTyping, broadcastPayload)
}

func (h *Hub) handleReceiptRead(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		return
	}

	var p ReceiptReadPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		h.logger.Error("failed to parse receipt read payload", "error", err)
		return
	}

	messageID, err := uuid.Parse(p.MessageID)
	if err != nil {
		h.logger.Error("invalid message_id in receipt read", "error", err)
		return
	}

	ctx := context.Background()
	userID := client.UserID()

	// Get the message to find its conversation
	msg, err := h.convRepo.GetMessageByID(ctx, messageID)
	if err != nil {
		h.logger.Error("failed to get message for receipt", "error", err)
		return
	}

	// Don't mark own messages as read
	if msg.SenderID != nil && *msg.SenderID == userID {
		return
	}

	// Check if user is a member of the conversation
	isMember, err := h.convRepo.IsMember(ctx, msg.ConversationID, userID)
	if err != nil || !isMember {
		return
	}

	// Mark the message as read
	if err := h.convRepo.MarkMessageRead(ctx, messageID, userID); err != nil {
		h.logger.Error("failed to mark message as read", "error", err)
		return
	}

	// Broadcast receipt update to the room
	broadcastPayload := ReceiptUpdatePayload{
		MessageID:      messageID,
		ConversationID: msg.ConversationID,
		UserID:         userID,
		Status:         "read",
		Timestamp:      time.Now(),
	}

	h.BroadcastToRoom(msg.ConversationID, EventTypeReceiptUpdate, broadcastPayload)
}

// ============================================================================
// WebRTC Call Handlers
// ============================================================================

func (h *Hub) handleCallJoin(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	if h.callHandler == nil {
		client.sendError("calls_disabled", "Video calls are not enabled")
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	config, err := h.callHandler.HandleJoin(context.Background(), sigCtx, payload)
	if err != nil {
		if callErr, ok := err.(*webrtc.CallError); ok {
			client.sendError(callErr.Code, callErr.Message)
		} else {
			client.sendError("call_error", err.Error())
		}
		return
	}

	// Send config back to client
	msg, _ := NewMessage(webrtc.EventTypeCallConfig, config)
	client.Send(msg)
}

func (h *Hub) handleCallLeave(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.callHandler == nil {
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	h.callHandler.HandleLeave(context.Background(), sigCtx, payload)
}

func (h *Hub) handleCallOffer(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	if h.callHandler == nil {
		client.sendError("calls_disabled", "Video calls are not enabled")
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	if err := h.callHandler.HandleOffer(context.Background(), sigCtx, payload); err != nil {
		if callErr, ok := err.(*webrtc.CallError); ok {
			client.sendError(callErr.Code, callErr.Message)
		}
	}
}

func (h *Hub) handleCallAnswer(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	if h.callHandler == nil {
		client.sendError("calls_disabled", "Video calls are not enabled")
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	if err := h.callHandler.HandleAnswer(context.Background(), sigCtx, payload); err != nil {
		if callErr, ok := err.(*webrtc.CallError); ok {
			client.sendError(callErr.Code, callErr.Message)
		}
	}
}

func (h *Hub) handleCallICECandidate(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.callHandler == nil {
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	h.callHandler.HandleICECandidate(context.Background(), sigCtx, payload)
}

func (h *Hub) handleCallDeclined(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.callHandler == nil {
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	h.callHandler.HandleDeclined(context.Background(), sigCtx, payload)
}

func (h *Hub) handleSFUAnswer(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}

	if h.sfuHandler == nil {
		client.sendError("sfu_disabled", "SFU group calls are not enabled")
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	if err := h.sfuHandler.HandleSFUAnswer(context.Background(), sigCtx, payload); err != nil {
		if callErr, ok := err.(*webrtc.CallError); ok {
			client.sendError(callErr.Code, callErr.Message)
		}
	}
}

func (h *Hub) handleSFUCandidate(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.sfuHandler == nil {
		return
	}

	sigCtx := &webrtc.SignalingContext{
		UserID:   client.UserID(),
		Username: client.Username(),
	}

	h.sfuHandler.HandleSFUCandidate(context.Background(), sigCtx, payload)
}

func (h *Hub) handleVoiceJoin(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() {
		client.sendError("not_authenticated", "Must authenticate first")
		return
	}
	if h.voiceHandler == nil {
		client.sendError("voice_disabled", "Voice channels are not enabled")
		return
	}

	result, err := h.voiceHandler.HandleJoin(context.Background(), client.UserID(), client.Username(), payload)
	if err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
		return
	}

	msg, _ := NewMessage(EventTypeVoiceOffer, result)
	client.Send(msg)
}

func (h *Hub) handleVoiceLeave(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	h.voiceHandler.HandleLeave(client.UserID(), payload)
}

func (h *Hub) handleVoiceAnswer(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	if err := h.voiceHandler.HandleAnswer(context.Background(), client.UserID(), payload); err != nil {
		client.sendError(voiceErrorCode(err), err.Error())
	}
}

func (h *Hub) handleVoiceCandidate(client *Session, payload json.RawMessage) {
	if !client.IsAuthenticated() || h.voiceHandler == nil {
		return
	}
	h.voiceHandler.HandleICECandidate(context.Background(), client.UserID(), payload)
}

func voiceErrorCode(err error) string {
	if voiceErr, ok := err.(*voice.Error); ok {
		return string(voiceErr.Code)
	}
	return "voice_error"
}

// BroadcastToRoom sends a message to all clients in a room via PubSub
func (h *Hub) BroadcastToRoom(roomID uuid.UUID, eventType string, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal broadcast payload", "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.Room(roomID.String()),
		Type:    eventType,
		Payload: payloadBytes,
	}

	if err := h.pubsub.Publish(context.Background(), msg.Topic, msg); err != nil {
		h.logger.Error("failed to publish to room", "room_id", roomID, "error", err)
	}
}

// BroadcastToRoomExcept sends to all room members except one (for typing indicators etc)
func (h *Hub) BroadcastToRoomExcept(roomID uuid.UUID, except *Session, eventType string, payload interface{}) {
	// For local broadcasts with exceptions, we use direct delivery
	// since PubSub doesn't support exception-based filtering
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	clients := make([]*Session, 0, len(room))
	for client := range room {
		if client != except {
			clients = append(clients, client)
		}
	}
	h.mu.RUnlock()

	msg, err := NewMessage(eventType, payload)
	if err != nil {
		return
	}

	for _, client := range clients {
		client.Send(msg)
	}
}

// BroadcastToUser sends to all connections of a specific user
func (h *Hub) BroadcastToUser(userID uuid.UUID, eventType string, payload interface{}) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal user broadcast payload", "error", err)
		return
	}

	msg := &pubsub.Message{
		Topic:   pubsub.Topics.User(userID.String()),
		Type:    eventType,
		Payload: payloadBytes,
	}

	if err := h.pubsub.Publish(context.Background(), msg.Topic, msg); err != nil {
		h.logger.Error("failed to publish to user", "user_id", userID, "error", err)
	}
}

// subscribeToRoom creates a PubSub subscription for a room if one doesn't exist
func (h *Hub) subscribeToRoom(roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.roomSubs[roomID]; exists {
		return // Already subscribed
	}

	topic := pubsub.Topics.Room(roomID.String())
	sub, err := h.pubsub.Subscribe(context.Background(), topic, func(ctx context.Context, msg *pubsub.Message) {
		h.deliverToRoom(roomID, msg)
	})
	if err != nil {
		h.logger.Error("failed to subscribe to room", "room_id", roomID, "error", err)
		return
	}

	h.roomSubs[roomID] = sub
}

// unsubscribeFromRoom removes PubSub subscription when no local clients remain
func (h *Hub) unsubscribeFromRoom(roomID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Only unsubscribe if no local clients remain in the room
	if room, ok := h.rooms[roomID]; ok && len(room) > 0 {
		return
	}

	if sub, ok := h.roomSubs[roomID]; ok {
		sub.Unsubscribe()
		delete(h.roomSubs, roomID)
	}
}

// deliverToRoom delivers a PubSub message to all local clients in a room
func (h *Hub) deliverToRoom(roomID uuid.UUID, psMsg *pubsub.Message) {
	h.mu.RLock()
	room, ok := h.rooms[roomID]
	if !ok {
		h.mu.RUnlock()
		return
	}

	clients := make([]*Session, 0, len(room))
	for client := range room {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	msg := &Message{
		Type:      psMsg.Type,
		Payload:   psMsg.Payload,
		Timestamp: time.Now(),
	}

	for _, client := range clients {
		client.Send(msg)
	}
}

// subscribeUserToEvents creates PubSub subscription for user-specific events
func (h *Hub) subscribeUserToEvents(client *Session, userID uuid.UUID) {
	topic := pubsub.Topics.User(userID.String())
	h.logger.Info("subscribing user to events", "user_id", userID, "topic", topic)

	sub, err := h.pubsub.Subscribe(context.Background(), topic, func(ctx context.Context, msg *pubsub.Message) {
		h.logger.Info("received pubsub message for user", "user_id", userID, "type", msg.Type, "topic", msg.Topic)
		wsMsg := &Message{
			Type:      msg.Type,
			Payload:   msg.Payload,
			Timestamp: time.Now(),
		}
		client.Send(wsMsg)
		h.logger.Info("sent message to client", "user_id", userID, "type", msg.Type)
	})
	if err != nil {
		h.logger.Error("failed to subscribe user to events", "user_id", userID, "error", err)
		return
	}

	h.logger.Info("successfully subscribed user to events", "user_id", userID, "topic", topic)

	// Store subscription on client for cleanup (we'll add this tracking)
	client.mu.Lock()
	client.userSub = sub
	client.mu.Unlock()
}

// subscribeToAdminEvents creates a PubSub subscription delivering
// admin:events to client, for the lifetime of its admin_subscribe state.
// A fresh subscription is created per admin_subscribe call, and any
// previous subscription held by the session is unsubscribed first, so a
// repeated admin_subscribe does not deliver events twice.
func (h *Hub) subscribeToAdminEvents(client *Session) {
	topic := pubsub.Topics.Admin()
	sub, err := h.pubsub.Subscribe(context.Background(), topic, func(ctx context.Context, msg *pubsub.Message) {
		if !client.AdminSubscribed() {
			return
		}
		wsMsg := &Message{Type: msg.Type, Payload: msg.Payload, Timestamp: time.Now()}
		client.Send(wsMsg)
	})
	if err != nil {
		h.logger.Error("failed to subscribe to admin events", "error", err)
		return
	}

	client.mu.Lock()
	if client.adminSub != nil {
		client.adminSub.Unsubscribe()
	}
	client.adminSub = sub
	client.mu.Unlock()
}

// GetOnlineUserIDs returns IDs of all online users
func (h *Hub) GetOnlineUserIDs() []uuid.UUID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	return ids
}

// IsUserOnline checks if a user has any active connections
func (h *Hub) IsUserOnline(userID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	clients, ok := h.clients[userID]
	return ok && len(clients) > 0
}
