package fabric

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/wolftown/canis/internal/pubsub"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer (64KB for attachment metadata)
	maxMessageSize = 65536

	// outboundQueueCapacity bounds each session's outbound buffer; a slow
	// or wedged client backs up here instead of against the hub.
	outboundQueueCapacity = 100

	// activityUpdateInterval is the minimum spacing between accepted
	// set_activity updates from one session.
	activityUpdateInterval = 10 * time.Second
)

// activityState tracks the rate-limit and dedup bookkeeping for one
// session's set_activity updates: reject updates spaced closer than
// activityUpdateInterval, and silently drop ones identical to the last
// accepted payload.
type activityState struct {
	mu         sync.Mutex
	lastUpdate time.Time
	lastJSON   string
}

// checkAndRecord reports whether an update carrying payloadJSON should be
// accepted. On acceptance, it records payloadJSON as the new baseline.
// retryAfter is only meaningful when accept is false due to rate limiting
// (it is zero for a dedup-only rejection).
func (a *activityState) checkAndRecord(payloadJSON string) (accept bool, retryAfter time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	if !a.lastUpdate.IsZero() {
		if elapsed := now.Sub(a.lastUpdate); elapsed < activityUpdateInterval {
			return false, activityUpdateInterval - elapsed
		}
	}
	if payloadJSON == a.lastJSON {
		return false, 0
	}
	a.lastUpdate = now
	a.lastJSON = payloadJSON
	return true, 0
}

// Session represents one authenticated WebSocket connection. It is called
// Session rather than Client because the event fabric's session-scoped
// state (subscribed channels, admin-feed subscription, activity rate
// limiting) outlives any single message exchange.
type Session struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	userID   uuid.UUID
	username string

	// subscribedChannels holds the channel (conversation) IDs this session
	// has issued a successful Subscribe for.
	subscribedChannels map[uuid.UUID]bool
	adminSubscribed    bool
	activity           activityState

	userSub  pubsub.Subscription // subscription for user-specific events
	adminSub pubsub.Subscription // subscription for admin:events, when adminSubscribed
	mu       sync.RWMutex
	logger  *slog.Logger
	cancel  context.CancelFunc
}

// NewSession creates a new session.
func NewSession(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *Session {
	return &Session{
		hub:                hub,
		conn:               conn,
		send:               make(chan []byte, outboundQueueCapacity),
		subscribedChannels: make(map[uuid.UUID]bool),
		logger:             logger,
	}
}

// SetCancelFunc sets the context cancel function for cleanup
func (c *Session) SetCancelFunc(cancel context.CancelFunc) {
	c.cancel = cancel
}

// SetUser sets the authenticated user info
func (c *Session) SetUser(userID uuid.UUID, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
	c.username = username
}

// UserID returns the session's user ID
func (c *Session) UserID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Username returns the session's username
func (c *Session) Username() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.username
}

// IsAuthenticated returns true if the session has authenticated
func (c *Session) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID != uuid.Nil
}

// JoinRoom subscribes the session to a channel
func (c *Session) JoinRoom(roomID uuid.UUID) {
	c.mu.Lock()
	c.subscribedChannels[roomID] = true
	c.mu.Unlock()
}

// LeaveRoom unsubscribes the session from a channel
func (c *Session) LeaveRoom(roomID uuid.UUID) {
	c.mu.Lock()
	delete(c.subscribedChannels, roomID)
	c.mu.Unlock()
}

// IsInRoom checks if the session is subscribed to a channel
func (c *Session) IsInRoom(roomID uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscribedChannels[roomID]
}

// GetRooms returns every channel the session is subscribed to
func (c *Session) GetRooms() []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rooms := make([]uuid.UUID, 0, len(c.subscribedChannels))
	for id := range c.subscribedChannels {
		rooms = append(rooms, id)
	}
	return rooms
}

// SetAdminSubscribed toggles whether this session receives admin:events.
func (c *Session) SetAdminSubscribed(subscribed bool) {
	c.mu.Lock()
	c.adminSubscribed = subscribed
	c.mu.Unlock()
}

// AdminSubscribed reports whether this session is subscribed to admin:events.
func (c *Session) AdminSubscribed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.adminSubscribed
}

// ReadPump pumps messages from the WebSocket connection to the hub
func (c *Session) ReadPump(ctx context.Context) {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, message, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					c.logger.Warn("websocket read error", "error", err, "user_id", c.userID)
				}
				return
			}

			// Parse message
			var msg Message
			if err := json.Unmarshal(message, &msg); err != nil {
				c.sendError("invalid_message", "Failed to parse message")
				continue
			}

			// Handle message
			c.hub.HandleMessage(c, &msg)
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Session) WritePump(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Add queued messages to the current websocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send sends a message to the session
func (c *Session) Send(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, drop message
		c.logger.Warn("session send buffer full, dropping message", "user_id", c.userID)
	}
	return nil
}

// sendError sends an error message to the session
func (c *Session) sendError(code, message string) {
	msg, _ := NewMessage(EventTypeError, ErrorPayload{
		Code:    code,
		Message: message,
	})
	_ = c.Send(msg)
}
