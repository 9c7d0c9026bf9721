package fabric

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/wolftown/canis/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins in development (tighten in production)
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsProtocolPrefix is the Sec-WebSocket-Protocol entry carrying the access
// token: "access_token.<jwt>". Browsers cannot set arbitrary headers on a
// WebSocket handshake, so the token travels as a negotiated subprotocol
// instead of an Authorization header or an in-band JSON auth message.
const wsProtocolPrefix = "access_token."

// negotiatedProtocol is echoed back as the selected Sec-WebSocket-Protocol
// once the embedded token validates, per RFC 6455's subprotocol negotiation.
const negotiatedProtocol = "access_token"

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub         *Hub
	authService *auth.Service
	logger      *slog.Logger
}

// NewHandler creates a WebSocket handler
func NewHandler(hub *Hub, authService *auth.Service, logger *slog.Logger) *Handler {
	return &Handler{
		hub:         hub,
		authService: authService,
		logger:      logger,
	}
}

// ServeHTTP authenticates the connection via its Sec-WebSocket-Protocol
// header and, on success, upgrades to WebSocket and hands the session to
// the hub. The upgrade is refused outright on a missing or invalid token —
// there is no longer an in-band auth message to fall back on.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, ok := extractTokenSubprotocol(r)
	if !ok {
		http.Error(w, "missing access_token subprotocol", http.StatusUnauthorized)
		return
	}

	claims, err := h.authService.ValidateToken(token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	responseHeader := http.Header{}
	responseHeader.Set("Sec-WebSocket-Protocol", negotiatedProtocol)

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	session := NewSession(h.hub, conn, h.logger)
	session.SetUser(claims.UserID, claims.Username)
	h.hub.Register(session)

	// Use a dedicated context for the WebSocket connection lifecycle
	// The request context gets cancelled when ServeHTTP returns after upgrade
	ctx, cancel := context.WithCancel(context.Background())
	session.SetCancelFunc(cancel)

	// Start session goroutines
	go session.WritePump(ctx)
	session.ReadPump(ctx) // Block here until session disconnects
}

// extractTokenSubprotocol scans the comma-separated Sec-WebSocket-Protocol
// request header for an "access_token.<jwt>" entry and returns the token.
func extractTokenSubprotocol(r *http.Request) (string, bool) {
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return "", false
	}
	for _, proto := range strings.Split(header, ",") {
		proto = strings.TrimSpace(proto)
		if token, found := strings.CutPrefix(proto, wsProtocolPrefix); found && token != "" {
			return token, true
		}
	}
	return "", false
}
