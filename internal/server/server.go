package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	_ "github.com/wolftown/canis/docs"
	"github.com/wolftown/canis/internal/api"
	"github.com/wolftown/canis/internal/auth"
	"github.com/wolftown/canis/internal/config"
	"github.com/wolftown/canis/internal/database"
	"github.com/wolftown/canis/internal/storage"
	"github.com/wolftown/canis/internal/fabric"
)

// Dependencies holds all service dependencies for the server
type Dependencies struct {
	DB             *database.DB
	UserRepo       *database.UserRepository
	ConvRepo       *database.ConversationRepository
	CallRepo       *database.CallRepository
	AttachmentRepo *database.AttachmentRepository
	R2Storage      *storage.R2Storage
	AuthService    *auth.Service
	AuthHandler    *api.AuthHandler
	UserHandler    *api.UserHandler
	ConvHandler    *api.ConversationHandler
	CallHandler    *api.CallHandler
	CommandHandler *api.CommandHandler
	PageHandler    *api.PageHandler
	UploadHandler  *api.UploadHandler
	WSHandler      *fabric.Handler
	StaticDir      string
	Logger         *slog.Logger
}

// New creates an HTTP server with all routes configured.
func New(cfg *config.Config, deps *Dependencies) *http.Server {
	mux := http.NewServeMux()

	// Register routes
	registerRoutes(mux, cfg, deps)

	// Wrap with middleware
	handler := chainMiddleware(mux,
		requestIDMiddleware,
		corsMiddleware(cfg),
		loggingMiddleware(deps.Logger),
		recoverMiddleware(deps.Logger),
	)

	return &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func registerRoutes(mux *http.ServeMux, cfg *config.Config, deps *Dependencies) {
	// Health check - essential for docker, k8s, load balancers
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// Ready check - verifies DB connectivity
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.DB.Health(r.Context()); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","error":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	// =========================================================================
	// Auth routes (public)
	// =========================================================================
	mux.HandleFunc("POST /auth/register", deps.AuthHandler.Register)
	mux.HandleFunc("POST /auth/login", deps.AuthHandler.Login)
	mux.HandleFunc("POST /auth/refresh", deps.AuthHandler.Refresh)
	mux.HandleFunc("POST /auth/logout", deps.AuthHandler.Logout)

	// =========================================================================
	// Protected routes (require auth)
	// =========================================================================
	authMiddleware := auth.Middleware(deps.AuthService)

	// Me endpoint
	mux.Handle("GET /auth/me", authMiddleware(http.HandlerFunc(deps.AuthHandler.Me)))

	// =========================================================================
	// User routes
	// =========================================================================
	mux.HandleFunc("GET /users/search", deps.UserHandler.Search) // public search
	mux.HandleFunc("GET /users/{username}", deps.UserHandler.GetByUsername)
	mux.Handle("GET /users/me", authMiddleware(http.HandlerFunc(deps.UserHandler.GetMe)))
	mux.Handle("PUT /users/me", authMiddleware(http.HandlerFunc(deps.UserHandler.UpdateProfile)))

	// =========================================================================
	// Conversation routes
	// =========================================================================
	mux.Handle("POST /conversations", authMiddleware(http.HandlerFunc(deps.ConvHandler.CreateConversation)))
	mux.Handle("GET /conversations", authMiddleware(http.HandlerFunc(deps.ConvHandler.ListConversations)))
	mux.Handle("GET /conversations/{id}", authMiddleware(http.HandlerFunc(deps.ConvHandler.GetConversation)))
	mux.Handle("POST /conversations/{id}/members", authMiddleware(http.HandlerFunc(deps.ConvHandler.AddMember)))
	mux.Handle("DELETE /conversations/{id}/members/{userId}", authMiddleware(http.HandlerFunc(deps.ConvHandler.RemoveMember)))

	// =========================================================================
	// Message routes
	// =========================================================================
	mux.Handle("GET /conversations/{id}/messages", authMiddleware(http.HandlerFunc(deps.ConvHandler.GetMessages)))
	mux.Handle("POST /conversations/{id}/messages", authMiddleware(http.HandlerFunc(deps.ConvHandler.SendMessage)))

	// =========================================================================
	// Block routes
	// =========================================================================
	mux.Handle("POST /blocks/{username}", authMiddleware(http.HandlerFunc(deps.ConvHandler.BlockUser)))
	mux.Handle("DELETE /blocks/{username}", authMiddleware(http.HandlerFunc(deps.ConvHandler.UnblockUser)))

	// =========================================================================
	// Call routes
	// =========================================================================
	if deps.CallHandler != nil {
		mux.Handle("GET /calls", authMiddleware(http.HandlerFunc(deps.CallHandler.GetCallHistory)))
		mux.Handle("GET /calls/missed/count", authMiddleware(http.HandlerFunc(deps.CallHandler.GetMissedCallCount)))
		mux.Handle("GET /calls/{id}", authMiddleware(http.HandlerFunc(deps.CallHandler.GetCall)))
		mux.Handle("POST /calls", authMiddleware(http.HandlerFunc(deps.CallHandler.CreateCall)))
		mux.Handle("PATCH /calls/{id}", authMiddleware(http.HandlerFunc(deps.CallHandler.UpdateCall)))
	}

	// =========================================================================
	// Upload routes (disabled unless R2 storage is configured)
	// =========================================================================
	if deps.UploadHandler != nil {
		mux.Handle("POST /uploads/init", authMiddleware(http.HandlerFunc(deps.UploadHandler.InitUpload)))
		mux.Handle("POST /uploads/complete", authMiddleware(http.HandlerFunc(deps.UploadHandler.CompleteUpload)))
		mux.Handle("GET /attachments/{id}/url", authMiddleware(http.HandlerFunc(deps.UploadHandler.GetAttachmentURL)))
	}

	// =========================================================================
	// Slash-command routes
	// =========================================================================
	if deps.CommandHandler != nil {
		mux.Handle("PUT /applications/{id}/commands", authMiddleware(http.HandlerFunc(deps.CommandHandler.RegisterCommands)))
		mux.Handle("GET /applications/{id}/commands", authMiddleware(http.HandlerFunc(deps.CommandHandler.ListCommands)))
		mux.Handle("DELETE /applications/{id}/commands", authMiddleware(http.HandlerFunc(deps.CommandHandler.DeleteAllCommands)))
		mux.Handle("DELETE /applications/{id}/commands/{command_id}", authMiddleware(http.HandlerFunc(deps.CommandHandler.DeleteCommand)))
		mux.Handle("POST /messages/channel/{id}", authMiddleware(http.HandlerFunc(deps.CommandHandler.PostChannelMessage)))
	}

	// =========================================================================
	// Page routes
	// =========================================================================
	if deps.PageHandler != nil {
		mux.Handle("GET /pages", http.HandlerFunc(deps.PageHandler.ListPages))
		mux.Handle("GET /pages/pending-acceptance", authMiddleware(http.HandlerFunc(deps.PageHandler.PendingAcceptance)))
		mux.Handle("GET /pages/{slug}", http.HandlerFunc(deps.PageHandler.GetPage))
		mux.Handle("POST /pages", authMiddleware(http.HandlerFunc(deps.PageHandler.CreatePage)))
		mux.Handle("POST /pages/reorder", authMiddleware(http.HandlerFunc(deps.PageHandler.ReorderPages)))
		mux.Handle("PATCH /pages/{id}", authMiddleware(http.HandlerFunc(deps.PageHandler.UpdatePage)))
		mux.Handle("DELETE /pages/{id}", authMiddleware(http.HandlerFunc(deps.PageHandler.DeletePage)))
		mux.Handle("POST /pages/{id}/accept", authMiddleware(http.HandlerFunc(deps.PageHandler.AcceptPage)))
	}

	// =========================================================================
	// Metrics and API docs
	// =========================================================================
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /swagger/", httpSwagger.WrapHandler)

	// =========================================================================
	// WebSocket route
	// =========================================================================
	mux.Handle("GET /ws", deps.WSHandler)

	// =========================================================================
	// Static files (frontend) - serve at root
	// =========================================================================
	staticFS := http.FileServer(http.Dir(deps.StaticDir))
	mux.Handle("GET /", staticFS)
}
