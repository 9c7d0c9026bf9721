package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolftown/canis/internal/api"
	"github.com/wolftown/canis/internal/auth"
	"github.com/wolftown/canis/internal/command"
	"github.com/wolftown/canis/internal/config"
	"github.com/wolftown/canis/internal/database"
	"github.com/wolftown/canis/internal/pages"
	"github.com/wolftown/canis/internal/pubsub"
	"github.com/wolftown/canis/internal/ratelimit"
	"github.com/wolftown/canis/internal/server"
	"github.com/wolftown/canis/internal/social"
	"github.com/wolftown/canis/internal/storage"
	"github.com/wolftown/canis/internal/voice"
	"github.com/wolftown/canis/internal/webhook"
	"github.com/wolftown/canis/internal/webrtc"
	"github.com/wolftown/canis/internal/fabric"
)

func main() {
	// Structured logging from the start
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context for initialization
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to database
	db, err := database.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	if err := database.EnsureSchema(ctx, db, "migrations"); err != nil {
		slog.Error("failed to ensure database schema", "error", err)
		os.Exit(1)
	}

	// Initialize repositories
	userRepo := database.NewUserRepository(db)
	convRepo := database.NewConversationRepository(db)
	callRepo := database.NewCallRepository(db)
	attachmentRepo := database.NewAttachmentRepository(db.Pool)
	commandRepo := database.NewCommandRepository(db)
	webhookRepo := database.NewWebhookRepository(db)
	pageRepo := database.NewPageRepository(db)
	guildRepo := database.NewGuildRepository(db)

	// Initialize token service (use a default key for dev if not set)
	jwtKey := cfg.JWTSigningKey
	if jwtKey == "" {
		if cfg.IsDevelopment() {
			jwtKey = "dev-signing-key-do-not-use-in-production!!" // 42 chars
			slog.Warn("using default JWT signing key - DO NOT USE IN PRODUCTION")
		} else {
			slog.Error("JWT_SIGNING_KEY is required in production")
			os.Exit(1)
		}
	}

	tokenService, err := auth.NewTokenService(jwtKey)
	if err != nil {
		slog.Error("failed to create token service", "error", err)
		os.Exit(1)
	}

	// Initialize auth service
	authService := auth.NewService(userRepo, tokenService)

	// Initialize R2 storage (optional - skip if not configured)
	var r2Storage *storage.R2Storage
	var uploadHandler *api.UploadHandler
	if cfg.R2AccountID != "" && cfg.R2AccessKeyID != "" && cfg.R2SecretAccessKey != "" && cfg.R2Bucket != "" {
		r2Storage, err = storage.NewR2Storage(cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2Bucket)
		if err != nil {
			slog.Error("failed to initialize R2 storage", "error", err)
			os.Exit(1)
		}
		uploadHandler = api.NewUploadHandler(attachmentRepo, convRepo, r2Storage, cfg.MaxUploadBytes, cfg.R2Bucket)
		slog.Info("R2 storage initialized", "bucket", cfg.R2Bucket)
	} else {
		slog.Warn("R2 storage not configured - file uploads disabled")
	}

	// Initialize PubSub (in-memory for single instance, swap for Redis in production)
	ps := pubsub.NewMemoryPubSub()
	defer ps.Close()

	// Initialize the voice-join rate limiter: Redis-backed (shared across
	// instances) when REDIS_URL is set, in-memory otherwise.
	rlConfig := ratelimit.DefaultConfig()
	var joinLimiter webrtc.JoinLimiter
	var authLimiter api.AuthLimiter
	var interactions command.InteractionStore
	var blockCache social.BlockCache
	var webhookWorker *webhook.Worker
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("failed to parse REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient := redis.NewClient(redisOpts)
		rl := ratelimit.New(redisClient, rlConfig, logger)
		if err := rl.Init(ctx); err != nil {
			slog.Error("failed to initialize rate limiter", "error", err)
			os.Exit(1)
		}
		joinLimiter = rl
		authLimiter = rl
		interactions = command.NewRedisInteractionStore(redisClient)
		blockCache = social.NewRedisBlockCache(redisClient, convRepo)
		webhookWorker, err = webhook.NewWorker(redisClient, webhookRepo, logger)
		if err != nil {
			slog.Error("failed to initialize webhook delivery worker", "error", err)
			os.Exit(1)
		}
		slog.Info("rate limiter, command interactions, block cache, and webhook delivery backed by redis")
	} else {
		memoryLimiter := ratelimit.NewMemoryLimiter(rlConfig.Limits)
		joinLimiter = ratelimit.NewMemoryVoiceJoinLimiter(memoryLimiter)
		authLimiter = memoryLimiter
		interactions = command.NewMemoryInteractionStore()
		blockCache = social.NewMemoryBlockCache(convRepo)
		slog.Warn("REDIS_URL not configured - rate limiter, command interactions, and block cache running in-memory (single instance only); webhook delivery disabled")
	}

	if webhookWorker != nil {
		go func() {
			if err := webhookWorker.Run(context.Background()); err != nil && err != context.Canceled {
				slog.Error("webhook delivery worker stopped", "error", err)
			}
		}()
	}

	// Initialize broadcaster for API handlers to send WebSocket events
	broadcaster := fabric.NewPubSubBroadcaster(ps)

	// Initialize handlers
	authHandler := api.NewAuthHandler(authService, authLimiter, logger)
	userHandler := api.NewUserHandler(userRepo, logger)
	convHandler := api.NewConversationHandler(convRepo, userRepo, broadcaster, blockCache, logger)
	apiCallHandler := api.NewCallHandler(callRepo, convRepo, logger)
	commandRouter := command.NewRouter(commandRepo, interactions, ps, logger)
	commandHandler := api.NewCommandHandler(commandRouter, convRepo, userRepo, logger)
	pageService := pages.NewService(pageRepo)
	pageHandler := api.NewPageHandler(pageService, logger)

	// Initialize WebRTC manager
	webrtcConfig := &webrtc.Config{
		STUNURLs:     cfg.ICESTUNURLs,
		TURNURLs:     cfg.ICETURNURLs,
		TURNUsername: cfg.TURNUsername,
		TURNPassword: cfg.TURNPassword,
	}
	webrtcManager := webrtc.NewManager(webrtcConfig, ps, logger)
	callHandler := webrtc.NewCallHandler(webrtcManager, convRepo, callRepo, ps, logger)

	// Initialize SFU for group calls
	sfuConfig := &webrtc.SFUConfig{
		ICEServers: webrtcConfig.GetPionICEServers(),
	}
	sfu := webrtc.NewSFU(sfuConfig, ps, logger)
	sfu.SetJoinLimiter(joinLimiter)
	sfuHandler := webrtc.NewSFUHandler(sfu, webrtcManager, convRepo, callRepo, ps, logger)

	// Initialize voice-channel SFU (distinct from the group-call signaling
	// above: this is the persistent per-channel voice room a user joins by
	// entering a channel rather than by placing a call).
	voiceSFU, err := voice.NewSFU(&voice.Config{ICEServers: webrtcConfig.GetPionICEServers()}, joinLimiter, logger)
	if err != nil {
		slog.Error("failed to initialize voice SFU", "error", err)
		os.Exit(1)
	}
	voiceHandler := voice.NewHandler(voiceSFU, logger)

	// Initialize the event fabric's hub and WebSocket upgrade handler
	wsHub := fabric.NewHub(authService, convRepo, userRepo, attachmentRepo, guildRepo, ps, logger)
	wsHub.SetCallHandler(callHandler)
	wsHub.SetSFUHandler(sfuHandler)
	wsHub.SetVoiceHandler(voiceHandler)
	go wsHub.Run(context.Background())
	wsHandler := fabric.NewHandler(wsHub, authService, logger)

	// Determine static files directory (relative to working dir in dev, configurable in prod)
	staticDir := "../frontend"
	if cfg.StaticDir != "" {
		staticDir = cfg.StaticDir
	}

	// Create and start server
	deps := &server.Dependencies{
		DB:             db,
		UserRepo:       userRepo,
		ConvRepo:       convRepo,
		CallRepo:       callRepo,
		AttachmentRepo: attachmentRepo,
		R2Storage:      r2Storage,
		AuthService:    authService,
		AuthHandler:    authHandler,
		UserHandler:    userHandler,
		ConvHandler:    convHandler,
		CallHandler:    apiCallHandler,
		CommandHandler: commandHandler,
		PageHandler:    pageHandler,
		UploadHandler:  uploadHandler,
		WSHandler:      wsHandler,
		StaticDir:      staticDir,
		Logger:         logger,
	}

	srv := server.New(cfg, deps)

	// Graceful shutdown setup
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt
	<-shutdownCtx.Done()
	slog.Info("shutting down gracefully...")

	// Give active connections 10 seconds to finish
	timeoutCtx, timeoutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer timeoutCancel()

	if err := srv.Shutdown(timeoutCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}

	slog.Info("server stopped")
}
