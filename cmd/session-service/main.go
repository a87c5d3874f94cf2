package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liveroom-backend/internal/database"
	inviteHandler "liveroom-backend/internal/handler/http/invite"
	pushHandler "liveroom-backend/internal/handler/http/push"
	wsHandler "liveroom-backend/internal/handler/ws"
	"liveroom-backend/internal/middleware"
	"liveroom-backend/internal/presence"
	"liveroom-backend/internal/repository/cockroach"
	redisRepo "liveroom-backend/internal/repository/redis"
	sqliteRepo "liveroom-backend/internal/repository/sqlite"
	inviteService "liveroom-backend/internal/service/invite"
	"liveroom-backend/pkg/audit"
	"liveroom-backend/pkg/config"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/jwt"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/push"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(&logger.Config{
		Level:    cfg.Log.Level,
		Format:   cfg.Log.Format,
		Output:   cfg.Log.Output,
		FilePath: cfg.Log.FilePath,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config.Watch(func(next *config.Config, err error) {
		if err != nil {
			logger.Warn("Ignoring invalid config change", zap.Error(err))
			return
		}
		if next.Log.Level != logger.Level().String() {
			logger.SetLevel(next.Log.Level)
			logger.Info("Log level changed", zap.String("level", next.Log.Level))
		}
	})

	// 1. JWT
	if cfg.JWT.Secret == "" {
		logger.Fatal("JWT_SECRET environment variable is required")
	}
	jwtManager := jwt.NewJWTManager(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// 2. Metrics
	appMetrics := metrics.NewMetrics(cfg.Server.ServiceName)
	database.RegisterRedisMetrics(appMetrics.GetRegistry())

	// 3. Invite store
	inviteRepo, pingDB, closeDB := openInviteStore(ctx, cfg)
	defer closeDB()

	// 4. Redis for presence, nudges, push tokens and rate limits
	redisDB, err := database.NewRedisDB(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer func() { _ = redisDB.Close() }()
	redisDB.StartHealthCheck(ctx, 10*time.Second)
	logger.Info("Connected to Redis")

	// 5. Push
	pushProvider, err := push.NewProvider(ctx)
	if err != nil {
		logger.Fatal("Failed to initialize push provider", zap.Error(err))
	}
	if _, isMock := pushProvider.(*push.MockProvider); isMock && cfg.IsProduction() {
		logger.Fatal("PUSH_PROVIDER=mock is not allowed in production")
	}
	pushSvc := push.NewService(pushProvider, redisRepo.NewPushTokenRepository(redisDB.Client), appMetrics)

	// 6. Invites
	callChannel := redisRepo.NewCallChannelRepository(redisDB)
	inviteSvc := inviteService.NewService(inviteRepo, callChannel, pushSvc, inviteService.Config{
		TTL:           cfg.Invite.TTL,
		MaxRecipients: cfg.Invite.MaxRecipients,
	})
	inviteSvc.SetAuditor(audit.NewLogger(redisDB.Client))

	// 7. Handlers and gateways
	inviteHdlr := inviteHandler.NewHandler(inviteSvc)
	pushHdlr := pushHandler.NewHandler(pushSvc)
	transport := presence.NewRedisTransport(redisDB.Client, cfg.Presence.MemberTTL, cfg.Presence.HeartbeatInterval)
	presenceGateway := wsHandler.NewPresenceGateway(transport, cfg.Server.AllowedOrigins, cfg.Server.MaxConnections, appMetrics)
	incomingGateway := wsHandler.NewIncomingGateway(callChannel, cfg.Server.AllowedOrigins, cfg.Server.MaxConnections, appMetrics)

	// 8. Router
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	_ = router.SetTrustedProxies(nil)

	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	router.Use(middleware.CORSMiddleware(cfg.Server.AllowedOrigins))
	router.Use(middleware.NewPrometheusMiddleware(appMetrics).Handler())

	router.GET("/health", func(c *gin.Context) {
		status := http.StatusOK
		redisStatus := "ok"
		if redisDB.IsDegraded() {
			redisStatus = "degraded"
		}
		dbStatus := "ok"
		if err := pingDB(c.Request.Context()); err != nil {
			dbStatus = "unavailable"
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"service":  cfg.Server.ServiceName,
			"database": dbStatus,
			"redis":    redisStatus,
			"time":     time.Now().UTC(),
		})
	})
	router.GET("/metrics", middleware.MetricsHandler(appMetrics))

	auth := middleware.AuthMiddleware(jwtManager, middleware.NewRedisRevocationChecker(redisDB.Client))
	apiLimit := middleware.NewRateLimiter(redisDB, middleware.DefaultRateLimit, appMetrics).Middleware()
	inviteLimit := middleware.NewRateLimiter(redisDB, middleware.InviteRateLimit, appMetrics).Middleware()
	timeout := middleware.Timeout(constants.DefaultTimeout)

	calls := router.Group("/v1/calls", auth)
	{
		calls.POST("/invites", timeout, inviteLimit, inviteHdlr.CreateInvites)
		calls.POST("/invites/:id/respond", timeout, apiLimit, inviteHdlr.Respond)
		calls.GET("/invites/pending", timeout, apiLimit, inviteHdlr.Pending)
		calls.GET("/invites/:id", timeout, apiLimit, inviteHdlr.GetInvite)
		calls.GET("/rooms/:room_id/invites", timeout, apiLimit, inviteHdlr.RoomInvites)

		// Long-lived; no request timeout
		calls.GET("/ws/presence", presenceGateway.ServeWS)
		calls.GET("/ws/incoming", incomingGateway.ServeWS)
	}

	pushRoutes := router.Group("/v1/push", auth, timeout, apiLimit)
	{
		pushRoutes.POST("/tokens", pushHdlr.RegisterToken)
		pushRoutes.DELETE("/tokens", pushHdlr.UnregisterToken)
	}

	// 9. Serve until signalled
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Session service starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("environment", cfg.Server.Environment))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down session service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}

// openInviteStore opens the configured invite backend and returns it with its
// health probe and closer
func openInviteStore(ctx context.Context, cfg *config.Config) (inviteService.Repository, func(context.Context) error, func()) {
	if cfg.Invite.Store == "sqlite" {
		sdb, err := database.NewSQLiteDB(ctx, cfg.Invite.SQLitePath)
		if err != nil {
			logger.Fatal("Failed to open SQLite invite store", zap.Error(err))
		}
		repo := sqliteRepo.NewInviteRepository(sdb.DB)
		if err := repo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Failed to prepare invite schema", zap.Error(err))
		}
		logger.Info("Using SQLite invite store", zap.String("path", cfg.Invite.SQLitePath))
		return repo, sdb.Ping, sdb.Close
	}

	db, err := connectDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to CockroachDB", zap.Error(err))
	}
	repo := cockroach.NewInviteRepository(db.Pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to prepare invite schema", zap.Error(err))
	}
	return repo, db.Ping, db.Close
}

// connectDB retries with exponential backoff while CockroachDB starts up
func connectDB(ctx context.Context, cfg config.DatabaseConfig) (*database.DB, error) {
	const maxRetries = 5
	delay := time.Second

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		db, err := database.NewDB(ctx, cfg)
		if err == nil {
			logger.Info("Connected to CockroachDB", zap.Int("attempt", attempt))
			return db, nil
		}
		lastErr = err
		if attempt == maxRetries {
			break
		}

		logger.Warn("CockroachDB connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", delay),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, 30*time.Second)
	}
	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}
