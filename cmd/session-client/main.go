package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/client"
	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/media"
	"liveroom-backend/internal/presence"
	"liveroom-backend/internal/rtc"
	"liveroom-backend/internal/service/invite"
	"liveroom-backend/internal/session"
	"liveroom-backend/pkg/config"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/jwt"
	"liveroom-backend/pkg/logger"
)

// session-client is a headless participant: it listens for incoming call
// invites, accepts them, and optionally joins a session on start.
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

	token, err := accessToken(cfg)
	if err != nil {
		logger.Fatal("No access token", zap.Error(err))
	}

	api, err := client.NewAPI(cfg.Client.APIBaseURL, token)
	if err != nil {
		logger.Fatal("Invalid API base URL", zap.Error(err))
	}

	dialer, err := rtc.NewDialer(rtc.Config{ICEServers: cfg.Mesh.ICEServers})
	if err != nil {
		logger.Fatal("Failed to create WebRTC dialer", zap.Error(err))
	}

	// Without synthetic media the client has no capture source and joins
	// receive-only.
	acquirer := &media.SyntheticAcquirer{
		Deny:     !cfg.Client.Synthetic,
		Generate: cfg.Client.Synthetic,
	}

	sessionCfg := session.DefaultConfig()
	if cfg.Session.JoinAttempts > 0 {
		sessionCfg.JoinAttempts = cfg.Session.JoinAttempts
	}
	if cfg.Session.JoinBackoff > 0 {
		sessionCfg.JoinBackoff = cfg.Session.JoinBackoff
	}
	if cfg.Session.JoinBackoffMax > 0 {
		sessionCfg.JoinBackoffMax = cfg.Session.JoinBackoffMax
	}
	if cfg.Mesh.DialTimeout > 0 {
		sessionCfg.DialTimeout = cfg.Mesh.DialTimeout
	}

	controller := session.NewController(session.Deps{
		Presence: presence.NewClient(client.NewPresenceTransport(api)),
		Dialer:   dialer,
		Acquirer: acquirer,
		Sink:     media.LogSink{},
	}, sessionCfg)
	defer controller.Leave()

	var lastState session.State
	controller.OnChange(func(s session.Snapshot) {
		if s.State == lastState {
			return
		}
		lastState = s.State
		fields := []zap.Field{
			zap.String("state", string(s.State)),
			zap.String("session_id", s.SessionID.String()),
			zap.Int("connected", s.ConnectedCount),
		}
		if s.Warning != "" {
			fields = append(fields, zap.String("warning", s.Warning))
		}
		if s.Err != nil {
			fields = append(fields, zap.Error(s.Err))
		}
		logger.Info("Session state changed", fields...)
	})

	var listener *invite.Listener
	listener = invite.NewListener(api, client.NewIncomingSource(api), controller, invite.ListenerConfig{
		PollInterval: cfg.Invite.PollInterval,
		ForgetAfter:  cfg.Invite.TTL,
		DisplayName:  cfg.Client.DisplayName,
		OnIncoming: func(call invite.IncomingCall) {
			// Headless participants answer every call they are offered
			go func() {
				acceptCtx, cancel := context.WithTimeout(ctx, constants.DefaultTimeout)
				defer cancel()
				if err := listener.Accept(acceptCtx, call.InviteID); err != nil {
					logger.Warn("Failed to accept invite",
						zap.String("invite_id", call.InviteID.String()),
						zap.Error(err))
				}
			}()
		},
		OnResolved: func(n *domain.InviteNudge) {
			logger.Info("Invite answered",
				zap.String("invite_id", n.InviteID.String()),
				zap.String("kind", string(n.Kind)))
		},
	})

	if cfg.Client.SessionID != "" {
		role := cfg.Client.Role
		if role == "" {
			role = constants.RoleGuest
		}
		if err := controller.Join(ctx, domain.SessionID(cfg.Client.SessionID), cfg.Client.DisplayName, role); err != nil {
			logger.Error("Failed to join session",
				zap.String("session_id", cfg.Client.SessionID),
				zap.Error(err))
		}
	}

	logger.Info("Session client started", zap.String("api", cfg.Client.APIBaseURL))
	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Incoming call listener stopped", zap.Error(err))
	}
	logger.Info("Session client stopped")
}

// accessToken returns the configured token. Outside production a token is
// minted from the shared secret so a local stack needs no auth service.
func accessToken(cfg *config.Config) (string, error) {
	if cfg.Client.AccessToken != "" {
		return cfg.Client.AccessToken, nil
	}
	if cfg.IsProduction() || cfg.JWT.Secret == "" {
		return "", errors.New("CLIENT_ACCESS_TOKEN is required")
	}

	name := cfg.Client.DisplayName
	if name == "" {
		name = "guest-" + uuid.NewString()[:8]
	}
	expiry := cfg.JWT.AccessTokenExpiry
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return jwt.NewJWTManager(cfg.JWT.Secret, expiry).GenerateAccessToken(uuid.New(), name, "user")
}
