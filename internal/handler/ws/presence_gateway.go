package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/middleware"
	"liveroom-backend/internal/presence"
	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/response"
)

// PresenceGateway bridges WebSocket clients onto the presence transport.
// Each connection is one membership of one session topic; closing the
// socket leaves the topic.
type PresenceGateway struct {
	*gateway
	transport presence.Transport
}

// NewPresenceGateway creates a new presence gateway
func NewPresenceGateway(transport presence.Transport, allowedOrigins []string, maxConnections int, m *metrics.Metrics) *PresenceGateway {
	return &PresenceGateway{
		gateway:   newGateway("presence", allowedOrigins, maxConnections, m),
		transport: transport,
	}
}

// ServeWS handles GET /v1/calls/ws/presence
func (g *PresenceGateway) ServeWS(c *gin.Context) {
	if !g.acquire() {
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.String("gateway", g.name),
			zap.Int("max_connections", g.maxConnections))
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}
	defer g.release()

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	sessionID := domain.SessionID(c.Query("session_id"))
	if err := sessionID.Validate(); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	peer := domain.PeerAddress(c.Query("peer_address"))
	if err := peer.Validate(); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	cl := newClient(g.gateway, logger.Component("presence_gateway").With(
		zap.String("session_id", sessionID.String()),
		zap.String("peer_address", peer.String()),
		zap.String("user_id", userID.String()),
		zap.String("display_name", c.Query("display_name"))))

	sub, err := g.transport.Subscribe(cl.ctx, sessionID.String(), peer.String(), presence.Handlers{
		OnSync: func(members map[string]json.RawMessage) {
			cl.enqueue(domain.Frame{Type: domain.FrameSync, Members: members})
		},
		OnJoin: func(key string, payload json.RawMessage) {
			cl.enqueue(domain.Frame{Type: domain.FrameJoin, Key: key, Payload: payload})
		},
		OnLeave: func(key string) {
			cl.enqueue(domain.Frame{Type: domain.FrameLeave, Key: key})
		},
		OnBroadcast: func(payload json.RawMessage) {
			cl.enqueue(domain.Frame{Type: domain.FrameBroadcast, Payload: payload})
		},
	})
	if errors.Is(err, presence.ErrPeerTaken) {
		cl.cancel()
		cl.log.Warn("Peer address already connected")
		response.FromError(c, apperrors.ConflictError("Peer address already in use"))
		return
	}
	if err != nil {
		cl.cancel()
		cl.log.Warn("Presence subscribe failed", zap.Error(err))
		response.FromError(c, apperrors.ServiceUnavailableError("Presence unavailable"))
		return
	}
	defer func() { _ = sub.Unsubscribe() }()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cl.cancel()
		cl.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cl.conn = conn
	cl.log.Info("Presence client connected")

	go cl.writePump()
	cl.readPump(func(f domain.Frame) {
		if err := g.handleFrame(cl, sub, peer, f); err != nil {
			cl.log.Debug("Rejected client frame", zap.String("type", string(f.Type)), zap.Error(err))
			g.recordError("rejected_frame")
			cl.enqueue(domain.Frame{Type: domain.FrameError, Error: err.Error()})
		}
	})

	cl.log.Info("Presence client disconnected")
}

// handleFrame applies one client frame. A client may only track and speak
// as the peer address it connected with.
func (g *PresenceGateway) handleFrame(cl *client, sub presence.Subscription, peer domain.PeerAddress, f domain.Frame) error {
	switch f.Type {
	case domain.FrameTrack:
		var member domain.MemberInfo
		if err := json.Unmarshal(f.Payload, &member); err != nil {
			return fmt.Errorf("invalid member payload")
		}
		if err := member.Validate(); err != nil {
			return err
		}
		if member.PeerAddress != peer {
			return fmt.Errorf("member payload is for another peer")
		}
		return sub.Track(cl.ctx, f.Payload)

	case domain.FrameBroadcast:
		var b presence.Broadcast
		if err := json.Unmarshal(f.Payload, &b); err != nil {
			return fmt.Errorf("invalid broadcast payload")
		}
		if err := b.Validate(); err != nil {
			return err
		}
		if b.From != peer {
			return fmt.Errorf("broadcast sender does not match connection")
		}
		return sub.Send(cl.ctx, f.Payload)

	default:
		return fmt.Errorf("unsupported frame type %q", f.Type)
	}
}
