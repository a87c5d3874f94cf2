package ws

import (
	"context"
	"encoding/json"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/middleware"
	apperrors "liveroom-backend/pkg/errors"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/response"
)

// CallChannel streams the nudges published for one user
type CallChannel interface {
	Subscribe(ctx context.Context, userID uuid.UUID, fn func(*domain.InviteNudge)) (func() error, error)
}

// IncomingGateway relays the authenticated user's personal call channel
type IncomingGateway struct {
	*gateway
	channel CallChannel
}

// NewIncomingGateway creates a new incoming call gateway
func NewIncomingGateway(channel CallChannel, allowedOrigins []string, maxConnections int, m *metrics.Metrics) *IncomingGateway {
	return &IncomingGateway{
		gateway: newGateway("incoming", allowedOrigins, maxConnections, m),
		channel: channel,
	}
}

// ServeWS handles GET /v1/calls/ws/incoming
func (g *IncomingGateway) ServeWS(c *gin.Context) {
	if !g.acquire() {
		response.FromError(c, apperrors.ServiceUnavailableError("Server at capacity, please try again later"))
		return
	}
	defer g.release()

	userID, ok := middleware.UserID(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	cl := newClient(g.gateway, logger.Component("incoming_gateway").With(
		zap.String("user_id", userID.String())))

	closeFn, err := g.channel.Subscribe(cl.ctx, userID, func(n *domain.InviteNudge) {
		payload, err := json.Marshal(n)
		if err != nil {
			return
		}
		cl.enqueue(domain.Frame{Type: domain.FrameNudge, Payload: payload})
	})
	if err != nil {
		cl.cancel()
		// Clients fall back to polling pending invites
		cl.log.Warn("Call channel subscribe failed", zap.Error(err))
		response.FromError(c, apperrors.ServiceUnavailableError("Call channel unavailable"))
		return
	}
	defer func() { _ = closeFn() }()

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		cl.cancel()
		cl.log.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cl.conn = conn

	go cl.writePump()
	cl.readPump(func(f domain.Frame) {
		cl.enqueue(domain.Frame{Type: domain.FrameError, Error: "incoming channel is receive-only"})
	})
}
