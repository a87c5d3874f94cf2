package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
)

// IncomingSource implements invite.NudgeSource over the incoming gateway
type IncomingSource struct {
	transport *PresenceTransport
}

// NewIncomingSource creates a nudge source for the user behind api
func NewIncomingSource(api *API) *IncomingSource {
	return &IncomingSource{transport: NewPresenceTransport(api)}
}

// Subscribe relays nudges to fn until the returned func is called or the
// connection drops. Missed nudges are recovered by the listener's polling.
func (s *IncomingSource) Subscribe(ctx context.Context, fn func(*domain.InviteNudge)) (func() error, error) {
	api := s.transport.api
	conn, resp, err := s.transport.dialer.DialContext(ctx, api.wsURL("/v1/calls/ws/incoming", url.Values{}), api.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("incoming gateway: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("incoming gateway: %w", err)
	}

	sub := &wsSubscription{
		conn: conn,
		done: make(chan struct{}),
		log:  logger.Component("incoming_source"),
	}
	go func() {
		defer sub.shutdown()
		conn.SetReadLimit(constants.MaxWebSocketMessageSize)
		for {
			var f domain.Frame
			if err := conn.ReadJSON(&f); err != nil {
				select {
				case <-sub.done:
				default:
					sub.log.Warn("Incoming gateway connection lost", zap.Error(err))
				}
				return
			}
			if f.Type != domain.FrameNudge {
				continue
			}

			var n domain.InviteNudge
			if err := json.Unmarshal(f.Payload, &n); err != nil {
				continue
			}
			if err := n.Validate(); err != nil {
				sub.log.Debug("Dropping invalid nudge", zap.Error(err))
				continue
			}
			fn(&n)
		}
	}()

	return sub.Unsubscribe, nil
}
