package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/presence"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
)

var errConnClosed = errors.New("gateway connection closed")

// PresenceTransport implements presence.Transport over the presence gateway
type PresenceTransport struct {
	api    *API
	dialer *websocket.Dialer
}

// NewPresenceTransport creates a transport that dials the gateway of api
func NewPresenceTransport(api *API) *PresenceTransport {
	return &PresenceTransport{
		api: api,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Subscribe opens one gateway connection for topic. The gateway subscribes
// before upgrading, so events start flowing once the dial succeeds.
func (t *PresenceTransport) Subscribe(ctx context.Context, topic, self string, h presence.Handlers) (presence.Subscription, error) {
	endpoint := t.api.wsURL("/v1/calls/ws/presence", url.Values{
		"session_id":   {topic},
		"peer_address": {self},
	})
	conn, resp, err := t.dialer.DialContext(ctx, endpoint, t.api.authHeader())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("presence gateway: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("presence gateway: %w", err)
	}

	sub := &wsSubscription{
		conn: conn,
		done: make(chan struct{}),
		log: logger.Component("presence_transport").With(
			zap.String("session_id", topic),
			zap.String("peer_address", self)),
	}
	go sub.readLoop(h)
	return sub, nil
}

type wsSubscription struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// readLoop dispatches frames in arrival order from one goroutine
func (s *wsSubscription) readLoop(h presence.Handlers) {
	defer s.shutdown()

	s.conn.SetReadLimit(constants.MaxWebSocketMessageSize)
	for {
		var f domain.Frame
		if err := s.conn.ReadJSON(&f); err != nil {
			select {
			case <-s.done:
			default:
				s.log.Warn("Presence gateway connection lost", zap.Error(err))
			}
			return
		}

		switch f.Type {
		case domain.FrameSync:
			if h.OnSync != nil {
				h.OnSync(f.Members)
			}
		case domain.FrameJoin:
			if h.OnJoin != nil {
				h.OnJoin(f.Key, f.Payload)
			}
		case domain.FrameLeave:
			if h.OnLeave != nil {
				h.OnLeave(f.Key)
			}
		case domain.FrameBroadcast:
			if h.OnBroadcast != nil {
				h.OnBroadcast(f.Payload)
			}
		case domain.FrameError:
			s.log.Warn("Presence gateway rejected a frame", zap.String("error", f.Error))
		}
	}
}

func (s *wsSubscription) write(ctx context.Context, f domain.Frame) error {
	select {
	case <-s.done:
		return errConnClosed
	default:
	}

	deadline := time.Now().Add(constants.WebSocketWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(f)
}

func (s *wsSubscription) Track(ctx context.Context, payload json.RawMessage) error {
	return s.write(ctx, domain.Frame{Type: domain.FrameTrack, Payload: payload})
}

func (s *wsSubscription) Send(ctx context.Context, payload json.RawMessage) error {
	return s.write(ctx, domain.Frame{Type: domain.FrameBroadcast, Payload: payload})
}

// Unsubscribe closes the socket; the gateway leaves the topic on our behalf
func (s *wsSubscription) Unsubscribe() error {
	s.writeMu.Lock()
	select {
	case <-s.done:
	default:
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(constants.WebSocketWriteWait))
	}
	s.writeMu.Unlock()
	s.shutdown()
	return nil
}

func (s *wsSubscription) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
