package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/metrics"
)

const sendBufferSize = 256

// gateway holds what the WebSocket endpoints share: origin policy,
// connection cap and metrics
type gateway struct {
	name           string
	upgrader       websocket.Upgrader
	maxConnections int
	semaphore      chan struct{}
	active         atomic.Int64
	metrics        *metrics.Metrics
}

func newGateway(name string, allowedOrigins []string, maxConnections int, m *metrics.Metrics) *gateway {
	if maxConnections <= 0 {
		maxConnections = 1000
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	return &gateway{
		name: name,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				// Native clients send no Origin; browsers always do
				return origin == "" || origins[origin]
			},
		},
		maxConnections: maxConnections,
		semaphore:      make(chan struct{}, maxConnections),
		metrics:        m,
	}
}

func (g *gateway) acquire() bool {
	select {
	case g.semaphore <- struct{}{}:
		g.track(1)
		return true
	default:
		return false
	}
}

func (g *gateway) release() {
	<-g.semaphore
	g.track(-1)
}

func (g *gateway) track(delta int64) {
	n := g.active.Add(delta)
	if g.metrics != nil {
		g.metrics.SetWebSocketConnections(g.name, int(n))
	}
}

func (g *gateway) recordMessage(t domain.FrameType, direction string) {
	if g.metrics != nil {
		g.metrics.RecordWebSocketMessage(string(t), direction)
	}
}

func (g *gateway) recordError(reason string) {
	if g.metrics != nil {
		g.metrics.RecordWebSocketError(reason)
	}
}

// client is one upgraded connection. Frames may be queued before the
// upgrade; they are flushed once writePump starts.
type client struct {
	gw     *gateway
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	overflow sync.Once
}

func newClient(gw *gateway, log *zap.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		gw:     gw,
		send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
		log:    log,
	}
}

// enqueue never blocks; a client that cannot keep up is disconnected
func (c *client) enqueue(f domain.Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.log.Error("Failed to encode frame", zap.Error(err))
		return
	}

	select {
	case <-c.ctx.Done():
	case c.send <- data:
		c.gw.recordMessage(f.Type, "out")
	default:
		c.overflow.Do(func() {
			c.log.Warn("WebSocket send buffer full, disconnecting")
			c.gw.recordError("send_buffer_full")
			c.cancel()
		})
	}
}

// writePump writes queued frames and pings until the client is cancelled
func (c *client) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(constants.WebSocketWriteWait))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(constants.WebSocketWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// readPump hands decoded frames to onFrame until the connection fails. It
// cancels the client on return.
func (c *client) readPump(onFrame func(domain.Frame)) {
	defer c.cancel()

	c.conn.SetReadLimit(constants.MaxWebSocketMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("WebSocket connection closed", zap.Error(err))
			}
			return
		}

		var f domain.Frame
		if err := json.Unmarshal(message, &f); err != nil {
			c.gw.recordError("invalid_frame")
			c.enqueue(domain.Frame{Type: domain.FrameError, Error: "invalid frame"})
			continue
		}
		c.gw.recordMessage(f.Type, "in")
		onFrame(f)
	}
}
