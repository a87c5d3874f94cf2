package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
)

// Client hands out at most one Channel per session id
type Client struct {
	transport Transport

	mu       sync.Mutex
	channels map[domain.SessionID]*Channel
}

// NewClient creates a presence client over transport
func NewClient(transport Transport) *Client {
	return &Client{
		transport: transport,
		channels:  make(map[domain.SessionID]*Channel),
	}
}

// Join subscribes to the session topic and tracks local. The listener is
// bound before the subscription starts so no event is missed.
func (c *Client) Join(ctx context.Context, sessionID domain.SessionID, local domain.MemberInfo, l Listener) (*Channel, error) {
	if err := sessionID.Validate(); err != nil {
		return nil, err
	}
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("invalid local member: %w", err)
	}

	ch := &Channel{
		client:    c,
		sessionID: sessionID,
		self:      local,
		listener:  l,
		members:   make(map[domain.PeerAddress]domain.MemberInfo),
		log: logger.Component("presence").With(
			zap.String("session_id", sessionID.String()),
			zap.String("peer_address", local.PeerAddress.String())),
	}

	c.mu.Lock()
	if _, exists := c.channels[sessionID]; exists {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.channels[sessionID] = ch
	c.mu.Unlock()

	sub, err := c.transport.Subscribe(ctx, sessionID.String(), local.PeerAddress.String(), ch.handlers())
	if err != nil {
		c.release(ch)
		return nil, fmt.Errorf("%w: %w", ErrSubscribe, err)
	}

	ch.mu.Lock()
	if ch.closed.Load() {
		// Leave ran while subscribing
		ch.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, ErrClosed
	}
	ch.sub = sub
	ch.mu.Unlock()

	payload, err := json.Marshal(local)
	if err != nil {
		_ = ch.Leave()
		return nil, fmt.Errorf("failed to encode member: %w", err)
	}
	if err := sub.Track(ctx, payload); err != nil {
		_ = ch.Leave()
		return nil, fmt.Errorf("%w: track: %w", ErrSubscribe, err)
	}

	ch.log.Info("Joined presence channel")
	return ch, nil
}

// Channel returns the live channel for a session, if any
func (c *Client) Channel(sessionID domain.SessionID) (*Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[sessionID]
	return ch, ok
}

func (c *Client) release(ch *Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channels[ch.sessionID] == ch {
		delete(c.channels, ch.sessionID)
	}
}

// Channel is one membership of a session topic
type Channel struct {
	client    *Client
	sessionID domain.SessionID
	listener  Listener
	log       *zap.Logger

	mu      sync.Mutex
	self    domain.MemberInfo
	sub     Subscription
	members map[domain.PeerAddress]domain.MemberInfo

	closed    atomic.Bool
	leaveOnce sync.Once
	leaveErr  error
}

func (ch *Channel) SessionID() domain.SessionID { return ch.sessionID }

// Self returns the locally tracked member info
func (ch *Channel) Self() domain.MemberInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.self
}

// Members returns the current member snapshot, self included, sorted by address
func (ch *Channel) Members() []domain.MemberInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.snapshotLocked()
}

func (ch *Channel) snapshotLocked() []domain.MemberInfo {
	out := make([]domain.MemberInfo, 0, len(ch.members))
	for _, m := range ch.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerAddress < out[j].PeerAddress })
	return out
}

// Track updates the local payload. The peer address cannot change.
func (ch *Channel) Track(ctx context.Context, info domain.MemberInfo) error {
	if ch.closed.Load() {
		return ErrClosed
	}
	if err := info.Validate(); err != nil {
		return err
	}

	ch.mu.Lock()
	if info.PeerAddress != ch.self.PeerAddress {
		ch.mu.Unlock()
		return fmt.Errorf("cannot change peer address of a tracked member")
	}
	ch.self = info
	sub := ch.sub
	ch.mu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}

	payload, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to encode member: %w", err)
	}
	return sub.Track(ctx, payload)
}

// Send broadcasts b to the other members, stamped with the local address
func (ch *Channel) Send(ctx context.Context, b Broadcast) error {
	if ch.closed.Load() {
		return ErrClosed
	}

	ch.mu.Lock()
	b.From = ch.self.PeerAddress
	sub := ch.sub
	ch.mu.Unlock()
	if sub == nil {
		return ErrNotSubscribed
	}

	if err := b.Validate(); err != nil {
		return fmt.Errorf("invalid broadcast: %w", err)
	}
	payload, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	return sub.Send(ctx, payload)
}

// Leave unsubscribes. It is idempotent and frees the session slot on the client.
func (ch *Channel) Leave() error {
	ch.leaveOnce.Do(func() {
		ch.closed.Store(true)

		ch.mu.Lock()
		sub := ch.sub
		ch.members = make(map[domain.PeerAddress]domain.MemberInfo)
		ch.mu.Unlock()

		if sub != nil {
			ch.leaveErr = sub.Unsubscribe()
		}
		ch.client.release(ch)
		ch.log.Info("Left presence channel")
	})
	return ch.leaveErr
}

func (ch *Channel) handlers() Handlers {
	return Handlers{
		OnSync:      ch.handleSync,
		OnJoin:      ch.handleJoin,
		OnLeave:     ch.handleLeave,
		OnBroadcast: ch.handleBroadcast,
	}
}

func (ch *Channel) decodeMember(key string, payload json.RawMessage) (domain.MemberInfo, bool) {
	var m domain.MemberInfo
	if err := json.Unmarshal(payload, &m); err != nil {
		ch.reject("malformed_member", zap.String("key", key), zap.Error(err))
		return m, false
	}
	if err := m.Validate(); err != nil {
		ch.reject("invalid_member", zap.String("key", key), zap.Error(err))
		return m, false
	}
	if string(m.PeerAddress) != key {
		ch.reject("key_mismatch", zap.String("key", key))
		return m, false
	}
	return m, true
}

func (ch *Channel) reject(reason string, fields ...zap.Field) {
	metrics.PresenceRejectedTotal.WithLabelValues(reason).Inc()
	ch.log.Warn("Dropped presence payload", append(fields, zap.String("reason", reason))...)
}

func (ch *Channel) handleSync(raw map[string]json.RawMessage) {
	if ch.closed.Load() {
		return
	}
	next := make(map[domain.PeerAddress]domain.MemberInfo, len(raw))
	for key, payload := range raw {
		if m, ok := ch.decodeMember(key, payload); ok {
			next[m.PeerAddress] = m
		}
	}

	ch.mu.Lock()
	ch.members = next
	snapshot := ch.snapshotLocked()
	ch.mu.Unlock()

	metrics.PresenceEventsTotal.WithLabelValues("sync").Inc()
	if ch.listener.OnSync != nil {
		ch.listener.OnSync(snapshot)
	}
}

func (ch *Channel) handleJoin(key string, payload json.RawMessage) {
	if ch.closed.Load() {
		return
	}
	m, ok := ch.decodeMember(key, payload)
	if !ok {
		return
	}

	ch.mu.Lock()
	ch.members[m.PeerAddress] = m
	ch.mu.Unlock()

	metrics.PresenceEventsTotal.WithLabelValues("join").Inc()
	if ch.listener.OnJoin != nil {
		ch.listener.OnJoin(m)
	}
}

func (ch *Channel) handleLeave(key string) {
	if ch.closed.Load() {
		return
	}
	peer := domain.PeerAddress(key)
	if err := peer.Validate(); err != nil {
		ch.reject("invalid_leave", zap.String("key", key))
		return
	}

	ch.mu.Lock()
	delete(ch.members, peer)
	ch.mu.Unlock()

	metrics.PresenceEventsTotal.WithLabelValues("leave").Inc()
	if ch.listener.OnLeave != nil {
		ch.listener.OnLeave(peer)
	}
}

func (ch *Channel) handleBroadcast(payload json.RawMessage) {
	if ch.closed.Load() {
		return
	}
	var b Broadcast
	if err := json.Unmarshal(payload, &b); err != nil {
		ch.reject("malformed_broadcast", zap.Error(err))
		return
	}
	if err := b.Validate(); err != nil {
		ch.reject("invalid_broadcast", zap.Error(err))
		return
	}

	self := ch.Self().PeerAddress
	if b.From == self {
		// transport echoed our own send
		return
	}
	if b.Kind == BroadcastSignal && b.Signal.To != self {
		return
	}

	metrics.PresenceEventsTotal.WithLabelValues("broadcast").Inc()
	if ch.listener.OnBroadcast != nil {
		ch.listener.OnBroadcast(b)
	}
}
