package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
)

// Event types published on a room channel
const (
	eventJoin      = "join"
	eventLeave     = "leave"
	eventBroadcast = "broadcast"
)

// roomEvent is the wire format of the room pub/sub channel
type roomEvent struct {
	Type    string          `json:"type"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	From    string          `json:"from"`
}

// RedisTransport keeps room membership in a Redis hash and fans events out
// over pub/sub. Each subscription owns its peer address through a liveness
// key holding a random token; the key has a TTL and is refreshed by the
// heartbeat. When a member stops heartbeating its key expires and the next
// heartbeat of any other member prunes it and publishes the leave. A member
// that was pruned while still alive puts itself back on its next heartbeat.
type RedisTransport struct {
	client    *redis.Client
	memberTTL time.Duration
	heartbeat time.Duration
}

// NewRedisTransport creates a transport. heartbeat must be shorter than memberTTL.
func NewRedisTransport(client *redis.Client, memberTTL, heartbeat time.Duration) *RedisTransport {
	if memberTTL <= 0 {
		memberTTL = 15 * time.Second
	}
	if heartbeat <= 0 || heartbeat >= memberTTL {
		heartbeat = memberTTL / 3
	}
	return &RedisTransport{
		client:    client,
		memberTTL: memberTTL,
		heartbeat: heartbeat,
	}
}

// KEYS: room hash, liveness key. ARGV: peer, token, payload, ttl ms.
// Returns 0 when another subscription owns the address.
var trackScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[2] then return 0 end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
return 1
`)

// KEYS: room hash, liveness key. ARGV: peer, token, payload, ttl ms, tracked.
// Returns -1 when the address was taken over, 1 when the room entry had to
// be restored, 0 otherwise.
var beatScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[2] then return -1 end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
if ARGV[5] == '1' then
  return redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[3])
end
return 0
`)

// KEYS: room hash, liveness key of the member. ARGV: member.
// Returns 1 only for the caller that removed the entry.
var pruneScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then return 0 end
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

// KEYS: room hash, liveness key. ARGV: peer, token.
// Returns 1 when a room entry was removed.
var releaseScript = redis.NewScript(`
local owner = redis.call('GET', KEYS[2])
if owner and owner ~= ARGV[2] then return 0 end
redis.call('DEL', KEYS[2])
return redis.call('HDEL', KEYS[1], ARGV[1])
`)

func roomKey(topic string) string { return fmt.Sprintf(constants.PresenceRoomKey, topic) }

func memberKey(topic, peer string) string {
	return fmt.Sprintf(constants.PresenceMemberKey, topic, peer)
}

func roomChannel(topic string) string { return fmt.Sprintf(constants.RoomChannel, topic) }

func encodeEvent(ev roomEvent) (string, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeEvent(raw string) (roomEvent, error) {
	var ev roomEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return ev, err
	}
	switch ev.Type {
	case eventJoin:
		if ev.Key == "" || len(ev.Payload) == 0 {
			return ev, errors.New("join event without member")
		}
	case eventLeave:
		if ev.Key == "" {
			return ev, errors.New("leave event without key")
		}
	case eventBroadcast:
		if len(ev.Payload) == 0 {
			return ev, errors.New("empty broadcast")
		}
	default:
		return ev, fmt.Errorf("unknown event type %q", ev.Type)
	}
	return ev, nil
}

// decodeMembers turns a room hash into a sync snapshot, skipping values
// that are not JSON at all. Content validation happens in the Channel.
func decodeMembers(hash map[string]string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(hash))
	for k, v := range hash {
		if !json.Valid([]byte(v)) {
			continue
		}
		out[k] = json.RawMessage(v)
	}
	return out
}

// Subscribe implements Transport. It fails with ErrPeerTaken when another
// live subscription holds the same address in topic.
func (t *RedisTransport) Subscribe(ctx context.Context, topic, self string, h Handlers) (Subscription, error) {
	token := uuid.NewString()
	claimed, err := t.client.SetNX(ctx, memberKey(topic, self), token, t.memberTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim peer address: %w", err)
	}
	if !claimed {
		return nil, ErrPeerTaken
	}

	pubsub := t.client.Subscribe(ctx, roomChannel(topic))
	// Wait for the subscription confirmation so no event published after
	// this call returns is lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = t.client.Del(context.Background(), memberKey(topic, self)).Err()
		return nil, fmt.Errorf("failed to subscribe to room: %w", err)
	}

	sub := &redisSub{
		t:        t,
		topic:    topic,
		self:     self,
		token:    token,
		handlers: h,
		pubsub:   pubsub,
		resync:   make(chan struct{}, 1),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		log: logger.Component("presence.redis").With(
			zap.String("topic", topic),
			zap.String("peer_address", self)),
	}
	go sub.readLoop()
	go sub.heartbeatLoop()
	return sub, nil
}

type redisSub struct {
	t        *RedisTransport
	topic    string
	self     string
	token    string
	handlers Handlers
	pubsub   *redis.PubSub
	log      *zap.Logger

	mu      sync.Mutex
	tracked bool
	payload json.RawMessage
	lost    bool

	resync chan struct{}
	kick   chan struct{}
	done   chan struct{}
	once   sync.Once
}

func (s *redisSub) keys() []string {
	return []string{roomKey(s.topic), memberKey(s.topic, s.self)}
}

func (s *redisSub) ttlMillis() int64 { return s.t.memberTTL.Milliseconds() }

// check reports ErrClosed after Unsubscribe and ErrPeerTaken once another
// subscription has taken the address over.
func (s *redisSub) check() error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lost {
		return ErrPeerTaken
	}
	return nil
}

func (s *redisSub) publishJoin(ctx context.Context, payload json.RawMessage) error {
	ev, err := encodeEvent(roomEvent{Type: eventJoin, Key: s.self, Payload: payload, From: s.self})
	if err != nil {
		return fmt.Errorf("failed to encode join: %w", err)
	}
	return s.t.client.Publish(ctx, roomChannel(s.topic), ev).Err()
}

func (s *redisSub) Track(ctx context.Context, payload json.RawMessage) error {
	if err := s.check(); err != nil {
		return err
	}

	ok, err := trackScript.Run(ctx, s.t.client, s.keys(), s.self, s.token, string(payload), s.ttlMillis()).Int()
	if err != nil {
		return fmt.Errorf("failed to track member: %w", err)
	}
	if ok == 0 {
		s.markLost()
		return ErrPeerTaken
	}

	s.mu.Lock()
	s.tracked = true
	s.payload = append(json.RawMessage(nil), payload...)
	s.mu.Unlock()

	if err := s.publishJoin(ctx, payload); err != nil {
		return fmt.Errorf("failed to publish join: %w", err)
	}
	return nil
}

func (s *redisSub) Send(ctx context.Context, payload json.RawMessage) error {
	if err := s.check(); err != nil {
		return err
	}

	ev, err := encodeEvent(roomEvent{Type: eventBroadcast, Payload: payload, From: s.self})
	if err != nil {
		return fmt.Errorf("failed to encode broadcast: %w", err)
	}
	if err := s.t.client.Publish(ctx, roomChannel(s.topic), ev).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	return nil
}

func (s *redisSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)

		ctx, cancel := context.WithTimeout(context.Background(), constants.RedisOperationTimeout)
		defer cancel()

		removed, runErr := releaseScript.Run(ctx, s.t.client, s.keys(), s.self, s.token).Int()
		switch {
		case runErr != nil:
			err = fmt.Errorf("failed to remove member: %w", runErr)
		case removed == 1:
			ev, encErr := encodeEvent(roomEvent{Type: eventLeave, Key: s.self, From: s.self})
			if encErr == nil {
				if pubErr := s.t.client.Publish(ctx, roomChannel(s.topic), ev).Err(); pubErr != nil {
					err = fmt.Errorf("failed to publish leave: %w", pubErr)
				}
			}
		}

		if closeErr := s.pubsub.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	})
	return err
}

func (s *redisSub) markLost() {
	s.mu.Lock()
	already := s.lost
	s.lost = true
	s.mu.Unlock()
	if !already {
		s.log.Warn("Peer address taken over by another subscription")
	}
}

func (s *redisSub) readLoop() {
	s.sync()
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case <-s.resync:
			s.sync()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.dispatch(msg.Payload)
		}
	}
}

func (s *redisSub) dispatch(raw string) {
	ev, err := decodeEvent(raw)
	if err != nil {
		s.log.Warn("Dropped room event", zap.Error(err))
		return
	}

	switch ev.Type {
	case eventJoin:
		if s.handlers.OnJoin != nil {
			s.handlers.OnJoin(ev.Key, ev.Payload)
		}
	case eventLeave:
		if s.handlers.OnLeave != nil {
			s.handlers.OnLeave(ev.Key)
		}
		// Pruned while alive: put the entry back without waiting a full
		// heartbeat interval.
		if ev.Key == s.self && ev.From != s.self {
			select {
			case s.kick <- struct{}{}:
			default:
			}
		}
	case eventBroadcast:
		if s.handlers.OnBroadcast != nil {
			s.handlers.OnBroadcast(ev.Payload)
		}
	}
}

func (s *redisSub) sync() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RedisOperationTimeout)
	defer cancel()

	hash, err := s.t.client.HGetAll(ctx, roomKey(s.topic)).Result()
	if err != nil {
		s.log.Warn("Failed to load room members", zap.Error(err))
		return
	}
	if s.handlers.OnSync != nil {
		s.handlers.OnSync(decodeMembers(hash))
	}
}

func (s *redisSub) heartbeatLoop() {
	ticker := time.NewTicker(s.t.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.beat()
		case <-s.kick:
			s.beat()
		}
	}
}

// beat refreshes our liveness key, restores our room entry if another
// member pruned it, and prunes members whose key expired.
func (s *redisSub) beat() {
	ctx, cancel := context.WithTimeout(context.Background(), constants.RedisOperationTimeout)
	defer cancel()

	s.mu.Lock()
	tracked, payload, lost := s.tracked, s.payload, s.lost
	s.mu.Unlock()
	if lost {
		return
	}

	flag := "0"
	if tracked {
		flag = "1"
	}
	res, err := beatScript.Run(ctx, s.t.client, s.keys(), s.self, s.token, string(payload), s.ttlMillis(), flag).Int()
	switch {
	case err != nil:
		s.log.Warn("Failed to refresh liveness", zap.Error(err))
	case res < 0:
		s.markLost()
		return
	case res == 1:
		if err := s.publishJoin(ctx, payload); err != nil {
			s.log.Warn("Failed to publish restored join", zap.Error(err))
		} else {
			s.log.Info("Restored pruned membership")
		}
	}

	keys, err := s.t.client.HKeys(ctx, roomKey(s.topic)).Result()
	if err != nil {
		s.log.Warn("Failed to list room members", zap.Error(err))
		return
	}

	pruned := false
	for _, key := range keys {
		if key == s.self {
			continue
		}
		removed, err := pruneScript.Run(ctx, s.t.client,
			[]string{roomKey(s.topic), memberKey(s.topic, key)}, key).Int()
		if err != nil || removed == 0 {
			continue
		}
		ev, err := encodeEvent(roomEvent{Type: eventLeave, Key: key, From: s.self})
		if err != nil {
			continue
		}
		if err := s.t.client.Publish(ctx, roomChannel(s.topic), ev).Err(); err != nil {
			s.log.Warn("Failed to publish pruned leave", zap.String("member", key), zap.Error(err))
			continue
		}
		pruned = true
		s.log.Info("Pruned expired member", zap.String("member", key))
	}

	if pruned {
		select {
		case s.resync <- struct{}{}:
		default:
		}
	}
}
