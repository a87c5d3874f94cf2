// Package chat is the ephemeral text sub-channel of a live session. Messages
// ride the session's presence broadcast and are never persisted.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/domain"
	"liveroom-backend/internal/presence"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/metrics"
	"liveroom-backend/pkg/sanitize"
)

var (
	ErrEmptyMessage   = errors.New("chat: message is empty")
	ErrMessageTooLong = fmt.Errorf("chat: message exceeds %d characters", constants.MaxChatMessageLength)
)

// Publisher sends a broadcast on the session topic; *presence.Channel is one
type Publisher interface {
	Send(ctx context.Context, b presence.Broadcast) error
}

// Room holds the messages of one session attempt in arrival order
type Room struct {
	self     domain.PeerAddress
	author   string
	pub      Publisher
	onChange func()
	log      *zap.Logger

	mu       sync.Mutex
	messages []domain.ChatMessage
	seen     map[uuid.UUID]struct{}
}

// NewRoom creates a room for the local member. onChange may be nil.
func NewRoom(self domain.PeerAddress, author string, pub Publisher, onChange func()) *Room {
	return &Room{
		self:     self,
		author:   author,
		pub:      pub,
		onChange: onChange,
		seen:     make(map[uuid.UUID]struct{}),
		log:      logger.Component("chat").With(zap.String("peer_address", self.String())),
	}
}

// Send appends the message locally, then publishes it. A publish failure
// leaves the local copy in place and is returned to the caller.
func (r *Room) Send(ctx context.Context, text string) (domain.ChatMessage, error) {
	text = sanitize.Text(text)
	if text == "" {
		return domain.ChatMessage{}, ErrEmptyMessage
	}
	if len([]rune(text)) > constants.MaxChatMessageLength {
		return domain.ChatMessage{}, ErrMessageTooLong
	}

	msg := domain.ChatMessage{
		ID:     uuid.New(),
		From:   r.self,
		Author: r.author,
		Text:   text,
		SentAt: time.Now().UTC(),
	}
	r.append(msg)
	metrics.ChatMessagesTotal.WithLabelValues("sent").Inc()

	if err := r.pub.Send(ctx, presence.Broadcast{Kind: presence.BroadcastChat, Chat: &msg}); err != nil {
		r.log.Warn("Failed to publish chat message", zap.String("message_id", msg.ID.String()), zap.Error(err))
		return msg, fmt.Errorf("failed to publish message: %w", err)
	}
	return msg, nil
}

// Receive appends a message from another member. Own echoes and repeats
// are dropped.
func (r *Room) Receive(msg domain.ChatMessage) bool {
	if msg.From == r.self {
		metrics.ChatMessagesTotal.WithLabelValues("echo_dropped").Inc()
		return false
	}
	if err := msg.Validate(); err != nil {
		r.log.Debug("Dropped invalid chat message", zap.Error(err))
		return false
	}

	if !r.append(msg) {
		return false
	}
	metrics.ChatMessagesTotal.WithLabelValues("received").Inc()
	return true
}

// append records msg unless its id was already seen. The check and the
// insert share one lock hold; onChange runs after unlocking.
func (r *Room) append(msg domain.ChatMessage) bool {
	r.mu.Lock()
	if _, dup := r.seen[msg.ID]; dup {
		r.mu.Unlock()
		return false
	}
	r.messages = append(r.messages, msg)
	r.seen[msg.ID] = struct{}{}
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange()
	}
	return true
}

// Messages returns a copy of the log
func (r *Room) Messages() []domain.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChatMessage(nil), r.messages...)
}
