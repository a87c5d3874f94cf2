// Package presence implements the named broadcast+presence topic every
// session member subscribes to.
package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"liveroom-backend/internal/domain"
)

var (
	// ErrAlreadyJoined is returned when a client already holds a channel for the session
	ErrAlreadyJoined = errors.New("presence: already joined")
	// ErrSubscribe wraps transport subscribe failures; callers may retry
	ErrSubscribe = errors.New("presence: subscribe failed")
	// ErrClosed is returned by operations on a channel that was left
	ErrClosed = errors.New("presence: channel closed")
	// ErrNotSubscribed is returned when sending before the subscription is up
	ErrNotSubscribed = errors.New("presence: not subscribed yet")
	// ErrPeerTaken is returned when another live subscription holds the peer address
	ErrPeerTaken = errors.New("presence: peer address already in use")
)

// Handlers receive raw transport events for one subscription. Each handler
// is called from a single delivery goroutine, in transport order.
type Handlers struct {
	OnSync      func(members map[string]json.RawMessage)
	OnJoin      func(key string, payload json.RawMessage)
	OnLeave     func(key string)
	OnBroadcast func(payload json.RawMessage)
}

// Transport is the presence/broadcast primitive underneath a Channel
type Transport interface {
	Subscribe(ctx context.Context, topic, self string, h Handlers) (Subscription, error)
}

// Subscription is one member's membership of a topic
type Subscription interface {
	// Track publishes or updates this member's payload
	Track(ctx context.Context, payload json.RawMessage) error
	// Send broadcasts payload to the other members
	Send(ctx context.Context, payload json.RawMessage) error
	// Unsubscribe leaves the topic; it is idempotent
	Unsubscribe() error
}

// BroadcastKind tags a broadcast payload
type BroadcastKind string

const (
	BroadcastChat   BroadcastKind = "chat"
	BroadcastSignal BroadcastKind = "signal"
)

// Broadcast is the typed envelope carried on the session topic
type Broadcast struct {
	Kind   BroadcastKind       `json:"kind"`
	From   domain.PeerAddress  `json:"from"`
	Chat   *domain.ChatMessage `json:"chat,omitempty"`
	Signal *domain.Signal      `json:"signal,omitempty"`
}

// Validate checks the envelope and its body agree
func (b Broadcast) Validate() error {
	if err := b.From.Validate(); err != nil {
		return fmt.Errorf("broadcast from: %w", err)
	}
	switch b.Kind {
	case BroadcastChat:
		if b.Chat == nil {
			return fmt.Errorf("chat broadcast without message")
		}
		if b.Chat.From != b.From {
			return fmt.Errorf("chat author does not match sender")
		}
		return b.Chat.Validate()
	case BroadcastSignal:
		if b.Signal == nil {
			return fmt.Errorf("signal broadcast without signal")
		}
		if b.Signal.From != b.From {
			return fmt.Errorf("signal origin does not match sender")
		}
		return b.Signal.Validate()
	default:
		return fmt.Errorf("unknown broadcast kind %q", b.Kind)
	}
}

// Listener receives validated channel events. Nil callbacks are skipped.
type Listener struct {
	OnSync      func(members []domain.MemberInfo)
	OnJoin      func(member domain.MemberInfo)
	OnLeave     func(peer domain.PeerAddress)
	OnBroadcast func(b Broadcast)
}
