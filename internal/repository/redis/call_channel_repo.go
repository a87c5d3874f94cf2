package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"liveroom-backend/internal/database"
	"liveroom-backend/internal/domain"
	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
)

// CallChannelRepository publishes and relays invite nudges on each user's
// personal channel. Delivery is advisory; invite rows stay authoritative.
type CallChannelRepository struct {
	client *database.RedisClient
}

// NewCallChannelRepository creates a new CallChannelRepository
func NewCallChannelRepository(client *database.RedisClient) *CallChannelRepository {
	return &CallChannelRepository{client: client}
}

// CallChannel is the pub/sub channel name for userID
func CallChannel(userID uuid.UUID) string {
	return fmt.Sprintf(constants.UserCallsChannel, userID)
}

// PublishNudge sends nudge to userID's personal channel
func (r *CallChannelRepository) PublishNudge(ctx context.Context, userID uuid.UUID, nudge *domain.InviteNudge) error {
	data, err := json.Marshal(nudge)
	if err != nil {
		return fmt.Errorf("failed to marshal nudge: %w", err)
	}
	if err := r.client.SafePublish(ctx, CallChannel(userID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish nudge: %w", err)
	}
	return nil
}

// Subscribe delivers nudges for userID to fn until ctx is cancelled. It
// returns once the subscription is confirmed, so nothing published after the
// call returns is missed.
func (r *CallChannelRepository) Subscribe(ctx context.Context, userID uuid.UUID, fn func(*domain.InviteNudge)) (func() error, error) {
	pubsub := r.client.SafeSubscribe(ctx, CallChannel(userID))
	if pubsub == nil {
		return nil, database.ErrRedisDegraded
	}
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to call channel: %w", err)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				nudge, err := DecodeNudge([]byte(msg.Payload))
				if err != nil {
					logger.Warn("Dropping malformed call nudge",
						zap.String("user_id", userID.String()),
						zap.Error(err))
					continue
				}
				fn(nudge)
			}
		}
	}()

	return pubsub.Close, nil
}

// DecodeNudge parses and checks a nudge payload
func DecodeNudge(data []byte) (*domain.InviteNudge, error) {
	var nudge domain.InviteNudge
	if err := json.Unmarshal(data, &nudge); err != nil {
		return nil, err
	}
	if err := nudge.Validate(); err != nil {
		return nil, err
	}
	return &nudge, nil
}
