package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"liveroom-backend/pkg/constants"
	"liveroom-backend/pkg/logger"
	"liveroom-backend/pkg/push"
)

// PushTokenRepository handles push notification token storage in Redis.
//
//	push:token:{token}        JSON token record
//	push:id:{id}              token value, so records can be found by id
//	push:user:{userID}:tokens set of token values
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{client: client}
}

func tokenKey(token string) string      { return fmt.Sprintf("push:token:%s", token) }
func tokenIDKey(id uuid.UUID) string    { return fmt.Sprintf("push:id:%s", id) }
func userTokensKey(id uuid.UUID) string { return fmt.Sprintf("push:user:%s:tokens", id) }

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == uuid.Nil {
		token.ID = uuid.New()
	}
	now := time.Now().Unix()
	if token.CreatedAt == 0 {
		token.CreatedAt = now
	}
	token.UpdatedAt = now

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
		pipe.Set(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry)
		pipe.SAdd(ctx, userKey, token.Token)
		pipe.Expire(ctx, userKey, constants.PushTokenExpiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID.String()),
		zap.String("user_id", token.UserID.String()),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, push.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}
	return &token, nil
}

// GetByUserID retrieves all tokens for a user. Set entries whose record has
// expired are pruned.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID uuid.UUID) ([]*push.Token, error) {
	values, err := r.client.SMembers(ctx, userTokensKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(values))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, v := range values {
			cmds[i] = pipe.Get(ctx, tokenKey(v))
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var (
		result []*push.Token
		stale  []interface{}
	)
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			stale = append(stale, values[i])
			continue
		}
		var token push.Token
		if err := json.Unmarshal(data, &token); err != nil {
			logger.Warn("Skipping unreadable push token",
				zap.String("user_id", userID.String()),
				zap.Error(err))
			continue
		}
		result = append(result, &token)
	}

	if len(stale) > 0 {
		if err := r.client.SRem(ctx, userTokensKey(userID), stale...).Err(); err != nil {
			logger.Warn("Failed to prune expired push tokens",
				zap.String("user_id", userID.String()),
				zap.Error(err))
		}
	}

	return result, nil
}

// Update rewrites an existing token record, moving it between user sets
// when the owner changed
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	previous, err := r.GetByToken(ctx, token.Token)
	if err != nil && !errors.Is(err, push.ErrTokenNotFound) {
		return err
	}

	token.UpdatedAt = time.Now().Unix()
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if previous != nil && previous.UserID != token.UserID {
			pipe.SRem(ctx, userTokensKey(previous.UserID), token.Token)
		}
		pipe.Set(ctx, tokenKey(token.Token), data, constants.PushTokenExpiry)
		pipe.Set(ctx, tokenIDKey(token.ID), token.Token, constants.PushTokenExpiry)
		pipe.SAdd(ctx, userKey, token.Token)
		pipe.Expire(ctx, userKey, constants.PushTokenExpiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}
	return nil
}

// Delete removes a token by id
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		if errors.Is(err, push.ErrTokenNotFound) {
			return nil
		}
		return err
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, userTokensKey(token.UserID), token.Token)
		pipe.Del(ctx, tokenKey(token.Token), tokenIDKey(tokenID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	logger.Debug("Push token deleted",
		zap.String("token_id", tokenID.String()),
		zap.String("user_id", token.UserID.String()))
	return nil
}

// MarkInactive marks a token as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID uuid.UUID) error {
	token, err := r.getByID(ctx, tokenID)
	if err != nil {
		return err
	}

	token.Active = false
	return r.Update(ctx, token)
}

func (r *PushTokenRepository) getByID(ctx context.Context, tokenID uuid.UUID) (*push.Token, error) {
	value, err := r.client.Get(ctx, tokenIDKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, push.ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}
	return r.GetByToken(ctx, value)
}
