package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"chatcall-backend/pkg/constants"
	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/push"
)

// Key layout:
//
//	push:token:{token}       token JSON
//	push:id:{id}             token value, for lookups by ID
//	push:user:{uid}:tokens   set of token values
func tokenKey(token string) string       { return "push:token:" + token }
func tokenIDKey(id string) string        { return "push:id:" + id }
func userTokensKey(userID string) string { return "push:user:" + userID + ":tokens" }

// PushTokenRepository handles push notification token storage in Redis
type PushTokenRepository struct {
	client *redis.Client
}

// NewPushTokenRepository creates a new push token repository
func NewPushTokenRepository(client *redis.Client) *PushTokenRepository {
	return &PushTokenRepository{
		client: client,
	}
}

// Store stores a push notification token
func (r *PushTokenRepository) Store(ctx context.Context, token *push.Token) error {
	if token.ID == "" {
		return apperrors.ValidationError("token id is required")
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
		pipe.Set(ctx, tokenKey(token.Token), data, 0)
		pipe.Set(ctx, tokenIDKey(token.ID), token.Token, 0)
		pipe.SAdd(ctx, userKey, token.Token)
		pipe.Expire(ctx, userKey, constants.PushTokenExpiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}

	logger.Debug("Push token stored",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID),
		zap.String("token_type", string(token.Type)))

	return nil
}

// GetByToken retrieves a token by its value
func (r *PushTokenRepository) GetByToken(ctx context.Context, tokenStr string) (*push.Token, error) {
	data, err := r.client.Get(ctx, tokenKey(tokenStr)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFoundError("Push token")
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var token push.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token: %w", err)
	}

	return &token, nil
}

// GetByUserID retrieves all tokens for a user. Set members whose token
// record has vanished are pruned.
func (r *PushTokenRepository) GetByUserID(ctx context.Context, userID string) ([]*push.Token, error) {
	userKey := userTokensKey(userID)
	tokens, err := r.client.SMembers(ctx, userKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get user tokens: %w", err)
	}

	var result []*push.Token
	for _, tokenStr := range tokens {
		token, err := r.GetByToken(ctx, tokenStr)
		if errors.Is(err, apperrors.ErrNotFound) {
			r.client.SRem(ctx, userKey, tokenStr)
			continue
		}
		if err != nil {
			logger.Warn("Failed to get token",
				zap.String("user_id", userID),
				zap.Error(err))
			continue
		}
		result = append(result, token)
	}

	return result, nil
}

// Update updates an existing token
func (r *PushTokenRepository) Update(ctx context.Context, token *push.Token) error {
	token.UpdatedAt = time.Now().Unix()

	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	userKey := userTokensKey(token.UserID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, tokenKey(token.Token), data, 0)
		pipe.SAdd(ctx, userKey, token.Token)
		pipe.Expire(ctx, userKey, constants.PushTokenExpiry)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update token: %w", err)
	}

	logger.Debug("Push token updated",
		zap.String("token_id", token.ID),
		zap.String("user_id", token.UserID))

	return nil
}

// byID resolves a token ID. A missing ID returns (nil, nil).
func (r *PushTokenRepository) byID(ctx context.Context, tokenID string) (*push.Token, error) {
	tokenStr, err := r.client.Get(ctx, tokenIDKey(tokenID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve token id: %w", err)
	}
	token, err := r.GetByToken(ctx, tokenStr)
	if errors.Is(err, apperrors.ErrNotFound) {
		return nil, nil
	}
	return token, err
}

// Delete removes a token. Deleting an unknown ID is a no-op.
func (r *PushTokenRepository) Delete(ctx context.Context, tokenID string) error {
	token, err := r.byID(ctx, tokenID)
	if err != nil || token == nil {
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
		zap.String("token_id", tokenID),
		zap.String("user_id", token.UserID))
	return nil
}

// MarkInactive marks a token as inactive
func (r *PushTokenRepository) MarkInactive(ctx context.Context, tokenID string) error {
	token, err := r.byID(ctx, tokenID)
	if err != nil || token == nil {
		return err
	}
	token.Active = false
	return r.Update(ctx, token)
}
