// Package push delivers out-of-band wake-ups for incoming calls and messages
// to a user's registered devices.
package push

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "chatcall-backend/pkg/errors"
	"chatcall-backend/pkg/logger"
	"chatcall-backend/pkg/metrics"
)

// Provider defines interface for sending push notifications
type Provider interface {
	Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error)
	// Name labels the provider in logs and metrics.
	Name() string
}

// SendResult contains the result of a push notification send operation
type SendResult struct {
	SuccessCount  int
	FailureCount  int
	InvalidTokens []string
	Errors        []error
}

// Notification represents a push notification
type Notification struct {
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Data     map[string]string `json:"data,omitempty"`
	Priority string            `json:"priority,omitempty"` // high, normal
	Sound    string            `json:"sound,omitempty"`
	Category string            `json:"category,omitempty"`
}

// Notification types carried in Data["type"]
const (
	TypeCall       = "call"
	TypeMissedCall = "missed_call"
	TypeMessage    = "message"
)

// TokenType represents the type of push notification token
type TokenType string

const (
	TokenTypeFCM  TokenType = "fcm"  // Firebase Cloud Messaging
	TokenTypeAPNs TokenType = "apns" // Apple Push Notification Service
)

func (t TokenType) Valid() bool {
	return t == TokenTypeFCM || t == TokenTypeAPNs
}

// Token represents a push notification token for a user
type Token struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Type      TokenType `json:"type"`
	DeviceID  string    `json:"device_id,omitempty"`
	Platform  string    `json:"platform,omitempty"` // ios, android, web
	Active    bool      `json:"active"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// TokenRepository defines interface for storing and retrieving push tokens
type TokenRepository interface {
	Store(ctx context.Context, token *Token) error
	GetByUserID(ctx context.Context, userID string) ([]*Token, error)
	GetByToken(ctx context.Context, token string) (*Token, error)
	Update(ctx context.Context, token *Token) error
	Delete(ctx context.Context, tokenID string) error
	MarkInactive(ctx context.Context, tokenID string) error
}

// Service handles push notification operations
type Service struct {
	provider Provider
	repo     TokenRepository
	metrics  *metrics.Metrics
}

// NewService creates a new push notification service
func NewService(provider Provider, repo TokenRepository, m *metrics.Metrics) *Service {
	return &Service{
		provider: provider,
		repo:     repo,
		metrics:  m,
	}
}

// RegisterTokenInput contains device registration data
type RegisterTokenInput struct {
	UserID   string
	Token    string
	Type     TokenType
	DeviceID string
	Platform string
}

// RegisterToken registers a push notification token for a user. Registering
// a known token moves it to userID and reactivates it.
func (s *Service) RegisterToken(ctx context.Context, input *RegisterTokenInput) (*Token, error) {
	if input.UserID == "" || input.Token == "" {
		return nil, apperrors.ValidationError("user id and token are required")
	}
	if !input.Type.Valid() {
		return nil, apperrors.ValidationError(fmt.Sprintf("unsupported token type %q", input.Type))
	}
	now := time.Now().Unix()

	existing, err := s.repo.GetByToken(ctx, input.Token)
	if err == nil && existing != nil {
		if existing.UserID != input.UserID {
			// The device changed hands; drop it from the old owner's set.
			if err := s.repo.Delete(ctx, existing.ID); err != nil {
				return nil, fmt.Errorf("failed to move token: %w", err)
			}
		} else {
			existing.Active = true
			existing.UpdatedAt = now
			existing.DeviceID = input.DeviceID
			existing.Platform = input.Platform
			if err := s.repo.Update(ctx, existing); err != nil {
				return nil, fmt.Errorf("failed to update token: %w", err)
			}
			return existing, nil
		}
	}

	token := &Token{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		Token:     input.Token,
		Type:      input.Type,
		DeviceID:  input.DeviceID,
		Platform:  input.Platform,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Store(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}
	return token, nil
}

// UnregisterToken removes a device token owned by userID.
func (s *Service) UnregisterToken(ctx context.Context, userID, tokenStr string) error {
	token, err := s.repo.GetByToken(ctx, tokenStr)
	if err != nil {
		return err
	}
	if token.UserID != userID {
		return apperrors.NotFoundError("Push token")
	}
	return s.repo.Delete(ctx, token.ID)
}

// ListTokens returns every registered device of userID.
func (s *Service) ListTokens(ctx context.Context, userID string) ([]*Token, error) {
	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	return tokens, nil
}

// NotifyUser sends title and body to every active device of userID. Call
// wake-ups go out with high priority. Having no devices is not an error.
func (s *Service) NotifyUser(ctx context.Context, userID, title, body string, data map[string]string) error {
	notifType := data["type"]
	notification := &Notification{
		Title:    title,
		Body:     body,
		Data:     data,
		Priority: "normal",
		Sound:    "default",
	}
	switch notifType {
	case TypeCall:
		notification.Priority = "high"
		notification.Category = "INCOMING_CALL"
	case TypeMissedCall:
		notification.Category = "MISSED_CALL"
	case TypeMessage:
		notification.Category = "MESSAGE"
	}

	tokens, err := s.repo.GetByUserID(ctx, userID)
	if err != nil {
		s.recordFailure(notifType, "token_lookup")
		return fmt.Errorf("failed to get push tokens: %w", err)
	}
	var active []string
	for _, token := range tokens {
		if token.Active {
			active = append(active, token.Token)
		}
	}
	if len(active) == 0 {
		logger.Debug("No active push tokens for user",
			zap.String("user_id", userID),
			zap.String("type", notifType))
		return nil
	}

	result, err := s.provider.Send(ctx, notification, active)
	if err != nil {
		s.recordFailure(notifType, "send")
		logger.Error("Failed to send push notification",
			zap.String("user_id", userID),
			zap.String("type", notifType),
			zap.Int("token_count", len(active)),
			zap.Error(err))
		return fmt.Errorf("failed to send push notification: %w", err)
	}

	if s.metrics != nil {
		s.metrics.RecordPushNotification(notifType, s.provider.Name())
		if result.FailureCount > 0 {
			s.metrics.RecordPushNotificationFailure(notifType, s.provider.Name(), "partial")
		}
	}
	logger.Info("Push notification sent",
		zap.String("user_id", userID),
		zap.String("type", notifType),
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	if len(result.InvalidTokens) > 0 {
		s.handleInvalidTokens(ctx, result.InvalidTokens)
	}
	return nil
}

func (s *Service) recordFailure(notifType, reason string) {
	if s.metrics != nil {
		s.metrics.RecordPushNotificationFailure(notifType, s.provider.Name(), reason)
	}
}

// handleInvalidTokens marks invalid tokens as inactive
func (s *Service) handleInvalidTokens(ctx context.Context, invalidTokens []string) {
	for _, tokenStr := range invalidTokens {
		token, err := s.repo.GetByToken(ctx, tokenStr)
		if err == nil && token != nil {
			if err := s.repo.MarkInactive(ctx, token.ID); err != nil {
				logger.Warn("Failed to mark token as inactive",
					zap.String("token_id", token.ID),
					zap.Error(err))
			}
		}
	}
}

// MockProvider records notifications instead of sending them.
type MockProvider struct {
	mu   sync.Mutex
	sent []*Notification
}

// Send implements Provider interface
func (m *MockProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	m.mu.Lock()
	m.sent = append(m.sent, notification)
	m.mu.Unlock()

	logger.Debug("MockProvider: Sending notification",
		zap.String("title", notification.Title),
		zap.String("body", notification.Body),
		zap.Int("token_count", len(tokens)))

	return &SendResult{SuccessCount: len(tokens)}, nil
}

func (m *MockProvider) Name() string { return "mock" }

// Sent returns the notifications recorded so far.
func (m *MockProvider) Sent() []*Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Notification(nil), m.sent...)
}
