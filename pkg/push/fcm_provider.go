package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"chatcall-backend/pkg/logger"
)

// fcmBatchLimit is the most tokens one multicast request may carry.
const fcmBatchLimit = 500

// FCMProvider implements Provider interface for Firebase Cloud Messaging
type FCMProvider struct {
	client *messaging.Client
}

// FCMConfig contains configuration for FCM provider
type FCMConfig struct {
	CredentialsPath string // Path to service account JSON file
	CredentialsJSON []byte // Service account JSON content (alternative to file path)
	ProjectID       string // Firebase Project ID
}

// NewFCMProvider creates a new FCM provider
func NewFCMProvider(ctx context.Context, config *FCMConfig) (*FCMProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("FCM config is required")
	}

	var opts []option.ClientOption
	switch {
	case len(config.CredentialsJSON) > 0:
		opts = append(opts, option.WithCredentialsJSON(config.CredentialsJSON))
	case config.CredentialsPath != "":
		opts = append(opts, option.WithCredentialsFile(config.CredentialsPath))
	default:
		return nil, fmt.Errorf("either CredentialsPath or CredentialsJSON must be provided")
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: config.ProjectID}, opts...)
	if err != nil {
		logger.Error("Failed to initialize Firebase app",
			zap.Error(err),
			zap.String("project_id", config.ProjectID))
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	logger.Info("FCM provider initialized successfully",
		zap.String("project_id", config.ProjectID))

	return &FCMProvider{client: client}, nil
}

func (f *FCMProvider) Name() string { return "fcm" }

// Send implements Provider interface for FCM
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}
	for start := 0; start < len(tokens); start += fcmBatchLimit {
		end := min(start+fcmBatchLimit, len(tokens))
		batch := tokens[start:end]

		response, err := f.client.SendEachForMulticast(ctx, fcmMessage(notification, batch))
		if err != nil {
			logger.Error("Failed to send FCM multicast message",
				zap.Error(err),
				zap.Int("token_count", len(batch)))
			return nil, fmt.Errorf("failed to send FCM message: %w", err)
		}

		result.SuccessCount += response.SuccessCount
		result.FailureCount += response.FailureCount
		for i, resp := range response.Responses {
			if resp.Success || resp.Error == nil {
				continue
			}
			result.Errors = append(result.Errors, resp.Error)
			logger.Warn("FCM send failed for token",
				zap.String("token_prefix", maskPushToken(batch[i])),
				zap.Error(resp.Error))

			if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
				result.InvalidTokens = append(result.InvalidTokens, batch[i])
			}
		}
	}
	return result, nil
}

// fcmMessage builds the multicast payload. Call wake-ups are sent with high
// Android priority on the category's notification channel.
func fcmMessage(n *Notification, tokens []string) *messaging.MulticastMessage {
	android := &messaging.AndroidConfig{
		Priority: "normal",
		Notification: &messaging.AndroidNotification{
			Sound:     n.Sound,
			ChannelID: n.Category,
		},
	}
	if n.Priority == "high" {
		android.Priority = "high"
	}
	if n.Data["call_id"] != "" {
		android.CollapseKey = n.Data["call_id"]
	}
	return &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Tokens:  tokens,
		Data:    n.Data,
		Android: android,
	}
}

// maskPushToken returns a safe masked version of a push token for logging
// Shows only first 8 and last 8 characters, with middle masked
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
