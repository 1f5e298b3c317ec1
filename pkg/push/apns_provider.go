package push

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/sideshow/apns2/token"
	"go.uber.org/zap"

	"chatcall-backend/pkg/logger"
)

// callExpiry bounds how long APNs keeps retrying an incoming call alert.
const callExpiry = time.Minute

// APNsProvider implements Provider interface for Apple Push Notification Service
type APNsProvider struct {
	client   *apns2.Client
	bundleID string
}

// APNsConfig contains configuration for APNs provider
type APNsConfig struct {
	KeyPath string // Path to .p8 private key file
	KeyID   string // 10-character Key ID from Apple Developer Portal
	TeamID  string // 10-character Team ID from Apple Developer Portal

	BundleID   string // Bundle ID of the app (e.g., com.example.app)
	Production bool   // Use production APNs endpoint (true) or sandbox (false)
}

// NewAPNsProvider creates a new APNs provider using token authentication
func NewAPNsProvider(config *APNsConfig) (*APNsProvider, error) {
	if config == nil {
		return nil, fmt.Errorf("APNs config is required")
	}
	if config.BundleID == "" {
		return nil, fmt.Errorf("BundleID is required")
	}
	if config.KeyPath == "" || config.KeyID == "" || config.TeamID == "" {
		return nil, fmt.Errorf("KeyPath, KeyID and TeamID are required")
	}

	authKey, err := token.AuthKeyFromFile(config.KeyPath)
	if err != nil {
		logger.Error("Failed to load APNs key file",
			zap.Error(err),
			zap.String("key_path", config.KeyPath),
			zap.String("key_id", config.KeyID),
			zap.String("team_id", config.TeamID))
		return nil, fmt.Errorf("failed to load APNs key: %w", err)
	}

	client := apns2.NewTokenClient(&token.Token{
		AuthKey: authKey,
		KeyID:   config.KeyID,
		TeamID:  config.TeamID,
	})
	if config.Production {
		client = client.Production()
	} else {
		client = client.Development()
	}

	logger.Info("APNs provider initialized with token authentication",
		zap.String("bundle_id", config.BundleID),
		zap.String("key_id", config.KeyID),
		zap.Bool("production", config.Production))

	return &APNsProvider{client: client, bundleID: config.BundleID}, nil
}

func (a *APNsProvider) Name() string { return "apns" }

// Send implements Provider interface for APNs. APNs takes one device per
// request, so tokens are pushed in turn.
func (a *APNsProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	result := &SendResult{}
	for _, deviceToken := range tokens {
		resp, err := a.client.PushWithContext(ctx, apnsNotification(a.bundleID, notification, deviceToken, time.Now()))
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			result.FailureCount++
			result.Errors = append(result.Errors, err)
			logger.Warn("Failed to send APNs notification",
				zap.Error(err),
				zap.String("device_token", maskPushToken(deviceToken)))
			continue
		}

		if resp.Sent() {
			result.SuccessCount++
			logger.Debug("APNs notification sent successfully",
				zap.String("device_token", maskPushToken(deviceToken)),
				zap.String("apns_id", resp.ApnsID))
			continue
		}

		result.FailureCount++
		result.Errors = append(result.Errors, fmt.Errorf("APNs error: %s", resp.Reason))
		if isInvalidAPNsToken(resp) {
			result.InvalidTokens = append(result.InvalidTokens, deviceToken)
		}
		logger.Warn("APNs notification failed",
			zap.Int("status_code", resp.StatusCode),
			zap.String("reason", resp.Reason),
			zap.String("device_token", maskPushToken(deviceToken)))
	}
	return result, nil
}

func isInvalidAPNsToken(resp *apns2.Response) bool {
	return resp.StatusCode == http.StatusGone ||
		resp.Reason == apns2.ReasonUnregistered ||
		resp.Reason == apns2.ReasonBadDeviceToken ||
		resp.Reason == apns2.ReasonDeviceTokenNotForTopic
}

// apnsNotification builds the request for one device. High priority alerts
// are incoming calls: they expire after callExpiry and collapse per call.
func apnsNotification(bundleID string, n *Notification, deviceToken string, now time.Time) *apns2.Notification {
	p := payload.NewPayload().
		AlertTitle(n.Title).
		AlertBody(n.Body)
	if n.Sound != "" {
		p.Sound(n.Sound)
	}
	if n.Category != "" {
		p.Category(n.Category)
	}
	for key, value := range n.Data {
		p.Custom(key, value)
	}

	msg := &apns2.Notification{
		DeviceToken: deviceToken,
		Topic:       bundleID,
		Payload:     p,
		PushType:    apns2.PushTypeAlert,
		Priority:    apns2.PriorityLow,
	}
	if n.Priority == "high" {
		msg.Priority = apns2.PriorityHigh
		msg.Expiration = now.Add(callExpiry)
	}
	if id := n.Data["call_id"]; id != "" {
		msg.CollapseID = id
	}
	return msg
}
