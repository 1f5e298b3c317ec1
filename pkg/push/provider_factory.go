package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"chatcall-backend/pkg/config"
	"chatcall-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates the push provider selected by cfg.Provider. Unknown
// providers fall back to the mock.
func NewProvider(ctx context.Context, cfg config.PushConfig) (Provider, error) {
	providerType := ProviderType(cfg.Provider)

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		if cfg.FirebaseProject == "" {
			return nil, fmt.Errorf("FIREBASE_PROJECT_ID is required for FCM provider")
		}
		return NewFCMProvider(ctx, &FCMConfig{
			ProjectID:       cfg.FirebaseProject,
			CredentialsJSON: []byte(cfg.FirebaseCreds),
		})
	case ProviderTypeAPNs:
		return NewAPNsProvider(&APNsConfig{
			BundleID:   cfg.APNSTopic,
			KeyPath:    cfg.APNSKeyPath,
			KeyID:      cfg.APNSKeyID,
			TeamID:     cfg.APNSTeamID,
			Production: cfg.APNSProduction,
		})
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}
