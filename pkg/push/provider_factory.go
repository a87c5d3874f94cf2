package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"liveroom-backend/pkg/env"
	"liveroom-backend/pkg/logger"
)

// ProviderType represents the type of push notification provider
type ProviderType string

const (
	ProviderTypeMock ProviderType = "mock"
	ProviderTypeFCM  ProviderType = "fcm"
	ProviderTypeAPNs ProviderType = "apns"
)

// NewProvider creates a push notification provider selected by PUSH_PROVIDER
func NewProvider(ctx context.Context) (Provider, error) {
	providerType := ProviderType(env.String("PUSH_PROVIDER", "mock"))

	logger.Info("Initializing push notification provider",
		zap.String("provider_type", string(providerType)))

	switch providerType {
	case ProviderTypeFCM:
		return newFCMProvider(ctx)
	case ProviderTypeAPNs:
		return newAPNsProvider()
	case ProviderTypeMock:
		return &MockProvider{}, nil
	default:
		logger.Warn("Unknown push provider type, falling back to mock",
			zap.String("provider_type", string(providerType)))
		return &MockProvider{}, nil
	}
}

func newFCMProvider(ctx context.Context) (Provider, error) {
	projectID := env.String("FCM_PROJECT_ID", "")
	if projectID == "" {
		return nil, fmt.Errorf("FCM_PROJECT_ID environment variable is required for FCM provider")
	}

	return NewFCMProvider(ctx, &FCMConfig{
		ProjectID:       projectID,
		CredentialsPath: env.Secret("FCM_CREDENTIALS_PATH", ""),
	})
}

func newAPNsProvider() (Provider, error) {
	bundleID := env.String("APNS_BUNDLE_ID", "")
	if bundleID == "" {
		return nil, fmt.Errorf("APNS_BUNDLE_ID environment variable is required for APNs provider")
	}

	return NewAPNsProvider(&APNsConfig{
		BundleID:            bundleID,
		KeyPath:             env.String("APNS_KEY_PATH", ""),
		KeyID:               env.String("APNS_KEY_ID", ""),
		TeamID:              env.String("APNS_TEAM_ID", ""),
		CertificatePath:     env.String("APNS_CERT_PATH", ""),
		CertificatePassword: env.Secret("APNS_CERT_PASSWORD", ""),
		Production:          env.Bool("APNS_PRODUCTION", false),
	})
}
