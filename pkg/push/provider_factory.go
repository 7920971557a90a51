package push

import (
	"context"

	firebase "firebase.google.com/go/v4"
	"go.uber.org/zap"

	"flashchat-backend/pkg/logger"
)

// NewProviders builds the provider routing table. FCM (when a Firebase app
// is available) carries Android and Web tokens; APNs (when configured)
// carries iOS tokens. With nothing configured every token type falls back
// to the mock provider so development environments still work end to end.
func NewProviders(app *firebase.App, apns *APNsConfig) (map[TokenType]Provider, error) {
	providers := make(map[TokenType]Provider)

	if app != nil {
		fcm, err := NewFCMProvider(app)
		if err != nil {
			return nil, err
		}
		providers[TokenTypeFCM] = fcm
		providers[TokenTypeWeb] = fcm
		logger.Info("FCM push provider initialized")
	}

	if apns != nil {
		provider, err := NewAPNsProvider(apns)
		if err != nil {
			return nil, err
		}
		providers[TokenTypeAPNs] = provider
	}

	if len(providers) == 0 {
		logger.Warn("no push providers configured, using mock provider")
		mock := &MockProvider{}
		providers[TokenTypeFCM] = mock
		providers[TokenTypeAPNs] = mock
		providers[TokenTypeWeb] = mock
	}

	return providers, nil
}

// MockProvider logs notifications instead of delivering them.
type MockProvider struct{}

// Name implements Provider
func (m *MockProvider) Name() string { return "mock" }

// Send implements Provider
func (m *MockProvider) Send(_ context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	logger.Debug("mock push send",
		zap.String("title", notification.Title),
		zap.Int("token_count", len(tokens)))
	return &SendResult{SuccessCount: len(tokens)}, nil
}
