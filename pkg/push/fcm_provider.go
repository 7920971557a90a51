package push

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"

	"flashchat-backend/pkg/logger"
)

// FCMProvider implements Provider for Firebase Cloud Messaging. Handles
// Android and Web tokens; iOS alerts go through APNsProvider directly.
type FCMProvider struct {
	app *firebase.App
}

// NewFCMProvider creates an FCM provider on an already-initialized Firebase app
func NewFCMProvider(app *firebase.App) (*FCMProvider, error) {
	if app == nil {
		return nil, fmt.Errorf("firebase app is required")
	}
	return &FCMProvider{app: app}, nil
}

// Name implements Provider
func (f *FCMProvider) Name() string { return "fcm" }

// Send implements Provider
func (f *FCMProvider) Send(ctx context.Context, notification *Notification, tokens []string) (*SendResult, error) {
	if len(tokens) == 0 {
		return &SendResult{}, nil
	}

	client, err := f.app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get messaging client: %w", err)
	}

	fcmMessage := &messaging.MulticastMessage{
		Notification: &messaging.Notification{
			Title: notification.Title,
			Body:  notification.Body,
		},
		Tokens: tokens,
		Data:   notification.Data,
	}

	android := &messaging.AndroidConfig{
		Notification: &messaging.AndroidNotification{},
	}
	if notification.Sound != "" {
		android.Notification.Sound = notification.Sound
	}
	if notification.Priority == "high" {
		android.Priority = "high"
	}
	if notification.Category != "" {
		android.Notification.ChannelID = notification.Category
	}
	fcmMessage.Android = android

	response, err := client.SendEachForMulticast(ctx, fcmMessage)
	if err != nil {
		logger.Error("Failed to send FCM multicast message",
			zap.Error(err),
			zap.Int("token_count", len(tokens)))
		return nil, fmt.Errorf("failed to send FCM message: %w", err)
	}

	result := &SendResult{
		SuccessCount: response.SuccessCount,
		FailureCount: response.FailureCount,
	}

	for i, resp := range response.Responses {
		if resp.Success || resp.Error == nil {
			continue
		}
		result.Errors = append(result.Errors, resp.Error)
		logger.Warn("FCM send failed for token",
			zap.String("token_prefix", maskPushToken(tokens[i])),
			zap.Error(resp.Error))

		if messaging.IsUnregistered(resp.Error) || messaging.IsInvalidArgument(resp.Error) {
			result.InvalidTokens = append(result.InvalidTokens, tokens[i])
		}
	}

	logger.Debug("FCM message sent",
		zap.Int("success_count", result.SuccessCount),
		zap.Int("failure_count", result.FailureCount),
		zap.Int("invalid_tokens", len(result.InvalidTokens)))

	return result, nil
}

// maskPushToken returns a safe masked version of a push token for logging.
// Shows only first 8 and last 8 characters, with middle masked.
func maskPushToken(token string) string {
	if len(token) <= 16 {
		return "********"
	}
	return token[:8] + "..." + token[len(token)-8:]
}
