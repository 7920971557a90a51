// Package notify delivers incoming-call alerts to the callee out-of-band, so
// their client can show a ringing prompt without already subscribing to the
// call record. Delivery is best-effort: the call protocol never depends on it.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/metrics"
	"flashchat-backend/pkg/push"
)

// Bridge is the notification collaborator consumed by the call record manager
type Bridge interface {
	// NotifyIncomingCall alerts the callee about a ringing call. Fire-and-forget.
	NotifyIncomingCall(ctx context.Context, n *domain.CallNotification)

	// MarkNotificationRead flags the callee's notification as read
	MarkNotificationRead(ctx context.Context, calleeUID uuid.UUID, notificationID string) error
}

// Profile is the subset of a user's profile the bridge needs
type Profile struct {
	DisplayName string
	PhotoURL    string
}

// UserDirectory resolves display profiles for notification payloads
type UserDirectory interface {
	GetProfile(ctx context.Context, uid uuid.UUID) (*Profile, error)
}

// Presence reports whether a user currently has a live client
type Presence interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// PushBridge implements Bridge by writing a notification document into the
// callee's notification feed and, when the callee has no live client, sending
// a push notification to their registered devices.
type PushBridge struct {
	channel   signaling.Channel
	pushSvc   *push.Service
	directory UserDirectory
	presence  Presence
	metrics   *metrics.Metrics
}

// NewPushBridge creates the production bridge. pushSvc, directory, presence
// and m may each be nil; missing collaborators narrow delivery but never
// block it.
func NewPushBridge(channel signaling.Channel, pushSvc *push.Service, directory UserDirectory, presence Presence, m *metrics.Metrics) *PushBridge {
	return &PushBridge{
		channel:   channel,
		pushSvc:   pushSvc,
		directory: directory,
		presence:  presence,
		metrics:   m,
	}
}

// NotifyIncomingCall implements Bridge
func (b *PushBridge) NotifyIncomingCall(ctx context.Context, n *domain.CallNotification) {
	calleeUID := n.CalleeUID
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}
	n.Status = domain.CallStatusRinging

	if n.CallerName == "" && b.directory != nil {
		if profile, err := b.directory.GetProfile(ctx, n.CallerUID); err == nil && profile != nil {
			n.CallerName = profile.DisplayName
			if n.CallerPhotoURL == "" {
				n.CallerPhotoURL = profile.PhotoURL
			}
		}
	}
	if n.CallerName == "" {
		n.CallerName = "Unknown caller"
	}

	// In-app prompt document first; a connected client picks this up live
	id, err := b.channel.AddToSubcollection(ctx, constants.UsersCollection, calleeUID.String(),
		constants.NotificationsSubcollection, notificationDoc(n))
	if err != nil {
		logger.Warn("Failed to write call notification document",
			zap.String("call_id", n.CallID),
			zap.String("callee_uid", calleeUID.String()),
			zap.Error(err))
	} else {
		n.ID = id
	}

	if b.pushSvc == nil {
		return
	}

	// Online callees see the in-app prompt; push is for everyone else. If
	// presence is unavailable we push anyway.
	if b.presence != nil {
		if online, err := b.presence.IsUserOnline(ctx, calleeUID); err == nil && online {
			logger.Debug("Callee online, skipping push",
				zap.String("call_id", n.CallID),
				zap.String("callee_uid", calleeUID.String()))
			return
		}
	}

	err = b.pushSvc.SendToUser(ctx, calleeUID, push.NewCallAlert(n))
	if b.metrics != nil {
		b.metrics.RecordPushNotification("push", err)
	}
	if err != nil {
		logger.Warn("Failed to push incoming call alert",
			zap.String("call_id", n.CallID),
			zap.String("callee_uid", calleeUID.String()),
			zap.Error(err))
	}
}

// MarkNotificationRead implements Bridge
func (b *PushBridge) MarkNotificationRead(ctx context.Context, calleeUID uuid.UUID, notificationID string) error {
	// Subcollection items are append-only through the channel interface, so
	// read-state lives on a sibling document keyed by the notification ID.
	return b.channel.UpdateDocument(ctx, constants.UsersCollection, calleeUID.String(), signaling.Document{
		"readNotifications." + notificationID: true,
	})
}

func notificationDoc(n *domain.CallNotification) signaling.Document {
	return signaling.Document{
		"type":           string(n.Type),
		"callId":         n.CallID,
		"callerUid":      n.CallerUID.String(),
		"callerName":     n.CallerName,
		"callerPhotoURL": n.CallerPhotoURL,
		"timestamp":      n.Timestamp,
		"status":         string(n.Status),
		"read":           n.Read,
	}
}

// ChannelUserDirectory resolves profiles from the user documents in the
// signaling store
type ChannelUserDirectory struct {
	channel signaling.Channel
}

// NewChannelUserDirectory creates a directory over the users collection
func NewChannelUserDirectory(channel signaling.Channel) *ChannelUserDirectory {
	return &ChannelUserDirectory{channel: channel}
}

// GetProfile implements UserDirectory
func (d *ChannelUserDirectory) GetProfile(ctx context.Context, uid uuid.UUID) (*Profile, error) {
	doc, err := d.channel.GetDocument(ctx, constants.UsersCollection, uid.String())
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}

	profile := &Profile{}
	if name, ok := doc["displayName"].(string); ok {
		profile.DisplayName = name
	}
	if photo, ok := doc["photoURL"].(string); ok {
		profile.PhotoURL = photo
	}
	return profile, nil
}
