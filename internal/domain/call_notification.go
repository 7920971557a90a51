package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType labels an incoming-call alert by media kind
type NotificationType string

const (
	NotificationVideoCall NotificationType = "video_call"
	NotificationAudioCall NotificationType = "audio_call"
)

// CallNotification is the best-effort side record delivered to the callee so
// their client can show an incoming-call prompt without already holding a
// subscription to the call record. Informational only; the CallRecord stays
// the source of truth for call state.
type CallNotification struct {
	ID             string           `json:"id,omitempty"`
	Type           NotificationType `json:"type"`
	CallID         string           `json:"call_id"`
	CallerUID      uuid.UUID        `json:"caller_uid"`
	CalleeUID      uuid.UUID        `json:"callee_uid"`
	CallerName     string           `json:"caller_name"`
	CallerPhotoURL string           `json:"caller_photo_url,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
	Status         CallStatus       `json:"status"`
	Read           bool             `json:"read"`
}

// NotificationTypeFor maps a call type to its notification label
func NotificationTypeFor(callType CallType) NotificationType {
	if callType == CallTypeAudio {
		return NotificationAudioCall
	}
	return NotificationVideoCall
}
