// Package negotiation drives WebRTC session establishment over the signaling
// channel: offer/answer exchange, candidate trickle, and connection lifecycle
// supervision for one call.
package negotiation

import (
	"context"

	"github.com/pion/webrtc/v4"

	"flashchat-backend/internal/domain"
)

// SignalingState mirrors the RTC signaling state machine the engine guards on
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
	SignalingHaveLocalPranswer
	SignalingHaveRemotePranswer
	SignalingClosed
)

func (s SignalingState) String() string {
	switch s {
	case SignalingStable:
		return "stable"
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingHaveLocalPranswer:
		return "have-local-pranswer"
	case SignalingHaveRemotePranswer:
		return "have-remote-pranswer"
	case SignalingClosed:
		return "closed"
	}
	return "unknown"
}

// ConnectionState is the coarse peer connection state the engine reacts to
type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	}
	return "unknown"
}

// MediaSession abstracts the RTC peer object so the engine's negotiation
// logic is testable without a live media stack. CreateOffer and CreateAnswer
// also install the result as the local description.
type MediaSession interface {
	CreateOffer(ctx context.Context) (*domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (*domain.SessionDescription, error)
	SetRemoteDescription(desc *domain.SessionDescription) error
	SignalingState() SignalingState
	AddICECandidate(c *domain.Candidate) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)

	// OnICECandidate registers the local candidate callback. The adapter
	// filters out the end-of-gathering nil candidate.
	OnICECandidate(fn func(*domain.Candidate))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(*webrtc.TrackRemote))
	Close() error
}
