package negotiation

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	apperrors "flashchat-backend/pkg/errors"
	"flashchat-backend/pkg/logger"
)

// Role distinguishes which side of the call this engine drives
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

// Engine negotiates one call session: it publishes the local description and
// candidates through the call record manager, applies the remote side's, and
// supervises the connection state. One Engine per call, per peer.
type Engine struct {
	session MediaSession
	records *callrecord.Manager
	role    Role
	callID  string

	// localSub receives our candidates, remoteSub is subscribed for theirs
	localSub  string
	remoteSub string

	onConnectionState func(ConnectionState)
	onTerminate       func(error)
	grace             time.Duration

	mu            sync.Mutex
	disposers     []signaling.Unsubscribe
	graceTimer    *time.Timer
	offerApplied  bool
	answerApplied bool
	terminated    bool

	trackMu       sync.Mutex
	pendingTracks []*webrtc.TrackRemote
	trackSink     func(*webrtc.TrackRemote)
}

// NewEngine creates an engine for one side of a call. The callbacks may be
// nil. onTerminate fires at most once, when the connection fails and does not
// recover inside the grace period.
func NewEngine(session MediaSession, records *callrecord.Manager, role Role, onConnectionState func(ConnectionState), onTerminate func(error)) *Engine {
	e := &Engine{
		session:           session,
		records:           records,
		role:              role,
		onConnectionState: onConnectionState,
		onTerminate:       onTerminate,
		grace:             constants.ConnectionFailureGrace,
	}
	if role == RoleCaller {
		e.localSub = constants.OfferCandidatesSubcollection
		e.remoteSub = constants.AnswerCandidatesSubcollection
	} else {
		e.localSub = constants.AnswerCandidatesSubcollection
		e.remoteSub = constants.OfferCandidatesSubcollection
	}
	return e
}

// StartAsCaller creates and publishes the offer for an existing call record,
// then waits for the callee's answer and candidates.
func (e *Engine) StartAsCaller(ctx context.Context, callID string) error {
	if e.role != RoleCaller {
		return apperrors.IllegalStateError("engine was created for the callee side")
	}
	e.callID = callID
	e.wireSession()

	offer, err := e.session.CreateOffer(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "create offer", err)
	}
	if err := e.records.SetOffer(ctx, callID, offer); err != nil {
		return err
	}

	unsub, err := e.records.ListenForAnswer(ctx, callID, e.applyAnswer)
	if err != nil {
		return err
	}
	e.addDisposer(unsub)
	return e.subscribeRemoteCandidates(ctx)
}

// StartAsCallee waits for the caller's offer, applies the first one, and
// publishes the answer. Offers delivered again after that are ignored.
func (e *Engine) StartAsCallee(ctx context.Context, callID string) error {
	if e.role != RoleCallee {
		return apperrors.IllegalStateError("engine was created for the caller side")
	}
	e.callID = callID
	e.wireSession()

	unsub, err := e.records.ListenForOffer(ctx, callID, func(offer *domain.SessionDescription) {
		e.applyOfferAndAnswer(ctx, offer)
	})
	if err != nil {
		return err
	}
	e.addDisposer(unsub)
	return e.subscribeRemoteCandidates(ctx)
}

// AddLocalTrack attaches an outbound media track and returns its sender, so
// the orchestrator can later swap the track for screen sharing
func (e *Engine) AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return e.session.AddTrack(track)
}

// AttachTrackSink installs the remote media consumer. Tracks that arrived
// before the sink was attached are flushed to it, each exactly once.
func (e *Engine) AttachTrackSink(fn func(*webrtc.TrackRemote)) {
	e.trackMu.Lock()
	e.trackSink = fn
	pending := e.pendingTracks
	e.pendingTracks = nil
	e.trackMu.Unlock()

	for _, track := range pending {
		fn(track)
	}
}

// Close cancels supervision, releases every subscription, and closes the
// media session. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.terminated = true
	disposers := e.disposers
	e.disposers = nil
	e.mu.Unlock()

	for _, dispose := range disposers {
		dispose()
	}
	return e.session.Close()
}

func (e *Engine) wireSession() {
	e.session.OnICECandidate(func(c *domain.Candidate) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.records.AddCandidate(ctx, e.callID, e.localSub, c); err != nil {
			logger.Warn("Failed to publish local candidate",
				zap.String("call_id", e.callID),
				zap.Error(err))
		}
	})

	e.session.OnTrack(func(track *webrtc.TrackRemote) {
		e.trackMu.Lock()
		sink := e.trackSink
		if sink == nil {
			e.pendingTracks = append(e.pendingTracks, track)
		}
		e.trackMu.Unlock()
		if sink != nil {
			sink(track)
		}
	})

	e.session.OnConnectionStateChange(e.handleConnectionState)
}

func (e *Engine) subscribeRemoteCandidates(ctx context.Context) error {
	unsub, err := e.records.ListenForCandidates(ctx, e.callID, e.remoteSub, func(c *domain.Candidate) {
		if err := e.session.AddICECandidate(c); err != nil {
			// One bad candidate never kills the session; others still connect
			logger.Warn("Failed to apply remote candidate",
				zap.String("call_id", e.callID),
				zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	e.addDisposer(unsub)
	return nil
}

// applyAnswer applies the callee's answer, once, and only while a local
// offer is pending. Anything else is a stale or duplicate delivery.
func (e *Engine) applyAnswer(answer *domain.SessionDescription) {
	e.mu.Lock()
	if e.answerApplied {
		e.mu.Unlock()
		return
	}
	state := e.session.SignalingState()
	if state != SignalingHaveLocalOffer {
		e.mu.Unlock()
		logger.Warn("Dropping answer in unexpected signaling state",
			zap.String("call_id", e.callID),
			zap.String("state", state.String()))
		return
	}
	e.answerApplied = true
	e.mu.Unlock()

	if err := e.session.SetRemoteDescription(answer); err != nil {
		logger.Error("Failed to apply remote answer",
			zap.String("call_id", e.callID),
			zap.Error(err))
	}
}

func (e *Engine) applyOfferAndAnswer(ctx context.Context, offer *domain.SessionDescription) {
	e.mu.Lock()
	if e.offerApplied {
		e.mu.Unlock()
		return
	}
	e.offerApplied = true
	e.mu.Unlock()

	if err := e.session.SetRemoteDescription(offer); err != nil {
		logger.Error("Failed to apply remote offer",
			zap.String("call_id", e.callID),
			zap.Error(err))
		return
	}
	answer, err := e.session.CreateAnswer(ctx)
	if err != nil {
		logger.Error("Failed to create answer",
			zap.String("call_id", e.callID),
			zap.Error(err))
		return
	}
	if err := e.records.SetAnswer(ctx, e.callID, answer); err != nil {
		logger.Error("Failed to publish answer",
			zap.String("call_id", e.callID),
			zap.Error(err))
	}
}

// handleConnectionState supervises the connection. A drop to failed or
// disconnected starts the grace timer; recovery to connected cancels it.
func (e *Engine) handleConnectionState(state ConnectionState) {
	logger.Debug("Peer connection state changed",
		zap.String("call_id", e.callID),
		zap.String("state", state.String()))

	e.mu.Lock()
	switch state {
	case ConnectionConnected:
		if e.graceTimer != nil {
			e.graceTimer.Stop()
			e.graceTimer = nil
		}
	case ConnectionFailed, ConnectionDisconnected:
		if e.graceTimer == nil && !e.terminated {
			e.graceTimer = time.AfterFunc(e.grace, e.terminateAfterGrace)
		}
	}
	e.mu.Unlock()

	if e.onConnectionState != nil {
		e.onConnectionState(state)
	}
}

func (e *Engine) terminateAfterGrace() {
	e.mu.Lock()
	if e.terminated {
		e.mu.Unlock()
		return
	}
	e.terminated = true
	e.graceTimer = nil
	e.mu.Unlock()

	logger.Warn("Peer connection did not recover, ending call",
		zap.String("call_id", e.callID),
		zap.Duration("grace", e.grace))
	if e.onTerminate != nil {
		e.onTerminate(apperrors.ConnectionFailedError())
	}
}

func (e *Engine) addDisposer(unsub signaling.Unsubscribe) {
	e.mu.Lock()
	e.disposers = append(e.disposers, unsub)
	e.mu.Unlock()
}
