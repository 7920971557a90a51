// Package orchestrator sequences a whole call on one peer: media acquisition,
// record creation, negotiation, in-call controls, and teardown. It owns every
// resource a call allocates and guarantees each is released exactly once.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/negotiation"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	apperrors "flashchat-backend/pkg/errors"
	"flashchat-backend/pkg/logger"
)

// UIState is the call state surfaced to the client UI
type UIState int

const (
	StateIdle UIState = iota
	StateInitializing
	StateCreatingCall
	StateRinging
	StateInProgress
	StateFailed
	StateEnded
)

func (s UIState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateCreatingCall:
		return "creating_call"
	case StateRinging:
		return "ringing"
	case StateInProgress:
		return "in_progress"
	case StateFailed:
		return "failed"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// MediaSource provides local capture tracks. Implementations wrap whatever
// capture stack the platform has; tests use a stub.
type MediaSource interface {
	// AcquireTracks opens capture for the given call type and returns the
	// local tracks, audio first
	AcquireTracks(ctx context.Context, callType domain.CallType) ([]webrtc.TrackLocal, error)

	// AcquireScreenTrack opens a screen capture track. onEnded fires when the
	// user stops the share from outside the app.
	AcquireScreenTrack(ctx context.Context, onEnded func()) (webrtc.TrackLocal, error)

	SetAudioEnabled(enabled bool)
	SetVideoEnabled(enabled bool)

	// StopTracks releases all capture resources. Idempotent.
	StopTracks()
}

// SessionFactory creates the media session for one call
type SessionFactory func(iceServers []string) (negotiation.MediaSession, error)

// Callbacks are the orchestrator's outbound notifications. All optional.
type Callbacks struct {
	OnState       func(UIState)
	OnDuration    func(time.Duration)
	OnRemoteTrack func(*webrtc.TrackRemote)

	// OnClosed fires on every end invocation, even after teardown already ran
	OnClosed func(reason error)
}

// Orchestrator drives one call at a time for one local user
type Orchestrator struct {
	records    *callrecord.Manager
	media      MediaSource
	newSession SessionFactory
	localUID   uuid.UUID
	iceServers []string
	callbacks  Callbacks

	dismissAfter time.Duration

	mu          sync.Mutex
	state       UIState
	callID      string
	engine      *negotiation.Engine
	disposers   []signaling.Unsubscribe
	ended       bool
	muted       bool
	videoOff    bool
	sharing     bool
	cameraTrack webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	tickerStop  chan struct{}
}

// New creates an orchestrator for localUID
func New(records *callrecord.Manager, media MediaSource, factory SessionFactory, localUID uuid.UUID, iceServers []string, callbacks Callbacks) *Orchestrator {
	return &Orchestrator{
		records:    records,
		media:      media,
		newSession: factory,
		localUID:   localUID,
		iceServers: iceServers,
		callbacks:  callbacks,

		dismissAfter: constants.IncomingCallDismiss,
		state:        StateIdle,
	}
}

// State returns the current UI state
func (o *Orchestrator) State() UIState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// CallID returns the active call's ID, or ""
func (o *Orchestrator) CallID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.callID
}

// StartCall places an outgoing call to calleeUID. Media acquisition failure
// aborts before any call record exists; a rate limited caller releases media
// and gets the rate limit error back.
func (o *Orchestrator) StartCall(ctx context.Context, calleeUID uuid.UUID, callType domain.CallType) (string, error) {
	o.setState(StateInitializing)

	tracks, err := o.media.AcquireTracks(ctx, callType)
	if err != nil {
		o.setState(StateFailed)
		return "", apperrors.MediaAcquisitionError(err)
	}

	o.setState(StateCreatingCall)
	callID, err := o.records.CreateCallDocument(ctx, o.localUID, calleeUID, callType)
	if err != nil {
		o.media.StopTracks()
		o.setState(StateFailed)
		return "", err
	}

	if err := o.openSession(ctx, callID, negotiation.RoleCaller, tracks, func(ctx context.Context, e *negotiation.Engine) error {
		return e.StartAsCaller(ctx, callID)
	}); err != nil {
		o.media.StopTracks()
		o.records.EndCall(ctx, callID)
		o.setState(StateFailed)
		return "", err
	}

	o.setState(StateRinging)
	return callID, nil
}

// AcceptCall answers an incoming call. notificationID, when non-empty, is
// the incoming-call prompt to mark read.
func (o *Orchestrator) AcceptCall(ctx context.Context, callID string, callType domain.CallType, notificationID string) error {
	o.setState(StateInitializing)

	tracks, err := o.media.AcquireTracks(ctx, callType)
	if err != nil {
		o.setState(StateFailed)
		return apperrors.MediaAcquisitionError(err)
	}

	if err := o.openSession(ctx, callID, negotiation.RoleCallee, tracks, func(ctx context.Context, e *negotiation.Engine) error {
		return e.StartAsCallee(ctx, callID)
	}); err != nil {
		o.media.StopTracks()
		o.setState(StateFailed)
		return err
	}

	o.markNotificationRead(ctx, callID, notificationID)
	return nil
}

// DeclineCall rejects an incoming call without touching media
func (o *Orchestrator) DeclineCall(ctx context.Context, callID, notificationID string) error {
	if err := o.records.DeclineCall(ctx, callID); err != nil {
		return err
	}
	o.markNotificationRead(ctx, callID, notificationID)
	return nil
}

func (o *Orchestrator) markNotificationRead(ctx context.Context, callID, notificationID string) {
	if notificationID == "" {
		return
	}
	if err := o.records.MarkNotificationRead(ctx, o.localUID, notificationID); err != nil {
		logger.Warn("Failed to mark call notification read",
			zap.String("call_id", callID),
			zap.String("notification_id", notificationID),
			zap.Error(err))
	}
}

// EndCall hangs up. The first invocation performs the teardown; every
// invocation fires the OnClosed callback. userInitiated selects whether this
// side also writes the terminal status and deletes the signaling data.
func (o *Orchestrator) EndCall(ctx context.Context, userInitiated bool) {
	o.end(ctx, userInitiated, nil)
}

func (o *Orchestrator) end(ctx context.Context, local bool, reason error) {
	o.mu.Lock()
	if o.ended {
		o.mu.Unlock()
		o.fireClosed(reason)
		return
	}
	o.ended = true
	engine := o.engine
	disposers := o.disposers
	callID := o.callID
	tickerStop := o.tickerStop
	o.engine = nil
	o.disposers = nil
	o.tickerStop = nil
	o.mu.Unlock()

	if tickerStop != nil {
		close(tickerStop)
	}
	o.media.StopTracks()
	if engine != nil {
		if err := engine.Close(); err != nil {
			logger.Warn("Failed to close media session",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	for _, dispose := range disposers {
		dispose()
	}
	if local && callID != "" {
		if err := o.records.EndCall(ctx, callID); err != nil {
			logger.Warn("Failed to finalize call record",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}

	if reason != nil {
		o.setState(StateFailed)
	} else {
		o.setState(StateEnded)
	}
	logger.Info("Call ended",
		zap.String("call_id", callID),
		zap.Bool("user_initiated", local))
	o.fireClosed(reason)
}

// ToggleMute flips the outbound audio state and returns whether the call is
// now muted
func (o *Orchestrator) ToggleMute() bool {
	o.mu.Lock()
	o.muted = !o.muted
	muted := o.muted
	o.mu.Unlock()
	o.media.SetAudioEnabled(!muted)
	return muted
}

// ToggleVideo flips the outbound camera state and returns whether video is
// now off
func (o *Orchestrator) ToggleVideo() bool {
	o.mu.Lock()
	o.videoOff = !o.videoOff
	off := o.videoOff
	o.mu.Unlock()
	o.media.SetVideoEnabled(!off)
	return off
}

// ToggleScreenShare swaps the outbound video track for a screen capture
// track, or restores the camera. When the user stops the share externally
// the camera comes back automatically.
func (o *Orchestrator) ToggleScreenShare(ctx context.Context) (bool, error) {
	o.mu.Lock()
	sharing := o.sharing
	sender := o.videoSender
	camera := o.cameraTrack
	o.mu.Unlock()

	if sender == nil {
		return false, apperrors.IllegalStateError("no outbound video track to replace")
	}

	if sharing {
		return false, o.restoreCamera(sender, camera)
	}

	screen, err := o.media.AcquireScreenTrack(ctx, func() {
		if err := o.restoreCamera(sender, camera); err != nil {
			logger.Warn("Failed to restore camera after screen share ended", zap.Error(err))
		}
	})
	if err != nil {
		return false, apperrors.MediaAcquisitionError(err)
	}
	if err := sender.ReplaceTrack(screen); err != nil {
		return false, err
	}
	o.mu.Lock()
	o.sharing = true
	o.mu.Unlock()
	return true, nil
}

func (o *Orchestrator) restoreCamera(sender *webrtc.RTPSender, camera webrtc.TrackLocal) error {
	if err := sender.ReplaceTrack(camera); err != nil {
		return err
	}
	o.mu.Lock()
	o.sharing = false
	o.mu.Unlock()
	return nil
}

// WatchIncoming supervises an incoming call prompt: onDismiss fires when the
// call reaches a terminal status without this side answering, or when the
// prompt times out. Returns the unsubscribe handle.
func (o *Orchestrator) WatchIncoming(ctx context.Context, callID string, onDismiss func()) (signaling.Unsubscribe, error) {
	var once sync.Once
	dismiss := func() { once.Do(onDismiss) }

	timer := time.AfterFunc(o.dismissAfter, dismiss)
	unsub, err := o.records.ListenForCallStatus(ctx, callID, func(status domain.CallStatus) {
		switch status {
		case domain.CallStatusAccepted:
			timer.Stop()
		case domain.CallStatusDeclined, domain.CallStatusEnded:
			timer.Stop()
			dismiss()
		}
	})
	if err != nil {
		timer.Stop()
		return nil, err
	}
	return func() {
		timer.Stop()
		unsub()
	}, nil
}

// openSession builds the engine, attaches local tracks, starts the given
// negotiation path, and subscribes to the call's status stream
func (o *Orchestrator) openSession(ctx context.Context, callID string, role negotiation.Role, tracks []webrtc.TrackLocal, start func(context.Context, *negotiation.Engine) error) error {
	session, err := o.newSession(o.iceServers)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrCodeInternal, "create media session", err)
	}

	engine := negotiation.NewEngine(session, o.records, role, nil, func(reason error) {
		// Connection died past the grace period; hang up from our side
		ectx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.end(ectx, true, reason)
	})

	o.mu.Lock()
	o.callID = callID
	o.engine = engine
	o.ended = false
	o.mu.Unlock()

	if o.callbacks.OnRemoteTrack != nil {
		engine.AttachTrackSink(o.callbacks.OnRemoteTrack)
	}

	for _, track := range tracks {
		sender, err := engine.AddLocalTrack(track)
		if err != nil {
			engine.Close()
			return apperrors.Wrap(apperrors.ErrCodeInternal, "attach local track", err)
		}
		if track != nil && track.Kind() == webrtc.RTPCodecTypeVideo {
			o.mu.Lock()
			o.cameraTrack = track
			o.videoSender = sender
			o.mu.Unlock()
		}
	}

	if err := start(ctx, engine); err != nil {
		engine.Close()
		return err
	}

	unsub, err := o.records.ListenForCallStatus(ctx, callID, o.handleStatus)
	if err != nil {
		engine.Close()
		return err
	}
	o.addDisposer(unsub)
	return nil
}

// handleStatus reacts to the shared record's status stream. Terminal
// statuses written by the remote side tear this side down without another
// write.
func (o *Orchestrator) handleStatus(status domain.CallStatus) {
	switch status {
	case domain.CallStatusAccepted:
		o.setState(StateInProgress)
		o.startDurationTicker()
	case domain.CallStatusDeclined:
		// Callee said no; the caller owns the record cleanup
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.end(ctx, true, nil)
	case domain.CallStatusEnded:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		o.end(ctx, false, nil)
	}
}

// startDurationTicker emits elapsed call time once a second while the call
// is in progress, and ends the call outright once it exceeds MaxCallDuration
func (o *Orchestrator) startDurationTicker() {
	o.mu.Lock()
	if o.tickerStop != nil {
		o.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	o.tickerStop = stop
	o.mu.Unlock()

	started := time.Now()
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				elapsed := time.Since(started)
				if o.callbacks.OnDuration != nil {
					o.callbacks.OnDuration(elapsed)
				}
				if elapsed > constants.MaxCallDuration {
					logger.Warn("Call exceeded maximum duration, ending",
						zap.String("call_id", o.CallID()),
						zap.Duration("elapsed", elapsed))
					o.end(context.Background(), true, nil)
					return
				}
			}
		}
	}()
}

func (o *Orchestrator) setState(state UIState) {
	o.mu.Lock()
	if o.state == state {
		o.mu.Unlock()
		return
	}
	o.state = state
	o.mu.Unlock()

	if o.callbacks.OnState != nil {
		o.callbacks.OnState(state)
	}
}

func (o *Orchestrator) fireClosed(reason error) {
	if o.callbacks.OnClosed != nil {
		o.callbacks.OnClosed(reason)
	}
}

func (o *Orchestrator) addDisposer(unsub signaling.Unsubscribe) {
	o.mu.Lock()
	o.disposers = append(o.disposers, unsub)
	o.mu.Unlock()
}
