package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/negotiation"
	"flashchat-backend/internal/ratelimit"
	"flashchat-backend/internal/signaling"
	apperrors "flashchat-backend/pkg/errors"
)

// stubTrack satisfies webrtc.TrackLocal for wiring tests
type stubTrack struct {
	id   string
	kind webrtc.RTPCodecType
}

func (t *stubTrack) ID() string                { return t.id }
func (t *stubTrack) RID() string               { return "" }
func (t *stubTrack) StreamID() string          { return "test" }
func (t *stubTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *stubTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (t *stubTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

// stubMedia scripts the MediaSource
type stubMedia struct {
	mu         sync.Mutex
	acquireErr error
	stopCalls  int
	audioOn    bool
	videoOn    bool
}

func (m *stubMedia) AcquireTracks(_ context.Context, callType domain.CallType) ([]webrtc.TrackLocal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquireErr != nil {
		return nil, m.acquireErr
	}
	tracks := []webrtc.TrackLocal{&stubTrack{id: "audio", kind: webrtc.RTPCodecTypeAudio}}
	if callType == domain.CallTypeVideo {
		tracks = append(tracks, &stubTrack{id: "video", kind: webrtc.RTPCodecTypeVideo})
	}
	return tracks, nil
}

func (m *stubMedia) AcquireScreenTrack(context.Context, func()) (webrtc.TrackLocal, error) {
	return &stubTrack{id: "screen", kind: webrtc.RTPCodecTypeVideo}, nil
}

func (m *stubMedia) SetAudioEnabled(enabled bool) {
	m.mu.Lock()
	m.audioOn = enabled
	m.mu.Unlock()
}

func (m *stubMedia) SetVideoEnabled(enabled bool) {
	m.mu.Lock()
	m.videoOn = enabled
	m.mu.Unlock()
}

func (m *stubMedia) StopTracks() {
	m.mu.Lock()
	m.stopCalls++
	m.mu.Unlock()
}

func (m *stubMedia) stops() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// stubSession is a minimal scripted MediaSession
type stubSession struct {
	mu     sync.Mutex
	state  negotiation.SignalingState
	closed bool
}

func (s *stubSession) CreateOffer(context.Context) (*domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = negotiation.SignalingHaveLocalOffer
	return &domain.SessionDescription{Type: "offer", SDP: "v=0 offer"}, nil
}

func (s *stubSession) CreateAnswer(context.Context) (*domain.SessionDescription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = negotiation.SignalingStable
	return &domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (s *stubSession) SetRemoteDescription(*domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = negotiation.SignalingStable
	return nil
}

func (s *stubSession) SignalingState() negotiation.SignalingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) AddICECandidate(*domain.Candidate) error { return nil }
func (s *stubSession) AddTrack(webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	return nil, nil
}
func (s *stubSession) OnICECandidate(func(*domain.Candidate))                    {}
func (s *stubSession) OnConnectionStateChange(func(negotiation.ConnectionState)) {}
func (s *stubSession) OnTrack(func(*webrtc.TrackRemote))                         {}

func (s *stubSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type harness struct {
	channel *signaling.MemoryChannel
	records *callrecord.Manager
	media   *stubMedia

	mu     sync.Mutex
	states []UIState
	closed []error
}

func newHarness(t *testing.T, opts ...ratelimit.Option) (*harness, *Orchestrator) {
	t.Helper()
	h := &harness{
		channel: signaling.NewMemoryChannel(),
		media:   &stubMedia{},
	}
	h.records = callrecord.NewManager(h.channel, ratelimit.NewLimiter(h.channel, opts...), nil, nil, nil)

	factory := func([]string) (negotiation.MediaSession, error) {
		return &stubSession{state: negotiation.SignalingStable}, nil
	}
	o := New(h.records, h.media, factory, uuid.New(), nil, Callbacks{
		OnState: func(s UIState) {
			h.mu.Lock()
			h.states = append(h.states, s)
			h.mu.Unlock()
		},
		OnClosed: func(reason error) {
			h.mu.Lock()
			h.closed = append(h.closed, reason)
			h.mu.Unlock()
		},
	})
	return h, o
}

func (h *harness) closedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.closed)
}

func (h *harness) seenStates() []UIState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]UIState(nil), h.states...)
}

func TestStartCallMediaFailureAbortsBeforeRecord(t *testing.T) {
	h, o := newHarness(t)
	h.media.acquireErr = fmt.Errorf("camera busy")

	_, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeMediaAcquisition))
	assert.Equal(t, StateFailed, o.State())

	// No call record may exist after a media abort
	count, countErr := h.channel.CountRecent(context.Background(), "calls",
		"status", string(domain.CallStatusInitiated), time.Now().Add(-time.Minute))
	require.NoError(t, countErr)
	assert.Zero(t, count)
}

func TestStartCallReleasesMediaWhenRateLimited(t *testing.T) {
	h, o := newHarness(t, ratelimit.WithMax(0))

	_, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimitExceeded))
	assert.Equal(t, 1, h.media.stops())
	assert.Equal(t, StateFailed, o.State())
}

func TestStartCallReachesRinging(t *testing.T) {
	h, o := newHarness(t)

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, StateRinging, o.State())
	assert.Equal(t, callID, o.CallID())

	record, err := h.records.GetCall(context.Background(), callID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, record.Status)
	require.NotNil(t, record.Offer)
	assert.Zero(t, h.media.stops())
}

func TestCallGoesInProgressWhenAccepted(t *testing.T) {
	h, o := newHarness(t)

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	// Remote side answers
	require.NoError(t, h.records.SetAnswer(context.Background(), callID,
		&domain.SessionDescription{Type: "answer", SDP: "v=0 answer"}))

	assert.Eventually(t, func() bool {
		return o.State() == StateInProgress
	}, time.Second, 10*time.Millisecond)
}

func TestUserEndCallTearsDownOnceButAlwaysNotifies(t *testing.T) {
	h, o := newHarness(t)

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	o.EndCall(context.Background(), true)
	assert.Equal(t, StateEnded, o.State())
	assert.Equal(t, 1, h.media.stops())
	assert.Equal(t, 1, h.closedCount())

	_, getErr := h.records.GetCall(context.Background(), callID)
	assert.True(t, apperrors.IsCode(getErr, apperrors.ErrCodeCallNotFound))

	// A second hangup is a no-op teardown but still notifies
	o.EndCall(context.Background(), true)
	assert.Equal(t, 1, h.media.stops())
	assert.Equal(t, 2, h.closedCount())
}

// deleteCountingChannel counts record deletions behind a MemoryChannel
type deleteCountingChannel struct {
	*signaling.MemoryChannel
	mu      sync.Mutex
	deletes int
}

func (c *deleteCountingChannel) DeleteDocument(ctx context.Context, collection, id string) error {
	c.mu.Lock()
	c.deletes++
	c.mu.Unlock()
	return c.MemoryChannel.DeleteDocument(ctx, collection, id)
}

func (c *deleteCountingChannel) deleteCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deletes
}

func TestConcurrentHangupsTearDownOnceNotifyEach(t *testing.T) {
	ch := &deleteCountingChannel{MemoryChannel: signaling.NewMemoryChannel()}
	records := callrecord.NewManager(ch, ratelimit.NewLimiter(ch), nil, nil, nil)
	media := &stubMedia{}

	var mu sync.Mutex
	closed := 0
	o := New(records, media, func([]string) (negotiation.MediaSession, error) {
		return &stubSession{state: negotiation.SignalingStable}, nil
	}, uuid.New(), nil, Callbacks{
		OnClosed: func(error) {
			mu.Lock()
			closed++
			mu.Unlock()
		},
	})

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	// Racing hangups, as when the UI button and a connection failure land at
	// the same time. One teardown, but every caller gets its notification.
	const hangups = 8
	var wg sync.WaitGroup
	for i := 0; i < hangups; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.EndCall(context.Background(), true)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, media.stops())
	assert.Equal(t, 1, ch.deleteCount())
	assert.Equal(t, StateEnded, o.State())
	mu.Lock()
	assert.Equal(t, hangups, closed)
	mu.Unlock()

	_, getErr := records.GetCall(context.Background(), callID)
	assert.True(t, apperrors.IsCode(getErr, apperrors.ErrCodeCallNotFound))
}

func TestRemoteEndedStatusTearsDownWithoutDeleting(t *testing.T) {
	h, o := newHarness(t)

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	// Remote side hangs up by writing the terminal status
	require.NoError(t, h.records.UpdateCallStatus(context.Background(), callID, domain.CallStatusEnded))

	assert.Eventually(t, func() bool {
		return o.State() == StateEnded
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.media.stops())

	// The remote side owns the deletion in this flow
	record, getErr := h.records.GetCall(context.Background(), callID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.CallStatusEnded, record.Status)
}

func TestCallerCleansUpWhenDeclined(t *testing.T) {
	h, o := newHarness(t)

	callID, err := o.StartCall(context.Background(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)

	// Callee declines
	require.NoError(t, h.records.DeclineCall(context.Background(), callID))

	assert.Eventually(t, func() bool {
		_, getErr := h.records.GetCall(context.Background(), callID)
		return apperrors.IsCode(getErr, apperrors.ErrCodeCallNotFound)
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateEnded, o.State())
	assert.Equal(t, 1, h.media.stops())
}

func TestToggleMuteAndVideo(t *testing.T) {
	h, o := newHarness(t)

	assert.True(t, o.ToggleMute())
	h.media.mu.Lock()
	assert.False(t, h.media.audioOn)
	h.media.mu.Unlock()
	assert.False(t, o.ToggleMute())

	assert.True(t, o.ToggleVideo())
	assert.False(t, o.ToggleVideo())
}

func TestToggleScreenShareWithoutVideoSender(t *testing.T) {
	_, o := newHarness(t)

	_, err := o.ToggleScreenShare(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIllegalState))
}

// readMarkingBridge records which notifications were marked read
type readMarkingBridge struct {
	mu      sync.Mutex
	readIDs []string
}

func (b *readMarkingBridge) NotifyIncomingCall(context.Context, *domain.CallNotification) {}

func (b *readMarkingBridge) MarkNotificationRead(_ context.Context, _ uuid.UUID, id string) error {
	b.mu.Lock()
	b.readIDs = append(b.readIDs, id)
	b.mu.Unlock()
	return nil
}

func TestDeclineCallMarksNotificationRead(t *testing.T) {
	bridge := &readMarkingBridge{}
	ch := signaling.NewMemoryChannel()
	records := callrecord.NewManager(ch, ratelimit.NewLimiter(ch), bridge, nil, nil)
	o := New(records, &stubMedia{}, func([]string) (negotiation.MediaSession, error) {
		return &stubSession{state: negotiation.SignalingStable}, nil
	}, uuid.New(), nil, Callbacks{})

	callID, err := records.CreateCallDocument(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, records.UpdateCallStatus(context.Background(), callID, domain.CallStatusRinging))

	require.NoError(t, o.DeclineCall(context.Background(), callID, "notif-1"))

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Equal(t, []string{"notif-1"}, bridge.readIDs)
}

func TestDeclineCallWithoutNotificationSkipsRead(t *testing.T) {
	bridge := &readMarkingBridge{}
	ch := signaling.NewMemoryChannel()
	records := callrecord.NewManager(ch, ratelimit.NewLimiter(ch), bridge, nil, nil)
	o := New(records, &stubMedia{}, func([]string) (negotiation.MediaSession, error) {
		return &stubSession{state: negotiation.SignalingStable}, nil
	}, uuid.New(), nil, Callbacks{})

	callID, err := records.CreateCallDocument(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, o.DeclineCall(context.Background(), callID, ""))

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Empty(t, bridge.readIDs)
}

func TestWatchIncomingDismissesOnDecline(t *testing.T) {
	h, o := newHarness(t)
	callID, err := h.records.CreateCallDocument(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	var mu sync.Mutex
	dismissed := 0
	unsub, err := o.WatchIncoming(context.Background(), callID, func() {
		mu.Lock()
		dismissed++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, h.records.UpdateCallStatus(context.Background(), callID, domain.CallStatusRinging))
	require.NoError(t, h.records.DeclineCall(context.Background(), callID))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dismissed == 1
	}, time.Second, 10*time.Millisecond)
}

func TestWatchIncomingDismissesOnTimeout(t *testing.T) {
	h, o := newHarness(t)
	o.dismissAfter = 20 * time.Millisecond
	callID, err := h.records.CreateCallDocument(context.Background(), uuid.New(), uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	var mu sync.Mutex
	dismissed := 0
	unsub, err := o.WatchIncoming(context.Background(), callID, func() {
		mu.Lock()
		dismissed++
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dismissed == 1
	}, time.Second, 5*time.Millisecond)
}
