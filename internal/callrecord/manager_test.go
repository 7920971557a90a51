package callrecord

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/notify"
	"flashchat-backend/internal/ratelimit"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	apperrors "flashchat-backend/pkg/errors"
)

func newTestManager(ch signaling.Channel, opts ...ratelimit.Option) *Manager {
	return NewManager(ch, ratelimit.NewLimiter(ch, opts...), nil, nil, nil)
}

func createTestCall(t *testing.T, m *Manager) (string, uuid.UUID, uuid.UUID) {
	t.Helper()
	caller, callee := uuid.New(), uuid.New()
	id, err := m.CreateCallDocument(context.Background(), caller, callee, domain.CallTypeVideo)
	require.NoError(t, err)
	return id, caller, callee
}

func TestCreateCallDocument(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)

	id, caller, callee := createTestCall(t, m)
	require.NotEmpty(t, id)

	record, err := m.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, caller, record.CallerUID)
	assert.Equal(t, callee, record.CalleeUID)
	assert.Equal(t, domain.CallTypeVideo, record.CallType)
	assert.Equal(t, domain.CallStatusInitiated, record.Status)
	assert.False(t, record.CreatedAt.IsZero())
	assert.Nil(t, record.Offer)
	assert.Nil(t, record.EndedAt)
}

func TestCreateCallDocumentRateLimited(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch, ratelimit.WithMax(1))

	caller := uuid.New()
	_, err := m.CreateCallDocument(context.Background(), caller, uuid.New(), domain.CallTypeAudio)
	require.NoError(t, err)

	_, err = m.CreateCallDocument(context.Background(), caller, uuid.New(), domain.CallTypeAudio)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeRateLimitExceeded))
	assert.Greater(t, apperrors.TimeLeftSeconds(err), 0)

	count, err := ch.CountRecent(context.Background(), constants.CallsCollection,
		"callerUid", caller.String(), time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

type recordingBridge struct {
	mu    sync.Mutex
	calls []*domain.CallNotification
}

func (b *recordingBridge) NotifyIncomingCall(_ context.Context, n *domain.CallNotification) {
	b.mu.Lock()
	b.calls = append(b.calls, n)
	b.mu.Unlock()
}

func (b *recordingBridge) MarkNotificationRead(context.Context, uuid.UUID, string) error {
	return nil
}

func (b *recordingBridge) notified() []*domain.CallNotification {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*domain.CallNotification(nil), b.calls...)
}

var _ notify.Bridge = (*recordingBridge)(nil)

func TestCreateCallDocumentNotifiesCallee(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	bridge := &recordingBridge{}
	m := NewManager(ch, ratelimit.NewLimiter(ch), bridge, nil, nil)

	caller, callee := uuid.New(), uuid.New()
	id, err := m.CreateCallDocument(context.Background(), caller, callee, domain.CallTypeAudio)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return len(bridge.notified()) == 1
	}, time.Second, 10*time.Millisecond)

	n := bridge.notified()[0]
	assert.Equal(t, id, n.CallID)
	assert.Equal(t, caller, n.CallerUID)
	assert.Equal(t, callee, n.CalleeUID)
	assert.Equal(t, domain.NotificationAudioCall, n.Type)
}

func TestSetOfferMovesCallToRinging(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	offer := &domain.SessionDescription{Type: "offer", SDP: "v=0 caller"}
	require.NoError(t, m.SetOffer(context.Background(), id, offer))

	record, err := m.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, record.Status)
	require.NotNil(t, record.Offer)
	assert.Equal(t, "v=0 caller", record.Offer.SDP)
	assert.NotNil(t, record.RingingAt)
}

func TestSetAnswerMovesCallToAccepted(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	require.NoError(t, m.SetOffer(context.Background(), id, &domain.SessionDescription{Type: "offer", SDP: "v=0"}))
	require.NoError(t, m.SetAnswer(context.Background(), id, &domain.SessionDescription{Type: "answer", SDP: "v=0 callee"}))

	record, err := m.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusAccepted, record.Status)
	require.NotNil(t, record.Answer)
	assert.NotNil(t, record.AcceptedAt)
}

// countingChannel counts document update writes
type countingChannel struct {
	*signaling.MemoryChannel
	mu      sync.Mutex
	updates int
}

func (c *countingChannel) UpdateDocument(ctx context.Context, collection, id string, fields signaling.Document) error {
	c.mu.Lock()
	c.updates++
	c.mu.Unlock()
	return c.MemoryChannel.UpdateDocument(ctx, collection, id, fields)
}

func (c *countingChannel) updateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updates
}

func TestUpdateCallStatusSuppressesDuplicateWrites(t *testing.T) {
	ch := &countingChannel{MemoryChannel: signaling.NewMemoryChannel()}
	m := NewManager(ch, ratelimit.NewLimiter(ch), nil, nil, nil)
	id, _, _ := createTestCall(t, m)

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	writes := ch.updateCount()

	// Same status again inside the debounce window: success, no write
	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	assert.Equal(t, writes, ch.updateCount())

	record, err := m.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, record.Status)
}

func TestUpdateCallStatusRejectsIllegalTransition(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	require.NoError(t, m.DeclineCall(context.Background(), id))

	err := m.UpdateCallStatus(context.Background(), id, domain.CallStatusAccepted)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeIllegalTransition))

	record, getErr := m.GetCall(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, domain.CallStatusDeclined, record.Status)
	assert.NotNil(t, record.DeclinedAt)
}

func TestUpdateCallStatusMissingRecordIsNoOp(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)

	// Records vanish when the remote peer tears down first
	err := m.UpdateCallStatus(context.Background(), "gone", domain.CallStatusEnded)
	assert.NoError(t, err)
}

// flakyChannel fails the first n document updates
type flakyChannel struct {
	*signaling.MemoryChannel
	mu       sync.Mutex
	failures int
}

func (c *flakyChannel) UpdateDocument(ctx context.Context, collection, id string, fields signaling.Document) error {
	c.mu.Lock()
	fail := c.failures > 0
	if fail {
		c.failures--
	}
	c.mu.Unlock()
	if fail {
		return fmt.Errorf("transient write failure")
	}
	return c.MemoryChannel.UpdateDocument(ctx, collection, id, fields)
}

func TestUpdateCallStatusRetriesOnce(t *testing.T) {
	ch := &flakyChannel{MemoryChannel: signaling.NewMemoryChannel(), failures: 1}
	m := NewManager(ch, ratelimit.NewLimiter(ch), nil, nil, nil)
	id, _, _ := createTestCall(t, m)

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))

	record, err := m.GetCall(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusRinging, record.Status)
}

func TestUpdateCallStatusFailsAfterRetry(t *testing.T) {
	ch := &flakyChannel{MemoryChannel: signaling.NewMemoryChannel(), failures: 2}
	m := NewManager(ch, ratelimit.NewLimiter(ch), nil, nil, nil)
	id, _, _ := createTestCall(t, m)

	err := m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging)
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeSignalingWrite))
}

func TestAddCandidateRejectsInvalid(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	err := m.AddCandidate(context.Background(), id, constants.OfferCandidatesSubcollection, &domain.Candidate{})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidCandidate))
	assert.Empty(t, ch.SubcollectionItems(constants.CallsCollection, id, constants.OfferCandidatesSubcollection))
}

func TestAddCandidateStoresWireShape(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	mid := "0"
	line := uint16(0)
	c := &domain.Candidate{
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.1 54400 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &line,
	}
	require.NoError(t, m.AddCandidate(context.Background(), id, constants.AnswerCandidatesSubcollection, c))

	items := ch.SubcollectionItems(constants.CallsCollection, id, constants.AnswerCandidatesSubcollection)
	require.Len(t, items, 1)
	assert.Equal(t, c.Candidate, items[0]["candidate"])
	assert.Equal(t, "0", items[0]["sdpMid"])
	assert.Equal(t, int64(0), items[0]["sdpMLineIndex"])
}

func TestListenForOfferDeduplicates(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	var mu sync.Mutex
	var got []*domain.SessionDescription
	unsub, err := m.ListenForOffer(context.Background(), id, func(d *domain.SessionDescription) {
		mu.Lock()
		got = append(got, d)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	offer := &domain.SessionDescription{Type: "offer", SDP: "v=0 first"}
	require.NoError(t, m.SetOffer(context.Background(), id, offer))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	// Unrelated field writes must not re-deliver the same offer
	require.NoError(t, ch.UpdateDocument(context.Background(), constants.CallsCollection, id,
		signaling.Document{"unrelated": "x"}))

	// A structurally different offer is delivered again
	require.NoError(t, m.SetOffer(context.Background(), id, &domain.SessionDescription{Type: "offer", SDP: "v=0 second"}))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "v=0 first", got[0].SDP)
	assert.Equal(t, "v=0 second", got[1].SDP)
}

func TestListenForCallStatusDeliversTransitions(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	var mu sync.Mutex
	var got []domain.CallStatus
	unsub, err := m.ListenForCallStatus(context.Background(), id, func(s domain.CallStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusAccepted))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.CallStatus{
		domain.CallStatusInitiated,
		domain.CallStatusRinging,
		domain.CallStatusAccepted,
	}, got)
}

func TestListenForCallStatusSynthesizesEndedOnDeletion(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	var mu sync.Mutex
	var got []domain.CallStatus
	unsub, err := m.ListenForCallStatus(context.Background(), id, func(s domain.CallStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	// Remote peer tears the record down without writing a final status
	require.NoError(t, ch.DeleteDocument(context.Background(), constants.CallsCollection, id))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 2 && got[1] == domain.CallStatusEnded
	}, time.Second, 10*time.Millisecond)
}

func TestListenForCallStatusEndedOnceOnStatusThenDeletion(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	var mu sync.Mutex
	var got []domain.CallStatus
	unsub, err := m.ListenForCallStatus(context.Background(), id, func(s domain.CallStatus) {
		mu.Lock()
		got = append(got, s)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusEnded))
	require.NoError(t, ch.DeleteDocument(context.Background(), constants.CallsCollection, id))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []domain.CallStatus{domain.CallStatusInitiated, domain.CallStatusEnded}, got)
}

func TestListenForCandidatesSkipsInvalid(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	// One garbage item written by a buggy client
	_, err := ch.AddToSubcollection(context.Background(), constants.CallsCollection, id,
		constants.OfferCandidatesSubcollection, signaling.Document{"candidate": ""})
	require.NoError(t, err)

	mid := "0"
	require.NoError(t, m.AddCandidate(context.Background(), id, constants.OfferCandidatesSubcollection,
		&domain.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host", SDPMid: &mid}))

	var mu sync.Mutex
	var got []*domain.Candidate
	unsub, err := m.ListenForCandidates(context.Background(), id, constants.OfferCandidatesSubcollection, func(c *domain.Candidate) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got[0].SDPMid)
	assert.Equal(t, "0", *got[0].SDPMid)
}

type recordingArchiver struct {
	mu      sync.Mutex
	records []*domain.CallRecord
}

func (a *recordingArchiver) ArchiveCall(_ context.Context, record *domain.CallRecord) error {
	a.mu.Lock()
	a.records = append(a.records, record)
	a.mu.Unlock()
	return nil
}

func TestEndCallCleansUpEverything(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	archiver := &recordingArchiver{}
	m := NewManager(ch, ratelimit.NewLimiter(ch), nil, archiver, nil)
	id, _, _ := createTestCall(t, m)

	mid := "0"
	require.NoError(t, m.SetOffer(context.Background(), id, &domain.SessionDescription{Type: "offer", SDP: "v=0"}))
	require.NoError(t, m.SetAnswer(context.Background(), id, &domain.SessionDescription{Type: "answer", SDP: "v=0"}))
	require.NoError(t, m.AddCandidate(context.Background(), id, constants.OfferCandidatesSubcollection,
		&domain.Candidate{Candidate: "candidate:1", SDPMid: &mid}))
	require.NoError(t, m.AddCandidate(context.Background(), id, constants.AnswerCandidatesSubcollection,
		&domain.Candidate{Candidate: "candidate:2", SDPMid: &mid}))

	require.NoError(t, m.EndCall(context.Background(), id))

	_, err := m.GetCall(context.Background(), id)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
	assert.Empty(t, ch.SubcollectionItems(constants.CallsCollection, id, constants.OfferCandidatesSubcollection))
	assert.Empty(t, ch.SubcollectionItems(constants.CallsCollection, id, constants.AnswerCandidatesSubcollection))

	archiver.mu.Lock()
	defer archiver.mu.Unlock()
	require.Len(t, archiver.records, 1)
	assert.Equal(t, domain.CallStatusEnded, archiver.records[0].Status)
	assert.NotNil(t, archiver.records[0].EndedAt)
}

func TestEndCallOnTerminalCallStillCleansUp(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	m := newTestManager(ch)
	id, _, _ := createTestCall(t, m)

	require.NoError(t, m.UpdateCallStatus(context.Background(), id, domain.CallStatusRinging))
	require.NoError(t, m.DeclineCall(context.Background(), id))

	// Caller observes declined and ends from their side
	require.NoError(t, m.EndCall(context.Background(), id))

	_, err := m.GetCall(context.Background(), id)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeCallNotFound))
}
