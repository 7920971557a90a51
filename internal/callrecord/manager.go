// Package callrecord owns the lifecycle of call record documents: creation
// behind the rate limiter, offer/answer and status writes, candidate
// exchange, live subscriptions, and teardown. Everything the two peers share
// goes through here.
package callrecord

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/notify"
	"flashchat-backend/internal/ratelimit"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	apperrors "flashchat-backend/pkg/errors"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/metrics"
)

// Archiver persists ended calls to durable storage for history queries.
// Archiving is best-effort and never blocks teardown.
type Archiver interface {
	ArchiveCall(ctx context.Context, record *domain.CallRecord) error
}

// statusWrite remembers the last status this process wrote per call, for
// duplicate suppression
type statusWrite struct {
	status domain.CallStatus
	at     time.Time
}

// Manager mediates every read and write against call record documents
type Manager struct {
	channel  signaling.Channel
	limiter  *ratelimit.Limiter
	bridge   notify.Bridge
	archiver Archiver
	metrics  *metrics.Metrics

	mu        sync.Mutex
	lastWrite map[string]statusWrite
}

// NewManager creates a Manager. bridge, archiver and m may be nil; the
// corresponding side effects are skipped.
func NewManager(channel signaling.Channel, limiter *ratelimit.Limiter, bridge notify.Bridge, archiver Archiver, m *metrics.Metrics) *Manager {
	return &Manager{
		channel:   channel,
		limiter:   limiter,
		bridge:    bridge,
		archiver:  archiver,
		metrics:   m,
		lastWrite: make(map[string]statusWrite),
	}
}

// CreateCallDocument checks the caller's rate limit, creates the call record
// in status initiated, and alerts the callee in the background. Returns the
// store-assigned call ID.
func (m *Manager) CreateCallDocument(ctx context.Context, callerUID, calleeUID uuid.UUID, callType domain.CallType) (string, error) {
	if res := m.limiter.Check(ctx, callerUID); !res.Allowed {
		if m.metrics != nil {
			m.metrics.RecordRateLimitBlocked()
		}
		logger.Info("Call creation rate limited",
			zap.String("caller_uid", callerUID.String()),
			zap.Duration("time_left", res.TimeLeft))
		return "", apperrors.RateLimitExceededError(int(res.TimeLeft.Seconds()))
	}

	now := time.Now()
	id, err := m.channel.CreateDocument(ctx, constants.CallsCollection, signaling.Document{
		fieldCallerUID: callerUID.String(),
		fieldCalleeUID: calleeUID.String(),
		fieldCallType:  string(callType),
		fieldStatus:    string(domain.CallStatusInitiated),
		fieldCreatedAt: now,
		fieldEndedAt:   nil,
	})
	if m.metrics != nil {
		m.metrics.RecordSignalingWrite("create_call", err)
	}
	if err != nil {
		return "", apperrors.SignalingWriteError("create call record", err)
	}

	if m.metrics != nil {
		m.metrics.RecordCallInitiated(string(callType))
	}
	logger.Info("Call record created",
		zap.String("call_id", id),
		zap.String("caller_uid", callerUID.String()),
		zap.String("callee_uid", calleeUID.String()),
		zap.String("call_type", string(callType)))

	if m.bridge != nil {
		n := &domain.CallNotification{
			Type:      domain.NotificationTypeFor(callType),
			CallID:    id,
			CallerUID: callerUID,
			CalleeUID: calleeUID,
			Timestamp: now,
		}
		go func() {
			nctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.bridge.NotifyIncomingCall(nctx, n)
		}()
	}

	return id, nil
}

// GetCall reads and decodes a call record, or returns CallNotFoundError
func (m *Manager) GetCall(ctx context.Context, callID string) (*domain.CallRecord, error) {
	doc, err := m.channel.GetDocument(ctx, constants.CallsCollection, callID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "read call record", err)
	}
	if doc == nil {
		return nil, apperrors.CallNotFoundError()
	}
	return decodeCallRecord(callID, doc)
}

// SetOffer stores the caller's offer and moves the call to ringing in a
// single write, so the callee never observes an offer without the status.
func (m *Manager) SetOffer(ctx context.Context, callID string, offer *domain.SessionDescription) error {
	err := m.channel.UpdateDocument(ctx, constants.CallsCollection, callID, signaling.Document{
		fieldOffer:  descriptionDoc(offer),
		fieldStatus: string(domain.CallStatusRinging),
		domain.CallStatusRinging.TimestampField(): time.Now(),
	})
	if m.metrics != nil {
		m.metrics.RecordSignalingWrite("set_offer", err)
	}
	if err != nil {
		return apperrors.SignalingWriteError("store offer", err)
	}
	m.rememberWrite(callID, domain.CallStatusRinging)
	return nil
}

// SetAnswer stores the callee's answer and moves the call to accepted
func (m *Manager) SetAnswer(ctx context.Context, callID string, answer *domain.SessionDescription) error {
	err := m.channel.UpdateDocument(ctx, constants.CallsCollection, callID, signaling.Document{
		fieldAnswer: descriptionDoc(answer),
		fieldStatus: string(domain.CallStatusAccepted),
		domain.CallStatusAccepted.TimestampField(): time.Now(),
	})
	if m.metrics != nil {
		m.metrics.RecordSignalingWrite("set_answer", err)
	}
	if err != nil {
		return apperrors.SignalingWriteError("store answer", err)
	}
	m.rememberWrite(callID, domain.CallStatusAccepted)
	return nil
}

// UpdateCallStatus moves the call to status, stamping the matching timestamp
// field. Duplicate writes of the status this process last wrote are
// suppressed inside a short window, writing an already-current status is a
// no-op, and transitions the lifecycle does not permit are rejected. A
// failed write is retried once.
func (m *Manager) UpdateCallStatus(ctx context.Context, callID string, status domain.CallStatus) error {
	if !status.Valid() {
		return apperrors.InvalidInputError("unknown call status: " + string(status))
	}

	if m.recentlyWrote(callID, status) {
		logger.Debug("Suppressed duplicate status write",
			zap.String("call_id", callID),
			zap.String("status", string(status)))
		return nil
	}

	doc, err := m.channel.GetDocument(ctx, constants.CallsCollection, callID)
	if err != nil {
		// Can't validate the transition; the write below still settles it
		logger.Debug("Status read failed before update, writing blind",
			zap.String("call_id", callID),
			zap.Error(err))
	} else if doc == nil {
		// Record already torn down, usually by the remote peer
		logger.Debug("Status update on missing call record, ignoring",
			zap.String("call_id", callID),
			zap.String("status", string(status)))
		return nil
	} else if current, ok := parseStatus(doc); ok {
		if current == status {
			m.rememberWrite(callID, status)
			return nil
		}
		if !current.CanTransition(status) {
			logger.Warn("Rejected illegal call status transition",
				zap.String("call_id", callID),
				zap.String("from", string(current)),
				zap.String("to", string(status)))
			return apperrors.IllegalTransitionError(string(current), string(status))
		}
	}

	fields := signaling.Document{fieldStatus: string(status)}
	if tsField := status.TimestampField(); tsField != "" {
		fields[tsField] = time.Now()
	}

	err = m.channel.UpdateDocument(ctx, constants.CallsCollection, callID, fields)
	if err != nil {
		logger.Warn("Status write failed, retrying once",
			zap.String("call_id", callID),
			zap.String("status", string(status)),
			zap.Error(err))
		err = m.channel.UpdateDocument(ctx, constants.CallsCollection, callID, fields)
	}
	if m.metrics != nil {
		m.metrics.RecordSignalingWrite("update_status", err)
	}
	if err != nil {
		return apperrors.SignalingWriteError("update call status", err)
	}

	m.rememberWrite(callID, status)
	if status.Terminal() && m.metrics != nil && doc != nil {
		if record, decodeErr := decodeCallRecord(callID, doc); decodeErr == nil {
			ended := time.Now()
			record.EndedAt = &ended
			m.metrics.RecordCallEnded(string(status), record.Duration())
		}
	}
	return nil
}

// DeclineCall marks the call declined. The caller observes the status and
// performs teardown from their side.
func (m *Manager) DeclineCall(ctx context.Context, callID string) error {
	return m.UpdateCallStatus(ctx, callID, domain.CallStatusDeclined)
}

// MarkNotificationRead flags the callee's incoming-call notification as read.
// No-op without a bridge.
func (m *Manager) MarkNotificationRead(ctx context.Context, calleeUID uuid.UUID, notificationID string) error {
	if m.bridge == nil || notificationID == "" {
		return nil
	}
	return m.bridge.MarkNotificationRead(ctx, calleeUID, notificationID)
}

// EndCall marks the call ended and tears down its signaling data. Ending a
// call that already reached a terminal status only performs the teardown.
func (m *Manager) EndCall(ctx context.Context, callID string) error {
	if err := m.UpdateCallStatus(ctx, callID, domain.CallStatusEnded); err != nil {
		if !apperrors.IsCode(err, apperrors.ErrCodeIllegalTransition) {
			logger.Warn("Failed to mark call ended, continuing teardown",
				zap.String("call_id", callID),
				zap.Error(err))
		}
	}
	return m.CleanupCallData(ctx, callID)
}

// AddCandidate appends an ICE candidate to one of the call's candidate
// subcollections. Malformed candidates are dropped before they reach the
// store.
func (m *Manager) AddCandidate(ctx context.Context, callID, sub string, c *domain.Candidate) error {
	if !c.Valid() {
		if m.metrics != nil {
			m.metrics.RecordCandidateDropped()
		}
		logger.Debug("Dropped invalid outbound candidate",
			zap.String("call_id", callID),
			zap.String("subcollection", sub))
		return apperrors.InvalidCandidateError("candidate has neither a candidate string nor an sdpMid")
	}

	_, err := m.channel.AddToSubcollection(ctx, constants.CallsCollection, callID, sub, candidateDoc(c))
	if m.metrics != nil {
		m.metrics.RecordSignalingWrite("add_candidate", err)
	}
	if err != nil {
		return apperrors.SignalingWriteError("store candidate", err)
	}
	return nil
}

// ListenForOffer delivers the call's offer once it appears, and again only
// if it structurally changes
func (m *Manager) ListenForOffer(ctx context.Context, callID string, fn func(*domain.SessionDescription)) (signaling.Unsubscribe, error) {
	return m.listenForDescription(ctx, callID, fieldOffer, fn)
}

// ListenForAnswer delivers the call's answer once it appears, and again
// only if it structurally changes
func (m *Manager) ListenForAnswer(ctx context.Context, callID string, fn func(*domain.SessionDescription)) (signaling.Unsubscribe, error) {
	return m.listenForDescription(ctx, callID, fieldAnswer, fn)
}

func (m *Manager) listenForDescription(ctx context.Context, callID, field string, fn func(*domain.SessionDescription)) (signaling.Unsubscribe, error) {
	// The channel serializes callbacks per subscription, so last needs no lock
	var last *domain.SessionDescription
	return m.channel.SubscribeDocument(ctx, constants.CallsCollection, callID, func(ev signaling.DocEvent) {
		if ev.Err != nil || !ev.Exists {
			return
		}
		desc := parseDescription(ev.Data[field])
		if desc == nil || desc.Equal(last) {
			return
		}
		last = desc
		fn(desc)
	})
}

// ListenForCallStatus delivers each status change exactly once per observed
// value. Deletion of the record or a dead subscription is reported as ended,
// so a peer that tears down abruptly still hangs up the other side.
func (m *Manager) ListenForCallStatus(ctx context.Context, callID string, fn func(domain.CallStatus)) (signaling.Unsubscribe, error) {
	var last domain.CallStatus
	return m.channel.SubscribeDocument(ctx, constants.CallsCollection, callID, func(ev signaling.DocEvent) {
		if ev.Err != nil || !ev.Exists {
			if ev.Err != nil {
				logger.Warn("Call status subscription failed",
					zap.String("call_id", callID),
					zap.Error(ev.Err))
			}
			if last.Terminal() {
				return
			}
			last = domain.CallStatusEnded
			fn(domain.CallStatusEnded)
			return
		}

		status, ok := parseStatus(ev.Data)
		if !ok || status == last {
			return
		}
		last = status
		fn(status)
	})
}

// ListenForCandidates delivers each candidate added to the given
// subcollection, including ones written before the subscription opened.
// Malformed items are skipped.
func (m *Manager) ListenForCandidates(ctx context.Context, callID, sub string, fn func(*domain.Candidate)) (signaling.Unsubscribe, error) {
	return m.channel.SubscribeSubcollection(ctx, constants.CallsCollection, callID, sub, func(doc signaling.Document) {
		c := parseCandidate(doc)
		if !c.Valid() {
			logger.Debug("Skipped invalid inbound candidate",
				zap.String("call_id", callID),
				zap.String("subcollection", sub))
			return
		}
		fn(c)
	})
}

// CleanupCallData archives the record if an archiver is configured, then
// deletes both candidate subcollections and the record itself. Failures are
// logged and the remaining steps still run.
func (m *Manager) CleanupCallData(ctx context.Context, callID string) error {
	if m.archiver != nil {
		if record, err := m.GetCall(ctx, callID); err == nil {
			if err := m.archiver.ArchiveCall(ctx, record); err != nil {
				logger.Warn("Failed to archive call before cleanup",
					zap.String("call_id", callID),
					zap.Error(err))
			}
		}
	}

	var firstErr error
	for _, sub := range []string{constants.OfferCandidatesSubcollection, constants.AnswerCandidatesSubcollection} {
		if err := m.channel.DeleteSubcollection(ctx, constants.CallsCollection, callID, sub); err != nil {
			logger.Warn("Failed to delete candidate subcollection",
				zap.String("call_id", callID),
				zap.String("subcollection", sub),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if err := m.channel.DeleteDocument(ctx, constants.CallsCollection, callID); err != nil {
		logger.Warn("Failed to delete call record",
			zap.String("call_id", callID),
			zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	m.mu.Lock()
	delete(m.lastWrite, callID)
	m.mu.Unlock()

	if firstErr != nil {
		return apperrors.SignalingWriteError("cleanup call data", firstErr)
	}
	logger.Info("Call data cleaned up", zap.String("call_id", callID))
	return nil
}

func (m *Manager) rememberWrite(callID string, status domain.CallStatus) {
	m.mu.Lock()
	m.lastWrite[callID] = statusWrite{status: status, at: time.Now()}
	m.mu.Unlock()
}

func (m *Manager) recentlyWrote(callID string, status domain.CallStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lw, ok := m.lastWrite[callID]
	return ok && lw.status == status && time.Since(lw.at) < constants.StatusUpdateDebounce
}
