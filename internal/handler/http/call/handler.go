// Package call exposes the call core over HTTP: initiating, declining and
// ending calls, reading call state, and querying call history.
package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/pkg/audit"
	apperrors "flashchat-backend/pkg/errors"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/pagination"
	"flashchat-backend/pkg/response"
)

// HistoryStore reads archived calls for the history endpoint
type HistoryStore interface {
	GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.CallRecord, error)
	CountUserCalls(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Handler handles call HTTP requests
type Handler struct {
	records  *callrecord.Manager
	archive  HistoryStore
	auditLog *audit.Logger
}

// NewHandler creates a new call handler. archive may be nil, disabling the
// history endpoint; auditLog may be nil, disabling the audit trail.
func NewHandler(records *callrecord.Manager, archive HistoryStore, auditLog *audit.Logger) *Handler {
	return &Handler{
		records:  records,
		archive:  archive,
		auditLog: auditLog,
	}
}

// recordAudit writes an audit event, tolerating a nil logger and logging
// failures instead of surfacing them.
func (h *Handler) recordAudit(c *gin.Context, fn func(ctx context.Context, l *audit.Logger) error) {
	if h.auditLog == nil {
		return
	}
	if err := fn(c.Request.Context(), h.auditLog); err != nil {
		logger.Warn("Failed to write audit event", zap.Error(err))
	}
}

// InitiateCallRequest represents call initiation request
type InitiateCallRequest struct {
	CalleeID string `json:"callee_id" binding:"required,uuid"`
	CallType string `json:"call_type" binding:"required,oneof=audio video"`
}

// InitiateCall creates the call record and alerts the callee
// POST /v1/calls
func (h *Handler) InitiateCall(c *gin.Context) {
	var req InitiateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	callerID, ok := authedUser(c)
	if !ok {
		return
	}

	calleeID, err := uuid.Parse(req.CalleeID)
	if err != nil {
		response.ValidationError(c, "Invalid callee ID")
		return
	}
	if calleeID == callerID {
		response.ValidationError(c, "Cannot call yourself")
		return
	}

	callID, err := h.records.CreateCallDocument(c.Request.Context(), callerID, calleeID, domain.CallType(req.CallType))
	if err != nil {
		h.recordAudit(c, func(ctx context.Context, l *audit.Logger) error {
			return l.LogCallInitiate(ctx, callerID, "", c.ClientIP(), false, apperrors.CodeOf(err))
		})
		response.FromError(c, err)
		return
	}

	h.recordAudit(c, func(ctx context.Context, l *audit.Logger) error {
		return l.LogCallInitiate(ctx, callerID, callID, c.ClientIP(), true, "")
	})

	response.Success(c, http.StatusCreated, gin.H{
		"call_id": callID,
		"status":  domain.CallStatusInitiated,
	})
}

// GetCall returns the live call record
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	record, ok := h.participantCall(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, record)
}

// DeclineCall marks an incoming call declined
// POST /v1/calls/:id/decline
func (h *Handler) DeclineCall(c *gin.Context) {
	record, ok := h.participantCall(c)
	if !ok {
		return
	}

	if err := h.records.DeclineCall(c.Request.Context(), record.ID); err != nil {
		response.FromError(c, err)
		return
	}

	userID, _ := authedUser(c)
	h.recordAudit(c, func(ctx context.Context, l *audit.Logger) error {
		return l.LogCallDecline(ctx, userID, record.ID, c.ClientIP())
	})
	response.Success(c, http.StatusOK, gin.H{"status": domain.CallStatusDeclined})
}

// EndCall marks the call ended and removes its signaling data
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	record, ok := h.participantCall(c)
	if !ok {
		return
	}

	if err := h.records.EndCall(c.Request.Context(), record.ID); err != nil {
		logger.Warn("Call teardown reported failure",
			zap.String("call_id", record.ID),
			zap.Error(err))
		response.FromError(c, err)
		return
	}

	userID, _ := authedUser(c)
	h.recordAudit(c, func(ctx context.Context, l *audit.Logger) error {
		return l.LogCallEnd(ctx, userID, record.ID, c.ClientIP())
	})
	response.Success(c, http.StatusOK, gin.H{"status": domain.CallStatusEnded})
}

// UpdateStatusRequest represents a status transition request
type UpdateStatusRequest struct {
	Status string `json:"status" binding:"required,oneof=ringing accepted declined ended"`
}

// UpdateStatus moves the call to a new lifecycle status
// PATCH /v1/calls/:id/status
func (h *Handler) UpdateStatus(c *gin.Context) {
	var req UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	record, ok := h.participantCall(c)
	if !ok {
		return
	}

	if err := h.records.UpdateCallStatus(c.Request.Context(), record.ID, domain.CallStatus(req.Status)); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"status": req.Status})
}

// GetHistory returns the user's archived calls, most recent first
// GET /v1/calls/history
func (h *Handler) GetHistory(c *gin.Context) {
	if h.archive == nil {
		response.NotFound(c, "Call history is not enabled")
		return
	}

	userID, ok := authedUser(c)
	if !ok {
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"), "", "")
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	records, err := h.archive.GetUserCalls(c.Request.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		logger.Error("Failed to read call history",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to read call history")
		return
	}

	total, err := h.archive.CountUserCalls(c.Request.Context(), userID)
	if err != nil {
		logger.Warn("Failed to count call history",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		total = int64(len(records))
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, total, records))
}

// participantCall loads the call from the path param and verifies the
// authenticated user is one of its two participants
func (h *Handler) participantCall(c *gin.Context) (*domain.CallRecord, bool) {
	callID := c.Param("id")
	if callID == "" {
		response.ValidationError(c, "Call ID required")
		return nil, false
	}

	userID, ok := authedUser(c)
	if !ok {
		return nil, false
	}

	record, err := h.records.GetCall(c.Request.Context(), callID)
	if err != nil {
		if apperrors.IsCode(err, apperrors.ErrCodeCallNotFound) {
			response.NotFound(c, "Call not found")
		} else {
			response.InternalError(c, "Failed to read call")
		}
		return nil, false
	}

	if record.CallerUID != userID && record.CalleeUID != userID {
		response.Forbidden(c, "Not a call participant")
		return nil, false
	}
	return record, true
}

// authedUser extracts the user ID set by the auth middleware
func authedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
