// Package push exposes push token management so devices can receive
// incoming-call alerts while the app is backgrounded.
package push

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"flashchat-backend/pkg/audit"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/push"
	"flashchat-backend/pkg/response"
)

// Handler handles push notification HTTP requests
type Handler struct {
	pushService *push.Service
	auditLog    *audit.Logger
}

// NewHandler creates a new push notification handler. auditLog may be nil,
// disabling the audit trail.
func NewHandler(pushService *push.Service, auditLog *audit.Logger) *Handler {
	return &Handler{
		pushService: pushService,
		auditLog:    auditLog,
	}
}

// recordTokenAudit writes a token audit event, tolerating a nil logger
func (h *Handler) recordTokenAudit(c *gin.Context, eventType audit.EventType, userID uuid.UUID) {
	if h.auditLog == nil {
		return
	}
	if err := h.auditLog.LogTokenEvent(c.Request.Context(), eventType, userID, c.ClientIP()); err != nil {
		logger.Warn("Failed to write audit event", zap.Error(err))
	}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform" binding:"omitempty,oneof=ios android web"`
}

// RegisterToken registers a push token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token := &push.Token{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to register token")
		return
	}

	logger.Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	h.recordTokenAudit(c, audit.EventTokenRegister, userID)
	response.Success(c, http.StatusOK, gin.H{"token_id": token.ID})
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes one push token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	token, err := h.pushService.GetTokenByValue(c.Request.Context(), req.Token)
	if err != nil {
		response.InternalError(c, "Failed to get token")
		return
	}
	if token == nil || token.UserID != userID {
		response.NotFound(c, "Token not found")
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), token.ID); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.String("token_id", token.ID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister token")
		return
	}

	h.recordTokenAudit(c, audit.EventTokenUnregister, userID)
	response.Success(c, http.StatusOK, gin.H{"message": "Token unregistered"})
}

// UnregisterAllTokens removes every push token the user has, e.g. on logout
// DELETE /v1/push/tokens/all
func (h *Handler) UnregisterAllTokens(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), userID); err != nil {
		logger.Error("Failed to unregister all push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to unregister tokens")
		return
	}

	h.recordTokenAudit(c, audit.EventTokenUnregister, userID)
	response.Success(c, http.StatusOK, gin.H{"message": "All tokens unregistered"})
}

// GetTokens lists the user's registered push tokens
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	userID, ok := authedUser(c)
	if !ok {
		return
	}

	tokens, err := h.pushService.GetTokensByUserID(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to get push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to get tokens")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

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
