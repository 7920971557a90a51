// Package ws exposes the live call event feed over WebSocket. Clients attach
// to one call and receive its status changes and remote candidates, fanned
// out from a single signaling subscription per call.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/signaling"
	"flashchat-backend/pkg/constants"
	"flashchat-backend/pkg/logger"
	"flashchat-backend/pkg/metrics"
)

// Call event message types
const (
	EventTypeCallStatus      = "call_status"
	EventTypeOfferCandidate  = "offer_candidate"
	EventTypeAnswerCandidate = "answer_candidate"
)

// CallEvent is one message on the call event feed
type CallEvent struct {
	Type      string            `json:"type"`
	CallID    string            `json:"call_id"`
	Status    domain.CallStatus `json:"status,omitempty"`
	Candidate *domain.Candidate `json:"candidate,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Presence records which users currently hold a live connection. The
// notification bridge reads it to decide between push and in-app delivery.
type Presence interface {
	SetUserOnline(ctx context.Context, userID uuid.UUID) error
	SetUserOffline(ctx context.Context, userID uuid.UUID) error
}

// CallEventsHub fans call record events out to WebSocket clients
type CallEventsHub struct {
	records  *callrecord.Manager
	presence Presence
	metrics  *metrics.Metrics

	// Registered clients per call
	calls map[string]map[*eventClient]bool

	// Open connections per user, to flip presence on first/last connection
	userConns map[uuid.UUID]int

	// Signaling unsubscribes per call, released when the last client leaves
	subscriptions map[string][]signaling.Unsubscribe

	mu sync.RWMutex

	register   chan *eventClient
	unregister chan *eventClient
	broadcast  chan *CallEvent

	// Concurrency limit for WebSocket connections
	maxConnections int
	semaphore      chan struct{}
}

// eventClient is one attached WebSocket connection
type eventClient struct {
	hub    *CallEventsHub
	conn   *websocket.Conn
	send   chan []byte
	userID uuid.UUID
	callID string
}

// GetAllowedOrigins returns allowed WebSocket origins from environment or defaults
func GetAllowedOrigins() map[string]bool {
	allowedOrigins := map[string]bool{
		"http://localhost:3000": true,
		"http://localhost:8080": true,
		"http://127.0.0.1:3000": true,
		"http://127.0.0.1:8080": true,
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return allowedOrigins
}

var eventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Reject empty origins - require explicit origin for security
			return false
		}
		return GetAllowedOrigins()[origin]
	},
}

// NewCallEventsHub creates the hub and starts its dispatch loop. presence and
// m may be nil.
func NewCallEventsHub(records *callrecord.Manager, presence Presence, m *metrics.Metrics) *CallEventsHub {
	maxConns := 1000
	if val := os.Getenv("WS_MAX_CONNECTIONS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil && n > 0 {
			maxConns = n
		}
	}

	hub := &CallEventsHub{
		records:        records,
		presence:       presence,
		metrics:        m,
		calls:          make(map[string]map[*eventClient]bool),
		userConns:      make(map[uuid.UUID]int),
		subscriptions:  make(map[string][]signaling.Unsubscribe),
		register:       make(chan *eventClient),
		unregister:     make(chan *eventClient),
		broadcast:      make(chan *CallEvent, 256),
		maxConnections: maxConns,
		semaphore:      make(chan struct{}, maxConns),
	}

	go hub.run()

	return hub
}

// run handles hub operations
func (h *CallEventsHub) run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.calls[client.callID] == nil {
				h.calls[client.callID] = make(map[*eventClient]bool)
				h.openCallSubscriptions(client.callID)
			}
			h.calls[client.callID][client] = true
			h.userConns[client.userID]++
			firstConn := h.userConns[client.userID] == 1
			h.mu.Unlock()
			if h.metrics != nil {
				h.metrics.IncWebSocketConnections()
			}
			if firstConn && h.presence != nil {
				go func(userID uuid.UUID) {
					if err := h.presence.SetUserOnline(context.Background(), userID); err != nil {
						logger.Warn("Failed to mark user online", zap.String("user_id", userID.String()), zap.Error(err))
					}
				}(client.userID)
			}

		case client := <-h.unregister:
			h.removeClient(client)

		case event := <-h.broadcast:
			var slow []*eventClient
			h.mu.RLock()
			if clients, ok := h.calls[event.CallID]; ok {
				eventJSON, _ := json.Marshal(event)
				for client := range clients {
					select {
					case client.send <- eventJSON:
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			// A full send buffer means the client stopped reading; drop it
			// with the same teardown a normal disconnect gets
			for _, client := range slow {
				h.removeClient(client)
			}
		}
	}
}

// removeClient detaches one client and releases everything tied to it: the
// send channel, the user's connection count, presence on the last connection,
// and the call's signaling subscriptions when no watchers remain. Safe to
// call again for a client already removed.
func (h *CallEventsHub) removeClient(client *eventClient) {
	lastConn := false
	h.mu.Lock()
	clients, ok := h.calls[client.callID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[client]; !exists {
		h.mu.Unlock()
		return
	}

	delete(clients, client)
	close(client.send)
	if h.metrics != nil {
		h.metrics.DecWebSocketConnections()
	}

	h.userConns[client.userID]--
	if h.userConns[client.userID] <= 0 {
		delete(h.userConns, client.userID)
		lastConn = true
	}

	if len(clients) == 0 {
		h.closeCallSubscriptionsLocked(client.callID)
		delete(h.calls, client.callID)
	}
	h.mu.Unlock()

	if lastConn && h.presence != nil {
		go func(userID uuid.UUID) {
			if err := h.presence.SetUserOffline(context.Background(), userID); err != nil {
				logger.Warn("Failed to mark user offline", zap.String("user_id", userID.String()), zap.Error(err))
			}
		}(client.userID)
	}
}

// openCallSubscriptions attaches the hub to one call's status and candidate
// streams. Called with h.mu held, on the first client for the call.
func (h *CallEventsHub) openCallSubscriptions(callID string) {
	ctx := context.Background()

	statusUnsub, err := h.records.ListenForCallStatus(ctx, callID, func(status domain.CallStatus) {
		h.broadcast <- &CallEvent{
			Type:      EventTypeCallStatus,
			CallID:    callID,
			Status:    status,
			Timestamp: time.Now(),
		}
	})
	if err != nil {
		logger.Error("Failed to subscribe to call status",
			zap.String("call_id", callID),
			zap.Error(err))
		return
	}
	h.subscriptions[callID] = append(h.subscriptions[callID], statusUnsub)

	for sub, eventType := range map[string]string{
		constants.OfferCandidatesSubcollection:  EventTypeOfferCandidate,
		constants.AnswerCandidatesSubcollection: EventTypeAnswerCandidate,
	} {
		eventType := eventType
		unsub, err := h.records.ListenForCandidates(ctx, callID, sub, func(c *domain.Candidate) {
			h.broadcast <- &CallEvent{
				Type:      eventType,
				CallID:    callID,
				Candidate: c,
				Timestamp: time.Now(),
			}
		})
		if err != nil {
			logger.Error("Failed to subscribe to candidates",
				zap.String("call_id", callID),
				zap.String("subcollection", sub),
				zap.Error(err))
			continue
		}
		h.subscriptions[callID] = append(h.subscriptions[callID], unsub)
	}
}

// closeCallSubscriptionsLocked releases every signaling subscription for a
// call. Called with h.mu held.
func (h *CallEventsHub) closeCallSubscriptionsLocked(callID string) {
	for _, unsub := range h.subscriptions[callID] {
		unsub()
	}
	delete(h.subscriptions, callID)
}

// ServeWS handles WebSocket requests for the call event feed
func (h *CallEventsHub) ServeWS(c *gin.Context) {
	// Acquire semaphore to limit concurrent connections
	select {
	case h.semaphore <- struct{}{}:
		defer func() {
			<-h.semaphore
		}()
	default:
		logger.Warn("WebSocket connection rejected: max connections reached",
			zap.Int("max_connections", h.maxConnections))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Server at capacity, please try again later"})
		return
	}

	callID := c.Query("call_id")
	if callID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "call_id required"})
		return
	}

	// Set by the auth middleware
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "invalid user_id"})
		return
	}

	// Only the two participants may watch a call
	record, err := h.records.GetCall(c.Request.Context(), callID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
		return
	}
	if record.CallerUID != userID && record.CalleeUID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a call participant"})
		return
	}

	conn, err := eventsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade failed",
			zap.String("call_id", callID),
			zap.String("user_id", userID.String()),
			zap.Error(err))
		return
	}

	client := &eventClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		userID: userID,
		callID: callID,
	}

	h.register <- client

	go client.writePump()
	client.readPump()
}

// readPump drains the connection; the feed is one-way so inbound frames are
// only read to detect disconnects and answer pings
func (c *eventClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(constants.WebSocketPingInterval))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Debug("WebSocket connection closed",
					zap.String("call_id", c.callID),
					zap.String("user_id", c.userID.String()),
					zap.Error(err))
			}
			return
		}
	}
}

// writePump writes events to the WebSocket
func (c *eventClient) writePump() {
	ticker := time.NewTicker(constants.WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
