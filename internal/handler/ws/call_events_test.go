package ws

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashchat-backend/internal/callrecord"
	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/ratelimit"
	"flashchat-backend/internal/signaling"
)

// fakePresence records online/offline flips for assertions
type fakePresence struct {
	mu      sync.Mutex
	online  []uuid.UUID
	offline []uuid.UUID
}

func (p *fakePresence) SetUserOnline(_ context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = append(p.online, userID)
	return nil
}

func (p *fakePresence) SetUserOffline(_ context.Context, userID uuid.UUID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offline = append(p.offline, userID)
	return nil
}

func (p *fakePresence) offlineCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.offline)
}

func newHubRecords(ch signaling.Channel) *callrecord.Manager {
	return callrecord.NewManager(ch, ratelimit.NewLimiter(ch), nil, nil, nil)
}

func createHubCall(t *testing.T, records *callrecord.Manager) string {
	t.Helper()
	id, err := records.CreateCallDocument(context.Background(), uuid.New(), uuid.New(), domain.CallTypeVideo)
	require.NoError(t, err)
	return id
}

// hubState snapshots the bookkeeping the dispatch loop maintains
func hubState(h *CallEventsHub, callID string, userID uuid.UUID) (conns, subs int, callTracked bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.userConns[userID], len(h.subscriptions[callID]), h.calls[callID] != nil
}

func TestSlowClientDropReleasesUserAndSubscriptions(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	records := newHubRecords(ch)
	presence := &fakePresence{}
	hub := NewCallEventsHub(records, presence, nil)
	callID := createHubCall(t, records)

	// An unbuffered send channel with no reader saturates on the first event
	client := &eventClient{
		hub:    hub,
		send:   make(chan []byte),
		userID: uuid.New(),
		callID: callID,
	}
	hub.register <- client

	// The status snapshot delivered on subscribe cannot be buffered, so the
	// dispatch loop drops the client and must release everything it held
	hub.broadcast <- &CallEvent{Type: EventTypeCallStatus, CallID: callID, Status: domain.CallStatusRinging, Timestamp: time.Now()}

	assert.Eventually(t, func() bool {
		conns, subs, tracked := hubState(hub, callID, client.userID)
		return conns == 0 && subs == 0 && !tracked
	}, time.Second, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return presence.offlineCount() == 1
	}, time.Second, 10*time.Millisecond)

	// The read loop still unregisters on disconnect; after the drop that must
	// be a no-op, not a second teardown
	hub.unregister <- client
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, presence.offlineCount())
}

func TestSlowClientDropKeepsHealthyClientsAttached(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	records := newHubRecords(ch)
	hub := NewCallEventsHub(records, nil, nil)
	callID := createHubCall(t, records)

	slow := &eventClient{
		hub:    hub,
		send:   make(chan []byte),
		userID: uuid.New(),
		callID: callID,
	}
	healthy := &eventClient{
		hub:    hub,
		send:   make(chan []byte, 16),
		userID: uuid.New(),
		callID: callID,
	}
	hub.register <- slow
	hub.register <- healthy

	assert.Eventually(t, func() bool {
		conns, _, _ := hubState(hub, callID, slow.userID)
		return conns == 0
	}, time.Second, 10*time.Millisecond)

	// The call still has a watcher, so its subscriptions stay open
	conns, subs, tracked := hubState(hub, callID, healthy.userID)
	assert.Equal(t, 1, conns)
	assert.Equal(t, 3, subs)
	assert.True(t, tracked)

	mid := "0"
	hub.broadcast <- &CallEvent{
		Type:      EventTypeOfferCandidate,
		CallID:    callID,
		Candidate: &domain.Candidate{Candidate: "candidate:1 1 udp 1 192.0.2.1 1 typ host", SDPMid: &mid},
		Timestamp: time.Now(),
	}

	assert.Eventually(t, func() bool {
		for {
			select {
			case raw := <-healthy.send:
				var event CallEvent
				if err := json.Unmarshal(raw, &event); err == nil && event.Type == EventTypeOfferCandidate {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)

	hub.unregister <- healthy
	assert.Eventually(t, func() bool {
		_, subs, tracked := hubState(hub, callID, healthy.userID)
		return subs == 0 && !tracked
	}, time.Second, 10*time.Millisecond)
}
