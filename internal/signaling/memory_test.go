package signaling

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGetDocument(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "initiated"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	doc, err := ch.GetDocument(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "initiated", doc["status"])

	missing, err := ch.GetDocument(ctx, "calls", "no-such-id")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestUpdateMergesFields(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "initiated", "caller": "a"})
	require.NoError(t, err)

	require.NoError(t, ch.UpdateDocument(ctx, "calls", id, Document{"status": "ringing"}))

	doc, err := ch.GetDocument(ctx, "calls", id)
	require.NoError(t, err)
	assert.Equal(t, "ringing", doc["status"])
	assert.Equal(t, "a", doc["caller"], "untouched fields survive a merge")

	assert.Error(t, ch.UpdateDocument(ctx, "calls", "no-such-id", Document{"status": "ringing"}))
}

func TestSubscribeDocumentDeliversInWriteOrder(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "initiated"})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	unsub, err := ch.SubscribeDocument(ctx, "calls", id, func(ev DocEvent) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Exists {
			seen = append(seen, ev.Data["status"].(string))
		} else {
			seen = append(seen, "deleted")
		}
	})
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, ch.UpdateDocument(ctx, "calls", id, Document{"status": "ringing"}))
	require.NoError(t, ch.UpdateDocument(ctx, "calls", id, Document{"status": "accepted"}))
	require.NoError(t, ch.DeleteDocument(ctx, "calls", id))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"initiated", "ringing", "accepted", "deleted"}, seen)
}

func TestSubscribeAfterUnsubscribeStopsDelivery(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "initiated"})
	require.NoError(t, err)

	var mu sync.Mutex
	count := 0
	unsub, err := ch.SubscribeDocument(ctx, "calls", id, func(DocEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, time.Second, 5*time.Millisecond)

	unsub()
	unsub() // safe to release twice

	require.NoError(t, ch.UpdateDocument(ctx, "calls", id, Document{"status": "ringing"}))
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestSubcollectionReplayAndLiveAdds(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "ringing"})
	require.NoError(t, err)

	_, err = ch.AddToSubcollection(ctx, "calls", id, "offerCandidates", Document{"candidate": "c1"})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []string
	unsub, err := ch.SubscribeSubcollection(ctx, "calls", id, "offerCandidates", func(item Document) {
		mu.Lock()
		seen = append(seen, item["candidate"].(string))
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsub()

	_, err = ch.AddToSubcollection(ctx, "calls", id, "offerCandidates", Document{"candidate": "c2"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"c1", "c2"}, seen, "pre-existing items replay before live adds")
}

func TestDeleteSubcollection(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	id, err := ch.CreateDocument(ctx, "calls", Document{"status": "ringing"})
	require.NoError(t, err)

	_, err = ch.AddToSubcollection(ctx, "calls", id, "offerCandidates", Document{"candidate": "c1"})
	require.NoError(t, err)
	_, err = ch.AddToSubcollection(ctx, "calls", id, "offerCandidates", Document{"candidate": "c2"})
	require.NoError(t, err)

	require.NoError(t, ch.DeleteSubcollection(ctx, "calls", id, "offerCandidates"))
	assert.Empty(t, ch.SubcollectionItems("calls", id, "offerCandidates"))
}

func TestCountRecent(t *testing.T) {
	ch := NewMemoryChannel()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := ch.CreateDocument(ctx, "calls", Document{"callerUid": "alice"})
		require.NoError(t, err)
	}
	_, err := ch.CreateDocument(ctx, "calls", Document{"callerUid": "bob"})
	require.NoError(t, err)

	count, err := ch.CountRecent(ctx, "calls", "callerUid", "alice", time.Now().Add(-10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	count, err = ch.CountRecent(ctx, "calls", "callerUid", "alice", time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "window excludes older documents")
}
