package http

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/slot"
	"github.com/innkeep/eagle-eye/internal/task"
)

func dialFeed(t *testing.T, h *harness) *websocket.Conn {
	t.Helper()
	wsURL := strings.Replace(h.ts.URL, "http://", "ws://", 1) + "/ws/feed"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestFeedBroadcast(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialFeed(t, h)

	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	entry := h.appendEntry(t, "2026-08-22-1", task.TypeRateSync)
	h.hub.BroadcastEntry(entry)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event FeedEvent
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "entry_created", event.Type)
	require.NotNil(t, event.Entry)
	assert.Equal(t, entry.ID, event.Entry.ID)
	assert.Equal(t, entry.IntegrityDigest, event.Entry.IntegrityDigest)

	h.hub.BroadcastSlot(&slot.Slot{
		ID:       "2026-08-22-1",
		Number:   1,
		Date:     "2026-08-22",
		Status:   slot.StatusCompleted,
		TaskType: task.TypeRateSync,
	})

	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "slot_updated", event.Type)
	require.NotNil(t, event.Slot)
	assert.Equal(t, slot.StatusCompleted, event.Slot.Status)

	conn.Close()
	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFeedDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	client := &feedClient{send: make(chan FeedEvent, 1)}
	hub.clients[client] = struct{}{}

	hub.BroadcastEntry(&ledger.Entry{ID: "fits-in-buffer"})
	assert.Equal(t, 1, hub.ClientCount())

	// Second event finds the buffer full and evicts the subscriber.
	hub.BroadcastEntry(&ledger.Entry{ID: "overflows"})
	assert.Equal(t, 0, hub.ClientCount())

	first, ok := <-client.send
	require.True(t, ok)
	assert.Equal(t, "fits-in-buffer", first.Entry.ID)
	_, ok = <-client.send
	assert.False(t, ok, "send channel should be closed after eviction")

	// Removing an already dropped client is a no-op.
	hub.remove(client)
}

func TestFeedRejectsForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)
	wsURL := strings.Replace(h.ts.URL, "http://", "ws://", 1) + "/ws/feed"

	header := http.Header{}
	header.Set("Origin", "https://evil.example")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, h.hub.ClientCount())
}

func TestHubClose(t *testing.T) {
	h := newHarness(t, nil)
	conn := dialFeed(t, h)

	require.Eventually(t, func() bool {
		return h.hub.ClientCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.hub.Close()
	assert.Equal(t, 0, h.hub.ClientCount())

	// The write loop sends a close frame once the channel drains.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway))
}
