package http

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/innkeep/eagle-eye/internal/ledger"
	"github.com/innkeep/eagle-eye/internal/slot"
)

const (
	feedWriteWait  = 10 * time.Second
	feedPongWait   = 60 * time.Second
	feedPingPeriod = 54 * time.Second
	feedSendBuffer = 16
)

// FeedEvent is one message on the live execution feed.
type FeedEvent struct {
	Type      string        `json:"type"`
	Timestamp time.Time     `json:"timestamp"`
	Entry     *ledger.Entry `json:"entry,omitempty"`
	Slot      *slot.Slot    `json:"slot,omitempty"`
}

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Same policy as the CORS middleware: local dashboards plus
		// non-browser clients that send no Origin at all.
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1")
	},
}

// Hub fans execution events out to websocket subscribers. A client that
// cannot keep up with the feed is dropped instead of stalling the rest.
type Hub struct {
	mu      sync.Mutex
	clients map[*feedClient]struct{}
}

type feedClient struct {
	conn *websocket.Conn
	send chan FeedEvent
}

// NewHub creates an empty feed hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*feedClient]struct{})}
}

// BroadcastEntry publishes an entry_created event. The signature matches
// the ledger observer hook.
func (h *Hub) BroadcastEntry(entry *ledger.Entry) {
	h.broadcast(FeedEvent{
		Type:      "entry_created",
		Timestamp: time.Now().UTC(),
		Entry:     entry,
	})
}

// BroadcastSlot publishes a slot_updated event. The signature matches the
// slot transition hook.
func (h *Hub) BroadcastSlot(sl *slot.Slot) {
	h.broadcast(FeedEvent{
		Type:      "slot_updated",
		Timestamp: time.Now().UTC(),
		Slot:      sl,
	})
}

// ClientCount returns the number of connected subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects all subscribers.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		delete(h.clients, client)
		close(client.send)
	}
}

// ServeFeed upgrades the request to a websocket and streams feed events
// until the client disconnects.
func (h *Hub) ServeFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := feedUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("feed upgrade failed")
		return
	}

	client := &feedClient{
		conn: conn,
		send: make(chan FeedEvent, feedSendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	log.Info().Str("remote", r.RemoteAddr).Msg("feed subscriber connected")

	go client.writeLoop()
	go client.readLoop(h)
}

func (h *Hub) broadcast(event FeedEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			delete(h.clients, client)
			close(client.send)
			log.Warn().Msg("dropping slow feed subscriber")
		}
	}
}

// remove unregisters the client if it is still registered. Safe to call
// after the hub already dropped it.
func (h *Hub) remove(client *feedClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (c *feedClient) writeLoop() {
	ticker := time.NewTicker(feedPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(feedWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound messages, serving only to detect disconnects
// and answer pings.
func (c *feedClient) readLoop(h *Hub) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(feedPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
