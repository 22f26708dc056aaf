package calsync

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Hub pushes best-effort change notifications to connected clients over
// websockets. Delivery is at most once and never blocks or fails the
// mutation that produced the notification; write failures are only logged.
type Hub struct {
	logger Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func NewHub(logger Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  map[*websocket.Conn]struct{}{},
	}
}

// Subscribe upgrades the request to a websocket and holds it until the
// client disconnects.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) error {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	defer h.drop(conn)
	// Clients only listen; reading serves to notice disconnects.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return nil
		}
	}
}

// EventsChanged implements Notifier: fan the notification out without
// blocking the sync that produced it.
func (h *Hub) EventsChanged(linkID int64, result SyncResult) {
	h.Broadcast(map[string]any{
		"type":           "calendar.synced",
		"calendarLinkId": linkID,
		"created":        result.Created,
		"updated":        result.Updated,
		"deleted":        result.Deleted,
	})
}

// Broadcast sends a JSON message to every connected client, each on its own
// goroutine with a short write deadline.
func (h *Hub) Broadcast(message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		h.logf("broadcast marshal: %v", err)
		return
	}
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		go func(c *websocket.Conn) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.Write(ctx, websocket.MessageText, payload); err != nil {
				h.logf("broadcast write: %v", err)
				h.drop(c)
			}
		}(conn)
	}
}

// ConnCount reports active subscribers.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	_, present := h.conns[conn]
	delete(h.conns, conn)
	h.mu.Unlock()
	if present {
		_ = conn.CloseNow()
	}
}

func (h *Hub) logf(format string, args ...any) {
	if h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
