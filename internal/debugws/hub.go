// Package debugws serves a websocket debug stream that mirrors the device's
// UX state transitions, so a developer tool can watch IDLE/LISTENING/
// THINKING/SPEAKING/ALERTING changes live without instrumenting the device
// itself.
package debugws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// writeTimeout bounds how long a single broadcast write may block a slow
// client before the hub gives up on it for that message.
const writeTimeout = 2 * time.Second

// Hub accepts websocket connections at /debug/stream and broadcasts state
// change events to every connected client. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*websocket.Conn
}

// New creates an empty Hub.
func New() *Hub {
	return &Hub{clients: make(map[string]*websocket.Conn)}
}

// event is the JSON shape written to each connected client.
type event struct {
	State string `json:"state"`
}

// ServeHTTP upgrades the request to a websocket and registers the connection
// until it closes or the request context ends. It never reads client
// messages; the stream is output-only.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("debugws: accept failed", "error", err)
		return
	}

	id := uuid.NewString()
	h.mu.Lock()
	h.clients[id] = conn
	h.mu.Unlock()
	slog.Info("debugws: client connected", "id", id)

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		conn.CloseNow()
		slog.Info("debugws: client disconnected", "id", id)
	}()

	// Block until the client disconnects; the stream accepts no input, so the
	// loop ends on the first non-nil read error, which signals the close.
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

// Broadcast sends the current state to every connected client. Slow clients
// are skipped for this message rather than blocking the broadcaster.
func (h *Hub) Broadcast(state fmtStringer) {
	payload, err := json.Marshal(event{State: state.String()})
	if err != nil {
		slog.Warn("debugws: marshal event failed", "error", err)
		return
	}

	h.mu.Lock()
	conns := make(map[string]*websocket.Conn, len(h.clients))
	for id, c := range h.clients {
		conns[id] = c
	}
	h.mu.Unlock()

	for id, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.Write(ctx, websocket.MessageText, payload)
		cancel()
		if err != nil {
			slog.Warn("debugws: write failed, dropping client", "id", id, "error", err)
		}
	}
}

// fmtStringer is the narrow String() shape debugws needs from a UX state,
// avoiding a dependency on internal/uxmanager's concrete type.
type fmtStringer interface {
	String() string
}

// Close disconnects every connected client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close(websocket.StatusNormalClosure, "server shutting down")
		delete(h.clients, id)
	}
	return nil
}
