package moltgate

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventHub fans lifecycle events out to the WebSocket clients of the setup
// page. Each connection gets its own write mutex since gorilla connections
// allow only one concurrent writer. A nil *EventHub drops every broadcast,
// so components can treat the hub as optional.
type EventHub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*sync.Mutex
}

// NewEventHub returns an empty hub.
func NewEventHub() *EventHub {
	return &EventHub{clients: make(map[*websocket.Conn]*sync.Mutex)}
}

// Add registers a client connection.
func (h *EventHub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = &sync.Mutex{}
}

// Remove unregisters a client connection. The caller closes the socket.
func (h *EventHub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, conn)
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends one JSON message to every connected client. The payload
// is marshaled once; slow or broken clients are logged and left for their
// read loop to reap.
func (h *EventHub) Broadcast(v interface{}) {
	if h == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("events: failed to marshal broadcast: %v", err)
		return
	}
	h.mu.RLock()
	conns := make(map[*websocket.Conn]*sync.Mutex, len(h.clients))
	for conn, mu := range h.clients {
		conns[conn] = mu
	}
	h.mu.RUnlock()

	for conn, mu := range conns {
		mu.Lock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, data)
		mu.Unlock()
		if err != nil {
			log.Printf("events: failed to write to client: %v", err)
		}
	}
}

// BroadcastState announces a supervisor state transition.
func (h *EventHub) BroadcastState(state SupervisorState, pid int, detail string) {
	h.Broadcast(StateEvent{
		Type:   "state",
		State:  string(state),
		PID:    pid,
		Detail: detail,
		TS:     time.Now().UTC(),
	})
}

// BroadcastOutput relays one line of gateway process output.
func (h *EventHub) BroadcastOutput(stream, line string) {
	h.Broadcast(OutputEvent{
		Type:   "output",
		Stream: stream,
		Data:   line,
		TS:     time.Now().UTC(),
	})
}

// BroadcastSync announces the outcome of a sync or onboarding step.
func (h *EventHub) BroadcastSync(detail string, files int) {
	h.Broadcast(SyncEvent{
		Type:   "sync",
		Detail: detail,
		Files:  files,
		TS:     time.Now().UTC(),
	})
}
