package moltgate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// hubTestServer upgrades every request and registers the connection on
// the hub, mirroring the events endpoint.
func hubTestServer(t *testing.T, hub *EventHub) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Add(conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEventHub_BroadcastState(t *testing.T) {
	hub := NewEventHub()
	srv := hubTestServer(t, hub)
	conn := dialHub(t, srv)

	waitFor(t, 2*time.Second, "client registration", func() bool {
		return hub.ClientCount() == 1
	})
	hub.BroadcastState(StateRunning, 42, "started")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev StateEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != "state" || ev.State != string(StateRunning) || ev.PID != 42 {
		t.Errorf("event = %+v", ev)
	}
	if ev.TS.IsZero() {
		t.Error("timestamp missing")
	}
}

func TestEventHub_BroadcastReachesAllClients(t *testing.T) {
	hub := NewEventHub()
	srv := hubTestServer(t, hub)
	first := dialHub(t, srv)
	second := dialHub(t, srv)

	waitFor(t, 2*time.Second, "both clients registered", func() bool {
		return hub.ClientCount() == 2
	})
	hub.BroadcastOutput("stdout", "gateway listening")

	for _, conn := range []*websocket.Conn{first, second} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev OutputEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != "output" || ev.Stream != "stdout" || ev.Data != "gateway listening" {
			t.Errorf("event = %+v", ev)
		}
	}
}

func TestEventHub_RemoveStopsDelivery(t *testing.T) {
	hub := NewEventHub()
	srv := hubTestServer(t, hub)
	conn := dialHub(t, srv)

	waitFor(t, 2*time.Second, "client registration", func() bool {
		return hub.ClientCount() == 1
	})

	// Remove every registered connection, then broadcast: nothing to do.
	hub.mu.RLock()
	var conns []*websocket.Conn
	for c := range hub.clients {
		conns = append(conns, c)
	}
	hub.mu.RUnlock()
	for _, c := range conns {
		hub.Remove(c)
	}

	if hub.ClientCount() != 0 {
		t.Fatalf("ClientCount = %d after removal", hub.ClientCount())
	}
	hub.BroadcastSync("noop", 0)

	conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("received a broadcast after removal")
	}
}

func TestEventHub_NilSafe(t *testing.T) {
	var hub *EventHub
	hub.BroadcastState(StateIdle, 0, "")
	hub.BroadcastOutput("stdout", "x")
	hub.BroadcastSync("y", 1)
	if hub.ClientCount() != 0 {
		t.Error("nil hub reports clients")
	}
}
