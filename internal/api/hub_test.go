package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/investotype/sim-engine/internal/api"
	"github.com/investotype/sim-engine/internal/date"
	"github.com/investotype/sim-engine/internal/engine"
)

func newWSServer(hub *api.Hub) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	return httptest.NewServer(mux)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *api.Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, got %d", n, hub.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHubBroadcastsWithSessionFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	hub := api.NewHub()
	go hub.Run(ctx)

	srv := newWSServer(hub)
	defer srv.Close()

	all := dial(t, srv, "")
	filtered := dial(t, srv, "?simulationId=sim-b")
	waitForClients(t, hub, 2)

	hub.Publish(engine.Event{Type: engine.EventRebalanced, SessionID: "sim-a", Date: date.MustParse("2020-01-08")})
	hub.Publish(engine.Event{Type: engine.EventFinished, SessionID: "sim-b", Date: date.MustParse("2020-01-31")})

	read := func(conn *websocket.Conn) engine.Event {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev engine.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		return ev
	}

	if ev := read(all); ev.SessionID != "sim-a" || ev.Type != engine.EventRebalanced {
		t.Errorf("unexpected first event: %+v", ev)
	}
	if ev := read(all); ev.SessionID != "sim-b" {
		t.Errorf("unexpected second event: %+v", ev)
	}
	// The filtered client only sees its own session.
	if ev := read(filtered); ev.SessionID != "sim-b" || ev.Type != engine.EventFinished {
		t.Errorf("filtered client got %+v", ev)
	}
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := api.NewHub()
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := newWSServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitForClients(t, hub, 1)

	cancel()
	<-done
	if hub.Clients() != 0 {
		t.Errorf("expected no clients after shutdown, got %d", hub.Clients())
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
	// Publishing after shutdown must not block.
	hub.Publish(engine.Event{Type: engine.EventStarted, SessionID: "late"})
}
