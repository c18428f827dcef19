package statusfeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/toolmesh/toolproxy/internal/health"
)

func TestFeed_BroadcastsTransitionToConnectedClient(t *testing.T) {
	feed := New()
	server := httptest.NewServer(feed.Handler())
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the hub's register goroutine time to process before broadcasting.
	time.Sleep(50 * time.Millisecond)

	feed.Broadcast("calc", health.Record{State: health.StateHealthy})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	var got Transition
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Upstream != "calc" {
		t.Errorf("upstream = %q, want calc", got.Upstream)
	}
	if got.Record.State != health.StateHealthy {
		t.Errorf("state = %q, want healthy", got.Record.State)
	}
}

func TestFeed_BroadcastWithNoClients_DoesNotBlock(t *testing.T) {
	feed := New()
	done := make(chan struct{})
	go func() {
		feed.Broadcast("calc", health.Record{State: health.StateError})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked with no clients connected")
	}
}
