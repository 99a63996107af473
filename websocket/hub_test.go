package websocket

import (
	"encoding/json"
	"testing"
	"time"
)

type testEvent struct {
	SessionID string `json:"session_id"`
	Progress  int    `json:"progress_percentage"`
}

// waitRegistered blocks until the hub's run loop has processed the
// registration, since RegisterClient hands off through a channel.
func waitRegistered(t *testing.T, hub *Hub, client *Client) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, ok := hub.clients[client]
		hub.mu.RUnlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("client was never registered")
}

func receive(t *testing.T, client *Client) []byte {
	t.Helper()
	select {
	case message := <-client.Send:
		return message
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestBroadcastToSessionTargetsWatchers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	watcherA := hub.RegisterClient(nil, "user-1", "session-a")
	watcherA2 := hub.RegisterClient(nil, "user-1", "session-a")
	watcherB := hub.RegisterClient(nil, "user-2", "session-b")
	for _, watcher := range []*Client{watcherA, watcherA2, watcherB} {
		waitRegistered(t, hub, watcher)
	}

	hub.BroadcastToSession("session-a", testEvent{SessionID: "session-a", Progress: 42})

	for _, watcher := range []*Client{watcherA, watcherA2} {
		var event testEvent
		if err := json.Unmarshal(receive(t, watcher), &event); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		if event.SessionID != "session-a" || event.Progress != 42 {
			t.Errorf("unexpected event %+v", event)
		}
	}

	select {
	case message := <-watcherB.Send:
		t.Errorf("session-b watcher should not receive session-a events, got %s", message)
	default:
	}
}

func TestBroadcastToSessionWithoutWatchers(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	// No watchers registered: must not block or panic.
	hub.BroadcastToSession("nobody-home", testEvent{SessionID: "nobody-home"})
}

func TestSlowClientDropped(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	slow := hub.RegisterClient(nil, "user-1", "session-a")
	waitRegistered(t, hub, slow)

	// Fill the send buffer so the next broadcast cannot be queued.
	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- []byte("{}")
	}

	hub.BroadcastToSession("session-a", testEvent{SessionID: "session-a"})

	hub.mu.RLock()
	_, still := hub.clients[slow]
	hub.mu.RUnlock()
	if still {
		t.Error("a client with a full buffer should be dropped")
	}
}
