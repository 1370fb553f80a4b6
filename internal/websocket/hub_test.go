package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"
)

type testState struct {
	Status string `json:"status"`
}

func setupTestHub(t *testing.T) (*Hub, string, context.CancelFunc) {
	t.Helper()
	hub := NewHub(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	e := echo.New()
	e.GET("/ws/live", func(c echo.Context) error {
		return hub.ServeLive(c, "tester")
	})
	server := httptest.NewServer(e)
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/live", cancel
}

func dialViewer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Failed to dial live feed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	msg, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("Failed to decode message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, have %d", n, hub.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHub_ReplaysLatestState(t *testing.T) {
	hub, url, _ := setupTestHub(t)

	if err := hub.Publish(MessageTypeState, testState{Status: "safe"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := hub.Publish(MessageTypeState, testState{Status: "warning"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	conn := dialViewer(t, url)
	msg := readMessage(t, conn)
	if msg.Type != MessageTypeState {
		t.Fatalf("Expected state message, got %s", msg.Type)
	}
	var state testState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if state.Status != "warning" {
		t.Errorf("Expected latest state 'warning', got %q", state.Status)
	}
}

func TestHub_BroadcastsToEveryViewer(t *testing.T) {
	hub, url, _ := setupTestHub(t)

	first := dialViewer(t, url)
	second := dialViewer(t, url)
	waitForClients(t, hub, 2)

	if err := hub.Publish(MessageTypeCallEnded, CallEndedData{SessionID: "sess-1", Reason: "voice_command"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, conn := range []*websocket.Conn{first, second} {
		msg := readMessage(t, conn)
		if msg.Type != MessageTypeCallEnded {
			t.Errorf("Viewer %d expected call_ended, got %s", i, msg.Type)
		}
		var data CallEndedData
		json.Unmarshal(msg.Data, &data)
		if data.Reason != "voice_command" {
			t.Errorf("Viewer %d expected reason voice_command, got %q", i, data.Reason)
		}
	}
}

func TestHub_UnregistersClosedViewer(t *testing.T) {
	hub, url, _ := setupTestHub(t)

	conn := dialViewer(t, url)
	waitForClients(t, hub, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitForClients(t, hub, 0)
}

func TestHub_StopClosesViewers(t *testing.T) {
	hub, url, cancel := setupTestHub(t)

	conn := dialViewer(t, url)
	waitForClients(t, hub, 1)

	cancel()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected connection to close when hub stops")
	}

	<-hub.done
	if err := hub.Publish(MessageTypeState, testState{}); err != ErrHubStopped {
		t.Errorf("Expected ErrHubStopped after stop, got %v", err)
	}
}

func TestDecodeMessage(t *testing.T) {
	if _, err := DecodeMessage([]byte(`{"data":{}}`)); err == nil {
		t.Error("Expected error for message without type")
	}
	if _, err := DecodeMessage([]byte(`not json`)); err == nil {
		t.Error("Expected error for invalid json")
	}
}

func TestHub_FullQueueStillDeliversLatestState(t *testing.T) {
	hub := NewHub(zaptest.NewLogger(t))
	viewer := &Client{hub: hub, send: make(chan []byte, 4*broadcastBufferSize), id: "viewer"}
	hub.clients[viewer.id] = viewer

	// Fill the queue before the hub runs: one stale state, then events.
	if err := hub.Publish(MessageTypeState, testState{Status: "warning"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	for i := 1; i < broadcastBufferSize; i++ {
		if err := hub.Publish(MessageTypeCallEnded, CallEndedData{SessionID: "sess-1"}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if err := hub.Publish(MessageTypeState, testState{Status: "idle"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	timeout := time.After(2 * time.Second)
	for {
		select {
		case payload := <-viewer.send:
			msg, err := DecodeMessage(payload)
			if err != nil {
				t.Fatalf("Failed to decode message: %v", err)
			}
			if msg.Type != MessageTypeState {
				continue
			}
			var state testState
			if err := json.Unmarshal(msg.Data, &state); err != nil {
				t.Fatalf("Failed to decode state: %v", err)
			}
			if state.Status != "idle" {
				t.Fatalf("Expected only the latest state 'idle', got %q", state.Status)
			}
			return
		case <-timeout:
			t.Fatal("Latest state never reached the viewer")
		}
	}
}
