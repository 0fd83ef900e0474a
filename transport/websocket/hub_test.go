package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wricardo/paircode-broker/broker/session"
)

func newTestHub() *Hub {
	return NewHub(zerolog.Nop())
}

func TestNewHub(t *testing.T) {
	hub := newTestHub()

	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}

	if hub.sessions == nil {
		t.Error("Hub sessions map is nil")
	}

	if hub.broadcast == nil {
		t.Error("Hub broadcast channel is nil")
	}

	if hub.register == nil {
		t.Error("Hub register channel is nil")
	}

	if hub.unregister == nil {
		t.Error("Hub unregister channel is nil")
	}
}

func TestHubRegisterClient(t *testing.T) {
	hub := newTestHub()

	client := &Client{
		hub:       hub,
		sessionID: "aB3xZ",
		send:      make(chan []byte, 256),
	}

	hub.registerClient(client)

	if !hub.sessions["aB3xZ"][client] {
		t.Error("Client was not registered in session")
	}

	if hub.ClientCount("aB3xZ") != 1 {
		t.Errorf("Expected 1 client in session, got %d", hub.ClientCount("aB3xZ"))
	}
}

func TestHubUnregisterClient(t *testing.T) {
	hub := newTestHub()

	client := &Client{
		hub:       hub,
		sessionID: "aB3xZ",
		send:      make(chan []byte, 256),
	}

	hub.registerClient(client)
	hub.unregisterClient(client)

	if _, exists := hub.sessions["aB3xZ"]; exists {
		t.Error("Session should have been cleaned up after last client unregistered")
	}

	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}

	// A second unregister must not panic on the closed channel.
	hub.unregisterClient(client)
}

func TestHubMultipleClientsInSession(t *testing.T) {
	hub := newTestHub()
	sessionID := "multi"

	client1 := &Client{hub: hub, sessionID: sessionID, send: make(chan []byte, 256)}
	client2 := &Client{hub: hub, sessionID: sessionID, send: make(chan []byte, 256)}

	hub.registerClient(client1)
	hub.registerClient(client2)

	if hub.ClientCount(sessionID) != 2 {
		t.Errorf("Expected 2 clients in session, got %d", hub.ClientCount(sessionID))
	}

	hub.unregisterClient(client1)

	if hub.ClientCount(sessionID) != 1 {
		t.Errorf("Expected 1 client remaining in session, got %d", hub.ClientCount(sessionID))
	}

	if !hub.sessions[sessionID][client2] {
		t.Error("client2 should still be registered")
	}
}

func TestHubBroadcastToSession(t *testing.T) {
	hub := newTestHub()

	client := &Client{hub: hub, sessionID: "aB3xZ", send: make(chan []byte, 256)}
	other := &Client{hub: hub, sessionID: "other", send: make(chan []byte, 256)}
	hub.registerClient(client)
	hub.registerClient(other)

	hub.broadcastMessage(&Message{
		SessionID: "aB3xZ",
		Event:     EventStatus,
		Data:      session.Snapshot{SessionID: "aB3xZ", Status: session.StatusAwaitingCode},
	})

	select {
	case data := <-client.send:
		var message struct {
			SessionID string           `json:"session_id"`
			Event     string           `json:"event"`
			Data      session.Snapshot `json:"data"`
		}
		if err := json.Unmarshal(data, &message); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}

		if message.SessionID != "aB3xZ" {
			t.Errorf("Expected sessionID aB3xZ, got %s", message.SessionID)
		}
		if message.Event != EventStatus {
			t.Errorf("Expected event %q, got %s", EventStatus, message.Event)
		}
		if message.Data.Status != session.StatusAwaitingCode {
			t.Errorf("Expected status %q, got %q", session.StatusAwaitingCode, message.Data.Status)
		}

	case <-time.After(100 * time.Millisecond):
		t.Error("No message received within timeout")
	}

	if len(other.send) != 0 {
		t.Error("Clients of other sessions must not receive the broadcast")
	}
}

func TestHubFinalMessageDisconnectsClients(t *testing.T) {
	hub := newTestHub()

	client := &Client{hub: hub, sessionID: "aB3xZ", send: make(chan []byte, 256)}
	hub.registerClient(client)

	hub.broadcastMessage(&Message{SessionID: "aB3xZ", Event: EventStatus, Data: "closed", final: true})

	if _, ok := <-client.send; !ok {
		t.Fatal("final message should be delivered before the channel closes")
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after the final message")
	}
	if hub.ClientCount("aB3xZ") != 0 {
		t.Error("session should have no clients after the final message")
	}
}

func TestHubSlowClientIsDropped(t *testing.T) {
	hub := newTestHub()

	client := &Client{hub: hub, sessionID: "slow", send: make(chan []byte)}
	hub.registerClient(client)

	hub.broadcastMessage(&Message{SessionID: "slow", Event: "x"})

	if hub.ClientCount("slow") != 0 {
		t.Error("client with a full send buffer should be unregistered")
	}
}

func TestHubSessionChanged(t *testing.T) {
	hub := newTestHub()

	hub.SessionChanged(session.Snapshot{SessionID: "aB3xZ", Status: session.StatusOpen})
	hub.SessionChanged(session.Snapshot{SessionID: "aB3xZ", Status: session.StatusClosed})

	first := <-hub.broadcast
	if first.SessionID != "aB3xZ" || first.Event != EventStatus || first.final {
		t.Errorf("unexpected first message: %+v", first)
	}
	second := <-hub.broadcast
	if !second.final {
		t.Error("closed snapshot should be marked final")
	}
}

func TestHubBroadcastNeverBlocks(t *testing.T) {
	hub := newTestHub()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < broadcastBuffer+10; i++ {
			hub.BroadcastEvent("full", "tick", i)
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BroadcastEvent blocked on a full queue")
	}
	if len(hub.broadcast) != broadcastBuffer {
		t.Errorf("Expected %d queued messages, got %d", broadcastBuffer, len(hub.broadcast))
	}
}

func TestHubBroadcastEvent(t *testing.T) {
	hub := newTestHub()

	hub.BroadcastEvent("event-test", "custom-event", "test-data")

	select {
	case message := <-hub.broadcast:
		if message.SessionID != "event-test" {
			t.Errorf("Expected sessionID 'event-test', got %s", message.SessionID)
		}
		if message.Event != "custom-event" {
			t.Errorf("Expected event 'custom-event', got %s", message.Event)
		}
		if message.Data != "test-data" {
			t.Errorf("Expected data 'test-data', got %v", message.Data)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("No broadcast message received within timeout")
	}
}

func startHubServer(t *testing.T) (*Hub, string) {
	t.Helper()

	hub := newTestHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("session")
		hub.ServeWS(w, r, session.Snapshot{SessionID: id, Status: session.StatusAwaitingCode}, func() bool {
			return id != "ended"
		})
	}))
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http")
}

func readMessage(t *testing.T, conn *websocket.Conn) (Message, session.Snapshot) {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read WebSocket message: %v", err)
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	raw, _ := json.Marshal(message.Data)
	var snap session.Snapshot
	json.Unmarshal(raw, &snap)
	return message, snap
}

func TestWebSocketInitialSnapshot(t *testing.T) {
	_, wsURL := startHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session=aB3xZ", nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	message, snap := readMessage(t, conn)
	if message.SessionID != "aB3xZ" || message.Event != EventStatus {
		t.Errorf("unexpected initial message: %+v", message)
	}
	if snap.Status != session.StatusAwaitingCode {
		t.Errorf("Expected initial status %q, got %q", session.StatusAwaitingCode, snap.Status)
	}
}

func TestWebSocketStatusStreamEndsOnClose(t *testing.T) {
	hub, wsURL := startHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session=aB3xZ", nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	// The initial snapshot is queued before registration completes.
	readMessage(t, conn)

	hub.SessionChanged(session.Snapshot{SessionID: "aB3xZ", Status: session.StatusOpen})
	hub.SessionChanged(session.Snapshot{SessionID: "aB3xZ", Status: session.StatusClosed})

	_, snap := readMessage(t, conn)
	if snap.Status != session.StatusOpen {
		t.Errorf("Expected status %q, got %q", session.StatusOpen, snap.Status)
	}
	_, snap = readMessage(t, conn)
	if snap.Status != session.StatusClosed {
		t.Errorf("Expected status %q, got %q", session.StatusClosed, snap.Status)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after the closed status")
	}
}

func TestHubRegisterEndedSessionSendsClosed(t *testing.T) {
	hub := newTestHub()

	client := &Client{
		hub:       hub,
		sessionID: "aB3xZ",
		send:      make(chan []byte, 256),
		initial:   session.Snapshot{SessionID: "aB3xZ", Status: session.StatusOpen},
		live:      func() bool { return false },
	}
	hub.registerClient(client)

	if hub.ClientCount("aB3xZ") != 0 {
		t.Error("client of an ended session should not stay registered")
	}

	data, ok := <-client.send
	if !ok {
		t.Fatal("closed status should be delivered before the channel closes")
	}
	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	snap, _ := message.Data.(map[string]interface{})
	if snap["status"] != string(session.StatusClosed) {
		t.Errorf("Expected closed status, got %v", message.Data)
	}
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after the closed status")
	}
}

func TestHubRegisterLiveSessionStays(t *testing.T) {
	hub := newTestHub()

	client := &Client{hub: hub, sessionID: "aB3xZ", send: make(chan []byte, 256), live: func() bool { return true }}
	hub.registerClient(client)

	if hub.ClientCount("aB3xZ") != 1 {
		t.Error("client of a live session should stay registered")
	}
	if len(client.send) != 0 {
		t.Error("no message expected for a live session")
	}
}

func TestWebSocketSessionEndedBeforeSubscribe(t *testing.T) {
	_, wsURL := startHubServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?session=ended", nil)
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	_, snap := readMessage(t, conn)
	if snap.Status != session.StatusAwaitingCode {
		t.Errorf("Expected initial status %q, got %q", session.StatusAwaitingCode, snap.Status)
	}
	_, snap = readMessage(t, conn)
	if snap.Status != session.StatusClosed {
		t.Errorf("Expected status %q, got %q", session.StatusClosed, snap.Status)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("connection should be closed after the closed status")
	}
}
