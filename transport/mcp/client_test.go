package mcp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/wricardo/paircode-broker/api"
	"github.com/wricardo/paircode-broker/broker/session"
)

func callTool(name string, args map[string]interface{}) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("Expected result, got nil")
	}
	text, ok := result.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatal("Expected text content in result")
	}
	return text.Text
}

func TestNewClient(t *testing.T) {
	client := NewClient("http://localhost:3000/", "test")

	if client == nil {
		t.Fatal("Expected client to be created")
	}

	if client.baseURL != "http://localhost:3000" {
		t.Errorf("Expected trailing slash trimmed, got %s", client.baseURL)
	}

	if client.httpClient == nil {
		t.Error("Expected HTTP client to be initialized")
	}

	if client.mcpServer == nil {
		t.Error("Expected MCP server to be initialized")
	}
}

func TestClient_apiCall(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"count": 2})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")

	var response map[string]interface{}
	if err := client.apiCall(context.Background(), "GET", "/api/sessions", nil, &response); err != nil {
		t.Fatalf("apiCall failed: %v", err)
	}

	if response["count"] != float64(2) {
		t.Errorf("Expected count 2, got %v", response["count"])
	}
}

func TestClient_apiCall_Error(t *testing.T) {
	client := NewClient("http://invalid-url-that-does-not-exist:9999", "test")

	if err := client.apiCall(context.Background(), "GET", "/api/sessions", nil, nil); err == nil {
		t.Error("Expected error for invalid URL")
	}
}

func TestClient_apiCall_HTTPError(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"error field", http.StatusNotFound, `{"error":"session not found"}`, "session not found"},
		{"message field", http.StatusBadRequest, `{"success":false,"message":"Phone number is required."}`, "Phone number is required."},
		{"plain text", http.StatusInternalServerError, "Internal Server Error", "API error: 500"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			err := NewClient(server.URL, "test").apiCall(context.Background(), "GET", "/api/sessions", nil, nil)
			if err == nil {
				t.Fatal("Expected error")
			}
			if err.Error() != tt.wantErr {
				t.Errorf("Expected error %q, got %q", tt.wantErr, err.Error())
			}
		})
	}
}

func TestClient_requestPairingCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/api/pair-code" {
			t.Errorf("Expected POST /api/pair-code, got %s %s", r.Method, r.URL.Path)
		}

		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["phoneNumber"] != "+255 712 345 678" {
			t.Errorf("Expected phone number passed through, got %q", body["phoneNumber"])
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(api.PairCodeResponse{
			Success:   true,
			Code:      "ABCD1234",
			SessionID: "aB3xZ",
			Message:   api.MessageCodeIssued,
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")
	result, err := client.handleRequestPairingCode(context.Background(), callTool("request_pairing_code", map[string]interface{}{
		"phone_number": "+255 712 345 678",
	}))
	if err != nil {
		t.Fatalf("handleRequestPairingCode failed: %v", err)
	}

	text := resultText(t, result)
	for _, want := range []string{"Pairing code: ABCD1234", "Session: aB3xZ"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in result, got: %s", want, text)
		}
	}
}

func TestClient_requestPairingCode_AlreadyRegistered(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.PairCodeResponse{
			Success:          true,
			SessionID:        "aB3xZ",
			Message:          api.MessageAlreadyRegistered,
			AlreadyConnected: true,
		})
	}))
	defer server.Close()

	result, err := NewClient(server.URL, "test").handleRequestPairingCode(context.Background(), callTool("request_pairing_code", map[string]interface{}{
		"phone_number": "255712345678",
	}))
	if err != nil {
		t.Fatalf("handleRequestPairingCode failed: %v", err)
	}

	if text := resultText(t, result); !strings.Contains(text, "Already registered") {
		t.Errorf("Expected already registered notice, got: %s", text)
	}
}

func TestClient_requestPairingCode_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(api.PairCodeResponse{Message: api.MessageSetupFailed})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")

	result, err := client.handleRequestPairingCode(context.Background(), callTool("request_pairing_code", map[string]interface{}{}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || !strings.Contains(resultText(t, result), "phone_number is required") {
		t.Errorf("Expected missing phone_number tool error, got: %+v", result)
	}

	result, err = client.handleRequestPairingCode(context.Background(), callTool("request_pairing_code", map[string]interface{}{
		"phone_number": "255712345678",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError || resultText(t, result) != api.MessageSetupFailed {
		t.Errorf("Expected setup failure tool error, got: %+v", result)
	}
}

func TestClient_getSession(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/sessions/aB3xZ" {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "session not found"})
			return
		}
		json.NewEncoder(w).Encode(session.Snapshot{
			SessionID: "aB3xZ",
			Phone:     "********5678",
			Status:    session.StatusAwaitingCode,
			CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
			Age:       "12s",
		})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")

	result, err := client.handleGetSession(context.Background(), callTool("get_session", map[string]interface{}{"session_id": "aB3xZ"}))
	if err != nil {
		t.Fatalf("handleGetSession failed: %v", err)
	}
	text := resultText(t, result)
	for _, want := range []string{"Session: aB3xZ", "Status: registered-awaiting-code", "********5678", "Created: 2025-01-02 03:04:05"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in result, got: %s", want, text)
		}
	}

	result, err = client.handleGetSession(context.Background(), callTool("get_session", map[string]interface{}{"session_id": "gone1"}))
	if err != nil {
		t.Fatalf("handleGetSession failed: %v", err)
	}
	if !result.IsError || resultText(t, result) != "session not found" {
		t.Errorf("Expected not found tool error, got: %+v", result)
	}
}

func TestClient_listSessions(t *testing.T) {
	sessions := []session.Snapshot{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.SessionList{Sessions: sessions, Count: len(sessions)})
	}))
	defer server.Close()

	client := NewClient(server.URL, "test")

	result, err := client.handleListSessions(context.Background(), callTool("list_sessions", nil))
	if err != nil {
		t.Fatalf("handleListSessions failed: %v", err)
	}
	if text := resultText(t, result); text != "No live sessions" {
		t.Errorf("Expected empty listing, got: %s", text)
	}

	sessions = []session.Snapshot{
		{SessionID: "aB3xZ", Status: session.StatusOpen, Phone: "****5678", Age: "3s"},
		{SessionID: "Qw9Er", Status: session.StatusAwaitingCode, Phone: "****1111", Age: "1s"},
	}
	result, err = client.handleListSessions(context.Background(), callTool("list_sessions", nil))
	if err != nil {
		t.Fatalf("handleListSessions failed: %v", err)
	}
	text := resultText(t, result)
	for _, want := range []string{"Live sessions: 2", "aB3xZ", "Qw9Er", "open"} {
		if !strings.Contains(text, want) {
			t.Errorf("Expected %q in result, got: %s", want, text)
		}
	}
}

func TestFormatSnapshot(t *testing.T) {
	result := formatSnapshot(session.Snapshot{
		SessionID: "aB3xZ",
		Phone:     "****5678",
		Status:    session.StatusOpen,
		Responded: true,
	})

	for _, field := range []string{"Session: aB3xZ", "Phone: ****5678", "Status: open", "Responded: true"} {
		if !strings.Contains(result, field) {
			t.Errorf("Expected field '%s' in formatted output, got: %s", field, result)
		}
	}
}

func TestClient_ServeHTTP(t *testing.T) {
	client := NewClient("http://localhost:3000", "test")

	req := httptest.NewRequest("POST", "/mcp", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	w := httptest.NewRecorder()
	client.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	for _, tool := range []string{"request_pairing_code", "get_session", "list_sessions"} {
		if !strings.Contains(w.Body.String(), tool) {
			t.Errorf("Expected tool %s in tools/list response, got: %s", tool, w.Body.String())
		}
	}

	w = httptest.NewRecorder()
	client.ServeHTTP(w, httptest.NewRequest("GET", "/mcp", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}
