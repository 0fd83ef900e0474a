package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/wricardo/paircode-broker/api"
	"github.com/wricardo/paircode-broker/broker/session"
)

// requestTimeout covers the pairing delay plus the gateway round trip.
const requestTimeout = 90 * time.Second

// Client is a thin MCP client that proxies to the REST API
type Client struct {
	baseURL    string
	httpClient *http.Client
	mcpServer  *server.MCPServer
}

// NewClient creates a new MCP client that calls the REST API
func NewClient(baseURL, version string) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}

	c.initMCPServer(version)
	return c
}

// initMCPServer initializes the MCP server with all tools
func (c *Client) initMCPServer(version string) {
	c.mcpServer = server.NewMCPServer(
		"Paircode Broker",
		version,
		server.WithToolCapabilities(true),
		server.WithInstructions(`Paircode Broker - MCP Interface

This is a thin client that proxies all requests to the REST API server.

FLOW:
1. request_pairing_code with the account's phone number (country code, digits only or formatted).
2. Give the returned code to the account owner. They enter it under Linked Devices within 120 seconds.
3. Once linked, the broker sends the session string to the account itself and ends the session.

AVAILABLE TOOLS:
- request_pairing_code: Start a session and get its pairing code
- get_session: Get the status of a live session
- list_sessions: List all live sessions

Sessions disappear once they end. A session that is no longer listed either completed, failed or timed out; request a new code to try again.`),
	)

	c.registerTools()
}

// registerTools registers all MCP tools
func (c *Client) registerTools() {
	c.mcpServer.AddTool(mcp.Tool{
		Name:        "request_pairing_code",
		Description: "Start a pairing session for a phone number and return the pairing code",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"phone_number": map[string]interface{}{
					"type":        "string",
					"description": "Phone number including country code, e.g. 255712345678",
				},
			},
			Required: []string{"phone_number"},
		},
	}, c.handleRequestPairingCode)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "get_session",
		Description: "Get the status of a live pairing session",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"session_id": map[string]interface{}{
					"type":        "string",
					"description": "Session ID returned by request_pairing_code",
				},
			},
			Required: []string{"session_id"},
		},
	}, c.handleGetSession)

	c.mcpServer.AddTool(mcp.Tool{
		Name:        "list_sessions",
		Description: "List all live pairing sessions",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}, c.handleListSessions)
}

// GetMCPServer returns the underlying MCP server for serving
func (c *Client) GetMCPServer() *server.MCPServer {
	return c.mcpServer
}

// ServeHTTP handles one JSON-RPC message per POST body.
func (c *Client) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Failed to read request", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	response := c.mcpServer.HandleMessage(r.Context(), body)

	w.Header().Set("Content-Type", "application/json")
	responseData, err := json.Marshal(response)
	if err != nil {
		http.Error(w, "Failed to marshal response", http.StatusInternalServerError)
		return
	}
	w.Write(responseData)
}

// Helper methods for API calls

func (c *Client) apiCall(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errResp)
		for _, key := range []string{"error", "message"} {
			if msg, ok := errResp[key].(string); ok && msg != "" {
				return fmt.Errorf("%s", msg)
			}
		}
		return fmt.Errorf("API error: %d", resp.StatusCode)
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}

	return nil
}

// Tool handlers

func (c *Client) handleRequestPairingCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	phone, _ := args["phone_number"].(string)
	if strings.TrimSpace(phone) == "" {
		return mcp.NewToolResultError("phone_number is required"), nil
	}

	var resp api.PairCodeResponse
	err := c.apiCall(ctx, "POST", "/api/pair-code", map[string]string{"phoneNumber": phone}, &resp)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if resp.AlreadyConnected {
		return mcp.NewToolResultText(fmt.Sprintf("Session: %s\nAlready registered, no pairing code needed.\n", resp.SessionID)), nil
	}

	result := fmt.Sprintf("Pairing code: %s\nSession: %s\n%s\n", resp.Code, resp.SessionID, resp.Message)
	return mcp.NewToolResultText(result), nil
}

func (c *Client) handleGetSession(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]interface{})
	sessionID, _ := args["session_id"].(string)
	if sessionID == "" {
		return mcp.NewToolResultError("session_id is required"), nil
	}

	var snap session.Snapshot
	err := c.apiCall(ctx, "GET", "/api/sessions/"+url.PathEscape(sessionID), nil, &snap)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	return mcp.NewToolResultText(formatSnapshot(snap)), nil
}

func (c *Client) handleListSessions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var list api.SessionList
	err := c.apiCall(ctx, "GET", "/api/sessions", nil, &list)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if len(list.Sessions) == 0 {
		return mcp.NewToolResultText("No live sessions"), nil
	}

	var result strings.Builder
	result.WriteString(fmt.Sprintf("Live sessions: %d\n\n", list.Count))
	for _, snap := range list.Sessions {
		result.WriteString(fmt.Sprintf("- %s  %-24s  %s  age %s\n", snap.SessionID, snap.Status, snap.Phone, snap.Age))
	}
	return mcp.NewToolResultText(result.String()), nil
}

func formatSnapshot(snap session.Snapshot) string {
	return fmt.Sprintf("Session: %s\nPhone: %s\nStatus: %s\nResponded: %t\nCreated: %s\nAge: %s\n",
		snap.SessionID, snap.Phone, snap.Status, snap.Responded,
		snap.CreatedAt.Format("2006-01-02 15:04:05"), snap.Age)
}
