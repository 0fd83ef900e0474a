// Package mcp exposes the pairing broker to AI agents over the Model Context
// Protocol.
//
// The client is a thin proxy: every tool call becomes a request to the REST
// API, so the MCP surface behaves exactly like the HTTP one.
//
// MCP Tools:
//   - request_pairing_code: POST /api/pair-code
//   - get_session: GET /api/sessions/{id}
//   - list_sessions: GET /api/sessions
//
// Transport Modes:
//   - Stdio: server.ServeStdio(client.GetMCPServer()) for local MCP clients
//   - HTTP: the Client itself is an http.Handler mounted at POST /mcp
//
// Usage:
//
//	client := mcp.NewClient("http://127.0.0.1:3000", version)
//	srv := api.NewServer(broker, hub, logger, api.WithMCPHandler(client))
package mcp
