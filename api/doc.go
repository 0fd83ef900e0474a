// Package api provides the HTTP boundary of the pairing broker.
//
// Endpoints:
//
// Pairing:
//   - POST /api/pair-code - Start a session and return its pairing code
//
// Session Status:
//   - GET /api/sessions - List live sessions
//   - GET /api/sessions/{id} - Get one live session
//   - GET /ws?session={id} - Stream status changes over WebSocket
//
// Operations:
//   - GET /health - Liveness and active session count
//   - GET /metrics - Prometheus metrics
//   - POST /mcp - MCP JSON-RPC endpoint (when configured)
//
// Any other GET is served from the static directory, falling back to
// index.html.
//
// Request/Response Format:
//
// The pairing endpoint accepts JSON or form bodies. The phone number may be
// a JSON string or number; every non-digit character is stripped:
//
//	{"phoneNumber": "+255 712 345 678"}
//
// Exactly one response is written per request:
//
//	200 {"success":true,"code":"ABCD1234","sessionId":"aB3xZ","message":"..."}
//	200 {"success":true,"sessionId":"aB3xZ","message":"...","alreadyConnected":true}
//	400 {"success":false,"message":"Phone number is required."}
//	500 {"success":false,"message":"An unexpected server error occurred during session setup. Please try again."}
//
// What happens to the session after the response (connection open,
// credential delivery, timeout) is visible only through the status
// endpoints and the WebSocket stream.
//
// Error Handling:
//
// Status endpoints return errors as JSON with an appropriate HTTP status:
//
//	{"error": "session not found"}
//
// Internal error text is logged with the request id and never returned to
// the client.
package api
