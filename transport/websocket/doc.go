// Package websocket streams pairing session status to browser clients.
//
// The package uses a hub-and-spoke model where a central Hub manages all
// WebSocket connections. Each client connection is handled by a dedicated
// pair of goroutines that manage reading, writing, and cleanup.
//
// Message Protocol:
//
// Clients only listen. Outgoing messages are JSON-encoded:
//
//	{"session_id":"aB3xZ","event":"status","data":{...session snapshot...}}
//
// Session Integration:
//
// Clients specify their session ID via query parameter (?session=aB3xZ)
// when establishing the connection. Status updates are broadcast only to
// clients connected to the same session, and those clients are disconnected
// once the session reports closed.
//
// Usage:
//
//	hub := websocket.NewHub(logger)
//	go hub.Run(ctx)
//
//	manager := lifecycle.NewManager(..., lifecycle.WithObserver(hub))
//
// The hub satisfies lifecycle.Observer, so SessionChanged must not block:
// broadcasts are queued and dropped when the queue is full.
package websocket
