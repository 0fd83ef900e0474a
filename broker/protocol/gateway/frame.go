package gateway

import (
	"errors"
	"fmt"
)

// Frame types exchanged with the gateway.
const (
	frameHello       = "hello"
	framePairingCode = "pairing_code"
	frameSendText    = "send_text"
	frameReply       = "reply"
	frameConnection  = "connection"
	frameCreds       = "creds"
)

// Connection states carried by a connection frame.
const (
	stateOpen  = "open"
	stateClose = "close"
)

// applicationCloseBase is added to a gateway status code when the gateway
// reports it in a websocket close frame instead of a connection frame.
const applicationCloseBase = 4000

var (
	// ErrClosed is returned for calls on a connection that has been closed
	// locally or dropped by the gateway.
	ErrClosed = errors.New("gateway: connection closed")

	// ErrEmptyPairingCode is returned when the gateway acknowledges a pairing
	// request without a code.
	ErrEmptyPairingCode = errors.New("gateway: empty pairing code")
)

// Frame is the JSON envelope for every message on the gateway socket.
// Requests carry ID; replies carry ReplyTo and, on failure, Error.
type Frame struct {
	ID      string `json:"id,omitempty"`
	ReplyTo string `json:"reply_to,omitempty"`
	Type    string `json:"type"`

	Session    string `json:"session,omitempty"`
	Creds      string `json:"creds,omitempty"`
	Registered bool   `json:"registered,omitempty"`

	Phone string `json:"phone,omitempty"`
	Code  string `json:"code,omitempty"`

	To   string `json:"to,omitempty"`
	Text string `json:"text,omitempty"`

	State  string `json:"state,omitempty"`
	Me     string `json:"me,omitempty"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`

	Error string `json:"error,omitempty"`
}

// RemoteError is a request failure reported by the gateway.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("gateway %s: %s", e.Op, e.Message)
}
