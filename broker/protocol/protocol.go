// Package protocol defines the boundary between the session lifecycle
// manager and the external messaging-protocol implementation.
//
// The broker never speaks the messaging protocol itself. It opens a Handle
// through a Dialer, asks it for a pairing code, sends messages through it
// and reacts to the status Events it emits. Everything behind the Handle
// (handshake, encryption, framing) is opaque.
package protocol

import (
	"context"
	"fmt"
)

// StatusLoggedOut is the close status reported when the account rejected
// the session's credentials. Sessions closed with it are never retried.
const StatusLoggedOut = 401

// EventKind identifies a connection status notification.
type EventKind int

const (
	// EventOpen reports that the connection is authenticated and usable.
	EventOpen EventKind = iota + 1
	// EventClose reports that the connection ended. See Event.Reason.
	EventClose
	// EventCredentialsUpdated reports that the persisted credential changed.
	EventCredentialsUpdated
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventClose:
		return "close"
	case EventCredentialsUpdated:
		return "creds.update"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// CloseReason is the structured cause attached to an EventClose.
type CloseReason struct {
	StatusCode int
	Message    string
	Err        error
}

func (r *CloseReason) Error() string {
	switch {
	case r.Err != nil && r.Message != "":
		return fmt.Sprintf("status %d: %s: %v", r.StatusCode, r.Message, r.Err)
	case r.Err != nil:
		return fmt.Sprintf("status %d: %v", r.StatusCode, r.Err)
	default:
		return fmt.Sprintf("status %d: %s", r.StatusCode, r.Message)
	}
}

func (r *CloseReason) Unwrap() error { return r.Err }

// Event is a single status notification emitted by a Handle. Events for one
// handle are delivered in order on a single channel.
type Event struct {
	Kind EventKind
	// Self is the authenticated identity, set on EventOpen.
	Self string
	// Reason is set on EventClose. A nil Reason means the cause is unknown.
	Reason *CloseReason
}

// IsAuthRejection reports whether the close reason is terminal
// authentication rejection.
func IsAuthRejection(r *CloseReason) bool {
	return r != nil && r.StatusCode == StatusLoggedOut
}

// IsRetryable reports whether the close reason carries a structured cause
// other than authentication rejection. The broker never retries by itself;
// the caller is expected to issue a new pairing request.
func IsRetryable(r *CloseReason) bool {
	return r != nil && !IsAuthRejection(r)
}

// OpenOptions describes where a handle keeps its persisted credential state.
type OpenOptions struct {
	SessionID      string
	Dir            string
	CredentialFile string
}

// Dialer opens connection handles against the messaging service.
type Dialer interface {
	Open(ctx context.Context, opts OpenOptions) (Handle, error)
}

// Handle is a live connection owned by exactly one session.
type Handle interface {
	// Registered reports whether the stored credential was already
	// registered when the handle was opened.
	Registered() bool

	// RequestPairingCode asks the service for a code the user types on
	// their device to link this connection to phoneNumber.
	RequestPairingCode(ctx context.Context, phoneNumber string) (string, error)

	// SendText delivers a text message to the given identity.
	SendText(ctx context.Context, to, text string) error

	// Events returns the status notification channel. It is closed once the
	// handle stops producing events.
	Events() <-chan Event

	// Close tears down the connection. It is safe to call more than once.
	Close() error
}
