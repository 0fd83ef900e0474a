// Package protocoltest provides a scripted in-memory protocol.Dialer for
// tests of code that drives protocol handles.
package protocoltest

import (
	"context"
	"errors"
	"sync"

	"github.com/wricardo/paircode-broker/broker/protocol"
)

// ErrHandleClosed is returned by a Handle after Close.
var ErrHandleClosed = errors.New("protocoltest: handle closed")

// Message is a text message captured by SendText.
type Message struct {
	To   string
	Text string
}

// Handle is a fake protocol.Handle. Configure the exported fields before
// handing it to the code under test; inspect the recorded calls afterwards.
type Handle struct {
	Opts protocol.OpenOptions

	IsRegistered bool
	Code         string
	CodeErr      error
	SendErr      error

	// OnPairingCode, if set, runs inside RequestPairingCode before it returns.
	OnPairingCode func()

	events chan protocol.Event

	mu              sync.Mutex
	closed          bool
	closeCalls      int
	pairingRequests []string
	sent            []Message
}

// NewHandle returns an unregistered handle that answers pairing requests
// with code.
func NewHandle(code string) *Handle {
	return &Handle{
		Code:   code,
		events: make(chan protocol.Event, 16),
	}
}

func (h *Handle) Registered() bool { return h.IsRegistered }

func (h *Handle) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	h.mu.Lock()
	h.pairingRequests = append(h.pairingRequests, phoneNumber)
	closed := h.closed
	h.mu.Unlock()

	if h.OnPairingCode != nil {
		h.OnPairingCode()
	}
	if closed {
		return "", ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if h.CodeErr != nil {
		return "", h.CodeErr
	}
	return h.Code, nil
}

func (h *Handle) SendText(ctx context.Context, to, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHandleClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if h.SendErr != nil {
		return h.SendErr
	}
	h.sent = append(h.sent, Message{To: to, Text: text})
	return nil
}

func (h *Handle) Events() <-chan protocol.Event { return h.events }

// Close marks the handle closed and closes the events channel on first call.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closeCalls++
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

// Emit delivers ev to the consumer. It reports false if the handle is
// already closed.
func (h *Handle) Emit(ev protocol.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return false
	}
	h.events <- ev
	return true
}

// Open emits an EventOpen for self.
func (h *Handle) Open(self string) bool {
	return h.Emit(protocol.Event{Kind: protocol.EventOpen, Self: self})
}

// Disconnect emits an EventClose with the given reason.
func (h *Handle) Disconnect(reason *protocol.CloseReason) bool {
	return h.Emit(protocol.Event{Kind: protocol.EventClose, Reason: reason})
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls returns the number of Close invocations.
func (h *Handle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls
}

// PairingRequests returns the phone numbers passed to RequestPairingCode.
func (h *Handle) PairingRequests() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.pairingRequests...)
}

// Sent returns the messages delivered through SendText.
func (h *Handle) Sent() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.sent...)
}

// Dialer is a fake protocol.Dialer recording every handle it opens.
type Dialer struct {
	// NewHandle builds the handle for each Open. Defaults to NewHandle("ABCD1234").
	NewHandle func(opts protocol.OpenOptions) *Handle
	// Err, if set, fails every Open.
	Err error

	mu      sync.Mutex
	handles []*Handle
}

// NewDialer returns a Dialer whose handles issue code.
func NewDialer(code string) *Dialer {
	return &Dialer{
		NewHandle: func(protocol.OpenOptions) *Handle { return NewHandle(code) },
	}
}

func (d *Dialer) Open(ctx context.Context, opts protocol.OpenOptions) (protocol.Handle, error) {
	if d.Err != nil {
		return nil, d.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	build := d.NewHandle
	if build == nil {
		build = func(protocol.OpenOptions) *Handle { return NewHandle("ABCD1234") }
	}
	h := build(opts)
	if h.events == nil {
		h.events = make(chan protocol.Event, 16)
	}
	h.Opts = opts

	d.mu.Lock()
	d.handles = append(d.handles, h)
	d.mu.Unlock()
	return h, nil
}

// Handles returns every handle opened so far.
func (d *Dialer) Handles() []*Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Handle(nil), d.handles...)
}

// Last returns the most recently opened handle, or nil.
func (d *Dialer) Last() *Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.handles) == 0 {
		return nil
	}
	return d.handles[len(d.handles)-1]
}
