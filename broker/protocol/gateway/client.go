// Package gateway implements protocol.Dialer over a websocket connection to
// an upstream messaging gateway.
//
// Each broker session gets its own socket, dialled as
// <gateway-url>?session=<id>. Frames are JSON objects (see Frame):
//
//	-> {"id":"..","type":"hello","session":"ab12C","creds":"<base64>"}
//	<- {"reply_to":"..","type":"reply","registered":false}
//	-> {"id":"..","type":"pairing_code","phone":"255712345678"}
//	<- {"reply_to":"..","type":"reply","code":"ABCD1234"}
//	<- {"type":"creds","creds":"<base64>"}
//	<- {"type":"connection","state":"open","me":"255712345678@s.whatsapp.net"}
//	-> {"id":"..","type":"send_text","to":"..","text":".."}
//	<- {"type":"connection","state":"close","status":401,"reason":"logged out"}
//
// A creds frame is persisted to the session directory before the
// corresponding event is emitted. Consecutive credential updates that have
// not been consumed yet collapse into one event, and replies are never held
// up by unread events. A websocket close code of 4000+N is reported as
// gateway status N.
package gateway

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/wricardo/paircode-broker/broker/protocol"
)

const (
	// Time allowed to write a frame to the gateway.
	writeWait = 10 * time.Second

	// Buffered status events per connection.
	eventBuffer = 16

	defaultHandshakeTimeout = 15 * time.Second
	defaultRequestTimeout   = 30 * time.Second
)

// Options configures a Dialer.
type Options struct {
	URL              string
	HandshakeTimeout time.Duration
	RequestTimeout   time.Duration
	Header           http.Header
	Logger           zerolog.Logger
}

// Dialer opens gateway connections. It is safe for concurrent use.
type Dialer struct {
	base   *url.URL
	opts   Options
	dialer *websocket.Dialer
}

// NewDialer validates the gateway URL and returns a Dialer.
func NewDialer(opts Options) (*Dialer, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse gateway url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("gateway url must use ws or wss, got %q", u.Scheme)
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}

	return &Dialer{
		base: u,
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
	}, nil
}

// Open dials the gateway for one session and performs the hello handshake,
// offering any credential already stored in the session directory.
func (d *Dialer) Open(ctx context.Context, opts protocol.OpenOptions) (protocol.Handle, error) {
	creds, err := readStoredCredential(opts)
	if err != nil {
		return nil, err
	}

	u := *d.base
	q := u.Query()
	q.Set("session", opts.SessionID)
	u.RawQuery = q.Encode()

	ws, _, err := d.dialer.DialContext(ctx, u.String(), d.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial gateway: %w", err)
	}

	c := newConn(ws, opts, d.opts)
	go c.readLoop()
	go c.pump()

	reply, err := c.call(ctx, Frame{Type: frameHello, Session: opts.SessionID, Creds: creds})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("gateway hello: %w", err)
	}
	c.registered = reply.Registered

	return c, nil
}

// Conn is a single session's gateway connection.
type Conn struct {
	ws             *websocket.Conn
	opts           protocol.OpenOptions
	logger         zerolog.Logger
	requestTimeout time.Duration
	registered     bool

	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan Frame
	closed   bool
	broken   bool
	queue    []protocol.Event
	readDone bool

	events    chan protocol.Event
	queued    chan struct{}
	closing   chan struct{}
	readExit  chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, opts protocol.OpenOptions, dopts Options) *Conn {
	return &Conn{
		ws:             ws,
		opts:           opts,
		logger:         dopts.Logger.With().Str("session_id", opts.SessionID).Logger(),
		requestTimeout: dopts.RequestTimeout,
		pending:        make(map[string]chan Frame),
		events:         make(chan protocol.Event, eventBuffer),
		queued:         make(chan struct{}, 1),
		closing:        make(chan struct{}),
		readExit:       make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Registered reports the hello handshake result.
func (c *Conn) Registered() bool { return c.registered }

// Events returns the status notification channel.
func (c *Conn) Events() <-chan protocol.Event { return c.events }

// RequestPairingCode asks the gateway for a pairing code for phoneNumber.
func (c *Conn) RequestPairingCode(ctx context.Context, phoneNumber string) (string, error) {
	reply, err := c.call(ctx, Frame{Type: framePairingCode, Phone: phoneNumber})
	if err != nil {
		return "", err
	}
	if reply.Code == "" {
		return "", ErrEmptyPairingCode
	}
	return reply.Code, nil
}

// SendText sends a text message through the gateway and waits for the ack.
func (c *Conn) SendText(ctx context.Context, to, text string) error {
	_, err := c.call(ctx, Frame{Type: frameSendText, To: to, Text: text})
	return err
}

// Close sends a normal close frame, closes the socket and waits for the
// reader and the event pump to exit. No events are emitted after Close
// returns.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.closing)

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))

		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		<-c.readExit
		<-c.done
	})
	return err
}

func (c *Conn) call(ctx context.Context, req Frame) (Frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan Frame, 1)

	c.mu.Lock()
	if c.closed || c.broken {
		c.mu.Unlock()
		return Frame{}, ErrClosed
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(req); err != nil {
		return Frame{}, fmt.Errorf("write %s: %w", req.Type, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	select {
	case reply, ok := <-ch:
		if !ok {
			return Frame{}, ErrClosed
		}
		if reply.Error != "" {
			return Frame{}, &RemoteError{Op: req.Type, Message: reply.Error}
		}
		return reply, nil
	case <-ctx.Done():
		return Frame{}, fmt.Errorf("%s: %w", req.Type, ctx.Err())
	}
}

func (c *Conn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *Conn) readLoop() {
	defer close(c.readExit)

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			local := c.closed
			c.broken = true
			for id, ch := range c.pending {
				close(ch)
				delete(c.pending, id)
			}
			if !local {
				c.queue = append(c.queue, protocol.Event{Kind: protocol.EventClose, Reason: closeReasonFromError(err)})
			}
			c.readDone = true
			c.mu.Unlock()
			c.signal()

			if !local {
				c.logger.Debug().Err(err).Msg("gateway connection dropped")
			}
			return
		}

		switch f.Type {
		case frameReply:
			c.resolve(f)
		case frameConnection:
			c.handleConnection(f)
		case frameCreds:
			if err := c.storeCredential(f.Creds); err != nil {
				c.logger.Error().Err(err).Msg("persist credential update")
				continue
			}
			c.emit(protocol.Event{Kind: protocol.EventCredentialsUpdated})
		default:
			c.logger.Debug().Str("type", f.Type).Msg("ignoring unknown gateway frame")
		}
	}
}

func (c *Conn) handleConnection(f Frame) {
	switch f.State {
	case stateOpen:
		c.emit(protocol.Event{Kind: protocol.EventOpen, Self: f.Me})
	case stateClose:
		var reason *protocol.CloseReason
		if f.Status != 0 || f.Reason != "" {
			reason = &protocol.CloseReason{StatusCode: f.Status, Message: f.Reason}
		}
		c.emit(protocol.Event{Kind: protocol.EventClose, Reason: reason})
	default:
		c.logger.Debug().Str("state", f.State).Msg("ignoring connection state")
	}
}

func (c *Conn) resolve(f Frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ReplyTo]
	delete(c.pending, f.ReplyTo)
	c.mu.Unlock()

	if ok {
		ch <- f
	}
}

// emit queues ev for the pump without blocking the reader, so replies keep
// flowing while nobody consumes events. A credential update is dropped when
// the newest queued event is already one.
func (c *Conn) emit(ev protocol.Event) {
	c.mu.Lock()
	n := len(c.queue)
	if ev.Kind == protocol.EventCredentialsUpdated && n > 0 && c.queue[n-1].Kind == protocol.EventCredentialsUpdated {
		c.mu.Unlock()
		return
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()
	c.signal()
}

func (c *Conn) signal() {
	select {
	case c.queued <- struct{}{}:
	default:
	}
}

// pump forwards queued events to the events channel in order and closes it
// once the reader has exited and the queue is drained, or on Close.
func (c *Conn) pump() {
	defer close(c.done)
	defer close(c.events)

	for {
		c.mu.Lock()
		var ev protocol.Event
		n := len(c.queue)
		if n > 0 {
			ev = c.queue[0]
			c.queue[0] = protocol.Event{}
			c.queue = c.queue[1:]
		}
		ended := c.readDone
		c.mu.Unlock()

		if n == 0 {
			if ended {
				return
			}
			select {
			case <-c.queued:
			case <-c.closing:
				return
			}
			continue
		}

		select {
		case c.events <- ev:
		case <-c.closing:
			return
		}
	}
}

// storeCredential writes the credential atomically so a concurrent reader
// never observes a partial file.
func (c *Conn) storeCredential(encoded string) error {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("decode credential: %w", err)
	}

	tmp, err := os.CreateTemp(c.opts.Dir, ".creds-*")
	if err != nil {
		return fmt.Errorf("create credential temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close credential: %w", err)
	}

	dest := filepath.Join(c.opts.Dir, c.opts.CredentialFile)
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("install credential: %w", err)
	}
	return nil
}

func readStoredCredential(opts protocol.OpenOptions) (string, error) {
	data, err := os.ReadFile(filepath.Join(opts.Dir, opts.CredentialFile))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read stored credential: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

func closeReasonFromError(err error) *protocol.CloseReason {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code >= applicationCloseBase {
		return &protocol.CloseReason{
			StatusCode: ce.Code - applicationCloseBase,
			Message:    ce.Text,
			Err:        err,
		}
	}
	return &protocol.CloseReason{Message: "connection lost", Err: err}
}
