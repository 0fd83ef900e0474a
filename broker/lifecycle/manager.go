package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/wricardo/paircode-broker/broker/config"
	"github.com/wricardo/paircode-broker/broker/credential"
	"github.com/wricardo/paircode-broker/broker/protocol"
	"github.com/wricardo/paircode-broker/broker/session"
	"github.com/wricardo/paircode-broker/observability"
)

// maxIDAttempts bounds retries when a generated id collides with a live
// session directory.
const maxIDAttempts = 3

var (
	ErrInvalidPhone     = errors.New("phone number is required")
	ErrSessionClosed    = errors.New("session closed before a response was sent")
	ErrAlreadyResponded = errors.New("session already responded")
	ErrEmptyPairingCode = errors.New("protocol returned an empty pairing code")
	ErrShuttingDown     = errors.New("broker is shutting down")
)

// Result is the single response to a Begin call.
type Result struct {
	SessionID         string
	Code              string
	AlreadyRegistered bool
}

// Observer is notified on every session status change.
type Observer interface {
	SessionChanged(snap session.Snapshot)
}

type Option func(*Manager)

// WithObserver registers o for status change notifications.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithIDGenerator replaces session.NewID.
func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// Manager owns every live pairing session.
type Manager struct {
	cfg       config.Session
	dialer    protocol.Dialer
	store     session.Store
	workspace *session.Workspace
	packager  *credential.Packager
	composer  *credential.Composer
	logger    zerolog.Logger
	observer  Observer
	newID     func() string

	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
}

func NewManager(
	cfg config.Session,
	dialer protocol.Dialer,
	store session.Store,
	workspace *session.Workspace,
	packager *credential.Packager,
	composer *credential.Composer,
	logger zerolog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		cfg:       cfg,
		dialer:    dialer,
		store:     store,
		workspace: workspace,
		packager:  packager,
		composer:  composer,
		logger:    logger.With().Str("component", "lifecycle").Logger(),
		newID:     session.NewID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a pairing session for phoneNumber, which must already be
// normalized to digits. It returns once a pairing code is available or the
// session turned out to be registered already. Any error means the session
// has been cleaned up.
func (m *Manager) Begin(ctx context.Context, phoneNumber string) (*Result, error) {
	if phoneNumber == "" {
		return nil, ErrInvalidPhone
	}
	if !m.track() {
		return nil, ErrShuttingDown
	}
	defer m.wg.Done()

	res, err := m.begin(ctx, phoneNumber)
	switch {
	case err != nil:
		observability.RecordSessionStarted("error")
	case res.AlreadyRegistered:
		observability.RecordSessionStarted("already_registered")
	default:
		observability.RecordSessionStarted("code")
	}
	return res, err
}

func (m *Manager) begin(ctx context.Context, phoneNumber string) (*Result, error) {
	id, dir, err := m.provision()
	if err != nil {
		return nil, err
	}

	logger := m.logger.With().
		Str("session_id", id).
		Str("phone", session.MaskPhone(phoneNumber)).
		Logger()

	handle, err := m.dialer.Open(ctx, protocol.OpenOptions{
		SessionID:      id,
		Dir:            dir,
		CredentialFile: m.workspace.CredentialFile(),
	})
	if err != nil {
		if rmErr := m.workspace.Remove(id); rmErr != nil {
			logger.Error().Err(rmErr).Msg("remove session directory after failed open")
		}
		logger.Error().Err(err).Str("outcome", string(OutcomeSetupFailed)).Msg("failed to open protocol handle")
		return nil, fmt.Errorf("open protocol handle: %w", err)
	}

	sess := session.New(id, phoneNumber, dir, handle)
	if err := m.store.Insert(sess); err != nil {
		releaseErr := multierr.Combine(handle.Close(), m.workspace.Remove(id))
		logger.Error().
			Err(err).
			AnErr("release_error", releaseErr).
			Str("outcome", string(OutcomeSetupFailed)).
			Msg("failed to store session")
		return nil, fmt.Errorf("store session: %w", err)
	}
	observability.SetActiveSessions(m.store.Count())
	m.notify(sess)
	logger.Info().Bool("registered", handle.Registered()).Msg("session started")

	sess.ArmTimeout(m.cfg.Timeout, func() { m.expire(sess) })

	if m.shuttingDown() {
		m.cleanup(id, OutcomeShutdown, nil)
		return nil, ErrShuttingDown
	}

	if handle.Registered() {
		sess.MarkResponded()
		sess.SetStatus(session.StatusAlreadyRegistered)
		m.notify(sess)
		m.cleanup(id, OutcomeAlreadyRegistered, nil)
		return &Result{SessionID: id, AlreadyRegistered: true}, nil
	}

	if err := m.wait(ctx, sess, m.cfg.PairingDelay); err != nil {
		return nil, err
	}

	code, err := m.requestCode(ctx, sess)
	if err != nil {
		m.cleanup(id, OutcomeSetupFailed, err)
		return nil, fmt.Errorf("request pairing code: %w", err)
	}

	if _, live := m.store.Get(id); !live {
		return nil, ErrSessionClosed
	}
	if !sess.MarkResponded() {
		m.cleanup(id, OutcomeDuplicateResponse, nil)
		return nil, ErrAlreadyResponded
	}

	sess.SetStatus(session.StatusAwaitingCode)
	m.notify(sess)
	logger.Info().Msg("pairing code issued")

	m.wg.Add(1)
	go m.supervise(sess, logger)

	return &Result{SessionID: id, Code: code}, nil
}

// provision allocates an id whose directory did not exist yet.
func (m *Manager) provision() (string, string, error) {
	var lastErr error
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := m.newID()
		if _, live := m.store.Get(id); live {
			lastErr = session.ErrSessionExists
			continue
		}
		dir, err := m.workspace.Provision(id)
		if err == nil {
			return id, dir, nil
		}
		if !errors.Is(err, session.ErrSessionExists) {
			return "", "", fmt.Errorf("provision session directory: %w", err)
		}
		lastErr = err
	}
	return "", "", fmt.Errorf("allocate session id: %w", lastErr)
}

// wait sleeps for d unless the request or the session ends first. A
// cancelled request cleans the session up.
func (m *Manager) wait(ctx context.Context, sess *session.Session, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-sess.Done():
		return ErrSessionClosed
	case <-ctx.Done():
		m.cleanup(sess.ID, OutcomeSetupFailed, ctx.Err())
		return ctx.Err()
	}
}

// requestCode asks for a pairing code, abandoning the call if the session
// is cleaned up meanwhile.
func (m *Manager) requestCode(ctx context.Context, sess *session.Session) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sess.Context(), cancel)
	defer stop()

	code, err := sess.Handle().RequestPairingCode(ctx, sess.PhoneNumber)
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", ErrEmptyPairingCode
	}
	return code, nil
}

// Lookup returns a snapshot of the live session id.
func (m *Manager) Lookup(id string) (session.Snapshot, bool) {
	sess, ok := m.store.Get(id)
	if !ok {
		return session.Snapshot{}, false
	}
	return sess.Snapshot(), true
}

// List returns snapshots of all live sessions, oldest first.
func (m *Manager) List() []session.Snapshot {
	sessions := m.store.List()
	snaps := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		snaps = append(snaps, sess.Snapshot())
	}
	return snaps
}

// Active returns the number of live sessions.
func (m *Manager) Active() int {
	return m.store.Count()
}

// Shutdown stops accepting new sessions, cleans up every live one and waits
// for in-flight work to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shutdown = true
	m.mu.Unlock()

	for _, sess := range m.store.List() {
		m.cleanup(sess.ID, OutcomeShutdown, nil)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for sessions: %w", ctx.Err())
	}
}

func (m *Manager) track() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return false
	}
	m.wg.Add(1)
	return true
}

func (m *Manager) shuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shutdown
}

func (m *Manager) notify(sess *session.Session) {
	if m.observer != nil {
		m.observer.SessionChanged(sess.Snapshot())
	}
}
