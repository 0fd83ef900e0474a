package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/wricardo/paircode-broker/broker/protocol"
	"github.com/wricardo/paircode-broker/broker/session"
)

const (
	credentialPollMin = 100 * time.Millisecond
	credentialPollMax = 2 * time.Second
)

var (
	errEventsClosed      = errors.New("event stream ended")
	errCredentialMissing = errors.New("credential file not found after connection open")
	errNoIdentity        = errors.New("connection opened without an identity")
)

// supervise consumes the session's events until a terminal one is handled
// or the session is cleaned up by another trigger.
func (m *Manager) supervise(sess *session.Session, logger zerolog.Logger) {
	defer m.wg.Done()

	events := sess.Handle().Events()
	for {
		select {
		case <-sess.Done():
			return
		case ev, ok := <-events:
			if !ok {
				m.cleanup(sess.ID, OutcomeConnectionLost, errEventsClosed)
				return
			}

			logger.Debug().Stringer("event", ev.Kind).Msg("connection event")

			switch ev.Kind {
			case protocol.EventOpen:
				m.handleOpen(sess, ev.Self, logger)
				return
			case protocol.EventClose:
				m.handleClose(sess, ev.Reason)
				return
			case protocol.EventCredentialsUpdated:
				// The handle persists credentials itself.
			}
		}
	}
}

// handleOpen delivers the packaged credential to the linked account and
// ends the session.
func (m *Manager) handleOpen(sess *session.Session, self string, logger zerolog.Logger) {
	sess.SetSelf(self)
	sess.SetStatus(session.StatusOpen)
	m.notify(sess)
	logger.Info().Str("self", self).Msg("connection opened")

	if !sess.Sleep(m.cfg.OpenSettle) {
		return
	}

	path, err := m.workspace.CredentialPath(sess.ID)
	if err != nil {
		m.cleanup(sess.ID, OutcomeCredentialMissing, err)
		return
	}
	found, alive := m.awaitCredential(sess, path)
	if !alive {
		return
	}
	if !found {
		m.cleanup(sess.ID, OutcomeCredentialMissing, fmt.Errorf("%w: %s", errCredentialMissing, path))
		return
	}

	if self == "" {
		m.cleanup(sess.ID, OutcomeDeliveryFailed, errNoIdentity)
		return
	}

	sessionString, err := m.packager.PackageFile(path)
	if err != nil {
		m.cleanup(sess.ID, OutcomeDeliveryFailed, err)
		return
	}

	for i, text := range m.composer.Messages(sessionString) {
		if err := sess.Handle().SendText(sess.Context(), self, text); err != nil {
			m.cleanup(sess.ID, OutcomeDeliveryFailed, fmt.Errorf("send message %d: %w", i+1, err))
			return
		}
	}

	if !sess.Sleep(m.cfg.Flush) {
		return
	}
	m.cleanup(sess.ID, OutcomeCompleted, nil)
}

// awaitCredential polls for the credential file until CredentialWait runs
// out. alive is false if the session was cleaned up while waiting.
func (m *Manager) awaitCredential(sess *session.Session, path string) (found, alive bool) {
	b := &backoff.Backoff{
		Min:    credentialPollMin,
		Max:    credentialPollMax,
		Factor: 2,
		Jitter: true,
	}
	deadline := time.Now().Add(m.cfg.CredentialWait)

	for {
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return true, true
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, true
		}
		d := b.Duration()
		if d > remaining {
			d = remaining
		}
		if !sess.Sleep(d) {
			return false, false
		}
	}
}

func (m *Manager) handleClose(sess *session.Session, reason *protocol.CloseReason) {
	switch {
	case protocol.IsAuthRejection(reason):
		m.cleanup(sess.ID, OutcomeAuthRejected, reason)
	case protocol.IsRetryable(reason):
		m.cleanup(sess.ID, OutcomeConnectionLost, reason)
	default:
		m.cleanup(sess.ID, OutcomeClosedUnknown, nil)
	}
}

// expire runs when the session timeout fires.
func (m *Manager) expire(sess *session.Session) {
	if cur, ok := m.store.Get(sess.ID); !ok || cur != sess {
		return
	}
	m.cleanup(sess.ID, OutcomeTimedOut, nil)
}
