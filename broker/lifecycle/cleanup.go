package lifecycle

import (
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"github.com/wricardo/paircode-broker/broker/session"
	"github.com/wricardo/paircode-broker/observability"
)

// Outcome names the trigger that ended a session.
type Outcome string

const (
	OutcomeCompleted         Outcome = "completed"
	OutcomeAlreadyRegistered Outcome = "already_registered"
	OutcomeSetupFailed       Outcome = "setup_failed"
	OutcomeDuplicateResponse Outcome = "duplicate_response"
	OutcomeAuthRejected      Outcome = "auth_rejected"
	OutcomeConnectionLost    Outcome = "connection_lost"
	OutcomeClosedUnknown     Outcome = "closed_unknown"
	OutcomeCredentialMissing Outcome = "credential_missing"
	OutcomeDeliveryFailed    Outcome = "delivery_failed"
	OutcomeTimedOut          Outcome = "timed_out"
	OutcomeShutdown          Outcome = "shutdown"
)

func (o Outcome) level() zerolog.Level {
	switch o {
	case OutcomeCompleted, OutcomeAlreadyRegistered, OutcomeTimedOut, OutcomeShutdown:
		return zerolog.InfoLevel
	case OutcomeAuthRejected, OutcomeConnectionLost, OutcomeClosedUnknown:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// cleanup ends the session id. Removal from the store is the claim: only
// the first caller for a session does any work, later callers return false.
func (m *Manager) cleanup(id string, outcome Outcome, cause error) bool {
	sess, ok := m.store.Remove(id)
	if !ok {
		return false
	}

	sess.SetStatus(session.StatusClosing)
	sess.Finish()
	m.notify(sess)

	err := multierr.Combine(
		sess.Handle().Close(),
		m.workspace.Remove(id),
	)

	sess.SetStatus(session.StatusClosed)
	m.notify(sess)

	lifetime := time.Since(sess.CreatedAt)
	observability.RecordSessionEnded(string(outcome), lifetime)
	observability.SetActiveSessions(m.store.Count())

	event := m.logger.WithLevel(outcome.level()).
		Str("session_id", id).
		Str("phone", session.MaskPhone(sess.PhoneNumber)).
		Str("outcome", string(outcome)).
		Dur("lifetime", lifetime)
	if cause != nil {
		event = event.AnErr("cause", cause)
	}
	event.Msg("session ended")

	if err != nil {
		m.logger.Error().Err(err).Str("session_id", id).Msg("session cleanup incomplete")
	}
	return true
}
