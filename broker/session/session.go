package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wricardo/paircode-broker/broker/protocol"
)

// Status is a session's position in the pairing lifecycle.
type Status string

const (
	StatusPending           Status = "pending"
	StatusAwaitingCode      Status = "registered-awaiting-code"
	StatusAlreadyRegistered Status = "already-registered"
	StatusOpen              Status = "open"
	StatusClosing           Status = "closing"
	StatusClosed            Status = "closed"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	return s == StatusClosing || s == StatusClosed
}

// Session is one in-flight pairing attempt.
type Session struct {
	ID          string
	PhoneNumber string
	Dir         string
	CreatedAt   time.Time

	handle protocol.Handle

	ctx    context.Context
	cancel context.CancelFunc

	responded atomic.Bool

	mu     sync.Mutex
	status Status
	self   string
	timer  *time.Timer
}

// New creates a pending session owning handle.
func New(id, phoneNumber, dir string, handle protocol.Handle) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:          id,
		PhoneNumber: phoneNumber,
		Dir:         dir,
		CreatedAt:   time.Now(),
		handle:      handle,
		ctx:         ctx,
		cancel:      cancel,
		status:      StatusPending,
	}
}

// Handle returns the session's protocol connection.
func (s *Session) Handle() protocol.Handle { return s.handle }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus moves the session to status. Once closed, the status no longer
// changes.
func (s *Session) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusClosed {
		return
	}
	s.status = status
}

// MarkResponded sets the responded flag. It returns true only for the
// caller that flipped it.
func (s *Session) MarkResponded() bool {
	return s.responded.CompareAndSwap(false, true)
}

func (s *Session) Responded() bool { return s.responded.Load() }

// SetSelf records the authenticated identity reported on connection open.
func (s *Session) SetSelf(self string) {
	s.mu.Lock()
	s.self = self
	s.mu.Unlock()
}

func (s *Session) Self() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Context is cancelled when the session is finished.
func (s *Session) Context() context.Context { return s.ctx }

// Done is closed when the session is finished.
func (s *Session) Done() <-chan struct{} { return s.ctx.Done() }

// Sleep pauses for d. It returns false if the session finished first.
func (s *Session) Sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ArmTimeout schedules fn after d. Any previously armed timer is replaced.
func (s *Session) ArmTimeout(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, fn)
}

// Finish cancels the session context and stops the timeout timer.
func (s *Session) Finish() {
	s.cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// Snapshot is a point-in-time view of a session safe to expose to clients.
type Snapshot struct {
	SessionID string    `json:"sessionId"`
	Phone     string    `json:"phone"`
	Status    Status    `json:"status"`
	Responded bool      `json:"responded"`
	CreatedAt time.Time `json:"createdAt"`
	Age       string    `json:"age"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		SessionID: s.ID,
		Phone:     MaskPhone(s.PhoneNumber),
		Status:    s.Status(),
		Responded: s.Responded(),
		CreatedAt: s.CreatedAt,
		Age:       time.Since(s.CreatedAt).Round(time.Second).String(),
	}
}

// MaskPhone hides all but the last four digits of a phone number.
func MaskPhone(phone string) string {
	const visible = 4
	if len(phone) <= visible {
		return phone
	}
	masked := make([]byte, len(phone))
	for i := range masked {
		if i < len(phone)-visible {
			masked[i] = '*'
		} else {
			masked[i] = phone[i]
		}
	}
	return string(masked)
}
