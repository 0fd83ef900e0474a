package session

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrInvalidSessionID = errors.New("invalid session ID")
)

// Store is the registry of live sessions.
type Store interface {
	// Insert adds sess. It fails with ErrSessionExists if the id is live.
	Insert(sess *Session) error
	Get(id string) (*Session, bool)
	// Remove deletes the entry for id and returns it. Only one of any number
	// of concurrent callers observes ok == true.
	Remove(id string) (*Session, bool)
	List() []*Session
	Count() int
}

// MemoryStore is a Store backed by a map. IDs are case-sensitive.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
	}
}

func (m *MemoryStore) Insert(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return ErrInvalidSessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[sess.ID]; exists {
		return ErrSessionExists
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemoryStore) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

func (m *MemoryStore) Remove(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	return sess, ok
}

// List returns live sessions ordered by creation time.
func (m *MemoryStore) List() []*Session {
	m.mu.RLock()
	result := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		result = append(result, sess)
	}
	m.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
