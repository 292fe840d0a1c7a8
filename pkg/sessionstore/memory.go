package sessionstore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process session store for tests and development.
// Expiry is evaluated lazily on access.
type MemoryStore struct {
	ttl      time.Duration
	sessions map[string]*memorySession
	mu       sync.Mutex
	now      func() time.Time
}

type memorySession struct {
	session   Session
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory session store.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl:      ttl,
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

// Create issues a new session id.
func (s *MemoryStore) Create(_ context.Context, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	session := Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		CreatedAt: now,
		LastSeen:  now,
	}
	s.sessions[session.ID] = &memorySession{session: session, expiresAt: now.Add(s.ttl)}
	return &session, nil
}

// Get returns the session and slides its TTL forward.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(sessionID)
	if !ok {
		return nil, ErrNotFound
	}
	now := s.now()
	entry.session.LastSeen = now
	entry.expiresAt = now.Add(s.ttl)
	out := entry.session
	return &out, nil
}

// Touch slides the TTL forward.
func (s *MemoryStore) Touch(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(sessionID)
	if !ok {
		return ErrNotFound
	}
	entry.expiresAt = s.now().Add(s.ttl)
	return nil
}

// Delete removes the session.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// live returns the entry if present and unexpired, dropping expired entries.
// Caller holds s.mu.
func (s *MemoryStore) live(sessionID string) (*memorySession, bool) {
	entry, ok := s.sessions[sessionID]
	if !ok {
		return nil, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.sessions, sessionID)
		return nil, false
	}
	return entry, true
}
