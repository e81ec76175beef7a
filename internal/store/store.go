// Package store provides session storage backends for RefillPipe.
//
// It includes an in-memory store for tests and single-process deployments,
// plus SQLite, PostgreSQL, and Redis backed implementations selected at
// startup. All backends expose the same SessionStore interface; the engine
// does not know which one it is talking to.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/BTreeMap/RefillPipe/internal/models"
)

// SessionStore is the persistence boundary for conversation sessions.
// GetSession returns (nil, nil) when the session does not exist; absence is
// not an error because the engine transparently creates fresh sessions.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error

	// IdleSessionIDs enumerates sessions not updated since the cutoff,
	// used by the idle-session sweeper.
	IdleSessionIDs(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	// DSN is the backend-specific connection string: a file path for SQLite,
	// a postgres:// URL for PostgreSQL, a redis address for Redis.
	DSN string
	// KeyPrefix namespaces Redis keys. Ignored by SQL backends.
	KeyPrefix string
}

// Option defines a configuration option for store constructors.
type Option func(*Opts)

// WithDSN sets the backend connection string.
func WithDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(o *Opts) { o.KeyPrefix = prefix }
}

// InMemoryStore is a map-backed session store guarded by a RWMutex.
// Sessions are deep-copied on the way in and out so callers can never
// mutate stored state without going through SaveSession.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*models.Session)}
}

// GetSession returns a copy of the stored session, or (nil, nil) if absent.
func (s *InMemoryStore) GetSession(_ context.Context, id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	return sess.Clone(), nil
}

// SaveSession stores a copy of the session.
func (s *InMemoryStore) SaveSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess.Clone()
	return nil
}

// DeleteSession removes the session if present.
func (s *InMemoryStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// IdleSessionIDs returns the IDs of sessions not updated since the cutoff.
func (s *InMemoryStore) IdleSessionIDs(_ context.Context, cutoff time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for id, sess := range s.sessions {
		if sess.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }
