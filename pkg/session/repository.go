package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Repository serves sessions from a process-local cache in front of a
// storage backend. Reads are read-your-writes: Save updates the cache
// (write-through), and a cache hit never goes to the backend.
//
// The cache is shared across request-handling goroutines; the map itself is
// mutex-guarded, but the repository performs no per-session locking. One
// respondent drives one session from one device, so concurrent turns on the
// same session ID are an accepted risk, not a supported mode.
type Repository struct {
	backend Backend
	mu      sync.RWMutex
	cache   map[string]*Session
}

// NewRepository creates a repository over the given backend.
func NewRepository(backend Backend) *Repository {
	return &Repository{
		backend: backend,
		cache:   make(map[string]*Session),
	}
}

// Load returns the session for the given ID, consulting the cache first.
// A stored document that fails structural validation is rejected and the
// cache entry for that key is evicted.
func (r *Repository) Load(ctx context.Context, sessionID string) (*Session, error) {
	r.mu.RLock()
	if sess, ok := r.cache[sessionID]; ok {
		r.mu.RUnlock()
		return sess, nil
	}
	r.mu.RUnlock()

	sess, err := r.backend.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if err := sess.Validate(); err != nil {
		r.evict(sessionID)
		return nil, err
	}

	r.mu.Lock()
	r.cache[sessionID] = sess
	r.mu.Unlock()

	return sess, nil
}

// Save persists the session and updates the cache (write-through).
func (r *Repository) Save(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	sess.LastUpdated = time.Now().UTC()
	if err := r.backend.Save(ctx, sess); err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}

	r.mu.Lock()
	r.cache[sess.ID] = sess
	r.mu.Unlock()

	return nil
}

// ListEndedSince delegates to the backend.
func (r *Repository) ListEndedSince(ctx context.Context, window time.Duration) ([]string, error) {
	return r.backend.ListEndedSince(ctx, window)
}

// Evict drops the cache entry for a session ID, if present.
func (r *Repository) Evict(sessionID string) {
	r.evict(sessionID)
}

func (r *Repository) evict(sessionID string) {
	r.mu.Lock()
	delete(r.cache, sessionID)
	r.mu.Unlock()
}

// Close releases the underlying backend.
func (r *Repository) Close() error {
	r.mu.Lock()
	r.cache = make(map[string]*Session)
	r.mu.Unlock()
	return r.backend.Close()
}
