package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MemoryBackend implements Backend in process memory. Sessions are stored
// as serialized documents so loads return independent copies, matching the
// isolation a real document store gives callers.
type MemoryBackend struct {
	mu     sync.RWMutex
	docs   map[string][]byte
	ended  map[string]time.Time
	closed bool
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		docs:  make(map[string][]byte),
		ended: make(map[string]time.Time),
	}
}

// Load retrieves a session by ID.
func (b *MemoryBackend) Load(ctx context.Context, sessionID string) (*Session, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	data, ok := b.docs[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// Save creates or updates a session document.
func (b *MemoryBackend) Save(ctx context.Context, sess *Session) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	b.docs[sess.ID] = data
	if sess.Meta.Ended {
		b.ended[sess.ID] = sess.Meta.EndTime
	}
	return nil
}

// ListEndedSince returns IDs of sessions that ended within the window.
func (b *MemoryBackend) ListEndedSince(ctx context.Context, window time.Duration) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}

	cutoff := time.Now().Add(-window)
	var ids []string
	for id, endedAt := range b.ended {
		if endedAt.After(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Put stores a raw document, bypassing serialization of a Session value.
// Tests use it to plant corrupt documents.
func (b *MemoryBackend) Put(sessionID string, doc []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[sessionID] = doc
}

// Close marks the backend closed.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
