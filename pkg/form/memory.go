package form

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-memory Provider for tests and local development.
type MemoryProvider struct {
	mu       sync.RWMutex
	forms    map[string]*Snapshot
	counts   map[string]int64
	contacts map[string]string
}

// NewMemoryProvider creates an empty in-memory provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		forms:    make(map[string]*Snapshot),
		counts:   make(map[string]int64),
		contacts: make(map[string]string),
	}
}

// Put registers a form. The stored snapshot is copied on every lookup.
func (p *MemoryProvider) Put(snap *Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forms[snap.FormID] = snap
}

// SetCreatorContact sets the notification recipient for a form.
func (p *MemoryProvider) SetCreatorContact(formID, contact string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contacts[formID] = contact
}

// Snapshot returns a point-in-time copy of the form.
func (p *MemoryProvider) Snapshot(ctx context.Context, formID string) (*Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	snap, ok := p.forms[formID]
	if !ok {
		return nil, ErrFormNotFound
	}
	if !snap.Active {
		return nil, ErrFormInactive
	}

	out := *snap
	out.Questions = make([]Question, len(snap.Questions))
	copy(out.Questions, snap.Questions)
	out.TakenAt = time.Now().UTC()
	return &out, nil
}

// IncrementResponseCount atomically bumps the form's response counter.
func (p *MemoryProvider) IncrementResponseCount(ctx context.Context, formID string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.forms[formID]; !ok {
		return 0, ErrFormNotFound
	}
	p.counts[formID]++
	return p.counts[formID], nil
}

// CreatorContact returns the configured recipient, or "".
func (p *MemoryProvider) CreatorContact(ctx context.Context, formID string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.contacts[formID], nil
}
