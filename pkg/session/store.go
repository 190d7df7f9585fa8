package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// ValidationError reports a structurally invalid stored session document.
// A corrupt or partially written document must never surface as a usable
// empty session.
type ValidationError struct {
	SessionID string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("session %s failed validation: %s", e.SessionID, e.Reason)
}

// Backend abstracts session persistence.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Load retrieves a session by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	Load(ctx context.Context, sessionID string) (*Session, error)

	// Save creates or updates a session document.
	Save(ctx context.Context, sess *Session) error

	// ListEndedSince returns the IDs of sessions that ended within the given
	// window. Used by the extraction sweeper to find ended-but-unextracted
	// sessions.
	ListEndedSince(ctx context.Context, window time.Duration) ([]string, error)

	// Close releases any resources held by the backend.
	Close() error
}

// IndexKey converts a question index into its string map key.
func IndexKey(i int) string {
	return strconv.Itoa(i)
}

// ParseIndexKey converts a string map key back into a question index.
func ParseIndexKey(key string) (int, error) {
	return strconv.Atoi(key)
}

// Validate checks the structural invariants a stored session must satisfy.
func (s *Session) Validate() error {
	switch {
	case s.ID == "":
		return &ValidationError{SessionID: s.ID, Reason: "missing session_id"}
	case s.FormID == "":
		return &ValidationError{SessionID: s.ID, Reason: "missing form_id"}
	case s.Form == nil:
		return &ValidationError{SessionID: s.ID, Reason: "missing form_snapshot"}
	case len(s.Form.Questions) == 0:
		return &ValidationError{SessionID: s.ID, Reason: "form_snapshot has no questions"}
	}
	for key := range s.Responses {
		idx, err := ParseIndexKey(key)
		if err != nil {
			return &ValidationError{SessionID: s.ID, Reason: fmt.Sprintf("non-numeric response key %q", key)}
		}
		if idx < 0 || idx >= len(s.Form.Questions) {
			return &ValidationError{SessionID: s.ID, Reason: fmt.Sprintf("response index %d out of range", idx)}
		}
	}
	return nil
}
