package form

import (
	"context"
	"errors"
)

// Common errors for form lookups.
var (
	// ErrFormNotFound is returned when no form exists for the given ID.
	ErrFormNotFound = errors.New("form not found")
	// ErrFormInactive is returned when the form exists but is not accepting
	// responses.
	ErrFormInactive = errors.New("form is not active")
)

// Provider resolves form IDs into snapshots and maintains per-form response
// counters. Implementations must be safe for concurrent use.
type Provider interface {
	// Snapshot returns a point-in-time copy of the form.
	// Returns ErrFormNotFound if the form doesn't exist and ErrFormInactive
	// if it exists but is disabled.
	Snapshot(ctx context.Context, formID string) (*Snapshot, error)

	// IncrementResponseCount atomically bumps the form's response counter
	// and returns the new value.
	IncrementResponseCount(ctx context.Context, formID string) (int64, error)

	// CreatorContact returns the notification recipient for the form's
	// creator, or "" when none is configured.
	CreatorContact(ctx context.Context, formID string) (string, error)
}
