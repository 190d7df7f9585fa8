package extraction

import (
	"context"
	"log"
)

// Notifier tells a form's creator that their response count hit a
// milestone. Implementations are fire-and-forget; failures are logged by
// the worker and never block extraction.
type Notifier interface {
	NotifyMilestone(ctx context.Context, recipient, formTitle string, responseCount int64, formID string) error
}

// LogNotifier writes milestone notifications to the process log. It stands
// in for a real delivery channel in local and test setups.
type LogNotifier struct{}

// NotifyMilestone implements Notifier.
func (LogNotifier) NotifyMilestone(ctx context.Context, recipient, formTitle string, responseCount int64, formID string) error {
	log.Printf("milestone: form %q (%s) reached %d responses, notifying %s", formTitle, formID, responseCount, recipient)
	return nil
}
