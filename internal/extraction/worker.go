package extraction

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/chatform-dev/chatform/internal/observability"
	"github.com/chatform-dev/chatform/pkg/form"
	obs "github.com/chatform-dev/chatform/pkg/observability"
	"github.com/chatform-dev/chatform/pkg/session"
)

// Worker is the single consumer of the extraction queue. One worker per
// process keeps extraction single-flight by construction, so two jobs for
// the same session can never race each other.
type Worker struct {
	queue      *Queue
	sessions   *session.Repository
	chain      *Chain
	store      ResponseStore
	forms      form.Provider
	notifier   Notifier
	milestones []int64
	pollWait   time.Duration
	jobTimeout time.Duration
}

// WorkerConfig holds worker parameters.
type WorkerConfig struct {
	// Milestones are the response counts that trigger a creator
	// notification.
	Milestones []int64
	// PollWait is how long one queue poll blocks before rechecking for
	// shutdown.
	PollWait time.Duration
	// JobTimeout bounds one job end to end. The worker is a single
	// consumer, so a job that never finishes would stall the whole
	// pipeline.
	JobTimeout time.Duration
}

// NewWorker creates an extraction worker.
func NewWorker(queue *Queue, sessions *session.Repository, chain *Chain, store ResponseStore, forms form.Provider, notifier Notifier, cfg WorkerConfig) *Worker {
	milestones := cfg.Milestones
	if len(milestones) == 0 {
		milestones = []int64{1, 5, 10}
	}
	pollWait := cfg.PollWait
	if pollWait <= 0 {
		pollWait = time.Second
	}
	jobTimeout := cfg.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = 5 * time.Minute
	}
	return &Worker{
		queue:      queue,
		sessions:   sessions,
		chain:      chain,
		store:      store,
		forms:      forms,
		notifier:   notifier,
		milestones: milestones,
		pollWait:   pollWait,
		jobTimeout: jobTimeout,
	}
}

// Run consumes jobs until the context is canceled or the queue is closed
// and drained. Failures are logged and the job dropped; nothing retries
// automatically.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.pollWait)
		if errors.Is(err, ErrQueueClosed) {
			return nil
		}
		if err != nil {
			continue
		}
		w.Process(ctx, job)
	}
}

// Process handles a single job end to end under the job timeout, so a hung
// completion call cannot stall the pipeline behind it.
func (w *Worker) Process(ctx context.Context, job Job) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "extraction.process", map[string]any{
		"session_id": job.SessionID,
		"reason":     job.Reason,
	})
	defer span.End()

	status := w.process(ctx, job)
	obs.RecordExtractionJob(status, time.Since(start))
}

func (w *Worker) process(ctx context.Context, job Job) string {
	// Idempotency guard: one extracted response per session, ever.
	exists, err := w.store.Exists(ctx, job.SessionID)
	if err != nil {
		log.Printf("extraction existence check failed for session %s: %v", job.SessionID, err)
		return "failed"
	}
	if exists {
		log.Printf("extraction already done for session %s, skipping", job.SessionID)
		return "skipped_duplicate"
	}

	sess, err := w.sessions.Load(ctx, job.SessionID)
	if err != nil {
		log.Printf("extraction load failed for session %s: %v", job.SessionID, err)
		return "failed"
	}

	resp, err := w.chain.Extract(ctx, sess)
	if err != nil {
		log.Printf("extraction failed for session %s: %v", job.SessionID, err)
		return "failed"
	}

	if err := w.store.Save(ctx, resp); err != nil {
		log.Printf("extraction save failed for session %s: %v", job.SessionID, err)
		return "failed"
	}

	w.recordMilestone(ctx, sess)
	return "completed"
}

// recordMilestone bumps the form's response counter and notifies the
// creator when the new count lands on a milestone. Failures here never fail
// the job; the response is already durable.
func (w *Worker) recordMilestone(ctx context.Context, sess *session.Session) {
	count, err := w.forms.IncrementResponseCount(ctx, sess.FormID)
	if err != nil {
		log.Printf("response counter increment failed for form %s: %v", sess.FormID, err)
		return
	}

	if !w.isMilestone(count) || w.notifier == nil {
		return
	}

	recipient, err := w.forms.CreatorContact(ctx, sess.FormID)
	if err != nil || recipient == "" {
		return
	}

	if err := w.notifier.NotifyMilestone(ctx, recipient, sess.Form.Title, count, sess.FormID); err != nil {
		log.Printf("milestone notification failed for form %s: %v", sess.FormID, err)
	}
}

func (w *Worker) isMilestone(count int64) bool {
	for _, m := range w.milestones {
		if count == m {
			return true
		}
	}
	return false
}
