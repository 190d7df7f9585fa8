// Package extraction converts ended-session transcripts into durable
// structured response records. A bounded in-process queue feeds a single
// worker goroutine; extraction is at-most-once per session, guarded by an
// existence check on the response store.
package extraction

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	obs "github.com/chatform-dev/chatform/pkg/observability"
)

var (
	// ErrQueueClosed is returned by Dequeue once the queue is closed and
	// drained; the consumer should exit.
	ErrQueueClosed = errors.New("extraction queue closed")
	// ErrNoJob is returned by Dequeue when the wait elapsed with nothing
	// to hand out.
	ErrNoJob = errors.New("no extraction job available")
)

// Job is one extraction request. It lives only in the in-process queue; a
// restart drops unconsumed jobs and the sweeper re-finds them later.
type Job struct {
	SessionID string    `json:"session_id"`
	Reason    string    `json:"reason"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Queue is a bounded, non-blocking job queue.
type Queue struct {
	jobs   chan Job
	mu     sync.Mutex
	closed bool
}

// NewQueue creates a queue holding at most size jobs.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{jobs: make(chan Job, size)}
}

// Enqueue pushes a job without blocking. It returns false, and logs, when
// the queue is full or closed; the caller's turn still succeeds either way.
func (q *Queue) Enqueue(sessionID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		log.Printf("extraction queue closed, dropping job for session %s", sessionID)
		return false
	}

	job := Job{SessionID: sessionID, Reason: reason, QueuedAt: time.Now().UTC()}
	select {
	case q.jobs <- job:
		obs.SetExtractionQueueDepth(len(q.jobs))
		return true
	default:
		log.Printf("extraction queue full, dropping job for session %s (reason: %s)", sessionID, reason)
		obs.RecordExtractionJob("dropped_queue_full", 0)
		return false
	}
}

// Dequeue pulls one job, waiting at most wait so the worker can observe
// shutdown between polls. It returns ErrNoJob when the wait elapsed and
// ErrQueueClosed once the queue is closed and fully drained.
func (q *Queue) Dequeue(ctx context.Context, wait time.Duration) (Job, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case job, open := <-q.jobs:
		if !open {
			return Job{}, ErrQueueClosed
		}
		obs.SetExtractionQueueDepth(len(q.jobs))
		return job, nil
	case <-timer.C:
		return Job{}, ErrNoJob
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Close stops accepting jobs. Queued jobs can still be drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}
