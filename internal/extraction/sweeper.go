package extraction

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/chatform-dev/chatform/pkg/session"
)

// Sweeper periodically re-enqueues ended sessions that never produced an
// extracted response. It is the safety net for jobs lost to a full queue or
// a process restart.
type Sweeper struct {
	sessions *session.Repository
	store    ResponseStore
	queue    *Queue
	window   time.Duration
	cron     *cron.Cron
	entryID  cron.EntryID
}

// NewSweeper creates a sweeper that looks back window for ended sessions.
func NewSweeper(sessions *session.Repository, store ResponseStore, queue *Queue, window time.Duration) *Sweeper {
	if window <= 0 {
		window = 24 * time.Hour
	}
	return &Sweeper{
		sessions: sessions,
		store:    store,
		queue:    queue,
		window:   window,
		cron:     cron.New(),
	}
}

// Start schedules sweeps on the given cron spec (e.g. "@every 15m").
func (s *Sweeper) Start(spec string) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			log.Printf("extraction sweep failed: %v", err)
		}
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cron.Start()
	return nil
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Sweep runs one pass and returns the number of sessions re-enqueued.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	ids, err := s.sessions.ListEndedSince(ctx, s.window)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, id := range ids {
		exists, err := s.store.Exists(ctx, id)
		if err != nil {
			log.Printf("sweep existence check failed for session %s: %v", id, err)
			continue
		}
		if exists {
			continue
		}
		if s.queue.Enqueue(id, "sweep") {
			enqueued++
		}
	}

	if enqueued > 0 {
		log.Printf("sweep re-enqueued %d ended sessions for extraction", enqueued)
	}
	return enqueued, nil
}
