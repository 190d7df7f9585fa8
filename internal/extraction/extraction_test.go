package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatform-dev/chatform/internal/completion"
	"github.com/chatform-dev/chatform/pkg/form"
	"github.com/chatform-dev/chatform/pkg/session"
)

// stubCompletion returns a fixed structured payload or error.
type stubCompletion struct {
	data string
	err  error
}

func (s *stubCompletion) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	return &completion.Response{Content: s.data}, s.err
}

func (s *stubCompletion) CompleteStructured(ctx context.Context, req completion.StructuredRequest) (*completion.StructuredResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &completion.StructuredResponse{Data: json.RawMessage(s.data)}, nil
}

func extractionSession() *session.Session {
	sess := session.New("sess-1", &form.Snapshot{
		FormID: "form-1",
		Title:  "Coffee habits",
		Active: true,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
			{Text: "Rate your last cup", Type: form.TypeRating, Enabled: true},
			{Text: "Favorite brew method?", Type: form.TypeMultipleChoice, Options: []string{"Espresso", "Filter", "French press"}, Enabled: true},
			{Text: "Would you recommend us?", Type: form.TypeYesNo, Enabled: true},
		},
	}, "", nil)
	sess.AppendMessage(session.RoleAssistant, "How often do you drink coffee?")
	sess.AppendMessage(session.RoleUser, "pretty much every day")
	sess.End("completed", 0.8)
	return sess
}

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue(2)
	defer q.Close()

	require.True(t, q.Enqueue("sess-1", "completed"))
	assert.Equal(t, 1, q.Depth())

	job, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", job.SessionID)
	assert.Equal(t, "completed", job.Reason)
	assert.False(t, job.QueuedAt.IsZero())
}

func TestQueueFullDropsWithoutBlocking(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	require.True(t, q.Enqueue("sess-1", "completed"))
	assert.False(t, q.Enqueue("sess-2", "completed"), "second enqueue must be dropped, not block")
	assert.Equal(t, 1, q.Depth())
}

func TestQueueClosedRejects(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	assert.False(t, q.Enqueue("sess-1", "completed"))
}

func TestQueueDequeueTimesOut(t *testing.T) {
	q := NewQueue(1)
	defer q.Close()

	start := time.Now()
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoJob)
	assert.Less(t, time.Since(start), time.Second)
}

func TestQueueCloseDrainsThenReportsClosed(t *testing.T) {
	q := NewQueue(2)
	require.True(t, q.Enqueue("sess-1", "completed"))
	q.Close()

	// Queued jobs survive the close.
	job, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", job.SessionID)

	_, err = q.Dequeue(context.Background(), 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestNormalizeValue(t *testing.T) {
	tests := []struct {
		name  string
		qtype form.QuestionType
		opts  []string
		value string
		want  string
	}{
		{"yes word", form.TypeYesNo, nil, "Yeah", "yes"},
		{"yes sentence", form.TypeYesNo, nil, "definitely, loved it", "yes"},
		{"no word", form.TypeYesNo, nil, "nope", "no"},
		{"yes_no unclear", form.TypeYesNo, nil, "the weather maybe", "unclear"},
		{"rating digit", form.TypeRating, nil, "I'd say 4 stars", "4"},
		{"rating word", form.TypeRating, nil, "it was amazing", "5"},
		{"rating terrible", form.TypeRating, nil, "terrible honestly", "1"},
		{"rating unclear", form.TypeRating, nil, "could not tell", "unclear"},
		{"choice match", form.TypeMultipleChoice, []string{"Espresso", "Filter"}, "probably espresso", "Espresso"},
		{"choice other", form.TypeMultipleChoice, []string{"Espresso", "Filter"}, "cold brew", "other"},
		{"choice empty", form.TypeMultipleChoice, []string{"Espresso", "Filter"}, "", "other"},
		{"choice whitespace", form.TypeMultipleChoice, []string{"Espresso", "Filter"}, "   ", "other"},
		{"text passthrough", form.TypeText, nil, "every day", "every day"},
		{"number passthrough", form.TypeNumber, nil, "about 3", "about 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := form.Question{Type: tt.qtype, Options: tt.opts}
			assert.Equal(t, tt.want, normalizeValue(q, tt.value))
		})
	}
}

func TestChainExtractNormalizesAndGates(t *testing.T) {
	payload := `{"responses": {
		"0": {"value": "every day", "confidence": 0.95, "source": "pretty much every day"},
		"1": {"value": "it was amazing", "confidence": 0.9, "source": "amazing"},
		"2": {"value": "probably espresso", "confidence": 0.85, "source": "espresso"},
		"3": {"value": "definitely", "confidence": 0.4, "source": "definitely"}
	}}`
	chain := NewChain(&stubCompletion{data: payload}, ChainConfig{Model: "gpt-4o-mini"})

	resp, err := chain.Extract(context.Background(), extractionSession())
	require.NoError(t, err)

	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, "form-1", resp.FormID)
	assert.Equal(t, "every day", resp.Responses["0"].Value)
	assert.Equal(t, "5", resp.Responses["1"].Value)
	assert.Equal(t, "Espresso", resp.Responses["2"].Value)
	_, ok := resp.Responses["3"]
	assert.False(t, ok, "low-confidence candidate must be discarded")
	assert.Equal(t, "gpt-4o-mini", resp.ExtractedBy)
}

func TestChainExtractKeepsExistingOverLowConfidence(t *testing.T) {
	sess := extractionSession()
	sess.RecordAnswer(0, session.Answer{Value: "twice a day", Source: "chat"})

	payload := `{"responses": {"0": {"value": "rarely", "confidence": 0.3, "source": "guess"}}}`
	chain := NewChain(&stubCompletion{data: payload}, ChainConfig{})

	resp, err := chain.Extract(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, "twice a day", resp.Responses["0"].Value)
}

func TestChainExtractPreservesSkips(t *testing.T) {
	sess := extractionSession()
	sess.RecordAnswer(1, session.Answer{Value: session.SkipValue, Source: "chat"})

	payload := `{"responses": {"1": {"value": "4", "confidence": 0.99, "source": "transcript"}}}`
	chain := NewChain(&stubCompletion{data: payload}, ChainConfig{})

	resp, err := chain.Extract(context.Background(), sess)
	require.NoError(t, err)
	assert.Equal(t, session.SkipValue, resp.Responses["1"].Value, "explicit skips are final")
}

func TestChainExtractIgnoresUnknownIndexes(t *testing.T) {
	payload := `{"responses": {"42": {"value": "x", "confidence": 0.9, "source": "s"}, "abc": {"value": "y", "confidence": 0.9, "source": "s"}}}`
	chain := NewChain(&stubCompletion{data: payload}, ChainConfig{})

	resp, err := chain.Extract(context.Background(), extractionSession())
	require.NoError(t, err)
	assert.Empty(t, resp.Responses)
}

func TestChainExtractMalformedOutput(t *testing.T) {
	chain := NewChain(&stubCompletion{data: "not json"}, ChainConfig{})
	_, err := chain.Extract(context.Background(), extractionSession())
	assert.ErrorIs(t, err, ErrMalformedOutput)
}

func TestChainExtractCompletionFailure(t *testing.T) {
	chain := NewChain(&stubCompletion{err: errors.New("service down")}, ChainConfig{})
	_, err := chain.Extract(context.Background(), extractionSession())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrMalformedOutput)
}

// notifierRecorder records milestone notifications.
type notifierRecorder struct {
	calls []int64
}

func (n *notifierRecorder) NotifyMilestone(ctx context.Context, recipient, formTitle string, responseCount int64, formID string) error {
	n.calls = append(n.calls, responseCount)
	return nil
}

type workerFixture struct {
	worker   *Worker
	queue    *Queue
	sessions *session.Repository
	store    *MemoryResponseStore
	forms    *form.MemoryProvider
	notifier *notifierRecorder
}

func newWorkerFixture(t *testing.T, client completion.Client) *workerFixture {
	t.Helper()

	sessions := session.NewRepository(session.NewMemoryBackend())
	t.Cleanup(func() { _ = sessions.Close() })

	forms := form.NewMemoryProvider()
	forms.Put(&form.Snapshot{
		FormID: "form-1",
		Title:  "Coffee habits",
		Active: true,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
		},
	})
	forms.SetCreatorContact("form-1", "creator@example.com")

	queue := NewQueue(10)
	t.Cleanup(queue.Close)
	store := NewMemoryResponseStore()
	notifier := &notifierRecorder{}
	chain := NewChain(client, ChainConfig{})
	worker := NewWorker(queue, sessions, chain, store, forms, notifier, WorkerConfig{
		Milestones: []int64{1, 5, 10},
		PollWait:   10 * time.Millisecond,
	})

	return &workerFixture{worker: worker, queue: queue, sessions: sessions, store: store, forms: forms, notifier: notifier}
}

func (f *workerFixture) saveSession(t *testing.T, id string) {
	t.Helper()
	sess := session.New(id, &form.Snapshot{
		FormID: "form-1",
		Title:  "Coffee habits",
		Active: true,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
		},
	}, "", nil)
	sess.AppendMessage(session.RoleUser, "every day")
	sess.End("completed", 0.8)
	require.NoError(t, f.sessions.Save(context.Background(), sess))
}

func TestWorkerProcessCompletes(t *testing.T) {
	payload := `{"responses": {"0": {"value": "every day", "confidence": 0.9, "source": "every day"}}}`
	f := newWorkerFixture(t, &stubCompletion{data: payload})
	f.saveSession(t, "sess-1")

	f.worker.Process(context.Background(), Job{SessionID: "sess-1", Reason: "completed"})

	stored := f.store.Get("sess-1")
	require.NotNil(t, stored)
	assert.Equal(t, "every day", stored.Responses["0"].Value)

	// First response is a milestone.
	assert.Equal(t, []int64{1}, f.notifier.calls)
}

func TestWorkerSkipsDuplicate(t *testing.T) {
	payload := `{"responses": {"0": {"value": "every day", "confidence": 0.9, "source": "s"}}}`
	f := newWorkerFixture(t, &stubCompletion{data: payload})
	f.saveSession(t, "sess-1")

	f.worker.Process(context.Background(), Job{SessionID: "sess-1"})
	f.worker.Process(context.Background(), Job{SessionID: "sess-1"})

	// Counter bumped once, notified once.
	assert.Equal(t, []int64{1}, f.notifier.calls)
}

func TestWorkerDropsFailedJob(t *testing.T) {
	f := newWorkerFixture(t, &stubCompletion{err: errors.New("service down")})
	f.saveSession(t, "sess-1")

	f.worker.Process(context.Background(), Job{SessionID: "sess-1"})

	assert.Nil(t, f.store.Get("sess-1"))
	assert.Empty(t, f.notifier.calls)
}

func TestWorkerRunObservesShutdown(t *testing.T) {
	f := newWorkerFixture(t, &stubCompletion{data: `{"responses": {}}`})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestWorkerRunExitsWhenQueueCloses(t *testing.T) {
	f := newWorkerFixture(t, &stubCompletion{data: `{"responses": {}}`})

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(context.Background()) }()

	f.queue.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept polling after the queue closed")
	}
}

// blockingCompletion hangs until the call's context is cancelled, like a
// provider that accepted the connection and never answers.
type blockingCompletion struct{}

func (blockingCompletion) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (blockingCompletion) CompleteStructured(ctx context.Context, req completion.StructuredRequest) (*completion.StructuredResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWorkerBoundsHungCompletion(t *testing.T) {
	f := newWorkerFixture(t, blockingCompletion{})
	f.saveSession(t, "sess-1")

	worker := NewWorker(f.queue, f.sessions, NewChain(blockingCompletion{}, ChainConfig{}), f.store, f.forms, f.notifier, WorkerConfig{
		PollWait:   10 * time.Millisecond,
		JobTimeout: 50 * time.Millisecond,
	})

	done := make(chan struct{})
	go func() {
		worker.Process(context.Background(), Job{SessionID: "sess-1", Reason: "completed"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hung completion call was not cut off by the job timeout")
	}
	assert.Nil(t, f.store.Get("sess-1"), "a timed-out job must not persist a response")
}

func TestSweeperReenqueuesUnextracted(t *testing.T) {
	f := newWorkerFixture(t, &stubCompletion{data: `{"responses": {}}`})
	f.saveSession(t, "extracted")
	f.saveSession(t, "missed")

	require.NoError(t, f.store.Save(context.Background(), &Response{SessionID: "extracted", FormID: "form-1"}))

	sweeper := NewSweeper(f.sessions, f.store, f.queue, time.Hour)
	n, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err := f.queue.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "missed", job.SessionID)
	assert.Equal(t, "sweep", job.Reason)
}
