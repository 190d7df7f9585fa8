package conversation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatform-dev/chatform/internal/policy"
	"github.com/chatform-dev/chatform/pkg/form"
	"github.com/chatform-dev/chatform/pkg/session"
)

// scriptedClassifier maps exact messages to intents; everything else is
// classified lexically.
type scriptedClassifier struct {
	intents map[string]policy.Intent
	lexical *policy.LexicalClassifier
	err     error
}

func newScriptedClassifier(intents map[string]policy.Intent) *scriptedClassifier {
	return &scriptedClassifier{intents: intents, lexical: policy.NewLexicalClassifier()}
}

func (s *scriptedClassifier) Classify(ctx context.Context, tc policy.TurnContext) (policy.Intent, error) {
	if s.err != nil {
		return "", s.err
	}
	if intent, ok := s.intents[tc.Message]; ok {
		return intent, nil
	}
	return s.lexical.Classify(ctx, tc)
}

// recordingQueue records enqueued jobs; full simulates a saturated queue.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []string
	full bool
}

func (q *recordingQueue) Enqueue(sessionID, reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.full {
		return false
	}
	q.jobs = append(q.jobs, sessionID+":"+reason)
	return true
}

func (q *recordingQueue) Jobs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.jobs))
	copy(out, q.jobs)
	return out
}

func testForms(t *testing.T) *form.MemoryProvider {
	t.Helper()
	p := form.NewMemoryProvider()
	p.Put(&form.Snapshot{
		FormID: "form-1",
		Title:  "the coffee survey",
		Active: true,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
			{Text: "Rate your last cup from 1 to 5.", Type: form.TypeRating, Enabled: true},
			{Text: "Would you recommend our cafe?", Type: form.TypeYesNo, Enabled: true},
		},
	})
	return p
}

type fixture struct {
	controller *Controller
	sessions   *session.Repository
	forms      *form.MemoryProvider
	queue      *recordingQueue
	classifier *scriptedClassifier
}

func newFixture(t *testing.T, intents map[string]policy.Intent) *fixture {
	t.Helper()
	classifier := newScriptedClassifier(intents)
	engine := policy.NewEngine(classifier, policy.EngineConfig{MaxRedirects: 3})
	sessions := session.NewRepository(session.NewMemoryBackend())
	t.Cleanup(func() { _ = sessions.Close() })
	queue := &recordingQueue{}
	forms := testForms(t)
	controller := NewController(sessions, forms, engine, queue, Config{})
	return &fixture{controller: controller, sessions: sessions, forms: forms, queue: queue, classifier: classifier}
}

func (f *fixture) start(t *testing.T) string {
	t.Helper()
	resp, err := f.controller.StartSession(context.Background(), StartRequest{FormID: "form-1"})
	require.NoError(t, err)
	return resp.SessionID
}

func TestStartSessionGreetsWithFirstQuestion(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := f.controller.StartSession(context.Background(), StartRequest{FormID: "form-1", DeviceID: "dev-1"})
	require.NoError(t, err)
	assert.Contains(t, resp.Greeting, "the coffee survey")
	assert.Contains(t, resp.Greeting, "How often do you drink coffee?")

	sess, err := f.sessions.Load(context.Background(), resp.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", sess.Meta.DeviceID)
	assert.Len(t, sess.History, 1)
}

func TestStartSessionUnknownForm(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.controller.StartSession(context.Background(), StartRequest{FormID: "nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, form.ErrFormNotFound)
}

func TestStartSessionInactiveForm(t *testing.T) {
	f := newFixture(t, nil)
	forms := testForms(t)
	forms.Put(&form.Snapshot{FormID: "off", Active: false, Questions: []form.Question{{Text: "q", Type: form.TypeText, Enabled: true}}})
	f.controller.forms = forms

	_, err := f.controller.StartSession(context.Background(), StartRequest{FormID: "off"})
	assert.ErrorIs(t, err, form.ErrFormInactive)
}

func TestAnswerAdvancesToNextQuestion(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)

	resp := f.controller.ProcessTurn(context.Background(), id, "Two cups every morning")
	require.True(t, resp.Success)
	assert.False(t, resp.Ended)
	assert.Contains(t, resp.Reply, "Rate your last cup")

	sess, err := f.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Two cups every morning", sess.Responses[session.IndexKey(0)].Value)
	assert.Equal(t, 1, sess.CurrentQuestionIndex)
}

func TestSkipWritesSentinelAndAdvances(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)

	resp := f.controller.ProcessTurn(context.Background(), id, "skip")
	require.True(t, resp.Success)
	assert.False(t, resp.Ended)

	sess, err := f.sessions.Load(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, session.SkipValue, sess.Responses[session.IndexKey(0)].Value)
	assert.Equal(t, 1, sess.CurrentQuestionIndex)
	assert.Equal(t, 1, sess.Meta.SkipCount)
}

func TestOffTopicRedirectsThenForcesEnd(t *testing.T) {
	f := newFixture(t, map[string]policy.Intent{
		"what's the weather": policy.IntentOffTopic,
		"tell me a joke":     policy.IntentOffTopic,
		"anyway":             policy.IntentOffTopic,
	})
	id := f.start(t)
	ctx := context.Background()

	r1 := f.controller.ProcessTurn(ctx, id, "what's the weather")
	require.True(t, r1.Success)
	assert.False(t, r1.Ended)

	r2 := f.controller.ProcessTurn(ctx, id, "tell me a joke")
	require.True(t, r2.Success)
	assert.False(t, r2.Ended)
	assert.NotEqual(t, r1.Reply, r2.Reply)

	r3 := f.controller.ProcessTurn(ctx, id, "anyway")
	require.True(t, r3.Success)
	assert.True(t, r3.Ended)
	assert.True(t, r3.ExtractionTriggered)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Meta.Ended)
	assert.Equal(t, policy.EndReasonMaxRedirects, sess.Meta.EndReason)
	assert.Equal(t, 3, sess.Meta.RedirectCount)
	assert.Len(t, f.queue.Jobs(), 1)
}

func TestEndConfirmationFlow(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	// "I'm done" opens the confirmation sub-dialog without ending.
	r1 := f.controller.ProcessTurn(ctx, id, "I'm done")
	require.True(t, r1.Success)
	assert.False(t, r1.Ended)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StateConfirmationPending, sess.Meta.State)
	assert.Equal(t, 0, sess.CurrentQuestionIndex)

	// Declining returns to the same question.
	r2 := f.controller.ProcessTurn(ctx, id, "no")
	require.True(t, r2.Success)
	assert.False(t, r2.Ended)
	assert.Contains(t, r2.Reply, "How often do you drink coffee?")

	sess, err = f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.StateNormal, sess.Meta.State)
	assert.Empty(t, f.queue.Jobs())

	// Asking again and confirming ends the session and enqueues extraction.
	f.controller.ProcessTurn(ctx, id, "I'm done")
	r3 := f.controller.ProcessTurn(ctx, id, "yes")
	require.True(t, r3.Success)
	assert.True(t, r3.Ended)

	sess, err = f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Meta.Ended)
	assert.Equal(t, EndReasonUserRequested, sess.Meta.EndReason)
	assert.Len(t, f.queue.Jobs(), 1)
}

func TestAnsweringEveryQuestionCompletes(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	f.controller.ProcessTurn(ctx, id, "Two cups a day")
	f.controller.ProcessTurn(ctx, id, "I'd say 4")
	resp := f.controller.ProcessTurn(ctx, id, "Definitely yes")

	require.True(t, resp.Success)
	assert.True(t, resp.Ended)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EndReasonCompleted, sess.Meta.EndReason)
	assert.False(t, sess.Meta.Partial)
	assert.Len(t, f.queue.Jobs(), 1)
}

func TestEarlyEndMarksPartial(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	f.controller.ProcessTurn(ctx, id, "Two cups a day")
	f.controller.ProcessTurn(ctx, id, "I'm done")
	f.controller.ProcessTurn(ctx, id, "yes")

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Meta.Ended)
	assert.True(t, sess.Meta.Partial, "1 of 3 answered is below the completion threshold")
}

func TestVagueClarifiesOnceThenAccepts(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	r1 := f.controller.ProcessTurn(ctx, id, "idk")
	require.True(t, r1.Success)
	assert.Contains(t, r1.Reply, "How often do you drink coffee?")

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.CurrentQuestionIndex)
	assert.Equal(t, 0, sess.Meta.LastClarifiedIndex)

	// The second vague message is kept as the answer.
	r2 := f.controller.ProcessTurn(ctx, id, "dunno")
	require.True(t, r2.Success)

	sess, err = f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "dunno", sess.Responses[session.IndexKey(0)].Value)
	assert.Equal(t, 1, sess.CurrentQuestionIndex)
}

func TestFailedTurnPersistsNothing(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	f.classifier.err = errors.New("classifier unavailable")

	resp := f.controller.ProcessTurn(ctx, id, "Two cups a day")
	assert.False(t, resp.Success)
	assert.Equal(t, apologyReply, resp.Reply)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1, "failed turn must not persist the user message")
	assert.Empty(t, sess.Responses)
}

func TestTurnOnEndedSessionIsNoOp(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	f.controller.ProcessTurn(ctx, id, "I'm done")
	f.controller.ProcessTurn(ctx, id, "yes")

	resp := f.controller.ProcessTurn(ctx, id, "hello again")
	require.True(t, resp.Success)
	assert.True(t, resp.Ended)
	assert.Len(t, f.queue.Jobs(), 1, "no second extraction for an already ended session")
}

func TestStaleSessionTimesOut(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	sess.Meta.StartTime = time.Now().Add(-25 * time.Hour)
	require.NoError(t, f.sessions.Save(ctx, sess))

	resp := f.controller.ProcessTurn(ctx, id, "hello?")
	require.True(t, resp.Success)
	assert.True(t, resp.Ended)

	sess, err = f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, EndReasonSessionTimeout, sess.Meta.EndReason)
}

func TestQueueFullStillCommitsTurn(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()
	f.queue.full = true

	f.controller.ProcessTurn(ctx, id, "I'm done")
	resp := f.controller.ProcessTurn(ctx, id, "yes")

	require.True(t, resp.Success)
	assert.True(t, resp.Ended)
	assert.False(t, resp.ExtractionTriggered)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.True(t, sess.Meta.Ended, "queue saturation must not fail the turn")
}

func TestUnknownSessionReturnsApology(t *testing.T) {
	f := newFixture(t, nil)
	resp := f.controller.ProcessTurn(context.Background(), "missing", "hi")
	assert.False(t, resp.Success)
	assert.Equal(t, apologyReply, resp.Reply)
}

// flakyForms lets tests inject Snapshot failures after a session started.
type flakyForms struct {
	*form.MemoryProvider
	mu      sync.Mutex
	snapErr error
}

func (p *flakyForms) setSnapshotErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapErr = err
}

func (p *flakyForms) Snapshot(ctx context.Context, formID string) (*form.Snapshot, error) {
	p.mu.Lock()
	err := p.snapErr
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p.MemoryProvider.Snapshot(ctx, formID)
}

func TestDeactivatedFormFailsTurnSoftly(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	f.forms.Put(&form.Snapshot{
		FormID: "form-1",
		Title:  "the coffee survey",
		Active: false,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
		},
	})

	resp := f.controller.ProcessTurn(ctx, id, "every day")
	assert.False(t, resp.Success)
	assert.False(t, resp.Ended)
	assert.Contains(t, resp.Reply, "currently unavailable")

	// Nothing persisted: the greeting is still the only history entry and
	// the cursor never moved.
	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Len(t, sess.History, 1)
	assert.Empty(t, sess.Responses)
	assert.Equal(t, 0, sess.CurrentQuestionIndex)
}

func TestReactivatedFormResumesSession(t *testing.T) {
	f := newFixture(t, nil)
	id := f.start(t)
	ctx := context.Background()

	inactive := &form.Snapshot{
		FormID: "form-1",
		Title:  "the coffee survey",
		Active: false,
		Questions: []form.Question{
			{Text: "How often do you drink coffee?", Type: form.TypeText, Enabled: true},
		},
	}
	f.forms.Put(inactive)
	resp := f.controller.ProcessTurn(ctx, id, "every day")
	assert.False(t, resp.Success)

	active := *inactive
	active.Active = true
	f.forms.Put(&active)
	resp = f.controller.ProcessTurn(ctx, id, "every day")
	require.True(t, resp.Success)

	sess, err := f.sessions.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "every day", sess.Responses["0"].Value)
}

func TestFormCheckToleratesProviderOutage(t *testing.T) {
	classifier := newScriptedClassifier(nil)
	engine := policy.NewEngine(classifier, policy.EngineConfig{MaxRedirects: 3})
	sessions := session.NewRepository(session.NewMemoryBackend())
	t.Cleanup(func() { _ = sessions.Close() })
	forms := &flakyForms{MemoryProvider: testForms(t)}
	controller := NewController(sessions, forms, engine, &recordingQueue{}, Config{})

	ctx := context.Background()
	start, err := controller.StartSession(ctx, StartRequest{FormID: "form-1"})
	require.NoError(t, err)

	// A storage outage on the activity re-check must not block the turn;
	// the embedded snapshot carries everything the turn needs.
	forms.setSnapshotErr(errors.New("firestore unavailable"))
	resp := controller.ProcessTurn(ctx, start.SessionID, "every day")
	require.True(t, resp.Success)
	assert.False(t, resp.Ended)

	sess, err := sessions.Load(ctx, start.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "every day", sess.Responses["0"].Value)
}
