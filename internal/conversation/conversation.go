// Package conversation drives survey sessions turn by turn. The controller
// owns the lifecycle: starting a session from a form, interpreting each user
// message through the policy engine, running the end-confirmation
// sub-dialog, and handing ended sessions to the extraction queue.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/chatform-dev/chatform/internal/observability"
	"github.com/chatform-dev/chatform/internal/policy"
	"github.com/chatform-dev/chatform/pkg/form"
	obs "github.com/chatform-dev/chatform/pkg/observability"
	"github.com/chatform-dev/chatform/pkg/session"
)

// End reasons recorded on session metadata.
const (
	EndReasonCompleted      = "completed"
	EndReasonUserRequested  = "user_requested"
	EndReasonSessionTimeout = "session_timeout"
)

// apologyReply is what the respondent sees when a turn fails internally.
const apologyReply = "Sorry, something went wrong on my end. Could you say that again?"

// Enqueuer hands ended sessions to the extraction pipeline.
type Enqueuer interface {
	// Enqueue is non-blocking; false means the job was dropped.
	Enqueue(sessionID, reason string) bool
}

// StartRequest asks for a new session on a form.
type StartRequest struct {
	FormID   string            `json:"form_id"`
	DeviceID string            `json:"device_id,omitempty"`
	Location map[string]string `json:"location,omitempty"`
}

// StartResponse returns the new session and its greeting message.
type StartResponse struct {
	SessionID string `json:"session_id"`
	Greeting  string `json:"greeting"`
}

// TurnRequest is one user message addressed to an existing session.
type TurnRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// TurnResponse is the outcome of one processed turn.
type TurnResponse struct {
	Reply string `json:"reply"`
	Ended bool   `json:"ended"`
	// Success is false when the turn failed internally and Reply is a
	// generic apology; no session state was persisted in that case.
	Success bool `json:"success"`
	// ExtractionTriggered reports whether this turn ended the session and
	// its extraction job was accepted by the queue.
	ExtractionTriggered bool `json:"extraction_triggered"`
}

// Config holds the controller's policy parameters.
type Config struct {
	// CompletionThreshold is the answered fraction below which an ended
	// session is marked partial.
	CompletionThreshold float64
	// SessionTTL force-ends sessions older than this on their next turn.
	SessionTTL time.Duration
	// RecapGap prepends a short recap when the respondent returns after
	// this much idle time.
	RecapGap time.Duration
}

// Controller implements the conversation lifecycle.
type Controller struct {
	sessions *session.Repository
	forms    form.Provider
	engine   *policy.Engine
	queue    Enqueuer
	cfg      Config
}

// NewController creates a conversation controller.
func NewController(sessions *session.Repository, forms form.Provider, engine *policy.Engine, queue Enqueuer, cfg Config) *Controller {
	if cfg.CompletionThreshold <= 0 {
		cfg.CompletionThreshold = 0.8
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.RecapGap <= 0 {
		cfg.RecapGap = 2 * time.Minute
	}
	return &Controller{
		sessions: sessions,
		forms:    forms,
		engine:   engine,
		queue:    queue,
		cfg:      cfg,
	}
}

// StartSession snapshots the form and opens a new session. The greeting
// already contains the first question.
func (c *Controller) StartSession(ctx context.Context, req StartRequest) (*StartResponse, error) {
	ctx, span := observability.StartSpan(ctx, "conversation.start", map[string]any{"form_id": req.FormID})
	defer span.End()

	snap, err := c.forms.Snapshot(ctx, req.FormID)
	if err != nil {
		return nil, fmt.Errorf("snapshot form %s: %w", req.FormID, err)
	}
	if snap.EnabledCount() == 0 {
		return nil, fmt.Errorf("form %s has no enabled questions", req.FormID)
	}

	sess := session.New(uuid.NewString(), snap, req.DeviceID, req.Location)

	greeting := c.greeting(sess)
	sess.AppendMessage(session.RoleAssistant, greeting)

	if err := c.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}

	obs.RecordSessionStarted()
	return &StartResponse{SessionID: sess.ID, Greeting: greeting}, nil
}

func (c *Controller) greeting(sess *session.Session) string {
	q, _, _ := sess.NextQuestion()
	title := sess.Form.Title
	if title == "" {
		title = "a quick survey"
	}
	return fmt.Sprintf("Hi! You're taking %s. Just answer in your own words; say \"skip\" to pass on a question or \"done\" to stop anytime.\n\n%s", title, q.Text)
}

// ProcessTurn handles one user message. A turn either fully commits or has
// no visible effect: the loaded session is mutated on a private copy and
// persisted only after every step succeeded.
func (c *Controller) ProcessTurn(ctx context.Context, sessionID, userMessage string) *TurnResponse {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "conversation.turn", map[string]any{"session_id": sessionID})
	defer span.End()

	resp, intent, err := c.processTurn(ctx, sessionID, userMessage)
	if err != nil {
		log.Printf("turn failed for session %s: %v", sessionID, err)
		obs.RecordTurn(string(intent), "error", time.Since(start))
		return &TurnResponse{Reply: apologyReply, Ended: false, Success: false}
	}

	obs.RecordTurn(string(intent), "ok", time.Since(start))
	return resp
}

// Turn is ProcessTurn with the request struct used by transport layers.
func (c *Controller) Turn(ctx context.Context, req TurnRequest) *TurnResponse {
	return c.ProcessTurn(ctx, req.SessionID, req.Message)
}

func (c *Controller) processTurn(ctx context.Context, sessionID, userMessage string) (*TurnResponse, policy.Intent, error) {
	stored, err := c.sessions.Load(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}

	// Ended sessions stay ended; repeated messages are a friendly no-op.
	if stored.Meta.Ended {
		return &TurnResponse{
			Reply:   "This conversation has already ended. Thanks again for your time!",
			Ended:   true,
			Success: true,
		}, "", nil
	}

	sess, err := cloneSession(stored)
	if err != nil {
		return nil, "", err
	}

	// Stale sessions are closed out rather than resumed.
	if sess.Age() > c.cfg.SessionTTL {
		sess.End(EndReasonSessionTimeout, c.cfg.CompletionThreshold)
		sess.AppendMessage(session.RoleUser, userMessage)
		reply := "It's been a while, so I've closed this survey. Thanks for the answers you gave!"
		sess.AppendMessage(session.RoleAssistant, reply)
		enqueued, err := c.commit(ctx, sess)
		if err != nil {
			return nil, "", err
		}
		return &TurnResponse{Reply: reply, Ended: true, Success: true, ExtractionTriggered: enqueued}, "", nil
	}

	// The live form may have been deactivated since the session started.
	// The turn fails softly and persists nothing; the session can resume
	// if the form comes back.
	if reply, unavailable := c.formUnavailable(ctx, sess.FormID); unavailable {
		return &TurnResponse{Reply: reply, Ended: false, Success: false}, "", nil
	}

	recap := c.recapPrefix(sess)
	sess.AppendMessage(session.RoleUser, userMessage)

	var reply string
	var intent policy.Intent

	if sess.Meta.State == session.StateConfirmationPending {
		reply = c.handleConfirmation(sess, userMessage)
	} else {
		decision, derr := c.engine.Decide(ctx, sess, userMessage)
		if derr != nil {
			return nil, "", derr
		}
		intent = decision.Intent
		reply = c.apply(sess, decision, userMessage)
	}

	if recap != "" && !sess.Meta.Ended {
		reply = recap + reply
	}

	sess.AppendMessage(session.RoleAssistant, reply)
	enqueued, err := c.commit(ctx, sess)
	if err != nil {
		return nil, intent, err
	}

	return &TurnResponse{
		Reply:               reply,
		Ended:               sess.Meta.Ended,
		Success:             true,
		ExtractionTriggered: enqueued,
	}, intent, nil
}

// formUnavailable re-checks the live form's activity. Provider outages are
// tolerated: the embedded snapshot carries everything a turn needs, so only
// a definite not-found or inactive answer blocks the turn.
func (c *Controller) formUnavailable(ctx context.Context, formID string) (string, bool) {
	if c.forms == nil {
		return "", false
	}
	_, err := c.forms.Snapshot(ctx, formID)
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, form.ErrFormNotFound):
		return "Sorry, this survey is no longer available.", true
	case errors.Is(err, form.ErrFormInactive):
		return "Sorry, this survey is currently unavailable.", true
	default:
		log.Printf("form activity check failed for %s, continuing turn: %v", formID, err)
		return "", false
	}
}

// confirmationAffirmatives is the fixed lexicon for the end-confirmation
// sub-dialog. Anything else counts as a decline.
var confirmationAffirmatives = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "sure": true,
	"ok": true, "okay": true, "y": true,
}

func (c *Controller) handleConfirmation(sess *session.Session, userMessage string) string {
	if confirmationAffirmatives[policy.Normalize(userMessage)] {
		sess.End(EndReasonUserRequested, c.cfg.CompletionThreshold)
		return "Thanks for your time! Your answers have been recorded."
	}

	// Decline: back to normal flow on the same question.
	sess.Meta.State = session.StateNormal
	if q, _, ok := sess.NextQuestion(); ok {
		return fmt.Sprintf("Great, let's keep going.\n\n%s", q.Text)
	}
	return "Great, let's keep going."
}

// apply executes a policy decision against the session and builds the reply.
func (c *Controller) apply(sess *session.Session, d policy.Decision, userMessage string) string {
	q, idx, hasQuestion := sess.NextQuestion()

	switch d.Action {
	case policy.ActionRecord:
		if hasQuestion {
			sess.RecordAnswer(idx, session.Answer{
				Value:     userMessage,
				Timestamp: time.Now().UTC(),
				Source:    "chat",
			})
			sess.CurrentQuestionIndex = idx + 1
		}
		return c.advanceReply(sess, "Got it.")

	case policy.ActionSkip:
		if hasQuestion {
			sess.RecordAnswer(idx, session.Answer{
				Value:     session.SkipValue,
				Timestamp: time.Now().UTC(),
				Source:    "chat",
			})
			sess.Meta.SkipCount++
			sess.CurrentQuestionIndex = idx + 1
		}
		return c.advanceReply(sess, d.Reply)

	case policy.ActionConfirmEnd:
		sess.Meta.State = session.StateConfirmationPending
		return d.Reply

	case policy.ActionRedirect:
		sess.Meta.RedirectCount++
		if hasQuestion {
			return fmt.Sprintf("%s\n\n%s", d.Reply, q.Text)
		}
		return d.Reply

	case policy.ActionForceEnd:
		sess.Meta.RedirectCount++
		sess.End(policy.EndReasonMaxRedirects, c.cfg.CompletionThreshold)
		return d.Reply

	case policy.ActionClarify:
		sess.Meta.LastClarifiedIndex = idx
		return d.Reply

	default:
		return d.Reply
	}
}

// advanceReply appends the next question, or closes the session when none
// remains.
func (c *Controller) advanceReply(sess *session.Session, prefix string) string {
	if q, _, ok := sess.NextQuestion(); ok {
		return fmt.Sprintf("%s\n\n%s", prefix, q.Text)
	}

	sess.End(EndReasonCompleted, c.cfg.CompletionThreshold)
	return fmt.Sprintf("%s That was the last question. Thanks so much for your time!", prefix)
}

// recapPrefix returns a short welcome-back line when the respondent has
// been idle past the recap gap.
func (c *Controller) recapPrefix(sess *session.Session) string {
	last := sess.LastMessageAt()
	if last.IsZero() || time.Since(last) < c.cfg.RecapGap {
		return ""
	}
	if sess.Meta.State == session.StateConfirmationPending {
		return ""
	}
	return fmt.Sprintf("Welcome back! We were on question %d of %d.\n\n", sess.Answered()+sess.Meta.SkipCount+1, sess.Form.EnabledCount())
}

// commit persists the session and, when it just ended, enqueues extraction
// and records the end. Extraction is enqueued only after a successful save
// so the worker never reads a transcript that was not persisted. The bool
// reports whether an extraction job was accepted.
func (c *Controller) commit(ctx context.Context, sess *session.Session) (bool, error) {
	endedNow := sess.Meta.Ended

	if err := c.sessions.Save(ctx, sess); err != nil {
		return false, err
	}

	if !endedNow {
		return false, nil
	}

	obs.RecordSessionEnded(sess.Meta.EndReason)
	if c.queue == nil {
		return false, nil
	}
	if !c.queue.Enqueue(sess.ID, sess.Meta.EndReason) {
		log.Printf("extraction queue full, dropping job for session %s", sess.ID)
		return false, nil
	}
	return true, nil
}

// cloneSession deep-copies a session through its JSON form so a failed turn
// never leaves partial mutations in the repository cache.
func cloneSession(sess *session.Session) (*session.Session, error) {
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("clone session: %w", err)
	}
	var out session.Session
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("clone session: %w", err)
	}
	return &out, nil
}

// IsNotFound reports whether the error means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, session.ErrSessionNotFound)
}
