package policy

import (
	"context"
	"fmt"

	"github.com/chatform-dev/chatform/pkg/session"
)

// Action is what the conversation controller must do with the session.
type Action string

const (
	// ActionRecord writes the message as the answer and advances the cursor.
	ActionRecord Action = "record"
	// ActionSkip writes the skip sentinel and advances the cursor.
	ActionSkip Action = "skip"
	// ActionConfirmEnd enters the confirmation sub-dialog without ending.
	ActionConfirmEnd Action = "confirm_end"
	// ActionRedirect replies with a redirect phrase; no cursor movement.
	ActionRedirect Action = "redirect"
	// ActionForceEnd ends the session because the redirect cap was hit.
	ActionForceEnd Action = "force_end"
	// ActionClarify asks one follow-up; no state change.
	ActionClarify Action = "clarify"
)

// Decision is the policy verdict for one message.
type Decision struct {
	Intent Intent
	Action Action
	// Reply is the policy's reply fragment; the controller may append the
	// next question text to it.
	Reply string
}

// EndReasonMaxRedirects is recorded when the redirect cap forces an end.
const EndReasonMaxRedirects = "max_redirects"

// DefaultRedirectPhrasings is the ordered redirect ladder. The phrase for
// the nth redirect is entry n-1, clamped to the last entry.
var DefaultRedirectPhrasings = []string{
	"That's interesting, but let's get back to the survey.",
	"I'd love to chat, but let's focus on the question.",
	"Let's stick to the survey so we can finish up.",
}

// EngineConfig holds the policy parameters.
type EngineConfig struct {
	// MaxRedirects is the hard cap on off-topic redirects per session.
	MaxRedirects int
	// RedirectPhrasings overrides DefaultRedirectPhrasings when non-empty.
	RedirectPhrasings []string
}

// Engine turns a classified message into a decision against session state.
// It reads session counters but never mutates the session; executing the
// decision is the controller's job.
type Engine struct {
	classifier   Classifier
	maxRedirects int
	redirects    []string
}

// NewEngine creates a policy engine over the given classifier.
func NewEngine(classifier Classifier, cfg EngineConfig) *Engine {
	maxRedirects := cfg.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}
	redirects := cfg.RedirectPhrasings
	if len(redirects) == 0 {
		redirects = DefaultRedirectPhrasings
	}
	return &Engine{
		classifier:   classifier,
		maxRedirects: maxRedirects,
		redirects:    redirects,
	}
}

// Decide classifies the message and resolves it into an action.
func (e *Engine) Decide(ctx context.Context, sess *session.Session, message string) (Decision, error) {
	tc := TurnContext{Message: message}
	q, idx, ok := sess.NextQuestion()
	if ok {
		tc.Question = q.Text
		tc.QuestionType = q.Type
		tc.Options = q.Options
	}

	intent, err := e.classifier.Classify(ctx, tc)
	if err != nil {
		return Decision{}, fmt.Errorf("classify message: %w", err)
	}

	switch intent {
	case IntentEnd:
		return Decision{
			Intent: intent,
			Action: ActionConfirmEnd,
			Reply:  "It sounds like you'd like to wrap up. Should I end the survey here? (yes/no)",
		}, nil

	case IntentSkip:
		return Decision{
			Intent: intent,
			Action: ActionSkip,
			Reply:  "No problem, let's move on.",
		}, nil

	case IntentOffTopic:
		count := sess.Meta.RedirectCount + 1
		if count >= e.maxRedirects {
			return Decision{
				Intent: intent,
				Action: ActionForceEnd,
				Reply:  "It seems like now isn't a good time. Thanks for the answers you gave; I'll wrap up here.",
			}, nil
		}
		return Decision{
			Intent: intent,
			Action: ActionRedirect,
			Reply:  e.redirectPhrase(count),
		}, nil

	case IntentVague:
		// One clarification per question, then whatever comes next is kept.
		if ok && sess.Meta.LastClarifiedIndex == idx {
			return Decision{Intent: IntentAnswer, Action: ActionRecord}, nil
		}
		return Decision{
			Intent: intent,
			Action: ActionClarify,
			Reply:  fmt.Sprintf("Could you say a bit more? %s", tc.Question),
		}, nil

	default:
		return Decision{Intent: IntentAnswer, Action: ActionRecord}, nil
	}
}

func (e *Engine) redirectPhrase(count int) string {
	idx := count - 1
	if idx >= len(e.redirects) {
		idx = len(e.redirects) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return e.redirects[idx]
}
