// Package session provides conversation session state and persistence.
// A session is one respondent's conversation against one form snapshot:
// an append-only chat history, an answer map keyed by question index, and
// a small state record driving the turn-by-turn policy.
package session

import (
	"time"

	"github.com/chatform-dev/chatform/pkg/form"
)

// SkipValue is the sentinel stored when a respondent explicitly skips a
// question rather than answering it.
const SkipValue = "[SKIP]"

// Role identifies the author of a chat message.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// State is the conversation sub-state driving message interpretation.
type State string

const (
	// StateNormal means the next user message is handled by the policy engine.
	StateNormal State = "normal"
	// StateConfirmationPending means the next user message is interpreted
	// only as confirm/decline for ending the session, never as an answer.
	StateConfirmationPending State = "confirmation_pending"
)

// Message is a single chat history entry. History is append-only; entries
// are never mutated in place.
type Message struct {
	Role      string    `json:"role" firestore:"role"`
	Content   string    `json:"content" firestore:"content"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
}

// Answer is one recorded response for a question index.
type Answer struct {
	Value     string    `json:"value" firestore:"value"`
	Timestamp time.Time `json:"timestamp" firestore:"timestamp"`
	// Source records where the value came from: "chat" for live turns,
	// a transcript excerpt for extracted values.
	Source string `json:"source,omitempty" firestore:"source,omitempty"`
	// Confidence is set only on extracted answers.
	Confidence float64 `json:"confidence,omitempty" firestore:"confidence,omitempty"`
	// QuestionText is denormalized onto extracted answers for reporting.
	QuestionText string `json:"question_text,omitempty" firestore:"question_text,omitempty"`
}

// Skipped reports whether this answer is the explicit skip sentinel.
func (a Answer) Skipped() bool {
	return a.Value == SkipValue
}

// Metadata is the session state record. Fields are named and typed rather
// than held in an open map so invalid states are unrepresentable.
type Metadata struct {
	StartTime     time.Time         `json:"start_time" firestore:"start_time"`
	SkipCount     int               `json:"skip_count" firestore:"skip_count"`
	RedirectCount int               `json:"redirect_count" firestore:"redirect_count"`
	Ended         bool              `json:"ended" firestore:"ended"`
	EndTime       time.Time         `json:"end_time,omitempty" firestore:"end_time,omitempty"`
	EndReason     string            `json:"end_reason,omitempty" firestore:"end_reason,omitempty"`
	Partial       bool              `json:"partial" firestore:"partial"`
	State         State             `json:"conversation_state" firestore:"conversation_state"`
	DeviceID      string            `json:"device_id,omitempty" firestore:"device_id,omitempty"`
	Location      map[string]string `json:"location,omitempty" firestore:"location,omitempty"`
	// LastClarifiedIndex is the question index that already consumed its one
	// allowed clarification; -1 when no question has been clarified yet.
	LastClarifiedIndex int `json:"last_clarified_index" firestore:"last_clarified_index"`
}

// Session is the unit of conversation state.
type Session struct {
	ID     string `json:"session_id" firestore:"session_id"`
	FormID string `json:"form_id" firestore:"form_id"`
	// Form is the snapshot copied at session start; immutable afterwards.
	Form *form.Snapshot `json:"form_snapshot" firestore:"form_snapshot"`
	// Responses maps question index (as a string key) to the recorded answer.
	Responses map[string]Answer `json:"responses" firestore:"responses"`
	// CurrentQuestionIndex is the cursor into Form.Questions. It never
	// decreases while State is normal.
	CurrentQuestionIndex int       `json:"current_question_index" firestore:"current_question_index"`
	History              []Message `json:"chat_history" firestore:"chat_history"`
	Meta                 Metadata  `json:"metadata" firestore:"metadata"`
	LastUpdated          time.Time `json:"last_updated" firestore:"last_updated"`
}

// New creates a fresh session around a form snapshot.
func New(id string, snap *form.Snapshot, deviceID string, location map[string]string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:        id,
		FormID:    snap.FormID,
		Form:      snap,
		Responses: make(map[string]Answer),
		History:   []Message{},
		Meta: Metadata{
			StartTime:          now,
			State:              StateNormal,
			DeviceID:           deviceID,
			Location:           location,
			LastClarifiedIndex: -1,
		},
		LastUpdated: now,
	}
}

// AppendMessage appends a chat history entry with the current timestamp.
func (s *Session) AppendMessage(role, content string) {
	s.History = append(s.History, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// Answered returns the number of non-skip responses recorded so far.
func (s *Session) Answered() int {
	n := 0
	for _, a := range s.Responses {
		if !a.Skipped() {
			n++
		}
	}
	return n
}

// NextQuestion returns the first enabled, unanswered question at or after the
// cursor along with its index. ok is false when no such question remains.
func (s *Session) NextQuestion() (q *form.Question, idx int, ok bool) {
	if s.Form == nil {
		return nil, 0, false
	}
	for i := s.CurrentQuestionIndex; i < len(s.Form.Questions); i++ {
		if !s.Form.Questions[i].Enabled {
			continue
		}
		if _, answered := s.Responses[IndexKey(i)]; answered {
			continue
		}
		return &s.Form.Questions[i], i, true
	}
	return nil, 0, false
}

// RecordAnswer stores an answer at the given question index.
func (s *Session) RecordAnswer(idx int, a Answer) {
	s.Responses[IndexKey(idx)] = a
}

// End marks the session terminal. Partial is derived from the fraction of
// enabled questions answered against the configured completion threshold.
func (s *Session) End(reason string, completionThreshold float64) {
	now := time.Now().UTC()
	s.Meta.Ended = true
	s.Meta.EndTime = now
	s.Meta.EndReason = reason
	s.Meta.State = StateNormal
	enabled := s.Form.EnabledCount()
	s.Meta.Partial = float64(s.Answered()) < float64(enabled)*completionThreshold
}

// Age returns the time elapsed since the session started.
func (s *Session) Age() time.Duration {
	return time.Since(s.Meta.StartTime)
}

// LastMessageAt returns the timestamp of the most recent history entry, or
// the zero time when the history is empty.
func (s *Session) LastMessageAt() time.Time {
	if len(s.History) == 0 {
		return time.Time{}
	}
	return s.History[len(s.History)-1].Timestamp
}
