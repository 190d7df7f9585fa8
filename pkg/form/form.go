// Package form provides read-only access to form definitions.
// A form is a titled, ordered list of questions; sessions operate on an
// immutable snapshot of the form taken at session-start time so that live
// edits never retroactively change an in-progress conversation.
package form

import (
	"time"
)

// QuestionType identifies how a question's answer is interpreted downstream.
type QuestionType string

const (
	// TypeText is a free-form text answer.
	TypeText QuestionType = "text"
	// TypeMultipleChoice is an answer matched against a fixed option list.
	TypeMultipleChoice QuestionType = "multiple_choice"
	// TypeYesNo is a boolean-style answer.
	TypeYesNo QuestionType = "yes_no"
	// TypeRating is a 1-5 scale answer.
	TypeRating QuestionType = "rating"
	// TypeNumber is a numeric answer, kept as a string until export.
	TypeNumber QuestionType = "number"
)

// Question is a single form question.
type Question struct {
	// Text is the question as shown to the respondent.
	Text string `json:"text" firestore:"text"`
	// Type determines answer normalization during extraction.
	Type QuestionType `json:"type" firestore:"type"`
	// Options is the choice list for multiple_choice questions.
	Options []string `json:"options,omitempty" firestore:"options,omitempty"`
	// Enabled marks whether the question is asked at all.
	Enabled bool `json:"enabled" firestore:"enabled"`
}

// Snapshot is a point-in-time copy of a form.
// It is embedded in every session and never mutated afterwards.
type Snapshot struct {
	FormID    string     `json:"form_id" firestore:"form_id"`
	Title     string     `json:"title" firestore:"title"`
	CreatorID string     `json:"creator_id,omitempty" firestore:"creator_id,omitempty"`
	Active    bool       `json:"active" firestore:"active"`
	Questions []Question `json:"questions" firestore:"questions"`
	// TakenAt is when this snapshot was copied from the live form.
	TakenAt time.Time `json:"taken_at" firestore:"taken_at"`
}

// EnabledCount returns the number of questions the respondent can be asked.
func (s *Snapshot) EnabledCount() int {
	n := 0
	for _, q := range s.Questions {
		if q.Enabled {
			n++
		}
	}
	return n
}

// QuestionAt returns the question at index i, or nil when out of range.
func (s *Snapshot) QuestionAt(i int) *Question {
	if i < 0 || i >= len(s.Questions) {
		return nil
	}
	return &s.Questions[i]
}
