package policy

import (
	"context"
	"strings"

	"github.com/chatform-dev/chatform/pkg/form"
)

// TurnContext is what a classifier sees for one message.
type TurnContext struct {
	// Question is the text of the current question, "" when none remains.
	Question string
	// QuestionType drives vagueness judgment for typed questions.
	QuestionType form.QuestionType
	// Options is the choice list for multiple_choice questions.
	Options []string
	// Message is the respondent's message.
	Message string
}

// Classifier assigns exactly one intent to a message.
type Classifier interface {
	Classify(ctx context.Context, tc TurnContext) (Intent, error)
}

// LexicalClassifier matches messages against fixed vocabularies. It cannot
// detect off-topic messages; anything it does not recognize is an answer.
type LexicalClassifier struct{}

// NewLexicalClassifier creates a vocabulary-based classifier.
func NewLexicalClassifier() *LexicalClassifier {
	return &LexicalClassifier{}
}

var endPhrases = map[string]bool{
	"done": true, "i'm done": true, "im done": true, "all done": true,
	"stop": true, "quit": true, "exit": true, "end": true,
	"finish": true, "finished": true, "i'm finished": true, "im finished": true,
	"that's all": true, "thats all": true, "that is all": true,
	"no more": true, "no more questions": true, "i want to stop": true,
	"bye": true, "goodbye": true, "end survey": true, "end chat": true,
}

var skipPhrases = map[string]bool{
	"skip": true, "skip it": true, "skip this": true, "skip this one": true,
	"pass": true, "pass on this": true, "next": true, "next question": true,
	"no comment": true, "rather not say": true, "i'd rather not say": true,
	"prefer not to say": true, "prefer not to answer": true,
	"i'd rather not": true, "id rather not": true,
}

var vaguePhrases = map[string]bool{
	"idk": true, "i don't know": true, "i dont know": true, "dont know": true,
	"don't know": true, "dunno": true, "no idea": true,
	"not sure": true, "i'm not sure": true, "im not sure": true,
	"maybe": true, "whatever": true, "hmm": true, "hm": true,
	"huh": true, "eh": true, "meh": true, "?": true, "...": true,
}

// Normalize lowercases a message and strips surrounding whitespace and
// trailing sentence punctuation so vocabulary lookups are stable.
func Normalize(message string) string {
	s := strings.ToLower(strings.TrimSpace(message))
	s = strings.TrimRight(s, ".!")
	return strings.Join(strings.Fields(s), " ")
}

// Classify implements Classifier.
func (c *LexicalClassifier) Classify(ctx context.Context, tc TurnContext) (Intent, error) {
	msg := Normalize(tc.Message)

	switch {
	case endPhrases[msg]:
		return IntentEnd, nil
	case skipPhrases[msg]:
		return IntentSkip, nil
	case vaguePhrases[msg]:
		return IntentVague, nil
	case msg == "":
		return IntentVague, nil
	}

	return IntentAnswer, nil
}
