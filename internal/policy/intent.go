// Package policy classifies respondent messages into intents and decides
// how the conversation reacts to each one. Classification is pluggable;
// the priority order and the redirect cap are not.
package policy

// Intent is the single classification assigned to a user message.
// When several could apply, the smaller Priority wins.
type Intent string

const (
	// IntentEnd is a request to finish the conversation.
	IntentEnd Intent = "end"
	// IntentSkip is a request to skip the current question.
	IntentSkip Intent = "skip"
	// IntentOffTopic is a message unrelated to the current question.
	IntentOffTopic Intent = "off_topic"
	// IntentVague is a message too short or ambiguous to record.
	IntentVague Intent = "vague"
	// IntentAnswer is the default: the message answers the current question.
	IntentAnswer Intent = "answer"
)

// Priority returns the resolution rank of an intent; lower wins.
func (i Intent) Priority() int {
	switch i {
	case IntentEnd:
		return 0
	case IntentSkip:
		return 1
	case IntentOffTopic:
		return 2
	case IntentVague:
		return 3
	default:
		return 4
	}
}

// Valid reports whether the value is one of the known intents.
func (i Intent) Valid() bool {
	switch i {
	case IntentEnd, IntentSkip, IntentOffTopic, IntentVague, IntentAnswer:
		return true
	}
	return false
}
