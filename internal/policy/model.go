package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/chatform-dev/chatform/internal/completion"
	"github.com/chatform-dev/chatform/internal/observability"
)

// ModelClassifier combines the lexical vocabularies with a model judgment.
// End, skip, and vague phrases are matched lexically first so explicit
// requests never depend on a network call; everything else is put to the
// model to separate answers from off-topic and vague messages. On any model
// failure the message is treated as an answer, the safe default.
type ModelClassifier struct {
	client  completion.Client
	model   string
	lexical *LexicalClassifier
}

// NewModelClassifier creates a model-backed classifier.
func NewModelClassifier(client completion.Client, model string) *ModelClassifier {
	return &ModelClassifier{
		client:  client,
		model:   model,
		lexical: NewLexicalClassifier(),
	}
}

const classifyPrompt = `You judge one message in a conversational survey.

Current question: %q
Question type: %s
%sRespondent message: %q

Classify the message as exactly one of:
- "answer": it addresses the question, even partially or informally
- "off_topic": it is unrelated to the question
- "vague": it is too short or ambiguous to map to the question

Respond with JSON: {"intent": "<answer|off_topic|vague>"}`

type classifyResult struct {
	Intent string `json:"intent"`
}

// Classify implements Classifier.
func (c *ModelClassifier) Classify(ctx context.Context, tc TurnContext) (Intent, error) {
	intent, err := c.lexical.Classify(ctx, tc)
	if err == nil && intent != IntentAnswer {
		return intent, nil
	}

	if tc.Question == "" {
		return IntentAnswer, nil
	}

	ctx, span := observability.StartSpan(ctx, "policy.classify", map[string]any{
		"question_type": string(tc.QuestionType),
	})
	defer span.End()

	options := ""
	if len(tc.Options) > 0 {
		options = fmt.Sprintf("Options: %s\n", strings.Join(tc.Options, ", "))
	}

	resp, err := c.client.CompleteStructured(ctx, completion.StructuredRequest{
		Request: completion.Request{
			Model:       c.model,
			Temperature: 0.1,
			MaxTokens:   50,
			Messages: []completion.Message{
				{Role: "user", Content: fmt.Sprintf(classifyPrompt, tc.Question, tc.QuestionType, options, tc.Message)},
			},
		},
	})
	if err != nil {
		log.Printf("intent classification failed, defaulting to answer: %v", err)
		return IntentAnswer, nil
	}

	var result classifyResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		log.Printf("intent classification returned malformed JSON, defaulting to answer: %v", err)
		return IntentAnswer, nil
	}

	parsed := Intent(result.Intent)
	if !parsed.Valid() {
		return IntentAnswer, nil
	}
	return parsed, nil
}
