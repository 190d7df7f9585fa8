package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/chatform-dev/chatform/internal/completion"
	"github.com/chatform-dev/chatform/pkg/form"
	"github.com/chatform-dev/chatform/pkg/session"
)

// ErrMalformedOutput means the completion could not be parsed into the
// expected structure. The job is dropped; the chain never retries.
var ErrMalformedOutput = errors.New("malformed extraction output")

// ChainConfig holds extraction chain parameters.
type ChainConfig struct {
	// Model is the completion model used for extraction.
	Model string
	// ConfidenceThreshold gates candidate answers; below it the prior
	// answer (if any) is kept untouched.
	ConfidenceThreshold float64
}

// Chain turns one session transcript into normalized per-question answers
// with a single completion call.
type Chain struct {
	client    completion.Client
	model     string
	threshold float64
}

// NewChain creates an extraction chain.
func NewChain(client completion.Client, cfg ChainConfig) *Chain {
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	threshold := cfg.ConfidenceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return &Chain{client: client, model: model, threshold: threshold}
}

type candidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type chainOutput struct {
	Responses map[string]candidate `json:"responses"`
}

// Extract runs one completion call over the transcript and merges the
// result into the session's known answers. Existing answers are only
// replaced by candidates that clear the confidence threshold.
func (c *Chain) Extract(ctx context.Context, sess *session.Session) (*Response, error) {
	resp, err := c.client.CompleteStructured(ctx, completion.StructuredRequest{
		Request: completion.Request{
			Model:       c.model,
			Temperature: 0.1,
			MaxTokens:   2000,
			Messages: []completion.Message{
				{Role: "system", Content: "You extract survey answers from a chat transcript. Respond only with JSON."},
				{Role: "user", Content: buildPrompt(sess)},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("extraction completion: %w", err)
	}

	var out chainOutput
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if out.Responses == nil {
		return nil, fmt.Errorf("%w: missing responses object", ErrMalformedOutput)
	}

	merged := make(map[string]session.Answer, len(sess.Responses))
	for k, v := range sess.Responses {
		merged[k] = v
	}

	for key, cand := range out.Responses {
		idx, err := session.ParseIndexKey(key)
		if err != nil || sess.Form.QuestionAt(idx) == nil {
			continue
		}

		existing, hasExisting := merged[key]

		// Explicit skips are final.
		if hasExisting && existing.Skipped() {
			continue
		}
		if cand.Value == session.SkipValue {
			merged[key] = session.Answer{
				Value:        session.SkipValue,
				Timestamp:    time.Now().UTC(),
				Source:       cand.Source,
				Confidence:   cand.Confidence,
				QuestionText: sess.Form.Questions[idx].Text,
			}
			continue
		}

		if cand.Confidence < c.threshold {
			continue
		}

		q := sess.Form.Questions[idx]
		merged[key] = session.Answer{
			Value:        normalizeValue(q, cand.Value),
			Timestamp:    time.Now().UTC(),
			Source:       cand.Source,
			Confidence:   cand.Confidence,
			QuestionText: q.Text,
		}
	}

	return &Response{
		SessionID:   sess.ID,
		FormID:      sess.FormID,
		Responses:   merged,
		Metadata:    sess.Meta,
		Partial:     sess.Meta.Partial,
		ExtractedBy: c.model,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func buildPrompt(sess *session.Session) string {
	var b strings.Builder

	b.WriteString("Questions:\n")
	for i, q := range sess.Form.Questions {
		if !q.Enabled {
			continue
		}
		fmt.Fprintf(&b, "%d. [%s] %s", i, q.Type, q.Text)
		if len(q.Options) > 0 {
			fmt.Fprintf(&b, " (options: %s)", strings.Join(q.Options, ", "))
		}
		b.WriteString("\n")
	}

	if len(sess.Responses) > 0 {
		b.WriteString("\nAnswers already recorded during the chat:\n")
		known, _ := json.Marshal(sess.Responses)
		b.Write(known)
		b.WriteString("\n")
	}

	b.WriteString("\nTranscript:\n")
	for _, m := range sess.History {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}

	b.WriteString(`
Extract the respondent's answer to every question you can. For each, give a confidence between 0 and 1 and quote the transcript excerpt it came from as "source". Use the question index as the key.

Respond with JSON shaped: {"responses": {"<index>": {"value": "...", "confidence": 0.0, "source": "..."}}}`)

	return b.String()
}

var ratingWords = map[string]string{
	"terrible": "1", "awful": "1", "horrible": "1",
	"bad": "2", "poor": "2", "meh": "2",
	"okay": "3", "ok": "3", "average": "3", "fine": "3", "decent": "3",
	"good": "4", "great": "4", "nice": "4",
	"amazing": "5", "excellent": "5", "fantastic": "5", "perfect": "5", "awesome": "5",
}

var ratingDigit = regexp.MustCompile(`[1-5]`)

var yesWords = map[string]bool{
	"yes": true, "yeah": true, "yep": true, "sure": true, "definitely": true,
	"absolutely": true, "of course": true, "y": true, "true": true,
}

var noWords = map[string]bool{
	"no": true, "nope": true, "nah": true, "never": true, "n": true, "false": true,
}

// normalizeValue applies per-type normalization to an extracted value.
func normalizeValue(q form.Question, value string) string {
	switch q.Type {
	case form.TypeYesNo:
		return normalizeYesNo(value)
	case form.TypeRating:
		return normalizeRating(value)
	case form.TypeMultipleChoice:
		return normalizeChoice(value, q.Options)
	default:
		// text and number pass through; numeric parsing is downstream's
		// concern.
		return value
	}
}

func normalizeYesNo(value string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	v = strings.TrimRight(v, ".!")
	switch {
	case yesWords[v]:
		return "yes"
	case noWords[v]:
		return "no"
	}
	for _, token := range strings.FieldsFunc(v, func(r rune) bool {
		return r == ' ' || r == ',' || r == '.' || r == '!' || r == '?'
	}) {
		if yesWords[token] {
			return "yes"
		}
		if noWords[token] {
			return "no"
		}
	}
	return "unclear"
}

func normalizeRating(value string) string {
	if m := ratingDigit.FindString(value); m != "" {
		return m
	}
	v := strings.ToLower(value)
	for word, rating := range ratingWords {
		if strings.Contains(v, word) {
			return rating
		}
	}
	return "unclear"
}

func normalizeChoice(value string, options []string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		// An empty candidate is a substring of every option.
		return "other"
	}
	for _, opt := range options {
		lower := strings.ToLower(opt)
		if strings.Contains(v, lower) || strings.Contains(lower, v) {
			return opt
		}
	}
	return "other"
}
