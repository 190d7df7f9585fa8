package completion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	obs "github.com/chatform-dev/chatform/pkg/observability"
)

const openaiMaxRetries = 3

// ChatCompletionClient is the slice of the OpenAI SDK this package uses.
// Tests substitute a scripted implementation.
type ChatCompletionClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIClient implements Client over the OpenAI chat completions API with
// client-side rate limiting and retries on transient failures.
type OpenAIClient struct {
	client       ChatCompletionClient
	defaultModel string
	limiter      *rate.Limiter
}

// OpenAIOptions configures an OpenAIClient.
type OpenAIOptions struct {
	// DefaultModel is used when a request does not name a model.
	DefaultModel string
	// RequestsPerSecond caps outbound request rate (0 = unlimited).
	RequestsPerSecond float64
	// Burst is the limiter burst size (default 1 when rate limited).
	Burst int
}

// NewOpenAIClient creates a client using the given API key. The underlying
// HTTP client carries a hard timeout so a hung request can never stall a
// caller that passed a long-lived context.
func NewOpenAIClient(apiKey string, opts OpenAIOptions) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	config.HTTPClient = &http.Client{Timeout: 120 * time.Second}
	return NewOpenAIClientFromChat(openai.NewClientWithConfig(config), opts)
}

// NewOpenAIClientFromChat creates a client over an existing SDK client.
// This is useful for testing.
func NewOpenAIClientFromChat(client ChatCompletionClient, opts OpenAIOptions) *OpenAIClient {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	model := opts.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
	}

	return &OpenAIClient{
		client:       client,
		defaultModel: model,
		limiter:      limiter,
	}
}

// Complete generates a plain-text completion.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := c.doWithRetry(ctx, c.buildRequest(req, nil))
	if err != nil {
		return nil, err
	}
	return parseResponse(resp)
}

// CompleteStructured generates a JSON completion.
func (c *OpenAIClient) CompleteStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error) {
	format := &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	}
	if len(req.ResponseSchema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		format = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   name,
				Schema: rawSchema(req.ResponseSchema),
				Strict: true,
			},
		}
	}

	resp, err := c.doWithRetry(ctx, c.buildRequest(req.Request, format))
	if err != nil {
		return nil, err
	}

	parsed, err := parseResponse(resp)
	if err != nil {
		return nil, err
	}

	return &StructuredResponse{
		Data:     []byte(parsed.Content),
		Response: *parsed,
	}, nil
}

func (c *OpenAIClient) buildRequest(req Request, format *openai.ChatCompletionResponseFormat) openai.ChatCompletionRequest {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	return openai.ChatCompletionRequest{
		Model:          model,
		Messages:       messages,
		Temperature:    float32(req.Temperature),
		MaxTokens:      req.MaxTokens,
		ResponseFormat: format,
	}
}

func (c *OpenAIClient) doWithRetry(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionResponse, error) {
	var lastErr error
	for attempt := 0; attempt < openaiMaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.client.CreateChatCompletion(ctx, req)
		if err == nil {
			obs.RecordCompletionRequest("ok")
			return &resp, nil
		}

		perr := mapError(err)
		obs.RecordCompletionRequest(perr.Code)
		if !perr.IsRetryable {
			return nil, perr
		}
		lastErr = perr
	}

	return nil, lastErr
}

func parseResponse(resp *openai.ChatCompletionResponse) (*Response, error) {
	if len(resp.Choices) == 0 {
		return nil, NewError("openai", ErrorCodeEmptyResponse, "no choices in response", nil)
	}

	choice := resp.Choices[0]
	return &Response{
		Content:      choice.Message.Content,
		FinishReason: string(choice.FinishReason),
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func mapError(err error) *Error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := ErrorCodeUnknown
		switch apiErr.HTTPStatusCode {
		case http.StatusUnauthorized:
			code = ErrorCodeAuthentication
		case http.StatusTooManyRequests:
			code = ErrorCodeRateLimit
		case http.StatusBadRequest:
			code = ErrorCodeInvalidRequest
		case http.StatusNotFound:
			code = ErrorCodeModelNotFound
		default:
			if apiErr.HTTPStatusCode >= 500 {
				code = ErrorCodeServerError
			}
		}
		perr := NewError("openai", code, apiErr.Message, err)
		perr.StatusCode = apiErr.HTTPStatusCode
		return perr
	}

	if errors.Is(err, context.Canceled) {
		return NewError("openai", ErrorCodeUnknown, fmt.Sprintf("request canceled: %v", err), err)
	}

	// Transport-level failures are worth another attempt.
	return NewError("openai", ErrorCodeTimeout, err.Error(), err)
}

// rawSchema adapts a pre-serialized JSON Schema to the SDK's marshaler.
type rawSchema []byte

func (s rawSchema) MarshalJSON() ([]byte, error) {
	return s, nil
}
