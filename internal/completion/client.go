// Package completion wraps the chat-completion provider behind a small
// interface so conversation and extraction code never touch the SDK types
// directly and tests can substitute a scripted client.
package completion

import (
	"context"
	"encoding/json"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request represents a completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// Response represents a completion response.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage represents token usage information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// StructuredRequest requests JSON output conforming to an optional schema.
type StructuredRequest struct {
	Request

	// ResponseSchema is the JSON Schema for the expected response. When
	// empty the provider is only held to emitting a JSON object.
	ResponseSchema json.RawMessage `json:"response_schema,omitempty"`

	// SchemaName labels the schema in the provider request.
	SchemaName string `json:"schema_name,omitempty"`
}

// StructuredResponse carries the raw JSON payload plus the usual metadata.
type StructuredResponse struct {
	Data json.RawMessage `json:"data"`
	Response
}

// Client is the provider-facing completion interface.
type Client interface {
	// Complete generates a plain-text completion.
	Complete(ctx context.Context, req Request) (*Response, error)

	// CompleteStructured generates a JSON completion, optionally bound to a
	// schema.
	CompleteStructured(ctx context.Context, req StructuredRequest) (*StructuredResponse, error)
}
