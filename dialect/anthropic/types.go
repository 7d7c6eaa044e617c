// Package anthropic implements the server side of the Anthropic Messages
// dialect: decoding inbound request bodies, encoding response bodies and
// synthesizing the SSE event sequence. The wire types are hand-rolled; the
// published SDKs are client-oriented and their parameter types do not
// round-trip the JSON bodies clients send to a proxy.
package anthropic

import (
	"encoding/json"

	"goa.design/relay/model"
)

type (
	// Request is the inbound Messages API body. Message content decodes
	// through the normalized block union directly.
	Request struct {
		Model         string          `json:"model"`
		Messages      []model.Message `json:"messages"`
		System        json.RawMessage `json:"system,omitempty"`
		Tools         []Tool          `json:"tools,omitempty"`
		MaxTokens     int             `json:"max_tokens"`
		Temperature   *float32        `json:"temperature,omitempty"`
		TopP          *float32        `json:"top_p,omitempty"`
		StopSequences []string        `json:"stop_sequences,omitempty"`
		Stream        bool            `json:"stream,omitempty"`
		Thinking      *Thinking       `json:"thinking,omitempty"`
		Metadata      map[string]any  `json:"metadata,omitempty"`
	}

	// Tool is one advertised tool spec.
	Tool struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	// Thinking is the extended-thinking toggle.
	Thinking struct {
		Type         string `json:"type"`
		BudgetTokens int    `json:"budget_tokens,omitempty"`
	}

	// Response is the non-streaming Messages API response body.
	Response struct {
		ID           string          `json:"id"`
		Type         string          `json:"type"`
		Role         string          `json:"role"`
		Content      json.RawMessage `json:"content"`
		Model        string          `json:"model"`
		StopReason   string          `json:"stop_reason"`
		StopSequence *string         `json:"stop_sequence"`
		Usage        Usage           `json:"usage"`
	}

	// Usage mirrors the Messages API usage object, including the simulated
	// cache accounting fields.
	Usage struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	}

	// ErrorBody is the dialect error envelope.
	ErrorBody struct {
		Type  string      `json:"type"`
		Error ErrorDetail `json:"error"`
	}

	// ErrorDetail carries the error type and message.
	ErrorDetail struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}

	// CountTokensRequest is the count_tokens body; it reuses the Messages
	// request fields that carry text.
	CountTokensRequest struct {
		Model    string          `json:"model"`
		Messages []model.Message `json:"messages"`
		System   json.RawMessage `json:"system,omitempty"`
		Tools    []Tool          `json:"tools,omitempty"`
	}

	// CountTokensResponse reports the estimate.
	CountTokensResponse struct {
		InputTokens int `json:"input_tokens"`
	}
)

// NewErrorBody builds a dialect error envelope.
func NewErrorBody(errType, message string) ErrorBody {
	return ErrorBody{Type: "error", Error: ErrorDetail{Type: errType, Message: message}}
}
