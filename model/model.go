// Package model defines the dialect-free request and response types the proxy
// normalizes both chat dialects into. It provides a provider-agnostic
// abstraction over the Anthropic Messages and OpenAI chat-completions wire
// shapes so the history engine, router and continuation controller can operate
// without coupling to either dialect. Dialect packages translate these
// normalized types to and from their wire formats.
package model

import (
	"encoding/json"
	"errors"
)

type (
	// Role identifies the author of a message.
	Role string

	// StopReason explains why the model stopped generating.
	StopReason string

	// Part is a single content block inside a message. Concrete types are
	// TextPart, ToolUsePart, ToolResultPart and ThinkingPart. The codec
	// dispatches on the concrete type; JSON encoding carries a "type" tag.
	Part interface {
		isPart()
	}

	// TextPart carries plain assistant or user text.
	TextPart struct {
		Text string `json:"text"`
	}

	// ToolUsePart records a tool invocation requested by the model. Input is
	// kept as raw JSON until it is serialized for the upstream wire.
	ToolUsePart struct {
		ID    string          `json:"id"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}

	// ToolResultPart answers a prior ToolUsePart with the same id.
	ToolResultPart struct {
		ToolUseID string `json:"tool_use_id"`
		Content   string `json:"content"`
		IsError   bool   `json:"is_error,omitempty"`
	}

	// ThinkingPart carries an opaque reasoning string. The proxy passes it
	// through untransformed.
	ThinkingPart struct {
		Text      string `json:"thinking"`
		Signature string `json:"signature,omitempty"`
	}

	// Message is one turn of the conversation: a role plus an ordered list of
	// content parts.
	Message struct {
		Role  Role   `json:"role"`
		Parts []Part `json:"content"`
	}

	// ToolSpec describes a tool advertised to the model: a name, a human
	// description and a JSON-schema-shaped input schema kept as raw JSON.
	ToolSpec struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"input_schema,omitempty"`
	}

	// Request is the normalized, dialect-free chat request. It is created per
	// HTTP request, mutated only by the converter, history engine and router,
	// and discarded when the response completes.
	Request struct {
		// Model is the model identifier the client asked for. The router may
		// replace it with a concrete tier model.
		Model string

		// System is the system prompt extracted from the incoming request.
		System string

		// Messages is the ordered conversation history after normalization.
		Messages []Message

		// Tools lists the tool specs advertised by the client, in order.
		Tools []ToolSpec

		// MaxTokens caps completion tokens. Zero means the dialect default.
		MaxTokens int

		// Temperature and TopP are sampling controls; nil means unset.
		Temperature *float32
		TopP        *float32

		// Stream indicates the client requested a streaming response.
		Stream bool

		// StopSequences are client-supplied stop strings.
		StopSequences []string

		// Thinking is set when the client enabled extended thinking.
		Thinking bool

		// Metadata is an opaque client-supplied bag passed through untouched.
		Metadata map[string]any
	}

	// Response is the normalized chat response: the assistant message, the
	// reason generation stopped, token usage and the model actually used.
	Response struct {
		Message    Message
		StopReason StopReason
		Usage      TokenUsage
		Model      string
	}

	// TokenUsage reports token consumption for a completed call. CacheRead
	// counts tokens served from the summary cache's simulated billing.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		CacheRead    int
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

const (
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopToolUse      StopReason = "tool_use"
	StopStopSequence StopReason = "stop_sequence"
	StopError        StopReason = "error"
)

func (TextPart) isPart()       {}
func (ToolUsePart) isPart()    {}
func (ToolResultPart) isPart() {}
func (ThinkingPart) isPart()   {}

// ErrStreamingUnsupported is returned by clients that cannot stream.
var ErrStreamingUnsupported = errors.New("model: streaming not supported")

// Text returns the concatenated text of all text parts in the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if t, ok := p.(TextPart); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns the tool_use parts of the message in order.
func (m Message) ToolUses() []ToolUsePart {
	var out []ToolUsePart
	for _, p := range m.Parts {
		if tu, ok := p.(ToolUsePart); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns the tool_result parts of the message in order.
func (m Message) ToolResults() []ToolResultPart {
	var out []ToolResultPart
	for _, p := range m.Parts {
		if tr, ok := p.(ToolResultPart); ok {
			out = append(out, tr)
		}
	}
	return out
}

// IsEmpty reports whether the message carries no usable content.
func (m Message) IsEmpty() bool {
	for _, p := range m.Parts {
		switch v := p.(type) {
		case TextPart:
			if v.Text != "" {
				return false
			}
		case ToolUsePart, ToolResultPart:
			return false
		case ThinkingPart:
			if v.Text != "" {
				return false
			}
		}
	}
	return true
}

// UserText returns a user message with a single text part.
func UserText(text string) Message {
	return Message{Role: RoleUser, Parts: []Part{TextPart{Text: text}}}
}

// AssistantText returns an assistant message with a single text part.
func AssistantText(text string) Message {
	return Message{Role: RoleAssistant, Parts: []Part{TextPart{Text: text}}}
}

// Clone returns a deep copy of the request message list. History strategies
// mutate the copy so callers keep the original for retry paths.
func (r *Request) Clone() *Request {
	dup := *r
	dup.Messages = CloneMessages(r.Messages)
	dup.Tools = append([]ToolSpec(nil), r.Tools...)
	dup.StopSequences = append([]string(nil), r.StopSequences...)
	return &dup
}

// CloneMessages deep-copies a message list.
func CloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = Message{Role: m.Role, Parts: append([]Part(nil), m.Parts...)}
	}
	return out
}
