package model

import (
	"encoding/json"
	"fmt"
)

// Parts serialize as tagged unions: each block carries a "type" discriminator
// alongside its payload fields. The encoding matches the Anthropic content
// block shape so normalized messages round-trip through the Anthropic dialect
// without a second translation layer.

type partEnvelope struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// EncodeParts marshals a part list as a tagged content-block array.
func EncodeParts(parts []Part) (json.RawMessage, error) {
	blocks := make([]partEnvelope, 0, len(parts))
	for _, p := range parts {
		env, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, env)
	}
	return json.Marshal(blocks)
}

// MarshalJSON encodes the message with tagged content blocks.
func (m Message) MarshalJSON() ([]byte, error) {
	blocks := make([]partEnvelope, 0, len(m.Parts))
	for _, p := range m.Parts {
		env, err := encodePart(p)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, env)
	}
	return json.Marshal(struct {
		Role    Role           `json:"role"`
		Content []partEnvelope `json:"content"`
	}{Role: m.Role, Content: blocks})
}

// UnmarshalJSON decodes a message whose content is either a plain string or a
// list of tagged blocks. A plain string becomes a single text part.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Parts = nil
	if len(raw.Content) == 0 {
		return nil
	}
	if raw.Content[0] == '"' {
		var s string
		if err := json.Unmarshal(raw.Content, &s); err != nil {
			return err
		}
		if s != "" {
			m.Parts = []Part{TextPart{Text: s}}
		}
		return nil
	}
	var envs []partEnvelope
	if err := json.Unmarshal(raw.Content, &envs); err != nil {
		return err
	}
	for _, env := range envs {
		p, err := decodePart(env)
		if err != nil {
			return err
		}
		if p != nil {
			m.Parts = append(m.Parts, p)
		}
	}
	return nil
}

func encodePart(p Part) (partEnvelope, error) {
	switch v := p.(type) {
	case TextPart:
		return partEnvelope{Type: "text", Text: v.Text}, nil
	case ToolUsePart:
		input := v.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return partEnvelope{Type: "tool_use", ID: v.ID, Name: v.Name, Input: input}, nil
	case ToolResultPart:
		content, err := json.Marshal(v.Content)
		if err != nil {
			return partEnvelope{}, err
		}
		return partEnvelope{Type: "tool_result", ToolUseID: v.ToolUseID, Content: content, IsError: v.IsError}, nil
	case ThinkingPart:
		return partEnvelope{Type: "thinking", Thinking: v.Text, Signature: v.Signature}, nil
	default:
		return partEnvelope{}, fmt.Errorf("model: unknown part type %T", p)
	}
}

func decodePart(env partEnvelope) (Part, error) {
	switch env.Type {
	case "text":
		return TextPart{Text: env.Text}, nil
	case "tool_use":
		input := env.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return ToolUsePart{ID: env.ID, Name: env.Name, Input: input}, nil
	case "tool_result":
		return ToolResultPart{ToolUseID: env.ToolUseID, Content: flattenResultContent(env.Content), IsError: env.IsError}, nil
	case "thinking", "redacted_thinking":
		return ThinkingPart{Text: env.Thinking, Signature: env.Signature}, nil
	case "image", "document":
		// Binary blocks are not forwarded upstream; drop them rather than fail
		// the whole request.
		return nil, nil
	default:
		return nil, fmt.Errorf("model: unknown content block type %q", env.Type)
	}
}

// flattenResultContent reduces a tool_result content value, which may be a
// string or a nested block list, to plain text.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s
		}
		return string(raw)
	}
	var blocks []partEnvelope
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var out string
	for _, b := range blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}
