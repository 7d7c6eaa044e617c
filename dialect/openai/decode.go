// Package openai converts between the normalized model types and the OpenAI
// chat-completions wire shape. The same github.com/sashabaranov/go-openai
// structs serve both directions: decoding inbound /v1/chat/completions bodies
// and building upstream gateway requests.
package openai

import (
	"encoding/json"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/model"
	"goa.design/relay/toolcall"
)

// DecodeRequest normalizes an inbound OpenAI-dialect request. System messages
// are extracted into the system field; assistant tool_calls become tool_use
// parts and tool-role messages become user messages carrying tool_result
// parts so the pairing invariant can be enforced uniformly.
func DecodeRequest(req openai.ChatCompletionRequest) (*model.Request, error) {
	out := &model.Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	if req.Temperature != 0 {
		t := req.Temperature
		out.Temperature = &t
	}
	if req.TopP != 0 {
		p := req.TopP
		out.TopP = &p
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			system = append(system, contentText(m))
		case openai.ChatMessageRoleAssistant:
			msg := model.Message{Role: model.RoleAssistant}
			if text := contentText(m); text != "" {
				msg.Parts = append(msg.Parts, model.TextPart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				input := parseArguments(tc.Function.Arguments)
				msg.Parts = append(msg.Parts, model.ToolUsePart{
					ID:    tc.ID,
					Name:  tc.Function.Name,
					Input: input,
				})
			}
			out.Messages = append(out.Messages, msg)
		case openai.ChatMessageRoleTool:
			out.Messages = append(out.Messages, model.Message{
				Role: model.RoleUser,
				Parts: []model.Part{model.ToolResultPart{
					ToolUseID: m.ToolCallID,
					Content:   contentText(m),
				}},
			})
		default:
			out.Messages = append(out.Messages, model.Message{
				Role:  model.RoleUser,
				Parts: []model.Part{model.TextPart{Text: contentText(m)}},
			})
		}
	}
	out.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		if t.Function == nil {
			continue
		}
		spec := model.ToolSpec{
			Name:        t.Function.Name,
			Description: t.Function.Description,
		}
		if t.Function.Parameters != nil {
			if raw, err := json.Marshal(t.Function.Parameters); err == nil {
				spec.InputSchema = raw
			}
		}
		out.Tools = append(out.Tools, spec)
	}
	return out, nil
}

// DecodeResponse normalizes an upstream completion. In legacy mode the
// assistant text is additionally scanned for inline tool markers.
func DecodeResponse(resp openai.ChatCompletionResponse, legacy bool) model.Response {
	out := model.Response{
		Model: resp.Model,
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		StopReason: model.StopEndTurn,
	}
	if len(resp.Choices) == 0 {
		out.Message = model.AssistantText("")
		return out
	}
	choice := resp.Choices[0]
	out.StopReason = MapFinishReason(string(choice.FinishReason))

	msg := model.Message{Role: model.RoleAssistant}
	text := choice.Message.Content

	if len(choice.Message.ToolCalls) > 0 {
		// Structured tool calls win over inline markers in the same response;
		// the inline text would duplicate the invocation.
		if legacy && toolcall.HasCall(text) {
			if i := strings.Index(text, toolcall.Marker); i >= 0 {
				text = strings.TrimRight(text[:i], " \t\n")
			}
		}
		if text != "" {
			msg.Parts = append(msg.Parts, model.TextPart{Text: text})
		}
		for _, tc := range choice.Message.ToolCalls {
			msg.Parts = append(msg.Parts, model.ToolUsePart{
				ID:    tc.ID,
				Name:  tc.Function.Name,
				Input: parseArguments(tc.Function.Arguments),
			})
		}
		out.StopReason = model.StopToolUse
	} else if legacy && toolcall.HasCall(text) {
		cleaned, _, _ := toolcall.ScrubHallucinatedResult(text)
		msg.Parts = toolcall.ExtractBlocks(cleaned)
		for _, p := range msg.Parts {
			if _, ok := p.(model.ToolUsePart); ok {
				out.StopReason = model.StopToolUse
				break
			}
		}
	} else if text != "" {
		msg.Parts = append(msg.Parts, model.TextPart{Text: text})
	}
	out.Message = msg
	return out
}

// MapFinishReason translates an OpenAI finish reason to a normalized stop
// reason: stop becomes end_turn, length becomes max_tokens, tool_calls
// becomes tool_use; anything else passes through.
func MapFinishReason(reason string) model.StopReason {
	switch reason {
	case "stop", "":
		return model.StopEndTurn
	case "length":
		return model.StopMaxTokens
	case "tool_calls", "function_call":
		return model.StopToolUse
	case "content_filter":
		return model.StopError
	default:
		return model.StopReason(reason)
	}
}

// parseArguments recovers tool-call arguments, falling back to a raw wrapper
// when the model emitted unparseable JSON.
func parseArguments(raw string) json.RawMessage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return json.RawMessage("{}")
	}
	if parsed, err := toolcall.ParseTolerant(raw); err == nil {
		return parsed
	}
	if len(raw) > 2000 {
		raw = raw[:2000]
	}
	enc, _ := json.Marshal(map[string]string{"_raw": raw, "_parse_error": "Invalid JSON"})
	return enc
}

func contentText(m openai.ChatCompletionMessage) string {
	if m.Content != "" {
		return m.Content
	}
	var parts []string
	for _, p := range m.MultiContent {
		if p.Type == openai.ChatMessagePartTypeText {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "")
}
