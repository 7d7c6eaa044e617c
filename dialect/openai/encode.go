package openai

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/model"
	"goa.design/relay/toolcall"
)

type (
	// EncodeOptions tune conversion fidelity toward the upstream wire.
	EncodeOptions struct {
		// NativeTools passes tool specs in the structured form. When false
		// the legacy inline protocol is injected into the system prompt.
		NativeTools bool

		// ToolDescMaxChars and ToolParamDescMaxChars clip oversized tool and
		// parameter descriptions before emission.
		ToolDescMaxChars      int
		ToolParamDescMaxChars int

		// MaxSingleContent truncates any single message content; zero
		// disables truncation.
		MaxSingleContent int

		// EnsureUserEnding appends a minimal continuation prompt when the
		// history does not end with a user turn.
		EnsureUserEnding bool

		// EmptyAssistantPlaceholder substitutes for empty assistant content,
		// which some gateways reject.
		EmptyAssistantPlaceholder string
	}
)

// DefaultEncodeOptions returns the conversion defaults.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{
		NativeTools:               true,
		ToolDescMaxChars:          8000,
		ToolParamDescMaxChars:     4000,
		MaxSingleContent:          40000,
		EnsureUserEnding:          true,
		EmptyAssistantPlaceholder: "I understand.",
	}
}

// EncodeRequest builds the upstream OpenAI-dialect request from a normalized
// one. System content is materialized as a synthetic system message at index
// 0; tool blocks become tool_calls and tool-role messages in native mode, or
// inline text in legacy mode.
func EncodeRequest(req *model.Request, opts EncodeOptions) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:     req.Model,
		MaxTokens: req.MaxTokens,
		Stream:    req.Stream,
		Stop:      req.StopSequences,
	}
	if req.Temperature != nil {
		out.Temperature = *req.Temperature
	}
	if req.TopP != nil {
		out.TopP = *req.TopP
	}

	system := clip(req.System, opts.MaxSingleContent)
	if len(req.Tools) > 0 {
		if opts.NativeTools {
			out.Tools = encodeTools(req.Tools, opts)
		} else {
			if system != "" {
				system += "\n\n"
			}
			system += toolcall.Instruction(clipSpecs(req.Tools, opts))
		}
	}
	if system != "" {
		out.Messages = append(out.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, encodeMessage(m, opts)...)
	}

	if opts.EnsureUserEnding && len(out.Messages) > 0 {
		last := out.Messages[len(out.Messages)-1]
		if last.Role != openai.ChatMessageRoleUser && last.Role != openai.ChatMessageRoleTool {
			out.Messages = append(out.Messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: "Please continue.",
			})
		}
	}
	return out
}

func encodeMessage(m model.Message, opts EncodeOptions) []openai.ChatCompletionMessage {
	switch m.Role {
	case model.RoleAssistant:
		msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
		var text string
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text += v.Text
			case model.ThinkingPart:
				// Thinking is passthrough; upstream has no slot for it, so it
				// rides along as text only in legacy traces. Dropped here.
			case model.ToolUsePart:
				if opts.NativeTools {
					msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
						ID:   v.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      v.Name,
							Arguments: string(v.Input),
						},
					})
				} else {
					if text != "" {
						text += "\n"
					}
					text += toolcall.RenderInline(v.Name, v.Input)
				}
			}
		}
		msg.Content = clip(text, opts.MaxSingleContent)
		if msg.Content == "" && len(msg.ToolCalls) == 0 {
			msg.Content = opts.EmptyAssistantPlaceholder
		}
		return []openai.ChatCompletionMessage{msg}

	case model.RoleUser:
		var out []openai.ChatCompletionMessage
		var text string
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				text += v.Text
			case model.ToolResultPart:
				content := clip(v.Content, opts.MaxSingleContent)
				if opts.NativeTools {
					out = append(out, openai.ChatCompletionMessage{
						Role:       openai.ChatMessageRoleTool,
						Content:    content,
						ToolCallID: v.ToolUseID,
					})
				} else {
					if text != "" {
						text += "\n"
					}
					text += fmt.Sprintf("[Tool Result]\n%s", content)
				}
			}
		}
		if text != "" {
			out = append(out, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: clip(text, opts.MaxSingleContent),
			})
		}
		return out

	default:
		return []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: clip(m.Text(), opts.MaxSingleContent),
		}}
	}
}

// EncodeResponse re-emits a normalized response in the OpenAI dialect, used
// when the inbound request arrived on /v1/chat/completions.
func EncodeResponse(resp model.Response, requestID string) openai.ChatCompletionResponse {
	msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant}
	var text string
	for _, p := range resp.Message.Parts {
		switch v := p.(type) {
		case model.TextPart:
			text += v.Text
		case model.ToolUsePart:
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   v.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      v.Name,
					Arguments: string(v.Input),
				},
			})
		}
	}
	msg.Content = text

	return openai.ChatCompletionResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapStopReason(resp.StopReason),
		}},
		Usage: openai.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(r model.StopReason) openai.FinishReason {
	switch r {
	case model.StopMaxTokens:
		return openai.FinishReasonLength
	case model.StopToolUse:
		return openai.FinishReasonToolCalls
	case model.StopError:
		return openai.FinishReasonContentFilter
	default:
		return openai.FinishReasonStop
	}
}

func encodeTools(specs []model.ToolSpec, opts EncodeOptions) []openai.Tool {
	out := make([]openai.Tool, 0, len(specs))
	for _, s := range clipSpecs(specs, opts) {
		var params any
		if len(s.InputSchema) > 0 {
			if err := json.Unmarshal(s.InputSchema, &params); err != nil {
				params = map[string]any{"type": "object"}
			}
		} else {
			params = map[string]any{"type": "object"}
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// clipSpecs bounds tool and parameter descriptions.
func clipSpecs(specs []model.ToolSpec, opts EncodeOptions) []model.ToolSpec {
	out := make([]model.ToolSpec, len(specs))
	for i, s := range specs {
		s.Description = clip(s.Description, opts.ToolDescMaxChars)
		if len(s.InputSchema) > 0 && opts.ToolParamDescMaxChars > 0 {
			s.InputSchema = clipSchemaDescriptions(s.InputSchema, opts.ToolParamDescMaxChars)
		}
		out[i] = s
	}
	return out
}

func clipSchemaDescriptions(raw json.RawMessage, max int) json.RawMessage {
	var schema map[string]any
	if err := json.Unmarshal(raw, &schema); err != nil {
		return raw
	}
	clipNode(schema, max)
	enc, err := json.Marshal(schema)
	if err != nil {
		return raw
	}
	return enc
}

func clipNode(node any, max int) {
	m, ok := node.(map[string]any)
	if !ok {
		return
	}
	if desc, ok := m["description"].(string); ok {
		m["description"] = clip(desc, max)
	}
	for _, v := range m {
		switch child := v.(type) {
		case map[string]any:
			clipNode(child, max)
		case []any:
			for _, item := range child {
				clipNode(item, max)
			}
		}
	}
}

func clip(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "...[truncated]"
}

// NewRequestID returns a short opaque request identifier.
func NewRequestID() string {
	return uuid.NewString()[:8]
}
