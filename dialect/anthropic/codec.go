package anthropic

import (
	"encoding/json"
	"fmt"
	"strings"

	"goa.design/relay/model"
)

const (
	// DefaultMaxTokens applies when the client omits max_tokens;
	// MaxTokensCap bounds what is forwarded upstream.
	DefaultMaxTokens = 16384
	MaxTokensCap     = 64000

	// MaxSingleContent bounds one content block; clients sometimes embed
	// whole files in a single block.
	MaxSingleContent = 300000
)

// DecodeRequest normalizes an inbound Messages request. The system field,
// which may be a string or a block list, collapses to a single string.
func DecodeRequest(req Request) (*model.Request, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("anthropic: messages is required")
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if maxTokens > MaxTokensCap {
		maxTokens = MaxTokensCap
	}
	out := &model.Request{
		Model:         req.Model,
		System:        cleanSystem(decodeSystem(req.System)),
		Messages:      truncateOversized(req.Messages),
		MaxTokens:     maxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.StopSequences,
		Thinking:      req.Thinking != nil && req.Thinking.Type == "enabled",
		Metadata:      req.Metadata,
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, model.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return out, nil
}

// EncodeResponse re-emits a normalized response as a Messages body.
func EncodeResponse(resp model.Response, requestID string) (Response, error) {
	content, err := model.EncodeParts(resp.Message.Parts)
	if err != nil {
		return Response{}, err
	}
	if len(resp.Message.Parts) == 0 {
		content = json.RawMessage("[]")
	}
	return Response{
		ID:         "msg_" + requestID,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      resp.Model,
		StopReason: string(resp.StopReason),
		Usage: Usage{
			InputTokens:          resp.Usage.InputTokens,
			OutputTokens:         resp.Usage.OutputTokens,
			CacheReadInputTokens: resp.Usage.CacheRead,
		},
	}, nil
}

// headerKeys are transport metadata lines some clients leak into the system
// field; cleanSystem strips them.
var headerKeys = map[string]bool{
	"content-type":  true,
	"authorization": true,
	"user-agent":    true,
	"accept":        true,
	"cache-control": true,
	"cookie":        true,
}

// cleanSystem drops HTTP-header-shaped lines from a system prompt.
func cleanSystem(content string) string {
	if content == "" {
		return content
	}
	lines := strings.Split(content, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if key, _, ok := strings.Cut(line, ":"); ok {
			k := strings.ToLower(strings.TrimSpace(key))
			if strings.HasPrefix(k, "x-") || headerKeys[k] {
				continue
			}
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// truncateOversized caps text and tool-result blocks at MaxSingleContent.
func truncateOversized(msgs []model.Message) []model.Message {
	for i := range msgs {
		for j, p := range msgs[i].Parts {
			switch v := p.(type) {
			case model.TextPart:
				if len(v.Text) > MaxSingleContent {
					v.Text = truncateContent(v.Text)
					msgs[i].Parts[j] = v
				}
			case model.ToolResultPart:
				if len(v.Content) > MaxSingleContent {
					v.Content = truncateContent(v.Content)
					msgs[i].Parts[j] = v
				}
			}
		}
	}
	return msgs
}

func truncateContent(s string) string {
	runes := []rune(s)
	if len(runes) <= MaxSingleContent {
		return s
	}
	return string(runes[:MaxSingleContent]) + "...[truncated]"
}

// decodeSystem flattens a string-or-blocks system value.
func decodeSystem(raw json.RawMessage) string {
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
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// CountTokens estimates the token footprint of a count_tokens body using the
// flat four-characters-per-token rule the endpoint documents.
func CountTokens(req CountTokensRequest) CountTokensResponse {
	chars := len(decodeSystem(req.System))
	for _, m := range req.Messages {
		chars += model.MessageChars(m)
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}
	return CountTokensResponse{InputTokens: chars / 4}
}
