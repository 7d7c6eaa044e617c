package openai

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"goa.design/relay/model"
)

// StreamWriter re-emits normalized chunks as OpenAI-dialect SSE: chunked
// choices[0].delta objects followed by a terminal [DONE] sentinel.
type StreamWriter struct {
	w     io.Writer
	flush func()

	id      string
	model   string
	created int64

	toolIndex int
	toolOpen  bool
	toolID    string
}

// NewStreamWriter wraps an HTTP response writer for one streaming response.
func NewStreamWriter(w http.ResponseWriter, requestID, modelID string) *StreamWriter {
	sw := &StreamWriter{
		w:       w,
		flush:   func() {},
		id:      "chatcmpl-" + requestID,
		model:   modelID,
		created: time.Now().Unix(),
	}
	if f, ok := w.(http.Flusher); ok {
		sw.flush = f.Flush
	}
	return sw
}

// SetHeaders writes the SSE response headers.
func SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// Write translates one normalized chunk into a delta event.
func (s *StreamWriter) Write(chunk model.Chunk) error {
	switch chunk.Type {
	case model.ChunkTypeText:
		if chunk.Text == "" {
			return nil
		}
		return s.emit(openai.ChatCompletionStreamChoiceDelta{Content: chunk.Text}, "")

	case model.ChunkTypeToolCallDelta:
		tc := chunk.ToolCallDelta
		if tc == nil {
			return nil
		}
		idx := s.toolIndex
		delta := openai.ChatCompletionStreamChoiceDelta{}
		call := openai.ToolCall{Index: &idx, Type: openai.ToolTypeFunction}
		if !s.toolOpen || s.toolID != tc.ID {
			if s.toolOpen {
				s.toolIndex++
				idx = s.toolIndex
			}
			s.toolOpen = true
			s.toolID = tc.ID
			call.ID = tc.ID
			call.Function = openai.FunctionCall{Name: tc.Name, Arguments: tc.Delta}
		} else {
			call.Function = openai.FunctionCall{Arguments: tc.Delta}
		}
		delta.ToolCalls = []openai.ToolCall{call}
		return s.emit(delta, "")

	case model.ChunkTypeToolCall:
		tc := chunk.ToolCall
		if tc == nil {
			return nil
		}
		if s.toolOpen && s.toolID == tc.ID {
			s.toolOpen = false
			s.toolIndex++
			return nil
		}
		idx := s.toolIndex
		s.toolIndex++
		return s.emit(openai.ChatCompletionStreamChoiceDelta{
			ToolCalls: []openai.ToolCall{{
				Index:    &idx,
				ID:       tc.ID,
				Type:     openai.ToolTypeFunction,
				Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Input)},
			}},
		}, "")

	default:
		return nil
	}
}

// Finish emits the terminal finish_reason delta and the [DONE] sentinel.
func (s *StreamWriter) Finish(stopReason model.StopReason, usage model.TokenUsage) error {
	if err := s.emit(openai.ChatCompletionStreamChoiceDelta{}, string(mapStopReason(stopReason))); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

// Error surfaces a terminal failure as an error payload before [DONE].
func (s *StreamWriter) Error(message string) error {
	payload := map[string]any{
		"error": map[string]any{"message": message, "type": "api_error"},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *StreamWriter) emit(delta openai.ChatCompletionStreamChoiceDelta, finish string) error {
	event := openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: openai.FinishReason(finish),
		}},
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}
