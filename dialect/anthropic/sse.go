package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"goa.design/relay/model"
)

// StreamWriter synthesizes the Messages SSE event sequence from normalized
// chunks. It is a small state machine: message_start, then content blocks
// opened and closed by index as chunks arrive, then message_delta with the
// stop reason and usage, then message_stop. Errors terminate the stream with
// a final error event, never a torn connection.
type StreamWriter struct {
	w     io.Writer
	flush func()

	started   bool
	index     int
	textOpen  bool
	thinkOpen bool
	toolOpen  bool
	toolID    string

	emittedBlocks int

	// ChunkSize bounds one delta payload when re-chunking buffered content.
	ChunkSize int
}

// NewStreamWriter wraps an HTTP response writer. Callers must have set the
// SSE headers before the first write.
func NewStreamWriter(w http.ResponseWriter) *StreamWriter {
	sw := &StreamWriter{w: w, ChunkSize: 2000, flush: func() {}}
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

// Start emits message_start with the estimated input accounting.
func (s *StreamWriter) Start(requestID, modelID string, inputTokens, cacheRead int) error {
	if s.started {
		return nil
	}
	s.started = true
	actual := inputTokens - cacheRead
	if actual < 0 {
		actual = 0
	}
	return s.event(map[string]any{
		"type": "message_start",
		"message": map[string]any{
			"id":            "msg_" + requestID,
			"type":          "message",
			"role":          "assistant",
			"content":       []any{},
			"model":         modelID,
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage": map[string]any{
				"input_tokens":                actual,
				"output_tokens":               0,
				"cache_creation_input_tokens": 0,
				"cache_read_input_tokens":     cacheRead,
			},
		},
	})
}

// Write translates one normalized chunk into dialect events.
func (s *StreamWriter) Write(chunk model.Chunk) error {
	switch chunk.Type {
	case model.ChunkTypeText:
		if chunk.Text == "" {
			return nil
		}
		if err := s.closeToolBlock(); err != nil {
			return err
		}
		if err := s.closeThinkingBlock(); err != nil {
			return err
		}
		if !s.textOpen {
			if err := s.openBlock(map[string]any{"type": "text", "text": ""}); err != nil {
				return err
			}
			s.textOpen = true
		}
		return s.delta(map[string]any{"type": "text_delta", "text": chunk.Text})

	case model.ChunkTypeThinking:
		if chunk.Thinking == "" {
			return nil
		}
		if err := s.closeTextBlock(); err != nil {
			return err
		}
		if err := s.closeToolBlock(); err != nil {
			return err
		}
		if !s.thinkOpen {
			if err := s.openBlock(map[string]any{"type": "thinking", "thinking": ""}); err != nil {
				return err
			}
			s.thinkOpen = true
		}
		return s.delta(map[string]any{"type": "thinking_delta", "thinking": chunk.Thinking})

	case model.ChunkTypeToolCallDelta:
		tc := chunk.ToolCallDelta
		if tc == nil {
			return nil
		}
		if !s.toolOpen || s.toolID != tc.ID {
			if err := s.closeOpenBlock(); err != nil {
				return err
			}
			if err := s.openBlock(map[string]any{
				"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": map[string]any{},
			}); err != nil {
				return err
			}
			s.toolOpen = true
			s.toolID = tc.ID
		}
		if tc.Delta == "" {
			return nil
		}
		return s.delta(map[string]any{"type": "input_json_delta", "partial_json": tc.Delta})

	case model.ChunkTypeToolCall:
		tc := chunk.ToolCall
		if tc == nil {
			return nil
		}
		if s.toolOpen && s.toolID == tc.ID {
			// Deltas already streamed; just close the block.
			return s.closeToolBlock()
		}
		if err := s.closeOpenBlock(); err != nil {
			return err
		}
		if err := s.openBlock(map[string]any{
			"type": "tool_use", "id": tc.ID, "name": tc.Name, "input": map[string]any{},
		}); err != nil {
			return err
		}
		input := string(tc.Input)
		if input == "" {
			input = "{}"
		}
		for _, part := range chunked(input, s.ChunkSize) {
			if err := s.delta(map[string]any{"type": "input_json_delta", "partial_json": part}); err != nil {
				return err
			}
		}
		return s.closeBlock()

	default:
		return nil
	}
}

// Finish closes any open block and emits message_delta plus message_stop. A
// stream that produced no content still emits one empty text block so the
// client sees a well-formed message.
func (s *StreamWriter) Finish(stopReason model.StopReason, usage model.TokenUsage) error {
	if err := s.closeOpenBlock(); err != nil {
		return err
	}
	if s.emittedBlocks == 0 {
		if err := s.openBlock(map[string]any{"type": "text", "text": ""}); err != nil {
			return err
		}
		if err := s.closeBlock(); err != nil {
			return err
		}
	}
	if err := s.event(map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": string(stopReason), "stop_sequence": nil},
		"usage": map[string]any{
			"output_tokens":               usage.OutputTokens,
			"cache_creation_input_tokens": 0,
			"cache_read_input_tokens":     usage.CacheRead,
		},
	}); err != nil {
		return err
	}
	return s.event(map[string]any{"type": "message_stop"})
}

// Error emits the terminal error event.
func (s *StreamWriter) Error(message string) error {
	return s.event(NewErrorBody("api_error", message))
}

func (s *StreamWriter) openBlock(block map[string]any) error {
	return s.event(map[string]any{
		"type":          "content_block_start",
		"index":         s.index,
		"content_block": block,
	})
}

func (s *StreamWriter) delta(payload map[string]any) error {
	return s.event(map[string]any{
		"type":  "content_block_delta",
		"index": s.index,
		"delta": payload,
	})
}

func (s *StreamWriter) closeBlock() error {
	err := s.event(map[string]any{"type": "content_block_stop", "index": s.index})
	s.index++
	s.emittedBlocks++
	return err
}

func (s *StreamWriter) closeTextBlock() error {
	if !s.textOpen {
		return nil
	}
	s.textOpen = false
	return s.closeBlock()
}

func (s *StreamWriter) closeThinkingBlock() error {
	if !s.thinkOpen {
		return nil
	}
	s.thinkOpen = false
	return s.closeBlock()
}

func (s *StreamWriter) closeToolBlock() error {
	if !s.toolOpen {
		return nil
	}
	s.toolOpen = false
	s.toolID = ""
	return s.closeBlock()
}

func (s *StreamWriter) closeOpenBlock() error {
	if err := s.closeTextBlock(); err != nil {
		return err
	}
	if err := s.closeThinkingBlock(); err != nil {
		return err
	}
	return s.closeToolBlock()
}

func (s *StreamWriter) event(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flush()
	return nil
}

func chunked(s string, size int) []string {
	if size <= 0 || len(s) <= size {
		return []string{s}
	}
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}
