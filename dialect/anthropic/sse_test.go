package anthropic

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/model"
)

func events(t *testing.T, rec *httptest.ResponseRecorder) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func eventTypes(evs []map[string]any) []string {
	types := make([]string, len(evs))
	for i, ev := range evs {
		types[i], _ = ev["type"].(string)
	}
	return types
}

func TestStreamWriterTextSequence(t *testing.T) {
	rec := httptest.NewRecorder()
	SetHeaders(rec)
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Start("req1", "claude-opus-4-5", 100, 20))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeText, Text: "Hello "}))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeText, Text: "world"}))
	require.NoError(t, sw.Finish(model.StopEndTurn, model.TokenUsage{OutputTokens: 2, CacheRead: 20}))

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	evs := events(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_delta",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(evs))

	// Cache reads subtract from the billed input.
	msg := evs[0]["message"].(map[string]any)
	usage := msg["usage"].(map[string]any)
	assert.Equal(t, float64(80), usage["input_tokens"])
	assert.Equal(t, float64(20), usage["cache_read_input_tokens"])

	delta := evs[2]["delta"].(map[string]any)
	assert.Equal(t, "text_delta", delta["type"])
	assert.Equal(t, "Hello ", delta["text"])

	final := evs[5]["delta"].(map[string]any)
	assert.Equal(t, "end_turn", final["stop_reason"])
}

func TestStreamWriterToolUseBlock(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Start("req2", "claude-sonnet-4-5", 10, 0))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeText, Text: "Checking."}))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallChunk{
		ID: "toolu_1", Name: "bash", Input: json.RawMessage(`{"cmd":"ls"}`),
	}}))
	require.NoError(t, sw.Finish(model.StopToolUse, model.TokenUsage{OutputTokens: 9}))

	evs := events(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start", // text
		"content_block_delta",
		"content_block_stop", // text closed before the tool block opens
		"content_block_start",
		"content_block_delta",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(evs))

	block := evs[4]["content_block"].(map[string]any)
	assert.Equal(t, "tool_use", block["type"])
	assert.Equal(t, "bash", block["name"])
	assert.Equal(t, float64(1), evs[4]["index"])

	delta := evs[5]["delta"].(map[string]any)
	assert.Equal(t, "input_json_delta", delta["type"])
	assert.Equal(t, `{"cmd":"ls"}`, delta["partial_json"])
}

func TestStreamWriterEmptyStreamEmitsEmptyTextBlock(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Start("req3", "claude-opus-4-5", 5, 0))
	require.NoError(t, sw.Finish(model.StopEndTurn, model.TokenUsage{}))

	evs := events(t, rec)
	assert.Equal(t, []string{
		"message_start",
		"content_block_start",
		"content_block_stop",
		"message_delta",
		"message_stop",
	}, eventTypes(evs))
	block := evs[1]["content_block"].(map[string]any)
	assert.Equal(t, "text", block["type"])
}

func TestStreamWriterErrorEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)

	require.NoError(t, sw.Start("req4", "claude-opus-4-5", 5, 0))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeText, Text: "partial"}))
	require.NoError(t, sw.Error("upstream connection lost"))

	evs := events(t, rec)
	last := evs[len(evs)-1]
	assert.Equal(t, "error", last["type"])
	detail := last["error"].(map[string]any)
	assert.Equal(t, "api_error", detail["type"])
	assert.Equal(t, "upstream connection lost", detail["message"])
}

func TestStreamWriterRechunksLargeToolInput(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	sw.ChunkSize = 10

	input := `{"data":"` + strings.Repeat("x", 30) + `"}`
	require.NoError(t, sw.Start("req5", "claude-opus-4-5", 5, 0))
	require.NoError(t, sw.Write(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallChunk{
		ID: "toolu_2", Name: "store", Input: json.RawMessage(input),
	}}))
	require.NoError(t, sw.Finish(model.StopToolUse, model.TokenUsage{}))

	var got strings.Builder
	deltas := 0
	for _, ev := range events(t, rec) {
		if ev["type"] != "content_block_delta" {
			continue
		}
		delta := ev["delta"].(map[string]any)
		if delta["type"] == "input_json_delta" {
			deltas++
			got.WriteString(delta["partial_json"].(string))
		}
	}
	assert.Greater(t, deltas, 1)
	assert.Equal(t, input, got.String())
}

func TestStreamWriterStartIsIdempotent(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := NewStreamWriter(rec)
	require.NoError(t, sw.Start("req6", "m", 1, 0))
	require.NoError(t, sw.Start("req6", "m", 1, 0))
	assert.Len(t, events(t, rec), 1)
}
