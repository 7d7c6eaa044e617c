package model

import "encoding/json"

type (
	// ChunkType identifies the payload of a streaming Chunk.
	ChunkType string

	// Chunk is one normalized streaming event. The Type value indicates which
	// payload fields are populated:
	//
	//   - ChunkTypeText:          Text carries an assistant text delta.
	//   - ChunkTypeThinking:      Thinking carries a reasoning delta.
	//   - ChunkTypeToolCall:      ToolCall carries a complete tool invocation.
	//   - ChunkTypeToolCallDelta: ToolCallDelta carries partial tool JSON.
	//   - ChunkTypeUsage:         Usage reports token usage.
	//   - ChunkTypeStop:          StopReason explains the termination.
	//   - ChunkTypeError:         Err carries a terminal stream failure.
	Chunk struct {
		Type          ChunkType
		Text          string
		Thinking      string
		ToolCall      *ToolCallChunk
		ToolCallDelta *ToolCallDelta
		Usage         *TokenUsage
		StopReason    StopReason
		Err           error
	}

	// ToolCallChunk is a fully assembled tool invocation emitted at the end of
	// a tool content block.
	ToolCallChunk struct {
		ID    string
		Name  string
		Input json.RawMessage
	}

	// ToolCallDelta is an incremental fragment of a tool invocation's JSON
	// arguments.
	ToolCallDelta struct {
		ID    string
		Name  string
		Delta string
	}

	// Streamer delivers normalized chunks. Successive Recv calls return Chunk
	// values until io.EOF. Close releases the underlying stream.
	Streamer interface {
		Recv() (Chunk, error)
		Close() error
	}
)

const (
	ChunkTypeText          ChunkType = "text"
	ChunkTypeThinking      ChunkType = "thinking"
	ChunkTypeToolCall      ChunkType = "tool_call"
	ChunkTypeToolCallDelta ChunkType = "tool_call_delta"
	ChunkTypeUsage         ChunkType = "usage"
	ChunkTypeStop          ChunkType = "stop"
	ChunkTypeError         ChunkType = "error"
)
