// Package stream converts the upstream OpenAI-dialect event stream into
// normalized chunks. A pump goroutine reads the upstream stream and drives an
// explicit state machine; consumers receive model.Chunk values through the
// model.Streamer interface. In legacy tool mode the machine buffers text from
// the first inline tool marker onward and resolves the buffered tail through
// the tool-block codec when the stream ends.
package stream

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	oadialect "goa.design/relay/dialect/openai"
	"goa.design/relay/model"
	"goa.design/relay/toolcall"
)

type (
	// Source is the subset of the go-openai stream consumed by the pump. It
	// is an interface so tests can feed synthetic event sequences.
	Source interface {
		Recv() (openai.ChatCompletionStreamResponse, error)
		Close() error
	}

	// Options tune the re-emitter.
	Options struct {
		// Legacy enables inline tool-marker buffering.
		Legacy bool

		// ChunkSize bounds one re-emitted text or tool-JSON delta when the
		// buffered tail is resolved at stream end.
		ChunkSize int
	}

	// Reemitter adapts one upstream stream to model.Streamer.
	Reemitter struct {
		ctx    context.Context
		cancel context.CancelFunc
		src    Source

		chunks chan model.Chunk

		errMu    sync.Mutex
		errSet   bool
		finalErr error

		proc *processor
	}
)

// New starts the pump goroutine over src.
func New(ctx context.Context, src Source, opts Options) *Reemitter {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 2000
	}
	cctx, cancel := context.WithCancel(ctx)
	r := &Reemitter{
		ctx:    cctx,
		cancel: cancel,
		src:    src,
		chunks: make(chan model.Chunk, 32),
	}
	r.proc = newProcessor(r.emit, opts)
	go r.run()
	return r
}

// Recv returns the next normalized chunk or io.EOF when the stream is done.
func (r *Reemitter) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-r.chunks:
		if ok {
			return chunk, nil
		}
		if err := r.err(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-r.ctx.Done():
		err := r.ctx.Err()
		r.setErr(err)
		return model.Chunk{}, err
	}
}

// Close cancels the pump and releases the upstream stream.
func (r *Reemitter) Close() error {
	r.cancel()
	if r.src == nil {
		return nil
	}
	return r.src.Close()
}

func (r *Reemitter) run() {
	defer close(r.chunks)
	defer func() { _ = r.src.Close() }()

	for {
		select {
		case <-r.ctx.Done():
			r.setErr(r.ctx.Err())
			return
		default:
		}
		event, err := r.src.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if ferr := r.proc.finalize(); ferr != nil {
					r.setErr(ferr)
				}
				return
			}
			// Upstream failure: surface as a terminal error chunk so the
			// client sees a well-formed close, then record the error.
			_ = r.emit(model.Chunk{Type: model.ChunkTypeError, Err: err})
			r.setErr(err)
			return
		}
		if err := r.proc.handle(event); err != nil {
			r.setErr(err)
			return
		}
	}
}

func (r *Reemitter) emit(chunk model.Chunk) error {
	select {
	case <-r.ctx.Done():
		return r.ctx.Err()
	case r.chunks <- chunk:
		return nil
	}
}

func (r *Reemitter) setErr(err error) {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.errSet {
		return
	}
	r.errSet = true
	r.finalErr = err
}

func (r *Reemitter) err() error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	return r.finalErr
}

// processor is the per-response state machine.
type processor struct {
	emit func(model.Chunk) error
	opts Options

	accumulated strings.Builder
	emitted     int
	buffering   bool
	bufStart    int

	toolOrder []string
	toolAcc   map[string]*toolCallAcc

	finishReason     string
	completionTokens int
	promptTokens     int
}

type toolCallAcc struct {
	id   string
	name string
	args strings.Builder
}

func newProcessor(emit func(model.Chunk) error, opts Options) *processor {
	return &processor{emit: emit, opts: opts, toolAcc: make(map[string]*toolCallAcc)}
}

func (p *processor) handle(event openai.ChatCompletionStreamResponse) error {
	if event.Usage != nil {
		p.completionTokens = event.Usage.CompletionTokens
		p.promptTokens = event.Usage.PromptTokens
	}
	if len(event.Choices) == 0 {
		return nil
	}
	choice := event.Choices[0]
	if choice.FinishReason != "" {
		p.finishReason = string(choice.FinishReason)
	}

	if content := choice.Delta.Content; content != "" {
		if err := p.handleText(content); err != nil {
			return err
		}
	}

	for _, tc := range choice.Delta.ToolCalls {
		key := tc.ID
		if key == "" {
			if tc.Index != nil {
				key = "index_" + strconv.Itoa(*tc.Index)
			} else {
				key = "index_0"
			}
		}
		acc, ok := p.toolAcc[key]
		if !ok {
			acc = &toolCallAcc{id: tc.ID}
			if acc.id == "" {
				acc.id = toolcall.NewToolID()
			}
			p.toolAcc[key] = acc
			p.toolOrder = append(p.toolOrder, key)
		}
		if tc.ID != "" {
			acc.id = tc.ID
		}
		if tc.Function.Name != "" {
			acc.name = tc.Function.Name
		}
		if tc.Function.Arguments != "" {
			acc.args.WriteString(tc.Function.Arguments)
		}
	}
	return nil
}

func (p *processor) handleText(content string) error {
	p.accumulated.WriteString(content)
	acc := p.accumulated.String()

	if p.buffering {
		return nil
	}
	if p.opts.Legacy {
		if idx := strings.Index(acc, toolcall.Marker); idx >= 0 {
			// Flush prose before the marker, then buffer everything after it
			// until the stream ends and the codec can resolve the call.
			if idx > p.emitted {
				if err := p.emit(model.Chunk{Type: model.ChunkTypeText, Text: acc[p.emitted:idx]}); err != nil {
					return err
				}
				p.emitted = idx
			}
			p.buffering = true
			p.bufStart = idx
			return nil
		}
	}
	if len(acc) > p.emitted {
		if err := p.emit(model.Chunk{Type: model.ChunkTypeText, Text: acc[p.emitted:]}); err != nil {
			return err
		}
		p.emitted = len(acc)
	}
	return nil
}

// finalize resolves buffered legacy content, flushes accumulated native tool
// calls and emits the usage and stop chunks.
func (p *processor) finalize() error {
	stop := oadialect.MapFinishReason(p.finishReason)

	// Structured tool calls win over a buffered inline tail: the marker text
	// would duplicate the invocation, so it is dropped.
	if p.buffering && len(p.toolOrder) == 0 {
		buffered := p.accumulated.String()[p.bufStart:]
		cleaned, _, _ := toolcall.ScrubHallucinatedResult(buffered)
		for _, part := range toolcall.ExtractBlocks(cleaned) {
			switch v := part.(type) {
			case model.TextPart:
				if strings.TrimSpace(v.Text) == "" {
					continue
				}
				for _, piece := range splitChunks(v.Text, p.opts.ChunkSize) {
					if err := p.emit(model.Chunk{Type: model.ChunkTypeText, Text: piece}); err != nil {
						return err
					}
				}
			case model.ToolUsePart:
				stop = model.StopToolUse
				if err := p.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallChunk{
					ID: v.ID, Name: v.Name, Input: v.Input,
				}}); err != nil {
					return err
				}
			}
		}
	}

	for _, key := range p.toolOrder {
		acc := p.toolAcc[key]
		if acc.name == "" {
			continue
		}
		stop = model.StopToolUse
		raw := acc.args.String()
		if strings.TrimSpace(raw) == "" {
			raw = "{}"
		}
		input, err := toolcall.ParseTolerant(raw)
		if err != nil {
			input = []byte(`{"_parse_error":"Invalid JSON"}`)
		}
		if err := p.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallChunk{
			ID: acc.id, Name: acc.name, Input: input,
		}}); err != nil {
			return err
		}
	}

	output := p.completionTokens
	if output == 0 {
		output = model.EstimateTokens(p.accumulated.String(), 0)
	}
	if err := p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &model.TokenUsage{
		InputTokens:  p.promptTokens,
		OutputTokens: output,
	}}); err != nil {
		return err
	}
	return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: stop})
}

func splitChunks(s string, size int) []string {
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
