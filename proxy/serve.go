package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"goa.design/clue/log"

	"goa.design/relay/continuation"
	"goa.design/relay/dialect/anthropic"
	oai "goa.design/relay/dialect/openai"
	"goa.design/relay/history"
	"goa.design/relay/model"
	"goa.design/relay/stream"
)

// wireDialect identifies which dialect the client spoke, so responses and
// errors go back in the same shape.
type wireDialect int

const (
	dialectAnthropic wireDialect = iota
	dialectOpenAI
)

// chunkWriter is the common surface of the two dialect SSE writers.
type chunkWriter interface {
	Write(model.Chunk) error
	Finish(model.StopReason, model.TokenUsage) error
	Error(string) error
}

// serve runs the full pipeline for one decoded request.
func (p *Proxy) serve(ctx context.Context, w http.ResponseWriter, r *http.Request, mreq *model.Request, d wireDialect, reqID string) {
	msgs, err := model.Normalize(mreq.Messages, model.NormalizeOptions{})
	if err != nil {
		p.writeError(ctx, w, d, err)
		return
	}
	mreq.Messages = msgs
	schemas := compileToolSchemas(ctx, mreq.Tools)

	eng := history.NewEngine(p.cfg.History, p.cache)
	mreq.Messages = p.applyHistory(ctx, eng, msgs)
	if err := model.VerifyToolPairing(mreq.Messages); err != nil {
		p.writeError(ctx, w, d, fmt.Errorf("internal: history processing broke tool pairing (request %s): %w", reqID, err))
		return
	}

	decision := p.router.Route(ctx, mreq, r.Header.Get(p.cfg.Route.WhitelistHeader))
	mreq.Model = decision.Model

	if mreq.Stream {
		p.serveStream(ctx, w, mreq, eng, schemas, d, reqID)
		return
	}
	p.serveOnce(ctx, w, mreq, eng, schemas, d, reqID)
}

// applyHistory runs the pre-request history pipeline. Oversized sessions with
// no fresh summary are served fast with plain truncation while the summary is
// generated off the request path.
func (p *Proxy) applyHistory(ctx context.Context, eng *history.Engine, msgs []model.Message) []model.Message {
	userContent := lastUserText(msgs)
	if !eng.ShouldSummarize(msgs) || p.async == nil {
		return eng.PreProcess(msgs, userContent)
	}

	key := model.SessionKey(msgs)
	if p.cache != nil {
		if _, ok := p.cache.Fresh(key, len(msgs), model.HistoryChars(msgs)); !ok && p.cfg.Async.FastFirstRequest {
			p.async.Schedule(ctx, key, msgs, p.summaryFn())
			return eng.PreProcess(msgs, userContent)
		}
	}
	out := eng.PreProcessAsync(ctx, msgs, userContent, p.summaryFn())
	if p.async.ShouldRefresh(key, len(msgs)) {
		p.async.Schedule(ctx, key, msgs, p.summaryFn())
	}
	return out
}

// summaryFn adapts the upstream client to the history engine's contract.
func (p *Proxy) summaryFn() history.SummaryFunc {
	return func(ctx context.Context, prompt string) (string, error) {
		resp, err := p.client.Chat(ctx, p.summaryRequest(prompt))
		if err != nil {
			return "", err
		}
		if len(resp.Choices) == 0 {
			return "", nil
		}
		return resp.Choices[0].Message.Content, nil
	}
}

// serveOnce handles the non-streaming path: the continuation controller runs
// over buffered segments, and the stitched result is encoded as one body.
func (p *Proxy) serveOnce(ctx context.Context, w http.ResponseWriter, mreq *model.Request, eng *history.Engine, schemas toolSchemas, d wireDialect, reqID string) {
	ctrl := continuation.NewController(p.cfg.Continuation)
	for retry := 0; ; retry++ {
		var toolCalls []model.ToolCallChunk
		sink := func(ch model.Chunk) error {
			if ch.Type == model.ChunkTypeToolCall && ch.ToolCall != nil {
				schemas.check(ctx, ch.ToolCall.Name, ch.ToolCall.Input)
				toolCalls = append(toolCalls, *ch.ToolCall)
			}
			return nil
		}
		res, err := ctrl.Run(ctx, mreq, p.chatSegment(), sink)
		if err != nil {
			if shrunk, ok := p.retryLength(ctx, eng, mreq, retry, err); ok {
				mreq.Messages = shrunk
				continue
			}
			p.writeError(ctx, w, d, err)
			return
		}
		res.Usage.CacheRead += eng.CacheReadTokens()

		msg := model.Message{Role: model.RoleAssistant}
		if res.Text != "" {
			msg.Parts = append(msg.Parts, model.TextPart{Text: res.Text})
		}
		stop := res.StopReason
		for _, tc := range toolCalls {
			msg.Parts = append(msg.Parts, model.ToolUsePart{ID: tc.ID, Name: tc.Name, Input: tc.Input})
			stop = model.StopToolUse
		}
		resp := model.Response{Message: msg, StopReason: stop, Usage: res.Usage, Model: mreq.Model}

		p.truncationHeader(w, eng)
		switch d {
		case dialectAnthropic:
			body, err := anthropic.EncodeResponse(resp, reqID)
			if err != nil {
				p.writeError(ctx, w, d, err)
				return
			}
			writeJSON(w, http.StatusOK, body)
		default:
			writeJSON(w, http.StatusOK, oai.EncodeResponse(resp, reqID))
		}
		return
	}
}

// serveStream handles the streaming path. Headers and the message_start event
// are deferred until the first chunk so connect-time length failures can still
// shrink the history and retry with a clean response.
func (p *Proxy) serveStream(ctx context.Context, w http.ResponseWriter, mreq *model.Request, eng *history.Engine, schemas toolSchemas, d wireDialect, reqID string) {
	ctrl := continuation.NewController(p.cfg.Continuation)

	var sw chunkWriter
	started := false
	begin := func() error {
		if started {
			return nil
		}
		started = true
		p.truncationHeader(w, eng)
		switch d {
		case dialectAnthropic:
			anthropic.SetHeaders(w)
			asw := anthropic.NewStreamWriter(w)
			input := model.EstimateMessagesTokens(mreq.Messages, mreq.System, p.cfg.History.CharsPerToken)
			cacheRead := eng.CacheReadTokens()
			if err := asw.Start(reqID, mreq.Model, input, cacheRead); err != nil {
				return err
			}
			sw = asw
		default:
			oai.SetHeaders(w)
			sw = oai.NewStreamWriter(w, reqID, mreq.Model)
		}
		return nil
	}

	sink := func(ch model.Chunk) error {
		if ch.Type == model.ChunkTypeError {
			return nil
		}
		if ch.Type == model.ChunkTypeToolCall && ch.ToolCall != nil {
			schemas.check(ctx, ch.ToolCall.Name, ch.ToolCall.Input)
		}
		if err := begin(); err != nil {
			return err
		}
		return sw.Write(ch)
	}

	for retry := 0; ; retry++ {
		res, err := ctrl.Run(ctx, mreq, p.streamSegment(), sink)
		if err != nil {
			if !started {
				if shrunk, ok := p.retryLength(ctx, eng, mreq, retry, err); ok {
					mreq.Messages = shrunk
					continue
				}
				p.writeError(ctx, w, d, err)
				return
			}
			// Bytes already flushed: close the stream with a terminal error
			// event instead of tearing the connection.
			log.Error(ctx, err, log.KV{K: "msg", V: "stream failed mid-flight"})
			_ = sw.Error(publicMessage(err))
			return
		}
		res.Usage.CacheRead += eng.CacheReadTokens()
		if err := begin(); err != nil {
			return
		}
		if err := sw.Finish(res.StopReason, res.Usage); err != nil {
			log.Error(ctx, err, log.KV{K: "msg", V: "stream finish failed"})
		}
		return
	}
}

// retryLength applies the length-error retry strategy when err is an upstream
// context-length rejection.
func (p *Proxy) retryLength(ctx context.Context, eng *history.Engine, mreq *model.Request, retry int, err error) ([]model.Message, bool) {
	perr, ok := model.AsProviderError(err)
	if !ok || perr.Kind() != model.ProviderErrorKindContextLength {
		return nil, false
	}
	shrunk, again := eng.HandleLengthError(ctx, mreq.Messages, retry, p.summaryFn())
	if !again {
		return nil, false
	}
	log.Info(ctx, log.KV{K: "msg", V: "length error retry"},
		log.KV{K: "retry", V: retry + 1},
		log.KV{K: "messages", V: len(shrunk)})
	return shrunk, true
}

// chatSegment issues one buffered upstream completion and replays its parts
// as chunks.
func (p *Proxy) chatSegment() continuation.SegmentFunc {
	return func(ctx context.Context, req *model.Request, emit func(model.Chunk) error) (continuation.SegmentResult, error) {
		upReq := oai.EncodeRequest(req, p.encodeOpts())
		upReq.Stream = false
		resp, err := p.client.Chat(ctx, upReq)
		if err != nil {
			return continuation.SegmentResult{}, err
		}
		out := oai.DecodeResponse(resp, p.inlineTools())
		seg := continuation.SegmentResult{StopReason: out.StopReason, Usage: out.Usage}
		for _, part := range out.Message.Parts {
			switch v := part.(type) {
			case model.TextPart:
				seg.Text += v.Text
				if err := emit(model.Chunk{Type: model.ChunkTypeText, Text: v.Text}); err != nil {
					return seg, err
				}
			case model.ToolUsePart:
				ch := model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCallChunk{
					ID: v.ID, Name: v.Name, Input: v.Input,
				}}
				if err := emit(ch); err != nil {
					return seg, err
				}
			}
		}
		return seg, nil
	}
}

// streamSegment opens one upstream stream and relays its normalized chunks.
func (p *Proxy) streamSegment() continuation.SegmentFunc {
	return func(ctx context.Context, req *model.Request, emit func(model.Chunk) error) (continuation.SegmentResult, error) {
		upReq := oai.EncodeRequest(req, p.encodeOpts())
		upReq.Stream = true
		upReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
		src, err := p.client.ChatStream(ctx, upReq)
		if err != nil {
			return continuation.SegmentResult{}, err
		}
		rm := stream.New(ctx, src, stream.Options{Legacy: p.inlineTools()})
		defer rm.Close()

		seg := continuation.SegmentResult{StopReason: model.StopEndTurn}
		var text strings.Builder
		for {
			ch, rerr := rm.Recv()
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				seg.Text = text.String()
				return seg, rerr
			}
			switch ch.Type {
			case model.ChunkTypeError:
				seg.Text = text.String()
				if ch.Err != nil {
					return seg, ch.Err
				}
				continue
			case model.ChunkTypeText:
				text.WriteString(ch.Text)
			case model.ChunkTypeUsage:
				if ch.Usage != nil {
					seg.Usage = *ch.Usage
				}
			case model.ChunkTypeStop:
				seg.StopReason = ch.StopReason
			}
			if err := emit(ch); err != nil {
				seg.Text = text.String()
				return seg, err
			}
		}
		seg.Text = text.String()
		return seg, nil
	}
}

func (p *Proxy) truncationHeader(w http.ResponseWriter, eng *history.Engine) {
	if p.cfg.History.AddWarningHeader && eng.WasTruncated() {
		w.Header().Set("X-History-Truncated", eng.TruncateInfo())
	}
}

func lastUserText(msgs []model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleUser {
			return msgs[i].Text()
		}
	}
	return ""
}
