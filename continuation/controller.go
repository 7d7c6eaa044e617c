package continuation

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/relay/model"
)

type (
	// Config bounds the resume loop.
	Config struct {
		// Enabled toggles the whole feature.
		Enabled bool

		// MaxAttempts caps resume requests per client request.
		MaxAttempts int

		// MinResumeTextLength is the abort guard: segments shorter than
		// this never trigger a resume.
		MinResumeTextLength int

		// TruncatedEndingChars bounds the tail embedded in the resume
		// prompt.
		TruncatedEndingChars int

		// MaxTokens is the completion budget for resume segments.
		MaxTokens int

		// MaxOverlapCheck and FuzzyOverlapCheck bound overlap removal when
		// stitching a resumed segment onto the accumulated text.
		MaxOverlapCheck   int
		FuzzyOverlapCheck int

		// PromptTemplate must contain one %s verb for the truncated ending.
		PromptTemplate string
	}

	// SegmentResult reports one upstream segment.
	SegmentResult struct {
		Text       string
		StopReason model.StopReason
		Usage      model.TokenUsage
	}

	// SegmentFunc runs one upstream call, forwarding chunks to emit. The
	// orchestrator supplies it so the controller stays transport-free.
	SegmentFunc func(ctx context.Context, req *model.Request, emit func(model.Chunk) error) (SegmentResult, error)

	// Result is the stitched outcome of all segments.
	Result struct {
		Text        string
		StopReason  model.StopReason
		Usage       model.TokenUsage
		Attempts    int
		Aborted     bool
		AbortReason string
	}

	// Controller owns the resume loop for one request.
	Controller struct {
		cfg      Config
		detector Detector
		attempts metric.Int64Counter
	}
)

// DefaultPromptTemplate asks the upstream model to pick up exactly where the
// truncated segment stopped without repeating emitted content.
const DefaultPromptTemplate = "Your previous response was cut off before it finished. " +
	"It ended with:\n\n---\n%s\n---\n\n" +
	"Continue exactly from where it was cut off. Do not repeat anything already written, " +
	"do not apologize and do not summarize. Just continue the response."

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Enabled:              true,
		MaxAttempts:          3,
		MinResumeTextLength:  200,
		TruncatedEndingChars: 500,
		MaxTokens:            16384,
		MaxOverlapCheck:      200,
		FuzzyOverlapCheck:    50,
		PromptTemplate:       DefaultPromptTemplate,
	}
}

// NewController validates cfg and fills zero values with defaults.
func NewController(cfg Config) *Controller {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MinResumeTextLength <= 0 {
		cfg.MinResumeTextLength = def.MinResumeTextLength
	}
	if cfg.TruncatedEndingChars <= 0 {
		cfg.TruncatedEndingChars = def.TruncatedEndingChars
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxOverlapCheck <= 0 {
		cfg.MaxOverlapCheck = def.MaxOverlapCheck
	}
	if cfg.FuzzyOverlapCheck <= 0 {
		cfg.FuzzyOverlapCheck = def.FuzzyOverlapCheck
	}
	if cfg.PromptTemplate == "" {
		cfg.PromptTemplate = def.PromptTemplate
	}
	meter := otel.Meter("goa.design/relay/continuation")
	attempts, _ := meter.Int64Counter("relay.continuation.attempts",
		metric.WithDescription("Resume attempts by detected truncation reason"))
	return &Controller{
		cfg:      cfg,
		detector: Detector{EndingChars: cfg.TruncatedEndingChars},
		attempts: attempts,
	}
}

// Run streams the first segment to sink as it arrives, then resumes while the
// upstream keeps stopping on its token limit, up to MaxAttempts. Resumed text
// is stitched on with overlap removal so the client sees one growing response.
// Stop and usage chunks from individual segments are swallowed; callers emit
// the final accounting from the returned Result.
func (c *Controller) Run(ctx context.Context, req *model.Request, segment SegmentFunc, sink func(model.Chunk) error) (Result, error) {
	var total strings.Builder
	res := Result{}

	seg, err := segment(ctx, req, func(ch model.Chunk) error {
		if ch.Type == model.ChunkTypeText {
			total.WriteString(ch.Text)
		}
		if swallowed(ch) {
			return nil
		}
		return sink(ch)
	})
	if err != nil {
		return res, err
	}
	res.StopReason = seg.StopReason
	res.Usage = addUsage(res.Usage, seg.Usage)

	for attempt := 1; c.cfg.Enabled && res.StopReason == model.StopMaxTokens && attempt <= c.cfg.MaxAttempts; attempt++ {
		accumulated := total.String()
		if len(strings.TrimSpace(accumulated)) < c.cfg.MinResumeTextLength {
			res.Aborted = true
			res.AbortReason = "insufficient_resume_context"
			break
		}
		info := c.detector.Detect(accumulated, res.StopReason)
		resume := c.buildResume(req, accumulated, info.Ending)
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", info.Reason)))
		log.Debug(ctx, log.KV{K: "msg", V: "continuation attempt"},
			log.KV{K: "attempt", V: attempt},
			log.KV{K: "reason", V: info.Reason},
			log.KV{K: "accumulated_chars", V: len(accumulated)})

		var segText strings.Builder
		seg, err = segment(ctx, resume, func(ch model.Chunk) error {
			// Buffer resumed text so overlap with the already emitted
			// stream can be stripped before the client sees it.
			if ch.Type == model.ChunkTypeText {
				segText.WriteString(ch.Text)
				return nil
			}
			if swallowed(ch) {
				return nil
			}
			return sink(ch)
		})
		if err != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "continuation segment failed, keeping partial response"},
				log.KV{K: "attempt", V: attempt}, log.KV{K: "err", V: err.Error()})
			res.Aborted = true
			res.AbortReason = "segment_error"
			break
		}
		res.Usage = addUsage(res.Usage, seg.Usage)
		res.Attempts = attempt

		novel := MergeSuffix(accumulated, segText.String(), c.cfg.MaxOverlapCheck, c.cfg.FuzzyOverlapCheck)
		if novel == "" && seg.StopReason == model.StopMaxTokens {
			// No forward progress; another attempt would loop.
			res.Aborted = true
			res.AbortReason = "no_progress"
			break
		}
		if novel != "" {
			total.WriteString(novel)
			if err := sink(model.Chunk{Type: model.ChunkTypeText, Text: novel}); err != nil {
				return res, err
			}
		}
		res.StopReason = seg.StopReason
	}

	res.Text = total.String()
	return res, nil
}

// buildResume appends the partial assistant turn and the continuation
// instruction to a copy of the original request.
func (c *Controller) buildResume(req *model.Request, accumulated, ending string) *model.Request {
	if ending == "" {
		ending = accumulated
		if len(ending) > c.cfg.TruncatedEndingChars {
			ending = ending[len(ending)-c.cfg.TruncatedEndingChars:]
		}
	}
	resume := req.Clone()
	resume.Messages = append(resume.Messages,
		model.AssistantText(accumulated),
		model.UserText(fmt.Sprintf(c.cfg.PromptTemplate, ending)),
	)
	resume.MaxTokens = c.cfg.MaxTokens
	resume.Stream = req.Stream
	return resume
}

// MergeSuffix returns the part of cont that extends acc. It first tries an
// exact suffix/prefix overlap up to maxCheck bytes, then a fuzzy probe: when
// the first fuzzy bytes of cont appear in the tail of acc, the continuation
// is assumed to restate everything from that point on.
func MergeSuffix(acc, cont string, maxCheck, fuzzy int) string {
	if cont == "" {
		return ""
	}
	if acc == "" {
		return cont
	}
	limit := min(maxCheck, len(acc), len(cont))
	for n := limit; n > 0; n-- {
		if strings.HasSuffix(acc, cont[:n]) {
			return cont[n:]
		}
	}
	probe := min(fuzzy, len(cont))
	if probe >= 20 {
		tailStart := max(0, len(acc)-maxCheck)
		tail := acc[tailStart:]
		if idx := strings.LastIndex(tail, cont[:probe]); idx >= 0 {
			restated := len(tail) - idx
			if restated <= len(cont) {
				return cont[restated:]
			}
		}
	}
	return cont
}

func swallowed(ch model.Chunk) bool {
	return ch.Type == model.ChunkTypeStop || ch.Type == model.ChunkTypeUsage
}

func addUsage(a, b model.TokenUsage) model.TokenUsage {
	a.InputTokens += b.InputTokens
	a.OutputTokens += b.OutputTokens
	a.CacheRead += b.CacheRead
	return a
}
