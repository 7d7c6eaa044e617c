// Package route maps each incoming request to a concrete upstream model tier.
// The decision is a priority-ordered cascade: the first matching rule wins,
// and lower-priority rules fall back to probabilistic load shifting between
// the high-capability Opus tier and the cheaper Sonnet tier.
package route

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"goa.design/clue/log"

	"goa.design/relay/model"
)

type (
	// Config is the routing policy.
	Config struct {
		Enabled bool

		OpusModel   string
		SonnetModel string

		// Probabilities are percentages in [0, 100].
		BaseOpusProbability             int
		FirstTurnOpusProbability        int
		ExecutionPhaseSonnetProbability int

		// FirstTurnMaxUserMessages bounds the first-turn rule;
		// ExecutionPhaseToolCalls is the tool-call count that marks the
		// execution phase.
		FirstTurnMaxUserMessages int
		ExecutionPhaseToolCalls  int

		// ForceOpusOnThinking routes extended-thinking requests to Opus.
		ForceOpusOnThinking bool

		// Keyword sets; match is case-sensitive substring, any language.
		OpusKeywords   []string
		SonnetKeywords []string

		// Whitelist escape hatches.
		WhitelistHeader string
		WhitelistMarker string
	}

	// Decision is the routing outcome: the chosen model, the rule that fired
	// and its priority level.
	Decision struct {
		Model    string
		Reason   string
		Priority int
	}

	// Router applies the cascade. Counters are process-local and atomic; the
	// RNG is injectable so tests can pin probabilistic rules.
	Router struct {
		cfg Config

		mu  sync.Mutex
		rng *rand.Rand

		opusCount   atomic.Int64
		sonnetCount atomic.Int64
		otherCount  atomic.Int64

		decisions metric.Int64Counter
	}

	// Stats is a snapshot of the routing counters.
	Stats struct {
		Opus   int64 `json:"opus"`
		Sonnet int64 `json:"sonnet"`
		Other  int64 `json:"other"`
	}
)

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:                         true,
		OpusModel:                       "claude-opus-4-5-20251101",
		SonnetModel:                     "claude-sonnet-4-5-20250929",
		BaseOpusProbability:             15,
		FirstTurnOpusProbability:        50,
		ExecutionPhaseSonnetProbability: 85,
		FirstTurnMaxUserMessages:        2,
		ExecutionPhaseToolCalls:         5,
		ForceOpusOnThinking:             true,
		OpusKeywords: []string{
			"设计方案", "架构设计", "系统设计", "技术方案", "整体规划",
			"design", "architecture", "plan",
			"根因分析", "深度分析", "全面分析",
			"root cause", "deep analysis", "analyze",
			"重构", "refactor",
			"创建项目", "从零开始",
			"create project", "from scratch",
			"实现", "implement", "开发", "develop",
		},
		SonnetKeywords: []string{
			"看看", "显示", "查看", "列出",
			"show", "view", "list", "display",
			"修复", "修改", "添加", "删除", "更新",
			"fix", "modify", "add", "delete", "update",
			"运行", "执行", "启动", "测试", "部署",
			"run", "execute", "start", "test", "deploy",
			"继续", "下一步", "好的",
			"continue", "next", "ok", "yes", "sure",
		},
		WhitelistHeader: "X-Force-Model",
		WhitelistMarker: "[FORCE_OPUS]",
	}
}

// New builds a router. src may be nil for the default RNG source.
func New(cfg Config, src rand.Source) *Router {
	if src == nil {
		src = rand.NewSource(rand.Int63())
	}
	meter := otel.Meter("goa.design/relay/route")
	decisions, _ := meter.Int64Counter("relay.routing.decisions",
		metric.WithDescription("Routing decisions by tier and reason"))
	return &Router{cfg: cfg, rng: rand.New(src), decisions: decisions}
}

// Route decides the upstream model for a normalized request. forceHeader is
// the value of the whitelist header, empty when absent. Requests whose model
// does not name the opus family pass through unrouted.
func (r *Router) Route(ctx context.Context, req *model.Request, forceHeader string) Decision {
	d := r.decide(req, forceHeader)
	r.record(ctx, d)
	log.Debug(ctx, log.KV{K: "msg", V: "routing decision"},
		log.KV{K: "model", V: d.Model},
		log.KV{K: "reason", V: d.Reason},
		log.KV{K: "priority", V: d.Priority})
	return d
}

func (r *Router) decide(req *model.Request, forceHeader string) Decision {
	cfg := r.cfg
	if !cfg.Enabled {
		return Decision{Model: req.Model, Reason: "routing disabled", Priority: -1}
	}

	// Priority 0: whitelist.
	if strings.EqualFold(forceHeader, "opus") {
		return Decision{Model: cfg.OpusModel, Reason: "whitelist header", Priority: 0}
	}
	if cfg.WhitelistMarker != "" && anyMessageContains(req.Messages, cfg.WhitelistMarker) {
		return Decision{Model: cfg.OpusModel, Reason: "whitelist marker", Priority: 0}
	}

	// Only opus-family requests participate in the cascade; haiku and other
	// explicit model choices are respected.
	if !strings.Contains(req.Model, "opus") {
		return Decision{Model: req.Model, Reason: "non-opus model passthrough", Priority: -1}
	}

	// Priority 1: extended thinking.
	if cfg.ForceOpusOnThinking && req.Thinking {
		return Decision{Model: cfg.OpusModel, Reason: "extended thinking", Priority: 1}
	}

	// Priority 1: first turn.
	if userMessageCount(req.Messages) <= cfg.FirstTurnMaxUserMessages {
		if r.roll(cfg.FirstTurnOpusProbability) {
			return Decision{Model: cfg.OpusModel, Reason: "first turn", Priority: 1}
		}
		return Decision{Model: cfg.SonnetModel, Reason: "first turn", Priority: 1}
	}

	// Priority 2: force-Opus keywords, evaluated before force-Sonnet so
	// overlapping keyword sets resolve deterministically.
	if kw := matchKeyword(req.Messages, cfg.OpusKeywords); kw != "" {
		return Decision{Model: cfg.OpusModel, Reason: "opus keyword: " + kw, Priority: 2}
	}

	// Priority 3: force-Sonnet keywords.
	if kw := matchKeyword(req.Messages, cfg.SonnetKeywords); kw != "" {
		return Decision{Model: cfg.SonnetModel, Reason: "sonnet keyword: " + kw, Priority: 3}
	}

	// Priority 4: execution phase.
	if toolCallCount(req.Messages) >= cfg.ExecutionPhaseToolCalls {
		if r.roll(cfg.ExecutionPhaseSonnetProbability) {
			return Decision{Model: cfg.SonnetModel, Reason: "execution phase", Priority: 4}
		}
		return Decision{Model: cfg.OpusModel, Reason: "execution phase", Priority: 4}
	}

	// Priority 5: baseline.
	if r.roll(cfg.BaseOpusProbability) {
		return Decision{Model: cfg.OpusModel, Reason: "baseline", Priority: 5}
	}
	return Decision{Model: cfg.SonnetModel, Reason: "baseline", Priority: 5}
}

// roll returns true with probability pct percent.
func (r *Router) roll(pct int) bool {
	if pct <= 0 {
		return false
	}
	if pct >= 100 {
		return true
	}
	r.mu.Lock()
	v := r.rng.Intn(100)
	r.mu.Unlock()
	return v < pct
}

func (r *Router) record(ctx context.Context, d Decision) {
	switch d.Model {
	case r.cfg.OpusModel:
		r.opusCount.Add(1)
	case r.cfg.SonnetModel:
		r.sonnetCount.Add(1)
	default:
		r.otherCount.Add(1)
	}
	if r.decisions != nil {
		r.decisions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", d.Model),
			attribute.String("reason", d.Reason),
		))
	}
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	return Stats{
		Opus:   r.opusCount.Load(),
		Sonnet: r.sonnetCount.Load(),
		Other:  r.otherCount.Load(),
	}
}

// Reset zeroes the counters.
func (r *Router) Reset() {
	r.opusCount.Store(0)
	r.sonnetCount.Store(0)
	r.otherCount.Store(0)
}

func anyMessageContains(msgs []model.Message, marker string) bool {
	for _, m := range msgs {
		if strings.Contains(m.Text(), marker) {
			return true
		}
	}
	return false
}

func matchKeyword(msgs []model.Message, keywords []string) string {
	for _, m := range msgs {
		text := m.Text()
		if text == "" {
			continue
		}
		for _, kw := range keywords {
			if strings.Contains(text, kw) {
				return kw
			}
		}
	}
	return ""
}

func userMessageCount(msgs []model.Message) int {
	var n int
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			n++
		}
	}
	return n
}

func toolCallCount(msgs []model.Message) int {
	var n int
	for _, m := range msgs {
		n += len(m.ToolUses())
	}
	return n
}
