package history

import (
	"context"
	"fmt"
	"strings"

	"goa.design/clue/log"

	"goa.design/relay/model"
)

const (
	summaryMarker = "[Earlier conversation summary]"
	summaryBridge = "[Continuing from recent messages...]"
	summaryAck    = "I understand the context. Let's continue."
)

// Engine applies the configured strategies to one request's history. Engines
// are cheap per-request values sharing a process-wide cache; truncation flags
// accumulate on the engine and feed the orchestrator's warning header.
type Engine struct {
	cfg   Config
	cache *SummaryCache

	wasTruncated   bool
	truncateInfo   []string
	cacheReadChars int
}

// NewEngine builds an engine over a shared summary cache. cache may be nil
// when caching is disabled.
func NewEngine(cfg Config, cache *SummaryCache) *Engine {
	return &Engine{cfg: cfg, cache: cache}
}

// WasTruncated reports whether any strategy mutated the history.
func (e *Engine) WasTruncated() bool { return e.wasTruncated }

// TruncateInfo returns a human-readable account of the mutations applied.
func (e *Engine) TruncateInfo() string { return strings.Join(e.truncateInfo, "; ") }

// CacheReadTokens reports the simulated cache-read billing: tokens of summary
// content served from the cache instead of being regenerated.
func (e *Engine) CacheReadTokens() int { return e.cacheReadChars / 4 }

func (e *Engine) mark(format string, args ...any) {
	e.wasTruncated = true
	e.truncateInfo = append(e.truncateInfo, fmt.Sprintf(format, args...))
}

// EstimateHistorySize returns the character size of the history.
func (e *Engine) EstimateHistorySize(msgs []model.Message) int {
	return model.HistoryChars(msgs)
}

// EstimateRequestChars measures the serialized request plus the pending user
// content, the quantity PRE_ESTIMATE compares against its threshold.
func (e *Engine) EstimateRequestChars(msgs []model.Message, userContent string) int {
	return model.SerializedChars(msgs) + len(userContent)
}

// ShouldPreTruncate reports whether PRE_ESTIMATE would fire.
func (e *Engine) ShouldPreTruncate(msgs []model.Message, userContent string) bool {
	return e.cfg.enabled(StrategyPreEstimate) &&
		e.EstimateRequestChars(msgs, userContent) > e.cfg.EstimateThreshold
}

// ShouldSummarize reports whether SMART_SUMMARY would fire.
func (e *Engine) ShouldSummarize(msgs []model.Message) bool {
	return e.cfg.enabled(StrategySmartSummary) &&
		model.HistoryChars(msgs) > e.cfg.SummaryThreshold &&
		len(msgs) > e.cfg.SummaryKeepRecent
}

// PreProcess applies the synchronous strategies: AUTO_TRUNCATE then
// PRE_ESTIMATE. No summarization happens here.
func (e *Engine) PreProcess(msgs []model.Message, userContent string) []model.Message {
	e.wasTruncated = false
	e.truncateInfo = nil
	out := msgs

	if e.cfg.enabled(StrategyAutoTruncate) {
		out = e.truncateByCount(out, e.cfg.MaxMessages)
		out = e.truncateByChars(out, e.cfg.MaxChars)
	}
	if e.ShouldPreTruncate(out, userContent) {
		target := e.cfg.EstimateThreshold * 8 / 10
		out = e.truncateByChars(out, target)
	}
	return out
}

// PreProcessAsync applies the full pipeline including summarization. The
// summary call is the only suspension point; summarization failures fall back
// to truncation and never fail the request.
func (e *Engine) PreProcessAsync(ctx context.Context, msgs []model.Message, userContent string, summaryFn SummaryFunc) []model.Message {
	e.wasTruncated = false
	e.truncateInfo = nil
	out := msgs

	if e.ShouldSummarize(out) {
		out = e.compressWithSummary(ctx, out, e.cfg.SummaryKeepRecent, summaryFn)
	}
	if e.cfg.enabled(StrategyAutoTruncate) {
		out = e.truncateByCount(out, e.cfg.MaxMessages)
		out = e.truncateByChars(out, e.cfg.MaxChars)
	}
	if e.ShouldPreTruncate(out, userContent) {
		target := e.cfg.EstimateThreshold * 8 / 10
		out = e.truncateByChars(out, target)
	}
	return out
}

// HandleLengthError shrinks the history after an upstream length failure.
// Each attempt reduces the retained tail by roughly 30%; summarization is
// preferred when enabled. Returns the new history and whether the caller
// should retry. At MaxRetries, or when no further shrink is possible, the
// history is returned unchanged with false.
func (e *Engine) HandleLengthError(ctx context.Context, msgs []model.Message, retryCount int, summaryFn SummaryFunc) ([]model.Message, bool) {
	if !e.cfg.enabled(StrategyErrorRetry) || retryCount >= e.cfg.MaxRetries {
		return msgs, false
	}
	factor := 1.0 - 0.3*float64(retryCount)
	target := int(float64(e.cfg.RetryMaxMessages) * factor)
	if target < 5 {
		target = 5
	}

	if e.cfg.enabled(StrategySmartSummary) && summaryFn != nil && len(msgs) > target {
		compressed := e.compressWithSummary(ctx, msgs, target, summaryFn)
		if len(compressed) < len(msgs) {
			e.mark("length error retry %d: summarized to %d messages", retryCount+1, len(compressed))
			return compressed, true
		}
	}
	if len(msgs) <= target {
		return msgs, false
	}
	out := e.truncateByCount(msgs, target)
	e.mark("length error retry %d: truncated to %d messages", retryCount+1, len(out))
	return out, true
}

func (e *Engine) truncateByCount(msgs []model.Message, max int) []model.Message {
	if max <= 0 || len(msgs) <= max {
		return msgs
	}
	out := repairCut(model.CloneMessages(msgs[len(msgs)-max:]))
	e.mark("truncated by count: %d -> %d", len(msgs), len(out))
	return out
}

// repairCut mends the head of a truncated history: a leading assistant turn
// has lost its user prompt, and retained tool_result blocks can answer calls
// that went with the dropped prefix. Stripping and repair alternate until the
// head is a stable user turn.
func repairCut(msgs []model.Message) []model.Message {
	out := msgs
	for {
		n := len(out)
		for len(out) > 0 && out[0].Role == model.RoleAssistant {
			out = out[1:]
		}
		out = model.DropUnpairedToolBlocks(out)
		if len(out) == n {
			return out
		}
	}
}

// truncateByChars drops oldest messages pair-wise (a user with its following
// assistant) until the history fits maxChars.
func (e *Engine) truncateByChars(msgs []model.Message, maxChars int) []model.Message {
	if maxChars <= 0 {
		return msgs
	}
	total := model.HistoryChars(msgs)
	if total <= maxChars {
		return msgs
	}
	out := model.CloneMessages(msgs)
	dropped := 0
	for total > maxChars && len(out) > 1 {
		total -= model.MessageChars(out[0])
		out = out[1:]
		dropped++
		if len(out) > 1 && out[0].Role == model.RoleAssistant {
			total -= model.MessageChars(out[0])
			out = out[1:]
			dropped++
		}
	}
	out = repairCut(out)
	e.mark("truncated by chars: dropped %d messages", dropped)
	return out
}

// compressWithSummary replaces the older portion of the history with a
// summary pair, keeping keepRecent messages verbatim. Cache hits skip the
// summary call entirely.
func (e *Engine) compressWithSummary(ctx context.Context, msgs []model.Message, keepRecent int, summaryFn SummaryFunc) []model.Message {
	if len(msgs) <= keepRecent {
		return msgs
	}
	older := msgs[:len(msgs)-keepRecent]
	// The cut can separate recent tool_result blocks from calls that went
	// into the summarized portion.
	recent := model.DropUnpairedToolBlocks(msgs[len(msgs)-keepRecent:])

	key := model.SessionKey(msgs)
	totalChars := model.HistoryChars(msgs)

	var summary string
	if e.cfg.CacheEnabled && e.cache != nil {
		if entry, ok := e.cache.Fresh(key, len(msgs), totalChars); ok {
			summary = capLength(entry.Summary, e.cfg.SummaryMaxLength)
			e.cacheReadChars += len(summary)
			log.Debug(ctx, log.KV{K: "msg", V: "summary cache hit"}, log.KV{K: "session", V: key})
		}
	}
	if summary == "" {
		if summaryFn == nil {
			return e.truncateByCount(msgs, keepRecent)
		}
		generated, err := summaryFn(ctx, SummaryPrompt(older))
		if err != nil || strings.TrimSpace(generated) == "" {
			if err != nil {
				log.Warn(ctx, log.KV{K: "msg", V: "summary generation failed"}, log.KV{K: "err", V: err.Error()})
			}
			return e.truncateByCount(msgs, keepRecent)
		}
		summary = capLength(generated, e.cfg.SummaryMaxLength)
		if e.cfg.CacheEnabled && e.cache != nil {
			e.cache.Put(key, summary, len(msgs), totalChars)
		}
	}

	e.mark("summarized %d messages", len(older))
	return BuildSummaryHistory(summary, recent)
}

// BuildSummaryHistory assembles the compressed history: a synthetic user
// message carrying the summary, an assistant acknowledgement, then the recent
// messages.
func BuildSummaryHistory(summary string, recent []model.Message) []model.Message {
	out := make([]model.Message, 0, len(recent)+2)
	out = append(out, model.UserText(summaryMarker+"\n"+summary+"\n\n"+summaryBridge))
	out = append(out, model.AssistantText(summaryAck))
	out = append(out, model.CloneMessages(recent)...)
	return out
}

// SummaryPrompt renders the structured extraction prompt over the older
// portion of the history.
func SummaryPrompt(older []model.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation for continuation. Extract:\n")
	b.WriteString("1. The user's goals\n")
	b.WriteString("2. Work completed so far\n")
	b.WriteString("3. Current state and pending steps\n")
	b.WriteString("4. Key files, identifiers and decisions mentioned\n\n")
	b.WriteString("Be concise. Output the summary only, no preamble.\n\n")
	b.WriteString("Conversation:\n")
	for _, m := range older {
		text := m.Text()
		if runes := []rune(text); len(runes) > 2000 {
			text = string(runes[:2000]) + "..."
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, text)
	}
	return b.String()
}

func capLength(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
