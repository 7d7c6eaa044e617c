// Package history reshapes oversized conversation histories so upstream
// length limits are not exceeded. It implements a multi-strategy pipeline
// (pre-estimation, truncation, AI-generated summarization with a
// delta-triggered cache, and length-error retry) over the normalized message
// list.
package history

import (
	"context"
	"time"
)

type (
	// Strategy names one history-management technique. Strategies are applied
	// in a fixed order when enabled.
	Strategy string

	// Config carries the strategy set, the numeric limits and the cache
	// controls for the engine.
	Config struct {
		Strategies []Strategy

		// MaxMessages and MaxChars bound the history for AUTO_TRUNCATE.
		MaxMessages int
		MaxChars    int

		// SummaryThreshold triggers SMART_SUMMARY; SummaryKeepRecent messages
		// survive compression verbatim. SummaryMaxLength caps generated
		// summaries.
		SummaryThreshold  int
		SummaryKeepRecent int
		SummaryMaxLength  int

		// RetryMaxMessages and MaxRetries drive ERROR_RETRY shrinking.
		RetryMaxMessages int
		MaxRetries       int

		// EstimateThreshold triggers PRE_ESTIMATE on the serialized request.
		EstimateThreshold int

		// CharsPerToken tunes token estimation.
		CharsPerToken float64

		// Cache controls (C4).
		CacheEnabled     bool
		MinDeltaMessages int
		MinDeltaChars    int
		MaxAge           time.Duration
		MaxEntries       int

		// AddWarningHeader surfaces truncation in a response header.
		AddWarningHeader bool
	}

	// SummaryFunc produces a conversation summary for a prompt. The engine
	// injects an upstream-backed implementation; the engine itself never
	// touches the HTTP client.
	SummaryFunc func(ctx context.Context, prompt string) (string, error)
)

const (
	StrategyPreEstimate  Strategy = "pre_estimate"
	StrategyAutoTruncate Strategy = "auto_truncate"
	StrategySmartSummary Strategy = "smart_summary"
	StrategyErrorRetry   Strategy = "error_retry"
)

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Strategies: []Strategy{
			StrategyAutoTruncate,
			StrategySmartSummary,
			StrategyErrorRetry,
		},
		MaxMessages:       30,
		MaxChars:          150000,
		SummaryThreshold:  100000,
		SummaryKeepRecent: 10,
		SummaryMaxLength:  2000,
		RetryMaxMessages:  20,
		MaxRetries:        2,
		EstimateThreshold: 150000,
		CharsPerToken:     3.0,
		CacheEnabled:      true,
		MinDeltaMessages:  3,
		MinDeltaChars:     4000,
		MaxAge:            180 * time.Second,
		MaxEntries:        128,
		AddWarningHeader:  true,
	}
}

func (c Config) enabled(s Strategy) bool {
	for _, v := range c.Strategies {
		if v == s {
			return true
		}
	}
	return false
}
