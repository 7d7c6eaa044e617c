// Package config loads the service configuration: component defaults, an
// optional YAML file overlay, then environment variables, in that order of
// precedence (later wins).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"

	"goa.design/relay/continuation"
	"goa.design/relay/history"
	"goa.design/relay/proxy"
	"goa.design/relay/route"
	"goa.design/relay/upstream"
)

type (
	// Config is the full service configuration.
	Config struct {
		Host  string `env:"RELAY_HOST" yaml:"host"`
		Port  int    `env:"RELAY_PORT" yaml:"port"`
		Debug bool   `env:"RELAY_DEBUG" yaml:"debug"`

		// LegacyTools selects the inline tool protocol toward the upstream.
		// NativeToolsFallback keeps inline-marker parsing active in native
		// mode.
		LegacyTools         bool  `env:"RELAY_LEGACY_TOOLS" yaml:"legacy_tools"`
		NativeToolsFallback *bool `env:"RELAY_NATIVE_TOOLS_FALLBACK" yaml:"native_tools_fallback"`

		// ToolDescMaxChars and ToolParamDescMaxChars clip oversized tool
		// descriptions before they reach the upstream.
		ToolDescMaxChars      int `env:"RELAY_TOOL_DESC_MAX_CHARS" yaml:"tool_desc_max_chars"`
		ToolParamDescMaxChars int `env:"RELAY_TOOL_PARAM_DESC_MAX_CHARS" yaml:"tool_param_desc_max_chars"`

		Upstream     Upstream     `yaml:"upstream"`
		Routing      Routing      `yaml:"routing"`
		History      History      `yaml:"history"`
		Continuation Continuation `yaml:"continuation"`
	}

	// Upstream configures the gateway client.
	Upstream struct {
		BaseURL                string  `env:"OPENAI_BASE_URL" yaml:"base_url"`
		APIKey                 string  `env:"OPENAI_API_KEY" yaml:"api_key"`
		TimeoutSeconds         int     `env:"UPSTREAM_TIMEOUT_SECONDS" yaml:"timeout_seconds"`
		MaxConnections         int     `env:"UPSTREAM_MAX_CONNECTIONS" yaml:"max_connections"`
		MaxKeepalive           int     `env:"UPSTREAM_MAX_KEEPALIVE" yaml:"max_keepalive"`
		KeepaliveExpirySeconds int     `env:"UPSTREAM_KEEPALIVE_EXPIRY_SECONDS" yaml:"keepalive_expiry_seconds"`
		MaxRetries             int     `env:"UPSTREAM_MAX_RETRIES" yaml:"max_retries"`
		RateLimitTPM           float64 `env:"UPSTREAM_RATE_LIMIT_TPM" yaml:"rate_limit_tpm"`
	}

	// Routing configures the model tier cascade.
	Routing struct {
		Enabled             *bool    `env:"ROUTING_ENABLED" yaml:"enabled"`
		OpusModel           string   `env:"ROUTING_OPUS_MODEL" yaml:"opus_model"`
		SonnetModel         string   `env:"ROUTING_SONNET_MODEL" yaml:"sonnet_model"`
		BaseOpusPct         *int     `env:"ROUTING_BASE_OPUS_PCT" yaml:"base_opus_pct"`
		FirstTurnOpusPct    *int     `env:"ROUTING_FIRST_TURN_OPUS_PCT" yaml:"first_turn_opus_pct"`
		ExecSonnetPct       *int     `env:"ROUTING_EXEC_SONNET_PCT" yaml:"exec_sonnet_pct"`
		FirstTurnMaxUser    *int     `env:"ROUTING_FIRST_TURN_MAX_USER_MESSAGES" yaml:"first_turn_max_user_messages"`
		ExecToolCalls       *int     `env:"ROUTING_EXECUTION_TOOL_CALLS" yaml:"execution_tool_calls"`
		ForceOpusOnThinking *bool    `env:"ROUTING_FORCE_OPUS_ON_THINKING" yaml:"force_opus_on_thinking"`
		OpusKeywords        []string `yaml:"opus_keywords"`
		SonnetKeywords      []string `yaml:"sonnet_keywords"`
		WhitelistHeader     string   `env:"ROUTING_WHITELIST_HEADER" yaml:"whitelist_header"`
		WhitelistMarker     string   `env:"ROUTING_WHITELIST_MARKER" yaml:"whitelist_marker"`
	}

	// History configures the history engine, the summary cache and the
	// background summarizer.
	History struct {
		Strategies        []string `env:"HISTORY_STRATEGIES" envSeparator:"," yaml:"strategies"`
		MaxMessages       int      `env:"HISTORY_MAX_MESSAGES" yaml:"max_messages"`
		MaxChars          int      `env:"HISTORY_MAX_CHARS" yaml:"max_chars"`
		SummaryThreshold  int      `env:"HISTORY_SUMMARY_THRESHOLD" yaml:"summary_threshold"`
		KeepRecent        int      `env:"HISTORY_KEEP_RECENT" yaml:"keep_recent"`
		SummaryMaxLength  int      `env:"HISTORY_SUMMARY_MAX_LENGTH" yaml:"summary_max_length"`
		RetryMaxMessages  int      `env:"HISTORY_RETRY_MAX_MESSAGES" yaml:"retry_max_messages"`
		MaxRetries        int      `env:"HISTORY_MAX_RETRIES" yaml:"max_retries"`
		EstimateThreshold int      `env:"HISTORY_ESTIMATE_THRESHOLD" yaml:"estimate_threshold"`
		CharsPerToken     float64  `env:"HISTORY_CHARS_PER_TOKEN" yaml:"chars_per_token"`
		WarningHeader     *bool    `env:"HISTORY_WARNING_HEADER" yaml:"warning_header"`

		CacheEnabled     *bool `env:"HISTORY_CACHE_ENABLED" yaml:"cache_enabled"`
		MinDeltaMessages int   `env:"HISTORY_CACHE_MIN_DELTA_MESSAGES" yaml:"cache_min_delta_messages"`
		MinDeltaChars    int   `env:"HISTORY_CACHE_MIN_DELTA_CHARS" yaml:"cache_min_delta_chars"`
		CacheMaxAge      int   `env:"HISTORY_CACHE_MAX_AGE_SECONDS" yaml:"cache_max_age_seconds"`
		CacheMaxEntries  int   `env:"HISTORY_CACHE_MAX_ENTRIES" yaml:"cache_max_entries"`

		AsyncEnabled       *bool `env:"HISTORY_ASYNC_ENABLED" yaml:"async_enabled"`
		FastFirstRequest   *bool `env:"HISTORY_FAST_FIRST_REQUEST" yaml:"fast_first_request"`
		MaxPendingTasks    int   `env:"HISTORY_MAX_PENDING_TASKS" yaml:"max_pending_tasks"`
		UpdateInterval     int   `env:"HISTORY_UPDATE_INTERVAL_MESSAGES" yaml:"update_interval_messages"`
		TaskTimeoutSeconds int   `env:"HISTORY_TASK_TIMEOUT_SECONDS" yaml:"task_timeout_seconds"`
	}

	// Continuation configures truncation recovery.
	Continuation struct {
		Enabled             *bool `env:"CONTINUATION_ENABLED" yaml:"enabled"`
		MaxAttempts         int   `env:"CONTINUATION_MAX_ATTEMPTS" yaml:"max_attempts"`
		MinResumeTextLength int   `env:"CONTINUATION_MIN_RESUME_TEXT" yaml:"min_resume_text_length"`
		EndingChars         int   `env:"CONTINUATION_ENDING_CHARS" yaml:"ending_chars"`
		MaxTokens           int   `env:"CONTINUATION_MAX_TOKENS" yaml:"max_tokens"`
	}
)

// Load reads the optional YAML file at path, then applies environment
// variables on top.
func Load(path string) (*Config, error) {
	cfg := &Config{Host: "0.0.0.0", Port: 8082}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: environment: %w", err)
	}
	return cfg, nil
}

// Proxy materializes the pipeline configuration, starting from the component
// defaults and overriding only what was set.
func (c *Config) Proxy(version string) proxy.Config {
	out := proxy.DefaultConfig()
	out.Version = version
	out.LegacyTools = c.LegacyTools
	if c.NativeToolsFallback != nil {
		out.NativeToolsFallback = *c.NativeToolsFallback
	}
	if c.ToolDescMaxChars > 0 {
		out.ToolDescMaxChars = c.ToolDescMaxChars
	}
	if c.ToolParamDescMaxChars > 0 {
		out.ToolParamDescMaxChars = c.ToolParamDescMaxChars
	}

	applyUpstream(&out.Upstream, c.Upstream)
	applyRouting(&out.Route, c.Routing)
	applyHistory(&out.History, &out.Async, c.History)
	applyContinuation(&out.Continuation, c.Continuation)
	return out
}

func applyUpstream(out *upstream.Config, in Upstream) {
	if in.BaseURL != "" {
		out.BaseURL = in.BaseURL
	}
	out.APIKey = in.APIKey
	if in.TimeoutSeconds > 0 {
		out.RequestTimeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	if in.MaxConnections > 0 {
		out.MaxConnections = in.MaxConnections
	}
	if in.MaxKeepalive > 0 {
		out.MaxKeepalive = in.MaxKeepalive
	}
	if in.KeepaliveExpirySeconds > 0 {
		out.KeepaliveExpiry = time.Duration(in.KeepaliveExpirySeconds) * time.Second
	}
	if in.MaxRetries > 0 {
		out.MaxRetries = in.MaxRetries
	}
	if in.RateLimitTPM > 0 {
		out.RateLimitTPM = in.RateLimitTPM
	}
}

func applyRouting(out *route.Config, in Routing) {
	if in.Enabled != nil {
		out.Enabled = *in.Enabled
	}
	if in.OpusModel != "" {
		out.OpusModel = in.OpusModel
	}
	if in.SonnetModel != "" {
		out.SonnetModel = in.SonnetModel
	}
	if in.BaseOpusPct != nil {
		out.BaseOpusProbability = *in.BaseOpusPct
	}
	if in.FirstTurnOpusPct != nil {
		out.FirstTurnOpusProbability = *in.FirstTurnOpusPct
	}
	if in.ExecSonnetPct != nil {
		out.ExecutionPhaseSonnetProbability = *in.ExecSonnetPct
	}
	if in.FirstTurnMaxUser != nil {
		out.FirstTurnMaxUserMessages = *in.FirstTurnMaxUser
	}
	if in.ExecToolCalls != nil {
		out.ExecutionPhaseToolCalls = *in.ExecToolCalls
	}
	if in.ForceOpusOnThinking != nil {
		out.ForceOpusOnThinking = *in.ForceOpusOnThinking
	}
	if len(in.OpusKeywords) > 0 {
		out.OpusKeywords = in.OpusKeywords
	}
	if len(in.SonnetKeywords) > 0 {
		out.SonnetKeywords = in.SonnetKeywords
	}
	if in.WhitelistHeader != "" {
		out.WhitelistHeader = in.WhitelistHeader
	}
	if in.WhitelistMarker != "" {
		out.WhitelistMarker = in.WhitelistMarker
	}
}

func applyHistory(out *history.Config, async *history.AsyncConfig, in History) {
	if len(in.Strategies) > 0 {
		out.Strategies = make([]history.Strategy, len(in.Strategies))
		for i, s := range in.Strategies {
			out.Strategies[i] = history.Strategy(strings.TrimSpace(s))
		}
	}
	if in.MaxMessages > 0 {
		out.MaxMessages = in.MaxMessages
	}
	if in.MaxChars > 0 {
		out.MaxChars = in.MaxChars
	}
	if in.SummaryThreshold > 0 {
		out.SummaryThreshold = in.SummaryThreshold
	}
	if in.KeepRecent > 0 {
		out.SummaryKeepRecent = in.KeepRecent
	}
	if in.SummaryMaxLength > 0 {
		out.SummaryMaxLength = in.SummaryMaxLength
	}
	if in.RetryMaxMessages > 0 {
		out.RetryMaxMessages = in.RetryMaxMessages
	}
	if in.MaxRetries > 0 {
		out.MaxRetries = in.MaxRetries
	}
	if in.EstimateThreshold > 0 {
		out.EstimateThreshold = in.EstimateThreshold
	}
	if in.CharsPerToken > 0 {
		out.CharsPerToken = in.CharsPerToken
	}
	if in.WarningHeader != nil {
		out.AddWarningHeader = *in.WarningHeader
	}

	if in.CacheEnabled != nil {
		out.CacheEnabled = *in.CacheEnabled
	}
	if in.MinDeltaMessages > 0 {
		out.MinDeltaMessages = in.MinDeltaMessages
	}
	if in.MinDeltaChars > 0 {
		out.MinDeltaChars = in.MinDeltaChars
	}
	if in.CacheMaxAge > 0 {
		out.MaxAge = time.Duration(in.CacheMaxAge) * time.Second
	}
	if in.CacheMaxEntries > 0 {
		out.MaxEntries = in.CacheMaxEntries
	}

	if in.AsyncEnabled != nil {
		async.Enabled = *in.AsyncEnabled
	}
	if in.FastFirstRequest != nil {
		async.FastFirstRequest = *in.FastFirstRequest
	}
	if in.MaxPendingTasks > 0 {
		async.MaxPendingTasks = in.MaxPendingTasks
	}
	if in.UpdateInterval > 0 {
		async.UpdateIntervalMessages = in.UpdateInterval
	}
	if in.TaskTimeoutSeconds > 0 {
		async.TaskTimeout = time.Duration(in.TaskTimeoutSeconds) * time.Second
	}
}

func applyContinuation(out *continuation.Config, in Continuation) {
	if in.Enabled != nil {
		out.Enabled = *in.Enabled
	}
	if in.MaxAttempts > 0 {
		out.MaxAttempts = in.MaxAttempts
	}
	if in.MinResumeTextLength > 0 {
		out.MinResumeTextLength = in.MinResumeTextLength
	}
	if in.EndingChars > 0 {
		out.TruncatedEndingChars = in.EndingChars
	}
	if in.MaxTokens > 0 {
		out.MaxTokens = in.MaxTokens
	}
}
