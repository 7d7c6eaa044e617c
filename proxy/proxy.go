// Package proxy is the HTTP surface and request orchestrator. It accepts both
// chat dialects, normalizes them into the shared model, runs the history and
// routing pipelines, relays to the upstream gateway and re-emits the response
// in the dialect the client spoke, with bounded continuation on truncated
// completions.
package proxy

import (
	"math/rand"
	"time"

	openai "github.com/sashabaranov/go-openai"
	goahttp "goa.design/goa/v3/http"

	"goa.design/relay/continuation"
	oai "goa.design/relay/dialect/openai"
	"goa.design/relay/history"
	"goa.design/relay/route"
	"goa.design/relay/upstream"
)

type (
	// Config aggregates the pipeline policies.
	Config struct {
		History      history.Config
		Async        history.AsyncConfig
		Route        route.Config
		Continuation continuation.Config
		Upstream     upstream.Config

		// LegacyTools switches the upstream tool protocol from structured
		// tool_calls to the inline text form.
		LegacyTools bool

		// NativeToolsFallback keeps inline-marker parsing active in native
		// mode so responses that spell out a call in prose instead of
		// structured tool_calls still resolve.
		NativeToolsFallback bool

		// ToolDescMaxChars and ToolParamDescMaxChars override the dialect
		// clipping defaults when positive.
		ToolDescMaxChars      int
		ToolParamDescMaxChars int

		// SummaryModel runs history summarization; empty selects the Sonnet
		// tier. SummaryMaxTokens bounds each summary completion.
		SummaryModel     string
		SummaryMaxTokens int

		// Version is reported on the info endpoint.
		Version string
	}

	// Proxy holds the process-wide pipeline components.
	Proxy struct {
		cfg    Config
		client *upstream.Client
		router *route.Router
		cache  *history.SummaryCache
		async  *history.AsyncManager
		start  time.Time
	}

	// Option customizes the proxy at construction, mainly for tests.
	Option func(*Proxy)
)

// DefaultConfig assembles the component defaults.
func DefaultConfig() Config {
	return Config{
		History:             history.DefaultConfig(),
		Async:               history.DefaultAsyncConfig(),
		Route:               route.DefaultConfig(),
		Continuation:        continuation.DefaultConfig(),
		Upstream:            upstream.DefaultConfig(),
		NativeToolsFallback: true,
		SummaryMaxTokens:    2000,
		Version:             "dev",
	}
}

// WithClient replaces the upstream client.
func WithClient(c *upstream.Client) Option {
	return func(p *Proxy) { p.client = c }
}

// WithRouter replaces the router, letting tests pin the RNG source.
func WithRouter(r *route.Router) Option {
	return func(p *Proxy) { p.router = r }
}

// New wires the pipeline from cfg.
func New(cfg Config, opts ...Option) *Proxy {
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Route.SonnetModel
	}
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = 2000
	}
	p := &Proxy{cfg: cfg, start: time.Now()}
	for _, opt := range opts {
		opt(p)
	}
	if p.client == nil {
		p.client = upstream.New(cfg.Upstream)
	}
	if p.router == nil {
		p.router = route.New(cfg.Route, rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.History.CacheEnabled {
		p.cache = history.NewSummaryCache(cfg.History)
	}
	if cfg.Async.Enabled {
		p.async = history.NewAsyncManager(cfg.Async, p.cache)
	}
	return p
}

// Async exposes the background summarizer so main can drain it at shutdown.
func (p *Proxy) Async() *history.AsyncManager { return p.async }

// Mount registers the HTTP endpoints on mux.
func (p *Proxy) Mount(mux goahttp.Muxer) {
	mux.Handle("POST", "/v1/messages", p.Messages)
	mux.Handle("POST", "/v1/messages/count_tokens", p.CountTokens)
	mux.Handle("POST", "/v1/chat/completions", p.ChatCompletions)
	mux.Handle("GET", "/v1/models", p.Models)
	mux.Handle("GET", "/", p.Info)
	mux.Handle("GET", "/admin/config", p.AdminConfig)
	mux.Handle("GET", "/admin/routing/stats", p.RoutingStats)
	mux.Handle("POST", "/admin/routing/reset", p.RoutingReset)
}

func (p *Proxy) encodeOpts() oai.EncodeOptions {
	opts := oai.DefaultEncodeOptions()
	opts.NativeTools = !p.cfg.LegacyTools
	if p.cfg.ToolDescMaxChars > 0 {
		opts.ToolDescMaxChars = p.cfg.ToolDescMaxChars
	}
	if p.cfg.ToolParamDescMaxChars > 0 {
		opts.ToolParamDescMaxChars = p.cfg.ToolParamDescMaxChars
	}
	return opts
}

// inlineTools reports whether response text is scanned for inline tool
// markers: always in legacy mode, and in native mode when the fallback is on.
func (p *Proxy) inlineTools() bool {
	return p.cfg.LegacyTools || p.cfg.NativeToolsFallback
}

func (p *Proxy) summaryRequest(prompt string) openai.ChatCompletionRequest {
	return openai.ChatCompletionRequest{
		Model:     p.cfg.SummaryModel,
		MaxTokens: p.cfg.SummaryMaxTokens,
		Messages: []openai.ChatCompletionMessage{{
			Role:    openai.ChatMessageRoleUser,
			Content: prompt,
		}},
	}
}
