// Package upstream provides the shared, process-lifetime HTTP client for the
// conversational-AI gateway. The gateway speaks the OpenAI chat-completions
// dialect over HTTP/1.1; HTTP/2 is explicitly disabled to prevent request
// co-mingling on multiplexed connections. The client retries transient
// failures with bounded backoff and applies an adaptive rate limit at the
// boundary.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"goa.design/clue/log"

	"goa.design/relay/model"
)

type (
	// Config tunes the connection pool and retry behavior.
	Config struct {
		// BaseURL is the gateway endpoint, e.g. "http://127.0.0.1:8000/v1".
		BaseURL string

		// APIKey is the bearer token sent to the gateway.
		APIKey string

		MaxConnections  int
		MaxKeepalive    int
		KeepaliveExpiry time.Duration
		RequestTimeout  time.Duration
		ConnectTimeout  time.Duration

		// MaxRetries bounds transient-failure retries; RetryBaseDelay seeds
		// the exponential backoff.
		MaxRetries     int
		RetryBaseDelay time.Duration

		// RateLimitTPM enables the adaptive limiter when positive.
		RateLimitTPM float64
	}

	// Client wraps the go-openai client with retries and rate limiting. It is
	// safe for concurrent use and created once per process.
	Client struct {
		api     *openai.Client
		cfg     Config
		limiter *AdaptiveLimiter
	}
)

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:         "http://127.0.0.1:8000/v1",
		MaxConnections:  2000,
		MaxKeepalive:    500,
		KeepaliveExpiry: 30 * time.Second,
		RequestTimeout:  300 * time.Second,
		ConnectTimeout:  10 * time.Second,
		MaxRetries:      2,
		RetryBaseDelay:  500 * time.Millisecond,
	}
}

// New builds the shared client.
func New(cfg Config) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxConnections,
		MaxIdleConns:        cfg.MaxKeepalive,
		MaxIdleConnsPerHost: cfg.MaxKeepalive,
		IdleConnTimeout:     cfg.KeepaliveExpiry,
		// HTTP/1.1 only: the gateway multiplexes poorly over h2 and streaming
		// responses must map one connection per request.
		ForceAttemptHTTP2: false,
		TLSNextProto:      map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	httpClient := &http.Client{
		Transport: authOverride{next: transport},
		Timeout:   cfg.RequestTimeout,
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = httpClient

	var limiter *AdaptiveLimiter
	if cfg.RateLimitTPM > 0 {
		limiter = NewAdaptiveLimiter(cfg.RateLimitTPM, cfg.RateLimitTPM*2)
	}
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg, limiter: limiter}
}

type bearerKey struct{}

// WithBearer overrides the configured gateway token for calls issued under
// the returned context. Inbound client credentials take precedence over the
// static key this way. An empty token leaves the context unchanged.
func WithBearer(ctx context.Context, token string) context.Context {
	if token == "" {
		return ctx
	}
	return context.WithValue(ctx, bearerKey{}, token)
}

// authOverride swaps the Authorization header when the request context
// carries a per-request token.
type authOverride struct {
	next http.RoundTripper
}

func (t authOverride) RoundTrip(req *http.Request) (*http.Response, error) {
	if token, ok := req.Context().Value(bearerKey{}).(string); ok {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return t.next.RoundTrip(req)
}

// Chat issues a non-streaming completion, retrying transient failures with
// exponential backoff. Length-related failures and other non-retryable errors
// surface immediately as classified ProviderErrors.
func (c *Client) Chat(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if err := c.wait(ctx, req); err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return openai.ChatCompletionResponse{}, err
			}
			log.Info(ctx, log.KV{K: "msg", V: "retrying upstream call"}, log.KV{K: "attempt", V: attempt})
		}
		resp, err := c.api.CreateChatCompletion(ctx, req)
		if err == nil {
			c.onSuccess()
			return resp, nil
		}
		perr := Classify("chat", err)
		lastErr = perr
		if !c.shouldRetry(perr) {
			return openai.ChatCompletionResponse{}, perr
		}
	}
	return openai.ChatCompletionResponse{}, lastErr
}

// ChatStream opens a streaming completion. Only the connection attempt is
// retried; once the stream is established, failures surface through Recv.
func (c *Client) ChatStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error) {
	if err := c.wait(ctx, req); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, c.backoff(attempt)); err != nil {
				return nil, err
			}
		}
		stream, err := c.api.CreateChatCompletionStream(ctx, req)
		if err == nil {
			c.onSuccess()
			return stream, nil
		}
		perr := Classify("chat_stream", err)
		lastErr = perr
		if !c.shouldRetry(perr) {
			return nil, perr
		}
	}
	return nil, lastErr
}

func (c *Client) wait(ctx context.Context, req openai.ChatCompletionRequest) error {
	if c.limiter == nil {
		return nil
	}
	cost := 0
	for _, m := range req.Messages {
		cost += len(m.Content) / 4
	}
	return c.limiter.Wait(ctx, cost)
}

func (c *Client) onSuccess() {
	if c.limiter != nil {
		c.limiter.OnSuccess()
	}
}

func (c *Client) shouldRetry(perr *model.ProviderError) bool {
	switch perr.Kind() {
	case model.ProviderErrorKindRateLimited:
		if c.limiter != nil {
			c.limiter.OnRateLimited()
		}
		return true
	case model.ProviderErrorKindUnavailable:
		return true
	default:
		return false
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBaseDelay
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	return d << (attempt - 1)
}

// Classify maps a go-openai error to a ProviderError.
func Classify(operation string, err error) *model.ProviderError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return model.ClassifyUpstream(operation, apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return model.ClassifyUpstream(operation, reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewProviderError(operation, 0, model.ProviderErrorKindUnknown, err.Error(), false, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, io.ErrUnexpectedEOF) || isConnReset(err) {
		return model.NewProviderError(operation, 0, model.ProviderErrorKindUnavailable, err.Error(), true, err)
	}
	return model.NewProviderError(operation, 0, model.ProviderErrorKindUnknown, err.Error(), false, err)
}

func isConnReset(err error) bool {
	return err != nil && strings.Contains(err.Error(), "connection reset")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
