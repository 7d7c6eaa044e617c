package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"goa.design/clue/log"

	"goa.design/relay/dialect/anthropic"
	oai "goa.design/relay/dialect/openai"
	"goa.design/relay/model"
	"goa.design/relay/upstream"
)

// Messages handles POST /v1/messages, the Anthropic-dialect entrypoint.
func (p *Proxy) Messages(w http.ResponseWriter, r *http.Request) {
	ctx := upstream.WithBearer(r.Context(), inboundBearer(r))
	if v := r.Header.Get("anthropic-version"); v != "" {
		w.Header().Set("anthropic-version", v)
	}
	var wire anthropic.Request
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		p.writeError(ctx, w, dialectAnthropic, &model.ValidationError{Reason: "invalid request body: " + err.Error()})
		return
	}
	mreq, err := anthropic.DecodeRequest(wire)
	if err != nil {
		p.writeError(ctx, w, dialectAnthropic, &model.ValidationError{Reason: err.Error()})
		return
	}
	p.serve(ctx, w, r, mreq, dialectAnthropic, oai.NewRequestID())
}

// ChatCompletions handles POST /v1/chat/completions, the OpenAI-dialect
// entrypoint.
func (p *Proxy) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := upstream.WithBearer(r.Context(), inboundBearer(r))
	var wire openai.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		p.writeError(ctx, w, dialectOpenAI, &model.ValidationError{Reason: "invalid request body: " + err.Error()})
		return
	}
	mreq, err := oai.DecodeRequest(wire)
	if err != nil {
		p.writeError(ctx, w, dialectOpenAI, &model.ValidationError{Reason: err.Error()})
		return
	}
	p.serve(ctx, w, r, mreq, dialectOpenAI, oai.NewRequestID())
}

// CountTokens handles POST /v1/messages/count_tokens with a local estimate;
// no upstream call is made.
func (p *Proxy) CountTokens(w http.ResponseWriter, r *http.Request) {
	var wire anthropic.CountTokensRequest
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		p.writeError(r.Context(), w, dialectAnthropic, &model.ValidationError{Reason: "invalid request body: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, anthropic.CountTokens(wire))
}

// Models lists the routable tiers in the OpenAI list shape.
func (p *Proxy) Models(w http.ResponseWriter, r *http.Request) {
	created := p.start.Unix()
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data": []map[string]any{
			{"id": p.cfg.Route.OpusModel, "object": "model", "created": created, "owned_by": "relay"},
			{"id": p.cfg.Route.SonnetModel, "object": "model", "created": created, "owned_by": "relay"},
		},
	})
}

// Info reports service identity and the mounted endpoints.
func (p *Proxy) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "relay",
		"version": p.cfg.Version,
		"uptime":  time.Since(p.start).Round(time.Second).String(),
		"endpoints": []string{
			"POST /v1/messages",
			"POST /v1/messages/count_tokens",
			"POST /v1/chat/completions",
			"GET /v1/models",
		},
	})
}

// AdminConfig exposes the effective pipeline policy, secrets excluded.
func (p *Proxy) AdminConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"routing": map[string]any{
			"enabled":        p.cfg.Route.Enabled,
			"opus_model":     p.cfg.Route.OpusModel,
			"sonnet_model":   p.cfg.Route.SonnetModel,
			"base_opus_pct":  p.cfg.Route.BaseOpusProbability,
			"first_turn_pct": p.cfg.Route.FirstTurnOpusProbability,
		},
		"history": map[string]any{
			"strategies":        p.cfg.History.Strategies,
			"max_messages":      p.cfg.History.MaxMessages,
			"max_chars":         p.cfg.History.MaxChars,
			"summary_threshold": p.cfg.History.SummaryThreshold,
			"cache_enabled":     p.cfg.History.CacheEnabled,
		},
		"continuation": map[string]any{
			"enabled":      p.cfg.Continuation.Enabled,
			"max_attempts": p.cfg.Continuation.MaxAttempts,
		},
		"upstream": map[string]any{
			"base_url":    p.cfg.Upstream.BaseURL,
			"max_retries": p.cfg.Upstream.MaxRetries,
		},
		"legacy_tools":          p.cfg.LegacyTools,
		"native_tools_fallback": p.cfg.NativeToolsFallback,
	})
}

// RoutingStats returns the routing counters.
func (p *Proxy) RoutingStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.router.Stats())
}

// RoutingReset zeroes the routing counters.
func (p *Proxy) RoutingReset(w http.ResponseWriter, r *http.Request) {
	p.router.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// writeError renders err in the client's dialect with a mapped status code.
func (p *Proxy) writeError(ctx context.Context, w http.ResponseWriter, d wireDialect, err error) {
	status, errType := classifyHTTP(err)
	msg := publicMessage(err)
	if status >= 500 {
		log.Error(ctx, err, log.KV{K: "msg", V: "request failed"})
	} else {
		log.Warn(ctx, log.KV{K: "msg", V: "request rejected"},
			log.KV{K: "status", V: status}, log.KV{K: "err", V: err.Error()})
	}
	switch d {
	case dialectAnthropic:
		writeJSON(w, status, anthropic.NewErrorBody(errType, msg))
	default:
		writeJSON(w, status, map[string]any{
			"error": map[string]any{"message": msg, "type": errType},
		})
	}
}

func classifyHTTP(err error) (int, string) {
	var verr *model.ValidationError
	if errors.As(err, &verr) {
		if verr.OffendingTool != "" {
			return http.StatusUnprocessableEntity, "invalid_request_error"
		}
		return http.StatusBadRequest, "invalid_request_error"
	}
	if perr, ok := model.AsProviderError(err); ok {
		switch perr.Kind() {
		case model.ProviderErrorKindAuth:
			return http.StatusUnauthorized, "authentication_error"
		case model.ProviderErrorKindRateLimited:
			return http.StatusTooManyRequests, "rate_limit_error"
		case model.ProviderErrorKindContextLength, model.ProviderErrorKindInvalidRequest:
			return http.StatusBadRequest, "invalid_request_error"
		case model.ProviderErrorKindUnavailable:
			return http.StatusBadGateway, "api_error"
		}
	}
	return http.StatusInternalServerError, "api_error"
}

func publicMessage(err error) string {
	if perr, ok := model.AsProviderError(err); ok && perr.Message() != "" {
		return perr.Message()
	}
	return err.Error()
}

// inboundBearer extracts client credentials to forward upstream: the
// x-api-key header, else a bearer token from Authorization.
func inboundBearer(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
