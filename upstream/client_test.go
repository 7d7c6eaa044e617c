package upstream

import (
	"context"
	"errors"
	"io"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/relay/model"
)

func apiErr(status int, msg string) error {
	return &openai.APIError{HTTPStatusCode: status, Message: msg}
}

func TestClassifyStatusMapping(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		kind      model.ProviderErrorKind
		retryable bool
	}{
		{"unauthorized", apiErr(401, "bad key"), model.ProviderErrorKindAuth, false},
		{"forbidden", apiErr(403, "nope"), model.ProviderErrorKindAuth, false},
		{"throttled", apiErr(429, "slow down"), model.ProviderErrorKindRateLimited, true},
		{"server error", apiErr(503, "overloaded"), model.ProviderErrorKindUnavailable, true},
		{"bad request", apiErr(400, "missing field"), model.ProviderErrorKindInvalidRequest, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			perr := Classify("chat", tc.err)
			assert.Equal(t, tc.kind, perr.Kind())
			assert.Equal(t, tc.retryable, perr.Retryable())
			assert.Equal(t, "chat", perr.Operation())
		})
	}
}

func TestClassifyContentLengthBeatsStatus(t *testing.T) {
	// Gateways report length overruns under various statuses; the message
	// pattern decides, not the code.
	for _, msg := range []string{
		"CONTENT_LENGTH_EXCEEDS_THRESHOLD",
		"Input is too long for requested model",
		"context_length_exceeded",
		"This model's maximum context length is 200000 tokens",
	} {
		perr := Classify("chat", apiErr(400, msg))
		assert.Equal(t, model.ProviderErrorKindContextLength, perr.Kind(), msg)
		assert.False(t, perr.Retryable(), msg)
	}
}

func TestClassifyNetworkErrors(t *testing.T) {
	perr := Classify("chat_stream", io.ErrUnexpectedEOF)
	assert.Equal(t, model.ProviderErrorKindUnavailable, perr.Kind())
	assert.True(t, perr.Retryable())

	perr = Classify("chat", errors.New("read tcp 127.0.0.1:8000: connection reset by peer"))
	assert.Equal(t, model.ProviderErrorKindUnavailable, perr.Kind())
}

func TestClassifyContextCancellation(t *testing.T) {
	perr := Classify("chat", context.Canceled)
	assert.Equal(t, model.ProviderErrorKindUnknown, perr.Kind())
	assert.False(t, perr.Retryable())
}

func TestClassifyPreservesChain(t *testing.T) {
	cause := apiErr(429, "slow down")
	perr := Classify("chat", cause)
	var unwrapped *openai.APIError
	require.True(t, errors.As(perr, &unwrapped))
	assert.Equal(t, 429, unwrapped.HTTPStatusCode)
}

func TestShouldRetryAdjustsLimiter(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:1/v1", RateLimitTPM: 1000, MaxRetries: 1})
	require.NotNil(t, c.limiter)

	perr := model.NewProviderError("chat", 429, model.ProviderErrorKindRateLimited, "slow down", true, nil)
	assert.True(t, c.shouldRetry(perr))
	assert.Equal(t, 500.0, c.limiter.CurrentTPM())

	perr = model.NewProviderError("chat", 400, model.ProviderErrorKindInvalidRequest, "bad", false, nil)
	assert.False(t, c.shouldRetry(perr))
}
