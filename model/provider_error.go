package model

import (
	"errors"
	"fmt"
	"strings"
)

// ProviderErrorKind classifies upstream failures into a small set of
// categories suitable for retry and surfacing decisions.
type ProviderErrorKind string

const (
	// ProviderErrorKindAuth indicates authentication/authorization failures.
	ProviderErrorKindAuth ProviderErrorKind = "auth"

	// ProviderErrorKindInvalidRequest indicates the request is invalid and
	// retrying without changing it will not succeed.
	ProviderErrorKindInvalidRequest ProviderErrorKind = "invalid_request"

	// ProviderErrorKindRateLimited indicates the upstream is throttling.
	ProviderErrorKindRateLimited ProviderErrorKind = "rate_limited"

	// ProviderErrorKindContextLength indicates the request exceeded the
	// upstream context window. The history engine shrinks and retries these.
	ProviderErrorKindContextLength ProviderErrorKind = "context_length"

	// ProviderErrorKindUnavailable indicates a transient upstream failure
	// (5xx, network issues) where a retry may succeed.
	ProviderErrorKindUnavailable ProviderErrorKind = "unavailable"

	// ProviderErrorKindUnknown indicates an unclassified upstream failure.
	ProviderErrorKindUnknown ProviderErrorKind = "unknown"
)

// ProviderError describes a failure returned by the upstream gateway. It
// crosses package boundaries so the orchestrator and history engine can react
// to stable, structured information instead of string matching.
type ProviderError struct {
	operation string
	http      int
	kind      ProviderErrorKind
	message   string
	retryable bool
	cause     error
}

// NewProviderError constructs a ProviderError. kind is required; cause may be
// nil but is recommended to preserve the original error chain.
func NewProviderError(operation string, httpStatus int, kind ProviderErrorKind, message string, retryable bool, cause error) *ProviderError {
	if kind == "" {
		panic("model: provider error kind is required")
	}
	return &ProviderError{
		operation: operation,
		http:      httpStatus,
		kind:      kind,
		message:   message,
		retryable: retryable,
		cause:     cause,
	}
}

// Operation returns the upstream operation name when known.
func (e *ProviderError) Operation() string { return e.operation }

// HTTPStatus returns the upstream HTTP status code when available, else 0.
func (e *ProviderError) HTTPStatus() int { return e.http }

// Kind returns the coarse-grained error classification.
func (e *ProviderError) Kind() ProviderErrorKind { return e.kind }

// Message returns the upstream error message when available.
func (e *ProviderError) Message() string { return e.message }

// Retryable reports whether retrying unchanged may succeed.
func (e *ProviderError) Retryable() bool { return e.retryable }

func (e *ProviderError) Error() string {
	op := e.operation
	if op == "" {
		op = "request"
	}
	status := ""
	if e.http > 0 {
		status = fmt.Sprintf("%d ", e.http)
	}
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if msg == "" {
		msg = "upstream error"
	}
	return fmt.Sprintf("upstream %s %s(%s): %s", e.kind, status, op, msg)
}

// Unwrap returns the underlying error to preserve the original chain.
func (e *ProviderError) Unwrap() error { return e.cause }

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// IsContentLengthError reports whether the error message matches a known
// upstream length-limit pattern.
func IsContentLengthError(msg string) bool {
	if msg == "" {
		return false
	}
	for _, pat := range []string{
		"CONTENT_LENGTH_EXCEEDS_THRESHOLD",
		"Input is too long",
		"context_length_exceeded",
		"maximum context length",
	} {
		if strings.Contains(msg, pat) {
			return true
		}
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "too long") {
		for _, kw := range []string{"input", "content", "message", "context"} {
			if strings.Contains(lower, kw) {
				return true
			}
		}
	}
	if strings.Contains(lower, "token") {
		if strings.Contains(lower, "limit") || strings.Contains(lower, "exceed") {
			return true
		}
	}
	return false
}

// ClassifyUpstream maps an HTTP status and response body to a ProviderError.
func ClassifyUpstream(operation string, status int, body string, cause error) *ProviderError {
	switch {
	case IsContentLengthError(body):
		return NewProviderError(operation, status, ProviderErrorKindContextLength, body, false, cause)
	case status == 401 || status == 403:
		return NewProviderError(operation, status, ProviderErrorKindAuth, body, false, cause)
	case status == 429:
		return NewProviderError(operation, status, ProviderErrorKindRateLimited, body, true, cause)
	case status >= 500:
		return NewProviderError(operation, status, ProviderErrorKindUnavailable, body, true, cause)
	case status >= 400:
		return NewProviderError(operation, status, ProviderErrorKindInvalidRequest, body, false, cause)
	default:
		return NewProviderError(operation, status, ProviderErrorKindUnknown, body, false, cause)
	}
}
