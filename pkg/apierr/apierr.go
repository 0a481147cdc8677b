// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/timeout"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeTimeoutError      = "timeout_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInternalError      = "internal_error"
	CodeProviderError      = "provider_error"
	CodeRequestTimeout     = "request_timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeNoProviders        = "no_providers_available"
	CodeAllProvidersFailed = "all_providers_failed"
)

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message   string `json:"message"`
		Type      string `json:"type"`
		Code      string `json:"code"`
		TimeoutMs int64  `json:"timeout_ms,omitempty"`
		Provider  string `json:"provider,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeEnvelope(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

func writeEnvelope(ctx *fasthttp.RequestCtx, status int, apiErr APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: apiErr})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 validation error.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteTimeout writes a 408 timeout error carrying the effective timeout and
// the provider the request was aimed at, when known.
func WriteTimeout(ctx *fasthttp.RequestCtx, timeoutMs int64, provider string) {
	writeEnvelope(ctx, fasthttp.StatusRequestTimeout, APIError{
		Message:   "request timed out",
		Type:      TypeTimeoutError,
		Code:      CodeRequestTimeout,
		TimeoutMs: timeoutMs,
		Provider:  provider,
	})
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After hint.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterMs int64) {
	if retryAfterMs <= 0 {
		retryAfterMs = 60_000
	}
	secs := (retryAfterMs + 999) / 1000
	ctx.Response.Header.Set("Retry-After", strconv.FormatInt(secs, 10))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteError maps any dispatch error to the envelope:
//
//	timeout / context deadline → 408 timeout_error
//	NoProvidersAvailable       → 503 provider_error (no_providers_available)
//	AllProvidersFailed         → 503 provider_error (all_providers_failed)
//	upstream 429               → 429 rate_limit_error
//	anything else              → 500 server_error
//
// effTimeoutMs annotates the 408 envelope; pass 0 when unknown.
func WriteError(ctx *fasthttp.RequestCtx, err error, effTimeoutMs int64) {
	var tErr *timeout.Error
	var noProviders *router.NoProvidersError
	var allFailed *router.AllFailedError

	switch {
	case errors.As(err, &tErr):
		WriteTimeout(ctx, tErr.TimeoutMs, tErr.Provider)
	case errors.Is(err, context.DeadlineExceeded):
		WriteTimeout(ctx, effTimeoutMs, "")
	case errors.As(err, &noProviders):
		Write(ctx, fasthttp.StatusServiceUnavailable, noProviders.Error(), TypeProviderError, CodeNoProviders)
	case errors.As(err, &allFailed):
		Write(ctx, fasthttp.StatusServiceUnavailable, allFailed.Error(), TypeProviderError, CodeAllProvidersFailed)
	default:
		if sc, ok := err.(interface{ HTTPStatus() int }); ok && sc.HTTPStatus() == fasthttp.StatusTooManyRequests {
			WriteRateLimit(ctx, 0)
			return
		}
		Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
	}
}
