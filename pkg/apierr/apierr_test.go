package apierr

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/timeout"
)

func decode(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env.Error
}

func TestWriteTimeoutEnvelope(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, &timeout.Error{TimeoutMs: 50, Provider: "openai"}, 0)

	if ctx.Response.StatusCode() != 408 {
		t.Errorf("status = %d, want 408", ctx.Response.StatusCode())
	}
	e := decode(t, &ctx)
	if e.Type != TypeTimeoutError || e.TimeoutMs != 50 || e.Provider != "openai" {
		t.Errorf("envelope = %+v", e)
	}
}

func TestWriteDeadlineExceeded(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, context.DeadlineExceeded, 75)

	if ctx.Response.StatusCode() != 408 {
		t.Errorf("status = %d, want 408", ctx.Response.StatusCode())
	}
	if e := decode(t, &ctx); e.TimeoutMs != 75 {
		t.Errorf("timeout_ms = %d, want 75", e.TimeoutMs)
	}
}

func TestWriteNoProviders(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, router.ErrNoProviders, 0)

	if ctx.Response.StatusCode() != 503 {
		t.Errorf("status = %d, want 503", ctx.Response.StatusCode())
	}
	if e := decode(t, &ctx); e.Type != TypeProviderError || e.Code != CodeNoProviders {
		t.Errorf("envelope = %+v", e)
	}
}

func TestWriteAllFailedListsProviders(t *testing.T) {
	var ctx fasthttp.RequestCtx
	err := &router.AllFailedError{Attempts: []router.Attempt{
		{Provider: "openai", Error: "boom", Start: time.Now()},
		{Provider: "anthropic", Error: "down", Start: time.Now()},
	}}
	err.Attempts[0].Err = errorString("boom")
	err.Attempts[1].Err = errorString("down")
	WriteError(&ctx, err, 0)

	if ctx.Response.StatusCode() != 503 {
		t.Errorf("status = %d, want 503", ctx.Response.StatusCode())
	}
	e := decode(t, &ctx)
	if e.Code != CodeAllProvidersFailed {
		t.Errorf("code = %q", e.Code)
	}
	for _, want := range []string{"openai", "anthropic", "down"} {
		if !contains(e.Message, want) {
			t.Errorf("message %q missing %q", e.Message, want)
		}
	}
}

func TestWriteUnknownErrorIs500(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteError(&ctx, errorString("weird"), 0)

	if ctx.Response.StatusCode() != 500 {
		t.Errorf("status = %d, want 500", ctx.Response.StatusCode())
	}
	e := decode(t, &ctx)
	if e.Type != TypeServerError {
		t.Errorf("type = %q", e.Type)
	}
	if contains(e.Message, "weird") {
		t.Error("internal error detail leaked to the client")
	}
}

func TestWriteRateLimitRetryAfter(t *testing.T) {
	var ctx fasthttp.RequestCtx
	WriteRateLimit(&ctx, 1500)

	if ctx.Response.StatusCode() != 429 {
		t.Errorf("status = %d, want 429", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "2" {
		t.Errorf("Retry-After = %q, want 2", got)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

func contains(s, sub string) bool { return strings.Contains(s, sub) }
