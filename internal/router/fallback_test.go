package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestFallback(maxRetries int) *Fallback {
	f := NewFallback(maxRetries, 10*time.Millisecond, discardLog())
	f.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

func candidates(names ...string) []RankedProvider {
	out := make([]RankedProvider, len(names))
	for i, n := range names {
		out[i] = RankedProvider{Provider: n, Model: "m-" + n}
	}
	return out
}

func TestFallbackFirstProviderSucceeds(t *testing.T) {
	f := newTestFallback(2)
	var calls atomic.Int32

	resp, provider, attempts, err := f.Run(context.Background(), candidates("openai", "anthropic"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			calls.Add(1)
			return &providers.ChatResponse{Content: "ok", Model: model}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "openai" || resp.Content != "ok" {
		t.Errorf("served by %s with %q", provider, resp.Content)
	}
	if calls.Load() != 1 || len(attempts) != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls.Load(), len(attempts))
	}
	if attempts[0].Err != nil {
		t.Error("successful attempt recorded with an error")
	}
}

func TestFallbackRetriesThenMovesOn(t *testing.T) {
	f := newTestFallback(1)
	var openaiCalls atomic.Int32

	resp, provider, attempts, err := f.Run(context.Background(), candidates("openai", "anthropic"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			if provider == "openai" {
				openaiCalls.Add(1)
				return nil, &providers.CallError{Provider: provider, StatusCode: 500, Message: "boom"}
			}
			return &providers.ChatResponse{Content: "4"}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "anthropic" || resp.Content != "4" {
		t.Errorf("served by %s", provider)
	}
	// openai: initial attempt + 1 retry, then anthropic succeeds.
	if openaiCalls.Load() != 2 {
		t.Errorf("openai calls = %d, want 2", openaiCalls.Load())
	}
	if len(attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", len(attempts))
	}
	if attempts[2].Err != nil {
		t.Error("final attempt should be the success")
	}
}

func TestFallbackNonRetryableSkipsRetries(t *testing.T) {
	f := newTestFallback(3)
	var calls atomic.Int32

	_, provider, attempts, err := f.Run(context.Background(), candidates("openai", "anthropic"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			calls.Add(1)
			if provider == "openai" {
				return nil, &providers.CallError{Provider: provider, StatusCode: 400, Message: "bad request"}
			}
			return &providers.ChatResponse{}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "anthropic" {
		t.Errorf("served by %s, want anthropic", provider)
	}
	// 400 is not retryable: one openai attempt, then anthropic.
	if calls.Load() != 2 || len(attempts) != 2 {
		t.Errorf("calls = %d, attempts = %d, want 2/2", calls.Load(), len(attempts))
	}
}

func TestFallbackAllFail(t *testing.T) {
	f := newTestFallback(1)

	_, _, attempts, err := f.Run(context.Background(), candidates("openai", "anthropic", "google"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			return nil, &providers.CallError{Provider: provider, StatusCode: 503, Message: "down"}
		})

	var allFailed *AllFailedError
	if !errors.As(err, &allFailed) {
		t.Fatalf("err = %v, want AllFailedError", err)
	}
	// Worst case: providers × (maxRetries+1).
	if len(attempts) != 6 || len(allFailed.Attempts) != 6 {
		t.Errorf("attempts = %d, want 6", len(attempts))
	}
	if allFailed.ProvidersTried() != 3 {
		t.Errorf("providers tried = %d, want 3", allFailed.ProvidersTried())
	}
	if allFailed.HTTPStatus() != 503 {
		t.Errorf("status = %d, want 503", allFailed.HTTPStatus())
	}
}

func TestFallbackAttemptLogOrdered(t *testing.T) {
	f := newTestFallback(0)
	_, _, attempts, _ := f.Run(context.Background(), candidates("openai", "anthropic"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			return nil, &providers.CallError{Provider: provider, StatusCode: 500, Message: "down"}
		})
	for i := 1; i < len(attempts); i++ {
		if attempts[i].Start.Before(attempts[i-1].Start) {
			t.Error("attempt log not ordered by start time")
		}
	}
}

func TestFallbackContextCancelIsFatal(t *testing.T) {
	f := newTestFallback(2)
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	_, _, attempts, err := f.Run(ctx, candidates("openai", "anthropic"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			calls.Add(1)
			cancel()
			return nil, &providers.CallError{Provider: provider, StatusCode: 500, Message: "down"}
		})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The chain must stop at the first attempt: no retry, no next provider.
	if calls.Load() != 1 || len(attempts) != 1 {
		t.Errorf("calls = %d, attempts = %d, want 1/1", calls.Load(), len(attempts))
	}
}

func TestFallbackDeadlineBeforeFirstAttempt(t *testing.T) {
	f := newTestFallback(2)
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	_, _, attempts, err := f.Run(ctx, candidates("openai"),
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			t.Fatal("executor should not run with an expired context")
			return nil, nil
		})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	if len(attempts) != 0 {
		t.Errorf("attempts = %d, want 0", len(attempts))
	}
}
