package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

func newTestSelector(strategy Strategy, failureThreshold int) *Selector {
	log := discardLog()
	lat := latency.New(10, 0.3, log)
	lim := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"openai":    {Capacity: 100, RefillPerSec: 10},
		"anthropic": {Capacity: 100, RefillPerSec: 10},
		"google":    {Capacity: 100, RefillPerSec: 10},
	})
	reg := registry.New([]string{"openai", "anthropic", "google"},
		registry.Config{FailureThreshold: failureThreshold}, lat, lim, log)
	fb := NewFallback(1, time.Millisecond, log)
	fb.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return NewSelector(reg, lim, lat, fb, strategy, log)
}

func TestSelectPicksOwnerWhenHealthy(t *testing.T) {
	s := newTestSelector(StrategyCapabilityFirst, 5)
	cand, err := s.Select(&providers.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cand.Provider != "openai" || cand.Model != "gpt-4o" {
		t.Errorf("picked %s/%s, want openai/gpt-4o", cand.Provider, cand.Model)
	}
}

func TestSelectSkipsOpenCircuit(t *testing.T) {
	s := newTestSelector(StrategyBalanced, 2)
	s.registry.ReportError("openai")
	s.registry.ReportError("openai")

	ranked, err := s.Rank(&providers.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range ranked {
		if c.Provider == "openai" {
			t.Error("open-circuit provider passed admission")
		}
	}
}

func TestSelectNoProviders(t *testing.T) {
	s := newTestSelector(StrategyBalanced, 1)
	for _, p := range []string{"openai", "anthropic", "google"} {
		s.registry.ReportError(p)
	}

	_, err := s.Select(&providers.ChatRequest{Model: "gpt-4o"})
	var noProviders *NoProvidersError
	if !errors.As(err, &noProviders) {
		t.Fatalf("err = %v, want NoProvidersError", err)
	}
	if noProviders.HTTPStatus() != 503 {
		t.Errorf("status = %d, want 503", noProviders.HTTPStatus())
	}
}

func TestSelectWithFallbackReportsHealth(t *testing.T) {
	s := newTestSelector(StrategyCapabilityFirst, 5)

	resp, provider, attempts, err := s.SelectWithFallback(context.Background(),
		&providers.ChatRequest{Model: "gpt-4o"},
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			return &providers.ChatResponse{Content: "4", Usage: providers.Usage{InputTokens: 5, OutputTokens: 1}}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider != "openai" || resp.Content != "4" || len(attempts) != 1 {
		t.Errorf("provider=%s content=%q attempts=%d", provider, resp.Content, len(attempts))
	}
	if got := s.latency.Stats("openai").SampleCount; got != 1 {
		t.Errorf("latency samples = %d, want 1", got)
	}
}

func TestSelectWithFallbackFailsOver(t *testing.T) {
	s := newTestSelector(StrategyBalanced, 5)

	// Whichever provider ranks first fails with 500 on every call; the rest
	// succeed. The chain must exhaust the primary's retry budget (1 retry)
	// and then serve from the second candidate.
	var primary string
	resp, provider, attempts, err := s.SelectWithFallback(context.Background(),
		&providers.ChatRequest{Model: "gpt-4o"},
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			if primary == "" {
				primary = provider
			}
			if provider == primary {
				return nil, &providers.CallError{Provider: provider, StatusCode: 500, Message: "boom"}
			}
			return &providers.ChatResponse{Content: "ok", Model: model}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider == primary || resp.Content != "ok" {
		t.Errorf("served by %s (primary %s)", provider, primary)
	}
	if len(attempts) != 3 {
		t.Errorf("attempts = %d, want 3 (primary x2, secondary x1)", len(attempts))
	}
	failures := 0
	for _, st := range s.registry.Snapshot() {
		if st.Provider == primary {
			failures = st.ConsecutiveFailures
		}
	}
	if failures != 2 {
		t.Errorf("primary failures = %d, want 2", failures)
	}
}

func TestWrappedExecutorUpdatesRegistryBeforeNextCandidate(t *testing.T) {
	s := newTestSelector(StrategyBalanced, 2)

	sawEarlierOpen := false
	var failed string
	_, _, _, err := s.SelectWithFallback(context.Background(),
		&providers.ChatRequest{Model: "gpt-4o"},
		func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
			if failed == "" || failed == provider {
				failed = provider
				return nil, &providers.CallError{Provider: provider, StatusCode: 503, Message: "down"}
			}
			// The first candidate failed twice (threshold 2): by the time
			// the next provider runs, its circuit must already be open.
			if s.registry.StateLabel(failed) == "open" {
				sawEarlierOpen = true
			}
			return &providers.ChatResponse{Content: "ok"}, nil
		})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawEarlierOpen {
		t.Error("registry updates not observable before the next candidate ran")
	}
}

func TestBucketDenialReleasesHalfOpenProbe(t *testing.T) {
	log := discardLog()
	lat := latency.New(10, 0.3, log)
	lim := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"openai": {Capacity: 1, RefillPerSec: 0.001},
	})
	reg := registry.New([]string{"openai"}, registry.Config{
		FailureThreshold: 1,
		CooldownBase:     time.Nanosecond,
	}, lat, lim, log)
	fb := NewFallback(0, time.Millisecond, log)
	s := NewSelector(reg, lim, lat, fb, StrategyBalanced, log)

	// Open the circuit; the nanosecond cooldown expires immediately, so the
	// provider is half-open by the time the wrapped executor runs.
	reg.ReportError("openai")
	time.Sleep(time.Millisecond)

	// Drain the bucket so local admission denies after Admit consumed the
	// probe permit.
	lim.TryAcquire("openai")

	calls := 0
	wrapped := s.wrap(func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
		calls++
		return &providers.ChatResponse{Content: "ok"}, nil
	})
	if _, err := wrapped(context.Background(), "openai", "gpt-4o"); err == nil {
		t.Fatal("expected a skip error with an empty bucket")
	}
	if calls != 0 {
		t.Fatalf("executor ran %d times during a denied admission", calls)
	}

	// The permit must be claimable again; a leak would reject every probe
	// until restart.
	if !reg.Admit("openai") {
		t.Fatal("half-open probe permit leaked after bucket denial")
	}
}

func TestBucketDepletionSkipsProvider(t *testing.T) {
	log := discardLog()
	lat := latency.New(10, 0.3, log)
	lim := ratelimit.NewLimiter(map[string]ratelimit.BucketConfig{
		"openai": {Capacity: 1, RefillPerSec: 0.001},
		"google": {Capacity: 100, RefillPerSec: 10},
	})
	reg := registry.New([]string{"openai", "google"}, registry.Config{}, lat, lim, log)
	fb := NewFallback(0, time.Millisecond, log)
	s := NewSelector(reg, lim, lat, fb, StrategyBalanced, log)

	// Drain openai's single token outside the selector.
	lim.TryAcquire("openai")

	ranked, err := s.Rank(&providers.ChatRequest{Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range ranked {
		if c.Provider == "openai" {
			t.Error("provider with empty bucket passed admission")
		}
	}
}
