package router

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// Selector orchestrates registry snapshot → rules engine → admission filter
// → fallback chain.
type Selector struct {
	registry *registry.Registry
	limiter  *ratelimit.Limiter
	latency  *latency.Tracker
	fallback *Fallback
	strategy Strategy
	log      *slog.Logger
}

// NewSelector wires the routing core together.
func NewSelector(reg *registry.Registry, lim *ratelimit.Limiter, lat *latency.Tracker, fb *Fallback, strategy Strategy, log *slog.Logger) *Selector {
	return &Selector{
		registry: reg,
		limiter:  lim,
		latency:  lat,
		fallback: fb,
		strategy: strategy,
		log:      log,
	}
}

// Rank returns the admissible candidates for a request, best first.
// A provider is admissible iff enabled, available and holding rate-limit
// headroom at snapshot time.
func (s *Selector) Rank(req *providers.ChatRequest) ([]RankedProvider, error) {
	states := s.registry.Snapshot()
	ranked := Evaluate(req, states, s.effectiveStrategy(req))

	admissible := make(map[string]bool, len(states))
	for _, st := range states {
		admissible[st.Provider] = st.Enabled && st.Available && st.RateLimitRemaining > 0
	}

	out := ranked[:0]
	for _, cand := range ranked {
		if admissible[cand.Provider] {
			out = append(out, cand)
		}
	}
	if len(out) == 0 {
		return nil, ErrNoProviders
	}
	return out, nil
}

// Select returns the single best admissible candidate.
func (s *Selector) Select(req *providers.ChatRequest) (RankedProvider, error) {
	ranked, err := s.Rank(req)
	if err != nil {
		return RankedProvider{}, err
	}
	return ranked[0], nil
}

// SelectWithFallback ranks once, then drives the fallback chain with an
// executor wrapped so registry and latency updates land before the next
// candidate consults the snapshot.
func (s *Selector) SelectWithFallback(ctx context.Context, req *providers.ChatRequest, exec Executor) (*providers.ChatResponse, string, []Attempt, error) {
	ranked, err := s.Rank(req)
	if err != nil {
		return nil, "", nil, err
	}
	return s.fallback.Run(ctx, ranked, s.wrap(exec))
}

// wrap re-checks per-call admission (the circuit or bucket may have moved
// since ranking) and reports the outcome of every real provider call.
func (s *Selector) wrap(exec Executor) Executor {
	return func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
		if !s.registry.Admit(provider) {
			return nil, &skipError{provider: provider, reason: "circuit " + s.registry.StateLabel(provider)}
		}
		if d := s.limiter.TryAcquire(provider); !d.Allowed {
			// Admit may have consumed the half-open probe permit; hand it
			// back since no provider call will report an outcome.
			s.registry.ReleaseProbe(provider)
			return nil, &skipError{provider: provider, reason: fmt.Sprintf("bucket empty, retry in %dms", d.RetryAfterMs)}
		}

		start := time.Now()
		resp, err := exec(ctx, provider, model)
		elapsedMs := float64(time.Since(start).Milliseconds())

		if err != nil {
			s.registry.ReportError(provider)
			s.latency.Record(provider, model, elapsedMs, elapsedMs, false)
			return nil, err
		}
		s.registry.ReportSuccess(provider)
		// For streams elapsed is time to establishment (first chunk), the
		// routing-relevant figure.
		s.latency.Record(provider, model, elapsedMs, elapsedMs, true)
		return resp, nil
	}
}

func (s *Selector) effectiveStrategy(req *providers.ChatRequest) Strategy {
	if req.StrategyHint != "" {
		if st, err := ParseStrategy(req.StrategyHint); err == nil {
			return st
		}
		s.log.Warn("ignoring invalid strategy hint", "hint", req.StrategyHint)
	}
	return s.strategy
}

// skipError marks a candidate rejected by local admission rather than an
// upstream failure. Never retryable, never reported to the registry.
type skipError struct {
	provider string
	reason   string
}

func (e *skipError) Error() string {
	return fmt.Sprintf("provider %s skipped: %s", e.provider, e.reason)
}
