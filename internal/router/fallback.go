package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// Attempt records one provider call in the fallback chain. Err is nil for
// the terminating success.
type Attempt struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Err       error     `json:"-"`
	Error     string    `json:"error,omitempty"`
	LatencyMs int64     `json:"latency_ms"`
	Start     time.Time `json:"start"`
}

// ErrNoProviders is returned when admission filtering leaves no candidates.
var ErrNoProviders = &NoProvidersError{}

// NoProvidersError maps to HTTP 503.
type NoProvidersError struct{}

func (e *NoProvidersError) Error() string { return "no providers available" }
func (e *NoProvidersError) HTTPStatus() int { return 503 }

// AllFailedError carries the full attempt log when every candidate was
// exhausted. Maps to HTTP 503.
type AllFailedError struct {
	Attempts []Attempt
}

func (e *AllFailedError) Error() string {
	seen := make(map[string]bool)
	tried := make([]string, 0, len(e.Attempts))
	var last string
	for _, a := range e.Attempts {
		if !seen[a.Provider] {
			seen[a.Provider] = true
			tried = append(tried, a.Provider)
		}
		if a.Err != nil {
			last = a.Err.Error()
		}
	}
	return fmt.Sprintf("all providers failed (tried %s): %s", strings.Join(tried, ", "), last)
}

func (e *AllFailedError) HTTPStatus() int { return 503 }

// ProvidersTried counts the distinct providers in the attempt log.
func (e *AllFailedError) ProvidersTried() int {
	seen := make(map[string]bool)
	for _, a := range e.Attempts {
		seen[a.Provider] = true
	}
	return len(seen)
}

// Executor performs one provider call. Streaming executors must not surface
// the stream to the client before the first chunk arrives, so a failed
// stream establishment is still an error the chain can act on.
type Executor func(ctx context.Context, provider, model string) (*providers.ChatResponse, error)

// Fallback walks ranked candidates, retrying each retryable failure with
// full-jitter backoff before moving to the next provider.
type Fallback struct {
	maxRetries  int
	backoffBase time.Duration
	log         *slog.Logger

	// sleep is swappable in tests. Returns early with the context error when
	// the request is canceled mid-backoff.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewFallback creates a fallback handler. maxRetries is the number of
// retries per provider, so each provider gets at most maxRetries+1 attempts.
func NewFallback(maxRetries int, backoffBase time.Duration, log *slog.Logger) *Fallback {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Fallback{
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		log:         log,
		sleep:       sleepCtx,
	}
}

// Run tries each candidate in order until one succeeds. Every attempt lands
// in the returned log exactly once. Context expiry is fatal: the chain stops
// immediately and the context error is returned with the attempts so far.
func (f *Fallback) Run(ctx context.Context, candidates []RankedProvider, exec Executor) (*providers.ChatResponse, string, []Attempt, error) {
	var attempts []Attempt

	for _, cand := range candidates {
		for try := 0; try <= f.maxRetries; try++ {
			if err := ctx.Err(); err != nil {
				return nil, "", attempts, err
			}

			start := time.Now()
			resp, err := exec(ctx, cand.Provider, cand.Model)
			latencyMs := time.Since(start).Milliseconds()

			a := Attempt{
				Provider:  cand.Provider,
				Model:     cand.Model,
				Err:       err,
				LatencyMs: latencyMs,
				Start:     start,
			}
			if err != nil {
				a.Error = err.Error()
			}
			attempts = append(attempts, a)

			if err == nil {
				return resp, cand.Provider, attempts, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				// The request deadline fired during the call. Fatal.
				return nil, "", attempts, ctxErr
			}

			f.log.Warn("provider attempt failed",
				"provider", cand.Provider,
				"model", cand.Model,
				"attempt", try,
				"latency_ms", latencyMs,
				"error", err.Error())

			if !IsRetryable(err) || try == f.maxRetries {
				break // next provider
			}
			if err := f.sleep(ctx, Backoff(try, f.backoffBase)); err != nil {
				return nil, "", attempts, err
			}
		}
	}

	return nil, "", attempts, &AllFailedError{Attempts: attempts}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
