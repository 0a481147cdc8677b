// Package registry tracks per-provider health and gates admission with a
// circuit breaker: Closed → Open after consecutive failures, HalfOpen after
// the cooldown expires with exactly one probe admitted, back to Closed on
// probe success or re-Open with a doubled cooldown on probe failure.
package registry

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
)

// Config holds health tuning parameters. Zero values fall back to the
// package-level defaults defined in providers/provider.go.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: providers.FailureThreshold (5).
	FailureThreshold int

	// CooldownBase is the first open-state cooldown; it doubles on each
	// failed probe. Default: providers.CooldownBase (30s).
	CooldownBase time.Duration

	// CooldownMax caps the doubled cooldown. Default: providers.CooldownMax (10m).
	CooldownMax time.Duration
}

func (c *Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return providers.FailureThreshold
}

func (c *Config) cooldownBase() time.Duration {
	if c.CooldownBase > 0 {
		return c.CooldownBase
	}
	return providers.CooldownBase
}

func (c *Config) cooldownMax() time.Duration {
	if c.CooldownMax > 0 {
		return c.CooldownMax
	}
	return providers.CooldownMax
}

// ProviderState is a value snapshot of one provider's health.
type ProviderState struct {
	Provider            string    `json:"provider"`
	Enabled             bool      `json:"enabled"`
	Available           bool      `json:"available"`
	CircuitState        string    `json:"circuit_state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailure         time.Time `json:"last_failure,omitzero"`
	CooldownUntil       time.Time `json:"cooldown_until,omitzero"`
	RateLimitRemaining  int       `json:"rate_limit_remaining"`
	LatencyEMAMs        float64   `json:"latency_ema_ms"`
	LatencyP95Ms        float64   `json:"latency_p95_ms"`
}

// providerHealth holds one provider's mutable state.
type providerHealth struct {
	mu sync.Mutex

	enabled             bool
	consecutiveFailures int
	lastFailure         time.Time

	open          bool
	cooldown      time.Duration // next open-state duration; doubles on failed probes
	cooldownUntil time.Time

	// probeInflight guards the half-open window: exactly one request wins
	// the CompareAndSwap and becomes the probe.
	probeInflight atomic.Bool
}

// Registry manages health state for each provider. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*providerHealth
	order     []string

	cfg     Config
	latency *latency.Tracker
	limiter *ratelimit.Limiter
	log     *slog.Logger

	now func() time.Time
}

// New creates a registry for the given providers, all enabled.
func New(names []string, cfg Config, lat *latency.Tracker, lim *ratelimit.Limiter, log *slog.Logger) *Registry {
	r := &Registry{
		providers: make(map[string]*providerHealth, len(names)),
		order:     append([]string(nil), names...),
		cfg:       cfg,
		latency:   lat,
		limiter:   lim,
		log:       log,
		now:       time.Now,
	}
	for _, name := range names {
		r.providers[name] = &providerHealth{
			enabled:  true,
			cooldown: cfg.cooldownBase(),
		}
	}
	return r
}

// Admit reports whether the named provider may receive the next request.
//
//   - Closed   → true.
//   - Open     → false until the cooldown expires.
//   - HalfOpen → true for exactly one caller (the probe); everyone else is
//     rejected until the probe reports back.
//
// Unknown or disabled providers are rejected.
func (r *Registry) Admit(provider string) bool {
	ph := r.get(provider)
	if ph == nil {
		return false
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	if !ph.enabled {
		return false
	}
	if !ph.open {
		return true
	}
	if r.now().Before(ph.cooldownUntil) {
		return false
	}
	return ph.probeInflight.CompareAndSwap(false, true)
}

// ReleaseProbe returns an unused half-open probe permit. A caller that won
// Admit but dropped the request before reaching the provider (for example a
// local rate-limit denial) must release the permit, otherwise no report ever
// clears it and the provider rejects every future request until restart.
func (r *Registry) ReleaseProbe(provider string) {
	ph := r.get(provider)
	if ph == nil {
		return
	}
	ph.probeInflight.CompareAndSwap(true, false)
}

// ReportSuccess closes the circuit and resets the failure count and cooldown.
func (r *Registry) ReportSuccess(provider string) {
	ph := r.get(provider)
	if ph == nil {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	wasOpen := ph.open
	ph.open = false
	ph.consecutiveFailures = 0
	ph.cooldown = r.cfg.cooldownBase()
	ph.probeInflight.Store(false)

	if wasOpen {
		r.log.Info("provider recovered", "provider", provider)
	}
}

// ReportError counts a failure. The circuit opens at the threshold; a failed
// half-open probe re-opens it with a doubled cooldown, capped at CooldownMax.
func (r *Registry) ReportError(provider string) {
	ph := r.get(provider)
	if ph == nil {
		return
	}

	ph.mu.Lock()
	defer ph.mu.Unlock()

	now := r.now()
	ph.consecutiveFailures++
	ph.lastFailure = now

	if ph.probeInflight.CompareAndSwap(true, false) && ph.open {
		// Failed probe: back to open, doubled cooldown.
		ph.cooldown *= 2
		if limit := r.cfg.cooldownMax(); ph.cooldown > limit {
			ph.cooldown = limit
		}
		ph.cooldownUntil = now.Add(ph.cooldown)
		r.log.Warn("probe failed, circuit re-opened",
			"provider", provider,
			"cooldown", ph.cooldown.String())
		return
	}

	if !ph.open && ph.consecutiveFailures >= r.cfg.failureThreshold() {
		ph.open = true
		ph.cooldownUntil = now.Add(ph.cooldown)
		r.log.Warn("circuit opened",
			"provider", provider,
			"consecutive_failures", ph.consecutiveFailures,
			"cooldown", ph.cooldown.String())
	}
}

// StateLabel returns "closed", "open", or "half_open" for provider.
func (r *Registry) StateLabel(provider string) string {
	ph := r.get(provider)
	if ph == nil {
		return "closed"
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return r.labelLocked(ph)
}

func (r *Registry) labelLocked(ph *providerHealth) string {
	switch {
	case !ph.open:
		return "closed"
	case r.now().Before(ph.cooldownUntil):
		return "open"
	default:
		return "half_open"
	}
}

// Available reports whether provider would pass admission ignoring the
// half-open single-probe restriction. Half-open counts as available.
func (r *Registry) Available(provider string) bool {
	ph := r.get(provider)
	if ph == nil {
		return false
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ph.enabled && (!ph.open || !r.now().Before(ph.cooldownUntil))
}

// SetEnabled flips a provider in or out of the rotation.
func (r *Registry) SetEnabled(provider string, enabled bool) {
	ph := r.get(provider)
	if ph == nil {
		return
	}
	ph.mu.Lock()
	ph.enabled = enabled
	ph.mu.Unlock()
}

// Providers returns the registered provider names in registration order.
func (r *Registry) Providers() []string {
	return append([]string(nil), r.order...)
}

// Snapshot returns value copies of every provider's state, enriched with
// rate-limit headroom and latency mirrors.
func (r *Registry) Snapshot() []ProviderState {
	out := make([]ProviderState, 0, len(r.order))
	for _, name := range r.order {
		ph := r.get(name)
		if ph == nil {
			continue
		}

		ph.mu.Lock()
		st := ProviderState{
			Provider:            name,
			Enabled:             ph.enabled,
			Available:           ph.enabled && (!ph.open || !r.now().Before(ph.cooldownUntil)),
			CircuitState:        r.labelLocked(ph),
			ConsecutiveFailures: ph.consecutiveFailures,
			LastFailure:         ph.lastFailure,
			CooldownUntil:       ph.cooldownUntil,
		}
		ph.mu.Unlock()

		if r.limiter != nil {
			st.RateLimitRemaining = r.limiter.Headroom(name)
		}
		if r.latency != nil {
			stats := r.latency.Stats(name)
			st.LatencyEMAMs = stats.EMAMs
			st.LatencyP95Ms = stats.P95Ms
		}
		out = append(out, st)
	}
	return out
}

func (r *Registry) get(provider string) *providerHealth {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[provider]
}
