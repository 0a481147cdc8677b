// Package latency tracks per-provider response times: a bounded window of
// successful samples for percentiles plus an exponentially weighted moving
// average that feeds routing decisions.
package latency

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"
)

const (
	// DefaultWindowSize is the per-provider sample ring size.
	DefaultWindowSize = 100
	// DefaultAlpha is the EMA smoothing factor.
	DefaultAlpha = 0.3
	// historySize bounds the full-record ring (failures included).
	historySize = 200
)

// Sample is a single recorded call, kept in the history ring.
type Sample struct {
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	TTFBMs    float64   `json:"ttfb_ms"`
	TotalMs   float64   `json:"total_ms"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Stats is a point-in-time view of one provider's latency profile.
// All fields are zero when no successful sample has been recorded.
type Stats struct {
	SampleCount int     `json:"sample_count"`
	EMAMs       float64 `json:"ema_ms"`
	P50Ms       float64 `json:"p50_ms"`
	P95Ms       float64 `json:"p95_ms"`
	P99Ms       float64 `json:"p99_ms"`
}

type providerWindow struct {
	samples []float64 // ring of successful total latencies
	head    int
	count   int

	ema     float64
	emaInit bool
}

// Tracker records latency samples per provider. Safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	window   int
	alpha    float64
	byName   map[string]*providerWindow
	history  [historySize]Sample
	histHead int
	histLen  int
	log      *slog.Logger
}

// New creates a tracker. Non-positive window or out-of-range alpha fall back
// to the defaults.
func New(window int, alpha float64, log *slog.Logger) *Tracker {
	if window <= 0 {
		window = DefaultWindowSize
	}
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	return &Tracker{
		window: window,
		alpha:  alpha,
		byName: make(map[string]*providerWindow),
		log:    log,
	}
}

// Record adds a sample. Failed calls land in the history ring only, so
// percentiles and the EMA reflect successful traffic. Non-finite inputs are
// dropped with a warning.
func (t *Tracker) Record(provider, model string, ttfbMs, totalMs float64, success bool) {
	if !isFinite(ttfbMs) || !isFinite(totalMs) {
		t.log.Warn("dropping non-finite latency sample",
			"provider", provider, "ttfb_ms", ttfbMs, "total_ms", totalMs)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.history[t.histHead] = Sample{
		Provider:  provider,
		Model:     model,
		TTFBMs:    ttfbMs,
		TotalMs:   totalMs,
		Success:   success,
		Timestamp: time.Now().UTC(),
	}
	t.histHead = (t.histHead + 1) % historySize
	if t.histLen < historySize {
		t.histLen++
	}

	if !success {
		return
	}

	w := t.byName[provider]
	if w == nil {
		w = &providerWindow{samples: make([]float64, t.window)}
		t.byName[provider] = w
	}
	w.samples[w.head] = totalMs
	w.head = (w.head + 1) % t.window
	if w.count < t.window {
		w.count++
	}
	if !w.emaInit {
		w.ema = totalMs
		w.emaInit = true
	} else {
		w.ema = t.alpha*totalMs + (1-t.alpha)*w.ema
	}
}

// Stats returns the current profile for a provider.
func (t *Tracker) Stats(provider string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	w := t.byName[provider]
	if w == nil || w.count == 0 {
		return Stats{}
	}
	sorted := make([]float64, w.count)
	copy(sorted, w.samples[:w.count])
	sort.Float64s(sorted)

	return Stats{
		SampleCount: w.count,
		EMAMs:       round2(w.ema),
		P50Ms:       nearestRank(sorted, 0.50),
		P95Ms:       nearestRank(sorted, 0.95),
		P99Ms:       nearestRank(sorted, 0.99),
	}
}

// EMA returns the provider's moving average and whether any sample seeded it.
func (t *Tracker) EMA(provider string) (float64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	w := t.byName[provider]
	if w == nil || !w.emaInit {
		return 0, false
	}
	return w.ema, true
}

// All returns stats for every provider that has successful samples.
func (t *Tracker) All() map[string]Stats {
	t.mu.RLock()
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	t.mu.RUnlock()

	out := make(map[string]Stats, len(names))
	for _, name := range names {
		out[name] = t.Stats(name)
	}
	return out
}

// nearestRank computes the q-th percentile of a sorted slice using the
// nearest-rank method: the ceil(q*n)-th smallest value.
func nearestRank(sorted []float64, q float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(n)))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
