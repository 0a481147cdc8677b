// Package cost accumulates per-request spend and exposes a summary for the
// management surface.
package cost

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/pricing"
)

// recentSize bounds the ring of recent records kept for /metrics/costs.
const recentSize = 50

// Record is a single accounted completion.
type Record struct {
	Provider     string    `json:"provider"`
	Model        string    `json:"model"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Estimated    bool      `json:"estimated,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Summary is a deep snapshot of the tracker state.
type Summary struct {
	TotalCostUSD      float64            `json:"total_cost_usd"`
	TotalInputTokens  int64              `json:"total_input_tokens"`
	TotalOutputTokens int64              `json:"total_output_tokens"`
	RequestCount      int64              `json:"request_count"`
	ByProvider        map[string]float64 `json:"by_provider"`
	ByModel           map[string]float64 `json:"by_model"`
	Recent            []Record           `json:"recent"`
}

// Tracker accumulates spend. Safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	totalUSD    float64
	totalInput  int64
	totalOutput int64
	requests    int64
	byProvider  map[string]float64
	byModel     map[string]float64

	recent [recentSize]Record
	head   int
	count  int

	thresholdUSD float64
	alerted      bool

	log *slog.Logger
}

// New creates a tracker. thresholdUSD <= 0 disables the spend alert.
func New(thresholdUSD float64, log *slog.Logger) *Tracker {
	return &Tracker{
		byProvider:   make(map[string]float64),
		byModel:      make(map[string]float64),
		thresholdUSD: thresholdUSD,
		log:          log,
	}
}

// Record accounts one completion and returns the priced record.
// The threshold alert fires at most once for the lifetime of the tracker.
func (t *Tracker) Record(provider, model string, inputTokens, outputTokens int) Record {
	price, estimated := pricing.Estimate(model)
	costUSD := float64(inputTokens)/1000*price.InputPer1K + float64(outputTokens)/1000*price.OutputPer1K

	rec := Record{
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostUSD:      costUSD,
		Estimated:    estimated,
		Timestamp:    time.Now().UTC(),
	}

	t.mu.Lock()
	t.totalUSD += costUSD
	t.totalInput += int64(inputTokens)
	t.totalOutput += int64(outputTokens)
	t.requests++
	t.byProvider[provider] += costUSD
	t.byModel[model] += costUSD

	t.recent[t.head] = rec
	t.head = (t.head + 1) % recentSize
	if t.count < recentSize {
		t.count++
	}

	fireAlert := t.thresholdUSD > 0 && !t.alerted && t.totalUSD >= t.thresholdUSD
	if fireAlert {
		t.alerted = true
	}
	total := t.totalUSD
	t.mu.Unlock()

	if fireAlert {
		t.log.Warn("cost threshold exceeded",
			"total_usd", total,
			"threshold_usd", t.thresholdUSD)
	}
	return rec
}

// Summary returns a copy of the current totals. Recent records are ordered
// oldest first.
func (t *Tracker) Summary() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := Summary{
		TotalCostUSD:      t.totalUSD,
		TotalInputTokens:  t.totalInput,
		TotalOutputTokens: t.totalOutput,
		RequestCount:      t.requests,
		ByProvider:        make(map[string]float64, len(t.byProvider)),
		ByModel:           make(map[string]float64, len(t.byModel)),
		Recent:            make([]Record, 0, t.count),
	}
	for k, v := range t.byProvider {
		s.ByProvider[k] = v
	}
	for k, v := range t.byModel {
		s.ByModel[k] = v
	}
	start := t.head - t.count
	if start < 0 {
		start += recentSize
	}
	for i := 0; i < t.count; i++ {
		s.Recent = append(s.Recent, t.recent[(start+i)%recentSize])
	}
	return s
}
