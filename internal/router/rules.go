// Package router implements provider selection: strategy-weighted scoring
// over the registry snapshot, retryability classification with full-jitter
// backoff, and the fallback chain that walks ranked candidates.
package router

import (
	"fmt"
	"math"
	"sort"

	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// Strategy selects the scoring weights used by Evaluate.
type Strategy string

const (
	StrategyCost            Strategy = "cost"
	StrategyLatency         Strategy = "latency"
	StrategyBalanced        Strategy = "balanced"
	StrategyCapabilityFirst Strategy = "capability-first"
)

// ParseStrategy validates a configured strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyCost, StrategyLatency, StrategyBalanced, StrategyCapabilityFirst:
		return Strategy(s), nil
	case "":
		return StrategyBalanced, nil
	}
	return "", fmt.Errorf("unknown routing strategy %q", s)
}

// RankedProvider is one scored candidate. Model is the id the provider will
// actually serve, which differs from the requested model on cross-provider
// failover. EMA carries the latency tiebreak value; +Inf when no sample exists.
type RankedProvider struct {
	Provider string
	Model    string
	Score    float64
	EMA      float64
}

type weights struct {
	price   float64
	latency float64
	health  float64
}

var strategyWeights = map[Strategy]weights{
	StrategyCost:     {price: 0.7, latency: 0.1, health: 0.2},
	StrategyLatency:  {price: 0.1, latency: 0.7, health: 0.2},
	StrategyBalanced: {price: 0.4, latency: 0.4, health: 0.2},
}

// Evaluate scores every provider in states that can serve the request and
// returns them sorted by descending score. It is a ranking, not a selection:
// admission filtering happens in the selector.
//
// capability-first restricts candidates to native owners of the requested
// model when any are present, then scores with the balanced weights.
func Evaluate(req *providers.ChatRequest, states []registry.ProviderState, strategy Strategy) []RankedProvider {
	capable := make([]registry.ProviderState, 0, len(states))
	for _, st := range states {
		if pricing.CanServe(st.Provider, req.Model) {
			capable = append(capable, st)
		}
	}

	w, ok := strategyWeights[strategy]
	if !ok {
		w = strategyWeights[StrategyBalanced]
	}
	if strategy == StrategyCapabilityFirst {
		native := make([]registry.ProviderState, 0, len(capable))
		for _, st := range capable {
			if pricing.OwnerOf(req.Model) == st.Provider {
				native = append(native, st)
			}
		}
		if len(native) > 0 {
			capable = native
		}
	}
	if len(capable) == 0 {
		return nil
	}

	ranked := make([]RankedProvider, len(capable))
	prices := make([]float64, len(capable))
	emas := make([]float64, len(capable))
	failures := make([]float64, len(capable))
	for i, st := range capable {
		model := pricing.Equivalent(st.Provider, req.Model)
		price, _ := pricing.Estimate(model)
		prices[i] = price.InputPer1K + price.OutputPer1K

		ema := math.Inf(1)
		if st.LatencyEMAMs > 0 {
			ema = st.LatencyEMAMs
		}
		emas[i] = ema
		failures[i] = float64(st.ConsecutiveFailures)

		ranked[i] = RankedProvider{Provider: st.Provider, Model: model, EMA: ema}
	}

	priceScores := normalizeLowerBetter(prices)
	latencyScores := normalizeLowerBetter(emas)
	healthScores := normalizeLowerBetter(failures)
	for i := range ranked {
		ranked[i].Score = w.price*priceScores[i] + w.latency*latencyScores[i] + w.health*healthScores[i]
	}

	sortRanked(ranked)
	return ranked
}

// normalizeLowerBetter maps values to [0,1] with the lowest value scoring 1.
// All-equal inputs score 1 across the board. +Inf values (unknown latency)
// score 0 while the finite values normalize among themselves.
func normalizeLowerBetter(values []float64) []float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsInf(v, 1) {
			continue
		}
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}

	out := make([]float64, len(values))
	for i, v := range values {
		switch {
		case math.IsInf(v, 1):
			out[i] = 0
		case hi == lo:
			out[i] = 1
		default:
			out[i] = (hi - v) / (hi - lo)
		}
	}
	return out
}

// sortRanked orders by score descending, breaking ties by EMA ascending so
// the faster provider wins among equals. Stable, so full ties keep input order.
func sortRanked(ranked []RankedProvider) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].EMA < ranked[j].EMA
	})
}
