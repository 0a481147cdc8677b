// Package pricing holds the static per-model price table and the
// cross-provider model equivalence map used during failover.
package pricing

import "strings"

// Price is the USD cost per 1K tokens for a model.
type Price struct {
	Provider     string
	InputPer1K   float64
	OutputPer1K  float64
}

// Default is the conservative estimate applied to models missing from the
// table. Deliberately priced at the expensive end so unknown models never
// win a cost-weighted comparison by accident.
var Default = Price{InputPer1K: 0.01, OutputPer1K: 0.03}

// table maps model id → price. Prices are list prices per 1K tokens.
var table = map[string]Price{
	// OpenAI
	"gpt-4o":        {Provider: "openai", InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":   {Provider: "openai", InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":       {Provider: "openai", InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":  {Provider: "openai", InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-4.1-nano":  {Provider: "openai", InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"o3-mini":       {Provider: "openai", InputPer1K: 0.0011, OutputPer1K: 0.0044},
	"gpt-3.5-turbo": {Provider: "openai", InputPer1K: 0.0005, OutputPer1K: 0.0015},

	// Anthropic
	"claude-opus-4":     {Provider: "anthropic", InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-sonnet-4-5": {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-haiku-4-5":  {Provider: "anthropic", InputPer1K: 0.001, OutputPer1K: 0.005},
	"claude-3-5-sonnet": {Provider: "anthropic", InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {Provider: "anthropic", InputPer1K: 0.0008, OutputPer1K: 0.004},

	// Google
	"gemini-2.5-pro":   {Provider: "google", InputPer1K: 0.00125, OutputPer1K: 0.01},
	"gemini-2.5-flash": {Provider: "google", InputPer1K: 0.0003, OutputPer1K: 0.0025},
	"gemini-2.0-flash": {Provider: "google", InputPer1K: 0.0001, OutputPer1K: 0.0004},
	"gemini-1.5-pro":   {Provider: "google", InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash": {Provider: "google", InputPer1K: 0.000075, OutputPer1K: 0.0003},
}

// fallbackModels maps provider → the model it serves when it receives a
// request for a model it does not own.
var fallbackModels = map[string]string{
	"openai":    "gpt-4o",
	"anthropic": "claude-sonnet-4-5",
	"google":    "gemini-2.5-flash",
}

// Lookup returns the listed price for a model.
func Lookup(model string) (Price, bool) {
	p, ok := table[model]
	return p, ok
}

// Estimate returns the price for a model, falling back to the conservative
// default. The second return reports whether the price is an estimate.
func Estimate(model string) (Price, bool) {
	if p, ok := table[model]; ok {
		return p, false
	}
	return Default, true
}

// Cost computes the USD cost of a completion.
func Cost(model string, inputTokens, outputTokens int) float64 {
	p, _ := Estimate(model)
	return float64(inputTokens)/1000*p.InputPer1K + float64(outputTokens)/1000*p.OutputPer1K
}

// OwnerOf returns the provider that natively serves a model, or "" when the
// model is unknown. Unknown models with a recognizable prefix are attributed
// by prefix so clients may pass dated snapshots (gpt-4o-2024-11-20 etc.).
func OwnerOf(model string) string {
	if p, ok := table[model]; ok {
		return p.Provider
	}
	switch {
	case strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3") || strings.HasPrefix(model, "o4"):
		return "openai"
	case strings.HasPrefix(model, "claude-"):
		return "anthropic"
	case strings.HasPrefix(model, "gemini-") || strings.HasPrefix(model, "gemma-"):
		return "google"
	}
	return ""
}

// Equivalent resolves the model a provider should serve for a request.
// The requested model is kept when the provider owns it; otherwise the
// provider's configured fallback model is substituted.
func Equivalent(provider, model string) string {
	if OwnerOf(model) == provider {
		return model
	}
	return fallbackModels[provider]
}

// CanServe reports whether a provider can serve a request for the model,
// either natively or through its fallback equivalent.
func CanServe(provider, model string) bool {
	if OwnerOf(model) == provider {
		return true
	}
	_, ok := fallbackModels[provider]
	return ok
}
