// Package providers defines the common interfaces and types used by all LLM
// provider implementations (OpenAI, Anthropic, Google).
//
// Each provider lives in its own sub-package and implements the LanguageModel
// interface. Providers that support vector embeddings additionally implement
// EmbeddingProvider.
package providers

import (
	"context"
	"fmt"
	"time"
)

type (
	// StreamChunk is a single token chunk delivered during a streaming response.
	// When the upstream stream breaks mid-flight, the final chunk carries the
	// error in Err and no further chunks follow.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string
		Content string
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int
		OutputTokens int
	}

	// ChatRequest — normalized client request.
	ChatRequest struct {
		Model       string
		Messages    []Message
		Stream      bool
		Temperature float64
		TopP        float64
		MaxTokens   int
		Stop        []string
		RequestID   string

		// StrategyHint optionally overrides the configured routing strategy
		// for this request (X-Routing-Strategy header).
		StrategyHint string
	}

	// ChatResponse — normalized provider response.
	//
	// Non-streaming calls fill Content and Usage. Streaming calls fill Stream,
	// and UsageDone resolves with the final token counts once the stream has
	// drained, so streamed completions can be accounted too.
	ChatResponse struct {
		ID      string
		Model   string
		Content string
		Usage   Usage

		Stream    <-chan StreamChunk // nil if it's not a stream.
		UsageDone <-chan Usage       // nil if it's not a stream; one send, then closed.
	}

	// EmbeddingRequest — normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input []string
		// Model is the provider-native model name (e.g. "text-embedding-3-small").
		Model     string
		RequestID string
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse — normalized embedding response.
	EmbeddingResponse struct {
		Model string
		Data  []EmbeddingData
		Usage Usage
	}
)

// LanguageModel — LLM provider interface. Generate blocks until the full
// completion is available. Stream returns once the upstream stream is
// established; chunks arrive on ChatResponse.Stream.
type LanguageModel interface {
	Name() string
	Generate(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	Stream(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
	HealthCheck(ctx context.Context) error
}

// EmbeddingProvider is an optional interface implemented by providers that
// support the embeddings API. Check with a type assertion before calling.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// Names lists the providers the gateway routes to, in default preference order.
var Names = []string{"openai", "anthropic", "google"}

// Default health and failover constants.
const (
	FailureThreshold = 5
	CooldownBase     = 30 * time.Second
	CooldownMax      = 10 * time.Minute
	MaxRetries       = 2
	ProviderTimeout  = 30 * time.Second
)

type StatusCoder interface {
	HTTPStatus() int
}

// CallError is a normalized upstream failure. StatusCode 0 means the call
// failed below HTTP (DNS, connect, reset).
type CallError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *CallError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *CallError) HTTPStatus() int { return e.StatusCode }
