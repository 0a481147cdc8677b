package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// Provider implements providers.LanguageModel for Anthropic (official SDK).
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates a new Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) HealthCheck(ctx context.Context) error {
	// Simple auth/connectivity check: GET /v1/models
	_, err := p.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toCallError(err))
	}
	return nil
}

// Generate performs a blocking message completion.
func (p *Provider) Generate(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	msg, err := p.client.Messages.New(ctx, p.buildParams(req))
	if err != nil {
		return nil, toCallError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &providers.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

// Stream opens a streaming message completion. Like the OpenAI adapter it
// waits for the first deliverable event before returning, so establishment
// failures stay eligible for failover. Usage arrives on UsageDone after the
// stream drains.
func (p *Provider) Stream(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	stream := p.client.Messages.NewStreaming(ctx, p.buildParams(req))

	var (
		st    streamState
		first []providers.StreamChunk
	)
	for stream.Next() {
		if c, ok := decodeEvent(stream.Current(), &st); ok {
			first = append(first, c)
			break
		}
	}
	if len(first) == 0 {
		if err := stream.Err(); err != nil {
			_ = stream.Close()
			return nil, toCallError(err)
		}
	}

	ch := make(chan providers.StreamChunk, 64)
	usageCh := make(chan providers.Usage, 1)

	go func() {
		defer close(ch)
		defer stream.Close()

		for _, c := range first {
			ch <- c
		}
		for stream.Next() {
			if c, ok := decodeEvent(stream.Current(), &st); ok {
				ch <- c
			}
		}
		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toCallError(err)}
		}

		usageCh <- st.usage
		close(usageCh)
	}()

	return &providers.ChatResponse{
		ID:        st.id,
		Model:     st.model,
		Stream:    ch,
		UsageDone: usageCh,
	}, nil
}

// streamState accumulates identity and usage across stream events. Anthropic
// reports input tokens on message_start and output tokens on message_delta.
type streamState struct {
	id    string
	model string
	usage providers.Usage
}

// decodeEvent folds ids and usage into st and returns a deliverable chunk
// when the event carries text or a stop reason.
func decodeEvent(ev anthropic.MessageStreamEventUnion, st *streamState) (providers.StreamChunk, bool) {
	switch eventVariant := ev.AsAny().(type) {
	case anthropic.MessageStartEvent:
		st.id = eventVariant.Message.ID
		st.model = string(eventVariant.Message.Model)
		st.usage.InputTokens = int(eventVariant.Message.Usage.InputTokens)
	case anthropic.ContentBlockDeltaEvent:
		switch deltaVariant := eventVariant.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if deltaVariant.Text != "" {
				return providers.StreamChunk{Content: deltaVariant.Text}, true
			}
		case *anthropic.TextDelta:
			if deltaVariant.Text != "" {
				return providers.StreamChunk{Content: deltaVariant.Text}, true
			}
		}
	case anthropic.MessageDeltaEvent:
		st.usage.OutputTokens = int(eventVariant.Usage.OutputTokens)
		if reason := string(eventVariant.Delta.StopReason); reason != "" {
			return providers.StreamChunk{FinishReason: toFinishReason(reason)}, true
		}
	}
	return providers.StreamChunk{}, false
}

// toFinishReason maps Anthropic stop reasons onto OpenAI finish reasons.
func toFinishReason(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return stopReason
	}
}

func (p *Provider) buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}

	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = req.Stop
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	r := strings.ToLower(role)
	anthRole := anthropic.MessageParamRoleUser
	if r == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{
					Text: content,
				},
			},
		},
	}
}

func toCallError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.CallError{
			Provider:   providerName,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return &providers.CallError{Provider: providerName, Message: err.Error()}
}
