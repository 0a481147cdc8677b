// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, checks the
// cache, applies rate limiting and the timeout budget, and hands the request
// to the routing core — which picks a provider by strategy and fails over to
// alternatives when the primary is unavailable.
//
// Key design constraints:
//   - Proxy overhead < 2 ms P50 (SLA). No blocking I/O on the hot path.
//   - Logger, caches, and rate limiter are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - A deadline that fires mid-call is fatal: no failover after timeout.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/cache"
	"github.com/nulpointcorp/llm-router/internal/cost"
	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/pricing"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/ratelimit"
	"github.com/nulpointcorp/llm-router/internal/registry"
	"github.com/nulpointcorp/llm-router/internal/router"
	"github.com/nulpointcorp/llm-router/internal/timeout"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"

	headerTimeoutMs = "X-Timeout-Ms"
	headerSkipCache = "X-Skip-Cache"
	headerStrategy  = "X-Routing-Strategy"
)

// GatewayOptions holds optional dependencies for a Gateway. All fields are
// nil-safe and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are disabled.
	Metrics *metrics.Registry

	// Semantic is the Redis-backed semantic cache. Nil disables semantic lookup.
	Semantic *cache.SemanticCache

	// ByteCache is the exact-match cache (Redis or in-memory) used when the
	// semantic cache is not configured. Nil disables it.
	ByteCache cache.Cache

	// CacheTTL controls the TTL for cached responses. Default: 1h.
	CacheTTL time.Duration

	// Exclusions lists models that skip both cache GET and SET.
	Exclusions *cache.ExclusionList

	// RPMLimiter is the optional global requests-per-minute limiter.
	RPMLimiter *ratelimit.RPMLimiter

	// ReqLogger is the async request logger.
	ReqLogger *logger.Logger

	// RedisReady is the readiness probe for the Redis backend. Nil means
	// Redis is not required.
	RedisReady func() bool

	// CORSOrigins is the allowed CORS origin list. Empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	models   map[string]providers.LanguageModel
	selector *router.Selector
	registry *registry.Registry
	latency  *latency.Tracker
	costs    *cost.Tracker
	governor *timeout.Governor
	health   *HealthChecker
	baseCtx  context.Context
	log      *slog.Logger
	metrics  *metrics.Registry
	strategy router.Strategy

	semantic  *cache.SemanticCache
	byteCache cache.Cache
	cacheTTL  time.Duration

	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger
	exclusions *cache.ExclusionList

	corsOrigins []string

	srvMu sync.Mutex
	srv   *fasthttp.Server

	stats dispatchStats
}

// dispatchStats backs the JSON /metrics view. Prometheus counters cannot be
// read back, so the gateway keeps its own tallies.
type dispatchStats struct {
	mu         sync.Mutex
	total      int64
	byProvider map[string]int64
	errors     map[string]map[string]int64 // provider → category → count
	cacheHits  int64
	cacheMiss  int64
}

func (s *dispatchStats) recordRequest(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if s.byProvider == nil {
		s.byProvider = make(map[string]int64)
	}
	s.byProvider[provider]++
}

func (s *dispatchStats) recordError(provider, category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errors == nil {
		s.errors = make(map[string]map[string]int64)
	}
	if s.errors[provider] == nil {
		s.errors[provider] = make(map[string]int64)
	}
	s.errors[provider][category]++
}

func (s *dispatchStats) recordCache(hit bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hit {
		s.cacheHits++
	} else {
		s.cacheMiss++
	}
}

// requestsView and errorsView are deep copies for the /metrics JSON handler.
func (s *dispatchStats) view() (total int64, byProvider map[string]int64, errs map[string]map[string]int64, hits, misses int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byProvider = make(map[string]int64, len(s.byProvider))
	for k, v := range s.byProvider {
		byProvider[k] = v
	}
	errs = make(map[string]map[string]int64, len(s.errors))
	for p, m := range s.errors {
		cp := make(map[string]int64, len(m))
		for c, v := range m {
			cp[c] = v
		}
		errs[p] = cp
	}
	return s.total, byProvider, errs, s.cacheHits, s.cacheMiss
}

// NewGateway creates a fully configured Gateway. models maps provider name to
// its adapter; sel, reg, lat, costs, and gov are the routing core built by
// the app layer.
func NewGateway(
	baseCtx context.Context,
	models map[string]providers.LanguageModel,
	sel *router.Selector,
	reg *registry.Registry,
	lat *latency.Tracker,
	costs *cost.Tracker,
	gov *timeout.Governor,
	strategy router.Strategy,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		models:      models,
		selector:    sel,
		registry:    reg,
		latency:     lat,
		costs:       costs,
		governor:    gov,
		baseCtx:     baseCtx,
		log:         log,
		metrics:     opts.Metrics,
		strategy:    strategy,
		semantic:    opts.Semantic,
		byteCache:   opts.ByteCache,
		cacheTTL:    cacheTTL,
		rpmLimiter:  opts.RPMLimiter,
		reqLogger:   opts.ReqLogger,
		exclusions:  opts.Exclusions,
		corsOrigins: opts.CORSOrigins,
	}

	if len(models) > 0 {
		gw.health = NewHealthChecker(baseCtx, models, reg, opts.RedisReady, gw.metrics)
	}

	return gw
}

// ── Inbound / outbound wire types ─────────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model       string           `json:"model"`
		Messages    []inboundMessage `json:"messages"`
		Stream      bool             `json:"stream"`
		Temperature float64          `json:"temperature"`
		TopP        float64          `json:"top_p"`
		MaxTokens   int              `json:"max_tokens"`
		Stop        []string         `json:"stop"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

var validRoles = map[string]bool{
	"system":    true,
	"developer": true,
	"user":      true,
	"assistant": true,
}

func validateRequest(req *inboundRequest) string {
	if req.Model == "" {
		return "field 'model' is required"
	}
	if len(req.Messages) == 0 {
		return "field 'messages' must not be empty"
	}
	for i, m := range req.Messages {
		if !validRoles[m.Role] {
			return fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role)
		}
	}
	if req.Temperature < 0 || req.Temperature > 2 {
		return "'temperature' must be between 0 and 2"
	}
	if req.MaxTokens < 0 {
		return "'max_tokens' must be non-negative"
	}
	return ""
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedProvider := "none"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streams are finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate the request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteInvalidRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if msg := validateRequest(&req); msg != "" {
		apierr.WriteInvalidRequest(ctx, msg)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Global rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, err := g.rpmLimiter.Allow(ctx)
		if err == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("global", "blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded", slog.String("request_id", reqID))
			apierr.WriteRateLimit(ctx, 0)
			return
		}
	}

	// 3. Build the normalized ChatRequest.
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}
	chatReq := &providers.ChatRequest{
		Model:        req.Model,
		Messages:     msgs,
		Stream:       req.Stream,
		Temperature:  req.Temperature,
		TopP:         req.TopP,
		MaxTokens:    req.MaxTokens,
		Stop:         req.Stop,
		RequestID:    reqID,
		StrategyHint: string(ctx.Request.Header.Peek(headerStrategy)),
	}
	strategy := g.effectiveStrategy(chatReq)

	// 4. Cache lookup — non-streaming only; honour X-Skip-Cache and exclusions.
	skipCache := len(ctx.Request.Header.Peek(headerSkipCache)) > 0
	cacheEligible := !req.Stream && !skipCache &&
		(g.semantic != nil || g.byteCache != nil) &&
		(g.exclusions == nil || !g.exclusions.Matches(req.Model))

	params := cache.ParamsKey(req.Temperature, req.TopP, req.MaxTokens, req.Stop)
	query := promptText(msgs)

	if cacheEligible {
		if g.serveFromCache(ctx, chatReq, query, params, reqID, strategy, start) {
			return
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 5. Resolve the timeout budget and install the deadline. The fasthttp
	// ctx is the parent, so a client disconnect cancels the upstream call.
	owner := pricing.OwnerOf(req.Model)
	provCtx, cancel, effTimeout := g.governor.WithDeadline(ctx, string(ctx.Request.Header.Peek(headerTimeoutMs)), owner)

	// fasthttp runs body stream writers after the handler returns, so for
	// streams the cancel moves to the drain callback instead of a defer.
	streamHandedOff := false
	defer func() {
		if !streamHandedOff {
			cancel()
		}
	}()

	// 6. Route with automatic failover.
	resp, usedProvider, attempts, err := g.selector.SelectWithFallback(provCtx, chatReq, g.executor(chatReq))
	g.recordAttempts(attempts)
	if err != nil {
		g.handleDispatchError(ctx, err, attempts, reqID, req.Model, effTimeout, start)
		return
	}
	servedProvider = usedProvider
	g.stats.recordRequest(servedProvider)

	servedModel := resp.Model
	if servedModel == "" {
		servedModel = req.Model
	}

	if g.metrics != nil {
		g.metrics.RecordRoutingDecision(string(strategy), usedProvider)
		if failedOver(attempts, usedProvider) {
			g.metrics.RecordFailoverSuccess(usedProvider)
		}
	}

	// 7a. Streaming — SSE pass-through, accounted after the stream drains.
	if req.Stream && resp.Stream != nil {
		streaming = true
		streamHandedOff = true
		g.writeSSE(ctx, resp, func(usage providers.Usage, finish string) {
			defer cancel()
			dur := time.Since(start)
			rec := g.costs.Record(usedProvider, servedModel, usage.InputTokens, usage.OutputTokens)
			if g.metrics != nil {
				g.metrics.AddCost(usedProvider, servedModel, rec.CostUSD)
				g.metrics.AddTokens(usedProvider, usage.InputTokens, usage.OutputTokens, false)
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
				g.metrics.DecInFlight()
			}
			g.logRequest(reqID, usedProvider, servedModel, string(strategy),
				usage.InputTokens, usage.OutputTokens, rec.CostUSD,
				dur, fasthttp.StatusOK, len(attempts), false)
		})
		return
	}

	// 7b. Non-streaming — OpenAI-compatible envelope plus cost headers.
	rec := g.costs.Record(usedProvider, servedModel, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	if g.metrics != nil {
		g.metrics.AddCost(usedProvider, servedModel, rec.CostUSD)
		g.metrics.AddTokens(usedProvider, resp.Usage.InputTokens, resp.Usage.OutputTokens, false)
	}

	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   servedModel,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 8. Populate the cache for future identical (or similar) requests.
	if cacheEligible && resp.Content != "" {
		g.storeInCache(ctx, chatReq, query, params, resp.Content, body)
	}

	g.logRequest(reqID, usedProvider, servedModel, string(strategy),
		resp.Usage.InputTokens, resp.Usage.OutputTokens, rec.CostUSD,
		time.Since(start), fasthttp.StatusOK, len(attempts), false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("used_provider", usedProvider),
		slog.String("model", servedModel),
		slog.Int("attempts", len(attempts)),
		slog.Float64("cost_usd", rec.CostUSD),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.Response.Header.Set("X-Provider", usedProvider)
	setCostHeaders(ctx, rec.CostUSD, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// executor adapts the provider map to the routing core. The candidate model
// may differ from the requested one on cross-provider failover, so each call
// gets a shallow copy of the request with the candidate's model id.
//
// Streaming requests only succeed once the first chunk has arrived, so a
// broken stream establishment still enters the failover chain.
func (g *Gateway) executor(base *providers.ChatRequest) router.Executor {
	return func(ctx context.Context, provider, model string) (*providers.ChatResponse, error) {
		m, ok := g.models[provider]
		if !ok {
			return nil, &providers.CallError{Provider: provider, Message: "provider not configured"}
		}
		call := *base
		call.Model = model
		if call.Stream {
			return m.Stream(ctx, &call)
		}
		return m.Generate(ctx, &call)
	}
}

// effectiveStrategy mirrors the selector's hint handling so metrics and logs
// agree with the routing decision.
func (g *Gateway) effectiveStrategy(req *providers.ChatRequest) router.Strategy {
	if req.StrategyHint != "" {
		if st, err := router.ParseStrategy(req.StrategyHint); err == nil {
			return st
		}
	}
	return g.strategy
}

// failedOver reports whether the winning provider was not the first one tried.
func failedOver(attempts []router.Attempt, winner string) bool {
	for _, a := range attempts {
		if a.Provider != winner {
			return true
		}
	}
	return false
}

// recordAttempts exports every upstream attempt, including the retries that
// preceded a failover or exhaustion.
func (g *Gateway) recordAttempts(attempts []router.Attempt) {
	if g.metrics == nil {
		return
	}
	for _, a := range attempts {
		outcome := "ok"
		if a.Err != nil {
			outcome = "error"
		}
		g.metrics.ObserveUpstreamAttempt(a.Provider, outcome, time.Duration(a.LatencyMs)*time.Millisecond)
	}
}

// handleDispatchError maps a routing failure to the error envelope and
// records the failure in metrics and the request log.
func (g *Gateway) handleDispatchError(ctx *fasthttp.RequestCtx, err error, attempts []router.Attempt, reqID, model string, effTimeout time.Duration, start time.Time) {
	category := classifyError(err)
	provider := lastProvider(attempts)
	g.stats.recordError(provider, category)

	if g.metrics != nil {
		g.metrics.RecordError(provider, category)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			g.metrics.RecordTimeout(provider)
		default:
			var allFailed *router.AllFailedError
			if errors.As(err, &allFailed) {
				g.metrics.RecordFailoverExhausted()
			}
		}
	}

	g.log.ErrorContext(ctx, "dispatch_error",
		slog.String("request_id", reqID),
		slog.String("model", model),
		slog.String("error", err.Error()),
		slog.Int("attempts", len(attempts)),
		slog.Duration("elapsed", time.Since(start)),
	)

	// A raw deadline error carries no provider; rebuild it as the structured
	// timeout so the 408 envelope names the provider that was in flight.
	if errors.Is(err, context.DeadlineExceeded) {
		var tErr *timeout.Error
		if !errors.As(err, &tErr) {
			prov := provider
			if prov == "none" {
				prov = ""
			}
			err = &timeout.Error{TimeoutMs: effTimeout.Milliseconds(), Provider: prov}
		}
	}

	apierr.WriteError(ctx, err, effTimeout.Milliseconds())

	g.logRequest(reqID, provider, model, string(g.strategy),
		0, 0, 0, time.Since(start), ctx.Response.StatusCode(), len(attempts), false)
}

func lastProvider(attempts []router.Attempt) string {
	if len(attempts) == 0 {
		return "none"
	}
	return attempts[len(attempts)-1].Provider
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var tErr *timeout.Error
	if errors.As(err, &tErr) {
		return "timeout"
	}
	var noProviders *router.NoProvidersError
	if errors.As(err, &noProviders) {
		return "no_providers"
	}
	var allFailed *router.AllFailedError
	if errors.As(err, &allFailed) {
		return "all_failed"
	}
	if sc, ok := err.(providers.StatusCoder); ok && sc.HTTPStatus() > 0 {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}

// ── Cache plumbing ────────────────────────────────────────────────────────────

// serveFromCache tries the semantic cache first, then the exact byte cache.
// Returns true when the response was served. Cache hits never touch the
// latency tracker: no provider was called.
func (g *Gateway) serveFromCache(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, query, params, reqID string, strategy router.Strategy, start time.Time) bool {
	if g.semantic != nil {
		hit, err := g.semantic.Lookup(ctx, query, req.Model, params)
		if err != nil {
			g.log.WarnContext(ctx, "semantic_lookup_failed",
				slog.String("request_id", reqID), slog.String("error", err.Error()))
		}
		if hit != nil {
			g.writeCacheHit(ctx, req.Model, hit.Response, reqID, strategy, start)
			ctx.Response.Header.Set("X-Cache-Distance", strconv.FormatFloat(hit.Distance, 'f', 4, 64))
			return true
		}
	}
	if g.byteCache != nil {
		key := exactCacheKey(req.Model, params, req.Messages)
		if body, ok := g.byteCache.Get(ctx, key); ok {
			g.stats.recordCache(true)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			setCostHeaders(ctx, 0, 0, 0)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			g.logRequest(reqID, "cache", req.Model, string(strategy),
				0, 0, 0, time.Since(start), fasthttp.StatusOK, 0, true)
			return true
		}
	}
	g.stats.recordCache(false)
	if g.metrics != nil {
		g.metrics.CacheGetMiss()
	}
	return false
}

// writeCacheHit rebuilds a completion envelope around the cached content.
// Cached responses cost nothing and carry zero token counts.
func (g *Gateway) writeCacheHit(ctx *fasthttp.RequestCtx, model, content, reqID string, strategy router.Strategy, start time.Time) {
	g.stats.recordCache(true)
	if g.metrics != nil {
		g.metrics.CacheGetHit()
	}
	out := outboundResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
	}
	body, _ := json.Marshal(out)

	g.log.DebugContext(ctx, "cache_hit",
		slog.String("request_id", reqID), slog.String("model", model))

	ctx.Response.Header.Set("X-Cache", xCacheHIT)
	setCostHeaders(ctx, 0, 0, 0)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.logRequest(reqID, "cache", model, string(strategy),
		0, 0, 0, time.Since(start), fasthttp.StatusOK, 0, true)
}

func (g *Gateway) storeInCache(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, query, params, content string, body []byte) {
	var err error
	switch {
	case g.semantic != nil:
		err = g.semantic.Store(ctx, query, req.Model, params, content)
	case g.byteCache != nil:
		err = g.byteCache.Set(ctx, exactCacheKey(req.Model, params, req.Messages), body, g.cacheTTL)
	}
	if g.metrics != nil {
		if err != nil {
			g.metrics.CacheSetError()
		} else {
			g.metrics.CacheSetOK()
		}
	}
}

// promptText renders the conversation into the canonical text the semantic
// cache embeds and matches against.
func promptText(msgs []providers.Message) string {
	var sb strings.Builder
	for i, m := range msgs {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(m.Role)
		sb.WriteString(": ")
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// exactCacheKey returns a deterministic SHA-256 key over the full request
// identity: model, generation params, and conversation.
func exactCacheKey(model, params string, msgs []providers.Message) string {
	h := sha256.New()
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(params))
	for _, m := range msgs {
		h.Write([]byte{0})
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
	}
	return "cache:" + hex.EncodeToString(h.Sum(nil))
}

func setCostHeaders(ctx *fasthttp.RequestCtx, costUSD float64, inputTokens, outputTokens int) {
	ctx.Response.Header.Set("x-cost-usd", strconv.FormatFloat(costUSD, 'f', -1, 64))
	ctx.Response.Header.Set("x-input-tokens", strconv.Itoa(inputTokens))
	ctx.Response.Header.Set("x-output-tokens", strconv.Itoa(outputTokens))
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, provider, model, strategy string,
	inputTokens, outputTokens int,
	costUSD float64,
	latencyDur time.Duration,
	status int,
	attempts int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	latencyMs := latencyDur.Milliseconds()
	if latencyMs > int64(^uint32(0)) {
		latencyMs = int64(^uint32(0))
	}
	if attempts > 255 {
		attempts = 255
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Provider:     provider,
		Model:        model,
		Strategy:     strategy,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    uint32(latencyMs),
		Status:       uint16(status),
		Attempts:     uint8(attempts),
		CostUSD:      costUSD,
		Cached:       isCached,
		CreatedAt:    time.Now(),
	})
}

// ── SSE ───────────────────────────────────────────────────────────────────────

type ssDelta struct {
	Content string `json:"content,omitempty"`
}

type sseChoice struct {
	Index        int     `json:"index"`
	Delta        ssDelta `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type sseFrame struct {
	ID      string      `json:"id"`
	Object  string      `json:"object"`
	Created int64       `json:"created"`
	Model   string      `json:"model"`
	Choices []sseChoice `json:"choices"`
}

// writeSSE streams response chunks as Server-Sent Events in the OpenAI chunk
// format. Content chunks carry a null finish_reason; the terminal chunk is an
// empty delta with the finish reason, followed by "data: [DONE]".
//
// onComplete runs after the stream drains and the usage future resolves, so
// streamed completions are accounted with real token counts.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ChatResponse, onComplete func(usage providers.Usage, finish string)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)

	id := resp.ID
	if id == "" {
		id = "chatcmpl-" + uuid.New().String()
	}
	model := resp.Model
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		writeFrame := func(delta ssDelta, finish *string) {
			frame := sseFrame{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []sseChoice{{Index: 0, Delta: delta, FinishReason: finish}},
			}
			data, _ := json.Marshal(frame)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		finish := "stop"
		broken := false
		for chunk := range resp.Stream {
			if chunk.Err != nil {
				// The upstream stream broke after bytes were sent; the
				// status line is gone, so surface the error in-band.
				payload, _ := json.Marshal(map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    apierr.TypeProviderError,
						"code":    apierr.CodeProviderError,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", payload)
				w.Flush() //nolint:errcheck
				broken = true
				break
			}
			if chunk.FinishReason != "" {
				finish = chunk.FinishReason
			}
			if chunk.Content == "" {
				continue
			}
			writeFrame(ssDelta{Content: chunk.Content}, nil)
		}

		if !broken {
			writeFrame(ssDelta{}, &finish)
			fmt.Fprint(w, "data: [DONE]\n\n")
			w.Flush() //nolint:errcheck
		}

		var usage providers.Usage
		if resp.UsageDone != nil {
			usage = <-resp.UsageDone
		}
		if onComplete != nil {
			onComplete(usage, finish)
		}
	})
}
