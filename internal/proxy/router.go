package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/latency"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Handler builds the full route table wrapped in the middleware chain.
// Exposed separately from Start so tests can serve it in-memory.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/health", g.handleHealth)
	r.GET("/ready", g.handleReady)
	r.GET("/metrics", g.handleMetrics)
	r.GET("/metrics/costs", g.handleCosts)

	if g.metrics != nil {
		r.GET("/metrics/prometheus", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080") and blocks until
// Shutdown is called or the listener fails.
func (g *Gateway) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(ln)
}

// Serve runs the HTTP server on an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	g.srvMu.Lock()
	g.srv = srv
	g.srvMu.Unlock()

	return srv.Serve(ln)
}

// Shutdown stops the background health probes, closes the listener and
// drains in-flight requests until ctx expires. Safe to call before Start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if g.health != nil {
		g.health.Close()
	}

	g.srvMu.Lock()
	srv := g.srv
	g.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.ShutdownWithContext(ctx)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx)
}

// handleHealth is the liveness probe: the process is up.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleReady is the readiness probe: Redis (when required) is reachable and
// at least one provider is enabled.
func (g *Gateway) handleReady(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, g.health.Snapshot())
}

type (
	metricsRequests struct {
		Total      int64            `json:"total"`
		ByProvider map[string]int64 `json:"by_provider"`
	}
	metricsCache struct {
		Hits   int64 `json:"hits"`
		Misses int64 `json:"misses"`
	}
	metricsView struct {
		Requests  metricsRequests             `json:"requests"`
		Latency   map[string]latency.Stats    `json:"latency"`
		Errors    map[string]map[string]int64 `json:"errors"`
		Cache     metricsCache                `json:"cache"`
		Providers []registry.ProviderState    `json:"providers"`
	}
)

// handleMetrics serves the JSON operational snapshot: request counts,
// per-provider latency percentiles, error counters, cache counters, and the
// provider health states. The Prometheus exposition lives at
// /metrics/prometheus.
func (g *Gateway) handleMetrics(ctx *fasthttp.RequestCtx) {
	total, byProvider, errs, hits, misses := g.stats.view()

	view := metricsView{
		Requests: metricsRequests{Total: total, ByProvider: byProvider},
		Errors:   errs,
		Cache:    metricsCache{Hits: hits, Misses: misses},
	}
	if g.latency != nil {
		view.Latency = g.latency.All()
	}
	if g.registry != nil {
		view.Providers = g.registry.Snapshot()
	}

	writeJSON(ctx, view)
}

// handleCosts serves the accumulated spend snapshot.
func (g *Gateway) handleCosts(ctx *fasthttp.RequestCtx) {
	if g.costs == nil {
		writeJSON(ctx, map[string]any{})
		return
	}
	writeJSON(ctx, g.costs.Summary())
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
