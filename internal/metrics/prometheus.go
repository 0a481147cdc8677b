// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics/prometheus HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_routing_decisions_total{strategy,provider}
	routingDecisions *prometheus.CounterVec

	// router_upstream_attempts_total{provider,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{provider,outcome}
	upstreamDuration *prometheus.HistogramVec

	// router_failover_success_total{to}
	failoverSuccess *prometheus.CounterVec

	// router_failover_exhausted_total
	failoverExhausted prometheus.Counter

	// router_timeouts_total{provider}
	timeoutsTotal *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// router_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// circuit_state{provider} — 0=closed, 1=open, 2=half_open
	circuitState *prometheus.GaugeVec

	// router_circuit_transitions_total{provider,to_state}
	circuitTransitions *prometheus.CounterVec

	// router_ratelimit_total{provider,result}
	rateLimitTotal *prometheus.CounterVec

	// router_cost_usd_total{provider,model}
	costTotal *prometheus.CounterVec

	// router_tokens_total{provider,direction,cache}
	tokensTotal *prometheus.CounterVec

	// router_provider_available{provider}
	providerAvailable *prometheus.GaugeVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	circuitMu        sync.Mutex
	lastCircuitState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:              reg,
		lastCircuitState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		routingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_routing_decisions_total",
				Help: "Requests dispatched by strategy and winning provider",
			},
			[]string{"strategy", "provider"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes retries and failovers)",
			},
			[]string{"provider", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "outcome"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_success_total",
				Help: "Requests served by a provider other than the first-ranked candidate",
			},
			[]string{"to"},
		),

		failoverExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_failover_exhausted_total",
			Help: "Requests that exhausted every candidate without success",
		}),

		timeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_timeouts_total",
				Help: "Requests that hit the effective deadline",
			},
			[]string{"provider"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total cache misses",
		}),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit state (0=closed,1=open,2=half_open)",
			},
			[]string{"provider"},
		),

		circuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_transitions_total",
				Help: "Circuit transitions to a new state",
			},
			[]string{"provider", "to_state"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_total",
				Help: "Token bucket admission decisions",
			},
			[]string{"provider", "result"},
		),

		costTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_cost_usd_total",
				Help: "Cumulative upstream spend in USD",
			},
			[]string{"provider", "model"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "direction", "cache"},
		),

		providerAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_provider_available",
				Help: "Provider admission status (1=available, 0=unavailable)",
			},
			[]string{"provider"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.routingDecisions,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.failoverSuccess,
		r.failoverExhausted,
		r.timeoutsTotal,
		r.cacheHits,
		r.cacheMisses,
		r.cacheOps,
		r.providerErrors,
		r.circuitState,
		r.circuitTransitions,
		r.rateLimitTotal,
		r.costTotal,
		r.tokensTotal,
		r.providerAvailable,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordRoutingDecision counts the provider that ultimately served a request
// under the effective strategy.
func (r *Registry) RecordRoutingDecision(strategy, provider string) {
	r.routingDecisions.WithLabelValues(strategy, provider).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailoverSuccess(to string) {
	r.failoverSuccess.WithLabelValues(to).Inc()
}

func (r *Registry) RecordFailoverExhausted() {
	r.failoverExhausted.Inc()
}

func (r *Registry) RecordTimeout(provider string) {
	if provider == "" {
		provider = "none"
	}
	r.timeoutsTotal.WithLabelValues(provider).Inc()
}

func (r *Registry) RecordRateLimit(provider, result string) {
	r.rateLimitTotal.WithLabelValues(provider, result).Inc()
}

func (r *Registry) CacheGetHit() {
	r.cacheHits.Inc()
	r.cacheOps.WithLabelValues("get", "hit").Inc()
}

func (r *Registry) CacheGetMiss() {
	r.cacheMisses.Inc()
	r.cacheOps.WithLabelValues("get", "miss").Inc()
}

func (r *Registry) CacheGetBypass() {
	r.cacheOps.WithLabelValues("get", "bypass").Inc()
}

func (r *Registry) CacheSetOK() {
	r.cacheOps.WithLabelValues("set", "ok").Inc()
}

func (r *Registry) CacheSetError() {
	r.cacheOps.WithLabelValues("set", "error").Inc()
}

// AddCost accumulates upstream spend.
func (r *Registry) AddCost(provider, model string, usd float64) {
	if usd <= 0 {
		return
	}
	r.costTotal.WithLabelValues(provider, model).Add(usd)
}

func (r *Registry) AddTokens(provider string, inputTokens, outputTokens int, cached bool) {
	cache := "miss"
	if cached {
		cache = "hit"
	}
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "input", cache).Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, "output", cache).Add(float64(outputTokens))
	}
}

func (r *Registry) SetProviderAvailable(provider string, ok bool) {
	if ok {
		r.providerAvailable.WithLabelValues(provider).Set(1)
		return
	}
	r.providerAvailable.WithLabelValues(provider).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

// SetCircuitState sets the circuit state gauge and increments a transition
// counter when the state changes. States: closed, open, half_open.
func (r *Registry) SetCircuitState(provider, state string) {
	val := circuitStateValue(state)
	r.circuitState.WithLabelValues(provider).Set(val)

	r.circuitMu.Lock()
	prev, ok := r.lastCircuitState[provider]
	if !ok || prev != val {
		r.lastCircuitState[provider] = val
		r.circuitTransitions.WithLabelValues(provider, state).Inc()
	}
	r.circuitMu.Unlock()
}

func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}
