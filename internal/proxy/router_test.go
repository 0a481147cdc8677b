package proxy

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
)

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://test" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/health")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var out map[string]string
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "ok" {
		t.Errorf("status = %q", out["status"])
	}
}

func TestReadyEndpoint_OK(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/ready")
	readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestReadyEndpoint_RedisDown(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")},
		GatewayOptions{RedisReady: func() bool { return false }})
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/ready")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", resp.StatusCode, body)
	}
	var snap HealthSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Redis != "down" {
		t.Errorf("redis = %q, want down", snap.Redis)
	}
}

func TestReadyEndpoint_AllProvidersDisabled(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	core.reg.SetEnabled("openai", false)
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/ready")
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no provider is enabled, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody, nil))

	resp := doGet(t, client, "/metrics")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var view metricsView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatalf("failed to parse metrics: %v\n%s", err, body)
	}
	if view.Requests.Total != 1 {
		t.Errorf("requests.total = %d, want 1", view.Requests.Total)
	}
	if view.Requests.ByProvider["openai"] != 1 {
		t.Errorf("requests.by_provider = %+v", view.Requests.ByProvider)
	}
	stats, ok := view.Latency["openai"]
	if !ok {
		t.Fatalf("latency map missing openai: %+v", view.Latency)
	}
	if stats.SampleCount != 1 {
		t.Errorf("sample_count = %d, want 1", stats.SampleCount)
	}
	if stats.P95Ms < stats.P50Ms || stats.P99Ms < stats.P95Ms {
		t.Errorf("percentiles out of order: %+v", stats)
	}
	if len(view.Providers) != 1 || view.Providers[0].Provider != "openai" {
		t.Errorf("providers = %+v", view.Providers)
	}
}

func TestMetricsEndpoint_ErrorCounters(t *testing.T) {
	failing := &funcModel{
		name: "openai",
		generateFn: func(_ context.Context, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
			return nil, &providers.CallError{Provider: "openai", StatusCode: 500, Message: "boom"}
		},
	}
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": failing}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody, nil))

	resp := doGet(t, client, "/metrics")
	body := readBody(t, resp)

	var view metricsView
	if err := json.Unmarshal(body, &view); err != nil {
		t.Fatal(err)
	}
	if view.Errors["openai"]["all_failed"] != 1 {
		t.Errorf("errors = %+v, want openai/all_failed = 1", view.Errors)
	}
}

func TestCostsEndpoint(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody, nil))

	resp := doGet(t, client, "/metrics/costs")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var sum struct {
		TotalCostUSD float64            `json:"total_cost_usd"`
		RequestCount int64              `json:"request_count"`
		ByProvider   map[string]float64 `json:"by_provider"`
		Recent       []json.RawMessage  `json:"recent"`
	}
	if err := json.Unmarshal(body, &sum); err != nil {
		t.Fatal(err)
	}
	if sum.RequestCount != 1 || sum.TotalCostUSD <= 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.Recent) != 1 {
		t.Errorf("recent entries = %d, want 1", len(sum.Recent))
	}
	if _, ok := sum.ByProvider["openai"]; !ok {
		t.Errorf("by_provider missing openai: %+v", sum.ByProvider)
	}
}

func TestPrometheusEndpointMounted(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")},
		GatewayOptions{Metrics: metrics.New()})
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/metrics/prometheus")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if !contains(string(body), "go_goroutines") {
		t.Errorf("expected Go runtime metrics in exposition, got: %.120s", body)
	}
}

func TestPrometheusEndpoint_ExportsAttemptAndCircuitSeries(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")},
		GatewayOptions{Metrics: metrics.New()})
	client := serveGateway(t, core.gw)

	readBody(t, doPost(t, client, "/v1/chat/completions", chatBody, nil))

	resp := doGet(t, client, "/metrics/prometheus")
	body := string(readBody(t, resp))

	if !contains(body, "router_upstream_attempts_total") {
		t.Error("exposition missing router_upstream_attempts_total after a dispatch")
	}
	// The synchronous boot probe exports the circuit gauge for every provider.
	if !contains(body, `circuit_state{provider="openai"}`) {
		t.Errorf("exposition missing circuit_state gauge, got: %.200s", body)
	}
}

func TestShutdownStopsServerAndDrains(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})

	ln := fasthttputil.NewInmemoryListener()
	served := make(chan error, 1)
	go func() { served <- core.gw.Serve(ln) }()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	resp := doGet(t, client, "/health")
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 before shutdown, got %d", resp.StatusCode)
	}
	// Drop the idle keep-alive connection so the drain has nothing to wait on.
	client.CloseIdleConnections()

	shutCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := core.gw.Shutdown(shutCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case err := <-served:
		if err != nil {
			t.Fatalf("serve returned: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server kept running after shutdown")
	}
}

func TestShutdownBeforeStartIsNoop(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	if err := core.gw.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without a running server: %v", err)
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	core := newTestCore(t, map[string]providers.LanguageModel{"openai": okModel("openai")}, GatewayOptions{})
	client := serveGateway(t, core.gw)

	resp := doGet(t, client, "/v2/nope")
	readBody(t, resp)

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}
