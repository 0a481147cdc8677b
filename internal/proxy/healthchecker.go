package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/providers"
	"github.com/nulpointcorp/llm-router/internal/registry"
)

const healthProbeInterval = 30 * time.Second
const healthProbeTimeout = 5 * time.Second

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker runs background probes and exposes the latest results.
type HealthChecker struct {
	models     map[string]providers.LanguageModel
	registry   *registry.Registry
	redisReady func() bool
	baseCtx    context.Context
	metrics    *metrics.Registry

	providerStatuses map[string]*componentStatus
	redisStatus      componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately starts background
// probes. redisReady may be nil when Redis is not required.
func NewHealthChecker(
	ctx context.Context,
	models map[string]providers.LanguageModel,
	reg *registry.Registry,
	redisReady func() bool,
	met *metrics.Registry,
) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		models:           models,
		registry:         reg,
		redisReady:       redisReady,
		providerStatuses: make(map[string]*componentStatus),
		startTime:        time.Now(),
		done:             make(chan struct{}),
		baseCtx:          ctx,
		metrics:          met,
	}

	for name := range models {
		hc.providerStatuses[name] = &componentStatus{status: "unknown"}
	}

	// Run first probe synchronously so readiness is not "unknown" at boot.
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// HealthSnapshot returns the current health state for all components.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Providers     map[string]string `json:"providers"`
	Redis         string            `json:"redis"`
}

// Snapshot builds a snapshot from the latest probe results.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	overall := "ok"

	provs := make(map[string]string, len(hc.providerStatuses))
	for name, s := range hc.providerStatuses {
		st := s.get()
		provs[name] = st
		if st != "ok" {
			overall = "degraded"
		}
	}

	redis := hc.redisStatus.get()
	if redis == "down" {
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Providers:     provs,
		Redis:         redis,
	}
}

// ReadinessOK reports whether the service can take traffic: Redis (when
// required) is reachable and at least one provider is enabled.
func (hc *HealthChecker) ReadinessOK() bool {
	if hc.redisStatus.get() == "down" {
		return false
	}
	if hc.registry != nil {
		for _, st := range hc.registry.Snapshot() {
			if st.Enabled {
				return true
			}
		}
		return false
	}
	return len(hc.models) > 0
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	// Provider probes run in parallel.
	var wg sync.WaitGroup
	for name, m := range hc.models {
		name, m := name, m
		s := hc.providerStatuses[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.HealthCheck(ctx); err != nil {
				s.set("degraded")
				if hc.metrics != nil {
					hc.metrics.SetProviderAvailable(name, false)
				}
			} else {
				s.set("ok")
				if hc.metrics != nil {
					hc.metrics.SetProviderAvailable(name, true)
				}
			}
		}()
	}

	// Redis probe — nil probe means "not required" → ok.
	wg.Add(1)
	go func() {
		defer wg.Done()
		if hc.redisReady == nil || hc.redisReady() {
			hc.redisStatus.set("ok")
		} else {
			hc.redisStatus.set("down")
		}
	}()

	wg.Wait()

	// Export the circuit gauge alongside availability so both track the
	// same probe cadence.
	if hc.metrics != nil && hc.registry != nil {
		for _, st := range hc.registry.Snapshot() {
			hc.metrics.SetCircuitState(st.Provider, st.CircuitState)
		}
	}
}
