// Package timeout resolves the effective per-request deadline and installs
// it on the request context.
package timeout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"
)

// Config holds the deadline resolution inputs.
type Config struct {
	// Default applies when neither a header nor a provider override matches.
	Default time.Duration
	// MaxAllowed clamps the X-Timeout-Ms header.
	MaxAllowed time.Duration
	// PerProvider overrides the default for requests routed at a known
	// provider (detected from the requested model).
	PerProvider map[string]time.Duration
}

// Error is the structured request-timeout failure. Maps to HTTP 408.
type Error struct {
	TimeoutMs int64  `json:"timeout_ms"`
	Provider  string `json:"provider,omitempty"`
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("request timed out after %dms (provider %s)", e.TimeoutMs, e.Provider)
	}
	return fmt.Sprintf("request timed out after %dms", e.TimeoutMs)
}

// HTTPStatus implements the StatusCoder convention used by the error writer.
func (e *Error) HTTPStatus() int { return 408 }

// Governor derives per-request deadlines.
type Governor struct {
	cfg Config
	log *slog.Logger
}

// New creates a governor. A non-positive default falls back to 30s.
func New(cfg Config, log *slog.Logger) *Governor {
	if cfg.Default <= 0 {
		cfg.Default = 30 * time.Second
	}
	if cfg.MaxAllowed <= 0 {
		cfg.MaxAllowed = 120 * time.Second
	}
	return &Governor{cfg: cfg, log: log}
}

// Resolve picks the effective timeout in priority order: header (clamped to
// [1ms, MaxAllowed]), provider override, configured default. Invalid header
// values are ignored with a warning. The returned source is "header",
// "provider" or "default".
func (g *Governor) Resolve(headerMs string, provider string) (time.Duration, string) {
	if headerMs != "" {
		ms, err := strconv.ParseInt(headerMs, 10, 64)
		switch {
		case err != nil || ms <= 0:
			g.log.Warn("ignoring invalid X-Timeout-Ms header", "value", headerMs)
		default:
			d := time.Duration(ms) * time.Millisecond
			if d > g.cfg.MaxAllowed {
				d = g.cfg.MaxAllowed
			}
			return d, "header"
		}
	}
	if provider != "" {
		if d, ok := g.cfg.PerProvider[provider]; ok && d > 0 {
			return d, "provider"
		}
	}
	return g.cfg.Default, "default"
}

// WithDeadline installs the resolved deadline on ctx. The caller must invoke
// the cancel function on every exit path.
func (g *Governor) WithDeadline(ctx context.Context, headerMs string, provider string) (context.Context, context.CancelFunc, time.Duration) {
	d, _ := g.Resolve(headerMs, provider)
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, d
}
