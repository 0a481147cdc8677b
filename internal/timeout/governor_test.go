package timeout

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newTestGovernor(cfg Config) (*Governor, *bytes.Buffer) {
	var buf bytes.Buffer
	return New(cfg, slog.New(slog.NewTextHandler(&buf, nil))), &buf
}

func TestResolveDefault(t *testing.T) {
	g, _ := newTestGovernor(Config{Default: 30 * time.Second})
	d, src := g.Resolve("", "")
	if d != 30*time.Second || src != "default" {
		t.Errorf("got %v/%s, want 30s/default", d, src)
	}
}

func TestResolveHeader(t *testing.T) {
	g, _ := newTestGovernor(Config{Default: 30 * time.Second, MaxAllowed: 120 * time.Second})
	d, src := g.Resolve("5000", "openai")
	if d != 5*time.Second || src != "header" {
		t.Errorf("got %v/%s, want 5s/header", d, src)
	}
}

func TestHeaderClampedToMax(t *testing.T) {
	g, _ := newTestGovernor(Config{Default: 30 * time.Second, MaxAllowed: 120 * time.Second})
	d, src := g.Resolve("999999999", "")
	if d != 120*time.Second || src != "header" {
		t.Errorf("got %v/%s, want clamp to 120s", d, src)
	}
}

func TestInvalidHeaderIgnoredWithWarning(t *testing.T) {
	for _, v := range []string{"0", "-5", "abc", "12.5"} {
		g, buf := newTestGovernor(Config{Default: 7 * time.Second})
		d, src := g.Resolve(v, "")
		if d != 7*time.Second || src != "default" {
			t.Errorf("header %q: got %v/%s, want default", v, d, src)
		}
		if !strings.Contains(buf.String(), "X-Timeout-Ms") {
			t.Errorf("header %q: expected a warning", v)
		}
	}
}

func TestProviderOverride(t *testing.T) {
	g, _ := newTestGovernor(Config{
		Default:     30 * time.Second,
		PerProvider: map[string]time.Duration{"anthropic": 45 * time.Second},
	})
	d, src := g.Resolve("", "anthropic")
	if d != 45*time.Second || src != "provider" {
		t.Errorf("got %v/%s, want 45s/provider", d, src)
	}
	// Unknown provider skips the override tier.
	d, src = g.Resolve("", "openai")
	if d != 30*time.Second || src != "default" {
		t.Errorf("got %v/%s, want default", d, src)
	}
}

func TestHeaderBeatsProviderOverride(t *testing.T) {
	g, _ := newTestGovernor(Config{
		Default:     30 * time.Second,
		MaxAllowed:  time.Minute,
		PerProvider: map[string]time.Duration{"anthropic": 45 * time.Second},
	})
	d, src := g.Resolve("1000", "anthropic")
	if d != time.Second || src != "header" {
		t.Errorf("got %v/%s, want 1s/header", d, src)
	}
}

func TestWithDeadlineExpires(t *testing.T) {
	g, _ := newTestGovernor(Config{Default: 30 * time.Second, MaxAllowed: time.Minute})
	ctx, cancel, d := g.WithDeadline(context.Background(), "20", "")
	defer cancel()
	if d != 20*time.Millisecond {
		t.Fatalf("deadline = %v, want 20ms", d)
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context did not expire")
	}
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		t.Errorf("ctx err = %v", ctx.Err())
	}
}

func TestTimeoutErrorShape(t *testing.T) {
	err := &Error{TimeoutMs: 50, Provider: "openai"}
	if err.HTTPStatus() != 408 {
		t.Errorf("status = %d, want 408", err.HTTPStatus())
	}
	if !strings.Contains(err.Error(), "50ms") || !strings.Contains(err.Error(), "openai") {
		t.Errorf("message = %q", err.Error())
	}
}
