package router

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

func TestIsRetryable_5xx(t *testing.T) {
	for _, code := range []int{500, 502, 503, 504} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			err := &providers.CallError{Provider: "openai", StatusCode: code, Message: "server error"}
			if !IsRetryable(err) {
				t.Errorf("status %d should be retryable", code)
			}
		})
	}
}

func TestIsRetryable_429(t *testing.T) {
	err := &providers.CallError{Provider: "openai", StatusCode: 429, Message: "rate limited"}
	if !IsRetryable(err) {
		t.Error("429 should be retryable")
	}
}

func TestIsRetryable_4xx(t *testing.T) {
	for _, code := range []int{400, 401, 403, 404, 422} {
		t.Run(fmt.Sprintf("status_%d", code), func(t *testing.T) {
			err := &providers.CallError{Provider: "openai", StatusCode: code, Message: "client error"}
			if IsRetryable(err) {
				t.Errorf("status %d should NOT be retryable", code)
			}
		})
	}
}

func TestIsRetryable_NetworkWithoutStatus(t *testing.T) {
	err := &providers.CallError{Provider: "openai", Message: "dial tcp: i/o failure"}
	if !IsRetryable(err) {
		t.Error("status-less upstream error should be retryable")
	}
}

func TestIsRetryable_TransientPhrases(t *testing.T) {
	for _, msg := range []string{
		"request timeout",
		"read: connection reset by peer",
		"dial: connection refused",
		"socket hang up",
		"network is unreachable",
		"fetch failed",
		"operation aborted",
		"unexpected EOF",
	} {
		if !IsRetryable(errors.New(msg)) {
			t.Errorf("%q should be retryable", msg)
		}
	}
}

func TestIsRetryable_PlainErrorNotRetryable(t *testing.T) {
	if IsRetryable(errors.New("invalid model parameter")) {
		t.Error("non-transient plain error should not be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestBackoffWithinWindow(t *testing.T) {
	base := 500 * time.Millisecond
	for attempt := 0; attempt < 8; attempt++ {
		ceiling := base << uint(attempt)
		if ceiling > backoffCap {
			ceiling = backoffCap
		}
		for i := 0; i < 50; i++ {
			d := Backoff(attempt, base)
			if d < 0 || d >= ceiling {
				t.Fatalf("attempt %d: backoff %v outside [0, %v)", attempt, d, ceiling)
			}
		}
	}
}

func TestBackoffCapped(t *testing.T) {
	// Large attempt numbers must not overflow past the cap.
	for i := 0; i < 50; i++ {
		if d := Backoff(40, time.Second); d >= backoffCap {
			t.Fatalf("backoff %v >= cap %v", d, backoffCap)
		}
	}
}
