package router

import (
	"math/rand"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-router/internal/providers"
)

// backoffCap bounds the exponential backoff window.
const backoffCap = 10 * time.Second

// transientPhrases mark status-less errors worth retrying.
var transientPhrases = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"socket hang up",
	"network",
	"fetch failed",
	"abort",
	"eof",
}

// IsRetryable reports whether an attempt error justifies another try.
//
//   - upstream errors with a status: retryable iff 429 or 5xx,
//   - status-less upstream errors (network level): retryable,
//   - otherwise the message is scanned for well-known transient phrases,
//   - anything else: not retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		if status == 0 {
			return true
		}
		return status == 429 || status >= 500
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range transientPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Backoff returns a full-jitter delay: uniform in [0, min(cap, base·2^attempt)).
// Full jitter keeps concurrent failing requests from retrying in lockstep.
func Backoff(attempt int, base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	ceiling := backoffCap
	// Shift guard: past ~24 doublings any realistic base exceeds the cap.
	if attempt < 24 {
		if c := base << uint(attempt); c < backoffCap {
			ceiling = c
		}
	}
	return time.Duration(rand.Int63n(int64(ceiling)))
}
