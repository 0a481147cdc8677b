package cost

import (
	"bytes"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"testing"
)

func newTestTracker(threshold float64) (*Tracker, *bytes.Buffer) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	return New(threshold, log), &buf
}

func TestRecordComputesCost(t *testing.T) {
	tr, _ := newTestTracker(0)

	rec := tr.Record("openai", "gpt-4o", 1200, 300)
	if math.Abs(rec.CostUSD-0.006) > 1e-9 {
		t.Errorf("cost = %v, want 0.006", rec.CostUSD)
	}
	if rec.Estimated {
		t.Error("gpt-4o should not be estimated")
	}

	s := tr.Summary()
	if s.RequestCount != 1 || s.TotalInputTokens != 1200 || s.TotalOutputTokens != 300 {
		t.Errorf("unexpected totals: %+v", s)
	}
	if math.Abs(s.ByProvider["openai"]-0.006) > 1e-9 {
		t.Errorf("by_provider = %v", s.ByProvider)
	}
	if math.Abs(s.ByModel["gpt-4o"]-0.006) > 1e-9 {
		t.Errorf("by_model = %v", s.ByModel)
	}
}

func TestUnknownModelFlaggedEstimated(t *testing.T) {
	tr, _ := newTestTracker(0)
	rec := tr.Record("openai", "model-nobody-priced", 1000, 0)
	if !rec.Estimated {
		t.Error("expected estimated flag for unknown model")
	}
	if rec.CostUSD != 0.01 {
		t.Errorf("cost = %v, want default input price 0.01", rec.CostUSD)
	}
}

func TestRecentRingKeepsLastFifty(t *testing.T) {
	tr, _ := newTestTracker(0)
	for i := 0; i < 60; i++ {
		tr.Record("openai", fmt.Sprintf("m-%d", i), 10, 10)
	}
	s := tr.Summary()
	if len(s.Recent) != 50 {
		t.Fatalf("recent len = %d, want 50", len(s.Recent))
	}
	if s.Recent[0].Model != "m-10" {
		t.Errorf("oldest retained = %q, want m-10", s.Recent[0].Model)
	}
	if s.Recent[49].Model != "m-59" {
		t.Errorf("newest retained = %q, want m-59", s.Recent[49].Model)
	}
	if s.RequestCount != 60 {
		t.Errorf("request count = %d, want 60", s.RequestCount)
	}
}

func TestThresholdAlertFiresOnce(t *testing.T) {
	tr, buf := newTestTracker(0.005)

	// 0.006 USD, crosses the 0.005 threshold.
	tr.Record("openai", "gpt-4o", 1200, 300)
	first := buf.String()
	if !strings.Contains(first, "cost threshold exceeded") {
		t.Fatalf("expected threshold warning, got %q", first)
	}

	buf.Reset()
	tr.Record("openai", "gpt-4o", 1200, 300)
	if strings.Contains(buf.String(), "cost threshold exceeded") {
		t.Error("threshold warning fired twice")
	}
}
