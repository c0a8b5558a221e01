package latency_test

import (
	"math"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/latency"
)

func TestTracker_GetStatsEmptyBeforeAnySample(t *testing.T) {
	tr := latency.New()

	stats := tr.GetStats("openai")
	if stats.SampleCount != 0 {
		t.Errorf("expected SampleCount=0 for an unrecorded provider, got %d", stats.SampleCount)
	}
}

func TestTracker_EMAUnknownProviderReturnsInfFalse(t *testing.T) {
	tr := latency.New()

	ema, ok := tr.EMA("openai")
	if ok {
		t.Error("expected ok=false for a provider with no samples")
	}
	if !math.IsInf(ema, 1) {
		t.Errorf("expected +Inf EMA for a provider with no samples, got %v", ema)
	}
}

func TestTracker_RecordLatencyUpdatesEMA(t *testing.T) {
	tr := latency.New(latency.WithAlpha(0.5))

	tr.RecordLatency("openai", "gpt-4o", 50, 100, true)
	ema, ok := tr.EMA("openai")
	if !ok {
		t.Fatal("expected ok=true after a successful sample")
	}
	if ema != 100 {
		t.Errorf("expected first sample to seed EMA=100, got %v", ema)
	}

	tr.RecordLatency("openai", "gpt-4o", 50, 200, true)
	ema, _ = tr.EMA("openai")
	if ema != 150 {
		t.Errorf("expected EMA=150 after blending 200 at alpha=0.5, got %v", ema)
	}
}

func TestTracker_FailedSampleUpdatesRecordsNotEMA(t *testing.T) {
	tr := latency.New()

	tr.RecordLatency("openai", "gpt-4o", 0, 500, false)

	if _, ok := tr.EMA("openai"); ok {
		t.Error("expected a failed sample not to seed the EMA")
	}
	records := tr.RecentRecords("openai")
	if len(records) != 1 || records[0].Success {
		t.Errorf("expected one failed record retained for introspection, got %+v", records)
	}
}

func TestTracker_NonFiniteSampleIsNoOp(t *testing.T) {
	tr := latency.New()

	tr.RecordLatency("openai", "gpt-4o", 0, int64(math.Inf(1)), true)

	if _, ok := tr.EMA("openai"); ok {
		t.Error("expected a non-finite sample to be rejected as a no-op")
	}
}

func TestTracker_GetStatsComputesPercentiles(t *testing.T) {
	tr := latency.New(latency.WithCapacity(10))

	for _, ms := range []int64{100, 200, 300, 400, 500} {
		tr.RecordLatency("openai", "gpt-4o", ms/2, ms, true)
	}

	stats := tr.GetStats("openai")
	if stats.SampleCount != 5 {
		t.Fatalf("expected SampleCount=5, got %d", stats.SampleCount)
	}
	if stats.P50Ms != 300 {
		t.Errorf("expected nearest-rank P50=300, got %v", stats.P50Ms)
	}
	if stats.P99Ms != 500 {
		t.Errorf("expected P99=500 (the max sample), got %v", stats.P99Ms)
	}
}

func TestTracker_RingEvictsOldestSampleBeyondCapacity(t *testing.T) {
	tr := latency.New(latency.WithCapacity(2))

	tr.RecordLatency("openai", "gpt-4o", 10, 100, true)
	tr.RecordLatency("openai", "gpt-4o", 10, 200, true)
	tr.RecordLatency("openai", "gpt-4o", 10, 300, true) // evicts the 100ms sample

	stats := tr.GetStats("openai")
	if stats.SampleCount != 2 {
		t.Fatalf("expected the ring capped at capacity=2, got SampleCount=%d", stats.SampleCount)
	}
	if stats.P50Ms == 100 {
		t.Error("expected the oldest sample (100ms) to have been evicted")
	}
}

func TestTracker_RecentRecordsOldestFirst(t *testing.T) {
	tr := latency.New()

	tr.RecordLatency("openai", "gpt-4o", 1, 10, true)
	tr.RecordLatency("openai", "gpt-4o", 1, 20, true)
	tr.RecordLatency("openai", "gpt-4o", 1, 30, true)

	records := tr.RecentRecords("openai")
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].TotalMs != 10 || records[2].TotalMs != 30 {
		t.Errorf("expected records ordered oldest-first, got %+v", records)
	}
}
