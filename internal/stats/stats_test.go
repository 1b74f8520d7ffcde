package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestRecordEventCounts(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	for i := 0; i < 10; i++ {
		m.RecordEvent("x", 100, 50*time.Millisecond, true)
	}

	got := m.GetStats().EventCounts["x"]
	want := TopicCounts{Published: 10, Delivered: 10, Failed: 0}
	if got != want {
		t.Fatalf("eventCounts[x] = %+v, want %+v", got, want)
	}
}

func TestFailureCounts(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.RecordEvent("x", 10, time.Millisecond, true)
	m.RecordEvent("x", 10, time.Millisecond, false)

	metrics := m.Metrics()
	if metrics.TotalPublished != 2 || metrics.TotalDelivered != 1 || metrics.TotalFailed != 1 {
		t.Fatalf("unexpected metrics: %+v", metrics)
	}
}

func TestGetStatsReturnsIndependentCopy(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.RecordEvent("a", 1, time.Millisecond, true)
	m.RecordError("a", errors.New("broker down"))

	first := m.GetStats()
	first.EventCounts["a"] = TopicCounts{Published: 999}
	first.SubscriptionCounts["a"] = 999
	first.RecentErrors[0].Message = "mutated"

	second := m.GetStats()
	if second.EventCounts["a"].Published != 1 {
		t.Fatalf("internal counts mutated through snapshot")
	}
	if second.RecentErrors[0].Message != "broker down" {
		t.Fatalf("internal errors mutated through snapshot")
	}
	if diff := cmp.Diff(second, m.GetStats()); diff != "" {
		t.Fatalf("consecutive snapshots differ: %s", diff)
	}
}

func TestProcessingTimeEMA(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.RecordEvent("t", 0, 100*time.Millisecond, true)
	m.RecordEvent("t", 0, 200*time.Millisecond, true)

	s := m.GetStats()
	// Seeded at 100, then 100*0.9 + 200*0.1 = 110.
	if s.AvgProcessingMs < 109.9 || s.AvgProcessingMs > 110.1 {
		t.Fatalf("avg = %f, want 110", s.AvgProcessingMs)
	}
	if s.MinProcessingMs != 100 || s.MaxProcessingMs != 200 {
		t.Fatalf("min/max = %f/%f, want 100/200", s.MinProcessingMs, s.MaxProcessingMs)
	}
}

func TestErrorListBounded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxErrors = 3
	m := NewManager(cfg, nil)
	for i := 0; i < 5; i++ {
		m.RecordError("x", errors.New("e"))
	}
	if got := len(m.GetStats().RecentErrors); got != 3 {
		t.Fatalf("expected 3 retained errors, got %d", got)
	}
}

func TestSubscriptionCounts(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.IncSubscriptions("a")
	m.IncSubscriptions("a")
	m.DecSubscriptions("a")
	if got := m.GetStats().SubscriptionCounts["a"]; got != 1 {
		t.Fatalf("expected 1 subscription, got %d", got)
	}
	m.DecSubscriptions("a")
	if got := m.GetStats().SubscriptionCounts["a"]; got != 0 {
		t.Fatalf("expected 0 subscriptions, got %d", got)
	}
	// Decrement below zero stays at zero.
	m.DecSubscriptions("a")
	if got := m.GetStats().SubscriptionCounts["a"]; got != 0 {
		t.Fatalf("expected 0 subscriptions after extra dec, got %d", got)
	}
}

func TestSamplePrunesOutsideWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotWindow = time.Minute
	cfg.MetricWindow = time.Minute
	m := NewManager(cfg, nil)

	old := time.Now().Add(-2 * time.Minute)
	m.Record(DeliveryMetric{Topic: "x", Success: true, Timestamp: old})
	m.sample(old)
	m.Record(DeliveryMetric{Topic: "x", Success: true, Timestamp: time.Now()})
	m.sample(time.Now())

	s := m.GetStats()
	if len(s.Snapshots) != 1 {
		t.Fatalf("expected old snapshot pruned, have %d", len(s.Snapshots))
	}
	// Counters survive pruning; only raw history is windowed.
	if s.EventCounts["x"].Published != 2 {
		t.Fatalf("expected counters unaffected by pruning")
	}
}

func TestRetryRate(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.Record(DeliveryMetric{Topic: "x", Success: true, RetryCount: 3})
	m.Record(DeliveryMetric{Topic: "x", Success: true, RetryCount: 1})
	if got := m.Metrics().RetryRate; got != 2 {
		t.Fatalf("retry rate = %f, want 2", got)
	}
}

func TestMergeMetricsWeightsByDelivered(t *testing.T) {
	a := Metrics{TotalPublished: 10, TotalDelivered: 10, AvgLatencyMs: 100}
	b := Metrics{TotalPublished: 30, TotalDelivered: 30, AvgLatencyMs: 200}
	out := MergeMetrics(a, b)
	if out.TotalPublished != 40 {
		t.Fatalf("published = %d, want 40", out.TotalPublished)
	}
	// (100*10 + 200*30) / 40 = 175.
	if out.AvgLatencyMs != 175 {
		t.Fatalf("avg = %f, want 175", out.AvgLatencyMs)
	}
}

func TestMergeStatsSumsTopicCounts(t *testing.T) {
	a := Stats{EventCounts: map[string]TopicCounts{"x": {Published: 2, Delivered: 2}}}
	b := Stats{EventCounts: map[string]TopicCounts{
		"x": {Published: 1, Failed: 1},
		"y": {Published: 1, Delivered: 1},
	}}
	out := MergeStats(a, b)
	if out.EventCounts["x"] != (TopicCounts{Published: 3, Delivered: 2, Failed: 1}) {
		t.Fatalf("merged x = %+v", out.EventCounts["x"])
	}
	if out.EventCounts["y"].Published != 1 {
		t.Fatalf("merged y missing")
	}
}

func TestManagerStartClose(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SnapshotInterval = 10 * time.Millisecond
	m := NewManager(cfg, nil)
	m.Start()
	m.RecordEvent("x", 1, time.Millisecond, true)
	time.Sleep(35 * time.Millisecond)
	m.Close()
	if len(m.GetStats().Snapshots) == 0 {
		t.Fatalf("expected at least one periodic snapshot")
	}
	// Close again is safe.
	m.Close()
}
