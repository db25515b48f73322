package telemetry

import (
	"testing"
	"time"

	"relay/internal/kvstore"
)

func TestSuccessRate(t *testing.T) {
	if rate := (AgentStats{}).SuccessRate(); rate != 1 {
		t.Fatalf("no invocations should score 1, got %v", rate)
	}
	stats := AgentStats{Invocations: 4, Failures: 1}
	if rate := stats.SuccessRate(); rate != 0.75 {
		t.Fatalf("rate %v", rate)
	}
}

func TestRecordInvocationRunningAverage(t *testing.T) {
	tr := NewTracker(nil, nil, nil)
	tr.RecordInvocation("chat", 100*time.Millisecond, false)
	tr.RecordInvocation("chat", 300*time.Millisecond, true)

	stats := tr.Snapshot()["chat"]
	if stats.Invocations != 2 || stats.Failures != 1 {
		t.Fatalf("stats %+v", stats)
	}
	if stats.AvgLatencyMs != 200 {
		t.Fatalf("avg latency %d, want 200", stats.AvgLatencyMs)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	tr := NewTracker(nil, nil, nil)
	tr.RecordInvocation("chat", time.Millisecond, false)

	snap := tr.Snapshot()
	entry := snap["chat"]
	entry.Invocations = 999
	snap["chat"] = entry

	if tr.Snapshot()["chat"].Invocations != 1 {
		t.Fatalf("snapshot must not alias internal state")
	}
}

func TestCountersSurviveRestartSameDay(t *testing.T) {
	kv := kvstore.NewMemStore()
	tr := NewTracker(kv, nil, nil)
	tr.RecordInvocation("review", 50*time.Millisecond, false)

	reloaded := NewTracker(kv, nil, nil)
	stats := reloaded.Snapshot()["review"]
	if stats.Invocations != 1 || stats.AvgLatencyMs != 50 {
		t.Fatalf("reloaded stats %+v", stats)
	}
}
