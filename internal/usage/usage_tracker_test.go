package usage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"ouroboros/internal/llm"
	"ouroboros/internal/tools"
)

func TestTracker_RecordAggregatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	tracker, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}

	ctx := tools.WithTaskInfo(context.Background(), tools.TaskInfo{TaskID: "t1", Kind: tools.KindEvolution})
	tracker.Record(ctx, "m-code", llm.Usage{InputTokens: 10, OutputTokens: 5, Cost: 100})
	tracker.Record(ctx, "m-code", llm.Usage{InputTokens: 2, OutputTokens: 3, Cost: 50})
	tracker.Record(context.Background(), "", llm.Usage{InputTokens: 1})

	stats := tracker.Stats()
	if stats.Total.Input != 13 || stats.Total.Output != 8 || stats.Total.Total != 21 {
		t.Fatalf("Total=%+v, want input=13 output=8 total=21", stats.Total)
	}
	if stats.Calls != 3 {
		t.Fatalf("Calls=%d, want 3", stats.Calls)
	}
	if got := stats.ByModel["m-code"]; got.Total != 20 || got.CostMicros != 150 {
		t.Fatalf("ByModel[m-code]=%+v, want total=20 cost=150", got)
	}
	if got := stats.ByKind[string(tools.KindEvolution)]; got.Total != 20 {
		t.Fatalf("ByKind[evolution]=%+v, want total=20", got)
	}
	if got := stats.ByKind["unknown"]; got.Total != 1 {
		t.Fatalf("ByKind[unknown]=%+v, want total=1", got)
	}

	if err := tracker.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "usage.json"))
	if err != nil {
		t.Fatalf("read usage.json: %v", err)
	}
	var persisted UsageData
	if err := json.Unmarshal(data, &persisted); err != nil {
		t.Fatalf("unmarshal usage.json: %v", err)
	}
	if persisted.Aggregate.Total.CostMicros != 150 {
		t.Fatalf("persisted cost=%d, want 150", persisted.Aggregate.Total.CostMicros)
	}

	reloaded, err := NewTracker(dir)
	if err != nil {
		t.Fatalf("NewTracker reload: %v", err)
	}
	if got := reloaded.Stats().Calls; got != 3 {
		t.Fatalf("reloaded Calls=%d, want 3", got)
	}
	_ = reloaded.Close()
}

func TestTracker_StatsIsCopy(t *testing.T) {
	tracker, err := NewTracker(t.TempDir())
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	defer tracker.Close()

	tracker.Record(context.Background(), "m", llm.Usage{InputTokens: 1})
	stats := tracker.Stats()
	stats.ByModel["m"] = TokenCounts{}
	if got := tracker.Stats().ByModel["m"]; got.Input != 1 {
		t.Fatalf("mutating copy changed tracker: %+v", got)
	}
}
