package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ouroboros/internal/llm"
	"ouroboros/internal/logging"
	"ouroboros/internal/tools"
)

const autoSaveDelay = 5 * time.Second

// Tracker aggregates model usage and persists it to usage.json in the data
// directory. It implements llm.Recorder.
type Tracker struct {
	mu        sync.Mutex
	data      UsageData
	filePath  string
	dirty     bool
	saveTimer *time.Timer
	closed    bool
}

var _ llm.Recorder = (*Tracker)(nil)

// NewTracker creates a tracker persisting under dataDir.
func NewTracker(dataDir string) (*Tracker, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	t := &Tracker{
		filePath: filepath.Join(dataDir, "usage.json"),
		data:     UsageData{Version: "1.0"},
	}
	t.data.Aggregate.ensureMaps()

	if err := t.Load(); err != nil {
		logging.Get(logging.CategoryBudget).Warn("usage.json unreadable, starting fresh: %v", err)
	}
	return t, nil
}

func (a *AggregatedStats) ensureMaps() {
	if a.ByModel == nil {
		a.ByModel = make(map[string]TokenCounts)
	}
	if a.ByKind == nil {
		a.ByKind = make(map[string]TokenCounts)
	}
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var loaded UsageData
	if err := json.Unmarshal(data, &loaded); err != nil {
		return err
	}
	loaded.Aggregate.ensureMaps()
	t.data = loaded
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.saveLocked()
}

func (t *Tracker) saveLocked() error {
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	tmp := t.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	t.dirty = false
	return os.Rename(tmp, t.filePath)
}

// Record implements llm.Recorder. The task kind comes from the TaskInfo
// carried on ctx.
func (t *Tracker) Record(ctx context.Context, model string, u llm.Usage) {
	kind := "unknown"
	if info, ok := tools.TaskInfoFrom(ctx); ok && info.Kind != "" {
		kind = string(info.Kind)
	}
	if model == "" {
		model = "unknown"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cost := int64(u.Cost)
	t.data.Aggregate.Calls++
	t.data.Aggregate.Total.Add(u.InputTokens, u.OutputTokens, cost)
	addToMap(t.data.Aggregate.ByModel, model, u.InputTokens, u.OutputTokens, cost)
	addToMap(t.data.Aggregate.ByKind, kind, u.InputTokens, u.OutputTokens, cost)

	// Debounced auto-save
	if !t.dirty && !t.closed {
		t.dirty = true
		t.saveTimer = time.AfterFunc(autoSaveDelay, func() {
			if err := t.Save(); err != nil {
				logging.BudgetWarn("usage autosave failed: %v", err)
			}
		})
	}
}

// Close cancels a pending autosave and flushes to disk.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	if t.saveTimer != nil {
		t.saveTimer.Stop()
	}
	return t.saveLocked()
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByKind = copyTokenCountsMap(stats.ByKind)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	if src == nil {
		return nil
	}
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost int64) {
	entry := m[key]
	entry.Add(input, output, cost)
	m[key] = entry
}
