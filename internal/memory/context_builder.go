package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"ouroboros/internal/llm"
	"ouroboros/internal/logging"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

// Prompt file locations relative to the repository root.
const (
	SystemPromptPath = "prompts/SYSTEM.md"
	BiblePath        = "BIBLE.md"
)

// Prompts are the static prompt texts, read once at boot. Edits the agent
// makes to them take effect after the next restart.
type Prompts struct {
	System string
	Bible  string
}

// LoadPrompts reads the prompt files from repoDir. A missing file is
// logged and left empty.
func LoadPrompts(repoDir string) (Prompts, error) {
	var p Prompts
	for _, f := range []struct {
		rel string
		dst *string
	}{{SystemPromptPath, &p.System}, {BiblePath, &p.Bible}} {
		data, err := os.ReadFile(filepath.Join(repoDir, f.rel))
		if errors.Is(err, os.ErrNotExist) {
			logging.MemoryWarn("prompt file %s not found", f.rel)
			continue
		}
		if err != nil {
			return Prompts{}, fmt.Errorf("read %s: %w", f.rel, err)
		}
		*f.dst = string(data)
	}
	return p, nil
}

// StatusFunc returns a short runtime summary (budget, branch, evolution
// state) to include in the context.
type StatusFunc func() string

// ContextBuilder implements orchestrator.ContextProvider.
type ContextBuilder struct {
	store   *Store
	prompts Prompts
	recent  int
	status  StatusFunc
}

var _ orchestrator.ContextProvider = (*ContextBuilder)(nil)

// NewContextBuilder creates a builder. recent is how many chat messages go
// into the context.
func NewContextBuilder(store *Store, prompts Prompts, recent int, status StatusFunc) *ContextBuilder {
	if recent <= 0 {
		recent = 20
	}
	return &ContextBuilder{store: store, prompts: prompts, recent: recent, status: status}
}

// BuildContext assembles the system prompt. Recent chat is rendered into the
// system text rather than replayed as turns, so providers that require
// strict role alternation accept it.
func (b *ContextBuilder) BuildContext(ctx context.Context, task orchestrator.Task) (string, []llm.Message, error) {
	var sections []string
	if s := strings.TrimSpace(b.prompts.System); s != "" {
		sections = append(sections, s)
	}
	if s := strings.TrimSpace(b.prompts.Bible); s != "" {
		sections = append(sections, "## BIBLE\n\n"+s)
	}

	for _, kv := range []struct{ key, title string }{
		{KeyIdentity, "## Identity"},
		{KeyScratchpad, "## Scratchpad"},
	} {
		v, ok, err := b.store.Get(ctx, kv.key)
		if err != nil {
			return "", nil, err
		}
		if ok && strings.TrimSpace(v) != "" {
			sections = append(sections, kv.title+"\n\n"+v)
		}
	}

	if b.status != nil {
		sections = append(sections, "## Runtime\n\n"+b.status())
	}
	sections = append(sections, "## Current task\n\n"+describeTask(task))

	if task.Kind == tools.KindUser || task.Kind == tools.KindScheduled {
		msgs, err := b.store.History(ctx, HistoryQuery{ChatID: task.ChatID, Count: b.recent})
		if err != nil {
			return "", nil, err
		}
		if len(msgs) > 0 {
			sections = append(sections, "## Recent chat\n\n"+FormatHistory(msgs))
		}
	}

	return strings.Join(sections, "\n\n"), nil, nil
}

func describeTask(t orchestrator.Task) string {
	s := fmt.Sprintf("id=%s kind=%s", t.ID, t.Kind)
	if t.Step != "" {
		s += " step=" + t.Step
	}
	return s
}
