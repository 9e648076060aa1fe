package memory

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "memory.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *Store, chatID int64, texts ...string) {
	t.Helper()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, text := range texts {
		dir := DirectionIn
		if i%2 == 1 {
			dir = DirectionOut
		}
		require.NoError(t, s.AppendMessage(context.Background(), ChatMessage{
			ChatID: chatID, Direction: dir, Author: "owner", Text: text,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
}

func texts(msgs []ChatMessage) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Text)
	}
	return out
}

func TestHistoryCountOffsetOrder(t *testing.T) {
	s := openTest(t)
	seed(t, s, 1, "a", "b", "c", "d", "e")
	ctx := context.Background()

	msgs, err := s.History(ctx, HistoryQuery{ChatID: 1, Count: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "e"}, texts(msgs))

	msgs, err = s.History(ctx, HistoryQuery{ChatID: 1, Count: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, texts(msgs))
}

func TestHistorySearchAndChatFilter(t *testing.T) {
	s := openTest(t)
	seed(t, s, 1, "deploy the fix", "ok", "100% done_now")
	seed(t, s, 2, "deploy elsewhere")
	ctx := context.Background()

	msgs, err := s.History(ctx, HistoryQuery{Search: "deploy"})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = s.History(ctx, HistoryQuery{ChatID: 1, Search: "deploy"})
	require.NoError(t, err)
	assert.Equal(t, []string{"deploy the fix"}, texts(msgs))

	msgs, err = s.History(ctx, HistoryQuery{Search: "0% d"})
	require.NoError(t, err)
	assert.Equal(t, []string{"100% done_now"}, texts(msgs), "LIKE wildcards are escaped")
}

func TestKV(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()

	_, ok, err := s.Get(ctx, KeyScratchpad)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set(ctx, KeyScratchpad, "v1"))
	require.NoError(t, s.Set(ctx, KeyScratchpad, "v2"))
	v, ok, err := s.Get(ctx, KeyScratchpad)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v2", v)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(context.Background(), KeyIdentity, "me"))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	v, _, err := s.Get(context.Background(), KeyIdentity)
	require.NoError(t, err)
	assert.Equal(t, "me", v)
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "prompts"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, SystemPromptPath), []byte("SYSTEM"), 0644))

	p, err := LoadPrompts(dir)
	require.NoError(t, err)
	assert.Equal(t, "SYSTEM", p.System)
	assert.Empty(t, p.Bible)
}

func TestBuildContext(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	seed(t, s, 7, "what is your budget?", "plenty")
	require.NoError(t, s.Set(ctx, KeyScratchpad, "remember the milk"))

	b := NewContextBuilder(s, Prompts{System: "You are Ouroboros.", Bible: "Be honest."}, 10,
		func() string { return "budget 1.0000/10.0000" })

	task := orchestrator.NewTask(7, tools.KindUser, "hi")
	system, history, err := b.BuildContext(ctx, task)
	require.NoError(t, err)
	assert.Nil(t, history)
	assert.Contains(t, system, "You are Ouroboros.")
	assert.Contains(t, system, "## BIBLE\n\nBe honest.")
	assert.Contains(t, system, "remember the milk")
	assert.Contains(t, system, "budget 1.0000/10.0000")
	assert.Contains(t, system, "what is your budget?")

	evo := orchestrator.NewTask(7, tools.KindEvolution, "evaluate")
	evo.Step = "evaluate"
	system, _, err = b.BuildContext(ctx, evo)
	require.NoError(t, err)
	assert.NotContains(t, system, "what is your budget?", "evolution tasks do not see chat")
	assert.Contains(t, system, "step=evaluate")
}
