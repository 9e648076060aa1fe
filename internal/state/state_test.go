package state

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingIsZero(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.toml"))
	st, err := s.Load()
	require.NoError(t, err)
	assert.False(t, st.HasOwner())
	assert.False(t, st.Running)
	assert.Nil(t, st.PendingRestart)
}

func TestUpdatePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")
	s := NewStore(path)

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := s.Update(func(st *State) {
		st.OwnerChatID = 42
		st.SpentMicros = 1_500_000
		st.Running = true
		st.BootBranch = "ouroboros"
		st.PendingRestart = &PendingRestart{ExpectedSHA: "abc", Branch: "ouroboros", RequestedAt: at}
	})
	require.NoError(t, err)

	st, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, int64(42), st.OwnerChatID)
	assert.Equal(t, int64(1_500_000), st.SpentMicros)
	assert.True(t, st.Running)
	require.NotNil(t, st.PendingRestart)
	assert.Equal(t, "abc", st.PendingRestart.ExpectedSHA)
	assert.True(t, at.Equal(st.PendingRestart.RequestedAt))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(stateFileMode), info.Mode().Perm())

	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(path), ".state-*"))
	assert.Empty(t, leftovers, "temp files must not survive a write")
}

func TestUpdateClearsPendingRestart(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.toml"))
	_, err := s.Update(func(st *State) { st.PendingRestart = &PendingRestart{ExpectedSHA: "x"} })
	require.NoError(t, err)
	_, err = s.Update(func(st *State) { st.PendingRestart = nil })
	require.NoError(t, err)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Nil(t, st.PendingRestart)
}

func TestRejectsNewerVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.toml")
	require.NoError(t, os.WriteFile(path, []byte("version = 99\n"), 0o600))
	_, err := NewStore(path).Load()
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestConcurrentUpdates(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state.toml"))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Update(func(st *State) { st.SpentMicros += 10 })
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, int64(200), st.SpentMicros)
}
