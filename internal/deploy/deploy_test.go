package deploy

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/repo"
	"ouroboros/internal/state"
)

var testBranches = repo.Branches{Main: "main", Working: "ouroboros", Stable: "ouroboros-stable"}

type fakeRepo struct {
	current  string
	checkout []string
	heads    map[string]string
}

func newFakeRepo(current string) *fakeRepo {
	return &fakeRepo{current: current, heads: map[string]string{
		"ouroboros":        "aaaaaaaaaaaa",
		"ouroboros-stable": "bbbbbbbbbbbb",
	}}
}

func (f *fakeRepo) Dir() string             { return "/repo" }
func (f *fakeRepo) Branches() repo.Branches { return testBranches }
func (f *fakeRepo) Checkout(_ context.Context, branch string) error {
	f.checkout = append(f.checkout, branch)
	f.current = branch
	return nil
}
func (f *fakeRepo) CurrentBranch(context.Context) (string, error) { return f.current, nil }
func (f *fakeRepo) HeadSHA(_ context.Context, branch string) (string, error) {
	return f.heads[branch], nil
}

type harness struct {
	repo     *fakeRepo
	store    *state.Store
	launcher *Launcher
	built    []string
	execs    []string
	env      []string
	failOn   map[string]bool
}

func newHarness(t *testing.T, current string) *harness {
	t.Helper()
	h := &harness{
		repo:   newFakeRepo(current),
		store:  state.NewStore(filepath.Join(t.TempDir(), "state.toml")),
		failOn: map[string]bool{},
	}
	build := func(_ context.Context, dir, pkg, out string) error {
		h.built = append(h.built, h.repo.current)
		if h.failOn[h.repo.current] {
			return ErrBuildFailed
		}
		return nil
	}
	exec := func(argv0 string, argv []string, env []string) error {
		h.execs = append(h.execs, h.repo.current)
		h.env = env
		return errors.New("exec disabled in tests")
	}
	h.launcher = NewLauncher(h.repo, h.store, Config{BinPath: "/tmp/ouroboros", Args: []string{"serve"}},
		WithBuildFunc(build), WithExecFunc(exec), WithLock(repo.NewLock()))
	return h
}

func TestDecideBoot(t *testing.T) {
	tests := []struct {
		name     string
		st       state.State
		override string
		want     string
		crashed  bool
	}{
		{"fresh", state.State{}, "", "ouroboros", false},
		{"recorded stable", state.State{BootBranch: "ouroboros-stable"}, "", "ouroboros-stable", false},
		{"unknown recorded", state.State{BootBranch: "main"}, "", "ouroboros", false},
		{"override", state.State{BootBranch: "ouroboros"}, "ouroboros-stable", "ouroboros-stable", false},
		{"crash beats override", state.State{Running: true}, "ouroboros", "ouroboros-stable", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := DecideBoot(tt.st, testBranches, tt.override)
			assert.Equal(t, tt.want, d.Branch)
			assert.Equal(t, tt.crashed, d.Crashed)
		})
	}
}

func TestRestartBuildsAndExecs(t *testing.T) {
	h := newHarness(t, "ouroboros")

	err := h.launcher.Restart(context.Background(), "ouroboros", "new tool")
	require.Error(t, err, "exec stub always fails")

	assert.Equal(t, []string{"ouroboros"}, h.built)
	assert.Equal(t, []string{"ouroboros"}, h.execs)
	assert.Contains(t, h.env, EnvReexec+"=1")

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "ouroboros", st.BootBranch)
	assert.False(t, st.Running)
}

func TestRestartFallsBackToStable(t *testing.T) {
	h := newHarness(t, "ouroboros")
	h.failOn["ouroboros"] = true

	_ = h.launcher.Restart(context.Background(), "ouroboros", "broken commit")

	assert.Equal(t, []string{"ouroboros", "ouroboros-stable"}, h.repo.checkout)
	assert.Equal(t, []string{"ouroboros-stable"}, h.execs)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "ouroboros-stable", st.BootBranch)
	assert.Equal(t, "bbbbbbbbbbbb", st.StableSHA)
}

func TestRestartStableFailureDoesNotExec(t *testing.T) {
	h := newHarness(t, "ouroboros")
	h.failOn["ouroboros"] = true
	h.failOn["ouroboros-stable"] = true

	err := h.launcher.Restart(context.Background(), "ouroboros", "broken")
	require.ErrorIs(t, err, ErrBuildFailed)
	assert.Empty(t, h.execs)
}

func TestRestartRejectsOtherBranches(t *testing.T) {
	h := newHarness(t, "ouroboros")
	err := h.launcher.Restart(context.Background(), "main", "nope")
	require.ErrorIs(t, err, repo.ErrProtectedBranch)
	assert.Empty(t, h.repo.checkout)
}

func TestBootOnSelectedBranchMarksRunning(t *testing.T) {
	h := newHarness(t, "ouroboros")
	_, err := h.store.Update(func(s *state.State) {
		s.PendingRestart = &state.PendingRestart{ExpectedSHA: "aaaaaaaaaaaa", Branch: "ouroboros"}
	})
	require.NoError(t, err)

	report, err := h.launcher.Boot(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "ouroboros", report.Decision.Branch)
	assert.Contains(t, report.Verification, "verified")
	assert.Empty(t, h.execs)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Nil(t, st.PendingRestart)
	assert.False(t, st.BootedAt.IsZero())

	require.NoError(t, h.launcher.Shutdown())
	st, err = h.store.Load()
	require.NoError(t, err)
	assert.False(t, st.Running)
}

func TestBootAfterCrashRestartsFromStable(t *testing.T) {
	h := newHarness(t, "ouroboros")
	_, err := h.store.Update(func(s *state.State) {
		s.Running = true
		s.BootBranch = "ouroboros"
	})
	require.NoError(t, err)

	report, err := h.launcher.Boot(context.Background(), "")
	require.Error(t, err, "exec stub always fails")
	assert.True(t, report.Decision.Crashed)
	assert.Equal(t, []string{"ouroboros-stable"}, h.repo.checkout)
	assert.Equal(t, []string{"ouroboros-stable"}, h.execs)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, st.Crashes)
	assert.Equal(t, "ouroboros-stable", st.BootBranch)
	assert.False(t, st.Running)
}

func TestVerifyRestartMismatch(t *testing.T) {
	msg := VerifyRestart(state.PendingRestart{ExpectedSHA: "1111111111", Branch: "ouroboros"}, "ouroboros-stable", "2222222222")
	assert.Contains(t, msg, "mismatch")
	assert.Contains(t, msg, "11111111")
	assert.Contains(t, msg, "22222222")
}

func TestBootOverride(t *testing.T) {
	h := newHarness(t, "ouroboros-stable")
	_, err := h.store.Update(func(s *state.State) { s.BootBranch = "ouroboros-stable" })
	require.NoError(t, err)

	t.Run("applies on a fresh start", func(t *testing.T) {
		report, err := h.launcher.Boot(context.Background(), "ouroboros")
		require.Error(t, err, "exec stub always fails")
		assert.Equal(t, "ouroboros", report.Decision.Branch)
		assert.Equal(t, []string{"ouroboros"}, h.execs)
	})

	t.Run("ignored after a restart", func(t *testing.T) {
		h.repo.current = "ouroboros-stable"
		h.execs = nil
		_, err := h.store.Update(func(s *state.State) { s.BootBranch = "ouroboros-stable" })
		require.NoError(t, err)
		t.Setenv(EnvReexec, "1")

		report, err := h.launcher.Boot(context.Background(), "ouroboros")
		require.NoError(t, err)
		assert.Equal(t, "ouroboros-stable", report.Decision.Branch)
		assert.Empty(t, h.execs)
	})
}
