package git

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ouroboros/internal/repo"
	"ouroboros/internal/tools"
	"ouroboros/internal/tools/core"
)

type recordingObserver struct {
	shas []string
}

func (o *recordingObserver) OnCommit(ctx context.Context, sha string, info tools.TaskInfo) {
	o.shas = append(o.shas, sha)
}

func newRepo(t *testing.T) *repo.Repo {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init", "-q"},
		{"checkout", "-q", "-b", "main"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "%s", out)
	}
	cmd := exec.Command("git", "-c", "user.name=t", "-c", "user.email=t@t", "commit", "-q", "--allow-empty", "-m", "init")
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", out)

	r := repo.New(dir, repo.Branches{Main: "main", Working: "ouroboros", Stable: "ouroboros-stable"})
	require.NoError(t, r.EnsureBranches(context.Background()))
	require.NoError(t, r.Checkout(context.Background(), "ouroboros"))
	return r
}

func TestCommitPushOnWorking(t *testing.T) {
	r := newRepo(t)
	obs := &recordingObserver{}
	reg := tools.NewRegistry(tools.WithRepoLock(r.Lock()))
	require.NoError(t, RegisterAll(reg, r, obs))

	require.NoError(t, r.WriteFile("new.txt", "hello"))
	ctx := tools.WithTaskInfo(context.Background(), tools.TaskInfo{TaskID: "t1", Kind: tools.KindUser})
	res := reg.Execute(ctx, tools.Call{Name: "repo_commit_push", Args: map[string]any{"commit_message": "add new.txt"}})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Contains(t, res.Payload, "no remote")
	require.Len(t, obs.shas, 1)

	head, err := r.HeadSHA(context.Background(), "ouroboros")
	require.NoError(t, err)
	assert.Equal(t, head, obs.shas[0])

	info, _ := tools.TaskInfoFrom(ctx)
	assert.True(t, info.Pushed())
}

func TestEvolutionCommitOnlyInCommitStep(t *testing.T) {
	r := newRepo(t)
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg, r, nil))
	require.NoError(t, r.WriteFile("change.txt", "v1"))

	ctx := tools.WithTaskInfo(context.Background(), tools.TaskInfo{Kind: tools.KindEvolution, Step: "implement"})
	res := reg.Execute(ctx, tools.Call{Name: "repo_commit_push", Args: map[string]any{"commit_message": "early"}})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Payload, ErrCommitOutsideCommitStep.Error())

	ctx = tools.WithTaskInfo(context.Background(), tools.TaskInfo{Kind: tools.KindEvolution, Step: tools.CommitStep})
	res = reg.Execute(ctx, tools.Call{Name: "repo_commit_push", Args: map[string]any{"commit_message": "on time"}})
	assert.True(t, res.IsSuccess(), res.Payload)
}

func TestCommitStepCommitsOnlyTheGatedTree(t *testing.T) {
	r := newRepo(t)
	reg := tools.NewRegistry(tools.WithRepoLock(r.Lock()))
	require.NoError(t, RegisterAll(reg, r, nil))
	require.NoError(t, core.RegisterAll(reg, core.Files{Repo: r, DriveRoot: t.TempDir()}))

	// Approved by the gates before the commit step starts.
	require.NoError(t, r.WriteFile("gated.go", "package gated\n"))

	ctx := tools.WithTaskInfo(context.Background(), tools.TaskInfo{TaskID: "evo-commit", Kind: tools.KindEvolution, Step: tools.CommitStep})
	res := reg.Execute(ctx, tools.Call{Name: "repo_write", Args: map[string]any{"path": "ungated.go", "content": "package ungated\n"}})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Payload, tools.ErrCommitStepMutation.Error())

	res = reg.Execute(ctx, tools.Call{Name: "repo_edit", Args: map[string]any{"path": "gated.go", "old_text": "gated", "new_text": "changed"}})
	assert.Equal(t, tools.StatusError, res.Status)
	assert.Contains(t, res.Payload, tools.ErrCommitStepMutation.Error())

	res = reg.Execute(ctx, tools.Call{Name: "repo_commit_push", Args: map[string]any{"commit_message": "gated change"}})
	require.True(t, res.IsSuccess(), res.Payload)

	cmd := exec.Command("git", "show", "--name-only", "--format=", "HEAD")
	cmd.Dir = r.Dir()
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "%s", out)
	assert.Equal(t, "gated.go", strings.TrimSpace(string(out)))
}

func TestDiffAndStatus(t *testing.T) {
	r := newRepo(t)
	reg := tools.NewRegistry()
	require.NoError(t, RegisterAll(reg, r, nil))

	res := reg.Execute(context.Background(), tools.Call{Name: "git_diff"})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Equal(t, "no changes", res.Payload)

	res = reg.Execute(context.Background(), tools.Call{Name: "git_status"})
	require.True(t, res.IsSuccess(), res.Payload)
	assert.Contains(t, res.Payload, "ouroboros")
}
