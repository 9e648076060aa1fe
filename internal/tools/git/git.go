// Package git provides the repository status, diff and commit tools.
package git

import (
	"context"
	"errors"
	"fmt"

	"ouroboros/internal/logging"
	"ouroboros/internal/repo"
	"ouroboros/internal/tools"
)

// ErrCommitOutsideCommitStep is returned when an evolution task tries to
// commit before the commit step.
var ErrCommitOutsideCommitStep = errors.New("evolution tasks may only commit in the commit step")

// CommitObserver is told about every successful commit.
type CommitObserver interface {
	OnCommit(ctx context.Context, sha string, info tools.TaskInfo)
}

// StatusTool returns git_status.
func StatusTool(r *repo.Repo) *tools.Tool {
	return &tools.Tool{
		Name:        "git_status",
		Description: "Show the repository status (branch and changed files)",
		Category:    tools.CategoryGit,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := r.Status(ctx)
			if err != nil {
				return "", err
			}
			return out, nil
		},
	}
}

// DiffTool returns git_diff.
func DiffTool(r *repo.Repo) *tools.Tool {
	return &tools.Tool{
		Name:        "git_diff",
		Description: "Show uncommitted changes in the repository",
		Category:    tools.CategoryGit,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			staged, _ := args["staged"].(bool)
			out, err := r.Diff(ctx, staged)
			if err != nil {
				return "", err
			}
			if out == "" {
				return "no changes", nil
			}
			return out, nil
		},
		Schema: tools.ToolSchema{
			Properties: map[string]tools.Property{
				"staged": {
					Type:        "boolean",
					Description: "Show staged changes only (default: false)",
					Default:     false,
				},
			},
		},
	}
}

// CommitPushTool returns repo_commit_push: stage everything, commit on the
// working branch and push it.
func CommitPushTool(r *repo.Repo, obs CommitObserver) *tools.Tool {
	return &tools.Tool{
		Name:        "repo_commit_push",
		Description: "Commit all working tree changes to the working branch and push",
		Category:    tools.CategoryGit,
		MutatesRepo: true,
		Commits:     true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			msg, _ := args["commit_message"].(string)
			if msg == "" {
				return "", fmt.Errorf("commit_message is required")
			}

			info, _ := tools.TaskInfoFrom(ctx)
			if info.Kind == tools.KindEvolution && info.Step != tools.CommitStep {
				return "", fmt.Errorf("%w (current step: %s)", ErrCommitOutsideCommitStep, info.Step)
			}

			sha, err := r.CommitAll(ctx, msg)
			if err != nil {
				return "", err
			}
			if obs != nil {
				obs.OnCommit(ctx, sha, info)
			}

			pushed, err := r.Push(ctx, r.Branches().Working)
			if err != nil {
				return fmt.Sprintf("committed %s locally", sha), fmt.Errorf("push failed: %w", err)
			}
			info.MarkPushed()
			if !pushed {
				logging.Tools("repo_commit_push: %s committed, no remote configured", sha)
				return fmt.Sprintf("OK: committed %s to %s (no remote, not pushed)", sha, r.Branches().Working), nil
			}
			return fmt.Sprintf("OK: committed and pushed %s to %s", sha, r.Branches().Working), nil
		},
		Schema: tools.ToolSchema{
			Required: []string{"commit_message"},
			Properties: map[string]tools.Property{
				"commit_message": {
					Type:        "string",
					Description: "Commit message",
				},
			},
		},
	}
}

// RegisterAll registers the git tools.
func RegisterAll(registry *tools.Registry, r *repo.Repo, obs CommitObserver) error {
	for _, tool := range []*tools.Tool{
		StatusTool(r),
		DiffTool(r),
		CommitPushTool(r, obs),
	} {
		if err := registry.Register(tool); err != nil {
			return err
		}
	}
	return nil
}
