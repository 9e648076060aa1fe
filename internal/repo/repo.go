// Package repo wraps the git CLI for the three-branch protocol: main is never
// written, working receives every agent commit, stable only moves through
// Promote.
//
// Methods that write do not take the writer Lock themselves; callers that
// mutate (the Tool Registry, promotion, deploy) hold it around the call.
package repo

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"ouroboros/internal/logging"
)

// Branches names the three protocol branches.
type Branches struct {
	Main    string
	Working string
	Stable  string
}

// Identity is the committer identity used for agent commits.
type Identity struct {
	Name  string
	Email string
}

// Repo is a git working tree.
type Repo struct {
	dir      string
	remote   string
	branches Branches
	identity Identity
	lock     *Lock
}

// Option configures a Repo.
type Option func(*Repo)

// WithRemote sets the remote name used for fetch and push (default "origin").
func WithRemote(name string) Option {
	return func(r *Repo) { r.remote = name }
}

// WithIdentity sets the committer identity.
func WithIdentity(id Identity) Option {
	return func(r *Repo) { r.identity = id }
}

// WithLock shares an existing writer lock.
func WithLock(l *Lock) Option {
	return func(r *Repo) { r.lock = l }
}

// New opens the repository at dir.
func New(dir string, branches Branches, opts ...Option) *Repo {
	r := &Repo{
		dir:      dir,
		remote:   "origin",
		branches: branches,
		identity: Identity{Name: "Ouroboros", Email: "ouroboros@localhost"},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.lock == nil {
		r.lock = NewLock()
	}
	return r
}

// Dir returns the working tree path.
func (r *Repo) Dir() string { return r.dir }

// Branches returns the protocol branch names.
func (r *Repo) Branches() Branches { return r.branches }

// Lock returns the repository writer lock.
func (r *Repo) Lock() *Lock { return r.lock }

// execGit is swapped in tests that need to fake git.
var execGit = func(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

var credentialPattern = regexp.MustCompile(`://[^/@\s]+@`)

// redact strips credentials embedded in remote URLs.
func redact(s string) string {
	return credentialPattern.ReplaceAllString(s, "://***@")
}

func (r *Repo) git(ctx context.Context, args ...string) (string, error) {
	out, err := execGit(ctx, r.dir, args...)
	if err != nil {
		return out, fmt.Errorf("git %s: %w: %s", redact(strings.Join(args, " ")), err, redact(strings.TrimSpace(out)))
	}
	return out, nil
}

// HeadSHA returns the commit a local branch points at.
func (r *Repo) HeadSHA(ctx context.Context, branch string) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--verify", "refs/heads/"+branch)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the checked-out branch name.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.git(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Status returns short porcelain status with the branch header.
func (r *Repo) Status(ctx context.Context) (string, error) {
	return r.git(ctx, "status", "--porcelain", "--branch")
}

// Diff returns the working tree diff, or the staged diff when staged is set.
func (r *Repo) Diff(ctx context.Context, staged bool) (string, error) {
	args := []string{"diff"}
	if staged {
		args = append(args, "--cached")
	}
	return r.git(ctx, args...)
}

// Resolve maps a repo-relative path to an absolute one inside the tree.
func (r *Repo) Resolve(rel string) (string, error) {
	return ResolveWithin(r.dir, rel)
}

// ResolveWithin joins rel onto root and rejects results outside root.
func ResolveWithin(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(rootAbs, rel))
	if p != rootAbs && !strings.HasPrefix(p, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRepo, rel)
	}
	return p, nil
}

// WriteFile writes content to a repo-relative path, creating parents.
// The .git directory is off limits.
func (r *Repo) WriteFile(rel, content string) error {
	p, err := r.Resolve(rel)
	if err != nil {
		return err
	}
	gitDir := filepath.Join(r.dir, ".git")
	if abs, _ := filepath.Abs(gitDir); p == abs || strings.HasPrefix(p, abs+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s", ErrPathEscapesRepo, rel)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

// CommitAll stages everything and commits on the working branch, returning
// the new head. It refuses to commit anywhere else.
func (r *Repo) CommitAll(ctx context.Context, message string) (string, error) {
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	switch branch {
	case r.branches.Main, r.branches.Stable:
		return "", fmt.Errorf("%w: refusing to commit on %s", ErrProtectedBranch, branch)
	case r.branches.Working:
	default:
		return "", fmt.Errorf("%w: on %s, want %s", ErrWrongBranch, branch, r.branches.Working)
	}

	if _, err := r.git(ctx, "add", "-A"); err != nil {
		return "", err
	}
	status, err := r.git(ctx, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(status) == "" {
		return "", ErrNothingToCommit
	}
	if _, err := r.git(ctx,
		"-c", "user.name="+r.identity.Name,
		"-c", "user.email="+r.identity.Email,
		"commit", "-m", message); err != nil {
		return "", err
	}
	sha, err := r.HeadSHA(ctx, r.branches.Working)
	if err != nil {
		return "", err
	}
	logging.Repo("Committed %s on %s: %s", short(sha), r.branches.Working, firstLine(message))
	return sha, nil
}

// HasRemote reports whether the configured remote exists.
func (r *Repo) HasRemote(ctx context.Context) bool {
	_, err := r.git(ctx, "remote", "get-url", r.remote)
	return err == nil
}

// SetRemoteURL points the remote at url, adding it if missing.
func (r *Repo) SetRemoteURL(ctx context.Context, url string) error {
	if r.HasRemote(ctx) {
		_, err := r.git(ctx, "remote", "set-url", r.remote, url)
		return err
	}
	_, err := r.git(ctx, "remote", "add", r.remote, url)
	return err
}

// Push pushes a branch. Pushing main is refused. Without a remote the push
// is skipped and reported as such.
func (r *Repo) Push(ctx context.Context, branch string) (bool, error) {
	if branch == r.branches.Main {
		return false, fmt.Errorf("%w: refusing to push %s", ErrProtectedBranch, branch)
	}
	if !r.HasRemote(ctx) {
		logging.RepoDebug("No remote %q configured, skipping push of %s", r.remote, branch)
		return false, nil
	}
	args := []string{"push", r.remote, branch + ":" + branch}
	if branch == r.branches.Stable {
		args = []string{"push", "--force", r.remote, branch + ":" + branch}
	}
	if _, err := r.git(ctx, args...); err != nil {
		return false, err
	}
	logging.Repo("Pushed %s to %s", branch, r.remote)
	return true, nil
}

// Promote points stable at the current working head and pushes it. It is the
// only code path that writes stable; the caller enforces the safety gate.
func (r *Repo) Promote(ctx context.Context) (string, error) {
	sha, err := r.HeadSHA(ctx, r.branches.Working)
	if err != nil {
		return "", err
	}
	current, err := r.CurrentBranch(ctx)
	if err != nil {
		return "", err
	}
	if current == r.branches.Stable {
		if _, err := r.git(ctx, "reset", "--hard", sha); err != nil {
			return "", err
		}
	} else if _, err := r.git(ctx, "branch", "-f", r.branches.Stable, sha); err != nil {
		return "", err
	}
	if _, err := r.Push(ctx, r.branches.Stable); err != nil {
		return sha, err
	}
	logging.Repo("Promoted %s -> %s at %s", r.branches.Working, r.branches.Stable, short(sha))
	return sha, nil
}

// EnsureBranches creates working and stable from the current HEAD when they
// do not exist yet.
func (r *Repo) EnsureBranches(ctx context.Context) error {
	for _, b := range []string{r.branches.Working, r.branches.Stable} {
		if _, err := r.HeadSHA(ctx, b); err == nil {
			continue
		}
		if _, err := r.git(ctx, "branch", b); err != nil {
			return err
		}
		logging.Repo("Created branch %s", b)
	}
	return nil
}

// Discard resets tracked files to HEAD and removes untracked files.
// Ignored files are kept.
func (r *Repo) Discard(ctx context.Context) error {
	if _, err := r.git(ctx, "reset", "--hard", "HEAD"); err != nil {
		return err
	}
	if _, err := r.git(ctx, "clean", "-fd"); err != nil {
		return err
	}
	logging.RepoDebug("Discarded uncommitted changes")
	return nil
}

// Checkout switches the tree to branch. With a remote, the branch is reset to
// the remote copy when one exists; local changes are discarded.
func (r *Repo) Checkout(ctx context.Context, branch string) error {
	if r.HasRemote(ctx) {
		if _, err := r.git(ctx, "fetch", r.remote, branch); err == nil {
			_, err := r.git(ctx, "checkout", "-B", branch, r.remote+"/"+branch)
			if err == nil {
				_, err = r.git(ctx, "reset", "--hard", r.remote+"/"+branch)
			}
			return err
		}
		logging.RepoWarn("fetch %s failed, using local branch", branch)
	}
	if _, err := r.git(ctx, "checkout", "-f", branch); err != nil {
		return err
	}
	return nil
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
