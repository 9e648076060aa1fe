// Package deploy turns a branch into the running process: checkout, build,
// re-exec. A working-branch build that fails falls back to stable, and a
// boot after a crash always selects stable.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/repo"
	"ouroboros/internal/state"
)

// ErrBuildFailed wraps a failed build.
var ErrBuildFailed = errors.New("build failed")

// EnvReexec is set in the environment of a process started by Restart. Such
// a process ignores the boot override and follows the recorded branch, so a
// forced branch cannot bounce every restart back onto itself.
const EnvReexec = "OUROBOROS_REEXEC"

// Repo is the part of the repository the launcher drives.
type Repo interface {
	Dir() string
	Branches() repo.Branches
	Checkout(ctx context.Context, branch string) error
	CurrentBranch(ctx context.Context) (string, error)
	HeadSHA(ctx context.Context, branch string) (string, error)
}

// Locker serializes the launcher with repo-mutating tools.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock()
}

// BuildFunc compiles the binary in dir to out.
type BuildFunc func(ctx context.Context, dir, pkg, out string) error

// ExecFunc replaces the process image. It returns only on failure.
type ExecFunc func(argv0 string, argv []string, envv []string) error

func goBuild(ctx context.Context, dir, pkg, out string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "-o", out, pkg)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %v\n%s", ErrBuildFailed, err, tail(string(output), 2000))
	}
	return nil
}

// Config configures a Launcher.
type Config struct {
	// BinPath is where the rebuilt binary goes.
	BinPath string
	// Package is the main package to build, relative to the repo.
	Package string
	// Args are passed to the new process (argv[1:]).
	Args []string
}

// Launcher restarts the agent from a branch.
type Launcher struct {
	repo  Repo
	store *state.Store
	lock  Locker
	cfg   Config
	build BuildFunc
	exec  ExecFunc
}

// Option configures a Launcher.
type Option func(*Launcher)

// WithBuildFunc replaces the go build step.
func WithBuildFunc(fn BuildFunc) Option {
	return func(l *Launcher) { l.build = fn }
}

// WithExecFunc replaces syscall.Exec.
func WithExecFunc(fn ExecFunc) Option {
	return func(l *Launcher) { l.exec = fn }
}

// WithLock makes restarts wait for the repository writer lock.
func WithLock(lock Locker) Option {
	return func(l *Launcher) { l.lock = lock }
}

// NewLauncher creates a launcher.
func NewLauncher(r Repo, store *state.Store, cfg Config, opts ...Option) *Launcher {
	if cfg.Package == "" {
		cfg.Package = "./cmd/ouroboros"
	}
	l := &Launcher{repo: r, store: store, cfg: cfg, build: goBuild, exec: syscall.Exec}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Restart checks out branch, rebuilds and re-execs. If branch is working and
// the build fails, it falls back to stable. It returns only on failure.
func (l *Launcher) Restart(ctx context.Context, branch, reason string) error {
	if l.lock != nil {
		if err := l.lock.Lock(ctx); err != nil {
			return fmt.Errorf("restart: waiting for repository lock: %w", err)
		}
		defer l.lock.Unlock()
	}

	b := l.repo.Branches()
	if branch != b.Working && branch != b.Stable {
		return fmt.Errorf("%w: cannot run from %s", repo.ErrProtectedBranch, branch)
	}

	logging.Deploy("restart requested onto %s: %s", branch, reason)
	err := l.prepare(ctx, branch)
	if err != nil && branch == b.Working {
		logging.DeployWarn("working branch unusable, falling back to %s: %v", b.Stable, err)
		logging.Audit(logging.AuditEvent{
			Type:    logging.AuditRestart,
			Message: "fallback to stable",
			Fields:  map[string]interface{}{"error": err.Error()},
		})
		branch = b.Stable
		err = l.prepare(ctx, branch)
	}
	if err != nil {
		logging.DeployError("restart onto %s failed: %v", branch, err)
		return err
	}

	sha, _ := l.repo.HeadSHA(ctx, branch)
	if _, err := l.store.Update(func(st *state.State) {
		st.Running = false
		st.BootBranch = branch
		if branch == b.Stable {
			st.StableSHA = sha
		}
	}); err != nil {
		return fmt.Errorf("restart: persist state: %w", err)
	}

	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditRestart,
		Message: reason,
		Fields:  map[string]interface{}{"branch": branch, "sha": sha},
	})
	logging.Sync()

	argv := append([]string{l.cfg.BinPath}, l.cfg.Args...)
	env := append(os.Environ(), EnvReexec+"=1")
	err = l.exec(l.cfg.BinPath, argv, env)
	logging.DeployError("exec %s failed: %v", l.cfg.BinPath, err)
	return fmt.Errorf("exec: %w", err)
}

func (l *Launcher) prepare(ctx context.Context, branch string) error {
	if err := l.repo.Checkout(ctx, branch); err != nil {
		return fmt.Errorf("checkout %s: %w", branch, err)
	}
	timer := logging.StartTimer(logging.CategoryDeploy, "build "+branch)
	defer timer.Stop()
	return l.build(ctx, l.repo.Dir(), l.cfg.Package, l.cfg.BinPath)
}

// BootDecision is the branch the process should run from.
type BootDecision struct {
	Branch  string
	Crashed bool
	Reason  string
}

// DecideBoot picks the boot branch. A set Running flag means the previous
// process never shut down cleanly, so stable is chosen over everything else.
func DecideBoot(st state.State, b repo.Branches, override string) BootDecision {
	switch {
	case st.Running:
		return BootDecision{Branch: b.Stable, Crashed: true, Reason: "previous run crashed"}
	case override != "":
		return BootDecision{Branch: override, Reason: "configured boot branch"}
	case st.BootBranch == b.Working || st.BootBranch == b.Stable:
		return BootDecision{Branch: st.BootBranch, Reason: "recorded boot branch"}
	default:
		return BootDecision{Branch: b.Working, Reason: "default"}
	}
}

// BootReport describes a completed boot.
type BootReport struct {
	Decision BootDecision
	SHA      string
	// Verification is a message about the pending restart record, if any.
	Verification string
}

// Boot selects the branch to run from. If the tree is on a different branch
// it restarts onto the selected one (and does not return on success).
// Otherwise it marks the process running and checks the pending restart
// record.
func (l *Launcher) Boot(ctx context.Context, override string) (BootReport, error) {
	st, err := l.store.Load()
	if err != nil {
		return BootReport{}, err
	}
	if override != "" && os.Getenv(EnvReexec) != "" {
		logging.BootDebug("ignoring boot override %s after restart", override)
		override = ""
	}
	decision := DecideBoot(st, l.repo.Branches(), override)
	logging.Boot("boot branch %s (%s)", decision.Branch, decision.Reason)

	current, err := l.repo.CurrentBranch(ctx)
	if err != nil {
		return BootReport{}, fmt.Errorf("boot: %w", err)
	}
	if current != decision.Branch {
		if decision.Crashed {
			if _, err := l.store.Update(func(s *state.State) { s.Crashes++ }); err != nil {
				return BootReport{}, err
			}
		}
		return BootReport{Decision: decision}, l.Restart(ctx, decision.Branch, decision.Reason)
	}

	sha, _ := l.repo.HeadSHA(ctx, decision.Branch)
	report := BootReport{Decision: decision, SHA: sha}
	if st.PendingRestart != nil {
		report.Verification = VerifyRestart(*st.PendingRestart, decision.Branch, sha)
	}

	if _, err := l.store.Update(func(s *state.State) {
		if decision.Crashed {
			s.Crashes++
		}
		s.Running = true
		s.BootBranch = decision.Branch
		s.BootedAt = time.Now()
		s.PendingRestart = nil
	}); err != nil {
		return BootReport{}, err
	}

	logging.Audit(logging.AuditEvent{
		Type:    logging.AuditBoot,
		Message: decision.Reason,
		Fields:  map[string]interface{}{"branch": decision.Branch, "sha": sha, "crashed": decision.Crashed},
	})
	return report, nil
}

// Shutdown clears the running flag after a clean stop.
func (l *Launcher) Shutdown() error {
	_, err := l.store.Update(func(s *state.State) { s.Running = false })
	return err
}

// VerifyRestart compares the booted head with what the restart expected.
func VerifyRestart(p state.PendingRestart, branch, sha string) string {
	if p.ExpectedSHA == "" || p.ExpectedSHA == sha {
		msg := fmt.Sprintf("Restart verified: running %s at %s.", branch, short(sha))
		logging.Deploy("%s", msg)
		return msg
	}
	msg := fmt.Sprintf("Restart mismatch: expected %s on %s, running %s on %s.",
		short(p.ExpectedSHA), p.Branch, short(sha), branch)
	logging.DeployWarn("%s", msg)
	return msg
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
