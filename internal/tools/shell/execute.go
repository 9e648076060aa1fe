// Package shell provides run_shell, which executes commands inside the
// repository working tree.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"ouroboros/internal/logging"
	"ouroboros/internal/repo"
	"ouroboros/internal/tools"
)

const maxOutput = 50000

// execCommandContext is swapped in tests.
var execCommandContext = exec.CommandContext

// RunShellTool returns a tool for executing shell commands in the repository.
// Commands can change the working tree, so the tool is repo-mutating.
func RunShellTool(r *repo.Repo) *tools.Tool {
	return &tools.Tool{
		Name:        "run_shell",
		Description: "Execute a shell command in the repository and return its combined output",
		Category:    tools.CategoryShell,
		MutatesRepo: true,
		Timeout:     10 * time.Minute,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			return executeRunShell(ctx, r, args)
		},
		Schema: tools.ToolSchema{
			Required: []string{"cmd"},
			Properties: map[string]tools.Property{
				"cmd": {
					Type:        "string",
					Description: "The command to execute (run with sh -c)",
				},
				"cwd": {
					Type:        "string",
					Description: "Repository-relative working directory (default: repository root)",
				},
				"timeout_seconds": {
					Type:        "integer",
					Description: "Timeout in seconds (default: 120)",
					Default:     120,
				},
			},
		},
	}
}

func executeRunShell(ctx context.Context, r *repo.Repo, args map[string]any) (string, error) {
	command, _ := args["cmd"].(string)
	if command == "" {
		return "", fmt.Errorf("cmd is required")
	}

	rel, _ := args["cwd"].(string)
	dir, err := r.Resolve(rel)
	if err != nil {
		return "", err
	}

	timeout, _ := args["timeout_seconds"].(int)
	if timeout <= 0 {
		timeout = 120
	}

	logging.ToolsDebug("run_shell: cmd=%s, dir=%s, timeout=%ds", command, dir, timeout)

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	cmd := execCommandContext(execCtx, "sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = 2 * time.Second

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err = cmd.Run()
	output := out.String()
	if len(output) > maxOutput {
		output = output[:maxOutput] + "\n...[truncated]"
	}

	if err != nil {
		if execCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return output, fmt.Errorf("command timed out after %d seconds", timeout)
		}
		logging.Tools("run_shell failed: %s (%v)", command, err)
		return output, fmt.Errorf("command failed: %w", err)
	}

	logging.ToolsDebug("run_shell completed: %s (%d bytes output)", command, len(output))
	return output, nil
}
