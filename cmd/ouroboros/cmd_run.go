package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"ouroboros/internal/chat"
	"ouroboros/internal/orchestrator"
	"ouroboros/internal/tools"
)

var runTimeout time.Duration

var runCmd = &cobra.Command{
	Use:   "run [instruction]",
	Short: "Run a single task and print the answer",
	Long: `Runs one task through the same queue, tools and budget as serve, without a
chat channel or restarts. Spend is persisted to the state file.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runOnce,
}

func init() {
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 30*time.Minute, "Bound on the whole task")
}

func runOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), runTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg, appOptions{channel: chat.NewMemoryChannel(1)})
	if err != nil {
		return err
	}
	defer a.Close()

	supCtx, stopSup := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.sup.Run(supCtx) }()
	defer func() {
		stopSup()
		<-done
	}()

	instruction := strings.Join(args, " ")
	out := a.sup.RunStep(ctx, orchestrator.NewTask(0, tools.KindUser, instruction))

	w := cmd.OutOrStdout()
	if out.Answer != "" {
		fmt.Fprintln(w, out.Answer)
	}
	fmt.Fprintf(w, "\n[%s] %d iteration(s), %d tool call(s), cost %s\n",
		out.State, out.Iterations, out.ToolCalls, out.Cost)
	if out.Err != nil {
		return out.Err
	}
	return nil
}
