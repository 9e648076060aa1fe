package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"ouroboros/internal/chat"
	"ouroboros/internal/state"
)

var reviewCmd = &cobra.Command{
	Use:   "review [reason]",
	Short: "Run a strategic review of the repository and drive",
	Long: `Runs the multi-model review offline and prints the report. The cost is
charged to the shared budget.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg, appOptions{channel: chat.NewMemoryChannel(1)})
		if err != nil {
			return err
		}
		defer a.Close()

		report, runErr := a.reviewer.Run(cmd.Context(), strings.Join(args, " "))
		spent := int64(a.ledger.Snapshot().Spent)
		if _, err := a.state.Update(func(s *state.State) { s.SpentMicros = spent }); err != nil {
			return fmt.Errorf("persist spend: %w", err)
		}
		if runErr != nil {
			return runErr
		}
		fmt.Fprintln(cmd.OutOrStdout(), report.Text)
		return nil
	},
}
