package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"ouroboros/internal/budget"
	"ouroboros/internal/config"
	"ouroboros/internal/usage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted state, budget and usage",
	Long:  `Reads the state file and usage log without starting the agent.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printStatus(cmd.OutOrStdout(), cfg)
	},
}

func printStatus(w io.Writer, c *config.Config) error {
	st, err := stateStore(c).Load()
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	ledger := budget.NewLedger(budget.FromUnits(c.TotalBudget),
		budget.WithCurrency(c.Currency),
		budget.WithSpent(budget.Micros(st.SpentMicros)))
	snap := ledger.Snapshot()

	fmt.Fprintf(w, "Name:        %s\n", c.Name)
	fmt.Fprintf(w, "Data dir:    %s\n", c.DataDir)
	owner := "none"
	if st.HasOwner() {
		owner = fmt.Sprint(st.OwnerChatID)
	}
	fmt.Fprintf(w, "Owner:       %s\n", owner)
	fmt.Fprintf(w, "Running:     %v\n", st.Running)
	if st.BootBranch != "" {
		fmt.Fprintf(w, "Boot branch: %s (booted %s)\n", st.BootBranch, st.BootedAt.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "Crashes:     %d\n", st.Crashes)
	if st.LastCommitSHA != "" {
		fmt.Fprintf(w, "Last commit: %s\n", st.LastCommitSHA)
	}
	if st.StableSHA != "" {
		fmt.Fprintf(w, "Stable:      %s\n", st.StableSHA)
	}
	if st.PendingRestart != nil {
		fmt.Fprintf(w, "Pending restart to %s\n", st.PendingRestart.Branch)
	}
	fmt.Fprintf(w, "Budget:      %s of %s %s spent, %s left\n",
		snap.Spent, snap.Cap, snap.Currency, snap.Remaining())

	tracker, err := usage.NewTracker(c.DataDir)
	if err != nil {
		return err
	}
	defer tracker.Close()
	stats := tracker.Stats()
	if stats.Calls == 0 {
		fmt.Fprintln(w, "Usage:       no model calls recorded")
		return nil
	}
	fmt.Fprintf(w, "Usage:       %d call(s), %d in / %d out tokens\n",
		stats.Calls, stats.Total.Input, stats.Total.Output)
	models := make([]string, 0, len(stats.ByModel))
	for m := range stats.ByModel {
		models = append(models, m)
	}
	sort.Strings(models)
	for _, m := range models {
		tc := stats.ByModel[m]
		fmt.Fprintf(w, "  %-40s %10d tokens  %s\n", m, tc.Total, budget.Micros(tc.CostMicros))
	}
	return nil
}
