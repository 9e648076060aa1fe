package supervisor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"ouroboros/internal/evolution"
)

// StatusReport is the read-only /status text. It takes no lock that a
// running task can hold, so it never waits on work in progress.
func (s *Supervisor) StatusReport(ctx context.Context) string {
	var b strings.Builder
	ps := s.pool.Stats()
	ledger := s.deps.Ledger.Snapshot()

	accepting := "open"
	if !ps.Accepting {
		accepting = "CLOSED"
	}
	fmt.Fprintf(&b, "Queue: %s, %d/%d queued\n", accepting, ps.Queued, ps.QueueCap)
	fmt.Fprintf(&b, "Workers: %d/%d busy (peak %d, done %d, crashed %d, rejected %d)\n",
		len(ps.Running), ps.Workers, ps.Peak, ps.Completed, ps.Crashed, ps.Rejected)
	for _, t := range ps.Running {
		line := fmt.Sprintf("  #%d %s %s %s %s", t.Worker, t.ID, t.Kind, t.State, t.Elapsed.Round(time.Second))
		if t.Step != "" {
			line += " step=" + t.Step
		}
		b.WriteString(line + "\n")
	}

	s.mu.Lock()
	reviews := make([]string, 0, len(s.reviews))
	for id, at := range s.reviews {
		reviews = append(reviews, fmt.Sprintf("%s (%s)", id, time.Since(at).Round(time.Second)))
	}
	owner := s.owner
	s.mu.Unlock()
	sort.Strings(reviews)
	if len(reviews) > 0 {
		fmt.Fprintf(&b, "Reviews: %s\n", strings.Join(reviews, ", "))
	}

	fmt.Fprintf(&b, "Budget: %s spent, %s reserved of %s %s (remaining %s)",
		ledger.Spent, ledger.Reserved, ledger.Cap, ledger.Currency, ledger.Remaining())
	if ledger.Overrun > 0 {
		fmt.Fprintf(&b, ", overrun %s", ledger.Overrun)
	}
	b.WriteString("\n")

	b.WriteString(formatEvolution(s.evo.Snapshot()) + "\n")

	if s.cfg.BootBranch != "" {
		fmt.Fprintf(&b, "Branch: %s\n", s.cfg.BootBranch)
	}
	if owner == 0 {
		b.WriteString("Owner: not registered\n")
	}
	if s.restarting.Load() {
		b.WriteString("Restart in progress\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusLine is a one-line summary for the model's runtime context.
func (s *Supervisor) StatusLine() string {
	ps := s.pool.Stats()
	l := s.deps.Ledger.Snapshot()
	evo := s.evo.Snapshot()
	return fmt.Sprintf("workers %d/%d busy, %d queued; budget remaining %s of %s; evolution %s at cycle %d step %s",
		len(ps.Running), ps.Workers, ps.Queued, l.Remaining(), l.Cap, onOff(evo.Enabled), evo.Cycle, evo.Step)
}

func formatEvolution(st evolution.State) string {
	s := fmt.Sprintf("Evolution: %s, cycle %d, step %s (passed %d, failed %d)",
		onOff(st.Enabled), st.Cycle, st.Step, st.Passed, st.Failed)
	if st.Gate != nil {
		s += fmt.Sprintf(", promotable %s from cycle %d", short(st.Gate.SHA), st.Gate.Cycle)
	}
	if st.LastError != "" {
		s += ", last error: " + st.LastError
	}
	return s
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
