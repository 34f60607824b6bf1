package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"circadia/internal/config"
	"circadia/internal/events"
	"circadia/internal/store"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#2196F3")).Width(22)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFC107"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#2a3850")).
			Padding(0, 1)
)

var phaseColors = map[string]lipgloss.Color{
	"active": lipgloss.Color("#8BC34A"),
	"dawn":   lipgloss.Color("#FFC107"),
	"dusk":   lipgloss.Color("#ff8a65"),
	"rest":   lipgloss.Color("#2196F3"),
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWorkspace(workspace)
	if err != nil {
		return err
	}

	st, err := store.Open(storePath(cfg))
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, ok, err := st.LoadScheduler(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println(warnStyle.Render("No persisted state yet. Run `circadia run` first."))
		return nil
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("circadia cycle state") + "\n\n")

	phaseStyle := lipgloss.NewStyle().Bold(true)
	if c, found := phaseColors[snap.Phase]; found {
		phaseStyle = phaseStyle.Foreground(c)
	}
	row(&b, "Phase", phaseStyle.Render(snap.Phase))
	row(&b, "Cycle position", fmt.Sprintf("%.0f / %.0f ms (%.1f%%)",
		snap.CycleTimeMs, cfg.Cycle.PeriodMs, 100*snap.CycleTimeMs/cfg.Cycle.PeriodMs))
	row(&b, "Cycles completed", fmt.Sprintf("%d", snap.CyclesCompleted))
	row(&b, "Transitions", fmt.Sprintf("%d (%d suppressed)", snap.Transitions, snap.HysteresisSuppressed))
	if cfg.Cycle.EnergyBudget > 0 {
		row(&b, "Energy remaining", fmt.Sprintf("%.1f / %.1f", snap.EnergyRemaining, cfg.Cycle.EnergyBudget))
	}
	row(&b, "Reactions", countSummary(snap.Reactions))
	row(&b, "Rejections", countSummary(snap.Rejections))

	if items, found, err := st.LoadWorkspace(ctx); err == nil && found {
		row(&b, "Attention occupancy", fmt.Sprintf("%d / %d slots", len(items), cfg.Attention.Capacity))
	}
	if saved, found := latestSavings(ctx, st); found {
		row(&b, "Compute saved", fmt.Sprintf("%.1fs of full-duty time", saved/1000))
	}

	recent, err := st.RecentEvents(ctx, 8)
	if err != nil {
		return err
	}
	if len(recent) > 0 {
		b.WriteString("\n" + titleStyle.Render("recent events") + "\n")
		for _, ev := range recent {
			line := fmt.Sprintf("%s  %-18s", ev.Timestamp.Format("15:04:05"), ev.Type)
			switch {
			case ev.AgentID != "":
				line += " " + ev.AgentID
			case ev.FromPhase != "":
				line += fmt.Sprintf(" %s -> %s", ev.FromPhase, ev.ToPhase)
			}
			if ev.Reason != "" {
				line += "  (" + ev.Reason + ")"
			}
			b.WriteString(line + "\n")
		}
	}

	fmt.Println(boxStyle.Render(strings.TrimRight(b.String(), "\n")))
	return nil
}

// latestSavings reads the newest savings-milestone event from the journal.
func latestSavings(ctx context.Context, st *store.Store) (float64, bool) {
	recent, err := st.RecentEvents(ctx, 200)
	if err != nil {
		return 0, false
	}
	for _, ev := range recent {
		if ev.Type == events.TypeSavingsMilestone {
			return ev.Value, true
		}
	}
	return 0, false
}

func row(b *strings.Builder, label, value string) {
	b.WriteString(labelStyle.Render(label) + value + "\n")
}

func countSummary(counts map[string]int64) string {
	if len(counts) == 0 {
		return "none"
	}
	parts := make([]string, 0, len(counts))
	for _, phase := range []string{"active", "dawn", "dusk", "rest"} {
		if n, ok := counts[phase]; ok && n > 0 {
			parts = append(parts, fmt.Sprintf("%s=%d", phase, n))
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "  ")
}
