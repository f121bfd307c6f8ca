package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/joescharf/zenova/internal/output"
	"github.com/joescharf/zenova/internal/queue"
	"github.com/joescharf/zenova/internal/session"
)

var statusAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active sessions and queue depth",
	Long: `Show a dashboard of agent sessions and the task queue.

By default only active sessions are listed. Use --all to include
recent sessions for every issue seen in the active set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun(cmd.Context())
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "Include recent terminal sessions per issue")
	rootCmd.AddCommand(statusCmd)
}

func statusRun(ctx context.Context) error {
	d, err := getDB()
	if err != nil {
		return err
	}
	defer d.Close()

	sessions := session.NewSQLiteStore(d)
	taskQueue := queue.New(d)

	active, err := sessions.Active(ctx)
	if err != nil {
		return err
	}
	depth, err := taskQueue.Depth(ctx)
	if err != nil {
		return err
	}

	ui.Info("Queue depth: %d", depth)
	if len(active) == 0 && !statusAll {
		ui.Info("No active sessions.")
		return nil
	}

	rows := active
	if statusAll {
		seen := map[string]bool{}
		rows = rows[:0:0]
		for _, s := range active {
			if seen[s.IssueID] {
				continue
			}
			seen[s.IssueID] = true
			history, err := sessions.ByIssue(ctx, s.IssueID)
			if err != nil {
				return err
			}
			rows = append(rows, history...)
		}
		if len(rows) == 0 {
			ui.Info("No sessions recorded.")
			return nil
		}
	}

	table := ui.Table([]string{"SESSION", "ISSUE", "STATE", "MODE", "TRIGGERED BY", "AGE"})
	for _, s := range rows {
		table.Append([]string{
			s.ID,
			s.IssueID,
			output.StateColor(string(s.State)),
			string(s.Mode),
			s.TriggeredBy,
			formatAge(time.Since(s.CreatedAt)),
		})
	}
	return table.Render()
}

func formatAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
