package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/db"
	"github.com/kimhsiao/csmsync/internal/sync/queue"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print pending records, retry ledger counts and dead letters",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		pending, err := a.store.Count(ctx, db.ListFilter{PendingOnly: true})
		if err != nil {
			return err
		}
		ledger := queue.NewLedger(a.store, a.policy())
		stats, err := ledger.Stats(ctx)
		if err != nil {
			return err
		}
		dead, err := ledger.DeadLetters(ctx)
		if err != nil {
			return err
		}
		conflicts, err := a.store.ListConflictLogs(ctx, 0, 20)
		if err != nil {
			return err
		}

		online := false
		if p, ok := a.probe().(*connectivity.Poller); ok {
			online = p.Check(ctx)
		}

		return printJSON(map[string]interface{}{
			"remote_online":    online,
			"pending_records":  pending,
			"ledger":           stats,
			"dead_letters":     dead,
			"recent_conflicts": conflicts,
		})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
