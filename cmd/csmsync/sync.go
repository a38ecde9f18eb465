package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/sync/scheduler"
)

var syncRetryDead bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass and print its result",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runSyncOnce(ctx, syncRetryDead)
	},
}

func init() {
	syncCmd.Flags().BoolVar(&syncRetryDead, "retry-dead", false, "Revive dead-lettered records before the pass")
	rootCmd.AddCommand(syncCmd)
}

func runSyncOnce(ctx context.Context, retryDead bool) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	probe := a.probe()
	if hp, ok := probe.(*connectivity.Poller); ok {
		hp.Check(ctx)
	}

	engine := a.engine(probe)
	if retryDead {
		n, err := engine.RetryDeadLetters(ctx)
		if err != nil {
			return err
		}
		logging.Info("dead letters queued for retry", map[string]interface{}{"count": n})
	}

	ctx, cancel := context.WithTimeout(ctx, scheduler.DefaultSchedulerConfig().PassTimeout)
	defer cancel()
	result, err := engine.Sync(ctx)
	if result != nil {
		if perr := printJSON(result); perr != nil {
			return perr
		}
	}
	return err
}
