package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/metrics"
	"github.com/kimhsiao/csmsync/internal/sync/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync scheduler until interrupted",
	Long: `Run the sync scheduler as a daemon.

A pass runs every CSM_SYNC_INTERVAL and whenever the connectivity probe sees the
remote come back. When CSM_METRICS_ADDR is set, Prometheus metrics are served on
/metrics at that address.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return runDaemon(ctx)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(ctx context.Context) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.requireUser(); err != nil {
		return err
	}

	probe := a.probe()
	if hp, ok := probe.(*connectivity.Poller); ok {
		hp.Start(ctx)
		defer hp.Stop()
	}

	engine := a.engine(probe)
	s := scheduler.NewScheduler(engine, probe, engine.Ledger(), &scheduler.SchedulerConfig{
		SyncInterval: cfg.SyncInterval,
	})

	var metricsSrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logging.Info("metrics endpoint listening", map[string]interface{}{"addr": cfg.MetricsAddr})
			if err := metricsSrv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				logging.Error("metrics endpoint failed", err)
			}
		}()
	}

	s.Start(ctx)
	if probe.IsOnline() {
		s.TriggerSync(ctx)
	}

	<-ctx.Done()
	logging.Info("shutdown requested", nil)
	s.Stop()

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Warn("metrics shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return nil
}
