package main

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/legacyapi"
	"github.com/kimhsiao/csmsync/internal/logging"
	"github.com/kimhsiao/csmsync/internal/remote/memory"
	"github.com/kimhsiao/csmsync/internal/remote/postgres"
)

var apiInMemory bool

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Serve the legacy customer API",
	Long: `Serve the legacy HTTP customer API on CSM_SERVER_ADDR.

Records are kept in the Postgres database at CSM_PRIMARY_DSN. With --memory they
are kept in process memory instead, which is meant for development.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		return serveAPI(ctx, apiInMemory)
	},
}

func init() {
	apiCmd.Flags().BoolVar(&apiInMemory, "memory", false, "Keep records in memory instead of Postgres")
	rootCmd.AddCommand(apiCmd)
}

func serveAPI(ctx context.Context, inMemory bool) error {
	if cfg.JWTSecret == "" {
		return errors.New(errors.ErrConfig, "CSM_JWT_SECRET is required to verify tokens")
	}

	var store legacyapi.Store
	if inMemory {
		store = memory.New("legacy-dev")
	} else {
		if !cfg.PrimaryEnabled() {
			return errors.New(errors.ErrConfig, "CSM_PRIMARY_DSN is required unless --memory is set")
		}
		pg, err := postgres.Open(cfg.PrimaryDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.AutoMigrate(ctx); err != nil {
			return err
		}
		store = pg
	}

	srv := legacyapi.New(store, []byte(cfg.JWTSecret))
	if inMemory {
		logging.Warn("records are kept in memory and lost on exit", nil)
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ServerAddr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
