package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/errors"
	"github.com/kimhsiao/csmsync/internal/logging"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the local schema and, when configured, the primary schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()
		logging.Info("local store migrated", map[string]interface{}{"path": a.database.Path()})

		if !cfg.PrimaryEnabled() {
			return nil
		}
		if a.primary == nil {
			return errors.New(errors.ErrRemoteUnavailable, "primary remote is configured but unreachable")
		}
		if err := a.primary.AutoMigrate(ctx); err != nil {
			return errors.Wrap(errors.ErrMigration, "migrate primary", err)
		}
		logging.Info("primary schema migrated", nil)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
