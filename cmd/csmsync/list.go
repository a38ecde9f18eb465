package main

import (
	"github.com/spf13/cobra"

	"github.com/kimhsiao/csmsync/internal/connectivity"
	"github.com/kimhsiao/csmsync/internal/reconciler"
)

var (
	listCategory string
	listSearch   string
	listOffline  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the customers visible to the session user as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var probe connectivity.Probe = connectivity.NewManual(false)
		if !listOffline {
			probe = a.probe()
			if hp, ok := probe.(*connectivity.Poller); ok {
				hp.Check(ctx)
			}
		}

		recs, err := a.reconciler(probe).List(ctx, reconciler.ListOptions{
			Category: listCategory,
			Search:   listSearch,
		})
		if err != nil {
			return err
		}
		return printJSON(recs)
	},
}

func init() {
	listCmd.Flags().StringVar(&listCategory, "category", "", "Only this category")
	listCmd.Flags().StringVar(&listSearch, "search", "", "Case-insensitive substring over name fields")
	listCmd.Flags().BoolVar(&listOffline, "offline", false, "Read the local store only")
	rootCmd.AddCommand(listCmd)
}
