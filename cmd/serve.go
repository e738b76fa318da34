package cmd

import (
	"github.com/spf13/cobra"
)

// newServeCmd runs the HTTP API, the optional scheduler and on-demand cycles.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the scanner HTTP service",
		Long: `Starts the HTTP API (status, results, keyword and target updates, cycle
history) and, when scan.schedule is set, a cron scheduler that starts a cycle
on every tick. Shuts down cleanly on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
