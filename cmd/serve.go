// Package cmd defines and implements the CLI commands for the dealscan executable.
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/JakeFAU/dealscan/internal/config"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API until
// the process is signaled.
func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP API",
		Long: `Serves the streaming search API, run history and health endpoints.
SIGINT or SIGTERM cancels the active run and drains the server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), load, func(app App) error {
				return app.Run(cmd.Context())
			})
		},
	}
}
