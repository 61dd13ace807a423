package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the monitoring service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every model once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Poll(cmd.Context())
	},
}
