package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"kleinsniper/internal/app"
)

var (
	showModel  string
	showPruned bool
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "List stored offers",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit < 0 {
			return fmt.Errorf("--limit must not be negative")
		}

		opts := app.ShowOptions{
			Model:  showModel,
			Pruned: showPruned,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print mean, stddev and sample count per model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context())
	},
}

func init() {
	showCmd.Flags().StringVar(&showModel, "model", "", "Only show this model (query or identity)")
	showCmd.Flags().BoolVar(&showPruned, "pruned", false, "Include offers that disappeared from the marketplace")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Newest offers per model to display (0 for all)")
}
