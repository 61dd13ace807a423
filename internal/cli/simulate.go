package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"kleinsniper/internal/app"
)

var (
	simulateModel string
	simulatePrice int64
	simulateMean  float64
	simulateTitle string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Run a synthetic offer through detection and send the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateModel == "" {
			return errors.New("--model is required")
		}
		if simulatePrice <= 0 {
			return errors.New("--price must be greater than 0")
		}
		if simulateMean < 0 {
			return errors.New("--mean must not be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Model: simulateModel,
			Price: simulatePrice,
			Mean:  simulateMean,
			Title: simulateTitle,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateModel, "model", "", "Model query or identity")
	simulateCmd.Flags().Int64Var(&simulatePrice, "price", 0, "Offer price in euros")
	simulateCmd.Flags().Float64Var(&simulateMean, "mean", 0, "Baseline mean; defaults to the stored model statistics")
	simulateCmd.Flags().StringVar(&simulateTitle, "title", "", "Offer title")
}
