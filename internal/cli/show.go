package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"wow-token-tracker/internal/app"
)

var (
	showRegion string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent token price samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if showRegion == "" {
			return fmt.Errorf("--region is required")
		}

		opts := app.ShowOptions{
			Region: showRegion,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRegion, "region", "", "Region to display (eu, us, kr, tw)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
