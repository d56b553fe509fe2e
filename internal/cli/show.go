package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"loop-dosing/internal/app"
)

var (
	showLimit int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent enactments",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Limit: showLimit,
		}

		return getApp().Show(cmd.Context(), opts, cmd.OutOrStdout())
	},
}

func init() {
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of enactments to display")
}
