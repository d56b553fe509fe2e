package cli

import (
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the dosing loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var cycleCmd = &cobra.Command{
	Use:   "cycle",
	Short: "Run a single dosing cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Cycle(cmd.Context(), cmd.OutOrStdout())
	},
}
