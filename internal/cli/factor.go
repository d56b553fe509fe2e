package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	factorGlucose float64
	factorLower   float64
)

var factorCmd = &cobra.Command{
	Use:   "factor",
	Short: "Print the partial application factor for a glucose value",
	RunE: func(cmd *cobra.Command, args []string) error {
		if factorGlucose <= 0 {
			return errors.New("--glucose must be greater than zero")
		}
		return getApp().Factor(factorGlucose, factorLower, cmd.OutOrStdout())
	},
}

func init() {
	factorCmd.Flags().Float64Var(&factorGlucose, "glucose", 0, "Current glucose (mg/dL)")
	factorCmd.Flags().Float64Var(&factorLower, "lower", 0, "Target lower bound (mg/dL, defaults to the schedule)")
}
