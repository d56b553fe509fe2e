package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	purgeBefore    string
	purgeOlderThan time.Duration
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete audit rows older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		var before time.Time
		switch {
		case purgeBefore != "" && purgeOlderThan > 0:
			return errors.New("use either --before or --older-than")
		case purgeBefore != "":
			t, err := time.Parse(time.RFC3339, purgeBefore)
			if err != nil {
				return fmt.Errorf("invalid --before value: %w", err)
			}
			before = t
		case purgeOlderThan > 0:
			before = time.Now().Add(-purgeOlderThan)
		default:
			before = time.Now().Add(-getApp().Config.Retention.Keep)
		}
		return getApp().Purge(cmd.Context(), before, cmd.OutOrStdout())
	},
}

func init() {
	purgeCmd.Flags().StringVar(&purgeBefore, "before", "", "Cutoff timestamp (RFC3339, exclusive)")
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 0, "Cutoff relative to now (defaults to retention.keep)")
}
