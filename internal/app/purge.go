package app

import (
	"context"
	"fmt"
	"io"
	"time"
)

// Purge deletes audit rows older than before.
func (a *App) Purge(ctx context.Context, before time.Time, w io.Writer) error {
	audit, err := a.openAudit(ctx)
	if err != nil {
		return err
	}
	defer audit.close()

	n, err := audit.journal.PurgeBefore(ctx, before.UTC())
	if err != nil {
		return err
	}
	a.Logger.Info().Int64("rows", n).Time("before", before).Msg("audit purged")
	fmt.Fprintf(w, "purged %d rows older than %s\n", n, before.UTC().Format(time.RFC3339))
	return nil
}
