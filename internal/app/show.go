package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"loop-dosing/internal/dosing"
)

// Show prints recent enactments.
func (a *App) Show(ctx context.Context, opts ShowOptions, w io.Writer) error {
	audit, err := a.openAudit(ctx)
	if err != nil {
		return err
	}
	defer audit.close()

	records, err := audit.journal.RecentEnactments(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no enactments found")
		return nil
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Completed (UTC)\tGlucose\tFactor\tBasal U/h\tBasal\tBolus U\tBolus\tError")

	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.CompletedAt.UTC().Format(time.RFC3339),
			formatFloat(rec.Glucose, 0),
			formatFloat(rec.Factor, 3),
			optionalFloat(rec.BasalRate, 2),
			rec.BasalStatus,
			optionalFloat(rec.BolusUnits, 2),
			rec.BolusStatus,
			sanitizeInline(joinErrors(rec)),
		)
	}

	return writer.Flush()
}

func optionalFloat(v *float64, places int32) string {
	if v == nil {
		return "-"
	}
	return formatFloat(*v, places)
}

func joinErrors(rec dosing.Record) string {
	var parts []string
	if rec.BasalError != "" {
		parts = append(parts, "basal: "+rec.BasalError)
	}
	if rec.BolusError != "" {
		parts = append(parts, "bolus: "+rec.BolusError)
	}
	return strings.Join(parts, "; ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
