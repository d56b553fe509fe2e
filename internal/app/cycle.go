package app

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"loop-dosing/internal/service"
)

// Cycle runs one dosing cycle now against the configured collaborators.
func (a *App) Cycle(ctx context.Context, w io.Writer) error {
	rt, err := a.buildRuntime(ctx, nil)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.svc.RunCycle(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	printCycle(w, res)
	return nil
}

func printCycle(w io.Writer, res service.CycleResult) {
	fmt.Fprintf(w, "cycle at %s\n", res.At.UTC().Format(time.RFC3339))
	if res.Skipped != "" && res.Glucose.Time.IsZero() {
		fmt.Fprintf(w, "skipped: %s\n", res.Skipped)
		return
	}
	fmt.Fprintf(w, "glucose: %s mg/dL at %s\n", formatFloat(res.Glucose.Value, 0), res.Glucose.Time.UTC().Format(time.RFC3339))
	if v, ok := res.TotalEffect.Value(); ok {
		fmt.Fprintf(w, "retrospective effect: %s mg/dL\n", formatFloat(v, 1))
	} else {
		fmt.Fprintln(w, "retrospective effect: none")
	}
	fmt.Fprintf(w, "factor: %s\n", formatFloat(res.Factor, 3))
	if tb := res.Recommendation.TempBasal; tb != nil {
		fmt.Fprintf(w, "temp basal: %s U/h for %s\n", formatFloat(tb.UnitsPerHour, 2), tb.Duration)
	}
	if b := res.Recommendation.BolusUnits; b != nil {
		fmt.Fprintf(w, "bolus: %s U\n", formatFloat(*b, 2))
	}
	if res.Skipped != "" {
		fmt.Fprintf(w, "skipped: %s\n", res.Skipped)
		return
	}
	if rec := res.Record; rec != nil {
		fmt.Fprintf(w, "enactment %s: basal=%s bolus=%s\n", rec.ID, rec.BasalStatus, rec.BolusStatus)
		if rec.BasalError != "" {
			fmt.Fprintf(w, "  basal error: %s\n", rec.BasalError)
		}
		if rec.BolusError != "" {
			fmt.Fprintf(w, "  bolus error: %s\n", rec.BolusError)
		}
	}
}

func formatFloat(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
