package app

import (
	"fmt"
	"io"
	"time"

	"loop-dosing/internal/scaling"
)

// Factor prints the partial application factor for glucose. A zero lower
// bound uses the target schedule entry in force now.
func (a *App) Factor(glucoseMgdl, lower float64, w io.Writer) error {
	if lower <= 0 {
		loc, err := a.Config.Location()
		if err != nil {
			return err
		}
		lower = a.Config.Targets.At(time.Now().In(loc)).Lower
	}
	scaler, err := scaling.NewScaler(a.Config.Scaling.Params(), lower)
	if err != nil {
		return err
	}
	factor := scaler.Factor(glucoseMgdl, lower)
	fmt.Fprintf(w, "glucose=%s lower=%s factor=%s\n", formatFloat(glucoseMgdl, 0), formatFloat(lower, 0), formatFloat(factor, 3))
	return nil
}
