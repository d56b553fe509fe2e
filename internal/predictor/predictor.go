// Package predictor talks to the glucose prediction collaborator that
// supplies prediction discrepancies and dosing recommendations.
package predictor

import (
	"context"
	"time"

	"loop-dosing/internal/dosing"
	"loop-dosing/internal/glucose"
	"loop-dosing/internal/retrospective"
)

// Input is what the prediction model needs to recommend a dose.
type Input struct {
	At               time.Time
	DeviceID         string
	Current          glucose.Sample
	Glucose          []glucose.Sample
	CorrectionEffect []retrospective.Effect
	TotalEffect      retrospective.TotalEffect
	TargetLower      float64
	TargetUpper      float64
}

// Predictor is the prediction collaborator.
type Predictor interface {
	// Discrepancies returns observed minus predicted glucose intervals whose
	// end is at or after since, ordered by end.
	Discrepancies(ctx context.Context, since time.Time) ([]retrospective.Discrepancy, error)
	// Recommend returns a dosing recommendation for in.
	Recommend(ctx context.Context, in Input) (dosing.Recommendation, error)
}

// Static returns fixed values. It backs `loopd simulate`.
type Static struct {
	Recommendation dosing.Recommendation
	Discrepancy    []retrospective.Discrepancy
}

// Discrepancies implements Predictor.
func (s *Static) Discrepancies(ctx context.Context, since time.Time) ([]retrospective.Discrepancy, error) {
	out := make([]retrospective.Discrepancy, 0, len(s.Discrepancy))
	for _, d := range s.Discrepancy {
		if !d.End.Before(since) {
			out = append(out, d)
		}
	}
	return retrospective.SortByEnd(out), nil
}

// Recommend implements Predictor.
func (s *Static) Recommend(ctx context.Context, in Input) (dosing.Recommendation, error) {
	return s.Recommendation, nil
}

var _ Predictor = (*Static)(nil)
