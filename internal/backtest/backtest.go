// Package backtest implements expanding-window walk-forward validation of
// the cascade posterior against a naive frequency baseline.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
)

const (
	minFolds        = 3
	minObservations = 10
)

// Fold is one period of the walk-forward run. Training always restarts from
// the declared prior, never from a mutated running posterior.
type Fold struct {
	PeriodStart   int64   `json:"period_start"` // epoch ms
	PeriodEnd     int64   `json:"period_end"`
	TrainN        int     `json:"train_n"`
	TrainK        int     `json:"train_k"`
	TestN         int     `json:"test_n"`
	TestK         int     `json:"test_k"`
	PredictedProb float64 `json:"predicted_prob"`
	BrierBayesian float64 `json:"brier_bayesian"`
	BrierBaseline float64 `json:"brier_baseline"`
	Lift          float64 `json:"lift"`
}

// Report aggregates all folds. Lift is 1 - meanBayesianBrier/meanBaselineBrier;
// the weighted variant weights each fold by its test sample count.
type Report struct {
	PatternID        string  `json:"pattern_id"`
	Folds            []Fold  `json:"folds"`
	TotalTestN       int     `json:"total_test_n"`
	MeanBrierBayes   float64 `json:"mean_brier_bayesian"`
	MeanBrierBase    float64 `json:"mean_brier_baseline"`
	SimpleLift       float64 `json:"simple_lift"`
	WeightedLift     float64 `json:"weighted_lift"`
	BayesianPreferred bool   `json:"bayesian_preferred"`
}

// Run walks folds of width step starting at splitAt (epoch ms) over the
// pattern's finalized cascade-window observations. Each fold trains a fresh
// posterior from prior on everything strictly before the fold start, freezes
// its mean, and scores it against the fold's realized outcomes. Aborts
// between folds when ctx is cancelled; no partial state is persisted.
func Run(ctx context.Context, observations []api.Observation, prior conjugate.Beta, patternID string, splitAt int64, step time.Duration) (*Report, error) {
	if step <= 0 {
		return nil, fmt.Errorf("walk-forward step must be positive, got %v", step)
	}

	obs := filterCascadeWindows(observations, patternID)
	if len(obs) < minObservations {
		return nil, fmt.Errorf("walk-forward needs at least %d observations, have %d", minObservations, len(obs))
	}
	sort.SliceStable(obs, func(i, j int) bool { return obs[i].Timestamp < obs[j].Timestamp })

	stepMs := step.Milliseconds()
	last := obs[len(obs)-1].Timestamp

	report := &Report{PatternID: patternID}
	var sumBayes, sumBase, wSumBayes, wSumBase float64

	for start := splitAt; start <= last; start += stepMs {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("walk-forward aborted: %w", err)
		}
		end := start + stepMs

		trainN, trainK := countUpTo(obs, start)
		testN, testK := countInPeriod(obs, start, end)
		if testN == 0 {
			continue
		}
		if trainN == 0 {
			// No history yet: the frequency baseline is undefined, so the
			// comparison would be vacuous. Skip the period.
			continue
		}

		posterior := prior.UpdateCounts(trainK, trainN)
		predicted := posterior.Mean()
		baseline := float64(trainK) / float64(trainN)

		fold := Fold{
			PeriodStart:   start,
			PeriodEnd:     end,
			TrainN:        trainN,
			TrainK:        trainK,
			TestN:         testN,
			TestK:         testK,
			PredictedProb: predicted,
			BrierBayesian: brierAgainstCounts(predicted, testK, testN),
			BrierBaseline: brierAgainstCounts(baseline, testK, testN),
		}
		if fold.BrierBaseline > 0 {
			fold.Lift = 1 - fold.BrierBayesian/fold.BrierBaseline
		}

		report.Folds = append(report.Folds, fold)
		report.TotalTestN += testN
		sumBayes += fold.BrierBayesian
		sumBase += fold.BrierBaseline
		wSumBayes += fold.BrierBayesian * float64(testN)
		wSumBase += fold.BrierBaseline * float64(testN)
	}

	if len(report.Folds) < minFolds {
		return nil, fmt.Errorf("walk-forward needs at least %d scorable folds, produced %d", minFolds, len(report.Folds))
	}

	n := float64(len(report.Folds))
	report.MeanBrierBayes = sumBayes / n
	report.MeanBrierBase = sumBase / n
	if report.MeanBrierBase > 0 {
		report.SimpleLift = 1 - report.MeanBrierBayes/report.MeanBrierBase
	}
	if wSumBase > 0 {
		report.WeightedLift = 1 - wSumBayes/wSumBase
	}
	report.BayesianPreferred = report.MeanBrierBayes < report.MeanBrierBase
	return report, nil
}

// brierAgainstCounts scores one fixed prediction against k positives out of
// n binary outcomes: mean of (p-1)^2 over positives and p^2 over negatives.
func brierAgainstCounts(p float64, k, n int) float64 {
	pos := float64(k) * (p - 1) * (p - 1)
	neg := float64(n-k) * p * p
	return (pos + neg) / float64(n)
}

func filterCascadeWindows(observations []api.Observation, patternID string) []api.Observation {
	var out []api.Observation
	for _, o := range observations {
		if o.Type != api.ObsCascadeWindow {
			continue
		}
		if patternID != "" && o.PatternID != patternID {
			continue
		}
		out = append(out, o)
	}
	return out
}

func countUpTo(obs []api.Observation, cutoff int64) (n, k int) {
	for _, o := range obs {
		if o.Timestamp >= cutoff {
			break
		}
		n++
		if o.Outcome.Bool {
			k++
		}
	}
	return n, k
}

func countInPeriod(obs []api.Observation, start, end int64) (n, k int) {
	for _, o := range obs {
		if o.Timestamp < start {
			continue
		}
		if o.Timestamp >= end {
			break
		}
		n++
		if o.Outcome.Bool {
			k++
		}
	}
	return n, k
}
