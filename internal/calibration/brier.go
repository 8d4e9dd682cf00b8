// Package calibration audits the engine against its own predictions: Brier
// score with the Murphy decomposition, reliability-diagram bins, and a
// Monte Carlo posterior predictive check. A predicted 30% should come true
// about 30% of the time; this package is where that claim is tested.
package calibration

import (
	"fmt"
	"math"

	"github.com/signalworks/cascade/internal/api"
)

// minScored is the floor below which calibration answers are refused.
const minScored = 5

// ScoredPrediction pairs a frozen predicted probability with the realized
// binary outcome.
type ScoredPrediction struct {
	Predicted float64 `json:"predicted"`
	Actual    bool    `json:"actual"`
}

// BrierResult is the scored Brier decomposition. The identity
// Brier = Reliability - Resolution + Uncertainty holds exactly because the
// decomposition groups by distinct predicted value.
type BrierResult struct {
	Score          float64 `json:"score"`
	Reliability    float64 `json:"reliability"`
	Resolution     float64 `json:"resolution"`
	Uncertainty    float64 `json:"uncertainty"`
	BaseRate       float64 `json:"base_rate"`
	N              int     `json:"n"`
	Interpretation string  `json:"interpretation"`
}

// BrierScore computes the mean squared error between predictions and 0/1
// outcomes, decomposed into reliability, resolution, and uncertainty.
func BrierScore(predictions []ScoredPrediction) BrierResult {
	n := len(predictions)
	if n == 0 {
		return BrierResult{Interpretation: "NO_DATA"}
	}

	var sum, positives float64
	groups := make(map[float64]*struct {
		count int
		hits  int
	})

	for _, p := range predictions {
		outcome := 0.0
		if p.Actual {
			outcome = 1.0
			positives++
		}
		diff := p.Predicted - outcome
		sum += diff * diff

		g, ok := groups[p.Predicted]
		if !ok {
			g = &struct {
				count int
				hits  int
			}{}
			groups[p.Predicted] = g
		}
		g.count++
		if p.Actual {
			g.hits++
		}
	}

	baseRate := positives / float64(n)

	var reliability, resolution float64
	for predicted, g := range groups {
		observed := float64(g.hits) / float64(g.count)
		w := float64(g.count) / float64(n)
		reliability += w * (predicted - observed) * (predicted - observed)
		resolution += w * (observed - baseRate) * (observed - baseRate)
	}

	score := sum / float64(n)
	return BrierResult{
		Score:          score,
		Reliability:    reliability,
		Resolution:     resolution,
		Uncertainty:    baseRate * (1 - baseRate),
		BaseRate:       baseRate,
		N:              n,
		Interpretation: interpretBrier(score),
	}
}

func interpretBrier(score float64) string {
	switch {
	case score <= 0.10:
		return "EXCELLENT"
	case score <= 0.20:
		return "GOOD"
	case score <= 0.25:
		return "FAIR"
	default:
		return "POOR"
	}
}

// Bin is one reliability-diagram cell: predictions falling in
// [Lower, Upper), with the last bin closed on the right.
type Bin struct {
	Lower         float64 `json:"lower"`
	Upper         float64 `json:"upper"`
	MeanPredicted float64 `json:"mean_predicted"`
	ObservedRate  float64 `json:"observed_rate"`
	Count         int     `json:"count"`
	Deviation     float64 `json:"deviation"`
	Calibrated    bool    `json:"calibrated"`
}

// BinReport carries the reliability diagram, or an insufficient-data marker
// when fewer than 5 scored predictions exist.
type BinReport struct {
	Bins         []Bin                 `json:"bins,omitempty"`
	WorstBin     int                   `json:"worst_bin"`
	Insufficient *api.InsufficientData `json:"insufficient,omitempty"`
}

// CalibrationBins buckets scored predictions into nBins equal-width
// probability bins. A bin is flagged calibrated when it holds at least 3
// predictions and its observed rate deviates from its mean prediction by
// less than 0.15.
func CalibrationBins(predictions []ScoredPrediction, nBins int) BinReport {
	if len(predictions) < minScored {
		return BinReport{Insufficient: api.NewInsufficientData(len(predictions), minScored)}
	}
	if nBins <= 0 {
		nBins = 5
	}

	bins := make([]Bin, nBins)
	sums := make([]float64, nBins)
	hits := make([]int, nBins)

	for i := range bins {
		bins[i].Lower = float64(i) / float64(nBins)
		bins[i].Upper = float64(i+1) / float64(nBins)
	}

	for _, p := range predictions {
		idx := int(p.Predicted * float64(nBins))
		if idx >= nBins {
			idx = nBins - 1 // last bin closed on the right
		}
		if idx < 0 {
			idx = 0
		}
		bins[idx].Count++
		sums[idx] += p.Predicted
		if p.Actual {
			hits[idx]++
		}
	}

	worst := 0
	worstDev := -1.0
	for i := range bins {
		if bins[i].Count == 0 {
			continue
		}
		bins[i].MeanPredicted = sums[i] / float64(bins[i].Count)
		bins[i].ObservedRate = float64(hits[i]) / float64(bins[i].Count)
		bins[i].Deviation = math.Abs(bins[i].MeanPredicted - bins[i].ObservedRate)
		bins[i].Calibrated = bins[i].Count >= 3 && bins[i].Deviation < 0.15

		if bins[i].Deviation > worstDev {
			worstDev = bins[i].Deviation
			worst = i
		}
	}

	return BinReport{Bins: bins, WorstBin: worst}
}

// ScoredFromObservations extracts scored predictions from finalized
// observations that carry a frozen predicted probability, oldest first.
func ScoredFromObservations(observations []api.Observation) []ScoredPrediction {
	var out []ScoredPrediction
	for _, obs := range observations {
		if obs.PredictedProbability == nil || obs.Outcome.Kind != api.OutcomeBool {
			continue
		}
		out = append(out, ScoredPrediction{
			Predicted: *obs.PredictedProbability,
			Actual:    obs.Outcome.Bool,
		})
	}
	return out
}

// Summary renders a short operator-facing view of a bin report.
func (r BinReport) Summary() string {
	if r.Insufficient != nil {
		return fmt.Sprintf("%s: %d scored predictions, need %d",
			r.Insufficient.Status, r.Insufficient.N, r.Insufficient.MinimumNeeded)
	}
	calibrated := 0
	populated := 0
	for _, b := range r.Bins {
		if b.Count > 0 {
			populated++
			if b.Calibrated {
				calibrated++
			}
		}
	}
	return fmt.Sprintf("%d/%d populated bins calibrated", calibrated, populated)
}
