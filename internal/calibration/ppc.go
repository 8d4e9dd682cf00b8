package calibration

import (
	"fmt"

	"github.com/signalworks/cascade/internal/conjugate"
	"github.com/signalworks/cascade/internal/numeric"
)

// PPCResult is the outcome of a posterior predictive check on cascade
// counts. The model is considered calibrated when the Bayesian p-value
// lands strictly inside (0.05, 0.95).
type PPCResult struct {
	PValue     float64 `json:"p_value"`
	Calibrated bool    `json:"calibrated"`
	ObservedK  int     `json:"observed_k"`
	ObservedN  int     `json:"observed_n"`
	SimMean    float64 `json:"sim_mean"`
	NSim       int     `json:"n_sim"`
	Diagnosis  string  `json:"diagnosis"`
}

// CascadeCheck simulates nSim replicated datasets from the posterior: each
// draw takes theta ~ posterior then k_sim ~ Binomial(observedN, theta). The
// Bayesian p-value is P(k_sim >= observedK).
func CascadeCheck(posterior conjugate.Beta, observedK, observedN, nSim int, rs numeric.Source) PPCResult {
	if nSim <= 0 {
		nSim = 2000
	}

	atLeast := 0
	var total float64
	for i := 0; i < nSim; i++ {
		theta := posterior.Sample(rs)

		k := 0
		for j := 0; j < observedN; j++ {
			if rs.Float64() < theta {
				k++
			}
		}
		total += float64(k)
		if k >= observedK {
			atLeast++
		}
	}

	p := float64(atLeast) / float64(nSim)
	res := PPCResult{
		PValue:     p,
		Calibrated: p > 0.05 && p < 0.95,
		ObservedK:  observedK,
		ObservedN:  observedN,
		SimMean:    total / float64(nSim),
		NSim:       nSim,
	}
	res.Diagnosis = diagnose(res)
	return res
}

func diagnose(r PPCResult) string {
	switch {
	case r.PValue <= 0.05:
		return fmt.Sprintf("model under-predicts cascades: observed %d of %d exceeds nearly all simulations (p=%.3f)",
			r.ObservedK, r.ObservedN, r.PValue)
	case r.PValue >= 0.95:
		return fmt.Sprintf("model over-predicts cascades: observed %d of %d falls below nearly all simulations (p=%.3f)",
			r.ObservedK, r.ObservedN, r.PValue)
	default:
		return fmt.Sprintf("observed %d of %d is consistent with the posterior (p=%.3f)",
			r.ObservedK, r.ObservedN, r.PValue)
	}
}
