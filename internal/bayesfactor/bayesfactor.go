// Package bayesfactor compares competing rate hypotheses by marginal
// likelihood: a shared-rate null (M0) against an alternative (M1), reported
// on the Jeffreys evidence scale.
package bayesfactor

import (
	"math"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
)

// minGroupSize is the per-group floor for the intervention test.
const minGroupSize = 3

// Result is a model-comparison outcome. When Insufficient is set the
// remaining fields are zero.
type Result struct {
	LogBF          float64 `json:"log_bf"`
	BF10           float64 `json:"bf_10"`
	Interpretation string  `json:"interpretation"`

	Insufficient *api.InsufficientData `json:"insufficient,omitempty"`
}

// InterventionResult extends Result with the group splits that produced it.
type InterventionResult struct {
	Result

	InterventionType string `json:"intervention_type"`
	WithK            int    `json:"with_k"`
	WithN            int    `json:"with_n"`
	WithoutK         int    `json:"without_k"`
	WithoutN         int    `json:"without_n"`
}

// Compute compares the alternative against the null on k successes in n
// trials: log_bf = logML(alt) - logML(null).
func Compute(k, n int, priorNull, priorAlt conjugate.Beta) Result {
	logBF := priorAlt.LogMarginalLikelihood(k, n) - priorNull.LogMarginalLikelihood(k, n)
	bf10 := math.Exp(logBF)
	return Result{
		LogBF:          logBF,
		BF10:           bf10,
		Interpretation: Interpret(bf10),
	}
}

// Interpret maps a Bayes factor onto the Jeffreys evidence bands.
func Interpret(bf10 float64) string {
	switch {
	case bf10 >= 100:
		return "DECISIVE for M1"
	case bf10 >= 30:
		return "VERY_STRONG for M1"
	case bf10 >= 10:
		return "STRONG for M1"
	case bf10 >= 3:
		return "SUBSTANTIAL for M1"
	case bf10 > 1:
		return "WEAK for M1"
	case bf10 > 1.0/3:
		return "INCONCLUSIVE"
	case bf10 > 1.0/10:
		return "SUBSTANTIAL for M0"
	case bf10 > 1.0/30:
		return "VERY_STRONG for M0"
	case bf10 > 1.0/100:
		return "STRONG for M0"
	default:
		return "DECISIVE for M0"
	}
}

// ForIntervention tests whether an intervention type shifts the cascade rate
// for a pattern. M0: one shared rate across both groups. M1: separate rates
// for windows with and without the intervention. Requires at least 3
// observations in each group.
func ForIntervention(observations []api.Observation, interventionType, patternID string, prior conjugate.Beta) InterventionResult {
	var withK, withN, withoutK, withoutN int

	for _, obs := range observations {
		if obs.PatternID != patternID || obs.Outcome.Kind != api.OutcomeBool {
			continue
		}
		if obs.InterventionType == interventionType && interventionType != "" {
			withN++
			if obs.Outcome.Bool {
				withK++
			}
		} else {
			withoutN++
			if obs.Outcome.Bool {
				withoutK++
			}
		}
	}

	res := InterventionResult{
		InterventionType: interventionType,
		WithK:            withK,
		WithN:            withN,
		WithoutK:         withoutK,
		WithoutN:         withoutN,
	}

	if withN < minGroupSize || withoutN < minGroupSize {
		smaller := withN
		if withoutN < smaller {
			smaller = withoutN
		}
		res.Insufficient = api.NewInsufficientData(smaller, minGroupSize)
		res.Interpretation = api.StatusInsufficientData
		return res
	}

	// M0: both groups share one rate.
	logM0 := prior.LogMarginalLikelihood(withK+withoutK, withN+withoutN)

	// M1: each group has its own rate; the groups are independent, so the
	// marginal likelihood factorizes.
	logM1 := prior.LogMarginalLikelihood(withK, withN) + prior.LogMarginalLikelihood(withoutK, withoutN)

	res.LogBF = logM1 - logM0
	res.BF10 = math.Exp(res.LogBF)
	res.Interpretation = Interpret(res.BF10)
	return res
}
