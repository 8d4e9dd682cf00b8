// Package conjugate implements the two conjugate families the engine rests
// on: Beta-Binomial for binary cascade occurrence and Normal-Normal (known
// noise variance) for continuous severity. Updates are exact closed forms,
// so a posterior is always a deterministic, order-independent fold of the
// observations over the declared prior.
package conjugate

import (
	"math"

	"github.com/signalworks/cascade/internal/numeric"
)

// Beta holds Beta distribution parameters. Used both as prior and
// posterior; both parameters must stay > 0.
type Beta struct {
	Alpha float64 `json:"alpha"`
	Beta  float64 `json:"beta"`
}

// DefaultBetaPrior is the weakly-informative prior used when no pattern
// history exists: mean 0.1, concentration 10.
func DefaultBetaPrior() Beta {
	return Beta{Alpha: 1, Beta: 9}
}

// Update folds a single binary outcome into the posterior.
// Success increments alpha, failure increments beta.
func (b Beta) Update(observed bool) Beta {
	if observed {
		return Beta{Alpha: b.Alpha + 1, Beta: b.Beta}
	}
	return Beta{Alpha: b.Alpha, Beta: b.Beta + 1}
}

// UpdateBatch folds a sequence of outcomes. Beta-Binomial updates commute,
// so the result depends only on the success/failure counts.
func (b Beta) UpdateBatch(outcomes []bool) Beta {
	post := b
	for _, o := range outcomes {
		post = post.Update(o)
	}
	return post
}

// UpdateCounts folds k successes out of n trials in one step.
func (b Beta) UpdateCounts(k, n int) Beta {
	return Beta{Alpha: b.Alpha + float64(k), Beta: b.Beta + float64(n-k)}
}

// Mean returns the posterior mean alpha/(alpha+beta).
func (b Beta) Mean() float64 {
	return b.Alpha / (b.Alpha + b.Beta)
}

// Mode returns the posterior mode. Defined as (alpha-1)/(alpha+beta-2)
// when both parameters exceed 1, otherwise the boundary the mass piles at.
func (b Beta) Mode() float64 {
	if b.Alpha > 1 && b.Beta > 1 {
		return (b.Alpha - 1) / (b.Alpha + b.Beta - 2)
	}
	if b.Alpha <= 1 && b.Beta > 1 {
		return 0
	}
	if b.Alpha > 1 && b.Beta <= 1 {
		return 1
	}
	return 0.5
}

// Variance returns the posterior variance.
func (b Beta) Variance() float64 {
	s := b.Alpha + b.Beta
	return b.Alpha * b.Beta / (s * s * (s + 1))
}

// CredibleInterval returns the equal-tailed credible interval at the given
// level (e.g. 0.95) via numerical Beta quantiles.
func (b Beta) CredibleInterval(level float64) (lower, upper float64) {
	tail := (1 - level) / 2
	lower = numeric.BetaQuantile(tail, b.Alpha, b.Beta)
	upper = numeric.BetaQuantile(1-tail, b.Alpha, b.Beta)
	return lower, upper
}

// EffectiveSampleSize returns the number of observations absorbed since the
// given prior: (alpha+beta) - (prior.alpha+prior.beta).
func (b Beta) EffectiveSampleSize(prior Beta) float64 {
	return (b.Alpha + b.Beta) - (prior.Alpha + prior.Beta)
}

// Sample draws from the posterior.
func (b Beta) Sample(rs numeric.Source) float64 {
	return numeric.SampleBeta(b.Alpha, b.Beta, rs)
}

// LogMarginalLikelihood computes the Beta-Binomial marginal likelihood of
// observing k successes in n trials under the prior:
//
//	ln B(alpha+k, beta+n-k) - ln B(alpha, beta) + ln C(n, k)
func (b Beta) LogMarginalLikelihood(k, n int) float64 {
	if n < 0 || k < 0 || k > n {
		return math.Inf(-1)
	}
	return numeric.LogBeta(b.Alpha+float64(k), b.Beta+float64(n-k)) -
		numeric.LogBeta(b.Alpha, b.Beta) +
		numeric.LogChoose(n, k)
}
