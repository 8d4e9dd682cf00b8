package conjugate

import (
	"math"

	"github.com/signalworks/cascade/internal/numeric"
)

// Normal holds Normal distribution parameters for the severity model.
// Sigma must stay > 0.
type Normal struct {
	Mu    float64 `json:"mu"`
	Sigma float64 `json:"sigma"`
}

// DefaultNormalPrior is the severity prior on the 0-100 magnitude scale.
func DefaultNormalPrior() Normal {
	return Normal{Mu: 50, Sigma: 25}
}

// Update combines the prior with one observation under known observation
// noise variance, weighting by precision:
//
//	postPrec = 1/sigma² + 1/noiseVar
//	postMu   = postVar * (priorPrec*mu + likePrec*observed)
func (n Normal) Update(observed, noiseVariance float64) Normal {
	if noiseVariance <= 0 || n.Sigma <= 0 {
		return n
	}
	priorPrec := 1 / (n.Sigma * n.Sigma)
	likePrec := 1 / noiseVariance

	postVar := 1 / (priorPrec + likePrec)
	postMu := postVar * (priorPrec*n.Mu + likePrec*observed)

	return Normal{Mu: postMu, Sigma: math.Sqrt(postVar)}
}

// UpdateBatch folds a sequence of readings at a shared noise variance.
func (n Normal) UpdateBatch(observed []float64, noiseVariance float64) Normal {
	post := n
	for _, v := range observed {
		post = post.Update(v, noiseVariance)
	}
	return post
}

// PredictiveStd returns the standard deviation of the posterior predictive
// distribution: sqrt(sigma² + noiseVar).
func (n Normal) PredictiveStd(noiseVariance float64) float64 {
	return math.Sqrt(n.Sigma*n.Sigma + noiseVariance)
}

// CredibleInterval returns the symmetric credible interval using fixed
// z-scores for the three supported levels; unknown levels fall back to 95%.
func (n Normal) CredibleInterval(level float64) (lower, upper float64) {
	z := 1.96
	switch {
	case math.Abs(level-0.90) < 1e-9:
		z = 1.645
	case math.Abs(level-0.99) < 1e-9:
		z = 2.576
	}
	return n.Mu - z*n.Sigma, n.Mu + z*n.Sigma
}

// Sample draws from the posterior.
func (n Normal) Sample(rs numeric.Source) float64 {
	return numeric.SampleNormal(n.Mu, n.Sigma, rs)
}
