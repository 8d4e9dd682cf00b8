package numeric

import "math"

// NormalPDF evaluates the Normal(mu, sigma) density at x.
func NormalPDF(x, mu, sigma float64) float64 {
	if sigma <= 0 {
		return 0
	}
	z := (x - mu) / sigma
	return math.Exp(-0.5*z*z) / (sigma * math.Sqrt(2*math.Pi))
}

// NormalCDF computes P(X <= x) for X ~ Normal(mu, sigma) using the
// Zelen & Severo rational approximation (Abramowitz & Stegun 26.2.17),
// accurate to about 7.5e-8.
func NormalCDF(x, mu, sigma float64) float64 {
	if sigma <= 0 {
		if x < mu {
			return 0
		}
		return 1
	}

	z := (x - mu) / sigma
	if z < 0 {
		return 1 - NormalCDF(-z, 0, 1)
	}

	t := 1 / (1 + 0.2316419*z)
	poly := t * (0.319381530 + t*(-0.356563782+t*(1.781477937+t*(-1.821255978+t*1.330274429))))
	return 1 - NormalPDF(z, 0, 1)*poly
}
