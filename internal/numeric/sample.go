package numeric

import "math"

// Source supplies uniform random draws in [0, 1). *math/rand.Rand satisfies
// it. Injecting the source keeps Monte Carlo callers reproducible: seed a
// rand.Rand and every posterior-predictive simulation replays identically.
type Source interface {
	Float64() float64
}

// SampleNormal draws from Normal(mu, sigma) via Box-Muller.
func SampleNormal(mu, sigma float64, rs Source) float64 {
	var u1 float64
	for u1 == 0 {
		u1 = rs.Float64()
	}
	u2 := rs.Float64()
	z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
	return mu + sigma*z
}

// SampleGamma draws from Gamma(shape, 1) using the Marsaglia-Tsang
// squeeze method. Shapes below 1 are boosted to shape+1 and corrected by
// u^(1/shape) (Marsaglia-Tsang section 6).
func SampleGamma(shape float64, rs Source) float64 {
	if shape <= 0 {
		return 0
	}

	if shape < 1 {
		u := rs.Float64()
		for u == 0 {
			u = rs.Float64()
		}
		return SampleGamma(shape+1, rs) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1 / math.Sqrt(9*d)

	for {
		x := SampleNormal(0, 1, rs)
		v := 1 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v

		u := rs.Float64()
		if u < 1-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1-v+math.Log(v)) {
			return d * v
		}
	}
}

// SampleBeta draws from Beta(alpha, beta) as the ratio of two independent
// Gamma draws.
func SampleBeta(alpha, beta float64, rs Source) float64 {
	x := SampleGamma(alpha, rs)
	y := SampleGamma(beta, rs)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}
