package numeric

import (
	"math"
	"math/rand"
	"testing"
)

func TestLogGamma_KnownValues(t *testing.T) {
	tests := []struct {
		x        float64
		expected float64
	}{
		{1, 0},                  // Γ(1) = 1
		{2, 0},                  // Γ(2) = 1
		{3, math.Log(2)},        // Γ(3) = 2
		{5, math.Log(24)},       // Γ(5) = 24
		{0.5, math.Log(math.Sqrt(math.Pi))}, // Γ(1/2) = √π
		{10, math.Log(362880)},  // Γ(10) = 9!
	}

	for _, tt := range tests {
		got := LogGamma(tt.x)
		if math.Abs(got-tt.expected) > 1e-9 {
			t.Errorf("LogGamma(%.2f): got %.12f, want %.12f", tt.x, got, tt.expected)
		}
	}
}

func TestLogGamma_NonPositive(t *testing.T) {
	if !math.IsInf(LogGamma(0), 1) {
		t.Errorf("LogGamma(0) should be +Inf")
	}
	if !math.IsInf(LogGamma(-1.5), 1) {
		t.Errorf("LogGamma(-1.5) should be +Inf")
	}
}

func TestLogBeta(t *testing.T) {
	// B(1,1) = 1, B(2,3) = 1/12
	if got := LogBeta(1, 1); math.Abs(got) > 1e-9 {
		t.Errorf("LogBeta(1,1): got %.12f, want 0", got)
	}
	if got := LogBeta(2, 3); math.Abs(got-math.Log(1.0/12)) > 1e-9 {
		t.Errorf("LogBeta(2,3): got %.12f, want ln(1/12)", got)
	}
}

func TestBetaCDF_Uniform(t *testing.T) {
	// Beta(1,1) is uniform: CDF(x) = x.
	for _, x := range []float64{0.1, 0.25, 0.5, 0.75, 0.9} {
		got := BetaCDF(x, 1, 1)
		if math.Abs(got-x) > 1e-4 {
			t.Errorf("BetaCDF(%.2f, 1, 1): got %.6f, want %.6f", x, got, x)
		}
	}
}

func TestBetaCDF_Symmetric(t *testing.T) {
	// Symmetric Beta: CDF(0.5) = 0.5.
	for _, ab := range []float64{2, 5, 10} {
		got := BetaCDF(0.5, ab, ab)
		if math.Abs(got-0.5) > 1e-4 {
			t.Errorf("BetaCDF(0.5, %.0f, %.0f): got %.6f, want 0.5", ab, ab, got)
		}
	}
}

func TestBetaCDF_Bounds(t *testing.T) {
	if got := BetaCDF(-0.5, 2, 2); got != 0 {
		t.Errorf("BetaCDF below support: got %.6f, want 0", got)
	}
	if got := BetaCDF(1.5, 2, 2); got != 1 {
		t.Errorf("BetaCDF above support: got %.6f, want 1", got)
	}
}

func TestBetaQuantile_InvertsCDF(t *testing.T) {
	tests := []struct {
		p, alpha, beta float64
	}{
		{0.05, 3, 7},
		{0.50, 3, 7},
		{0.95, 3, 7},
		{0.25, 1, 1},
		{0.975, 12, 4},
	}

	for _, tt := range tests {
		q := BetaQuantile(tt.p, tt.alpha, tt.beta)
		back := BetaCDF(q, tt.alpha, tt.beta)
		if math.Abs(back-tt.p) > 1e-4 {
			t.Errorf("BetaQuantile(%.3f, %.0f, %.0f) = %.6f round-trips to %.6f",
				tt.p, tt.alpha, tt.beta, q, back)
		}
	}
}

func TestNormalCDF_KnownValues(t *testing.T) {
	tests := []struct {
		z        float64
		expected float64
	}{
		{0, 0.5},
		{1.0, 0.841345},
		{-1.0, 0.158655},
		{1.96, 0.975002},
		{-1.96, 0.024998},
		{2.575, 0.994992},
	}

	for _, tt := range tests {
		got := NormalCDF(tt.z, 0, 1)
		if math.Abs(got-tt.expected) > 1e-4 {
			t.Errorf("NormalCDF(%.3f): got %.6f, want %.6f", tt.z, got, tt.expected)
		}
	}
}

func TestNormalPDF_Peak(t *testing.T) {
	// Standard normal density at 0 is 1/sqrt(2π).
	got := NormalPDF(0, 0, 1)
	want := 1 / math.Sqrt(2*math.Pi)
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("NormalPDF(0): got %.12f, want %.12f", got, want)
	}
}

func TestSampleNormal_Moments(t *testing.T) {
	rs := rand.New(rand.NewSource(42))
	n := 20000

	var sum, sumSq float64
	for i := 0; i < n; i++ {
		x := SampleNormal(5, 2, rs)
		sum += x
		sumSq += x * x
	}

	mean := sum / float64(n)
	variance := sumSq/float64(n) - mean*mean

	if math.Abs(mean-5) > 0.05 {
		t.Errorf("sample mean: got %.4f, want ~5", mean)
	}
	if math.Abs(variance-4) > 0.2 {
		t.Errorf("sample variance: got %.4f, want ~4", variance)
	}
}

func TestSampleGamma_Moments(t *testing.T) {
	rs := rand.New(rand.NewSource(42))
	n := 20000

	tests := []struct {
		shape float64
	}{
		{0.5}, // exercises the shape-boost path
		{2.5},
		{7.0},
	}

	for _, tt := range tests {
		var sum float64
		for i := 0; i < n; i++ {
			sum += SampleGamma(tt.shape, rs)
		}
		mean := sum / float64(n)
		// Gamma(shape, 1) has mean = shape.
		if math.Abs(mean-tt.shape) > 0.08 {
			t.Errorf("SampleGamma(%.1f) mean: got %.4f, want ~%.1f", tt.shape, mean, tt.shape)
		}
	}
}

func TestSampleBeta_Moments(t *testing.T) {
	rs := rand.New(rand.NewSource(7))
	n := 20000

	var sum float64
	for i := 0; i < n; i++ {
		x := SampleBeta(3, 7, rs)
		if x < 0 || x > 1 {
			t.Fatalf("SampleBeta outside [0,1]: %.6f", x)
		}
		sum += x
	}

	mean := sum / float64(n)
	if math.Abs(mean-0.3) > 0.01 {
		t.Errorf("SampleBeta(3,7) mean: got %.4f, want ~0.3", mean)
	}
}

func TestSamplers_Deterministic(t *testing.T) {
	a := rand.New(rand.NewSource(99))
	b := rand.New(rand.NewSource(99))

	for i := 0; i < 100; i++ {
		x := SampleBeta(2.5, 4.5, a)
		y := SampleBeta(2.5, 4.5, b)
		if x != y {
			t.Fatalf("seeded samplers diverged at draw %d: %.12f != %.12f", i, x, y)
		}
	}
}
