package bayesfactor

import (
	"testing"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
)

func TestInterpret_JeffreysBands(t *testing.T) {
	tests := []struct {
		bf10     float64
		expected string
	}{
		{250, "DECISIVE for M1"},
		{50, "VERY_STRONG for M1"},
		{15, "STRONG for M1"},
		{5, "SUBSTANTIAL for M1"},
		{1.5, "WEAK for M1"},
		{1.0, "INCONCLUSIVE"},
		{0.5, "INCONCLUSIVE"},
		{0.2, "SUBSTANTIAL for M0"},
		{0.05, "VERY_STRONG for M0"},
		{0.02, "STRONG for M0"},
		{0.005, "DECISIVE for M0"},
	}

	for _, tt := range tests {
		if got := Interpret(tt.bf10); got != tt.expected {
			t.Errorf("Interpret(%.3f): got %q, want %q", tt.bf10, got, tt.expected)
		}
	}
}

func TestCompute_FavorsMatchingPrior(t *testing.T) {
	// 18 of 20 cascades: a high-rate prior should beat a low-rate prior.
	low := conjugate.Beta{Alpha: 1, Beta: 9}
	high := conjugate.Beta{Alpha: 9, Beta: 1}

	res := Compute(18, 20, low, high)
	if res.LogBF <= 0 {
		t.Errorf("high-rate alternative should win on 18/20: log_bf=%.4f", res.LogBF)
	}
	if res.Interpretation == api.StatusInsufficientData {
		t.Errorf("unexpected insufficient-data interpretation")
	}
}

func interventionObs(patternID, intervention string, outcome bool, ts int64) api.Observation {
	return api.Observation{
		Type:             api.ObsCascadeWindow,
		InterventionType: intervention,
		Magnitude:        50,
		Timestamp:        ts,
		Outcome:          api.BoolOutcome(outcome),
		NoiseContext:     "test",
		PatternID:        patternID,
		WindowStart:      ts - 100,
		WindowEnd:        ts,
	}
}

func TestForIntervention_InsufficientData(t *testing.T) {
	obs := []api.Observation{
		interventionObs("p1", "rate-limit", true, 1000),
		interventionObs("p1", "rate-limit", false, 2000),
		interventionObs("p1", "", true, 3000),
		interventionObs("p1", "", false, 4000),
		interventionObs("p1", "", true, 5000),
	}

	res := ForIntervention(obs, "rate-limit", "p1", conjugate.DefaultBetaPrior())
	if res.Insufficient == nil {
		t.Fatal("expected insufficient-data result for 2-observation group")
	}
	if res.Insufficient.Status != api.StatusInsufficientData {
		t.Errorf("status: got %q", res.Insufficient.Status)
	}
	if res.Insufficient.N != 2 || res.Insufficient.MinimumNeeded != 3 {
		t.Errorf("insufficient detail: got n=%d min=%d, want n=2 min=3", res.Insufficient.N, res.Insufficient.MinimumNeeded)
	}
}

func TestForIntervention_DetectsRateShift(t *testing.T) {
	prior := conjugate.Beta{Alpha: 1, Beta: 1}
	var obs []api.Observation

	// With intervention: 0 of 8 cascades. Without: 8 of 8.
	for i := 0; i < 8; i++ {
		obs = append(obs, interventionObs("p1", "circuit-break", false, int64(1000+i)))
		obs = append(obs, interventionObs("p1", "", true, int64(5000+i)))
	}

	res := ForIntervention(obs, "circuit-break", "p1", prior)
	if res.Insufficient != nil {
		t.Fatal("unexpected insufficient data")
	}
	if res.LogBF <= 0 {
		t.Errorf("separate-rates model should win on a hard split: log_bf=%.4f", res.LogBF)
	}
	if res.WithN != 8 || res.WithoutN != 8 || res.WithK != 0 || res.WithoutK != 8 {
		t.Errorf("group counts: %+v", res)
	}
}

func TestForIntervention_NoShiftFavorsShared(t *testing.T) {
	prior := conjugate.Beta{Alpha: 1, Beta: 1}
	var obs []api.Observation

	// Identical rates in both groups.
	for i := 0; i < 10; i++ {
		obs = append(obs, interventionObs("p1", "rate-limit", i%2 == 0, int64(1000+i)))
		obs = append(obs, interventionObs("p1", "", i%2 == 0, int64(5000+i)))
	}

	res := ForIntervention(obs, "rate-limit", "p1", prior)
	if res.LogBF >= 0 {
		t.Errorf("shared-rate model should win on identical rates: log_bf=%.4f", res.LogBF)
	}
}
