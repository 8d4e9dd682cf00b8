package backtest

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
)

const dayMs = int64(24 * time.Hour / time.Millisecond)

// syntheticHistory builds one cascade-window observation per day starting at
// epoch day zero. occurred[i] is the outcome of day i.
func syntheticHistory(patternID string, occurred []bool) []api.Observation {
	obs := make([]api.Observation, 0, len(occurred))
	for i, hit := range occurred {
		ts := int64(i+1) * dayMs
		obs = append(obs, api.Observation{
			Type:        api.ObsCascadeWindow,
			Magnitude:   5,
			Timestamp:   ts,
			Outcome:     api.BoolOutcome(hit),
			PatternID:   patternID,
			WindowStart: ts - dayMs,
			WindowEnd:   ts,
		})
	}
	return obs
}

func TestRun_FoldBoundariesAndCounts(t *testing.T) {
	// 20 days, a hit every 5th day.
	occurred := make([]bool, 20)
	for i := range occurred {
		occurred[i] = (i+1)%5 == 0
	}
	obs := syntheticHistory("p", occurred)

	// Split after day 5, 5-day folds: folds start at days 5, 10, 15, 20.
	report, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 5*dayMs+1, 5*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Folds) != 3 {
		t.Fatalf("expected 3 folds, got %d", len(report.Folds))
	}

	first := report.Folds[0]
	if first.TrainN != 5 || first.TrainK != 1 {
		t.Fatalf("first fold train = %d/%d, want 1/5", first.TrainK, first.TrainN)
	}
	if first.TestN != 5 || first.TestK != 1 {
		t.Fatalf("first fold test = %d/%d, want 1/5", first.TestK, first.TestN)
	}

	// Expanding window: each later fold trains on strictly more history.
	for i := 1; i < len(report.Folds); i++ {
		if report.Folds[i].TrainN <= report.Folds[i-1].TrainN {
			t.Fatalf("fold %d train_n %d did not expand past %d", i, report.Folds[i].TrainN, report.Folds[i-1].TrainN)
		}
	}
}

func TestRun_TrainsFromDeclaredPriorEachFold(t *testing.T) {
	occurred := make([]bool, 20)
	for i := range occurred {
		occurred[i] = i%4 == 0
	}
	obs := syntheticHistory("p", occurred)
	prior := conjugate.Beta{Alpha: 2, Beta: 8}

	report, err := Run(context.Background(), obs, prior, "p", 5*dayMs+1, 5*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, f := range report.Folds {
		want := prior.UpdateCounts(f.TrainK, f.TrainN).Mean()
		if math.Abs(f.PredictedProb-want) > 1e-12 {
			t.Fatalf("fold prediction %.9f, want fresh-prior posterior mean %.9f", f.PredictedProb, want)
		}
	}
}

func TestRun_Determinism(t *testing.T) {
	occurred := make([]bool, 30)
	for i := range occurred {
		occurred[i] = i%7 == 0
	}
	obs := syntheticHistory("p", occurred)

	a, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 10*dayMs, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 10*dayMs, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Fatal("repeated runs over the same data must produce identical reports")
	}
}

func TestRun_LiftDefinition(t *testing.T) {
	occurred := make([]bool, 24)
	for i := range occurred {
		occurred[i] = i%6 == 0
	}
	obs := syntheticHistory("p", occurred)

	report, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 6*dayMs+1, 6*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := 1 - report.MeanBrierBayes/report.MeanBrierBase
	if math.Abs(report.SimpleLift-want) > 1e-12 {
		t.Fatalf("simple lift %.9f, want %.9f", report.SimpleLift, want)
	}
	if report.BayesianPreferred != (report.MeanBrierBayes < report.MeanBrierBase) {
		t.Fatal("bayesian_preferred must follow the mean Brier comparison")
	}
}

func TestRun_MinimumDataErrors(t *testing.T) {
	few := syntheticHistory("p", []bool{true, false, true})
	if _, err := Run(context.Background(), few, conjugate.DefaultBetaPrior(), "p", dayMs, 24*time.Hour); err == nil {
		t.Fatal("expected an error below the observation minimum")
	}

	// Enough observations but the split leaves fewer than 3 scorable folds.
	occurred := make([]bool, 12)
	obs := syntheticHistory("p", occurred)
	if _, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 10*dayMs+1, 30*24*time.Hour); err == nil {
		t.Fatal("expected an error below the fold minimum")
	}
}

func TestRun_FiltersOtherPatternsAndTypes(t *testing.T) {
	obs := syntheticHistory("p", make([]bool, 15))
	obs = append(obs, api.Observation{
		Type:      api.ObsSeverityReading,
		Magnitude: 50,
		Timestamp: 3 * dayMs,
		Outcome:   api.ValueOutcome(50),
		PatternID: "p",
	})
	obs = append(obs, syntheticHistory("other", make([]bool, 15))...)

	report, err := Run(context.Background(), obs, conjugate.DefaultBetaPrior(), "p", 5*dayMs+1, 3*24*time.Hour)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.TotalTestN != 10 {
		t.Fatalf("total test n %d, want 10 from pattern p only", report.TotalTestN)
	}
}

func TestRun_AbortsBetweenFolds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	obs := syntheticHistory("p", make([]bool, 20))
	if _, err := Run(ctx, obs, conjugate.DefaultBetaPrior(), "p", 5*dayMs+1, 5*24*time.Hour); err == nil {
		t.Fatal("expected cancellation error")
	}
}
