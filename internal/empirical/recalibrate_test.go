package empirical

import (
	"context"
	"testing"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/store"
)

const pattern = "economic-geopolitical-shock"

func seedStore(t *testing.T, n int, outcome func(i int) bool) *store.Store {
	t.Helper()
	st := store.New(api.DefaultEngineParams(), store.SilentKV{}, nil)
	ctx := context.Background()

	for i := 0; i < n; i++ {
		ts := int64(1000 + i)
		res := st.Append(ctx, api.Observation{
			Type:         api.ObsCascadeWindow,
			Magnitude:    40,
			Timestamp:    ts,
			Outcome:      api.BoolOutcome(outcome(i)),
			NoiseContext: "steady",
			PatternID:    pattern,
			WindowStart:  ts - 100,
			WindowEnd:    ts,
		})
		if !res.Appended {
			t.Fatalf("append %d rejected: %v", i, res.ValidationErrors)
		}
	}
	return st
}

func TestMaybeRecalibrate_BelowThreshold(t *testing.T) {
	st := seedStore(t, 15, func(i int) bool { return i%5 == 0 })
	r := New(st)

	if res := r.MaybeRecalibrate(context.Background(), pattern); res != nil {
		t.Errorf("recalibration fired below first threshold: %+v", res)
	}
}

func TestMaybeRecalibrate_FiresOncePerCrossing(t *testing.T) {
	st := seedStore(t, 25, func(i int) bool { return i%5 == 0 })
	r := New(st)
	ctx := context.Background()

	first := r.MaybeRecalibrate(ctx, pattern)
	if first == nil {
		t.Fatal("expected recalibration at n=25 (threshold 20)")
	}
	if first.Threshold != 20 {
		t.Errorf("threshold: got %d, want 20", first.Threshold)
	}
	if !first.Applied {
		t.Errorf("result not applied: %+v", first)
	}

	// Same crossing must not fire twice.
	if second := r.MaybeRecalibrate(ctx, pattern); second != nil {
		t.Errorf("recalibration fired twice for the same crossing: %+v", second)
	}
}

func TestMaybeRecalibrate_NextThresholdFires(t *testing.T) {
	st := seedStore(t, 25, func(i int) bool { return i%5 == 0 })
	r := New(st)
	ctx := context.Background()

	if res := r.MaybeRecalibrate(ctx, pattern); res == nil {
		t.Fatal("expected recalibration at threshold 20")
	}

	// Grow past the next threshold.
	for i := 25; i < 55; i++ {
		ts := int64(1000 + i)
		st.Append(ctx, api.Observation{
			Type:         api.ObsCascadeWindow,
			Magnitude:    40,
			Timestamp:    ts,
			Outcome:      api.BoolOutcome(i%5 == 0),
			NoiseContext: "steady",
			PatternID:    pattern,
			WindowStart:  ts - 100,
			WindowEnd:    ts,
		})
	}

	res := r.MaybeRecalibrate(ctx, pattern)
	if res == nil {
		t.Fatal("expected recalibration at threshold 50")
	}
	if res.Threshold != 50 {
		t.Errorf("threshold: got %d, want 50", res.Threshold)
	}
}

func TestRecalibrate_TrackerPersists(t *testing.T) {
	kv := store.NewMemoryKV("")
	st := store.New(api.DefaultEngineParams(), kv, nil)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		ts := int64(1000 + i)
		st.Append(ctx, api.Observation{
			Type:         api.ObsCascadeWindow,
			Magnitude:    40,
			Timestamp:    ts,
			Outcome:      api.BoolOutcome(i%4 == 0),
			NoiseContext: "steady",
			PatternID:    pattern,
			WindowStart:  ts - 100,
			WindowEnd:    ts,
		})
	}

	r1 := New(st)
	if res := r1.MaybeRecalibrate(ctx, pattern); res == nil {
		t.Fatal("expected recalibration at threshold 20")
	}

	// A fresh recalibrator over the same port must see the fired crossing.
	r2 := New(st)
	if res := r2.MaybeRecalibrate(ctx, pattern); res != nil {
		t.Errorf("restart re-fired a spent crossing: %+v", res)
	}
}

func TestRecalibrate_DegenerateVarianceFallsBack(t *testing.T) {
	// Constant outcomes: zero inter-block variance.
	st := seedStore(t, 25, func(i int) bool { return false })
	r := New(st)

	res := r.Force(context.Background(), pattern)
	if !res.FellBack {
		t.Errorf("expected fallback on degenerate variance: %+v", res)
	}
	if res.Concentration != 10 {
		t.Errorf("fallback concentration: got %.1f, want 10", res.Concentration)
	}
}

func TestRecalibrate_ParameterFloors(t *testing.T) {
	st := seedStore(t, 25, func(i int) bool { return false })
	r := New(st)

	res := r.Force(context.Background(), pattern)
	if res.After.Alpha < 0.5 || res.After.Beta < 0.5 {
		t.Errorf("floor violated: after=%+v", res.After)
	}
}

func TestRecalibrate_ShrinksTowardPrior(t *testing.T) {
	// Alternating outcomes give ~0.5 observed rate against a 0.1 prior.
	st := seedStore(t, 30, func(i int) bool { return i%2 == 0 })
	r := New(st)

	res := r.Force(context.Background(), pattern)
	newMean := res.After.Mean()

	// 70/30 blend of 0.5 and 0.1 = 0.38, modulo the parameter floors.
	if newMean <= res.Before.Mean() || newMean >= 0.5 {
		t.Errorf("blended mean %.4f not between prior %.4f and data 0.5", newMean, res.Before.Mean())
	}
}
