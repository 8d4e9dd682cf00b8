package seed

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/store"
)

func newLoader(t *testing.T) (*Loader, *store.Store) {
	t.Helper()
	kv := store.NewMemoryKV(filepath.Join(t.TempDir(), "snapshot.json"))
	st := store.New(api.DefaultEngineParams(), kv, nil)
	return New(st), st
}

func shockDef() api.LabelDefinition {
	return api.LabelDefinition{
		Metric:    "return_pct",
		Cutoff:    5.0,
		Direction: "absolute",
		Source:    "market-close",
	}
}

func record(date string, ret float64, label int) api.SeedRecord {
	return api.SeedRecord{
		Date:      date,
		Event:     "synthetic event",
		ReturnPct: ret,
		Label:     label,
		Source:    "test",
		PatternID: "economic-geopolitical-shock",
	}
}

func TestLoad_LabelMismatchSurfaced(t *testing.T) {
	l, _ := newLoader(t)

	// |6.2| >= 5.0, so the declared definition derives label 1; the
	// supplied label 0 must be flagged, not silently trusted.
	records := []api.SeedRecord{
		record("2020-03-09", 6.2, 0),
		record("2020-03-10", 2.1, 0),
		record("2020-03-11", -7.4, 1),
	}
	report, err := l.Load(context.Background(), records, shockDef(), true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(report.Inconsistencies) != 1 {
		t.Fatalf("expected 1 inconsistency, got %d", len(report.Inconsistencies))
	}
	inc := report.Inconsistencies[0]
	if inc.Kind != "MISMATCH" || inc.Index != 0 || inc.SuppliedLabel != 0 || inc.DerivedLabel != 1 {
		t.Fatalf("unexpected inconsistency: %+v", inc)
	}
}

func TestDeriveLabel_Directions(t *testing.T) {
	abs := api.LabelDefinition{Cutoff: 5, Direction: "absolute"}
	above := api.LabelDefinition{Cutoff: 5, Direction: "above"}

	cases := []struct {
		value float64
		def   api.LabelDefinition
		want  int
	}{
		{6.2, abs, 1},
		{-6.2, abs, 1},
		{4.9, abs, 0},
		{-4.9, abs, 0},
		{5.0, abs, 1},
		{6.2, above, 1},
		{-6.2, above, 0},
		{5.0, above, 1},
	}
	for _, c := range cases {
		if got := deriveLabel(c.value, c.def); got != c.want {
			t.Errorf("deriveLabel(%.1f, %s) = %d, want %d", c.value, c.def.Direction, got, c.want)
		}
	}
}

func TestLoad_DryRunDoesNotMutate(t *testing.T) {
	l, st := newLoader(t)
	records := []api.SeedRecord{
		record("2020-03-09", 6.2, 1),
		record("2020-03-10", 1.0, 0),
	}

	report, err := l.Load(context.Background(), records, shockDef(), true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !report.DryRun || report.Loaded != 2 {
		t.Fatalf("dry run should report 2 loadable records: %+v", report)
	}
	if st.Len() != 0 {
		t.Fatalf("dry run must not touch the store, got %d observations", st.Len())
	}

	// A real load afterwards still works: dry runs leave no marker.
	report, err = l.Load(context.Background(), records, shockDef(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.AlreadyLoaded || report.Loaded != 2 {
		t.Fatalf("real load after dry run: %+v", report)
	}
	if st.Len() != 2 {
		t.Fatalf("expected 2 observations, got %d", st.Len())
	}
}

func TestLoad_MarkerPreventsDoubleLoad(t *testing.T) {
	l, st := newLoader(t)
	records := []api.SeedRecord{record("2020-03-09", 6.2, 1)}

	if _, err := l.Load(context.Background(), records, shockDef(), false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	report, err := l.Load(context.Background(), records, shockDef(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !report.AlreadyLoaded || report.Loaded != 0 {
		t.Fatalf("second load should be skipped: %+v", report)
	}
	if st.Len() != 1 {
		t.Fatalf("store should hold 1 observation, got %d", st.Len())
	}
}

func TestLoad_RecordValidation(t *testing.T) {
	l, st := newLoader(t)
	records := []api.SeedRecord{
		record("2020-03-09", 6.2, 1),
		{Event: "no date or timestamp", ReturnPct: 1, Label: 0, PatternID: "p"},
		{Date: "03/09/2020", Event: "bad date", ReturnPct: 1, Label: 0, PatternID: "p"},
		{Date: "2020-03-10", Event: "bad label", ReturnPct: 1, Label: 2, PatternID: "p"},
	}

	report, err := l.Load(context.Background(), records, shockDef(), false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if report.Loaded != 1 || report.Rejected != 3 {
		t.Fatalf("loaded=%d rejected=%d, want 1/3", report.Loaded, report.Rejected)
	}
	for _, i := range []int{1, 2, 3} {
		if len(report.RecordErrors[i]) == 0 {
			t.Errorf("record %d should carry validation errors", i)
		}
	}
	if st.Len() != 1 {
		t.Fatalf("only the valid record should load, got %d", st.Len())
	}
}

func TestLoad_UpdatesPosterior(t *testing.T) {
	l, st := newLoader(t)
	records := []api.SeedRecord{
		record("2020-03-09", 6.2, 1),
		record("2020-03-10", 1.0, 0),
		record("2020-03-11", 0.5, 0),
	}
	if _, err := l.Load(context.Background(), records, shockDef(), false); err != nil {
		t.Fatalf("Load: %v", err)
	}

	prior := st.Prior("economic-geopolitical-shock")
	post := st.Posterior("economic-geopolitical-shock")
	if post.Alpha != prior.Alpha+1 || post.Beta != prior.Beta+2 {
		t.Fatalf("posterior %+v, want prior + (1 hit, 2 misses)", post)
	}
}

func TestThresholdSanity_Verdicts(t *testing.T) {
	mk := func(n, positives int) []api.SeedRecord {
		recs := make([]api.SeedRecord, 0, n)
		for i := 0; i < n; i++ {
			ret := 1.0
			if i < positives {
				ret = 9.0
			}
			recs = append(recs, record("2020-03-09", ret, deriveLabel(ret, shockDef())))
		}
		return recs
	}

	cases := []struct {
		positives int
		want      string
	}{
		{0, VerdictTooRare},
		{3, VerdictRare},
		{10, VerdictGood},
		{25, VerdictModerate},
		{50, VerdictTooCommon},
	}
	for _, c := range cases {
		sanity := analyzeThreshold(mk(100, c.positives), shockDef())
		if sanity.Verdict != c.want {
			t.Errorf("%d/100 positives: verdict %s, want %s", c.positives, sanity.Verdict, c.want)
		}
	}
}

func TestThresholdSanity_Percentiles(t *testing.T) {
	recs := make([]api.SeedRecord, 0, 101)
	for i := 0; i <= 100; i++ {
		recs = append(recs, record("2020-03-09", float64(i)/10, 0))
	}
	sanity := analyzeThreshold(recs, api.LabelDefinition{Cutoff: 5, Direction: "above"})
	if got := sanity.Percentiles["p50"]; got != 5.0 {
		t.Fatalf("p50 = %.2f, want 5.0", got)
	}
	if sanity.Percentiles["p10"] >= sanity.Percentiles["p90"] {
		t.Fatal("percentiles must be monotone")
	}
}

func TestLoadFile(t *testing.T) {
	l, st := newLoader(t)
	records := []api.SeedRecord{
		record("2020-03-09", 6.2, 1),
		record("2020-03-10", 1.0, 0),
	}
	data, _ := json.Marshal(records)
	path := filepath.Join(t.TempDir(), "seed.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := l.LoadFile(context.Background(), path, shockDef(), false)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if report.Loaded != 2 || st.Len() != 2 {
		t.Fatalf("loaded=%d storeLen=%d, want 2/2", report.Loaded, st.Len())
	}

	if _, err := l.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.json"), shockDef(), false); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
