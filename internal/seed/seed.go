// Package seed loads externally supplied historical datasets into the
// observation store, cross-checking every supplied label against the
// declared ground-truth contract instead of silently trusting either side.
package seed

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"time"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/store"
)

// Verdicts of the threshold-sanity analysis, keyed on the dataset's base
// rate under the declared cutoff.
const (
	VerdictTooRare   = "TOO_RARE"
	VerdictRare      = "RARE"
	VerdictGood      = "GOOD"
	VerdictModerate  = "MODERATE"
	VerdictTooCommon = "TOO_COMMON"
)

// Inconsistency flags one record whose supplied label disagrees with the
// label the declared definition would assign.
type Inconsistency struct {
	Index         int     `json:"index"`
	Event         string  `json:"event"`
	ReturnPct     float64 `json:"return_pct"`
	SuppliedLabel int     `json:"supplied_label"`
	DerivedLabel  int     `json:"derived_label"`
	Kind          string  `json:"kind"` // always "MISMATCH"
}

// ThresholdSanity summarizes how the declared cutoff slices the dataset.
type ThresholdSanity struct {
	Cutoff      float64            `json:"cutoff"`
	Direction   string             `json:"direction"`
	BaseRate    float64            `json:"base_rate"`
	Positives   int                `json:"positives"`
	N           int                `json:"n"`
	Percentiles map[string]float64 `json:"percentiles"`
	Verdict     string             `json:"verdict"`
}

// Report is the outcome of a seed load (or dry run).
type Report struct {
	DryRun          bool             `json:"dry_run"`
	Total           int              `json:"total"`
	Loaded          int              `json:"loaded"`
	Rejected        int              `json:"rejected"`
	RecordErrors    map[int][]string `json:"record_errors,omitempty"`
	Inconsistencies []Inconsistency  `json:"inconsistencies,omitempty"`
	Sanity          *ThresholdSanity `json:"threshold_sanity,omitempty"`
	AlreadyLoaded   bool             `json:"already_loaded,omitempty"`
	PersistWarnings []string         `json:"persist_warnings,omitempty"`
}

// Loader ingests seed datasets into a store.
type Loader struct {
	st *store.Store
	kv store.KV
}

// New creates a loader over the store.
func New(st *store.Store) *Loader {
	return &Loader{st: st, kv: st.KVPort()}
}

// LoadFile reads a JSON array of seed records from path and loads it.
func (l *Loader) LoadFile(ctx context.Context, path string, def api.LabelDefinition, dryRun bool) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed dataset: %w", err)
	}
	var records []api.SeedRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse seed dataset: %w", err)
	}
	return l.Load(ctx, records, def, dryRun)
}

// Load validates, cross-checks, and (unless dryRun) appends the records as
// finalized cascade-window observations. Label mismatches are surfaced, not
// fixed: the record still loads with its supplied label, and the operator
// decides which source was wrong.
func (l *Loader) Load(ctx context.Context, records []api.SeedRecord, def api.LabelDefinition, dryRun bool) (*Report, error) {
	report := &Report{
		DryRun:       dryRun,
		Total:        len(records),
		RecordErrors: map[int][]string{},
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("seed dataset is empty")
	}

	report.Sanity = analyzeThreshold(records, def)

	if !dryRun {
		if marker, err := l.kv.Get(ctx, store.KeySeedLoaded); err == nil && marker != nil {
			report.AlreadyLoaded = true
			log.Printf("seed dataset already loaded, skipping %d records", len(records))
			return report, nil
		}
	}

	for i, rec := range records {
		errs := validateRecord(rec)
		if len(errs) > 0 {
			report.RecordErrors[i] = errs
			report.Rejected++
			continue
		}

		derived := deriveLabel(rec.ReturnPct, def)
		if derived != rec.Label {
			report.Inconsistencies = append(report.Inconsistencies, Inconsistency{
				Index:         i,
				Event:         rec.Event,
				ReturnPct:     rec.ReturnPct,
				SuppliedLabel: rec.Label,
				DerivedLabel:  derived,
				Kind:          "MISMATCH",
			})
		}

		if dryRun {
			report.Loaded++
			continue
		}

		obs := recordToObservation(rec)
		res := l.st.Append(ctx, obs)
		if !res.Appended {
			report.RecordErrors[i] = res.ValidationErrors
			report.Rejected++
			continue
		}
		if res.PersistWarning != "" {
			report.PersistWarnings = append(report.PersistWarnings, res.PersistWarning)
		}
		report.Loaded++
	}

	if len(report.RecordErrors) == 0 {
		report.RecordErrors = nil
	}

	if !dryRun && report.Loaded > 0 {
		marker, _ := json.Marshal(map[string]interface{}{
			"loaded_at": time.Now().UnixMilli(),
			"records":   report.Loaded,
		})
		if err := l.kv.Set(ctx, store.KeySeedLoaded, marker); err != nil {
			report.PersistWarnings = append(report.PersistWarnings, fmt.Sprintf("seed marker persist failed: %v", err))
		}
	}

	log.Printf("seed load: total=%d loaded=%d rejected=%d mismatches=%d dry_run=%v verdict=%s",
		report.Total, report.Loaded, report.Rejected, len(report.Inconsistencies), dryRun, report.Sanity.Verdict)
	return report, nil
}

func validateRecord(rec api.SeedRecord) []string {
	var errs []string
	if rec.Date == "" && rec.Timestamp <= 0 {
		errs = append(errs, "record needs a date or a positive timestamp")
	}
	if rec.Date != "" {
		if _, err := time.Parse("2006-01-02", rec.Date); err != nil {
			errs = append(errs, fmt.Sprintf("date %q is not YYYY-MM-DD", rec.Date))
		}
	}
	if rec.Label != 0 && rec.Label != 1 {
		errs = append(errs, fmt.Sprintf("label must be 0 or 1, got %d", rec.Label))
	}
	if rec.PatternID == "" {
		errs = append(errs, "pattern_id is required")
	}
	if rec.Event == "" {
		errs = append(errs, "event is required")
	}
	if math.IsNaN(rec.ReturnPct) || math.IsInf(rec.ReturnPct, 0) {
		errs = append(errs, "return_pct must be finite")
	}
	return errs
}

// deriveLabel applies the declared contract: "absolute" labels on
// |value| >= cutoff, "above" on value >= cutoff.
func deriveLabel(value float64, def api.LabelDefinition) int {
	var hit bool
	switch def.Direction {
	case "absolute":
		hit = math.Abs(value) >= def.Cutoff
	default:
		hit = value >= def.Cutoff
	}
	if hit {
		return 1
	}
	return 0
}

func recordToObservation(rec api.SeedRecord) api.Observation {
	ts := rec.Timestamp
	if ts == 0 && rec.Date != "" {
		if t, err := time.Parse("2006-01-02", rec.Date); err == nil {
			ts = t.UnixMilli()
		}
	}
	magnitude := math.Abs(rec.ReturnPct) * 10
	if magnitude > 100 {
		magnitude = 100
	}
	return api.Observation{
		Type:         api.ObsCascadeWindow,
		Magnitude:    magnitude,
		Timestamp:    ts,
		Outcome:      api.BoolOutcome(rec.Label == 1),
		NoiseContext: "seed:" + rec.Source,
		PatternID:    rec.PatternID,
		WindowStart:  ts - int64(24*time.Hour/time.Millisecond),
		WindowEnd:    ts,
	}
}

// analyzeThreshold reports the metric's percentile spread and the base rate
// the cutoff induces, so operators can sanity-check the cutoff before the
// posterior ever trains on it.
func analyzeThreshold(records []api.SeedRecord, def api.LabelDefinition) *ThresholdSanity {
	values := make([]float64, 0, len(records))
	positives := 0
	for _, rec := range records {
		v := rec.ReturnPct
		if def.Direction == "absolute" {
			v = math.Abs(v)
		}
		values = append(values, v)
		if deriveLabel(rec.ReturnPct, def) == 1 {
			positives++
		}
	}
	sort.Float64s(values)

	sanity := &ThresholdSanity{
		Cutoff:    def.Cutoff,
		Direction: def.Direction,
		N:         len(values),
		Positives: positives,
		BaseRate:  float64(positives) / float64(len(values)),
		Percentiles: map[string]float64{
			"p10": percentile(values, 0.10),
			"p25": percentile(values, 0.25),
			"p50": percentile(values, 0.50),
			"p75": percentile(values, 0.75),
			"p90": percentile(values, 0.90),
			"p99": percentile(values, 0.99),
		},
	}

	switch rate := sanity.BaseRate; {
	case rate < 0.01:
		sanity.Verdict = VerdictTooRare
	case rate < 0.05:
		sanity.Verdict = VerdictRare
	case rate <= 0.15:
		sanity.Verdict = VerdictGood
	case rate <= 0.30:
		sanity.Verdict = VerdictModerate
	default:
		sanity.Verdict = VerdictTooCommon
	}
	return sanity
}

// percentile interpolates linearly between order statistics.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
