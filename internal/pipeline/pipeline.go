// Package pipeline implements the deferred-evaluation protocol that keeps
// predictions honest: a prediction is frozen at scan time from a strictly
// backward-looking feature window, and scored only after its forward-looking
// target window has fully elapsed. The two windows share a boundary and
// never overlap, so no future information can leak into a prediction.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/empirical"
	"github.com/signalworks/cascade/internal/store"
)

// GroundTruth is the external lookup consulted when a target window closes.
// Implementations must answer from a permanent historical record, never
// from live state that could be re-derived differently at different times.
type GroundTruth interface {
	OccurredInWindow(ctx context.Context, windowStart, windowEnd int64) (bool, error)
}

// ReasonAntiAutocorrelation is reported when the creation gate refuses a
// pending prediction whose target window would overlap the previous one.
const ReasonAntiAutocorrelation = "anti_autocorrelation"

// ReasonNoCascadeSignal is reported when the scan input carries no cascade
// to predict on.
const ReasonNoCascadeSignal = "no_cascade_signal"

// Resolved describes one pending prediction that was finalized this cycle.
type Resolved struct {
	Pending  api.PendingPrediction `json:"pending"`
	Occurred bool                  `json:"occurred"`
}

// ScanResult reports a full scan cycle: resolutions first, then the gate
// decision, then the created pending (if any).
type ScanResult struct {
	Resolved        []Resolved             `json:"resolved"`
	Recalibrations  []*empirical.Result    `json:"recalibrations,omitempty"`
	PendingCreated  bool                   `json:"pending_created"`
	Reason          string                 `json:"reason,omitempty"`
	NextEligibleAt  int64                  `json:"next_eligible_at,omitempty"`
	Pending         *api.PendingPrediction `json:"pending,omitempty"`
	PersistWarnings []string               `json:"persist_warnings,omitempty"`
}

// Pipeline owns the pending-prediction queue.
type Pipeline struct {
	mu     sync.Mutex
	st     *store.Store
	recal  *empirical.Recalibrator
	truth  GroundTruth
	kv     store.KV
	params api.EngineParams

	pending       []api.PendingPrediction
	lastCreatedAt int64
	loaded        bool
}

// New creates a pipeline over the store, its recalibrator, and the ground
// truth lookup.
func New(st *store.Store, recal *empirical.Recalibrator, truth GroundTruth) *Pipeline {
	return &Pipeline{
		st:     st,
		recal:  recal,
		truth:  truth,
		kv:     st.KVPort(),
		params: st.Params(),
	}
}

type pendingState struct {
	Pending       []api.PendingPrediction `json:"pending"`
	LastCreatedAt int64                   `json:"last_created_at"`
}

func (p *Pipeline) loadLocked(ctx context.Context) {
	if p.loaded {
		return
	}
	p.loaded = true

	data, err := p.kv.Get(ctx, store.KeyPending)
	if err != nil {
		log.Printf("pending queue read failed: %v", err)
		return
	}
	if data == nil {
		return
	}

	var state pendingState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf("pending queue unmarshal failed: %v", err)
		return
	}
	p.pending = state.Pending
	p.lastCreatedAt = state.LastCreatedAt
}

func (p *Pipeline) persistLocked(ctx context.Context) string {
	data, err := json.Marshal(pendingState{Pending: p.pending, LastCreatedAt: p.lastCreatedAt})
	if err != nil {
		return ""
	}
	if err := p.kv.Set(ctx, store.KeyPending, data); err != nil {
		log.Printf("pending queue persist failed: %v", err)
		return fmt.Sprintf("pending queue persist failed: %v", err)
	}
	return ""
}

// ScanCycle runs one full cycle at the given wall-clock time (epoch ms):
// resolve elapsed pendings, apply the creation gate, and snapshot a new
// prediction. The same now is used for both resolution and the gate; under
// back-dated replay the documented strict-boundary behavior applies.
//
// The resolve-then-create sequence is not atomic across the persistence
// boundary: a crash in between is recovered idempotently on the next
// invocation, since pendings are only removed once finalized successfully.
func (p *Pipeline) ScanCycle(ctx context.Context, input api.ScanInput, now int64) (*ScanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadLocked(ctx)

	res := &ScanResult{}

	if err := p.resolveLocked(ctx, now, res); err != nil {
		return res, err
	}

	// Gate: successive predictions must cover non-overlapping target
	// windows, otherwise they are not independent samples.
	horizonMs := p.params.PredictionHorizon.Milliseconds()
	if p.lastCreatedAt != 0 && now-p.lastCreatedAt < horizonMs {
		res.PendingCreated = false
		res.Reason = ReasonAntiAutocorrelation
		res.NextEligibleAt = p.lastCreatedAt + horizonMs
		return res, nil
	}

	signal, ok := strongestCascade(input)
	if !ok {
		res.PendingCreated = false
		res.Reason = ReasonNoCascadeSignal
		return res, nil
	}

	// Snapshot & predict: fold only observations stamped at or before now,
	// so a back-dated scan cannot see future history. Freeze the mean.
	posterior := p.st.PosteriorAt(signal.PatternID, now)
	predicted := posterior.Mean()

	pending := api.PendingPrediction{
		ID:        api.PendingID(signal.PatternID, now),
		CreatedAt: now,
		PatternID: signal.PatternID,
		Magnitude: signal.Severity,
		FeatureWindow: api.Window{
			Start: now - p.params.FeatureWindow.Milliseconds(),
			End:   now,
		},
		TargetWindow: api.Window{
			Start: now,
			End:   now + horizonMs,
		},
		PredictedProbability: predicted,
		FeatureSnapshot:      snapshotFeatures(signal, input),
	}
	if len(signal.MatchedDomains) > 0 {
		pending.Domain = signal.MatchedDomains[0]
	}

	p.pending = append(p.pending, pending)
	p.lastCreatedAt = now
	if warn := p.persistLocked(ctx); warn != "" {
		res.PersistWarnings = append(res.PersistWarnings, warn)
	}

	res.PendingCreated = true
	res.Pending = &pending
	return res, nil
}

// ResolvePending finalizes every pending prediction whose target window has
// fully elapsed at now.
func (p *Pipeline) ResolvePending(ctx context.Context, now int64) (*ScanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadLocked(ctx)

	res := &ScanResult{}
	err := p.resolveLocked(ctx, now, res)
	return res, err
}

// resolveLocked converts elapsed pendings into finalized observations. Each
// pending is removed from the queue only after its observation was appended
// successfully, so a crash mid-resolution loses nothing.
func (p *Pipeline) resolveLocked(ctx context.Context, now int64, res *ScanResult) error {
	if len(p.pending) == 0 {
		return nil
	}

	var remaining []api.PendingPrediction
	for _, pending := range p.pending {
		if now < pending.TargetWindow.End {
			remaining = append(remaining, pending)
			continue
		}

		// Inclusive boundaries on the target window; answered from the
		// permanent historical record.
		occurred, err := p.truth.OccurredInWindow(ctx, pending.TargetWindow.Start, pending.TargetWindow.End)
		if err != nil {
			// Keep the pending for the next pass.
			log.Printf("ground-truth lookup failed for %s: %v", pending.ID, err)
			remaining = append(remaining, pending)
			continue
		}

		predicted := pending.PredictedProbability
		obs := api.Observation{
			Type:         api.ObsCascadeWindow,
			Magnitude:    pending.Magnitude,
			Timestamp:    pending.TargetWindow.End,
			Outcome:      api.BoolOutcome(occurred),
			NoiseContext: "deferred_resolution",
			Domain:       pending.Domain,
			PatternID:    pending.PatternID,
			WindowStart:  pending.TargetWindow.Start,
			WindowEnd:    pending.TargetWindow.End,

			// The probability frozen at creation time, never recomputed.
			PredictedProbability: &predicted,
		}

		appendRes := p.st.Append(ctx, obs)
		if !appendRes.Appended {
			log.Printf("resolved observation rejected for %s: %v", pending.ID, appendRes.ValidationErrors)
			remaining = append(remaining, pending)
			continue
		}
		if appendRes.PersistWarning != "" {
			res.PersistWarnings = append(res.PersistWarnings, appendRes.PersistWarning)
		}

		res.Resolved = append(res.Resolved, Resolved{Pending: pending, Occurred: occurred})

		if recal := p.recal.MaybeRecalibrate(ctx, pending.PatternID); recal != nil {
			res.Recalibrations = append(res.Recalibrations, recal)
		}
	}

	p.pending = remaining
	if len(res.Resolved) > 0 {
		if warn := p.persistLocked(ctx); warn != "" {
			res.PersistWarnings = append(res.PersistWarnings, warn)
		}
	}
	return nil
}

// Pending returns a copy of the outstanding queue.
func (p *Pipeline) Pending(ctx context.Context) []api.PendingPrediction {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.loadLocked(ctx)
	return append([]api.PendingPrediction(nil), p.pending...)
}

// strongestCascade picks the highest-severity cascade from the scan input.
func strongestCascade(input api.ScanInput) (api.CascadeSignal, bool) {
	var best api.CascadeSignal
	found := false
	for _, c := range input.Cascades {
		if c.PatternID == "" {
			continue
		}
		if !found || c.Severity > best.Severity {
			best = c
			found = true
		}
	}
	return best, found
}

// snapshotFeatures freezes the backward-looking signals that informed the
// prediction, for later audit.
func snapshotFeatures(signal api.CascadeSignal, input api.ScanInput) map[string]float64 {
	snap := map[string]float64{
		"severity":        signal.Severity,
		"confidence":      signal.Confidence,
		"signal_count":    float64(signal.SignalCount),
		"matched_domains": float64(len(signal.MatchedDomains)),
		"cascade_count":   float64(len(input.Cascades)),
	}
	var pressure float64
	for _, d := range input.ElevatedDomains {
		pressure += d.AvgSeverity * float64(d.Count)
	}
	snap["domain_pressure"] = pressure
	return snap
}
