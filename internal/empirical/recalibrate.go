// Package empirical re-estimates prior concentration from observed data.
// Recalibration fires at most once per sample-size threshold crossing and
// shrinks toward the original prior, so noise never manufactures
// confidence and every change is logged with full before/after parameters.
package empirical

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
	"github.com/signalworks/cascade/internal/store"
)

// Thresholds are the sample sizes at which recalibration is considered,
// each at most once.
var Thresholds = []int{20, 50, 100, 200}

const (
	// fallbackConcentration is used when the block split is degenerate.
	fallbackConcentration = 10.0

	// dataWeight is the data share of the blended rate; the remainder
	// stays with the original prior.
	dataWeight = 0.7

	// paramFloor keeps both Beta parameters away from zero.
	paramFloor = 0.5
)

// Result records one recalibration decision.
type Result struct {
	PatternID     string         `json:"pattern_id"`
	N             int            `json:"n"`
	Threshold     int            `json:"threshold,omitempty"`
	BlockCount    int            `json:"block_count"`
	BlockVariance float64        `json:"block_variance"`
	MeanRate      float64        `json:"mean_rate"`
	Concentration float64        `json:"concentration"`
	FellBack      bool           `json:"fell_back"`
	Before        conjugate.Beta `json:"before"`
	After         conjugate.Beta `json:"after"`
	Applied       bool           `json:"applied"`
	Reason        string         `json:"reason,omitempty"`
}

// Recalibrator tracks which thresholds have fired per pattern. The tracker
// is persisted through the KV port so restarts do not re-fire a crossing.
type Recalibrator struct {
	mu     sync.Mutex
	st     *store.Store
	kv     store.KV
	lastN  map[string]int
	loaded bool
}

// New creates a recalibrator bound to the store and its persistence port.
func New(st *store.Store) *Recalibrator {
	return &Recalibrator{
		st:    st,
		kv:    st.KVPort(),
		lastN: make(map[string]int),
	}
}

func (r *Recalibrator) loadLocked(ctx context.Context) {
	if r.loaded {
		return
	}
	r.loaded = true

	data, err := r.kv.Get(ctx, store.KeyRecalibration)
	if err != nil {
		log.Printf("recalibration tracker read failed: %v", err)
		return
	}
	if data == nil {
		return
	}
	if err := json.Unmarshal(data, &r.lastN); err != nil {
		log.Printf("recalibration tracker unmarshal failed: %v", err)
	}
}

func (r *Recalibrator) persistLocked(ctx context.Context) {
	data, err := json.Marshal(r.lastN)
	if err != nil {
		return
	}
	if err := r.kv.Set(ctx, store.KeyRecalibration, data); err != nil {
		log.Printf("recalibration tracker persist failed: %v", err)
	}
}

// MaybeRecalibrate recalibrates the pattern's prior if its observation
// count has crossed a new threshold since the last recalibration. Returns
// nil when no threshold fired.
func (r *Recalibrator) MaybeRecalibrate(ctx context.Context, patternID string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)

	_, n := r.st.CascadeCounts(patternID)

	crossed := 0
	for _, t := range Thresholds {
		if n >= t {
			crossed = t
		}
	}
	if crossed == 0 || crossed <= r.lastN[patternID] {
		return nil
	}

	res := r.recalibrate(ctx, patternID, n)
	res.Threshold = crossed

	r.lastN[patternID] = crossed
	r.persistLocked(ctx)
	return res
}

// Force recalibrates immediately, ignoring threshold state. The tracker is
// left untouched so scheduled crossings still fire.
func (r *Recalibrator) Force(ctx context.Context, patternID string) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadLocked(ctx)

	_, n := r.st.CascadeCounts(patternID)
	if n == 0 {
		return nil
	}
	return r.recalibrate(ctx, patternID, n)
}

// recalibrate runs the method-of-moments fit and applies the new prior.
func (r *Recalibrator) recalibrate(ctx context.Context, patternID string, n int) *Result {
	before := r.st.Prior(patternID)
	res := &Result{PatternID: patternID, N: n, Before: before}

	outcomes := r.outcomes(patternID)

	blockSize := n / 5
	if blockSize < 3 {
		blockSize = 3
	}

	var rates []float64
	for start := 0; start+blockSize <= len(outcomes); start += blockSize {
		k := 0
		for _, o := range outcomes[start : start+blockSize] {
			if o {
				k++
			}
		}
		rates = append(rates, float64(k)/float64(blockSize))
	}
	res.BlockCount = len(rates)

	var mean, variance float64
	for _, rate := range rates {
		mean += rate
	}
	if len(rates) > 0 {
		mean /= float64(len(rates))
	}
	for _, rate := range rates {
		d := rate - mean
		variance += d * d
	}
	if len(rates) > 0 {
		variance /= float64(len(rates))
	}
	res.MeanRate = mean
	res.BlockVariance = variance

	concentration := fallbackConcentration
	if len(rates) < 4 || variance <= 0 || mean <= 0 || mean >= 1 {
		// Too few blocks or degenerate variance: never invent confidence
		// from noise.
		res.FellBack = true
		res.Reason = fmt.Sprintf("fallback concentration: %d blocks, variance %.6f", len(rates), variance)
	} else {
		concentration = mean*(1-mean)/variance - 1
		if concentration < 2 {
			concentration = 2
		}
		if concentration > float64(n) {
			concentration = float64(n)
		}
	}
	res.Concentration = concentration

	// Blend the observed rate with the original prior's mean, then
	// reparameterize at the computed concentration.
	blended := dataWeight*mean + (1-dataWeight)*before.Mean()
	after := conjugate.Beta{
		Alpha: blended * concentration,
		Beta:  (1 - blended) * concentration,
	}
	if after.Alpha < paramFloor {
		after.Alpha = paramFloor
	}
	if after.Beta < paramFloor {
		after.Beta = paramFloor
	}
	res.After = after

	r.st.SetPrior(ctx, patternID, after)
	res.Applied = true

	log.Printf("empirical-bayes recalibration pattern=%s n=%d blocks=%d var=%.6f mean=%.4f concentration=%.2f fallback=%v prior {%.3f, %.3f} -> {%.3f, %.3f}",
		patternID, n, res.BlockCount, variance, mean, concentration, res.FellBack,
		before.Alpha, before.Beta, after.Alpha, after.Beta)

	return res
}

// outcomes returns the pattern's binary cascade outcomes in log order.
func (r *Recalibrator) outcomes(patternID string) []bool {
	var out []bool
	for _, obs := range r.st.ForPattern(patternID) {
		if obs.Type == api.ObsCascadeWindow && obs.Outcome.Kind == api.OutcomeBool {
			out = append(out, obs.Outcome.Bool)
		}
	}
	return out
}
