// Package engine is the facade over the cascade inference core: one struct
// wiring the observation store, the deferred-evaluation pipeline, the
// empirical-Bayes recalibrator, calibration auditing, walk-forward
// validation, and seed loading behind a single serialized mutation path.
package engine

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/backtest"
	"github.com/signalworks/cascade/internal/bayesfactor"
	"github.com/signalworks/cascade/internal/cache"
	"github.com/signalworks/cascade/internal/calibration"
	"github.com/signalworks/cascade/internal/conjugate"
	"github.com/signalworks/cascade/internal/empirical"
	"github.com/signalworks/cascade/internal/metrics"
	"github.com/signalworks/cascade/internal/numeric"
	"github.com/signalworks/cascade/internal/pipeline"
	"github.com/signalworks/cascade/internal/seed"
	"github.com/signalworks/cascade/internal/store"
)

const (
	estimateCacheSize = 256
	estimateCacheTTL  = time.Minute
	minSufficientN    = 10
)

// Estimate is the engine's answer to "how likely is a cascade for this
// pattern right now".
type Estimate struct {
	PatternID           string         `json:"pattern_id"`
	Probability         float64        `json:"probability"`
	Posterior           conjugate.Beta `json:"posterior"`
	CI80Low             float64        `json:"ci80_low"`
	CI80High            float64        `json:"ci80_high"`
	CI95Low             float64        `json:"ci95_low"`
	CI95High            float64        `json:"ci95_high"`
	ObservedK           int            `json:"observed_k"`
	ObservedN           int            `json:"observed_n"`
	EffectiveSampleSize float64        `json:"effective_sample_size"`
	Sufficient          bool           `json:"sufficient"`
}

// SeverityEstimate is the Normal-Normal analogue for a domain's magnitude.
type SeverityEstimate struct {
	Domain        string           `json:"domain"`
	Mean          float64          `json:"mean"`
	Posterior     conjugate.Normal `json:"posterior"`
	CI95Low       float64          `json:"ci95_low"`
	CI95High      float64          `json:"ci95_high"`
	PredictiveStd float64          `json:"predictive_std"`
}

// CalibrationReport bundles everything the audit surface exposes about
// prediction quality.
type CalibrationReport struct {
	Brier        calibration.BrierResult `json:"brier"`
	Bins         calibration.BinReport   `json:"bins"`
	PPC          *calibration.PPCResult  `json:"ppc,omitempty"`
	ScoredN      int                     `json:"scored_n"`
	Insufficient *api.InsufficientData   `json:"insufficient,omitempty"`
}

// BaselineComparison scores the engine's frozen predictions against a fixed
// probability on the same resolved outcomes.
type BaselineComparison struct {
	FixedProbability  float64               `json:"fixed_probability"`
	BrierBayesian     float64               `json:"brier_bayesian"`
	BrierFixed        float64               `json:"brier_fixed"`
	Lift              float64               `json:"lift"`
	N                 int                   `json:"n"`
	BayesianPreferred bool                  `json:"bayesian_preferred"`
	Insufficient      *api.InsufficientData `json:"insufficient,omitempty"`
}

// StatusReport is the audit-ready snapshot of the whole engine.
type StatusReport struct {
	GeneratedAt     int64                   `json:"generated_at"`
	Observations    int                     `json:"observations"`
	PendingCount    int                     `json:"pending_count"`
	Patterns        map[string]Estimate     `json:"patterns"`
	Calibration     *CalibrationReport      `json:"calibration,omitempty"`
	CacheStats      cache.Stats             `json:"cache_stats"`
	Params          api.EngineParams        `json:"params"`
	Pending         []api.PendingPrediction `json:"pending,omitempty"`
	DataSufficiency map[string]bool         `json:"data_sufficiency"`
}

// Engine orchestrates the inference core. All mutating calls are serialized
// through mu: the underlying persistence is read-modify-write, so two
// interleaved mutations (a late scan racing a seed load) would lose one
// update without it.
type Engine struct {
	mu sync.Mutex

	st     *store.Store
	pipe   *pipeline.Pipeline
	recal  *empirical.Recalibrator
	loader *seed.Loader
	params api.EngineParams

	estimates *cache.TTL[string, Estimate]
	met       *metrics.Metrics
	rs        numeric.Source
}

// lockedSource serializes draws from an underlying random source. The
// calibration and status paths run outside the mutation mutex and are served
// concurrently; math/rand sources are not goroutine-safe.
type lockedSource struct {
	mu  sync.Mutex
	src numeric.Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches Prometheus instruments.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.met = m }
}

// WithRandSource injects a deterministic random source for the Monte Carlo
// paths. Tests use this; production keeps the seeded default.
func WithRandSource(rs numeric.Source) Option {
	return func(e *Engine) { e.rs = &lockedSource{src: rs} }
}

// New wires an engine over the store and ground-truth lookup.
func New(st *store.Store, truth pipeline.GroundTruth, opts ...Option) (*Engine, error) {
	estimates, err := cache.NewTTL[string, Estimate](estimateCacheSize, estimateCacheTTL)
	if err != nil {
		return nil, fmt.Errorf("estimate cache: %w", err)
	}

	recal := empirical.New(st)
	e := &Engine{
		st:        st,
		pipe:      pipeline.New(st, recal, truth),
		recal:     recal,
		loader:    seed.New(st),
		params:    st.Params(),
		estimates: estimates,
		rs:        &lockedSource{src: rand.New(rand.NewSource(time.Now().UnixNano()))},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Load hydrates the store from the persistence port. Call once at startup.
func (e *Engine) Load(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.Load(ctx)
}

// RecordObservation validates and appends one finalized observation.
func (e *Engine) RecordObservation(ctx context.Context, obs api.Observation) *store.AppendResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.st.Append(ctx, obs)
	if res.Appended {
		e.estimates.Purge()
	}
	if e.met != nil {
		if res.Appended {
			e.met.ObservationsRecorded.Inc()
		} else {
			e.met.ObservationsRejected.Inc()
		}
		if res.Evicted > 0 {
			e.met.ObservationsEvicted.Add(float64(res.Evicted))
		}
		if res.PersistWarning != "" {
			e.met.PersistWarnings.Inc()
		}
		if res.WALFailed {
			e.met.WALErrors.Inc()
		}
	}
	return res
}

// ScanCycle runs one deferred-evaluation cycle at now (epoch ms).
func (e *Engine) ScanCycle(ctx context.Context, input api.ScanInput, now int64) (*pipeline.ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.pipe.ScanCycle(ctx, input, now)
	e.afterCycle(ctx, res)
	if res != nil && e.met != nil {
		if res.PendingCreated {
			e.met.PendingCreated.Inc()
			e.met.PredictedProbability.Observe(res.Pending.PredictedProbability)
		} else if res.Reason == pipeline.ReasonAntiAutocorrelation {
			e.met.PendingGated.Inc()
		}
	}
	return res, err
}

// ResolvePending finalizes every pending prediction whose target window has
// elapsed at now.
func (e *Engine) ResolvePending(ctx context.Context, now int64) (*pipeline.ScanResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.pipe.ResolvePending(ctx, now)
	e.afterCycle(ctx, res)
	return res, err
}

func (e *Engine) afterCycle(ctx context.Context, res *pipeline.ScanResult) {
	if res == nil {
		return
	}
	if len(res.Resolved) > 0 {
		e.estimates.Purge()
	}
	if e.met == nil {
		return
	}
	for _, r := range res.Resolved {
		e.met.PendingResolved.Inc()
		e.met.ResolvedByPattern.WithLabelValues(r.Pending.PatternID).Inc()
		if r.Occurred {
			e.met.CascadesHit.Inc()
		}
	}
	if len(res.Recalibrations) > 0 {
		e.met.Recalibrations.Add(float64(len(res.Recalibrations)))
	}
	e.met.PendingDepth.Set(float64(len(e.pipe.Pending(ctx))))
}

// CascadeProbability returns the current estimate for a pattern. Responses
// are cached until the next posterior mutation.
func (e *Engine) CascadeProbability(ctx context.Context, patternID string) Estimate {
	if est, ok := e.estimates.Get(patternID); ok {
		return est
	}

	posterior := e.st.Posterior(patternID)
	k, n := e.st.CascadeCounts(patternID)
	ci80lo, ci80hi := posterior.CredibleInterval(0.80)
	ci95lo, ci95hi := posterior.CredibleInterval(0.95)
	est := Estimate{
		PatternID:           patternID,
		Probability:         posterior.Mean(),
		Posterior:           posterior,
		CI80Low:             ci80lo,
		CI80High:            ci80hi,
		CI95Low:             ci95lo,
		CI95High:            ci95hi,
		ObservedK:           k,
		ObservedN:           n,
		EffectiveSampleSize: posterior.EffectiveSampleSize(e.st.Prior(patternID)),
		Sufficient:          n >= minSufficientN,
	}
	e.estimates.Set(patternID, est)
	if e.met != nil {
		e.met.EstimatesByPattern.WithLabelValues(patternID).Inc()
	}
	return est
}

// Severity returns the domain's magnitude estimate.
func (e *Engine) Severity(domain string) SeverityEstimate {
	posterior := e.st.SeverityPosterior(domain)
	lo, hi := posterior.CredibleInterval(0.95)
	return SeverityEstimate{
		Domain:        domain,
		Mean:          posterior.Mu,
		Posterior:     posterior,
		CI95Low:       lo,
		CI95High:      hi,
		PredictiveStd: posterior.PredictiveStd(e.params.NoiseVariance),
	}
}

// Calibration audits every resolved prediction: Brier decomposition,
// reliability bins, and a posterior predictive check per pattern.
func (e *Engine) Calibration(patternID string) CalibrationReport {
	scored := calibration.ScoredFromObservations(e.st.Observations())
	report := CalibrationReport{ScoredN: len(scored)}
	if len(scored) == 0 {
		report.Insufficient = api.NewInsufficientData(0, 1)
		return report
	}

	report.Brier = calibration.BrierScore(scored)
	report.Bins = calibration.CalibrationBins(scored, e.params.CalibrationBins)

	if patternID != "" {
		k, n := e.st.CascadeCounts(patternID)
		if n > 0 {
			ppc := calibration.CascadeCheck(e.st.Posterior(patternID), k, n, e.params.NumSimulations, e.rs)
			report.PPC = &ppc
		}
	}
	return report
}

// InterventionEffect runs the Bayes-factor comparison for one intervention
// type on one pattern.
func (e *Engine) InterventionEffect(interventionType, patternID string) bayesfactor.InterventionResult {
	return bayesfactor.ForIntervention(e.st.Observations(), interventionType, patternID, e.st.Prior(patternID))
}

// ForceRecalibrate runs empirical-Bayes recalibration immediately,
// bypassing the sample-size thresholds.
func (e *Engine) ForceRecalibrate(ctx context.Context, patternID string) *empirical.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	res := e.recal.Force(ctx, patternID)
	if res != nil && res.Applied {
		e.estimates.Purge()
		if e.met != nil {
			e.met.Recalibrations.Inc()
		}
	}
	return res
}

// LoadSeed ingests a historical dataset. Dry runs validate and analyze
// without mutating anything.
func (e *Engine) LoadSeed(ctx context.Context, records []api.SeedRecord, def api.LabelDefinition, dryRun bool) (*seed.Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	report, err := e.loader.Load(ctx, records, def, dryRun)
	if err != nil {
		return nil, err
	}
	if !dryRun && report.Loaded > 0 {
		e.estimates.Purge()
		if e.met != nil {
			e.met.SeedLoaded.Add(float64(report.Loaded))
		}
	}
	return report, nil
}

// WalkForward runs expanding-window validation for a pattern.
func (e *Engine) WalkForward(ctx context.Context, patternID string, splitAt int64, step time.Duration) (*backtest.Report, error) {
	return backtest.Run(ctx, e.st.Observations(), e.st.Prior(patternID), patternID, splitAt, step)
}

// CompareBaseline scores the engine's frozen predictions against a fixed
// probability over the same resolved outcomes.
func (e *Engine) CompareBaseline(fixedProb float64) BaselineComparison {
	scored := calibration.ScoredFromObservations(e.st.Observations())
	cmp := BaselineComparison{FixedProbability: fixedProb, N: len(scored)}
	if len(scored) < minSufficientN {
		cmp.Insufficient = api.NewInsufficientData(len(scored), minSufficientN)
		return cmp
	}

	var bayes, fixed float64
	for _, s := range scored {
		actual := 0.0
		if s.Actual {
			actual = 1
		}
		bayes += (s.Predicted - actual) * (s.Predicted - actual)
		fixed += (fixedProb - actual) * (fixedProb - actual)
	}
	n := float64(len(scored))
	cmp.BrierBayesian = bayes / n
	cmp.BrierFixed = fixed / n
	if cmp.BrierFixed > 0 {
		cmp.Lift = 1 - cmp.BrierBayesian/cmp.BrierFixed
	}
	cmp.BayesianPreferred = cmp.BrierBayesian < cmp.BrierFixed
	return cmp
}

// Pending returns the outstanding pending predictions.
func (e *Engine) Pending(ctx context.Context) []api.PendingPrediction {
	return e.pipe.Pending(ctx)
}

// Status produces the audit-ready report: counts, per-pattern estimates,
// calibration, and data-sufficiency flags.
func (e *Engine) Status(ctx context.Context) StatusReport {
	pending := e.pipe.Pending(ctx)
	report := StatusReport{
		GeneratedAt:     time.Now().UnixMilli(),
		Observations:    e.st.Len(),
		PendingCount:    len(pending),
		Pending:         pending,
		Patterns:        map[string]Estimate{},
		CacheStats:      e.estimates.Stats(),
		Params:          e.params,
		DataSufficiency: map[string]bool{},
	}

	seen := map[string]bool{}
	for _, obs := range e.st.Observations() {
		if obs.PatternID == "" || seen[obs.PatternID] {
			continue
		}
		seen[obs.PatternID] = true
		est := e.CascadeProbability(ctx, obs.PatternID)
		report.Patterns[obs.PatternID] = est
		report.DataSufficiency[obs.PatternID] = est.Sufficient
	}

	if cal := e.Calibration(""); cal.ScoredN > 0 {
		report.Calibration = &cal
	}
	return report
}
