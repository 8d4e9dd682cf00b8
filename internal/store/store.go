// Package store holds the append-only observation log, the derived posterior
// map, and the persistence port. Observations are immutable once appended;
// the log is capped and evicts oldest-first. Posterior parameters are a
// deterministic, order-independent fold of the retained finalized
// observations over the declared priors.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/signalworks/cascade/internal/api"
	"github.com/signalworks/cascade/internal/conjugate"
	"github.com/signalworks/cascade/internal/wal"
)

// AppendResult reports the outcome of an Append. Validation failures are
// collected, not fail-fast; the observation is rejected atomically when any
// are present. Persistence-port failures never abort the append: the
// in-memory result stands and the warning is surfaced here.
type AppendResult struct {
	Appended         bool     `json:"appended"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	Evicted          int      `json:"evicted"`
	PersistWarning   string   `json:"persist_warning,omitempty"`
	WALFailed        bool     `json:"wal_failed,omitempty"`
}

// Store is the observation store plus the posterior map derived from it.
type Store struct {
	mu     sync.RWMutex
	params api.EngineParams
	kv     KV
	wal    *wal.Journal // optional

	observations []api.Observation

	// Declared priors. Empirical-Bayes recalibration replaces a pattern's
	// prior, which triggers a refold of that pattern's posterior.
	betaPriors  map[string]conjugate.Beta
	normalPrior conjugate.Normal

	// Derived posteriors, keyed by pattern_id or "severity_"+domain.
	betas   map[string]conjugate.Beta
	normals map[string]conjugate.Normal
}

// New creates a store backed by the given persistence port. Pass a SilentKV
// for a fully in-memory engine and nil for no journal.
func New(params api.EngineParams, kv KV, journal *wal.Journal) *Store {
	if kv == nil {
		kv = SilentKV{}
	}
	return &Store{
		params:      params,
		kv:          kv,
		wal:         journal,
		betaPriors:  make(map[string]conjugate.Beta),
		normalPrior: conjugate.DefaultNormalPrior(),
		betas:       make(map[string]conjugate.Beta),
		normals:     make(map[string]conjugate.Normal),
	}
}

type persistedState struct {
	Observations []api.Observation         `json:"observations"`
	BetaPriors   map[string]conjugate.Beta `json:"beta_priors"`
}

// Load restores the observation log and priors through the port, then
// refolds every posterior. Absent keys leave the store empty.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.kv.Get(ctx, KeyObservations)
	if err != nil {
		return fmt.Errorf("failed to read observation log: %w", err)
	}
	if data == nil {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to unmarshal observation log: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.observations = state.Observations
	if state.BetaPriors != nil {
		s.betaPriors = state.BetaPriors
	}
	s.refoldLocked()
	return nil
}

// Validate checks an observation against the schema. All failures are
// collected and returned together.
func Validate(obs api.Observation) []string {
	var errs []string

	if !obs.Type.Valid() {
		errs = append(errs, fmt.Sprintf("observation_type must be one of cascade_window, intervention, severity_reading; got %q", obs.Type))
	}
	if obs.Magnitude < 0 || obs.Magnitude > 100 {
		errs = append(errs, fmt.Sprintf("magnitude must be in [0, 100]; got %.2f", obs.Magnitude))
	}
	if obs.Timestamp <= 0 {
		errs = append(errs, "timestamp must be a positive integer (epoch ms)")
	}
	if !obs.Outcome.Present() {
		errs = append(errs, "observed_outcome is required")
	}
	if obs.NoiseContext == "" {
		errs = append(errs, "noise_context is required")
	}
	if obs.WindowEnd <= obs.WindowStart {
		errs = append(errs, "window_end must be after window_start")
	}

	return errs
}

// Append validates, journals, and appends an observation, evicting past the
// retention cap and updating the affected posterior. Rejection is atomic:
// with any validation error no state changes.
func (s *Store) Append(ctx context.Context, obs api.Observation) *AppendResult {
	if errs := Validate(obs); len(errs) > 0 {
		return &AppendResult{Appended: false, ValidationErrors: errs}
	}

	res := &AppendResult{Appended: true}

	if s.wal != nil {
		if err := s.wal.Append(obs); err != nil {
			// Journal failure degrades durability, not correctness.
			log.Printf("observation journal append failed: %v", err)
			res.PersistWarning = fmt.Sprintf("journal append failed: %v", err)
			res.WALFailed = true
		}
	}

	s.mu.Lock()
	s.observations = append(s.observations, obs)
	for len(s.observations) > s.params.RetentionLimit {
		s.observations = s.observations[1:]
		res.Evicted++
	}
	if res.Evicted > 0 {
		// Eviction removed history from the fold; recompute everything.
		s.refoldLocked()
	} else {
		s.applyLocked(obs)
	}
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		log.Printf("observation store persist failed: %v", err)
		res.PersistWarning = fmt.Sprintf("persist failed: %v", err)
	}

	return res
}

// applyLocked folds one observation into the posterior map.
func (s *Store) applyLocked(obs api.Observation) {
	switch obs.Type {
	case api.ObsCascadeWindow, api.ObsIntervention:
		if obs.PatternID == "" || obs.Outcome.Kind != api.OutcomeBool {
			return
		}
		post, ok := s.betas[obs.PatternID]
		if !ok {
			post = s.betaPriorLocked(obs.PatternID)
		}
		s.betas[obs.PatternID] = post.Update(obs.Outcome.Bool)

	case api.ObsSeverityReading:
		if obs.Domain == "" || obs.Outcome.Kind != api.OutcomeValue {
			return
		}
		key := api.SeverityKey(obs.Domain)
		post, ok := s.normals[key]
		if !ok {
			post = s.normalPrior
		}
		s.normals[key] = post.Update(obs.Outcome.Value, s.params.NoiseVariance)
	}
}

// refoldLocked rebuilds every posterior from the declared priors and the
// retained observations. Conjugate updates commute, so iteration order does
// not matter.
func (s *Store) refoldLocked() {
	s.betas = make(map[string]conjugate.Beta)
	s.normals = make(map[string]conjugate.Normal)
	for _, obs := range s.observations {
		s.applyLocked(obs)
	}
}

func (s *Store) betaPriorLocked(patternID string) conjugate.Beta {
	if p, ok := s.betaPriors[patternID]; ok {
		return p
	}
	return conjugate.DefaultBetaPrior()
}

// persist writes the log and a posterior-map snapshot through the port.
func (s *Store) persist(ctx context.Context) error {
	s.mu.RLock()
	state := persistedState{
		Observations: append([]api.Observation(nil), s.observations...),
		BetaPriors:   s.betaPriors,
	}
	posteriors := map[string]interface{}{
		"beta":   s.betas,
		"normal": s.normals,
	}
	s.mu.RUnlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyObservations, data); err != nil {
		return err
	}

	// The posterior snapshot is a convenience for external readers; the
	// observation log remains the source of truth.
	snap, err := json.Marshal(posteriors)
	if err != nil {
		return err
	}
	return s.kv.Set(ctx, KeyPosteriors, snap)
}

// Observations returns a copy of the retained log.
func (s *Store) Observations() []api.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.Observation(nil), s.observations...)
}

// ForPattern returns the retained observations for a pattern, oldest first.
func (s *Store) ForPattern(patternID string) []api.Observation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []api.Observation
	for _, obs := range s.observations {
		if obs.PatternID == patternID {
			out = append(out, obs)
		}
	}
	return out
}

// CascadeCounts returns (successes, trials) over the pattern's retained
// cascade-window observations.
func (s *Store) CascadeCounts(patternID string) (k, n int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, obs := range s.observations {
		if obs.PatternID != patternID || obs.Type != api.ObsCascadeWindow || obs.Outcome.Kind != api.OutcomeBool {
			continue
		}
		n++
		if obs.Outcome.Bool {
			k++
		}
	}
	return k, n
}

// Posterior returns the current Beta posterior for a pattern, falling back
// to the declared prior when no observations exist.
func (s *Store) Posterior(patternID string) conjugate.Beta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if post, ok := s.betas[patternID]; ok {
		return post
	}
	return s.betaPriorLocked(patternID)
}

// PosteriorAt folds the declared prior over only the retained observations
// for the pattern stamped at or before asOf. Snapshot predictions use this
// instead of Posterior so a back-dated scan cannot fold future-stamped
// history into a frozen prediction.
func (s *Store) PosteriorAt(patternID string, asOf int64) conjugate.Beta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	post := s.betaPriorLocked(patternID)
	for _, obs := range s.observations {
		if obs.PatternID != patternID || obs.Timestamp > asOf {
			continue
		}
		if obs.Type != api.ObsCascadeWindow && obs.Type != api.ObsIntervention {
			continue
		}
		if obs.Outcome.Kind != api.OutcomeBool {
			continue
		}
		post = post.Update(obs.Outcome.Bool)
	}
	return post
}

// SeverityPosterior returns the current Normal posterior for a domain,
// falling back to the severity prior.
func (s *Store) SeverityPosterior(domain string) conjugate.Normal {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if post, ok := s.normals[api.SeverityKey(domain)]; ok {
		return post
	}
	return s.normalPrior
}

// Prior returns the declared Beta prior for a pattern.
func (s *Store) Prior(patternID string) conjugate.Beta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.betaPriorLocked(patternID)
}

// SetPrior replaces a pattern's declared prior (empirical-Bayes
// recalibration) and refolds that pattern's posterior from the log.
func (s *Store) SetPrior(ctx context.Context, patternID string, prior conjugate.Beta) {
	s.mu.Lock()
	s.betaPriors[patternID] = prior
	s.refoldLocked()
	s.mu.Unlock()

	if err := s.persist(ctx); err != nil {
		log.Printf("persist after prior update failed: %v", err)
	}
}

// Len returns the number of retained observations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.observations)
}

// Params returns the engine parameters the store was built with.
func (s *Store) Params() api.EngineParams {
	return s.params
}

// KVPort exposes the persistence port for collaborators that share it
// (pending queue, recalibration tracker, seed marker).
func (s *Store) KVPort() KV {
	return s.kv
}
