// Package api defines the wire and domain types shared across the cascade
// engine: observations, pending predictions, scan input, and the tunable
// engine parameters.
package api

import (
	"fmt"
	"time"
)

// ObservationType tags the three kinds of finalized observation.
type ObservationType string

const (
	ObsCascadeWindow   ObservationType = "cascade_window"
	ObsIntervention    ObservationType = "intervention"
	ObsSeverityReading ObservationType = "severity_reading"
)

// Valid reports whether t is one of the declared observation types.
func (t ObservationType) Valid() bool {
	switch t {
	case ObsCascadeWindow, ObsIntervention, ObsSeverityReading:
		return true
	}
	return false
}

// OutcomeKind tags the variant held by an Outcome.
type OutcomeKind string

const (
	OutcomeBool  OutcomeKind = "bool"
	OutcomeValue OutcomeKind = "value"
)

// Outcome is the observed result of a finalized observation: a boolean for
// cascade windows and interventions, a number for severity readings.
type Outcome struct {
	Kind  OutcomeKind `json:"kind"`
	Bool  bool        `json:"bool,omitempty"`
	Value float64     `json:"value,omitempty"`
}

// BoolOutcome wraps a binary outcome.
func BoolOutcome(b bool) Outcome {
	return Outcome{Kind: OutcomeBool, Bool: b}
}

// ValueOutcome wraps a continuous outcome.
func ValueOutcome(v float64) Outcome {
	return Outcome{Kind: OutcomeValue, Value: v}
}

// Present reports whether the outcome carries a value at all.
func (o Outcome) Present() bool {
	return o.Kind == OutcomeBool || o.Kind == OutcomeValue
}

// Float collapses the outcome to a number: booleans map to 0/1.
func (o Outcome) Float() float64 {
	if o.Kind == OutcomeBool {
		if o.Bool {
			return 1
		}
		return 0
	}
	return o.Value
}

// Window is a time span in epoch milliseconds. The pipeline treats both
// boundaries of a target window as inclusive when querying ground truth.
type Window struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Duration returns the window length.
func (w Window) Duration() time.Duration {
	return time.Duration(w.End-w.Start) * time.Millisecond
}

// Observation is an immutable finalized record. Once appended to the store
// it is never mutated; the store evicts oldest-first past the retention cap.
type Observation struct {
	Type             ObservationType `json:"observation_type"`
	InterventionType string          `json:"intervention_type,omitempty"`
	Magnitude        float64         `json:"magnitude"`
	Timestamp        int64           `json:"timestamp"` // epoch ms
	Outcome          Outcome         `json:"observed_outcome"`
	NoiseContext     string          `json:"noise_context"`
	Domain           string          `json:"domain,omitempty"`
	PatternID        string          `json:"pattern_id,omitempty"`
	WindowStart      int64           `json:"window_start"`
	WindowEnd        int64           `json:"window_end"`

	// PredictedProbability is the probability frozen before the outcome was
	// known, carried for later scoring. Nil for observations that were never
	// predicted (seed data, manual records).
	PredictedProbability *float64 `json:"predicted_probability,omitempty"`
}

// PendingPrediction is a transient, not-yet-scored prediction. It is created
// at scan time and destroyed once its target window has fully elapsed, at
// which point it becomes a finalized Observation.
type PendingPrediction struct {
	ID                   string             `json:"id"`
	CreatedAt            int64              `json:"created_at"` // epoch ms
	PatternID            string             `json:"pattern_id"`
	Magnitude            float64            `json:"magnitude"`
	Domain               string             `json:"domain,omitempty"`
	FeatureWindow        Window             `json:"feature_window"`
	TargetWindow         Window             `json:"target_window"`
	PredictedProbability float64            `json:"predicted_probability"`
	FeatureSnapshot      map[string]float64 `json:"feature_snapshot,omitempty"`
}

// CascadeSignal is one detected cascade pattern in a scan trigger.
type CascadeSignal struct {
	PatternID      string   `json:"pattern_id"`
	Severity       float64  `json:"severity"`
	Confidence     float64  `json:"confidence"`
	SignalCount    int      `json:"signal_count"`
	MatchedDomains []string `json:"matched_domains"`
}

// DomainPressure summarizes elevated activity in one domain.
type DomainPressure struct {
	AvgSeverity float64 `json:"avg_severity"`
	Count       int     `json:"count"`
}

// ScanInput is the payload delivered by the external distribution layer on
// each scan trigger.
type ScanInput struct {
	Cascades        []CascadeSignal           `json:"cascades"`
	ElevatedDomains map[string]DomainPressure `json:"elevated_domains"`
	Status          string                    `json:"status"`
}

// LabelDefinition is the declared ground-truth contract for a pattern's
// seed data. Used only to validate seed records, never at inference time.
type LabelDefinition struct {
	Metric    string  `json:"metric"`
	Cutoff    float64 `json:"cutoff"`
	Direction string  `json:"direction"` // "absolute" or "above"
	Source    string  `json:"source"`
}

// SeedRecord is one row of an externally supplied historical dataset.
type SeedRecord struct {
	Date      string  `json:"date,omitempty"`
	Timestamp int64   `json:"timestamp,omitempty"` // epoch ms, optional if Date set
	Event     string  `json:"event"`
	ReturnPct float64 `json:"return_pct"`
	Label     int     `json:"label"`
	Source    string  `json:"source"`
	PatternID string  `json:"pattern_id"`
	Notes     string  `json:"notes,omitempty"`
}

// InsufficientData is the structured non-error result returned when a check
// has too little history to say anything defensible.
type InsufficientData struct {
	Status        string `json:"status"`
	N             int    `json:"n"`
	MinimumNeeded int    `json:"minimum_needed"`
}

// StatusInsufficientData is the Status value carried by InsufficientData.
const StatusInsufficientData = "INSUFFICIENT_DATA"

// NewInsufficientData builds the standard insufficient-data result.
func NewInsufficientData(n, minimum int) *InsufficientData {
	return &InsufficientData{Status: StatusInsufficientData, N: n, MinimumNeeded: minimum}
}

// SeverityKey returns the posterior-store key for a domain's severity model.
func SeverityKey(domain string) string {
	return "severity_" + domain
}

// EngineParams carries the engine's tunable constants.
type EngineParams struct {
	FeatureWindow     time.Duration `json:"feature_window"`
	PredictionHorizon time.Duration `json:"prediction_horizon"`
	RetentionLimit    int           `json:"retention_limit"`
	NoiseVariance     float64       `json:"noise_variance"`
	NumSimulations    int           `json:"num_simulations"`
	CalibrationBins   int           `json:"calibration_bins"`
}

// DefaultEngineParams returns the standard parameters: 6h feature and
// target windows, 1000-observation retention, noise variance 25 on the
// 0-100 magnitude scale, 2000 posterior-predictive simulations, 5 bins.
func DefaultEngineParams() EngineParams {
	return EngineParams{
		FeatureWindow:     6 * time.Hour,
		PredictionHorizon: 6 * time.Hour,
		RetentionLimit:    1000,
		NoiseVariance:     25,
		NumSimulations:    2000,
		CalibrationBins:   5,
	}
}

// PendingID computes the canonical pending-prediction id.
func PendingID(patternID string, createdAt int64) string {
	return fmt.Sprintf("%s-%d", patternID, createdAt)
}
