// Package domain contains the core types of the rainfall oracle engine.
// The domain layer is pure: no database, network, or logging dependencies.
package domain

import (
	"fmt"
	"time"
)

// PolicyStatus represents the lifecycle state of an insurance policy
// as reported by the chain. Status transitions are driven only by
// confirmed chain state, never inferred locally.
type PolicyStatus string

const (
	StatusActive    PolicyStatus = "active"
	StatusTriggered PolicyStatus = "triggered"
	StatusMatured   PolicyStatus = "matured"
	StatusSettled   PolicyStatus = "settled"
)

// TriggerMode determines when a payout decision is allowed to fire.
type TriggerMode string

const (
	// ModeEarlyTrigger pays out as soon as the threshold is reached
	// within the coverage window.
	ModeEarlyTrigger TriggerMode = "early_trigger"
	// ModeMaturityOnly defers the decision to coverage end, even if the
	// threshold was crossed earlier.
	ModeMaturityOnly TriggerMode = "maturity_only"
)

// WindowMode selects which rainfall sum a policy is settled against.
// Policy versions differ here, so it is per-policy data, not a global rule.
type WindowMode string

const (
	// WindowCumulative sums all rainfall since coverage start.
	WindowCumulative WindowMode = "cumulative"
	// WindowTrailing sums rainfall over a trailing window of
	// WindowSeconds ending at the latest observed bucket.
	WindowTrailing WindowMode = "trailing"
)

// Policy is an insurance policy under monitoring. Policies are created
// by the chain and only read by this engine.
type Policy struct {
	ID            string       `json:"id"`
	Latitude      float64      `json:"latitude"`
	Longitude     float64      `json:"longitude"`
	LocationKey   string       `json:"location_key,omitempty"` // provider key, resolved lazily
	CoverageStart int64        `json:"coverage_start"`         // unix seconds, inclusive
	CoverageEnd   int64        `json:"coverage_end"`           // unix seconds, exclusive
	ThresholdTMM  int64        `json:"threshold_tmm"`          // tenths of a millimeter
	TriggerMode   TriggerMode  `json:"trigger_mode"`
	WindowMode    WindowMode   `json:"window_mode"`
	WindowSeconds int64        `json:"window_seconds,omitempty"` // trailing window length
	Status        PolicyStatus `json:"status"`
}

// InCoverage reports whether t falls inside the half-open coverage
// window [CoverageStart, CoverageEnd).
func (p *Policy) InCoverage(t int64) bool {
	return t >= p.CoverageStart && t < p.CoverageEnd
}

// Validate checks policy parameters for internal consistency.
func (p *Policy) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("policy has empty id")
	}
	if p.CoverageEnd <= p.CoverageStart {
		return fmt.Errorf("policy %s: coverage end %d not after start %d", p.ID, p.CoverageEnd, p.CoverageStart)
	}
	if p.ThresholdTMM <= 0 {
		return fmt.Errorf("policy %s: non-positive threshold %d", p.ID, p.ThresholdTMM)
	}
	if p.WindowMode == WindowTrailing && p.WindowSeconds <= 0 {
		return fmt.Errorf("policy %s: trailing window without window_seconds", p.ID)
	}
	return nil
}

// Reading is a single time-stamped precipitation observation.
// Values use integer tenths of a millimeter to avoid floating-point
// drift across thousands of additions over a policy's lifetime.
type Reading struct {
	Timestamp int64 // unix seconds
	TenthsMM  int64
}

// DecisionKind classifies the outcome of a trigger evaluation.
type DecisionKind string

const (
	DecisionNone         DecisionKind = "none"
	DecisionEarlyTrigger DecisionKind = "early_trigger"
	DecisionMatured      DecisionKind = "matured"
)

// Evidence records the aggregate state a decision was based on, for
// auditability of submitted reports.
type Evidence struct {
	CumulativeTMM int64     `json:"cumulative_tmm"`
	FirstBucket   int64     `json:"first_bucket"`
	LastBucket    int64     `json:"last_bucket"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// TriggerDecision is the result of evaluating one policy against its
// current rainfall state.
type TriggerDecision struct {
	Kind DecisionKind
	// EventOccurred is meaningful for DecisionMatured: a policy can
	// mature with the event having occurred in maturity-only mode.
	// It is always true for DecisionEarlyTrigger.
	EventOccurred bool
	Evidence      Evidence
}

// None is the no-op decision.
func None() TriggerDecision {
	return TriggerDecision{Kind: DecisionNone}
}
