// Package evaluator holds the trigger decision logic. It is a pure
// function of policy parameters and aggregate rainfall state, with no
// side effects, so every decision path is unit-testable in isolation.
package evaluator

import (
	"time"

	"github.com/rainshield/rainshield/internal/aggregator"
	"github.com/rainshield/rainshield/internal/domain"
)

// Evaluate decides what, if anything, should be reported for a policy.
//
// The threshold check is "value reached or exceeded": equality counts
// as the event having occurred. In early-trigger mode the check is
// monotonic within a window — once the cumulative sum reaches the
// threshold it can only stay equal or grow — so a decision, once made,
// is final for that policy.
func Evaluate(policy *domain.Policy, view aggregator.View, now time.Time) domain.TriggerDecision {
	if policy.Status != domain.StatusActive {
		return domain.None()
	}

	nowUnix := now.Unix()
	occurred := view.HasData && view.CumulativeTMM >= policy.ThresholdTMM

	evidence := domain.Evidence{
		CumulativeTMM: view.CumulativeTMM,
		FirstBucket:   view.FirstBucket,
		LastBucket:    view.LastBucket,
		EvaluatedAt:   now.UTC(),
	}

	if policy.TriggerMode == domain.ModeEarlyTrigger && occurred && policy.InCoverage(nowUnix) {
		return domain.TriggerDecision{
			Kind:          domain.DecisionEarlyTrigger,
			EventOccurred: true,
			Evidence:      evidence,
		}
	}

	if nowUnix >= policy.CoverageEnd {
		// Maturity without an early trigger. In maturity-only mode the
		// event may still have occurred; the mode changes when the
		// decision fires, not the threshold check itself.
		return domain.TriggerDecision{
			Kind:          domain.DecisionMatured,
			EventOccurred: occurred,
			Evidence:      evidence,
		}
	}

	return domain.None()
}
