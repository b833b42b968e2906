package evaluator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/rainshield/rainshield/internal/aggregator"
	"github.com/rainshield/rainshield/internal/domain"
)

const day = int64(86400)

func testPolicy(mode domain.TriggerMode) *domain.Policy {
	return &domain.Policy{
		ID:            "pol-1",
		CoverageStart: 0,
		CoverageEnd:   10 * day,
		ThresholdTMM:  500, // 50.0mm
		TriggerMode:   mode,
		WindowMode:    domain.WindowCumulative,
		Status:        domain.StatusActive,
	}
}

func viewWith(cumulative int64) aggregator.View {
	return aggregator.View{CumulativeTMM: cumulative, FirstBucket: 0, LastBucket: 71, HasData: true}
}

func at(unix int64) time.Time {
	return time.Unix(unix, 0)
}

func TestEvaluate_NonActiveIsNone(t *testing.T) {
	for _, status := range []domain.PolicyStatus{domain.StatusTriggered, domain.StatusMatured, domain.StatusSettled} {
		p := testPolicy(domain.ModeEarlyTrigger)
		p.Status = status

		d := Evaluate(p, viewWith(9999), at(3*day))
		assert.Equal(t, domain.DecisionNone, d.Kind, "status %s", status)
	}
}

func TestEvaluate_EarlyTriggerFiresInWindow(t *testing.T) {
	p := testPolicy(domain.ModeEarlyTrigger)

	// 52mm after 3 days of a 10-day window.
	d := Evaluate(p, viewWith(520), at(3*day))

	assert.Equal(t, domain.DecisionEarlyTrigger, d.Kind)
	assert.True(t, d.EventOccurred)
	assert.Equal(t, int64(520), d.Evidence.CumulativeTMM)
}

func TestEvaluate_BelowThresholdIsNone(t *testing.T) {
	p := testPolicy(domain.ModeEarlyTrigger)

	d := Evaluate(p, viewWith(499), at(3*day))
	assert.Equal(t, domain.DecisionNone, d.Kind)
}

func TestEvaluate_ThresholdTieCountsAsOccurred(t *testing.T) {
	p := testPolicy(domain.ModeEarlyTrigger)

	// Exactly 50.0mm: reached-or-exceeded, never strictly-greater.
	d := Evaluate(p, viewWith(500), at(3*day))
	assert.Equal(t, domain.DecisionEarlyTrigger, d.Kind)
	assert.True(t, d.EventOccurred)
}

func TestEvaluate_MaturityOnlyDefersDecision(t *testing.T) {
	p := testPolicy(domain.ModeMaturityOnly)

	// Threshold crossed mid-window: no decision yet in maturity-only mode.
	d := Evaluate(p, viewWith(600), at(3*day))
	assert.Equal(t, domain.DecisionNone, d.Kind)

	// At coverage end the event is reported as occurred.
	d = Evaluate(p, viewWith(600), at(10*day))
	assert.Equal(t, domain.DecisionMatured, d.Kind)
	assert.True(t, d.EventOccurred)
}

func TestEvaluate_MaturedWithoutEvent(t *testing.T) {
	p := testPolicy(domain.ModeMaturityOnly)

	// 30mm by coverage end: matured, event did not occur. Never fires
	// before the window ends.
	d := Evaluate(p, viewWith(300), at(10*day-1))
	assert.Equal(t, domain.DecisionNone, d.Kind)

	d = Evaluate(p, viewWith(300), at(10*day))
	assert.Equal(t, domain.DecisionMatured, d.Kind)
	assert.False(t, d.EventOccurred)
}

func TestEvaluate_EarlyTriggerModeMaturesWhenMissed(t *testing.T) {
	p := testPolicy(domain.ModeEarlyTrigger)

	// Threshold never reached: the policy matures without an event.
	d := Evaluate(p, viewWith(300), at(10*day))
	assert.Equal(t, domain.DecisionMatured, d.Kind)
	assert.False(t, d.EventOccurred)
}

func TestEvaluate_ThresholdCrossedAfterWindowMaturesOccurred(t *testing.T) {
	p := testPolicy(domain.ModeEarlyTrigger)

	// Evaluation happens after coverage end with the threshold met:
	// maturity with event occurred, not a late early-trigger.
	d := Evaluate(p, viewWith(700), at(10*day+1))
	assert.Equal(t, domain.DecisionMatured, d.Kind)
	assert.True(t, d.EventOccurred)
}

func TestEvaluate_NoDataMaturesWithoutEvent(t *testing.T) {
	p := testPolicy(domain.ModeMaturityOnly)

	d := Evaluate(p, aggregator.View{}, at(10*day))
	assert.Equal(t, domain.DecisionMatured, d.Kind)
	assert.False(t, d.EventOccurred)
}
