package chain

import (
	"fmt"

	"github.com/rainshield/rainshield/internal/domain"
)

// wirePolicy is the ledger's policy representation.
type wirePolicy struct {
	ID            string  `json:"id"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	CoverageStart int64   `json:"coverage_start"`
	CoverageEnd   int64   `json:"coverage_end"`
	ThresholdTMM  int64   `json:"threshold_tmm"`
	TriggerMode   string  `json:"trigger_mode"`
	WindowMode    string  `json:"window_mode"`
	WindowSeconds int64   `json:"window_seconds"`
	Status        string  `json:"status"`
}

// policiesResponse wraps the full policy read used for reconciliation.
type policiesResponse struct {
	Policies []wirePolicy `json:"policies"`
	Height   int64        `json:"height"`
}

// reportResponse is the ledger's answer to a report submission.
type reportResponse struct {
	TxID string `json:"tx_id"`
}

// rpcError is the ledger's error envelope.
type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// codeAlreadySettled is the chain's own idempotency guard: a report
// for a policy that already left Active status.
const codeAlreadySettled = "ALREADY_SETTLED"

func toDomainPolicy(w wirePolicy) (domain.Policy, error) {
	p := domain.Policy{
		ID:            w.ID,
		Latitude:      w.Latitude,
		Longitude:     w.Longitude,
		CoverageStart: w.CoverageStart,
		CoverageEnd:   w.CoverageEnd,
		ThresholdTMM:  w.ThresholdTMM,
		TriggerMode:   domain.TriggerMode(w.TriggerMode),
		WindowMode:    domain.WindowMode(w.WindowMode),
		WindowSeconds: w.WindowSeconds,
		Status:        domain.PolicyStatus(w.Status),
	}

	switch p.TriggerMode {
	case domain.ModeEarlyTrigger, domain.ModeMaturityOnly:
	default:
		return domain.Policy{}, fmt.Errorf("policy %s: unknown trigger mode %q", w.ID, w.TriggerMode)
	}

	switch p.WindowMode {
	case domain.WindowTrailing:
	case domain.WindowCumulative, "":
		// Older policy versions predate window modes and are
		// cumulative-since-start.
		p.WindowMode = domain.WindowCumulative
	default:
		return domain.Policy{}, fmt.Errorf("policy %s: unknown window mode %q", w.ID, w.WindowMode)
	}

	switch p.Status {
	case domain.StatusActive, domain.StatusTriggered, domain.StatusMatured, domain.StatusSettled:
	default:
		return domain.Policy{}, fmt.Errorf("policy %s: unknown status %q", w.ID, w.Status)
	}

	if err := p.Validate(); err != nil {
		return domain.Policy{}, err
	}

	return p, nil
}
