package domain

import "context"

// WeatherFetcher returns time-stamped precipitation readings for a
// provider location key over a half-open window [start, end), in
// ascending time order.
type WeatherFetcher interface {
	FetchPrecipitation(ctx context.Context, locationKey string, start, end int64) ([]Reading, error)
}

// Geocoder maps geographic coordinates to the weather provider's
// internal location key.
type Geocoder interface {
	Geocode(ctx context.Context, lat, lon float64) (string, error)
}

// ChainReader exposes the ground-truth policy set on the insurance
// ledger. ListPolicies is a full read, used for reconciliation.
type ChainReader interface {
	ListPolicies(ctx context.Context) ([]Policy, error)
	GetPolicy(ctx context.Context, id string) (*Policy, error)
}

// Report is the payload submitted to the chain for a trigger or
// maturity decision.
type Report struct {
	PolicyID      string       `json:"policy_id"`
	Kind          DecisionKind `json:"kind"`
	EventOccurred bool         `json:"event_occurred"`
	Evidence      Evidence     `json:"evidence"`
}

// ChainSubmitter writes a signed report to the chain. The chain rejects
// duplicate reports for an already-settled policy; implementations
// surface that as a FaultChainDuplicate fault.
type ChainSubmitter interface {
	SubmitReport(ctx context.Context, report Report) (txID string, err error)
}
