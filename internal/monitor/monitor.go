// Package monitor drives the per-policy monitoring pass: resolve the
// location, fetch new precipitation, ingest it into the rolling state,
// evaluate the trigger condition, and hand any decision to the
// submitter.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rainshield/rainshield/internal/aggregator"
	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/evaluator"
	"github.com/rainshield/rainshield/internal/events"
	"github.com/rainshield/rainshield/internal/registry"
	"github.com/rainshield/rainshield/internal/resolver"
	"github.com/rainshield/rainshield/internal/submitter"
)

// Options bound the pass's concurrency and per-call timeouts.
type Options struct {
	WorkerLimit   int
	FetchTimeout  time.Duration
	SubmitTimeout time.Duration
}

// PassStats summarizes one monitoring pass.
type PassStats struct {
	Cycle     uint64 `json:"cycle"`
	Policies  int    `json:"policies"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Submitted int    `json:"submitted"`
	Errors    int    `json:"errors"`
}

// Monitor orchestrates monitoring passes. Policies are processed
// concurrently up to a worker limit, with all work for a single policy
// serialized by a per-policy lock. One policy's failure never stops the
// rest of the pass.
type Monitor struct {
	registry  *registry.Registry
	resolver  *resolver.Resolver
	weather   domain.WeatherFetcher
	agg       *aggregator.Aggregator
	snapshots *aggregator.SnapshotStore
	submitter *submitter.Submitter
	bus       *events.Bus
	log       zerolog.Logger
	opts      Options

	cycle atomic.Uint64
	now   func() time.Time

	mu        sync.Mutex
	policyMu  map[string]*sync.Mutex
	excluded  map[string]string // policy id -> fatal fault description
	evaluated map[string]bool
}

// New creates a monitor.
func New(
	reg *registry.Registry,
	res *resolver.Resolver,
	weather domain.WeatherFetcher,
	agg *aggregator.Aggregator,
	snapshots *aggregator.SnapshotStore,
	sub *submitter.Submitter,
	bus *events.Bus,
	log zerolog.Logger,
	opts Options,
) *Monitor {
	if opts.WorkerLimit < 1 {
		opts.WorkerLimit = 1
	}
	m := &Monitor{
		registry:  reg,
		resolver:  res,
		weather:   weather,
		agg:       agg,
		snapshots: snapshots,
		submitter: sub,
		bus:       bus,
		log:       log.With().Str("component", "monitor").Logger(),
		opts:      opts,
		now:       time.Now,
		policyMu:  make(map[string]*sync.Mutex),
		excluded:  make(map[string]string),
		evaluated: make(map[string]bool),
	}
	reg.OnSettled(m.forget)
	return m
}

// RunPass executes one monitoring pass over all active policies.
func (m *Monitor) RunPass(ctx context.Context) PassStats {
	cycle := m.cycle.Add(1)
	policies := m.registry.ActivePolicies()

	stats := PassStats{Cycle: cycle, Policies: len(policies)}
	var statsMu sync.Mutex

	g := &errgroup.Group{}
	g.SetLimit(m.opts.WorkerLimit)

	for _, p := range policies {
		policy := p
		g.Go(func() error {
			outcome := m.processPolicy(ctx, &policy, cycle)

			statsMu.Lock()
			switch outcome {
			case outcomeProcessed:
				stats.Processed++
			case outcomeSubmitted:
				stats.Processed++
				stats.Submitted++
			case outcomeSkipped:
				stats.Skipped++
			case outcomeError:
				stats.Errors++
			}
			statsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.log.Info().
		Uint64("cycle", cycle).
		Int("policies", stats.Policies).
		Int("processed", stats.Processed).
		Int("skipped", stats.Skipped).
		Int("submitted", stats.Submitted).
		Int("errors", stats.Errors).
		Msg("Monitoring pass completed")

	m.bus.Emit(events.PassCompleted, "monitor", map[string]interface{}{
		"cycle":     cycle,
		"policies":  stats.Policies,
		"processed": stats.Processed,
		"skipped":   stats.Skipped,
		"submitted": stats.Submitted,
		"errors":    stats.Errors,
	})
	return stats
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeSubmitted
	outcomeSkipped
	outcomeError
)

func (m *Monitor) processPolicy(ctx context.Context, policy *domain.Policy, cycle uint64) outcome {
	if reason, ok := m.exclusionFor(policy.ID); ok {
		m.log.Debug().Str("policy_id", policy.ID).Str("reason", reason).
			Msg("Policy excluded pending operator attention")
		return outcomeSkipped
	}

	mu := m.lockFor(policy.ID)
	mu.Lock()
	defer mu.Unlock()

	log := m.log.With().Str("policy_id", policy.ID).Uint64("cycle", cycle).Logger()
	now := m.now()

	accepted, err := m.fetchAndIngest(ctx, policy, cycle, now)
	if err != nil {
		switch domain.ClassOf(err) {
		case domain.FaultFatal:
			m.exclude(policy.ID, err)
			log.Error().Err(err).Msg("Fatal fault, excluding policy until resolved")
			m.bus.EmitError("monitor", err, map[string]interface{}{"policy_id": policy.ID})
		case domain.FaultDataUnavailable:
			log.Debug().Err(err).Msg("Provider cannot serve window yet, deferring policy")
		default:
			log.Warn().Err(err).Msg("Transient fault, policy retried next pass")
		}
		return outcomeError
	}

	// No new rainfall and coverage still running: the cumulative sum
	// cannot have changed since the last evaluation, so neither can the
	// decision. A state restored from snapshot is evaluated once before
	// this shortcut applies, and a policy with an unconfirmed report is
	// never skipped, so a submission stranded by a pass timeout is
	// re-driven on the next pass rather than waiting for new rain.
	if accepted == 0 && now.Unix() < policy.CoverageEnd && m.wasEvaluated(policy.ID) {
		open, err := m.submitter.HasUnconfirmed(ctx, policy.ID)
		if err == nil && !open {
			return outcomeSkipped
		}
	}

	view, _ := m.agg.CurrentView(policy.ID)
	m.markEvaluated(policy.ID)
	decision := evaluator.Evaluate(policy, view, now)
	if decision.Kind == domain.DecisionNone {
		return outcomeProcessed
	}

	log.Info().
		Str("decision", string(decision.Kind)).
		Bool("event_occurred", decision.EventOccurred).
		Int64("cumulative_tmm", decision.Evidence.CumulativeTMM).
		Int64("threshold_tmm", policy.ThresholdTMM).
		Msg("Trigger decision reached")

	subCtx, cancel := context.WithTimeout(ctx, m.opts.SubmitTimeout)
	defer cancel()
	if err := m.submitter.Submit(subCtx, decision, policy.ID); err != nil {
		// The durable record already exists; the retry sweep owns it now.
		log.Warn().Err(err).Msg("Report not yet confirmed")
		return outcomeError
	}
	return outcomeSubmitted
}

// fetchAndIngest pulls the policy's missing precipitation window and
// merges it into the rolling state. Returns the number of accepted
// readings.
func (m *Monitor) fetchAndIngest(ctx context.Context, policy *domain.Policy, cycle uint64, now time.Time) (int, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, m.opts.FetchTimeout)
	defer cancel()

	locationKey := policy.LocationKey
	if locationKey == "" {
		var err error
		locationKey, err = m.resolver.Resolve(fetchCtx, policy.Latitude, policy.Longitude)
		if err != nil {
			return 0, err
		}
	}

	start := policy.CoverageStart
	if through, ok := m.agg.LastFetchedThrough(policy.ID); ok && through > start {
		start = through
	}
	end := now.Unix()
	if end >= policy.CoverageEnd {
		end = policy.CoverageEnd
	} else {
		// While coverage is running, only complete buckets are fetched.
		// The in-progress bucket can still gain readings; fetching part
		// of it would mark it done and lose the rest.
		end = m.agg.BucketFloor(end)
	}
	if start >= end {
		return 0, nil
	}

	readings, err := m.weather.FetchPrecipitation(fetchCtx, locationKey, start, end)
	if err != nil {
		return 0, err
	}

	res := m.agg.Ingest(policy, readings, cycle)
	if res.Stale > 0 {
		m.log.Warn().Str("policy_id", policy.ID).Int("stale", res.Stale).
			Msg("Provider revised history beyond the look-back window")
	}
	if res.Accepted > 0 && m.snapshots != nil {
		if payload, err := m.agg.Snapshot(policy.ID); err == nil && payload != nil {
			if err := m.snapshots.Save(policy.ID, payload); err != nil {
				m.log.Warn().Err(err).Str("policy_id", policy.ID).Msg("Snapshot save failed")
			}
		}
	}
	return res.Accepted, nil
}

func (m *Monitor) lockFor(policyID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.policyMu[policyID]
	if !ok {
		mu = &sync.Mutex{}
		m.policyMu[policyID] = mu
	}
	return mu
}

func (m *Monitor) wasEvaluated(policyID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evaluated[policyID]
}

func (m *Monitor) markEvaluated(policyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evaluated[policyID] = true
}

func (m *Monitor) exclude(policyID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded[policyID] = err.Error()
}

func (m *Monitor) exclusionFor(policyID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.excluded[policyID]
	return reason, ok
}

// Exclusions returns the policies currently excluded by fatal faults,
// for the status API.
func (m *Monitor) Exclusions() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.excluded))
	for k, v := range m.excluded {
		out[k] = v
	}
	return out
}

// ClearExclusion re-admits a policy after the operator resolved the
// underlying fault.
func (m *Monitor) ClearExclusion(policyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.excluded, policyID)
}

// Cycle returns the id of the last started pass.
func (m *Monitor) Cycle() uint64 {
	return m.cycle.Load()
}

// forget drops all per-policy bookkeeping once a policy settles.
func (m *Monitor) forget(policyID string) {
	m.mu.Lock()
	delete(m.policyMu, policyID)
	delete(m.excluded, policyID)
	delete(m.evaluated, policyID)
	m.mu.Unlock()

	m.agg.Drop(policyID)
	if m.snapshots != nil {
		if err := m.snapshots.Delete(policyID); err != nil {
			m.log.Warn().Err(err).Str("policy_id", policyID).Msg("Snapshot delete failed")
		}
	}
}
