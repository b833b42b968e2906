// Package registry tracks the set of policies under monitoring.
//
// Two producers feed it: the chain event stream (latency optimization)
// and periodic full reconciliation reads (source of truth). Correctness
// never depends on an event being delivered.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/events"
)

// statusRank orders lifecycle states so a stale event can never move a
// policy backwards.
var statusRank = map[domain.PolicyStatus]int{
	domain.StatusActive:    0,
	domain.StatusTriggered: 1,
	domain.StatusMatured:   1,
	domain.StatusSettled:   2,
}

// Registry owns the authoritative in-memory set of policies needing
// attention. Settled policies leave the set and are never evaluated or
// submitted against again.
type Registry struct {
	chain domain.ChainReader
	bus   *events.Bus
	log   zerolog.Logger

	mu        sync.RWMutex
	policies  map[string]domain.Policy
	onSettled []func(policyID string)
}

// New creates a policy registry.
func New(chain domain.ChainReader, bus *events.Bus, log zerolog.Logger) *Registry {
	return &Registry{
		chain:    chain,
		bus:      bus,
		log:      log.With().Str("component", "registry").Logger(),
		policies: make(map[string]domain.Policy),
	}
}

// OnSettled registers a callback invoked when a policy leaves
// monitoring scope (rolling state and snapshots can be discarded).
func (r *Registry) OnSettled(fn func(policyID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onSettled = append(r.onSettled, fn)
}

// SubscribeTo wires the registry to chain lifecycle events on the bus.
func (r *Registry) SubscribeTo(bus *events.Bus) {
	bus.Subscribe(events.PolicyCreated, r.handlePolicyEvent)
	bus.Subscribe(events.PolicyStatusChanged, r.handlePolicyEvent)
}

func (r *Registry) handlePolicyEvent(e events.Event) {
	policy, ok := e.Data["policy"].(domain.Policy)
	if !ok {
		r.log.Warn().Str("event", string(e.Type)).Msg("Policy event without policy payload")
		return
	}
	r.apply(policy, "event")
}

// Reconcile re-reads ground truth from the chain: adds newly created
// policies, removes policies the chain reports as settled, and corrects
// any local status drift. A full read, not an event diff, specifically
// to tolerate missed events across dropped connections and restarts.
func (r *Registry) Reconcile(ctx context.Context) error {
	chainPolicies, err := r.chain.ListPolicies(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	seen := make(map[string]bool, len(chainPolicies))
	for _, p := range chainPolicies {
		seen[p.ID] = true
		r.apply(p, "reconcile")
	}

	// Policies the chain no longer reports have left our scope.
	r.mu.Lock()
	var gone []string
	for id := range r.policies {
		if !seen[id] {
			gone = append(gone, id)
			delete(r.policies, id)
		}
	}
	callbacks := make([]func(string), len(r.onSettled))
	copy(callbacks, r.onSettled)
	r.mu.Unlock()

	for _, id := range gone {
		r.log.Info().Str("policy_id", id).Msg("Policy left chain state, dropping from monitoring")
		for _, fn := range callbacks {
			fn(id)
		}
	}

	r.log.Debug().Int("policies", len(chainPolicies)).Msg("Reconciled policy set")
	return nil
}

// apply upserts a policy, keeping the most advanced status when the
// incoming copy lags the local one (events can arrive out of order).
func (r *Registry) apply(p domain.Policy, source string) {
	r.mu.Lock()

	existing, known := r.policies[p.ID]
	if known && statusRank[p.Status] < statusRank[existing.Status] {
		// Stale information; reconciliation will sort out real drift.
		r.mu.Unlock()
		return
	}

	statusChanged := known && existing.Status != p.Status

	if p.Status == domain.StatusSettled {
		delete(r.policies, p.ID)
	} else {
		r.policies[p.ID] = p
	}
	callbacks := make([]func(string), len(r.onSettled))
	copy(callbacks, r.onSettled)
	r.mu.Unlock()

	switch {
	case !known && p.Status != domain.StatusSettled:
		r.log.Info().
			Str("policy_id", p.ID).
			Str("status", string(p.Status)).
			Str("source", source).
			Msg("Policy entered monitoring")
		if r.bus != nil && source == "reconcile" {
			r.bus.Emit(events.PolicyCreated, "registry", map[string]interface{}{"policy": p})
		}

	case statusChanged:
		r.log.Info().
			Str("policy_id", p.ID).
			Str("from", string(existing.Status)).
			Str("to", string(p.Status)).
			Str("source", source).
			Msg("Policy status changed")
	}

	if known && p.Status == domain.StatusSettled {
		for _, fn := range callbacks {
			fn(p.ID)
		}
	}
}

// ActivePolicies returns the policies currently eligible for
// monitoring work, in no particular order.
func (r *Registry) ActivePolicies() []domain.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		if p.Status == domain.StatusActive {
			out = append(out, p)
		}
	}
	return out
}

// All returns every tracked (non-settled) policy.
func (r *Registry) All() []domain.Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	return out
}

// Get returns a tracked policy by id.
func (r *Registry) Get(id string) (domain.Policy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[id]
	return p, ok
}

// StatusCounts returns the number of tracked policies per status.
func (r *Registry) StatusCounts() map[domain.PolicyStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[domain.PolicyStatus]int)
	for _, p := range r.policies {
		counts[p.Status]++
	}
	return counts
}
