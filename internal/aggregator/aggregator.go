// Package aggregator maintains per-policy rainfall state built from
// fixed-duration time buckets.
package aggregator

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
)

// state is the rolling rainfall state for one policy. All rainfall
// values are integer tenths of a millimeter.
//
// Invariant: cumulative equals the sum of all bucket values currently
// held. It is maintained incrementally on ingest and eviction, never by
// rescanning history.
type state struct {
	buckets     map[int64]int64
	cumulative  int64
	firstBucket int64
	lastBucket  int64
	hasData     bool
	lastChanged uint64 // cycle id of the last accepted ingest
}

// Aggregator holds the rolling state of every monitored policy.
// All per-policy work within a pass is serialized by the monitor, but
// the map itself is shared across policies, so access is locked.
type Aggregator struct {
	bucketSeconds   int64
	lookbackBuckets int64
	log             zerolog.Logger

	mu     sync.RWMutex
	states map[string]*state
}

// New creates an aggregator with the given bucket duration and
// late-reading look-back window (both in effect for every policy).
func New(bucketSeconds, lookbackBuckets int64, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		bucketSeconds:   bucketSeconds,
		lookbackBuckets: lookbackBuckets,
		log:             log.With().Str("component", "aggregator").Logger(),
		states:          make(map[string]*state),
	}
}

// BucketIndex computes the bucket a timestamp falls into.
func (a *Aggregator) BucketIndex(ts int64) int64 {
	idx := ts / a.bucketSeconds
	if ts < 0 && ts%a.bucketSeconds != 0 {
		idx-- // floor division for pre-epoch timestamps
	}
	return idx
}

// BucketFloor returns the start of the bucket containing ts.
func (a *Aggregator) BucketFloor(ts int64) int64 {
	return a.BucketIndex(ts) * a.bucketSeconds
}

// IngestResult reports what happened to a batch of readings.
type IngestResult struct {
	Accepted int
	Stale    int
	Ignored  int // outside the coverage window
}

// Ingest merges new readings into the policy's rolling state.
//
// Readings older than the look-back window relative to the latest known
// bucket are rejected as stale: revising very old history would
// retroactively change a decision already reported. Stale readings are
// counted and logged but never abort the batch.
func (a *Aggregator) Ingest(policy *domain.Policy, readings []domain.Reading, cycle uint64) IngestResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.states[policy.ID]
	if !ok {
		st = &state{buckets: make(map[int64]int64)}
		a.states[policy.ID] = st
	}

	var res IngestResult
	for _, r := range readings {
		if r.Timestamp < policy.CoverageStart || r.Timestamp >= policy.CoverageEnd {
			res.Ignored++
			continue
		}

		idx := a.BucketIndex(r.Timestamp)

		if st.hasData && idx < st.lastBucket-a.lookbackBuckets {
			res.Stale++
			a.log.Warn().
				Str("policy_id", policy.ID).
				Int64("bucket", idx).
				Int64("last_bucket", st.lastBucket).
				Msg("Rejected stale reading")
			continue
		}

		if !st.hasData {
			st.firstBucket = idx
			st.lastBucket = idx
			st.hasData = true
		}
		if idx < st.firstBucket {
			st.firstBucket = idx
		}
		if idx > st.lastBucket {
			st.lastBucket = idx
		}

		st.buckets[idx] += r.TenthsMM
		st.cumulative += r.TenthsMM
		res.Accepted++
	}

	if res.Accepted > 0 {
		st.lastChanged = cycle
		a.evictOutOfWindow(policy, st)
	}

	return res
}

// evictOutOfWindow subtracts buckets that fell out of a trailing
// window after the latest bucket advanced. Cumulative-since-start
// policies never evict. Cost is O(evicted buckets).
func (a *Aggregator) evictOutOfWindow(policy *domain.Policy, st *state) {
	if policy.WindowMode != domain.WindowTrailing || !st.hasData {
		return
	}

	windowBuckets := policy.WindowSeconds / a.bucketSeconds
	if windowBuckets < 1 {
		windowBuckets = 1
	}
	windowStart := st.lastBucket - windowBuckets + 1

	for idx := st.firstBucket; idx < windowStart; idx++ {
		if v, ok := st.buckets[idx]; ok {
			st.cumulative -= v
			delete(st.buckets, idx)
		}
	}
	if st.firstBucket < windowStart {
		st.firstBucket = windowStart
	}
}

// CurrentCumulative returns the policy's current rainfall sum.
func (a *Aggregator) CurrentCumulative(policyID string) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[policyID]
	if !ok {
		return 0, false
	}
	return st.cumulative, true
}

// View is a read-only snapshot of a policy's rolling state, used by
// the evaluator and as decision evidence.
type View struct {
	CumulativeTMM int64
	FirstBucket   int64
	LastBucket    int64
	HasData       bool
}

// CurrentView returns the policy's current aggregate view.
func (a *Aggregator) CurrentView(policyID string) (View, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[policyID]
	if !ok {
		return View{}, false
	}
	return View{
		CumulativeTMM: st.cumulative,
		FirstBucket:   st.firstBucket,
		LastBucket:    st.lastBucket,
		HasData:       st.hasData,
	}, true
}

// HasNewDataSince reports whether the policy received accepted readings
// after the given cycle, so unchanged policies can be skipped cheaply.
func (a *Aggregator) HasNewDataSince(policyID string, cycle uint64) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[policyID]
	if !ok {
		return false
	}
	return st.lastChanged > cycle
}

// LastFetchedThrough returns the end of the data already ingested for
// the policy, as a timestamp. Fetch windows start here to avoid
// re-reading history every pass.
func (a *Aggregator) LastFetchedThrough(policyID string) (int64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[policyID]
	if !ok || !st.hasData {
		return 0, false
	}
	return (st.lastBucket + 1) * a.bucketSeconds, true
}

// Drop discards the rolling state of a policy, once it is settled.
func (a *Aggregator) Drop(policyID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.states, policyID)
}

// Tracked returns the number of policies with rolling state.
func (a *Aggregator) Tracked() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.states)
}

// checkInvariant verifies that cumulative matches the bucket sum.
// Used by tests; not called on the hot path.
func (st *state) checkInvariant() error {
	var sum int64
	for _, v := range st.buckets {
		sum += v
	}
	if sum != st.cumulative {
		return fmt.Errorf("cumulative %d != bucket sum %d", st.cumulative, sum)
	}
	return nil
}
