package submitter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/events"
)

// Options bound the in-pass retry behavior. Attempts beyond MaxAttempts
// park the record as failed for the slower sweep; nothing is abandoned.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// PendingStaleAfter is how long a pending record may sit untouched
	// before the retry sweep reclaims it. A pass timeout can cancel the
	// retry loop mid-backoff and leave the record pending without
	// parking it as failed.
	PendingStaleAfter time.Duration
}

// Submitter delivers trigger and maturity reports to the chain exactly
// once per (policy, decision kind). The durable record is written before
// the first network attempt, so a crash between send and acknowledgment
// resumes as a retry of the same logical submission, never a second one.
type Submitter struct {
	repo  *Repository
	chain domain.ChainSubmitter
	bus   *events.Bus
	log   zerolog.Logger
	opts  Options
}

// New creates a submitter.
func New(repo *Repository, chain domain.ChainSubmitter, bus *events.Bus, log zerolog.Logger, opts Options) *Submitter {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.PendingStaleAfter <= 0 {
		opts.PendingStaleAfter = 5 * time.Minute
	}
	return &Submitter{
		repo:  repo,
		chain: chain,
		bus:   bus,
		log:   log.With().Str("component", "submitter").Logger(),
		opts:  opts,
	}
}

// Submit delivers one decision. Safe to call repeatedly with the same
// decision: a confirmed record short-circuits, a pending or failed one
// resumes the original submission with its frozen evidence.
func (s *Submitter) Submit(ctx context.Context, decision domain.TriggerDecision, policyID string) error {
	if decision.Kind == domain.DecisionNone {
		return nil
	}

	mu := s.repo.Lock(policyID, decision.Kind)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.repo.Get(ctx, policyID, decision.Kind)
	if err != nil {
		return err
	}

	switch {
	case rec == nil:
		rec, err = s.repo.Create(ctx, policyID, decision.Kind, decision.EventOccurred, decision.Evidence)
		if err != nil {
			return err
		}
		// The durable record exists; the network attempt has not started
		// yet. Confirmation is a separate event.
		s.bus.Emit(events.ReportRecorded, "submitter", map[string]interface{}{
			"policy_id":      policyID,
			"kind":           string(decision.Kind),
			"event_occurred": decision.EventOccurred,
		})

	case rec.Status == StatusConfirmed:
		return nil

	case rec.Status == StatusFailed:
		if err := s.repo.Reopen(ctx, policyID, decision.Kind); err != nil {
			return err
		}
		rec.Status = StatusPending
	}

	return s.attempt(ctx, rec)
}

// Resume re-drives a stored record, used at startup for pending records
// and by the retry sweep for failed ones.
func (s *Submitter) Resume(ctx context.Context, rec *SubmissionRecord) error {
	mu := s.repo.Lock(rec.PolicyID, rec.Kind)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.repo.Get(ctx, rec.PolicyID, rec.Kind)
	if err != nil {
		return err
	}
	if current == nil || current.Status == StatusConfirmed {
		return nil
	}
	if current.Status == StatusFailed {
		if err := s.repo.Reopen(ctx, rec.PolicyID, rec.Kind); err != nil {
			return err
		}
		current.Status = StatusPending
	}
	return s.attempt(ctx, current)
}

// RetrySweep re-drives every failed record, plus pending records that
// have sat untouched past the staleness window. Runs on a slower
// cadence than the monitoring pass.
func (s *Submitter) RetrySweep(ctx context.Context) error {
	failed, err := s.repo.ListByStatus(ctx, StatusFailed)
	if err != nil {
		return err
	}

	pending, err := s.repo.ListByStatus(ctx, StatusPending)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-s.opts.PendingStaleAfter)
	for _, rec := range pending {
		if rec.UpdatedAt.Before(cutoff) {
			failed = append(failed, rec)
		}
	}

	for _, rec := range failed {
		if err := s.Resume(ctx, rec); err != nil {
			s.log.Warn().Err(err).
				Str("policy_id", rec.PolicyID).
				Str("kind", string(rec.Kind)).
				Msg("Unconfirmed submission still not delivered")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// HasUnconfirmed reports whether the policy has a report written to the
// ledger that has not yet been confirmed on chain.
func (s *Submitter) HasUnconfirmed(ctx context.Context, policyID string) (bool, error) {
	return s.repo.HasUnconfirmed(ctx, policyID)
}

// attempt drives the network retry loop for one record. Caller holds
// the record lock.
func (s *Submitter) attempt(ctx context.Context, rec *SubmissionRecord) error {
	report := rec.Report()

	for i := 0; i < s.opts.MaxAttempts; i++ {
		if i > 0 {
			if err := s.sleep(ctx, s.backoff(rec.RetryCount)); err != nil {
				return err
			}
		}

		attemptID := uuid.NewString()
		log := s.log.With().
			Str("policy_id", rec.PolicyID).
			Str("kind", string(rec.Kind)).
			Str("attempt_id", attemptID).
			Int("retry_count", rec.RetryCount).
			Logger()

		txID, err := s.chain.SubmitReport(ctx, report)
		if err == nil {
			if err := s.repo.MarkConfirmed(ctx, rec.PolicyID, rec.Kind, txID); err != nil {
				return err
			}
			log.Info().Str("tx_id", txID).Msg("Report confirmed on chain")
			s.bus.Emit(events.ReportConfirmed, "submitter", map[string]interface{}{
				"policy_id": rec.PolicyID,
				"kind":      string(rec.Kind),
				"tx_id":     txID,
			})
			return nil
		}

		switch domain.ClassOf(err) {
		case domain.FaultChainDuplicate:
			// The chain already settled this policy: a previous attempt
			// landed but its acknowledgment was lost. Confirmation, not
			// failure.
			if err := s.repo.MarkConfirmed(ctx, rec.PolicyID, rec.Kind, rec.TxID); err != nil {
				return err
			}
			log.Info().Msg("Chain reports policy already settled, treating as confirmed")
			s.bus.Emit(events.ReportConfirmed, "submitter", map[string]interface{}{
				"policy_id": rec.PolicyID,
				"kind":      string(rec.Kind),
				"duplicate": true,
			})
			return nil

		case domain.FaultFatal:
			if markErr := s.repo.MarkFailed(ctx, rec.PolicyID, rec.Kind, err.Error()); markErr != nil {
				return markErr
			}
			log.Error().Err(err).Msg("Report rejected, parked for retry sweep")
			s.emitFailed(rec, err)
			return err
		}

		rec.RetryCount++
		if recErr := s.repo.RecordAttempt(ctx, rec.PolicyID, rec.Kind, err.Error()); recErr != nil {
			return recErr
		}
		log.Warn().Err(err).Msg("Report submission attempt failed")

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	lastErr := domain.Retryablef(nil, "submission attempts exhausted for policy %s", rec.PolicyID)
	if err := s.repo.MarkFailed(ctx, rec.PolicyID, rec.Kind, lastErr.Error()); err != nil {
		return err
	}
	s.log.Error().
		Str("policy_id", rec.PolicyID).
		Str("kind", string(rec.Kind)).
		Int("retry_count", rec.RetryCount).
		Msg("Report submission parked as failed after exhausting attempts")
	s.emitFailed(rec, lastErr)
	return lastErr
}

func (s *Submitter) emitFailed(rec *SubmissionRecord, err error) {
	s.bus.Emit(events.ReportFailed, "submitter", map[string]interface{}{
		"policy_id":   rec.PolicyID,
		"kind":        string(rec.Kind),
		"retry_count": rec.RetryCount,
		"error":       err.Error(),
	})
}

// backoff returns the exponential delay for the next attempt, capped.
func (s *Submitter) backoff(retryCount int) time.Duration {
	d := s.opts.BackoffBase
	for i := 0; i < retryCount && d < s.opts.BackoffMax; i++ {
		d *= 2
	}
	if d > s.opts.BackoffMax {
		d = s.opts.BackoffMax
	}
	return d
}

func (s *Submitter) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
