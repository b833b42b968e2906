package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/submitter"
)

// RetrySweepJob re-drives failed report submissions on a slower cadence
// than the monitoring pass. A failed record is parked, never abandoned.
type RetrySweepJob struct {
	log       zerolog.Logger
	submitter *submitter.Submitter
	timeout   time.Duration
}

// NewRetrySweepJob creates the failed-submission sweep job.
func NewRetrySweepJob(sub *submitter.Submitter, timeout time.Duration, log zerolog.Logger) *RetrySweepJob {
	return &RetrySweepJob{
		log:       log.With().Str("job", "retry_sweep").Logger(),
		submitter: sub,
		timeout:   timeout,
	}
}

// Name returns the job name
func (j *RetrySweepJob) Name() string {
	return "retry_sweep"
}

// Run re-attempts every failed submission record.
func (j *RetrySweepJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.submitter.RetrySweep(ctx)
}
