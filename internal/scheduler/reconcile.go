package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/registry"
)

// ReconcileJob periodically re-reads the full policy set from the
// chain. This is the discovery path that correctness rests on; the
// websocket event stream only reduces latency.
type ReconcileJob struct {
	log      zerolog.Logger
	registry *registry.Registry
	timeout  time.Duration
}

// NewReconcileJob creates the reconciliation job.
func NewReconcileJob(reg *registry.Registry, timeout time.Duration, log zerolog.Logger) *ReconcileJob {
	return &ReconcileJob{
		log:      log.With().Str("job", "reconcile").Logger(),
		registry: reg,
		timeout:  timeout,
	}
}

// Name returns the job name
func (j *ReconcileJob) Name() string {
	return "reconcile"
}

// Run performs one full reconciliation.
func (j *ReconcileJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.registry.Reconcile(ctx)
}
