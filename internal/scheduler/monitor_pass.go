package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/monitor"
)

// MonitorPassJob runs the periodic monitoring pass. If a pass is still
// running when the next tick fires, the tick is skipped: overlapping
// passes would only re-fetch the same windows.
type MonitorPassJob struct {
	log     zerolog.Logger
	monitor *monitor.Monitor
	timeout time.Duration
	running atomic.Bool
}

// NewMonitorPassJob creates the monitoring pass job.
func NewMonitorPassJob(m *monitor.Monitor, timeout time.Duration, log zerolog.Logger) *MonitorPassJob {
	return &MonitorPassJob{
		log:     log.With().Str("job", "monitor_pass").Logger(),
		monitor: m,
		timeout: timeout,
	}
}

// Name returns the job name
func (j *MonitorPassJob) Name() string {
	return "monitor_pass"
}

// Run executes one monitoring pass.
func (j *MonitorPassJob) Run() error {
	if !j.running.CompareAndSwap(false, true) {
		j.log.Warn().Msg("Previous pass still running, skipping tick")
		return nil
	}
	defer j.running.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	start := time.Now()
	stats := j.monitor.RunPass(ctx)

	j.log.Info().
		Uint64("cycle", stats.Cycle).
		Int("policies", stats.Policies).
		Int("submitted", stats.Submitted).
		Int("errors", stats.Errors).
		Dur("duration", time.Since(start)).
		Msg("Pass finished")
	return nil
}
