package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rainshield/rainshield/internal/reliability"
)

// BackupJob ships the submission ledger off-box and rotates old copies.
type BackupJob struct {
	log     zerolog.Logger
	backups *reliability.BackupService
	timeout time.Duration
}

// NewBackupJob creates the ledger backup job.
func NewBackupJob(backups *reliability.BackupService, timeout time.Duration, log zerolog.Logger) *BackupJob {
	return &BackupJob{
		log:     log.With().Str("job", "ledger_backup").Logger(),
		backups: backups,
		timeout: timeout,
	}
}

// Name returns the job name
func (j *BackupJob) Name() string {
	return "ledger_backup"
}

// Run uploads a fresh backup, then prunes old ones.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	if err := j.backups.CreateAndUpload(ctx); err != nil {
		return err
	}
	return j.backups.RotateOldBackups(ctx)
}
