// Package submitter owns exactly-once delivery of trigger and maturity
// reports to the chain. The submission record in submissions.db is the
// idempotency key: one row per (policy, decision kind), written before
// the first network attempt.
package submitter

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/domain"
)

// SubmissionStatus is the delivery state of a report.
type SubmissionStatus string

const (
	StatusPending   SubmissionStatus = "pending"
	StatusConfirmed SubmissionStatus = "confirmed"
	StatusFailed    SubmissionStatus = "failed"
)

// SubmissionRecord is the durable state of one logical report. The
// evidence columns freeze the aggregate the decision was based on, so a
// retried submission always carries the original payload even if more
// rain has been ingested since.
type SubmissionRecord struct {
	PolicyID      string
	Kind          domain.DecisionKind
	EventOccurred bool
	Status        SubmissionStatus
	Evidence      domain.Evidence
	TxID          string
	RetryCount    int
	LastAttemptAt time.Time
	LastError     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Report rebuilds the chain payload from the stored record.
func (r *SubmissionRecord) Report() domain.Report {
	return domain.Report{
		PolicyID:      r.PolicyID,
		Kind:          r.Kind,
		EventOccurred: r.EventOccurred,
		Evidence:      r.Evidence,
	}
}

// Repository persists submission records in the ledger database.
type Repository struct {
	db *database.DB

	// Per (policy, kind) locks so the scheduled pass and the retry
	// sweep can never race the same logical submission.
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewRepository creates a submission record repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{
		db:    db,
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock returns the mutex guarding one logical submission.
func (r *Repository) Lock(policyID string, kind domain.DecisionKind) *sync.Mutex {
	key := policyID + "|" + string(kind)
	r.locksMu.Lock()
	defer r.locksMu.Unlock()
	mu, ok := r.locks[key]
	if !ok {
		mu = &sync.Mutex{}
		r.locks[key] = mu
	}
	return mu
}

const recordColumns = `policy_id, decision_kind, event_occurred, status,
	cumulative_tmm, first_bucket, last_bucket, evaluated_at,
	COALESCE(tx_id, ''), retry_count, COALESCE(last_attempt_at, 0),
	COALESCE(last_error, ''), created_at, updated_at`

func scanRecord(row interface{ Scan(...interface{}) error }) (*SubmissionRecord, error) {
	var (
		rec           SubmissionRecord
		evaluatedAt   int64
		lastAttemptAt int64
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(
		&rec.PolicyID, &rec.Kind, &rec.EventOccurred, &rec.Status,
		&rec.Evidence.CumulativeTMM, &rec.Evidence.FirstBucket,
		&rec.Evidence.LastBucket, &evaluatedAt,
		&rec.TxID, &rec.RetryCount, &lastAttemptAt,
		&rec.LastError, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Evidence.EvaluatedAt = time.Unix(evaluatedAt, 0).UTC()
	if lastAttemptAt > 0 {
		rec.LastAttemptAt = time.Unix(lastAttemptAt, 0).UTC()
	}
	rec.CreatedAt = time.Unix(createdAt, 0).UTC()
	rec.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &rec, nil
}

// Get returns the record for one logical submission, or nil when no
// attempt has ever been recorded.
func (r *Repository) Get(ctx context.Context, policyID string, kind domain.DecisionKind) (*SubmissionRecord, error) {
	row := r.db.Conn().QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM submission_records
		 WHERE policy_id = ? AND decision_kind = ?`, policyID, kind)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get submission record: %w", err)
	}
	return rec, nil
}

// Create inserts a pending record before the first network attempt.
// A duplicate insert is a programming error surfaced by the primary key.
func (r *Repository) Create(ctx context.Context, policyID string, kind domain.DecisionKind, eventOccurred bool, ev domain.Evidence) (*SubmissionRecord, error) {
	now := time.Now().UTC()
	_, err := r.db.Conn().ExecContext(ctx,
		`INSERT INTO submission_records
		 (policy_id, decision_kind, event_occurred, status,
		  cumulative_tmm, first_bucket, last_bucket, evaluated_at,
		  retry_count, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		policyID, kind, eventOccurred, StatusPending,
		ev.CumulativeTMM, ev.FirstBucket, ev.LastBucket, ev.EvaluatedAt.Unix(),
		now.Unix(), now.Unix())
	if err != nil {
		return nil, fmt.Errorf("create submission record: %w", err)
	}
	return &SubmissionRecord{
		PolicyID:      policyID,
		Kind:          kind,
		EventOccurred: eventOccurred,
		Status:        StatusPending,
		Evidence:      ev,
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// MarkConfirmed finalizes a record after chain acceptance (or an
// already-settled rejection, which proves a prior acceptance).
func (r *Repository) MarkConfirmed(ctx context.Context, policyID string, kind domain.DecisionKind, txID string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Conn().ExecContext(ctx,
		`UPDATE submission_records
		 SET status = ?, tx_id = ?, last_error = NULL, updated_at = ?
		 WHERE policy_id = ? AND decision_kind = ?`,
		StatusConfirmed, txID, now, policyID, kind)
	if err != nil {
		return fmt.Errorf("confirm submission record: %w", err)
	}
	return nil
}

// RecordAttempt bumps the retry counter after a failed network attempt.
func (r *Repository) RecordAttempt(ctx context.Context, policyID string, kind domain.DecisionKind, attemptErr string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Conn().ExecContext(ctx,
		`UPDATE submission_records
		 SET retry_count = retry_count + 1, last_attempt_at = ?,
		     last_error = ?, updated_at = ?
		 WHERE policy_id = ? AND decision_kind = ?`,
		now, attemptErr, now, policyID, kind)
	if err != nil {
		return fmt.Errorf("record submission attempt: %w", err)
	}
	return nil
}

// MarkFailed parks a record for the slower retry sweep after the
// in-pass attempt budget is exhausted. Failed is not terminal.
func (r *Repository) MarkFailed(ctx context.Context, policyID string, kind domain.DecisionKind, lastErr string) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Conn().ExecContext(ctx,
		`UPDATE submission_records
		 SET status = ?, last_error = ?, updated_at = ?
		 WHERE policy_id = ? AND decision_kind = ?`,
		StatusFailed, lastErr, now, policyID, kind)
	if err != nil {
		return fmt.Errorf("fail submission record: %w", err)
	}
	return nil
}

// Reopen moves a failed record back to pending for another attempt run.
func (r *Repository) Reopen(ctx context.Context, policyID string, kind domain.DecisionKind) error {
	now := time.Now().UTC().Unix()
	_, err := r.db.Conn().ExecContext(ctx,
		`UPDATE submission_records
		 SET status = ?, updated_at = ?
		 WHERE policy_id = ? AND decision_kind = ?`,
		StatusPending, now, policyID, kind)
	if err != nil {
		return fmt.Errorf("reopen submission record: %w", err)
	}
	return nil
}

// ListByStatus returns all records in a given delivery state, oldest first.
func (r *Repository) ListByStatus(ctx context.Context, status SubmissionStatus) ([]*SubmissionRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+recordColumns+` FROM submission_records
		 WHERE status = ? ORDER BY created_at ASC`, status)
	if err != nil {
		return nil, fmt.Errorf("list submission records: %w", err)
	}
	defer rows.Close()

	var out []*SubmissionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListAll returns every record, newest first, for the status API.
func (r *Repository) ListAll(ctx context.Context) ([]*SubmissionRecord, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT `+recordColumns+` FROM submission_records
		 ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list submission records: %w", err)
	}
	defer rows.Close()

	var out []*SubmissionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// StatusCounts returns the number of records per delivery state.
func (r *Repository) StatusCounts(ctx context.Context) (map[SubmissionStatus]int, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT status, COUNT(*) FROM submission_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count submission records: %w", err)
	}
	defer rows.Close()

	counts := make(map[SubmissionStatus]int)
	for rows.Next() {
		var status SubmissionStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// HasUnconfirmed reports whether any pending or failed report exists
// for a policy.
func (r *Repository) HasUnconfirmed(ctx context.Context, policyID string) (bool, error) {
	var n int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM submission_records
		 WHERE policy_id = ? AND status != ?`, policyID, StatusConfirmed).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unconfirmed records: %w", err)
	}
	return n > 0, nil
}
