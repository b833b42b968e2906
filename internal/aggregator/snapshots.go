package aggregator

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// snapshot is the wire form of a policy's rolling state. Snapshots are
// an optimization only: a restart without them rebuilds the state from
// the weather provider.
type snapshot struct {
	Buckets     map[int64]int64 `msgpack:"b"`
	Cumulative  int64           `msgpack:"c"`
	FirstBucket int64           `msgpack:"f"`
	LastBucket  int64           `msgpack:"l"`
	LastChanged uint64          `msgpack:"n"`
}

// Snapshot encodes a policy's rolling state for persistence.
func (a *Aggregator) Snapshot(policyID string) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	st, ok := a.states[policyID]
	if !ok || !st.hasData {
		return nil, nil
	}

	return msgpack.Marshal(&snapshot{
		Buckets:     st.buckets,
		Cumulative:  st.cumulative,
		FirstBucket: st.firstBucket,
		LastBucket:  st.lastBucket,
		LastChanged: st.lastChanged,
	})
}

// Restore installs a previously saved rolling state. Existing in-memory
// state for the policy is replaced.
func (a *Aggregator) Restore(policyID string, data []byte) error {
	var snap snapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot for %s: %w", policyID, err)
	}
	if snap.Buckets == nil {
		snap.Buckets = make(map[int64]int64)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.states[policyID] = &state{
		buckets:     snap.Buckets,
		cumulative:  snap.Cumulative,
		firstBucket: snap.FirstBucket,
		lastBucket:  snap.LastBucket,
		hasData:     len(snap.Buckets) > 0,
		lastChanged: snap.LastChanged,
	}
	return nil
}

// SnapshotStore persists rolling-state snapshots in cache.db.
type SnapshotStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSnapshotStore creates a snapshot store backed by the cache database.
func NewSnapshotStore(db *sql.DB, log zerolog.Logger) *SnapshotStore {
	return &SnapshotStore{
		db:  db,
		log: log.With().Str("repository", "rolling_snapshots").Logger(),
	}
}

// Save upserts a policy's snapshot payload.
func (s *SnapshotStore) Save(policyID string, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	_, err := s.db.Exec(`
		INSERT INTO rolling_snapshots (policy_id, payload, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(policy_id) DO UPDATE SET
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, policyID, payload, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to save snapshot for %s: %w", policyID, err)
	}
	return nil
}

// Load returns the stored payload for a policy, or nil if none exists.
func (s *SnapshotStore) Load(policyID string) ([]byte, error) {
	var payload []byte
	err := s.db.QueryRow(
		"SELECT payload FROM rolling_snapshots WHERE policy_id = ?", policyID,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for %s: %w", policyID, err)
	}
	return payload, nil
}

// Delete removes a policy's snapshot, once the policy is settled.
func (s *SnapshotStore) Delete(policyID string) error {
	_, err := s.db.Exec("DELETE FROM rolling_snapshots WHERE policy_id = ?", policyID)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot for %s: %w", policyID, err)
	}
	return nil
}

// RestoreAll loads every stored snapshot into the aggregator. Corrupt
// payloads are dropped; the state rebuilds from the provider instead.
func (s *SnapshotStore) RestoreAll(agg *Aggregator) (int, error) {
	rows, err := s.db.Query("SELECT policy_id, payload FROM rolling_snapshots")
	if err != nil {
		return 0, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	restored := 0
	var corrupt []string
	for rows.Next() {
		var policyID string
		var payload []byte
		if err := rows.Scan(&policyID, &payload); err != nil {
			return restored, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		if err := agg.Restore(policyID, payload); err != nil {
			s.log.Warn().Err(err).Str("policy_id", policyID).Msg("Dropping corrupt snapshot")
			corrupt = append(corrupt, policyID)
			continue
		}
		restored++
	}
	if err := rows.Err(); err != nil {
		return restored, err
	}
	rows.Close()

	// Deleting while the cursor is open would block behind its read
	// transaction on shared-cache databases.
	for _, policyID := range corrupt {
		_ = s.Delete(policyID)
	}
	return restored, nil
}
