package aggregator

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/domain"
)

func newTestStore(t *testing.T) *SnapshotStore {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    "file:snapshots_" + t.Name() + "?mode=memory&cache=shared",
		Profile: database.ProfileCache,
		Name:    "cache",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Conn().Exec(`
		CREATE TABLE IF NOT EXISTS rolling_snapshots (
			policy_id  TEXT    NOT NULL PRIMARY KEY,
			payload    BLOB    NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	require.NoError(t, err)

	return NewSnapshotStore(db.Conn(), zerolog.Nop())
}

func TestSnapshotStore_SaveLoadDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Save("pol-1", []byte{0x01, 0x02}))
	require.NoError(t, store.Save("pol-1", []byte{0x03})) // upsert

	payload, err := store.Load("pol-1")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, payload)

	missing, err := store.Load("pol-2")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, store.Delete("pol-1"))
	payload, err = store.Load("pol-1")
	require.NoError(t, err)
	assert.Nil(t, payload)
}

func TestSnapshotStore_RestoreAll(t *testing.T) {
	store := newTestStore(t)

	agg := New(3600, 48, zerolog.Nop())
	p := &domain.Policy{
		ID:            "pol-1",
		CoverageStart: 0,
		CoverageEnd:   100_000,
		ThresholdTMM:  100,
		TriggerMode:   domain.ModeEarlyTrigger,
		WindowMode:    domain.WindowCumulative,
		Status:        domain.StatusActive,
	}
	agg.Ingest(p, []domain.Reading{{Timestamp: 3600, TenthsMM: 42}}, 1)

	payload, err := agg.Snapshot("pol-1")
	require.NoError(t, err)
	require.NoError(t, store.Save("pol-1", payload))

	// Corrupt snapshot alongside: restored count skips it.
	require.NoError(t, store.Save("pol-bad", []byte("not msgpack at all")))

	fresh := New(3600, 48, zerolog.Nop())
	restored, err := store.RestoreAll(fresh)
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	cum, ok := fresh.CurrentCumulative("pol-1")
	require.True(t, ok)
	assert.Equal(t, int64(42), cum)

	// The corrupt row was dropped from the store.
	payload, err = store.Load("pol-bad")
	require.NoError(t, err)
	assert.Nil(t, payload)
}
