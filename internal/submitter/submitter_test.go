package submitter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rainshield/rainshield/internal/database"
	"github.com/rainshield/rainshield/internal/domain"
	"github.com/rainshield/rainshield/internal/events"
)

// fakeChain scripts SubmitReport outcomes: one entry per call, the last
// entry repeats. A nil error yields a transaction id.
type fakeChain struct {
	mu      sync.Mutex
	script  []error
	calls   int
	reports []domain.Report
}

func (f *fakeChain) SubmitReport(ctx context.Context, report domain.Report) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reports = append(f.reports, report)

	idx := f.calls - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	if len(f.script) == 0 || f.script[idx] == nil {
		return fmt.Sprintf("tx-%d", f.calls), nil
	}
	return "", f.script[idx]
}

func (f *fakeChain) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := database.New(database.Config{
		Path:    fmt.Sprintf("file:submitter_%s?mode=memory&cache=shared", t.Name()),
		Profile: database.ProfileLedger,
		Name:    "submissions",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate())
	return NewRepository(db)
}

func testDecision() domain.TriggerDecision {
	return domain.TriggerDecision{
		Kind:          domain.DecisionEarlyTrigger,
		EventOccurred: true,
		Evidence: domain.Evidence{
			CumulativeTMM: 523,
			FirstBucket:   494616,
			LastBucket:    494688,
			EvaluatedAt:   time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC),
		},
	}
}

func testSubmitter(repo *Repository, chain domain.ChainSubmitter) *Submitter {
	bus := events.NewBus(zerolog.Nop())
	return New(repo, chain, bus, zerolog.Nop(), Options{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
	})
}

func TestSubmitConfirmsRecord(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{}
	sub := testSubmitter(repo, chain)

	require.NoError(t, sub.Submit(context.Background(), testDecision(), "pol-1"))

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, "tx-1", rec.TxID)
	assert.Equal(t, int64(523), rec.Evidence.CumulativeTMM)
	assert.Equal(t, 1, chain.callCount())
}

func TestSubmitIsIdempotent(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{}
	sub := testSubmitter(repo, chain)

	for i := 0; i < 5; i++ {
		require.NoError(t, sub.Submit(context.Background(), testDecision(), "pol-1"))
	}

	assert.Equal(t, 1, chain.callCount(), "confirmed record must short-circuit")
}

func TestSubmitRetriesTransientErrors(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{
		domain.Retryablef(nil, "rpc timeout"),
		domain.Retryablef(nil, "rpc timeout"),
		nil,
	}}
	sub := testSubmitter(repo, chain)

	require.NoError(t, sub.Submit(context.Background(), testDecision(), "pol-1"))

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, 2, rec.RetryCount)
	assert.Equal(t, 3, chain.callCount())
}

func TestAlreadySettledTreatedAsConfirmed(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{
		domain.NewFault(domain.FaultChainDuplicate, "policy already settled", nil),
	}}
	sub := testSubmitter(repo, chain)

	require.NoError(t, sub.Submit(context.Background(), testDecision(), "pol-1"))

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, 1, chain.callCount())
}

func TestExhaustedAttemptsParkAsFailed(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{domain.Retryablef(nil, "rpc down")}}
	sub := testSubmitter(repo, chain)

	err := sub.Submit(context.Background(), testDecision(), "pol-1")
	require.Error(t, err)

	rec, getErr := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 3, rec.RetryCount)
	assert.NotEmpty(t, rec.LastError)
}

func TestRetrySweepRecoversFailedRecord(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{
		domain.Retryablef(nil, "rpc down"),
		domain.Retryablef(nil, "rpc down"),
		domain.Retryablef(nil, "rpc down"),
		nil, // chain recovers
	}}
	sub := testSubmitter(repo, chain)

	require.Error(t, sub.Submit(context.Background(), testDecision(), "pol-1"))
	require.NoError(t, sub.RetrySweep(context.Background()))

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
}

// A recorded report is not a submitted one: confirmation only fires
// once the chain accepts.
func TestEventsDistinguishRecordedFromConfirmed(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{domain.Retryablef(nil, "rpc down")}}
	bus := events.NewBus(zerolog.Nop())

	var mu sync.Mutex
	counts := map[events.EventType]int{}
	for _, et := range []events.EventType{events.ReportRecorded, events.ReportConfirmed, events.ReportFailed} {
		eventType := et
		bus.Subscribe(eventType, func(events.Event) {
			mu.Lock()
			counts[eventType]++
			mu.Unlock()
		})
	}

	sub := New(repo, chain, bus, zerolog.Nop(), Options{
		MaxAttempts: 2,
		BackoffBase: time.Millisecond,
		BackoffMax:  time.Millisecond,
	})
	require.Error(t, sub.Submit(context.Background(), testDecision(), "pol-1"))

	mu.Lock()
	assert.Equal(t, 1, counts[events.ReportRecorded])
	assert.Equal(t, 0, counts[events.ReportConfirmed])
	assert.Equal(t, 1, counts[events.ReportFailed])
	mu.Unlock()

	chain.mu.Lock()
	chain.script = nil // chain recovers
	chain.mu.Unlock()
	require.NoError(t, sub.RetrySweep(context.Background()))

	mu.Lock()
	assert.Equal(t, 1, counts[events.ReportRecorded], "recording happens once per logical report")
	assert.Equal(t, 1, counts[events.ReportConfirmed])
	mu.Unlock()
}

func TestRetrySweepReclaimsStalePending(t *testing.T) {
	repo := testRepo(t)

	// A pass deadline expires mid-backoff: the record is left pending,
	// not parked as failed.
	down := &fakeChain{script: []error{domain.Retryablef(nil, "rpc down")}}
	stranded := New(repo, down, events.NewBus(zerolog.Nop()), zerolog.Nop(), Options{
		MaxAttempts: 10,
		BackoffBase: 200 * time.Millisecond,
		BackoffMax:  time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Error(t, stranded.Submit(ctx, testDecision(), "pol-1"))

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)

	// A sweep inside the staleness window leaves the record alone; an
	// in-flight pass may still own it.
	healthy := &fakeChain{}
	fresh := New(repo, healthy, events.NewBus(zerolog.Nop()), zerolog.Nop(), Options{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		PendingStaleAfter: time.Hour,
	})
	require.NoError(t, fresh.RetrySweep(context.Background()))
	assert.Equal(t, 0, healthy.callCount())

	// Past the window the sweep re-drives it to confirmation.
	_, err = repo.db.Conn().Exec(
		`UPDATE submission_records SET updated_at = ? WHERE policy_id = 'pol-1'`,
		time.Now().Add(-time.Hour).Unix())
	require.NoError(t, err)
	stale := New(repo, healthy, events.NewBus(zerolog.Nop()), zerolog.Nop(), Options{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        5 * time.Millisecond,
		PendingStaleAfter: 30 * time.Minute,
	})
	require.NoError(t, stale.RetrySweep(context.Background()))

	rec, err = repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, rec.Status)
	assert.Equal(t, 1, healthy.callCount())
}

func TestRestartResumesPendingRecord(t *testing.T) {
	repo := testRepo(t)

	// First process dies after persisting the record but before any
	// attempt lands.
	rec, err := repo.Create(context.Background(), "pol-1", domain.DecisionMatured, false, domain.Evidence{
		CumulativeTMM: 120,
		FirstBucket:   100,
		LastBucket:    172,
		EvaluatedAt:   time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	chain := &fakeChain{}
	sub := testSubmitter(repo, chain)
	require.NoError(t, sub.Resume(context.Background(), rec))

	got, err := repo.Get(context.Background(), "pol-1", domain.DecisionMatured)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, got.Status)

	// The resumed submission carries the frozen evidence, not a
	// re-evaluated aggregate.
	require.Len(t, chain.reports, 1)
	assert.Equal(t, int64(120), chain.reports[0].Evidence.CumulativeTMM)
	assert.False(t, chain.reports[0].EventOccurred)
}

func TestFatalRejectionParksWithoutRetry(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{domain.Fatalf(nil, "malformed report")}}
	sub := testSubmitter(repo, chain)

	err := sub.Submit(context.Background(), testDecision(), "pol-1")
	require.Error(t, err)
	assert.True(t, domain.IsClass(err, domain.FaultFatal))

	rec, getErr := repo.Get(context.Background(), "pol-1", domain.DecisionEarlyTrigger)
	require.NoError(t, getErr)
	assert.Equal(t, StatusFailed, rec.Status)
	assert.Equal(t, 1, chain.callCount())
}

func TestNoneDecisionIsNoOp(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{}
	sub := testSubmitter(repo, chain)

	require.NoError(t, sub.Submit(context.Background(), domain.None(), "pol-1"))
	assert.Equal(t, 0, chain.callCount())

	rec, err := repo.Get(context.Background(), "pol-1", domain.DecisionNone)
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestSeparateKindsAreSeparateSubmissions(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{}
	sub := testSubmitter(repo, chain)

	early := testDecision()
	matured := domain.TriggerDecision{
		Kind:          domain.DecisionMatured,
		EventOccurred: true,
		Evidence:      early.Evidence,
	}

	require.NoError(t, sub.Submit(context.Background(), early, "pol-1"))
	require.NoError(t, sub.Submit(context.Background(), matured, "pol-1"))

	counts, err := repo.StatusCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatusConfirmed])
	assert.Equal(t, 2, chain.callCount())
}

func TestContextCancellationStopsRetryLoop(t *testing.T) {
	repo := testRepo(t)
	chain := &fakeChain{script: []error{domain.Retryablef(nil, "rpc down")}}
	sub := New(repo, chain, events.NewBus(zerolog.Nop()), zerolog.Nop(), Options{
		MaxAttempts: 10,
		BackoffBase: 50 * time.Millisecond,
		BackoffMax:  time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := sub.Submit(ctx, testDecision(), "pol-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
