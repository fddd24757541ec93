package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eftpos-bridge/internal/core"
	"eftpos-bridge/internal/eftpos"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

var day1 = time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC)

func newLedger(store Store) *Ledger {
	return New(store, zap.NewNop().Sugar(), WithLocation(time.UTC))
}

// fakeRefetcher answers Refetch from a script and counts calls per id.
type fakeRefetcher struct {
	name string

	mu     sync.Mutex
	calls  map[string]int
	result eftpos.Result
	err    error
}

func newFakeRefetcher(name string) *fakeRefetcher {
	return &fakeRefetcher{
		name:  name,
		calls: make(map[string]int),
		err:   eftpos.NewTransactionError(eftpos.ErrProtocolTimeout, name, "", true, errors.New("no answer")),
	}
}

func (f *fakeRefetcher) Name() string { return f.name }

func (f *fakeRefetcher) Refetch(_ context.Context, id string, _ int64) (eftpos.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	res := f.result
	res.TransactionID = id
	return res, f.err
}

func (f *fakeRefetcher) resolveWith(res eftpos.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result, f.err = res, nil
}

func (f *fakeRefetcher) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestLedger_AddGetListRemove(t *testing.T) {
	l := newLedger(NewMemoryStore())

	require.NoError(t, l.Add(Record{TransactionID: "b", Provider: "verifone", Amount: 500, CreatedAt: day1.Add(time.Minute)}))
	require.NoError(t, l.Add(Record{TransactionID: "a", Provider: "verifone", Amount: 900, CreatedAt: day1}))

	rec, err := l.Get("a")
	require.NoError(t, err)
	assert.Equal(t, int64(900), rec.Amount)

	list, err := l.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].TransactionID, "oldest first")

	removed, err := l.Remove("a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = l.Remove("a")
	require.NoError(t, err)
	assert.False(t, removed, "second removal reports nothing removed")

	_, err = l.Get("a")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	assert.ErrorIs(t, l.Add(Record{}), eftpos.ErrValidation)
}

func TestLedger_AddKeepsCounters(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "a", Provider: "smartpay", Logs: []string{"first"}}))
	_, err := l.RecordAttempt("a", day1, errors.New("timeout"))
	require.NoError(t, err)

	require.NoError(t, l.Add(Record{TransactionID: "a", Provider: "smartpay", Logs: []string{"second"}}))
	rec, err := l.Get("a")
	require.NoError(t, err)
	assert.Equal(t, 1, rec.TotalRetryCount)
	assert.Equal(t, []string{"first", "second"}, rec.Logs)
	assert.Equal(t, "timeout", rec.LastError)
}

func TestLedger_DailyAndLifetimeCaps(t *testing.T) {
	var abandoned []string
	l := New(NewMemoryStore(), zap.NewNop().Sugar(), WithLocation(time.UTC), OnAbandon(func(r Record) {
		abandoned = append(abandoned, r.TransactionID)
	}))
	require.NoError(t, l.Add(Record{TransactionID: "x", Provider: "windcave", CreatedAt: day1}))

	now := day1
	for i := 0; i < 3; i++ {
		rec, err := l.Get("x")
		require.NoError(t, err)
		require.True(t, l.Eligible(rec, now), "attempt %d", i+1)
		_, err = l.RecordAttempt("x", now, nil)
		require.NoError(t, err)
		now = now.Add(10 * time.Minute)
	}

	rec, err := l.Get("x")
	require.NoError(t, err)
	assert.False(t, l.Eligible(rec, now), "fourth attempt on the same day")
	assert.False(t, l.Eligible(rec, day1.Add(14*time.Hour+59*time.Minute)), "still the same day")
	assert.True(t, l.Eligible(rec, day1.Add(15*time.Hour)), "next day")

	now = day1.Add(24 * time.Hour)
	for rec.TotalRetryCount < DefaultMaxAttempts {
		require.True(t, l.Eligible(rec, now))
		rec, err = l.RecordAttempt("x", now, nil)
		require.NoError(t, err)
		if rec.RetryCountToday == DefaultMaxAttemptsPerDay {
			now = now.Add(24 * time.Hour)
		}
	}

	assert.True(t, rec.Abandoned)
	assert.Equal(t, DefaultMaxAttempts, rec.TotalRetryCount)
	assert.False(t, l.Eligible(rec, now.Add(30*24*time.Hour)))
	assert.Equal(t, []string{"x"}, abandoned)

	list, err := l.List()
	require.NoError(t, err)
	assert.Len(t, list, 1, "abandoned records stay visible")
}

func TestLedger_KVStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop().Sugar()

	kv, err := core.NewKVStore(dir, 64, logger)
	require.NoError(t, err)
	require.NoError(t, newLedger(kv).Add(Record{TransactionID: "persisted", Provider: "tyro", Amount: 1200}))
	require.NoError(t, kv.Close())

	kv, err = core.NewKVStore(dir, 64, logger)
	require.NoError(t, err)
	defer func() { _ = kv.Close() }()

	rec, err := newLedger(kv).Get("persisted")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), rec.Amount)
	assert.Equal(t, "tyro", rec.Provider)
}

func TestGate(t *testing.T) {
	g := NewGate()
	assert.False(t, g.Busy())

	require.True(t, g.TryAcquire("txn-1"))
	assert.True(t, g.Busy())
	assert.Equal(t, "txn-1", g.Holder())
	assert.False(t, g.TryAcquire("reconciler"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Error(t, g.Acquire(ctx, "txn-2"))

	g.Release()
	assert.Equal(t, "", g.Holder())
	require.NoError(t, g.Acquire(context.Background(), "txn-2"))
	g.Release()
}

func newReconciler(t *testing.T, l *Ledger, gate *Gate, p Refetcher, clock clockwork.Clock) *Reconciler {
	t.Helper()
	return NewReconciler(l, gate, func() Refetcher { return p }, clock, zap.NewNop().Sugar())
}

func TestReconciler_ResolvesExactlyOnce(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "verifone", Amount: 500}))
	p := newFakeRefetcher("verifone")
	p.resolveWith(eftpos.Result{Outcome: eftpos.Success, PlatformOutcome: eftpos.Accepted})

	r := newReconciler(t, l, NewGate(), p, clockwork.NewFakeClockAt(day1))
	var resolved []eftpos.Result
	r.OnResolved(func(_ Record, res eftpos.Result) { resolved = append(resolved, res) })

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Checked: 1, Resolved: 1}, report)

	report, err = r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Checked)

	assert.Equal(t, 1, p.count("t1"))
	require.Len(t, resolved, 1)
	assert.Equal(t, eftpos.Success, resolved[0].Outcome)
	_, err = l.Get("t1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReconciler_DeclinedResultAlsoResolves(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "smartpay", Amount: 500}))
	p := newFakeRefetcher("smartpay")
	p.resolveWith(eftpos.FailResult("", eftpos.NotFound, "Transaction not found on terminal"))

	r := newReconciler(t, l, NewGate(), p, clockwork.NewFakeClockAt(day1))
	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Resolved)
}

func TestReconciler_CountsFailedAttempts(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "verifone", Amount: 500}))
	p := newFakeRefetcher("verifone")
	clock := clockwork.NewFakeClockAt(day1)
	r := newReconciler(t, l, NewGate(), p, clock)

	for i := 0; i < 5; i++ {
		_, err := r.RunOnce(context.Background())
		require.NoError(t, err)
		clock.Advance(10 * time.Minute)
	}
	assert.Equal(t, DefaultMaxAttemptsPerDay, p.count("t1"))

	rec, err := l.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxAttemptsPerDay, rec.RetryCountToday)
	assert.Contains(t, rec.LastError, "no answer")

	clock.Advance(24 * time.Hour)
	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	assert.Equal(t, DefaultMaxAttemptsPerDay+1, p.count("t1"))
}

func TestReconciler_SkipsWhileTransactionRuns(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "verifone", Amount: 500}))
	p := newFakeRefetcher("verifone")
	gate := NewGate()
	r := newReconciler(t, l, gate, p, clockwork.NewFakeClockAt(day1))

	require.True(t, gate.TryAcquire("foreground"))
	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Skipped)
	assert.Zero(t, p.count("t1"))

	_, err = r.Resolve(context.Background(), "t1")
	assert.ErrorIs(t, err, eftpos.ErrTransactionInProgress)
	gate.Release()
}

func TestReconciler_OtherProviderRecordsAreLeftAlone(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "tyro", Amount: 500}))
	p := newFakeRefetcher("verifone")
	r := newReconciler(t, l, NewGate(), p, clockwork.NewFakeClockAt(day1))

	report, err := r.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Ineligible)
	assert.Zero(t, p.count("t1"))

	rec, err := l.Get("t1")
	require.NoError(t, err)
	assert.Zero(t, rec.TotalRetryCount)
}

func TestReconciler_Resolve(t *testing.T) {
	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "verifone", Amount: 500, Abandoned: true, TotalRetryCount: 10}))
	p := newFakeRefetcher("verifone")
	r := newReconciler(t, l, NewGate(), p, clockwork.NewFakeClockAt(day1))

	_, err := r.Resolve(context.Background(), "t1")
	assert.True(t, eftpos.IsAmbiguous(err))
	rec, err := l.Get("t1")
	require.NoError(t, err)
	assert.Equal(t, 10, rec.TotalRetryCount, "manual checks do not count")

	p.resolveWith(eftpos.Result{Outcome: eftpos.Success, PlatformOutcome: eftpos.Accepted})
	res, err := r.Resolve(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, eftpos.Success, res.Outcome)

	_, err = r.Resolve(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestReconciler_RunTicks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreAnyFunction("go.opencensus.io/stats/view.(*worker).start"))

	l := newLedger(NewMemoryStore())
	require.NoError(t, l.Add(Record{TransactionID: "t1", Provider: "verifone", Amount: 500}))
	p := newFakeRefetcher("verifone")
	clock := clockwork.NewFakeClockAt(day1)
	r := newReconciler(t, l, NewGate(), p, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	assert.Zero(t, p.count("t1"), "nothing happens before the first tick")

	clock.Advance(DefaultInterval)
	require.Eventually(t, func() bool { return p.count("t1") == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
