package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/subsidyledger/internal/fulfillment"
	"github.com/openlearn/subsidyledger/internal/ledger"
)

type fakeFeed struct {
	mu      sync.Mutex
	changes []fulfillment.Change
	since   []time.Time
}

func (f *fakeFeed) ListChanges(ctx context.Context, since time.Time, limit int) ([]fulfillment.Change, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.since = append(f.since, since)
	return f.changes, nil
}

type fakeRedispatcher struct {
	ledger *ledger.Service
	refID  string
	calls  int
}

func (f *fakeRedispatcher) RedispatchCreated(ctx context.Context, tx *ledger.Transaction) *ledger.Transaction {
	f.calls++
	if f.refID == "" {
		return tx
	}
	pending, err := f.ledger.MarkPending(ctx, tx.ID)
	if err != nil {
		return tx
	}
	committed, err := f.ledger.Commit(ctx, pending.ID, f.refID, ledger.ReferenceTypeFulfillment)
	if err != nil {
		return pending
	}
	return committed
}

type harness struct {
	svc      *Service
	ledger   *ledger.Service
	feed     *fakeFeed
	store    *MemoryStore
	redisp   *fakeRedispatcher
	ledgerID string
	interval time.Duration
	maxAge   time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ledgerSvc := ledger.NewService(ledger.NewMemoryStore(), nil)
	l, err := ledgerSvc.CreateLedger(context.Background(), ledger.UnitUSDCents, 100000)
	require.NoError(t, err)

	h := &harness{
		ledger:   ledgerSvc,
		feed:     &fakeFeed{},
		store:    NewMemoryStore(),
		redisp:   &fakeRedispatcher{ledger: ledgerSvc},
		ledgerID: l.ID,
		interval: 15 * time.Minute,
		maxAge:   24 * time.Hour,
	}
	h.svc = NewService(ledgerSvc, h.feed, h.redisp, h.store, h.store, h.interval, h.maxAge, nil)
	return h
}

// pendingTransaction creates a debit stuck in the pending state, as if
// dispatch happened but the commit was lost.
func (h *harness) pendingTransaction(t *testing.T, user string) *ledger.Transaction {
	t.Helper()
	tx, _, err := h.ledger.CreateTransaction(context.Background(), ledger.CreateTransactionRequest{
		LedgerID:       h.ledgerID,
		IdempotencyKey: ledger.TransactionKey(h.ledgerID, -10000, user, "course-v1:edX+DemoX+Demo_Course"),
		Quantity:       -10000,
		LMSUserID:      user,
		ContentKey:     "course-v1:edX+DemoX+Demo_Course",
	})
	require.NoError(t, err)
	_, err = h.ledger.MarkPending(context.Background(), tx.ID)
	require.NoError(t, err)
	return tx
}

func TestRun_CommitsFulfilledChanges(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")

	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusFulfilled,
		ChangedAt:     time.Now(),
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)

	got, err := h.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, got.State)
	assert.Equal(t, "ful_001", got.FulfillmentID)

	// Replaying the same window converges without side effects.
	res, err = h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed) // commit with same reference is a no-op returning committed
}

func TestRun_FailsRejectedChanges(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")

	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusFailed,
		ChangedAt:     time.Now(),
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	got, err := h.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateFailed, got.State)

	// Funds released.
	balance, err := h.ledger.Balance(context.Background(), h.ledgerID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance)

	// Replay: already failed, nothing counted.
	res, err = h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)
}

func TestRun_FailedChangeNeverDowngradesCommitted(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")
	_, err := h.ledger.Commit(context.Background(), tx.ID, "ful_001", ledger.ReferenceTypeFulfillment)
	require.NoError(t, err)

	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusFailed,
		ChangedAt:     time.Now(),
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Failed)

	got, err := h.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, got.State)
}

func TestRun_ReversesRefundableUnenrollment(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")
	_, err := h.ledger.Commit(context.Background(), tx.ID, "ful_001", ledger.ReferenceTypeFulfillment)
	require.NoError(t, err)

	unenrolledAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusCancelled,
		Refundable:    true,
		UnenrolledAt:  &unenrolledAt,
		ChangedAt:     unenrolledAt,
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Reversed)

	rev, err := h.ledger.GetReversalForTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), rev.Quantity)
	assert.Equal(t, ledger.UnenrollmentReversalKey("ful_001", unenrolledAt), rev.IdempotencyKey)

	balance, err := h.ledger.Balance(context.Background(), h.ledgerID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance)

	// The overlapping window replays the same change; exactly one reversal.
	res, err = h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reversed)

	balance, err = h.ledger.Balance(context.Background(), h.ledgerID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance)
}

func TestRun_NonRefundableUnenrollmentNotReversed(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")
	_, err := h.ledger.Commit(context.Background(), tx.ID, "ful_001", ledger.ReferenceTypeFulfillment)
	require.NoError(t, err)

	unenrolledAt := time.Now().UTC()
	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusCancelled,
		Refundable:    false,
		UnenrolledAt:  &unenrolledAt,
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reversed)

	_, err = h.ledger.GetReversalForTransaction(context.Background(), tx.ID)
	assert.ErrorIs(t, err, ledger.ErrReversalNotFound)
}

func TestRun_PriorManualReversalSatisfiesUnenrollment(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")
	_, err := h.ledger.Commit(context.Background(), tx.ID, "ful_001", ledger.ReferenceTypeFulfillment)
	require.NoError(t, err)

	// Support already refunded this transaction manually.
	_, _, err = h.ledger.Reverse(context.Background(), tx.ID, "support-ticket-1", nil, nil)
	require.NoError(t, err)

	unenrolledAt := time.Now().UTC()
	h.feed.changes = []fulfillment.Change{{
		FulfillmentID: "ful_001",
		TransactionID: tx.ID,
		Status:        fulfillment.StatusCancelled,
		Refundable:    true,
		UnenrolledAt:  &unenrolledAt,
	}}

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Reversed)

	balance, err := h.ledger.Balance(context.Background(), h.ledgerID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(100000), balance, "a second reversal must not over-credit")
}

func TestRun_WatermarkAdvancesWithOverlap(t *testing.T) {
	h := newHarness(t)

	start := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	h.svc.now = func() time.Time { return start }

	_, err := h.svc.Run(context.Background())
	require.NoError(t, err)

	wm, err := h.store.GetWatermark(context.Background())
	require.NoError(t, err)
	assert.Equal(t, start, wm)

	// First run with no watermark looks back maxPendingAge plus overlap.
	require.Len(t, h.feed.since, 1)
	assert.Equal(t, start.Add(-h.maxAge).Add(-2*h.interval), h.feed.since[0])

	// Second run starts from the stored watermark minus two intervals.
	later := start.Add(h.interval)
	h.svc.now = func() time.Time { return later }
	_, err = h.svc.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, h.feed.since, 2)
	assert.Equal(t, start.Add(-2*h.interval), h.feed.since[1])
}

func TestRun_LeaseContention(t *testing.T) {
	h := newHarness(t)

	release, ok, err := h.store.TryAcquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer release()

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, h.feed.since, "a skipped run must not touch the feed")
}

func TestRun_RedispatchesCreatedTransactions(t *testing.T) {
	h := newHarness(t)
	h.redisp.refID = "ful_retry"

	// A debit whose inline dispatch failed transiently: still created.
	tx, _, err := h.ledger.CreateTransaction(context.Background(), ledger.CreateTransactionRequest{
		LedgerID:       h.ledgerID,
		IdempotencyKey: "stuck-debit",
		Quantity:       -5000,
		LMSUserID:      "lms-user-2",
		ContentKey:     "course-v1:edX+DemoX+Demo_Course",
	})
	require.NoError(t, err)

	// Age the transaction past one interval so it is picked up.
	h.svc.now = func() time.Time { return time.Now().UTC().Add(2 * h.interval) }

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Redispatched)
	assert.Equal(t, 1, h.redisp.calls)

	got, err := h.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, got.State)
	assert.Equal(t, "ful_retry", got.FulfillmentID)
}

func TestRun_FlagsStaleTransactionsWithoutFailingThem(t *testing.T) {
	h := newHarness(t)
	tx := h.pendingTransaction(t, "lms-user-1")

	// Far future: the pending transaction is now ancient.
	h.svc.now = func() time.Time { return time.Now().UTC().Add(h.maxAge + time.Hour) }

	res, err := h.svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Flagged)

	got, err := h.ledger.GetTransaction(context.Background(), tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatePending, got.State, "stale transactions are flagged, never auto-failed")
}
