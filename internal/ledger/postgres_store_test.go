package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/subsidyledger/internal/testutil"
)

// Integration tests; skipped unless POSTGRES_URL is set.

func TestPostgresStore_CreateAndResolve(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), nil)

	l, err := svc.CreateLedger(ctx, UnitUSDCents, 10000)
	require.NoError(t, err)

	req := debitRequest(l.ID, "pg-key-1", -4900)
	first, created, err := svc.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := svc.CreateTransaction(ctx, req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	_, _, err = svc.CreateTransaction(ctx, debitRequest(l.ID, "pg-key-1", -100))
	require.ErrorIs(t, err, ErrIdempotencyConflict)
}

func TestPostgresStore_ConcurrentDebits(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), nil)

	l, err := svc.CreateLedger(ctx, UnitUSDCents, 100)
	require.NoError(t, err)

	keys := []string{"pg-race-a", "pg-race-b", "pg-race-c"}
	errs := make([]error, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			_, _, errs[i] = svc.CreateTransaction(ctx, debitRequest(l.ID, key, -60))
		}(i, key)
	}
	wg.Wait()

	var succeeded int
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientBalance)
		}
	}
	assert.Equal(t, 1, succeeded)

	balance, err := svc.Balance(ctx, l.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
}

func TestPostgresStore_CommitReverseBalance(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	ctx := context.Background()
	svc := NewService(NewPostgresStore(db), nil)

	l, err := svc.CreateLedger(ctx, UnitUSDCents, 1000)
	require.NoError(t, err)

	tx, _, err := svc.CreateTransaction(ctx, debitRequest(l.ID, "pg-key-commit", -200))
	require.NoError(t, err)

	tx, err = svc.Commit(ctx, tx.ID, "pg-fulfillment-1", ReferenceTypeFulfillment)
	require.NoError(t, err)
	assert.Equal(t, StateCommitted, tx.State)

	balance, err := svc.Balance(ctx, l.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(800), balance)

	rev, created, err := svc.Reverse(ctx, tx.ID, "pg-rev-1", nil, nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(200), rev.Quantity)

	// The reversal nets the debit back out.
	balance, err = svc.Balance(ctx, l.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), balance)

	// The unique transaction slot rejects a second reversal.
	_, _, err = svc.Reverse(ctx, tx.ID, "pg-rev-2", nil, nil)
	require.ErrorIs(t, err, ErrInvalidReversal)
}
