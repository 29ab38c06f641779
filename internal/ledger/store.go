package ledger

import (
	"context"
	"time"

	"github.com/openlearn/subsidyledger/internal/pagination"
)

// Store persists ledgers, transactions, and reversals.
//
// Implementations must enforce two things that cannot be left to the service
// layer:
//
//   - Idempotency keys are unique (transactions globally, reversals
//     globally). A losing concurrent insert returns ErrDuplicateKey.
//   - CreateTransaction is atomic with respect to other debits on the same
//     ledger: the balance check and the insert happen under per-ledger
//     serialization, so two concurrent debits can never both observe a
//     stale balance. Inserts that would drive the balance negative return
//     ErrInsufficientBalance and leave no row behind.
type Store interface {
	CreateLedger(ctx context.Context, l *Ledger) error
	GetLedger(ctx context.Context, id string) (*Ledger, error)

	// CreateTransaction inserts tx in its given state, enforcing the
	// idempotency key constraint and, for debits, the non-negative balance
	// invariant.
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetTransactionByKey(ctx context.Context, idempotencyKey string) (*Transaction, error)
	// FindRedemption returns the most recent non-failed transaction for a
	// (ledger, learner, content) triple, or ErrTransactionNotFound.
	FindRedemption(ctx context.Context, ledgerID, lmsUserID, contentKey string) (*Transaction, error)
	// ListTransactions returns up to limit transactions newest first,
	// starting strictly after the cursor position when one is given.
	ListTransactions(ctx context.Context, ledgerID string, cursor *pagination.Cursor, limit int) ([]*Transaction, error)
	// ListUnresolved returns created/pending transactions last updated
	// before the cutoff, oldest first.
	ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error)
	// UpdateTransaction writes tx's mutable fields, guarded on the state the
	// caller observed: if the stored state is no longer from, nothing is
	// written and ErrStaleTransaction is returned. The guard holds across
	// replicas, where the service's in-process locks cannot.
	UpdateTransaction(ctx context.Context, tx *Transaction, from State) error

	// CreateReversal inserts rev, enforcing both unique constraints
	// (idempotency key, transaction id). Either collision returns
	// ErrDuplicateKey.
	CreateReversal(ctx context.Context, rev *Reversal) error
	GetReversalByKey(ctx context.Context, idempotencyKey string) (*Reversal, error)
	// GetReversalForTransaction returns the reversal attached to a
	// transaction, or ErrReversalNotFound.
	GetReversalForTransaction(ctx context.Context, transactionID string) (*Reversal, error)

	// Balance derives the ledger balance: starting balance plus the sum of
	// all non-failed transaction quantities plus the sum of all reversal
	// quantities. With a non-nil filter the starting balance is excluded
	// and only the matching subset is summed (reporting aggregate).
	Balance(ctx context.Context, ledgerID string, filter *BalanceFilter) (int64, error)
}
