package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openlearn/subsidyledger/internal/idgen"
	"github.com/openlearn/subsidyledger/internal/pagination"
	"github.com/openlearn/subsidyledger/internal/syncutil"
)

// Service implements the ledger business logic: idempotent transaction
// creation, the fulfillment state machine, reversals, and balance derivation.
type Service struct {
	store  Store
	logger *slog.Logger

	// Per-transaction locks serialize state transitions so a commit and a
	// fail (or two commits) racing on the same transaction cannot interleave
	// their read-check-write sequences. Sharded, so memory stays bounded no
	// matter how many transaction IDs pass through.
	locks syncutil.ShardedMutex
}

// NewService creates a ledger service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// CreateLedger provisions a new ledger. The starting balance is immutable
// once set.
func (s *Service) CreateLedger(ctx context.Context, unit string, startingBalance int64) (*Ledger, error) {
	if unit == "" {
		unit = UnitUSDCents
	}
	if startingBalance < 0 {
		return nil, fmt.Errorf("%w: starting balance must not be negative", ErrInvalidQuantity)
	}
	l := &Ledger{
		ID:              idgen.WithPrefix("ldg_"),
		Unit:            unit,
		StartingBalance: startingBalance,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.store.CreateLedger(ctx, l); err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	return l, nil
}

// GetLedger returns a ledger by ID.
func (s *Service) GetLedger(ctx context.Context, id string) (*Ledger, error) {
	return s.store.GetLedger(ctx, id)
}

// CreateTransactionRequest carries the inputs for CreateTransaction.
type CreateTransactionRequest struct {
	LedgerID                string
	IdempotencyKey          string
	Quantity                int64 // negative = debit, positive = deposit
	LMSUserID               string
	ContentKey              string
	SubsidyAccessPolicyUUID string
	Metadata                map[string]any
}

// CreateTransaction idempotently records a value movement.
//
// If the idempotency key already names a transaction with a matching payload,
// that transaction is returned unchanged with created=false and no side
// effects. A key reuse with a different ledger, learner, content, or quantity
// is a ConflictError. A novel key inserts a new transaction in the created
// state; for debits the balance check and insert are atomic per ledger, so
// an unaffordable debit fails with ErrInsufficientBalance and leaves no row.
func (s *Service) CreateTransaction(ctx context.Context, req CreateTransactionRequest) (*Transaction, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", ErrInvalidQuantity)
	}
	if req.Quantity == 0 {
		return nil, false, fmt.Errorf("%w: quantity must not be zero", ErrInvalidQuantity)
	}
	if req.Quantity < 0 && (req.LMSUserID == "" || req.ContentKey == "") {
		return nil, false, fmt.Errorf("%w: debits require a learner and content key", ErrInvalidQuantity)
	}

	if existing, err := s.resolveTransactionKey(ctx, req); existing != nil || err != nil {
		return existing, false, err
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:                      idgen.WithPrefix("txn_"),
		LedgerID:                req.LedgerID,
		IdempotencyKey:          req.IdempotencyKey,
		Quantity:                req.Quantity,
		Unit:                    UnitUSDCents,
		LMSUserID:               req.LMSUserID,
		ContentKey:              req.ContentKey,
		SubsidyAccessPolicyUUID: req.SubsidyAccessPolicyUUID,
		State:                   StateCreated,
		Metadata:                req.Metadata,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	err := s.store.CreateTransaction(ctx, tx)
	if errors.Is(err, ErrDuplicateKey) {
		// Lost the insert race; the winner's row is authoritative.
		existing, rerr := s.resolveTransactionKey(ctx, req)
		if rerr != nil {
			return nil, false, rerr
		}
		if existing == nil {
			return nil, false, fmt.Errorf("fetch transaction after duplicate key: %w", ErrTransactionNotFound)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	transactionsCreated.Inc()
	return tx, true, nil
}

// resolveTransactionKey looks up req's idempotency key. It returns the
// existing transaction when the payload matches, a ConflictError when it
// doesn't, and (nil, nil) when the key is unused.
func (s *Service) resolveTransactionKey(ctx context.Context, req CreateTransactionRequest) (*Transaction, error) {
	existing, err := s.store.GetTransactionByKey(ctx, req.IdempotencyKey)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.LedgerID != req.LedgerID ||
		existing.Quantity != req.Quantity ||
		existing.LMSUserID != req.LMSUserID ||
		existing.ContentKey != req.ContentKey {
		idempotencyConflicts.Inc()
		return nil, &ConflictError{ExistingID: existing.ID}
	}
	return existing, nil
}

// GetTransaction returns a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.store.GetTransaction(ctx, id)
}

// FindRedemption returns the latest non-failed transaction for a learner and
// content key on a ledger, or ErrTransactionNotFound.
func (s *Service) FindRedemption(ctx context.Context, ledgerID, lmsUserID, contentKey string) (*Transaction, error) {
	return s.store.FindRedemption(ctx, ledgerID, lmsUserID, contentKey)
}

// ListTransactions returns one page of a ledger's transactions, newest
// first, plus an opaque cursor for the next page ("" when exhausted).
func (s *Service) ListTransactions(ctx context.Context, ledgerID string, cursor *pagination.Cursor, limit int) ([]*Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	txs, err := s.store.ListTransactions(ctx, ledgerID, cursor, limit+1)
	if err != nil {
		return nil, "", err
	}
	txs, next, _ := pagination.ComputePage(txs, limit, func(tx *Transaction) (time.Time, string) {
		return tx.CreatedAt, tx.ID
	})
	return txs, next, nil
}

// MarkPending records that a fulfillment request was dispatched for the
// transaction. Only valid from the created state.
func (s *Service) MarkPending(ctx context.Context, id string) (*Transaction, error) {
	return s.transition(ctx, id, StateCreated, StatePending)
}

// MarkDispatchFailed returns a pending transaction to created after a
// transient dispatch failure, so the reconciler can retry it.
func (s *Service) MarkDispatchFailed(ctx context.Context, id string) (*Transaction, error) {
	return s.transition(ctx, id, StatePending, StateCreated)
}

// transition moves a transaction from one state to another. The store write
// is guarded on the observed state; a stale write means another writer got
// there first, so the decision is re-made against a fresh read.
func (s *Service) transition(ctx context.Context, id string, from, to State) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for {
		tx, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.State == to {
			return tx, nil
		}
		if tx.State != from {
			return nil, fmt.Errorf("%w: %s is %s", ErrInvalidState, id, tx.State)
		}
		tx.State = to
		tx.UpdatedAt = time.Now().UTC()
		err = s.store.UpdateTransaction(ctx, tx, from)
		if errors.Is(err, ErrStaleTransaction) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return tx, nil
	}
}

// Commit attaches the external reference to the transaction and moves it to
// committed.
//
// Committing an already-committed transaction with the same reference ID is
// a no-op. A different reference ID for a committed transaction is an
// invariant violation: two external records claim the same transaction. That
// always fails loudly and is never retried away.
func (s *Service) Commit(ctx context.Context, id, referenceID, referenceType string) (*Transaction, error) {
	if referenceID == "" {
		return nil, fmt.Errorf("%w: reference id is required to commit", ErrInvalidState)
	}
	if referenceType == "" {
		referenceType = ReferenceTypeFulfillment
	}

	unlock := s.locks.Lock(id)
	defer unlock()

	for {
		tx, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}

		switch tx.State {
		case StateCommitted:
			if tx.FulfillmentID == referenceID {
				return tx, nil
			}
			invariantViolations.Inc()
			s.logger.Error("conflicting fulfillment reference on committed transaction",
				"transaction_id", tx.ID,
				"committed_reference_id", tx.FulfillmentID,
				"incoming_reference_id", referenceID,
			)
			return nil, fmt.Errorf("%w: transaction %s has %s, got %s",
				ErrReferenceMismatch, tx.ID, tx.FulfillmentID, referenceID)
		case StateFailed:
			return nil, fmt.Errorf("%w: cannot commit failed transaction %s", ErrInvalidState, tx.ID)
		}

		from := tx.State
		tx.State = StateCommitted
		tx.FulfillmentID = referenceID
		tx.ReferenceType = referenceType
		tx.UpdatedAt = time.Now().UTC()
		err = s.store.UpdateTransaction(ctx, tx, from)
		if errors.Is(err, ErrStaleTransaction) {
			// Another writer moved the transaction first; re-read so a
			// concurrent commit with a different reference surfaces as
			// ErrReferenceMismatch instead of a silent overwrite.
			continue
		}
		if err != nil {
			return nil, err
		}

		transactionsCommitted.Inc()
		return tx, nil
	}
}

// Fail marks a created or pending transaction as definitively failed,
// excluding it from the ledger balance.
func (s *Service) Fail(ctx context.Context, id string) (*Transaction, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	for {
		tx, err := s.store.GetTransaction(ctx, id)
		if err != nil {
			return nil, err
		}
		if tx.State == StateFailed {
			return tx, nil
		}
		if tx.State.Terminal() {
			return nil, fmt.Errorf("%w: cannot fail %s transaction %s", ErrInvalidState, tx.State, tx.ID)
		}
		from := tx.State
		tx.State = StateFailed
		tx.UpdatedAt = time.Now().UTC()
		err = s.store.UpdateTransaction(ctx, tx, from)
		if errors.Is(err, ErrStaleTransaction) {
			continue
		}
		if err != nil {
			return nil, err
		}

		transactionsFailed.Inc()
		return tx, nil
	}
}

// Reverse idempotently creates a compensating reversal for a committed
// transaction. A nil quantity reverses the full magnitude. The reversal's
// quantity has the opposite sign of the transaction's and its magnitude may
// not exceed it. At most one reversal exists per transaction.
func (s *Service) Reverse(ctx context.Context, transactionID, idempotencyKey string, quantity *int64, metadata map[string]any) (*Reversal, bool, error) {
	if idempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", ErrInvalidReversal)
	}

	tx, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, false, err
	}
	if tx.State != StateCommitted {
		return nil, false, fmt.Errorf("%w: transaction %s is %s, only committed transactions can be reversed",
			ErrInvalidReversal, tx.ID, tx.State)
	}

	qty := -tx.Quantity
	if quantity != nil {
		qty = *quantity
	}
	if qty == 0 || sign(qty) == sign(tx.Quantity) {
		return nil, false, fmt.Errorf("%w: reversal quantity must oppose the transaction's sign", ErrInvalidReversal)
	}
	if abs(qty) > abs(tx.Quantity) {
		return nil, false, fmt.Errorf("%w: reversal magnitude %d exceeds transaction magnitude %d",
			ErrInvalidReversal, abs(qty), abs(tx.Quantity))
	}

	if existing, err := s.resolveReversalKey(ctx, idempotencyKey, tx.ID, qty); existing != nil || err != nil {
		return existing, false, err
	}

	// A transaction carries at most one reversal, whatever key it was
	// created under.
	if prior, err := s.store.GetReversalForTransaction(ctx, tx.ID); err == nil {
		return nil, false, fmt.Errorf("%w: transaction %s already reversed by %s",
			ErrInvalidReversal, tx.ID, prior.ID)
	} else if !errors.Is(err, ErrReversalNotFound) {
		return nil, false, err
	}

	now := time.Now().UTC()
	rev := &Reversal{
		ID:             idgen.WithPrefix("rev_"),
		TransactionID:  tx.ID,
		IdempotencyKey: idempotencyKey,
		Quantity:       qty,
		Metadata:       metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err = s.store.CreateReversal(ctx, rev)
	if errors.Is(err, ErrDuplicateKey) {
		existing, rerr := s.resolveReversalKey(ctx, idempotencyKey, tx.ID, qty)
		if rerr != nil {
			return nil, false, rerr
		}
		if existing != nil {
			return existing, false, nil
		}
		// The collision was on the transaction's unique reversal slot, not
		// the key: some other reversal got there first.
		return nil, false, fmt.Errorf("%w: transaction %s already reversed", ErrInvalidReversal, tx.ID)
	}
	if err != nil {
		return nil, false, err
	}

	reversalsCreated.Inc()
	return rev, true, nil
}

func (s *Service) resolveReversalKey(ctx context.Context, key, transactionID string, qty int64) (*Reversal, error) {
	existing, err := s.store.GetReversalByKey(ctx, key)
	if errors.Is(err, ErrReversalNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if existing.TransactionID != transactionID || existing.Quantity != qty {
		idempotencyConflicts.Inc()
		return nil, &ConflictError{ExistingID: existing.ID}
	}
	return existing, nil
}

// GetReversalForTransaction returns the reversal attached to a transaction,
// or ErrReversalNotFound.
func (s *Service) GetReversalForTransaction(ctx context.Context, transactionID string) (*Reversal, error) {
	return s.store.GetReversalForTransaction(ctx, transactionID)
}

// Balance derives the current balance of a ledger, optionally restricted to
// a learner/content subset (see Store.Balance for filter semantics).
func (s *Service) Balance(ctx context.Context, ledgerID string, filter *BalanceFilter) (int64, error) {
	balance, err := s.store.Balance(ctx, ledgerID, filter)
	if err != nil {
		return 0, err
	}
	if filter == nil && balance < 0 {
		invariantViolations.Inc()
		s.logger.Error("ledger balance is negative", "ledger_id", ledgerID, "balance", balance)
	}
	return balance, nil
}

// CanDebit reports whether the ledger can afford a debit of the given
// magnitude right now. The answer is advisory: the authoritative check is
// the atomic one inside CreateTransaction.
func (s *Service) CanDebit(ctx context.Context, ledgerID string, amount int64) (bool, error) {
	if amount <= 0 {
		return false, fmt.Errorf("%w: debit amount must be positive", ErrInvalidQuantity)
	}
	balance, err := s.store.Balance(ctx, ledgerID, nil)
	if err != nil {
		return false, err
	}
	return balance-amount >= 0, nil
}

// ListUnresolved returns created/pending transactions last touched before
// the cutoff, oldest first. The reconciler uses this for both retry and
// stale-transaction flagging.
func (s *Service) ListUnresolved(ctx context.Context, cutoff time.Time, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListUnresolved(ctx, cutoff, limit)
}

func sign(n int64) int {
	if n < 0 {
		return -1
	}
	return 1
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
