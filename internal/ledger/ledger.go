// Package ledger implements the append-only transaction ledger for
// learner credit subsidies.
//
// A Ledger owns the balance of one funding pool. Value only ever moves by
// appending Transaction and Reversal records; the balance is always derived
// from those records and never stored as a mutable counter. Debits are
// serialized per ledger so that two concurrent spends cannot both succeed
// against a balance that only covers one of them.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrLedgerNotFound      = errors.New("ledger not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrReversalNotFound    = errors.New("reversal not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different payload")
	ErrInvalidReversal     = errors.New("invalid reversal")
	ErrInvalidQuantity     = errors.New("invalid quantity")
	ErrInvalidState        = errors.New("invalid transaction state for this operation")
	ErrReferenceMismatch   = errors.New("transaction already committed with a different fulfillment reference")

	// ErrDuplicateKey is returned by stores when an insert loses the race on
	// the idempotency key unique constraint. The service re-fetches the
	// winner rather than surfacing this to callers.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrStaleTransaction is returned by stores when a guarded update finds
	// the transaction no longer in its expected state, i.e. another writer
	// (possibly another replica) transitioned it first. The service re-reads
	// and re-decides rather than surfacing this to callers.
	ErrStaleTransaction = errors.New("transaction state changed concurrently")
)

// ConflictError reports an idempotency key reuse whose payload does not match
// the record that already owns the key. The existing record's ID is carried
// so callers can diagnose which request won.
type ConflictError struct {
	ExistingID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key reused with different payload (existing record %s)", e.ExistingID)
}

func (e *ConflictError) Is(target error) bool { return target == ErrIdempotencyConflict }

// UnitUSDCents is the only unit of value supported: integer US cents.
const UnitUSDCents = "usd_cents"

// State is the lifecycle state of a Transaction.
type State string

const (
	// StateCreated means the row exists but fulfillment has not been
	// confirmed; dispatch may not have been attempted yet, or a dispatch
	// attempt failed transiently and is awaiting retry.
	StateCreated State = "created"
	// StatePending means a fulfillment request is in flight.
	StatePending State = "pending"
	// StateCommitted means fulfillment is durably confirmed; FulfillmentID
	// references the external enrollment record.
	StateCommitted State = "committed"
	// StateFailed means fulfillment was definitively rejected or the retry
	// budget was exhausted. Failed transactions do not count against balance.
	StateFailed State = "failed"
)

// Terminal reports whether no further state transitions are allowed.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

// Reference types for the external record a committed transaction points at.
const (
	// ReferenceTypeFulfillment marks FulfillmentID as an LMS enrollment
	// reference.
	ReferenceTypeFulfillment = "lms_fulfillment"
	// ReferenceTypeDeposit marks FulfillmentID as the originating deposit
	// request; deposits have no external fulfillment to wait on.
	ReferenceTypeDeposit = "deposit"
)

// Ledger is the balance-owning account for one subsidy.
type Ledger struct {
	ID              string    `json:"id"`
	Unit            string    `json:"unit"`
	StartingBalance int64     `json:"startingBalance"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Transaction is a signed value movement against a Ledger. Negative
// quantities spend value, positive quantities deposit it. Once committed a
// transaction is immutable except for the attachment of a Reversal.
type Transaction struct {
	ID                      string         `json:"id"`
	LedgerID                string         `json:"ledgerId"`
	IdempotencyKey          string         `json:"idempotencyKey"`
	Quantity                int64          `json:"quantity"`
	Unit                    string         `json:"unit"`
	LMSUserID               string         `json:"lmsUserId,omitempty"`
	ContentKey              string         `json:"contentKey,omitempty"`
	SubsidyAccessPolicyUUID string         `json:"subsidyAccessPolicyUuid,omitempty"`
	FulfillmentID           string         `json:"fulfillmentId,omitempty"`
	ReferenceType           string         `json:"referenceType,omitempty"`
	State                   State          `json:"state"`
	Metadata                map[string]any `json:"metadata,omitempty"`
	CreatedAt               time.Time      `json:"createdAt"`
	UpdatedAt               time.Time      `json:"updatedAt"`
}

// Reversal is a compensating record that returns the value of a specific
// Transaction to its Ledger. At most one reversal may exist per transaction,
// and its magnitude never exceeds the transaction's.
type Reversal struct {
	ID             string         `json:"id"`
	TransactionID  string         `json:"transactionId"`
	IdempotencyKey string         `json:"idempotencyKey"`
	Quantity       int64          `json:"quantity"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

// BalanceFilter restricts a balance aggregation to a learner and/or content
// key subset. Used by reporting; a nil filter means the full ledger balance.
type BalanceFilter struct {
	LMSUserID  string
	ContentKey string
}
