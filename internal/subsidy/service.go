package subsidy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openlearn/subsidyledger/internal/fulfillment"
	"github.com/openlearn/subsidyledger/internal/idgen"
	"github.com/openlearn/subsidyledger/internal/ledger"
	"github.com/openlearn/subsidyledger/internal/metrics"
	"github.com/openlearn/subsidyledger/internal/pagination"
	"github.com/openlearn/subsidyledger/internal/traces"
)

// maxRedeemAttempts bounds how many failed transactions for the same
// learner/content pair a redemption will walk past before giving up.
const maxRedeemAttempts = 10

// PriceResolver returns the price of a content key in USD cents.
type PriceResolver interface {
	Price(ctx context.Context, contentKey string) (int64, error)
}

// Dispatcher asks the LMS to fulfill an enrollment and returns the LMS
// fulfillment reference ID.
type Dispatcher interface {
	CreateFulfillment(ctx context.Context, transactionID, lmsUserID, contentKey string) (string, error)
}

// Service orchestrates subsidy lifecycle and redemption.
type Service struct {
	store      Store
	ledger     *ledger.Service
	prices     PriceResolver
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService creates a subsidy service.
func NewService(store Store, ledgerSvc *ledger.Service, prices PriceResolver, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:      store,
		ledger:     ledgerSvc,
		prices:     prices,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// ProvisionRequest carries the inputs for Provision.
type ProvisionRequest struct {
	Title                  string
	EnterpriseCustomerUUID string
	StartingBalance        int64 // USD cents
	ActiveDatetime         time.Time
	ExpirationDatetime     time.Time
}

// Provision creates a subsidy with a fresh ledger holding the starting
// balance.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*Subsidy, error) {
	if req.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidProvision)
	}
	if req.StartingBalance < 0 {
		return nil, fmt.Errorf("%w: starting balance must not be negative", ErrInvalidProvision)
	}
	if !req.ExpirationDatetime.After(req.ActiveDatetime) {
		return nil, fmt.Errorf("%w: expiration must be after activation", ErrInvalidProvision)
	}

	l, err := s.ledger.CreateLedger(ctx, ledger.UnitUSDCents, req.StartingBalance)
	if err != nil {
		return nil, fmt.Errorf("provision ledger: %w", err)
	}

	now := time.Now().UTC()
	sub := &Subsidy{
		UUID:                   idgen.New(),
		Title:                  req.Title,
		EnterpriseCustomerUUID: req.EnterpriseCustomerUUID,
		LedgerID:               l.ID,
		ActiveDatetime:         req.ActiveDatetime.UTC(),
		ExpirationDatetime:     req.ExpirationDatetime.UTC(),
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	if err := s.store.CreateSubsidy(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subsidy: %w", err)
	}

	s.logger.Info("subsidy provisioned",
		"subsidy_uuid", sub.UUID,
		"ledger_id", l.ID,
		"starting_balance", req.StartingBalance,
	)
	return sub, nil
}

// Get returns a subsidy by UUID.
func (s *Service) Get(ctx context.Context, uuid string) (*Subsidy, error) {
	return s.store.GetSubsidy(ctx, uuid)
}

// List returns subsidies, optionally scoped to an enterprise customer.
func (s *Service) List(ctx context.Context, enterpriseCustomerUUID string, limit int) ([]*Subsidy, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListSubsidies(ctx, enterpriseCustomerUUID, limit)
}

// Retire permanently closes a subsidy to new redemptions. Already-retired
// subsidies are a no-op.
func (s *Service) Retire(ctx context.Context, uuid string) (*Subsidy, error) {
	sub, err := s.store.GetSubsidy(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if sub.RetiredAt != nil {
		return sub, nil
	}
	now := time.Now().UTC()
	sub.RetiredAt = &now
	sub.UpdatedAt = now
	if err := s.store.UpdateSubsidy(ctx, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subsidy retired", "subsidy_uuid", sub.UUID)
	return sub, nil
}

// RedeemRequest carries the inputs for Redeem. IdempotencyKey is optional:
// when empty, a deterministic key is derived from the redemption inputs.
type RedeemRequest struct {
	SubsidyUUID             string
	LMSUserID               string
	ContentKey              string
	IdempotencyKey          string
	SubsidyAccessPolicyUUID string
	Metadata                map[string]any
}

// Redeem gets or creates a redemption for a learner and content key.
//
// If a non-failed redemption already exists for the pair, it is returned
// unchanged with created=false. Otherwise the content is priced, a debit
// transaction is created atomically against the ledger balance, and
// fulfillment is dispatched to the LMS. A transient dispatch failure leaves
// the transaction in the created state for the reconciler to retry; an LMS
// rejection fails the transaction and releases the funds.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*ledger.Transaction, bool, error) {
	ctx, span := traces.StartSpan(ctx, "subsidy.Redeem",
		traces.SubsidyUUID(req.SubsidyUUID),
		traces.LMSUserID(req.LMSUserID),
		traces.ContentKey(req.ContentKey),
	)
	defer span.End()

	sub, err := s.store.GetSubsidy(ctx, req.SubsidyUUID)
	if err != nil {
		return nil, false, err
	}
	if !sub.IsActive(time.Now().UTC()) {
		metrics.RedemptionsTotal.WithLabelValues("inactive").Inc()
		return nil, false, fmt.Errorf("%w: subsidy %s is %s", ErrSubsidyNotActive, sub.UUID, sub.State(time.Now().UTC()))
	}

	// Get-or-create: an existing non-failed redemption for this learner and
	// content wins, whatever its state.
	existing, err := s.ledger.FindRedemption(ctx, sub.LedgerID, req.LMSUserID, req.ContentKey)
	if err == nil {
		metrics.RedemptionsTotal.WithLabelValues("existing").Inc()
		return s.ensureDispatched(ctx, existing), false, nil
	}
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, false, err
	}

	cents, err := s.prices.Price(ctx, req.ContentKey)
	if err != nil {
		metrics.RedemptionsTotal.WithLabelValues("price_unavailable").Inc()
		return nil, false, err
	}
	if cents == 0 {
		metrics.RedemptionsTotal.WithLabelValues("error").Inc()
		return nil, false, fmt.Errorf("%w: content %s is free, nothing to redeem", ledger.ErrInvalidQuantity, req.ContentKey)
	}

	quantity := -cents

	// The deterministic key makes concurrent identical redemptions collapse
	// into one transaction. A failed earlier attempt still owns the base key,
	// so each retry derives the next key in sequence; the derivation is pure,
	// so replays land on the same transaction. A caller-supplied key is used
	// verbatim and never salted: the caller owns whatever it names.
	attempts := maxRedeemAttempts
	baseKey := req.IdempotencyKey
	if baseKey == "" {
		baseKey = ledger.TransactionKey(sub.LedgerID, quantity, req.LMSUserID, req.ContentKey)
	} else {
		attempts = 1
	}

	var (
		tx      *ledger.Transaction
		created bool
	)
	for attempt := 0; attempt < attempts; attempt++ {
		key := baseKey
		if attempt > 0 {
			key = fmt.Sprintf("%s-%d", baseKey, attempt)
		}
		tx, created, err = s.ledger.CreateTransaction(ctx, ledger.CreateTransactionRequest{
			LedgerID:                sub.LedgerID,
			IdempotencyKey:          key,
			Quantity:                quantity,
			LMSUserID:               req.LMSUserID,
			ContentKey:              req.ContentKey,
			SubsidyAccessPolicyUUID: req.SubsidyAccessPolicyUUID,
			Metadata:                req.Metadata,
		})
		if err != nil || created || tx.State != ledger.StateFailed {
			break
		}
	}
	if err == nil && tx != nil && !created && tx.State == ledger.StateFailed {
		metrics.RedemptionsTotal.WithLabelValues("error").Inc()
		if req.IdempotencyKey != "" {
			return nil, false, fmt.Errorf("%w: idempotency key %s names a failed transaction",
				ledger.ErrInvalidState, req.IdempotencyKey)
		}
		return nil, false, fmt.Errorf("%w: too many failed attempts for %s/%s",
			ledger.ErrInvalidState, req.LMSUserID, req.ContentKey)
	}
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientBalance):
			metrics.RedemptionsTotal.WithLabelValues("insufficient_balance").Inc()
		case errors.Is(err, ledger.ErrIdempotencyConflict):
			metrics.RedemptionsTotal.WithLabelValues("conflict").Inc()
		default:
			metrics.RedemptionsTotal.WithLabelValues("error").Inc()
		}
		return nil, false, err
	}

	if created {
		metrics.RedemptionsTotal.WithLabelValues("created").Inc()
		s.logger.Info("redemption created",
			"subsidy_uuid", sub.UUID,
			"transaction_id", tx.ID,
			"lms_user_id", req.LMSUserID,
			"content_key", req.ContentKey,
			"quantity", tx.Quantity,
		)
	} else {
		metrics.RedemptionsTotal.WithLabelValues("existing").Inc()
	}

	return s.ensureDispatched(ctx, tx), created, nil
}

// ensureDispatched pushes a created transaction through fulfillment dispatch.
// Committed, failed, and pending transactions pass through untouched; the
// reconciler owns pending ones. Dispatch errors never fail the redemption
// response: the transaction stays retryable and is returned as-is.
func (s *Service) ensureDispatched(ctx context.Context, tx *ledger.Transaction) *ledger.Transaction {
	if tx.State != ledger.StateCreated {
		return tx
	}
	// Credits have no enrollment to dispatch. A deposit stuck in created
	// (its commit raced a crash) heals on the client's idempotent retry or
	// gets flagged by the stale scan; sending it to the LMS would fail it
	// and silently drop the deposited funds.
	if tx.Quantity > 0 {
		return tx
	}

	pending, err := s.ledger.MarkPending(ctx, tx.ID)
	if err != nil {
		// Lost a race with another dispatcher; return the current row.
		if current, gerr := s.ledger.GetTransaction(ctx, tx.ID); gerr == nil {
			return current
		}
		return tx
	}

	refID, err := s.dispatcher.CreateFulfillment(ctx, pending.ID, pending.LMSUserID, pending.ContentKey)
	if err != nil {
		return s.handleDispatchError(ctx, pending, err)
	}

	committed, err := s.ledger.Commit(ctx, pending.ID, refID, ledger.ReferenceTypeFulfillment)
	if err != nil {
		s.logger.Error("commit after fulfillment failed",
			"transaction_id", pending.ID,
			"fulfillment_id", refID,
			"error", err,
		)
		return pending
	}
	return committed
}

// RedispatchCreated retries fulfillment dispatch for an unresolved
// transaction. The reconciler uses this to drain transactions whose inline
// dispatch failed transiently.
func (s *Service) RedispatchCreated(ctx context.Context, tx *ledger.Transaction) *ledger.Transaction {
	return s.ensureDispatched(ctx, tx)
}

// handleDispatchError decides what a failed dispatch means for the
// transaction. A permanent LMS rejection fails it, releasing the funds; a
// transient error returns it to created so the reconciler retries it.
func (s *Service) handleDispatchError(ctx context.Context, tx *ledger.Transaction, dispatchErr error) *ledger.Transaction {
	if errors.Is(dispatchErr, fulfillment.ErrRejected) {
		s.logger.Warn("fulfillment rejected, failing transaction",
			"transaction_id", tx.ID,
			"content_key", tx.ContentKey,
			"error", dispatchErr,
		)
		if failed, err := s.ledger.Fail(ctx, tx.ID); err == nil {
			return failed
		}
		return tx
	}

	s.logger.Warn("fulfillment dispatch failed, will retry",
		"transaction_id", tx.ID,
		"error", dispatchErr,
	)
	if reverted, err := s.ledger.MarkDispatchFailed(ctx, tx.ID); err == nil {
		return reverted
	}
	return tx
}

// CanRedeemResult is the answer to a redeemability query.
type CanRedeemResult struct {
	CanRedeem           bool                `json:"can_redeem"`
	PriceUSDCents       int64               `json:"price_usd_cents"`
	ExistingTransaction *ledger.Transaction `json:"existing_transaction,omitempty"`
	Reason              string              `json:"reason,omitempty"`
}

// CanRedeem reports whether a redemption would succeed right now. The answer
// is advisory: the authoritative checks happen inside Redeem.
func (s *Service) CanRedeem(ctx context.Context, subsidyUUID, lmsUserID, contentKey string) (*CanRedeemResult, error) {
	sub, err := s.store.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return nil, err
	}
	if !sub.IsActive(time.Now().UTC()) {
		return &CanRedeemResult{Reason: "subsidy_" + sub.State(time.Now().UTC())}, nil
	}

	if existing, err := s.ledger.FindRedemption(ctx, sub.LedgerID, lmsUserID, contentKey); err == nil {
		return &CanRedeemResult{CanRedeem: true, PriceUSDCents: -existing.Quantity, ExistingTransaction: existing}, nil
	} else if !errors.Is(err, ledger.ErrTransactionNotFound) {
		return nil, err
	}

	cents, err := s.prices.Price(ctx, contentKey)
	if err != nil {
		return nil, err
	}
	if cents == 0 {
		return &CanRedeemResult{PriceUSDCents: 0, Reason: "content_free"}, nil
	}

	ok, err := s.ledger.CanDebit(ctx, sub.LedgerID, cents)
	if err != nil {
		return nil, err
	}
	res := &CanRedeemResult{CanRedeem: ok, PriceUSDCents: cents}
	if !ok {
		res.Reason = "insufficient_balance"
	}
	return res, nil
}

// DepositRequest carries the inputs for Deposit.
type DepositRequest struct {
	SubsidyUUID    string
	IdempotencyKey string
	Quantity       int64 // USD cents, must be positive
	ReferenceID    string
	Metadata       map[string]any
}

// Deposit idempotently adds funds to a subsidy's ledger. Deposits are
// committed immediately against their external reference (a sales contract
// or invoice ID); there is no fulfillment step.
func (s *Service) Deposit(ctx context.Context, req DepositRequest) (*ledger.Transaction, bool, error) {
	if req.Quantity <= 0 {
		return nil, false, fmt.Errorf("%w: quantity must be positive", ErrInvalidDeposit)
	}
	if req.ReferenceID == "" {
		return nil, false, fmt.Errorf("%w: reference id is required", ErrInvalidDeposit)
	}
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency key is required", ErrInvalidDeposit)
	}

	sub, err := s.store.GetSubsidy(ctx, req.SubsidyUUID)
	if err != nil {
		return nil, false, err
	}
	if sub.RetiredAt != nil {
		return nil, false, fmt.Errorf("%w: cannot deposit into retired subsidy %s", ErrSubsidyNotActive, sub.UUID)
	}

	tx, created, err := s.ledger.CreateTransaction(ctx, ledger.CreateTransactionRequest{
		LedgerID:       sub.LedgerID,
		IdempotencyKey: req.IdempotencyKey,
		Quantity:       req.Quantity,
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, false, err
	}

	committed, err := s.ledger.Commit(ctx, tx.ID, req.ReferenceID, ledger.ReferenceTypeDeposit)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("deposit recorded",
			"subsidy_uuid", sub.UUID,
			"transaction_id", committed.ID,
			"quantity", req.Quantity,
			"reference_id", req.ReferenceID,
		)
	}
	return committed, created, nil
}

// Balance derives the subsidy's current balance, optionally restricted to a
// learner/content subset.
func (s *Service) Balance(ctx context.Context, subsidyUUID string, filter *ledger.BalanceFilter) (int64, error) {
	sub, err := s.store.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, sub.LedgerID, filter)
}

// ListTransactions returns one page of a subsidy's transactions, newest
// first, plus a cursor for the next page.
func (s *Service) ListTransactions(ctx context.Context, subsidyUUID string, cursor *pagination.Cursor, limit int) ([]*ledger.Transaction, string, error) {
	sub, err := s.store.GetSubsidy(ctx, subsidyUUID)
	if err != nil {
		return nil, "", err
	}
	return s.ledger.ListTransactions(ctx, sub.LedgerID, cursor, limit)
}

// GetTransaction returns a transaction by ID.
func (s *Service) GetTransaction(ctx context.Context, id string) (*ledger.Transaction, error) {
	return s.ledger.GetTransaction(ctx, id)
}

// ReverseTransaction idempotently reverses a committed transaction. A nil
// quantity reverses the full magnitude.
func (s *Service) ReverseTransaction(ctx context.Context, transactionID, idempotencyKey string, quantity *int64, metadata map[string]any) (*ledger.Reversal, bool, error) {
	return s.ledger.Reverse(ctx, transactionID, idempotencyKey, quantity, metadata)
}

// GetReversal returns the reversal attached to a transaction, or
// ledger.ErrReversalNotFound.
func (s *Service) GetReversal(ctx context.Context, transactionID string) (*ledger.Reversal, error) {
	return s.ledger.GetReversalForTransaction(ctx, transactionID)
}
