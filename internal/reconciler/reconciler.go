// Package reconciler converges the ledger with LMS fulfillment state.
//
// The reconciler polls the LMS change feed from a persisted watermark,
// commits successes the inline dispatch path missed, fails rejected
// fulfillments, and creates reversals for refundable unenrollments. The
// watermark query overlaps the previous window, so every action here must be
// idempotent: seeing a change twice converges to the same ledger state.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/openlearn/subsidyledger/internal/fulfillment"
	"github.com/openlearn/subsidyledger/internal/ledger"
	"github.com/openlearn/subsidyledger/internal/traces"
)

// changeBatchLimit caps how many feed entries one run processes.
const changeBatchLimit = 500

// ChangeFeed lists fulfillment state changes since a point in time.
type ChangeFeed interface {
	ListChanges(ctx context.Context, since time.Time, limit int) ([]fulfillment.Change, error)
}

// Redispatcher retries fulfillment dispatch for a stuck transaction.
type Redispatcher interface {
	RedispatchCreated(ctx context.Context, tx *ledger.Transaction) *ledger.Transaction
}

// WatermarkStore persists the reconciler's progress through the change feed.
// A zero time means no run has completed yet.
type WatermarkStore interface {
	GetWatermark(ctx context.Context) (time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error
}

// Lease serializes reconciler runs across replicas.
type Lease interface {
	// TryAcquire returns a release func and true when the lease was taken,
	// or (nil, false) when another holder has it.
	TryAcquire(ctx context.Context) (func(), bool, error)
}

// RunResult summarizes one reconciler pass.
type RunResult struct {
	ChangesSeen  int
	Committed    int
	Failed       int
	Reversed     int
	Redispatched int
	Flagged      int
	Skipped      bool // another replica held the lease
}

// Service drives reconciliation runs.
type Service struct {
	ledger        *ledger.Service
	feed          ChangeFeed
	redispatch    Redispatcher
	watermarks    WatermarkStore
	lease         Lease
	interval      time.Duration
	maxPendingAge time.Duration
	logger        *slog.Logger
	now           func() time.Time
}

// NewService creates a reconciler.
func NewService(ledgerSvc *ledger.Service, feed ChangeFeed, redispatch Redispatcher,
	watermarks WatermarkStore, lease Lease, interval, maxPendingAge time.Duration, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:        ledgerSvc,
		feed:          feed,
		redispatch:    redispatch,
		watermarks:    watermarks,
		lease:         lease,
		interval:      interval,
		maxPendingAge: maxPendingAge,
		logger:        logger,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run executes one reconciliation pass.
func (s *Service) Run(ctx context.Context) (*RunResult, error) {
	ctx, span := traces.StartSpan(ctx, "reconciler.Run")
	defer span.End()

	release, ok, err := s.lease.TryAcquire(ctx)
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("acquire reconcile lease: %w", err)
	}
	if !ok {
		runsTotal.WithLabelValues("skipped").Inc()
		return &RunResult{Skipped: true}, nil
	}
	defer release()

	start := s.now()
	timer := time.Now()
	res := &RunResult{}

	if err := s.processChanges(ctx, start, res); err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return res, err
	}
	s.retryUnresolved(ctx, start, res)

	// The watermark records the run start, not its end: changes landing
	// while the run was in flight fall inside the next window.
	if err := s.watermarks.SetWatermark(ctx, start); err != nil {
		runsTotal.WithLabelValues("error").Inc()
		return res, fmt.Errorf("advance watermark: %w", err)
	}

	runDuration.Observe(time.Since(timer).Seconds())
	runsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("reconcile run complete",
		"changes_seen", res.ChangesSeen,
		"committed", res.Committed,
		"failed", res.Failed,
		"reversed", res.Reversed,
		"redispatched", res.Redispatched,
		"flagged_stale", res.Flagged,
	)
	return res, nil
}

// processChanges applies the LMS change feed to the ledger.
func (s *Service) processChanges(ctx context.Context, start time.Time, res *RunResult) error {
	watermark, err := s.watermarks.GetWatermark(ctx)
	if err != nil {
		return fmt.Errorf("read watermark: %w", err)
	}
	if watermark.IsZero() {
		watermark = start.Add(-s.maxPendingAge)
	}
	// Overlap two intervals of history so a change committed to the feed
	// just before the previous run's start is never missed.
	since := watermark.Add(-2 * s.interval)

	changes, err := s.feed.ListChanges(ctx, since, changeBatchLimit)
	if err != nil {
		return fmt.Errorf("list fulfillment changes: %w", err)
	}
	res.ChangesSeen = len(changes)

	for _, change := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.applyChange(ctx, change, res)
	}
	return nil
}

// applyChange converges one feed entry. Errors are logged and counted, never
// returned: a poison entry must not wedge the whole feed.
func (s *Service) applyChange(ctx context.Context, change fulfillment.Change, res *RunResult) {
	switch change.Status {
	case fulfillment.StatusFulfilled:
		tx, err := s.ledger.Commit(ctx, change.TransactionID, change.FulfillmentID, ledger.ReferenceTypeFulfillment)
		if err != nil {
			s.logChangeError(change, "commit", err)
			return
		}
		changesApplied.WithLabelValues("committed").Inc()
		if tx.State == ledger.StateCommitted {
			res.Committed++
		}

	case fulfillment.StatusFailed:
		tx, err := s.ledger.GetTransaction(ctx, change.TransactionID)
		if err != nil {
			s.logChangeError(change, "fail", err)
			return
		}
		if tx.State == ledger.StateFailed {
			return // already converged
		}
		if tx.State == ledger.StateCommitted {
			// Committed then failed at the LMS is a cancellation, not a
			// fulfillment failure; leave it to an explicit reversal.
			s.logChangeError(change, "fail", fmt.Errorf("transaction already committed"))
			return
		}
		if _, err := s.ledger.Fail(ctx, tx.ID); err != nil {
			s.logChangeError(change, "fail", err)
			return
		}
		changesApplied.WithLabelValues("failed").Inc()
		res.Failed++

	case fulfillment.StatusCancelled:
		s.applyCancellation(ctx, change, res)

	default:
		s.logChangeError(change, "unknown_status", fmt.Errorf("status %q", change.Status))
	}
}

// applyCancellation reverses a refundable unenrollment. The reversal key is
// derived from the fulfillment ID and unenrollment time, so replaying the
// same unenrollment converges on one reversal, while a later re-enroll and
// re-unenroll gets a distinct key.
func (s *Service) applyCancellation(ctx context.Context, change fulfillment.Change, res *RunResult) {
	if !change.Refundable {
		changesApplied.WithLabelValues("nonrefundable").Inc()
		s.logger.Info("unenrollment outside refund window, not reversing",
			"transaction_id", change.TransactionID,
			"fulfillment_id", change.FulfillmentID,
		)
		return
	}
	if change.UnenrolledAt == nil {
		s.logChangeError(change, "reverse", fmt.Errorf("refundable cancellation without unenrolled_at"))
		return
	}

	key := ledger.UnenrollmentReversalKey(change.FulfillmentID, *change.UnenrolledAt)
	rev, created, err := s.ledger.Reverse(ctx, change.TransactionID, key, nil, map[string]any{
		"fulfillment_id": change.FulfillmentID,
		"unenrolled_at":  change.UnenrolledAt.UTC().Format(time.RFC3339),
		"source":         "unenrollment",
	})
	if err != nil {
		// One reversal per transaction: a prior reversal under another key
		// (a manual refund, say) already satisfied this change.
		if errors.Is(err, ledger.ErrInvalidReversal) {
			changesApplied.WithLabelValues("already_reversed").Inc()
			return
		}
		s.logChangeError(change, "reverse", err)
		return
	}
	if created {
		changesApplied.WithLabelValues("reversed").Inc()
		res.Reversed++
		s.logger.Info("unenrollment reversal created",
			"transaction_id", change.TransactionID,
			"reversal_id", rev.ID,
			"quantity", rev.Quantity,
		)
	}
}

// retryUnresolved re-dispatches created transactions and flags ones stuck
// past the pending-age threshold. Stale transactions are never auto-failed:
// the LMS may still deliver an outcome, and failing a fulfilled enrollment
// would hand out free content.
func (s *Service) retryUnresolved(ctx context.Context, start time.Time, res *RunResult) {
	unresolved, err := s.ledger.ListUnresolved(ctx, start.Add(-s.interval), changeBatchLimit)
	if err != nil {
		s.logger.Warn("list unresolved transactions failed", "error", err)
		return
	}

	stale := 0
	for _, tx := range unresolved {
		if ctx.Err() != nil {
			return
		}
		if tx.State == ledger.StateCreated && s.redispatch != nil {
			after := s.redispatch.RedispatchCreated(ctx, tx)
			if after.State == ledger.StateCommitted {
				res.Redispatched++
				continue
			}
		}
		if start.Sub(tx.UpdatedAt) > s.maxPendingAge {
			stale++
			res.Flagged++
			s.logger.Error("transaction unresolved past pending-age threshold",
				"transaction_id", tx.ID,
				"state", tx.State,
				"age", start.Sub(tx.UpdatedAt).Round(time.Second).String(),
				"lms_user_id", tx.LMSUserID,
				"content_key", tx.ContentKey,
			)
		}
	}
	staleTransactions.Set(float64(stale))
}

func (s *Service) logChangeError(change fulfillment.Change, action string, err error) {
	changeErrors.Inc()
	s.logger.Warn("reconcile change failed",
		"action", action,
		"transaction_id", change.TransactionID,
		"fulfillment_id", change.FulfillmentID,
		"status", change.Status,
		"error", err,
	)
}
