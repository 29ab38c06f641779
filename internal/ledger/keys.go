package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TransactionKey derives the default idempotency key for a redemption when
// the caller does not supply one. Identical redemption intents (same ledger,
// learner, content, and price) map to the same key, so a retried request
// resolves to the transaction the first attempt created.
func TransactionKey(ledgerID string, quantity int64, lmsUserID, contentKey string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s:%d:%s:%s", ledgerID, quantity, lmsUserID, contentKey))
	return "tx-" + hex.EncodeToString(h[:16])
}

// UnenrollmentReversalKey derives the idempotency key for a reversal caused
// by an unenrollment signal. The key is deterministic per distinct
// cancellation event, so any number of reconciliation passes observing the
// same event create at most one reversal.
func UnenrollmentReversalKey(fulfillmentID string, unenrolledAt time.Time) string {
	return fmt.Sprintf("unenrollment-reversal-%s-%d", fulfillmentID, unenrolledAt.Unix())
}
