package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransactionKey_Deterministic(t *testing.T) {
	a := TransactionKey("ldg_1", -4900, "user-42", "course-v1:edX+DemoX+2T2026")
	b := TransactionKey("ldg_1", -4900, "user-42", "course-v1:edX+DemoX+2T2026")
	assert.Equal(t, a, b)

	// Any differing component yields a different key.
	assert.NotEqual(t, a, TransactionKey("ldg_2", -4900, "user-42", "course-v1:edX+DemoX+2T2026"))
	assert.NotEqual(t, a, TransactionKey("ldg_1", -5900, "user-42", "course-v1:edX+DemoX+2T2026"))
	assert.NotEqual(t, a, TransactionKey("ldg_1", -4900, "user-43", "course-v1:edX+DemoX+2T2026"))
	assert.NotEqual(t, a, TransactionKey("ldg_1", -4900, "user-42", "course-v1:edX+Other+1T2026"))
}

func TestUnenrollmentReversalKey(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	key := UnenrollmentReversalKey("fulfillment-abc", at)
	assert.Equal(t, "unenrollment-reversal-fulfillment-abc-1773480413", key)

	// The same cancellation event always maps to the same key; a later
	// unenrollment of the same fulfillment maps to a new one.
	assert.Equal(t, key, UnenrollmentReversalKey("fulfillment-abc", at))
	assert.NotEqual(t, key, UnenrollmentReversalKey("fulfillment-abc", at.Add(time.Second)))
}
