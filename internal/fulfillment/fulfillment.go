// Package fulfillment talks to the LMS fulfillment service.
//
// The Dispatcher creates enrollments for committed-to-be transactions and is
// called inline during redemption. The Client's change feed is polled by the
// reconciler to pick up fulfillment results and unenrollments.
package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/openlearn/subsidyledger/internal/circuitbreaker"
	"github.com/openlearn/subsidyledger/internal/metrics"
	"github.com/openlearn/subsidyledger/internal/retry"
)

// ErrRejected is returned when the LMS permanently refuses a fulfillment
// request (bad content key, learner ineligible). Not retryable.
var ErrRejected = errors.New("fulfillment rejected")

// ErrCircuitOpen is returned when the LMS circuit breaker is open and
// dispatch is skipped. Treated like any other transient dispatch failure:
// the transaction stays retryable.
var ErrCircuitOpen = errors.New("fulfillment circuit open")

const breakerKey = "lms"

// Change feed statuses reported by the LMS.
const (
	StatusFulfilled = "fulfilled"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Fulfillment is the LMS-side record created for a transaction.
type Fulfillment struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	LMSUserID     string `json:"lms_user_id"`
	ContentKey    string `json:"content_key"`
}

// Change is one entry in the LMS change feed.
type Change struct {
	FulfillmentID string     `json:"fulfillment_id"`
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	Refundable    bool       `json:"refundable"`
	UnenrolledAt  *time.Time `json:"unenrolled_at,omitempty"`
	ChangedAt     time.Time  `json:"changed_at"`
}

// Client wraps the LMS fulfillment HTTP API.
type Client struct {
	baseURL string
	client  *http.Client
	breaker *circuitbreaker.Breaker
}

// NewClient creates an LMS fulfillment client. timeout bounds each dispatch
// request so a slow LMS cannot hold a redemption open indefinitely. A circuit
// breaker sheds dispatch attempts during an LMS outage; skipped dispatches
// surface as transient errors and are retried by the reconciler.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		breaker: circuitbreaker.New(5, 30*time.Second),
	}
}

// CreateFulfillment asks the LMS to enroll the learner, returning the LMS
// fulfillment reference ID. Transient failures are retried with backoff; a
// rejection comes back as ErrRejected without retrying.
//
// The transaction ID doubles as the LMS-side idempotency key, so a retry
// after a timed-out success returns the original fulfillment.
func (c *Client) CreateFulfillment(ctx context.Context, transactionID, lmsUserID, contentKey string) (string, error) {
	if !c.breaker.Allow(breakerKey) {
		metrics.FulfillmentDispatchesTotal.WithLabelValues("transient_error").Inc()
		return "", ErrCircuitOpen
	}

	payload, err := json.Marshal(map[string]string{
		"transaction_id": transactionID,
		"lms_user_id":    lmsUserID,
		"content_key":    contentKey,
	})
	if err != nil {
		return "", fmt.Errorf("marshal fulfillment request: %w", err)
	}

	var created Fulfillment
	err = retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/v1/fulfillments", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return fmt.Errorf("fulfillment request: %w", err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
			if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
				return retry.Permanent(fmt.Errorf("decode fulfillment response: %w", err))
			}
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return retry.Permanent(fmt.Errorf("%w: %s (status %d)", ErrRejected, body.Error, resp.StatusCode))
		default:
			return fmt.Errorf("fulfillment service returned status %d", resp.StatusCode)
		}
	})
	if err != nil {
		if errors.Is(err, ErrRejected) {
			// The LMS answered; a rejection is not a service outage.
			c.breaker.RecordSuccess(breakerKey)
			metrics.FulfillmentDispatchesTotal.WithLabelValues("rejected").Inc()
		} else {
			c.breaker.RecordFailure(breakerKey)
			metrics.FulfillmentDispatchesTotal.WithLabelValues("transient_error").Inc()
		}
		return "", err
	}

	if created.ID == "" {
		c.breaker.RecordFailure(breakerKey)
		metrics.FulfillmentDispatchesTotal.WithLabelValues("transient_error").Inc()
		return "", fmt.Errorf("fulfillment service returned empty id")
	}

	c.breaker.RecordSuccess(breakerKey)
	metrics.FulfillmentDispatchesTotal.WithLabelValues("ok").Inc()
	return created.ID, nil
}

// ListChanges returns fulfillment state changes since the given time, oldest
// first. The reconciler passes an overlapping watermark, so callers must
// tolerate seeing the same change more than once.
func (c *Client) ListChanges(ctx context.Context, since time.Time, limit int) ([]Change, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/fulfillments/changes?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create change feed request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("change feed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("change feed returned status %d", resp.StatusCode)
	}

	var result struct {
		Changes []Change `json:"changes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode change feed: %w", err)
	}

	return result.Changes, nil
}
