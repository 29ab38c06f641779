package subsidy

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter(t *testing.T, startingBalance int64) (*gin.Engine, *Subsidy) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, sub, _ := newTestService(t, startingBalance)
	r := gin.New()
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))
	return r, sub
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_RedeemLifecycle(t *testing.T) {
	r, sub := newTestRouter(t, 50000)

	body := fmt.Sprintf(`{"lms_user_id":"lms-user-1","content_key":%q}`, demoCourse)
	w := doJSON(r, "POST", "/v1/subsidies/"+sub.UUID+"/redeem", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Created     bool `json:"created"`
		Transaction struct {
			ID       string `json:"id"`
			State    string `json:"state"`
			Quantity int64  `json:"quantity"`
		} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Created)
	assert.Equal(t, "committed", resp.Transaction.State)
	assert.Equal(t, int64(-10000), resp.Transaction.Quantity)

	// Replay returns the same transaction with 200.
	w = doJSON(r, "POST", "/v1/subsidies/"+sub.UUID+"/redeem", body)
	require.Equal(t, http.StatusOK, w.Code)

	// Balance reflects the single debit.
	w = doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	var bal struct {
		Balance int64  `json:"balance"`
		Unit    string `json:"unit"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &bal))
	assert.Equal(t, int64(40000), bal.Balance)
	assert.Equal(t, "usd_cents", bal.Unit)

	// Reverse the redemption.
	w = doJSON(r, "POST", "/v1/transactions/"+resp.Transaction.ID+"/reverse",
		`{"idempotency_key":"support-ticket-99"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, "GET", "/v1/transactions/"+resp.Transaction.ID+"/reversal", "")
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_RedeemValidation(t *testing.T) {
	r, sub := newTestRouter(t, 50000)

	w := doJSON(r, "POST", "/v1/subsidies/"+sub.UUID+"/redeem", `{"lms_user_id":"","content_key":""}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, "POST", "/v1/subsidies/not-a-uuid/redeem",
		fmt.Sprintf(`{"lms_user_id":"u","content_key":%q}`, demoCourse))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RedeemInsufficientBalance(t *testing.T) {
	r, sub := newTestRouter(t, 100)

	body := fmt.Sprintf(`{"lms_user_id":"lms-user-1","content_key":%q}`, demoCourse)
	w := doJSON(r, "POST", "/v1/subsidies/"+sub.UUID+"/redeem", body)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_balance")
}

func TestHandler_SubsidyNotFound(t *testing.T) {
	r, _ := newTestRouter(t, 100)

	w := doJSON(r, "GET", "/v1/subsidies/a5b6c7d8-1234-4abc-9def-0123456789ab", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_ProvisionAndDeposit(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	active := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	expires := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	w := doJSON(r, "POST", "/v1/subsidies", fmt.Sprintf(
		`{"title":"FY27 Learner Credit","starting_balance":100000,"active_datetime":%q,"expiration_datetime":%q}`,
		active, expires))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp struct {
		Subsidy Subsidy `json:"subsidy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Subsidy.UUID)

	w = doJSON(r, "POST", "/v1/subsidies/"+resp.Subsidy.UUID+"/deposit",
		`{"idempotency_key":"contract-7","quantity":5000,"reference_id":"contract-7"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = doJSON(r, "GET", "/v1/subsidies/"+resp.Subsidy.UUID+"/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "105000")
}

func TestHandler_ListTransactionsPaginated(t *testing.T) {
	r, sub := newTestRouter(t, 50000)

	for i := 0; i < 3; i++ {
		body := fmt.Sprintf(`{"lms_user_id":"lms-user-%d","content_key":%q}`, i, demoCourse)
		w := doJSON(r, "POST", "/v1/subsidies/"+sub.UUID+"/redeem", body)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}

	w := doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/transactions?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)

	var page struct {
		Count      int    `json:"count"`
		NextCursor string `json:"next_cursor"`
		HasMore    bool   `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 2, page.Count)
	assert.True(t, page.HasMore)
	require.NotEmpty(t, page.NextCursor)

	w = doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/transactions?limit=2&cursor="+url.QueryEscape(page.NextCursor), "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	assert.Equal(t, 1, page.Count)
	assert.False(t, page.HasMore)

	// Garbage cursors are a client error, not a 500.
	w = doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/transactions?cursor=%21%21not-base64", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ProvisionValidation(t *testing.T) {
	r, _ := newTestRouter(t, 0)

	w := doJSON(r, "POST", "/v1/subsidies", `{"starting_balance":100}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "title")
}

func TestHandler_CanRedeem(t *testing.T) {
	r, sub := newTestRouter(t, 50000)

	w := doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/can-redeem?lms_user_id=lms-user-1&content_key="+url.QueryEscape(demoCourse), "")
	require.Equal(t, http.StatusOK, w.Code)

	var res CanRedeemResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.CanRedeem)
	assert.Equal(t, int64(10000), res.PriceUSDCents)

	// Missing query params.
	w = doJSON(r, "GET", "/v1/subsidies/"+sub.UUID+"/can-redeem", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
