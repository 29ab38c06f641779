package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openlearn/subsidyledger/internal/config"
	"github.com/openlearn/subsidyledger/internal/fulfillment"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Port:                   "0",
		Env:                    "development",
		LogLevel:               "error",
		CatalogURL:             "http://catalog.invalid",
		FulfillmentURL:         "http://lms.invalid",
		PriceCacheTTL:          config.DefaultPriceCacheTTL,
		DispatchTimeout:        time.Second,
		ReconcileInterval:      config.DefaultReconcileInterval,
		ReconcileMaxPendingAge: config.DefaultReconcileMaxPendingAge,
	}
}

type stubPrices struct{ cents int64 }

func (s *stubPrices) Price(ctx context.Context, contentKey string) (int64, error) {
	return s.cents, nil
}

type stubDispatcher struct{}

func (s *stubDispatcher) CreateFulfillment(ctx context.Context, transactionID, lmsUserID, contentKey string) (string, error) {
	return "ful-" + transactionID, nil
}

type stubFeed struct{ changes []fulfillment.Change }

func (s *stubFeed) ListChanges(ctx context.Context, since time.Time, limit int) ([]fulfillment.Change, error) {
	return s.changes, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(testConfig(),
		WithPriceResolver(&stubPrices{cents: 10000}),
		WithDispatcher(&stubDispatcher{}),
		WithChangeFeed(&stubFeed{}),
	)
	require.NoError(t, err)
	srv.ready.Store(true)
	return srv
}

func do(srv *Server, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(srv, "GET", "/readyz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	srv.ready.Store(false)
	w = do(srv, "GET", "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "subsidyledger_")
}

func TestSecurityHeaders(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/healthz", "")
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
}

func TestRequestIDHeader(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/healthz", "")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	// An incoming request ID is echoed back.
	w2 := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id-1")
	srv.Router().ServeHTTP(w2, req)
	assert.Equal(t, "upstream-id-1", w2.Header().Get("X-Request-ID"))
}

func TestEndToEndRedemptionFlow(t *testing.T) {
	srv := newTestServer(t)

	// Provision a subsidy.
	active := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	expires := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)
	w := do(srv, "POST", "/v1/subsidies", fmt.Sprintf(
		`{"title":"integration","starting_balance":30000,"active_datetime":%q,"expiration_datetime":%q}`,
		active, expires))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var prov struct {
		Subsidy struct {
			UUID string `json:"uuid"`
		} `json:"subsidy"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &prov))

	// Redeem through the full stack.
	w = do(srv, "POST", "/v1/subsidies/"+prov.Subsidy.UUID+"/redeem",
		`{"lms_user_id":"lms-user-1","content_key":"course-v1:edX+DemoX+Demo_Course"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var redeem struct {
		Transaction struct {
			ID    string `json:"id"`
			State string `json:"state"`
		} `json:"transaction"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &redeem))
	assert.Equal(t, "committed", redeem.Transaction.State)

	// Balance dropped by the price.
	w = do(srv, "GET", "/v1/subsidies/"+prov.Subsidy.UUID+"/balance", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "20000")

	// Manual reconcile trigger runs cleanly with an empty feed.
	w = do(srv, "POST", "/v1/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"skipped":false`)
}

func TestUnknownSubsidyIs404(t *testing.T) {
	srv := newTestServer(t)

	w := do(srv, "GET", "/v1/subsidies/a5b6c7d8-1234-4abc-9def-0123456789ab", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
