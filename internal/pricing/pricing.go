// Package pricing resolves content prices from the catalog service.
//
// Prices are quoted in integer USD cents and cached per content key with a
// TTL so a burst of redemptions for the same course hits the catalog once.
package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/openlearn/subsidyledger/internal/metrics"
	"github.com/openlearn/subsidyledger/internal/syncutil"
)

// ErrPriceUnavailable is returned when the catalog has no usable price for a
// content key and no cached value exists.
var ErrPriceUnavailable = errors.New("content price unavailable")

// Client resolves content prices with per-key TTL caching.
type Client struct {
	baseURL string
	ttl     time.Duration
	client  *http.Client

	mu    sync.RWMutex
	cache map[string]cachedPrice

	// fetchLocks serializes cache fills per content key, so a burst of
	// redemptions for the same course on a cold cache makes one catalog call
	// instead of one per request.
	fetchLocks *syncutil.ContextShardedMutex
}

type cachedPrice struct {
	cents     int64
	fetchedAt time.Time
}

// NewClient creates a catalog pricing client. baseURL is the catalog service
// root, e.g. "http://catalog.internal".
func NewClient(baseURL string, cacheTTL time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		ttl:     cacheTTL,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache:      make(map[string]cachedPrice),
		fetchLocks: syncutil.NewContextShardedMutex(),
	}
}

// Price returns the price of a content key in USD cents.
// Serves from cache while fresh; on fetch failure falls back to the last
// known price for the key if one exists.
func (c *Client) Price(ctx context.Context, contentKey string) (int64, error) {
	entry, ok, fresh := c.cached(contentKey)
	if fresh {
		metrics.PriceLookupsTotal.WithLabelValues("cache").Inc()
		return entry.cents, nil
	}

	unlock, err := c.fetchLocks.LockContext(ctx, contentKey)
	if err != nil {
		return 0, err
	}
	defer unlock()

	// Another request may have filled the cache while we waited for the lock.
	if entry, ok, fresh = c.cached(contentKey); fresh {
		metrics.PriceLookupsTotal.WithLabelValues("cache").Inc()
		return entry.cents, nil
	}

	cents, err := c.fetchPrice(ctx, contentKey)
	if err != nil {
		if ok {
			// Serve stale rather than failing the redemption outright.
			metrics.PriceLookupsTotal.WithLabelValues("cache").Inc()
			return entry.cents, nil
		}
		metrics.PriceLookupsTotal.WithLabelValues("error").Inc()
		return 0, err
	}

	c.mu.Lock()
	c.cache[contentKey] = cachedPrice{cents: cents, fetchedAt: time.Now()}
	c.mu.Unlock()

	metrics.PriceLookupsTotal.WithLabelValues("fetch").Inc()
	return cents, nil
}

func (c *Client) cached(contentKey string) (entry cachedPrice, ok, fresh bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok = c.cache[contentKey]
	return entry, ok, ok && time.Since(entry.fetchedAt) < c.ttl
}

// fetchPrice queries the catalog content metadata endpoint.
func (c *Client) fetchPrice(ctx context.Context, contentKey string) (int64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/content/%s/price", c.baseURL, url.PathEscape(contentKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch price: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%w: content %q not in catalog", ErrPriceUnavailable, contentKey)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("catalog returned status %d", resp.StatusCode)
	}

	var result struct {
		ContentKey    string `json:"content_key"`
		PriceUSDCents int64  `json:"price_usd_cents"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("failed to decode price response: %w", err)
	}

	if result.PriceUSDCents < 0 {
		return 0, fmt.Errorf("%w: catalog returned negative price %d", ErrPriceUnavailable, result.PriceUSDCents)
	}

	return result.PriceUSDCents, nil
}
