package scraper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"figwatch/internal/pkg/metrics"
	"figwatch/internal/pkg/ratelimit"
)

const defaultUserAgent = "figwatch/1.0 (+https://figwatch.dev/bot)"

// apiClient is the shared transport for the source adapters: one JSON GET
// per call, gated by the adapter's window limiter and, when configured, the
// process-wide Redis limiter. No retries here; callers own that.
type apiClient struct {
	source string
	http   *http.Client
	global *ratelimit.RateLimiter

	// limiterMu serializes workers through the window limiter; holding it
	// across the wait also enforces the min interval between requests.
	limiterMu sync.Mutex
	limiter   *ratelimit.WindowLimiter
}

func newAPIClient(source string, limit int, minInterval time.Duration, global *ratelimit.RateLimiter) *apiClient {
	return &apiClient{
		source:  source,
		http:    &http.Client{Timeout: 30 * time.Second},
		limiter: ratelimit.NewWindowLimiter(limit, time.Minute, minInterval),
		global:  global,
	}
}

func (c *apiClient) getJSON(ctx context.Context, url string, out interface{}) error {
	c.limiterMu.Lock()
	err := c.limiter.Wait(ctx)
	c.limiterMu.Unlock()
	if err != nil {
		return fmt.Errorf("%s rate limit: %w", c.source, err)
	}
	if c.global != nil {
		if err := c.global.Acquire(ctx); err != nil {
			return fmt.Errorf("global rate limit: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.SourceRequestDuration.WithLabelValues(c.source).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceRequestsTotal.WithLabelValues(c.source, "error").Inc()
		return fmt.Errorf("%s request: %w", c.source, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.SourceRequestsTotal.WithLabelValues(c.source, fmt.Sprintf("%d", resp.StatusCode)).Inc()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Warn("source returned non-200", "source", c.source, "status", resp.StatusCode, "body", string(body))
		return fmt.Errorf("%s returned status %d", c.source, resp.StatusCode)
	}
	metrics.SourceRequestsTotal.WithLabelValues(c.source, "ok").Inc()

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", c.source, err)
	}
	return nil
}
