package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

const robotsCacheTTL = 6 * time.Hour

type robotsEntry struct {
	group     *robotstxt.Group
	fetchedAt time.Time
}

// RobotsChecker fetches and caches per-host robots.txt rules. A host whose
// robots.txt cannot be fetched (network error, 5xx) is treated as
// disallow-nothing-known: we allow the request but log the failure, matching
// the 4xx convention where a missing robots.txt permits crawling.
type RobotsChecker struct {
	client *http.Client
	agent  string

	mu    sync.Mutex
	cache map[string]robotsEntry
}

func NewRobotsChecker(client *http.Client, agent string) *RobotsChecker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &RobotsChecker{
		client: client,
		agent:  agent,
		cache:  make(map[string]robotsEntry),
	}
}

// Allowed reports whether the agent may fetch rawURL under the host's
// robots.txt. Malformed URLs are denied.
func (r *RobotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	group, err := r.groupFor(ctx, u)
	if err != nil {
		slog.Warn("robots.txt fetch failed, allowing request", "host", u.Host, "error", err)
		return true
	}
	if group == nil {
		return true
	}
	return group.Test(u.Path)
}

func (r *RobotsChecker) groupFor(ctx context.Context, u *url.URL) (*robotstxt.Group, error) {
	key := u.Scheme + "://" + u.Host

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()
	if ok && time.Since(entry.fetchedAt) < robotsCacheTTL {
		return entry.group, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key+"/robots.txt", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", r.agent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	robots, err := robotstxt.FromResponse(resp)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt for %s: %w", u.Host, err)
	}

	group := robots.FindGroup(r.agent)
	r.mu.Lock()
	r.cache[key] = robotsEntry{group: group, fetchedAt: time.Now()}
	r.mu.Unlock()
	return group, nil
}
