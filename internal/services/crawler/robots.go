package crawler

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/temoto/robotstxt"
	"github.com/ternarybob/arbor"
)

// RobotsChecker consults robots.txt, fetched once per host and cached
// for the lifetime of the checker (one crawler execution).
type RobotsChecker struct {
	client    *http.Client
	userAgent string
	logger    arbor.ILogger

	mu    sync.Mutex
	cache map[string]*robotstxt.RobotsData
}

// NewRobotsChecker creates a checker using the given HTTP client.
func NewRobotsChecker(client *http.Client, userAgent string, logger arbor.ILogger) *RobotsChecker {
	return &RobotsChecker{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		cache:     make(map[string]*robotstxt.RobotsData),
	}
}

// Allowed reports whether the user agent may fetch rawURL. Fetch or
// parse failures of robots.txt itself fail open.
func (rc *RobotsChecker) Allowed(ctx context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	data := rc.robotsFor(ctx, u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, rc.userAgent)
}

func (rc *RobotsChecker) robotsFor(ctx context.Context, u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host

	rc.mu.Lock()
	if data, ok := rc.cache[key]; ok {
		rc.mu.Unlock()
		return data
	}
	rc.mu.Unlock()

	data := rc.fetch(ctx, key)

	rc.mu.Lock()
	rc.cache[key] = data
	rc.mu.Unlock()
	return data
}

func (rc *RobotsChecker) fetch(ctx context.Context, origin string) *robotstxt.RobotsData {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return nil
	}
	req.Header.Set("User-Agent", rc.userAgent)

	resp, err := rc.client.Do(req)
	if err != nil {
		rc.logger.Debug().Err(err).Str("origin", origin).Msg("robots.txt fetch failed, allowing all")
		return nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 512*1024))
	if err != nil {
		return nil
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		rc.logger.Debug().Err(err).Str("origin", origin).Msg("robots.txt parse failed, allowing all")
		return nil
	}
	return data
}

// ErrRobotsDisallowed marks a URL skipped by robots.txt policy.
var ErrRobotsDisallowed = fmt.Errorf("disallowed by robots.txt")
