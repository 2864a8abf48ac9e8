package crawler

import (
	"context"
	"net/url"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HostLimiter enforces per-host politeness: a token-bucket rate cap
// plus a fixed minimum delay between requests to the same host.
type HostLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	lastSeen  map[string]time.Time
	perSecond rate.Limit
	minDelay  time.Duration
}

// NewHostLimiter creates a limiter with the given per-host request rate
// and minimum inter-request delay.
func NewHostLimiter(perSecond float64, minDelay time.Duration) *HostLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	return &HostLimiter{
		limiters:  make(map[string]*rate.Limiter),
		lastSeen:  make(map[string]time.Time),
		perSecond: rate.Limit(perSecond),
		minDelay:  minDelay,
	}
}

// Wait blocks until a request to rawURL's host is permitted.
func (hl *HostLimiter) Wait(ctx context.Context, rawURL string) error {
	host := hostOf(rawURL)
	if host == "" {
		return nil
	}

	hl.mu.Lock()
	limiter, ok := hl.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(hl.perSecond, 1)
		hl.limiters[host] = limiter
	}
	last := hl.lastSeen[host]
	hl.mu.Unlock()

	if wait := hl.minDelay - time.Since(last); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if err := limiter.Wait(ctx); err != nil {
		return err
	}

	hl.mu.Lock()
	hl.lastSeen[host] = time.Now()
	hl.mu.Unlock()
	return nil
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Host
}
