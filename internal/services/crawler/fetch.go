package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

// RetryPolicy defines per-URL retry behavior with exponential backoff.
// Client errors are final except 408 and 429; server errors and network
// failures retry.
type RetryPolicy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// NewRetryPolicy creates the default per-URL retry policy
func NewRetryPolicy(maxAttempts int, initialBackoff time.Duration) *RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}
	return &RetryPolicy{
		MaxAttempts:       maxAttempts,
		InitialBackoff:    initialBackoff,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ShouldRetry checks whether an attempt outcome warrants another try.
func (p *RetryPolicy) ShouldRetry(attempt int, statusCode int, err error) bool {
	if attempt >= p.MaxAttempts-1 {
		return false
	}
	if statusCode > 0 {
		if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
			return true
		}
		if statusCode >= 500 {
			return true
		}
		if statusCode >= 400 {
			return false
		}
	}
	if err != nil {
		return isRetryableError(err)
	}
	return false
}

// CalculateBackoff returns the backoff for an attempt with ±25% jitter.
func (p *RetryPolicy) CalculateBackoff(attempt int) time.Duration {
	backoff := float64(p.InitialBackoff)
	for i := 0; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	backoff += jitter
	if backoff < 0 {
		backoff = float64(p.InitialBackoff)
	}
	return time.Duration(backoff)
}

// isRetryableError reports whether a transport error warrants a retry.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// HTTPError carries a non-2xx response status.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d fetching %s", e.StatusCode, e.URL)
}

// ClassifyAttemptError maps a fetch error to the attempt error taxonomy
// recorded in retry history.
func ClassifyAttemptError(err error) models.AttemptErrorType {
	if err == nil {
		return ""
	}
	var httpErr *HTTPError
	switch {
	case errors.As(err, &httpErr):
		if httpErr.StatusCode >= 500 {
			return models.AttemptErrorHTTP5xx
		}
		return models.AttemptErrorHTTP4xx
	case errors.Is(err, context.DeadlineExceeded):
		return models.AttemptErrorTimeout
	case errors.Is(err, ErrProxyFailure):
		return models.AttemptErrorProxy
	case errors.Is(err, ErrJavaScriptFailure):
		return models.AttemptErrorJavaScript
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return models.AttemptErrorTimeout
	}
	return models.AttemptErrorOther
}

// Error sentinels for attempt classification.
var (
	ErrProxyFailure      = errors.New("proxy failure")
	ErrJavaScriptFailure = errors.New("javascript execution failure")
)

// Fetcher issues rate-limited, robots-aware, size-capped HTTP requests
// with per-URL retries.
type Fetcher struct {
	client      *http.Client
	userAgent   string
	maxBodySize int64
	limiter     *HostLimiter
	robots      *RobotsChecker
	policy      *RetryPolicy
	logger      arbor.ILogger
}

// NewFetcher builds a fetcher for one execution attempt. proxy may be
// nil; robots may be nil to skip robots.txt checks.
func NewFetcher(config *common.CrawlerConfig, proxy *models.ProxyConfig, logger arbor.ILogger) (*Fetcher, error) {
	transport := &http.Transport{}
	if proxyURL := proxy.URL(); proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid proxy url: %v", ErrProxyFailure, err)
		}
		transport.Proxy = http.ProxyURL(parsed)
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   config.DownloadTimeout,
	}

	f := &Fetcher{
		client:      client,
		userAgent:   config.UserAgent,
		maxBodySize: config.MaxBodySize,
		limiter:     NewHostLimiter(config.RateLimitPerSecond, config.RequestDelay),
		policy:      NewRetryPolicy(config.MaxRetries, config.RetryDelayBase),
		logger:      logger,
	}
	if config.RespectRobotsTxt {
		f.robots = NewRobotsChecker(client, config.UserAgent, logger)
	}
	return f, nil
}

// Fetch retrieves a URL with retries, returning body and content type.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	var body []byte
	var contentType string
	err := f.fetchWithRetry(ctx, rawURL, func(resp *http.Response) error {
		limited := io.LimitReader(resp.Body, f.maxBodySize+1)
		data, err := io.ReadAll(limited)
		if err != nil {
			return err
		}
		if int64(len(data)) > f.maxBodySize {
			return common.Fatalf("response body exceeds %d bytes: %s", f.maxBodySize, rawURL)
		}
		body = data
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return body, contentType, nil
}

// FetchTo streams a URL body into w, returning size and content type.
func (f *Fetcher) FetchTo(ctx context.Context, rawURL string, w io.Writer) (int64, string, error) {
	var size int64
	var contentType string
	err := f.fetchWithRetry(ctx, rawURL, func(resp *http.Response) error {
		n, err := io.Copy(w, io.LimitReader(resp.Body, f.maxBodySize+1))
		if err != nil {
			return err
		}
		if n > f.maxBodySize {
			return common.Fatalf("response body exceeds %d bytes: %s", f.maxBodySize, rawURL)
		}
		size = n
		contentType = resp.Header.Get("Content-Type")
		return nil
	})
	if err != nil {
		return 0, "", err
	}
	return size, contentType, nil
}

func (f *Fetcher) fetchWithRetry(ctx context.Context, rawURL string, consume func(*http.Response) error) error {
	if f.robots != nil && !f.robots.Allowed(ctx, rawURL) {
		return fmt.Errorf("%w: %s", ErrRobotsDisallowed, rawURL)
	}

	var lastErr error
	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if err := f.limiter.Wait(ctx, rawURL); err != nil {
			return err
		}

		statusCode, err := f.doOnce(ctx, rawURL, consume)
		if err == nil {
			return nil
		}
		lastErr = err

		if !f.policy.ShouldRetry(attempt, statusCode, err) {
			return lastErr
		}

		backoff := f.policy.CalculateBackoff(attempt)
		f.logger.Debug().
			Str("url", rawURL).
			Int("attempt", attempt+1).
			Int("status_code", statusCode).
			Dur("backoff", backoff).
			Msg("Retrying fetch after backoff")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

func (f *Fetcher) doOnce(ctx context.Context, rawURL string, consume func(*http.Response) error) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, common.InvalidInputf("bad request url %s: %v", rawURL, err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.StatusCode, &HTTPError{StatusCode: resp.StatusCode, URL: rawURL}
	}
	return resp.StatusCode, consume(resp)
}
