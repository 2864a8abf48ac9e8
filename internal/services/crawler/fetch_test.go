package crawler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

func testCrawlerConfig() *common.CrawlerConfig {
	return &common.CrawlerConfig{
		UserAgent:              "verto-test/1.0",
		MaxConcurrentDownloads: 2,
		MaxConcurrentAssets:    2,
		DownloadTimeout:        5 * time.Second,
		RateLimitPerSecond:     1000,
		RequestDelay:           0,
		MaxRetries:             3,
		RetryDelayBase:         time.Millisecond,
		MaxBodySize:            1024,
		HeadlessTimeout:        time.Second,
	}
}

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	policy := NewRetryPolicy(3, time.Millisecond)

	tests := []struct {
		name       string
		attempt    int
		statusCode int
		err        error
		want       bool
	}{
		{"server error retries", 0, 500, nil, true},
		{"rate limited retries", 0, 429, nil, true},
		{"request timeout retries", 0, 408, nil, true},
		{"not found final", 0, 404, nil, false},
		{"forbidden final", 0, 403, nil, false},
		{"deadline retries", 0, 0, context.DeadlineExceeded, true},
		{"cancel final", 0, 0, context.Canceled, false},
		{"budget exhausted", 2, 500, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.ShouldRetry(tt.attempt, tt.statusCode, tt.err))
		})
	}
}

func TestRetryPolicy_CalculateBackoff(t *testing.T) {
	policy := NewRetryPolicy(5, 100*time.Millisecond)

	for attempt := 0; attempt < 5; attempt++ {
		backoff := policy.CalculateBackoff(attempt)
		assert.Greater(t, backoff, time.Duration(0))
		// 30s ceiling plus jitter headroom.
		assert.LessOrEqual(t, backoff, 38*time.Second)
	}
}

func TestClassifyAttemptError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.AttemptErrorType
	}{
		{"server error", &HTTPError{StatusCode: 503, URL: "https://a"}, models.AttemptErrorHTTP5xx},
		{"client error", &HTTPError{StatusCode: 404, URL: "https://a"}, models.AttemptErrorHTTP4xx},
		{"deadline", context.DeadlineExceeded, models.AttemptErrorTimeout},
		{"proxy", ErrProxyFailure, models.AttemptErrorProxy},
		{"javascript", ErrJavaScriptFailure, models.AttemptErrorJavaScript},
		{"other", errors.New("boom"), models.AttemptErrorOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAttemptError(tt.err))
		})
	}
}

func TestFetcher_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>ok</html>"))
	}))
	defer server.Close()

	fetcher, err := NewFetcher(testCrawlerConfig(), nil, arbor.NewLogger())
	require.NoError(t, err)

	body, contentType, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "<html>ok</html>", string(body))
	assert.Equal(t, "text/html", contentType)
}

func TestFetcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("recovered"))
	}))
	defer server.Close()

	fetcher, err := NewFetcher(testCrawlerConfig(), nil, arbor.NewLogger())
	require.NoError(t, err)

	body, _, err := fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "recovered", string(body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetcher_ClientErrorIsFinal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	fetcher, err := NewFetcher(testCrawlerConfig(), nil, arbor.NewLogger())
	require.NoError(t, err)

	_, _, err = fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)

	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetcher_BodySizeCap(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	fetcher, err := NewFetcher(testCrawlerConfig(), nil, arbor.NewLogger())
	require.NoError(t, err)

	_, _, err = fetcher.Fetch(context.Background(), server.URL)
	require.Error(t, err)
	assert.Equal(t, common.KindFatal, common.Kind(err))
}

func TestFetcher_RespectsRobots(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("content"))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	cfg := testCrawlerConfig()
	cfg.RespectRobotsTxt = true
	fetcher, err := NewFetcher(cfg, nil, arbor.NewLogger())
	require.NoError(t, err)

	_, _, err = fetcher.Fetch(context.Background(), server.URL+"/private/doc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRobotsDisallowed))

	body, _, err := fetcher.Fetch(context.Background(), server.URL+"/public")
	require.NoError(t, err)
	assert.Equal(t, "content", string(body))
}

func TestFetcher_UserAgentHeader(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	fetcher, err := NewFetcher(testCrawlerConfig(), nil, arbor.NewLogger())
	require.NoError(t, err)

	_, _, err = fetcher.Fetch(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "verto-test/1.0", got)
}

func TestHostLimiter_MinDelay(t *testing.T) {
	limiter := NewHostLimiter(1000, 50*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, limiter.Wait(ctx, "https://example.com/a"))
	start := time.Now()
	require.NoError(t, limiter.Wait(ctx, "https://example.com/b"))
	assert.GreaterOrEqual(t, time.Since(start), 45*time.Millisecond)

	// A different host is not delayed.
	start = time.Now()
	require.NoError(t, limiter.Wait(ctx, "https://other.com/a"))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestHostLimiter_CancelledContext(t *testing.T) {
	limiter := NewHostLimiter(1000, time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, limiter.Wait(ctx, "https://example.com/a"))
	cancel()
	assert.Error(t, limiter.Wait(ctx, "https://example.com/b"))
}
