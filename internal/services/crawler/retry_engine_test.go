package crawler

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// stubEngine scripts engine behavior for tests.
type stubEngine struct {
	crawl    func(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error)
	download func(ctx context.Context, url string, w io.Writer) (int64, string, error)
}

func (s *stubEngine) CrawlPage(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error) {
	if s.crawl == nil {
		return &interfaces.CrawlResult{}, nil
	}
	return s.crawl(ctx, url, extensions)
}

func (s *stubEngine) Download(ctx context.Context, url string, w io.Writer) (int64, string, error) {
	if s.download == nil {
		return 0, "", nil
	}
	return s.download(ctx, url, w)
}

func (s *stubEngine) ExtractAssets(ctx context.Context, html []byte, baseURL string, assetTypes []models.AssetType) (map[models.AssetType][]string, error) {
	return extractAssetURLs(html, baseURL, assetTypes)
}

func (s *stubEngine) DownloadAssets(ctx context.Context, assets map[models.AssetType][]string, destDir string) (map[models.AssetType][]string, error) {
	return nil, nil
}

func (s *stubEngine) Close() error { return nil }

// stubFactory hands out a fixed engine and records what was requested.
type stubFactory struct {
	engine   interfaces.Engine
	err      error
	requests []models.CrawlerEngine
	proxies  []*models.ProxyConfig
}

func (f *stubFactory) NewEngine(engine models.CrawlerEngine, proxy *models.ProxyConfig) (interfaces.Engine, error) {
	f.requests = append(f.requests, engine)
	f.proxies = append(f.proxies, proxy)
	if f.err != nil {
		return nil, f.err
	}
	return f.engine, nil
}

// captureIndexer records appended documents.
type captureIndexer struct {
	mu      sync.Mutex
	events  []*models.JobEventDoc
	metrics []*models.ExecutionMetricDoc
	retries []*models.RetryMetricDoc
}

func (c *captureIndexer) AppendJobEvent(doc *models.JobEventDoc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, doc)
}

func (c *captureIndexer) AppendExecutionMetric(doc *models.ExecutionMetricDoc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = append(c.metrics, doc)
}

func (c *captureIndexer) AppendRetryMetric(doc *models.RetryMetricDoc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retries = append(c.retries, doc)
}

func (c *captureIndexer) Flush(ctx context.Context) error { return nil }
func (c *captureIndexer) Close() error                    { return nil }

func twoAttemptStrategy() []models.RetryStrategyEntry {
	return []models.RetryStrategyEntry{
		{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
		{Attempt: 1, Engine: models.EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 0},
	}
}

func TestBuiltinStrategies_AreValid(t *testing.T) {
	for _, name := range []string{StrategyConservative, StrategyAggressive, StrategyProxyFirst, StrategyBalanced} {
		entries := BuiltinStrategy(name)
		require.NotEmpty(t, entries, name)

		cfg := &models.CrawlerConfig{
			Mode:          models.CrawlModePageOnly,
			RetryStrategy: entries,
			UseProxy:      true,
			Proxy:         &models.ProxyConfig{Host: "proxy.local", Port: 8080},
		}
		assert.NoError(t, cfg.Validate(), name)
	}
	assert.Nil(t, BuiltinStrategy("bogus"))
}

func TestResolveStrategy(t *testing.T) {
	t.Run("explicit entries win", func(t *testing.T) {
		cfg := &models.CrawlerConfig{RetryStrategy: twoAttemptStrategy(), RetryEnabled: true}
		assert.Equal(t, twoAttemptStrategy(), ResolveStrategy(cfg))
	})

	t.Run("retries disabled means one attempt", func(t *testing.T) {
		cfg := &models.CrawlerConfig{Engine: models.EngineHeadlessBrowser, UseProxy: true}
		entries := ResolveStrategy(cfg)
		require.Len(t, entries, 1)
		assert.Equal(t, models.EngineHeadlessBrowser, entries[0].Engine)
		assert.True(t, entries[0].UseProxy)
	})

	t.Run("enabled without entries caps at max_retries", func(t *testing.T) {
		cfg := &models.CrawlerConfig{RetryEnabled: true, MaxRetries: 2, Engine: models.EngineHTMLParser}
		entries := ResolveStrategy(cfg)
		require.Len(t, entries, 2)
		assert.Equal(t, models.EngineHTMLParser, entries[0].Engine)
	})
}

func TestRetryEngine_SuccessFirstAttempt(t *testing.T) {
	factory := &stubFactory{engine: &stubEngine{}}
	indexer := &captureIndexer{}
	engine := NewRetryEngine(factory, indexer, arbor.NewLogger())

	cfg := &models.CrawlerConfig{RetryStrategy: twoAttemptStrategy()}
	result, err := engine.Run(context.Background(), "job_exec", cfg, func(ctx context.Context, eng interfaces.Engine) error {
		return nil
	})
	require.NoError(t, err)

	require.Len(t, result.History, 1)
	assert.Equal(t, models.AttemptStatusSuccess, result.History[0].Status)
	assert.Equal(t, models.EngineHTMLParser, result.EngineUsed)
	assert.False(t, result.ProxyUsed)

	require.Len(t, indexer.retries, 1)
	assert.Equal(t, "job_exec", indexer.retries[0].ExecutionID)
	assert.Equal(t, models.AttemptStatusSuccess, indexer.retries[0].Status)
}

func TestRetryEngine_EscalatesToNextSlot(t *testing.T) {
	factory := &stubFactory{engine: &stubEngine{}}
	engine := NewRetryEngine(factory, &captureIndexer{}, arbor.NewLogger())

	cfg := &models.CrawlerConfig{
		RetryStrategy: twoAttemptStrategy(),
		Proxy:         &models.ProxyConfig{Host: "proxy.local", Port: 8080},
	}

	attempts := 0
	result, err := engine.Run(context.Background(), "job_exec", cfg, func(ctx context.Context, eng interfaces.Engine) error {
		attempts++
		if attempts == 1 {
			return &HTTPError{StatusCode: 503, URL: "https://example.com"}
		}
		return nil
	})
	require.NoError(t, err)

	require.Len(t, result.History, 2)
	assert.Equal(t, models.AttemptStatusFailed, result.History[0].Status)
	assert.Equal(t, models.AttemptErrorHTTP5xx, result.History[0].ErrorType)
	assert.Equal(t, models.AttemptStatusSuccess, result.History[1].Status)

	// Second slot escalated to the browser with the proxy.
	assert.Equal(t, models.EngineHeadlessBrowser, result.EngineUsed)
	assert.True(t, result.ProxyUsed)
	require.Len(t, factory.requests, 2)
	assert.Equal(t, models.EngineHeadlessBrowser, factory.requests[1])
	require.NotNil(t, factory.proxies[1])
	assert.Equal(t, "proxy.local", factory.proxies[1].Host)
}

func TestRetryEngine_AllAttemptsFail(t *testing.T) {
	factory := &stubFactory{engine: &stubEngine{}}
	engine := NewRetryEngine(factory, &captureIndexer{}, arbor.NewLogger())

	cfg := &models.CrawlerConfig{RetryStrategy: twoAttemptStrategy()}
	result, err := engine.Run(context.Background(), "job_exec", cfg, func(ctx context.Context, eng interfaces.Engine) error {
		return errors.New("unreachable")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempts failed")

	require.Len(t, result.History, 2)
	for _, entry := range result.History {
		assert.Equal(t, models.AttemptStatusFailed, entry.Status)
		assert.Equal(t, models.AttemptErrorOther, entry.ErrorType)
		assert.Equal(t, "unreachable", entry.ErrorMessage)
	}
}

func TestRetryEngine_CancelledBetweenAttempts(t *testing.T) {
	factory := &stubFactory{engine: &stubEngine{}}
	engine := NewRetryEngine(factory, &captureIndexer{}, arbor.NewLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cfg := &models.CrawlerConfig{RetryStrategy: twoAttemptStrategy()}

	result, err := engine.Run(ctx, "job_exec", cfg, func(ctx context.Context, eng interfaces.Engine) error {
		cancel()
		return errors.New("interrupted")
	})
	require.Error(t, err)
	assert.Equal(t, common.KindCancelled, common.Kind(err))

	require.Len(t, result.History, 1)
	assert.Equal(t, models.AttemptStatusCancelled, result.History[0].Status)
}

func TestRetryEngine_FactoryFailureCountsAsAttempt(t *testing.T) {
	factory := &stubFactory{err: ErrProxyFailure}
	engine := NewRetryEngine(factory, &captureIndexer{}, arbor.NewLogger())

	cfg := &models.CrawlerConfig{
		RetryStrategy: []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: true},
		},
		Proxy: &models.ProxyConfig{Host: "dead.proxy", Port: 8080},
	}
	result, err := engine.Run(context.Background(), "job_exec", cfg, func(ctx context.Context, eng interfaces.Engine) error {
		t.Fatal("attempt must not run when the engine cannot be built")
		return nil
	})
	require.Error(t, err)

	require.Len(t, result.History, 1)
	assert.Equal(t, models.AttemptStatusFailed, result.History[0].Status)
	assert.Equal(t, models.AttemptErrorProxy, result.History[0].ErrorType)
}
