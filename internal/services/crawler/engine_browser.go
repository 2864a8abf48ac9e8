package crawler

import (
	"context"
	"fmt"
	"io"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// BrowserEngine renders pages in headless Chrome via chromedp, so
// JavaScript-built DOMs are visible to extraction. Binary downloads
// still go over plain HTTP; only page rendering needs the browser.
type BrowserEngine struct {
	allocCtx     context.Context
	allocCancel  context.CancelFunc
	browserCtx   context.Context
	browserClose context.CancelFunc
	fetcher      *Fetcher
	config       *common.CrawlerConfig
	logger       arbor.ILogger
}

var _ interfaces.Engine = (*BrowserEngine)(nil)

// NewBrowserEngine launches a headless browser for one attempt.
func NewBrowserEngine(config *common.CrawlerConfig, proxy *models.ProxyConfig, logger arbor.ILogger) (*BrowserEngine, error) {
	fetcher, err := NewFetcher(config, proxy, logger)
	if err != nil {
		return nil, err
	}

	allocatorOpts := append(
		chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.UserAgent(config.UserAgent),
	)
	if proxyURL := proxy.URL(); proxyURL != "" {
		allocatorOpts = append(allocatorOpts, chromedp.ProxyServer(proxyURL))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOpts...)
	browserCtx, browserClose := chromedp.NewContext(allocCtx)

	// Launch eagerly so a missing Chrome binary or a dead proxy fails
	// the attempt here, not mid-crawl.
	if err := chromedp.Run(browserCtx); err != nil {
		browserClose()
		allocCancel()
		return nil, fmt.Errorf("%w: failed to launch headless browser: %v", ErrJavaScriptFailure, err)
	}

	logger.Debug().Str("user_agent", config.UserAgent).Msg("Headless browser launched")

	return &BrowserEngine{
		allocCtx:     allocCtx,
		allocCancel:  allocCancel,
		browserCtx:   browserCtx,
		browserClose: browserClose,
		fetcher:      fetcher,
		config:       config,
		logger:       logger,
	}, nil
}

func (e *BrowserEngine) CrawlPage(ctx context.Context, pageURL string, extensions []string) (*interfaces.CrawlResult, error) {
	if e.fetcher.robots != nil && !e.fetcher.robots.Allowed(ctx, pageURL) {
		return nil, fmt.Errorf("%w: %s", ErrRobotsDisallowed, pageURL)
	}
	if err := e.fetcher.limiter.Wait(ctx, pageURL); err != nil {
		return nil, err
	}

	tabCtx, cancelTab := chromedp.NewContext(e.browserCtx)
	defer cancelTab()

	timeoutCtx, cancelTimeout := context.WithTimeout(tabCtx, e.config.HeadlessTimeout)
	defer cancelTimeout()

	// Stop the tab if the caller's context dies first.
	go func() {
		select {
		case <-ctx.Done():
			cancelTab()
		case <-timeoutCtx.Done():
		}
	}()

	var html string
	err := chromedp.Run(timeoutCtx,
		network.Enable(),
		network.SetExtraHTTPHeaders(network.Headers{"Accept-Language": "en"}),
		chromedp.Navigate(pageURL),
		chromedp.WaitReady("body"),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: render of %s failed: %v", ErrJavaScriptFailure, pageURL, err)
	}

	links, err := extractLinks([]byte(html), pageURL, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rendered page %s: %w", pageURL, err)
	}

	e.logger.Debug().
		Str("url", pageURL).
		Int("links", len(links)).
		Int("html_bytes", len(html)).
		Msg("Page rendered")

	return &interfaces.CrawlResult{Links: links, HTML: []byte(html)}, nil
}

func (e *BrowserEngine) Download(ctx context.Context, rawURL string, w io.Writer) (int64, string, error) {
	return e.fetcher.FetchTo(ctx, rawURL, w)
}

func (e *BrowserEngine) ExtractAssets(ctx context.Context, html []byte, baseURL string, assetTypes []models.AssetType) (map[models.AssetType][]string, error) {
	return extractAssetURLs(html, baseURL, assetTypes)
}

func (e *BrowserEngine) DownloadAssets(ctx context.Context, assets map[models.AssetType][]string, destDir string) (map[models.AssetType][]string, error) {
	// Asset bodies do not need rendering; reuse the HTTP path.
	helper := &HTMLEngine{fetcher: e.fetcher, config: e.config, logger: e.logger}
	return helper.DownloadAssets(ctx, assets, destDir)
}

func (e *BrowserEngine) Close() error {
	e.browserClose()
	e.allocCancel()
	return nil
}
