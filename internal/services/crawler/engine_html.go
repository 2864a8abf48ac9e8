package crawler

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// HTMLEngine fetches pages over plain HTTP and parses them with
// goquery. No JavaScript execution; pages that render client-side need
// the headless browser engine.
type HTMLEngine struct {
	fetcher *Fetcher
	config  *common.CrawlerConfig
	logger  arbor.ILogger
}

var _ interfaces.Engine = (*HTMLEngine)(nil)

// NewHTMLEngine creates an HTML-parser engine for one attempt.
func NewHTMLEngine(config *common.CrawlerConfig, proxy *models.ProxyConfig, logger arbor.ILogger) (*HTMLEngine, error) {
	fetcher, err := NewFetcher(config, proxy, logger)
	if err != nil {
		return nil, err
	}
	return &HTMLEngine{
		fetcher: fetcher,
		config:  config,
		logger:  logger,
	}, nil
}

func (e *HTMLEngine) CrawlPage(ctx context.Context, pageURL string, extensions []string) (*interfaces.CrawlResult, error) {
	html, _, err := e.fetcher.Fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}

	links, err := extractLinks(html, pageURL, extensions)
	if err != nil {
		return nil, fmt.Errorf("failed to parse page %s: %w", pageURL, err)
	}

	e.logger.Debug().
		Str("url", pageURL).
		Int("links", len(links)).
		Int("html_bytes", len(html)).
		Msg("Page crawled")

	return &interfaces.CrawlResult{Links: links, HTML: html}, nil
}

func (e *HTMLEngine) Download(ctx context.Context, rawURL string, w io.Writer) (int64, string, error) {
	return e.fetcher.FetchTo(ctx, rawURL, w)
}

func (e *HTMLEngine) ExtractAssets(ctx context.Context, html []byte, baseURL string, assetTypes []models.AssetType) (map[models.AssetType][]string, error) {
	return extractAssetURLs(html, baseURL, assetTypes)
}

// DownloadAssets fetches asset URLs concurrently into destDir.
// Individual failures are logged and skipped; one broken stylesheet
// must not fail the page.
func (e *HTMLEngine) DownloadAssets(ctx context.Context, assets map[models.AssetType][]string, destDir string) (map[models.AssetType][]string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create asset directory: %w", err)
	}

	type job struct {
		assetType models.AssetType
		url       string
	}
	var jobs []job
	for assetType, urls := range assets {
		for _, u := range urls {
			jobs = append(jobs, job{assetType: assetType, url: u})
		}
	}

	concurrency := e.config.MaxConcurrentAssets
	if concurrency <= 0 {
		concurrency = 1
	}

	var mu sync.Mutex
	result := make(map[models.AssetType][]string)
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup

	for i, j := range jobs {
		wg.Add(1)
		go func(idx int, j job) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}

			localPath := filepath.Join(destDir, fmt.Sprintf("%s_%d%s", j.assetType, idx, filepath.Ext(urlPath(j.url))))
			file, err := os.Create(localPath)
			if err != nil {
				e.logger.Warn().Err(err).Str("url", j.url).Msg("Failed to create asset file")
				return
			}
			_, _, err = e.fetcher.FetchTo(ctx, j.url, file)
			file.Close()
			if err != nil {
				os.Remove(localPath)
				e.logger.Warn().Err(err).Str("url", j.url).Msg("Asset download failed, skipping")
				return
			}

			mu.Lock()
			result[j.assetType] = append(result[j.assetType], localPath)
			mu.Unlock()
		}(i, j)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func (e *HTMLEngine) Close() error {
	return nil
}

// urlPath returns the path component of a URL for extension sniffing.
func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	return u.Path
}
