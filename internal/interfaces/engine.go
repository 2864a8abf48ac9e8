package interfaces

import (
	"context"
	"io"

	"github.com/ternarybob/verto/internal/models"
)

// CrawlResult is the outcome of fetching one page.
type CrawlResult struct {
	Links []string // Absolute outgoing link URLs
	HTML  []byte   // Raw page HTML
}

// Engine is the fetch capability set shared by the HTML-parser and
// headless-browser implementations. Engines are constructed per
// execution attempt with the attempt's proxy configuration and must be
// closed when the attempt ends.
type Engine interface {
	// CrawlPage fetches url, parses the HTML, and returns outgoing links
	// restricted to the given file extensions (empty = all links) plus
	// the raw HTML bytes.
	CrawlPage(ctx context.Context, url string, extensions []string) (*CrawlResult, error)
	// Download streams the body of url into w and returns the size and
	// content type.
	Download(ctx context.Context, url string, w io.Writer) (int64, string, error)
	// ExtractAssets finds asset references of the requested types in the
	// HTML, resolved to absolute URLs keyed by asset type.
	ExtractAssets(ctx context.Context, html []byte, baseURL string, assetTypes []models.AssetType) (map[models.AssetType][]string, error)
	// DownloadAssets fetches the given asset URLs into destDir and
	// returns the local paths keyed by asset type.
	DownloadAssets(ctx context.Context, assets map[models.AssetType][]string, destDir string) (map[models.AssetType][]string, error)
	Close() error
}

// EngineFactory builds an engine for one execution attempt.
type EngineFactory interface {
	NewEngine(engine models.CrawlerEngine, proxy *models.ProxyConfig) (Engine, error)
}
