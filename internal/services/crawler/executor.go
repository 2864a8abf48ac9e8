package crawler

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// Stage progress ceilings. Each stage advances progress up to its
// ceiling; within the download stage progress interpolates by items
// completed.
const (
	progressDiscover = 10
	progressFilter   = 20
	progressDownload = 70
	progressPDF      = 80
	progressPublish  = 95
	progressFinal    = 100
)

// presignTTL is the validity window for public URLs recorded on
// crawled-file rows.
const presignTTL = 24 * time.Hour

// PDFMerger combines downloaded PDFs into one document.
type PDFMerger interface {
	Merge(inputs [][]byte) ([]byte, error)
}

// Executor runs a crawler execution end to end: discovery, filtering,
// bounded-concurrency downloads, optional PDF merging, and publishing
// into the crawled bucket. Attempt-level retries are delegated to the
// retry engine; the executor body is restartable because each attempt
// resets the execution's rows and blobs first.
type Executor struct {
	storage interfaces.StorageManager
	blobs   interfaces.BlobStore
	indexer interfaces.ProgressIndexer
	retry   *RetryEngine
	merger  PDFMerger
	config  *common.CrawlerConfig
	logger  arbor.ILogger
}

// NewExecutor creates a crawler executor
func NewExecutor(storage interfaces.StorageManager, blobs interfaces.BlobStore, indexer interfaces.ProgressIndexer, retry *RetryEngine, merger PDFMerger, config *common.CrawlerConfig, logger arbor.ILogger) *Executor {
	return &Executor{
		storage: storage,
		blobs:   blobs,
		indexer: indexer,
		retry:   retry,
		merger:  merger,
		config:  config,
		logger:  logger,
	}
}

// Execute runs one crawler execution job. The caller owns the job's
// status transitions; Execute owns progress, counters, crawled-file
// rows, and blobs. The returned RunResult carries the attempt history
// to persist on the job.
func (e *Executor) Execute(ctx context.Context, execution *models.Job) (*RunResult, error) {
	cfg, err := e.executionConfig(ctx, execution)
	if err != nil {
		return nil, err
	}

	reporter := NewProgressReporter(e.storage.Jobs(), e.indexer, execution.ID, execution.ParentJobID, e.logger)

	result, runErr := e.retry.Run(ctx, execution.ID, cfg, func(ctx context.Context, engine interfaces.Engine) error {
		return e.crawlOnce(ctx, engine, execution, cfg, reporter)
	})

	if runErr != nil {
		reporter.Final(ctx, 0)
		return result, runErr
	}
	reporter.Final(ctx, progressFinal)
	return result, nil
}

// executionConfig loads the crawler config snapshot, preferring the
// execution's own blob and falling back to the parent crawler job.
func (e *Executor) executionConfig(ctx context.Context, execution *models.Job) (*models.CrawlerConfig, error) {
	cfg, err := execution.GetCrawlerConfig()
	if err != nil {
		return nil, common.Fatalf("execution %s carries a broken config: %v", execution.ID, err)
	}
	if cfg != nil {
		return cfg, nil
	}
	if execution.ParentJobID == "" {
		return nil, common.Fatalf("execution %s has no config and no parent", execution.ID)
	}
	parent, err := e.storage.Jobs().GetJob(ctx, execution.ParentJobID)
	if err != nil {
		return nil, err
	}
	cfg, err = parent.GetCrawlerConfig()
	if err != nil {
		return nil, common.Fatalf("crawler %s carries a broken config: %v", parent.ID, err)
	}
	if cfg == nil {
		return nil, common.Fatalf("crawler %s has no config", parent.ID)
	}
	return cfg, nil
}

// crawledPage is one fetched page awaiting publish.
type crawledPage struct {
	url   string
	html  []byte
	links []string
}

// crawlOnce is one attempt body. It must be safe to run again on a
// later attempt, so it starts by wiping the execution's prior rows and
// blobs.
func (e *Executor) crawlOnce(ctx context.Context, engine interfaces.Engine, execution *models.Job, cfg *models.CrawlerConfig, reporter *ProgressReporter) error {
	if err := e.resetExecution(ctx, execution.ID); err != nil {
		return err
	}

	seed := execution.SourceURL
	if _, err := common.NormalizeURL(seed); err != nil {
		return err
	}

	// Discover.
	pages, err := e.discover(ctx, engine, seed, cfg, reporter)
	if err != nil {
		return err
	}
	reporter.Update(ctx, progressDiscover)

	// Filter.
	assets, fileURLs, skipped := e.filter(ctx, engine, seed, pages, cfg)
	reporter.Update(ctx, progressFilter)

	e.logger.Info().
		Str("execution_id", execution.ID).
		Int("pages", len(pages)).
		Int("asset_urls", countAssets(assets)).
		Int("file_urls", len(fileURLs)).
		Int("rejected_urls", skipped).
		Msg("Crawl plan built")

	// Download and publish.
	var pdfs [][]byte
	total := len(pages) + countAssets(assets) + len(fileURLs)
	completed := 0
	tick := func() {
		completed++
		if total > 0 {
			pct := progressFilter + float64(completed)/float64(total)*(progressDownload-progressFilter)
			reporter.Update(ctx, pct)
		}
	}

	if err := e.publishPages(ctx, execution.ID, pages, tick); err != nil {
		return err
	}
	if err := e.downloadAssets(ctx, engine, execution.ID, assets, reporter, tick); err != nil {
		return err
	}
	collected, err := e.downloadFiles(ctx, engine, execution.ID, fileURLs, cfg, reporter, tick)
	if err != nil {
		return err
	}
	pdfs = collected
	reporter.Update(ctx, progressDownload)

	// PDF handling.
	if err := e.mergePDFs(ctx, execution.ID, cfg, pdfs, reporter); err != nil {
		return err
	}
	reporter.Update(ctx, progressPDF)

	reporter.Update(ctx, progressPublish)
	downloaded, failed := reporter.Counters()
	e.logger.Info().
		Str("execution_id", execution.ID).
		Int("files_downloaded", downloaded).
		Int("files_failed", failed).
		Msg("Crawl attempt finished")
	return nil
}

// resetExecution wipes rows and blobs left by a prior attempt.
func (e *Executor) resetExecution(ctx context.Context, executionID string) error {
	if err := e.storage.CrawledFiles().DeleteCrawledFiles(ctx, executionID); err != nil {
		return fmt.Errorf("failed to reset crawled files: %w", err)
	}
	if err := e.blobs.DeletePrefix(ctx, interfaces.BucketCrawled, executionID); err != nil {
		return fmt.Errorf("failed to reset crawled blobs: %w", err)
	}
	return nil
}

// discover fetches the seed page and, for full-website mode, walks
// links breadth-first to the configured depth. A seed failure fails the
// attempt; a failure deeper in the walk is recorded and skipped.
func (e *Executor) discover(ctx context.Context, engine interfaces.Engine, seed string, cfg *models.CrawlerConfig, reporter *ProgressReporter) ([]crawledPage, error) {
	result, err := engine.CrawlPage(ctx, seed, nil)
	if err != nil {
		return nil, err
	}
	pages := []crawledPage{{url: seed, html: result.HTML, links: result.Links}}
	reporter.AddPage()

	if cfg.Mode != models.CrawlModeFullWebsite || cfg.MaxDepth == 0 {
		return pages, nil
	}

	seedNorm, _ := common.NormalizeURL(seed)
	visited := map[string]bool{seedNorm: true}
	frontier := result.Links

	for depth := 1; depth <= cfg.MaxDepth; depth++ {
		var next []string
		for _, link := range frontier {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			norm, err := common.NormalizeURL(link)
			if err != nil || visited[norm] {
				continue
			}
			visited[norm] = true
			if !cfg.FollowExternalLinks && !sameHost(seed, link) {
				continue
			}
			// Asset and document links are downloads, not pages.
			if classifyAssetURL(link) != "" {
				continue
			}

			res, err := engine.CrawlPage(ctx, link, nil)
			if err != nil {
				e.logger.Warn().Str("url", link).Int("depth", depth).Err(err).Msg("Page fetch failed, skipping")
				reporter.AddFailure()
				continue
			}
			pages = append(pages, crawledPage{url: link, html: res.HTML, links: res.Links})
			reporter.AddPage()
			next = append(next, res.Links...)
		}
		frontier = next
	}
	return pages, nil
}

// filter derives the asset and file download plan from crawled pages.
// Every discovered URL passes through the normalizer; rejects are
// counted and dropped.
func (e *Executor) filter(ctx context.Context, engine interfaces.Engine, seed string, pages []crawledPage, cfg *models.CrawlerConfig) (map[models.AssetType][]string, []string, int) {
	assetTypes := e.wantedAssetTypes(cfg)
	assets := make(map[models.AssetType][]string)
	seenAsset := make(map[string]bool)
	var fileURLs []string
	seenFile := make(map[string]bool)
	skipped := 0

	for _, page := range pages {
		if len(assetTypes) > 0 {
			found, err := engine.ExtractAssets(ctx, page.html, page.url, assetTypes)
			if err != nil {
				e.logger.Warn().Str("url", page.url).Err(err).Msg("Asset extraction failed, skipping page assets")
			} else {
				for assetType, urls := range found {
					for _, u := range urls {
						norm, err := common.NormalizeURL(u)
						if err != nil {
							skipped++
							continue
						}
						if seenAsset[norm] {
							continue
						}
						seenAsset[norm] = true
						assets[assetType] = append(assets[assetType], u)
					}
				}
			}
		}

		if len(cfg.FileExtensions) > 0 {
			for _, link := range page.links {
				if !matchesExtension(link, cfg.FileExtensions) {
					continue
				}
				norm, err := common.NormalizeURL(link)
				if err != nil {
					skipped++
					continue
				}
				if seenFile[norm] {
					continue
				}
				if !cfg.FollowExternalLinks && !sameHost(seed, link) {
					continue
				}
				seenFile[norm] = true
				fileURLs = append(fileURLs, link)
			}
		}
	}
	return assets, fileURLs, skipped
}

// wantedAssetTypes maps the crawl mode to the asset types to collect.
func (e *Executor) wantedAssetTypes(cfg *models.CrawlerConfig) []models.AssetType {
	switch cfg.Mode {
	case models.CrawlModePageOnly:
		return nil
	case models.CrawlModePageWithAll:
		return []models.AssetType{
			models.AssetTypeCSS, models.AssetTypeJS, models.AssetTypeImages,
			models.AssetTypeFonts, models.AssetTypeVideos, models.AssetTypeDocuments,
		}
	default:
		return cfg.AssetTypes
	}
}

// publishPages stores each crawled page's HTML in the crawled bucket.
// Page snapshots are not downloads: they get no crawled-file row and
// count toward pages_processed, never the file counters.
func (e *Executor) publishPages(ctx context.Context, executionID string, pages []crawledPage, tick func()) error {
	for i, page := range pages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		key := fmt.Sprintf("%s/pages/page_%d.html", executionID, i+1)
		if _, err := e.blobs.Put(ctx, interfaces.BucketCrawled, key, page.html, "text/html; charset=utf-8"); err != nil {
			e.logger.Warn().Str("key", key).Err(err).Msg("Failed to store page snapshot")
		}
		tick()
	}
	return nil
}

// downloadAssets fetches asset URLs with bounded concurrency and
// publishes them under assets/{type}/.
func (e *Executor) downloadAssets(ctx context.Context, engine interfaces.Engine, executionID string, assets map[models.AssetType][]string, reporter *ProgressReporter, tick func()) error {
	type assetJob struct {
		assetType models.AssetType
		url       string
		index     int
	}
	var jobs []assetJob
	for assetType, urls := range assets {
		for i, u := range urls {
			jobs = append(jobs, assetJob{assetType: assetType, url: u, index: i})
		}
	}
	if len(jobs) == 0 {
		return nil
	}

	concurrency := e.config.MaxConcurrentAssets
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, j := range jobs {
		wg.Add(1)
		go func(j assetJob) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			name := filenameFor(j.url, fmt.Sprintf("%s_%d", j.assetType, j.index))
			key := fmt.Sprintf("%s/assets/%s/%s", executionID, j.assetType, name)
			e.fetchAndSave(ctx, engine, executionID, j.url, key, string(j.assetType), reporter)

			mu.Lock()
			tick()
			mu.Unlock()
		}(j)
	}
	wg.Wait()
	return ctx.Err()
}

// downloadFiles fetches document links with bounded concurrency,
// publishes them under files/, and returns PDF bodies for merging when
// the handling mode wants a combined output.
func (e *Executor) downloadFiles(ctx context.Context, engine interfaces.Engine, executionID string, fileURLs []string, cfg *models.CrawlerConfig, reporter *ProgressReporter, tick func()) ([][]byte, error) {
	if len(fileURLs) == 0 {
		return nil, nil
	}

	wantMerge := cfg.PDFHandling == models.PDFHandlingCombined || cfg.PDFHandling == models.PDFHandlingBoth

	concurrency := e.config.MaxConcurrentDownloads
	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex

	// Keyed by URL order so the merged document is deterministic.
	pdfByIndex := make([][]byte, len(fileURLs))

	for i, fileURL := range fileURLs {
		wg.Add(1)
		go func(idx int, fileURL string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			if ctx.Err() != nil {
				return
			}

			name := filenameFor(fileURL, fmt.Sprintf("file_%d", idx))
			key := fmt.Sprintf("%s/files/%s", executionID, name)
			data := e.fetchAndSave(ctx, engine, executionID, fileURL, key, fileTypeOf(fileURL), reporter)
			if wantMerge && data != nil && strings.EqualFold(path.Ext(name), ".pdf") {
				pdfByIndex[idx] = data
			}

			mu.Lock()
			tick()
			mu.Unlock()
		}(i, fileURL)
	}
	wg.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	var pdfs [][]byte
	for _, data := range pdfByIndex {
		if data != nil {
			pdfs = append(pdfs, data)
		}
	}
	return pdfs, nil
}

// mergePDFs produces merged/combined.pdf when requested. A merge
// failure degrades to a warning; the individual files already exist.
func (e *Executor) mergePDFs(ctx context.Context, executionID string, cfg *models.CrawlerConfig, pdfs [][]byte, reporter *ProgressReporter) error {
	if cfg.PDFHandling != models.PDFHandlingCombined && cfg.PDFHandling != models.PDFHandlingBoth {
		return nil
	}
	if len(pdfs) == 0 || e.merger == nil {
		return nil
	}

	merged, err := e.merger.Merge(pdfs)
	if err != nil {
		e.logger.Warn().Str("execution_id", executionID).Err(err).Msg("PDF merge failed, keeping individual files")
		return nil
	}

	key := fmt.Sprintf("%s/merged/combined.pdf", executionID)
	e.saveArtifact(ctx, executionID, "", key, merged, "pdf", "application/pdf", reporter)
	return nil
}

// fetchAndSave downloads one URL and publishes it, recording a
// crawled-file row either way. Returns the body on success, nil on
// failure.
func (e *Executor) fetchAndSave(ctx context.Context, engine interfaces.Engine, executionID, rawURL, key, fileType string, reporter *ProgressReporter) []byte {
	var buf bytes.Buffer
	_, contentType, err := engine.Download(ctx, rawURL, &buf)
	if err != nil {
		e.logger.Warn().Str("url", rawURL).Err(err).Msg("Download failed")
		reporter.AddFailure()
		e.saveRow(ctx, &models.CrawledFile{
			ID:           common.NewFileID(),
			ExecutionID:  executionID,
			URL:          rawURL,
			Filename:     path.Base(key),
			FileType:     fileType,
			Status:       models.CrawledFileFailed,
			Error:        common.TruncateError(err.Error()),
			DownloadedAt: time.Now().UTC(),
		})
		return nil
	}

	data := buf.Bytes()
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(key))
	}
	e.saveArtifact(ctx, executionID, rawURL, key, data, fileType, contentType, reporter)
	return data
}

// saveArtifact publishes bytes to the crawled bucket and records the
// downloaded row. Blob failures mark the row failed rather than failing
// the attempt.
func (e *Executor) saveArtifact(ctx context.Context, executionID, rawURL, key string, data []byte, fileType, contentType string, reporter *ProgressReporter) {
	row := &models.CrawledFile{
		ID:           common.NewFileID(),
		ExecutionID:  executionID,
		URL:          rawURL,
		Filename:     path.Base(key),
		FileType:     fileType,
		MimeType:     contentType,
		SizeBytes:    int64(len(data)),
		DownloadedAt: time.Now().UTC(),
	}

	if _, err := e.blobs.Put(ctx, interfaces.BucketCrawled, key, data, contentType); err != nil {
		e.logger.Warn().Str("key", key).Err(err).Msg("Failed to store crawled artifact")
		reporter.AddFailure()
		row.Status = models.CrawledFileFailed
		row.Error = common.TruncateError(err.Error())
		e.saveRow(ctx, row)
		return
	}

	row.Status = models.CrawledFileDownloaded
	row.MinioPath = key
	if publicURL, err := e.blobs.PresignedGet(ctx, interfaces.BucketCrawled, key, presignTTL); err == nil {
		row.PublicURL = publicURL
	}
	reporter.AddFile(row.SizeBytes)
	e.saveRow(ctx, row)
}

func (e *Executor) saveRow(ctx context.Context, row *models.CrawledFile) {
	if err := e.storage.CrawledFiles().SaveCrawledFile(ctx, row); err != nil {
		e.logger.Warn().Str("url", row.URL).Err(err).Msg("Failed to record crawled file")
	}
}

func countAssets(assets map[models.AssetType][]string) int {
	n := 0
	for _, urls := range assets {
		n += len(urls)
	}
	return n
}

// filenameFor derives a storable filename from a URL path, falling back
// when the path has no usable base.
func filenameFor(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}
	base := path.Base(u.Path)
	if base == "" || base == "." || base == "/" {
		return fallback
	}
	return base
}

// fileTypeOf classifies a file URL by extension for the crawled row.
func fileTypeOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "other"
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	if ext == "" {
		return "other"
	}
	return ext
}
