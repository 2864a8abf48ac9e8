package crawler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	badgerstore "github.com/ternarybob/verto/internal/storage/badger"
	"github.com/ternarybob/verto/internal/storage/blob"
)

type stubMerger struct {
	out []byte
	err error
}

func (m *stubMerger) Merge(inputs [][]byte) ([]byte, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.out, nil
}

type executorFixture struct {
	executor *Executor
	storage  interfaces.StorageManager
	blobs    interfaces.BlobStore
}

func newExecutorFixture(t *testing.T, factory interfaces.EngineFactory, merger PDFMerger) *executorFixture {
	t.Helper()
	logger := arbor.NewLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = storage.Close() })

	blobs, err := blob.NewFilesystemStore(logger, &common.BlobConfig{Path: t.TempDir()})
	require.NoError(t, err)

	retry := NewRetryEngine(factory, &captureIndexer{}, logger)
	executor := NewExecutor(storage, blobs, &captureIndexer{}, retry, merger, testCrawlerConfig(), logger)

	return &executorFixture{executor: executor, storage: storage, blobs: blobs}
}

func newExecutionJob(t *testing.T, id, seedURL string, cfg *models.CrawlerConfig) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:          id,
		UserID:      "user-1",
		JobType:     models.JobTypeCrawler,
		Status:      models.JobStatusProcessing,
		ParentJobID: "job_crawler",
		SourceType:  models.SourceTypeCrawler,
		SourceURL:   seedURL,
		Name:        "execution " + id,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	require.NoError(t, job.SetCrawlerConfig(cfg))
	return job
}

const executorSeedPage = `<html>
<head><title>Docs</title><link rel="stylesheet" href="/css/site.css"></head>
<body>
  <a href="/files/report.pdf">Report</a>
  <a href="/about">About</a>
</body>
</html>`

// scriptedEngine serves canned pages and file bodies by URL suffix.
func scriptedEngine() *stubEngine {
	return &stubEngine{
		crawl: func(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error) {
			links, _ := extractLinks([]byte(executorSeedPage), url, nil)
			return &interfaces.CrawlResult{HTML: []byte(executorSeedPage), Links: links}, nil
		},
		download: func(ctx context.Context, url string, w io.Writer) (int64, string, error) {
			switch {
			case strings.HasSuffix(url, ".pdf"):
				n, _ := w.Write([]byte("%PDF-1.4 fake report"))
				return int64(n), "application/pdf", nil
			case strings.HasSuffix(url, ".css"):
				n, _ := w.Write([]byte("body { margin: 0 }"))
				return int64(n), "text/css", nil
			}
			n, _ := w.Write([]byte("data"))
			return int64(n), "application/octet-stream", nil
		},
	}
}

func TestExecutor_FilteredCrawlPublishesArtifacts(t *testing.T) {
	fx := newExecutorFixture(t, &stubFactory{engine: scriptedEngine()}, &stubMerger{out: []byte("%PDF-merged")})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{
		Mode:           models.CrawlModePageWithFiltered,
		Engine:         models.EngineHTMLParser,
		AssetTypes:     []models.AssetType{models.AssetTypeCSS},
		FileExtensions: []string{"pdf"},
		PDFHandling:    models.PDFHandlingBoth,
	}
	execution := newExecutionJob(t, "job_exec_1", "https://example.com/docs", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	result, err := fx.executor.Execute(ctx, execution)
	require.NoError(t, err)

	require.Len(t, result.History, 1)
	assert.Equal(t, models.AttemptStatusSuccess, result.History[0].Status)
	assert.Equal(t, models.EngineHTMLParser, result.EngineUsed)

	keys, err := fx.blobs.List(ctx, interfaces.BucketCrawled, "job_exec_1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"job_exec_1/pages/page_1.html",
		"job_exec_1/assets/css/site.css",
		"job_exec_1/files/report.pdf",
		"job_exec_1/merged/combined.pdf",
	}, keys)

	merged, err := fx.blobs.Get(ctx, interfaces.BucketCrawled, "job_exec_1/merged/combined.pdf")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-merged", string(merged))

	// The page snapshot is published above but is not a download; only
	// the asset, the file, and the merged output get rows.
	rows, err := fx.storage.CrawledFiles().GetCrawledFiles(ctx, "job_exec_1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, models.CrawledFileDownloaded, row.Status)
		assert.NotEmpty(t, row.MinioPath)
	}

	job, err := fx.storage.Jobs().GetJob(ctx, "job_exec_1")
	require.NoError(t, err)
	assert.Equal(t, float64(100), job.Progress)
	assert.Equal(t, 3, job.FilesDownloaded)
	assert.Equal(t, 0, job.FilesFailed)
	assert.False(t, job.LastHeartbeat.IsZero())
}

func TestExecutor_RetryAttemptResetsPriorState(t *testing.T) {
	engine := scriptedEngine()
	var crawls int
	baseCrawl := engine.crawl
	engine.crawl = func(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error) {
		crawls++
		if crawls == 1 {
			return nil, &HTTPError{StatusCode: 503, URL: url}
		}
		return baseCrawl(ctx, url, extensions)
	}

	fx := newExecutorFixture(t, &stubFactory{engine: engine}, &stubMerger{})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{
		Mode:           models.CrawlModePageWithFiltered,
		Engine:         models.EngineHTMLParser,
		AssetTypes:     []models.AssetType{models.AssetTypeCSS},
		FileExtensions: []string{"pdf"},
		PDFHandling:    models.PDFHandlingIndividual,
		RetryStrategy:  twoAttemptStrategy(),
	}
	execution := newExecutionJob(t, "job_exec_2", "https://example.com/docs", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	result, err := fx.executor.Execute(ctx, execution)
	require.NoError(t, err)

	require.Len(t, result.History, 2)
	assert.Equal(t, models.AttemptStatusFailed, result.History[0].Status)
	assert.Equal(t, models.AttemptErrorHTTP5xx, result.History[0].ErrorType)
	assert.Equal(t, models.AttemptStatusSuccess, result.History[1].Status)

	// The failed attempt left nothing behind.
	rows, err := fx.storage.CrawledFiles().GetCrawledFiles(ctx, "job_exec_2")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	keys, err := fx.blobs.List(ctx, interfaces.BucketCrawled, "job_exec_2")
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestExecutor_FullWebsiteWalksToDepth(t *testing.T) {
	aboutPage := `<html><head><title>About</title></head><body><p>About us</p></body></html>`
	engine := &stubEngine{
		crawl: func(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error) {
			if strings.HasSuffix(url, "/about") {
				return &interfaces.CrawlResult{HTML: []byte(aboutPage)}, nil
			}
			return &interfaces.CrawlResult{
				HTML: []byte(executorSeedPage),
				Links: []string{
					"https://example.com/about",
					"https://other.com/external",
				},
			}, nil
		},
	}

	fx := newExecutorFixture(t, &stubFactory{engine: engine}, &stubMerger{})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{
		Mode:                models.CrawlModeFullWebsite,
		Engine:              models.EngineHTMLParser,
		MaxDepth:            1,
		FollowExternalLinks: false,
	}
	execution := newExecutionJob(t, "job_exec_3", "https://example.com/docs", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	_, err := fx.executor.Execute(ctx, execution)
	require.NoError(t, err)

	keys, err := fx.blobs.List(ctx, interfaces.BucketCrawled, "job_exec_3")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"job_exec_3/pages/page_1.html",
		"job_exec_3/pages/page_2.html",
	}, keys)
}

func TestExecutor_DownloadFailureIsRecordedNotFatal(t *testing.T) {
	engine := scriptedEngine()
	engine.download = func(ctx context.Context, url string, w io.Writer) (int64, string, error) {
		if strings.HasSuffix(url, ".pdf") {
			return 0, "", fmt.Errorf("connection reset")
		}
		n, _ := w.Write([]byte("body { margin: 0 }"))
		return int64(n), "text/css", nil
	}

	fx := newExecutorFixture(t, &stubFactory{engine: engine}, &stubMerger{})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{
		Mode:           models.CrawlModePageWithFiltered,
		Engine:         models.EngineHTMLParser,
		AssetTypes:     []models.AssetType{models.AssetTypeCSS},
		FileExtensions: []string{"pdf"},
		PDFHandling:    models.PDFHandlingIndividual,
	}
	execution := newExecutionJob(t, "job_exec_4", "https://example.com/docs", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	_, err := fx.executor.Execute(ctx, execution)
	require.NoError(t, err)

	rows, err := fx.storage.CrawledFiles().GetCrawledFiles(ctx, "job_exec_4")
	require.NoError(t, err)

	var failed, downloaded int
	for _, row := range rows {
		switch row.Status {
		case models.CrawledFileFailed:
			failed++
			assert.Contains(t, row.Error, "connection reset")
		case models.CrawledFileDownloaded:
			downloaded++
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, downloaded)

	job, err := fx.storage.Jobs().GetJob(ctx, "job_exec_4")
	require.NoError(t, err)
	assert.Equal(t, 1, job.FilesDownloaded)
	assert.Equal(t, 1, job.FilesFailed)
}

func TestExecutor_PageSnapshotNotCountedAsDownload(t *testing.T) {
	listing := `<html><body>
  <a href="/files/a.pdf">A</a>
  <a href="/files/b.pdf">B</a>
  <a href="/files/c.pdf">C</a>
</body></html>`
	engine := &stubEngine{
		crawl: func(ctx context.Context, url string, extensions []string) (*interfaces.CrawlResult, error) {
			links, _ := extractLinks([]byte(listing), url, nil)
			return &interfaces.CrawlResult{HTML: []byte(listing), Links: links}, nil
		},
		download: func(ctx context.Context, url string, w io.Writer) (int64, string, error) {
			if strings.HasSuffix(url, "c.pdf") {
				return 0, "", &HTTPError{StatusCode: 404, URL: url}
			}
			n, _ := w.Write([]byte("%PDF-1.4 body"))
			return int64(n), "application/pdf", nil
		},
	}

	fx := newExecutorFixture(t, &stubFactory{engine: engine}, &stubMerger{})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{
		Mode:           models.CrawlModePageWithFiltered,
		Engine:         models.EngineHTMLParser,
		FileExtensions: []string{"pdf"},
		PDFHandling:    models.PDFHandlingIndividual,
	}
	execution := newExecutionJob(t, "job_exec_6", "https://example.com/docs", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	_, err := fx.executor.Execute(ctx, execution)
	require.NoError(t, err)

	// The listing page is published as a snapshot only.
	snapshot, err := fx.blobs.Get(ctx, interfaces.BucketCrawled, "job_exec_6/pages/page_1.html")
	require.NoError(t, err)
	assert.Equal(t, listing, string(snapshot))

	// Exactly one row per linked file, and counters track downloads only.
	rows, err := fx.storage.CrawledFiles().GetCrawledFiles(ctx, "job_exec_6")
	require.NoError(t, err)
	require.Len(t, rows, 3)

	var failed, downloaded int
	for _, row := range rows {
		switch row.Status {
		case models.CrawledFileFailed:
			failed++
		case models.CrawledFileDownloaded:
			downloaded++
		}
	}
	assert.Equal(t, 2, downloaded)
	assert.Equal(t, 1, failed)

	job, err := fx.storage.Jobs().GetJob(ctx, "job_exec_6")
	require.NoError(t, err)
	assert.Equal(t, 2, job.FilesDownloaded)
	assert.Equal(t, 1, job.FilesFailed)
}

func TestExecutor_RejectsInvalidSeed(t *testing.T) {
	fx := newExecutorFixture(t, &stubFactory{engine: scriptedEngine()}, &stubMerger{})
	ctx := context.Background()

	cfg := &models.CrawlerConfig{Mode: models.CrawlModePageOnly, Engine: models.EngineHTMLParser}
	execution := newExecutionJob(t, "job_exec_5", "https://127.0.0.1/internal", cfg)
	require.NoError(t, fx.storage.Jobs().SaveJob(ctx, execution))

	_, err := fx.executor.Execute(ctx, execution)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrInvalidInput))
}
