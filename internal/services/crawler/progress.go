package crawler

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// progressDebounce bounds how often a running execution writes its job
// row and emits an indexer sample.
const progressDebounce = 5 * time.Second

// ProgressReporter accumulates execution counters and persists them,
// debounced, to the execution job row and the execution-metrics stream.
// A persistence failure is logged and absorbed; progress reporting never
// fails the execution.
type ProgressReporter struct {
	jobs        interfaces.JobStorage
	indexer     interfaces.ProgressIndexer
	executionID string
	crawlerID   string
	logger      arbor.ILogger

	mu              sync.Mutex
	startedAt       time.Time
	lastWrite       time.Time
	progress        float64
	pagesProcessed  int
	filesProcessed  int
	filesFailed     int
	bytesDownloaded int64
	errorCount      int
}

// NewProgressReporter creates a reporter for one execution.
func NewProgressReporter(jobs interfaces.JobStorage, indexer interfaces.ProgressIndexer, executionID, crawlerID string, logger arbor.ILogger) *ProgressReporter {
	return &ProgressReporter{
		jobs:        jobs,
		indexer:     indexer,
		executionID: executionID,
		crawlerID:   crawlerID,
		logger:      logger,
		startedAt:   time.Now().UTC(),
	}
}

// AddPage records one processed page.
func (p *ProgressReporter) AddPage() {
	p.mu.Lock()
	p.pagesProcessed++
	p.mu.Unlock()
}

// AddFile records one downloaded file and its size.
func (p *ProgressReporter) AddFile(sizeBytes int64) {
	p.mu.Lock()
	p.filesProcessed++
	p.bytesDownloaded += sizeBytes
	p.mu.Unlock()
}

// AddFailure records one failed download.
func (p *ProgressReporter) AddFailure() {
	p.mu.Lock()
	p.filesFailed++
	p.errorCount++
	p.mu.Unlock()
}

// Counters returns downloaded and failed file counts.
func (p *ProgressReporter) Counters() (downloaded, failed int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filesProcessed, p.filesFailed
}

// Update advances progress to at least pct and persists if the debounce
// window has passed. Progress never moves backwards.
func (p *ProgressReporter) Update(ctx context.Context, pct float64) {
	p.mu.Lock()
	if pct > p.progress {
		p.progress = pct
	}
	due := time.Since(p.lastWrite) >= progressDebounce
	if due {
		p.lastWrite = time.Now()
	}
	p.mu.Unlock()

	if due {
		p.persist(ctx)
	}
}

// Final forces a write regardless of the debounce window. Called on the
// terminal transition so the last sample is never lost.
func (p *ProgressReporter) Final(ctx context.Context, pct float64) {
	p.mu.Lock()
	if pct > p.progress {
		p.progress = pct
	}
	p.lastWrite = time.Now()
	p.mu.Unlock()

	p.persist(ctx)
}

func (p *ProgressReporter) persist(ctx context.Context) {
	p.mu.Lock()
	snapshot := models.ExecutionMetricDoc{
		ExecutionID:     p.executionID,
		CrawlerJobID:    p.crawlerID,
		Progress:        p.progress,
		PagesProcessed:  p.pagesProcessed,
		FilesProcessed:  p.filesProcessed,
		BytesDownloaded: p.bytesDownloaded,
		ErrorCount:      p.errorCount,
		Timestamp:       time.Now().UTC(),
	}
	downloaded, failed := p.filesProcessed, p.filesFailed
	elapsed := time.Since(p.startedAt).Seconds()
	p.mu.Unlock()

	if elapsed > 0 {
		snapshot.DownloadSpeedBps = float64(snapshot.BytesDownloaded) / elapsed
	}

	_, err := p.jobs.UpdateJob(ctx, p.executionID, func(job *models.Job) error {
		job.Progress = snapshot.Progress
		job.FilesDownloaded = downloaded
		job.FilesFailed = failed
		job.LastHeartbeat = snapshot.Timestamp
		return nil
	})
	if err != nil {
		p.logger.Warn().
			Str("execution_id", p.executionID).
			Err(err).
			Msg("Failed to persist execution progress")
	}

	if p.indexer != nil {
		p.indexer.AppendExecutionMetric(&snapshot)
	}
}
