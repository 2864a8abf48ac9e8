package interfaces

import (
	"context"

	"github.com/ternarybob/verto/internal/models"
)

// SchedulerService owns cron schedules for recurring crawlers and emits
// execution triggers at the right wall-clock instants. The in-memory
// schedule set is the only ephemeral state; it rehydrates from
// FindActiveCrawlers on startup.
type SchedulerService interface {
	Start(ctx context.Context) error
	Stop() error
	// RegisterCrawler installs (or reinstalls) the crawler's schedule and
	// persists the refreshed next_runs projection on the job record.
	RegisterCrawler(ctx context.Context, job *models.Job) error
	UpdateCrawler(ctx context.Context, job *models.Job) error
	UnregisterCrawler(ctx context.Context, crawlerJobID string) error
	PauseCrawler(ctx context.Context, crawlerJobID string) error
	ResumeCrawler(ctx context.Context, crawlerJobID string) error
	// NextRuns returns the upcoming fire instants for a registered
	// crawler, in UTC.
	NextRuns(crawlerJobID string) []string
}

// ProgressIndexer is the append-only, near-real-time metrics sink.
// Writers buffer and bulk-flush; a flush failure never fails the owning
// job. Strictly observational.
type ProgressIndexer interface {
	AppendJobEvent(doc *models.JobEventDoc)
	AppendExecutionMetric(doc *models.ExecutionMetricDoc)
	AppendRetryMetric(doc *models.RetryMetricDoc)
	// Flush forces buffered documents out; used on shutdown and in tests.
	Flush(ctx context.Context) error
	Close() error
}
