package interfaces

import (
	"context"

	"github.com/ternarybob/verto/internal/models"
)

// JobListOptions filters and pages job listings.
type JobListOptions struct {
	Status models.JobStatus
	Type   models.JobType
	Limit  int
	Offset int
}

// PageListOptions pages page listings.
type PageListOptions struct {
	Limit  int
	Offset int
}

// JobStorage is the durable source of truth for jobs.
//
// All mutations to a single job and its owned rows are atomic.
// Concurrent updates to the same job use optimistic concurrency on the
// Version column; UpdateJob surfaces Conflict after internal retries.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// UpdateJob applies mutate under optimistic concurrency: it re-reads
	// the job, applies mutate, and saves; on a version clash it retries
	// a bounded number of times before returning Conflict.
	UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, error)
	// DeleteJob removes the job and cascades to owned jobs, pages, and
	// crawled-file rows. Blob cleanup is the caller's concern.
	DeleteJob(ctx context.Context, jobID string) error

	ListByUser(ctx context.Context, userID string, opts *JobListOptions) ([]*models.Job, error)
	GetChildJobs(ctx context.Context, parentID string) ([]*models.Job, error)
	FindCrawlerJobs(ctx context.Context, userID string, opts *JobListOptions) ([]*models.Job, error)
	// FindActiveCrawlers returns crawler jobs with status=active, used
	// for scheduler rehydration on startup.
	FindActiveCrawlers(ctx context.Context) ([]*models.Job, error)
	// FindCrawlerExecutions returns execution children, newest first.
	FindCrawlerExecutions(ctx context.Context, crawlerJobID string) ([]*models.Job, error)
	GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)
	// FindSimilar returns non-terminal jobs whose stored url_pattern
	// matches exactly or within a small edit distance. Never blocks
	// creation; matches are attached as warnings.
	FindSimilar(ctx context.Context, urlPattern string) ([]*models.Job, error)
}

// PageStorage owns per-page conversion rows. Queries aggregate by the
// owning main job; individual rows are addressed by their page job.
type PageStorage interface {
	UpsertPages(ctx context.Context, mainJobID string, pages []*models.Page) error
	GetPage(ctx context.Context, pageID string) (*models.Page, error)
	// GetPageByJob returns the row owned by a page job.
	GetPageByJob(ctx context.Context, pageJobID string) (*models.Page, error)
	GetPages(ctx context.Context, mainJobID string, opts *PageListOptions) ([]*models.Page, error)
	UpdatePage(ctx context.Context, page *models.Page) error
	DeletePages(ctx context.Context, mainJobID string) error
}

// CrawledFileStorage owns crawled-file rows for crawler executions.
type CrawledFileStorage interface {
	SaveCrawledFile(ctx context.Context, file *models.CrawledFile) error
	GetCrawledFiles(ctx context.Context, executionID string) ([]*models.CrawledFile, error)
	DeleteCrawledFiles(ctx context.Context, executionID string) error
}

// StorageManager aggregates the storage surfaces behind one handle.
type StorageManager interface {
	Jobs() JobStorage
	Pages() PageStorage
	CrawledFiles() CrawledFileStorage
	Close() error
}
