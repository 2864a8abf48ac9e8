package models

import "time"

// PageStatus represents the state of a page job row
type PageStatus string

const (
	PageStatusQueued     PageStatus = "queued"
	PageStatusProcessing PageStatus = "processing"
	PageStatusCompleted  PageStatus = "completed"
	PageStatusFailed     PageStatus = "failed"
)

// IsTerminal reports whether a page status admits no further work.
func (s PageStatus) IsTerminal() bool {
	return s == PageStatusCompleted || s == PageStatusFailed
}

// MaxPageRetries caps RetryCount on a page.
const MaxPageRetries = 3

// Page is one per-page conversion row, created by split, updated by the
// page worker, aggregated by merge. Unique on (JobID, PageNumber).
// RetryPage supersedes a failed row by creating a fresh page job and a
// fresh row pointing at it; both rows keep the same MainJobID.
type Page struct {
	ID         string     `json:"id" badgerhold:"key"`
	JobID      string     `json:"job_id" badgerhold:"index"`      // Owning page job
	MainJobID  string     `json:"main_job_id" badgerhold:"index"` // Top-level main job, for aggregation
	PageNumber int        `json:"page_number"`                    // 1-based
	Status     PageStatus `json:"status" badgerhold:"index"`
	// MinioPagePath points at the per-page PDF blob in the pages bucket.
	MinioPagePath string `json:"minio_page_path,omitempty"`
	// MarkdownContent holds the converted markdown inline when short;
	// long content lives in the blob store with MarkdownBlobPath set.
	MarkdownContent  string    `json:"markdown_content,omitempty"`
	MarkdownBlobPath string    `json:"markdown_blob_path,omitempty"`
	Error            string    `json:"error,omitempty"`
	RetryCount       int       `json:"retry_count"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// CrawledFileStatus represents the outcome of one crawled URL
type CrawledFileStatus string

const (
	CrawledFileDownloaded CrawledFileStatus = "downloaded"
	CrawledFileFailed     CrawledFileStatus = "failed"
	CrawledFileSkipped    CrawledFileStatus = "skipped"
)

// CrawledFile records one URL fetched (or attempted) during a crawler
// execution. Rows cascade-delete with their execution.
type CrawledFile struct {
	ID          string            `json:"id" badgerhold:"key"`
	ExecutionID string            `json:"execution_id" badgerhold:"index"` // Crawler execution job
	URL         string            `json:"url"`
	Filename    string            `json:"filename"`
	FileType    string            `json:"file_type"` // pdf, html, css, js, image, ...
	MimeType    string            `json:"mime_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes"`
	MinioPath   string            `json:"minio_path,omitempty"`
	PublicURL   string            `json:"public_url,omitempty"`
	Status      CrawledFileStatus `json:"status"`
	Error       string            `json:"error,omitempty"`
	DownloadedAt time.Time        `json:"downloaded_at"`
}
