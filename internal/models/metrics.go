package models

import "time"

// Progress-indexer stream names. The indexer is an append-only,
// observational projection; it is never consulted to decide job state.
const (
	StreamJobEvents        = "job-events"        // Terminal transitions and completed-job snapshots
	StreamExecutionMetrics = "execution-metrics" // Periodic samples during a running crawler execution
	StreamRetryMetrics     = "retry-metrics"     // One document per retry-engine attempt
)

// JobEventDoc is appended to the job-events stream on terminal
// transitions.
type JobEventDoc struct {
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id,omitempty"`
	JobType        JobType   `json:"job_type"`
	Status         JobStatus `json:"status"`
	Error          string    `json:"error,omitempty"`
	TotalPages     int       `json:"total_pages,omitempty"`
	PagesCompleted int       `json:"pages_completed,omitempty"`
	PagesFailed    int       `json:"pages_failed,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ExecutionMetricDoc is a periodic sample for a running crawler
// execution.
type ExecutionMetricDoc struct {
	ExecutionID      string    `json:"execution_id"`
	CrawlerJobID     string    `json:"crawler_job_id"`
	Progress         float64   `json:"progress"`
	PagesProcessed   int       `json:"pages_processed"`
	FilesProcessed   int       `json:"files_processed"`
	BytesDownloaded  int64     `json:"bytes_downloaded"`
	DownloadSpeedBps float64   `json:"download_speed_bps"`
	ErrorCount       int       `json:"error_count"`
	Timestamp        time.Time `json:"timestamp"`
}

// RetryMetricDoc records one retry-engine attempt.
type RetryMetricDoc struct {
	ExecutionID string           `json:"execution_id"`
	Attempt     int              `json:"attempt"`
	Engine      CrawlerEngine    `json:"engine"`
	UseProxy    bool             `json:"use_proxy"`
	Status      AttemptStatus    `json:"status"`
	ErrorType   AttemptErrorType `json:"error_type,omitempty"`
	DurationSec float64          `json:"duration_seconds"`
	Timestamp   time.Time        `json:"timestamp"`
}
