package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus represents the state of a job
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
	// Crawler-only states. A crawler job is a persistent configuration:
	// it is active (scheduled), paused, or stopped (terminal, unregistered).
	JobStatusActive  JobStatus = "active"
	JobStatusPaused  JobStatus = "paused"
	JobStatusStopped JobStatus = "stopped"
)

// JobType discriminates the single job table
type JobType string

const (
	JobTypeMain    JobType = "main"    // Top-level document-to-markdown request
	JobTypeSplit   JobType = "split"   // PDF split stage of a main job
	JobTypePage    JobType = "page"    // Per-page conversion stage
	JobTypeMerge   JobType = "merge"   // Markdown merge stage
	JobTypeCrawler JobType = "crawler" // Persistent crawler configuration or one of its executions
)

// SourceType identifies where a job's input comes from
type SourceType string

const (
	SourceTypeFile    SourceType = "file"
	SourceTypeURL     SourceType = "url"
	SourceTypeGDrive  SourceType = "gdrive"
	SourceTypeDropbox SourceType = "dropbox"
	SourceTypeCrawler SourceType = "crawler"
)

// IsTerminal reports whether a status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled, JobStatusStopped:
		return true
	}
	return false
}

// validTransitions enumerates the allowed status transitions.
// Everything else is rejected. queued -> failed covers tasks that die
// before ever processing: merge grace expiry and delivery exhaustion.
var validTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusActive:     {JobStatusPaused, JobStatusStopped},
	JobStatusPaused:     {JobStatusActive, JobStatusStopped},
}

// CanTransition reports whether from -> to is an allowed transition.
func CanTransition(from, to JobStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Job is the single polymorphic job record, discriminated by JobType.
// Pipeline-specific crawler fields are carried as JSON value objects so
// the row schema stays uniform across job types.
//
// Hierarchy:
//   - A main job owns its split, its N page children, and its merge child.
//   - A crawler job owns its execution children; executions own
//     CrawledFile rows and stored blobs.
//   - Children hold only ParentJobID; traversal goes through the store.
type Job struct {
	ID         string     `json:"id" badgerhold:"key"`
	UserID     string     `json:"user_id" badgerhold:"index"`
	JobType    JobType    `json:"job_type" badgerhold:"index"`
	Status     JobStatus  `json:"status" badgerhold:"index"`
	Progress   float64    `json:"progress"` // 0..100
	SourceType SourceType `json:"source_type"`
	SourceURL  string     `json:"source_url,omitempty"`
	// URLPattern is the wildcarded normalized source URL used for fuzzy
	// duplicate detection. Empty for non-URL sources.
	URLPattern  string `json:"url_pattern,omitempty" badgerhold:"index"`
	Name        string `json:"name"`
	ParentJobID string `json:"parent_job_id,omitempty" badgerhold:"index"`
	// Error contains a concise description of why the job failed.
	// Only populated when status is failed or cancelled. Truncated to 8 KB.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	// Version is the optimistic-concurrency column; bumped on every save.
	Version int64 `json:"version"`

	TotalPages     int `json:"total_pages"`
	PagesCompleted int `json:"pages_completed"`
	PagesFailed    int `json:"pages_failed"`

	MinioUploadPath string `json:"minio_upload_path,omitempty"`
	MinioResultPath string `json:"minio_result_path,omitempty"`

	// Crawler-only JSON blobs. Invariant: job_type=crawler implies
	// CrawlerConfig is present and valid; otherwise both are empty.
	CrawlerConfig   string `json:"crawler_config,omitempty"`
	CrawlerSchedule string `json:"crawler_schedule,omitempty"`

	// Execution-only fields (crawler execution children).
	FireInstant     time.Time          `json:"fire_instant,omitempty"`
	EngineUsed      CrawlerEngine      `json:"engine_used,omitempty"`
	ProxyUsed       bool               `json:"proxy_used"`
	RetryHistory    []RetryHistoryEntry `json:"retry_history,omitempty"`
	FilesDownloaded int                `json:"files_downloaded"`
	FilesFailed     int                `json:"files_failed"`
	LastHeartbeat   time.Time          `json:"last_heartbeat,omitempty"`
	// MergeNote records degraded-merge conditions, e.g. pages treated as
	// failed after the merge grace period expired.
	MergeNote string `json:"merge_note,omitempty"`
}

// SetCrawlerConfig marshals and stores the crawler config blob
func (j *Job) SetCrawlerConfig(config *CrawlerConfig) error {
	if config == nil {
		j.CrawlerConfig = ""
		return nil
	}
	data, err := json.Marshal(config)
	if err != nil {
		return err
	}
	j.CrawlerConfig = string(data)
	return nil
}

// GetCrawlerConfig unmarshals the crawler config blob
func (j *Job) GetCrawlerConfig() (*CrawlerConfig, error) {
	if j.CrawlerConfig == "" {
		return nil, nil
	}
	var config CrawlerConfig
	if err := json.Unmarshal([]byte(j.CrawlerConfig), &config); err != nil {
		return nil, fmt.Errorf("invalid crawler_config blob: %w", err)
	}
	return &config, nil
}

// SetCrawlerSchedule marshals and stores the crawler schedule blob
func (j *Job) SetCrawlerSchedule(schedule *CrawlerSchedule) error {
	if schedule == nil {
		j.CrawlerSchedule = ""
		return nil
	}
	data, err := json.Marshal(schedule)
	if err != nil {
		return err
	}
	j.CrawlerSchedule = string(data)
	return nil
}

// GetCrawlerSchedule unmarshals the crawler schedule blob
func (j *Job) GetCrawlerSchedule() (*CrawlerSchedule, error) {
	if j.CrawlerSchedule == "" {
		return nil, nil
	}
	var schedule CrawlerSchedule
	if err := json.Unmarshal([]byte(j.CrawlerSchedule), &schedule); err != nil {
		return nil, fmt.Errorf("invalid crawler_schedule blob: %w", err)
	}
	return &schedule, nil
}

// Touch bumps UpdatedAt and Version before a save.
func (j *Job) Touch() {
	j.UpdatedAt = time.Now().UTC()
	j.Version++
}
