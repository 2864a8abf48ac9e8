package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// DuplicateWarning flags an existing non-terminal job with the same or
// a near-identical URL pattern. Warnings never block admission.
type DuplicateWarning struct {
	JobID   string           `json:"job_id"`
	Name    string           `json:"name"`
	Status  models.JobStatus `json:"status"`
	Pattern string           `json:"pattern"`
}

// CreateJobRequest admits an uploaded document into the conversion
// pipeline.
type CreateJobRequest struct {
	UserID   string
	Name     string
	FileData []byte
	// SourceURL is optional provenance for fetched documents; when set
	// it participates in duplicate detection.
	SourceURL string
}

// CreateCrawlerRequest admits a persistent crawler configuration.
type CreateCrawlerRequest struct {
	UserID    string
	Name      string
	SourceURL string
	Config    *models.CrawlerConfig
	Schedule  *models.CrawlerSchedule
}

// ExecutionProgress is the live view of one crawler execution.
type ExecutionProgress struct {
	ExecutionID     string                     `json:"execution_id"`
	Status          models.JobStatus           `json:"status"`
	Progress        float64                    `json:"progress"`
	EngineUsed      models.CrawlerEngine       `json:"engine_used,omitempty"`
	ProxyUsed       bool                       `json:"proxy_used"`
	FilesDownloaded int                        `json:"files_downloaded"`
	FilesFailed     int                        `json:"files_failed"`
	LastHeartbeat   time.Time                  `json:"last_heartbeat,omitempty"`
	Error           string                     `json:"error,omitempty"`
	RetryHistory    []models.RetryHistoryEntry `json:"retry_history,omitempty"`
	Files           []*models.CrawledFile      `json:"files,omitempty"`
}

// Service is the operation surface an API layer would sit on. Every
// operation is idempotent: repeating a call after a partial failure
// converges on the same state.
type Service struct {
	storage   interfaces.StorageManager
	blobs     interfaces.BlobStore
	queues    interfaces.QueueManager
	scheduler interfaces.SchedulerService
	indexer   interfaces.ProgressIndexer
	config    *common.PipelineConfig
	logger    arbor.ILogger
}

func NewService(
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	queues interfaces.QueueManager,
	scheduler interfaces.SchedulerService,
	indexer interfaces.ProgressIndexer,
	config *common.PipelineConfig,
	logger arbor.ILogger,
) *Service {
	return &Service{
		storage:   storage,
		blobs:     blobs,
		queues:    queues,
		scheduler: scheduler,
		indexer:   indexer,
		config:    config,
		logger:    logger,
	}
}

// CreateJob stores the uploaded document, creates the main job with its
// split child, and enqueues the split task. Duplicate matches come back
// as warnings alongside the created job.
func (s *Service) CreateJob(ctx context.Context, req *CreateJobRequest) (*models.Job, []DuplicateWarning, error) {
	if req.UserID == "" {
		return nil, nil, common.InvalidInputf("user_id is required")
	}
	if req.Name == "" {
		return nil, nil, common.InvalidInputf("name is required")
	}
	if len(req.FileData) == 0 {
		return nil, nil, common.InvalidInputf("document data is required")
	}

	sourceURL, pattern := "", ""
	var warnings []DuplicateWarning
	if req.SourceURL != "" {
		var err error
		sourceURL, err = common.NormalizeURL(req.SourceURL)
		if err != nil {
			return nil, nil, err
		}
		pattern, err = common.URLPattern(req.SourceURL)
		if err != nil {
			return nil, nil, err
		}
		warnings = s.similarJobs(ctx, pattern)
	}

	now := time.Now().UTC()
	main := &models.Job{
		ID:         common.NewJobID(),
		UserID:     req.UserID,
		JobType:    models.JobTypeMain,
		Status:     models.JobStatusQueued,
		SourceType: models.SourceTypeFile,
		SourceURL:  sourceURL,
		URLPattern: pattern,
		Name:       req.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	main.MinioUploadPath = main.ID + "/" + path.Base(req.Name)

	if _, err := s.blobs.Put(ctx, interfaces.BucketUploads, main.MinioUploadPath, req.FileData, "application/pdf"); err != nil {
		return nil, nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if err := s.storage.Jobs().SaveJob(ctx, main); err != nil {
		return nil, nil, err
	}

	split := &models.Job{
		ID:          common.NewJobID(),
		UserID:      req.UserID,
		JobType:     models.JobTypeSplit,
		Status:      models.JobStatusQueued,
		ParentJobID: main.ID,
		SourceType:  models.SourceTypeFile,
		Name:        req.Name + " split",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.storage.Jobs().SaveJob(ctx, split); err != nil {
		return nil, nil, err
	}

	err := s.queues.Queue(models.QueueForTask(models.TaskSplitPDF)).Enqueue(ctx, models.QueueMessage{
		Kind:  models.TaskSplitPDF,
		JobID: split.ID,
	}, nil)
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info().
		Str("job_id", main.ID).
		Str("user_id", req.UserID).
		Str("name", req.Name).
		Int("warnings", len(warnings)).
		Msg("Job created")
	return main, warnings, nil
}

// GetJob returns a job the user owns.
func (s *Service) GetJob(ctx context.Context, userID, jobID string) (*models.Job, error) {
	job, err := s.storage.Jobs().GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != userID {
		return nil, common.NotFoundf("job %s", jobID)
	}
	return job, nil
}

// ListJobs returns the user's jobs, newest first.
func (s *Service) ListJobs(ctx context.Context, userID string, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.storage.Jobs().ListByUser(ctx, userID, opts)
}

// CancelJob cancels a non-terminal job and its non-terminal children.
// Cancelling an already-terminal job is a no-op. A crawler job is
// stopped instead: unregistered from the scheduler, terminal.
func (s *Service) CancelJob(ctx context.Context, userID, jobID string) error {
	job, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	if job.JobType == models.JobTypeCrawler && job.ParentJobID == "" {
		if err := s.scheduler.UnregisterCrawler(ctx, job.ID); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to unregister crawler on cancel")
		}
		_, err := s.storage.Jobs().UpdateJob(ctx, job.ID, func(j *models.Job) error {
			if !j.Status.IsTerminal() {
				j.Status = models.JobStatusStopped
			}
			return nil
		})
		return err
	}

	if _, err := s.storage.Jobs().UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if !j.Status.IsTerminal() {
			j.Status = models.JobStatusCancelled
			j.Error = "cancelled by user"
			j.CompletedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return err
	}

	children, err := s.storage.Jobs().GetChildJobs(ctx, job.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.Status.IsTerminal() {
			continue
		}
		if _, err := s.storage.Jobs().UpdateJob(ctx, child.ID, func(j *models.Job) error {
			if !j.Status.IsTerminal() {
				j.Status = models.JobStatusCancelled
				j.Error = "parent job cancelled"
				j.CompletedAt = time.Now().UTC()
			}
			return nil
		}); err != nil {
			return err
		}
	}

	s.logger.Info().Str("job_id", job.ID).Msg("Job cancelled")
	return nil
}

// DeleteJob cancels the job if needed, deletes its blobs across all
// buckets, and cascade-deletes the records.
func (s *Service) DeleteJob(ctx context.Context, userID, jobID string) error {
	job, err := s.GetJob(ctx, userID, jobID)
	if err != nil {
		return err
	}
	if err := s.CancelJob(ctx, userID, jobID); err != nil {
		return err
	}

	prefix := job.ID + "/"
	for _, bucket := range []string{interfaces.BucketUploads, interfaces.BucketPages, interfaces.BucketResults} {
		if err := s.blobs.DeletePrefix(ctx, bucket, prefix); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Str("bucket", bucket).Err(err).Msg("Blob cleanup failed on delete")
		}
	}

	if job.JobType == models.JobTypeCrawler && job.ParentJobID == "" {
		executions, err := s.storage.Jobs().FindCrawlerExecutions(ctx, job.ID)
		if err != nil {
			return err
		}
		for _, execution := range executions {
			if err := s.blobs.DeletePrefix(ctx, interfaces.BucketCrawled, execution.ID+"/"); err != nil {
				s.logger.Warn().Str("execution_id", execution.ID).Err(err).Msg("Blob cleanup failed on delete")
			}
		}
	}

	if err := s.storage.Jobs().DeleteJob(ctx, job.ID); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", job.ID).Msg("Job deleted")
	return nil
}

// CreateCrawler admits a persistent crawler and registers its schedule.
// Duplicate matches come back as warnings.
func (s *Service) CreateCrawler(ctx context.Context, req *CreateCrawlerRequest) (*models.Job, []DuplicateWarning, error) {
	if req.UserID == "" {
		return nil, nil, common.InvalidInputf("user_id is required")
	}
	if req.Name == "" {
		return nil, nil, common.InvalidInputf("name is required")
	}
	if req.Config == nil {
		return nil, nil, common.InvalidInputf("crawler config is required")
	}
	if err := req.Config.Validate(); err != nil {
		return nil, nil, common.InvalidInputf("crawler config: %v", err)
	}
	if req.Schedule == nil {
		return nil, nil, common.InvalidInputf("crawler schedule is required")
	}
	if err := req.Schedule.Validate(); err != nil {
		return nil, nil, common.InvalidInputf("crawler schedule: %v", err)
	}
	if req.Schedule.Type == models.ScheduleTypeRecurring {
		if err := common.ValidateCronSchedule(req.Schedule.CronExpression); err != nil {
			return nil, nil, err
		}
	}

	sourceURL, err := common.NormalizeURL(req.SourceURL)
	if err != nil {
		return nil, nil, err
	}
	pattern, err := common.URLPattern(req.SourceURL)
	if err != nil {
		return nil, nil, err
	}
	warnings := s.similarJobs(ctx, pattern)

	now := time.Now().UTC()
	job := &models.Job{
		ID:         common.NewJobID(),
		UserID:     req.UserID,
		JobType:    models.JobTypeCrawler,
		Status:     models.JobStatusActive,
		SourceType: models.SourceTypeCrawler,
		SourceURL:  sourceURL,
		URLPattern: pattern,
		Name:       req.Name,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := job.SetCrawlerConfig(req.Config); err != nil {
		return nil, nil, err
	}
	if err := job.SetCrawlerSchedule(req.Schedule); err != nil {
		return nil, nil, err
	}
	if err := s.storage.Jobs().SaveJob(ctx, job); err != nil {
		return nil, nil, err
	}

	if err := s.scheduler.RegisterCrawler(ctx, job); err != nil {
		// Keep admission atomic: a crawler that cannot be scheduled is
		// not admitted.
		if delErr := s.storage.Jobs().DeleteJob(ctx, job.ID); delErr != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(delErr).Msg("Failed to roll back unschedulable crawler")
		}
		return nil, nil, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("url", sourceURL).
		Str("schedule", string(req.Schedule.Type)).
		Int("warnings", len(warnings)).
		Msg("Crawler created")
	return job, warnings, nil
}

// UpdateCrawler replaces the crawler's config and/or schedule and
// reinstalls the schedule. Nil fields keep their current value.
func (s *Service) UpdateCrawler(ctx context.Context, userID, crawlerJobID string, config *models.CrawlerConfig, schedule *models.CrawlerSchedule) (*models.Job, error) {
	job, err := s.getCrawler(ctx, userID, crawlerJobID)
	if err != nil {
		return nil, err
	}

	if config != nil {
		if err := config.Validate(); err != nil {
			return nil, common.InvalidInputf("crawler config: %v", err)
		}
	}
	if schedule != nil {
		if err := schedule.Validate(); err != nil {
			return nil, common.InvalidInputf("crawler schedule: %v", err)
		}
		if schedule.Type == models.ScheduleTypeRecurring {
			if err := common.ValidateCronSchedule(schedule.CronExpression); err != nil {
				return nil, err
			}
		}
	}

	job, err = s.storage.Jobs().UpdateJob(ctx, job.ID, func(j *models.Job) error {
		if config != nil {
			if err := j.SetCrawlerConfig(config); err != nil {
				return err
			}
		}
		if schedule != nil {
			if err := j.SetCrawlerSchedule(schedule); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Status == models.JobStatusActive {
		if err := s.scheduler.UpdateCrawler(ctx, job); err != nil {
			return nil, err
		}
		job, err = s.storage.Jobs().GetJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
	}
	return job, nil
}

// PauseCrawler suspends firing; the configuration stays.
func (s *Service) PauseCrawler(ctx context.Context, userID, crawlerJobID string) error {
	if _, err := s.getCrawler(ctx, userID, crawlerJobID); err != nil {
		return err
	}
	return s.scheduler.PauseCrawler(ctx, crawlerJobID)
}

// ResumeCrawler reactivates a paused crawler.
func (s *Service) ResumeCrawler(ctx context.Context, userID, crawlerJobID string) error {
	if _, err := s.getCrawler(ctx, userID, crawlerJobID); err != nil {
		return err
	}
	return s.scheduler.ResumeCrawler(ctx, crawlerJobID)
}

// RunCrawlerNow dispatches a manual execution, bypassing the schedule.
// Works on active and paused crawlers. Returns the execution job.
func (s *Service) RunCrawlerNow(ctx context.Context, userID, crawlerJobID string) (*models.Job, error) {
	crawlerJob, err := s.getCrawler(ctx, userID, crawlerJobID)
	if err != nil {
		return nil, err
	}
	if crawlerJob.Status.IsTerminal() {
		return nil, common.InvalidInputf("crawler %s is %s", crawlerJob.ID, crawlerJob.Status)
	}

	now := time.Now().UTC()
	execution := &models.Job{
		ID:            common.NewJobID(),
		UserID:        crawlerJob.UserID,
		JobType:       models.JobTypeCrawler,
		Status:        models.JobStatusQueued,
		ParentJobID:   crawlerJob.ID,
		SourceType:    models.SourceTypeCrawler,
		SourceURL:     crawlerJob.SourceURL,
		Name:          crawlerJob.Name + " execution",
		CrawlerConfig: crawlerJob.CrawlerConfig,
		FireInstant:   now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.storage.Jobs().SaveJob(ctx, execution); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(&models.ExecuteCrawlerPayload{
		CrawlerJobID:   crawlerJob.ID,
		ExecutionJobID: execution.ID,
		FireInstant:    now,
		Manual:         true,
	})
	if err != nil {
		return nil, err
	}
	err = s.queues.Queue(models.QueueForTask(models.TaskExecuteCrawler)).Enqueue(ctx, models.QueueMessage{
		Kind:    models.TaskExecuteCrawler,
		JobID:   crawlerJob.ID,
		Payload: payload,
	}, nil)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("crawler_id", crawlerJob.ID).
		Str("execution_id", execution.ID).
		Msg("Manual crawler execution dispatched")
	return execution, nil
}

// ListExecutions returns the crawler's execution history, newest first.
func (s *Service) ListExecutions(ctx context.Context, userID, crawlerJobID string) ([]*models.Job, error) {
	if _, err := s.getCrawler(ctx, userID, crawlerJobID); err != nil {
		return nil, err
	}
	return s.storage.Jobs().FindCrawlerExecutions(ctx, crawlerJobID)
}

// GetExecutionProgress returns the live view of one execution including
// its crawled files.
func (s *Service) GetExecutionProgress(ctx context.Context, userID, executionID string) (*ExecutionProgress, error) {
	execution, err := s.GetJob(ctx, userID, executionID)
	if err != nil {
		return nil, err
	}
	if execution.JobType != models.JobTypeCrawler || execution.ParentJobID == "" {
		return nil, common.InvalidInputf("job %s is not a crawler execution", executionID)
	}

	files, err := s.storage.CrawledFiles().GetCrawledFiles(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	return &ExecutionProgress{
		ExecutionID:     execution.ID,
		Status:          execution.Status,
		Progress:        execution.Progress,
		EngineUsed:      execution.EngineUsed,
		ProxyUsed:       execution.ProxyUsed,
		FilesDownloaded: execution.FilesDownloaded,
		FilesFailed:     execution.FilesFailed,
		LastHeartbeat:   execution.LastHeartbeat,
		Error:           execution.Error,
		RetryHistory:    execution.RetryHistory,
		Files:           files,
	}, nil
}

// RetryPage supersedes a failed page with a fresh page job and row and
// re-runs the merge once the new page is terminal. Valid only while the
// page is failed with retry budget left.
func (s *Service) RetryPage(ctx context.Context, userID, pageJobID string) (string, error) {
	pageJob, err := s.GetJob(ctx, userID, pageJobID)
	if err != nil {
		return "", err
	}
	if pageJob.JobType != models.JobTypePage {
		return "", common.InvalidInputf("job %s is not a page job", pageJobID)
	}

	row, err := s.storage.Pages().GetPageByJob(ctx, pageJob.ID)
	if err != nil {
		return "", err
	}
	if row.Status != models.PageStatusFailed {
		return "", common.InvalidInputf("page %d is %s, only failed pages can be retried", row.PageNumber, row.Status)
	}
	if row.RetryCount >= models.MaxPageRetries {
		return "", common.InvalidInputf("page %d has exhausted its %d retries", row.PageNumber, models.MaxPageRetries)
	}

	main, err := s.storage.Jobs().GetJob(ctx, pageJob.ParentJobID)
	if err != nil {
		return "", err
	}
	if main.Status == models.JobStatusCancelled {
		return "", common.InvalidInputf("job %s is cancelled", main.ID)
	}

	row.RetryCount++
	row.UpdatedAt = time.Now().UTC()
	if err := s.storage.Pages().UpdatePage(ctx, row); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	newPageJob := &models.Job{
		ID:          common.NewJobID(),
		UserID:      main.UserID,
		JobType:     models.JobTypePage,
		Status:      models.JobStatusQueued,
		ParentJobID: main.ID,
		SourceType:  main.SourceType,
		Name:        fmt.Sprintf("%s page %d retry %d", main.Name, row.PageNumber, row.RetryCount),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.storage.Jobs().SaveJob(ctx, newPageJob); err != nil {
		return "", err
	}
	// The fresh row supersedes the failed one: newer UpdatedAt, same
	// page number. Aggregation always takes the newest row per page.
	newRow := &models.Page{
		ID:            common.NewPageID(),
		JobID:         newPageJob.ID,
		PageNumber:    row.PageNumber,
		Status:        models.PageStatusQueued,
		MinioPagePath: row.MinioPagePath,
		RetryCount:    row.RetryCount,
		UpdatedAt:     now.Add(time.Millisecond),
	}
	if err := s.storage.Pages().UpsertPages(ctx, main.ID, []*models.Page{newRow}); err != nil {
		return "", err
	}

	// Reopen a completed main so the re-run merge can close it again.
	if _, err := s.storage.Jobs().UpdateJob(ctx, main.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusCompleted || j.Status == models.JobStatusFailed {
			j.Status = models.JobStatusProcessing
			j.CompletedAt = time.Time{}
		}
		return nil
	}); err != nil {
		return "", err
	}

	conversion := s.queues.Queue(models.QueueForTask(models.TaskConvertPage))
	err = conversion.Enqueue(ctx, models.QueueMessage{
		Kind:  models.TaskConvertPage,
		JobID: newPageJob.ID,
	}, nil)
	if err != nil {
		return "", err
	}

	mergeJob := &models.Job{
		ID:          common.NewJobID(),
		UserID:      main.UserID,
		JobType:     models.JobTypeMerge,
		Status:      models.JobStatusQueued,
		ParentJobID: main.ID,
		SourceType:  main.SourceType,
		Name:        main.Name + " merge",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.storage.Jobs().SaveJob(ctx, mergeJob); err != nil {
		return "", err
	}
	delay := int(s.config.MergeRetryDelay / time.Second)
	if delay < 1 {
		delay = 1
	}
	err = conversion.Enqueue(ctx, models.QueueMessage{
		Kind:  models.TaskMerge,
		JobID: mergeJob.ID,
	}, &interfaces.EnqueueOptions{DelaySeconds: delay})
	if err != nil {
		return "", err
	}

	s.logger.Info().
		Str("job_id", main.ID).
		Str("old_page_job", pageJob.ID).
		Str("new_page_job", newPageJob.ID).
		Int("page", row.PageNumber).
		Int("retry", row.RetryCount).
		Msg("Page retry dispatched")
	return newPageJob.ID, nil
}

// FailAbandonedTask marks the job behind an undeliverable task failed.
// Invoked by the queue when a message exhausts its delivery budget. A
// dead split or merge task strands the whole pipeline, so the parent
// main job fails with it; a dead page task leaves the main job alone
// and is absorbed by the merge grace period.
func (s *Service) FailAbandonedTask(ctx context.Context, msg models.QueueMessage, reason string) {
	cause := "task abandoned: " + reason

	switch msg.Kind {
	case models.TaskSplitPDF, models.TaskConvertPage, models.TaskMerge:
		job := s.failJob(ctx, msg.JobID, cause)
		if job != nil && job.ParentJobID != "" && msg.Kind != models.TaskConvertPage {
			s.failJob(ctx, job.ParentJobID, cause)
		}
	case models.TaskExecuteCrawler:
		var payload models.ExecuteCrawlerPayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.ExecutionJobID == "" {
			// A scheduler trigger with no pre-created execution leaves
			// nothing to fail; the crawler itself stays registered.
			return
		}
		s.failJob(ctx, payload.ExecutionJobID, cause)
	}
}

// failJob transitions one job to failed unless it is already terminal.
func (s *Service) failJob(ctx context.Context, jobID, cause string) *models.Job {
	job, err := s.storage.Jobs().UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = models.JobStatusFailed
		j.Error = common.TruncateError(cause)
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		s.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to fail abandoned job")
		return nil
	}
	return job
}

// CleanupOrphanedJobs fails pipeline jobs left processing by a crashed
// process. Called once on boot, before the workers start.
func (s *Service) CleanupOrphanedJobs(ctx context.Context) (int, error) {
	orphans, err := s.storage.Jobs().GetJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, job := range orphans {
		_, err := s.storage.Jobs().UpdateJob(ctx, job.ID, func(j *models.Job) error {
			if j.Status != models.JobStatusProcessing {
				return nil
			}
			j.Status = models.JobStatusFailed
			j.Error = "interrupted by process restart"
			j.CompletedAt = time.Now().UTC()
			return nil
		})
		if err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to fail orphaned job")
			continue
		}
		failed++
	}
	if failed > 0 {
		s.logger.Info().Int("count", failed).Msg("Orphaned jobs failed on startup")
	}
	return failed, nil
}

// SweepExpiredResults deletes result blobs for main jobs completed
// longer ago than the retention period. The job record stays; only the
// stored markdown is reclaimed.
func (s *Service) SweepExpiredResults(ctx context.Context) (int, error) {
	if s.config.ResultTTL <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-s.config.ResultTTL)

	completed, err := s.storage.Jobs().GetJobsByStatus(ctx, models.JobStatusCompleted)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, job := range completed {
		if job.JobType != models.JobTypeMain || job.MinioResultPath == "" || job.CompletedAt.After(cutoff) {
			continue
		}
		if err := s.blobs.DeletePrefix(ctx, interfaces.BucketResults, job.ID+"/"); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Result sweep failed for job")
			continue
		}
		if _, err := s.storage.Jobs().UpdateJob(ctx, job.ID, func(j *models.Job) error {
			j.MinioResultPath = ""
			return nil
		}); err != nil {
			s.logger.Warn().Str("job_id", job.ID).Err(err).Msg("Failed to clear swept result path")
			continue
		}
		swept++
	}
	if swept > 0 {
		s.logger.Info().Int("count", swept).Msg("Expired results swept")
	}
	return swept, nil
}

// similarJobs runs duplicate detection for a URL pattern. Failures are
// logged and swallowed: duplicate detection never blocks admission.
func (s *Service) similarJobs(ctx context.Context, pattern string) []DuplicateWarning {
	if pattern == "" {
		return nil
	}
	matches, err := s.storage.Jobs().FindSimilar(ctx, pattern)
	if err != nil {
		s.logger.Warn().Str("pattern", pattern).Err(err).Msg("Duplicate detection failed")
		return nil
	}
	warnings := make([]DuplicateWarning, 0, len(matches))
	for _, match := range matches {
		warnings = append(warnings, DuplicateWarning{
			JobID:   match.ID,
			Name:    match.Name,
			Status:  match.Status,
			Pattern: match.URLPattern,
		})
	}
	return warnings
}

func (s *Service) getCrawler(ctx context.Context, userID, crawlerJobID string) (*models.Job, error) {
	job, err := s.GetJob(ctx, userID, crawlerJobID)
	if err != nil {
		return nil, err
	}
	if job.JobType != models.JobTypeCrawler || job.ParentJobID != "" {
		return nil, common.InvalidInputf("job %s is not a crawler", crawlerJobID)
	}
	return job, nil
}
