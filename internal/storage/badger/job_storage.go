package badger

import (
	"context"
	"fmt"

	"github.com/agnivade/levenshtein"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// maxConflictRetries bounds the optimistic-concurrency retry loop in
// UpdateJob before surfacing Conflict to the caller.
const maxConflictRetries = 3

// maxSimilarDistance is the edit-distance ceiling for near-duplicate
// URL pattern matching in FindSimilar.
const maxSimilarDistance = 2

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.JobStorage {
	return &JobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return common.InvalidInputf("job is required")
	}
	if job.ID == "" {
		return common.InvalidInputf("job ID is required")
	}

	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NotFoundf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob applies mutate under optimistic concurrency. The update is
// committed only when the stored Version still matches the snapshot the
// mutation was computed from; a clash re-reads and retries.
func (s *JobStorage) UpdateJob(ctx context.Context, jobID string, mutate func(*models.Job) error) (*models.Job, error) {
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return nil, err
		}

		snapshot := job.Version
		if err := mutate(job); err != nil {
			return nil, err
		}
		job.Touch()

		matched := false
		err = s.db.Store().UpdateMatching(&models.Job{},
			badgerhold.Where("ID").Eq(jobID).And("Version").Eq(snapshot),
			func(record interface{}) error {
				current, ok := record.(*models.Job)
				if !ok {
					return fmt.Errorf("unexpected record type %T", record)
				}
				*current = *job
				matched = true
				return nil
			})
		if err != nil {
			return nil, fmt.Errorf("failed to update job: %w", err)
		}
		if matched {
			return job, nil
		}

		s.logger.Debug().
			Str("job_id", jobID).
			Int("attempt", attempt+1).
			Msg("Job version clash, retrying update")
	}

	return nil, common.Conflictf("job %s was modified concurrently", jobID)
}

// DeleteJob removes the job and cascades to child jobs, page rows, and
// crawled-file rows. Blob cleanup belongs to the jobs service.
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	children, err := s.GetChildJobs(ctx, jobID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := s.DeleteJob(ctx, child.ID); err != nil {
			return err
		}
	}

	if err := s.db.Store().DeleteMatching(&models.Page{}, badgerhold.Where("MainJobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete pages for job %s: %w", jobID, err)
	}
	if err := s.db.Store().DeleteMatching(&models.CrawledFile{}, badgerhold.Where("ExecutionID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete crawled files for job %s: %w", jobID, err)
	}

	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func (s *JobStorage) ListByUser(ctx context.Context, userID string, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("UserID").Eq(userID)
	query = applyListOptions(query, opts)

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) GetChildJobs(ctx context.Context, parentID string) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("ParentJobID").Eq(parentID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to get child jobs: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) FindCrawlerJobs(ctx context.Context, userID string, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("UserID").Eq(userID).And("JobType").Eq(models.JobTypeCrawler)
	query = applyListOptions(query, opts)

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find crawler jobs: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) FindActiveCrawlers(ctx context.Context) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("JobType").Eq(models.JobTypeCrawler).And("Status").Eq(models.JobStatusActive)
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find active crawlers: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) FindCrawlerExecutions(ctx context.Context, crawlerJobID string) ([]*models.Job, error) {
	var jobs []models.Job
	query := badgerhold.Where("ParentJobID").Eq(crawlerJobID).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to find crawler executions: %w", err)
	}
	return toPointers(jobs), nil
}

func (s *JobStorage) GetJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to get jobs by status: %w", err)
	}
	return toPointers(jobs), nil
}

// FindSimilar returns non-terminal jobs whose URL pattern matches the
// given pattern exactly or within a small edit distance. Used to attach
// duplicate warnings at admission; never blocks creation.
func (s *JobStorage) FindSimilar(ctx context.Context, urlPattern string) ([]*models.Job, error) {
	if urlPattern == "" {
		return nil, nil
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("URLPattern").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to scan for similar jobs: %w", err)
	}

	var similar []*models.Job
	for i := range jobs {
		if jobs[i].Status.IsTerminal() {
			continue
		}
		if levenshtein.ComputeDistance(jobs[i].URLPattern, urlPattern) <= maxSimilarDistance {
			similar = append(similar, &jobs[i])
		}
	}
	return similar, nil
}

func applyListOptions(query *badgerhold.Query, opts *interfaces.JobListOptions) *badgerhold.Query {
	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.Type != "" {
			query = query.And("JobType").Eq(opts.Type)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}
	return query
}

func toPointers(jobs []models.Job) []*models.Job {
	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result
}
