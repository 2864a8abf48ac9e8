package processor

import (
	"context"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/services/crawler"
)

// PDFService is the split-stage PDF capability.
type PDFService interface {
	PageCount(data []byte) (int, error)
	SplitPages(data []byte) ([][]byte, error)
}

// CrawlerExecutor runs one crawler execution end to end.
type CrawlerExecutor interface {
	Execute(ctx context.Context, execution *models.Job) (*crawler.RunResult, error)
}

// Processor hosts the task handlers behind the two queues. Every
// handler's first action is a status check so redelivered messages are
// harmless.
type Processor struct {
	storage   interfaces.StorageManager
	blobs     interfaces.BlobStore
	queues    interfaces.QueueManager
	indexer   interfaces.ProgressIndexer
	pdf       PDFService
	converter interfaces.Converter
	executor  CrawlerExecutor
	config    *common.PipelineConfig
	logger    arbor.ILogger
}

// NewProcessor creates the task processor
func NewProcessor(
	storage interfaces.StorageManager,
	blobs interfaces.BlobStore,
	queues interfaces.QueueManager,
	indexer interfaces.ProgressIndexer,
	pdf PDFService,
	converter interfaces.Converter,
	executor CrawlerExecutor,
	config *common.PipelineConfig,
	logger arbor.ILogger,
) *Processor {
	return &Processor{
		storage:   storage,
		blobs:     blobs,
		queues:    queues,
		indexer:   indexer,
		pdf:       pdf,
		converter: converter,
		executor:  executor,
		config:    config,
		logger:    logger,
	}
}

// markJobFailed transitions a job to failed with a truncated error.
// Safe on already-terminal jobs.
func (p *Processor) markJobFailed(ctx context.Context, jobID string, cause error) {
	job, err := p.storage.Jobs().UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = models.JobStatusFailed
		j.Error = common.TruncateError(cause.Error())
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to mark job failed")
		return
	}
	p.appendJobEvent(job)
}

// appendJobEvent mirrors a terminal transition to the job-events stream.
func (p *Processor) appendJobEvent(job *models.Job) {
	if p.indexer == nil || job == nil || !job.Status.IsTerminal() {
		return
	}
	p.indexer.AppendJobEvent(&models.JobEventDoc{
		JobID:          job.ID,
		UserID:         job.UserID,
		JobType:        job.JobType,
		Status:         job.Status,
		Error:          job.Error,
		TotalPages:     job.TotalPages,
		PagesCompleted: job.PagesCompleted,
		PagesFailed:    job.PagesFailed,
		Timestamp:      time.Now().UTC(),
	})
}
