package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// HandleSplitPDF splits the uploaded document into per-page PDFs, fans
// out one conversion task per page, and enqueues the deferred merge.
// msg.JobID is the split child job.
func (p *Processor) HandleSplitPDF(ctx context.Context, msg *models.QueueMessage) error {
	jobs := p.storage.Jobs()

	split, err := jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if split.Status.IsTerminal() {
		p.logger.Debug().Str("job_id", split.ID).Str("status", string(split.Status)).Msg("Split already terminal, skipping")
		return nil
	}

	main, err := jobs.GetJob(ctx, split.ParentJobID)
	if err != nil {
		return err
	}
	if main.Status.IsTerminal() {
		p.cancelChild(ctx, split.ID, "parent job is "+string(main.Status))
		return nil
	}

	if _, err := jobs.UpdateJob(ctx, split.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusProcessing
			j.StartedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return err
	}
	if _, err := jobs.UpdateJob(ctx, main.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusProcessing
			j.StartedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return err
	}

	data, err := p.blobs.Get(ctx, interfaces.BucketUploads, main.MinioUploadPath)
	if err != nil {
		p.failPipeline(ctx, split.ID, main.ID, fmt.Errorf("failed to read uploaded document: %w", err))
		return err
	}

	pageCount, err := p.pdf.PageCount(data)
	if err != nil {
		p.failPipeline(ctx, split.ID, main.ID, err)
		return err
	}
	if pageCount > p.config.MaxPagesPerDocument {
		err := common.InvalidInputf("document has %d pages, limit is %d", pageCount, p.config.MaxPagesPerDocument)
		p.failPipeline(ctx, split.ID, main.ID, err)
		return err
	}

	pageData, err := p.pdf.SplitPages(data)
	if err != nil {
		p.failPipeline(ctx, split.ID, main.ID, err)
		return err
	}

	// A redelivered split starts over; stale children from the earlier
	// run would otherwise double the fan-out.
	if err := p.clearPriorSplit(ctx, main.ID); err != nil {
		return err
	}

	pageRows := make([]*models.Page, 0, pageCount)
	pageJobs := make([]*models.Job, 0, pageCount)
	for i, pagePDF := range pageData {
		pageNumber := i + 1
		key := fmt.Sprintf("%s/page_%d.pdf", main.ID, pageNumber)
		if _, err := p.blobs.Put(ctx, interfaces.BucketPages, key, pagePDF, "application/pdf"); err != nil {
			p.failPipeline(ctx, split.ID, main.ID, fmt.Errorf("failed to store page %d: %w", pageNumber, err))
			return err
		}

		pageJob := &models.Job{
			ID:          common.NewJobID(),
			UserID:      main.UserID,
			JobType:     models.JobTypePage,
			Status:      models.JobStatusQueued,
			ParentJobID: main.ID,
			SourceType:  main.SourceType,
			Name:        fmt.Sprintf("%s page %d", main.Name, pageNumber),
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		pageJobs = append(pageJobs, pageJob)
		pageRows = append(pageRows, &models.Page{
			ID:            common.NewPageID(),
			JobID:         pageJob.ID,
			PageNumber:    pageNumber,
			Status:        models.PageStatusQueued,
			MinioPagePath: key,
			UpdatedAt:     time.Now().UTC(),
		})
	}

	for _, pageJob := range pageJobs {
		if err := jobs.SaveJob(ctx, pageJob); err != nil {
			return err
		}
	}
	if err := p.storage.Pages().UpsertPages(ctx, main.ID, pageRows); err != nil {
		return err
	}

	if _, err := jobs.UpdateJob(ctx, main.ID, func(j *models.Job) error {
		j.TotalPages = pageCount
		j.PagesCompleted = 0
		j.PagesFailed = 0
		return nil
	}); err != nil {
		return err
	}

	conversion := p.queues.Queue(models.QueueConversion)
	for _, pageJob := range pageJobs {
		err := conversion.Enqueue(ctx, models.QueueMessage{
			Kind:  models.TaskConvertPage,
			JobID: pageJob.ID,
		}, nil)
		if err != nil {
			return err
		}
	}

	// The merge task defers itself until every page is terminal.
	mergeJob := &models.Job{
		ID:          common.NewJobID(),
		UserID:      main.UserID,
		JobType:     models.JobTypeMerge,
		Status:      models.JobStatusQueued,
		ParentJobID: main.ID,
		SourceType:  main.SourceType,
		Name:        main.Name + " merge",
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	if err := jobs.SaveJob(ctx, mergeJob); err != nil {
		return err
	}
	err = conversion.Enqueue(ctx, models.QueueMessage{
		Kind:  models.TaskMerge,
		JobID: mergeJob.ID,
	}, &interfaces.EnqueueOptions{DelaySeconds: p.mergeDelaySeconds()})
	if err != nil {
		return err
	}

	if _, err := jobs.UpdateJob(ctx, split.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.CompletedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return err
	}

	p.logger.Info().
		Str("job_id", main.ID).
		Int("pages", pageCount).
		Msg("Document split, page conversions enqueued")
	return nil
}

// clearPriorSplit removes page rows and page/merge child jobs left by
// an earlier interrupted run of the same split.
func (p *Processor) clearPriorSplit(ctx context.Context, mainID string) error {
	children, err := p.storage.Jobs().GetChildJobs(ctx, mainID)
	if err != nil {
		return err
	}
	for _, child := range children {
		if child.JobType != models.JobTypePage && child.JobType != models.JobTypeMerge {
			continue
		}
		if err := p.storage.Jobs().DeleteJob(ctx, child.ID); err != nil {
			return err
		}
	}
	return p.storage.Pages().DeletePages(ctx, mainID)
}

// failPipeline fails both the stage job and the owning main job.
func (p *Processor) failPipeline(ctx context.Context, stageID, mainID string, cause error) {
	p.markJobFailed(ctx, stageID, cause)
	p.markJobFailed(ctx, mainID, cause)
}

// cancelChild marks a stage job cancelled when its parent is terminal.
func (p *Processor) cancelChild(ctx context.Context, jobID, reason string) {
	_, err := p.storage.Jobs().UpdateJob(ctx, jobID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.Status = models.JobStatusCancelled
		j.Error = reason
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", jobID).Err(err).Msg("Failed to cancel stage job")
	}
}

func (p *Processor) mergeDelaySeconds() int {
	delay := int(p.config.MergeRetryDelay / time.Second)
	if delay < 1 {
		delay = 1
	}
	return delay
}
