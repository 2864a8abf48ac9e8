package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// HandleConvertPage converts one page PDF to markdown. msg.JobID is the
// page job; the page row is addressed through it. Short markdown is
// stored inline on the row, long markdown goes to the results bucket
// with a pointer.
func (p *Processor) HandleConvertPage(ctx context.Context, msg *models.QueueMessage) error {
	jobs := p.storage.Jobs()
	pages := p.storage.Pages()

	pageJob, err := jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if pageJob.Status.IsTerminal() {
		p.logger.Debug().Str("job_id", pageJob.ID).Str("status", string(pageJob.Status)).Msg("Page job already terminal, skipping")
		return nil
	}

	row, err := pages.GetPageByJob(ctx, pageJob.ID)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() {
		p.finishPageJob(ctx, pageJob.ID, row.Status)
		return nil
	}

	main, err := jobs.GetJob(ctx, pageJob.ParentJobID)
	if err != nil {
		return err
	}
	if main.Status.IsTerminal() {
		p.cancelChild(ctx, pageJob.ID, "parent job is "+string(main.Status))
		return nil
	}

	if _, err := jobs.UpdateJob(ctx, pageJob.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusProcessing
			j.StartedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return err
	}
	row.Status = models.PageStatusProcessing
	row.UpdatedAt = time.Now().UTC()
	if err := pages.UpdatePage(ctx, row); err != nil {
		return err
	}

	data, err := p.blobs.Get(ctx, interfaces.BucketPages, row.MinioPagePath)
	if err != nil {
		return p.pageFailed(ctx, row, pageJob.ID, main.ID, fmt.Errorf("failed to read page blob: %w", err), false)
	}

	markdown, _, err := p.converter.Convert(ctx, data, "pdf")
	if err != nil {
		retryable := errors.Is(err, interfaces.ErrConvertTimeout)
		return p.pageFailed(ctx, row, pageJob.ID, main.ID, err, retryable)
	}

	if len(markdown) <= p.config.InlineMarkdownLimit {
		row.MarkdownContent = markdown
		row.MarkdownBlobPath = ""
	} else {
		key := fmt.Sprintf("%s/pages/page_%d.md", main.ID, row.PageNumber)
		if _, err := p.blobs.Put(ctx, interfaces.BucketResults, key, []byte(markdown), "text/markdown; charset=utf-8"); err != nil {
			return p.pageFailed(ctx, row, pageJob.ID, main.ID, fmt.Errorf("failed to store page markdown: %w", err), true)
		}
		row.MarkdownContent = ""
		row.MarkdownBlobPath = key
	}

	row.Status = models.PageStatusCompleted
	row.Error = ""
	row.UpdatedAt = time.Now().UTC()
	if err := pages.UpdatePage(ctx, row); err != nil {
		return err
	}
	p.finishPageJob(ctx, pageJob.ID, models.PageStatusCompleted)
	p.bumpMainCounters(ctx, main.ID)

	p.logger.Info().
		Str("job_id", pageJob.ID).
		Str("main_job_id", main.ID).
		Int("page", row.PageNumber).
		Int("markdown_bytes", len(markdown)).
		Msg("Page converted")
	return nil
}

// pageFailed handles a conversion failure. Retryable failures consume
// one retry and requeue via redelivery while budget remains; everything
// else is terminal for the page (not for the main job).
func (p *Processor) pageFailed(ctx context.Context, row *models.Page, pageJobID, mainID string, cause error, retryable bool) error {
	row.UpdatedAt = time.Now().UTC()

	if retryable && row.RetryCount < models.MaxPageRetries-1 {
		row.RetryCount++
		row.Status = models.PageStatusQueued
		row.Error = common.TruncateError(cause.Error())
		if err := p.storage.Pages().UpdatePage(ctx, row); err != nil {
			return err
		}
		// Back to queued so the redelivered message starts clean.
		_, err := p.storage.Jobs().UpdateJob(ctx, pageJobID, func(j *models.Job) error {
			j.Status = models.JobStatusQueued
			return nil
		})
		if err != nil {
			return err
		}
		return common.Transientf("page %d conversion failed (retry %d of %d): %v", row.PageNumber, row.RetryCount, models.MaxPageRetries, cause)
	}

	row.Status = models.PageStatusFailed
	row.Error = common.TruncateError(cause.Error())
	if err := p.storage.Pages().UpdatePage(ctx, row); err != nil {
		return err
	}
	p.markJobFailed(ctx, pageJobID, cause)
	p.bumpMainCounters(ctx, mainID)

	p.logger.Warn().
		Str("job_id", pageJobID).
		Int("page", row.PageNumber).
		Err(cause).
		Msg("Page conversion failed terminally")
	return nil
}

// finishPageJob aligns the page job's status with its row.
func (p *Processor) finishPageJob(ctx context.Context, pageJobID string, status models.PageStatus) {
	_, err := p.storage.Jobs().UpdateJob(ctx, pageJobID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		if status == models.PageStatusCompleted {
			j.Status = models.JobStatusCompleted
			j.Progress = 100
		} else {
			j.Status = models.JobStatusFailed
		}
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", pageJobID).Err(err).Msg("Failed to finish page job")
	}
}

// bumpMainCounters recomputes the main job's page counters and progress
// from the rows.
func (p *Processor) bumpMainCounters(ctx context.Context, mainID string) {
	rows, err := p.storage.Pages().GetPages(ctx, mainID, nil)
	if err != nil {
		p.logger.Warn().Str("job_id", mainID).Err(err).Msg("Failed to read pages for counter update")
		return
	}
	rows = currentRows(rows)

	completed, failed := 0, 0
	for _, row := range rows {
		switch row.Status {
		case models.PageStatusCompleted:
			completed++
		case models.PageStatusFailed:
			failed++
		}
	}

	_, err = p.storage.Jobs().UpdateJob(ctx, mainID, func(j *models.Job) error {
		if j.Status.IsTerminal() {
			return nil
		}
		j.PagesCompleted = completed
		j.PagesFailed = failed
		if j.TotalPages > 0 {
			// Conversion owns the 10..90 band; merge takes it to 100.
			j.Progress = 10 + float64(completed+failed)/float64(j.TotalPages)*80
		}
		return nil
	})
	if err != nil {
		p.logger.Warn().Str("job_id", mainID).Err(err).Msg("Failed to update main job counters")
	}
}
