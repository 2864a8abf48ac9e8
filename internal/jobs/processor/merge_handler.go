package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// HandleMerge assembles the per-page markdown into the final result.
// While pages are still pending it defers itself with a short-delay
// re-enqueue; once the grace period since the last page activity
// expires, stragglers are treated as failed and the merge proceeds.
func (p *Processor) HandleMerge(ctx context.Context, msg *models.QueueMessage) error {
	jobs := p.storage.Jobs()

	merge, err := jobs.GetJob(ctx, msg.JobID)
	if err != nil {
		return err
	}
	if merge.Status.IsTerminal() {
		p.logger.Debug().Str("job_id", merge.ID).Str("status", string(merge.Status)).Msg("Merge already terminal, skipping")
		return nil
	}

	main, err := jobs.GetJob(ctx, merge.ParentJobID)
	if err != nil {
		return err
	}
	if main.Status.IsTerminal() {
		p.cancelChild(ctx, merge.ID, "parent job is "+string(main.Status))
		return nil
	}

	rows, err := p.storage.Pages().GetPages(ctx, main.ID, nil)
	if err != nil {
		return err
	}
	rows = currentRows(rows)
	if len(rows) == 0 {
		cause := common.Fatalf("no pages recorded for job %s", main.ID)
		p.failPipeline(ctx, merge.ID, main.ID, cause)
		return cause
	}

	var mergeNote string
	if pending := pendingPages(rows); pending > 0 {
		if !p.graceExpired(rows, merge.CreatedAt) {
			return p.deferMerge(ctx, merge.ID, pending)
		}
		mergeNote = p.failStragglers(ctx, rows)
	}

	if _, err := jobs.UpdateJob(ctx, merge.ID, func(j *models.Job) error {
		if j.Status == models.JobStatusQueued {
			j.Status = models.JobStatusProcessing
			j.StartedAt = time.Now().UTC()
		}
		return nil
	}); err != nil {
		return err
	}

	// Re-read rows: failStragglers may have changed them.
	rows, err = p.storage.Pages().GetPages(ctx, main.ID, nil)
	if err != nil {
		return err
	}
	rows = currentRows(rows)

	var parts []string
	completed, failed := 0, 0
	for _, row := range rows {
		switch row.Status {
		case models.PageStatusCompleted:
			markdown, err := p.pageMarkdown(ctx, row)
			if err != nil {
				cause := fmt.Errorf("failed to load markdown for page %d: %w", row.PageNumber, err)
				p.failPipeline(ctx, merge.ID, main.ID, cause)
				return cause
			}
			parts = append(parts, markdown)
			completed++
		case models.PageStatusFailed:
			failed++
		}
	}

	if completed == 0 {
		cause := common.Fatalf("all %d pages failed", len(rows))
		p.failPipeline(ctx, merge.ID, main.ID, cause)
		return cause
	}

	result := strings.Join(parts, "\n\n")
	resultKey := main.ID + "/result.md"
	if _, err := p.blobs.Put(ctx, interfaces.BucketResults, resultKey, []byte(result), "text/markdown; charset=utf-8"); err != nil {
		return common.Transientf("failed to store merged result: %v", err)
	}

	if _, err := jobs.UpdateJob(ctx, merge.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.CompletedAt = time.Now().UTC()
		return nil
	}); err != nil {
		return err
	}

	// Partial page failure still completes the main job; only split,
	// merge, or pipeline-level faults fail it.
	finished, err := jobs.UpdateJob(ctx, main.ID, func(j *models.Job) error {
		j.Status = models.JobStatusCompleted
		j.Progress = 100
		j.PagesCompleted = completed
		j.PagesFailed = failed
		j.MinioResultPath = resultKey
		if mergeNote != "" {
			j.MergeNote = mergeNote
		}
		j.CompletedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	p.appendJobEvent(finished)

	p.logger.Info().
		Str("job_id", main.ID).
		Int("pages_completed", completed).
		Int("pages_failed", failed).
		Str("result", resultKey).
		Msg("Merge completed")
	return nil
}

// deferMerge re-enqueues the merge after the configured delay.
func (p *Processor) deferMerge(ctx context.Context, mergeID string, pending int) error {
	err := p.queues.Queue(models.QueueConversion).Enqueue(ctx, models.QueueMessage{
		Kind:  models.TaskMerge,
		JobID: mergeID,
	}, &interfaces.EnqueueOptions{DelaySeconds: p.mergeDelaySeconds()})
	if err != nil {
		return common.Transientf("failed to defer merge: %v", err)
	}
	p.logger.Debug().
		Str("job_id", mergeID).
		Int("pending_pages", pending).
		Msg("Pages still pending, merge deferred")
	return nil
}

// graceExpired reports whether the merge has waited longer than the
// grace period since the last page activity.
func (p *Processor) graceExpired(rows []*models.Page, mergeCreated time.Time) bool {
	lastActivity := mergeCreated
	for _, row := range rows {
		if row.UpdatedAt.After(lastActivity) {
			lastActivity = row.UpdatedAt
		}
	}
	return time.Since(lastActivity) > p.config.MergeGracePeriod
}

// failStragglers marks non-terminal pages failed after the grace period
// and returns the merge note recording the degradation.
func (p *Processor) failStragglers(ctx context.Context, rows []*models.Page) string {
	var stragglers []string
	for _, row := range rows {
		if row.Status.IsTerminal() {
			continue
		}
		row.Status = models.PageStatusFailed
		row.Error = "page did not finish within the merge grace period"
		row.UpdatedAt = time.Now().UTC()
		if err := p.storage.Pages().UpdatePage(ctx, row); err != nil {
			p.logger.Warn().Str("page_id", row.ID).Err(err).Msg("Failed to fail straggler page")
			continue
		}
		p.markJobFailed(ctx, row.JobID, common.Fatalf("page %d did not finish within the merge grace period", row.PageNumber))
		stragglers = append(stragglers, fmt.Sprintf("%d", row.PageNumber))
	}
	if len(stragglers) == 0 {
		return ""
	}
	note := fmt.Sprintf("pages %s treated as failed after merge grace period", strings.Join(stragglers, ", "))
	p.logger.Warn().Str("note", note).Msg("Merge grace period expired")
	return note
}

// pageMarkdown returns a completed row's markdown, inline or from the
// blob store.
func (p *Processor) pageMarkdown(ctx context.Context, row *models.Page) (string, error) {
	if row.MarkdownBlobPath == "" {
		return row.MarkdownContent, nil
	}
	data, err := p.blobs.Get(ctx, interfaces.BucketResults, row.MarkdownBlobPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// currentRows keeps the newest row per page number, sorted. A page
// retry supersedes the failed row with a fresh one; the old row stays
// for audit but no longer counts.
func currentRows(rows []*models.Page) []*models.Page {
	byPage := make(map[int]*models.Page, len(rows))
	for _, row := range rows {
		cur, ok := byPage[row.PageNumber]
		if !ok || row.UpdatedAt.After(cur.UpdatedAt) {
			byPage[row.PageNumber] = row
		}
	}
	out := make([]*models.Page, 0, len(byPage))
	for _, row := range byPage {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PageNumber < out[j].PageNumber })
	return out
}

func pendingPages(rows []*models.Page) int {
	pending := 0
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			pending++
		}
	}
	return pending
}
