package processor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
)

// HandleExecuteCrawler turns a trigger into a crawler execution and
// runs it. A trigger for a fire instant that already has a non-terminal
// execution is dropped, so a redelivered or duplicated trigger cannot
// start a second run.
func (p *Processor) HandleExecuteCrawler(ctx context.Context, msg *models.QueueMessage) error {
	var payload models.ExecuteCrawlerPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return common.InvalidInputf("bad execute_crawler payload: %v", err)
	}

	jobs := p.storage.Jobs()

	crawlerJob, err := jobs.GetJob(ctx, payload.CrawlerJobID)
	if err != nil {
		// The crawler was deleted after the trigger was queued.
		p.logger.Warn().Str("crawler_id", payload.CrawlerJobID).Err(err).Msg("Trigger for missing crawler dropped")
		return nil
	}
	if !payload.Manual && crawlerJob.Status != models.JobStatusActive {
		p.logger.Info().
			Str("crawler_id", crawlerJob.ID).
			Str("status", string(crawlerJob.Status)).
			Msg("Trigger for inactive crawler dropped")
		return nil
	}

	execution, err := p.claimExecution(ctx, crawlerJob, &payload)
	if err != nil {
		return err
	}
	if execution == nil {
		return nil
	}

	result, runErr := p.executor.Execute(ctx, execution)

	status := models.JobStatusCompleted
	var runErrMsg string
	if runErr != nil {
		runErrMsg = common.TruncateError(runErr.Error())
		if common.Kind(runErr) == common.KindCancelled {
			status = models.JobStatusCancelled
		} else {
			status = models.JobStatusFailed
		}
	}

	finished, err := jobs.UpdateJob(ctx, execution.ID, func(j *models.Job) error {
		j.Status = status
		j.Error = runErrMsg
		j.CompletedAt = time.Now().UTC()
		if result != nil {
			j.RetryHistory = result.History
			j.EngineUsed = result.EngineUsed
			j.ProxyUsed = result.ProxyUsed
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.appendJobEvent(finished)

	if runErr != nil {
		p.logger.Warn().
			Str("execution_id", execution.ID).
			Str("crawler_id", crawlerJob.ID).
			Err(runErr).
			Msg("Crawler execution failed")
		// The retry engine already exhausted its attempts; the failure
		// is recorded on the execution, not retried via the queue.
		return nil
	}

	p.logger.Info().
		Str("execution_id", execution.ID).
		Str("crawler_id", crawlerJob.ID).
		Int("files_downloaded", finished.FilesDownloaded).
		Int("files_failed", finished.FilesFailed).
		Msg("Crawler execution completed")
	return nil
}

// claimExecution creates (or adopts) the execution job for a trigger.
// Returns nil when another execution for the same fire instant is
// already running.
func (p *Processor) claimExecution(ctx context.Context, crawlerJob *models.Job, payload *models.ExecuteCrawlerPayload) (*models.Job, error) {
	jobs := p.storage.Jobs()

	if payload.ExecutionJobID != "" {
		execution, err := jobs.GetJob(ctx, payload.ExecutionJobID)
		if err != nil {
			return nil, err
		}
		if execution.Status.IsTerminal() {
			return nil, nil
		}
		execution, err = jobs.UpdateJob(ctx, execution.ID, func(j *models.Job) error {
			if j.Status == models.JobStatusQueued {
				j.Status = models.JobStatusProcessing
				j.StartedAt = time.Now().UTC()
				j.LastHeartbeat = time.Now().UTC()
			}
			return nil
		})
		return execution, err
	}

	existing, err := jobs.FindCrawlerExecutions(ctx, crawlerJob.ID)
	if err != nil {
		return nil, err
	}
	for _, prior := range existing {
		if prior.Status.IsTerminal() {
			continue
		}
		if prior.FireInstant.Equal(payload.FireInstant) {
			p.logger.Info().
				Str("crawler_id", crawlerJob.ID).
				Str("execution_id", prior.ID).
				Str("fire_instant", payload.FireInstant.Format(time.RFC3339)).
				Msg("Execution already running for fire instant, trigger dropped")
			return nil, nil
		}
	}

	now := time.Now().UTC()
	execution := &models.Job{
		ID:          common.NewJobID(),
		UserID:      crawlerJob.UserID,
		JobType:     models.JobTypeCrawler,
		Status:      models.JobStatusProcessing,
		ParentJobID: crawlerJob.ID,
		SourceType:  models.SourceTypeCrawler,
		SourceURL:   crawlerJob.SourceURL,
		Name:        crawlerJob.Name + " execution",
		// Config snapshot: a later crawler edit must not change a
		// running execution.
		CrawlerConfig: crawlerJob.CrawlerConfig,
		FireInstant:   payload.FireInstant,
		CreatedAt:     now,
		StartedAt:     now,
		UpdatedAt:     now,
		LastHeartbeat: now,
	}
	if err := jobs.SaveJob(ctx, execution); err != nil {
		return nil, err
	}
	return execution, nil
}
