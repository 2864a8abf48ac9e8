package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// cronParser accepts standard 5-field expressions. The CRON_TZ prefix
// carries the crawler's IANA zone into the parsed schedule.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

const (
	// staleHeartbeatAfter marks a processing execution failed when its
	// heartbeat has been silent this long.
	staleHeartbeatAfter = 10 * time.Minute
	staleCheckInterval  = time.Minute
	// fireTimeout bounds the storage and queue work done per cron fire.
	fireTimeout = 30 * time.Second
)

// crawlerEntry is one registered crawler schedule.
type crawlerEntry struct {
	cronID   cron.EntryID
	expr     string
	timezone string
}

// Service owns cron schedules for recurring crawlers. The cron library
// owns the timer heap; this service owns the crawler-to-entry mapping,
// the persisted next_runs projection, and trigger emission. All of its
// in-memory state rehydrates from FindActiveCrawlers on startup.
type Service struct {
	jobs    interfaces.JobStorage
	queue   interfaces.Queue
	config  *common.SchedulerConfig
	logger  arbor.ILogger
	cron    *cron.Cron
	nowFunc func() time.Time

	maxTriggerTTL time.Duration

	mu      sync.Mutex
	entries map[string]*crawlerEntry
	running bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

var _ interfaces.SchedulerService = (*Service)(nil)

// NewService creates a scheduler over the crawler trigger queue.
func NewService(jobs interfaces.JobStorage, queue interfaces.Queue, config *common.SchedulerConfig, logger arbor.ILogger) (*Service, error) {
	maxTTL := time.Hour
	if config.MaxTriggerTTL != "" {
		parsed, err := time.ParseDuration(config.MaxTriggerTTL)
		if err != nil {
			return nil, common.InvalidInputf("scheduler max_trigger_ttl %q: %v", config.MaxTriggerTTL, err)
		}
		maxTTL = parsed
	}

	return &Service{
		jobs:          jobs,
		queue:         queue,
		config:        config,
		logger:        logger,
		cron:          cron.New(cron.WithParser(cronParser)),
		nowFunc:       func() time.Time { return time.Now().UTC() },
		maxTriggerTTL: maxTTL,
		entries:       make(map[string]*crawlerEntry),
		stopCh:        make(chan struct{}),
	}, nil
}

// Start rehydrates schedules from storage and begins firing.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.mu.Unlock()

	crawlers, err := s.jobs.FindActiveCrawlers(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active crawlers: %w", err)
	}
	for _, crawler := range crawlers {
		if err := s.RegisterCrawler(ctx, crawler); err != nil {
			s.logger.Warn().Str("crawler_id", crawler.ID).Err(err).Msg("Failed to rehydrate crawler schedule")
		}
	}

	s.cron.Start()

	s.wg.Add(1)
	go s.staleExecutionLoop()

	s.logger.Info().Int("crawlers", len(crawlers)).Msg("Scheduler started")
	return nil
}

// Stop halts firing. Registered schedules stay persisted on the jobs.
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()

	s.logger.Info().Msg("Scheduler stopped")
	return nil
}

// RegisterCrawler installs (or reinstalls) a crawler's schedule and
// persists the refreshed next_runs projection. One-shot schedules fire
// immediately and auto-unregister.
func (s *Service) RegisterCrawler(ctx context.Context, job *models.Job) error {
	if job.JobType != models.JobTypeCrawler {
		return common.InvalidInputf("job %s is not a crawler", job.ID)
	}
	schedule, err := job.GetCrawlerSchedule()
	if err != nil {
		return common.InvalidInputf("crawler %s: %v", job.ID, err)
	}
	if schedule == nil {
		return common.InvalidInputf("crawler %s has no schedule", job.ID)
	}
	if err := schedule.Validate(); err != nil {
		return common.InvalidInputf("crawler %s: %v", job.ID, err)
	}

	if schedule.Type == models.ScheduleTypeOneTime {
		return s.registerOneTime(ctx, job, schedule)
	}

	if err := common.ValidateCronSchedule(schedule.CronExpression); err != nil {
		return err
	}

	s.removeEntry(job.ID)

	spec := schedule.CronExpression
	if schedule.Timezone != "" {
		if _, err := time.LoadLocation(schedule.Timezone); err != nil {
			return common.InvalidInputf("crawler %s timezone %q: %v", job.ID, schedule.Timezone, err)
		}
		spec = "CRON_TZ=" + schedule.Timezone + " " + spec
	}

	crawlerID := job.ID
	cronID, err := s.cron.AddFunc(spec, func() { s.fire(crawlerID) })
	if err != nil {
		return common.InvalidInputf("crawler %s schedule: %v", job.ID, err)
	}

	s.mu.Lock()
	s.entries[job.ID] = &crawlerEntry{
		cronID:   cronID,
		expr:     schedule.CronExpression,
		timezone: schedule.Timezone,
	}
	s.mu.Unlock()

	if err := s.persistNextRuns(ctx, job.ID, schedule.CronExpression, schedule.Timezone, time.Time{}); err != nil {
		s.logger.Warn().Str("crawler_id", job.ID).Err(err).Msg("Failed to persist next runs")
	}

	s.logger.Info().
		Str("crawler_id", job.ID).
		Str("cron", schedule.CronExpression).
		Str("timezone", schedule.Timezone).
		Msg("Crawler schedule registered")
	return nil
}

// registerOneTime dispatches the single trigger and stops the crawler.
// A one-timer that already fired (rehydration after a crash mid-stop)
// is just stopped again.
func (s *Service) registerOneTime(ctx context.Context, job *models.Job, schedule *models.CrawlerSchedule) error {
	if schedule.LastFire.IsZero() {
		if err := s.dispatch(ctx, job.ID, s.nowFunc()); err != nil {
			return err
		}
	}

	_, err := s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
		sched, err := j.GetCrawlerSchedule()
		if err != nil || sched == nil {
			return common.InvalidInputf("crawler %s lost its schedule", j.ID)
		}
		if sched.LastFire.IsZero() {
			sched.LastFire = s.nowFunc()
		}
		sched.NextRuns = nil
		if err := j.SetCrawlerSchedule(sched); err != nil {
			return err
		}
		if models.CanTransition(j.Status, models.JobStatusStopped) {
			j.Status = models.JobStatusStopped
		}
		return nil
	})
	return err
}

// UpdateCrawler reinstalls the schedule after a config change.
func (s *Service) UpdateCrawler(ctx context.Context, job *models.Job) error {
	return s.RegisterCrawler(ctx, job)
}

// UnregisterCrawler drops the in-memory schedule. The job record is
// untouched; callers own its status.
func (s *Service) UnregisterCrawler(ctx context.Context, crawlerJobID string) error {
	s.removeEntry(crawlerJobID)
	s.logger.Info().Str("crawler_id", crawlerJobID).Msg("Crawler schedule unregistered")
	return nil
}

// PauseCrawler suspends firing and marks the crawler paused.
func (s *Service) PauseCrawler(ctx context.Context, crawlerJobID string) error {
	s.removeEntry(crawlerJobID)

	_, err := s.jobs.UpdateJob(ctx, crawlerJobID, func(j *models.Job) error {
		if j.Status == models.JobStatusPaused {
			return nil
		}
		if !models.CanTransition(j.Status, models.JobStatusPaused) {
			return common.InvalidInputf("cannot pause crawler in status %s", j.Status)
		}
		j.Status = models.JobStatusPaused
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info().Str("crawler_id", crawlerJobID).Msg("Crawler paused")
	return nil
}

// ResumeCrawler reactivates the crawler and reinstalls its schedule.
// No catch-up: firings missed while paused are skipped.
func (s *Service) ResumeCrawler(ctx context.Context, crawlerJobID string) error {
	job, err := s.jobs.UpdateJob(ctx, crawlerJobID, func(j *models.Job) error {
		if j.Status == models.JobStatusActive {
			return nil
		}
		if !models.CanTransition(j.Status, models.JobStatusActive) {
			return common.InvalidInputf("cannot resume crawler in status %s", j.Status)
		}
		j.Status = models.JobStatusActive
		return nil
	})
	if err != nil {
		return err
	}

	if err := s.RegisterCrawler(ctx, job); err != nil {
		return err
	}
	s.logger.Info().Str("crawler_id", crawlerJobID).Msg("Crawler resumed")
	return nil
}

// NextRuns returns upcoming fire instants for a registered crawler as
// RFC 3339 UTC strings.
func (s *Service) NextRuns(crawlerJobID string) []string {
	s.mu.Lock()
	entry, ok := s.entries[crawlerJobID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	runs, err := common.NextCronRuns(entry.expr, entry.timezone, s.nowFunc(), s.projected())
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(runs))
	for _, run := range runs {
		out = append(out, run.Format(time.RFC3339))
	}
	return out
}

// fire runs inside the cron goroutine at a schedule instant.
func (s *Service) fire(crawlerJobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	// Cron fires on minute boundaries; the truncated wall clock is the
	// schedule instant and keys trigger dedup.
	fireInstant := s.nowFunc().Truncate(time.Minute)

	job, err := s.jobs.GetJob(ctx, crawlerJobID)
	if err != nil {
		s.logger.Warn().Str("crawler_id", crawlerJobID).Err(err).Msg("Scheduled crawler missing, unregistering")
		s.removeEntry(crawlerJobID)
		return
	}
	if job.Status != models.JobStatusActive {
		s.logger.Debug().Str("crawler_id", crawlerJobID).Str("status", string(job.Status)).Msg("Skipping fire, crawler not active")
		return
	}

	if err := s.dispatch(ctx, crawlerJobID, fireInstant); err != nil {
		s.logger.Warn().Str("crawler_id", crawlerJobID).Err(err).Msg("Failed to enqueue crawler trigger")
		return
	}

	schedule, err := job.GetCrawlerSchedule()
	if err != nil || schedule == nil {
		return
	}
	if err := s.persistNextRuns(ctx, crawlerJobID, schedule.CronExpression, schedule.Timezone, fireInstant); err != nil {
		s.logger.Warn().Str("crawler_id", crawlerJobID).Err(err).Msg("Failed to refresh next runs")
	}
}

// dispatch enqueues one execution trigger. The TTL is the smaller of
// the cron period and the configured ceiling, so a trigger that sat in
// the queue past its slot is dropped instead of stacking behind the
// next one.
func (s *Service) dispatch(ctx context.Context, crawlerJobID string, fireInstant time.Time) error {
	job, err := s.jobs.GetJob(ctx, crawlerJobID)
	if err != nil {
		return err
	}
	schedule, err := job.GetCrawlerSchedule()
	if err != nil {
		return err
	}

	ttl := s.maxTriggerTTL
	if schedule != nil && schedule.Type == models.ScheduleTypeRecurring {
		if period, err := common.CronPeriod(schedule.CronExpression, schedule.Timezone, fireInstant); err == nil && period < ttl {
			ttl = period
		}
	}

	payload, err := json.Marshal(&models.ExecuteCrawlerPayload{
		CrawlerJobID: crawlerJobID,
		FireInstant:  fireInstant,
	})
	if err != nil {
		return err
	}

	msg := models.QueueMessage{
		Kind:      models.TaskExecuteCrawler,
		JobID:     crawlerJobID,
		Payload:   payload,
		ExpiresAt: fireInstant.Add(ttl),
	}
	opts := &interfaces.EnqueueOptions{
		DedupID: fmt.Sprintf("trigger:%s:%d", crawlerJobID, fireInstant.Unix()),
	}
	if err := s.queue.Enqueue(ctx, msg, opts); err != nil {
		return err
	}

	s.logger.Info().
		Str("crawler_id", crawlerJobID).
		Str("fire_instant", fireInstant.Format(time.RFC3339)).
		Dur("ttl", ttl).
		Msg("Crawler trigger enqueued")
	return nil
}

// persistNextRuns refreshes the cached projection on the job record.
func (s *Service) persistNextRuns(ctx context.Context, crawlerJobID, expr, timezone string, lastFire time.Time) error {
	runs, err := common.NextCronRuns(expr, timezone, s.nowFunc(), s.projected())
	if err != nil {
		return err
	}

	_, err = s.jobs.UpdateJob(ctx, crawlerJobID, func(j *models.Job) error {
		schedule, err := j.GetCrawlerSchedule()
		if err != nil || schedule == nil {
			return common.InvalidInputf("crawler %s lost its schedule", j.ID)
		}
		schedule.NextRuns = runs
		if !lastFire.IsZero() {
			schedule.LastFire = lastFire
		}
		return j.SetCrawlerSchedule(schedule)
	})
	return err
}

func (s *Service) projected() int {
	if s.config.NextRunsProjected > 0 {
		return s.config.NextRunsProjected
	}
	return 5
}

func (s *Service) removeEntry(crawlerJobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[crawlerJobID]; ok {
		s.cron.Remove(entry.cronID)
		delete(s.entries, crawlerJobID)
	}
}

// staleExecutionLoop fails processing executions whose heartbeat has
// gone silent, so a crashed worker's execution does not stay running
// forever.
func (s *Service) staleExecutionLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(staleCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweepStaleExecutions()
		}
	}
}

func (s *Service) sweepStaleExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	processing, err := s.jobs.GetJobsByStatus(ctx, models.JobStatusProcessing)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Stale execution sweep failed to list jobs")
		return
	}

	cutoff := s.nowFunc().Add(-staleHeartbeatAfter)
	for _, job := range processing {
		if job.JobType != models.JobTypeCrawler || job.ParentJobID == "" {
			continue
		}
		lastSign := job.LastHeartbeat
		if lastSign.IsZero() {
			lastSign = job.StartedAt
		}
		if lastSign.IsZero() || lastSign.After(cutoff) {
			continue
		}

		_, err := s.jobs.UpdateJob(ctx, job.ID, func(j *models.Job) error {
			if j.Status != models.JobStatusProcessing {
				return nil
			}
			j.Status = models.JobStatusFailed
			j.Error = common.TruncateError(fmt.Sprintf("execution heartbeat stale since %s", lastSign.Format(time.RFC3339)))
			j.CompletedAt = s.nowFunc()
			return nil
		})
		if err != nil {
			s.logger.Warn().Str("execution_id", job.ID).Err(err).Msg("Failed to fail stale execution")
			continue
		}
		s.logger.Warn().
			Str("execution_id", job.ID).
			Str("crawler_id", job.ParentJobID).
			Str("last_heartbeat", lastSign.Format(time.RFC3339)).
			Msg("Stale execution marked failed")
	}
}
