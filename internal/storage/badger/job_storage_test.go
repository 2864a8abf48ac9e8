package badger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

func newTestManager(t *testing.T) interfaces.StorageManager {
	t.Helper()
	logger := arbor.NewLogger()
	mgr, err := NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func newTestJob(id string, jobType models.JobType) *models.Job {
	return &models.Job{
		ID:        id,
		UserID:    "user-1",
		JobType:   jobType,
		Status:    models.JobStatusQueued,
		Name:      "test job " + id,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
}

func TestJobStorage_SaveAndGet(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	job := newTestJob("job_1", models.JobTypeMain)
	require.NoError(t, mgr.Jobs().SaveJob(ctx, job))

	got, err := mgr.Jobs().GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, "job_1", got.ID)
	assert.Equal(t, models.JobTypeMain, got.JobType)
	assert.Equal(t, models.JobStatusQueued, got.Status)
}

func TestJobStorage_GetMissing(t *testing.T) {
	mgr := newTestManager(t)

	_, err := mgr.Jobs().GetJob(context.Background(), "job_missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrNotFound))
}

func TestJobStorage_UpdateJob(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	job := newTestJob("job_u", models.JobTypeMain)
	require.NoError(t, mgr.Jobs().SaveJob(ctx, job))

	updated, err := mgr.Jobs().UpdateJob(ctx, "job_u", func(j *models.Job) error {
		j.Status = models.JobStatusProcessing
		j.Progress = 10
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, updated.Status)
	assert.Equal(t, int64(1), updated.Version)

	got, err := mgr.Jobs().GetJob(ctx, "job_u")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.InDelta(t, 10, got.Progress, 0.001)
}

func TestJobStorage_UpdateJob_MutateError(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Jobs().SaveJob(ctx, newTestJob("job_e", models.JobTypeMain)))

	wantErr := errors.New("mutation refused")
	_, err := mgr.Jobs().UpdateJob(ctx, "job_e", func(j *models.Job) error {
		return wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Failed mutation must not persist anything.
	got, err := mgr.Jobs().GetJob(ctx, "job_e")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.Version)
}

func TestJobStorage_UpdateJob_ConcurrentIncrements(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, mgr.Jobs().SaveJob(ctx, newTestJob("job_c", models.JobTypeMain)))

	// Sequential counter bumps through the optimistic path must not lose
	// any increments.
	const n = 10
	for i := 0; i < n; i++ {
		_, err := mgr.Jobs().UpdateJob(ctx, "job_c", func(j *models.Job) error {
			j.PagesCompleted++
			return nil
		})
		require.NoError(t, err)
	}

	got, err := mgr.Jobs().GetJob(ctx, "job_c")
	require.NoError(t, err)
	assert.Equal(t, n, got.PagesCompleted)
	assert.Equal(t, int64(n), got.Version)
}

func TestJobStorage_DeleteCascades(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	main := newTestJob("job_main", models.JobTypeMain)
	require.NoError(t, mgr.Jobs().SaveJob(ctx, main))

	split := newTestJob("job_split", models.JobTypeSplit)
	split.ParentJobID = main.ID
	require.NoError(t, mgr.Jobs().SaveJob(ctx, split))

	pageJob := newTestJob("job_page", models.JobTypePage)
	pageJob.ParentJobID = main.ID
	require.NoError(t, mgr.Jobs().SaveJob(ctx, pageJob))

	pages := []*models.Page{
		{ID: "page_1", JobID: pageJob.ID, PageNumber: 1, Status: models.PageStatusQueued},
	}
	require.NoError(t, mgr.Pages().UpsertPages(ctx, main.ID, pages))

	require.NoError(t, mgr.Jobs().DeleteJob(ctx, main.ID))

	_, err := mgr.Jobs().GetJob(ctx, main.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = mgr.Jobs().GetJob(ctx, split.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))
	_, err = mgr.Jobs().GetJob(ctx, pageJob.ID)
	assert.True(t, errors.Is(err, common.ErrNotFound))

	rows, err := mgr.Pages().GetPages(ctx, main.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestJobStorage_DeleteMissingIsIdempotent(t *testing.T) {
	mgr := newTestManager(t)
	assert.NoError(t, mgr.Jobs().DeleteJob(context.Background(), "job_gone"))
}

func TestJobStorage_ListByUser(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		job := newTestJob(fmt.Sprintf("job_%d", i), models.JobTypeMain)
		job.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Second)
		if i%2 == 0 {
			job.Status = models.JobStatusCompleted
		}
		require.NoError(t, mgr.Jobs().SaveJob(ctx, job))
	}
	other := newTestJob("job_other", models.JobTypeMain)
	other.UserID = "user-2"
	require.NoError(t, mgr.Jobs().SaveJob(ctx, other))

	all, err := mgr.Jobs().ListByUser(ctx, "user-1", nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	// Newest first.
	assert.Equal(t, "job_4", all[0].ID)

	completed, err := mgr.Jobs().ListByUser(ctx, "user-1", &interfaces.JobListOptions{Status: models.JobStatusCompleted})
	require.NoError(t, err)
	assert.Len(t, completed, 3)

	paged, err := mgr.Jobs().ListByUser(ctx, "user-1", &interfaces.JobListOptions{Limit: 2, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, paged, 2)
	assert.Equal(t, "job_3", paged[0].ID)
}

func TestJobStorage_FindActiveCrawlers(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	active := newTestJob("job_cr1", models.JobTypeCrawler)
	active.Status = models.JobStatusActive
	require.NoError(t, mgr.Jobs().SaveJob(ctx, active))

	paused := newTestJob("job_cr2", models.JobTypeCrawler)
	paused.Status = models.JobStatusPaused
	require.NoError(t, mgr.Jobs().SaveJob(ctx, paused))

	// A processing main job must not be picked up by rehydration.
	main := newTestJob("job_m", models.JobTypeMain)
	main.Status = models.JobStatusProcessing
	require.NoError(t, mgr.Jobs().SaveJob(ctx, main))

	crawlers, err := mgr.Jobs().FindActiveCrawlers(ctx)
	require.NoError(t, err)
	require.Len(t, crawlers, 1)
	assert.Equal(t, "job_cr1", crawlers[0].ID)
}

func TestJobStorage_FindCrawlerExecutions_NewestFirst(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	crawler := newTestJob("job_cr", models.JobTypeCrawler)
	crawler.Status = models.JobStatusActive
	require.NoError(t, mgr.Jobs().SaveJob(ctx, crawler))

	for i := 0; i < 3; i++ {
		exec := newTestJob(fmt.Sprintf("job_ex%d", i), models.JobTypeCrawler)
		exec.ParentJobID = crawler.ID
		exec.CreatedAt = time.Now().UTC().Add(time.Duration(i) * time.Minute)
		require.NoError(t, mgr.Jobs().SaveJob(ctx, exec))
	}

	execs, err := mgr.Jobs().FindCrawlerExecutions(ctx, crawler.ID)
	require.NoError(t, err)
	require.Len(t, execs, 3)
	assert.Equal(t, "job_ex2", execs[0].ID)
	assert.Equal(t, "job_ex0", execs[2].ID)
}

func TestJobStorage_FindSimilar(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	exact := newTestJob("job_s1", models.JobTypeMain)
	exact.URLPattern = "https://example.com/docs/*"
	require.NoError(t, mgr.Jobs().SaveJob(ctx, exact))

	near := newTestJob("job_s2", models.JobTypeMain)
	near.URLPattern = "https://example.com/doc/*"
	require.NoError(t, mgr.Jobs().SaveJob(ctx, near))

	far := newTestJob("job_s3", models.JobTypeMain)
	far.URLPattern = "https://other.org/reports/*"
	require.NoError(t, mgr.Jobs().SaveJob(ctx, far))

	done := newTestJob("job_s4", models.JobTypeMain)
	done.URLPattern = "https://example.com/docs/*"
	done.Status = models.JobStatusCompleted
	require.NoError(t, mgr.Jobs().SaveJob(ctx, done))

	similar, err := mgr.Jobs().FindSimilar(ctx, "https://example.com/docs/*")
	require.NoError(t, err)
	ids := make([]string, 0, len(similar))
	for _, j := range similar {
		ids = append(ids, j.ID)
	}
	assert.ElementsMatch(t, []string{"job_s1", "job_s2"}, ids)
}

func TestPageStorage_RoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	pages := []*models.Page{
		{ID: "page_2", JobID: "job_p2", PageNumber: 2, Status: models.PageStatusQueued},
		{ID: "page_1", JobID: "job_p1", PageNumber: 1, Status: models.PageStatusQueued},
	}
	require.NoError(t, mgr.Pages().UpsertPages(ctx, "job_main", pages))

	got, err := mgr.Pages().GetPages(ctx, "job_main", nil)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Ordered by page number.
	assert.Equal(t, 1, got[0].PageNumber)
	assert.Equal(t, 2, got[1].PageNumber)
	assert.Equal(t, "job_main", got[0].MainJobID)

	byJob, err := mgr.Pages().GetPageByJob(ctx, "job_p2")
	require.NoError(t, err)
	assert.Equal(t, "page_2", byJob.ID)

	byJob.Status = models.PageStatusCompleted
	byJob.MarkdownContent = "# Page 2"
	require.NoError(t, mgr.Pages().UpdatePage(ctx, byJob))

	reread, err := mgr.Pages().GetPage(ctx, "page_2")
	require.NoError(t, err)
	assert.Equal(t, models.PageStatusCompleted, reread.Status)
	assert.Equal(t, "# Page 2", reread.MarkdownContent)
}

func TestCrawledFileStorage_RoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		file := &models.CrawledFile{
			ID:           fmt.Sprintf("file_%d", i),
			ExecutionID:  "job_exec",
			URL:          fmt.Sprintf("https://example.com/p%d.pdf", i),
			Status:       models.CrawledFileDownloaded,
			DownloadedAt: time.Now().UTC(),
		}
		require.NoError(t, mgr.CrawledFiles().SaveCrawledFile(ctx, file))
	}

	files, err := mgr.CrawledFiles().GetCrawledFiles(ctx, "job_exec")
	require.NoError(t, err)
	assert.Len(t, files, 3)

	require.NoError(t, mgr.CrawledFiles().DeleteCrawledFiles(ctx, "job_exec"))
	files, err = mgr.CrawledFiles().GetCrawledFiles(ctx, "job_exec")
	require.NoError(t, err)
	assert.Empty(t, files)
}
