package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

func newTestQueueManager(t *testing.T) *Manager {
	t.Helper()
	mgr, err := NewManager(arbor.NewLogger(), t.TempDir(), &common.QueueConfig{
		VisibilityTimeout: "200ms",
		MaxReceive:        3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close() })
	return mgr
}

func TestQueue_EnqueueReceiveAck(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	msg := models.QueueMessage{Kind: models.TaskSplitPDF, JobID: "job_1"}
	require.NoError(t, q.Enqueue(ctx, msg, nil))

	got, done, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.TaskSplitPDF, got.Kind)
	assert.Equal(t, "job_1", got.JobID)
	require.NoError(t, done())

	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_EmptyReceive(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueCrawler)

	_, _, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, models.ErrNoMessage)
}

func TestQueue_VisibilityTimeoutRedelivers(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskMerge, JobID: "job_v"}, nil))

	// First receive without ack.
	_, _, err := q.Receive(ctx)
	require.NoError(t, err)

	// Invisible during the timeout window.
	_, _, err = q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	// Redelivered after the window.
	time.Sleep(300 * time.Millisecond)
	got, done, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_v", got.JobID)
	require.NoError(t, done())
}

func TestQueue_MaxReceiveDrops(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskConvertPage, JobID: "job_p"}, nil))

	for i := 0; i < 3; i++ {
		_, _, err := q.Receive(ctx)
		require.NoError(t, err, "receive %d", i+1)
		time.Sleep(250 * time.Millisecond)
	}

	// Fourth delivery would exceed max receive; the message is dropped.
	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_ExhaustionDeadLettersAndFreesDedup(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	var dropped []models.QueueMessage
	var reasons []string
	mgr.SetDeadLetterFunc(func(msg models.QueueMessage, reason string) {
		dropped = append(dropped, msg)
		reasons = append(reasons, reason)
	})

	opts := &interfaces.EnqueueOptions{DedupID: "split:job_x"}
	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskSplitPDF, JobID: "job_x"}, opts))

	// Burn the delivery budget: receive without acking, three times.
	for i := 0; i < 3; i++ {
		_, _, err := q.Receive(ctx)
		require.NoError(t, err, "receive %d", i+1)
		time.Sleep(250 * time.Millisecond)
	}

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	require.Len(t, dropped, 1)
	assert.Equal(t, "job_x", dropped[0].JobID)
	assert.Equal(t, models.TaskSplitPDF, dropped[0].Kind)
	assert.Equal(t, "max receive count exceeded", reasons[0])

	// The drop committed: envelope gone, dedup guard freed.
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskSplitPDF, JobID: "job_x"}, opts))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_ExpiredDropCommitsAndFreesDedup(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueCrawler)
	ctx := context.Background()

	var dropped []models.QueueMessage
	mgr.SetDeadLetterFunc(func(msg models.QueueMessage, reason string) {
		dropped = append(dropped, msg)
	})

	opts := &interfaces.EnqueueOptions{DedupID: "trigger:job_late"}
	late := models.QueueMessage{
		Kind:      models.TaskExecuteCrawler,
		JobID:     "job_late",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, q.Enqueue(ctx, late, opts))

	// Expiry discards the trigger without dead-lettering, and the
	// cleanup must survive the empty-scan return.
	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
	assert.Empty(t, dropped)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// The freed dedup guard admits the replacement trigger.
	fresh := models.QueueMessage{Kind: models.TaskExecuteCrawler, JobID: "job_late"}
	require.NoError(t, q.Enqueue(ctx, fresh, opts))
	got, done, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_late", got.JobID)
	require.NoError(t, done())
}

func TestQueue_DedupSuppresssesWhilePending(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueCrawler)
	ctx := context.Background()

	opts := &interfaces.EnqueueOptions{DedupID: "crawler_1:2026-01-01T00:00:00Z"}
	msg := models.QueueMessage{Kind: models.TaskExecuteCrawler, JobID: "job_cr"}

	require.NoError(t, q.Enqueue(ctx, msg, opts))
	require.NoError(t, q.Enqueue(ctx, msg, opts))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// After the pending message is acked the dedup guard lifts.
	_, done, err := q.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, done())

	require.NoError(t, q.Enqueue(ctx, msg, opts))
	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_ExpiredMessageDropped(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueCrawler)
	ctx := context.Background()

	expired := models.QueueMessage{
		Kind:      models.TaskExecuteCrawler,
		JobID:     "job_late",
		ExpiresAt: time.Now().Add(-time.Minute),
	}
	require.NoError(t, q.Enqueue(ctx, expired, nil))

	fresh := models.QueueMessage{Kind: models.TaskExecuteCrawler, JobID: "job_fresh"}
	require.NoError(t, q.Enqueue(ctx, fresh, nil))

	got, done, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_fresh", got.JobID)
	require.NoError(t, done())

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_DelayedVisibility(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskMerge, JobID: "job_d"},
		&interfaces.EnqueueOptions{DelaySeconds: 1}))

	_, _, err := q.Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)

	time.Sleep(1100 * time.Millisecond)
	got, done, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "job_d", got.JobID)
	require.NoError(t, done())
}

func TestQueue_OrderedDelivery(t *testing.T) {
	mgr := newTestQueueManager(t)
	q := mgr.Queue(models.QueueConversion)
	ctx := context.Background()

	for _, id := range []string{"job_a", "job_b", "job_c"} {
		require.NoError(t, q.Enqueue(ctx, models.QueueMessage{Kind: models.TaskConvertPage, JobID: id}, nil))
		time.Sleep(5 * time.Millisecond)
	}

	var order []string
	for i := 0; i < 3; i++ {
		got, done, err := q.Receive(ctx)
		require.NoError(t, err)
		order = append(order, got.JobID)
		require.NoError(t, done())
	}
	assert.Equal(t, []string{"job_a", "job_b", "job_c"}, order)
}
