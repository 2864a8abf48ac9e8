package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

func newTestService(t *testing.T, config *common.IndexerConfig) *Service {
	t.Helper()
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Logger = nil
	store, err := badgerhold.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	if config == nil {
		config = &common.IndexerConfig{
			FlushSize:       100,
			FlushInterval:   time.Hour, // Interval flushing disabled for deterministic tests
			BufferLimit:     10000,
			MetricRetention: 7 * 24 * time.Hour,
			EventRetention:  90 * 24 * time.Hour,
		}
	}
	svc := NewService(store, arbor.NewLogger(), config)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestIndexer_AppendAndFlush(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	svc.AppendJobEvent(&models.JobEventDoc{
		JobID:     "job_1",
		JobType:   models.JobTypeMain,
		Status:    models.JobStatusCompleted,
		Timestamp: time.Now().UTC(),
	})

	// Nothing visible before a flush.
	docs, err := svc.Query(ctx, models.StreamJobEvents, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)

	require.NoError(t, svc.Flush(ctx))

	docs, err = svc.Query(ctx, models.StreamJobEvents, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var event models.JobEventDoc
	require.NoError(t, json.Unmarshal([]byte(docs[0].Body), &event))
	assert.Equal(t, "job_1", event.JobID)
	assert.Equal(t, models.JobStatusCompleted, event.Status)
}

func TestIndexer_ThresholdFlush(t *testing.T) {
	svc := newTestService(t, &common.IndexerConfig{
		FlushSize:       5,
		FlushInterval:   time.Hour,
		BufferLimit:     100,
		MetricRetention: time.Hour,
		EventRetention:  time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.AppendExecutionMetric(&models.ExecutionMetricDoc{
			ExecutionID: fmt.Sprintf("job_ex%d", i),
			Timestamp:   time.Now().UTC(),
		})
	}

	docs, err := svc.Query(ctx, models.StreamExecutionMetrics, 0)
	require.NoError(t, err)
	assert.Len(t, docs, 5)
}

func TestIndexer_BufferDropsOldest(t *testing.T) {
	svc := newTestService(t, &common.IndexerConfig{
		FlushSize:       100,
		FlushInterval:   time.Hour,
		BufferLimit:     3,
		MetricRetention: time.Hour,
		EventRetention:  time.Hour,
	})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		svc.AppendRetryMetric(&models.RetryMetricDoc{
			ExecutionID: fmt.Sprintf("job_%d", i),
			Attempt:     i,
			Timestamp:   time.Now().UTC().Add(time.Duration(i) * time.Second),
		})
	}

	require.NoError(t, svc.Flush(ctx))

	docs, err := svc.Query(ctx, models.StreamRetryMetrics, 0)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	// The survivors are the newest appends.
	var latest models.RetryMetricDoc
	require.NoError(t, json.Unmarshal([]byte(docs[0].Body), &latest))
	assert.Equal(t, 5, latest.Attempt)
}

func TestIndexer_RetentionSweep(t *testing.T) {
	svc := newTestService(t, &common.IndexerConfig{
		FlushSize:       100,
		FlushInterval:   time.Hour,
		BufferLimit:     100,
		MetricRetention: 24 * time.Hour,
		EventRetention:  48 * time.Hour,
	})
	ctx := context.Background()

	svc.AppendExecutionMetric(&models.ExecutionMetricDoc{
		ExecutionID: "job_old",
		Timestamp:   time.Now().UTC().Add(-72 * time.Hour),
	})
	svc.AppendExecutionMetric(&models.ExecutionMetricDoc{
		ExecutionID: "job_new",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, svc.Flush(ctx))

	require.NoError(t, svc.SweepRetention(ctx))

	docs, err := svc.Query(ctx, models.StreamExecutionMetrics, 0)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	var metric models.ExecutionMetricDoc
	require.NoError(t, json.Unmarshal([]byte(docs[0].Body), &metric))
	assert.Equal(t, "job_new", metric.ExecutionID)
}

func TestIndexer_QueryLimitNewestFirst(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	base := time.Now().UTC()
	for i := 0; i < 4; i++ {
		svc.AppendJobEvent(&models.JobEventDoc{
			JobID:     fmt.Sprintf("job_%d", i),
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		})
	}
	require.NoError(t, svc.Flush(ctx))

	docs, err := svc.Query(ctx, models.StreamJobEvents, 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)

	var first models.JobEventDoc
	require.NoError(t, json.Unmarshal([]byte(docs[0].Body), &first))
	assert.Equal(t, "job_3", first.JobID)
}

func TestIndexer_FailedFlushRetainsBatch(t *testing.T) {
	opts := badgerhold.DefaultOptions
	opts.Dir = t.TempDir()
	opts.ValueDir = opts.Dir
	opts.Logger = nil
	store, err := badgerhold.Open(opts)
	require.NoError(t, err)

	svc := NewService(store, arbor.NewLogger(), &common.IndexerConfig{
		FlushSize:       100,
		FlushInterval:   time.Hour,
		BufferLimit:     100,
		MetricRetention: time.Hour,
		EventRetention:  time.Hour,
	})
	t.Cleanup(func() { _ = svc.Close() })

	svc.AppendJobEvent(&models.JobEventDoc{JobID: "job_1", Timestamp: time.Now().UTC()})
	svc.AppendJobEvent(&models.JobEventDoc{JobID: "job_2", Timestamp: time.Now().UTC()})

	// Closing the store makes the insert fail; the batch must survive
	// for the next flush instead of being dropped.
	require.NoError(t, store.Close())
	require.Error(t, svc.Flush(context.Background()))

	svc.mu.Lock()
	retained := len(svc.buffer)
	svc.mu.Unlock()
	assert.Equal(t, 2, retained)
}
