package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// IndexedDoc is the stored form of one appended document. Stream plus
// daily partition key group documents for retention sweeps.
type IndexedDoc struct {
	ID        string    `json:"id" badgerhold:"key"`
	Stream    string    `json:"stream" badgerhold:"index"`
	Partition string    `json:"partition" badgerhold:"index"` // YYYY-MM-DD, UTC
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

type pendingDoc struct {
	stream    string
	body      []byte
	timestamp time.Time
}

// Service is the buffered progress indexer. Appends never block and
// never fail the caller; documents are bulk-flushed on a size threshold
// or an interval, whichever comes first. The buffer is bounded and
// drops oldest entries under sustained backpressure.
type Service struct {
	store  *badgerhold.Store
	logger arbor.ILogger
	config *common.IndexerConfig

	mu     sync.Mutex
	buffer []pendingDoc

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewService creates a progress indexer over an existing badgerhold store.
func NewService(store *badgerhold.Store, logger arbor.ILogger, config *common.IndexerConfig) *Service {
	s := &Service{
		store:  store,
		logger: logger,
		config: config,
		stopCh: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.flushLoop()

	return s
}

// AppendJobEvent buffers a job-events document.
func (s *Service) AppendJobEvent(doc *models.JobEventDoc) {
	s.append(models.StreamJobEvents, doc, doc.Timestamp)
}

// AppendExecutionMetric buffers an execution-metrics document.
func (s *Service) AppendExecutionMetric(doc *models.ExecutionMetricDoc) {
	s.append(models.StreamExecutionMetrics, doc, doc.Timestamp)
}

// AppendRetryMetric buffers a retry-metrics document.
func (s *Service) AppendRetryMetric(doc *models.RetryMetricDoc) {
	s.append(models.StreamRetryMetrics, doc, doc.Timestamp)
}

func (s *Service) append(stream string, doc interface{}, ts time.Time) {
	body, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn().Err(err).Str("stream", stream).Msg("Failed to marshal indexer document")
		return
	}
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	s.mu.Lock()
	if len(s.buffer) >= s.config.BufferLimit {
		// Drop oldest. Metrics are observational; losing samples under
		// backpressure is preferable to blocking a worker.
		drop := len(s.buffer) - s.config.BufferLimit + 1
		s.buffer = s.buffer[drop:]
		s.logger.Warn().
			Int("dropped", drop).
			Int("buffer_limit", s.config.BufferLimit).
			Msg("Indexer buffer full, dropping oldest documents")
	}
	s.buffer = append(s.buffer, pendingDoc{stream: stream, body: body, timestamp: ts})
	shouldFlush := len(s.buffer) >= s.config.FlushSize
	s.mu.Unlock()

	if shouldFlush {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("Indexer threshold flush failed")
		}
	}
}

// Flush writes all buffered documents. Documents a failed write leaves
// unwritten go back to the front of the buffer for the next flush.
func (s *Service) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for i, doc := range batch {
		stored := &IndexedDoc{
			ID:        uuid.New().String(),
			Stream:    doc.stream,
			Partition: doc.timestamp.UTC().Format("2006-01-02"),
			Body:      string(doc.body),
			Timestamp: doc.timestamp,
		}
		if err := s.store.Insert(stored.ID, stored); err != nil {
			s.requeue(batch[i:])
			return fmt.Errorf("failed to flush indexer batch: %w", err)
		}
	}

	s.logger.Debug().Int("count", len(batch)).Msg("Indexer batch flushed")
	return nil
}

// requeue puts unwritten documents back at the front of the buffer,
// still subject to the drop-oldest cap.
func (s *Service) requeue(docs []pendingDoc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = append(append([]pendingDoc(nil), docs...), s.buffer...)
	if len(s.buffer) > s.config.BufferLimit {
		drop := len(s.buffer) - s.config.BufferLimit
		s.buffer = s.buffer[drop:]
		s.logger.Warn().
			Int("dropped", drop).
			Int("buffer_limit", s.config.BufferLimit).
			Msg("Indexer buffer full, dropping oldest documents")
	}
}

// Query returns documents for a stream, newest first, capped at limit.
func (s *Service) Query(ctx context.Context, stream string, limit int) ([]*IndexedDoc, error) {
	query := badgerhold.Where("Stream").Eq(stream).SortBy("Timestamp").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var docs []IndexedDoc
	if err := s.store.Find(&docs, query); err != nil {
		return nil, fmt.Errorf("failed to query stream %s: %w", stream, err)
	}
	result := make([]*IndexedDoc, len(docs))
	for i := range docs {
		result[i] = &docs[i]
	}
	return result, nil
}

// SweepRetention deletes documents whose daily partition has aged past
// the stream's retention window. Returns the number of partitions swept.
func (s *Service) SweepRetention(ctx context.Context) error {
	now := time.Now().UTC()
	cutoffs := map[string]time.Time{
		models.StreamJobEvents:        now.Add(-s.config.EventRetention),
		models.StreamExecutionMetrics: now.Add(-s.config.MetricRetention),
		models.StreamRetryMetrics:     now.Add(-s.config.MetricRetention),
	}

	for stream, cutoff := range cutoffs {
		partition := cutoff.Format("2006-01-02")
		err := s.store.DeleteMatching(&IndexedDoc{},
			badgerhold.Where("Stream").Eq(stream).And("Partition").Lt(partition))
		if err != nil {
			return fmt.Errorf("failed retention sweep for %s: %w", stream, err)
		}
	}

	s.logger.Debug().Msg("Indexer retention sweep completed")
	return nil
}

// flushLoop flushes on the configured interval until Close.
func (s *Service) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn().Err(err).Msg("Indexer interval flush failed")
			}
		}
	}
}

// Close stops the flush loop and drains the buffer.
func (s *Service) Close() error {
	close(s.stopCh)
	s.wg.Wait()
	return s.Flush(context.Background())
}

var _ interfaces.ProgressIndexer = (*Service)(nil)
