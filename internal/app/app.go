package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/jobs"
	"github.com/ternarybob/verto/internal/jobs/processor"
	"github.com/ternarybob/verto/internal/models"
	"github.com/ternarybob/verto/internal/queue"
	"github.com/ternarybob/verto/internal/services/converter"
	"github.com/ternarybob/verto/internal/services/crawler"
	"github.com/ternarybob/verto/internal/services/indexer"
	"github.com/ternarybob/verto/internal/services/pdf"
	"github.com/ternarybob/verto/internal/services/scheduler"
	badgerstore "github.com/ternarybob/verto/internal/storage/badger"
	"github.com/ternarybob/verto/internal/storage/blob"
)

const resultSweepInterval = time.Hour

// App holds all application components and dependencies.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	BlobStore      interfaces.BlobStore
	QueueManager   interfaces.QueueManager
	IndexerService interfaces.ProgressIndexer

	PDFService       *pdf.Service
	ConverterService *converter.Service
	CrawlerExecutor  *crawler.Executor
	SchedulerService interfaces.SchedulerService
	Processor        *processor.Processor
	JobService       *jobs.Service

	conversionPool *queue.WorkerPool
	crawlerPool    *queue.WorkerPool

	indexerStore *badgerhold.Store
	cancel       context.CancelFunc
	stopCh       chan struct{}
}

// New initializes the application with all dependencies. Nothing is
// started; call Start after New returns.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
		stopCh: make(chan struct{}),
	}

	storage, err := badgerstore.NewManager(logger, &cfg.Storage.Badger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	app.StorageManager = storage

	blobs, err := blob.NewFilesystemStore(logger, &cfg.Storage.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize blob store: %w", err)
	}
	app.BlobStore = blobs

	queues, err := queue.NewManager(logger, filepath.Join(cfg.Storage.Badger.Path, "queue"), &cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize queues: %w", err)
	}
	app.QueueManager = queues

	// The indexer's append-only streams live in their own store so bulk
	// metric writes never contend with the job table.
	indexerOpts := badgerhold.DefaultOptions
	indexerOpts.Dir = filepath.Join(cfg.Storage.Badger.Path, "indexer")
	indexerOpts.ValueDir = indexerOpts.Dir
	indexerOpts.Logger = nil
	indexerStore, err := badgerhold.Open(indexerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open indexer store: %w", err)
	}
	app.indexerStore = indexerStore
	app.IndexerService = indexer.NewService(indexerStore, logger, &cfg.Indexer)

	app.PDFService = pdf.NewService(logger)
	app.ConverterService = converter.NewService(logger)

	engineFactory := crawler.NewFactory(&cfg.Crawler, logger)
	retryEngine := crawler.NewRetryEngine(engineFactory, app.IndexerService, logger)
	app.CrawlerExecutor = crawler.NewExecutor(storage, blobs, app.IndexerService, retryEngine, app.PDFService, &cfg.Crawler, logger)

	schedulerService, err := scheduler.NewService(storage.Jobs(), queues.Queue(models.QueueCrawler), &cfg.Scheduler, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}
	app.SchedulerService = schedulerService

	app.Processor = processor.NewProcessor(
		storage, blobs, queues, app.IndexerService,
		app.PDFService, app.ConverterService, app.CrawlerExecutor,
		&cfg.Pipeline, logger,
	)
	app.JobService = jobs.NewService(storage, blobs, queues, schedulerService, app.IndexerService, &cfg.Pipeline, logger)

	// A task that exhausts its delivery budget must not strand its job
	// in a non-terminal status.
	queues.SetDeadLetterFunc(func(msg models.QueueMessage, reason string) {
		app.JobService.FailAbandonedTask(context.Background(), msg, reason)
	})

	conversionPool, err := queue.NewWorkerPool(queues.Queue(models.QueueConversion), models.QueueConversion, &cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversion worker pool: %w", err)
	}
	conversionPool.RegisterHandler(models.TaskSplitPDF, app.Processor.HandleSplitPDF)
	conversionPool.RegisterHandler(models.TaskConvertPage, app.Processor.HandleConvertPage)
	conversionPool.RegisterHandler(models.TaskMerge, app.Processor.HandleMerge)
	app.conversionPool = conversionPool

	crawlerPool, err := queue.NewWorkerPool(queues.Queue(models.QueueCrawler), models.QueueCrawler, &cfg.Queue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create crawler worker pool: %w", err)
	}
	crawlerPool.RegisterHandler(models.TaskExecuteCrawler, app.Processor.HandleExecuteCrawler)
	app.crawlerPool = crawlerPool

	logger.Info().
		Str("badger_path", cfg.Storage.Badger.Path).
		Str("blob_path", cfg.Storage.Blob.Path).
		Int("queue_concurrency", cfg.Queue.Concurrency).
		Msg("Application initialized")
	return app, nil
}

// Start recovers orphaned work, rehydrates crawler schedules, and
// starts the worker pools.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	// Jobs left processing by a crash must fail before workers pick up
	// redelivered tasks for them.
	if _, err := a.JobService.CleanupOrphanedJobs(ctx); err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}

	if err := a.SchedulerService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if err := a.conversionPool.Start(); err != nil {
		return fmt.Errorf("failed to start conversion workers: %w", err)
	}
	if err := a.crawlerPool.Start(); err != nil {
		return fmt.Errorf("failed to start crawler workers: %w", err)
	}

	go a.maintenanceLoop(ctx)

	a.Logger.Info().Msg("Application started")
	return nil
}

// maintenanceLoop runs the periodic result-retention sweep.
func (a *App) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(resultSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.stopCh:
			return
		case <-ticker.C:
			if _, err := a.JobService.SweepExpiredResults(ctx); err != nil {
				a.Logger.Warn().Err(err).Msg("Result retention sweep failed")
			}
		}
	}
}

// Close shuts the application down: workers first so no handler is
// mid-flight, then the scheduler, then the stores.
func (a *App) Close() {
	close(a.stopCh)
	if a.cancel != nil {
		a.cancel()
	}

	if a.conversionPool != nil {
		if err := a.conversionPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Conversion worker pool stop failed")
		}
	}
	if a.crawlerPool != nil {
		if err := a.crawlerPool.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Crawler worker pool stop failed")
		}
	}
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Scheduler stop failed")
		}
	}
	if a.IndexerService != nil {
		if err := a.IndexerService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Indexer close failed")
		}
	}
	if a.indexerStore != nil {
		if err := a.indexerStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Indexer store close failed")
		}
	}
	if a.QueueManager != nil {
		if err := a.QueueManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Queue manager close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Storage manager close failed")
		}
	}

	a.Logger.Info().Msg("Application stopped")
}
