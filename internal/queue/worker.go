package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// TaskHandler executes one queue message. The error's kind decides the
// message's fate: transient errors leave the message unacked for
// redelivery, everything else acks it.
type TaskHandler func(ctx context.Context, msg *models.QueueMessage) error

// WorkerPool polls one queue with a fixed number of workers and routes
// messages to registered handlers by task kind.
type WorkerPool struct {
	queue        interfaces.Queue
	queueName    string
	handlers     map[models.TaskKind]TaskHandler
	logger       arbor.ILogger
	pollInterval time.Duration
	concurrency  int
	softTimeout  time.Duration
	hardTimeout  time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	doneCh       chan struct{}
}

// NewWorkerPool creates a worker pool over a named queue.
func NewWorkerPool(queue interfaces.Queue, queueName string, config *common.QueueConfig, logger arbor.ILogger) (*WorkerPool, error) {
	pollInterval := time.Second
	if config.PollInterval != "" {
		d, err := time.ParseDuration(config.PollInterval)
		if err != nil {
			return nil, common.InvalidInputf("invalid poll_interval: %v", err)
		}
		pollInterval = d
	}
	softTimeout := 55 * time.Minute
	if config.SoftTimeout != "" {
		d, err := time.ParseDuration(config.SoftTimeout)
		if err != nil {
			return nil, common.InvalidInputf("invalid soft_timeout: %v", err)
		}
		softTimeout = d
	}
	hardTimeout := 60 * time.Minute
	if config.HardTimeout != "" {
		d, err := time.ParseDuration(config.HardTimeout)
		if err != nil {
			return nil, common.InvalidInputf("invalid hard_timeout: %v", err)
		}
		hardTimeout = d
	}
	concurrency := config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		queue:        queue,
		queueName:    queueName,
		handlers:     make(map[models.TaskKind]TaskHandler),
		logger:       logger,
		pollInterval: pollInterval,
		concurrency:  concurrency,
		softTimeout:  softTimeout,
		hardTimeout:  hardTimeout,
		ctx:          ctx,
		cancel:       cancel,
		doneCh:       make(chan struct{}),
	}, nil
}

// RegisterHandler registers a task kind handler
func (wp *WorkerPool) RegisterHandler(kind models.TaskKind, handler TaskHandler) {
	wp.handlers[kind] = handler
	wp.logger.Debug().
		Str("queue", wp.queueName).
		Str("kind", string(kind)).
		Msg("Task handler registered")
}

// Start starts the worker pool
func (wp *WorkerPool) Start() error {
	wp.logger.Info().
		Str("queue", wp.queueName).
		Int("concurrency", wp.concurrency).
		Msg("Starting worker pool")

	for i := 0; i < wp.concurrency; i++ {
		go wp.worker(i)
	}
	return nil
}

// Stop signals workers to exit after their current task.
func (wp *WorkerPool) Stop() error {
	wp.logger.Info().Str("queue", wp.queueName).Msg("Stopping worker pool")
	wp.cancel()
	return nil
}

// worker is the main worker loop that processes messages
func (wp *WorkerPool) worker(workerID int) {
	// Stagger worker starts to spread polling across the interval.
	staggerDelay := (wp.pollInterval / time.Duration(wp.concurrency)) * time.Duration(workerID)
	if staggerDelay > 0 {
		time.Sleep(staggerDelay)
	}

	wp.logger.Debug().
		Str("queue", wp.queueName).
		Int("worker_id", workerID).
		Msg("Worker started")

	ticker := time.NewTicker(wp.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug().
				Str("queue", wp.queueName).
				Int("worker_id", workerID).
				Msg("Worker stopped")
			return

		case <-ticker.C:
			if err := wp.processMessage(workerID); err != nil && err != models.ErrNoMessage {
				wp.logger.Warn().
					Err(err).
					Str("queue", wp.queueName).
					Int("worker_id", workerID).
					Msg("Error processing message")
			}
		}
	}
}

// processMessage receives and processes a single message
func (wp *WorkerPool) processMessage(workerID int) error {
	msg, done, err := wp.queue.Receive(wp.ctx)
	if err != nil {
		return err
	}

	handler, exists := wp.handlers[msg.Kind]
	if !exists {
		wp.logger.Error().
			Str("queue", wp.queueName).
			Str("kind", string(msg.Kind)).
			Str("job_id", msg.JobID).
			Msg("No handler registered for task kind")
		// Ack so an unroutable message cannot loop forever.
		if ackErr := done(); ackErr != nil {
			wp.logger.Warn().Err(ackErr).Msg("Failed to ack unroutable message")
		}
		return fmt.Errorf("no handler for task kind: %s", msg.Kind)
	}

	wp.logger.Debug().
		Str("queue", wp.queueName).
		Str("kind", string(msg.Kind)).
		Str("job_id", msg.JobID).
		Int("worker_id", workerID).
		Msg("Processing message")

	taskCtx, cancelTask := context.WithTimeout(wp.ctx, wp.hardTimeout)
	defer cancelTask()

	softTimer := time.AfterFunc(wp.softTimeout, func() {
		wp.logger.Warn().
			Str("queue", wp.queueName).
			Str("kind", string(msg.Kind)).
			Str("job_id", msg.JobID).
			Dur("soft_timeout", wp.softTimeout).
			Msg("Task exceeded soft timeout, hard cancel approaching")
	})
	defer softTimer.Stop()

	startTime := time.Now()
	handlerErr := wp.runHandler(taskCtx, handler, msg)
	duration := time.Since(startTime)

	if handlerErr != nil {
		kind := common.Kind(handlerErr)
		wp.logger.Error().
			Err(handlerErr).
			Str("queue", wp.queueName).
			Str("kind", string(msg.Kind)).
			Str("job_id", msg.JobID).
			Str("error_kind", string(kind)).
			Dur("duration", duration).
			Int("worker_id", workerID).
			Msg("Task handler failed")

		// Transient failures and hard-timeout cancellations leave the
		// message unacked; it returns after the visibility timeout, up
		// to the queue's max receive count.
		if kind == common.KindTransient || taskCtx.Err() != nil {
			return handlerErr
		}
		if err := done(); err != nil {
			wp.logger.Warn().Err(err).Str("job_id", msg.JobID).Msg("Failed to ack message after failure")
		}
		return handlerErr
	}

	wp.logger.Info().
		Str("queue", wp.queueName).
		Str("kind", string(msg.Kind)).
		Str("job_id", msg.JobID).
		Dur("duration", duration).
		Int("worker_id", workerID).
		Msg("Task completed")

	if err := done(); err != nil {
		wp.logger.Warn().
			Err(err).
			Str("job_id", msg.JobID).
			Msg("Failed to ack message after successful processing")
		return err
	}
	return nil
}

// runHandler invokes the handler with panic containment. A panicking
// task must not take its worker down.
func (wp *WorkerPool) runHandler(ctx context.Context, handler TaskHandler, msg *models.QueueMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := common.TruncateError(string(debug.Stack()))
			wp.logger.Error().
				Str("queue", wp.queueName).
				Str("kind", string(msg.Kind)).
				Str("job_id", msg.JobID).
				Str("stack", stack).
				Msg("Task handler panicked")
			err = common.Fatalf("task panicked: %v", r)
		}
	}()
	return handler(ctx, msg)
}
