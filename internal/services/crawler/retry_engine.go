package crawler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// AttemptFunc runs one crawl attempt against a freshly built engine.
type AttemptFunc func(ctx context.Context, engine interfaces.Engine) error

// RunResult summarizes a retry-engine run. EngineUsed and ProxyUsed
// reflect the last attempt that ran, successful or not.
type RunResult struct {
	History    []models.RetryHistoryEntry
	EngineUsed models.CrawlerEngine
	ProxyUsed  bool
}

// RetryEngine drives attempt-level retries for crawler executions.
// Each strategy entry fixes the engine and proxy for its attempt; the
// engine is rebuilt per attempt so a wedged browser or a dead proxy
// never leaks into the next try.
type RetryEngine struct {
	factory interfaces.EngineFactory
	indexer interfaces.ProgressIndexer
	logger  arbor.ILogger
}

// NewRetryEngine creates a retry engine
func NewRetryEngine(factory interfaces.EngineFactory, indexer interfaces.ProgressIndexer, logger arbor.ILogger) *RetryEngine {
	return &RetryEngine{
		factory: factory,
		indexer: indexer,
		logger:  logger,
	}
}

// Built-in strategy names.
const (
	StrategyConservative = "conservative"
	StrategyAggressive   = "aggressive"
	StrategyProxyFirst   = "proxy_first"
	StrategyBalanced     = "balanced"
)

// BuiltinStrategy returns the named built-in attempt plan, or nil for an
// unknown name.
func BuiltinStrategy(name string) []models.RetryStrategyEntry {
	switch name {
	case StrategyConservative:
		return []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			{Attempt: 1, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 30},
			{Attempt: 2, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 60},
		}
	case StrategyAggressive:
		return []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			{Attempt: 1, Engine: models.EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 5},
			{Attempt: 2, Engine: models.EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 10},
			{Attempt: 3, Engine: models.EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 15},
		}
	case StrategyProxyFirst:
		return []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: true, DelaySeconds: 0},
			{Attempt: 1, Engine: models.EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 10},
			{Attempt: 2, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 20},
		}
	case StrategyBalanced:
		return []models.RetryStrategyEntry{
			{Attempt: 0, Engine: models.EngineHTMLParser, UseProxy: false, DelaySeconds: 0},
			{Attempt: 1, Engine: models.EngineHeadlessBrowser, UseProxy: false, DelaySeconds: 15},
			{Attempt: 2, Engine: models.EngineHTMLParser, UseProxy: true, DelaySeconds: 30},
			{Attempt: 3, Engine: models.EngineHeadlessBrowser, UseProxy: true, DelaySeconds: 60},
		}
	}
	return nil
}

// ResolveStrategy turns a crawler config into its ordered attempt plan.
// Explicit entries win; retry_enabled without entries gets the balanced
// built-in capped at max_retries; retries disabled means one attempt
// with the configured engine and proxy flag.
func ResolveStrategy(config *models.CrawlerConfig) []models.RetryStrategyEntry {
	if len(config.RetryStrategy) > 0 {
		return config.RetryStrategy
	}

	engine := config.Engine
	if engine == "" {
		engine = models.EngineHTMLParser
	}
	if !config.RetryEnabled {
		return []models.RetryStrategyEntry{
			{Attempt: 0, Engine: engine, UseProxy: config.UseProxy},
		}
	}

	entries := BuiltinStrategy(StrategyBalanced)
	if config.MaxRetries > 0 && config.MaxRetries < len(entries) {
		entries = entries[:config.MaxRetries]
	}
	// First attempt honors the configured engine.
	entries[0].Engine = engine
	entries[0].UseProxy = config.UseProxy
	return entries
}

// Run executes attempt slots in order until one succeeds. Every attempt
// is recorded in history and mirrored to the retry-metrics stream. The
// run aborts between attempts on context cancellation; a terminal
// failure surfaces the last attempt's error with a summary.
func (r *RetryEngine) Run(ctx context.Context, executionID string, config *models.CrawlerConfig, attempt AttemptFunc) (*RunResult, error) {
	entries := ResolveStrategy(config)
	result := &RunResult{}

	var lastErr error
	for _, entry := range entries {
		if entry.DelaySeconds > 0 {
			select {
			case <-ctx.Done():
				r.record(executionID, result, entry, time.Now().UTC(), models.AttemptStatusCancelled, ctx.Err())
				return result, fmt.Errorf("%w: execution aborted before attempt %d", common.ErrCancelled, entry.Attempt)
			case <-time.After(time.Duration(entry.DelaySeconds) * time.Second):
			}
		}
		if ctx.Err() != nil {
			r.record(executionID, result, entry, time.Now().UTC(), models.AttemptStatusCancelled, ctx.Err())
			return result, fmt.Errorf("%w: execution aborted before attempt %d", common.ErrCancelled, entry.Attempt)
		}

		proxy := r.proxyFor(entry, config)
		result.EngineUsed = entry.Engine
		result.ProxyUsed = proxy != nil

		started := time.Now().UTC()
		engine, err := r.factory.NewEngine(entry.Engine, proxy)
		if err == nil {
			err = attempt(ctx, engine)
			engine.Close()
		}

		if err == nil {
			r.record(executionID, result, entry, started, models.AttemptStatusSuccess, nil)
			return result, nil
		}
		lastErr = err

		status := models.AttemptStatusFailed
		if ctx.Err() != nil {
			status = models.AttemptStatusCancelled
		}
		r.record(executionID, result, entry, started, status, err)

		if status == models.AttemptStatusCancelled {
			return result, fmt.Errorf("%w: execution aborted during attempt %d", common.ErrCancelled, entry.Attempt)
		}

		r.logger.Warn().
			Str("execution_id", executionID).
			Int("attempt", entry.Attempt).
			Str("engine", string(entry.Engine)).
			Bool("use_proxy", entry.UseProxy).
			Err(err).
			Msg("Crawl attempt failed")
	}

	return result, fmt.Errorf("all %d attempts failed, last error: %w", len(entries), lastErr)
}

// proxyFor returns the proxy an attempt slot should use, or nil.
func (r *RetryEngine) proxyFor(entry models.RetryStrategyEntry, config *models.CrawlerConfig) *models.ProxyConfig {
	if !entry.UseProxy || config.Proxy == nil {
		return nil
	}
	return config.Proxy
}

func (r *RetryEngine) record(executionID string, result *RunResult, entry models.RetryStrategyEntry, started time.Time, status models.AttemptStatus, err error) {
	completed := time.Now().UTC()
	history := models.RetryHistoryEntry{
		Attempt:         entry.Attempt,
		Engine:          entry.Engine,
		UseProxy:        entry.UseProxy,
		StartedAt:       started,
		CompletedAt:     completed,
		Status:          status,
		DurationSeconds: completed.Sub(started).Seconds(),
	}
	if err != nil {
		history.ErrorType = ClassifyAttemptError(err)
		history.ErrorMessage = common.TruncateError(err.Error())
	}
	result.History = append(result.History, history)

	if r.indexer != nil {
		r.indexer.AppendRetryMetric(&models.RetryMetricDoc{
			ExecutionID: executionID,
			Attempt:     entry.Attempt,
			Engine:      entry.Engine,
			UseProxy:    entry.UseProxy,
			Status:      status,
			ErrorType:   history.ErrorType,
			DurationSec: history.DurationSeconds,
			Timestamp:   completed,
		})
	}
}
