package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Storage     StorageConfig   `toml:"storage"`
	Queue       QueueConfig     `toml:"queue"`
	Crawler     CrawlerConfig   `toml:"crawler"`
	Pipeline    PipelineConfig  `toml:"pipeline"`
	Scheduler   SchedulerConfig `toml:"scheduler"`
	Indexer     IndexerConfig   `toml:"indexer"`
	Logging     LoggingConfig   `toml:"logging"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
	Blob   BlobConfig   `toml:"blob"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

// BlobConfig represents the filesystem blob store configuration
type BlobConfig struct {
	Path          string `toml:"path"`            // Root directory holding one subdirectory per bucket
	PublicBaseURL string `toml:"public_base_url"` // Base URL prepended to presigned object paths
}

type QueueConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g. "1s" - how often workers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Workers per queue
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g. "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
	SoftTimeout       string `toml:"soft_timeout"`       // Per-task soft timeout (checkpoint + retryable error)
	HardTimeout       string `toml:"hard_timeout"`       // Per-task hard timeout (context cancelled, requeued)
}

// CrawlerConfig contains crawler execution configuration
type CrawlerConfig struct {
	UserAgent              string        `toml:"user_agent"`                // UA string for HTTP fetchers
	MaxConcurrentDownloads int           `toml:"max_concurrent_downloads"`  // Per-execution file fetch concurrency
	MaxConcurrentAssets    int           `toml:"max_concurrent_assets"`     // Per-execution asset fetch concurrency
	DownloadTimeout        time.Duration `toml:"download_timeout"`          // Per-request HTTP timeout
	RespectRobotsTxt       bool          `toml:"respect_robots_txt"`        // Consult robots.txt once per host per execution
	RateLimitPerSecond     float64       `toml:"rate_limit_per_second"`     // Upper bound on per-host requests
	RequestDelay           time.Duration `toml:"request_delay"`             // Per-host politeness delay
	DefaultEngine          string        `toml:"default_engine"`            // Engine when config omits it (html_parser|headless_browser)
	HeadlessTimeout        time.Duration `toml:"headless_timeout"`          // JS-rendering wait ceiling
	MaxRetries             int           `toml:"max_retries"`               // Global cap overriding per-job when lower
	RetryDelayBase         time.Duration `toml:"retry_delay_base"`          // Base for exponential backoff on per-URL retries
	MaxBodySize            int64         `toml:"max_body_size"`             // Maximum response body size in bytes
}

// PipelineConfig contains split/convert/merge pipeline configuration
type PipelineConfig struct {
	MaxPagesPerDocument int           `toml:"max_pages_per_document"` // Split-step refusal threshold
	MergeGracePeriod    time.Duration `toml:"merge_grace_period"`     // Non-terminal pages count as failed after this
	MergeRetryDelay     time.Duration `toml:"merge_retry_delay"`      // Re-enqueue delay while pages are still pending
	InlineMarkdownLimit int           `toml:"inline_markdown_limit"`  // Markdown longer than this goes to the blob store
	ResultTTL           time.Duration `toml:"result_ttl"`             // Retention for result blobs
}

// SchedulerConfig contains crawler schedule configuration
type SchedulerConfig struct {
	NextRunsProjected int    `toml:"next_runs_projected"` // How many upcoming fire instants to persist on the job
	MaxTriggerTTL     string `toml:"max_trigger_ttl"`     // Ceiling for trigger TTL (default "1h")
}

// IndexerConfig contains progress-indexer buffering configuration
type IndexerConfig struct {
	FlushSize       int           `toml:"flush_size"`       // Flush when this many documents are buffered
	FlushInterval   time.Duration `toml:"flush_interval"`   // Flush at least this often
	BufferLimit     int           `toml:"buffer_limit"`     // Drop-oldest beyond this many buffered documents
	MetricRetention time.Duration `toml:"metric_retention"` // Metric streams older than this may be deleted
	EventRetention  time.Duration `toml:"event_retention"`  // Event stream retention
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in verto.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
			Blob: BlobConfig{
				Path:          "./data/blobs",
				PublicBaseURL: "http://localhost:8080/blobs",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
			SoftTimeout:       "55m",
			HardTimeout:       "60m",
		},
		Crawler: CrawlerConfig{
			UserAgent:              "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			MaxConcurrentDownloads: 5,
			MaxConcurrentAssets:    10,
			DownloadTimeout:        60 * time.Second,
			RespectRobotsTxt:       true,
			RateLimitPerSecond:     2,
			RequestDelay:           500 * time.Millisecond,
			DefaultEngine:          "html_parser",
			HeadlessTimeout:        30 * time.Second,
			MaxRetries:             3,
			RetryDelayBase:         time.Second,
			MaxBodySize:            100 * 1024 * 1024, // 100MB
		},
		Pipeline: PipelineConfig{
			MaxPagesPerDocument: 2000,
			MergeGracePeriod:    30 * time.Minute,
			MergeRetryDelay:     15 * time.Second,
			InlineMarkdownLimit: 4 * 1024,
			ResultTTL:           30 * 24 * time.Hour,
		},
		Scheduler: SchedulerConfig{
			NextRunsProjected: 5,
			MaxTriggerTTL:     "1h",
		},
		Indexer: IndexerConfig{
			FlushSize:       100,
			FlushInterval:   5 * time.Second,
			BufferLimit:     10000,
			MetricRetention: 7 * 24 * time.Hour,
			EventRetention:  90 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFile loads configuration with priority: defaults -> file -> env.
func LoadFromFile(path string) (*Config, error) {
	config := NewDefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks configuration bounds that would otherwise surface as
// confusing runtime behavior.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: config validation: %v", ErrInvalidInput, err)
	}
	if c.Pipeline.MaxPagesPerDocument <= 0 {
		return InvalidInputf("pipeline.max_pages_per_document must be positive")
	}
	if c.Crawler.MaxConcurrentDownloads <= 0 || c.Crawler.MaxConcurrentAssets <= 0 {
		return InvalidInputf("crawler concurrency limits must be positive")
	}
	if c.Indexer.FlushSize <= 0 || c.Indexer.BufferLimit < c.Indexer.FlushSize {
		return InvalidInputf("indexer buffer bounds are inconsistent")
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("VERTO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if path := os.Getenv("VERTO_BADGER_PATH"); path != "" {
		config.Storage.Badger.Path = path
	}
	if path := os.Getenv("VERTO_BLOB_PATH"); path != "" {
		config.Storage.Blob.Path = path
	}
	if level := os.Getenv("VERTO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if conc := os.Getenv("VERTO_QUEUE_CONCURRENCY"); conc != "" {
		if n, err := strconv.Atoi(conc); err == nil && n > 0 {
			config.Queue.Concurrency = n
		}
	}
	if ua := os.Getenv("VERTO_USER_AGENT"); ua != "" {
		config.Crawler.UserAgent = ua
	}
}
