package models

import (
	"fmt"
	"time"
)

// CrawlMode controls what a crawler execution collects
type CrawlMode string

const (
	CrawlModePageOnly         CrawlMode = "page_only"          // Seed page HTML only
	CrawlModePageWithAll      CrawlMode = "page_with_all"      // Page plus every referenced asset
	CrawlModePageWithFiltered CrawlMode = "page_with_filtered" // Page plus assets/files matching filters
	CrawlModeFullWebsite      CrawlMode = "full_website"       // Follow links up to max_depth
)

// CrawlerEngine selects the fetch implementation
type CrawlerEngine string

const (
	EngineHTMLParser      CrawlerEngine = "html_parser"
	EngineHeadlessBrowser CrawlerEngine = "headless_browser"
)

// AssetType classifies downloadable page assets
type AssetType string

const (
	AssetTypeCSS       AssetType = "css"
	AssetTypeJS        AssetType = "js"
	AssetTypeImages    AssetType = "images"
	AssetTypeFonts     AssetType = "fonts"
	AssetTypeVideos    AssetType = "videos"
	AssetTypeDocuments AssetType = "documents"
)

// PDFHandling controls what happens to downloaded PDFs
type PDFHandling string

const (
	PDFHandlingIndividual PDFHandling = "individual" // Keep each PDF as its own artifact
	PDFHandlingCombined   PDFHandling = "combined"   // Merge into one output with bookmarks
	PDFHandlingBoth       PDFHandling = "both"
)

// ProxyConfig carries optional proxy settings for either engine
type ProxyConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"` // http, https, socks5
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy as a URL string usable by http.Transport.
func (p *ProxyConfig) URL() string {
	if p == nil || p.Host == "" {
		return ""
	}
	auth := ""
	if p.Username != "" {
		auth = p.Username
		if p.Password != "" {
			auth += ":" + p.Password
		}
		auth += "@"
	}
	protocol := p.Protocol
	if protocol == "" {
		protocol = "http"
	}
	return fmt.Sprintf("%s://%s%s:%d", protocol, auth, p.Host, p.Port)
}

// RetryStrategyEntry is one attempt slot in a crawler retry strategy.
// Entries run in order; each fixes the engine and proxy for its attempt.
type RetryStrategyEntry struct {
	Attempt      int           `json:"attempt"`
	Engine       CrawlerEngine `json:"engine"`
	UseProxy     bool          `json:"use_proxy"`
	DelaySeconds int           `json:"delay_seconds"`
}

// CrawlerConfig is the JSON value object carried on crawler jobs.
// Snapshot at job creation time so executions are self-contained.
type CrawlerConfig struct {
	Mode                CrawlMode            `json:"mode"`
	Engine              CrawlerEngine        `json:"engine"`
	UseProxy            bool                 `json:"use_proxy"`
	Proxy               *ProxyConfig         `json:"proxy,omitempty"`
	AssetTypes          []AssetType          `json:"asset_types,omitempty"`
	FileExtensions      []string             `json:"file_extensions,omitempty"`
	PDFHandling         PDFHandling          `json:"pdf_handling"`
	MaxDepth            int                  `json:"max_depth"`
	FollowExternalLinks bool                 `json:"follow_external_links"`
	RetryEnabled        bool                 `json:"retry_enabled"`
	MaxRetries          int                  `json:"max_retries"`
	RetryStrategy       []RetryStrategyEntry `json:"retry_strategy,omitempty"`
}

// Validate checks the config at the JSON boundary.
func (c *CrawlerConfig) Validate() error {
	switch c.Mode {
	case CrawlModePageOnly, CrawlModePageWithAll, CrawlModePageWithFiltered, CrawlModeFullWebsite:
	default:
		return fmt.Errorf("invalid crawl mode: %q", c.Mode)
	}

	switch c.Engine {
	case EngineHTMLParser, EngineHeadlessBrowser, "":
	default:
		return fmt.Errorf("invalid engine: %q", c.Engine)
	}

	switch c.PDFHandling {
	case PDFHandlingIndividual, PDFHandlingCombined, PDFHandlingBoth, "":
	default:
		return fmt.Errorf("invalid pdf_handling: %q", c.PDFHandling)
	}

	for _, at := range c.AssetTypes {
		switch at {
		case AssetTypeCSS, AssetTypeJS, AssetTypeImages, AssetTypeFonts, AssetTypeVideos, AssetTypeDocuments:
		default:
			return fmt.Errorf("invalid asset type: %q", at)
		}
	}

	if c.UseProxy && c.Proxy == nil {
		return fmt.Errorf("use_proxy set without proxy configuration")
	}
	if c.Proxy != nil {
		switch c.Proxy.Protocol {
		case "http", "https", "socks5", "":
		default:
			return fmt.Errorf("invalid proxy protocol: %q", c.Proxy.Protocol)
		}
	}
	if c.MaxDepth < 0 {
		return fmt.Errorf("max_depth cannot be negative")
	}

	return validateRetryStrategy(c.RetryStrategy)
}

// validateRetryStrategy enforces well-formed entries: strictly increasing
// attempt starting at 0, non-negative delays, known engines.
func validateRetryStrategy(entries []RetryStrategyEntry) error {
	for i, entry := range entries {
		if entry.Attempt != i {
			return fmt.Errorf("retry strategy attempt %d out of order (want %d)", entry.Attempt, i)
		}
		if entry.DelaySeconds < 0 {
			return fmt.Errorf("retry strategy attempt %d has negative delay", entry.Attempt)
		}
		switch entry.Engine {
		case EngineHTMLParser, EngineHeadlessBrowser:
		default:
			return fmt.Errorf("retry strategy attempt %d has invalid engine %q", entry.Attempt, entry.Engine)
		}
	}
	return nil
}

// ScheduleType distinguishes one-shot from recurring crawlers
type ScheduleType string

const (
	ScheduleTypeOneTime   ScheduleType = "one_time"
	ScheduleTypeRecurring ScheduleType = "recurring"
)

// CrawlerSchedule is the JSON value object describing when a crawler
// fires. NextRuns is a cache of upcoming wall-clock instants in UTC;
// the authoritative representation is (cron, timezone, last fire) and
// the cache is always reconstructible from it.
type CrawlerSchedule struct {
	Type           ScheduleType `json:"type"`
	CronExpression string       `json:"cron_expression,omitempty"`
	Timezone       string       `json:"timezone,omitempty"`
	NextRuns       []time.Time  `json:"next_runs,omitempty"`
	LastFire       time.Time    `json:"last_fire,omitempty"`
}

// Validate checks the schedule at the JSON boundary.
func (s *CrawlerSchedule) Validate() error {
	switch s.Type {
	case ScheduleTypeOneTime:
		return nil
	case ScheduleTypeRecurring:
		if s.CronExpression == "" {
			return fmt.Errorf("recurring schedule requires cron_expression")
		}
		return nil
	default:
		return fmt.Errorf("invalid schedule type: %q", s.Type)
	}
}

// AttemptStatus is the outcome of a single retry-engine attempt
type AttemptStatus string

const (
	AttemptStatusSuccess   AttemptStatus = "success"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCancelled AttemptStatus = "cancelled"
)

// AttemptErrorType classifies why an attempt failed
type AttemptErrorType string

const (
	AttemptErrorTimeout    AttemptErrorType = "timeout"
	AttemptErrorHTTP4xx    AttemptErrorType = "http_4xx"
	AttemptErrorHTTP5xx    AttemptErrorType = "http_5xx"
	AttemptErrorJavaScript AttemptErrorType = "javascript_error"
	AttemptErrorProxy      AttemptErrorType = "proxy_error"
	AttemptErrorOther      AttemptErrorType = "other"
)

// RetryHistoryEntry records one retry-engine attempt on a crawler
// execution job.
type RetryHistoryEntry struct {
	Attempt         int              `json:"attempt"`
	Engine          CrawlerEngine    `json:"engine"`
	UseProxy        bool             `json:"use_proxy"`
	StartedAt       time.Time        `json:"started_at"`
	CompletedAt     time.Time        `json:"completed_at"`
	Status          AttemptStatus    `json:"status"`
	ErrorType       AttemptErrorType `json:"error_type,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
}
