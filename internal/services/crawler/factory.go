package crawler

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
)

// Factory builds engines per execution attempt, so each attempt gets
// the engine and proxy its retry-strategy slot prescribes.
type Factory struct {
	config *common.CrawlerConfig
	logger arbor.ILogger
}

var _ interfaces.EngineFactory = (*Factory)(nil)

// NewFactory creates an engine factory
func NewFactory(config *common.CrawlerConfig, logger arbor.ILogger) *Factory {
	return &Factory{
		config: config,
		logger: logger,
	}
}

// NewEngine constructs the requested engine. An empty engine name falls
// back to the configured default.
func (f *Factory) NewEngine(engine models.CrawlerEngine, proxy *models.ProxyConfig) (interfaces.Engine, error) {
	if engine == "" {
		engine = models.CrawlerEngine(f.config.DefaultEngine)
	}
	switch engine {
	case models.EngineHeadlessBrowser:
		return NewBrowserEngine(f.config, proxy, f.logger)
	case models.EngineHTMLParser, "":
		return NewHTMLEngine(f.config, proxy, f.logger)
	default:
		return nil, common.InvalidInputf("unknown crawler engine: %s", engine)
	}
}
