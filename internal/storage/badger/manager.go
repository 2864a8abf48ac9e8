package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db           *BadgerDB
	jobs         interfaces.JobStorage
	pages        interfaces.PageStorage
	crawledFiles interfaces.CrawledFileStorage
	logger       arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:           db,
		jobs:         NewJobStorage(db, logger),
		pages:        NewPageStorage(db, logger),
		crawledFiles: NewCrawledFileStorage(db, logger),
		logger:       logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

// Jobs returns the Job storage interface
func (m *Manager) Jobs() interfaces.JobStorage {
	return m.jobs
}

// Pages returns the Page storage interface
func (m *Manager) Pages() interfaces.PageStorage {
	return m.pages
}

// CrawledFiles returns the CrawledFile storage interface
func (m *Manager) CrawledFiles() interfaces.CrawledFileStorage {
	return m.crawledFiles
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
