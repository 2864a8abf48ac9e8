package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/ternarybob/verto/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CrawledFileStorage implements the CrawledFileStorage interface for Badger
type CrawledFileStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawledFileStorage creates a new CrawledFileStorage instance
func NewCrawledFileStorage(db *BadgerDB, logger arbor.ILogger) interfaces.CrawledFileStorage {
	return &CrawledFileStorage{
		db:     db,
		logger: logger,
	}
}

func (s *CrawledFileStorage) SaveCrawledFile(ctx context.Context, file *models.CrawledFile) error {
	if file == nil || file.ID == "" {
		return common.InvalidInputf("crawled file ID is required")
	}
	if file.ExecutionID == "" {
		return common.InvalidInputf("execution ID is required")
	}
	if err := s.db.Store().Upsert(file.ID, file); err != nil {
		return fmt.Errorf("failed to save crawled file: %w", err)
	}
	return nil
}

func (s *CrawledFileStorage) GetCrawledFiles(ctx context.Context, executionID string) ([]*models.CrawledFile, error) {
	var files []models.CrawledFile
	query := badgerhold.Where("ExecutionID").Eq(executionID).SortBy("DownloadedAt")
	if err := s.db.Store().Find(&files, query); err != nil {
		return nil, fmt.Errorf("failed to get crawled files: %w", err)
	}

	result := make([]*models.CrawledFile, len(files))
	for i := range files {
		result[i] = &files[i]
	}
	return result, nil
}

func (s *CrawledFileStorage) DeleteCrawledFiles(ctx context.Context, executionID string) error {
	if err := s.db.Store().DeleteMatching(&models.CrawledFile{}, badgerhold.Where("ExecutionID").Eq(executionID)); err != nil {
		return fmt.Errorf("failed to delete crawled files: %w", err)
	}
	return nil
}
