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

// PageStorage implements the PageStorage interface for Badger
type PageStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewPageStorage creates a new PageStorage instance
func NewPageStorage(db *BadgerDB, logger arbor.ILogger) interfaces.PageStorage {
	return &PageStorage{
		db:     db,
		logger: logger,
	}
}

func (s *PageStorage) UpsertPages(ctx context.Context, mainJobID string, pages []*models.Page) error {
	if mainJobID == "" {
		return common.InvalidInputf("main job ID is required")
	}
	for _, page := range pages {
		if page.ID == "" {
			return common.InvalidInputf("page ID is required")
		}
		page.MainJobID = mainJobID
		if err := s.db.Store().Upsert(page.ID, page); err != nil {
			return fmt.Errorf("failed to upsert page %d: %w", page.PageNumber, err)
		}
	}
	return nil
}

func (s *PageStorage) GetPage(ctx context.Context, pageID string) (*models.Page, error) {
	var page models.Page
	if err := s.db.Store().Get(pageID, &page); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, common.NotFoundf("page not found: %s", pageID)
		}
		return nil, fmt.Errorf("failed to get page: %w", err)
	}
	return &page, nil
}

func (s *PageStorage) GetPageByJob(ctx context.Context, pageJobID string) (*models.Page, error) {
	var pages []models.Page
	if err := s.db.Store().Find(&pages, badgerhold.Where("JobID").Eq(pageJobID)); err != nil {
		return nil, fmt.Errorf("failed to get page by job: %w", err)
	}
	if len(pages) == 0 {
		return nil, common.NotFoundf("no page for job: %s", pageJobID)
	}
	return &pages[0], nil
}

func (s *PageStorage) GetPages(ctx context.Context, mainJobID string, opts *interfaces.PageListOptions) ([]*models.Page, error) {
	query := badgerhold.Where("MainJobID").Eq(mainJobID).SortBy("PageNumber")
	if opts != nil {
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
	}

	var pages []models.Page
	if err := s.db.Store().Find(&pages, query); err != nil {
		return nil, fmt.Errorf("failed to get pages: %w", err)
	}

	result := make([]*models.Page, len(pages))
	for i := range pages {
		result[i] = &pages[i]
	}
	return result, nil
}

func (s *PageStorage) UpdatePage(ctx context.Context, page *models.Page) error {
	if page == nil || page.ID == "" {
		return common.InvalidInputf("page ID is required")
	}
	if err := s.db.Store().Update(page.ID, page); err != nil {
		if err == badgerhold.ErrNotFound {
			return common.NotFoundf("page not found: %s", page.ID)
		}
		return fmt.Errorf("failed to update page: %w", err)
	}
	return nil
}

func (s *PageStorage) DeletePages(ctx context.Context, mainJobID string) error {
	if err := s.db.Store().DeleteMatching(&models.Page{}, badgerhold.Where("MainJobID").Eq(mainJobID)); err != nil {
		return fmt.Errorf("failed to delete pages: %w", err)
	}
	return nil
}
