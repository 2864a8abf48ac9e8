package pdf

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
)

// Service handles PDF inspection and page splitting using pdfcpu.
// pdfcpu's API is file based, so operations stage bytes through a
// per-call temp directory.
type Service struct {
	logger  arbor.ILogger
	tempDir string
}

// NewService creates a new PDF service
func NewService(logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "verto-pdf")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		logger:  logger,
		tempDir: tempDir,
	}
}

// PageCount returns the number of pages in the PDF. Unreadable input
// maps to a fatal error; a zero-page document is also treated as
// corrupt since no downstream stage can do anything with it.
func (s *Service) PageCount(data []byte) (int, error) {
	workDir, cleanup, err := s.stage(data)
	if err != nil {
		return 0, err
	}
	defer cleanup()

	pdfCtx, err := api.ReadContextFile(filepath.Join(workDir, "input.pdf"))
	if err != nil {
		return 0, common.Fatalf("corrupt_input: %v", err)
	}
	if pdfCtx.PageCount == 0 {
		return 0, common.Fatalf("corrupt_input: document has no pages")
	}
	return pdfCtx.PageCount, nil
}

// SplitPages splits the PDF into single-page documents, returned in
// page order (index 0 is page 1).
func (s *Service) SplitPages(data []byte) ([][]byte, error) {
	workDir, cleanup, err := s.stage(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	inFile := filepath.Join(workDir, "input.pdf")

	pdfCtx, err := api.ReadContextFile(inFile)
	if err != nil {
		return nil, common.Fatalf("corrupt_input: %v", err)
	}
	pageCount := pdfCtx.PageCount
	if pageCount == 0 {
		return nil, common.Fatalf("corrupt_input: document has no pages")
	}

	outDir := filepath.Join(workDir, "pages")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create split directory: %w", err)
	}

	conf := model.NewDefaultConfiguration()
	if err := api.SplitFile(inFile, outDir, 1, conf); err != nil {
		return nil, common.Fatalf("corrupt_input: split failed: %v", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read split output: %w", err)
	}

	// pdfcpu names outputs input_1.pdf .. input_N.pdf; sort numerically
	// by the page suffix.
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	pageNum := func(name string) int {
		var n int
		fmt.Sscanf(name, "input_%d.pdf", &n)
		return n
	}
	sort.Slice(names, func(i, j int) bool { return pageNum(names[i]) < pageNum(names[j]) })

	if len(names) != pageCount {
		return nil, common.Fatalf("corrupt_input: expected %d page files, got %d", pageCount, len(names))
	}

	pages := make([][]byte, 0, pageCount)
	for _, name := range names {
		pageData, err := os.ReadFile(filepath.Join(outDir, name))
		if err != nil {
			return nil, fmt.Errorf("failed to read page file %s: %w", name, err)
		}
		pages = append(pages, pageData)
	}

	s.logger.Debug().Int("pages", pageCount).Msg("PDF split into pages")
	return pages, nil
}

// Merge combines documents into one PDF in input order. pdfcpu adds a
// bookmark per input file, which is what crawler combined output wants.
// Inputs that fail to parse are skipped with a warning; merging fails
// only when no input survives.
func (s *Service) Merge(inputs [][]byte) ([]byte, error) {
	if len(inputs) == 0 {
		return nil, common.InvalidInputf("nothing to merge")
	}

	workDir := filepath.Join(s.tempDir, uuid.New().String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	conf := model.NewDefaultConfiguration()
	var inFiles []string
	for i, data := range inputs {
		name := filepath.Join(workDir, fmt.Sprintf("doc_%d.pdf", i+1))
		if err := os.WriteFile(name, data, 0644); err != nil {
			return nil, fmt.Errorf("failed to stage merge input %d: %w", i+1, err)
		}
		if _, err := api.ReadContextFile(name); err != nil {
			s.logger.Warn().Int("input", i+1).Err(err).Msg("Skipping corrupt PDF in merge")
			continue
		}
		inFiles = append(inFiles, name)
	}
	if len(inFiles) == 0 {
		return nil, common.Fatalf("corrupt_input: no mergeable documents")
	}

	outFile := filepath.Join(workDir, "merged.pdf")
	if err := api.MergeCreateFile(inFiles, outFile, false, conf); err != nil {
		return nil, common.Fatalf("corrupt_input: merge failed: %v", err)
	}

	merged, err := os.ReadFile(outFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read merged output: %w", err)
	}

	s.logger.Debug().Int("inputs", len(inFiles)).Int("bytes", len(merged)).Msg("PDFs merged")
	return merged, nil
}

// stage writes data into a fresh temp working directory.
func (s *Service) stage(data []byte) (string, func(), error) {
	if len(data) == 0 {
		return "", nil, common.Fatalf("corrupt_input: empty document")
	}
	workDir := filepath.Join(s.tempDir, uuid.New().String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(workDir) }

	if err := os.WriteFile(filepath.Join(workDir, "input.pdf"), data, 0644); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("failed to stage PDF: %w", err)
	}
	return workDir, cleanup, nil
}
