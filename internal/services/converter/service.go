package converter

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/interfaces"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Service converts PDF and HTML documents to markdown. The same input
// always produces the same output; page workers rely on that for
// idempotent re-runs.
type Service struct {
	logger  arbor.ILogger
	tempDir string
}

var _ interfaces.Converter = (*Service)(nil)

// NewService creates a new converter service
func NewService(logger arbor.ILogger) *Service {
	tempDir := filepath.Join(os.TempDir(), "verto-convert")
	os.MkdirAll(tempDir, 0755)

	return &Service{
		logger:  logger,
		tempDir: tempDir,
	}
}

// Convert turns a document into markdown with metadata. hintFormat may
// be empty; the content is sniffed when it is.
func (s *Service) Convert(ctx context.Context, data []byte, hintFormat string) (string, *interfaces.ConvertMeta, error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty document", interfaces.ErrCorruptInput)
	}

	format := hintFormat
	if format == "" {
		format = sniffFormat(data)
	}

	var markdown string
	var meta *interfaces.ConvertMeta
	var err error

	switch format {
	case "pdf":
		markdown, meta, err = s.convertPDF(ctx, data)
	case "html":
		markdown, meta, err = s.convertHTML(data)
	case "markdown", "md", "txt", "text":
		markdown = string(data)
		meta = &interfaces.ConvertMeta{Format: "markdown", Title: firstMarkdownHeading(markdown)}
	default:
		return "", nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedFormat, format)
	}
	if err != nil {
		return "", nil, err
	}

	if ctx.Err() != nil {
		return "", nil, fmt.Errorf("%w: %v", interfaces.ErrConvertTimeout, ctx.Err())
	}

	meta.Words = len(strings.Fields(markdown))
	meta.SizeBytes = int64(len(markdown))
	return markdown, meta, nil
}

func (s *Service) convertPDF(ctx context.Context, data []byte) (string, *interfaces.ConvertMeta, error) {
	workDir := filepath.Join(s.tempDir, uuid.New().String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	defer os.RemoveAll(workDir)

	inFile := filepath.Join(workDir, "input.pdf")
	if err := os.WriteFile(inFile, data, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to stage PDF: %w", err)
	}

	pdfCtx, err := api.ReadContextFile(inFile)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptInput, err)
	}
	pageCount := pdfCtx.PageCount
	if pageCount == 0 {
		return "", nil, fmt.Errorf("%w: document has no pages", interfaces.ErrCorruptInput)
	}

	outDir := filepath.Join(workDir, "content")
	os.MkdirAll(outDir, 0755)

	conf := model.NewDefaultConfiguration()
	pageTexts := make(map[int]string)
	if err := api.ExtractContentFile(inFile, outDir, nil, conf); err != nil {
		// Content extraction can fail on image-only pages; emit page
		// markers with no body rather than failing the conversion.
		s.logger.Warn().Err(err).Msg("PDF content extraction failed, emitting empty pages")
	} else {
		files, _ := os.ReadDir(outDir)
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			content, err := os.ReadFile(filepath.Join(outDir, file.Name()))
			if err != nil {
				continue
			}
			var pageNum int
			if _, err := fmt.Sscanf(file.Name(), "Content_page_%d", &pageNum); err == nil {
				pageTexts[pageNum] = string(content)
			} else if _, err := fmt.Sscanf(file.Name(), "page_%d", &pageNum); err == nil {
				pageTexts[pageNum] = string(content)
			}
		}
	}

	var builder strings.Builder
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("%w: %v", interfaces.ErrConvertTimeout, ctx.Err())
		}
		if pageNum > 1 {
			builder.WriteString("\n\n")
		}
		body := strings.TrimSpace(pageTexts[pageNum])
		if body != "" {
			builder.WriteString(body)
		}
	}

	meta := &interfaces.ConvertMeta{
		Pages:  pageCount,
		Format: "pdf",
	}
	return builder.String(), meta, nil
}

func (s *Service) convertHTML(data []byte) (string, *interfaces.ConvertMeta, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(data))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptInput, err)
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())

	converter := md.NewConverter("", true, nil)
	markdown, err := converter.ConvertString(string(data))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", interfaces.ErrCorruptInput, err)
	}

	markdown = strings.TrimSpace(markdown)
	if title == "" {
		title = firstMarkdownHeading(markdown)
	}

	meta := &interfaces.ConvertMeta{
		Pages:  1,
		Format: "html",
		Title:  title,
	}
	return markdown, meta, nil
}

// sniffFormat guesses the document format from its leading bytes.
func sniffFormat(data []byte) string {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")

	switch {
	case bytes.HasPrefix(trimmed, []byte("%PDF-")):
		return "pdf"
	case bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<!doctype html")),
		bytes.HasPrefix(bytes.ToLower(trimmed), []byte("<html")):
		return "html"
	default:
		return "unknown"
	}
}

// firstMarkdownHeading returns the text of the first heading, if any.
func firstMarkdownHeading(markdown string) string {
	source := []byte(markdown)
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var title string
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := n.(*ast.Heading); ok {
			title = strings.TrimSpace(string(heading.Text(source)))
			return ast.WalkStop, nil
		}
		return ast.WalkContinue, nil
	})
	return title
}
