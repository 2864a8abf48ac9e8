package converter

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/interfaces"
)

func makePDF(t *testing.T, text string) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Arial", "", 12)
	doc.AddPage()
	doc.Cell(40, 10, text)
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestConvert_HTML(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	html := `<!DOCTYPE html>
<html><head><title>Quarterly Report</title></head>
<body><h1>Results</h1><p>Revenue was <strong>up</strong> this quarter.</p></body></html>`

	markdown, meta, err := svc.Convert(context.Background(), []byte(html), "html")
	require.NoError(t, err)
	assert.Contains(t, markdown, "# Results")
	assert.Contains(t, markdown, "**up**")
	assert.Equal(t, "html", meta.Format)
	assert.Equal(t, "Quarterly Report", meta.Title)
	assert.Greater(t, meta.Words, 0)
}

func TestConvert_HTMLSniffed(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	html := `<html><body><h2>Sniffed</h2></body></html>`
	markdown, meta, err := svc.Convert(context.Background(), []byte(html), "")
	require.NoError(t, err)
	assert.Contains(t, markdown, "Sniffed")
	assert.Equal(t, "html", meta.Format)
}

func TestConvert_PDF(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	markdown, meta, err := svc.Convert(context.Background(), makePDF(t, "Hello"), "pdf")
	require.NoError(t, err)
	assert.Equal(t, "pdf", meta.Format)
	assert.Equal(t, 1, meta.Pages)
	_ = markdown // Text extraction content varies; format and page count are the contract.
}

func TestConvert_Deterministic(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	html := []byte(`<html><body><p>same in, same out</p></body></html>`)
	first, _, err := svc.Convert(context.Background(), html, "html")
	require.NoError(t, err)
	second, _, err := svc.Convert(context.Background(), html, "html")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConvert_UnsupportedFormat(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	_, _, err := svc.Convert(context.Background(), []byte("binary junk"), "docx")
	assert.True(t, errors.Is(err, interfaces.ErrUnsupportedFormat))

	// Unsniffable content without a hint is unsupported, not corrupt.
	_, _, err = svc.Convert(context.Background(), []byte{0x00, 0x01, 0x02}, "")
	assert.True(t, errors.Is(err, interfaces.ErrUnsupportedFormat))
}

func TestConvert_CorruptPDF(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	_, _, err := svc.Convert(context.Background(), []byte("%PDF-1.4 truncated"), "pdf")
	assert.True(t, errors.Is(err, interfaces.ErrCorruptInput))

	_, _, err = svc.Convert(context.Background(), nil, "pdf")
	assert.True(t, errors.Is(err, interfaces.ErrCorruptInput))
}

func TestConvert_MarkdownPassthrough(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	src := "# Title\n\nBody text."
	markdown, meta, err := svc.Convert(context.Background(), []byte(src), "markdown")
	require.NoError(t, err)
	assert.Equal(t, src, markdown)
	assert.Equal(t, "Title", meta.Title)
}
