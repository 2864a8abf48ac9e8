package pdf

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/go-pdf/fpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/verto/internal/common"
)

// makePDF synthesizes a simple n-page PDF.
func makePDF(t *testing.T, pages int) []byte {
	t.Helper()
	doc := fpdf.New("P", "mm", "A4", "")
	doc.SetFont("Arial", "", 12)
	for i := 1; i <= pages; i++ {
		doc.AddPage()
		doc.Cell(40, 10, fmt.Sprintf("Page %d", i))
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestPageCount(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	for _, n := range []int{1, 3, 7} {
		count, err := svc.PageCount(makePDF(t, n))
		require.NoError(t, err)
		assert.Equal(t, n, count)
	}
}

func TestPageCount_CorruptInput(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	_, err := svc.PageCount([]byte("not a pdf at all"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFatal))

	_, err = svc.PageCount(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFatal))
}

func TestSplitPages(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	pages, err := svc.SplitPages(makePDF(t, 4))
	require.NoError(t, err)
	require.Len(t, pages, 4)

	// Every split output is itself a valid single-page PDF.
	for i, page := range pages {
		count, err := svc.PageCount(page)
		require.NoError(t, err, "page %d", i+1)
		assert.Equal(t, 1, count, "page %d", i+1)
	}
}

func TestSplitPages_SinglePage(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	pages, err := svc.SplitPages(makePDF(t, 1))
	require.NoError(t, err)
	assert.Len(t, pages, 1)
}

func TestSplitPages_CorruptInput(t *testing.T) {
	svc := NewService(arbor.NewLogger())

	_, err := svc.SplitPages([]byte("%PDF-garbage"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFatal))
}
