package crawler

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/verto/internal/models"
)

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

const samplePage = `<!DOCTYPE html>
<html>
<head>
  <title>Docs</title>
  <link rel="stylesheet" href="/css/site.css">
  <link rel="icon" href="/favicon.ico">
  <script src="https://cdn.example.com/app.js"></script>
  <style>.hero { background: url('/img/hero.png'); }</style>
</head>
<body>
  <img src="logo.svg">
  <div style="background-image: url(banner.jpg)"></div>
  <video><source src="/media/intro.mp4"></video>
  <a href="/reports/annual.pdf">Annual report</a>
  <a href="/about">About</a>
  <a href="/about#team">Team</a>
  <a href="mailto:info@example.com">Mail</a>
  <a href="javascript:void(0)">Noop</a>
  <a href="ftp://example.com/legacy">Legacy</a>
</body>
</html>`

func TestExtractAssetURLs(t *testing.T) {
	all := []models.AssetType{
		models.AssetTypeCSS, models.AssetTypeJS, models.AssetTypeImages,
		models.AssetTypeFonts, models.AssetTypeVideos, models.AssetTypeDocuments,
	}
	assets, err := extractAssetURLs([]byte(samplePage), "https://example.com/docs/", all)
	require.NoError(t, err)

	assert.Equal(t, []string{"https://example.com/css/site.css"}, assets[models.AssetTypeCSS])
	assert.Equal(t, []string{"https://cdn.example.com/app.js"}, assets[models.AssetTypeJS])
	assert.ElementsMatch(t, []string{
		"https://example.com/favicon.ico",
		"https://example.com/docs/logo.svg",
		"https://example.com/img/hero.png",
		"https://example.com/docs/banner.jpg",
	}, assets[models.AssetTypeImages])
	assert.Equal(t, []string{"https://example.com/media/intro.mp4"}, assets[models.AssetTypeVideos])
	assert.Equal(t, []string{"https://example.com/reports/annual.pdf"}, assets[models.AssetTypeDocuments])
	assert.Empty(t, assets[models.AssetTypeFonts])
}

func TestExtractAssetURLs_FiltersByType(t *testing.T) {
	assets, err := extractAssetURLs([]byte(samplePage), "https://example.com/docs/", []models.AssetType{models.AssetTypeCSS})
	require.NoError(t, err)

	assert.Len(t, assets, 1)
	assert.Equal(t, []string{"https://example.com/css/site.css"}, assets[models.AssetTypeCSS])
}

func TestExtractLinks(t *testing.T) {
	links, err := extractLinks([]byte(samplePage), "https://example.com/docs/", nil)
	require.NoError(t, err)

	// Fragment variant of /about dedupes, non-http schemes drop.
	assert.Equal(t, []string{
		"https://example.com/reports/annual.pdf",
		"https://example.com/about",
	}, links)
}

func TestExtractLinks_ExtensionFilter(t *testing.T) {
	links, err := extractLinks([]byte(samplePage), "https://example.com/docs/", []string{"pdf"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://example.com/reports/annual.pdf"}, links)
}

func TestClassifyAssetURL(t *testing.T) {
	tests := []struct {
		url  string
		want models.AssetType
	}{
		{"https://example.com/site.css", models.AssetTypeCSS},
		{"https://example.com/app.mjs", models.AssetTypeJS},
		{"https://example.com/a/b/logo.WEBP", models.AssetTypeImages},
		{"https://example.com/font.woff2", models.AssetTypeFonts},
		{"https://example.com/intro.mp4", models.AssetTypeVideos},
		{"https://example.com/report.pdf", models.AssetTypeDocuments},
		{"https://example.com/about", ""},
		{"https://example.com/page.html", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyAssetURL(tt.url), tt.url)
	}
}

func TestSameHost(t *testing.T) {
	assert.True(t, sameHost("https://example.com/a", "https://EXAMPLE.com/b"))
	assert.False(t, sameHost("https://example.com/a", "https://cdn.example.com/b"))
	assert.False(t, sameHost("https://example.com/a", "://bad"))
}

func TestResolveRef(t *testing.T) {
	base := mustParse(t, "https://example.com/docs/")

	assert.Equal(t, "https://example.com/docs/page", resolveRef("page", base))
	assert.Equal(t, "https://example.com/root", resolveRef("/root", base))
	assert.Equal(t, "https://other.com/x", resolveRef("https://other.com/x", base))
	assert.Equal(t, "https://example.com/docs/page", resolveRef("page#section", base))
	assert.Equal(t, "", resolveRef("#top", base))
	assert.Equal(t, "", resolveRef("mailto:x@y.z", base))
	assert.Equal(t, "", resolveRef("ftp://example.com/f", base))
}
