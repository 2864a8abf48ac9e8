package crawler

import (
	"bytes"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/ternarybob/verto/internal/models"
)

// cssURLPattern matches url(...) references inside style blocks and
// attributes, covering background images and @font-face sources.
var cssURLPattern = regexp.MustCompile(`url\(\s*['"]?([^'")\s]+)['"]?\s*\)`)

var assetExtensions = map[models.AssetType][]string{
	models.AssetTypeCSS:       {".css"},
	models.AssetTypeJS:        {".js", ".mjs"},
	models.AssetTypeImages:    {".png", ".jpg", ".jpeg", ".gif", ".svg", ".webp", ".ico", ".bmp"},
	models.AssetTypeFonts:     {".woff", ".woff2", ".ttf", ".otf", ".eot"},
	models.AssetTypeVideos:    {".mp4", ".webm", ".ogg", ".mov", ".avi"},
	models.AssetTypeDocuments: {".pdf", ".doc", ".docx", ".xls", ".xlsx", ".ppt", ".pptx", ".csv", ".txt"},
}

// classifyAssetURL maps a URL to an asset type by extension, or "".
func classifyAssetURL(rawURL string) models.AssetType {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" {
		return ""
	}
	for assetType, exts := range assetExtensions {
		for _, e := range exts {
			if ext == e {
				return assetType
			}
		}
	}
	return ""
}

// extractAssetURLs finds asset references of the requested types in the
// HTML, resolved against baseURL and deduplicated.
func extractAssetURLs(html []byte, baseURL string, assetTypes []models.AssetType) (map[models.AssetType][]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(baseURL)
	wanted := make(map[models.AssetType]bool, len(assetTypes))
	for _, t := range assetTypes {
		wanted[t] = true
	}

	found := make(map[models.AssetType][]string)
	seen := make(map[string]bool)

	add := func(ref string, fallback models.AssetType) {
		resolved := resolveRef(ref, base)
		if resolved == "" || seen[resolved] {
			return
		}
		assetType := classifyAssetURL(resolved)
		if assetType == "" {
			assetType = fallback
		}
		if assetType == "" || !wanted[assetType] {
			return
		}
		seen[resolved] = true
		found[assetType] = append(found[assetType], resolved)
	}

	doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		rel, _ := s.Attr("rel")
		fallback := models.AssetType("")
		if strings.Contains(rel, "stylesheet") {
			fallback = models.AssetTypeCSS
		} else if strings.Contains(rel, "icon") {
			fallback = models.AssetTypeImages
		}
		add(href, fallback)
	})

	doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.AssetTypeJS)
	})

	doc.Find("img[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.AssetTypeImages)
	})

	doc.Find("video[src], video source[src], audio[src], audio source[src]").Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		add(src, models.AssetTypeVideos)
	})

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		// Anchors only contribute when the target is a recognized
		// document or media file.
		add(href, "")
	})

	// url(...) references in inline styles and <style> blocks.
	doc.Find("style").Each(func(_ int, s *goquery.Selection) {
		for _, m := range cssURLPattern.FindAllStringSubmatch(s.Text(), -1) {
			add(m[1], models.AssetTypeImages)
		}
	})
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		for _, m := range cssURLPattern.FindAllStringSubmatch(style, -1) {
			add(m[1], models.AssetTypeImages)
		}
	})

	return found, nil
}

// extractLinks collects outgoing anchor links, resolved and
// deduplicated, optionally restricted to the given file extensions.
func extractLinks(html []byte, baseURL string, extensions []string) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, err
	}

	base, _ := url.Parse(baseURL)
	var links []string
	seen := make(map[string]bool)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		resolved := resolveRef(href, base)
		if resolved == "" || seen[resolved] {
			return
		}
		if len(extensions) > 0 && !matchesExtension(resolved, extensions) {
			return
		}
		seen[resolved] = true
		links = append(links, resolved)
	})
	return links, nil
}

// resolveRef resolves a reference against a base, skipping non-HTTP
// schemes and fragment-only references.
func resolveRef(ref string, base *url.URL) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	lower := strings.ToLower(ref)
	for _, scheme := range []string{"javascript:", "mailto:", "tel:", "data:"} {
		if strings.HasPrefix(lower, scheme) {
			return ""
		}
	}

	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	u.Fragment = ""
	return u.String()
}

func matchesExtension(rawURL string, extensions []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(u.Path), "."))
	for _, e := range extensions {
		if strings.ToLower(strings.TrimPrefix(e, ".")) == ext {
			return true
		}
	}
	return false
}

// sameHost reports whether two URLs share a host, used to honor
// follow_external_links.
func sameHost(a, b string) bool {
	ua, errA := url.Parse(a)
	ub, errB := url.Parse(b)
	if errA != nil || errB != nil {
		return false
	}
	return strings.EqualFold(ua.Host, ub.Host)
}
