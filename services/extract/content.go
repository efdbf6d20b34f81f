// Package extract transforms fetched HTML into typed structures: visible
// content, JSON-LD entities, interactive actions and forms. Every
// extractor is a pure function of (html, canonicalURL, options) and
// carries its own non-fatal error list.
package extract

import (
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sitespeak/kb-engine/models"
)

// ContentOptions bounds and tunes HTML content extraction.
type ContentOptions struct {
	MinParagraphLength int
	MaxTextLength      int
	PreserveWhitespace bool
}

// DefaultContentOptions returns the crawl pipeline defaults.
func DefaultContentOptions() ContentOptions {
	return ContentOptions{
		MinParagraphLength: 20,
		MaxTextLength:      200_000,
	}
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// landmarkTags maps semantic HTML5 tags to their implicit ARIA roles.
var landmarkTags = map[string]string{
	"header": "banner",
	"nav":    "navigation",
	"main":   "main",
	"aside":  "complementary",
	"footer": "contentinfo",
	"form":   "form",
}

// Content extracts the visible, structured content of an HTML document.
func Content(html, canonicalURL string, opts ContentOptions) *models.ExtractedContent {
	result := &models.ExtractedContent{
		CanonicalURL: canonicalURL,
		ExtractedAt:  time.Now().UTC(),
	}
	if opts.MinParagraphLength <= 0 {
		opts.MinParagraphLength = DefaultContentOptions().MinParagraphLength
	}
	if opts.MaxTextLength <= 0 {
		opts.MaxTextLength = DefaultContentOptions().MaxTextLength
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Errors = append(result.Errors, models.ExtractionError{
			Extractor: "content", Message: "parse failed: " + err.Error(),
		})
		return result
	}

	stripInvisible(doc)

	result.Title = strings.TrimSpace(doc.Find("title").First().Text())
	if result.Title == "" {
		if og, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
			result.Title = strings.TrimSpace(og)
		}
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok {
		result.Description = strings.TrimSpace(desc)
	}
	if canonical, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && canonical != "" {
		result.CanonicalURL = canonical
	}
	if lang, ok := doc.Find("html").Attr("lang"); ok {
		result.Language = strings.TrimSpace(lang)
	}

	doc.Find("h1, h2, h3, h4, h5, h6").Each(func(_ int, s *goquery.Selection) {
		text := normalizeSpace(s.Text())
		if text == "" {
			return
		}
		level := int(goquery.NodeName(s)[1] - '0')
		anchor, _ := s.Attr("id")
		result.Headings = append(result.Headings, models.Heading{
			Level: level, Text: text, Anchor: anchor,
		})
	})

	doc.Find("p, li").Each(func(_ int, s *goquery.Selection) {
		text := normalizeSpace(s.Text())
		if len(text) >= opts.MinParagraphLength {
			result.Paragraphs = append(result.Paragraphs, text)
		}
	})

	doc.Find("table").Each(func(_ int, s *goquery.Selection) {
		result.Tables = append(result.Tables, extractTable(s))
	})

	extractRegions(doc, result)

	body := doc.Find("body")
	text := body.Text()
	if !opts.PreserveWhitespace {
		text = normalizeSpace(text)
	}
	if len(text) > opts.MaxTextLength {
		text = text[:opts.MaxTextLength]
		result.Truncated = true
	}
	result.CleanedText = text

	return result
}

// stripInvisible removes elements that never render: scripts, styles,
// templates, [hidden] and inline display:none.
func stripInvisible(doc *goquery.Document) {
	doc.Find("script, style, noscript, template, iframe").Remove()
	doc.Find("[hidden]").Remove()
	doc.Find("[style]").Each(func(_ int, s *goquery.Selection) {
		style, _ := s.Attr("style")
		compact := strings.ReplaceAll(strings.ToLower(style), " ", "")
		if strings.Contains(compact, "display:none") || strings.Contains(compact, "visibility:hidden") {
			s.Remove()
		}
	})
}

func extractTable(s *goquery.Selection) models.Table {
	table := models.Table{
		Caption: normalizeSpace(s.Find("caption").First().Text()),
	}
	s.Find("th").Each(func(_ int, th *goquery.Selection) {
		table.Headers = append(table.Headers, normalizeSpace(th.Text()))
	})
	s.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var row []string
		tr.Find("td").Each(func(_ int, td *goquery.Selection) {
			row = append(row, normalizeSpace(td.Text()))
		})
		if len(row) > 0 {
			table.Rows = append(table.Rows, row)
		}
	})
	return table
}

func extractRegions(doc *goquery.Document, result *models.ExtractedContent) {
	seen := make(map[string]bool)

	add := func(s *goquery.Selection, role string) {
		selector := BuildSelector(s)
		if selector == "" || seen[selector] {
			return
		}
		seen[selector] = true
		label, _ := s.Attr("aria-label")
		content := normalizeSpace(s.Text())
		if len(content) > 500 {
			content = content[:500]
		}
		result.Regions = append(result.Regions, models.AriaRegion{
			Role: role, Label: label, Content: content, Selector: selector,
		})
	}

	doc.Find("[role]").Each(func(_ int, s *goquery.Selection) {
		role, _ := s.Attr("role")
		if role != "" {
			add(s, role)
		}
	})
	for tag, role := range landmarkTags {
		doc.Find(tag).Each(func(_ int, s *goquery.Selection) {
			add(s, role)
		})
	}
}

func normalizeSpace(s string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(s, " "))
}
