package extract

import "github.com/sitespeak/kb-engine/models"

// Page runs all sub-extractors as an ordered pipeline. Each extractor
// isolates its own failures; the bundle is never nil.
func Page(html, canonicalURL string, opts ContentOptions) *models.PageExtraction {
	return &models.PageExtraction{
		Content: Content(html, canonicalURL, opts),
		JSONLD:  JSONLD(html),
		Actions: Actions(html, canonicalURL),
		Forms:   Forms(html),
	}
}
