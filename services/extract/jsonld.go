package extract

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sitespeak/kb-engine/models"
)

// requiredProperties maps Schema.org types to the properties a credible
// instance must carry. Completeness against this table drives confidence.
var requiredProperties = map[string][]string{
	"Product":       {"name", "description"},
	"Offer":         {"price"},
	"Article":       {"headline"},
	"BlogPosting":   {"headline"},
	"FAQPage":       {"mainEntity"},
	"Question":      {"name"},
	"Event":         {"name", "startDate"},
	"Organization":  {"name"},
	"LocalBusiness": {"name", "address"},
	"Person":        {"name"},
	"Recipe":        {"name", "recipeIngredient"},
	"WebSite":       {"name", "url"},
	"BreadcrumbList": {"itemListElement"},
	"Service":       {"name"},
}

// JSONLD scans every <script type="application/ld+json"> block and emits
// structured entities. One malformed block never prevents extraction of
// its siblings.
func JSONLD(html string) *models.JSONLDResult {
	result := &models.JSONLDResult{ExtractedAt: time.Now().UTC()}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		result.Errors = append(result.Errors, models.ExtractionError{
			Extractor: "jsonld", Message: "parse failed: " + err.Error(),
		})
		return result
	}

	doc.Find(`script[type="application/ld+json"]`).Each(func(i int, s *goquery.Selection) {
		raw := strings.TrimSpace(s.Text())
		if raw == "" {
			return
		}

		var parsed any
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			fragment := raw
			if len(fragment) > 120 {
				fragment = fragment[:120]
			}
			result.Errors = append(result.Errors, models.ExtractionError{
				Extractor: "jsonld",
				Message:   "invalid JSON in block: " + err.Error(),
				Fragment:  fragment,
			})
			return
		}

		for _, node := range flattenNodes(parsed) {
			if entity := buildEntity(node); entity != nil {
				result.Entities = append(result.Entities, *entity)
			}
		}
	})

	return result
}

// flattenNodes unwraps top-level arrays and @graph containers into a flat
// list of candidate entity objects.
func flattenNodes(parsed any) []map[string]any {
	var nodes []map[string]any
	switch v := parsed.(type) {
	case []any:
		for _, item := range v {
			nodes = append(nodes, flattenNodes(item)...)
		}
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			for _, item := range graph {
				nodes = append(nodes, flattenNodes(item)...)
			}
			return nodes
		}
		nodes = append(nodes, v)
	}
	return nodes
}

// buildEntity normalizes @type and scores the node. Nodes with no usable
// type are dropped.
func buildEntity(node map[string]any) *models.ExtractedEntity {
	entityType := normalizeType(node["@type"])
	if entityType == "" {
		return nil
	}

	properties := make(map[string]any, len(node))
	for k, v := range node {
		if strings.HasPrefix(k, "@") {
			continue
		}
		properties[k] = v
	}

	entity := &models.ExtractedEntity{
		Type:       entityType,
		Properties: properties,
		Labels:     semanticLabels(entityType, properties),
	}
	entity.Confidence = confidence(entityType, properties)
	return entity
}

func normalizeType(raw any) string {
	switch v := raw.(type) {
	case string:
		return strings.TrimPrefix(strings.TrimSpace(v), "https://schema.org/")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return strings.TrimPrefix(strings.TrimSpace(s), "https://schema.org/")
			}
		}
	}
	return ""
}

// confidence blends known-type membership with required-property
// completeness. Unknown types bottom out at 0.3.
func confidence(entityType string, properties map[string]any) float64 {
	required, known := requiredProperties[entityType]
	if !known {
		if len(properties) == 0 {
			return 0.1
		}
		return 0.3
	}
	if len(required) == 0 {
		return 0.8
	}
	present := 0
	for _, prop := range required {
		if v, ok := properties[prop]; ok && v != nil {
			present++
		}
	}
	return 0.5 + 0.5*float64(present)/float64(len(required))
}

func semanticLabels(entityType string, properties map[string]any) []string {
	var labels []string
	switch entityType {
	case "Product", "Offer":
		labels = append(labels, "commerce")
	case "Event":
		labels = append(labels, "booking")
	case "FAQPage", "Question":
		labels = append(labels, "faq")
	case "Article", "BlogPosting":
		labels = append(labels, "editorial")
	case "Organization", "LocalBusiness":
		labels = append(labels, "company")
	}
	if _, ok := properties["aggregateRating"]; ok {
		labels = append(labels, "rated")
	}
	return labels
}
