package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLD_ProductEntity(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@context":"https://schema.org","@type":"Product","name":"Tap Washer Kit","description":"Universal kit","offers":{"@type":"Offer","price":"9.99"}}
	</script></head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 1)
	entity := result.Entities[0]
	assert.Equal(t, "Product", entity.Type)
	assert.Equal(t, "Tap Washer Kit", entity.Properties["name"])
	// Both required properties present: full confidence.
	assert.InDelta(t, 1.0, entity.Confidence, 1e-9)
	assert.Contains(t, entity.Labels, "commerce")
	assert.Empty(t, result.Errors)
}

func TestJSONLD_MalformedBlockIsolated(t *testing.T) {
	html := `<html><head>
	<script type="application/ld+json">{not valid json</script>
	<script type="application/ld+json">{"@type":"Organization","name":"Acme"}</script>
	</head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Organization", result.Entities[0].Type)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "jsonld", result.Errors[0].Extractor)
}

func TestJSONLD_GraphFlattening(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@context":"https://schema.org","@graph":[
	  {"@type":"WebSite","name":"Acme","url":"https://acme.example"},
	  {"@type":"FAQPage","mainEntity":[{"@type":"Question","name":"Do you do weekends?"}]}
	]}
	</script></head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 2)
	types := []string{result.Entities[0].Type, result.Entities[1].Type}
	assert.Contains(t, types, "WebSite")
	assert.Contains(t, types, "FAQPage")
}

func TestJSONLD_TypeArrayNormalized(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type":["https://schema.org/Product","Thing"],"name":"Widget"}
	</script></head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 1)
	assert.Equal(t, "Product", result.Entities[0].Type)
	// description missing: half of the required properties.
	assert.InDelta(t, 0.75, result.Entities[0].Confidence, 1e-9)
}

func TestJSONLD_IncompleteRequiredProperties(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type":"Event","name":"Open Day"}
	</script></head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 1)
	assert.InDelta(t, 0.75, result.Entities[0].Confidence, 1e-9)
}

func TestJSONLD_UnknownTypeLowConfidence(t *testing.T) {
	html := `<html><head><script type="application/ld+json">
	{"@type":"CustomWidgetThing","foo":"bar"}
	</script></head><body></body></html>`

	result := JSONLD(html)

	require.Len(t, result.Entities, 1)
	assert.InDelta(t, 0.3, result.Entities[0].Confidence, 1e-9)
}

func TestJSONLD_NoBlocks(t *testing.T) {
	result := JSONLD("<html><body><p>plain</p></body></html>")
	assert.Empty(t, result.Entities)
	assert.Empty(t, result.Errors)
}
