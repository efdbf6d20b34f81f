package crawler

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunker_BreaksAtHeadings(t *testing.T) {
	html := `<html><body>
	<h1 id="intro">Introduction</h1>
	<p>This paragraph introduces the service and runs long enough to keep.</p>
	<h2 id="hours">Opening Hours</h2>
	<p>We are open every weekday from nine until five in the afternoon.</p>
	</body></html>`

	pieces := NewChunker(DefaultChunkOptions()).Split(html)

	require.Len(t, pieces, 2)
	assert.Equal(t, 0, pieces[0].Index)
	assert.Equal(t, "Introduction", pieces[0].Heading)
	assert.Equal(t, "#intro", pieces[0].Selector)
	assert.Contains(t, pieces[0].Text, "introduces the service")

	assert.Equal(t, "Opening Hours", pieces[1].Heading)
	assert.Equal(t, "#hours", pieces[1].Selector)
	assert.NotContains(t, pieces[1].Text, "introduces")
}

func TestChunker_OverlapAcrossCuts(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("<html><body><h1>Guide</h1>")
	for i := 0; i < 12; i++ {
		sb.WriteString("<p>")
		sb.WriteString(strings.Repeat("some words about plumbing repair procedures here ", 4))
		sb.WriteString("</p>")
	}
	sb.WriteString("</body></html>")

	pieces := NewChunker(ChunkOptions{MaxTokens: 100, OverlapTokens: 20, MinSegmentLen: 10}).Split(sb.String())

	require.Greater(t, len(pieces), 1)
	for i, p := range pieces {
		assert.Equal(t, i, p.Index)
		assert.LessOrEqual(t, p.TokenCount, 130, "chunk %d well above budget", i)
		assert.Equal(t, "Guide", p.Section)
	}
	// Each follow-on chunk starts with text carried from its predecessor.
	tail := pieces[0].Text[len(pieces[0].Text)-40:]
	overlapWord := strings.Fields(tail)[len(strings.Fields(tail))-1]
	assert.Contains(t, pieces[1].Text, overlapWord)
}

func TestChunker_OversizedParagraphSplitsAtSentences(t *testing.T) {
	long := strings.Repeat("This is a sentence about the product catalog. ", 60)
	html := "<html><body><p>" + long + "</p></body></html>"

	pieces := NewChunker(ChunkOptions{MaxTokens: 80, OverlapTokens: 0, MinSegmentLen: 10}).Split(html)

	require.Greater(t, len(pieces), 1)
	for _, p := range pieces {
		assert.True(t, strings.HasPrefix(p.Text, "This is a sentence"))
	}
}

func TestChunker_TableRendering(t *testing.T) {
	html := `<html><body>
	<table>
	  <caption>Fees</caption>
	  <tr><th>Service</th><th>Price</th></tr>
	  <tr><td>Call-out</td><td>$120</td></tr>
	</table>
	</body></html>`

	pieces := NewChunker(DefaultChunkOptions()).Split(html)

	require.Len(t, pieces, 1)
	assert.Contains(t, pieces[0].Text, "Fees")
	assert.Contains(t, pieces[0].Text, "Service | Price")
	assert.Contains(t, pieces[0].Text, "Call-out | $120")
}

func TestChunker_SkipsInvisibleAndShortSegments(t *testing.T) {
	html := `<html><body>
	<script>var x = "hidden from chunks";</script>
	<p hidden>invisible paragraph that would otherwise be long enough</p>
	<p>ok</p>
	<p>A visible paragraph with enough length to survive the minimum.</p>
	</body></html>`

	pieces := NewChunker(DefaultChunkOptions()).Split(html)

	require.Len(t, pieces, 1)
	assert.NotContains(t, pieces[0].Text, "hidden from chunks")
	assert.NotContains(t, pieces[0].Text, "invisible")
	assert.NotContains(t, pieces[0].Text, "ok")
}

func TestChunker_StableContentHash(t *testing.T) {
	html := `<html><body><p>Deterministic content produces a deterministic hash value.</p></body></html>`

	first := NewChunker(DefaultChunkOptions()).Split(html)
	second := NewChunker(DefaultChunkOptions()).Split(html)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ContentHash, second[0].ContentHash)
	assert.Len(t, first[0].ContentHash, 64)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 3, EstimateTokens("twelve chars"))
}
