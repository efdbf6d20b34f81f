package crawler

import (
	"testing"

	"github.com/sitespeak/kb-engine/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupePieces(t *testing.T) {
	pieces := []Piece{
		{Index: 0, Text: "intro", ContentHash: "h1"},
		{Index: 1, Text: "cookie banner", ContentHash: "h2"},
		{Index: 2, Text: "body", ContentHash: "h3"},
		{Index: 3, Text: "cookie banner", ContentHash: "h2"},
		{Index: 4, Text: "intro", ContentHash: "h1"},
	}

	out := dedupePieces(pieces)

	require.Len(t, out, 3)
	assert.Equal(t, "h1", out[0].ContentHash)
	assert.Equal(t, "h2", out[1].ContentHash)
	assert.Equal(t, "h3", out[2].ContentHash)
	// First occurrences keep their original positions.
	assert.Equal(t, 0, out[0].Index)
	assert.Equal(t, 1, out[1].Index)
}

func TestDedupePieces_NoDuplicates(t *testing.T) {
	pieces := []Piece{
		{Index: 0, ContentHash: "a"},
		{Index: 1, ContentHash: "b"},
	}
	assert.Len(t, dedupePieces(pieces), 2)
	assert.Empty(t, dedupePieces(nil))
}

func TestRebuildManifest(t *testing.T) {
	// Delta crawls with changed pages and every full crawl rebuild; only a
	// delta that changed nothing keeps the stored manifest.
	assert.True(t, rebuildManifest(models.SessionTypeDelta, 3))
	assert.True(t, rebuildManifest(models.SessionTypeFull, 3))
	assert.True(t, rebuildManifest(models.SessionTypeFull, 0))
	assert.False(t, rebuildManifest(models.SessionTypeDelta, 0))
}
