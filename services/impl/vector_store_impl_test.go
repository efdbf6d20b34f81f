package impl

import (
	"testing"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexHintSetting(t *testing.T) {
	tests := []struct {
		hint string
		want string
	}{
		{"hnsw", "SET LOCAL hnsw.ef_search = 100"},
		{"ivfflat", "SET LOCAL ivfflat.probes = 10"},
		{"exact", "SET LOCAL enable_indexscan = off"},
		{"", ""},
		{"btree", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, indexHintSetting(tt.hint), "hint %q", tt.hint)
	}
}

func hybridFixture() (ann, fts []models.RankedHit, ids [3]uuid.UUID) {
	for i := range ids {
		ids[i] = uuid.New()
	}
	ann = []models.RankedHit{
		{ChunkID: ids[0], Score: 0.95, Content: "alpha"},
		{ChunkID: ids[1], Score: 0.80, Content: "beta"},
	}
	fts = []models.RankedHit{
		{ChunkID: ids[1], Score: 0.6, Content: "beta"},
		{ChunkID: ids[2], Score: 0.4, Content: "gamma"},
	}
	return ann, fts, ids
}

func TestFuseHybrid_BalancedAlphaPrefersConsensus(t *testing.T) {
	ann, fts, ids := hybridFixture()

	out := fuseHybrid(ann, fts, 0.5, 10)
	require.Len(t, out, 3)
	// The chunk both systems returned leads at equal weights.
	assert.Equal(t, ids[1], out[0].ChunkID)
	assert.Equal(t, "beta", out[0].Content)
	assert.Greater(t, out[0].Score, out[1].Score)
}

func TestFuseHybrid_AlphaOneFollowsVectorOrder(t *testing.T) {
	ann, _, ids := hybridFixture()

	out := fuseHybrid(ann, nil, 1.0, 10)
	require.Len(t, out, 2)
	assert.Equal(t, ids[0], out[0].ChunkID)
	assert.Equal(t, ids[1], out[1].ChunkID)
}

func TestFuseHybrid_AlphaZeroFollowsFulltextOrder(t *testing.T) {
	_, fts, ids := hybridFixture()

	out := fuseHybrid(nil, fts, 0, 10)
	require.Len(t, out, 2)
	assert.Equal(t, ids[1], out[0].ChunkID)
	assert.Equal(t, ids[2], out[1].ChunkID)
}

func TestFuseHybrid_TruncatesToK(t *testing.T) {
	ann, fts, _ := hybridFixture()

	out := fuseHybrid(ann, fts, 0.5, 2)
	assert.Len(t, out, 2)
}

func TestFuseHybrid_EmptyInputs(t *testing.T) {
	assert.Empty(t, fuseHybrid(nil, nil, 0.5, 10))
}
