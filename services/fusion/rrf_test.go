package fusion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuse_ClosedForm(t *testing.T) {
	// Two systems with equal weight. Item "a" is rank 0 in both, "b" is
	// rank 1 in the first only.
	lists := []RankedList{
		{System: "vector", Weight: 0.5, IDs: []string{"a", "b"}, Scores: []float64{0.9, 0.8}},
		{System: "fulltext", Weight: 0.5, IDs: []string{"a"}, Scores: []float64{1.2}},
	}

	results := Fuse(lists, Options{})
	require.Len(t, results, 2)

	// RRF(a) = 0.5/(60+1) + 0.5/(60+1); RRF(b) = 0.5/(60+2)
	wantA := 0.5/61.0 + 0.5/61.0
	wantB := 0.5 / 62.0

	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, wantA, results[0].RRFScore, 1e-12)
	assert.Equal(t, "b", results[1].ID)
	assert.InDelta(t, wantB, results[1].RRFScore, 1e-12)

	assert.Equal(t, 1, results[0].FusionRank)
	assert.Equal(t, 1, results[0].Systems["vector"].Rank)
	assert.Equal(t, 1, results[0].Systems["fulltext"].Rank)
	assert.Equal(t, 2, results[1].Systems["vector"].Rank)
	assert.Equal(t, 2, results[0].SystemCount)
	assert.Equal(t, 1, results[1].SystemCount)
	assert.InDelta(t, 0.9, results[0].Systems["vector"].Score, 1e-12)
	assert.InDelta(t, 1.2, results[0].Systems["fulltext"].Score, 1e-12)
}

func TestFuse_AbsentItemHasNoScore(t *testing.T) {
	lists := []RankedList{
		{System: "vector", Weight: 1.0, IDs: []string{"x"}},
	}
	results := Fuse(lists, Options{})
	require.Len(t, results, 1)
	for _, r := range results {
		assert.NotEqual(t, "missing", r.ID)
	}
}

func TestFuse_WeightNormalization(t *testing.T) {
	// Weights 6 and 3 behave exactly like 0.6 and 0.3 once normalized.
	big := Fuse([]RankedList{
		{System: "a", Weight: 6, IDs: []string{"x", "y"}},
		{System: "b", Weight: 3, IDs: []string{"y"}},
	}, Options{})
	small := Fuse([]RankedList{
		{System: "a", Weight: 0.6, IDs: []string{"x", "y"}},
		{System: "b", Weight: 0.3, IDs: []string{"y"}},
	}, Options{})

	require.Equal(t, len(big), len(small))
	for i := range big {
		assert.Equal(t, big[i].ID, small[i].ID)
		assert.InDelta(t, big[i].RRFScore, small[i].RRFScore, 1e-12)
	}
}

func TestFuse_ZeroWeightsShareUniformly(t *testing.T) {
	results := Fuse([]RankedList{
		{System: "a", IDs: []string{"x"}},
		{System: "b", IDs: []string{"x"}},
	}, Options{})
	require.Len(t, results, 1)
	assert.InDelta(t, 0.5/61.0+0.5/61.0, results[0].RRFScore, 1e-12)
}

func TestFuse_MinConsensusDropsSingletons(t *testing.T) {
	lists := []RankedList{
		{System: "a", Weight: 0.5, IDs: []string{"both", "only-a"}},
		{System: "b", Weight: 0.5, IDs: []string{"both", "only-b"}},
	}
	results := Fuse(lists, Options{MinConsensus: 2})
	require.Len(t, results, 1)
	assert.Equal(t, "both", results[0].ID)
}

func TestFuse_MaxResultsAndNormalize(t *testing.T) {
	lists := []RankedList{
		{System: "a", Weight: 1, IDs: []string{"1", "2", "3", "4"}},
	}
	results := Fuse(lists, Options{MaxResults: 2, Normalize: true})
	require.Len(t, results, 2)
	assert.InDelta(t, 1.0, results[0].RRFScore, 1e-12)
	assert.InDelta(t, 0.0, results[1].RRFScore, 1e-12)
}

func TestFuse_DeterministicTieBreak(t *testing.T) {
	lists := []RankedList{
		{System: "a", Weight: 0.5, IDs: []string{"zeta"}},
		{System: "b", Weight: 0.5, IDs: []string{"alpha"}},
	}
	first := Fuse(lists, Options{})
	for i := 0; i < 20; i++ {
		again := Fuse(lists, Options{})
		require.Equal(t, len(first), len(again))
		for j := range first {
			assert.Equal(t, first[j].ID, again[j].ID)
		}
	}
	// Equal scores resolve lexicographically.
	assert.Equal(t, "alpha", first[0].ID)
}

func TestFuse_EmptyInput(t *testing.T) {
	assert.Empty(t, Fuse(nil, Options{}))
	assert.Empty(t, Fuse([]RankedList{{System: "a", Weight: 1}}, Options{}))
}

func TestAnalyzeConsensus(t *testing.T) {
	lists := []RankedList{
		{System: "vector", IDs: []string{"a", "b", "c"}},
		{System: "fulltext", IDs: []string{"a", "b", "d"}},
		{System: "structured", IDs: []string{"a", "e"}},
	}

	report := AnalyzeConsensus(lists, 3)

	// ceil(0.7 * 3) = 3: only "a" appears in all three systems.
	assert.Equal(t, 3, report.CoreThreshold)
	assert.Equal(t, []string{"a"}, report.Core)

	require.Len(t, report.Pairwise, 3)
	var vf float64
	for _, p := range report.Pairwise {
		if p.SystemA == "vector" && p.SystemB == "fulltext" {
			vf = p.Jaccard
		}
	}
	// {a,b,c} vs {a,b,d}: intersection 2, union 4.
	assert.InDelta(t, 0.5, vf, 1e-12)
}

func TestAnalyzeConsensus_TopKBounds(t *testing.T) {
	lists := []RankedList{
		{System: "a", IDs: []string{"1", "2", "3"}},
		{System: "b", IDs: []string{"1", "9", "9b"}},
	}
	report := AnalyzeConsensus(lists, 1)
	require.Len(t, report.Pairwise, 1)
	assert.InDelta(t, 1.0, report.Pairwise[0].Jaccard, 1e-12)
	assert.False(t, math.IsNaN(report.Pairwise[0].Jaccard))
}
