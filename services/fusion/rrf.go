// Package fusion combines ranked lists from independent retrieval systems
// using Reciprocal Rank Fusion (RRF).
package fusion

import (
	"math"
	"sort"
)

// DefaultK is the standard RRF smoothing constant. k=60 is empirically
// validated across domains (Azure AI Search, OpenSearch use the same).
const DefaultK = 60

// RankedList is one system's ordered output. Weight is normalized across
// all input lists before fusion.
type RankedList struct {
	System string
	Weight float64
	// IDs in rank order, best first. Scores is optional and parallel to
	// IDs; it is carried through for the per-system breakdown.
	IDs    []string
	Scores []float64
}

// SystemContribution records how one system ranked an item.
type SystemContribution struct {
	Score float64 `json:"score"`
	Rank  int     `json:"rank"` // 1-based within that system
}

// Fused is one item after fusion.
type Fused struct {
	ID          string
	RRFScore    float64
	FusionRank  int // 1-based position in the fused output
	SystemCount int // number of systems the item appeared in
	Systems     map[string]SystemContribution
}

// Options filters and post-processes the fused output.
type Options struct {
	K            int     // smoothing constant, DefaultK when <= 0
	MinScore     float64 // drop items below this RRF score
	MaxResults   int     // truncate, 0 = unlimited
	MinConsensus int     // drop items appearing in fewer systems, 0 = off
	Normalize    bool    // map scores to [0,1] via (s-min)/(max-min)
}

// Fuse computes RRF(item) = Σ_i w_i · 1/(k + rank_i + 1) with 0-based
// ranks. Items absent from a system contribute nothing for it. Weights
// are normalized to sum 1; lists with no weight share uniformly.
func Fuse(lists []RankedList, opts Options) []Fused {
	k := opts.K
	if k <= 0 {
		k = DefaultK
	}

	weights := normalizeWeights(lists)

	items := make(map[string]*Fused)
	for i, list := range lists {
		w := weights[i]
		for rank, id := range list.IDs {
			f, ok := items[id]
			if !ok {
				f = &Fused{ID: id, Systems: make(map[string]SystemContribution)}
				items[id] = f
			}
			f.RRFScore += w / float64(k+rank+1)
			contrib := SystemContribution{Rank: rank + 1}
			if rank < len(list.Scores) {
				contrib.Score = list.Scores[rank]
			}
			f.Systems[list.System] = contrib
			f.SystemCount = len(f.Systems)
		}
	}

	results := make([]Fused, 0, len(items))
	for _, f := range items {
		if opts.MinConsensus > 0 && f.SystemCount < opts.MinConsensus {
			continue
		}
		if f.RRFScore < opts.MinScore {
			continue
		}
		results = append(results, *f)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].RRFScore != results[j].RRFScore {
			return results[i].RRFScore > results[j].RRFScore
		}
		// Prefer wider consensus, then stable lexicographic order.
		if results[i].SystemCount != results[j].SystemCount {
			return results[i].SystemCount > results[j].SystemCount
		}
		return results[i].ID < results[j].ID
	})

	if opts.MaxResults > 0 && len(results) > opts.MaxResults {
		results = results[:opts.MaxResults]
	}

	for i := range results {
		results[i].FusionRank = i + 1
	}

	if opts.Normalize {
		normalizeScores(results)
	}

	return results
}

// normalizeWeights returns per-list weights summing to 1. Lists carrying
// no weight at all share the mass uniformly.
func normalizeWeights(lists []RankedList) []float64 {
	weights := make([]float64, len(lists))
	total := 0.0
	for i, l := range lists {
		weights[i] = l.Weight
		total += l.Weight
	}
	if total <= 0 {
		for i := range weights {
			weights[i] = 1.0 / float64(len(lists))
		}
		return weights
	}
	for i := range weights {
		weights[i] /= total
	}
	return weights
}

func normalizeScores(results []Fused) {
	if len(results) == 0 {
		return
	}
	minScore, maxScore := math.Inf(1), math.Inf(-1)
	for _, r := range results {
		minScore = math.Min(minScore, r.RRFScore)
		maxScore = math.Max(maxScore, r.RRFScore)
	}
	span := maxScore - minScore
	if span == 0 {
		for i := range results {
			results[i].RRFScore = 1.0
		}
		return
	}
	for i := range results {
		results[i].RRFScore = (results[i].RRFScore - minScore) / span
	}
}
