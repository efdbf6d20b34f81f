package fusion

import (
	"math"
	"sort"
)

// PairwiseOverlap is the Jaccard overlap of two systems' top-K sets.
type PairwiseOverlap struct {
	SystemA string  `json:"system_a"`
	SystemB string  `json:"system_b"`
	Jaccard float64 `json:"jaccard"`
}

// ConsensusReport summarizes agreement between retrieval systems.
type ConsensusReport struct {
	Pairwise []PairwiseOverlap `json:"pairwise"`
	// Core lists items appearing in at least ceil(0.7 * N) systems.
	Core          []string `json:"core"`
	CoreThreshold int      `json:"core_threshold"`
}

// AnalyzeConsensus computes pairwise Jaccard overlap of each system's
// top-K and the set of items the majority of systems agree on.
func AnalyzeConsensus(lists []RankedList, topK int) ConsensusReport {
	sets := make([]map[string]bool, len(lists))
	for i, list := range lists {
		sets[i] = make(map[string]bool)
		for rank, id := range list.IDs {
			if topK > 0 && rank >= topK {
				break
			}
			sets[i][id] = true
		}
	}

	report := ConsensusReport{
		CoreThreshold: int(math.Ceil(0.7 * float64(len(lists)))),
	}

	for i := 0; i < len(lists); i++ {
		for j := i + 1; j < len(lists); j++ {
			report.Pairwise = append(report.Pairwise, PairwiseOverlap{
				SystemA: lists[i].System,
				SystemB: lists[j].System,
				Jaccard: jaccard(sets[i], sets[j]),
			})
		}
	}

	counts := make(map[string]int)
	for _, set := range sets {
		for id := range set {
			counts[id]++
		}
	}
	for id, n := range counts {
		if n >= report.CoreThreshold {
			report.Core = append(report.Core, id)
		}
	}
	sort.Strings(report.Core)

	return report
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for id := range a {
		if b[id] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}
