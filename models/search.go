package models

import (
	"time"

	"github.com/google/uuid"
)

// SearchStrategy selects one retrieval system for hybrid search.
type SearchStrategy string

const (
	StrategyVector     SearchStrategy = "vector"
	StrategyFulltext   SearchStrategy = "fulltext"
	StrategyStructured SearchStrategy = "structured"
)

// DefaultStrategies is the strategy set used when a request names none.
var DefaultStrategies = []SearchStrategy{StrategyVector, StrategyFulltext, StrategyStructured}

// FusionWeights weights each strategy's contribution to the RRF score.
type FusionWeights struct {
	Vector     float64 `json:"vector"`
	Fulltext   float64 `json:"fulltext"`
	Structured float64 `json:"structured"`
}

// DefaultFusionWeights returns the documented defaults (vector 0.6,
// fulltext 0.3, structured 0.1).
func DefaultFusionWeights() FusionWeights {
	return FusionWeights{Vector: 0.6, Fulltext: 0.3, Structured: 0.1}
}

// SearchFilters narrows a search. Every field participates in the cache
// fingerprint.
type SearchFilters struct {
	ContentType string     `json:"content_type,omitempty"`
	Locale      string     `json:"locale,omitempty"`
	Section     string     `json:"section,omitempty"`
	EntityType  string     `json:"entity_type,omitempty"`
	After       *time.Time `json:"after,omitempty"`
	Before      *time.Time `json:"before,omitempty"`
}

// SearchRequest is the primary external search operation.
type SearchRequest struct {
	TenantID   string           `json:"tenant_id"`
	SiteID     uuid.UUID        `json:"site_id"`
	Query      string           `json:"query"`
	TopK       int              `json:"top_k,omitempty"`
	Strategies []SearchStrategy `json:"strategies,omitempty"`
	Filters    SearchFilters    `json:"filters,omitempty"`
	Weights    *FusionWeights   `json:"fusion_weights,omitempty"`
}

// RankedHit is one result produced by a single retrieval system before
// fusion.
type RankedHit struct {
	ChunkID  uuid.UUID      `json:"chunk_id"`
	Score    float64        `json:"score"`
	Distance float64        `json:"distance,omitempty"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SystemBreakdown records how one retrieval system ranked a result.
type SystemBreakdown struct {
	Score float64 `json:"score"`
	Rank  int     `json:"rank"` // 1-based within that system
}

// SearchResult is one fused, enriched result.
type SearchResult struct {
	ChunkID     uuid.UUID                  `json:"chunk_id"`
	DocumentID  uuid.UUID                  `json:"document_id"`
	Content     string                     `json:"content"`
	URL         string                     `json:"url"`
	Title       string                     `json:"title"`
	Section     string                     `json:"section,omitempty"`
	Score       float64                    `json:"score"`
	FusionRank  int                        `json:"fusion_rank"`
	Systems     map[string]SystemBreakdown `json:"systems,omitempty"`
	Metadata    map[string]any             `json:"metadata,omitempty"`
	Actions     []ActionDescriptor         `json:"actions,omitempty"`
}

// SearchResponse is the hybrid-search wire response.
type SearchResponse struct {
	Results         []SearchResult `json:"results"`
	SessionVersion  int64          `json:"session_version"`
	ServedFromCache bool           `json:"served_from_cache"`
	Degraded        bool           `json:"degraded,omitempty"`
	Warning         string         `json:"warning,omitempty"`
	TookMs          int64          `json:"took_ms"`
}

// VectorStoreStats summarizes the stored corpus for a scope.
type VectorStoreStats struct {
	Documents    int64   `json:"documents"`
	Chunks       int64   `json:"chunks"`
	Entities     int64   `json:"entities"`
	AvgChunkSize float64 `json:"avg_chunk_size"`
	IndexKind    string  `json:"index_kind"`
}
