package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
)

// Chunk is the unit of embedding and retrieval: a bounded-size semantic
// fragment of a Document. (document_id, chunk_index) is unique, and
// (site_id, content_hash) is unique so unchanged chunks are never
// re-embedded on re-crawl.
type Chunk struct {
	ID             uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID       string    `json:"tenant_id" gorm:"not null;index:idx_chunks_tenant_site,priority:1"`
	SiteID         uuid.UUID `json:"site_id" gorm:"type:uuid;not null;index:idx_chunks_tenant_site,priority:2;uniqueIndex:idx_chunks_site_hash,priority:1"`
	DocumentID     uuid.UUID `json:"document_id" gorm:"type:uuid;not null;uniqueIndex:idx_chunks_doc_index,priority:1"`
	ChunkIndex     int       `json:"chunk_index" gorm:"not null;uniqueIndex:idx_chunks_doc_index,priority:2"`
	Content        string    `json:"content" gorm:"type:text"`
	CleanedContent string    `json:"cleaned_content" gorm:"type:text"`
	ContentHash    string    `json:"content_hash" gorm:"not null;uniqueIndex:idx_chunks_site_hash,priority:2"`
	TokenCount     int       `json:"token_count"`
	Locale         string    `json:"locale"`
	Section        string    `json:"section"`
	Heading        string    `json:"heading"`
	// Selector is the CSS path used by the widget bridge to scroll to or
	// highlight the source element.
	Selector string          `json:"selector"`
	Metadata datatypes.JSON  `json:"metadata,omitempty" gorm:"column:metadata_json"`
	Embedding pgvector.Vector `json:"-" gorm:"type:vector(1536)"`
	// LegacyEmbeddingJSON is a read-only fallback for rows written by the
	// pre-pgvector ingestion path. Never written by this codebase.
	LegacyEmbeddingJSON datatypes.JSON `json:"-" gorm:"column:embedding_json"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

func (Chunk) TableName() string { return "chunks" }

// EmbeddingSlice returns the native embedding, falling back to the legacy
// JSON-encoded shape when the vector column is empty.
func (c *Chunk) EmbeddingSlice() []float32 {
	if v := c.Embedding.Slice(); len(v) > 0 {
		return v
	}
	if len(c.LegacyEmbeddingJSON) == 0 {
		return nil
	}
	var legacy []float32
	if err := json.Unmarshal(c.LegacyEmbeddingJSON, &legacy); err != nil {
		return nil
	}
	return legacy
}

// MetadataMap decodes the metadata column, returning an empty map on
// absent or malformed metadata.
func (c *Chunk) MetadataMap() map[string]any {
	out := map[string]any{}
	if len(c.Metadata) > 0 {
		_ = json.Unmarshal(c.Metadata, &out)
	}
	return out
}

// StructuredEntity is a JSON-LD entity extracted from a document, indexed
// alongside chunks for structured-query boosts.
type StructuredEntity struct {
	ID         uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID   string         `json:"tenant_id" gorm:"not null;index:idx_entities_tenant_site,priority:1"`
	SiteID     uuid.UUID      `json:"site_id" gorm:"type:uuid;not null;index:idx_entities_tenant_site,priority:2"`
	DocumentID uuid.UUID      `json:"document_id" gorm:"type:uuid;not null;index"`
	Type       string         `json:"type" gorm:"not null;index"`
	Properties datatypes.JSON `json:"properties" gorm:"column:properties_json"`
	Confidence float64        `json:"confidence"`
	Labels     StringList     `json:"labels,omitempty" gorm:"type:jsonb"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (StructuredEntity) TableName() string { return "structured_entities" }

// PropertiesMap decodes the properties column.
func (e *StructuredEntity) PropertiesMap() map[string]any {
	out := map[string]any{}
	if len(e.Properties) > 0 {
		_ = json.Unmarshal(e.Properties, &out)
	}
	return out
}
