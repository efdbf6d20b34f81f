package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// StringList is a JSON-encoded string slice column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("unsupported type for StringList: %T", value)
	}
}

// Site is the unit of crawling. Every child row carries the owning
// tenant_id so queries can be scoped without joins.
type Site struct {
	ID              uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID        string     `json:"tenant_id" gorm:"not null;index:idx_sites_tenant"`
	BaseURL         string     `json:"base_url" gorm:"not null"`
	Name            string     `json:"name"`
	AllowedOrigins  StringList `json:"allowed_origins" gorm:"type:jsonb"`
	DefaultLocale   string     `json:"default_locale"`
	LatestSessionID *uuid.UUID `json:"latest_session_id,omitempty" gorm:"type:uuid"`
	// CorpusVersion increments when a crawl session completes; search
	// responses echo it so callers can detect a refreshed corpus.
	CorpusVersion int64     `json:"corpus_version" gorm:"default:0"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (Site) TableName() string { return "sites" }

// Document is a canonicalized URL within a Site. It exists from first
// successful fetch until explicit deletion; deleting it cascades to chunks.
type Document struct {
	ID                 uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	TenantID           string    `json:"tenant_id" gorm:"not null;uniqueIndex:idx_documents_scope,priority:1"`
	SiteID             uuid.UUID `json:"site_id" gorm:"type:uuid;not null;uniqueIndex:idx_documents_scope,priority:2"`
	CanonicalURL       string    `json:"canonical_url" gorm:"not null;uniqueIndex:idx_documents_scope,priority:3"`
	Title              string    `json:"title"`
	Description        string    `json:"description"`
	Locale             string    `json:"locale"`
	Lastmod            *time.Time `json:"lastmod,omitempty"`
	ETag               string    `json:"etag"`
	LastModifiedHeader string    `json:"last_modified_header"`
	// ContentHash is the SHA-256 of the cleaned body; an unchanged hash
	// short-circuits re-extraction even when validators are absent.
	ContentHash string    `json:"content_hash" gorm:"index"`
	ChunkCount  int       `json:"chunk_count"`
	FetchedAt   time.Time `json:"fetched_at"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Document) TableName() string { return "documents" }

// SitemapEntry is one URL reported by a sitemap or sitemap index.
type SitemapEntry struct {
	URL        string     `json:"url"`
	Lastmod    *time.Time `json:"lastmod,omitempty"`
	Changefreq string     `json:"changefreq,omitempty"`
	Priority   float64    `json:"priority,omitempty"`
}
