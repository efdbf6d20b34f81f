package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
)

// ANNQuery is a nearest-neighbor search over chunk embeddings. TenantID
// and SiteID are required predicates; the store rejects unscoped queries.
type ANNQuery struct {
	TenantID  string
	SiteID    uuid.UUID
	Locale    string
	Embedding []float32
	K         int
	Filters   models.SearchFilters
	IndexHint string // "hnsw" (default) or "ivfflat"
}

// FTSQuery is a language-aware full-text search over cleaned content.
type FTSQuery struct {
	TenantID string
	SiteID   uuid.UUID
	Query    string
	K        int
	Locale   string
	Filters  models.SearchFilters
}

// StructuredQuery matches chunks of documents carrying JSON-LD entities
// of a given type (or any known type when Query terms match entity text).
type StructuredQuery struct {
	TenantID   string
	SiteID     uuid.UUID
	Query      string
	EntityType string
	K          int
}

// HybridQuery fuses vector and full-text retrieval in one call. Alpha in
// [0,1] weights the vector list; the full-text list gets 1-alpha. Callers
// wanting per-strategy control or structured retrieval use SearchService
// instead.
type HybridQuery struct {
	TenantID  string
	SiteID    uuid.UUID
	Query     string
	Embedding []float32
	Alpha     float64
	K         int
	Locale    string
	Filters   models.SearchFilters
	IndexHint string
}

type VectorStore interface {
	// UpsertChunks inserts chunks transactionally, skipping any whose
	// (siteId, contentHash) already exists. Returns inserted and skipped
	// counts; a batch either commits fully or rolls back.
	UpsertChunks(ctx context.Context, chunks []models.Chunk) (inserted int, skipped int, err error)

	// FindChunksByHash returns existing chunks for the given content
	// hashes so unchanged chunks can reuse their embeddings.
	FindChunksByHash(ctx context.Context, tenantID string, siteID uuid.UUID, hashes []string) (map[string]*models.Chunk, error)

	// CommitDocument upserts the document row, its chunks and structured
	// entities in one logical transaction. Prior chunks of the document
	// that are no longer present are removed.
	CommitDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk, entities []models.StructuredEntity) (inserted int, skipped int, err error)

	ANNSearch(ctx context.Context, q ANNQuery) ([]models.RankedHit, error)
	FTSSearch(ctx context.Context, q FTSQuery) ([]models.RankedHit, error)
	StructuredSearch(ctx context.Context, q StructuredQuery) ([]models.RankedHit, error)
	// HybridSearch runs vector and full-text retrieval together and fuses
	// the lists with a single alpha weight.
	HybridSearch(ctx context.Context, q HybridQuery) ([]models.RankedHit, error)

	GetDocument(ctx context.Context, tenantID string, id uuid.UUID) (*models.Document, error)
	GetDocumentByURL(ctx context.Context, tenantID string, siteID uuid.UUID, canonicalURL string) (*models.Document, error)
	ListDocuments(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.Document, error)
	GetChunks(ctx context.Context, tenantID string, ids []uuid.UUID) ([]models.Chunk, error)
	DeleteByDocument(ctx context.Context, tenantID string, documentID uuid.UUID) error

	Reindex(ctx context.Context, kind string) error
	Stats(ctx context.Context, tenantID string, siteID *uuid.UUID) (*models.VectorStoreStats, error)
}

// EmbeddingProvider is the egress interface to the embedding model.
// Dimension is fixed per configuration (1536 or 3072).
type EmbeddingProvider interface {
	EmbedText(ctx context.Context, text string) ([]float32, int, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error)
	Dimensions() int
	Model() string
}

// CacheOutcome classifies a retrieval-cache probe.
type CacheOutcome int

const (
	CacheMiss CacheOutcome = iota
	CacheHit
	// CacheStale means the entry's TTL expired but it is still inside the
	// stale-while-revalidate window: serve it and refresh in background.
	CacheStale
)

type RetrievalCache interface {
	Get(ctx context.Context, key string) (*models.SearchResponse, CacheOutcome, error)
	Set(ctx context.Context, key string, value *models.SearchResponse, tenantID string, siteID uuid.UUID) error
	Invalidate(ctx context.Context, tenantID string, siteID *uuid.UUID) error
	Fingerprint(req models.SearchRequest) string
	Close() error
}

type SearchService interface {
	Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error)
}

type BudgetService interface {
	Check(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetCheckResult, error)
	Record(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetRecordResult, error)
	Get(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.ResourceBudget, error)
	Update(ctx context.Context, tenantID string, siteID uuid.UUID, req models.UpdateBudgetRequest) (*models.ResourceBudget, error)
	GenerateOptimizations(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.BudgetOptimization, error)
	// RunResets rolls over every window whose boundary has passed.
	// Idempotent; invoked by the background scheduler.
	RunResets(ctx context.Context, now int64) error
}

// PageActions is the per-document extraction input to manifest generation.
type PageActions struct {
	DocumentURL string
	Actions     []models.ExtractedAction
	Forms       []models.ExtractedForm
}

type ManifestService interface {
	// Generate rebuilds the manifest from the extracted pages. generatedAt
	// is the owning crawl session's finish time; zero means now.
	Generate(ctx context.Context, tenantID string, siteID uuid.UUID, pages []PageActions, generatedAt time.Time) (*models.SiteManifest, error)
	Latest(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.SiteManifest, error)
	// Refresh bumps the stored manifest's version and generation time
	// without rebuilding it. Used by delta crawls that changed no pages.
	// A site with no manifest yet is a no-op.
	Refresh(ctx context.Context, tenantID string, siteID uuid.UUID, generatedAt time.Time) error
}

type CrawlService interface {
	// StartSession acquires the per-site crawl lease and launches the
	// session pipeline. A second concurrent session on the same site
	// fails with models.ErrSessionConflict carrying the active id.
	StartSession(ctx context.Context, tenantID string, siteID uuid.UUID, baseURL string, sessionType models.SessionType) (*models.CrawlSession, error)
	GetSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.CrawlSession, error)
	ListSessions(ctx context.Context, tenantID string, siteID uuid.UUID, limit int) ([]models.CrawlSession, error)
	CancelSession(ctx context.Context, tenantID string, id uuid.UUID) error
}
