// Package impl contains the database, cache and provider-backed
// implementations of the service interfaces.
package impl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sitespeak/kb-engine/services/fusion"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// VectorStoreOptions configures the pgvector-backed store.
type VectorStoreOptions struct {
	Dimensions   int    // 1536 or 3072
	IndexKind    string // "hnsw" or "ivfflat"
	FTSLanguages map[string]string
}

func DefaultVectorStoreOptions() VectorStoreOptions {
	return VectorStoreOptions{
		Dimensions: 1536,
		IndexKind:  "hnsw",
		FTSLanguages: map[string]string{
			"en": "english", "de": "german", "fr": "french", "es": "spanish",
			"it": "italian", "nl": "dutch", "pt": "portuguese",
		},
	}
}

type vectorStore struct {
	db   *gorm.DB
	opts VectorStoreOptions
}

// NewVectorStore creates the Postgres implementation of services.VectorStore.
func NewVectorStore(db *gorm.DB, opts VectorStoreOptions) services.VectorStore {
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	if opts.IndexKind == "" {
		opts.IndexKind = "hnsw"
	}
	if opts.FTSLanguages == nil {
		opts.FTSLanguages = DefaultVectorStoreOptions().FTSLanguages
	}
	return &vectorStore{db: db, opts: opts}
}

// EnsureSchema creates the pgvector extension, sizes the embedding column
// and builds the ANN and FTS indexes. Run once at startup after AutoMigrate.
func EnsureSchema(db *gorm.DB, opts VectorStoreOptions) error {
	if opts.Dimensions <= 0 {
		opts.Dimensions = 1536
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`ALTER TABLE chunks ALTER COLUMN embedding TYPE vector(%d)`, opts.Dimensions),
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_hnsw ON chunks USING hnsw (embedding vector_cosine_ops)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_fts ON chunks USING gin (to_tsvector('english', cleaned_content))`,
	}
	for _, stmt := range stmts {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("%w: schema: %v", models.ErrBackend, err)
		}
	}
	return nil
}

// scoped returns a query builder with the mandatory tenant predicate, or
// an error when the caller forgot it. No unscoped query ever reaches SQL.
func (s *vectorStore) scoped(ctx context.Context, tenantID string) (*gorm.DB, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	return s.db.WithContext(ctx).Where("tenant_id = ?", tenantID), nil
}

func (s *vectorStore) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(5*time.Second),
	), 2), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		// Constraint violations and missing rows are not transient.
		if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (s *vectorStore) UpsertChunks(ctx context.Context, chunks []models.Chunk) (int, int, error) {
	if len(chunks) == 0 {
		return 0, 0, nil
	}
	for i := range chunks {
		if chunks[i].TenantID == "" {
			return 0, 0, models.ErrTenantScopeMissing
		}
		if chunks[i].ID == uuid.Nil {
			chunks[i].ID = uuid.New()
		}
	}

	inserted := 0
	err := s.retry(ctx, func() error {
		inserted = 0
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "site_id"}, {Name: "content_hash"}},
				DoNothing: true,
			}).Create(&chunks)
			if res.Error != nil {
				return res.Error
			}
			inserted = int(res.RowsAffected)
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: upsert chunks: %v", models.ErrBackend, err)
	}
	return inserted, len(chunks) - inserted, nil
}

func (s *vectorStore) FindChunksByHash(ctx context.Context, tenantID string, siteID uuid.UUID, hashes []string) (map[string]*models.Chunk, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(hashes) == 0 {
		return map[string]*models.Chunk{}, nil
	}
	var rows []models.Chunk
	if err := q.Where("site_id = ? AND content_hash IN ?", siteID, hashes).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: find by hash: %v", models.ErrBackend, err)
	}
	out := make(map[string]*models.Chunk, len(rows))
	for i := range rows {
		out[rows[i].ContentHash] = &rows[i]
	}
	return out, nil
}

// CommitDocument upserts a document with its chunks and entities in one
// transaction. Chunks of the document that disappeared since the previous
// crawl are deleted; chunks whose (site, hash) pair survives under another
// document are left alone.
func (s *vectorStore) CommitDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk, entities []models.StructuredEntity) (int, int, error) {
	if doc == nil || doc.TenantID == "" {
		return 0, 0, models.ErrTenantScopeMissing
	}
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}

	inserted, skipped := 0, 0
	err := s.retry(ctx, func() error {
		inserted, skipped = 0, 0
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Clauses(clause.OnConflict{
				Columns: []clause.Column{{Name: "tenant_id"}, {Name: "site_id"}, {Name: "canonical_url"}},
				DoUpdates: clause.AssignmentColumns([]string{
					"title", "description", "locale", "lastmod", "e_tag",
					"last_modified_header", "content_hash", "chunk_count",
					"fetched_at", "updated_at",
				}),
			}).Create(doc).Error; err != nil {
				return err
			}

			// Resolve the id the conflict clause settled on.
			var persisted models.Document
			if err := tx.Where("tenant_id = ? AND site_id = ? AND canonical_url = ?",
				doc.TenantID, doc.SiteID, doc.CanonicalURL).First(&persisted).Error; err != nil {
				return err
			}
			doc.ID = persisted.ID

			keep := make([]string, 0, len(chunks))
			for i := range chunks {
				chunks[i].DocumentID = doc.ID
				if chunks[i].ID == uuid.Nil {
					chunks[i].ID = uuid.New()
				}
				keep = append(keep, chunks[i].ContentHash)
			}

			del := tx.Where("tenant_id = ? AND document_id = ?", doc.TenantID, doc.ID)
			if len(keep) > 0 {
				del = del.Where("content_hash NOT IN ?", keep)
			}
			if err := del.Delete(&models.Chunk{}).Error; err != nil {
				return err
			}

			if len(chunks) > 0 {
				// DoNothing keeps an existing (site, hash) row with its
				// current owner; a re-parenting update could also hit the
				// same conflict target twice within one batch, which
				// Postgres rejects.
				res := tx.Clauses(clause.OnConflict{
					Columns:   []clause.Column{{Name: "site_id"}, {Name: "content_hash"}},
					DoNothing: true,
				}).Create(&chunks)
				if res.Error != nil {
					return res.Error
				}
				inserted = int(res.RowsAffected)
				skipped = len(chunks) - inserted
			}

			if err := tx.Where("tenant_id = ? AND document_id = ?", doc.TenantID, doc.ID).
				Delete(&models.StructuredEntity{}).Error; err != nil {
				return err
			}
			if len(entities) > 0 {
				for i := range entities {
					entities[i].DocumentID = doc.ID
					if entities[i].ID == uuid.Nil {
						entities[i].ID = uuid.New()
					}
				}
				if err := tx.Create(&entities).Error; err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return 0, 0, fmt.Errorf("%w: commit document %s: %v", models.ErrBackend, doc.CanonicalURL, err)
	}
	return inserted, skipped, nil
}

// ANNSearch runs cosine nearest-neighbor search. Score maps distance d in
// [0,2] to 1-d/2 so callers always see a [0,1] similarity.
func (s *vectorStore) ANNSearch(ctx context.Context, q services.ANNQuery) ([]models.RankedHit, error) {
	if q.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	if len(q.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty query embedding", models.ErrBackend)
	}
	k := q.K
	if k <= 0 {
		k = 10
	}

	vec := pgvector.NewVector(q.Embedding)

	type row struct {
		ID             uuid.UUID
		CleanedContent string
		MetadataJSON   []byte
		Section        string
		Distance       float64
	}
	var rows []row
	err := s.retry(ctx, func() error {
		rows = rows[:0]
		return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if setting := indexHintSetting(q.IndexHint); setting != "" {
				if err := tx.Exec(setting).Error; err != nil {
					return err
				}
			}
			query := tx.Table("chunks").
				Select("id, cleaned_content, metadata_json, section, (embedding <=> ?) AS distance", vec).
				Where("tenant_id = ? AND site_id = ?", q.TenantID, q.SiteID).
				Where("embedding IS NOT NULL")
			if q.Locale != "" {
				query = query.Where("locale = ?", q.Locale)
			}
			query = applyChunkFilters(query, q.Filters)
			return query.Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{vec}}).
				Limit(k).Scan(&rows).Error
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: ann search: %v", models.ErrBackend, err)
	}

	hits := make([]models.RankedHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.RankedHit{
			ChunkID:  r.ID,
			Score:    1 - r.Distance/2,
			Distance: r.Distance,
			Content:  r.CleanedContent,
			Metadata: decodeMetadata(r.MetadataJSON),
		})
	}
	return hits, nil
}

// indexHintSetting maps an index hint onto a transaction-local planner
// setting. SET LOCAL reverts at commit, so one query's hint never leaks
// into pooled connections.
func indexHintSetting(hint string) string {
	switch hint {
	case "hnsw":
		return `SET LOCAL hnsw.ef_search = 100`
	case "ivfflat":
		return `SET LOCAL ivfflat.probes = 10`
	case "exact":
		return `SET LOCAL enable_indexscan = off`
	default:
		return ""
	}
}

// HybridSearch runs the vector and full-text systems together and fuses
// their lists with a single alpha weight: alpha on vector, 1-alpha on
// full-text. Alpha at either extreme skips the unweighted system.
func (s *vectorStore) HybridSearch(ctx context.Context, q services.HybridQuery) ([]models.RankedHit, error) {
	if q.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	alpha := q.Alpha
	if alpha < 0 || alpha > 1 {
		alpha = 0.5
	}
	k := q.K
	if k <= 0 {
		k = 10
	}

	var annHits, ftsHits []models.RankedHit
	if alpha > 0 && len(q.Embedding) > 0 {
		hits, err := s.ANNSearch(ctx, services.ANNQuery{
			TenantID:  q.TenantID,
			SiteID:    q.SiteID,
			Locale:    q.Locale,
			Embedding: q.Embedding,
			K:         k,
			Filters:   q.Filters,
			IndexHint: q.IndexHint,
		})
		if err != nil {
			return nil, err
		}
		annHits = hits
	}
	if alpha < 1 && q.Query != "" {
		hits, err := s.FTSSearch(ctx, services.FTSQuery{
			TenantID: q.TenantID,
			SiteID:   q.SiteID,
			Query:    q.Query,
			K:        k,
			Locale:   q.Locale,
			Filters:  q.Filters,
		})
		if err != nil {
			return nil, err
		}
		ftsHits = hits
	}
	return fuseHybrid(annHits, ftsHits, alpha, k), nil
}

// fuseHybrid merges the two lists with weighted RRF and returns hits in
// fused order, scored by their RRF score.
func fuseHybrid(annHits, ftsHits []models.RankedHit, alpha float64, k int) []models.RankedHit {
	byID := make(map[string]models.RankedHit, len(annHits)+len(ftsHits))
	toList := func(system string, weight float64, hits []models.RankedHit) fusion.RankedList {
		list := fusion.RankedList{System: system, Weight: weight}
		for _, h := range hits {
			id := h.ChunkID.String()
			if _, ok := byID[id]; !ok {
				byID[id] = h
			}
			list.IDs = append(list.IDs, id)
			list.Scores = append(list.Scores, h.Score)
		}
		return list
	}

	var lists []fusion.RankedList
	if len(annHits) > 0 {
		lists = append(lists, toList("vector", alpha, annHits))
	}
	if len(ftsHits) > 0 {
		lists = append(lists, toList("fulltext", 1-alpha, ftsHits))
	}

	fused := fusion.Fuse(lists, fusion.Options{MaxResults: k})
	out := make([]models.RankedHit, 0, len(fused))
	for _, f := range fused {
		hit := byID[f.ID]
		hit.Score = f.RRFScore
		out = append(out, hit)
	}
	return out
}

// FTSSearch runs websearch-syntax full-text search ranked by ts_rank_cd.
func (s *vectorStore) FTSSearch(ctx context.Context, q services.FTSQuery) ([]models.RankedHit, error) {
	if q.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	if q.Query == "" {
		return nil, nil
	}
	k := q.K
	if k <= 0 {
		k = 10
	}
	language := s.ftsLanguage(q.Locale)

	query := s.db.WithContext(ctx).
		Table("chunks").
		Select("id, cleaned_content, metadata_json, ts_rank_cd(to_tsvector(?, cleaned_content), websearch_to_tsquery(?, ?)) AS rank",
			language, language, q.Query).
		Where("tenant_id = ? AND site_id = ?", q.TenantID, q.SiteID).
		Where("to_tsvector(?, cleaned_content) @@ websearch_to_tsquery(?, ?)", language, language, q.Query)
	if q.Locale != "" {
		query = query.Where("locale = ?", q.Locale)
	}
	query = applyChunkFilters(query, q.Filters)

	type row struct {
		ID             uuid.UUID
		CleanedContent string
		MetadataJSON   []byte
		Rank           float64
	}
	var rows []row
	err := s.retry(ctx, func() error {
		rows = rows[:0]
		return query.Order("rank DESC").Limit(k).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fts search: %v", models.ErrBackend, err)
	}

	hits := make([]models.RankedHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.RankedHit{
			ChunkID:  r.ID,
			Score:    r.Rank,
			Content:  r.CleanedContent,
			Metadata: decodeMetadata(r.MetadataJSON),
		})
	}
	return hits, nil
}

// StructuredSearch surfaces chunks of documents carrying matching JSON-LD
// entities, scored by entity confidence.
func (s *vectorStore) StructuredSearch(ctx context.Context, q services.StructuredQuery) ([]models.RankedHit, error) {
	if q.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	k := q.K
	if k <= 0 {
		k = 10
	}

	query := s.db.WithContext(ctx).
		Table("chunks AS c").
		Select("c.id, c.cleaned_content, c.metadata_json, MAX(e.confidence) AS confidence").
		Joins("JOIN structured_entities e ON e.document_id = c.document_id AND e.tenant_id = c.tenant_id").
		Where("c.tenant_id = ? AND c.site_id = ?", q.TenantID, q.SiteID).
		Group("c.id, c.cleaned_content, c.metadata_json")

	switch {
	case q.EntityType != "" && q.Query != "":
		query = query.Where("e.type = ? AND e.properties_json::text ILIKE ?", q.EntityType, "%"+q.Query+"%")
	case q.EntityType != "":
		query = query.Where("e.type = ?", q.EntityType)
	case q.Query != "":
		query = query.Where("e.properties_json::text ILIKE ?", "%"+q.Query+"%")
	default:
		return nil, nil
	}

	type row struct {
		ID             uuid.UUID
		CleanedContent string
		MetadataJSON   []byte
		Confidence     float64
	}
	var rows []row
	err := s.retry(ctx, func() error {
		rows = rows[:0]
		return query.Order("confidence DESC").Limit(k).Scan(&rows).Error
	})
	if err != nil {
		return nil, fmt.Errorf("%w: structured search: %v", models.ErrBackend, err)
	}

	hits := make([]models.RankedHit, 0, len(rows))
	for _, r := range rows {
		hits = append(hits, models.RankedHit{
			ChunkID:  r.ID,
			Score:    r.Confidence,
			Content:  r.CleanedContent,
			Metadata: decodeMetadata(r.MetadataJSON),
		})
	}
	return hits, nil
}

func (s *vectorStore) GetDocument(ctx context.Context, tenantID string, id uuid.UUID) (*models.Document, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var doc models.Document
	err = q.Where("id = ?", id).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return &doc, nil
}

func (s *vectorStore) GetDocumentByURL(ctx context.Context, tenantID string, siteID uuid.UUID, canonicalURL string) (*models.Document, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var doc models.Document
	err = q.Where("site_id = ? AND canonical_url = ?", siteID, canonicalURL).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: document %s", models.ErrNotFound, canonicalURL)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return &doc, nil
}

func (s *vectorStore) ListDocuments(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.Document, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var docs []models.Document
	if err := q.Where("site_id = ?", siteID).Order("canonical_url").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return docs, nil
}

func (s *vectorStore) GetChunks(ctx context.Context, tenantID string, ids []uuid.UUID) ([]models.Chunk, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var chunks []models.Chunk
	if err := q.Where("id IN ?", ids).Find(&chunks).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return chunks, nil
}

func (s *vectorStore) DeleteByDocument(ctx context.Context, tenantID string, documentID uuid.UUID) error {
	if tenantID == "" {
		return models.ErrTenantScopeMissing
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
			Delete(&models.Chunk{}).Error; err != nil {
			return fmt.Errorf("%w: %v", models.ErrBackend, err)
		}
		if err := tx.Where("tenant_id = ? AND document_id = ?", tenantID, documentID).
			Delete(&models.StructuredEntity{}).Error; err != nil {
			return fmt.Errorf("%w: %v", models.ErrBackend, err)
		}
		res := tx.Where("tenant_id = ? AND id = ?", tenantID, documentID).Delete(&models.Document{})
		if res.Error != nil {
			return fmt.Errorf("%w: %v", models.ErrBackend, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: document %s", models.ErrNotFound, documentID)
		}
		return nil
	})
}

// Reindex rebuilds the ANN index. kind selects the index flavor; "exact"
// drops the ANN index entirely so queries fall back to exact scans.
func (s *vectorStore) Reindex(ctx context.Context, kind string) error {
	var stmts []string
	switch kind {
	case "", "hnsw":
		stmts = []string{
			`DROP INDEX IF EXISTS idx_chunks_embedding_hnsw`,
			`DROP INDEX IF EXISTS idx_chunks_embedding_ivfflat`,
			`CREATE INDEX idx_chunks_embedding_hnsw ON chunks USING hnsw (embedding vector_cosine_ops)`,
		}
	case "ivfflat":
		stmts = []string{
			`DROP INDEX IF EXISTS idx_chunks_embedding_hnsw`,
			`DROP INDEX IF EXISTS idx_chunks_embedding_ivfflat`,
			`CREATE INDEX idx_chunks_embedding_ivfflat ON chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100)`,
		}
	case "exact":
		stmts = []string{
			`DROP INDEX IF EXISTS idx_chunks_embedding_hnsw`,
			`DROP INDEX IF EXISTS idx_chunks_embedding_ivfflat`,
		}
	default:
		return fmt.Errorf("%w: unknown index kind %q", models.ErrBackend, kind)
	}
	for _, stmt := range stmts {
		if err := s.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("%w: reindex: %v", models.ErrBackend, err)
		}
	}
	return nil
}

func (s *vectorStore) Stats(ctx context.Context, tenantID string, siteID *uuid.UUID) (*models.VectorStoreStats, error) {
	q, err := s.scoped(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	stats := &models.VectorStoreStats{IndexKind: s.opts.IndexKind}

	docQ := q.Session(&gorm.Session{}).Model(&models.Document{})
	chunkQ := q.Session(&gorm.Session{}).Model(&models.Chunk{})
	entityQ := q.Session(&gorm.Session{}).Model(&models.StructuredEntity{})
	if siteID != nil {
		docQ = docQ.Where("site_id = ?", *siteID)
		chunkQ = chunkQ.Where("site_id = ?", *siteID)
		entityQ = entityQ.Where("site_id = ?", *siteID)
	}

	if err := docQ.Count(&stats.Documents).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	if err := chunkQ.Count(&stats.Chunks).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	if err := entityQ.Count(&stats.Entities).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}

	var avg *float64
	avgQ := q.Session(&gorm.Session{}).Model(&models.Chunk{}).Select("AVG(LENGTH(cleaned_content))")
	if siteID != nil {
		avgQ = avgQ.Where("site_id = ?", *siteID)
	}
	if err := avgQ.Scan(&avg).Error; err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	if avg != nil {
		stats.AvgChunkSize = *avg
	}
	return stats, nil
}

func (s *vectorStore) ftsLanguage(locale string) string {
	if locale == "" {
		return "english"
	}
	if len(locale) > 2 {
		locale = locale[:2]
	}
	if lang, ok := s.opts.FTSLanguages[locale]; ok {
		return lang
	}
	return "simple"
}

func applyChunkFilters(query *gorm.DB, f models.SearchFilters) *gorm.DB {
	if f.Section != "" {
		query = query.Where("section = ?", f.Section)
	}
	if f.ContentType != "" {
		query = query.Where("metadata_json->>'content_type' = ?", f.ContentType)
	}
	if f.After != nil {
		query = query.Where("updated_at >= ?", *f.After)
	}
	if f.Before != nil {
		query = query.Where("updated_at <= ?", *f.Before)
	}
	return query
}

func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	c := models.Chunk{Metadata: raw}
	return c.MetadataMap()
}
