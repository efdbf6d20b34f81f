package impl

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore serves canned per-strategy hits and the chunk/document rows
// behind them, keyed by tenant so isolation is observable.
type fakeStore struct {
	annHits        []models.RankedHit
	ftsHits        []models.RankedHit
	structuredHits []models.RankedHit
	annErr         error
	ftsErr         error
	// blockUntilDone makes every strategy wait for context expiry, so
	// cancellation paths are observable.
	blockUntilDone bool
	chunks         map[uuid.UUID]models.Chunk
	docs           map[uuid.UUID]models.Document
}

func (f *fakeStore) UpsertChunks(ctx context.Context, chunks []models.Chunk) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeStore) FindChunksByHash(ctx context.Context, tenantID string, siteID uuid.UUID, hashes []string) (map[string]*models.Chunk, error) {
	return nil, nil
}
func (f *fakeStore) CommitDocument(ctx context.Context, doc *models.Document, chunks []models.Chunk, entities []models.StructuredEntity) (int, int, error) {
	return 0, 0, nil
}
func (f *fakeStore) ANNSearch(ctx context.Context, q services.ANNQuery) ([]models.RankedHit, error) {
	if q.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	if f.blockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.annHits, f.annErr
}
func (f *fakeStore) FTSSearch(ctx context.Context, q services.FTSQuery) ([]models.RankedHit, error) {
	if f.blockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.ftsHits, f.ftsErr
}
func (f *fakeStore) StructuredSearch(ctx context.Context, q services.StructuredQuery) ([]models.RankedHit, error) {
	if f.blockUntilDone {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.structuredHits, nil
}
func (f *fakeStore) HybridSearch(ctx context.Context, q services.HybridQuery) ([]models.RankedHit, error) {
	return f.annHits, f.annErr
}
func (f *fakeStore) GetDocument(ctx context.Context, tenantID string, id uuid.UUID) (*models.Document, error) {
	if doc, ok := f.docs[id]; ok {
		return &doc, nil
	}
	return nil, models.ErrNotFound
}
func (f *fakeStore) GetDocumentByURL(ctx context.Context, tenantID string, siteID uuid.UUID, canonicalURL string) (*models.Document, error) {
	return nil, models.ErrNotFound
}
func (f *fakeStore) ListDocuments(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.Document, error) {
	return nil, nil
}
func (f *fakeStore) GetChunks(ctx context.Context, tenantID string, ids []uuid.UUID) ([]models.Chunk, error) {
	var out []models.Chunk
	for _, id := range ids {
		if c, ok := f.chunks[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
func (f *fakeStore) DeleteByDocument(ctx context.Context, tenantID string, documentID uuid.UUID) error {
	return nil
}
func (f *fakeStore) Reindex(ctx context.Context, kind string) error { return nil }
func (f *fakeStore) Stats(ctx context.Context, tenantID string, siteID *uuid.UUID) (*models.VectorStoreStats, error) {
	return &models.VectorStoreStats{}, nil
}

type fakeEmbedder struct {
	fail bool
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, int, error) {
	if f.fail {
		return nil, 0, fmt.Errorf("embedding down")
	}
	return []float32{0.1, 0.2, 0.3}, 5, nil
}
func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, int, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, 5 * len(texts), nil
}
func (f *fakeEmbedder) Dimensions() int { return 3 }
func (f *fakeEmbedder) Model() string   { return "fake" }

type fakeBudget struct {
	allowed  bool
	deny     map[models.BudgetDimension]bool
	warnings map[models.BudgetDimension]string
	recorded map[models.BudgetDimension]int64
}

func newFakeBudget(allowed bool) *fakeBudget {
	return &fakeBudget{
		allowed:  allowed,
		deny:     make(map[models.BudgetDimension]bool),
		warnings: make(map[models.BudgetDimension]string),
		recorded: make(map[models.BudgetDimension]int64),
	}
}

func (f *fakeBudget) Check(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetCheckResult, error) {
	allowed := f.allowed && !f.deny[dim]
	return &models.BudgetCheckResult{Allowed: allowed, Dimension: dim, Limit: 100, Used: 100}, nil
}
func (f *fakeBudget) Record(ctx context.Context, tenantID string, siteID uuid.UUID, dim models.BudgetDimension, amount int64) (*models.BudgetRecordResult, error) {
	if f.deny[dim] {
		return nil, fmt.Errorf("%w: %s", models.ErrBudgetExceeded, dim)
	}
	f.recorded[dim] += amount
	return &models.BudgetRecordResult{Dimension: dim, NewTotal: f.recorded[dim], Warning: f.warnings[dim]}, nil
}
func (f *fakeBudget) Get(ctx context.Context, tenantID string, siteID uuid.UUID) (*models.ResourceBudget, error) {
	return nil, models.ErrNotFound
}
func (f *fakeBudget) Update(ctx context.Context, tenantID string, siteID uuid.UUID, req models.UpdateBudgetRequest) (*models.ResourceBudget, error) {
	return nil, models.ErrNotFound
}
func (f *fakeBudget) GenerateOptimizations(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.BudgetOptimization, error) {
	return nil, nil
}
func (f *fakeBudget) RunResets(ctx context.Context, now int64) error { return nil }

// searchFixture wires a fake corpus of three chunks across two documents.
func searchFixture(t *testing.T) (*fakeStore, uuid.UUID, [3]uuid.UUID) {
	t.Helper()
	siteID := uuid.New()
	docA := models.Document{ID: uuid.New(), SiteID: siteID, CanonicalURL: "https://acme.example/a", Title: "Page A"}
	docB := models.Document{ID: uuid.New(), SiteID: siteID, CanonicalURL: "https://acme.example/b", Title: "Page B"}

	var chunkIDs [3]uuid.UUID
	for i := range chunkIDs {
		chunkIDs[i] = uuid.New()
	}
	chunks := map[uuid.UUID]models.Chunk{
		chunkIDs[0]: {ID: chunkIDs[0], DocumentID: docA.ID, CleanedContent: "alpha content", Section: "Intro"},
		chunkIDs[1]: {ID: chunkIDs[1], DocumentID: docA.ID, CleanedContent: "beta content"},
		chunkIDs[2]: {ID: chunkIDs[2], DocumentID: docB.ID, CleanedContent: "gamma content"},
	}

	store := &fakeStore{
		annHits: []models.RankedHit{
			{ChunkID: chunkIDs[0], Score: 0.95},
			{ChunkID: chunkIDs[1], Score: 0.80},
		},
		ftsHits: []models.RankedHit{
			{ChunkID: chunkIDs[1], Score: 0.6},
			{ChunkID: chunkIDs[2], Score: 0.4},
		},
		chunks: chunks,
		docs: map[uuid.UUID]models.Document{
			docA.ID: docA,
			docB.ID: docB,
		},
	}
	return store, siteID, chunkIDs
}

func newTestSearch(store *fakeStore, budget *fakeBudget, cache services.RetrievalCache) services.SearchService {
	return NewSearchService(nil, store, &fakeEmbedder{}, cache, budget, nil, DefaultSearchOptions())
}

func TestSearch_FusesAndEnriches(t *testing.T) {
	store, siteID, chunkIDs := searchFixture(t)
	budget := newFakeBudget(true)
	svc := newTestSearch(store, budget, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content", TopK: 10,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 3)
	assert.False(t, resp.ServedFromCache)
	assert.False(t, resp.Degraded)

	// chunk 1 appears in both systems and must lead the fused order.
	top := resp.Results[0]
	assert.Equal(t, chunkIDs[1], top.ChunkID)
	assert.Equal(t, 1, top.FusionRank)
	assert.Len(t, top.Systems, 2)
	assert.Equal(t, 2, top.Systems["vector"].Rank)
	assert.Equal(t, 1, top.Systems["fulltext"].Rank)

	// enrichment attached document fields
	assert.Equal(t, "https://acme.example/a", top.URL)
	assert.Equal(t, "Page A", top.Title)
	assert.Equal(t, "beta content", top.Content)

	// one API call and the query-embedding tokens were recorded
	assert.Equal(t, int64(1), budget.recorded[models.BudgetAPICalls])
	assert.Equal(t, int64(5), budget.recorded[models.BudgetTokens])
}

func TestSearch_BudgetGateRejects(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	svc := newTestSearch(store, newFakeBudget(false), nil)

	_, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBudgetExceeded)
}

func TestSearch_TenantScopeRequired(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	svc := newTestSearch(store, newFakeBudget(true), nil)

	_, err := svc.Search(context.Background(), models.SearchRequest{SiteID: siteID, Query: "q"})
	assert.ErrorIs(t, err, models.ErrTenantScopeMissing)
}

func TestSearch_EmptyQueryShortCircuits(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	budget := newFakeBudget(true)
	svc := newTestSearch(store, budget, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "   ",
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Zero(t, budget.recorded[models.BudgetAPICalls])
}

func TestSearch_SecondCallServedFromCache(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	budget := newFakeBudget(true)
	cache := NewRetrievalCache(testRedis(t), DefaultCacheOptions())
	svc := newTestSearch(store, budget, cache)

	req := models.SearchRequest{TenantID: "t1", SiteID: siteID, Query: "content"}

	first, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.ServedFromCache)

	second, err := svc.Search(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.ServedFromCache)
	assert.Equal(t, len(first.Results), len(second.Results))

	// The cached call never touched the API-call counter a second time.
	assert.Equal(t, int64(1), budget.recorded[models.BudgetAPICalls])
}

func TestSearch_DegradesWhenOneStrategyFails(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	store.ftsErr = fmt.Errorf("fts offline")
	svc := newTestSearch(store, newFakeBudget(true), nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	assert.Contains(t, resp.Warning, "fulltext")
	// Vector results still came back.
	require.NotEmpty(t, resp.Results)
}

func TestSearch_DegradesWhenEmbeddingUnavailable(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	svc := NewSearchService(nil, store, &fakeEmbedder{fail: true}, nil, newFakeBudget(true), nil, DefaultSearchOptions())

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.NoError(t, err)
	assert.True(t, resp.Degraded)
	// Lexical systems carried the query.
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.NotContains(t, r.Systems, "vector")
	}
}

func TestSearch_TokenBudgetExhaustedFailsSearch(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	budget := newFakeBudget(true)
	budget.deny[models.BudgetTokens] = true
	svc := newTestSearch(store, budget, nil)

	_, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBudgetExceeded)
	// Nothing was spent: no embedding call, no usage recorded.
	assert.Zero(t, budget.recorded[models.BudgetTokens])
	assert.Zero(t, budget.recorded[models.BudgetAPICalls])
}

func TestSearch_BudgetWarningsSurfaceOnResponse(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	budget := newFakeBudget(true)
	budget.warnings[models.BudgetTokens] = "tokens at 92% of limit"
	budget.warnings[models.BudgetAPICalls] = "api_calls approaching limit (78%)"
	svc := newTestSearch(store, budget, nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.NoError(t, err)
	assert.Contains(t, resp.Warning, "tokens at 92%")
	assert.Contains(t, resp.Warning, "api_calls approaching limit")
}

func TestSearch_CancelledContextReportsCancelled(t *testing.T) {
	store, siteID, _ := searchFixture(t)
	store.blockUntilDone = true
	svc := newTestSearch(store, newFakeBudget(true), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Search(ctx, models.SearchRequest{
		TenantID: "t1", SiteID: siteID, Query: "content",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrCancelled)
	assert.NotErrorIs(t, err, models.ErrTimeout)
}

func TestSearch_ExplicitStrategySubset(t *testing.T) {
	store, siteID, chunkIDs := searchFixture(t)
	svc := newTestSearch(store, newFakeBudget(true), nil)

	resp, err := svc.Search(context.Background(), models.SearchRequest{
		TenantID:   "t1",
		SiteID:     siteID,
		Query:      "content",
		Strategies: []models.SearchStrategy{models.StrategyFulltext},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, chunkIDs[1], resp.Results[0].ChunkID)
	for _, r := range resp.Results {
		assert.NotContains(t, r.Systems, "vector")
	}
}
