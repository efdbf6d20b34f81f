package impl

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sitespeak/kb-engine/services/fusion"
	"gorm.io/gorm"
)

// SearchOptions tunes the hybrid-search pipeline.
type SearchOptions struct {
	DefaultTopK int
	MaxTopK     int
	// StrategyTimeout bounds the parallel retrieval phase. Strategies that
	// miss the deadline are fused without; the response is marked degraded.
	StrategyTimeout time.Duration
	OverfetchFactor int
}

func DefaultSearchOptions() SearchOptions {
	return SearchOptions{
		DefaultTopK:     10,
		MaxTopK:         50,
		StrategyTimeout: 2 * time.Second,
		OverfetchFactor: 3,
	}
}

type searchService struct {
	db        *gorm.DB
	store     services.VectorStore
	embedder  services.EmbeddingProvider
	cache     services.RetrievalCache
	budgets   services.BudgetService
	manifests services.ManifestService
	opts      SearchOptions
}

// NewSearchService wires the hybrid-search pipeline: budget gate, cache
// probe, parallel retrieval, RRF fusion, enrichment, usage recording.
func NewSearchService(
	db *gorm.DB,
	store services.VectorStore,
	embedder services.EmbeddingProvider,
	cache services.RetrievalCache,
	budgets services.BudgetService,
	manifests services.ManifestService,
	opts SearchOptions,
) services.SearchService {
	if opts.DefaultTopK <= 0 {
		opts.DefaultTopK = 10
	}
	if opts.MaxTopK <= 0 {
		opts.MaxTopK = 50
	}
	if opts.StrategyTimeout <= 0 {
		opts.StrategyTimeout = 2 * time.Second
	}
	if opts.OverfetchFactor <= 0 {
		opts.OverfetchFactor = 3
	}
	return &searchService{
		db:        db,
		store:     store,
		embedder:  embedder,
		cache:     cache,
		budgets:   budgets,
		manifests: manifests,
		opts:      opts,
	}
}

func (s *searchService) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	started := time.Now()

	if req.TenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	if strings.TrimSpace(req.Query) == "" {
		return &models.SearchResponse{Results: []models.SearchResult{}, TookMs: 0}, nil
	}
	if req.TopK <= 0 {
		req.TopK = s.opts.DefaultTopK
	}
	if req.TopK > s.opts.MaxTopK {
		req.TopK = s.opts.MaxTopK
	}
	if len(req.Strategies) == 0 {
		req.Strategies = models.DefaultStrategies
	}

	// Budget gate: a search is one API call, checked before any work.
	if s.budgets != nil {
		check, err := s.budgets.Check(ctx, req.TenantID, req.SiteID, models.BudgetAPICalls, 1)
		if err != nil {
			return nil, err
		}
		if !check.Allowed {
			return nil, fmt.Errorf("%w: api_calls %d/%d", models.ErrBudgetExceeded, check.Used, check.Limit)
		}
	}

	var key string
	if s.cache != nil {
		key = s.cache.Fingerprint(req)
		cached, outcome, err := s.cache.Get(ctx, key)
		if err == nil && cached != nil {
			switch outcome {
			case services.CacheHit:
				out := *cached
				out.ServedFromCache = true
				out.TookMs = time.Since(started).Milliseconds()
				return &out, nil
			case services.CacheStale:
				// Serve stale and refresh out of band.
				go s.refresh(req, key)
				out := *cached
				out.ServedFromCache = true
				out.TookMs = time.Since(started).Milliseconds()
				return &out, nil
			}
		}
	}

	resp, err := s.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	resp.TookMs = time.Since(started).Milliseconds()

	if s.cache != nil && !resp.Degraded {
		if err := s.cache.Set(ctx, key, resp, req.TenantID, req.SiteID); err != nil {
			log.Printf("search cache store failed: %v", err)
		}
	}
	if s.budgets != nil {
		rec, err := s.budgets.Record(ctx, req.TenantID, req.SiteID, models.BudgetAPICalls, 1)
		if err != nil {
			log.Printf("search usage record failed: %v", err)
		} else if rec.Warning != "" {
			resp.Warning = joinWarning(resp.Warning, rec.Warning)
		}
	}
	return resp, nil
}

// refresh recomputes a stale cache entry in the background.
func (s *searchService) refresh(req models.SearchRequest, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.StrategyTimeout+2*time.Second)
	defer cancel()
	resp, err := s.execute(ctx, req)
	if err != nil || resp.Degraded {
		return
	}
	if err := s.cache.Set(ctx, key, resp, req.TenantID, req.SiteID); err != nil {
		log.Printf("stale refresh store failed: %v", err)
	}
}

type strategyResult struct {
	strategy models.SearchStrategy
	hits     []models.RankedHit
	err      error
}

func (s *searchService) execute(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	fetchK := req.TopK * s.opts.OverfetchFactor

	var warnings []string
	var embedding []float32
	if hasStrategy(req.Strategies, models.StrategyVector) {
		// Embedding the query spends tokens, so the tokens dimension is
		// gated before the provider call.
		if s.budgets != nil {
			check, err := s.budgets.Check(ctx, req.TenantID, req.SiteID, models.BudgetTokens, estimateQueryTokens(req.Query))
			if err != nil {
				return nil, err
			}
			if !check.Allowed {
				return nil, fmt.Errorf("%w: tokens %d/%d", models.ErrBudgetExceeded, check.Used, check.Limit)
			}
		}
		vec, tokens, err := s.embedder.EmbedText(ctx, req.Query)
		if err != nil {
			// Vector retrieval is unavailable; the lexical systems still run.
			log.Printf("query embedding failed: %v", err)
		} else {
			embedding = vec
			if s.budgets != nil && tokens > 0 {
				rec, err := s.budgets.Record(ctx, req.TenantID, req.SiteID, models.BudgetTokens, int64(tokens))
				if err != nil {
					log.Printf("token usage record failed: %v", err)
				} else if rec.Warning != "" {
					warnings = append(warnings, rec.Warning)
				}
			}
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, s.opts.StrategyTimeout)
	defer cancel()

	results := make(chan strategyResult, len(req.Strategies))
	var wg sync.WaitGroup
	launched := 0
	for _, strategy := range req.Strategies {
		if strategy == models.StrategyVector && embedding == nil {
			continue
		}
		launched++
		wg.Add(1)
		go func(strategy models.SearchStrategy) {
			defer wg.Done()
			hits, err := s.runStrategy(runCtx, req, strategy, embedding, fetchK)
			results <- strategyResult{strategy: strategy, hits: hits, err: err}
		}(strategy)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	completed := make(map[models.SearchStrategy][]models.RankedHit)
	degraded := launched < len(req.Strategies)
	if degraded {
		warnings = append(warnings, "vector strategy unavailable")
	}

collect:
	for {
		select {
		case res, ok := <-results:
			if !ok {
				break collect
			}
			if res.err != nil {
				if errors.Is(res.err, models.ErrTenantScopeMissing) {
					return nil, res.err
				}
				degraded = true
				warnings = append(warnings, fmt.Sprintf("%s strategy failed", res.strategy))
				continue
			}
			completed[res.strategy] = res.hits
		case <-runCtx.Done():
			// Fuse whatever finished; unfinished strategies are dropped.
			degraded = true
			warnings = append(warnings, "retrieval deadline exceeded")
			break collect
		}
	}

	if len(completed) == 0 {
		switch {
		case errors.Is(ctx.Err(), context.Canceled):
			return nil, fmt.Errorf("%w: search", models.ErrCancelled)
		case ctx.Err() != nil:
			return nil, fmt.Errorf("%w: search", models.ErrTimeout)
		}
		return nil, fmt.Errorf("%w: every retrieval strategy failed", models.ErrBackend)
	}

	fused := s.fuse(req, completed)
	enriched, err := s.enrich(ctx, req, fused, completed)
	if err != nil {
		return nil, err
	}

	resp := &models.SearchResponse{
		Results:        enriched,
		SessionVersion: s.corpusVersion(ctx, req),
		Degraded:       degraded,
	}
	if len(warnings) > 0 {
		resp.Warning = strings.Join(warnings, "; ")
	}
	return resp, nil
}

func (s *searchService) runStrategy(ctx context.Context, req models.SearchRequest, strategy models.SearchStrategy, embedding []float32, k int) ([]models.RankedHit, error) {
	switch strategy {
	case models.StrategyVector:
		return s.store.ANNSearch(ctx, services.ANNQuery{
			TenantID:  req.TenantID,
			SiteID:    req.SiteID,
			Locale:    req.Filters.Locale,
			Embedding: embedding,
			K:         k,
			Filters:   req.Filters,
		})
	case models.StrategyFulltext:
		return s.store.FTSSearch(ctx, services.FTSQuery{
			TenantID: req.TenantID,
			SiteID:   req.SiteID,
			Query:    req.Query,
			K:        k,
			Locale:   req.Filters.Locale,
			Filters:  req.Filters,
		})
	case models.StrategyStructured:
		return s.store.StructuredSearch(ctx, services.StructuredQuery{
			TenantID:   req.TenantID,
			SiteID:     req.SiteID,
			Query:      req.Query,
			EntityType: req.Filters.EntityType,
			K:          k,
		})
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", models.ErrBackend, strategy)
	}
}

func (s *searchService) fuse(req models.SearchRequest, completed map[models.SearchStrategy][]models.RankedHit) []fusion.Fused {
	weights := models.DefaultFusionWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}
	weightFor := func(strategy models.SearchStrategy) float64 {
		switch strategy {
		case models.StrategyVector:
			return weights.Vector
		case models.StrategyFulltext:
			return weights.Fulltext
		case models.StrategyStructured:
			return weights.Structured
		}
		return 0
	}

	lists := make([]fusion.RankedList, 0, len(completed))
	for _, strategy := range models.DefaultStrategies {
		hits, ok := completed[strategy]
		if !ok || len(hits) == 0 {
			continue
		}
		list := fusion.RankedList{System: string(strategy), Weight: weightFor(strategy)}
		for _, h := range hits {
			list.IDs = append(list.IDs, h.ChunkID.String())
			list.Scores = append(list.Scores, h.Score)
		}
		lists = append(lists, list)
	}

	return fusion.Fuse(lists, fusion.Options{MaxResults: req.TopK})
}

// enrich loads chunk and document rows for the fused ids and attaches
// matching manifest actions to each result's source page.
func (s *searchService) enrich(ctx context.Context, req models.SearchRequest, fused []fusion.Fused, completed map[models.SearchStrategy][]models.RankedHit) ([]models.SearchResult, error) {
	if len(fused) == 0 {
		return []models.SearchResult{}, nil
	}

	ids := make([]uuid.UUID, 0, len(fused))
	for _, f := range fused {
		id, err := uuid.Parse(f.ID)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	chunks, err := s.store.GetChunks(ctx, req.TenantID, ids)
	if err != nil {
		return nil, err
	}
	chunkByID := make(map[string]*models.Chunk, len(chunks))
	docIDs := make(map[uuid.UUID]bool)
	for i := range chunks {
		chunkByID[chunks[i].ID.String()] = &chunks[i]
		docIDs[chunks[i].DocumentID] = true
	}

	docs := make(map[uuid.UUID]*models.Document, len(docIDs))
	for id := range docIDs {
		doc, err := s.store.GetDocument(ctx, req.TenantID, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			return nil, err
		}
		docs[id] = doc
	}

	actionsByURL := s.actionsByURL(ctx, req)

	out := make([]models.SearchResult, 0, len(fused))
	for _, f := range fused {
		chunk, ok := chunkByID[f.ID]
		if !ok {
			continue
		}
		result := models.SearchResult{
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Content:    chunk.CleanedContent,
			Section:    chunk.Section,
			Score:      f.RRFScore,
			FusionRank: f.FusionRank,
			Metadata:   chunk.MetadataMap(),
			Systems:    make(map[string]models.SystemBreakdown, len(f.Systems)),
		}
		for system, contrib := range f.Systems {
			result.Systems[system] = models.SystemBreakdown{Score: contrib.Score, Rank: contrib.Rank}
		}
		if doc, ok := docs[chunk.DocumentID]; ok {
			result.URL = doc.CanonicalURL
			result.Title = doc.Title
			result.Actions = actionsByURL[doc.CanonicalURL]
		}
		out = append(out, result)
	}
	return out, nil
}

// actionsByURL indexes the latest manifest's actions by source page.
func (s *searchService) actionsByURL(ctx context.Context, req models.SearchRequest) map[string][]models.ActionDescriptor {
	if s.manifests == nil {
		return nil
	}
	manifest, err := s.manifests.Latest(ctx, req.TenantID, req.SiteID)
	if err != nil || manifest == nil {
		return nil
	}
	byURL := make(map[string][]models.ActionDescriptor)
	for _, a := range manifest.Actions {
		if a.DocumentURL == "" {
			continue
		}
		byURL[a.DocumentURL] = append(byURL[a.DocumentURL], a)
	}
	return byURL
}

func (s *searchService) corpusVersion(ctx context.Context, req models.SearchRequest) int64 {
	if s.db == nil {
		return 0
	}
	var site models.Site
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND id = ?", req.TenantID, req.SiteID).
		First(&site).Error
	if err != nil {
		return 0
	}
	return site.CorpusVersion
}

func hasStrategy(strategies []models.SearchStrategy, want models.SearchStrategy) bool {
	for _, s := range strategies {
		if s == want {
			return true
		}
	}
	return false
}

// estimateQueryTokens approximates the provider tokenizer at ~4 bytes per
// token, rounding up. Used only for the pre-embed budget gate; the recorded
// usage comes from the provider's actual count.
func estimateQueryTokens(query string) int64 {
	return int64((len(query) + 3) / 4)
}

func joinWarning(existing, add string) string {
	if existing == "" {
		return add
	}
	return existing + "; " + add
}
