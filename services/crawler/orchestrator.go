package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sitespeak/kb-engine/services/extract"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OrchestratorOptions tunes the crawl pipeline.
type OrchestratorOptions struct {
	Workers        int
	MaxURLs        int
	EmbedBatchSize int
	SessionTimeout time.Duration
	Chunking       ChunkOptions
	Content        extract.ContentOptions
}

func DefaultOrchestratorOptions() OrchestratorOptions {
	return OrchestratorOptions{
		Workers:        4,
		MaxURLs:        5000,
		EmbedBatchSize: 64,
		SessionTimeout: 30 * time.Minute,
		Chunking:       DefaultChunkOptions(),
		Content:        extract.DefaultContentOptions(),
	}
}

// Orchestrator runs crawl sessions: discovery, conditional fetching,
// extraction, delta embedding and indexing, then manifest regeneration.
// It implements services.CrawlService.
type Orchestrator struct {
	db        *gorm.DB
	store     services.VectorStore
	fetcher   *ConditionalFetcher
	sitemaps  *SitemapReader
	embedder  services.EmbeddingProvider
	manifests services.ManifestService
	cache     services.RetrievalCache
	budgets   services.BudgetService
	chunker   *Chunker
	opts      OrchestratorOptions

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
}

func NewOrchestrator(
	db *gorm.DB,
	store services.VectorStore,
	fetcher *ConditionalFetcher,
	sitemaps *SitemapReader,
	embedder services.EmbeddingProvider,
	manifests services.ManifestService,
	cache services.RetrievalCache,
	budgets services.BudgetService,
	opts OrchestratorOptions,
) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = 64
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = 30 * time.Minute
	}
	return &Orchestrator{
		db:        db,
		store:     store,
		fetcher:   fetcher,
		sitemaps:  sitemaps,
		embedder:  embedder,
		manifests: manifests,
		cache:     cache,
		budgets:   budgets,
		chunker:   NewChunker(opts.Chunking),
		opts:      opts,
		cancels:   make(map[uuid.UUID]context.CancelFunc),
	}
}

// StartSession acquires the per-site crawl lease and launches the session
// pipeline in the background. The lease check and session insert share one
// transaction with the active rows locked, so two concurrent starts cannot
// both succeed.
func (o *Orchestrator) StartSession(ctx context.Context, tenantID string, siteID uuid.UUID, baseURL string, sessionType models.SessionType) (*models.CrawlSession, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}

	session := &models.CrawlSession{
		ID:        uuid.New(),
		TenantID:  tenantID,
		SiteID:    siteID,
		Type:      sessionType,
		State:     models.SessionStatePending,
		StartedAt: time.Now(),
	}

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var site models.Site
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND id = ?", tenantID, siteID).
			First(&site).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			site = models.Site{ID: siteID, TenantID: tenantID, BaseURL: baseURL}
			if err := tx.Create(&site).Error; err != nil {
				return fmt.Errorf("%w: create site: %v", models.ErrBackend, err)
			}
		} else if err != nil {
			return fmt.Errorf("%w: load site: %v", models.ErrBackend, err)
		}
		if baseURL == "" {
			baseURL = site.BaseURL
		}

		var active models.CrawlSession
		err = tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND site_id = ? AND state IN ?", tenantID, siteID, models.ActiveStates).
			First(&active).Error
		if err == nil {
			return fmt.Errorf("%w: session %s is %s", models.ErrSessionConflict, active.ID, active.State)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: lease check: %v", models.ErrBackend, err)
		}

		if err := tx.Create(session).Error; err != nil {
			return fmt.Errorf("%w: create session: %v", models.ErrBackend, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(context.Background(), o.opts.SessionTimeout)
	o.mu.Lock()
	o.cancels[session.ID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, session.ID, tenantID, siteID, baseURL, sessionType)

	return session, nil
}

func (o *Orchestrator) GetSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.CrawlSession, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	var session models.CrawlSession
	err := o.db.WithContext(ctx).Where("tenant_id = ? AND id = ?", tenantID, id).First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: session %s", models.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return &session, nil
}

func (o *Orchestrator) ListSessions(ctx context.Context, tenantID string, siteID uuid.UUID, limit int) ([]models.CrawlSession, error) {
	if tenantID == "" {
		return nil, models.ErrTenantScopeMissing
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var sessions []models.CrawlSession
	err := o.db.WithContext(ctx).
		Where("tenant_id = ? AND site_id = ?", tenantID, siteID).
		Order("started_at DESC").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrBackend, err)
	}
	return sessions, nil
}

// CancelSession cancels a running session. When the session is owned by
// this process the pipeline context is cancelled; an orphaned active row
// (a crashed owner) is failed directly.
func (o *Orchestrator) CancelSession(ctx context.Context, tenantID string, id uuid.UUID) error {
	session, err := o.GetSession(ctx, tenantID, id)
	if err != nil {
		return err
	}
	if !session.IsActive() {
		return fmt.Errorf("%w: session %s already %s", models.ErrCancelled, id, session.State)
	}

	o.mu.Lock()
	cancel, owned := o.cancels[id]
	o.mu.Unlock()
	if owned {
		cancel()
		return nil
	}

	now := time.Now()
	return o.db.WithContext(ctx).Model(&models.CrawlSession{}).
		Where("tenant_id = ? AND id = ? AND state IN ?", tenantID, id, models.ActiveStates).
		Updates(map[string]any{
			"state":       models.SessionStateFailed,
			"fail_reason": "cancelled",
			"finished_at": &now,
		}).Error
}

// sessionRun carries the mutable state of one pipeline execution.
type sessionRun struct {
	id       uuid.UUID
	tenantID string
	siteID   uuid.UUID
	baseURL  string
	sessType models.SessionType

	// finishedAt is set once by the pipeline before manifest regeneration
	// so the manifest's generation time and the session row agree.
	finishedAt time.Time

	mu       sync.Mutex
	counters models.SessionCounters
	pages    []services.PageActions
}

func (r *sessionRun) addPage(p services.PageActions) {
	r.mu.Lock()
	r.pages = append(r.pages, p)
	r.mu.Unlock()
}

func (r *sessionRun) bump(mutate func(*models.SessionCounters)) {
	r.mu.Lock()
	mutate(&r.counters)
	r.mu.Unlock()
}

func (r *sessionRun) snapshot() models.SessionCounters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

func (o *Orchestrator) run(ctx context.Context, id uuid.UUID, tenantID string, siteID uuid.UUID, baseURL string, sessType models.SessionType) {
	defer func() {
		o.mu.Lock()
		if cancel, ok := o.cancels[id]; ok {
			cancel()
			delete(o.cancels, id)
		}
		o.mu.Unlock()
	}()

	run := &sessionRun{id: id, tenantID: tenantID, siteID: siteID, baseURL: baseURL, sessType: sessType}

	if err := o.pipeline(ctx, run); err != nil {
		reason := sessionFailureReason(err)
		if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
			reason = "cancelled"
		} else if errors.Is(err, context.DeadlineExceeded) {
			reason = "session timeout"
		}
		log.Printf("crawl session %s failed: %s", id, reason)
		o.finishSession(run, models.SessionStateFailed, reason)
		return
	}
	o.finishSession(run, models.SessionStateDone, "")
}

func (o *Orchestrator) pipeline(ctx context.Context, run *sessionRun) error {
	if err := o.transition(run, models.SessionStateDiscovering); err != nil {
		return err
	}

	entries, sessType, err := o.discover(ctx, run)
	if err != nil {
		return err
	}
	run.sessType = sessType
	run.bump(func(c *models.SessionCounters) { c.URLsDiscovered = len(entries) })

	if err := o.transition(run, models.SessionStateFetching); err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(o.opts.Workers)
	for _, entry := range entries {
		entry := entry
		group.Go(func() error {
			if groupCtx.Err() != nil {
				return groupCtx.Err()
			}
			o.processURL(groupCtx, run, entry)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := o.transition(run, models.SessionStateProcessing); err != nil {
		return err
	}

	// Manifest regeneration runs last so it sees the full action set.
	run.mu.Lock()
	pages := run.pages
	run.mu.Unlock()
	run.finishedAt = time.Now()
	if rebuildManifest(run.sessType, len(pages)) {
		if _, err := o.manifests.Generate(ctx, run.tenantID, run.siteID, pages, run.finishedAt); err != nil {
			log.Printf("crawl session %s: manifest generation failed: %v", run.id, err)
		}
	} else if err := o.manifests.Refresh(ctx, run.tenantID, run.siteID, run.finishedAt); err != nil {
		log.Printf("crawl session %s: manifest refresh failed: %v", run.id, err)
	}

	counters := run.snapshot()
	if counters.URLsDiscovered > 0 && counters.Failed == counters.URLsDiscovered {
		return fmt.Errorf("%w: every URL failed", models.ErrFetchFailed)
	}
	return nil
}

// rebuildManifest reports whether the session rebuilds the manifest from
// its extracted pages. A delta crawl that changed no pages keeps the
// existing manifest and only refreshes its generation metadata; a full
// crawl always rebuilds, even into an empty manifest.
func rebuildManifest(sessType models.SessionType, pageCount int) bool {
	return pageCount > 0 || sessType == models.SessionTypeFull
}

// discover resolves the URL set for the session. A delta session with no
// prior completed crawl is promoted to full.
func (o *Orchestrator) discover(ctx context.Context, run *sessionRun) ([]models.SitemapEntry, models.SessionType, error) {
	sessType := run.sessType
	var since time.Time

	if sessType == models.SessionTypeDelta {
		var last models.CrawlSession
		err := o.db.WithContext(ctx).
			Where("tenant_id = ? AND site_id = ? AND state = ?", run.tenantID, run.siteID, models.SessionStateDone).
			Order("finished_at DESC").
			First(&last).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			sessType = models.SessionTypeFull
		case err != nil:
			return nil, sessType, fmt.Errorf("%w: last session lookup: %v", models.ErrBackend, err)
		case last.FinishedAt != nil:
			since = *last.FinishedAt
		}
	}

	var entries []models.SitemapEntry
	var err error
	if sessType == models.SessionTypeDelta && !since.IsZero() {
		entries, err = o.sitemaps.FindChangedURLs(ctx, run.baseURL, since)
	} else {
		entries, err = o.sitemaps.Discover(ctx, run.baseURL)
	}
	if err != nil {
		return nil, sessType, err
	}
	if o.opts.MaxURLs > 0 && len(entries) > o.opts.MaxURLs {
		entries = entries[:o.opts.MaxURLs]
	}
	return entries, sessType, nil
}

// processURL fetches, classifies and indexes one URL. Failures are counted
// and logged; a single bad page never aborts the session.
func (o *Orchestrator) processURL(ctx context.Context, run *sessionRun, entry models.SitemapEntry) {
	outcome, err := o.syncURL(ctx, run, entry)
	switch outcome {
	case models.FetchOutcomeUnchanged:
		run.bump(func(c *models.SessionCounters) { c.Fetched++; c.Unchanged++ })
	case models.FetchOutcomeNew, models.FetchOutcomeChanged:
		run.bump(func(c *models.SessionCounters) { c.Fetched++; c.Changed++ })
	default:
		run.bump(func(c *models.SessionCounters) { c.Failed++ })
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("crawl session %s: %s: %v", run.id, entry.URL, err)
		}
	}
}

func (o *Orchestrator) syncURL(ctx context.Context, run *sessionRun, entry models.SitemapEntry) (models.FetchOutcome, error) {
	doc, err := o.store.GetDocumentByURL(ctx, run.tenantID, run.siteID, entry.URL)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		return models.FetchOutcomeFailed, err
	}

	var validators Validators
	if doc != nil {
		validators = Validators{ETag: doc.ETag, LastModified: doc.LastModifiedHeader}
	}

	res, err := o.fetcher.Fetch(ctx, entry.URL, validators)
	if err != nil {
		return models.FetchOutcomeFailed, err
	}

	if res.NotModified {
		return models.FetchOutcomeUnchanged, nil
	}

	// Validators can be absent or weak; the body hash is the authority on
	// whether anything actually changed.
	if doc != nil && doc.ContentHash == res.ContentHash {
		o.touchDocument(ctx, doc, res)
		return models.FetchOutcomeUnchanged, nil
	}

	outcome := models.FetchOutcomeChanged
	if doc == nil {
		outcome = models.FetchOutcomeNew
		doc = &models.Document{
			ID:           uuid.New(),
			TenantID:     run.tenantID,
			SiteID:       run.siteID,
			CanonicalURL: entry.URL,
		}
	}

	page := extract.Page(string(res.Body), entry.URL, o.opts.Content)
	if page.Content == nil || page.Content.CleanedText == "" {
		return models.FetchOutcomeFailed, fmt.Errorf("%w: %s produced no content", models.ErrExtractFailed, entry.URL)
	}

	pieces := o.chunker.Split(string(res.Body))
	chunks, err := o.buildChunks(ctx, run, doc, page, pieces)
	if err != nil {
		return models.FetchOutcomeFailed, err
	}

	doc.Title = page.Content.Title
	doc.Description = page.Content.Description
	doc.Locale = page.Content.Language
	doc.Lastmod = entry.Lastmod
	doc.ETag = res.ETag
	doc.LastModifiedHeader = res.LastModified
	doc.ContentHash = res.ContentHash
	doc.ChunkCount = len(chunks)
	doc.FetchedAt = res.FetchedAt

	entities := buildEntities(run.tenantID, run.siteID, doc.ID, page)

	committedIns, committedSkip, err := o.store.CommitDocument(ctx, doc, chunks, entities)
	if err != nil {
		return models.FetchOutcomeFailed, err
	}
	run.bump(func(c *models.SessionCounters) {
		c.ChunksUpserted += committedIns
		c.ChunksSkipped += committedSkip
	})

	if page.Actions != nil || page.Forms != nil {
		pa := services.PageActions{DocumentURL: entry.URL}
		if page.Actions != nil {
			pa.Actions = page.Actions.Actions
		}
		if page.Forms != nil {
			pa.Forms = page.Forms.Forms
		}
		run.addPage(pa)
	}

	return outcome, nil
}

// buildChunks assembles chunk rows for a document, reusing embeddings of
// pieces whose content hash already exists for the site and embedding only
// the genuinely new ones.
func (o *Orchestrator) buildChunks(ctx context.Context, run *sessionRun, doc *models.Document, page *models.PageExtraction, pieces []Piece) ([]models.Chunk, error) {
	pieces = dedupePieces(pieces)
	if len(pieces) == 0 {
		return nil, nil
	}

	hashes := make([]string, 0, len(pieces))
	for _, p := range pieces {
		hashes = append(hashes, p.ContentHash)
	}
	existing, err := o.store.FindChunksByHash(ctx, run.tenantID, run.siteID, hashes)
	if err != nil {
		return nil, err
	}

	locale := page.Content.Language
	chunks := make([]models.Chunk, len(pieces))
	var newIdx []int
	var newTexts []string
	for i, p := range pieces {
		chunks[i] = models.Chunk{
			ID:             uuid.New(),
			TenantID:       run.tenantID,
			SiteID:         run.siteID,
			DocumentID:     doc.ID,
			ChunkIndex:     p.Index,
			Content:        p.Text,
			CleanedContent: p.Text,
			ContentHash:    p.ContentHash,
			TokenCount:     p.TokenCount,
			Locale:         locale,
			Section:        p.Section,
			Heading:        p.Heading,
			Selector:       p.Selector,
			Metadata: models.MustJSON(map[string]any{
				"url":   doc.CanonicalURL,
				"title": page.Content.Title,
			}),
		}
		if prior, ok := existing[p.ContentHash]; ok {
			if vec := prior.EmbeddingSlice(); len(vec) > 0 {
				chunks[i].Embedding = pgvectorFrom(vec)
				continue
			}
		}
		newIdx = append(newIdx, i)
		newTexts = append(newTexts, p.Text)
	}

	if len(newTexts) > 0 {
		vectors, tokens, calls, err := o.embedBatches(ctx, newTexts)
		if err != nil {
			return nil, err
		}
		for j, i := range newIdx {
			chunks[i].Embedding = pgvectorFrom(vectors[j])
		}
		run.bump(func(c *models.SessionCounters) { c.EmbeddingCalls += calls })
		if o.budgets != nil && tokens > 0 {
			if _, err := o.budgets.Record(ctx, run.tenantID, run.siteID, models.BudgetTokens, int64(tokens)); err != nil {
				log.Printf("crawl session %s: token usage record failed: %v", run.id, err)
			}
		}
	}

	return chunks, nil
}

// dedupePieces drops pieces repeating an earlier piece's content hash,
// keeping first occurrences in order. Boilerplate repeated within a page
// (cookie banners, footers) otherwise produces several rows with the same
// (site, hash) conflict target inside one insert batch.
func dedupePieces(pieces []Piece) []Piece {
	seen := make(map[string]bool, len(pieces))
	out := make([]Piece, 0, len(pieces))
	for _, p := range pieces {
		if seen[p.ContentHash] {
			continue
		}
		seen[p.ContentHash] = true
		out = append(out, p)
	}
	return out
}

func (o *Orchestrator) embedBatches(ctx context.Context, texts []string) ([][]float32, int, int, error) {
	var vectors [][]float32
	totalTokens := 0
	calls := 0
	for start := 0; start < len(texts); start += o.opts.EmbedBatchSize {
		end := start + o.opts.EmbedBatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch, tokens, err := o.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, 0, 0, err
		}
		vectors = append(vectors, batch...)
		totalTokens += tokens
		calls++
	}
	return vectors, totalTokens, calls, nil
}

func (o *Orchestrator) touchDocument(ctx context.Context, doc *models.Document, res *FetchResult) {
	updates := map[string]any{"fetched_at": res.FetchedAt}
	if res.ETag != "" {
		updates["e_tag"] = res.ETag
	}
	if res.LastModified != "" {
		updates["last_modified_header"] = res.LastModified
	}
	if err := o.db.WithContext(ctx).Model(&models.Document{}).
		Where("tenant_id = ? AND id = ?", doc.TenantID, doc.ID).
		Updates(updates).Error; err != nil {
		log.Printf("document %s: validator refresh failed: %v", doc.ID, err)
	}
}

func (o *Orchestrator) transition(run *sessionRun, state models.SessionState) error {
	counters := run.snapshot()
	err := o.db.Model(&models.CrawlSession{}).
		Where("tenant_id = ? AND id = ? AND state IN ?", run.tenantID, run.id, models.ActiveStates).
		Updates(map[string]any{
			"state":    state,
			"counters": counters,
		}).Error
	if err != nil {
		return fmt.Errorf("%w: transition to %s: %v", models.ErrBackend, state, err)
	}
	return nil
}

// finishSession writes the terminal state and, on success, bumps the site
// corpus version and invalidates cached search responses for the site.
func (o *Orchestrator) finishSession(run *sessionRun, state models.SessionState, failReason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	now := run.finishedAt
	if now.IsZero() {
		now = time.Now()
	}
	counters := run.snapshot()

	err := o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"state":       state,
			"counters":    counters,
			"finished_at": &now,
			"fail_reason": failReason,
		}
		if err := tx.Model(&models.CrawlSession{}).
			Where("tenant_id = ? AND id = ?", run.tenantID, run.id).
			Updates(updates).Error; err != nil {
			return err
		}
		if state != models.SessionStateDone {
			return nil
		}
		return tx.Model(&models.Site{}).
			Where("tenant_id = ? AND id = ?", run.tenantID, run.siteID).
			Updates(map[string]any{
				"corpus_version":    gorm.Expr("corpus_version + 1"),
				"latest_session_id": run.id,
			}).Error
	})
	if err != nil {
		log.Printf("crawl session %s: finalize failed: %v", run.id, err)
		return
	}

	if state == models.SessionStateDone && o.cache != nil {
		siteID := run.siteID
		if err := o.cache.Invalidate(ctx, run.tenantID, &siteID); err != nil {
			log.Printf("crawl session %s: cache invalidation failed: %v", run.id, err)
		}
	}
}

func buildEntities(tenantID string, siteID, documentID uuid.UUID, page *models.PageExtraction) []models.StructuredEntity {
	if page.JSONLD == nil || len(page.JSONLD.Entities) == 0 {
		return nil
	}
	out := make([]models.StructuredEntity, 0, len(page.JSONLD.Entities))
	for _, e := range page.JSONLD.Entities {
		out = append(out, models.StructuredEntity{
			ID:         uuid.New(),
			TenantID:   tenantID,
			SiteID:     siteID,
			DocumentID: documentID,
			Type:       e.Type,
			Properties: models.MustJSON(e.Properties),
			Confidence: e.Confidence,
			Labels:     models.StringList(e.Labels),
		})
	}
	return out
}

func pgvectorFrom(vec []float32) pgvector.Vector {
	return pgvector.NewVector(vec)
}

// sessionFailureReason trims backend error text for storage in the row.
func sessionFailureReason(err error) string {
	msg := err.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	return strings.TrimSpace(msg)
}
