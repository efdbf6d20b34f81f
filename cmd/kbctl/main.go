package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"github.com/sitespeak/kb-engine/config"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sitespeak/kb-engine/services/crawler"
	"github.com/sitespeak/kb-engine/services/impl"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// kbctl is the operator CLI. It talks to the database directly, so it
// needs the same environment the server runs with.

var (
	flagTenant string
	flagSite   string
	flagURL    string
	flagFull   bool
	flagWait   bool
	flagKind   string
)

func main() {
	root := &cobra.Command{
		Use:           "kbctl",
		Short:         "Operator tooling for the knowledge-base engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	crawlCmd := &cobra.Command{
		Use:   "crawl",
		Short: "Start a crawl session for a site",
		RunE:  runCrawl,
	}
	crawlCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (required)")
	crawlCmd.Flags().StringVar(&flagSite, "site", "", "site uuid (required)")
	crawlCmd.Flags().StringVar(&flagURL, "url", "", "base url for a new site")
	crawlCmd.Flags().BoolVar(&flagFull, "full", false, "force a full crawl instead of delta")
	crawlCmd.Flags().BoolVar(&flagWait, "wait", false, "block until the session reaches a terminal state")

	reindexCmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the ANN index",
		RunE:  runReindex,
	}
	reindexCmd.Flags().StringVar(&flagKind, "kind", "hnsw", "index kind: hnsw, ivfflat or exact")

	budgetCmd := &cobra.Command{
		Use:   "budget",
		Short: "Show the resource budget for a tenant and site",
		RunE:  runBudget,
	}
	budgetCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (required)")
	budgetCmd.Flags().StringVar(&flagSite, "site", "", "site uuid (required)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show vector store statistics",
		RunE:  runStats,
	}
	statsCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (required)")
	statsCmd.Flags().StringVar(&flagSite, "site", "", "site uuid (optional)")

	root.AddCommand(crawlCmd, reindexCmd, budgetCmd, statsCmd)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func openDB() (*config.Config, *gorm.DB, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, nil, fmt.Errorf("connect database: %w", err)
	}
	return cfg, db, nil
}

func requireScope() (string, uuid.UUID, error) {
	if flagTenant == "" {
		return "", uuid.Nil, fmt.Errorf("--tenant is required")
	}
	siteID, err := uuid.Parse(flagSite)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("--site must be a valid uuid: %w", err)
	}
	return flagTenant, siteID, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	tenant, siteID, err := requireScope()
	if err != nil {
		return err
	}

	cfg, db, err := openDB()
	if err != nil {
		return err
	}

	orchestrator := buildOrchestrator(cfg, db)

	sessionType := models.SessionTypeDelta
	if flagFull {
		sessionType = models.SessionTypeFull
	}

	ctx := context.Background()
	session, err := orchestrator.StartSession(ctx, tenant, siteID, flagURL, sessionType)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	if !flagWait {
		return printJSON(session)
	}

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		session, err = orchestrator.GetSession(ctx, tenant, session.ID)
		if err != nil {
			return fmt.Errorf("poll session: %w", err)
		}
		if !session.IsActive() {
			break
		}
		fmt.Fprintf(os.Stderr, "session %s: %s (%d fetched, %d failed)\n",
			session.ID, session.State, session.Counters.Fetched, session.Counters.Failed)
	}
	return printJSON(session)
}

func buildOrchestrator(cfg *config.Config, db *gorm.DB) services.CrawlService {
	storeOpts := impl.DefaultVectorStoreOptions()
	storeOpts.Dimensions = cfg.Embeddings.Dimensions
	store := impl.NewVectorStore(db, storeOpts)

	clientCfg := openai.DefaultConfig(cfg.Embeddings.APIKey)
	if cfg.Embeddings.BaseURL != "" {
		clientCfg.BaseURL = cfg.Embeddings.BaseURL
	}
	embedder := impl.NewOpenAIEmbedder(openai.NewClientWithConfig(clientCfg), impl.EmbeddingOptions{
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
	})

	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetcher := crawler.NewConditionalFetcher(httpClient, crawler.FetcherOptions{
		UserAgent:    cfg.Crawler.UserAgent,
		HostInterval: time.Duration(cfg.Crawler.HostIntervalMs) * time.Millisecond,
		MaxRetries:   3,
		IgnoreRobots: cfg.Crawler.IgnoreRobots,
	})
	sitemaps := crawler.NewSitemapReader(httpClient, cfg.Crawler.UserAgent,
		time.Duration(cfg.Crawler.SitemapCacheTTL)*time.Second)

	// The CLI runs one session at a time; an L1-only cache is enough to
	// satisfy the invalidation hook at session end.
	cache := impl.NewRetrievalCache(nil, impl.DefaultCacheOptions())

	opts := crawler.DefaultOrchestratorOptions()
	opts.Workers = cfg.Crawler.Workers
	opts.MaxURLs = cfg.Crawler.MaxURLs
	opts.EmbedBatchSize = cfg.Crawler.EmbedBatchSize
	opts.SessionTimeout = time.Duration(cfg.Crawler.SessionTimeout) * time.Second

	return crawler.NewOrchestrator(db, store, fetcher, sitemaps, embedder,
		impl.NewManifestService(db), cache, impl.NewBudgetService(db), opts)
}

func runReindex(cmd *cobra.Command, args []string) error {
	switch flagKind {
	case "hnsw", "ivfflat", "exact":
	default:
		return fmt.Errorf("--kind must be hnsw, ivfflat or exact")
	}

	cfg, db, err := openDB()
	if err != nil {
		return err
	}

	storeOpts := impl.DefaultVectorStoreOptions()
	storeOpts.Dimensions = cfg.Embeddings.Dimensions
	store := impl.NewVectorStore(db, storeOpts)

	if err := store.Reindex(context.Background(), flagKind); err != nil {
		return fmt.Errorf("reindex: %w", err)
	}
	fmt.Printf("reindex complete: %s\n", flagKind)
	return nil
}

func runBudget(cmd *cobra.Command, args []string) error {
	tenant, siteID, err := requireScope()
	if err != nil {
		return err
	}

	_, db, err := openDB()
	if err != nil {
		return err
	}

	budget, err := impl.NewBudgetService(db).Get(context.Background(), tenant, siteID)
	if err != nil {
		return fmt.Errorf("get budget: %w", err)
	}
	return printJSON(budget)
}

func runStats(cmd *cobra.Command, args []string) error {
	if flagTenant == "" {
		return fmt.Errorf("--tenant is required")
	}

	var siteID *uuid.UUID
	if flagSite != "" {
		parsed, err := uuid.Parse(flagSite)
		if err != nil {
			return fmt.Errorf("--site must be a valid uuid: %w", err)
		}
		siteID = &parsed
	}

	cfg, db, err := openDB()
	if err != nil {
		return err
	}

	storeOpts := impl.DefaultVectorStoreOptions()
	storeOpts.Dimensions = cfg.Embeddings.Dimensions
	store := impl.NewVectorStore(db, storeOpts)

	stats, err := store.Stats(context.Background(), flagTenant, siteID)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	return printJSON(stats)
}
