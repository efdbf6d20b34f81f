package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sashabaranov/go-openai"
	"github.com/sitespeak/kb-engine/auth"
	"github.com/sitespeak/kb-engine/config"
	"github.com/sitespeak/kb-engine/handlers"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/sitespeak/kb-engine/services/crawler"
	"github.com/sitespeak/kb-engine/services/impl"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load configuration:", err)
	}

	// Initialize database connection
	db, err := initDB(cfg)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	// Auto-migrate database schema
	if err := db.AutoMigrate(
		&models.Site{},
		&models.Document{},
		&models.Chunk{},
		&models.StructuredEntity{},
		&models.CrawlSession{},
		&models.ResourceBudget{},
		&models.SiteManifestRecord{},
	); err != nil {
		log.Fatal("Failed to migrate database:", err)
	}

	storeOpts := impl.DefaultVectorStoreOptions()
	storeOpts.Dimensions = cfg.Embeddings.Dimensions

	// pgvector extension, embedding column size, ANN and FTS indexes
	if err := impl.EnsureSchema(db, storeOpts); err != nil {
		log.Fatal("Failed to prepare vector schema:", err)
	}

	// Initialize Redis client for the retrieval cache L2
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.GetRedisAddress(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if _, err := redisClient.Ping(context.Background()).Result(); err != nil {
			log.Printf("Warning: Redis connection failed, retrieval cache runs L1-only: %v", err)
			redisClient = nil
		}
	}

	// Initialize services
	vectorStore := impl.NewVectorStore(db, storeOpts)
	budgetService := impl.NewBudgetService(db)
	manifestService := impl.NewManifestService(db)

	cacheService := impl.NewRetrievalCache(redisClient, impl.CacheOptions{
		L1SizePerTenant: cfg.Cache.L1SizePerTenant,
		TTL:             time.Duration(cfg.Cache.TTL) * time.Second,
		StaleWindow:     time.Duration(cfg.Cache.StaleWindow) * time.Second,
	})
	defer cacheService.Close()

	embedder := impl.NewOpenAIEmbedder(newOpenAIClient(cfg), impl.EmbeddingOptions{
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		MaxRetries: uint64(cfg.Embeddings.MaxRetries),
	})

	searchService := impl.NewSearchService(db, vectorStore, embedder, cacheService, budgetService, manifestService, impl.SearchOptions{
		DefaultTopK:     cfg.Search.DefaultTopK,
		MaxTopK:         cfg.Search.MaxTopK,
		StrategyTimeout: time.Duration(cfg.Search.StrategyTimeoutMs) * time.Millisecond,
		OverfetchFactor: cfg.Search.OverfetchFactor,
	})

	// Initialize the crawl pipeline
	httpClient := &http.Client{Timeout: 30 * time.Second}
	fetcher := crawler.NewConditionalFetcher(httpClient, crawler.FetcherOptions{
		UserAgent:    cfg.Crawler.UserAgent,
		HostInterval: time.Duration(cfg.Crawler.HostIntervalMs) * time.Millisecond,
		MaxRetries:   3,
		IgnoreRobots: cfg.Crawler.IgnoreRobots,
	})
	sitemaps := crawler.NewSitemapReader(httpClient, cfg.Crawler.UserAgent,
		time.Duration(cfg.Crawler.SitemapCacheTTL)*time.Second)

	chunking := crawler.DefaultChunkOptions()
	chunking.MaxTokens = cfg.Crawler.ChunkMaxTokens
	chunking.OverlapTokens = cfg.Crawler.ChunkOverlap

	orchestratorOpts := crawler.DefaultOrchestratorOptions()
	orchestratorOpts.Workers = cfg.Crawler.Workers
	orchestratorOpts.MaxURLs = cfg.Crawler.MaxURLs
	orchestratorOpts.EmbedBatchSize = cfg.Crawler.EmbedBatchSize
	orchestratorOpts.SessionTimeout = time.Duration(cfg.Crawler.SessionTimeout) * time.Second
	orchestratorOpts.Chunking = chunking

	crawlService := crawler.NewOrchestrator(db, vectorStore, fetcher, sitemaps,
		embedder, manifestService, cacheService, budgetService, orchestratorOpts)

	// Budget window rollover sweeper
	resetCtx, stopResets := context.WithCancel(context.Background())
	defer stopResets()
	go runBudgetResets(resetCtx, budgetService)

	// Initialize handlers and router
	kbHandlers := handlers.NewKBHandlers(searchService, crawlService, budgetService, manifestService, vectorStore)
	validator := auth.NewJWTValidator(cfg.Auth.JWTSecret, cfg.Auth.InternalAPIKey)
	router := setupRouter(cfg, kbHandlers, validator, db, redisClient)

	srv := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	// Start server in a goroutine for graceful shutdown
	go func() {
		log.Printf("Starting KB engine server on %s", cfg.GetServerAddress())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server:", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopResets()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server exited")
}

func initDB(cfg *config.Config) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.GetDatabaseDSN()), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	sqlDB.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(cfg.Database.MaxLifetime) * time.Second)

	return db, nil
}

func newOpenAIClient(cfg *config.Config) *openai.Client {
	clientCfg := openai.DefaultConfig(cfg.Embeddings.APIKey)
	if cfg.Embeddings.BaseURL != "" {
		clientCfg.BaseURL = cfg.Embeddings.BaseURL
	}
	return openai.NewClientWithConfig(clientCfg)
}

// runBudgetResets rolls expired budget windows over once a minute. The
// sweep is idempotent so overlapping runs across replicas are harmless.
func runBudgetResets(ctx context.Context, budgets services.BudgetService) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := budgets.RunResets(ctx, now.Unix()); err != nil {
				log.Printf("budget reset sweep failed: %v", err)
			}
		}
	}
}

func setupRouter(cfg *config.Config, kbHandlers *handlers.KBHandlers, validator *auth.JWTValidator, db *gorm.DB, redisClient *redis.Client) *gin.Engine {
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Auth.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", func(c *gin.Context) {
		health := gin.H{"status": "healthy", "service": "kb-engine"}
		status := http.StatusOK

		if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			health["database"] = "unreachable"
			health["status"] = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			health["database"] = "ok"
		}

		if redisClient == nil {
			health["redis"] = "disabled"
		} else if err := redisClient.Ping(c.Request.Context()).Err(); err != nil {
			health["redis"] = "unreachable"
			health["status"] = "degraded"
		} else {
			health["redis"] = "ok"
		}

		c.JSON(status, health)
	})

	api := router.Group("/api/v1")
	api.Use(validator.Middleware())
	kbHandlers.RegisterRoutes(api)

	return router
}
