package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Auth       AuthConfig       `json:"auth"`
	Embeddings EmbeddingsConfig `json:"embeddings"`
	Crawler    CrawlerConfig    `json:"crawler"`
	Search     SearchConfig     `json:"search"`
	Cache      CacheConfig      `json:"cache"`
	Logging    LoggingConfig    `json:"logging"`
}

type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"read_timeout"`
	WriteTimeout int    `json:"write_timeout"`
	IdleTimeout  int    `json:"idle_timeout"`
}

type DatabaseConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Name         string `json:"name"`
	SSLMode      string `json:"ssl_mode"`
	MaxOpenConns int    `json:"max_open_conns"`
	MaxIdleConns int    `json:"max_idle_conns"`
	MaxLifetime  int    `json:"max_lifetime"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type AuthConfig struct {
	JWTSecret      string   `json:"jwt_secret"`
	InternalAPIKey string   `json:"internal_api_key"`
	AllowedOrigins []string `json:"allowed_origins"`
}

// EmbeddingsConfig holds configuration for the embedding provider.
type EmbeddingsConfig struct {
	APIKey     string `json:"api_key"`
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	MaxRetries int    `json:"max_retries"`
}

// CrawlerConfig holds configuration for crawl sessions.
type CrawlerConfig struct {
	UserAgent       string `json:"user_agent"`
	Workers         int    `json:"workers"`
	MaxURLs         int    `json:"max_urls"`
	HostIntervalMs  int    `json:"host_interval_ms"`
	SessionTimeout  int    `json:"session_timeout"`   // seconds
	SitemapCacheTTL int    `json:"sitemap_cache_ttl"` // seconds
	ChunkMaxTokens  int    `json:"chunk_max_tokens"`
	ChunkOverlap    int    `json:"chunk_overlap"`
	EmbedBatchSize  int    `json:"embed_batch_size"`
	IgnoreRobots    bool   `json:"ignore_robots"`
}

// SearchConfig holds configuration for the hybrid search pipeline.
type SearchConfig struct {
	DefaultTopK       int `json:"default_top_k"`
	MaxTopK           int `json:"max_top_k"`
	StrategyTimeoutMs int `json:"strategy_timeout_ms"`
	OverfetchFactor   int `json:"overfetch_factor"`
}

// CacheConfig holds configuration for the retrieval cache tiers.
type CacheConfig struct {
	L1SizePerTenant int `json:"l1_size_per_tenant"`
	TTL             int `json:"ttl"`          // seconds
	StaleWindow     int `json:"stale_window"` // seconds
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

func LoadConfig() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnv("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvAsInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvAsInt("SERVER_READ_TIMEOUT", 30),
			WriteTimeout: getEnvAsInt("SERVER_WRITE_TIMEOUT", 30),
			IdleTimeout:  getEnvAsInt("SERVER_IDLE_TIMEOUT", 60),
		},
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         getEnvAsInt("DB_PORT", 5432),
			User:         getEnv("DB_USER", "kbuser"),
			Password:     getEnv("DB_PASSWORD", ""),
			Name:         getEnv("DB_NAME", "kb_engine"),
			SSLMode:      getEnv("DB_SSL_MODE", "disable"),
			MaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
			MaxLifetime:  getEnvAsInt("DB_MAX_LIFETIME", 300),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret:      getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			InternalAPIKey: getEnv("INTERNAL_API_KEY", ""),
			AllowedOrigins: getEnvAsSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
		},
		Embeddings: EmbeddingsConfig{
			APIKey:     getEnv("OPENAI_API_KEY", ""),
			BaseURL:    getEnv("OPENAI_BASE_URL", ""),
			Model:      getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
			Dimensions: getEnvAsInt("EMBEDDING_DIMENSIONS", 1536),
			MaxRetries: getEnvAsInt("EMBEDDING_MAX_RETRIES", 3),
		},
		Crawler: CrawlerConfig{
			UserAgent:       getEnv("CRAWLER_USER_AGENT", "SiteSpeakBot/1.0 (+https://sitespeak.example/bot)"),
			Workers:         getEnvAsInt("CRAWLER_WORKERS", 4),
			MaxURLs:         getEnvAsInt("CRAWLER_MAX_URLS", 5000),
			HostIntervalMs:  getEnvAsInt("CRAWLER_HOST_INTERVAL_MS", 500),
			SessionTimeout:  getEnvAsInt("CRAWLER_SESSION_TIMEOUT", 1800),
			SitemapCacheTTL: getEnvAsInt("CRAWLER_SITEMAP_CACHE_TTL", 900),
			ChunkMaxTokens:  getEnvAsInt("CRAWLER_CHUNK_MAX_TOKENS", 400),
			ChunkOverlap:    getEnvAsInt("CRAWLER_CHUNK_OVERLAP", 50),
			EmbedBatchSize:  getEnvAsInt("CRAWLER_EMBED_BATCH_SIZE", 64),
			IgnoreRobots:    getEnvAsBool("CRAWLER_IGNORE_ROBOTS", false),
		},
		Search: SearchConfig{
			DefaultTopK:       getEnvAsInt("SEARCH_DEFAULT_TOP_K", 10),
			MaxTopK:           getEnvAsInt("SEARCH_MAX_TOP_K", 50),
			StrategyTimeoutMs: getEnvAsInt("SEARCH_STRATEGY_TIMEOUT_MS", 2000),
			OverfetchFactor:   getEnvAsInt("SEARCH_OVERFETCH_FACTOR", 3),
		},
		Cache: CacheConfig{
			L1SizePerTenant: getEnvAsInt("CACHE_L1_SIZE_PER_TENANT", 512),
			TTL:             getEnvAsInt("CACHE_TTL", 60),
			StaleWindow:     getEnvAsInt("CACHE_STALE_WINDOW", 300),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
			Output: getEnv("LOG_OUTPUT", "stdout"),
		},
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) GetDatabaseDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Database.Host,
		c.Database.Port,
		c.Database.User,
		c.Database.Password,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

func (c *Config) GetRedisAddress() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func validateConfig(config *Config) error {
	if config.Database.Password == "" {
		return fmt.Errorf("database password is required (DB_PASSWORD)")
	}

	if config.Auth.JWTSecret == "your-secret-key-change-in-production" {
		return fmt.Errorf("JWT secret must be changed from default value (JWT_SECRET)")
	}

	switch config.Embeddings.Dimensions {
	case 1536, 3072:
	default:
		return fmt.Errorf("embedding dimensions must be 1536 or 3072 (EMBEDDING_DIMENSIONS)")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
