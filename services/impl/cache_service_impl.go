package impl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
)

// CacheOptions tunes the two-tier retrieval cache.
type CacheOptions struct {
	L1SizePerTenant int
	TTL             time.Duration
	// StaleWindow extends an expired entry's life: within it the entry is
	// served as stale while the caller refreshes in background.
	StaleWindow time.Duration
	KeyPrefix   string
}

func DefaultCacheOptions() CacheOptions {
	return CacheOptions{
		L1SizePerTenant: 512,
		TTL:             60 * time.Second,
		StaleWindow:     5 * time.Minute,
		KeyPrefix:       "kbcache",
	}
}

type cacheEnvelope struct {
	StoredAt time.Time              `json:"stored_at"`
	TenantID string                 `json:"tenant_id"`
	SiteID   uuid.UUID              `json:"site_id"`
	Payload  *models.SearchResponse `json:"payload"`
}

// retrievalCache layers a per-tenant in-process LRU over Redis. Tenants
// never share an LRU partition, so one tenant's churn cannot evict
// another's entries, and invalidation stays per-tenant.
type retrievalCache struct {
	rdb  *redis.Client
	opts CacheOptions

	mu         sync.Mutex
	partitions map[string]*lru.Cache[string, cacheEnvelope]
}

func NewRetrievalCache(rdb *redis.Client, opts CacheOptions) services.RetrievalCache {
	if opts.L1SizePerTenant <= 0 {
		opts.L1SizePerTenant = 512
	}
	if opts.TTL <= 0 {
		opts.TTL = 60 * time.Second
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "kbcache"
	}
	return &retrievalCache{
		rdb:        rdb,
		opts:       opts,
		partitions: make(map[string]*lru.Cache[string, cacheEnvelope]),
	}
}

func (c *retrievalCache) partition(tenantID string) *lru.Cache[string, cacheEnvelope] {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.partitions[tenantID]
	if !ok {
		p, _ = lru.New[string, cacheEnvelope](c.opts.L1SizePerTenant)
		c.partitions[tenantID] = p
	}
	return p
}

// tenantFromKey recovers the tenant segment of a cache key so Get can pick
// the right L1 partition. Keys are prefix:tenant:site:hash.
func (c *retrievalCache) tenantFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 {
		return parts[1]
	}
	return ""
}

func (c *retrievalCache) classify(env cacheEnvelope) services.CacheOutcome {
	age := time.Since(env.StoredAt)
	switch {
	case age <= c.opts.TTL:
		return services.CacheHit
	case age <= c.opts.TTL+c.opts.StaleWindow:
		return services.CacheStale
	default:
		return services.CacheMiss
	}
}

func (c *retrievalCache) Get(ctx context.Context, key string) (*models.SearchResponse, services.CacheOutcome, error) {
	tenant := c.tenantFromKey(key)
	part := c.partition(tenant)

	if env, ok := part.Get(key); ok {
		outcome := c.classify(env)
		if outcome == services.CacheMiss {
			part.Remove(key)
		} else {
			return env.Payload, outcome, nil
		}
	}

	if c.rdb == nil {
		return nil, services.CacheMiss, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, services.CacheMiss, nil
	}
	if err != nil {
		// A flapping Redis degrades to miss; search still works.
		log.Printf("cache get %s: %v", key, err)
		return nil, services.CacheMiss, nil
	}

	var env cacheEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, services.CacheMiss, nil
	}
	outcome := c.classify(env)
	if outcome == services.CacheMiss {
		return nil, services.CacheMiss, nil
	}
	part.Add(key, env)
	return env.Payload, outcome, nil
}

func (c *retrievalCache) Set(ctx context.Context, key string, value *models.SearchResponse, tenantID string, siteID uuid.UUID) error {
	env := cacheEnvelope{
		StoredAt: time.Now(),
		TenantID: tenantID,
		SiteID:   siteID,
		Payload:  value,
	}
	c.partition(tenantID).Add(key, env)

	if c.rdb == nil {
		return nil
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	expiry := c.opts.TTL + c.opts.StaleWindow
	pipe := c.rdb.TxPipeline()
	pipe.Set(ctx, key, raw, expiry)
	// Tag sets drive invalidation by tenant and by (tenant, site).
	tenantTag := c.tagKey(tenantID, nil)
	siteTag := c.tagKey(tenantID, &siteID)
	pipe.SAdd(ctx, tenantTag, key)
	pipe.Expire(ctx, tenantTag, expiry+time.Minute)
	pipe.SAdd(ctx, siteTag, key)
	pipe.Expire(ctx, siteTag, expiry+time.Minute)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("cache set %s: %v", key, err)
	}
	return nil
}

// Invalidate removes every entry tagged with the tenant (and site when
// given) from both tiers.
func (c *retrievalCache) Invalidate(ctx context.Context, tenantID string, siteID *uuid.UUID) error {
	part := c.partition(tenantID)
	if siteID == nil {
		part.Purge()
	} else {
		for _, key := range part.Keys() {
			if env, ok := part.Peek(key); ok && env.SiteID == *siteID {
				part.Remove(key)
			}
		}
	}

	if c.rdb == nil {
		return nil
	}
	tag := c.tagKey(tenantID, siteID)
	keys, err := c.rdb.SMembers(ctx, tag).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: cache invalidate: %v", models.ErrBackend, err)
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("%w: cache invalidate: %v", models.ErrBackend, err)
		}
	}
	return c.rdb.Del(ctx, tag).Err()
}

// Fingerprint builds the deterministic cache key for a request. The query
// is case-folded and whitespace-collapsed; filters, strategies and weights
// all participate so distinct requests never collide.
func (c *retrievalCache) Fingerprint(req models.SearchRequest) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(req.Query)), " ")

	strategies := make([]string, 0, len(req.Strategies))
	for _, s := range req.Strategies {
		strategies = append(strategies, string(s))
	}
	if len(strategies) == 0 {
		for _, s := range models.DefaultStrategies {
			strategies = append(strategies, string(s))
		}
	}
	sort.Strings(strategies)

	weights := models.DefaultFusionWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}

	canonical, _ := json.Marshal(map[string]any{
		"q":          normalized,
		"top_k":      req.TopK,
		"strategies": strategies,
		"filters":    req.Filters,
		"weights":    weights,
	})
	sum := sha256.Sum256(canonical)
	return fmt.Sprintf("%s:%s:%s:%s", c.opts.KeyPrefix, req.TenantID, req.SiteID, hex.EncodeToString(sum[:16]))
}

func (c *retrievalCache) tagKey(tenantID string, siteID *uuid.UUID) string {
	if siteID == nil {
		return fmt.Sprintf("%s:tag:%s", c.opts.KeyPrefix, tenantID)
	}
	return fmt.Sprintf("%s:tag:%s:%s", c.opts.KeyPrefix, tenantID, siteID)
}

func (c *retrievalCache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}
