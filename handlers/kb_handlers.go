package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/auth"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
)

type KBHandlers struct {
	searchService   services.SearchService
	crawlService    services.CrawlService
	budgetService   services.BudgetService
	manifestService services.ManifestService
	vectorStore     services.VectorStore
}

func NewKBHandlers(
	searchService services.SearchService,
	crawlService services.CrawlService,
	budgetService services.BudgetService,
	manifestService services.ManifestService,
	vectorStore services.VectorStore,
) *KBHandlers {
	return &KBHandlers{
		searchService:   searchService,
		crawlService:    crawlService,
		budgetService:   budgetService,
		manifestService: manifestService,
		vectorStore:     vectorStore,
	}
}

// RegisterRoutes mounts the knowledge-base API under the given group.
func (h *KBHandlers) RegisterRoutes(api *gin.RouterGroup) {
	api.POST("/search", h.Search)

	sites := api.Group("/sites/:site_id")
	{
		sites.POST("/crawl", h.StartCrawl)
		sites.GET("/sessions", h.ListSessions)
		sites.GET("/manifest", h.GetManifest)
		sites.GET("/documents", h.ListDocuments)
		sites.GET("/stats", h.GetStats)
		sites.GET("/budget", h.GetBudget)
		sites.PATCH("/budget", h.UpdateBudget)
		sites.GET("/budget/optimizations", h.GetBudgetOptimizations)
	}

	api.GET("/sessions/:id", h.GetSession)
	api.DELETE("/sessions/:id", h.CancelSession)
	api.DELETE("/documents/:id", h.DeleteDocument)
	api.POST("/reindex", h.Reindex)
}

// statusFor maps a service error chain to its HTTP status. The stable
// error code travels alongside in the response body.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrTenantScopeMissing):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, models.ErrSessionConflict):
		return http.StatusConflict
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, models.ErrCancelled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{
		"error": err.Error(),
		"code":  models.ErrorCode(err),
	})
}

func tenantFrom(c *gin.Context) (string, bool) {
	tenant, ok := auth.TenantID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Tenant ID not found in context"})
	}
	return tenant, ok
}

func siteIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("site_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid site ID"})
		return uuid.Nil, false
	}
	return id, true
}

func idParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid ID"})
		return uuid.Nil, false
	}
	return id, true
}

// Search runs the hybrid search pipeline. TenantID always comes from the
// token, never from the request body.
func (h *KBHandlers) Search(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}

	var req models.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}
	req.TenantID = tenant

	if req.SiteID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "site_id is required"})
		return
	}

	resp, err := h.searchService.Search(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type startCrawlRequest struct {
	BaseURL string             `json:"base_url"`
	Type    models.SessionType `json:"type"`
}

func (h *KBHandlers) StartCrawl(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	var req startCrawlRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	sessionType := req.Type
	if sessionType == "" {
		sessionType = models.SessionTypeDelta
	}
	if sessionType != models.SessionTypeFull && sessionType != models.SessionTypeDelta {
		c.JSON(http.StatusBadRequest, gin.H{"error": "type must be full or delta"})
		return
	}

	session, err := h.crawlService.StartSession(c.Request.Context(), tenant, siteID, req.BaseURL, sessionType)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, session)
}

func (h *KBHandlers) GetSession(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	session, err := h.crawlService.GetSession(c.Request.Context(), tenant, id)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, session)
}

func (h *KBHandlers) ListSessions(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	limit := 20
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 100"})
			return
		}
		limit = parsed
	}

	sessions, err := h.crawlService.ListSessions(c.Request.Context(), tenant, siteID, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
}

func (h *KBHandlers) CancelSession(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	if err := h.crawlService.CancelSession(c.Request.Context(), tenant, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Session cancelled", "id": id})
}

func (h *KBHandlers) GetManifest(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	manifest, err := h.manifestService.Latest(c.Request.Context(), tenant, siteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, manifest)
}

func (h *KBHandlers) ListDocuments(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	docs, err := h.vectorStore.ListDocuments(c.Request.Context(), tenant, siteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (h *KBHandlers) DeleteDocument(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	id, ok := idParam(c)
	if !ok {
		return
	}

	if err := h.vectorStore.DeleteByDocument(c.Request.Context(), tenant, id); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Document deleted", "id": id})
}

func (h *KBHandlers) GetStats(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	stats, err := h.vectorStore.Stats(c.Request.Context(), tenant, &siteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (h *KBHandlers) GetBudget(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	budget, err := h.budgetService.Get(c.Request.Context(), tenant, siteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, budget)
}

func (h *KBHandlers) UpdateBudget(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	var req models.UpdateBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	budget, err := h.budgetService.Update(c.Request.Context(), tenant, siteID, req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, budget)
}

func (h *KBHandlers) GetBudgetOptimizations(c *gin.Context) {
	tenant, ok := tenantFrom(c)
	if !ok {
		return
	}
	siteID, ok := siteIDParam(c)
	if !ok {
		return
	}

	optimizations, err := h.budgetService.GenerateOptimizations(c.Request.Context(), tenant, siteID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"optimizations": optimizations, "count": len(optimizations)})
}

type reindexRequest struct {
	Kind string `json:"kind"`
}

func (h *KBHandlers) Reindex(c *gin.Context) {
	if _, ok := tenantFrom(c); !ok {
		return
	}

	var req reindexRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	switch req.Kind {
	case "hnsw", "ivfflat", "exact":
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be hnsw, ivfflat or exact"})
		return
	}

	if err := h.vectorStore.Reindex(c.Request.Context(), req.Kind); err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Reindex complete", "kind": req.Kind})
}
