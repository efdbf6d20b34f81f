package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sitespeak/kb-engine/models"
	"github.com/sitespeak/kb-engine/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSearch struct {
	resp *models.SearchResponse
	err  error
	got  models.SearchRequest
}

func (s *stubSearch) Search(ctx context.Context, req models.SearchRequest) (*models.SearchResponse, error) {
	s.got = req
	return s.resp, s.err
}

type stubCrawl struct {
	services.CrawlService
	session *models.CrawlSession
	err     error
}

func (s *stubCrawl) StartSession(ctx context.Context, tenantID string, siteID uuid.UUID, baseURL string, sessionType models.SessionType) (*models.CrawlSession, error) {
	return s.session, s.err
}

func (s *stubCrawl) GetSession(ctx context.Context, tenantID string, id uuid.UUID) (*models.CrawlSession, error) {
	return s.session, s.err
}

type stubStore struct {
	services.VectorStore
	docs []models.Document
	err  error
}

func (s *stubStore) ListDocuments(ctx context.Context, tenantID string, siteID uuid.UUID) ([]models.Document, error) {
	return s.docs, s.err
}

func testRouter(h *KBHandlers, tenant string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := router.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		if tenant != "" {
			c.Set("tenant_id", tenant)
		}
		c.Next()
	})
	h.RegisterRoutes(api)
	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSearch_OverridesTenantFromContext(t *testing.T) {
	search := &stubSearch{resp: &models.SearchResponse{SessionVersion: 3}}
	h := NewKBHandlers(search, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	body := models.SearchRequest{
		TenantID: "tenant-spoofed",
		SiteID:   uuid.New(),
		Query:    "opening hours",
	}
	w := doJSON(t, router, http.MethodPost, "/api/v1/search", body)

	assert.Equal(t, http.StatusOK, w.Code)
	// The token tenant wins over whatever the body claims.
	assert.Equal(t, "tenant-a", search.got.TenantID)
}

func TestSearch_MissingTenantIsUnauthorized(t *testing.T) {
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "")

	w := doJSON(t, router, http.MethodPost, "/api/v1/search",
		models.SearchRequest{SiteID: uuid.New(), Query: "q"})

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSearch_RequiresSiteID(t *testing.T) {
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/search",
		models.SearchRequest{Query: "q"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSearch_BudgetExceededMapsTo429(t *testing.T) {
	search := &stubSearch{err: fmt.Errorf("%w: tokens", models.ErrBudgetExceeded)}
	h := NewKBHandlers(search, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/search",
		models.SearchRequest{SiteID: uuid.New(), Query: "q"})

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "FAIL_BUDGET_EXCEEDED", body["code"])
}

func TestStartCrawl_ConflictMapsTo409(t *testing.T) {
	crawl := &stubCrawl{err: fmt.Errorf("%w: session %s is fetching", models.ErrSessionConflict, uuid.New())}
	h := NewKBHandlers(&stubSearch{}, crawl, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/sites/"+uuid.NewString()+"/crawl",
		gin.H{"type": "delta"})

	assert.Equal(t, http.StatusConflict, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "FAIL_SESSION_CONFLICT", body["code"])
}

func TestStartCrawl_AcceptedWithDefaultDelta(t *testing.T) {
	session := &models.CrawlSession{ID: uuid.New(), Type: models.SessionTypeDelta, State: models.SessionStatePending}
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{session: session}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/sites/"+uuid.NewString()+"/crawl", gin.H{})

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestStartCrawl_RejectsUnknownType(t *testing.T) {
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/sites/"+uuid.NewString()+"/crawl",
		gin.H{"type": "incremental"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession_NotFoundMapsTo404(t *testing.T) {
	crawl := &stubCrawl{err: fmt.Errorf("%w: session", models.ErrNotFound)}
	h := NewKBHandlers(&stubSearch{}, crawl, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/"+uuid.NewString(), nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetSession_InvalidIDIsBadRequest(t *testing.T) {
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodGet, "/api/v1/sessions/not-a-uuid", nil)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestListDocuments(t *testing.T) {
	store := &stubStore{docs: []models.Document{{ID: uuid.New()}, {ID: uuid.New()}}}
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, store)
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodGet, "/api/v1/sites/"+uuid.NewString()+"/documents", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, float64(2), body["count"])
}

func TestReindex_ValidatesKind(t *testing.T) {
	h := NewKBHandlers(&stubSearch{}, &stubCrawl{}, nil, nil, &stubStore{})
	router := testRouter(h, "tenant-a")

	w := doJSON(t, router, http.MethodPost, "/api/v1/reindex", gin.H{"kind": "btree"})

	assert.Equal(t, http.StatusBadRequest, w.Code)
}
