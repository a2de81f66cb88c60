package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"flapi/internal/cacheengine"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/tmpl"
)

func writeTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "query.sql.tmpl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write template: %v", err)
	}
	return path
}

func buildPipeline(t *testing.T, cfg *config.Config, endpoints []*config.EndpointConfig) (*Pipeline, *engine.Handle) {
	t.Helper()
	h, err := engine.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })

	ce := cacheengine.New(h, tmpl.New())
	p, err := New(cfg, endpoints, h, tmpl.New(), ce, nil)
	if err != nil {
		t.Fatalf("failed to build pipeline: %v", err)
	}
	return p, h
}

func baseConfig() *config.Config {
	return &config.Config{}
}

func TestRouteNotFoundReturns404(t *testing.T) {
	p, _ := buildPipeline(t, baseConfig(), nil)

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestMethodNotAllowedReturns405(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT 1 AS id")
	ep := &config.EndpointConfig{
		URLPath: "/widgets",
		Method:  "GET",
		TemplateSource: tmplFile,
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestReadHappyPathReturnsJSONEnvelope(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT * FROM (VALUES (1),(2),(3),(4),(5)) AS t(id)")
	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: tmplFile,
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data       []map[string]any `json:"data"`
		Next       string           `json:"next"`
		TotalCount int              `json:"total_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if env.TotalCount != 5 {
		t.Fatalf("expected total_count=5, got %d", env.TotalCount)
	}
	if len(env.Data) != 5 {
		t.Fatalf("expected 5 rows within the default limit=100, got %d", len(env.Data))
	}
	if env.Next != "" {
		t.Fatalf("expected empty next link when all rows fit in one page, got %q", env.Next)
	}
}

func TestReadPaginationProducesNextLink(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT * FROM (VALUES (1),(2),(3),(4),(5)) AS t(id)")
	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: tmplFile,
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodGet, "/widgets?limit=2&offset=0", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var env struct {
		Data       []map[string]any `json:"data"`
		Next       string           `json:"next"`
		TotalCount int              `json:"total_count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(env.Data) != 2 {
		t.Fatalf("expected 2 rows (limit=2), got %d", len(env.Data))
	}
	if env.Next == "" {
		t.Fatal("expected a next link since offset+limit < total_count")
	}
}

func TestValidationErrorsReturn400(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT 1 AS id")
	ep := &config.EndpointConfig{
		URLPath:                 "/widgets",
		Method:                  "GET",
		TemplateSource:          tmplFile,
		RequestFieldsValidation: true,
		Request: []config.RequestFieldConfig{
			{Name: "category", In: "query", Required: true},
		},
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitExceededReturns429(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT 1 AS id")
	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: tmplFile,
		RateLimit:      config.RateLimitConfig{Enabled: true, Max: 1, Interval: 60},
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req1 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req1.RemoteAddr = "10.0.0.1:1234"
	rec1 := httptest.NewRecorder()
	p.ServeHTTP(rec1, req1)
	if rec1.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d: %s", rec1.Code, rec1.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req2.RemoteAddr = "10.0.0.1:1234"
	rec2 := httptest.NewRecorder()
	p.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", rec2.Code)
	}
	if rec2.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected X-RateLimit-Remaining=0, got %q", rec2.Header().Get("X-RateLimit-Remaining"))
	}
}

func TestAuthRequiredReturns401WithChallenge(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT 1 AS id")
	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: tmplFile,
		Auth: config.AuthConfig{
			Enabled: true,
			Type:    "basic",
			Users:   []config.AuthUserConfig{{Username: "alice", Password: "secret"}},
		},
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("expected a WWW-Authenticate challenge header")
	}
}

func TestAuthSucceedsWithValidCredentials(t *testing.T) {
	tmplFile := writeTemplate(t, "SELECT 1 AS id")
	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: tmplFile,
		Auth: config.AuthConfig{
			Enabled: true,
			Type:    "basic",
			Users:   []config.AuthUserConfig{{Username: "alice", Password: "secret"}},
		},
	}
	p, _ := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})

	req := httptest.NewRequest(http.MethodGet, "/widgets", nil)
	req.SetBasicAuth("alice", "secret")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDeleteTriggersCacheInvalidation(t *testing.T) {
	queryTmpl := writeTemplate(t, "SELECT 1 AS id")
	cacheTmpl := writeTemplate(t, "CREATE OR REPLACE TABLE memory.main.widgets_cache AS SELECT 1 AS id")

	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "GET",
		TemplateSource: queryTmpl,
		Cache: config.CacheConfig{
			Enabled:      true,
			Catalog:      "memory",
			Schema:       "main",
			Table:        "widgets_cache",
			TemplateFile: cacheTmpl,
		},
	}
	p, h := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})
	if err := p.cacheEngine.EnsureAuditSchema(context.Background(), "memory"); err != nil {
		t.Fatalf("failed to ensure audit schema: %v", err)
	}

	req := httptest.NewRequest(http.MethodDelete, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rows, err := h.Query(context.Background(), "", "SELECT id FROM memory.main.widgets_cache")
	if err != nil {
		t.Fatalf("expected cache table to be materialized by invalidation refresh: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row in materialized cache table, got %d", len(rows))
	}
}

func TestWriteTriggersUnconditionalCacheInvalidation(t *testing.T) {
	writeTmpl := writeTemplate(t, "CREATE OR REPLACE TABLE memory.main.noop AS SELECT 1")
	cacheTmpl := writeTemplate(t, "CREATE OR REPLACE TABLE memory.main.widgets_cache AS SELECT 1 AS id")

	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "POST",
		TemplateSource: writeTmpl,
		Cache: config.CacheConfig{
			Enabled:           true,
			Catalog:           "memory",
			Schema:            "main",
			Table:             "widgets_cache",
			TemplateFile:      cacheTmpl,
			InvalidateOnWrite: true,
		},
	}
	p, h := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})
	if err := p.cacheEngine.EnsureAuditSchema(context.Background(), "memory"); err != nil {
		t.Fatalf("failed to ensure audit schema: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/widgets", nil)
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rows, err := h.Query(context.Background(), "", "SELECT id FROM memory.main.widgets_cache")
	if err != nil {
		t.Fatalf("expected cache table to be materialized by write-triggered invalidation: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row in materialized cache table, got %d", len(rows))
	}
}

func TestWriteInvalidateConditionGatesRefresh(t *testing.T) {
	writeTmpl := writeTemplate(t, "CREATE OR REPLACE TABLE memory.main.noop AS SELECT 1")
	cacheTmpl := writeTemplate(t, "CREATE OR REPLACE TABLE memory.main.widgets_cache AS SELECT 1 AS id")

	ep := &config.EndpointConfig{
		URLPath:        "/widgets",
		Method:         "POST",
		TemplateSource: writeTmpl,
		Cache: config.CacheConfig{
			Enabled:             true,
			Catalog:             "memory",
			Schema:              "main",
			Table:               "widgets_cache",
			TemplateFile:        cacheTmpl,
			InvalidateOnWrite:   true,
			InvalidateCondition: `should_invalidate == "yes"`,
		},
	}
	p, h := buildPipeline(t, baseConfig(), []*config.EndpointConfig{ep})
	if err := p.cacheEngine.EnsureAuditSchema(context.Background(), "memory"); err != nil {
		t.Fatalf("failed to ensure audit schema: %v", err)
	}

	skipReq := httptest.NewRequest(http.MethodPost, "/widgets?should_invalidate=no", nil)
	p.ServeHTTP(httptest.NewRecorder(), skipReq)
	if _, err := h.Query(context.Background(), "", "SELECT id FROM memory.main.widgets_cache"); err == nil {
		t.Fatal("expected cache table to not exist when the invalidate condition is false")
	}

	fireReq := httptest.NewRequest(http.MethodPost, "/widgets?should_invalidate=yes", nil)
	p.ServeHTTP(httptest.NewRecorder(), fireReq)
	rows, err := h.Query(context.Background(), "", "SELECT id FROM memory.main.widgets_cache")
	if err != nil {
		t.Fatalf("expected cache table to be materialized once the condition is true: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 row in materialized cache table, got %d", len(rows))
	}
}
