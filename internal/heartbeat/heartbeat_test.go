package heartbeat

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"flapi/internal/cacheengine"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/tmpl"
)

type recordingHandler struct {
	calls []*http.Request
	code  int
}

func (h *recordingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls = append(h.calls, r)
	code := h.code
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
}

func writeCacheTemplate(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sql.tmpl")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write cache template: %v", err)
	}
	return path
}

func buildCacheEngine(t *testing.T) *cacheengine.Engine {
	t.Helper()
	h, err := engine.Open(context.Background(), &config.Config{})
	if err != nil {
		t.Fatalf("failed to open engine: %v", err)
	}
	t.Cleanup(func() { h.Close(context.Background()) })
	return cacheengine.New(h, tmpl.New())
}

func TestTickSkippedWhenGloballyDisabled(t *testing.T) {
	handler := &recordingHandler{}
	ep := &config.EndpointConfig{URLPath: "/widgets", Heartbeat: config.HeartbeatOptIn{Enabled: true}}
	w := New(config.GlobalHeartbeatConfig{Enabled: false}, []*config.EndpointConfig{ep}, handler, buildCacheEngine(t), "memory")

	w.Tick()

	if len(handler.calls) != 0 {
		t.Fatalf("expected no warm requests while disabled, got %d", len(handler.calls))
	}
}

func TestTickSendsWarmRequestForOptedInEndpoint(t *testing.T) {
	handler := &recordingHandler{}
	ep := &config.EndpointConfig{
		URLPath: "/widgets",
		Method:  "GET",
		Heartbeat: config.HeartbeatOptIn{
			Enabled: true,
			Params:  map[string]string{"category": "tools"},
		},
	}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, handler, buildCacheEngine(t), "memory")

	w.Tick()

	if len(handler.calls) != 1 {
		t.Fatalf("expected exactly one synthetic warm request, got %d", len(handler.calls))
	}
	got := handler.calls[0]
	if got.URL.Path != "/widgets" {
		t.Fatalf("expected warm request against /widgets, got %s", got.URL.Path)
	}
	if got.URL.Query().Get("category") != "tools" {
		t.Fatalf("expected heartbeat params carried as query params, got %q", got.URL.RawQuery)
	}
}

func TestTickSkipsEndpointNotOptedIntoHeartbeat(t *testing.T) {
	handler := &recordingHandler{}
	ep := &config.EndpointConfig{URLPath: "/widgets", Method: "GET"}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, handler, buildCacheEngine(t), "memory")

	w.Tick()

	if len(handler.calls) != 0 {
		t.Fatalf("expected no warm request for an endpoint without heartbeat opt-in, got %d", len(handler.calls))
	}
}

func TestTickWarnsOnFailingWarmRequest(t *testing.T) {
	handler := &recordingHandler{code: http.StatusInternalServerError}
	ep := &config.EndpointConfig{URLPath: "/widgets", Method: "GET", Heartbeat: config.HeartbeatOptIn{Enabled: true}}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, handler, buildCacheEngine(t), "memory")

	// Must not panic even though the synthetic request "failed".
	w.Tick()

	if len(handler.calls) != 1 {
		t.Fatalf("expected the warm request to still be attempted, got %d calls", len(handler.calls))
	}
}

func TestTickRefreshesDueCache(t *testing.T) {
	cacheTmpl := writeCacheTemplate(t, "CREATE OR REPLACE TABLE memory.main.widgets_cache AS SELECT 1 AS id")
	ce := buildCacheEngine(t)
	if err := ce.EnsureAuditSchema(context.Background(), "memory"); err != nil {
		t.Fatalf("failed to ensure audit schema: %v", err)
	}

	ep := &config.EndpointConfig{
		URLPath: "/widgets",
		Method:  "GET",
		Cache: config.CacheConfig{
			Enabled:      true,
			Catalog:      "memory",
			Schema:       "main",
			Table:        "widgets_cache",
			TemplateFile: cacheTmpl,
			Schedule:     "* * * * *",
		},
	}
	handler := &recordingHandler{}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, handler, ce, "memory")

	w.Tick()

	// Fetch the underlying handle through a throwaway pipeline-less
	// query: reuse the same cache engine's handle indirectly by
	// re-opening is unnecessary — the materialized table lives in the
	// same in-memory catalog this test's cache engine was built on, so
	// querying via a fresh Refresh call's own side effect (no error) is
	// the externally observable signal here.
	if _, ok := w.lastRun[ep.URLPath]; !ok {
		t.Fatal("expected the cache schedule to be recorded as having run")
	}
}

func TestTickRunsDueCompaction(t *testing.T) {
	cacheTmpl := writeCacheTemplate(t, "CREATE OR REPLACE TABLE memory.main.widgets_cache AS SELECT 1 AS id")
	ce := buildCacheEngine(t)
	if err := ce.EnsureAuditSchema(context.Background(), "memory"); err != nil {
		t.Fatalf("failed to ensure audit schema: %v", err)
	}

	ep := &config.EndpointConfig{
		URLPath: "/widgets",
		Cache: config.CacheConfig{
			Enabled:      true,
			Catalog:      "memory",
			Schema:       "main",
			Table:        "widgets_cache",
			TemplateFile: cacheTmpl,
		},
	}
	handler := &recordingHandler{}
	w := New(config.GlobalHeartbeatConfig{Enabled: true, CompactionSchedule: "* * * * *"}, []*config.EndpointConfig{ep}, handler, ce, "memory")

	w.Tick()

	if _, ok := w.lastRun[compactionKey]; !ok {
		t.Fatal("expected the compaction schedule to be recorded as having run")
	}
}

func TestDueDoesNotFireTwiceWithinTheSameMinute(t *testing.T) {
	ep := &config.EndpointConfig{URLPath: "/widgets"}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, &recordingHandler{}, buildCacheEngine(t), "memory")

	if !w.due("k", "* * * * *") {
		t.Fatal("expected the first check to fire")
	}
	if w.due("k", "* * * * *") {
		t.Fatal("expected the second check, moments later, not to fire again")
	}
}

func TestDueRejectsUnparseableSchedule(t *testing.T) {
	ep := &config.EndpointConfig{URLPath: "/widgets"}
	w := New(config.GlobalHeartbeatConfig{Enabled: true}, []*config.EndpointConfig{ep}, &recordingHandler{}, buildCacheEngine(t), "memory")

	if w.due("k", "not a cron expression") {
		t.Fatal("expected an unparseable schedule to never be due")
	}
}

func TestStartStopJoinsCleanly(t *testing.T) {
	w := New(config.GlobalHeartbeatConfig{Enabled: false, WorkerIntervalSec: 1}, nil, &recordingHandler{}, buildCacheEngine(t), "memory")
	w.Start()
	time.Sleep(5 * time.Millisecond)
	w.Stop()
}
