// Package server owns the gateway's HTTP listener lifecycle: it loads
// configuration, builds the engine handle and every cross-cutting
// component the request pipeline composes, serves the dynamic REST
// surface plus the static routes spec §6 requires (banner, config
// dump, config reload, API docs), and shuts everything down in the
// order that won't strand an in-flight request or leave the lake
// catalog mid-checkpoint.
package server

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flapi/internal/cacheengine"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/heartbeat"
	"flapi/internal/logging"
	"flapi/internal/mcptool"
	"flapi/internal/openapidoc"
	"flapi/internal/pipeline"
	"flapi/internal/respcache"
	"flapi/internal/tmpl"
)

const (
	// httpReadTimeout bounds how long reading a whole request may take.
	httpReadTimeout = 15 * time.Second
	// httpIdleTimeout bounds how long a keep-alive connection may sit idle.
	httpIdleTimeout = 60 * time.Second
	// writeTimeoutBuffer is the server's whole write timeout: a response
	// not fully written within it, query time included, is cut off by
	// the server itself.
	writeTimeoutBuffer = 30 * time.Second
	// maxRequestBodySize caps request bodies the gateway will read.
	maxRequestBodySize = 1 << 20
)

// Server wires every package this repository builds into one
// http.Handler and owns its start/stop lifecycle. The live
// configuration, compiled pipeline, and MCP registry are held behind
// atomic pointers so a config reload can swap them in without readers
// ever observing a half-built state (spec §5's "configuration
// snapshot" rule).
type Server struct {
	httpServer *http.Server

	engineH     *engine.Handle
	cacheEngine *cacheengine.Engine
	respCache   *respcache.Cache
	heartbeat   *heartbeat.Worker

	rootPath  string
	lakeAlias string
	createdAt time.Time

	cfg       atomic.Pointer[config.Config]
	pipeline  atomic.Pointer[pipeline.Pipeline]
	mcpReg    atomic.Pointer[mcptool.Registry]
	endpoints atomic.Pointer[[]*config.EndpointConfig]

	reloadMu sync.Mutex
}

// New loads rootPath's configuration, opens the engine handle, builds
// every composed component, and returns a Server ready for Start.
func New(rootPath string) (*Server, error) {
	result, err := config.Load(rootPath)
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	for _, d := range result.Diagnostics {
		logging.Warn("endpoint_diagnostic", map[string]any{
			"file": d.File, "severity": d.Severity, "message": d.Message,
		})
	}

	ctx := context.Background()
	engineH, err := engine.Open(ctx, result.Config)
	if err != nil {
		return nil, fmt.Errorf("opening engine handle: %w", err)
	}

	tmplEngine := tmpl.New()
	cacheEng := cacheengine.New(engineH, tmplEngine)

	for _, catalog := range distinctCacheCatalogs(result.Endpoints) {
		if err := cacheEng.EnsureAuditSchema(ctx, catalog); err != nil {
			logging.Warn("audit_schema_setup_failed", map[string]any{
				"catalog": catalog, "error": err.Error(),
			})
		}
	}

	respCache, err := respcache.New(result.Config.RespCache)
	if err != nil {
		engineH.Close(ctx)
		return nil, fmt.Errorf("building response cache: %w", err)
	}

	s := &Server{
		engineH:     engineH,
		cacheEngine: cacheEng,
		respCache:   respCache,
		rootPath:    rootPath,
		lakeAlias:   result.Config.DuckLake.Alias,
		createdAt:   time.Now(),
	}

	if err := s.rebuild(result.Config, result.Endpoints, tmplEngine); err != nil {
		engineH.Close(ctx)
		return nil, err
	}

	cacheEng.Warmup(ctx, s.lakeAlias, result.Endpoints)

	s.heartbeat = heartbeat.New(
		result.Config.Heartbeat,
		result.Endpoints,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { s.pipeline.Load().ServeHTTP(w, r) }),
		cacheEng,
		s.lakeAlias,
	)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", result.Config.Server.Port),
		Handler:      s.recoveryMiddleware(s.bodySizeLimitMiddleware(s.gzipMiddleware(mux))),
		ReadTimeout:  httpReadTimeout,
		IdleTimeout:  httpIdleTimeout,
		WriteTimeout: writeTimeoutBuffer,
	}

	return s, nil
}

// distinctCacheCatalogs returns the set of lake catalogs named by any
// cache-enabled endpoint, so the audit schema only gets created where
// it will actually be written.
func distinctCacheCatalogs(endpoints []*config.EndpointConfig) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ep := range endpoints {
		if !ep.Cache.Enabled || ep.Cache.Catalog == "" || seen[ep.Cache.Catalog] {
			continue
		}
		seen[ep.Cache.Catalog] = true
		out = append(out, ep.Cache.Catalog)
	}
	return out
}

// rebuild constructs a fresh Pipeline and MCP registry from cfg and
// endpoints and atomically swaps them in, then publishes cfg and
// endpoints themselves. Called once at startup and again on every
// config reload.
func (s *Server) rebuild(cfg *config.Config, endpoints []*config.EndpointConfig, tmplEngine *tmpl.Engine) error {
	p, err := pipeline.New(cfg, endpoints, s.engineH, tmplEngine, s.cacheEngine, s.respCache)
	if err != nil {
		return fmt.Errorf("building request pipeline: %w", err)
	}

	reg := mcptool.New(cfg, tmplEngine, s.engineH)
	if err := reg.Register(endpoints); err != nil {
		return fmt.Errorf("building MCP registry: %w", err)
	}

	s.cfg.Store(cfg)
	eps := endpoints
	s.endpoints.Store(&eps)
	s.pipeline.Store(p)
	s.mcpReg.Store(reg)
	return nil
}

// Reload re-parses the configuration rooted at the path this Server
// was built with and swaps in a freshly built pipeline and MCP
// registry, leaving the engine handle (and any open connections)
// untouched. Reload is serialized against itself; it never blocks a
// concurrent request, which always reads whichever snapshot was
// current when it started.
func (s *Server) Reload() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	result, err := config.Load(s.rootPath)
	if err != nil {
		return fmt.Errorf("reloading configuration: %w", err)
	}
	for _, d := range result.Diagnostics {
		logging.Warn("endpoint_diagnostic", map[string]any{
			"file": d.File, "severity": d.Severity, "message": d.Message,
		})
	}

	if err := s.rebuild(result.Config, result.Endpoints, tmpl.New()); err != nil {
		return err
	}
	logging.Info("config_reloaded", map[string]any{"endpoints": len(result.Endpoints)})
	return nil
}

// MCPRegistry returns the live MCP capability registry, for a future
// wire-protocol adapter or test harness to query without reaching
// into Server internals.
func (s *Server) MCPRegistry() *mcptool.Registry { return s.mcpReg.Load() }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("json_encode_failed", map[string]any{"error": err.Error(), "type": fmt.Sprintf("%T", v)})
	}
}

// setupRoutes registers the static admin surface, then falls back to
// the compiled pipeline for every other path — the dynamic per-
// endpoint REST routes spec §6 describes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/doc.yaml", s.docHandler)
	mux.HandleFunc("/doc", s.docHandler)
	mux.HandleFunc("/config", s.configHandler)
	mux.HandleFunc("/_/metrics", s.metricsHandler)
	mux.HandleFunc("/", s.rootHandler)
}

// rootHandler serves the banner at "/" and otherwise defers to the
// live pipeline — http.ServeMux only ever dispatches "/" for paths no
// more specific pattern claims, so every configured endpoint's own
// path reaches here unless it literally collides with one of the
// fixed routes above (which the reserved "/doc"/"/config"/"/_/"
// prefixes make unlikely in practice).
func (s *Server) rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		s.pipeline.Load().ServeHTTP(w, r)
		return
	}
	s.bannerHandler(w, r)
}

type bannerEndpoint struct {
	Path   string `json:"path"`
	Method string `json:"method"`
	Cache  bool   `json:"cache_enabled"`
}

type bannerResponse struct {
	Project   string            `json:"project"`
	Uptime    string            `json:"uptime"`
	Endpoints []bannerEndpoint  `json:"endpoints"`
	Docs      map[string]string `json:"docs"`
}

func (s *Server) bannerHandler(w http.ResponseWriter, r *http.Request) {
	cfg := s.cfg.Load()
	eps := s.pipeline.Load().Endpoints()

	resp := bannerResponse{
		Project: cfg.Project.Name,
		Uptime:  time.Since(s.createdAt).String(),
		Docs:    map[string]string{"openapi": "/doc.yaml", "html": "/doc"},
	}
	for _, ep := range eps {
		resp.Endpoints = append(resp.Endpoints, bannerEndpoint{
			Path: ep.URLPath, Method: ep.EffectiveMethod(), Cache: ep.Cache.Enabled,
		})
	}
	writeJSON(w, resp)
}

// configHandler serves spec §6's "GET /config — JSON dump of live
// config" and "DELETE /config — trigger config reload". The dump
// surfaces endpoint identity and capability shape, never auth secrets
// or connection properties, matching apperror's "never leak backend
// detail" discipline applied to configuration instead of errors.
func (s *Server) configHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		if err := s.Reload(); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			writeJSON(w, map[string]string{"error": "reload failed: " + err.Error()})
			return
		}
		writeJSON(w, map[string]string{"status": "reloaded"})
		return
	}

	cfg := s.cfg.Load()
	eps := *s.endpoints.Load()

	type endpointSummary struct {
		Identifier string `json:"identifier"`
		Type       string `json:"type"`
		Method     string `json:"method,omitempty"`
		CacheTable string `json:"cache_table,omitempty"`
	}
	summaries := make([]endpointSummary, 0, len(eps))
	for _, ep := range eps {
		sum := endpointSummary{Identifier: ep.GetIdentifier(), Type: string(ep.GetType())}
		if ep.GetType() == config.KindREST {
			sum.Method = ep.EffectiveMethod()
		}
		if ep.Cache.Enabled {
			sum.CacheTable = ep.Cache.Table
		}
		summaries = append(summaries, sum)
	}

	writeJSON(w, map[string]any{
		"project":   cfg.Project,
		"server":    cfg.Server,
		"endpoints": summaries,
		"base_dir":  cfg.BaseDir(),
	})
}

// docHandler serves both documentation routes. The OpenAPI document
// gets an open CORS header, the same narrow exception the teacher
// makes for its own OpenAPI route, so a browser-hosted API explorer on
// another origin can fetch it.
func (s *Server) docHandler(w http.ResponseWriter, r *http.Request) {
	if strings.HasSuffix(r.URL.Path, ".yaml") {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	}
	openapidoc.Handler(s.cfg.Load(), *s.endpoints.Load())(w, r)
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}

// Start launches the heartbeat worker and begins serving HTTP. It
// blocks until the listener stops (on Shutdown or a fatal accept
// error), matching net/http.Server.ListenAndServe's own contract.
func (s *Server) Start() error {
	s.heartbeat.Start()
	logging.Info("server_starting", map[string]any{"addr": s.httpServer.Addr})
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the heartbeat loop, drains in-flight HTTP requests
// against ctx's deadline, then closes the response cache and engine
// handle — in that order, so no in-flight request loses its engine
// mid-query.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("server_shutting_down", nil)

	s.heartbeat.Stop()

	err := s.httpServer.Shutdown(ctx)
	if err != nil {
		logging.Error("http_shutdown_error", map[string]any{"error": err.Error()})
	}

	if s.respCache != nil {
		s.respCache.Close()
	}
	s.engineH.Close(ctx)

	return err
}

// recoveryMiddleware turns a panic anywhere downstream into a clean
// 500 instead of killing the process, logging the stack for
// diagnosis.
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logging.Error("panic_recovered", map[string]any{
					"error":  fmt.Sprintf("%v", err),
					"path":   r.URL.Path,
					"method": r.Method,
					"stack":  string(debug.Stack()),
				})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				writeJSON(w, map[string]string{"error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// bodySizeLimitMiddleware caps request bodies so a single oversized
// upload can't exhaust process memory.
func (s *Server) bodySizeLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (grw *gzipResponseWriter) Write(b []byte) (int, error) {
	return grw.Writer.Write(b)
}

var gzipWriterPool = sync.Pool{
	New: func() any { return gzip.NewWriter(io.Discard) },
}

// gzipMiddleware compresses responses for clients advertising gzip
// support, pooling writers to keep the hot path allocation-free.
func (s *Server) gzipMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		gz := gzipWriterPool.Get().(*gzip.Writer)
		gz.Reset(w)
		defer func() {
			if err := gz.Close(); err != nil {
				logging.Debug("gzip_close_error", map[string]any{"error": err.Error(), "path": r.URL.Path})
				return
			}
			gzipWriterPool.Put(gz)
		}()

		w.Header().Set("Content-Encoding", "gzip")
		w.Header().Del("Content-Length")
		next.ServeHTTP(&gzipResponseWriter{Writer: gz, ResponseWriter: w}, r)
	})
}
