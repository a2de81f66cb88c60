// Package pipeline wires one HTTP request through the full per-endpoint
// flow described by the gateway's request contract: route match, rate
// limit, authenticate, assemble parameters, validate, render the SQL
// template, execute against the engine with pagination/write semantics,
// negotiate a response representation, and write it out. It is the one
// place every other internal package is composed together.
package pipeline

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"

	"flapi/internal/apperror"
	"flapi/internal/auth"
	"flapi/internal/cacheengine"
	"flapi/internal/columnar"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/logging"
	"flapi/internal/negotiate"
	"flapi/internal/ratelimit"
	"flapi/internal/respcache"
	"flapi/internal/route"
	"flapi/internal/tmpl"
	"flapi/internal/validate"
)

// Pipeline serves every configured REST endpoint behind one http.Handler,
// composing the gateway's cross-cutting packages around the endpoint's
// own SQL template.
type Pipeline struct {
	cfg         *config.Config
	matcher     *route.Matcher[*config.EndpointConfig]
	engineH     *engine.Handle
	tmplEngine  *tmpl.Engine
	limiter     *ratelimit.Limiter
	cacheEngine *cacheengine.Engine
	respCache   *respcache.Cache
	serializer  *columnar.Serializer

	authenticators map[string]*auth.Authenticator

	restEndpoints []*config.EndpointConfig
}

// New builds a Pipeline for one loaded configuration and its resolved
// endpoint set. Every REST endpoint's SQL template is read and
// registered once up front; endpoint auth is resolved once as well,
// since both are immutable for the lifetime of this Pipeline (config
// reload builds a fresh one).
func New(cfg *config.Config, endpoints []*config.EndpointConfig, engineH *engine.Handle, tmplEngine *tmpl.Engine, cacheEngine *cacheengine.Engine, respCache *respcache.Cache) (*Pipeline, error) {
	p := &Pipeline{
		cfg:            cfg,
		matcher:        route.NewMatcher[*config.EndpointConfig](),
		engineH:        engineH,
		tmplEngine:     tmplEngine,
		limiter:        ratelimit.New(),
		cacheEngine:    cacheEngine,
		respCache:      respCache,
		serializer:     columnar.NewSerializer(cfg.Columnar),
		authenticators: make(map[string]*auth.Authenticator),
	}

	for _, ep := range endpoints {
		if ep.GetType() != config.KindREST {
			continue
		}
		if err := p.registerTemplate(ep); err != nil {
			return nil, fmt.Errorf("endpoint %s: %w", ep.URLPath, err)
		}
		p.authenticators[ep.URLPath] = p.buildAuthenticator(ep)
		p.matcher.Register(ep.URLPath, []string{ep.EffectiveMethod(), http.MethodDelete}, ep)
		p.restEndpoints = append(p.restEndpoints, ep)
	}

	return p, nil
}

// Endpoints returns every REST endpoint this Pipeline serves, in load
// order — used by the server's banner and documentation routes.
func (p *Pipeline) Endpoints() []*config.EndpointConfig {
	return p.restEndpoints
}

// RateLimiterSize reports the number of tracked (client, endpoint)
// rate-limit windows. No HTTP route exposes it.
func (p *Pipeline) RateLimiterSize() int {
	return p.limiter.Size()
}

func (p *Pipeline) registerTemplate(ep *config.EndpointConfig) error {
	if ep.TemplateSource == "" {
		return nil
	}
	raw, err := os.ReadFile(ep.TemplateSource)
	if err != nil {
		return fmt.Errorf("reading template source: %w", err)
	}
	return p.tmplEngine.Register(ep.URLPath, string(raw))
}

func (p *Pipeline) buildAuthenticator(ep *config.EndpointConfig) *auth.Authenticator {
	cfg := effectiveAuth(ep, p.cfg.Auth)
	if !cfg.Enabled {
		return auth.New(cfg, nil)
	}

	var lookup auth.UserLookup
	if cfg.FromAWSSecretManager != nil {
		connName := cfg.FromAWSSecretManager.Connection
		initStmt := p.cfg.Connections[connName].Init
		lookup = auth.NewSecretTableLookup(p.engineH, connName, initStmt, cfg.FromAWSSecretManager).Lookup()
	} else {
		lookup = inlineUserLookup(cfg.Users)
	}
	return auth.New(cfg, lookup)
}

func inlineUserLookup(users []config.AuthUserConfig) auth.UserLookup {
	byName := make(map[string]config.AuthUserConfig, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}
	return func(_ context.Context, username string) (string, []string, bool) {
		u, ok := byName[username]
		if !ok {
			return "", nil, false
		}
		return u.Password, nil, true
	}
}

// effectiveAuth overlays an endpoint's auth block on the gateway-wide
// default, applied only when the endpoint leaves Enabled/Type unset.
func effectiveAuth(ep *config.EndpointConfig, def config.AuthDefaults) config.AuthConfig {
	cfg := ep.Auth
	if !cfg.Enabled && cfg.Type == "" {
		cfg.Enabled = def.Enabled
		cfg.Type = def.Type
	}
	return cfg
}

// effectiveRateLimit overlays an endpoint's rate-limit block on the
// gateway-wide default, applied only when the endpoint leaves its own
// block entirely unset.
func effectiveRateLimit(ep *config.EndpointConfig, def config.RateLimitDefaults) config.RateLimitConfig {
	cfg := ep.RateLimit
	if !cfg.Enabled && cfg.Max == 0 && cfg.Interval == 0 {
		cfg.Enabled = def.Enabled
		cfg.Max = def.Max
		cfg.Interval = def.Interval
	}
	return cfg
}

// requestContext carries the per-request values threaded through every
// pipeline stage, mirroring the wide-event log fields the teacher's
// handler accumulates as it goes.
type requestContext struct {
	requestID string
	startedAt time.Time
	logFields map[string]any
}

func newRequestContext(r *http.Request, ep *config.EndpointConfig) *requestContext {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = generateRequestID()
	}
	return &requestContext{
		requestID: id,
		startedAt: time.Now(),
		logFields: map[string]any{
			"request_id":  id,
			"endpoint":    ep.URLPath,
			"method":      r.Method,
			"remote_addr": r.RemoteAddr,
		},
	}
}

func generateRequestID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// ServeHTTP is the gateway's single entry point for every REST endpoint:
// match, rate-limit, authenticate, assemble, validate, render, execute,
// negotiate, respond.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	match := p.matcher.Match(r.URL.Path, r.Method)
	if !match.Found {
		p.writeError(w, apperror.New(apperror.KindRoute, "no endpoint matches this path", nil))
		return
	}
	if !match.MethodOK {
		methodErr := apperror.New(apperror.KindRoute, "method not allowed on this endpoint", nil).WithSub("method")
		methodErr.Status = http.StatusMethodNotAllowed
		p.writeError(w, methodErr)
		return
	}

	ep := match.Value
	rc := newRequestContext(r, ep)
	w.Header().Set("X-Request-ID", rc.requestID)

	clientIP := clientIPOf(r)
	if rl := effectiveRateLimit(ep, p.cfg.RateLimit); rl.Enabled {
		result := p.limiter.Allow(clientIP, ep.URLPath, rl.Max, time.Duration(rl.Interval)*time.Second)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetUnix, 10))
		if !result.Allowed {
			logging.Warn("rate_limited", rc.logFields)
			p.writeError(w, apperror.New(apperror.KindRateLimit, "rate limit exceeded", nil))
			return
		}
	}

	principal, err := p.authenticatorFor(ep).Authenticate(r)
	if err != nil {
		logging.Warn("auth_failed", rc.logFields)
		p.writeAuthError(w, err)
		return
	}
	_ = principal

	if r.Method == http.MethodDelete && ep.Cache.Enabled {
		p.handleInvalidate(w, r, ep, rc, match.Params)
		return
	}

	sel, err := negotiate.SelectRequest(r, ep.ResponseFormat)
	if err != nil {
		p.writeError(w, err)
		return
	}

	if ep.EffectiveMethod() == http.MethodGet {
		p.handleRead(w, r, ep, rc, sel, match.Params)
		return
	}
	p.handleWrite(w, r, ep, rc, sel, match.Params)
}

func (p *Pipeline) authenticatorFor(ep *config.EndpointConfig) *auth.Authenticator {
	if a, ok := p.authenticators[ep.URLPath]; ok {
		return a
	}
	return auth.New(config.AuthConfig{}, nil)
}

func clientIPOf(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		return host[:i]
	}
	return host
}

func (p *Pipeline) writeAuthError(w http.ResponseWriter, err error) {
	if ae, ok := apperror.As(err); ok {
		if challenge, ok := ae.Fields["www_authenticate"].(string); ok && challenge != "" {
			w.Header().Set("WWW-Authenticate", challenge)
		}
	}
	p.writeError(w, err)
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (p *Pipeline) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"
	if ae, ok := apperror.As(err); ok {
		status = ae.StatusCode()
		message = ae.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}

// handleInvalidate implements the DELETE-triggered cache invalidation
// path: it re-runs the endpoint's cache refresh rather than executing
// the endpoint's own SQL template. An ordinary GET never reaches here.
func (p *Pipeline) handleInvalidate(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, rc *requestContext, pathParams map[string]string) {
	params := assembleReadParams(r, pathParams, config.CacheConfig{})
	anyParams := make(map[string]any, len(params))
	for k, v := range params {
		anyParams[k] = v
	}
	if p.cacheEngine == nil {
		p.writeError(w, apperror.New(apperror.KindCache, "cache engine unavailable", nil))
		return
	}
	if err := p.cacheEngine.Refresh(r.Context(), ep, p.cfg.DuckLake.Alias, anyParams); err != nil {
		logging.Error("cache_invalidate_failed", rc.logFields)
		p.writeError(w, err)
		return
	}
	// respCache is TTL-bounded rather than key-enumerable, so an explicit
	// invalidation only clears the no-query-string variant; other
	// variants simply expire on their own short TTL.
	if p.respCache != nil {
		p.respCache.Delete(ep.URLPath, "")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]any{"invalidated": true})
}

// assembleReadParams builds the merged parameter map for GET (and other
// read) requests: defaults, then path captures, then the query string,
// plus the cache-scope parameters when caching is enabled for ep.
func assembleReadParams(r *http.Request, pathParams map[string]string, cache config.CacheConfig) map[string]string {
	params := map[string]string{"offset": "0", "limit": "100"}
	for k, v := range pathParams {
		params[k] = v
	}
	for k := range r.URL.Query() {
		params[k] = r.URL.Query().Get(k)
	}
	if cache.Enabled {
		params["cacheCatalog"] = cache.Catalog
		params["cacheSchema"] = cache.Schema
		params["cacheTable"] = cache.Table
	}
	return params
}

// assembleWriteParams builds the merged parameter map for write
// requests: handler defaults (none), then path captures, then query
// parameters, then the JSON body, each layer overriding the last even
// for empty-string values. Nested objects/arrays in the body are
// re-serialized to compact JSON strings.
func assembleWriteParams(r *http.Request, pathParams map[string]string) (map[string]string, error) {
	params := map[string]string{}
	for k, v := range pathParams {
		params[k] = v
	}
	for k := range r.URL.Query() {
		params[k] = r.URL.Query().Get(k)
	}

	if r.Body == nil {
		return params, nil
	}
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		if err.Error() == "EOF" {
			return params, nil
		}
		return nil, apperror.New(apperror.KindValidation, "request body is not valid JSON", err)
	}

	for k, v := range body {
		params[k] = stringifyBodyValue(v)
	}
	return params, nil
}

func stringifyBodyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return strings.Trim(string(b), `"`)
	}
}

// invalidationConditionMet gates a write-triggered cache invalidation
// on the endpoint's optional invalidate-condition expression,
// evaluated against the write's request parameters. An endpoint
// without a condition always invalidates; a condition that fails to
// compile or evaluate is treated as false, logged, never fatal to the
// write itself.
func invalidationConditionMet(ep *config.EndpointConfig, params map[string]string) bool {
	cond := ep.Cache.InvalidateCondition
	if cond == "" {
		return true
	}
	out, err := expr.Eval(cond, paramsToAny(params))
	if err != nil {
		logging.Warn("cache_invalidate_condition_failed", map[string]any{
			"endpoint": ep.URLPath, "condition": cond, "error": err.Error(),
		})
		return false
	}
	ok, _ := out.(bool)
	return ok
}

func paramsToAny(params map[string]string) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// connScope resolves the `.conn` template scope from the endpoint's
// first configured connection.
func (p *Pipeline) connScope(ep *config.EndpointConfig) (name string, props map[string]string) {
	if len(ep.Connection) == 0 {
		return "", map[string]string{}
	}
	name = ep.Connection[0]
	props = p.cfg.Connections[name].Properties
	if props == nil {
		props = map[string]string{}
	}
	return name, props
}

func (p *Pipeline) envScope() map[string]string {
	return tmpl.ResolveEnv(os.Environ(), p.cfg.Template.IsEnvVarAllowed)
}

// handleRead executes a GET-style endpoint: validate, render, paginate,
// negotiate, respond, optionally through the response memoization
// cache.
func (p *Pipeline) handleRead(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, rc *requestContext, sel negotiate.Selection, pathParams map[string]string) {
	params := assembleReadParams(r, pathParams, ep.Cache)

	offset, limit, err := coerceOffsetLimit(params)
	if err != nil {
		p.writeError(w, apperror.New(apperror.KindValidation, err.Error(), err))
		return
	}

	if ep.RequestFieldsValidation {
		if errs := validate.Fields(ep.Request, params); len(errs) > 0 {
			p.writeValidationErrors(w, errs)
			return
		}
	}

	cacheKey := cacheKeyFor(r)
	if ep.RespCache.Enabled && p.respCache != nil {
		if entry, found := p.respCache.Get(ep.URLPath, cacheKey); found {
			w.Header().Set("Content-Type", entry.ContentType)
			w.Write(entry.Body)
			return
		}
	}

	connName, connProps := p.connScope(ep)
	tctx := tmpl.NewContext(paramsToAny(params), connProps, p.envScope())

	rendered, err := p.tmplEngine.Execute(ep.URLPath, tctx)
	if err != nil {
		p.writeError(w, apperror.New(apperror.KindEngine, "failed to render template", err))
		return
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) AS total_count FROM (%s) AS _", rendered)
	countRows, err := p.engineH.Query(r.Context(), connName, countQuery)
	totalCount := 0
	if err == nil && len(countRows) == 1 {
		totalCount = toInt(countRows[0]["total_count"])
	}

	paginated := fmt.Sprintf("SELECT * FROM (%s) AS _ LIMIT %d OFFSET %d", rendered, limit, offset)

	var body []byte
	var contentType string

	if sel.Format == negotiate.FormatArrow {
		rows, err := p.engineH.QueryRows(r.Context(), paginated)
		if err != nil {
			p.writeError(w, err)
			return
		}
		defer rows.Close()
		w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
		if err := p.serializer.Stream(r.Context(), w, rows, columnar.StreamOptions{Codec: sel.ArrowCodec}); err != nil {
			logging.Error("arrow_stream_failed", rc.logFields)
		}
		return
	}

	resultRows, err := p.engineH.Query(r.Context(), connName, paginated)
	if err != nil {
		p.writeError(w, err)
		return
	}

	next := ""
	if offset+limit < totalCount {
		next = buildNextURL(r, offset+limit)
	}

	switch sel.Format {
	case negotiate.FormatCSV:
		var buf strings.Builder
		columns := columnsOf(resultRows)
		if err := negotiate.WriteCSV(csvRecorder{&buf}, columns, resultRows); err != nil {
			p.writeError(w, apperror.New(apperror.KindSerializer, "failed to write CSV", err))
			return
		}
		body = []byte(buf.String())
		contentType = "text/csv"
	default:
		env := negotiate.Envelope{Data: resultRows, Next: next, TotalCount: totalCount}
		b, err := json.Marshal(env)
		if err != nil {
			p.writeError(w, apperror.New(apperror.KindSerializer, "failed to encode response", err))
			return
		}
		body = b
		contentType = "application/json"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Total-Count", strconv.Itoa(totalCount))
	w.Header().Set("X-Next", next)
	w.Write(body)

	if ep.RespCache.Enabled && p.respCache != nil {
		ttl := time.Duration(ep.RespCache.TTLSec) * time.Second
		p.respCache.Set(ep.URLPath, cacheKey, respcache.Entry{Body: body, ContentType: contentType}, ttl)
	}

	rc.logFields["row_count"] = len(resultRows)
	rc.logFields["total_duration_ms"] = time.Since(rc.startedAt).Milliseconds()
	logging.Info("request_completed", rc.logFields)
}

// handleWrite executes a write-style endpoint: validate, render, split
// the rendered text on `;`, execute the statements in order through the
// engine handle's connection pool (they are not pinned to one session), and
// optionally surface the final statement's (or a RETURNING clause's)
// result set.
func (p *Pipeline) handleWrite(w http.ResponseWriter, r *http.Request, ep *config.EndpointConfig, rc *requestContext, sel negotiate.Selection, pathParams map[string]string) {
	params, err := assembleWriteParams(r, pathParams)
	if err != nil {
		p.writeError(w, err)
		return
	}

	if ep.RequestFieldsValidation {
		if errs := validate.Fields(ep.Request, params); len(errs) > 0 {
			p.writeValidationErrors(w, errs)
			return
		}
	}

	connName, connProps := p.connScope(ep)
	tctx := tmpl.NewContext(paramsToAny(params), connProps, p.envScope())

	rendered, err := p.tmplEngine.Execute(ep.URLPath, tctx)
	if err != nil {
		p.writeError(w, apperror.New(apperror.KindEngine, "failed to render template", err))
		return
	}

	statements := splitStatements(rendered)
	var resultRows []map[string]any
	var returningCaptured bool

	for i, stmt := range statements {
		isLast := i == len(statements)-1
		hasReturning := strings.Contains(strings.ToUpper(stmt), "RETURNING")
		isSelect := strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "SELECT")

		if hasReturning || (ep.Operation.ReturnsData && isLast && isSelect) {
			rows, err := p.engineH.Query(r.Context(), connName, stmt)
			if err != nil {
				p.writeError(w, apperror.New(apperror.KindEngine, "write statement failed", err))
				return
			}
			resultRows = rows
			returningCaptured = true
			continue
		}

		if err := p.engineH.Exec(r.Context(), connName, stmt); err != nil {
			p.writeError(w, apperror.New(apperror.KindEngine, "write statement failed", err))
			return
		}
	}

	if ep.Cache.Enabled && ep.Cache.InvalidateOnWrite && p.cacheEngine != nil && invalidationConditionMet(ep, params) {
		if err := p.cacheEngine.Refresh(r.Context(), ep, p.cfg.DuckLake.Alias, paramsToAny(params)); err != nil {
			logging.Warn("cache_invalidate_after_write_failed", rc.logFields)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if !returningCaptured {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"success": true})
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resultRows)
}

func (p *Pipeline) writeValidationErrors(w http.ResponseWriter, errs validate.Errors) {
	type fieldErr struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	}
	out := make([]fieldErr, len(errs))
	for i, e := range errs {
		out[i] = fieldErr{Field: e.Field, Message: e.Message}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(map[string]any{"errors": out})
}

func coerceOffsetLimit(params map[string]string) (offset, limit int, err error) {
	offset, err = strconv.Atoi(params["offset"])
	if err != nil {
		return 0, 0, fmt.Errorf("offset must be an integer")
	}
	limit, err = strconv.Atoi(params["limit"])
	if err != nil {
		return 0, 0, fmt.Errorf("limit must be an integer")
	}
	return offset, limit, nil
}

// buildNextURL clones the request's query string, sets offset to
// newOffset, and leaves every other parameter untouched.
func buildNextURL(r *http.Request, newOffset int) string {
	q := cloneQuery(r.URL.Query())
	q.Set("offset", strconv.Itoa(newOffset))
	u := *r.URL
	u.RawQuery = q.Encode()
	return u.String()
}

func cloneQuery(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, v := range q {
		cp := make([]string, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}

func cacheKeyFor(r *http.Request) string {
	return r.URL.RawQuery
}

func columnsOf(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	cols := make([]string, 0, len(rows[0]))
	for k := range rows[0] {
		cols = append(cols, k)
	}
	return cols
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

func splitStatements(block string) []string {
	var out []string
	for _, s := range strings.Split(block, ";") {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// csvRecorder adapts a strings.Builder to the http.ResponseWriter
// surface negotiate.WriteCSV expects, so CSV can be rendered into an
// in-memory buffer before being memoized and written out.
type csvRecorder struct {
	buf *strings.Builder
}

func (c csvRecorder) Header() http.Header        { return http.Header{} }
func (c csvRecorder) Write(p []byte) (int, error) { return c.buf.Write(p) }
func (c csvRecorder) WriteHeader(statusCode int)  {}
