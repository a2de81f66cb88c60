package tmpl

import "regexp"

// Context is the data made available to a SQL template under four
// disjoint top-level scopes: params (validated/coerced request
// arguments), conn (the named connection's template-exposed
// properties), env (whitelisted environment variables), and cache
// (materialization control variables injected by the cache engine
// when rendering a cache refresh template — empty for ordinary
// request templates).
type Context struct {
	Params map[string]any
	Conn   map[string]string
	Env    map[string]string
	Cache  map[string]string
}

// cacheVarNames are the specific keys the cache engine injects
// alongside request params when rendering a cache materialization
// template: catalog, schema, table, mode, the current/previous
// snapshot id and commit timestamp, the refresh schedule, the cursor
// column and type, and the comma-joined primary key list. They are
// pulled out of the combined map into their own `.cache` scope before
// the remainder becomes `.params`.
var cacheVarNames = []string{
	"catalog",
	"schema",
	"table",
	"mode",
	"currentSnapshotId",
	"currentCommittedAt",
	"previousSnapshotId",
	"previousCommittedAt",
	"schedule",
	"cursorColumn",
	"cursorType",
	"primaryKeys",
}

// SplitCacheVars separates the cache-control keys out of a combined
// params map, returning them as the `.cache` scope plus whatever
// remains for `.params`. Ordinary request templates never call this;
// it exists for the cache engine's own template renders.
func SplitCacheVars(raw map[string]string) (cache map[string]string, rest map[string]string) {
	cache = make(map[string]string)
	rest = make(map[string]string, len(raw))
	known := make(map[string]bool, len(cacheVarNames))
	for _, n := range cacheVarNames {
		known[n] = true
	}
	for k, v := range raw {
		if known[k] {
			cache[k] = v
			continue
		}
		rest[k] = v
	}
	return cache, rest
}

// NewContext builds a Context for an ordinary request template:
// params from the request's validated arguments, conn from the
// endpoint's first connection's template-exposed properties, env
// from the whitelisted environment.
func NewContext(params map[string]any, conn map[string]string, env map[string]string) *Context {
	if params == nil {
		params = map[string]any{}
	}
	if conn == nil {
		conn = map[string]string{}
	}
	if env == nil {
		env = map[string]string{}
	}
	return &Context{Params: params, Conn: conn, Env: env, Cache: map[string]string{}}
}

// WithCache attaches cache-scope variables, used when rendering a
// cache engine's materialization template.
func (c *Context) WithCache(cache map[string]string) *Context {
	c.Cache = cache
	return c
}

// toMap converts Context to the map text/template executes against.
func (c *Context) toMap() map[string]any {
	return map[string]any{
		"params": c.Params,
		"conn":   c.Conn,
		"env":    c.Env,
		"cache":  c.Cache,
	}
}

// paramRefPattern matches {{...params.name...}} references anywhere
// inside a template action.
var paramRefPattern = regexp.MustCompile(`\{\{[^}]*\.params\.([a-zA-Z_][a-zA-Z0-9_]*)[^}]*\}\}`)

// ExtractParamRefs extracts {{.params.xyz}} references from a template string.
func ExtractParamRefs(tmpl string) []string {
	matches := paramRefPattern.FindAllStringSubmatch(tmpl, -1)

	refs := make([]string, 0, len(matches))
	seen := make(map[string]bool)
	for _, m := range matches {
		if len(m) > 1 && !seen[m[1]] {
			refs = append(refs, m[1])
			seen[m[1]] = true
		}
	}
	return refs
}

// ResolveEnv builds the `.env` scope from the process environment,
// keeping only names the template whitelist allows.
func ResolveEnv(environ []string, allowed func(name string) bool) map[string]string {
	out := make(map[string]string)
	for _, kv := range environ {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				name := kv[:i]
				if allowed(name) {
					out[name] = kv[i+1:]
				}
				break
			}
		}
	}
	return out
}
