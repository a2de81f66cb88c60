// Package config implements the declarative configuration model for the
// gateway: the root server/connection/lake-catalog settings plus the
// polymorphic per-endpoint definitions compiled from a directory tree of
// YAML files, following the load/validate/reload protocol described by
// the gateway's operator-facing configuration surface.
package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
)

// Config is the root configuration: server, connections, lake catalog,
// engine tuning, template directory and the live endpoint set.
type Config struct {
	Project     ProjectConfig               `yaml:"project"`
	Server      ServerConfig                `yaml:"server"`
	Connections map[string]ConnectionConfig `yaml:"connections"`
	RateLimit   RateLimitDefaults           `yaml:"rate-limit"`
	Auth        AuthDefaults                `yaml:"auth"`
	DuckLake    DuckLakeConfig              `yaml:"ducklake"`
	Engine      EngineConfig                `yaml:"engine"`
	Columnar    ColumnarConfig              `yaml:"columnar"`
	RespCache   RespCacheConfig             `yaml:"resp-cache"`
	Template    TemplateConfig              `yaml:"template"`
	Heartbeat   GlobalHeartbeatConfig       `yaml:"heartbeat"`
	Endpoints   EndpointsConfig             `yaml:"endpoints"`

	// baseDir is the directory containing the root YAML file; relative
	// paths (template directory, endpoint directory) are resolved
	// against it. The .env file is read from the working directory.
	baseDir string
}

// ProjectConfig carries operator-facing metadata, not used for routing.
type ProjectConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// ServerConfig holds the HTTP listener and TLS settings.
type ServerConfig struct {
	Port  int         `yaml:"port"`
	HTTPS HTTPSConfig `yaml:"https"`
}

// HTTPSConfig requires both CertFile and KeyFile when Enabled.
type HTTPSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert-file"`
	KeyFile  string `yaml:"key-file"`
}

// ConnectionConfig is a named connection's init SQL and template-visible
// properties (exposed under the `conn.` template scope).
type ConnectionConfig struct {
	Init          string            `yaml:"init"`
	Properties    map[string]string `yaml:"properties"`
	LogQueries    bool              `yaml:"log-queries"`
	LogParameters bool              `yaml:"log-parameters"`
}

// RateLimitDefaults are the endpoint-level defaults applied when an
// endpoint does not set its own rate-limit block.
type RateLimitDefaults struct {
	Enabled  bool `yaml:"enabled"`
	Max      int  `yaml:"max"`
	Interval int  `yaml:"interval"` // seconds
}

// AuthDefaults are the endpoint-level auth defaults.
type AuthDefaults struct {
	Enabled bool   `yaml:"enabled"`
	Type    string `yaml:"type"` // basic | bearer
}

// DuckLakeConfig describes the attached lake-format catalog used for
// materialized caches.
type DuckLakeConfig struct {
	Enabled              bool   `yaml:"enabled"`
	Alias                string `yaml:"alias"`
	MetadataPath         string `yaml:"metadata-path"`
	DataPath             string `yaml:"data-path"`
	DataInliningRowLimit *int   `yaml:"data-inlining-row-limit"`
	OverrideDataPath     bool   `yaml:"override-data-path"`
}

// EngineConfig holds embedded-engine tuning keys and the on-disk (or
// :memory:) database path.
type EngineConfig struct {
	DBPath   string            `yaml:"db-path"`
	Settings map[string]string `yaml:"settings"`
}

// ColumnarConfig tunes the Arrow-IPC columnar serializer: how many rows
// per record batch, the post-hoc compression codec, and the coarse
// per-request memory guard.
type ColumnarConfig struct {
	BatchSize        int    `yaml:"batch-size"`
	Codec            string `yaml:"codec"` // "" | lz4 | zstd
	CompressionLevel int    `yaml:"compression-level"`
	MaxMemoryBytes   int64  `yaml:"max-memory-bytes"`
}

// RespCacheConfig tunes the process-wide Ristretto-backed response
// memoization micro-cache. It is a narrow, additive shield against
// cache-stampede on hot reads between cacheengine refresh ticks, not
// a replacement for the lake-catalog materialized cache (CacheConfig)
// — disabled by default.
type RespCacheConfig struct {
	Enabled       bool `yaml:"enabled"`
	MaxSizeMB     int  `yaml:"max-size-mb"`
	DefaultTTLSec int  `yaml:"default-ttl-sec"`
}

// RespCacheOptIn opts an endpoint into response memoization and
// overrides the process-wide default TTL.
type RespCacheOptIn struct {
	Enabled bool `yaml:"enabled"`
	TTLSec  int  `yaml:"ttl-sec"`
}

// TemplateConfig is the template directory plus the environment variable
// whitelist gating the `env.` scope.
type TemplateConfig struct {
	Path                 string   `yaml:"path"`
	EnvironmentWhitelist []string `yaml:"environment-whitelist"`

	compiledWhitelist []*regexp.Regexp
	compileOnce       sync.Once
}

// IsEnvVarAllowed reports whether name matches any whitelist pattern.
func (t *TemplateConfig) IsEnvVarAllowed(name string) bool {
	t.compileOnce.Do(func() {
		for _, pat := range t.EnvironmentWhitelist {
			if re, err := regexp.Compile(pat); err == nil {
				t.compiledWhitelist = append(t.compiledWhitelist, re)
			}
		}
	})
	for _, re := range t.compiledWhitelist {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// GlobalHeartbeatConfig gates the heartbeat worker and the lake
// compaction schedule.
type GlobalHeartbeatConfig struct {
	Enabled            bool   `yaml:"enabled"`
	WorkerIntervalSec  int    `yaml:"worker-interval-sec"`
	CompactionSchedule string `yaml:"compaction-schedule"` // cron expression, optional
}

// EndpointsConfig points at the directory tree walked recursively for
// per-endpoint YAML definitions.
type EndpointsConfig struct {
	Directory string `yaml:"directory"`
}

// BaseDir returns the directory the root config file was loaded from.
func (c *Config) BaseDir() string { return c.baseDir }

// EndpointKind distinguishes the capability an endpoint definition
// implements.
type EndpointKind string

const (
	KindREST        EndpointKind = "rest"
	KindMCPTool     EndpointKind = "mcp-tool"
	KindMCPResource EndpointKind = "mcp-resource"
	KindMCPPrompt   EndpointKind = "mcp-prompt"
)

// EndpointConfig is the polymorphic endpoint definition compiled from one
// YAML file. Identity for matching/reload purposes is UrlPath for REST
// endpoints, or the MCP capability name for MCP-only endpoints.
type EndpointConfig struct {
	URLPath                 string                `yaml:"url-path"`
	Method                  string                `yaml:"method"`
	WithPagination          bool                  `yaml:"with-pagination"`
	RequestFieldsValidation bool                  `yaml:"request-fields-validation"`
	TemplateSource          string                `yaml:"template-source"`
	Connection              []string              `yaml:"connection"`
	Request                 []RequestFieldConfig  `yaml:"request"`

	RateLimit RateLimitConfig  `yaml:"rate-limit"`
	Auth      AuthConfig       `yaml:"auth"`
	Cache     CacheConfig      `yaml:"cache"`
	RespCache RespCacheOptIn   `yaml:"resp-cache"`
	Heartbeat HeartbeatOptIn   `yaml:"heartbeat"`

	ResponseFormat ResponseFormatConfig `yaml:"response-format"`
	Operation      OperationConfig      `yaml:"operation"`

	MCPTool     *MCPToolConfig     `yaml:"mcp-tool"`
	MCPResource *MCPResourceConfig `yaml:"mcp-resource"`
	MCPPrompt   *MCPPromptConfig   `yaml:"mcp-prompt"`

	// sourceFile is the absolute path of the YAML file this endpoint was
	// parsed from; used by single-endpoint reload.
	sourceFile string
}

// RequestFieldConfig describes one named request parameter.
type RequestFieldConfig struct {
	Name                string            `yaml:"name"`
	In                  string            `yaml:"in"` // query | path | body | header
	Required            bool              `yaml:"required"`
	Default             string            `yaml:"default"`
	Description         string            `yaml:"description"`
	Validators          []ValidatorConfig `yaml:"validators"`
	PreventSQLInjection *bool             `yaml:"prevent-sql-injection"`
}

// PreventsSQLInjection defaults to true when unset.
func (f *RequestFieldConfig) PreventsSQLInjection() bool {
	if f.PreventSQLInjection == nil {
		return true
	}
	return *f.PreventSQLInjection
}

// ValidatorConfig is a tagged-union validator. Type selects which of the
// remaining fields apply.
type ValidatorConfig struct {
	Type string `yaml:"type"` // int | string | enum | date | time

	// int
	Min *float64 `yaml:"min"`
	Max *float64 `yaml:"max"`

	// string
	Regex  string `yaml:"regex"`
	MinLen *int   `yaml:"min-len"`

	// enum
	Allowed []string `yaml:"allowed"`

	// date / time bounds, ISO-formatted strings
	DateMin string `yaml:"date-min"`
	DateMax string `yaml:"date-max"`
	TimeMin string `yaml:"time-min"`
	TimeMax string `yaml:"time-max"`
}

// RateLimitConfig is the per-endpoint rate-limit block.
type RateLimitConfig struct {
	Enabled  bool `yaml:"enabled"`
	Max      int  `yaml:"max"`
	Interval int  `yaml:"interval"` // seconds
}

// AuthConfig is the per-endpoint auth block.
type AuthConfig struct {
	Enabled              bool                 `yaml:"enabled"`
	Type                 string               `yaml:"type"` // basic | bearer
	Users                []AuthUserConfig     `yaml:"users"`
	FromAWSSecretManager *SecretManagerConfig `yaml:"from-aws-secretmanager"`
	JWTSecret            string               `yaml:"jwt_secret"`
	JWTIssuer            string               `yaml:"jwt_issuer"`
}

// AuthUserConfig is one inline Basic-auth user.
type AuthUserConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"` // plaintext or 32-char lowercase MD5 hex
}

// SecretManagerConfig backs a Basic-auth user table fetched from an
// external secret store via engine init SQL + a JSON secret payload.
type SecretManagerConfig struct {
	SecretName string `yaml:"secret-name"`
	Region     string `yaml:"region"`
	Connection string `yaml:"connection"` // connection name whose init SQL creates the credential handle
}

// CacheConfig is the per-endpoint materialized-cache definition. Mode is
// derived, never configured directly.
type CacheConfig struct {
	Enabled           bool            `yaml:"enabled"`
	Catalog           string          `yaml:"catalog"`
	Schema            string          `yaml:"schema"`
	Table             string          `yaml:"table"`
	TemplateFile      string          `yaml:"template-file"`
	Schedule          string          `yaml:"schedule"` // cron expression
	Cursor            *CursorConfig   `yaml:"cursor"`
	PrimaryKeys       []string        `yaml:"primary-keys"`
	Retention         RetentionConfig `yaml:"retention"`
	InvalidateOnWrite bool            `yaml:"invalidate-on-write"`
	// InvalidateCondition, when set, is an expr-lang/expr boolean
	// expression evaluated against the write request's parameters;
	// invalidation only fires if it evaluates true. Empty means
	// InvalidateOnWrite alone decides, unconditionally.
	InvalidateCondition string `yaml:"invalidate-condition"`
	RefreshEndpoint     string `yaml:"refresh-endpoint"`
}

// CursorConfig names the incremental watermark column.
type CursorConfig struct {
	Column string `yaml:"column"`
	Type   string `yaml:"type"`
}

// RetentionConfig configures lake-catalog snapshot expiry.
type RetentionConfig struct {
	KeepLastSnapshots *int   `yaml:"keep-last-snapshots"`
	MaxSnapshotAge    string `yaml:"max-snapshot-age"` // e.g. "7 days", fed into an INTERVAL literal
}

// CacheMode is the derived materialization strategy.
type CacheMode string

const (
	CacheModeFull   CacheMode = "full"
	CacheModeAppend CacheMode = "append"
	CacheModeMerge  CacheMode = "merge"
)

// Mode derives the cache mode from cursor/primary-key presence alone.
func (c *CacheConfig) Mode() CacheMode {
	if c.Cursor == nil {
		return CacheModeFull
	}
	if len(c.PrimaryKeys) == 0 {
		return CacheModeAppend
	}
	return CacheModeMerge
}

// HeartbeatOptIn opts an endpoint into heartbeat-driven synthetic warm
// requests.
type HeartbeatOptIn struct {
	Enabled bool              `yaml:"enabled"`
	Params  map[string]string `yaml:"params"`
}

// ResponseFormatConfig controls content negotiation per endpoint.
type ResponseFormatConfig struct {
	Formats      []string `yaml:"formats"`
	Default      string   `yaml:"default"`
	ArrowEnabled bool     `yaml:"arrow-enabled"`
}

// OperationConfig describes the write semantics of an endpoint.
type OperationConfig struct {
	Type                string `yaml:"type"` // read | write
	Transaction         bool   `yaml:"transaction"`
	ReturnsData         bool   `yaml:"returns-data"`
	ValidateBeforeWrite bool   `yaml:"validate-before-write"`
}

// MCPToolConfig describes an MCP tool capability.
type MCPToolConfig struct {
	Name           string `yaml:"name"`
	Description    string `yaml:"description"`
	ResultMimeType string `yaml:"result_mime_type"`
}

// MCPResourceConfig describes an MCP resource capability.
type MCPResourceConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	MimeType    string `yaml:"mime_type"`
}

// MCPPromptConfig describes an MCP prompt capability.
type MCPPromptConfig struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Template    string              `yaml:"template"` // inline, not file-backed
	Arguments   []MCPPromptArgument `yaml:"arguments"`
}

// MCPPromptArgument is one named prompt argument.
type MCPPromptArgument struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Required    bool   `yaml:"required"`
}

// GetType returns which capability this endpoint was matched as. A
// REST url-path takes precedence for identification purposes; MCP kinds
// are reported when url-path is absent.
func (e *EndpointConfig) GetType() EndpointKind {
	if e.URLPath != "" {
		return KindREST
	}
	switch {
	case e.MCPTool != nil:
		return KindMCPTool
	case e.MCPResource != nil:
		return KindMCPResource
	case e.MCPPrompt != nil:
		return KindMCPPrompt
	}
	return ""
}

// GetIdentifier returns the matching/reload identity: the URL path for
// REST endpoints, or the capability name for MCP-only endpoints.
func (e *EndpointConfig) GetIdentifier() string {
	switch e.GetType() {
	case KindREST:
		return e.URLPath
	case KindMCPTool:
		return e.MCPTool.Name
	case KindMCPResource:
		return e.MCPResource.Name
	case KindMCPPrompt:
		return e.MCPPrompt.Name
	}
	return ""
}

// SourceFile returns the absolute path of the YAML file this endpoint
// was parsed from.
func (e *EndpointConfig) SourceFile() string { return e.sourceFile }

// HasMCPCapability reports whether any MCP capability is set.
func (e *EndpointConfig) HasMCPCapability() bool {
	return e.MCPTool != nil || e.MCPResource != nil || e.MCPPrompt != nil
}

// EffectiveMethod returns the HTTP method this endpoint answers on,
// defaulting to GET for REST endpoints.
func (e *EndpointConfig) EffectiveMethod() string {
	if e.Method != "" {
		return e.Method
	}
	return "GET"
}

// resolvePath joins a possibly-relative path against baseDir and
// canonicalizes it to an absolute path. Empty input stays empty.
func resolvePath(baseDir, p string) string {
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Clean(filepath.Join(baseDir, p))
}

// SnapshotInfo is the lake catalog's current/previous snapshot pair, as
// queried from ducklake_snapshots(catalog).
type SnapshotInfo struct {
	CurrentSnapshotID   *string
	CurrentCommittedAt  *string
	PreviousSnapshotID  *string
	PreviousCommittedAt *string
}

// AuditEvent is one row of <catalog>.audit.sync_events.
type AuditEvent struct {
	EventID         string
	EndpointPath    string
	CacheTable      string
	CacheSchema     string
	SyncType        string // full | append | merge | garbage_collection
	Status          string // success | error
	Message         string
	SnapshotID      string
	RowsAffected    int64
	SyncStartedAt   string
	SyncCompletedAt string
	DurationMs      int64
}

// EndpointSet is a read-mostly, copy-on-write snapshot of the live
// endpoint list. Reload swaps the pointer atomically; in-flight readers
// keep seeing the snapshot they acquired (spec §5 ordering guarantee).
type EndpointSet struct {
	ptr atomic.Pointer[[]*EndpointConfig]
}

// NewEndpointSet builds a set from an initial slice.
func NewEndpointSet(initial []*EndpointConfig) *EndpointSet {
	es := &EndpointSet{}
	cp := append([]*EndpointConfig(nil), initial...)
	es.ptr.Store(&cp)
	return es
}

// Snapshot returns the current endpoint slice. Safe for concurrent use;
// the returned slice must be treated as immutable by the caller.
func (es *EndpointSet) Snapshot() []*EndpointConfig {
	p := es.ptr.Load()
	if p == nil {
		return nil
	}
	return *p
}

// ReplaceAll atomically swaps in a newly loaded endpoint list.
func (es *EndpointSet) ReplaceAll(endpoints []*EndpointConfig) {
	cp := append([]*EndpointConfig(nil), endpoints...)
	es.ptr.Store(&cp)
}

// ReplaceOne atomically replaces the single endpoint whose
// (GetType(), GetIdentifier()) matches updated, appending it if no
// matching entry exists yet. Identity uniqueness (a config invariant) is
// enforced by this replace-by-identity semantics.
func (es *EndpointSet) ReplaceOne(updated *EndpointConfig) {
	for {
		old := es.ptr.Load()
		next := make([]*EndpointConfig, 0, len(*old)+1)
		replaced := false
		for _, e := range *old {
			if e.GetType() == updated.GetType() && e.GetIdentifier() == updated.GetIdentifier() {
				next = append(next, updated)
				replaced = true
				continue
			}
			next = append(next, e)
		}
		if !replaced {
			next = append(next, updated)
		}
		if es.ptr.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ConnectionNames returns the list of known connection names, used by
// validation to check references.
func (c *Config) ConnectionNames() []string {
	names := make([]string, 0, len(c.Connections))
	for name := range c.Connections {
		names = append(names, name)
	}
	return names
}

// PropertiesFor returns the template-visible properties of a named
// connection, or nil if unknown.
func (c *Config) PropertiesFor(name string) map[string]string {
	if conn, ok := c.Connections[name]; ok {
		return conn.Properties
	}
	return nil
}

var errNoConnections = fmt.Errorf("endpoint has no connections configured")
