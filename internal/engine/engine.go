// Package engine wraps the single embedded analytical SQL engine (DuckDB)
// the gateway is built around: one mutable handle, a coarse mutex held by
// the lake-catalog attach and by close, and plain query execution on connections drawn from that handle
// without further locking on the caller's side.
package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb"

	"flapi/internal/apperror"
	"flapi/internal/config"
	"flapi/internal/db"
	"flapi/internal/logging"
)

// defaultExtensions is the set installed and loaded at startup. Each
// attempt is independent; a failing extension only logs a warning.
var defaultExtensions = []string{"httpfs", "ducklake", "fts", "json", "postgres", "sqlite", "parquet"}

// Handle owns the *sql.DB for the embedded engine plus the lake-catalog
// attach state. The lake-catalog attach and Close hold mu; Open runs
// before the handle is shared and takes no lock, and Query/Exec do not — the underlying *sql.DB already serializes and
// pools its own connections.
type Handle struct {
	mu   sync.Mutex
	db   *sql.DB
	lake config.DuckLakeConfig

	secondary *secondaryRegistry
}

// Open builds the engine config DSN, opens the DuckDB handle, installs
// the default extension set, runs every configured connection's init
// SQL, and attaches the lake catalog if enabled. Extension and init-SQL
// failures are logged and do not abort startup; only the initial Open
// and, when enabled, the lake ATTACH are fatal.
func Open(ctx context.Context, cfg *config.Config) (*Handle, error) {
	dsn := buildDSN(cfg.Engine)

	sqlDB, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, apperror.New(apperror.KindEngine, "failed to open engine handle", err)
	}
	sqlDB.SetMaxOpenConns(0)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, apperror.New(apperror.KindEngine, "failed to ping engine handle", err)
	}

	h := &Handle{db: sqlDB, lake: cfg.DuckLake, secondary: registerSecondaryConnections(cfg.Connections)}

	h.installExtensions(ctx)
	h.runConnectionInit(ctx, cfg.Connections)

	if cfg.DuckLake.Enabled {
		if err := h.attachLake(ctx); err != nil {
			sqlDB.Close()
			return nil, err
		}
	}

	return h, nil
}

// buildDSN composes the DuckDB connection string: the configured db-path
// (or in-memory), plus `allow_unsigned_extensions`,
// `autoinstall_known_extensions`, `autoload_known_extensions`, and any
// operator-supplied engine settings appended as `?key=value` pairs.
func buildDSN(cfg config.EngineConfig) string {
	path := cfg.DBPath

	settings := map[string]string{
		"allow_unsigned_extensions":    "true",
		"autoinstall_known_extensions": "1",
		"autoload_known_extensions":    "1",
	}
	for k, v := range cfg.Settings {
		settings[k] = v
	}

	var sb strings.Builder
	sb.WriteString(path)
	first := true
	for k, v := range settings {
		if first {
			sb.WriteByte('?')
			first = false
		} else {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
	}
	return sb.String()
}

func (h *Handle) installExtensions(ctx context.Context) {
	for _, ext := range defaultExtensions {
		if _, err := h.db.ExecContext(ctx, fmt.Sprintf("INSTALL %s", ext)); err != nil {
			logging.Warn("engine extension install failed", map[string]any{"extension": ext, "error": err.Error()})
			continue
		}
		if _, err := h.db.ExecContext(ctx, fmt.Sprintf("LOAD %s", ext)); err != nil {
			logging.Warn("engine extension load failed", map[string]any{"extension": ext, "error": err.Error()})
		}
	}
}

// runConnectionInit executes every configured connection's init SQL
// block, one statement at a time on a fresh cursor. A connection with no
// init block is skipped. Failures are logged, not propagated — an
// unreachable federated source shouldn't prevent the gateway itself from
// starting.
func (h *Handle) runConnectionInit(ctx context.Context, conns map[string]config.ConnectionConfig) {
	for name, c := range conns {
		if strings.TrimSpace(c.Init) == "" {
			continue
		}
		for _, stmt := range splitStatements(c.Init) {
			if _, err := h.db.ExecContext(ctx, stmt); err != nil {
				logging.Warn("connection init statement failed", map[string]any{
					"connection": name,
					"error":      err.Error(),
				})
			}
		}
	}
}

// splitStatements breaks a semicolon-separated SQL block into individual
// non-empty statements.
func splitStatements(block string) []string {
	parts := strings.Split(block, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// attachLake issues the `ATTACH 'ducklake:<metadata>' AS <alias>
// (DATA_PATH '<data>' [, DATA_INLINING_ROW_LIMIT n] [, OVERRIDE_DATA_PATH
// TRUE])` statement. Failure here is fatal — the cache engine has no
// catalog to materialize into without it.
func (h *Handle) attachLake(ctx context.Context) error {
	stmt := lakeAttachStatement(h.lake)

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.db.ExecContext(ctx, stmt); err != nil {
		return apperror.New(apperror.KindEngine, "failed to attach lake catalog", err)
	}
	return nil
}

// lakeAttachStatement composes the `ATTACH 'ducklake:<metadata>' AS
// <alias> (DATA_PATH '<data>' [, DATA_INLINING_ROW_LIMIT n] [,
// OVERRIDE_DATA_PATH TRUE])` statement for the configured lake catalog.
func lakeAttachStatement(lake config.DuckLakeConfig) string {
	opts := []string{fmt.Sprintf("DATA_PATH '%s'", lake.DataPath)}
	if lake.DataInliningRowLimit != nil {
		opts = append(opts, fmt.Sprintf("DATA_INLINING_ROW_LIMIT %d", *lake.DataInliningRowLimit))
	}
	if lake.OverrideDataPath {
		opts = append(opts, "OVERRIDE_DATA_PATH TRUE")
	}
	return fmt.Sprintf("ATTACH 'ducklake:%s' AS %s (%s)", lake.MetadataPath, lake.Alias, strings.Join(opts, ", "))
}

// Close performs the best-effort shutdown sequence: DETACH the lake
// alias, CHECKPOINT, then close the handle. Every step's failure is
// logged; none is propagated, matching the engine wrapper's
// never-block-shutdown contract.
func (h *Handle) Close(ctx context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lake.Enabled {
		if _, err := h.db.ExecContext(ctx, fmt.Sprintf("DETACH %s", h.lake.Alias)); err != nil {
			logging.Warn("lake detach failed", map[string]any{"alias": h.lake.Alias, "error": err.Error()})
		}
	}
	if _, err := h.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn("engine checkpoint failed", map[string]any{"error": err.Error()})
	}
	if err := h.db.Close(); err != nil {
		logging.Warn("engine close failed", map[string]any{"error": err.Error()})
	}

	h.secondary.closeAll()
}

// Ping reports whether the primary engine handle is still reachable.
// No HTTP route calls it.
func (h *Handle) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}

// Query executes a rendered SQL statement against the primary engine (or,
// when conn names a registered secondary connection, that connection's
// own driver) and returns rows as generic maps. It satisfies both
// cacheengine's and auth's narrow engine interfaces.
func (h *Handle) Query(ctx context.Context, conn, query string, args ...any) ([]map[string]any, error) {
	if d, ok := h.secondary.get(conn); ok {
		return d.Query(ctx, db.SessionConfig{}, query, argsToParamMap(args))
	}
	return queryRows(ctx, h.db, query, args...)
}

// QueryRows runs query against the primary engine and returns the raw
// cursor for streaming consumption (the columnar serializer). Arrow
// streaming is only supported against the primary engine, never a
// secondary connection.
func (h *Handle) QueryRows(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.New(apperror.KindEngine, "query failed", err)
	}
	return rows, nil
}

// Exec runs a statement for side effects only, ignoring any result set.
func (h *Handle) Exec(ctx context.Context, conn, stmt string) error {
	if d, ok := h.secondary.get(conn); ok {
		_, err := d.Query(ctx, db.SessionConfig{}, stmt, nil)
		return err
	}
	_, err := h.db.ExecContext(ctx, stmt)
	return err
}

func argsToParamMap(args []any) map[string]any {
	m := make(map[string]any, len(args))
	for i, a := range args {
		m[fmt.Sprintf("p%d", i)] = a
	}
	return m
}

// queryRows runs query against db and materializes the result set as a
// slice of column-name-to-value maps, matching the shape the template
// and serializer layers expect.
func queryRows(ctx context.Context, sqlDB *sql.DB, query string, args ...any) ([]map[string]any, error) {
	rows, err := sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperror.New(apperror.KindEngine, "query failed", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, apperror.New(apperror.KindEngine, "failed to read columns", err)
	}

	var results []map[string]any
	for rows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, apperror.New(apperror.KindEngine, "failed to scan row", err)
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			switch v := values[i].(type) {
			case []byte:
				row[col] = string(v)
			case time.Time:
				row[col] = v.Format(time.RFC3339)
			default:
				row[col] = v
			}
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.New(apperror.KindEngine, "row iteration error", err)
	}
	return results, nil
}
