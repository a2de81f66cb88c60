// Package cacheengine materializes endpoint results into lake-catalog
// tables (spec §4.3): it ensures the audit schema exists, warms
// configured caches at startup, runs the full/append/merge refresh
// protocol on demand, and garbage-collects stale snapshots. It holds
// no state of its own beyond its engine handle and template engine —
// all cache state lives in the lake catalog itself.
package cacheengine

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"flapi/internal/apperror"
	"flapi/internal/config"
	"flapi/internal/engine"
	"flapi/internal/logging"
	"flapi/internal/tmpl"
)

// Engine drives the cache refresh/GC/audit protocol against a single
// engine handle. It is safe for concurrent use; the underlying handle
// serializes access to the embedded engine itself.
type Engine struct {
	handle     *engine.Handle
	tmplEngine *tmpl.Engine

	// refreshGroup collapses concurrent Refresh calls that target the
	// same cache table into one in-flight materialization, so a
	// startup warmup racing a heartbeat tick or an admin-triggered
	// refresh never runs the same refresh protocol twice at once.
	refreshGroup singleflight.Group
}

// New builds a cache engine bound to handle for SQL execution and
// tmplEngine for rendering cache materialization templates.
func New(handle *engine.Handle, tmplEngine *tmpl.Engine) *Engine {
	return &Engine{handle: handle, tmplEngine: tmplEngine}
}

// EnsureAuditSchema creates the <catalog>.audit schema and sync_events
// table if they don't already exist.
func (e *Engine) EnsureAuditSchema(ctx context.Context, catalog string) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.audit", catalog),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.audit.sync_events (
			event_id VARCHAR,
			endpoint_path VARCHAR,
			cache_table VARCHAR,
			cache_schema VARCHAR,
			sync_type VARCHAR,
			status VARCHAR,
			message VARCHAR,
			snapshot_id VARCHAR,
			rows_affected BIGINT,
			sync_started_at VARCHAR,
			sync_completed_at VARCHAR,
			duration_ms BIGINT
		)`, catalog),
	}
	for _, stmt := range stmts {
		if err := e.handle.Exec(ctx, "", stmt); err != nil {
			return apperror.New(apperror.KindCache, "failed to ensure audit schema", err)
		}
	}
	return nil
}

// Warmup refreshes every endpoint whose cache is enabled and whose
// table is set. Failures are logged, never returned — a cold or
// unreachable source must not block startup.
func (e *Engine) Warmup(ctx context.Context, lakeAlias string, endpoints []*config.EndpointConfig) {
	for _, ep := range endpoints {
		if !ep.Cache.Enabled || ep.Cache.Table == "" {
			continue
		}
		if err := e.Refresh(ctx, ep, lakeAlias, map[string]any{}); err != nil {
			logging.Warn("cache warmup failed", map[string]any{
				"endpoint": ep.URLPath,
				"table":    ep.Cache.Table,
				"error":    err.Error(),
			})
		}
	}
}

// ensureTargetSchema creates the cache's target schema unless it is
// the catalog's default "main" schema.
func (e *Engine) ensureTargetSchema(ctx context.Context, catalog, schema string) error {
	if schema == "" || schema == "main" {
		return nil
	}
	stmt := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s.%s", catalog, schema)
	if err := e.handle.Exec(ctx, "", stmt); err != nil {
		return apperror.New(apperror.KindCache, "failed to ensure target schema", err)
	}
	return nil
}

// currentSnapshot resolves the current/previous snapshot pair from
// ducklake_snapshots(catalog). If the function is unavailable (the
// catalog isn't a lake catalog, or the extension isn't loaded), it
// synthesizes a current snapshot id/timestamp and leaves previous
// absent, so refreshes against a bare engine still proceed.
func (e *Engine) currentSnapshot(ctx context.Context, catalog string) config.SnapshotInfo {
	query := fmt.Sprintf("SELECT snapshot_id, committed_at FROM ducklake_snapshots(%s) ORDER BY snapshot_id DESC LIMIT 2", sqlLiteral(catalog))
	rows, err := e.handle.Query(ctx, "", query)
	if err != nil || len(rows) == 0 {
		now := strconv.FormatInt(time.Now().Unix(), 10)
		id := "snapshot_" + now
		return config.SnapshotInfo{CurrentSnapshotID: &id, CurrentCommittedAt: strPtr("now")}
	}

	info := config.SnapshotInfo{}
	if v, ok := rows[0]["snapshot_id"]; ok {
		info.CurrentSnapshotID = strPtr(fmt.Sprint(v))
	}
	if v, ok := rows[0]["committed_at"]; ok {
		info.CurrentCommittedAt = strPtr(fmt.Sprint(v))
	}
	if len(rows) > 1 {
		if v, ok := rows[1]["snapshot_id"]; ok {
			info.PreviousSnapshotID = strPtr(fmt.Sprint(v))
		}
		if v, ok := rows[1]["committed_at"]; ok {
			info.PreviousCommittedAt = strPtr(fmt.Sprint(v))
		}
	}
	return info
}

// Refresh runs the cache refresh protocol for one endpoint: ensure the
// target schema, resolve the current/previous snapshot, populate the
// cache template scope, render and execute the cache template, write
// an audit row, and (if configured) expire old snapshots.
func (e *Engine) Refresh(ctx context.Context, ep *config.EndpointConfig, lakeAlias string, params map[string]any) error {
	key := ep.Cache.Catalog + "." + ep.Cache.Schema + "." + ep.Cache.Table
	_, err, _ := e.refreshGroup.Do(key, func() (any, error) {
		return nil, e.doRefresh(ctx, ep, lakeAlias, params)
	})
	return err
}

// doRefresh is Refresh's actual body, run at most once concurrently
// per cache table via refreshGroup.
func (e *Engine) doRefresh(ctx context.Context, ep *config.EndpointConfig, lakeAlias string, params map[string]any) error {
	startedAt := time.Now()
	cfg := ep.Cache

	if err := e.ensureTargetSchema(ctx, cfg.Catalog, cfg.Schema); err != nil {
		return err
	}

	snap := e.currentSnapshot(ctx, cfg.Catalog)
	mode := cfg.Mode()

	cacheVars := map[string]string{
		"catalog":      cfg.Catalog,
		"schema":       cfg.Schema,
		"table":        cfg.Table,
		"mode":         string(mode),
		"schedule":     cfg.Schedule,
		"primaryKeys":  strings.Join(cfg.PrimaryKeys, ","),
	}
	if cfg.Cursor != nil {
		cacheVars["cursorColumn"] = cfg.Cursor.Column
		cacheVars["cursorType"] = cfg.Cursor.Type
	}
	if snap.CurrentSnapshotID != nil {
		cacheVars["currentSnapshotId"] = *snap.CurrentSnapshotID
	}
	if snap.CurrentCommittedAt != nil {
		cacheVars["currentCommittedAt"] = *snap.CurrentCommittedAt
	}
	if snap.PreviousSnapshotID != nil {
		cacheVars["previousSnapshotId"] = *snap.PreviousSnapshotID
	}
	if snap.PreviousCommittedAt != nil {
		cacheVars["previousCommittedAt"] = *snap.PreviousCommittedAt
	}

	tmplCtx := tmpl.NewContext(params, map[string]string{"alias": lakeAlias}, nil).WithCache(cacheVars)

	var rowsAffected int64
	renderErr := e.renderAndExecute(ctx, cfg.TemplateFile, tmplCtx, &rowsAffected)

	status := "success"
	message := ""
	if renderErr != nil {
		status = "error"
		message = renderErr.Error()
	}

	snapshotID := ""
	if snap.CurrentSnapshotID != nil {
		snapshotID = *snap.CurrentSnapshotID
	}
	e.writeAudit(ctx, cfg.Catalog, auditRow{
		endpointPath: ep.URLPath,
		cacheTable:   cfg.Table,
		cacheSchema:  cfg.Schema,
		syncType:     string(mode),
		status:       status,
		message:      message,
		snapshotID:   snapshotID,
		rowsAffected: rowsAffected,
		startedAt:    startedAt,
		completedAt:  time.Now(),
	})

	if renderErr != nil {
		return renderErr
	}

	if cfg.Retention.KeepLastSnapshots != nil || cfg.Retention.MaxSnapshotAge != "" {
		if err := e.expireSnapshots(ctx, cfg.Catalog, cfg.Retention); err != nil {
			logging.Warn("cache snapshot retention failed", map[string]any{
				"endpoint": ep.URLPath,
				"catalog":  cfg.Catalog,
				"error":    err.Error(),
			})
		}
	}

	return nil
}

// renderAndExecute renders the cache template file against ctx and
// executes it. rowsAffected is not written: the engine's Exec reports
// no row count, so the caller's value is left as it was.
func (e *Engine) renderAndExecute(ctx context.Context, templateFile string, tmplCtx *tmpl.Context, rowsAffected *int64) error {
	raw, err := os.ReadFile(templateFile)
	if err != nil {
		return apperror.New(apperror.KindCache, "failed to read cache template file", err)
	}

	rendered, err := e.tmplEngine.ExecuteInline(string(raw), tmplCtx)
	if err != nil {
		return apperror.New(apperror.KindCache, "failed to render cache template", err)
	}

	for _, stmt := range splitStatements(rendered) {
		if err := e.handle.Exec(ctx, "", stmt); err != nil {
			return apperror.New(apperror.KindCache, "cache refresh statement failed", err)
		}
	}
	return nil
}

// splitStatements separates a rendered template's SQL into individual
// statements on semicolon boundaries, the same convention the engine
// uses for connection init blocks.
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

type auditRow struct {
	endpointPath string
	cacheTable   string
	cacheSchema  string
	syncType     string
	status       string
	message      string
	snapshotID   string
	rowsAffected int64
	startedAt    time.Time
	completedAt  time.Time
}

// writeAudit inserts one row into <catalog>.audit.sync_events. Audit
// failures are logged, not propagated — losing an audit record must
// never fail the refresh it describes.
func (e *Engine) writeAudit(ctx context.Context, catalog string, row auditRow) {
	query := fmt.Sprintf(`INSERT INTO %s.audit.sync_events
		(event_id, endpoint_path, cache_table, cache_schema, sync_type, status, message, snapshot_id, rows_affected, sync_started_at, sync_completed_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, catalog)

	_, err := e.handle.Query(ctx, "", query,
		uuid.NewString(),
		row.endpointPath,
		row.cacheTable,
		row.cacheSchema,
		row.syncType,
		row.status,
		row.message,
		row.snapshotID,
		row.rowsAffected,
		row.startedAt.Format(time.RFC3339),
		row.completedAt.Format(time.RFC3339),
		row.completedAt.Sub(row.startedAt).Milliseconds(),
	)
	if err != nil {
		logging.Warn("cache audit write failed", map[string]any{"catalog": catalog, "error": err.Error()})
	}
}

// expireSnapshots applies the endpoint's retention policy via
// ducklake_expire_snapshots. Retention failures are the caller's
// concern to log, not this function's.
func (e *Engine) expireSnapshots(ctx context.Context, catalog string, ret config.RetentionConfig) error {
	var stmt string
	switch {
	case ret.MaxSnapshotAge != "":
		stmt = fmt.Sprintf("CALL ducklake_expire_snapshots(%s, older_than := CURRENT_TIMESTAMP - INTERVAL '%s')", sqlLiteral(catalog), ret.MaxSnapshotAge)
	case ret.KeepLastSnapshots != nil:
		stmt = fmt.Sprintf("CALL ducklake_expire_snapshots(%s, versions := ARRAY[0:%d])", sqlLiteral(catalog), *ret.KeepLastSnapshots)
	default:
		return nil
	}
	if err := e.handle.Exec(ctx, "", stmt); err != nil {
		return apperror.New(apperror.KindCache, "snapshot retention failed", err)
	}
	return nil
}

// GC runs an independent garbage-collection pass for one endpoint:
// expire snapshots older than a day and record a garbage_collection
// audit row, regardless of whether the endpoint configured its own
// retention policy.
func (e *Engine) GC(ctx context.Context, ep *config.EndpointConfig) error {
	cfg := ep.Cache
	startedAt := time.Now()

	stmt := fmt.Sprintf("CALL ducklake_expire_snapshots(%s, older_than := CURRENT_TIMESTAMP - INTERVAL '1 day')", sqlLiteral(cfg.Catalog))
	gcErr := e.handle.Exec(ctx, "", stmt)

	status := "success"
	message := ""
	if gcErr != nil {
		status = "error"
		message = gcErr.Error()
	}

	e.writeAudit(ctx, cfg.Catalog, auditRow{
		endpointPath: ep.URLPath,
		cacheTable:   cfg.Table,
		cacheSchema:  cfg.Schema,
		syncType:     "garbage_collection",
		status:       status,
		message:      message,
		startedAt:    startedAt,
		completedAt:  time.Now(),
	})

	return gcErr
}

func sqlLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func strPtr(s string) *string { return &s }
