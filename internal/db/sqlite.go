package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteDriver implements Driver for SQLite.
type SQLiteDriver struct {
	conn *sql.DB
	cfg  DatabaseConfig
}

// NewSQLiteDriver creates a new SQLite driver.
func NewSQLiteDriver(cfg DatabaseConfig) (*SQLiteDriver, error) {
	readOnly := cfg.IsReadOnly()

	dsn := cfg.Path
	if dsn == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}

	// _txlock=immediate: acquire the write lock at transaction start to
	// avoid SQLITE_BUSY deadlocks between concurrent writers.
	// mode=ro: read-only mode, ignored for the in-memory DSN.
	var params []string
	if !readOnly {
		params = append(params, "_txlock=immediate")
	}
	if readOnly && dsn != ":memory:" {
		params = append(params, "mode=ro")
	}

	if len(params) > 0 {
		separator := "?"
		if strings.Contains(dsn, "?") {
			separator = "&"
		}
		dsn += separator + strings.Join(params, "&")
	}

	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	configureSQLitePool(conn)

	driver := &SQLiteDriver{conn: conn, cfg: cfg}
	if err := driver.applyInitialPragmas(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to apply initial pragmas: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	return driver, nil
}

func configureSQLitePool(conn *sql.DB) {
	// SQLite is single-writer; WAL mode lets reads proceed concurrently.
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(2 * time.Minute)
}

// applyInitialPragmas sets the database-level pragmas once at open time.
func (d *SQLiteDriver) applyInitialPragmas() error {
	busyTimeout := 5000
	if d.cfg.BusyTimeoutMs != nil {
		busyTimeout = *d.cfg.BusyTimeoutMs
	}

	journalMode := d.cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout),
		fmt.Sprintf("PRAGMA journal_mode = %s", journalMode),
	}

	if strings.ToLower(journalMode) == "wal" {
		pragmas = append(pragmas,
			"PRAGMA synchronous = NORMAL",
			"PRAGMA wal_autocheckpoint = 1000",
		)
	}

	pragmas = append(pragmas,
		"PRAGMA temp_store = MEMORY",
		"PRAGMA cache_size = -64000",
		"PRAGMA mmap_size = 268435456",
		"PRAGMA foreign_keys = ON",
	)

	for _, pragma := range pragmas {
		if _, err := d.conn.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

func (d *SQLiteDriver) Close() error {
	return d.conn.Close()
}

// configureSession sets the per-connection pragmas that don't persist at
// the database level; called once per Query since pooled connections may
// be reused across requests.
func (d *SQLiteDriver) configureSession(ctx context.Context, conn *sql.Conn, sessCfg SessionConfig) error {
	busyTimeout := 5000
	if d.cfg.BusyTimeoutMs != nil {
		busyTimeout = *d.cfg.BusyTimeoutMs
	}

	journalMode := d.cfg.JournalMode
	if journalMode == "" {
		journalMode = "wal"
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeout),
		fmt.Sprintf("PRAGMA journal_mode = %s", journalMode),
		"PRAGMA foreign_keys = ON",
	}

	if strings.ToLower(journalMode) == "wal" {
		pragmas = append(pragmas, "PRAGMA synchronous = NORMAL")
	}

	for _, pragma := range pragmas {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Query executes a SQL query and returns results as a slice of maps.
// SQL uses @param syntax, which modernc.org/sqlite supports directly via
// sql.Named.
func (d *SQLiteDriver) Query(ctx context.Context, sessCfg SessionConfig, query string, params map[string]any) ([]map[string]any, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn, sessCfg); err != nil {
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}

	translatedQuery, args := d.translateQuery(query, params)

	rows, err := conn.QueryContext(ctx, translatedQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// translateQuery keeps @param syntax for SQLite and builds the matching
// sql.Named args.
func (d *SQLiteDriver) translateQuery(query string, params map[string]any) (string, []any) {
	re := regexp.MustCompile(`@(\w+)`)
	matches := re.FindAllStringSubmatch(query, -1)

	addedParams := make(map[string]bool)
	var args []any

	for _, match := range matches {
		paramName := match[1]
		if addedParams[paramName] {
			continue
		}

		value := params[paramName] // nil if not present
		args = append(args, sql.Named(paramName, value))
		addedParams[paramName] = true
	}

	return query, args
}
