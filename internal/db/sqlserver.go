package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// SQLServerDriver implements Driver for Microsoft SQL Server.
type SQLServerDriver struct {
	conn *sql.DB
}

// NewSQLServerDriver creates a new SQL Server driver.
func NewSQLServerDriver(cfg DatabaseConfig) (*SQLServerDriver, error) {
	readOnly := cfg.IsReadOnly()

	// encrypt=disable: for an internal-VPC SQL Server; ApplicationIntent
	// routes read-only connections to an availability-group replica.
	var connStr string
	if readOnly {
		connStr = fmt.Sprintf(
			"server=%s;port=%d;user id=%s;password=%s;database=%s;encrypt=disable;connection timeout=10;ApplicationIntent=ReadOnly",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database,
		)
	} else {
		connStr = fmt.Sprintf(
			"server=%s;port=%d;user id=%s;password=%s;database=%s;encrypt=disable;connection timeout=10",
			cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database,
		)
	}

	conn, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	configureSQLServerPool(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLServerDriver{conn: conn}, nil
}

func configureSQLServerPool(conn *sql.DB) {
	// Low, conservative pool: this is a secondary connection, not the
	// primary analytical engine.
	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)
	conn.SetConnMaxIdleTime(2 * time.Minute)
}

func (d *SQLServerDriver) Close() error {
	return d.conn.Close()
}

// configureSession sets SQL Server session options for one query; called
// per Query since pooled connections may be reused across requests with
// different settings.
func (d *SQLServerDriver) configureSession(ctx context.Context, conn *sql.Conn, sessCfg SessionConfig) error {
	isolationSQL := isolationToSQL(sessCfg.Isolation)
	deadlockSQL := deadlockPriorityToSQL(sessCfg.DeadlockPriority)

	sessionSQL := fmt.Sprintf(`
		SET TRANSACTION ISOLATION LEVEL %s;
		SET LOCK_TIMEOUT %d;
		SET DEADLOCK_PRIORITY %s;
		SET NOCOUNT ON;
		SET IMPLICIT_TRANSACTIONS OFF;
		SET ARITHABORT ON;
	`, isolationSQL, sessCfg.LockTimeoutMs, deadlockSQL)

	_, err := conn.ExecContext(ctx, sessionSQL)
	return err
}

func isolationToSQL(isolation string) string {
	switch isolation {
	case "read_uncommitted":
		return "READ UNCOMMITTED"
	case "read_committed":
		return "READ COMMITTED"
	case "repeatable_read":
		return "REPEATABLE READ"
	case "serializable":
		return "SERIALIZABLE"
	case "snapshot":
		return "SNAPSHOT"
	default:
		return "READ COMMITTED"
	}
}

func deadlockPriorityToSQL(priority string) string {
	switch priority {
	case "low":
		return "LOW"
	case "normal":
		return "NORMAL"
	case "high":
		return "HIGH"
	default:
		return "LOW"
	}
}

// Query executes a SQL query and returns results as a slice of maps.
// SQL uses @param syntax, native to SQL Server.
func (d *SQLServerDriver) Query(ctx context.Context, sessCfg SessionConfig, query string, params map[string]any) ([]map[string]any, error) {
	conn, err := d.conn.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	defer conn.Close()

	if err := d.configureSession(ctx, conn, sessCfg); err != nil {
		return nil, fmt.Errorf("failed to configure session: %w", err)
	}

	args := d.buildArgs(query, params)

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

// buildArgs builds sql.Named arguments from the params map, in the order
// @params first appear in the query.
func (d *SQLServerDriver) buildArgs(query string, params map[string]any) []any {
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

	return args
}

// scanRows converts sql.Rows to []map[string]any, shared by both dialect
// drivers.
func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		row := make(map[string]any)
		for i, col := range columns {
			val := values[i]
			switch v := val.(type) {
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
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return results, nil
}
