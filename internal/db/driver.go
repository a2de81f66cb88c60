package db

import (
	"context"
	"fmt"
)

// DatabaseConfig describes one secondary named connection the engine
// wrapper can hand off to — a federated mssql or sqlite source that
// isn't the primary analytical engine. This is intentionally separate
// from the gateway's own config.ConnectionConfig (which only carries
// init SQL and template-visible properties): a secondary connection is
// driven out of a ConnectionConfig's Properties map by internal/engine,
// which populates one of these per properties["type"] it recognizes.
type DatabaseConfig struct {
	Name string
	Type string // sqlserver | sqlite

	Host     string
	Port     int
	User     string
	Password string
	Database string

	Path string // sqlite file path or :memory:

	ReadOnly *bool

	BusyTimeoutMs *int
	JournalMode   string
}

// IsReadOnly defaults to true when unset, matching the gateway's
// safety-first connection posture.
func (d *DatabaseConfig) IsReadOnly() bool {
	if d.ReadOnly == nil {
		return true
	}
	return *d.ReadOnly
}

// SessionConfig holds resolved per-query session settings, applied at
// the start of every Query call since pooled connections may be reused
// across requests with different settings.
type SessionConfig struct {
	Isolation        string
	LockTimeoutMs    int
	DeadlockPriority string
}

// Driver is the interface both dialect implementations satisfy. It is
// deliberately narrow: just what internal/engine's secondary-connection
// registry actually calls (Query, and Close on teardown) rather than the
// teacher's fuller lifecycle (Ping/Reconnect/Name/Type/IsReadOnly/Config),
// none of which any caller here exercises.
type Driver interface {
	// Query executes a query with named parameters. SQL uses @param
	// syntax; each driver translates it to its own dialect.
	Query(ctx context.Context, sessCfg SessionConfig, query string, params map[string]any) ([]map[string]any, error)

	Close() error
}

// NewDriver creates a database driver based on the config type.
func NewDriver(cfg DatabaseConfig) (Driver, error) {
	switch cfg.Type {
	case "sqlserver", "":
		// Default to sqlserver for backwards compatibility.
		return NewSQLServerDriver(cfg)
	case "sqlite":
		return NewSQLiteDriver(cfg)
	case "mysql":
		return nil, fmt.Errorf("mysql support not yet implemented")
	case "postgres":
		return nil, fmt.Errorf("postgres support not yet implemented")
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}
}
