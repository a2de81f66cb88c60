package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"flapi/internal/config"
)

// Engine is the minimal SQL surface the secret-table backing needs:
// execute a statement (the connection's init block, table creation)
// and run a query returning rows as generic maps.
type Engine interface {
	Exec(ctx context.Context, conn, stmt string) error
	Query(ctx context.Context, conn, query string, args ...any) ([]map[string]any, error)
}

// SecretTableLookup backs UserLookup with a credential store
// materialized from an external secret manager. On first use it (a)
// runs the connection's init statement to refresh the credential
// handle, (b) ensures the dedicated auth_<sanitized> table (a single
// JSON column) exists, then (c) every lookup queries that table
// directly. It does not insert the secret payload into the table, so
// lookups find only rows that are already present in it.
type SecretTableLookup struct {
	engine   Engine
	conn     string
	initStmt string
	table    string

	once    sync.Once
	initErr error
}

// NewSecretTableLookup builds the backing for one `from-aws-secretmanager`
// endpoint. initStmt is the connection's configured `init` SQL block.
func NewSecretTableLookup(engine Engine, conn, initStmt string, cfg *config.SecretManagerConfig) *SecretTableLookup {
	return &SecretTableLookup{
		engine:   engine,
		conn:     conn,
		initStmt: initStmt,
		table:    "auth_" + sanitizeIdent(cfg.SecretName),
	}
}

var nonIdent = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

func sanitizeIdent(s string) string {
	return strings.Trim(nonIdent.ReplaceAllString(s, "_"), "_")
}

// Lookup returns a UserLookup bound to this backing's table, lazily
// materializing it on the first call.
func (s *SecretTableLookup) Lookup() UserLookup {
	return func(ctx context.Context, username string) (string, []string, bool) {
		s.once.Do(func() { s.initErr = s.materialize(ctx) })
		if s.initErr != nil {
			return "", nil, false
		}

		query := fmt.Sprintf(
			`SELECT j->>'password' AS password, j->'roles' AS roles FROM %s WHERE j->>'username' = ?`,
			s.table,
		)
		rows, err := s.engine.Query(ctx, s.conn, query, username)
		if err != nil || len(rows) == 0 {
			return "", nil, false
		}

		row := rows[0]
		password, _ := row["password"].(string)
		if password == "" {
			return "", nil, false
		}
		return password, extractRoles(row["roles"]), true
	}
}

func (s *SecretTableLookup) materialize(ctx context.Context) error {
	if s.initStmt != "" {
		if err := s.engine.Exec(ctx, s.conn, s.initStmt); err != nil {
			return fmt.Errorf("secret manager init statement: %w", err)
		}
	}
	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (j JSON)`, s.table)
	if err := s.engine.Exec(ctx, s.conn, create); err != nil {
		return fmt.Errorf("create secret table %s: %w", s.table, err)
	}
	return nil
}
