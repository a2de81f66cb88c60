package db

import (
	"strings"
	"testing"
)

func TestNewDriver_SQLite(t *testing.T) {
	cfg := DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"}

	driver, err := NewDriver(cfg)
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()

	if _, ok := driver.(*SQLiteDriver); !ok {
		t.Error("expected *SQLiteDriver")
	}
}

func TestNewDriver_EmptyTypeDefaultsToSQLServer(t *testing.T) {
	// Empty type falls through to the sqlserver branch (backwards
	// compatibility with the teacher's single-database-type configs);
	// it still fails because there's no real SQL Server to dial.
	cfg := DatabaseConfig{Name: "test", Type: "", Host: "localhost", Port: 1433}

	if _, err := NewDriver(cfg); err == nil {
		t.Error("expected a connection error with no SQL Server listening")
	}
}

func TestNewDriver_MySQLNotImplemented(t *testing.T) {
	_, err := NewDriver(DatabaseConfig{Name: "test", Type: "mysql"})
	if err == nil || !strings.Contains(err.Error(), "mysql support not yet implemented") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewDriver_PostgresNotImplemented(t *testing.T) {
	_, err := NewDriver(DatabaseConfig{Name: "test", Type: "postgres"})
	if err == nil || !strings.Contains(err.Error(), "postgres support not yet implemented") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewDriver_UnknownType(t *testing.T) {
	_, err := NewDriver(DatabaseConfig{Name: "test", Type: "oracle"})
	if err == nil || !strings.Contains(err.Error(), "unknown database type: oracle") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewDriver_SQLiteInvalidPath(t *testing.T) {
	_, err := NewDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ""})
	if err == nil || !strings.Contains(err.Error(), "path is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

// TestDriverInterface_Polymorphism exercises the Driver interface through
// more than one dialect implementation, the same way internal/engine's
// secondaryRegistry holds a mix of drivers behind one map.
func TestDriverInterface_Polymorphism(t *testing.T) {
	var drivers []Driver
	for i := 0; i < 2; i++ {
		d, err := NewDriver(DatabaseConfig{Name: "db", Type: "sqlite", Path: ":memory:"})
		if err != nil {
			t.Fatalf("failed to create driver: %v", err)
		}
		drivers = append(drivers, d)
	}
	defer func() {
		for _, d := range drivers {
			d.Close()
		}
	}()

	ctx := t.Context()
	for _, d := range drivers {
		rows, err := d.Query(ctx, SessionConfig{}, "SELECT 1 AS n", nil)
		if err != nil {
			t.Errorf("query failed: %v", err)
		}
		if len(rows) != 1 {
			t.Errorf("expected 1 row, got %d", len(rows))
		}
	}
}
