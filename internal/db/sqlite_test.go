package db

import (
	"testing"
)

func TestNewSQLiteDriver_InMemory(t *testing.T) {
	driver, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()
}

func TestNewSQLiteDriver_MissingPath(t *testing.T) {
	_, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite"})
	if err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestNewSQLiteDriver_CustomPragmas(t *testing.T) {
	busyTimeout := 2000
	driver, err := NewSQLiteDriver(DatabaseConfig{
		Name:          "test",
		Type:          "sqlite",
		Path:          ":memory:",
		BusyTimeoutMs: &busyTimeout,
		JournalMode:   "memory",
	})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()
}

func TestSQLiteDriver_QuerySimple(t *testing.T) {
	driver, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()

	rows, err := driver.Query(t.Context(), SessionConfig{}, "SELECT 1 AS num", nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["num"] != int64(1) {
		t.Errorf("unexpected rows: %#v", rows)
	}
}

func TestSQLiteDriver_QueryWithParams(t *testing.T) {
	driver, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()

	rows, err := driver.Query(t.Context(), SessionConfig{}, "SELECT @id AS id, @name AS name", map[string]any{
		"id":   42,
		"name": "widget",
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 1 || rows[0]["id"] != int64(42) || rows[0]["name"] != "widget" {
		t.Errorf("unexpected rows: %#v", rows)
	}
}

func TestSQLiteDriver_QueryEmptyResult(t *testing.T) {
	driver, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()

	rows, err := driver.Query(t.Context(), SessionConfig{}, "SELECT 1 AS num WHERE 1 = 0", nil)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected 0 rows, got %d", len(rows))
	}
}

func TestSQLiteDriver_QueryConcurrent(t *testing.T) {
	driver, err := NewSQLiteDriver(DatabaseConfig{Name: "test", Type: "sqlite", Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create driver: %v", err)
	}
	defer driver.Close()

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := driver.Query(t.Context(), SessionConfig{}, "SELECT 1", nil)
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent query failed: %v", err)
		}
	}
}

func TestSQLiteDriver_TranslateQuery(t *testing.T) {
	driver := &SQLiteDriver{}
	query, args := driver.translateQuery("SELECT * FROM t WHERE id = @id AND id = @id", map[string]any{"id": 1})
	if query != "SELECT * FROM t WHERE id = @id AND id = @id" {
		t.Errorf("unexpected query: %s", query)
	}
	if len(args) != 1 {
		t.Errorf("expected @id deduplicated to 1 arg, got %d", len(args))
	}
}
