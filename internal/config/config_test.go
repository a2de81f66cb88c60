package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"flapi/internal/config"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flapi.yaml"), `
project:
  name: test
server:
  port: 8080
connections:
  primary:
    init: ""
endpoints:
  directory: endpoints
`)
	writeFile(t, filepath.Join(dir, "endpoints", "orders.yaml"), `
url-path: /orders
method: GET
template-source: orders.sql
connection: [primary]
`)
	writeFile(t, filepath.Join(dir, "endpoints", "orders.sql"), `SELECT 1`)

	res, err := config.Load(filepath.Join(dir, "flapi.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Config.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", res.Config.Server.Port)
	}
	if len(res.Endpoints) != 1 {
		t.Fatalf("expected 1 endpoint, got %d", len(res.Endpoints))
	}
	if res.Endpoints[0].GetIdentifier() != "/orders" {
		t.Errorf("unexpected identifier: %s", res.Endpoints[0].GetIdentifier())
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("FLAPI_PORT", "9090")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flapi.yaml"), `
server:
  port: ${FLAPI_PORT}
connections: {}
endpoints:
  directory: endpoints
`)
	if err := os.MkdirAll(filepath.Join(dir, "endpoints"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	res, err := config.Load(filepath.Join(dir, "flapi.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Config.Server.Port != 9090 {
		t.Errorf("expected env-expanded port 9090, got %d", res.Config.Server.Port)
	}
}

func TestLoadExpandsDefaultWhenEnvUnset(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flapi.yaml"), `
server:
  port: ${FLAPI_MISSING_PORT:-7000}
connections: {}
`)

	res, err := config.Load(filepath.Join(dir, "flapi.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Config.Server.Port != 7000 {
		t.Errorf("expected default port 7000, got %d", res.Config.Server.Port)
	}
}

func TestLoadSkipsInvalidEndpointWithDiagnostic(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flapi.yaml"), `
server:
  port: 8080
connections:
  primary:
    init: ""
endpoints:
  directory: endpoints
`)
	writeFile(t, filepath.Join(dir, "endpoints", "bad.yaml"), `
url-path: orders
method: GET
`)

	res, err := config.Load(filepath.Join(dir, "flapi.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Endpoints) != 0 {
		t.Fatalf("expected the malformed endpoint to be skipped, got %d", len(res.Endpoints))
	}
	if len(res.Diagnostics) == 0 {
		t.Fatalf("expected a diagnostic for the malformed endpoint")
	}
}

func TestLoadRejectsHTTPSWithoutCertAndKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "flapi.yaml"), `
server:
  port: 8443
  https:
    enabled: true
connections: {}
`)

	if _, err := config.Load(filepath.Join(dir, "flapi.yaml")); err == nil {
		t.Fatalf("expected error for https enabled without cert/key")
	}
}

func TestCacheConfigModeDerivation(t *testing.T) {
	full := config.CacheConfig{}
	if full.Mode() != config.CacheModeFull {
		t.Errorf("expected full mode with no cursor, got %s", full.Mode())
	}

	appendMode := config.CacheConfig{Cursor: &config.CursorConfig{Column: "updated_at"}}
	if appendMode.Mode() != config.CacheModeAppend {
		t.Errorf("expected append mode with cursor and no primary keys, got %s", appendMode.Mode())
	}

	merge := config.CacheConfig{
		Cursor:      &config.CursorConfig{Column: "updated_at"},
		PrimaryKeys: []string{"id"},
	}
	if merge.Mode() != config.CacheModeMerge {
		t.Errorf("expected merge mode with cursor and primary keys, got %s", merge.Mode())
	}
}

func TestEndpointSetReplaceOneAndSnapshot(t *testing.T) {
	a := &config.EndpointConfig{URLPath: "/a"}
	b := &config.EndpointConfig{URLPath: "/b"}
	es := config.NewEndpointSet([]*config.EndpointConfig{a, b})

	updated := &config.EndpointConfig{URLPath: "/a", Method: "POST"}
	es.ReplaceOne(updated)

	snap := es.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 endpoints after replace, got %d", len(snap))
	}
	for _, e := range snap {
		if e.URLPath == "/a" && e.Method != "POST" {
			t.Errorf("expected /a to be replaced with method POST, got %q", e.Method)
		}
	}
}

func TestEndpointSetReplaceOneAppendsUnknown(t *testing.T) {
	es := config.NewEndpointSet(nil)
	es.ReplaceOne(&config.EndpointConfig{URLPath: "/new"})
	if len(es.Snapshot()) != 1 {
		t.Fatalf("expected the new endpoint to be appended")
	}
}

func TestPreventsSQLInjectionDefaultsTrue(t *testing.T) {
	f := config.RequestFieldConfig{Name: "id"}
	if !f.PreventsSQLInjection() {
		t.Errorf("expected default-on SQL injection guard")
	}
	disabled := false
	f.PreventSQLInjection = &disabled
	if f.PreventsSQLInjection() {
		t.Errorf("expected guard to honor explicit false")
	}
}
