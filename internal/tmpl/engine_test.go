package tmpl

import "testing"

func TestExecuteInlineScopes(t *testing.T) {
	e := New()
	ctx := NewContext(
		map[string]any{"status": "active"},
		map[string]string{"schema": "public"},
		map[string]string{"REGION": "eu-west-1"},
	)

	out, err := e.ExecuteInline("SELECT * FROM {{.conn.schema}}.orders WHERE status = '{{.params.status}}' AND region = '{{.env.REGION}}'", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "SELECT * FROM public.orders WHERE status = 'active' AND region = 'eu-west-1'"
	if out != want {
		t.Fatalf("got %q want %q", out, want)
	}
}

func TestExecuteInlineCacheScope(t *testing.T) {
	e := New()
	ctx := NewContext(nil, nil, nil).WithCache(map[string]string{"currentWatermark": "2024-01-01"})

	out, err := e.ExecuteInline("SELECT * FROM src WHERE updated_at > '{{.cache.currentWatermark}}'", ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "SELECT * FROM src WHERE updated_at > '2024-01-01'" {
		t.Fatalf("unexpected render: %q", out)
	}
}

func TestRegisterAndExecute(t *testing.T) {
	e := New()
	if err := e.Register("q", "SELECT {{.params.id}}"); err != nil {
		t.Fatalf("register: %v", err)
	}
	out, err := e.Execute("q", NewContext(map[string]any{"id": 7}, nil, nil))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "SELECT 7" {
		t.Fatalf("got %q", out)
	}
}

func TestValidateRejectsUnknownScope(t *testing.T) {
	e := New()
	if err := e.Validate("SELECT {{.request.id}}"); err == nil {
		t.Fatalf("expected error for unknown scope")
	}
}

func TestValidateAcceptsKnownScopes(t *testing.T) {
	e := New()
	for _, tmplStr := range []string{
		"SELECT {{.params.id}}",
		"SELECT {{.conn.schema}}",
		"SELECT {{.env.REGION}}",
		"SELECT {{.cache.currentWatermark}}",
	} {
		if err := e.Validate(tmplStr); err != nil {
			t.Fatalf("tmpl %q: unexpected error: %v", tmplStr, err)
		}
	}
}

func TestValidateWithParamsRejectsUndeclared(t *testing.T) {
	e := New()
	err := e.ValidateWithParams("SELECT {{.params.missing}}", []string{"id"})
	if err == nil {
		t.Fatalf("expected error for undeclared param reference")
	}
}

func TestValidateWithParamsAcceptsDeclared(t *testing.T) {
	e := New()
	if err := e.ValidateWithParams("SELECT {{.params.id}}", []string{"id"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSplitCacheVars(t *testing.T) {
	raw := map[string]string{
		"currentSnapshotId": "snapshot_123",
		"status":            "active",
	}
	cache, rest := SplitCacheVars(raw)
	if cache["currentSnapshotId"] != "snapshot_123" {
		t.Fatalf("expected cache var extracted")
	}
	if _, ok := rest["currentSnapshotId"]; ok {
		t.Fatalf("cache var must not remain in rest")
	}
	if rest["status"] != "active" {
		t.Fatalf("expected non-cache var to remain in rest")
	}
}

func TestExtractParamRefs(t *testing.T) {
	refs := ExtractParamRefs("SELECT {{.params.id}}, {{.params.name}} WHERE {{.params.id}} > 0")
	if len(refs) != 2 {
		t.Fatalf("expected 2 unique refs, got %v", refs)
	}
}

func TestHelperFunctions(t *testing.T) {
	e := New()
	cases := map[string]string{
		`{{upper "abc"}}`:           "ABC",
		`{{add 1 2}}`:               "3",
		`{{default "x" ""}}`:        "x",
		`{{coalesce "" "" "z"}}`:    "z",
		`{{if isEmail "a@b.com"}}yes{{end}}`: "yes",
	}
	for tmplStr, want := range cases {
		out, err := e.ExecuteInline(tmplStr, NewContext(nil, nil, nil))
		if err != nil {
			t.Fatalf("tmpl %q: %v", tmplStr, err)
		}
		if out != want {
			t.Fatalf("tmpl %q: got %q want %q", tmplStr, out, want)
		}
	}
}
