package negotiate

import (
	"net/http/httptest"
	"testing"

	"flapi/internal/config"
)

func allFormatsCfg() config.ResponseFormatConfig {
	return config.ResponseFormatConfig{
		Formats:      []string{"json", "csv", "arrow"},
		Default:      "json",
		ArrowEnabled: true,
	}
}

func TestSelectFromQueryValid(t *testing.T) {
	sel, err := Select("csv", "", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatCSV {
		t.Fatalf("expected csv, got %s", sel.Format)
	}
}

func TestSelectFromQueryArrowRequiresEnabled(t *testing.T) {
	cfg := allFormatsCfg()
	cfg.ArrowEnabled = false
	if _, err := Select("arrow", "", cfg); err == nil {
		t.Fatal("expected an error when arrow is requested but disabled")
	}
}

func TestSelectFromQueryRejectsUnlistedFormat(t *testing.T) {
	cfg := config.ResponseFormatConfig{Formats: []string{"json"}, Default: "json"}
	if _, err := Select("csv", "", cfg); err == nil {
		t.Fatal("expected an error for a format not in the endpoint's formats list")
	}
}

func TestSelectFromAcceptPicksHighestQ(t *testing.T) {
	sel, err := Select("", "text/csv;q=0.5, application/json;q=0.9", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatJSON {
		t.Fatalf("expected json (higher q), got %s", sel.Format)
	}
}

func TestSelectFromAcceptSkipsZeroQ(t *testing.T) {
	sel, err := Select("", "application/json;q=0, text/csv;q=0.8", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatCSV {
		t.Fatalf("expected csv since json has q=0, got %s", sel.Format)
	}
}

func TestSelectFromAcceptSkipsDisabledFormat(t *testing.T) {
	cfg := config.ResponseFormatConfig{Formats: []string{"json"}, Default: "json"}
	sel, err := Select("", "text/csv;q=0.9, application/json;q=0.1", cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatJSON {
		t.Fatalf("expected json since csv isn't enabled, got %s", sel.Format)
	}
}

func TestSelectFromAcceptWildcardUsesDefault(t *testing.T) {
	sel, err := Select("", "*/*", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatJSON {
		t.Fatalf("expected default json for */*, got %s", sel.Format)
	}
}

func TestSelectFromAcceptEmptyUsesDefault(t *testing.T) {
	sel, err := Select("", "", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatJSON {
		t.Fatalf("expected default json for empty Accept, got %s", sel.Format)
	}
}

func TestSelectArrowExtractsCodec(t *testing.T) {
	sel, err := Select("", "application/vnd.apache.arrow.stream;codec=zstd", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatArrow || sel.ArrowCodec != "zstd" {
		t.Fatalf("expected arrow/zstd, got %s/%s", sel.Format, sel.ArrowCodec)
	}
}

func TestSelectArrowIgnoresUnknownCodec(t *testing.T) {
	sel, err := Select("", "application/vnd.apache.arrow.stream;codec=snappy", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.ArrowCodec != "" {
		t.Fatalf("expected unknown codec to be ignored, got %q", sel.ArrowCodec)
	}
}

func TestSelectUnparseableAcceptFallsBackToDefault(t *testing.T) {
	sel, err := Select("", "not a valid accept header !!!", allFormatsCfg())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sel.Format != FormatJSON {
		t.Fatalf("expected default json fallback, got %s", sel.Format)
	}
}

func TestWriteJSONEnvelopeSetsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	env := Envelope{Data: []map[string]any{{"id": 1}}, Next: "/next", TotalCount: 42}
	if err := WriteJSON(rec, env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Header().Get("X-Total-Count") != "42" {
		t.Fatalf("expected X-Total-Count header, got %q", rec.Header().Get("X-Total-Count"))
	}
	if rec.Header().Get("X-Next") != "/next" {
		t.Fatalf("expected X-Next header, got %q", rec.Header().Get("X-Next"))
	}
}

func TestWriteCSVQuotesSpecialCharacters(t *testing.T) {
	rec := httptest.NewRecorder()
	rows := []map[string]any{{"name": `say "hi", bob`}}
	if err := WriteCSV(rec, []string{"name"}, rows); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	body := rec.Body.String()
	want := "name\n\"say \"\"hi\"\", bob\"\n"
	if body != want {
		t.Fatalf("expected %q, got %q", want, body)
	}
}
