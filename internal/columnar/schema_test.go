package columnar

import "testing"

func TestMappingForKnownEngineTypes(t *testing.T) {
	cases := map[string]string{
		"BOOLEAN":   "b",
		"TINYINT":   "c",
		"BIGINT":    "l",
		"UBIGINT":   "L",
		"DOUBLE":    "g",
		"VARCHAR":   "u",
		"BLOB":      "z",
		"DATE":      "tdD",
		"TIME":      "ttu",
		"TIMESTAMP": "tsu:",
		"INTERVAL":  "tiM",
	}
	for engineType, wantFormat := range cases {
		got := mappingFor(engineType)
		if got.format != wantFormat {
			t.Errorf("mappingFor(%q).format = %q, want %q", engineType, got.format, wantFormat)
		}
	}
}

func TestMappingForCaseInsensitive(t *testing.T) {
	if mappingFor("varchar").format != "u" {
		t.Fatal("expected lowercase engine type names to resolve the same as uppercase")
	}
}

func TestMappingForUnsupportedFallsBackToEmptyFormatString(t *testing.T) {
	m := mappingFor("HUGEINT")
	if m.format != "" {
		t.Fatalf("expected unsupported type to fall back to empty-string format, got %q", m.format)
	}
	if m.kind != kindString {
		t.Fatalf("expected unsupported type to fall back to string conversion, got kind %v", m.kind)
	}
}
