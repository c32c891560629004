package table

import "testing"

func TestIsMetadataTable(t *testing.T) {
	cases := map[string]bool{
		"sqlite_sequence":   true,
		"sqlite_master":     true,
		"sqlite_stat1":      true,
		"feather_metadata":  true,
		"import_history":    true,
		"data_lineage":      true,
		"prefetch_entries":  false,
		"srum_app_timeline": false,
	}
	for name, want := range cases {
		if got := isMetadataTable(name); got != want {
			t.Errorf("isMetadataTable(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestAttachSchemaNameSanitizesPath(t *testing.T) {
	got := attachSchemaName("/evidence/case-001/Prefetch Cache.db")
	want := "src_Prefetch_Cache"
	if got != want {
		t.Errorf("attachSchemaName() = %q, want %q", got, want)
	}
}

func TestQuoteIdentEscapesDoubleQuotes(t *testing.T) {
	got := quoteIdent(`weird"table`)
	want := `"weird""table"`
	if got != want {
		t.Errorf("quoteIdent() = %q, want %q", got, want)
	}
}
