package trackerdb

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"testing"
)

func buildArchive(t *testing.T, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range files {
		entry, err := w.Create(name)
		if err != nil {
			t.Fatalf("create zip entry %s: %v", name, err)
		}
		if _, err := entry.Write(data); err != nil {
			t.Fatalf("write zip entry %s: %v", name, err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close zip writer: %v", err)
	}
	return buf.Bytes()
}

func TestExtractDatabaseJSONPrefersCandidateNames(t *testing.T) {
	t.Parallel()

	want := []byte(`{"patterns": {"t": {"domains": ["t.example"]}}}`)
	archive := buildArchive(t, map[string][]byte{
		"readme.json":              []byte(`{"note": "not the database"}`),
		"release/dist/trackerdb.json": want,
	})

	got, err := extractDatabaseJSON(archive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected candidate file content, got %s", got)
	}
}

func TestExtractDatabaseJSONHeuristicByEntryCount(t *testing.T) {
	t.Parallel()

	big := map[string]any{}
	for i := 0; i < 60; i++ {
		big[fmt.Sprintf("tracker_%d", i)] = map[string]any{"domains": []string{"x.example"}}
	}
	data, err := json.Marshal(big)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	archive := buildArchive(t, map[string][]byte{"unnamed_export.json": data})

	got, err := extractDatabaseJSON(archive)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !looksLikeDatabase(got) {
		t.Fatal("extracted file should satisfy the database heuristic")
	}
}

func TestExtractDatabaseJSONRejectsArchiveWithoutData(t *testing.T) {
	t.Parallel()

	archive := buildArchive(t, map[string][]byte{
		"readme.md":  []byte("hello"),
		"small.json": []byte(`{"only": "one entry"}`),
	})
	if _, err := extractDatabaseJSON(archive); err == nil {
		t.Fatal("expected error for archive without database file")
	}

	if _, err := extractDatabaseJSON([]byte("not a zip")); err == nil {
		t.Fatal("expected error for malformed archive")
	}
}

func TestLooksLikeDatabase(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data string
		want bool
	}{
		{"patterns key", `{"patterns": {}}`, true},
		{"trackers key", `{"trackers": {}}`, true},
		{"small object", `{"a": 1, "b": 2}`, false},
		{"array", `[1, 2, 3]`, false},
	}
	for _, tc := range cases {
		if got := looksLikeDatabase([]byte(tc.data)); got != tc.want {
			t.Errorf("%s: looksLikeDatabase = %v, want %v", tc.name, got, tc.want)
		}
	}
}
