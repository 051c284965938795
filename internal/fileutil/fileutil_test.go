package fileutil

import (
	"os"
	"path/filepath"
	"testing"
)

type snapshot struct {
	Counters map[string]int64 `json:"counters"`
}

func TestWriteJSONAtomic_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")

	in := snapshot{Counters: map[string]int64{"security:ddos:global": 42}}
	if err := WriteJSONAtomic(path, in, 0o600); err != nil {
		t.Fatalf("WriteJSONAtomic failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("perm = %v, want 0600", info.Mode().Perm())
	}

	var out snapshot
	if err := ReadJSON(path, &out); err != nil {
		t.Fatalf("ReadJSON failed: %v", err)
	}
	if out.Counters["security:ddos:global"] != 42 {
		t.Errorf("counter = %d, want 42", out.Counters["security:ddos:global"])
	}

	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("expected only the snapshot file, found %d entries", len(entries))
	}
}

func TestReadJSON_Errors(t *testing.T) {
	dir := t.TempDir()

	var out snapshot
	if err := ReadJSON(filepath.Join(dir, "missing.json"), &out); !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := ReadJSON(bad, &out); err == nil {
		t.Error("expected parse error")
	}
}
