package replay

import (
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"wormy/broker/internal/logging"
)

func TestCleanerEnforcesMaxBundles(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)
	writeBundle(t, tmp, "alpha", now.Add(-3*time.Hour), 64, true)
	writeBundle(t, tmp, "bravo", now.Add(-2*time.Hour), 32, true)
	writeBundle(t, tmp, "charlie", now.Add(-time.Hour), 48, false)

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxBundles: 2}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.RunOnce()

	remaining := listDirs(t, tmp)
	if len(remaining) != 2 || remaining[0] != "bravo" || remaining[1] != "charlie" {
		t.Fatalf("unexpected retained bundles: %v", remaining)
	}
	stats := cleaner.Stats()
	if stats.Bundles != 2 || stats.Complete != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	//1.- Each bundle holds its payload plus a two byte manifest, and a header when complete.
	if want := int64(32 + 2 + 2 + 48 + 2); stats.Bytes != want {
		t.Fatalf("expected %d bytes, got %d", want, stats.Bytes)
	}
	if stats.LastSweep.IsZero() {
		t.Fatal("expected last sweep timestamp to be recorded")
	}
}

func TestCleanerPrunesByAgeButProtectsLiveBundle(t *testing.T) {
	tmp := t.TempDir()
	now := time.Date(2024, 7, 16, 9, 0, 0, 0, time.UTC)
	writeBundle(t, tmp, "delta", now.Add(-48*time.Hour), 16, true)
	writeBundle(t, tmp, "echo", now.Add(-72*time.Hour), 3, false)
	writeBundle(t, tmp, "foxtrot", now.Add(-time.Hour), 5, true)
	if err := os.WriteFile(filepath.Join(tmp, "stray.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cleaner := NewCleaner(tmp, RetentionPolicy{MaxAge: 36 * time.Hour, MaxBundles: 5}, logging.NewTestLogger())
	cleaner.now = func() time.Time { return now }
	cleaner.Protect(filepath.Join(tmp, "echo"))
	cleaner.RunOnce()

	remaining := listDirs(t, tmp)
	if len(remaining) != 2 || remaining[0] != "echo" || remaining[1] != "foxtrot" {
		t.Fatalf("unexpected retained bundles: %v", remaining)
	}
	if _, err := os.Stat(filepath.Join(tmp, "stray.txt")); err != nil {
		t.Fatalf("non-bundle files must be left alone: %v", err)
	}
}

func writeBundle(t *testing.T, dir, name string, mod time.Time, payload int, complete bool) {
	t.Helper()
	bundle := filepath.Join(dir, name)
	if err := os.MkdirAll(bundle, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	files := map[string][]byte{
		manifestName: []byte("{}"),
		framesName:   make([]byte, payload),
	}
	if complete {
		files[headerName] = []byte("{}")
	}
	for file, data := range files {
		path := filepath.Join(bundle, file)
		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
	}
	if err := os.Chtimes(bundle, mod, mod); err != nil {
		t.Fatalf("Chtimes dir: %v", err)
	}
}

func listDirs(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names
}
