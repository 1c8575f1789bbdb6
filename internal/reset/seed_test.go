package reset

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// TestSeedRoundTrip is property test 6's first clause: create -> read
// returns the same 16 bytes.
func TestSeedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.seed")

	created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if len(created) != seedBytes {
		t.Fatalf("expected %d byte seed, got %d", seedBytes, len(created))
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(created, loaded) {
		t.Fatal("round-tripped seed does not match created seed")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}
}

func TestLoadOrCreateIsStableAcrossCalls(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.seed")

	first, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreate(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, second) {
		t.Fatal("expected the same persisted seed across restarts")
	}
}

// TestWrongLengthFilesFailToLoad is property test 6's second clause:
// files with length != 32 hex chars fail to load.
func TestWrongLengthFilesFailToLoad(t *testing.T) {
	cases := [][]byte{
		[]byte("abcd\n"),
		[]byte(""),
		append(bytes.Repeat([]byte("a"), 31), '\n'),
		append(bytes.Repeat([]byte("a"), 33), '\n'),
	}
	for _, content := range cases {
		path := filepath.Join(t.TempDir(), "reset.seed")
		if err := os.WriteFile(path, content, 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := Load(path); err != ErrWrongLength {
			t.Fatalf("content %q: expected ErrWrongLength, got %v", content, err)
		}
	}
}

// TestCreateLeavesNoPartialFile is property test 6's third clause: write
// is atomic (no partial file visible at the destination path).
func TestCreateLeavesNoPartialFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reset.seed")

	if _, err := LoadOrCreate(path); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file (no leftover temp file), got %d: %v", len(entries), entries)
	}
	if entries[0].Name() != "reset.seed" {
		t.Fatalf("unexpected file left behind: %s", entries[0].Name())
	}
}
