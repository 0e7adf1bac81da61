package store

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
)

// createTestStore creates a new SQLite store in a temp dir.
func createTestStore(t *testing.T) *SQLite {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// backends returns one of each Blobs implementation.
func backends(t *testing.T) map[string]Blobs {
	t.Helper()
	fileStore, err := NewFileStore(afero.NewMemMapFs(), "/peer/data")
	if err != nil {
		t.Fatalf("NewFileStore() failed: %v", err)
	}
	return map[string]Blobs{
		"sqlite": createTestStore(t),
		"file":   fileStore,
		"memory": NewMemory(),
	}
}
