// Package testutil provides shared test helpers for setting up vaults and databases.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/margin/internal/index"
	"github.com/starford/margin/internal/storage"
)

// TestDB creates a temporary SQLite state store that is automatically cleaned up.
func TestDB(t *testing.T) *index.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "margin-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := index.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestVault creates a temporary vault directory with a file system provider.
func TestVault(t *testing.T) (string, *storage.FS) {
	t.Helper()
	vaultDir := t.TempDir()
	store, err := storage.NewFS(vaultDir)
	if err != nil {
		t.Fatal(err)
	}
	return vaultDir, store
}

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// Document returns a minimal synchronized document for url with one
// synchronized annotation carrying note.
func Document(url, title, note string) []byte {
	return []byte("---\ndoc_type: hypothesis-highlights\nurl: " + url + "\ntitle: " + title + "\n---\n# " + title + "\n\n" +
		"## Highlights\n\n" +
		"<!-- annotation id=a1 state=SYNCHRONIZED -->\n> quoted words\n\n" + note + "\n\ntags: reading\n<!-- /annotation -->\n")
}
