package index

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/starford/margin/internal/storage"
)

type watchRun struct {
	dir   string
	store storage.Provider
	db    *DB

	mu     sync.Mutex
	events []string
}

// newWatchRun seeds the vault with files, indexes them and starts Watch.
func newWatchRun(t *testing.T, files map[string][]byte) *watchRun {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.NewFS(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := &watchRun{dir: dir, store: store, db: testDB(t)}
	for p, data := range files {
		if err := store.Write(p, data); err != nil {
			t.Fatal(err)
		}
	}
	if err := Sync(r.db, store, quietLogger()); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = Watch(ctx, r.db, store, dir, quietLogger(), r.record)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	time.Sleep(100 * time.Millisecond)
	return r
}

func (r *watchRun) record(kind, path string) {
	r.mu.Lock()
	r.events = append(r.events, kind+":"+path)
	r.mu.Unlock()
}

func (r *watchRun) seen(event string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, event)
}

func (r *watchRun) write(t *testing.T, rel string, data []byte) {
	t.Helper()
	abs := filepath.Join(r.dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func (r *watchRun) indexed(path string) bool {
	cs, _ := r.db.GetChecksum(path)
	return cs != ""
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Errorf("timed out waiting for %s", what)
}

func TestWatch_IndexesSynchronizedDocumentsOnly(t *testing.T) {
	r := newWatchRun(t, nil)

	r.write(t, "plain.md", []byte("# just a note\n"))
	r.write(t, "new.md", annotationDoc("https://new.test", "New", "n"))

	waitFor(t, "new.md indexed", func() bool { return r.indexed("new.md") })
	waitFor(t, "new.md callback", func() bool {
		return r.seen("created:new.md") || r.seen("updated:new.md")
	})
	if r.indexed("plain.md") || r.seen("created:plain.md") || r.seen("updated:plain.md") {
		t.Error("plain markdown was registered")
	}
}

func TestWatch_EditReportsUpdate(t *testing.T) {
	r := newWatchRun(t, map[string][]byte{
		"doc.md": annotationDoc("https://edit.test", "Edit", "first"),
	})
	before, _ := r.db.GetChecksum("doc.md")

	r.write(t, "doc.md", annotationDoc("https://edit.test", "Edit", "second"))

	waitFor(t, "checksum change", func() bool {
		cs, _ := r.db.GetChecksum("doc.md")
		return cs != "" && cs != before
	})
	waitFor(t, "update callback", func() bool { return r.seen("updated:doc.md") })
}

func TestWatch_FollowsNewDirectories(t *testing.T) {
	r := newWatchRun(t, nil)

	if err := os.MkdirAll(filepath.Join(r.dir, "hypothesis", "example.com"), 0o755); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	r.write(t, "hypothesis/example.com/deep.md", annotationDoc("https://deep.test", "Deep", "n"))

	waitFor(t, "nested document indexed", func() bool {
		return r.indexed("hypothesis/example.com/deep.md")
	})
}

func TestWatch_RemoveAndRename(t *testing.T) {
	r := newWatchRun(t, map[string][]byte{
		"gone.md": annotationDoc("https://gone.test", "Gone", "n"),
		"old.md":  annotationDoc("https://moved.test", "Moved", "n"),
	})

	if err := os.Remove(filepath.Join(r.dir, "gone.md")); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(filepath.Join(r.dir, "old.md"), filepath.Join(r.dir, "renamed.md")); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "removal", func() bool { return !r.indexed("gone.md") && r.seen("deleted:gone.md") })
	waitFor(t, "rename reconciliation", func() bool {
		return !r.indexed("old.md") && r.indexed("renamed.md")
	})
}
