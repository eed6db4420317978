package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// openTestStore creates an in-memory store for testing.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// addFile upserts a file record through a reconcile batch.
func addFile(t *testing.T, store *Store, path string, size int64, mtime time.Time) {
	t.Helper()

	r := NewReconciler(store, discardLogger())
	_, err := r.Reconcile(context.Background(), Batch{
		Source:   "test",
		Observed: []Observation{{Path: path, Size: size, ModTime: mtime}},
	}, nil)
	if err != nil {
		t.Fatalf("adding %s: %v", path, err)
	}
}

func TestOpenOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "graylink.db")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(path); err != nil {
		t.Errorf("database file not created: %v", err)
	}
	if store.Path() != path {
		t.Errorf("Path() = %q, want %q", store.Path(), path)
	}
}

func TestFileRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	mtime := time.Unix(1700000000, 0).UTC()
	addFile(t, store, "/mnt/gdrive/movies/alpha/movie.mp4", 100, mtime)

	rec, err := store.GetFile(ctx, "/mnt/gdrive/movies/alpha/movie.mp4")
	if err != nil {
		t.Fatalf("GetFile() error: %v", err)
	}
	if rec == nil {
		t.Fatal("GetFile() returned nil for existing path")
	}
	if rec.Size != 100 || !rec.ModTime.Equal(mtime) {
		t.Errorf("record = %+v, want size 100 mtime %v", rec, mtime)
	}
	if rec.LastSeen != "test" {
		t.Errorf("LastSeen = %q, want %q", rec.LastSeen, "test")
	}

	missing, err := store.GetFile(ctx, "/mnt/gdrive/none.mp4")
	if err != nil {
		t.Fatalf("GetFile(missing) error: %v", err)
	}
	if missing != nil {
		t.Errorf("GetFile(missing) = %+v, want nil", missing)
	}
}

func TestDirIDsStableAndMonotonic(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	addFile(t, store, "/mnt/gdrive/a/one.mp4", 1, time.Now())
	addFile(t, store, "/mnt/gdrive/a/two.mp4", 2, time.Now())
	addFile(t, store, "/mnt/gdrive/b/three.mp4", 3, time.Now())

	dirs, err := store.ListDirs(ctx)
	if err != nil {
		t.Fatalf("ListDirs() error: %v", err)
	}

	byPath := make(map[string]DirNode)
	for _, d := range dirs {
		byPath[d.Path] = d
	}

	root, ok := byPath[""]
	if !ok || root.ID != RootDirID {
		t.Fatalf("virtual root missing or wrong id: %+v", byPath)
	}

	a := byPath["/mnt/gdrive/a"]
	b := byPath["/mnt/gdrive/b"]
	if a.ID == 0 || b.ID == 0 || a.ID == b.ID {
		t.Errorf("directory ids not unique: a=%d b=%d", a.ID, b.ID)
	}
	if byPath["/mnt/gdrive"].ParentID != byPath["/mnt"].ID {
		t.Error("parent chain broken for /mnt/gdrive")
	}

	// Same path keeps its id across repeated observation.
	addFile(t, store, "/mnt/gdrive/a/four.mp4", 4, time.Now())
	dirs2, err := store.ListDirs(ctx)
	if err != nil {
		t.Fatalf("ListDirs() error: %v", err)
	}
	for _, d := range dirs2 {
		if d.Path == "/mnt/gdrive/a" && d.ID != a.ID {
			t.Errorf("dir id changed: was %d, now %d", a.ID, d.ID)
		}
	}
}

func TestListFilesUnderScope(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	addFile(t, store, "/mnt/gdrive/movies/one.mp4", 1, time.Now())
	addFile(t, store, "/mnt/gdrive/movies/sub/two.mp4", 2, time.Now())
	addFile(t, store, "/mnt/gdrive/shows/three.mp4", 3, time.Now())

	got, err := store.ListFilesUnder(ctx, "/mnt/gdrive/movies")
	if err != nil {
		t.Fatalf("ListFilesUnder() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListFilesUnder(movies) = %d records, want 2", len(got))
	}

	all, err := store.ListFilesUnder(ctx, "")
	if err != nil {
		t.Fatalf("ListFilesUnder(all) error: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("ListFilesUnder(all) = %d records, want 3", len(all))
	}

	// Prefix matching must not catch sibling directories that share a
	// name prefix.
	addFile(t, store, "/mnt/gdrive/movies2/four.mp4", 4, time.Now())
	got, err = store.ListFilesUnder(ctx, "/mnt/gdrive/movies")
	if err != nil {
		t.Fatalf("ListFilesUnder() error: %v", err)
	}
	if len(got) != 2 {
		t.Errorf("ListFilesUnder(movies) caught movies2: %d records", len(got))
	}
}

func TestMappings(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	m := Mapping{
		LinkPath:   "/srv/media/movie.mp4",
		SourcePath: "/mnt/gdrive/movie.mp4",
		Status:     StatusLinked,
	}
	if err := store.UpsertMapping(ctx, m); err != nil {
		t.Fatalf("UpsertMapping() error: %v", err)
	}

	got, err := store.GetMapping(ctx, m.LinkPath)
	if err != nil {
		t.Fatalf("GetMapping() error: %v", err)
	}
	if got == nil || got.SourcePath != m.SourcePath || got.Status != StatusLinked {
		t.Errorf("GetMapping() = %+v", got)
	}

	links, err := store.MappingsBySource(ctx, m.SourcePath)
	if err != nil {
		t.Fatalf("MappingsBySource() error: %v", err)
	}
	if len(links) != 1 || links[0] != m.LinkPath {
		t.Errorf("MappingsBySource() = %v", links)
	}

	if err := store.DeleteMapping(ctx, m.LinkPath); err != nil {
		t.Fatalf("DeleteMapping() error: %v", err)
	}
	got, err = store.GetMapping(ctx, m.LinkPath)
	if err != nil {
		t.Fatalf("GetMapping() after delete: %v", err)
	}
	if got != nil {
		t.Errorf("mapping survived delete: %+v", got)
	}

	// Deleting again is a no-op.
	if err := store.DeleteMapping(ctx, m.LinkPath); err != nil {
		t.Errorf("second DeleteMapping() error: %v", err)
	}
}

func TestCheckpoints(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Checkpoint(ctx, "feed")
	if err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}
	if ok {
		t.Error("Checkpoint() reported a value before any was set")
	}

	want := time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC)
	if err := store.SetCheckpoint(ctx, "feed", want); err != nil {
		t.Fatalf("SetCheckpoint() error: %v", err)
	}

	got, ok, err := store.Checkpoint(ctx, "feed")
	if err != nil {
		t.Fatalf("Checkpoint() error: %v", err)
	}
	if !ok || !got.Equal(want) {
		t.Errorf("Checkpoint() = (%v, %v), want (%v, true)", got, ok, want)
	}

	// Overwrite moves the checkpoint forward.
	later := want.Add(time.Hour)
	if err := store.SetCheckpoint(ctx, "feed", later); err != nil {
		t.Fatalf("SetCheckpoint() error: %v", err)
	}
	got, _, _ = store.Checkpoint(ctx, "feed")
	if !got.Equal(later) {
		t.Errorf("Checkpoint() = %v after overwrite, want %v", got, later)
	}
}

func TestStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	addFile(t, store, "/mnt/gdrive/a/one.mp4", 1, time.Now())
	addFile(t, store, "/mnt/gdrive/a/two.mp4", 2, time.Now())

	_ = store.UpsertMapping(ctx, Mapping{LinkPath: "/srv/one", SourcePath: "/mnt/gdrive/a/one.mp4", Status: StatusLinked})
	_ = store.UpsertMapping(ctx, Mapping{LinkPath: "/srv/two", SourcePath: "/mnt/gdrive/a/two.mp4", Status: StatusConflict})

	st, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st.Files != 2 || st.Linked != 1 || st.Conflicts != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.Dirs == 0 {
		t.Error("Stats() should count directories")
	}
}

func TestCleanup(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	dir := t.TempDir()
	live := filepath.Join(dir, "live.mp4")
	if err := os.WriteFile(live, []byte("x"), 0o644); err != nil {
		t.Fatalf("writing live file: %v", err)
	}
	gone := filepath.Join(dir, "gone.mp4")

	addFile(t, store, live, 1, time.Now())
	addFile(t, store, gone, 2, time.Now())

	_ = store.UpsertMapping(ctx, Mapping{LinkPath: filepath.Join(dir, "missing-link"), SourcePath: gone, Status: StatusLinked})

	filesRemoved, linksRemoved, err := store.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup() error: %v", err)
	}
	if filesRemoved != 1 {
		t.Errorf("files removed = %d, want 1", filesRemoved)
	}
	if linksRemoved != 1 {
		t.Errorf("mappings removed = %d, want 1", linksRemoved)
	}

	rec, err := store.GetFile(ctx, live)
	if err != nil || rec == nil {
		t.Errorf("live file row should survive cleanup: rec=%v err=%v", rec, err)
	}
}
