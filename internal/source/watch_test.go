package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/graysui/graylink/internal/state"
)

// waitBatch waits for the next batch matching keep, failing the test
// after the timeout.
func waitBatch(t *testing.T, ch <-chan state.Batch, keep func(state.Batch) bool) state.Batch {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-ch:
			if !ok {
				t.Fatal("batch channel closed while waiting")
			}
			if keep(batch) {
				return batch
			}
		case <-deadline:
			t.Fatal("timed out waiting for batch")
		}
	}
}

func startWatcher(t *testing.T, cfg WatchConfig) *Watcher {
	t.Helper()
	w, err := NewWatcher(cfg)
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { w.Stop() })
	return w
}

func TestWatcherStartStop(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(WatchConfig{Roots: []string{root}})
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start() should fail while running")
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Errorf("Stop() on stopped watcher failed: %v", err)
	}
}

func TestWatcherReportsCreatedFile(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, WatchConfig{Roots: []string{root}})

	path := filepath.Join(root, "movie.mp4")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	batch := waitBatch(t, w.Batches(), func(b state.Batch) bool {
		for _, obs := range b.Observed {
			if obs.Path == path {
				return true
			}
		}
		return false
	})
	if batch.Full {
		t.Error("watch batches must be partial")
	}
	if batch.Source != NameWatch {
		t.Errorf("batch source = %q, want %q", batch.Source, NameWatch)
	}
}

func TestWatcherReportsRemovedFile(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "movie.mp4")
	if err := os.WriteFile(path, []byte("data"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	w := startWatcher(t, WatchConfig{Roots: []string{root}})

	if err := os.Remove(path); err != nil {
		t.Fatalf("removing file: %v", err)
	}

	batch := waitBatch(t, w.Batches(), func(b state.Batch) bool {
		for _, p := range b.Removed {
			if p == path {
				return true
			}
		}
		return false
	})
	if len(batch.Observed) != 0 {
		t.Errorf("removal batch carries observations: %+v", batch.Observed)
	}
}

func TestWatcherPicksUpNewDirectory(t *testing.T) {
	root := t.TempDir()
	w := startWatcher(t, WatchConfig{Roots: []string{root}})

	// A directory created after Start must be watched too.
	sub := filepath.Join(root, "season1")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}
	waitBatch(t, w.Batches(), func(b state.Batch) bool {
		for _, obs := range b.Observed {
			if obs.Path == sub && obs.IsDir {
				return true
			}
		}
		return false
	})

	inner := filepath.Join(sub, "ep1.mkv")
	if err := os.WriteFile(inner, []byte("data"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	waitBatch(t, w.Batches(), func(b state.Batch) bool {
		for _, obs := range b.Observed {
			if obs.Path == inner {
				return true
			}
		}
		return false
	})
}

func TestWatcherIgnoresExcludedSubtree(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "BDMV"), 0755); err != nil {
		t.Fatalf("creating directory: %v", err)
	}

	w := startWatcher(t, WatchConfig{
		Roots:           []string{root},
		ExcludePrefixes: []string{"BDMV"},
	})

	if err := os.WriteFile(filepath.Join(root, "BDMV", "index.bdmv"), []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	marker := filepath.Join(root, "ok.mp4")
	if err := os.WriteFile(marker, []byte("x"), 0644); err != nil {
		t.Fatalf("writing file: %v", err)
	}

	// The marker file arrives; nothing from the excluded subtree may
	// precede it.
	batch := waitBatch(t, w.Batches(), func(b state.Batch) bool { return len(b.Observed) > 0 })
	for _, obs := range batch.Observed {
		if obs.Path != marker {
			t.Errorf("unexpected observation %q from excluded subtree", obs.Path)
		}
	}
}
