package source

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/state"
)

// WatchConfig configures the filesystem watch adapter.
type WatchConfig struct {
	// Roots are the mounted directories to watch recursively.
	Roots []string
	// ExcludePrefixes names directory segments whose subtrees are
	// never watched.
	ExcludePrefixes []string
	Logger          *log.Logger
}

// Watcher turns inotify-style filesystem events into partial
// observation batches. Kernel watches are not recursive, so every
// directory under the roots gets its own watch; directories created
// while running are added on the fly and scanned once, because events
// for files that landed before the watch existed are lost otherwise.
//
// Deletions are confirmed with os.Lstat before they are reported:
// rename storms and editor save dances produce remove events for paths
// that still exist.
type Watcher struct {
	cfg     WatchConfig
	watcher *fsnotify.Watcher
	batches chan state.Batch
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a watch adapter. It must be started with Start
// before it emits batches.
func NewWatcher(cfg WatchConfig) (*Watcher, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[watch] ", log.LstdFlags)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errkind.Newf(errkind.SourceQuery, "creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		cfg:     cfg,
		watcher: w,
		batches: make(chan state.Batch, 256),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}, nil
}

// Name returns the adapter name.
func (w *Watcher) Name() string { return NameWatch }

// Batches returns the output channel. Closed on Stop.
func (w *Watcher) Batches() <-chan state.Batch { return w.batches }

// Errors returns the error channel. Closed on Stop.
func (w *Watcher) Errors() <-chan error { return w.errs }

// Start places watches on every directory under the roots and begins
// the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errkind.Newf(errkind.SourceQuery, "watch adapter already running")
	}

	for _, root := range w.cfg.Roots {
		if err := w.addTree(root); err != nil {
			w.watcher.Close()
			return err
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop tears down the kernel watches and closes the output channels.
// It blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	err := w.watcher.Close()
	w.wg.Wait()
	close(w.batches)
	close(w.errs)
	if err != nil {
		return errkind.Newf(errkind.SourceQuery, "closing fsnotify watcher: %w", err)
	}
	return nil
}

// addTree registers a watch on dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errkind.Newf(errkind.SourceQuery, "walking %s: %w", path, err)
		}
		if !d.IsDir() {
			return nil
		}
		if excluded(path, w.cfg.ExcludePrefixes) {
			return fs.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return errkind.Newf(errkind.SourceQuery, "watching %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			batch, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			select {
			case w.batches <- batch:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- errkind.New(errkind.SourceQuery, err):
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertEvent turns one fsnotify event into a partial batch, or
// reports false for events that carry no information worth forwarding.
func (w *Watcher) convertEvent(event fsnotify.Event) (state.Batch, bool) {
	path := filepath.Clean(event.Name)
	if excluded(path, w.cfg.ExcludePrefixes) {
		return state.Batch{}, false
	}

	switch {
	case event.Has(fsnotify.Create):
		info, err := os.Lstat(path)
		if err != nil {
			// Gone already; the remove event will follow.
			return state.Batch{}, false
		}
		if info.IsDir() {
			// New directory: watch it and report its contents, which
			// may have landed before the watch existed.
			return w.scanNewDir(path)
		}
		return observationBatch(path, info), true

	case event.Has(fsnotify.Write):
		info, err := os.Lstat(path)
		if err != nil || info.IsDir() {
			return state.Batch{}, false
		}
		return observationBatch(path, info), true

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename emits Remove/Rename for the old name and Create for
		// the new one. Confirm the old path is really gone.
		if _, err := os.Lstat(path); err == nil {
			return state.Batch{}, false
		}
		return state.Batch{Source: NameWatch, Removed: []string{path}}, true

	default:
		// Chmod and friends.
		return state.Batch{}, false
	}
}

// scanNewDir watches a freshly created directory tree and returns one
// batch with everything currently inside it.
func (w *Watcher) scanNewDir(dir string) (state.Batch, bool) {
	var obs []state.Observation
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // tree may be mutating under us
		}
		if excluded(path, w.cfg.ExcludePrefixes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if werr := w.watcher.Add(path); werr != nil {
				w.cfg.Logger.Printf("cannot watch new directory %s: %v", path, werr)
			}
		}
		info, ierr := d.Info()
		if ierr != nil {
			return nil
		}
		obs = append(obs, state.Observation{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		})
		return nil
	})
	if err != nil || len(obs) == 0 {
		return state.Batch{}, false
	}
	return state.Batch{Source: NameWatch, Observed: obs}, true
}

func observationBatch(path string, info fs.FileInfo) state.Batch {
	return state.Batch{
		Source: NameWatch,
		Observed: []state.Observation{{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			IsDir:   info.IsDir(),
		}},
	}
}

var _ Source = (*Watcher)(nil)
