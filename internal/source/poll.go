package source

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/state"
)

// PollConfig configures the periodic scan adapter.
type PollConfig struct {
	Roots           []string
	ExcludePrefixes []string
	// Interval is the rest period between scans, measured from the end
	// of one scan to the start of the next so a slow disk never stacks
	// scans on top of each other.
	Interval time.Duration
	// FullEvery forces a full traversal every Nth scan. Scans in
	// between use the directory-mtime shortcut and emit partial
	// batches. Zero means every scan is full.
	FullEvery int
	// Workers bounds the number of subtrees scanned concurrently.
	Workers int
	// Checkpoints persists the last successful scan time.
	Checkpoints Checkpoints
	// Verbose enables per-scan debug lines.
	Verbose bool
	Logger  *log.Logger
}

// Poller walks the mount roots on an interval and emits one batch per
// root. A full traversal stats every file and produces a Full batch,
// which is what authorizes the reconciler to drop records for paths
// the scan no longer found. In-between scans lean on directory mtimes:
// a directory whose mtime has not moved past the checkpoint has had no
// entries created, removed, or renamed, so its files are not stat'ed.
// That shortcut is blind to in-place content rewrites, so those scans
// are emitted as partial batches.
type Poller struct {
	cfg     PollConfig
	batches chan state.Batch
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	scans   int
}

// NewPoller creates a poll adapter.
func NewPoller(cfg PollConfig) *Poller {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[poll] ", log.LstdFlags)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Poller{
		cfg:     cfg,
		batches: make(chan state.Batch, len(cfg.Roots)+1),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
}

// Name returns the adapter name.
func (p *Poller) Name() string { return NamePoll }

// Batches returns the output channel. Closed on Stop.
func (p *Poller) Batches() <-chan state.Batch { return p.batches }

// Errors returns the error channel. Closed on Stop.
func (p *Poller) Errors() <-chan error { return p.errs }

// Start runs an immediate scan pass and then begins the interval loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errkind.Newf(errkind.SourceQuery, "poll adapter already running")
	}
	p.running = true
	p.wg.Add(1)
	go p.loop(ctx)
	return nil
}

// Stop halts the scan loop and closes the output channels.
func (p *Poller) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	close(p.done)
	p.wg.Wait()
	close(p.batches)
	close(p.errs)
	return nil
}

func (p *Poller) loop(ctx context.Context) {
	defer p.wg.Done()

	timer := time.NewTimer(0) // first scan immediately
	defer timer.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		p.runScan(ctx)

		// Rearm only after the scan finished.
		timer.Reset(p.cfg.Interval)
	}
}

// runScan performs one pass over all roots and advances the checkpoint
// when every root scanned cleanly.
func (p *Poller) runScan(ctx context.Context) {
	full := p.cfg.FullEvery <= 1 || p.scans%p.cfg.FullEvery == 0
	p.scans++

	var since time.Time
	if !full && p.cfg.Checkpoints != nil {
		t, ok, err := p.cfg.Checkpoints.Checkpoint(ctx, NamePoll)
		if err != nil {
			p.report(err)
			return
		}
		if !ok {
			full = true // nothing to be incremental against
		} else {
			since = t
		}
	}

	started := time.Now()
	ok := true
	for _, root := range p.cfg.Roots {
		batch, err := p.scanRoot(ctx, root, full, since)
		if err != nil {
			p.report(err)
			ok = false
			continue
		}
		select {
		case p.batches <- batch:
		case <-p.done:
			return
		case <-ctx.Done():
			return
		}
	}

	if ok && p.cfg.Checkpoints != nil {
		if err := p.cfg.Checkpoints.SetCheckpoint(ctx, NamePoll, started); err != nil {
			p.report(err)
		}
	}
}

// scanRoot walks one root, fanning the first-level subtrees out to the
// worker pool, and returns a single batch scoped to the root.
func (p *Poller) scanRoot(ctx context.Context, root string, full bool, since time.Time) (state.Batch, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return state.Batch{}, errkind.New(errkind.SourceQuery, err).WithPath(root).WithSource(NamePoll)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	var mu sync.Mutex
	var obs []state.Observation

	collect := func(batch []state.Observation) {
		mu.Lock()
		obs = append(obs, batch...)
		mu.Unlock()
	}

	// Loose files directly under the root, with the same mtime shortcut
	// the subtrees get: an unchanged root directory has gained or lost
	// no entries.
	scanLoose := full
	if !scanLoose {
		if info, serr := os.Stat(root); serr == nil && info.ModTime().After(since) {
			scanLoose = true
		}
	}
	if scanLoose {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			path := filepath.Join(root, e.Name())
			if excluded(path, p.cfg.ExcludePrefixes) {
				continue
			}
			info, ierr := e.Info()
			if ierr != nil {
				continue
			}
			collect([]state.Observation{{
				Path: path, Size: info.Size(), ModTime: info.ModTime(),
			}})
		}
	}

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(root, e.Name())
		if excluded(sub, p.cfg.ExcludePrefixes) {
			continue
		}
		g.Go(func() error {
			batch, serr := p.scanTree(gctx, sub, full, since)
			if serr != nil {
				return serr
			}
			collect(batch)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return state.Batch{}, err
	}

	// Deterministic batch order regardless of worker interleaving.
	sort.Slice(obs, func(i, j int) bool { return obs[i].Path < obs[j].Path })

	if p.cfg.Verbose {
		p.cfg.Logger.Printf("scanned %s: %d observation(s), full=%v", root, len(obs), full)
	}

	return state.Batch{Source: NamePoll, Scope: root, Full: full, Observed: obs}, nil
}

// scanTree walks one subtree sequentially. During incremental scans a
// directory is always reported and descended into, but its files are
// only stat'ed when the directory mtime moved past since.
func (p *Poller) scanTree(ctx context.Context, dir string, full bool, since time.Time) ([]state.Observation, error) {
	var obs []state.Observation
	dirMod := make(map[string]time.Time)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errkind.New(errkind.SourceQuery, err).WithPath(path).WithSource(NamePoll)
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if excluded(path, p.cfg.ExcludePrefixes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return nil // raced with a delete
		}

		if d.IsDir() {
			dirMod[path] = info.ModTime()
			obs = append(obs, state.Observation{
				Path: path, ModTime: info.ModTime(), IsDir: true,
			})
			return nil
		}

		if !full {
			if mod, seen := dirMod[filepath.Dir(path)]; seen && !mod.After(since) {
				return nil
			}
		}
		obs = append(obs, state.Observation{
			Path: path, Size: info.Size(), ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return obs, nil
}

// ScanOnce runs a single full traversal of every root and returns the
// batches without starting the interval loop. The run and scan
// commands use it for their initial sync.
func (p *Poller) ScanOnce(ctx context.Context) ([]state.Batch, error) {
	batches := make([]state.Batch, 0, len(p.cfg.Roots))
	for _, root := range p.cfg.Roots {
		batch, err := p.scanRoot(ctx, root, true, time.Time{})
		if err != nil {
			return batches, err
		}
		batches = append(batches, batch)
	}
	if p.cfg.Checkpoints != nil {
		if err := p.cfg.Checkpoints.SetCheckpoint(ctx, NamePoll, time.Now()); err != nil {
			return batches, err
		}
	}
	return batches, nil
}

func (p *Poller) report(err error) {
	select {
	case p.errs <- err:
	default:
		p.cfg.Logger.Printf("dropping error: %v", err)
	}
}

var _ Source = (*Poller)(nil)
