// Package engine wires the pipeline together: mount monitoring, the
// change source adapters, the reconciler, the symlink materializer,
// and the downstream notifications.
package engine

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/graysui/graylink/internal/config"
	"github.com/graysui/graylink/internal/dashboard"
	"github.com/graysui/graylink/internal/drive"
	"github.com/graysui/graylink/internal/emby"
	"github.com/graysui/graylink/internal/logging"
	"github.com/graysui/graylink/internal/mount"
	"github.com/graysui/graylink/internal/snapshot"
	"github.com/graysui/graylink/internal/source"
	"github.com/graysui/graylink/internal/state"
	"github.com/graysui/graylink/internal/symlink"
)

// Engine owns the long-running pipeline.
type Engine struct {
	cfg      *config.Config
	store    *state.Store
	rec      *state.Reconciler
	mat      *symlink.Materializer
	notifier *emby.Notifier
	monitor  *mount.Monitor
	snap     *snapshot.Builder
	dash     *dashboard.Server
	logger   *log.Logger
	verbose  bool

	// applyMu serializes batch application against the sweep, so a
	// sweep never races a materializer pass over the same links.
	applyMu sync.Mutex
	wg      sync.WaitGroup
}

// New builds an engine from configuration. The store stays open until
// Close.
func New(cfg *config.Config, sink *logging.Sink) (*Engine, error) {
	store, err := state.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:   cfg,
		store: store,
		rec:   state.NewReconciler(store, sink.Component("reconciler")),
		mat: symlink.New(symlink.Config{
			MountRoots:      cfg.MountRoots,
			SymlinkRoot:     cfg.SymlinkRoot,
			MediaExtensions: cfg.MediaExtensions,
			ExcludePrefixes: cfg.ExcludePrefixes,
			Logger:          sink.Component("symlink"),
		}),
		notifier: emby.New(emby.Config{
			Host:     cfg.EmbyHost,
			APIKey:   cfg.EmbyAPIKey,
			Retries:  cfg.NotifyRetries,
			Delay:    cfg.NotifyDelay,
			Disabled: cfg.NotifyDisabled,
			Logger:   sink.Component("emby"),
		}),
		monitor: mount.NewMonitor(mount.Config{
			Roots:      cfg.MountRoots,
			Interval:   cfg.MountCheckInterval,
			RetryCount: cfg.MountRetryCount,
			RetryDelay: cfg.MountRetryDelay,
			Logger:     sink.Component("mount"),
		}),
		snap:    snapshot.New(store, sink.Component("snapshot")),
		logger:  sink.Component("engine"),
		verbose: sink.Verbose(),
	}
	if cfg.DashboardPort > 0 {
		e.dash = dashboard.NewServer(dashboard.Config{
			Port:      cfg.DashboardPort,
			Store:     store,
			Mounts:    e.monitor,
			Snapshots: e.snap,
			Logger:    sink.Component("dashboard"),
		})
	}
	return e, nil
}

// Store exposes the underlying store to the CLI commands.
func (e *Engine) Store() *state.Store { return e.store }

// Snapshot exposes the snapshot builder to the CLI commands.
func (e *Engine) Snapshot() *snapshot.Builder { return e.snap }

// Close releases the store.
func (e *Engine) Close() error { return e.store.Close() }

// ScanOnce runs a single full scan of every healthy root through the
// pipeline. Used by the scan command and as the initial sync when the
// service starts.
func (e *Engine) ScanOnce(ctx context.Context, sink *logging.Sink) error {
	poller := source.NewPoller(source.PollConfig{
		Roots:           e.healthyRoots(),
		ExcludePrefixes: e.cfg.ExcludePrefixes,
		Interval:        e.cfg.PollInterval,
		Workers:         e.cfg.WorkerPoolSize,
		Checkpoints:     e.store,
		Verbose:         e.verbose,
		Logger:          sink.Component("poll"),
	})
	batches, err := poller.ScanOnce(ctx)
	if err != nil {
		return err
	}
	for _, batch := range batches {
		if err := e.applyBatch(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// Run starts the monitor, the adapters, and the consumer loop, and
// blocks until the context is done.
func (e *Engine) Run(ctx context.Context, sink *logging.Sink) error {
	e.monitor.Start(ctx)
	defer e.monitor.Stop()

	if e.dash != nil {
		if err := e.dash.Start(); err != nil {
			return err
		}
		defer e.dash.Stop()
	}

	sources, err := e.buildSources(sink)
	if err != nil {
		return err
	}
	mux := source.NewMux(source.MuxConfig{
		Sources: sources,
		Window:  e.cfg.DedupeWindow,
		Logger:  sink.Component("mux"),
	})
	if err := mux.Start(ctx); err != nil {
		return err
	}
	defer mux.Stop()

	if e.cfg.SnapshotInterval > 0 && e.cfg.SnapshotDir != "" {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.snap.Schedule(ctx, e.cfg.SnapshotDir, e.cfg.SnapshotInterval)
		}()
	}

	e.wg.Add(1)
	go e.sweepLoop(ctx)

	e.wg.Add(1)
	go e.watchMounts(ctx)

	e.logger.Printf("pipeline running: %d root(s), %d source(s)", len(e.cfg.MountRoots), len(sources))
	e.consume(ctx, mux)

	e.wg.Wait()
	e.logger.Printf("pipeline stopped")
	return nil
}

func (e *Engine) buildSources(sink *logging.Sink) ([]source.Source, error) {
	var sources []source.Source

	watcher, err := source.NewWatcher(source.WatchConfig{
		Roots:           e.cfg.MountRoots,
		ExcludePrefixes: e.cfg.ExcludePrefixes,
		Logger:          sink.Component("watch"),
	})
	if err != nil {
		return nil, err
	}
	sources = append(sources, watcher)

	sources = append(sources, source.NewPoller(source.PollConfig{
		Roots:           e.cfg.MountRoots,
		ExcludePrefixes: e.cfg.ExcludePrefixes,
		Interval:        e.cfg.PollInterval,
		FullEvery:       4,
		Workers:         e.cfg.WorkerPoolSize,
		Checkpoints:     e.store,
		Verbose:         e.verbose,
		Logger:          sink.Component("poll"),
	}))

	if e.cfg.FeedURL != "" {
		sources = append(sources, source.NewFeed(source.FeedConfig{
			Client:      drive.NewClient(e.cfg.FeedURL, e.cfg.FeedToken),
			Interval:    e.cfg.FeedInterval,
			Buffer:      e.cfg.FeedBuffer,
			Checkpoints: e.store,
			Logger:      sink.Component("feed"),
		}))
	}
	return sources, nil
}

// consume drains the merged batch stream until shutdown.
func (e *Engine) consume(ctx context.Context, mux *source.Mux) {
	batches := mux.Batches()
	errs := mux.Errors()
	for {
		select {
		case <-ctx.Done():
			return

		case batch, ok := <-batches:
			if !ok {
				return
			}
			if !e.admit(batch) {
				continue
			}
			if err := e.applyBatch(ctx, batch); err != nil {
				e.logger.Printf("applying batch from %s: %v", batch.Source, err)
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			e.logger.Printf("source error: %v", err)
		}
	}
}

// admit gates batches on mount health. A full listing of an unhealthy
// root is the dangerous case: a dead mount reads as empty, and
// treating that emptiness as truth would remove every record and every
// link under the root.
func (e *Engine) admit(batch state.Batch) bool {
	if batch.Full {
		if root := e.rootFor(batch.Scope); root != "" && !e.monitor.Healthy(root) {
			e.logger.Printf("dropping full batch from %s: mount %s is not healthy", batch.Source, root)
			return false
		}
		return true
	}
	// Partial batches carry positive sightings; a dead mount produces
	// none. Removals for paths under an unhealthy root are dropped, a
	// hung mount must not be read as deletions.
	kept := batch.Removed[:0]
	for _, path := range batch.Removed {
		if root := e.rootFor(path); root != "" && !e.monitor.Healthy(root) {
			continue
		}
		kept = append(kept, path)
	}
	batch.Removed = kept
	return len(batch.Observed) > 0 || len(batch.Removed) > 0 || batch.Full
}

// rootFor returns the configured mount root containing path, or "".
func (e *Engine) rootFor(path string) string {
	for _, root := range e.cfg.MountRoots {
		if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
			return root
		}
	}
	return ""
}

func (e *Engine) healthyRoots() []string {
	var roots []string
	for _, root := range e.cfg.MountRoots {
		if err := mount.Probe(root); err != nil {
			e.logger.Printf("skipping root %s: %v", root, err)
			continue
		}
		roots = append(roots, root)
	}
	return roots
}

// applyBatch feeds one batch through the pipeline, splitting oversized
// partial batches into transaction-sized chunks first.
func (e *Engine) applyBatch(ctx context.Context, batch state.Batch) error {
	for _, chunk := range chunkBatch(batch, e.cfg.BatchSize) {
		if err := e.applyChunk(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

// chunkBatch splits a partial batch into pieces of at most size
// observations and size removals each. Full batches pass through
// whole: removal inference needs the complete listing in one
// transaction.
func chunkBatch(b state.Batch, size int) []state.Batch {
	if b.Full || size <= 0 || (len(b.Observed) <= size && len(b.Removed) <= size) {
		return []state.Batch{b}
	}

	var chunks []state.Batch
	for len(b.Observed) > 0 || len(b.Removed) > 0 {
		c := state.Batch{Source: b.Source, Scope: b.Scope}
		if n := min(size, len(b.Observed)); n > 0 {
			c.Observed, b.Observed = b.Observed[:n], b.Observed[n:]
		}
		if n := min(size, len(b.Removed)); n > 0 {
			c.Removed, b.Removed = b.Removed[:n], b.Removed[n:]
		}
		chunks = append(chunks, c)
	}
	return chunks
}

// applyChunk reconciles one batch, materializes the delta, and fires
// the downstream notifications.
func (e *Engine) applyChunk(ctx context.Context, batch state.Batch) error {
	e.applyMu.Lock()
	var res symlink.Result
	changes, err := e.rec.Reconcile(ctx, batch, func(w *state.TxWriter, changes []state.Change) error {
		var aerr error
		res, aerr = e.mat.Apply(w, changes)
		return aerr
	})
	e.applyMu.Unlock()
	if err != nil {
		return err
	}
	if e.verbose {
		e.logger.Printf("batch from %s: %d observed, %d removed, %d change(s)",
			batch.Source, len(batch.Observed), len(batch.Removed), len(changes))
	}
	if len(changes) == 0 {
		return nil
	}

	if e.dash != nil {
		e.dash.Broadcast(dashboard.MessageTypeBatch, batchData(batch, changes, res))
	}

	if !res.Empty() && e.notifier.Enabled() {
		// Notification retries must not stall the pipeline.
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.notifier.NotifyResult(ctx, res); err != nil {
				e.logger.Printf("notifying media server: %v", err)
			}
		}()
	}
	return nil
}

// watchMounts relays mount transitions to the dashboard stream.
func (e *Engine) watchMounts(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tr, ok := <-e.monitor.Transitions():
			if !ok {
				return
			}
			if e.dash != nil {
				data := dashboard.MountData{Root: tr.Root, Status: tr.To.String()}
				if tr.Err != nil {
					data.Error = tr.Err.Error()
				}
				e.dash.Broadcast(dashboard.MessageTypeMount, data)
			}
		}
	}
}

// sweepLoop runs the dangling-link sweep on an interval, rearming the
// timer only after each pass finishes.
func (e *Engine) sweepLoop(ctx context.Context) {
	defer e.wg.Done()
	if e.cfg.SweepInterval <= 0 {
		return
	}

	timer := time.NewTimer(e.cfg.SweepInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		e.runSweep(ctx)
		timer.Reset(e.cfg.SweepInterval)
	}
}

// runSweep performs one sweep pass. The sweep and the store cleanup
// both trust os.Stat on source paths, and a dead mount makes every
// path under it look gone: a sweep during an outage would strip the
// whole mirror while the store rows the admit gate preserved survive,
// and the zero-diff rescan after recovery would never rebuild the
// links. Neither runs unless every mount probes healthy.
func (e *Engine) runSweep(ctx context.Context) {
	if !e.monitor.AllHealthy() {
		e.logger.Printf("skipping sweep: not every mount is healthy")
		return
	}

	started := time.Now()
	e.applyMu.Lock()
	n, err := e.mat.Sweep(ctx, e.store)
	if err == nil {
		if files, links, cerr := e.store.Cleanup(ctx); cerr != nil {
			e.logger.Printf("store cleanup failed: %v", cerr)
		} else if files > 0 || links > 0 {
			e.logger.Printf("store cleanup dropped %d file(s), %d mapping(s)", files, links)
		}
	}
	e.applyMu.Unlock()
	if err != nil {
		e.logger.Printf("sweep failed: %v", err)
		return
	}
	if n > 0 {
		e.logger.Printf("sweep removed %d dangling link(s)", n)
		if e.dash != nil {
			e.dash.Broadcast(dashboard.MessageTypeSweep, dashboard.SweepData{
				Removed:  n,
				Duration: time.Since(started),
			})
		}
	}
}

func batchData(batch state.Batch, changes []state.Change, res symlink.Result) dashboard.BatchData {
	data := dashboard.BatchData{
		Source: batch.Source,
		Links:  len(res.Created) + len(res.Updated),
	}
	for _, c := range changes {
		switch c.Kind {
		case state.Added:
			data.Added++
		case state.Modified:
			data.Modified++
		case state.Removed:
			data.Removed++
		}
	}
	return data
}
