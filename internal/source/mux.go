package source

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/graysui/graylink/internal/state"
)

// MuxConfig configures the batch multiplexer.
type MuxConfig struct {
	Sources []Source
	// Window is how long an identical sighting of the same path is
	// suppressed. The watch and feed adapters routinely report the
	// same event within seconds of each other.
	Window time.Duration
	Logger *log.Logger
}

// fingerprint is what makes two sightings of a path "the same".
type fingerprint struct {
	size    int64
	mtime   int64
	removed bool
	at      time.Time
}

// Mux fans the adapters' batch channels into a single stream. Arrival
// order is preserved, so for any one path the consumer sees sightings
// in the order the adapters produced them. Observations in partial
// batches that duplicate a sighting within the window are dropped;
// full batches always pass through intact because they are complete
// listings, not event streams.
type Mux struct {
	cfg  MuxConfig
	out  chan state.Batch
	errs chan error
	done chan struct{}
	wg   sync.WaitGroup

	mu   sync.Mutex
	seen map[string]fingerprint
}

// NewMux creates a multiplexer over the given sources.
func NewMux(cfg MuxConfig) *Mux {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[mux] ", log.LstdFlags)
	}
	return &Mux{
		cfg:  cfg,
		out:  make(chan state.Batch, 256),
		errs: make(chan error, 16),
		done: make(chan struct{}),
		seen: make(map[string]fingerprint),
	}
}

// Batches returns the merged stream. Closed on Stop.
func (m *Mux) Batches() <-chan state.Batch { return m.out }

// Errors returns the merged adapter error stream. Closed on Stop.
func (m *Mux) Errors() <-chan error { return m.errs }

// Start starts every adapter and begins forwarding. If any adapter
// fails to start, the ones already started are stopped again.
func (m *Mux) Start(ctx context.Context) error {
	for i, src := range m.cfg.Sources {
		if err := src.Start(ctx); err != nil {
			for _, started := range m.cfg.Sources[:i] {
				started.Stop()
			}
			return err
		}
	}
	for _, src := range m.cfg.Sources {
		m.wg.Add(1)
		go m.forward(ctx, src)
	}
	return nil
}

// Stop stops every adapter, drains the forwarders, and closes the
// merged channels.
func (m *Mux) Stop() error {
	close(m.done)
	var firstErr error
	for _, src := range m.cfg.Sources {
		if err := src.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	close(m.out)
	close(m.errs)
	return firstErr
}

func (m *Mux) forward(ctx context.Context, src Source) {
	defer m.wg.Done()

	batches := src.Batches()
	errs := src.Errors()
	for batches != nil || errs != nil {
		select {
		case <-m.done:
			return
		case <-ctx.Done():
			return

		case batch, ok := <-batches:
			if !ok {
				batches = nil
				continue
			}
			batch = m.filter(batch)
			if !batch.Full && len(batch.Observed) == 0 && len(batch.Removed) == 0 {
				continue
			}
			select {
			case m.out <- batch:
			case <-m.done:
				return
			case <-ctx.Done():
				return
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			select {
			case m.errs <- err:
			case <-m.done:
				return
			case <-ctx.Done():
				return
			default:
				m.cfg.Logger.Printf("dropping %s error: %v", src.Name(), err)
			}
		}
	}
}

// filter drops duplicate sightings from partial batches and records
// fingerprints for everything that passes. Full batches are recorded
// but never trimmed.
func (m *Mux) filter(batch state.Batch) state.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	m.prune(now)

	record := func(path string, fp fingerprint) {
		fp.at = now
		m.seen[path] = fp
	}

	if batch.Full {
		for _, obs := range batch.Observed {
			record(obs.Path, fingerprint{size: obs.Size, mtime: obs.ModTime.Unix()})
		}
		return batch
	}

	kept := batch.Observed[:0]
	for _, obs := range batch.Observed {
		fp := fingerprint{size: obs.Size, mtime: obs.ModTime.Unix()}
		if prev, ok := m.seen[obs.Path]; ok &&
			prev.size == fp.size && prev.mtime == fp.mtime && !prev.removed &&
			now.Sub(prev.at) < m.cfg.Window {
			continue
		}
		record(obs.Path, fp)
		kept = append(kept, obs)
	}
	batch.Observed = kept

	removed := batch.Removed[:0]
	for _, path := range batch.Removed {
		if prev, ok := m.seen[path]; ok && prev.removed && now.Sub(prev.at) < m.cfg.Window {
			continue
		}
		record(path, fingerprint{removed: true})
		removed = append(removed, path)
	}
	batch.Removed = removed

	return batch
}

// prune drops expired fingerprints. Called with mu held.
func (m *Mux) prune(now time.Time) {
	if len(m.seen) < 4096 {
		return
	}
	for path, fp := range m.seen {
		if now.Sub(fp.at) >= m.cfg.Window {
			delete(m.seen, path)
		}
	}
}
