package source

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/graysui/graylink/internal/drive"
	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/state"
)

// FeedClient is the remote change feed the adapter polls.
// *drive.Client satisfies it.
type FeedClient interface {
	Changes(ctx context.Context, since time.Time) ([]drive.Entry, time.Time, error)
}

// FeedConfig configures the remote feed adapter.
type FeedConfig struct {
	Client FeedClient
	// Interval is the rest period between feed queries.
	Interval time.Duration
	// Buffer is subtracted from the persisted cursor on every query.
	// The feed's timestamps trail reality, so re-reading a window of
	// recent history trades duplicate sightings (which reconcile to
	// nothing) for never missing a late-arriving change.
	Buffer      time.Duration
	Checkpoints Checkpoints
	Logger      *log.Logger
}

// Feed polls the remote change feed and emits its entries as partial
// batches. The feed only ever reports what changed, never what exists,
// so its batches can never authorize absence-based removal; explicit
// removal entries are forwarded as positive removals.
type Feed struct {
	cfg     FeedConfig
	batches chan state.Batch
	errs    chan error
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewFeed creates a feed adapter.
func NewFeed(cfg FeedConfig) *Feed {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[feed] ", log.LstdFlags)
	}
	return &Feed{
		cfg:     cfg,
		batches: make(chan state.Batch, 16),
		errs:    make(chan error, 16),
		done:    make(chan struct{}),
	}
}

// Name returns the adapter name.
func (f *Feed) Name() string { return NameFeed }

// Batches returns the output channel. Closed on Stop.
func (f *Feed) Batches() <-chan state.Batch { return f.batches }

// Errors returns the error channel. Closed on Stop.
func (f *Feed) Errors() <-chan error { return f.errs }

// Start queries the feed once immediately and then begins the poll
// loop.
func (f *Feed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errkind.Newf(errkind.SourceQuery, "feed adapter already running")
	}
	f.running = true
	f.wg.Add(1)
	go f.loop(ctx)
	return nil
}

// Stop halts the poll loop and closes the output channels.
func (f *Feed) Stop() error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	f.running = false
	f.mu.Unlock()

	close(f.done)
	f.wg.Wait()
	close(f.batches)
	close(f.errs)
	return nil
}

func (f *Feed) loop(ctx context.Context) {
	defer f.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-f.done:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		f.poll(ctx)
		timer.Reset(f.cfg.Interval)
	}
}

// poll fetches one feed page. The cursor only advances after the batch
// has been handed off, and never on error, so a failed query is simply
// retried over the same window next interval.
func (f *Feed) poll(ctx context.Context) {
	since := time.Now().Add(-24 * time.Hour)
	if f.cfg.Checkpoints != nil {
		t, ok, err := f.cfg.Checkpoints.Checkpoint(ctx, NameFeed)
		if err != nil {
			f.report(err)
			return
		}
		if ok {
			since = t
		}
	}
	since = since.Add(-f.cfg.Buffer)

	entries, next, err := f.cfg.Client.Changes(ctx, since)
	if err != nil {
		f.report(err)
		return
	}

	batch := state.Batch{Source: NameFeed}
	for _, e := range entries {
		if e.Removed {
			batch.Removed = append(batch.Removed, e.Path)
			continue
		}
		batch.Observed = append(batch.Observed, state.Observation{
			Path:    e.Path,
			Size:    e.Size,
			ModTime: e.ModTime,
			IsDir:   e.IsDir,
		})
	}

	if len(batch.Observed) > 0 || len(batch.Removed) > 0 {
		select {
		case f.batches <- batch:
		case <-f.done:
			return
		case <-ctx.Done():
			return
		}
	}

	if f.cfg.Checkpoints != nil {
		if err := f.cfg.Checkpoints.SetCheckpoint(ctx, NameFeed, next); err != nil {
			f.report(err)
		}
	}
}

func (f *Feed) report(err error) {
	select {
	case f.errs <- err:
	default:
		f.cfg.Logger.Printf("dropping error: %v", err)
	}
}

var _ Source = (*Feed)(nil)
