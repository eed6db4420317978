package source

import (
	"context"
	"testing"
	"time"

	"github.com/graysui/graylink/internal/state"
)

// stubSource is a hand-fed Source for multiplexer tests.
type stubSource struct {
	name    string
	batches chan state.Batch
	errs    chan error
}

func newStubSource(name string) *stubSource {
	return &stubSource{
		name:    name,
		batches: make(chan state.Batch, 16),
		errs:    make(chan error, 16),
	}
}

func (s *stubSource) Name() string                     { return s.name }
func (s *stubSource) Start(context.Context) error      { return nil }
func (s *stubSource) Batches() <-chan state.Batch      { return s.batches }
func (s *stubSource) Errors() <-chan error             { return s.errs }
func (s *stubSource) Stop() error {
	close(s.batches)
	close(s.errs)
	return nil
}

func obs(path string, size int64, mtime time.Time) state.Observation {
	return state.Observation{Path: path, Size: size, ModTime: mtime}
}

func startMux(t *testing.T, window time.Duration, sources ...Source) *Mux {
	t.Helper()
	m := NewMux(MuxConfig{Sources: sources, Window: window, Logger: testLogger(t)})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestMuxMergesSources(t *testing.T) {
	watch := newStubSource(NameWatch)
	feed := newStubSource(NameFeed)
	m := startMux(t, time.Second, watch, feed)

	now := time.Now()
	watch.batches <- state.Batch{Source: NameWatch, Observed: []state.Observation{obs("/a", 1, now)}}
	feed.batches <- state.Batch{Source: NameFeed, Observed: []state.Observation{obs("/b", 2, now)}}

	seen := map[string]bool{}
	for len(seen) < 2 {
		b := waitBatch(t, m.Batches(), func(state.Batch) bool { return true })
		seen[b.Source] = true
	}
	if !seen[NameWatch] || !seen[NameFeed] {
		t.Errorf("merged stream missing a source: %v", seen)
	}
}

func TestMuxDropsDuplicateSightings(t *testing.T) {
	watch := newStubSource(NameWatch)
	feed := newStubSource(NameFeed)
	m := startMux(t, time.Minute, watch, feed)

	now := time.Now()
	sighting := obs("/mnt/gdrive/movie.mkv", 100, now)

	watch.batches <- state.Batch{Source: NameWatch, Observed: []state.Observation{sighting}}
	waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Source == NameWatch })

	// The feed reports the same path with the same size and mtime
	// moments later: suppressed entirely.
	feed.batches <- state.Batch{Source: NameFeed, Observed: []state.Observation{sighting}}
	// A different sighting of the same path passes through.
	changed := obs("/mnt/gdrive/movie.mkv", 200, now)
	feed.batches <- state.Batch{Source: NameFeed, Observed: []state.Observation{changed}}

	b := waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Source == NameFeed })
	if len(b.Observed) != 1 || b.Observed[0].Size != 200 {
		t.Errorf("got %+v, want only the changed sighting", b.Observed)
	}
}

func TestMuxNeverTrimsFullBatches(t *testing.T) {
	watch := newStubSource(NameWatch)
	poll := newStubSource(NamePoll)
	m := startMux(t, time.Minute, watch, poll)

	now := time.Now()
	sighting := obs("/mnt/gdrive/movie.mkv", 100, now)

	watch.batches <- state.Batch{Source: NameWatch, Observed: []state.Observation{sighting}}
	waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Source == NameWatch })

	// A full listing containing the very same sighting keeps it: full
	// batches are complete listings and the reconciler needs every
	// path to compute absence.
	poll.batches <- state.Batch{
		Source: NamePoll, Scope: "/mnt/gdrive", Full: true,
		Observed: []state.Observation{sighting},
	}
	b := waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Full })
	if len(b.Observed) != 1 {
		t.Errorf("full batch trimmed to %d observations, want 1", len(b.Observed))
	}
}

func TestMuxDedupesRepeatedRemovals(t *testing.T) {
	watch := newStubSource(NameWatch)
	feed := newStubSource(NameFeed)
	m := startMux(t, time.Minute, watch, feed)

	watch.batches <- state.Batch{Source: NameWatch, Removed: []string{"/gone.mkv"}}
	waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Source == NameWatch })

	feed.batches <- state.Batch{Source: NameFeed, Removed: []string{"/gone.mkv"}}
	feed.batches <- state.Batch{Source: NameFeed, Removed: []string{"/other.mkv"}}

	b := waitBatch(t, m.Batches(), func(b state.Batch) bool { return b.Source == NameFeed })
	if len(b.Removed) != 1 || b.Removed[0] != "/other.mkv" {
		t.Errorf("removed = %v, want only the fresh removal", b.Removed)
	}
}

func TestMuxForwardsErrors(t *testing.T) {
	watch := newStubSource(NameWatch)
	m := startMux(t, time.Second, watch)

	watch.errs <- context.DeadlineExceeded
	select {
	case err := <-m.Errors():
		if err == nil {
			t.Error("forwarded error is nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("adapter error never surfaced on the merged channel")
	}
}
