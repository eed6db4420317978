// Package source provides the change source adapters that feed the
// reconciler: a filesystem watcher, a periodic scanner, and a remote
// change-feed poller. Each adapter emits observation batches on a
// channel; the multiplexer merges them into a single ordered stream.
package source

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/graysui/graylink/internal/state"
)

// Adapter names, used as batch source labels and checkpoint keys.
const (
	NameWatch = "watch"
	NamePoll  = "poll"
	NameFeed  = "feed"
)

// Source is a producer of observation batches. Start begins emitting
// on the Batches channel and returns once the adapter is running; Stop
// shuts it down and closes the channels.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Batches() <-chan state.Batch
	Errors() <-chan error
}

// Checkpoints persists adapter resume positions across restarts.
// *state.Store satisfies it.
type Checkpoints interface {
	Checkpoint(ctx context.Context, source string) (time.Time, bool, error)
	SetCheckpoint(ctx context.Context, source string, t time.Time) error
}

// excluded reports whether any path segment starts with one of the
// given prefixes. Matching a directory segment excludes the whole
// subtree, so callers can stop descending at the first hit.
func excluded(path string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return false
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == "" {
			continue
		}
		for _, p := range prefixes {
			if strings.HasPrefix(seg, p) {
				return true
			}
		}
	}
	return false
}
