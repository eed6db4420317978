package state

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/graysui/graylink/internal/errkind"
)

// ChangeKind classifies an authoritative change decided by the
// reconciler.
type ChangeKind int

const (
	// Added means the path was observed and is new to the store.
	Added ChangeKind = iota
	// Modified means the path exists in the store with a different
	// size or modification time.
	Modified
	// Removed means the store row was deleted, either because a full
	// listing of the scope no longer contains it or because a source
	// reported its removal explicitly.
	Removed
)

// String returns a human-readable name for the kind.
func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Observation is one file sighting presented to the reconciler.
type Observation struct {
	Path    string
	Size    int64
	ModTime time.Time
	IsDir   bool
	Hash    string
}

// Batch is a set of observations from one source pass.
//
// Full batches claim to enumerate everything under Scope, which
// authorizes removal inference for paths the batch no longer contains.
// Partial batches carry only what the source happened to see; absence
// from a partial batch means nothing. Removed lists paths a source
// affirmatively reported deleted (a watch remove event, a feed removal
// entry); those are honored regardless of completeness because they
// are positive information, not absence inference.
type Batch struct {
	Source   string
	Scope    string
	Full     bool
	Observed []Observation
	Removed  []string
}

// Change is an authoritative state transition produced by reconciling
// a batch against the store.
type Change struct {
	Path    string
	Kind    ChangeKind
	Size    int64
	ModTime time.Time
	IsDir   bool
	Source  string
}

// Reconciler diffs observation batches against the store and applies
// the result transactionally.
type Reconciler struct {
	store  *Store
	logger *log.Logger
}

// NewReconciler creates a reconciler over the given store.
func NewReconciler(store *Store, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.New(log.Writer(), "[reconciler] ", log.LstdFlags)
	}
	return &Reconciler{store: store, logger: logger}
}

// Reconcile diffs batch against the store, stages the store mutations
// in a single transaction, hands the resulting changes to deliver, and
// commits only after deliver returns nil. The TxWriter passed to
// deliver records symlink mapping rows in the same transaction.
//
// If deliver fails the transaction is rolled back, so the next pass
// recomputes the same delta: delivery is at-least-once and re-diffing
// unchanged state yields an empty delta, which makes replay idempotent.
// A nil deliver applies the store mutations without a consumer.
func (r *Reconciler) Reconcile(ctx context.Context, batch Batch, deliver func(*TxWriter, []Change) error) ([]Change, error) {
	changes, err := r.diff(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return nil, nil
	}

	tx, err := r.store.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "beginning reconcile transaction: %w", err)
	}
	defer tx.Rollback()

	for _, c := range changes {
		switch c.Kind {
		case Added, Modified:
			rec := FileRecord{
				Path:     c.Path,
				Size:     c.Size,
				ModTime:  c.ModTime,
				IsDir:    c.IsDir,
				LastSeen: batch.Source,
			}
			if err := upsertFileTx(ctx, tx, rec); err != nil {
				return nil, errkind.New(errkind.StateStore, err)
			}
		case Removed:
			if err := deleteFileTx(ctx, tx, c.Path); err != nil {
				return nil, errkind.New(errkind.StateStore, err)
			}
		}
	}

	if deliver != nil {
		if err := deliver(&TxWriter{ctx: ctx, tx: tx}, changes); err != nil {
			// Roll back so the batch is recomputed on the next pass.
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errkind.Newf(errkind.StateStore, "committing reconcile transaction: %w", err)
	}

	r.logger.Printf("batch from %s: %d change(s) (%s scope=%q full=%v)",
		batch.Source, len(changes), summarize(changes), batch.Scope, batch.Full)
	return changes, nil
}

// diff computes the add/modify/remove set without touching the store.
func (r *Reconciler) diff(ctx context.Context, batch Batch) ([]Change, error) {
	var changes []Change
	seen := make(map[string]bool, len(batch.Observed))

	for _, obs := range batch.Observed {
		path := normalizePath(obs.Path)
		seen[path] = true

		existing, err := r.store.GetFile(ctx, path)
		if err != nil {
			return nil, err
		}

		switch {
		case existing == nil:
			changes = append(changes, Change{
				Path: path, Kind: Added,
				Size: obs.Size, ModTime: obs.ModTime, IsDir: obs.IsDir,
				Source: batch.Source,
			})
		case existing.Size != obs.Size || existing.ModTime.Unix() != obs.ModTime.Unix():
			changes = append(changes, Change{
				Path: path, Kind: Modified,
				Size: obs.Size, ModTime: obs.ModTime, IsDir: obs.IsDir,
				Source: batch.Source,
			})
		}
	}

	// Explicit removals are positive information from the source.
	for _, path := range batch.Removed {
		path = normalizePath(path)
		existing, err := r.store.GetFile(ctx, path)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			changes = append(changes, Change{
				Path: path, Kind: Removed,
				Size: existing.Size, ModTime: existing.ModTime, IsDir: existing.IsDir,
				Source: batch.Source,
			})
		}
	}

	// Absence inference is only valid against a full listing of the
	// scope. A partial batch must never produce a Removed change from
	// a path merely being absent.
	if batch.Full {
		stored, err := r.store.ListFilesUnder(ctx, batch.Scope)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if !seen[rec.Path] {
				changes = append(changes, Change{
					Path: rec.Path, Kind: Removed,
					Size: rec.Size, ModTime: rec.ModTime, IsDir: rec.IsDir,
					Source: batch.Source,
				})
			}
		}
	}

	return changes, nil
}

func summarize(changes []Change) string {
	var added, modified, removed int
	for _, c := range changes {
		switch c.Kind {
		case Added:
			added++
		case Modified:
			modified++
		case Removed:
			removed++
		}
	}
	return fmt.Sprintf("+%d ~%d -%d", added, modified, removed)
}
