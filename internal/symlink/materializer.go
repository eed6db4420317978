// Package symlink maintains the mirror tree: one symlink per media
// file, laid out under the symlink root with the same relative path
// the file has under its mount root.
package symlink

import (
	"context"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/state"
)

// Config configures the materializer.
type Config struct {
	// MountRoots are the source trees the mirror is built from.
	MountRoots []string
	// SymlinkRoot is where the mirror lives. Never inside a mount.
	SymlinkRoot string
	// MediaExtensions is the case-insensitive allow-list, entries with
	// the leading dot.
	MediaExtensions []string
	// ExcludePrefixes are directory segments whose subtrees are never
	// mirrored.
	ExcludePrefixes []string
	Logger          *log.Logger
}

// Result reports what one Apply pass did, in link paths. The engine
// feeds these to the media server notifier.
type Result struct {
	Created   []string
	Updated   []string
	Removed   []string
	Conflicts []string
}

// Empty reports whether the pass changed nothing.
func (r Result) Empty() bool {
	return len(r.Created) == 0 && len(r.Updated) == 0 &&
		len(r.Removed) == 0 && len(r.Conflicts) == 0
}

// Materializer translates reconciler changes into symlink operations.
// It only ever creates, retargets, or removes symlinks it owns: a
// regular file or directory sitting where a link belongs is a conflict
// and is left untouched, recorded, and logged.
type Materializer struct {
	cfg  Config
	exts map[string]bool
}

// New creates a materializer.
func New(cfg Config) *Materializer {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[symlink] ", log.LstdFlags)
	}
	exts := make(map[string]bool, len(cfg.MediaExtensions))
	for _, ext := range cfg.MediaExtensions {
		exts[strings.ToLower(ext)] = true
	}
	return &Materializer{cfg: cfg, exts: exts}
}

// Eligible reports whether a source path gets a symlink: it must live
// under a mount root, outside every excluded subtree, with an allowed
// extension.
func (m *Materializer) Eligible(path string) bool {
	if _, ok := m.relPath(path); !ok {
		return false
	}
	if m.excludedPath(path) {
		return false
	}
	return m.exts[strings.ToLower(filepath.Ext(path))]
}

// TargetFor returns the link path for a source path. The mapping is a
// pure function of the path: symlink root plus the path's position
// relative to its mount root.
func (m *Materializer) TargetFor(path string) (string, bool) {
	rel, ok := m.relPath(path)
	if !ok {
		return "", false
	}
	return filepath.Join(m.cfg.SymlinkRoot, rel), true
}

// relPath returns path relative to the mount root containing it.
func (m *Materializer) relPath(path string) (string, bool) {
	for _, root := range m.cfg.MountRoots {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
			continue
		}
		return rel, true
	}
	return "", false
}

func (m *Materializer) excludedPath(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == "" {
			continue
		}
		for _, p := range m.cfg.ExcludePrefixes {
			if strings.HasPrefix(seg, p) {
				return true
			}
		}
	}
	return false
}

// Apply materializes one batch of changes. Mapping rows ride the
// caller's transaction, so a rolled-back batch leaves no mapping
// behind; the filesystem operations are idempotent and a replay
// converges to the same tree.
func (m *Materializer) Apply(w *state.TxWriter, changes []state.Change) (Result, error) {
	var res Result
	for _, c := range changes {
		switch c.Kind {
		case state.Added, state.Modified:
			if c.IsDir || !m.Eligible(c.Path) {
				continue
			}
			if err := m.link(w, c, &res); err != nil {
				return res, err
			}
		case state.Removed:
			if err := m.unlink(w, c, &res); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

// link ensures the symlink for one source file exists and points at
// it.
func (m *Materializer) link(w *state.TxWriter, c state.Change, res *Result) error {
	link, _ := m.TargetFor(c.Path)

	info, err := os.Lstat(link)
	switch {
	case err == nil && info.Mode()&os.ModeSymlink == 0:
		// Something that is not ours sits at the link path. Leave it.
		m.cfg.Logger.Printf("conflict: %s exists and is not a symlink, leaving it alone", link)
		res.Conflicts = append(res.Conflicts, link)
		return w.UpsertMapping(state.Mapping{
			LinkPath: link, SourcePath: c.Path, Status: state.StatusConflict,
		})

	case err == nil:
		dest, rerr := os.Readlink(link)
		if rerr == nil && dest == c.Path {
			// Already correct. A Modified change still counts as an
			// update so the media server rescans the file.
			if c.Kind == state.Modified {
				res.Updated = append(res.Updated, link)
			}
			return w.UpsertMapping(state.Mapping{
				LinkPath: link, SourcePath: c.Path, Status: state.StatusLinked,
			})
		}
		// Stale link, retarget it.
		if err := os.Remove(link); err != nil {
			return errkind.New(errkind.Conflict, err).WithPath(link)
		}

	case !os.IsNotExist(err):
		return errkind.New(errkind.Conflict, err).WithPath(link)
	}

	if err := os.MkdirAll(filepath.Dir(link), 0755); err != nil {
		return errkind.New(errkind.Conflict, err).WithPath(link)
	}
	if err := os.Symlink(c.Path, link); err != nil {
		return errkind.New(errkind.Conflict, err).WithPath(link)
	}

	if c.Kind == state.Modified {
		res.Updated = append(res.Updated, link)
	} else {
		res.Created = append(res.Created, link)
	}
	return w.UpsertMapping(state.Mapping{
		LinkPath: link, SourcePath: c.Path, Status: state.StatusLinked,
	})
}

// unlink removes the symlinks for a removed source path. A removed
// directory takes its whole mirrored subtree of links with it.
func (m *Materializer) unlink(w *state.TxWriter, c state.Change, res *Result) error {
	link, ok := m.TargetFor(c.Path)
	if !ok {
		return nil
	}

	if c.IsDir {
		return m.unlinkTree(w, c.Path, link, res)
	}

	// The recorded mappings catch links laid out under an earlier
	// symlink root or target scheme; the computed target covers a row
	// that was never written.
	links, err := w.MappingsBySource(c.Path)
	if err != nil {
		return err
	}
	if !slices.Contains(links, link) {
		links = append(links, link)
	}

	for _, l := range links {
		removed, err := removeIfLink(l)
		if err != nil {
			return err
		}
		if removed {
			res.Removed = append(res.Removed, l)
			m.pruneEmptyDirs(filepath.Dir(l))
		}
		if err := w.DeleteMapping(l); err != nil {
			return err
		}
	}
	return nil
}

// unlinkTree removes every link under dir that points into the removed
// source subtree.
func (m *Materializer) unlinkTree(w *state.TxWriter, sourceDir, dir string, res *Result) error {
	sep := string(filepath.Separator)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		dest, rerr := os.Readlink(path)
		if rerr != nil {
			return nil
		}
		if dest != sourceDir && !strings.HasPrefix(dest, sourceDir+sep) {
			return nil
		}
		if removed, rerr := removeIfLink(path); rerr == nil && removed {
			res.Removed = append(res.Removed, path)
		}
		return w.DeleteMapping(path)
	})
	if err != nil {
		return err
	}
	m.pruneEmptyDirs(dir)
	return nil
}

// pruneEmptyDirs removes now-empty directories from dir up to, but
// never including, the symlink root.
func (m *Materializer) pruneEmptyDirs(dir string) {
	root := filepath.Clean(m.cfg.SymlinkRoot)
	for dir != root && strings.HasPrefix(dir, root+string(filepath.Separator)) {
		entries, err := os.ReadDir(dir)
		if err != nil || len(entries) > 0 {
			return
		}
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Sweep walks the mirror and removes links whose target no longer
// resolves, along with their mapping rows. Only symlinks are ever
// removed.
func (m *Materializer) Sweep(ctx context.Context, store SweepStore) (int, error) {
	var removed int
	err := filepath.WalkDir(m.cfg.SymlinkRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return errkind.New(errkind.Conflict, err).WithPath(path)
		}
		if d.IsDir() || d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		if _, serr := os.Stat(path); serr == nil {
			return nil // target resolves
		}
		ok, rerr := removeIfLink(path)
		if rerr != nil {
			return rerr
		}
		if ok {
			removed++
			m.cfg.Logger.Printf("swept dangling link %s", path)
			if derr := store.DeleteMapping(ctx, path); derr != nil {
				return derr
			}
			m.pruneEmptyDirs(filepath.Dir(path))
		}
		return nil
	})
	return removed, err
}

// SweepStore is the slice of the state store the sweep needs.
type SweepStore interface {
	DeleteMapping(ctx context.Context, linkPath string) error
}

// removeIfLink deletes path only when it is a symlink. Anything else
// stays put, whatever state the store thinks it is in.
func removeIfLink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errkind.New(errkind.Conflict, err).WithPath(path)
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, errkind.New(errkind.Conflict, err).WithPath(path)
	}
	return true, nil
}
