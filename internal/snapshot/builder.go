// Package snapshot serializes the canonical file tree to disk. Two
// formats are produced from the same store walk: a compact positional
// encoding sized for very large trees, and a nested JSON tree for
// anything that wants to read the snapshot structurally.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/graysui/graylink/internal/errkind"
	"github.com/graysui/graylink/internal/state"
)

// Format selects the snapshot encoding.
type Format string

const (
	// FormatCompact is the positional encoding: a JSON array of
	// directory entries, each a string slice. Element 0 is the
	// directory path; the middle elements are files encoded as
	// "name*size*modtime" (modtime in unix seconds); the final element
	// is the "*"-joined indexes of the child directories, empty when
	// the directory has none. Entry 0 is always the virtual root.
	FormatCompact Format = "compact"
	// FormatTree is a nested JSON tree of directories and files.
	FormatTree Format = "tree"
)

// File is one file inside a snapshot node.
type File struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"modtime"`
}

// Node is one directory in the structured tree.
type Node struct {
	Path  string  `json:"path"`
	Files []File  `json:"files,omitempty"`
	Dirs  []*Node `json:"dirs,omitempty"`
}

// TreeExport is the on-disk form of the structured snapshot.
type TreeExport struct {
	GeneratedAt time.Time `json:"generated_at"`
	Tree        *Node     `json:"tree"`
}

// Builder reads the store and writes snapshots.
type Builder struct {
	store  *state.Store
	logger *log.Logger
}

// New creates a snapshot builder.
func New(store *state.Store, logger *log.Logger) *Builder {
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	return &Builder{store: store, logger: logger}
}

// Write serializes the current tree in the given format and writes it
// to path atomically: the data lands in a temp file in the same
// directory and is renamed into place, so a reader never sees a
// half-written snapshot.
func (b *Builder) Write(ctx context.Context, path string, format Format) error {
	var data []byte
	var err error
	switch format {
	case FormatCompact:
		data, err = b.Compact(ctx)
	case FormatTree:
		var root *Node
		if root, err = b.Tree(ctx); err == nil {
			export := TreeExport{GeneratedAt: time.Now().UTC(), Tree: root}
			data, err = json.MarshalIndent(export, "", "  ")
		}
	default:
		return errkind.Newf(errkind.StateStore, "unknown snapshot format %q", format)
	}
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return errkind.Newf(errkind.StateStore, "creating snapshot directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errkind.Newf(errkind.StateStore, "creating snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errkind.Newf(errkind.StateStore, "writing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return errkind.Newf(errkind.StateStore, "closing snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errkind.Newf(errkind.StateStore, "renaming snapshot into place: %w", err)
	}

	b.logger.Printf("wrote %s snapshot to %s (%d bytes)", format, path, len(data))
	return nil
}

// walk loads the directory table and the files grouped per directory,
// with every list in a stable order.
func (b *Builder) walk(ctx context.Context) ([]state.DirNode, map[int64][]state.FileRecord, map[int64][]int64, error) {
	dirs, err := b.store.ListDirs(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	files, err := b.store.FilesByDir(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	children := make(map[int64][]int64)
	for _, d := range dirs {
		if d.ID == state.RootDirID {
			continue
		}
		children[d.ParentID] = append(children[d.ParentID], d.ID)
	}
	// ListDirs returns id order, so child lists are already ascending.
	return dirs, files, children, nil
}

// Compact builds the positional encoding.
func (b *Builder) Compact(ctx context.Context) ([]byte, error) {
	dirs, files, children, err := b.walk(ctx)
	if err != nil {
		return nil, err
	}

	// Directory ids grow monotonically but can have gaps once trees
	// are pruned, so entries are reindexed densely and child lists
	// refer to array positions.
	index := make(map[int64]int, len(dirs))
	for i, d := range dirs {
		index[d.ID] = i
	}

	entries := make([][]string, len(dirs))
	for i, d := range dirs {
		entry := []string{d.Path}
		for _, f := range files[d.ID] {
			entry = append(entry, encodeFile(f))
		}
		kids := make([]string, 0, len(children[d.ID]))
		for _, id := range children[d.ID] {
			kids = append(kids, strconv.Itoa(index[id]))
		}
		entry = append(entry, strings.Join(kids, "*"))
		entries[i] = entry
	}

	return json.Marshal(entries)
}

// Tree builds the structured tree rooted at the virtual root.
func (b *Builder) Tree(ctx context.Context) (*Node, error) {
	dirs, files, children, err := b.walk(ctx)
	if err != nil {
		return nil, err
	}

	nodes := make(map[int64]*Node, len(dirs))
	for _, d := range dirs {
		n := &Node{Path: d.Path}
		for _, f := range files[d.ID] {
			n.Files = append(n.Files, File{
				Name:    filepath.Base(f.Path),
				Size:    f.Size,
				ModTime: f.ModTime.Unix(),
			})
		}
		nodes[d.ID] = n
	}
	for _, d := range dirs {
		for _, id := range children[d.ID] {
			nodes[d.ID].Dirs = append(nodes[d.ID].Dirs, nodes[id])
		}
	}

	root, ok := nodes[state.RootDirID]
	if !ok {
		root = &Node{}
	}
	return root, nil
}

// encodeFile packs one file into the "name*size*modtime" form. "*"
// cannot appear in the name because it is the field delimiter; the
// rare file that carries one is stored with the character replaced,
// which only affects the snapshot, never the store or the mirror.
func encodeFile(f state.FileRecord) string {
	name := strings.ReplaceAll(filepath.Base(f.Path), "*", "_")
	return fmt.Sprintf("%s*%d*%d", name, f.Size, f.ModTime.Unix())
}

// DecodeCompact parses a compact snapshot back into the structured
// tree. Used by the export tooling and as the format's self-check.
func DecodeCompact(data []byte) (*Node, error) {
	var entries [][]string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errkind.Newf(errkind.StateStore, "parsing compact snapshot: %w", err)
	}
	if len(entries) == 0 {
		return &Node{}, nil
	}

	nodes := make([]*Node, len(entries))
	for i, entry := range entries {
		if len(entry) < 2 {
			return nil, errkind.Newf(errkind.StateStore, "compact entry %d too short", i)
		}
		n := &Node{Path: entry[0]}
		for _, raw := range entry[1 : len(entry)-1] {
			f, err := decodeFile(raw)
			if err != nil {
				return nil, errkind.Newf(errkind.StateStore, "compact entry %d: %w", i, err)
			}
			n.Files = append(n.Files, f)
		}
		nodes[i] = n
	}

	for i, entry := range entries {
		kids := entry[len(entry)-1]
		if kids == "" {
			continue
		}
		for _, raw := range strings.Split(kids, "*") {
			idx, err := strconv.Atoi(raw)
			if err != nil || idx <= 0 || idx >= len(nodes) {
				return nil, errkind.Newf(errkind.StateStore, "compact entry %d: bad child index %q", i, raw)
			}
			nodes[i].Dirs = append(nodes[i].Dirs, nodes[idx])
		}
	}
	return nodes[0], nil
}

func decodeFile(raw string) (File, error) {
	parts := strings.Split(raw, "*")
	if len(parts) != 3 {
		return File{}, fmt.Errorf("malformed file field %q", raw)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("bad size in %q: %w", raw, err)
	}
	mtime, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return File{}, fmt.Errorf("bad modtime in %q: %w", raw, err)
	}
	return File{Name: parts[0], Size: size, ModTime: mtime}, nil
}

// Schedule runs a snapshot write on a fixed interval until the context
// is done. Failures are logged and the schedule keeps going.
func (b *Builder) Schedule(ctx context.Context, dir string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			name := "snapshot-" + time.Now().UTC().Format("20060102-150405")
			if err := b.Write(ctx, filepath.Join(dir, name+".json"), FormatCompact); err != nil {
				b.logger.Printf("scheduled snapshot failed: %v", err)
			}
		}
	}
}

