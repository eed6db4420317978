// Package state provides the canonical file-state store and the
// reconciliation diff that turns change observations into authoritative
// add/modify/remove events.
//
// The store is a local SQLite database (WAL mode for concurrent reads)
// holding four tables:
//   - files: one row per observed file, keyed by absolute path
//   - dirs: stable, monotonically assigned directory ids (0 = root)
//   - symlinks: materialized link mappings and their status
//   - checkpoints: per-adapter resume positions
//
// The store is the single source of truth for what exists; the symlink
// tree on disk is a projection of it, never the reverse.
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/graysui/graylink/internal/errkind"
)

// RootDirID is the reserved directory id of the virtual root that
// parents every monitored mount root.
const RootDirID = 0

// FileRecord is one row of the canonical file table.
type FileRecord struct {
	Path     string
	DirID    int64
	Size     int64
	ModTime  time.Time
	IsDir    bool
	Hash     string // optional, never part of the equality check
	LastSeen string // name of the source that last observed the file
}

// DirNode is one row of the directory table. Ids are assigned once per
// unique path and never reused.
type DirNode struct {
	ID       int64
	Path     string
	ParentID int64
}

// MappingStatus describes the materialization state of a symlink row.
type MappingStatus string

const (
	// StatusLinked means the symlink exists and points at its source.
	StatusLinked MappingStatus = "linked"
	// StatusPending means the mapping is recorded but not yet linked.
	StatusPending MappingStatus = "pending"
	// StatusConflict means the target is occupied by a real file.
	StatusConflict MappingStatus = "conflict"
	// StatusRemoved means the symlink was removed.
	StatusRemoved MappingStatus = "removed"
)

// Mapping is one row of the symlink table.
type Mapping struct {
	LinkPath   string
	SourcePath string
	Status     MappingStatus
	UpdatedAt  time.Time
}

// Stats summarizes store contents for the status command.
type Stats struct {
	Files     int
	Dirs      int
	Linked    int
	Conflicts int
}

// Store wraps the SQLite connection with graylink-specific queries.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the state database at path.
//
// The database is opened in embedded mode with WAL for concurrent
// reads. The schema is created if missing, including the reserved
// root directory row. The caller must Close() the store.
func Open(path string) (*Store, error) {
	connStr := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errkind.Newf(errkind.StateStore, "creating database directory: %w", err)
		}
		connStr = "file:" + path
	}

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "opening database: %w", err)
	}

	if path == ":memory:" {
		// A pooled second connection would see an empty database.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(10)
		conn.SetMaxIdleConns(2)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, errkind.Newf(errkind.StateStore, "pinging database: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, errkind.Newf(errkind.StateStore, "%s: %w", pragma, err)
		}
	}

	s := &Store{conn: conn, path: path}
	if err := s.initSchema(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errkind.Newf(errkind.StateStore, "closing database: %w", err)
	}
	return nil
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS files (
		path TEXT PRIMARY KEY,
		dir_id INTEGER NOT NULL,
		size INTEGER NOT NULL,
		mtime INTEGER NOT NULL,
		is_dir INTEGER NOT NULL DEFAULT 0,
		hash TEXT,
		last_seen TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dirs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		path TEXT UNIQUE NOT NULL,
		parent_id INTEGER
	);

	CREATE TABLE IF NOT EXISTS symlinks (
		link_path TEXT PRIMARY KEY,
		source_path TEXT NOT NULL,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checkpoints (
		source TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_files_dir ON files(dir_id);
	CREATE INDEX IF NOT EXISTS idx_dirs_parent ON dirs(parent_id);
	CREATE INDEX IF NOT EXISTS idx_symlinks_source ON symlinks(source_path);
	CREATE INDEX IF NOT EXISTS idx_symlinks_status ON symlinks(status);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return errkind.Newf(errkind.StateStore, "initializing schema: %w", err)
	}

	// Reserve id 0 for the virtual root that parents every mount root.
	_, err := s.conn.ExecContext(ctx,
		`INSERT INTO dirs (id, path, parent_id) VALUES (?, '', NULL)
		 ON CONFLICT(id) DO NOTHING`, RootDirID)
	if err != nil {
		return errkind.Newf(errkind.StateStore, "reserving root directory: %w", err)
	}
	return nil
}

// dirIDFor resolves (creating as needed) the directory id chain for the
// given directory path, within the supplied transaction. Ids are
// monotonic: a path resolves to the same id for the life of the store.
func dirIDFor(ctx context.Context, tx *sql.Tx, dir string) (int64, error) {
	dir = filepath.Clean(dir)
	if dir == "/" || dir == "." || dir == "" {
		return RootDirID, nil
	}

	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM dirs WHERE path = ?`, dir).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("looking up directory %s: %w", dir, err)
	}

	parentID, err := dirIDFor(ctx, tx, filepath.Dir(dir))
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dirs (path, parent_id) VALUES (?, ?)`, dir, parentID)
	if err != nil {
		return 0, fmt.Errorf("inserting directory %s: %w", dir, err)
	}
	return res.LastInsertId()
}

// upsertFileTx inserts or updates a file row inside tx.
func upsertFileTx(ctx context.Context, tx *sql.Tx, rec FileRecord) error {
	dirID, err := dirIDFor(ctx, tx, filepath.Dir(rec.Path))
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO files (path, dir_id, size, mtime, is_dir, hash, last_seen, updated_at)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			mtime = excluded.mtime,
			is_dir = excluded.is_dir,
			hash = COALESCE(excluded.hash, files.hash),
			last_seen = excluded.last_seen,
			updated_at = excluded.updated_at
	`,
		rec.Path, dirID, rec.Size, rec.ModTime.Unix(), boolToInt(rec.IsDir),
		rec.Hash, rec.LastSeen, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting file %s: %w", rec.Path, err)
	}
	return nil
}

func deleteFileTx(ctx context.Context, tx *sql.Tx, path string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("deleting file %s: %w", path, err)
	}
	return nil
}

// GetFile returns the record for path, or (nil, nil) when absent.
func (s *Store) GetFile(ctx context.Context, path string) (*FileRecord, error) {
	row := s.conn.QueryRowContext(ctx, `
		SELECT path, dir_id, size, mtime, is_dir, COALESCE(hash, ''), last_seen
		FROM files WHERE path = ?`, path)

	rec, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "reading file %s: %w", path, err)
	}
	return rec, nil
}

// ListFilesUnder returns every file record whose path is scope itself
// or lives underneath it. An empty scope lists everything.
func (s *Store) ListFilesUnder(ctx context.Context, scope string) ([]FileRecord, error) {
	var rows *sql.Rows
	var err error
	if scope == "" {
		rows, err = s.conn.QueryContext(ctx, `
			SELECT path, dir_id, size, mtime, is_dir, COALESCE(hash, ''), last_seen
			FROM files ORDER BY path`)
	} else {
		scope = filepath.Clean(scope)
		rows, err = s.conn.QueryContext(ctx, `
			SELECT path, dir_id, size, mtime, is_dir, COALESCE(hash, ''), last_seen
			FROM files WHERE path = ? OR path LIKE ? ORDER BY path`,
			scope, scope+string(os.PathSeparator)+"%")
	}
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "listing files under %q: %w", scope, err)
	}
	defer rows.Close()

	var recs []FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, errkind.Newf(errkind.StateStore, "scanning file row: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Newf(errkind.StateStore, "iterating files: %w", err)
	}
	return recs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*FileRecord, error) {
	var rec FileRecord
	var mtime int64
	var isDir int
	if err := row.Scan(&rec.Path, &rec.DirID, &rec.Size, &mtime, &isDir, &rec.Hash, &rec.LastSeen); err != nil {
		return nil, err
	}
	rec.ModTime = time.Unix(mtime, 0).UTC()
	rec.IsDir = isDir != 0
	return &rec, nil
}

// ListDirs returns every directory node, root included, ordered by id.
func (s *Store) ListDirs(ctx context.Context) ([]DirNode, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT id, path, COALESCE(parent_id, -1) FROM dirs ORDER BY id`)
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "listing directories: %w", err)
	}
	defer rows.Close()

	var dirs []DirNode
	for rows.Next() {
		var d DirNode
		if err := rows.Scan(&d.ID, &d.Path, &d.ParentID); err != nil {
			return nil, errkind.Newf(errkind.StateStore, "scanning directory row: %w", err)
		}
		dirs = append(dirs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Newf(errkind.StateStore, "iterating directories: %w", err)
	}
	return dirs, nil
}

// FilesByDir returns the non-directory files of each directory id,
// sorted by name within each directory.
func (s *Store) FilesByDir(ctx context.Context) (map[int64][]FileRecord, error) {
	files, err := s.ListFilesUnder(ctx, "")
	if err != nil {
		return nil, err
	}

	byDir := make(map[int64][]FileRecord)
	for _, f := range files {
		if f.IsDir {
			continue
		}
		byDir[f.DirID] = append(byDir[f.DirID], f)
	}
	for id := range byDir {
		sort.Slice(byDir[id], func(i, j int) bool {
			return filepath.Base(byDir[id][i].Path) < filepath.Base(byDir[id][j].Path)
		})
	}
	return byDir, nil
}

// TxWriter lets a reconcile consumer record mapping rows inside the
// reconcile transaction, so store state and mapping state commit
// together. SQLite holds a single write lock, so writing through a
// second connection while the reconcile transaction is open would
// block; all mid-transaction writes must go through here.
type TxWriter struct {
	ctx context.Context
	tx  *sql.Tx
}

// UpsertMapping records a symlink mapping row within the transaction.
func (w *TxWriter) UpsertMapping(m Mapping) error {
	_, err := w.tx.ExecContext(w.ctx, `
		INSERT INTO symlinks (link_path, source_path, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(link_path) DO UPDATE SET
			source_path = excluded.source_path,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, m.LinkPath, m.SourcePath, string(m.Status), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errkind.Newf(errkind.StateStore, "upserting mapping %s: %w", m.LinkPath, err)
	}
	return nil
}

// DeleteMapping removes a symlink row within the transaction.
func (w *TxWriter) DeleteMapping(linkPath string) error {
	if _, err := w.tx.ExecContext(w.ctx, `DELETE FROM symlinks WHERE link_path = ?`, linkPath); err != nil {
		return errkind.Newf(errkind.StateStore, "deleting mapping %s: %w", linkPath, err)
	}
	return nil
}

// MappingsBySource returns the link paths recorded for a source file,
// reading through the transaction.
func (w *TxWriter) MappingsBySource(sourcePath string) ([]string, error) {
	rows, err := w.tx.QueryContext(w.ctx,
		`SELECT link_path FROM symlinks WHERE source_path = ?`, sourcePath)
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "querying mappings for %s: %w", sourcePath, err)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, errkind.Newf(errkind.StateStore, "scanning mapping row: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// UpsertMapping records a symlink mapping row and its status.
func (s *Store) UpsertMapping(ctx context.Context, m Mapping) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO symlinks (link_path, source_path, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(link_path) DO UPDATE SET
			source_path = excluded.source_path,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, m.LinkPath, m.SourcePath, string(m.Status), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errkind.Newf(errkind.StateStore, "upserting mapping %s: %w", m.LinkPath, err)
	}
	return nil
}

// DeleteMapping removes a symlink row. Idempotent.
func (s *Store) DeleteMapping(ctx context.Context, linkPath string) error {
	if _, err := s.conn.ExecContext(ctx, `DELETE FROM symlinks WHERE link_path = ?`, linkPath); err != nil {
		return errkind.Newf(errkind.StateStore, "deleting mapping %s: %w", linkPath, err)
	}
	return nil
}

// GetMapping returns the mapping at linkPath, or (nil, nil) when absent.
func (s *Store) GetMapping(ctx context.Context, linkPath string) (*Mapping, error) {
	var m Mapping
	var status, updated string
	err := s.conn.QueryRowContext(ctx, `
		SELECT link_path, source_path, status, updated_at
		FROM symlinks WHERE link_path = ?`, linkPath).
		Scan(&m.LinkPath, &m.SourcePath, &status, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "reading mapping %s: %w", linkPath, err)
	}
	m.Status = MappingStatus(status)
	if t, err := time.Parse(time.RFC3339, updated); err == nil {
		m.UpdatedAt = t
	}
	return &m, nil
}

// MappingsBySource returns the link paths recorded for a source file.
func (s *Store) MappingsBySource(ctx context.Context, sourcePath string) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT link_path FROM symlinks WHERE source_path = ?`, sourcePath)
	if err != nil {
		return nil, errkind.Newf(errkind.StateStore, "querying mappings for %s: %w", sourcePath, err)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, errkind.Newf(errkind.StateStore, "scanning mapping row: %w", err)
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// Checkpoint returns the persisted resume position for an adapter.
// ok is false when no checkpoint has been recorded yet.
func (s *Store) Checkpoint(ctx context.Context, source string) (t time.Time, ok bool, err error) {
	var value string
	err = s.conn.QueryRowContext(ctx,
		`SELECT value FROM checkpoints WHERE source = ?`, source).Scan(&value)
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errkind.Newf(errkind.StateStore, "reading checkpoint %s: %w", source, err)
	}
	t, err = time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, errkind.Newf(errkind.StateStore, "parsing checkpoint %s: %w", source, err)
	}
	return t, true, nil
}

// SetCheckpoint persists the resume position for an adapter.
func (s *Store) SetCheckpoint(ctx context.Context, source string, t time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO checkpoints (source, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, source, t.UTC().Format(time.RFC3339Nano), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return errkind.Newf(errkind.StateStore, "writing checkpoint %s: %w", source, err)
	}
	return nil
}

// Stats returns row counts for the status command.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	queries := []struct {
		q    string
		dest *int
	}{
		{`SELECT COUNT(*) FROM files WHERE is_dir = 0`, &st.Files},
		{`SELECT COUNT(*) FROM dirs WHERE id != 0`, &st.Dirs},
		{`SELECT COUNT(*) FROM symlinks WHERE status = 'linked'`, &st.Linked},
		{`SELECT COUNT(*) FROM symlinks WHERE status = 'conflict'`, &st.Conflicts},
	}
	for _, q := range queries {
		if err := s.conn.QueryRowContext(ctx, q.q).Scan(q.dest); err != nil {
			return Stats{}, errkind.Newf(errkind.StateStore, "counting rows: %w", err)
		}
	}
	return st, nil
}

// Cleanup drops file rows whose path no longer exists on disk, mapping
// rows whose link is gone, and childless non-root directory rows.
// Returns (files removed, mappings removed).
func (s *Store) Cleanup(ctx context.Context) (int, int, error) {
	files, err := s.ListFilesUnder(ctx, "")
	if err != nil {
		return 0, 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, errkind.Newf(errkind.StateStore, "beginning cleanup: %w", err)
	}
	defer tx.Rollback()

	var filesRemoved int
	for _, f := range files {
		if _, err := os.Lstat(f.Path); os.IsNotExist(err) {
			if err := deleteFileTx(ctx, tx, f.Path); err != nil {
				return 0, 0, errkind.New(errkind.StateStore, err)
			}
			filesRemoved++
		}
	}

	rows, err := tx.QueryContext(ctx, `SELECT link_path FROM symlinks`)
	if err != nil {
		return 0, 0, errkind.Newf(errkind.StateStore, "listing mappings: %w", err)
	}
	var stale []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			rows.Close()
			return 0, 0, errkind.Newf(errkind.StateStore, "scanning mapping: %w", err)
		}
		if _, err := os.Lstat(link); os.IsNotExist(err) {
			stale = append(stale, link)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, errkind.Newf(errkind.StateStore, "iterating mappings: %w", err)
	}

	for _, link := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM symlinks WHERE link_path = ?`, link); err != nil {
			return 0, 0, errkind.Newf(errkind.StateStore, "deleting stale mapping: %w", err)
		}
	}

	// Prune childless directories, never the root. Repeats until a
	// pass removes nothing so whole empty chains collapse.
	for {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM dirs WHERE id != 0
			AND id NOT IN (SELECT DISTINCT dir_id FROM files)
			AND id NOT IN (SELECT DISTINCT parent_id FROM dirs WHERE parent_id IS NOT NULL)`)
		if err != nil {
			return 0, 0, errkind.Newf(errkind.StateStore, "pruning directories: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			break
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, errkind.Newf(errkind.StateStore, "committing cleanup: %w", err)
	}
	return filesRemoved, len(stale), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// normalizePath cleans a path for use as a store key.
func normalizePath(p string) string {
	return filepath.Clean(strings.TrimSpace(p))
}
