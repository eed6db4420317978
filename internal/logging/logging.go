// Package logging constructs the loggers graylink components receive.
//
// Log output goes to a size-rotated file under the configured log
// directory (lumberjack), and additionally to stderr when stderr is a
// terminal, so interactive runs show activity without tailing files.
// Components never share a global logger: each gets a *log.Logger with
// its own prefix, the same convention the sync daemon uses.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log sink.
type Options struct {
	// Dir is the log directory. Empty disables file output.
	Dir string

	// MaxSizeMB is the rotation threshold per file, in megabytes.
	MaxSizeMB int

	// Backups is how many rotated files to keep.
	Backups int

	// Verbose enables debug-level lines (components check this through
	// Sink.Verbose).
	Verbose bool

	// ForceConsole writes to stderr even when it is not a terminal.
	// Used by tests and foreground runs.
	ForceConsole bool
}

// Sink owns the shared writer and hands out component loggers.
type Sink struct {
	w       io.Writer
	file    *lumberjack.Logger
	verbose bool
}

// New builds a Sink from options. The returned Sink must be closed to
// flush the rotating file on shutdown.
func New(opts Options) (*Sink, error) {
	var writers []io.Writer

	var file *lumberjack.Logger
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		file = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, "graylink.log"),
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.Backups,
			Compress:   true,
		}
		writers = append(writers, file)
	}

	if opts.ForceConsole || term.IsTerminal(int(os.Stderr.Fd())) {
		writers = append(writers, os.Stderr)
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	return &Sink{w: w, file: file, verbose: opts.Verbose}, nil
}

// Component returns a logger with a "[name] " prefix sharing the sink's
// writer.
func (s *Sink) Component(name string) *log.Logger {
	return log.New(s.w, "["+name+"] ", log.LstdFlags)
}

// Verbose reports whether debug lines were requested.
func (s *Sink) Verbose() bool {
	return s.verbose
}

// SetVerbose flips debug logging at runtime (the CLI's log-verbosity
// adjustment).
func (s *Sink) SetVerbose(v bool) {
	s.verbose = v
}

// Writer exposes the underlying writer for libraries that want one.
func (s *Sink) Writer() io.Writer {
	return s.w
}

// Close flushes and closes the rotating file, if any.
func (s *Sink) Close() error {
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
