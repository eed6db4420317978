// Package errkind classifies graylink errors into a small set of kinds
// so that callers can decide between retrying, skipping and giving up
// without string-matching error text.
package errkind

import (
	"errors"
	"fmt"
)

// Kind identifies the failure class of an error.
type Kind int

const (
	// Configuration indicates invalid or missing startup configuration.
	// Always fatal; the process should not start.
	Configuration Kind = iota

	// Mount indicates a mount-root probe failure. Recoverable through
	// the mount monitor's retry loop until the retry budget is spent.
	Mount

	// SourceQuery indicates an adapter failed to query its source
	// (directory listing, change feed). Retried on the next cycle with
	// the previous checkpoint; never crashes the process.
	SourceQuery

	// StateStore indicates the canonical state database failed. The
	// store is the source of truth, so these are fatal for the
	// subsystem that hit them.
	StateStore

	// Conflict indicates a materialization target is occupied by a
	// real (non-symlink) file. Recorded and skipped, never fatal.
	Conflict

	// Notification indicates the media server refresh call failed
	// after its retry budget. Logged, never blocks materialization.
	Notification
)

// String returns a human-readable name for the kind.
func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Mount:
		return "mount"
	case SourceQuery:
		return "source-query"
	case StateStore:
		return "state-store"
	case Conflict:
		return "conflict"
	case Notification:
		return "notification"
	default:
		return "unknown"
	}
}

// Recoverable reports whether errors of this kind may clear on retry.
func (k Kind) Recoverable() bool {
	switch k {
	case Mount, SourceQuery, Conflict, Notification:
		return true
	default:
		return false
	}
}

// Error is a classified graylink error with optional diagnostic context.
type Error struct {
	// Kind is the failure class.
	Kind Kind

	// Path is the file or directory the failure relates to, if any.
	Path string

	// Source names the component or change source that produced the
	// error (e.g. "watch", "poll", "feed", "emby").
	Source string

	// Attempts is how many tries were made before giving up, when the
	// operation was retried.
	Attempts int

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Source != "" {
		msg += " [" + e.Source + "]"
	}
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Attempts > 1 {
		msg = fmt.Sprintf("%s (after %d attempts)", msg, e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether this error may clear on retry.
func (e *Error) Recoverable() bool {
	return e.Kind.Recoverable()
}

// New creates a classified error wrapping cause.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Err: cause}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// WithPath returns a copy of the error annotated with a path.
func (e *Error) WithPath(path string) *Error {
	c := *e
	c.Path = path
	return &c
}

// WithSource returns a copy of the error annotated with a source name.
func (e *Error) WithSource(source string) *Error {
	c := *e
	c.Source = source
	return &c
}

// WithAttempts returns a copy of the error annotated with a try count.
func (e *Error) WithAttempts(n int) *Error {
	c := *e
	c.Attempts = n
	return &c
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Returns (kind, true) when err or one of its causes is an *Error.
func KindOf(err error) (Kind, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind, true
	}
	return 0, false
}

// Is reports whether err is classified with the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
