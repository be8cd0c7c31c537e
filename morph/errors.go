package morph

import (
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Kind identifies which bucket of the error taxonomy a failure belongs
// to. Kind is attached to errors via [WithKind] so that callers
// further up the stack (the scheduler, the CLI) can decide whether a
// failure is fatal to the whole run or just to one artifact.
type Kind int

const (
	// KindUnknown is the zero value; errors that were never classified.
	KindUnknown Kind = iota
	// KindConfiguration covers malformed morphologies, unknown kinds,
	// cyclic dependencies and missing required fields. Fatal before
	// scheduling starts.
	KindConfiguration
	// KindSource covers unreachable repos, unresolved refs and missing
	// submodules. Fails the owning artifact only.
	KindSource
	// KindCommandFailed covers a child process exiting non-zero.
	KindCommandFailed
	// KindArchive covers tar read/write failures and pattern mismatches
	// that produce an empty file set.
	KindArchive
	// KindCache covers hash collisions, permission errors and disk-full
	// conditions writing to the cache directory. Fatal for the run.
	KindCache
	// KindUnmount covers cleanup failures tearing down a mount or
	// device-mapper attachment. Logged, never masks the original error.
	KindUnmount
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindSource:
		return "source"
	case KindCommandFailed:
		return "command-failed"
	case KindArchive:
		return "archive"
	case KindCache:
		return "cache"
	case KindUnmount:
		return "unmount"
	default:
		return "unknown"
	}
}

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind tags err with a taxonomy Kind, preserving the error chain so
// errors.Is/errors.As and errors.Cause still see through it.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// ErrorKind returns the Kind attached to err via [WithKind], or KindUnknown
// if err (or anything it wraps) was never classified.
func ErrorKind(err error) Kind {
	var ke *kindError
	if stderrors.As(err, &ke) {
		return ke.kind
	}
	return KindUnknown
}

// ErrCycle is returned by the graph builder when the dependency graph
// contains a cycle. It is always wrapped with KindConfiguration.
var ErrCycle = errors.New("dependency cycle detected")

// ErrNotFound is returned when a lookup (artifact, dependency, chunk name)
// fails.
var ErrNotFound = errors.New("not found")

// CommandFailed is returned by the CommandExecutor when a child process
// exits with a non-zero status. It carries the tail of the build log so
// callers can report useful context without having to re-read the whole
// log file.
type CommandFailed struct {
	Cmd     []string
	Status  int
	LogTail string
}

func (e *CommandFailed) Error() string {
	return fmt.Sprintf("command %q failed with status %d", strings.Join(e.Cmd, " "), e.Status)
}

// ArchiveError reports a failure creating, extracting or enumerating an
// archive, including the offending path when one is known.
type ArchiveError struct {
	Op   string
	Path string
	Err  error
}

func (e *ArchiveError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("archive %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("archive %s %q: %s", e.Op, e.Path, e.Err)
}

func (e *ArchiveError) Unwrap() error { return e.Err }

// UnmountError reports a failure tearing down a mount point or
// device-mapper attachment. It must never mask the error that triggered
// the teardown; callers log it and propagate the original error.
type UnmountError struct {
	Target string
	Err    error
}

func (e *UnmountError) Error() string {
	return fmt.Sprintf("unmount %q: %s", e.Target, e.Err)
}

func (e *UnmountError) Unwrap() error { return e.Err }
