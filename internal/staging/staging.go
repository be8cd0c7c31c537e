// Package staging provides the per-run filesystem sandbox: a scoped
// temp root offering per-artifact builddir/destdir pairs, archive
// staging, and deterministic cleanup on every exit path.
//
// Cleanup is an explicit LIFO stack of func() error thunks rather than
// bare defer, because the resources (temp root, and later mount points
// or device-mapper attachments registered by callers) outlive any single
// function call.
package staging

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/baserock/morphbuild/internal/archive"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
)

// Area is a scoped sandbox. Create one per build run; Release tears down
// everything acquired through it, regardless of how the run ended.
type Area struct {
	Root string

	mu       sync.Mutex
	cleanups []func() error
}

// New creates a fresh staging root under baseDir (an empty string means
// os.TempDir()) and returns an Area bound to it.
func New(baseDir string) (*Area, error) {
	root, err := os.MkdirTemp(baseDir, "morph-staging-")
	if err != nil {
		return nil, errors.Wrap(err, "creating staging root")
	}
	a := &Area{Root: root}
	a.pushCleanup(func() error { return os.RemoveAll(root) })
	return a, nil
}

func (a *Area) pushCleanup(fn func() error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cleanups = append(a.cleanups, fn)
}

// Dirs are the per-artifact builddir/destdir pair, created lazily on
// first use.
type Dirs struct {
	BuildDir string
	DestDir  string
}

// DirsFor returns (and lazily creates) the builddir/destdir pair for the
// named artifact: {staging}/{name}.build and {staging}/{name}.inst.
func (a *Area) DirsFor(name string) (Dirs, error) {
	d := Dirs{
		BuildDir: filepath.Join(a.Root, name+".build"),
		DestDir:  filepath.Join(a.Root, name+".inst"),
	}
	if err := os.MkdirAll(d.BuildDir, 0o755); err != nil {
		return Dirs{}, errors.Wrapf(err, "creating builddir for %s", name)
	}
	if err := os.MkdirAll(d.DestDir, 0o755); err != nil {
		return Dirs{}, errors.Wrapf(err, "creating destdir for %s", name)
	}
	return d, nil
}

// Stage extracts the archive at archivePath into the staging root,
// preserving file modes, making one artifact's output available to a
// dependent's configure/build. File ownership recorded in the archive is
// not restored: extracted entries belong to the current user.
func (a *Area) Stage(archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "opening archive %s to stage", archivePath))
	}
	defer f.Close()

	if err := archive.Unpack(f, a.Root); err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "staging archive %s", archivePath))
	}
	return nil
}

// RegisterCleanup adds an additional teardown thunk (e.g. an unmount, or a
// device-mapper detach registered by internal/build/system) to the stack.
// Cleanups run in reverse (LIFO) order on Release, exactly mirroring the
// order resources were acquired.
func (a *Area) RegisterCleanup(fn func() error) {
	a.pushCleanup(fn)
}

// Release tears down everything this Area acquired, in reverse order,
// continuing past individual failures and returning the first error
// encountered (if any) wrapped with KindUnmount so it never masks a
// build failure the caller is already propagating.
func (a *Area) Release() error {
	a.mu.Lock()
	cleanups := a.cleanups
	a.cleanups = nil
	a.mu.Unlock()

	var firstErr error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			wrapped := morph.WithKind(morph.KindUnmount, err)
			if firstErr == nil {
				firstErr = wrapped
			}
		}
	}
	return firstErr
}
