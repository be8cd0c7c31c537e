// Package exec runs build-stage child processes with a caller-controlled
// environment, captured output, /dev/null stdin, and an optional chroot
// into the staging root.
package exec

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// logTailLines is how many trailing lines of the build log a
// [morph.CommandFailed] carries, so a failure report stays useful
// without dumping the whole log.
const logTailLines = 200

// Options configures one command invocation.
type Options struct {
	// Dir is the working directory, expressed relative to the
	// unchrooted filesystem. When Chroot is set, this is rewritten
	// automatically.
	Dir string
	// Env is the complete environment for the child; nothing is
	// inherited from the current process.
	Env map[string]string
	// Chroot, if non-empty, is a path the child is chrooted into before
	// exec. Dir and DestDir (if set) are rewritten relative to Chroot
	// and the rewritten DestDir is exposed as DESTDIR in the child env.
	Chroot  string
	DestDir string
}

// Executor runs commands and tees their combined output into Log (e.g. a
// per-build log file) as well as a bounded tail buffer used for
// [morph.CommandFailed] reporting.
type Executor struct {
	Log    io.Writer
	Logger *logrus.Entry
}

// New returns an Executor that tees command output into log.
func New(log io.Writer, logger *logrus.Entry) *Executor {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Executor{Log: log, Logger: logger}
}

// Run executes argv[0] with argv[1:] as arguments under opts, returning a
// *morph.CommandFailed (wrapped with morph.KindCommandFailed) if the
// process exits non-zero.
func (e *Executor) Run(ctx context.Context, argv []string, opts Options) error {
	if len(argv) == 0 {
		return morph.WithKind(morph.KindCommandFailed, errors.New("empty command"))
	}

	e.Logger.WithField("cmd", strings.Join(argv, " ")).Debug("running command")

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	dir := opts.Dir
	env := make(map[string]string, len(opts.Env)+1)
	for k, v := range opts.Env {
		env[k] = v
	}
	if opts.Chroot != "" {
		var err error
		if dir, err = rewriteForChroot(opts.Chroot, dir); err != nil {
			return morph.WithKind(morph.KindCommandFailed, err)
		}
		if opts.DestDir != "" {
			destDir, err := rewriteForChroot(opts.Chroot, opts.DestDir)
			if err != nil {
				return morph.WithKind(morph.KindCommandFailed, err)
			}
			env["DESTDIR"] = destDir
		}
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: opts.Chroot}
	}
	cmd.Dir = dir
	cmd.Env = envSlice(env)

	devNull, err := os.Open(os.DevNull)
	if err != nil {
		return morph.WithKind(morph.KindCommandFailed, errors.Wrap(err, "opening /dev/null for stdin"))
	}
	defer devNull.Close()
	cmd.Stdin = devNull

	tail := newTailBuffer(logTailLines)
	var writers []io.Writer
	writers = append(writers, tail)
	if e.Log != nil {
		writers = append(writers, e.Log)
	}
	mw := io.MultiWriter(writers...)
	cmd.Stdout = mw
	cmd.Stderr = mw

	runErr := cmd.Run()
	if runErr == nil {
		return nil
	}

	status := -1
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		status = exitErr.ExitCode()
	}

	return morph.WithKind(morph.KindCommandFailed, &morph.CommandFailed{
		Cmd:     argv,
		Status:  status,
		LogTail: tail.String(),
	})
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}

func rewriteForChroot(chroot, path string) (string, error) {
	if path == "" {
		return "", nil
	}
	rel, err := filepath.Rel(chroot, path)
	if err != nil {
		return "", errors.Wrapf(err, "rewriting %s relative to chroot %s", path, chroot)
	}
	if strings.HasPrefix(rel, "..") {
		return "", errors.Errorf("path %s escapes chroot %s", path, chroot)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// tailBuffer keeps only the last N lines written to it.
type tailBuffer struct {
	max   int
	lines []string
	cur   bytes.Buffer
}

func newTailBuffer(maxLines int) *tailBuffer {
	return &tailBuffer{max: maxLines}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	t.cur.Write(p)
	for {
		line, err := t.cur.ReadString('\n')
		if err != nil {
			// Put back the partial line for the next Write.
			t.cur.Reset()
			t.cur.WriteString(line)
			break
		}
		t.lines = append(t.lines, line)
		if len(t.lines) > t.max {
			t.lines = t.lines[len(t.lines)-t.max:]
		}
	}
	return n, nil
}

func (t *tailBuffer) String() string {
	s := strings.Join(t.lines, "")
	if t.cur.Len() > 0 {
		s += t.cur.String()
	}
	return s
}
