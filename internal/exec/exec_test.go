package exec

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/baserock/morphbuild/morph"
)

func TestRunCapturesOutputAndEnv(t *testing.T) {
	var log bytes.Buffer
	e := New(&log, nil)

	dir := t.TempDir()
	err := e.Run(context.Background(), []string{"/bin/sh", "-c", "echo hi-$FOO"}, Options{
		Dir: dir,
		Env: map[string]string{"FOO": "bar", "PATH": "/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log.String(), "hi-bar") {
		t.Fatalf("expected output captured in log, got %q", log.String())
	}
}

func TestRunFailureReturnsCommandFailed(t *testing.T) {
	var log bytes.Buffer
	e := New(&log, nil)

	err := e.Run(context.Background(), []string{"/bin/sh", "-c", "echo boom; exit 7"}, Options{
		Dir: t.TempDir(),
		Env: map[string]string{"PATH": "/usr/bin:/bin"},
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if morph.ErrorKind(err) != morph.KindCommandFailed {
		t.Fatalf("expected KindCommandFailed, got %v", morph.ErrorKind(err))
	}

	var cf *morph.CommandFailed
	if !errors.As(err, &cf) {
		t.Fatalf("expected *morph.CommandFailed in chain, got %v", err)
	}
	if cf.Status != 7 {
		t.Fatalf("expected status 7, got %d", cf.Status)
	}
	if !strings.Contains(cf.LogTail, "boom") {
		t.Fatalf("expected log tail to contain command output, got %q", cf.LogTail)
	}
}

func TestRunStdinIsDevNull(t *testing.T) {
	var log bytes.Buffer
	e := New(&log, nil)

	err := e.Run(context.Background(), []string{"/bin/sh", "-c", "read line; echo got:$line"}, Options{
		Dir: t.TempDir(),
		Env: map[string]string{"PATH": "/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(log.String(), "got:") {
		t.Fatalf("expected read on closed stdin to return immediately, got %q", log.String())
	}
}

func TestRewriteForChroot(t *testing.T) {
	root := t.TempDir()
	dest := filepath.Join(root, "some", "dest")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := rewriteForChroot(root, dest)
	if err != nil {
		t.Fatal(err)
	}
	if got != "/some/dest" {
		t.Fatalf("got %q", got)
	}

	if _, err := rewriteForChroot(root, "/outside/somewhere"); err == nil {
		t.Fatal("expected error for path escaping chroot")
	}
}
