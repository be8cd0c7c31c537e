package staging

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirsForLazyCreate(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	defer a.Release()

	d, err := a.DirsFor("libfoo")
	if err != nil {
		t.Fatal(err)
	}

	if filepath.Base(d.BuildDir) != "libfoo.build" {
		t.Fatalf("unexpected builddir name: %s", d.BuildDir)
	}
	if filepath.Base(d.DestDir) != "libfoo.inst" {
		t.Fatalf("unexpected destdir name: %s", d.DestDir)
	}

	for _, dir := range []string{d.BuildDir, d.DestDir} {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			t.Fatalf("expected %s to exist as a directory", dir)
		}
	}
}

func TestReleaseRunsCleanupsInReverseOrder(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatal(err)
	}
	root := a.Root

	var order []int
	a.RegisterCleanup(func() error { order = append(order, 1); return nil })
	a.RegisterCleanup(func() error { order = append(order, 2); return nil })

	if err := a.Release(); err != nil {
		t.Fatal(err)
	}

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Fatalf("expected reverse order [2 1], got %v", order)
	}

	if _, err := os.Stat(root); !os.IsNotExist(err) {
		t.Fatalf("expected staging root removed, stat err = %v", err)
	}
}

func TestReleaseContinuesPastFailures(t *testing.T) {
	a, err := New("")
	if err != nil {
		t.Fatal(err)
	}

	ran := false
	a.RegisterCleanup(func() error { ran = true; return nil })
	a.RegisterCleanup(func() error { return os.ErrPermission })

	err = a.Release()
	if err == nil {
		t.Fatal("expected first error to be returned")
	}
	if !ran {
		t.Fatal("expected cleanup stack to continue past the failing entry")
	}
}
