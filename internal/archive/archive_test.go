package archive

import (
	"bytes"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestEnumerateIncludesAncestors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "usr", "bin", "hello"), "bin")
	writeFile(t, filepath.Join(root, "usr", "share", "doc", "readme"), "doc")

	got, err := Enumerate(root, []string{"usr/bin/.*"})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"usr", "usr/bin", "usr/bin/hello"}
	sort.Strings(want)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("enumerate mismatch (-want +got):\n%s", diff)
	}
}

func TestPatternAnchoring(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "foobar"), "x")
	writeFile(t, filepath.Join(root, "foo"), "x")
	writeFile(t, filepath.Join(root, "barfoo"), "x")

	got, err := Enumerate(root, []string{"^foo"})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"foo", "foobar"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("^foo mismatch (-want +got):\n%s", diff)
	}

	got, err = Enumerate(root, []string{"foo"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("foo (auto-anchored) mismatch (-want +got):\n%s", diff)
	}

	got, err = Enumerate(root, []string{"^foo$"})
	if err != nil {
		t.Fatal(err)
	}
	want = []string{"foo"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("^foo$ mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateChunkRoundTrip(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "usr", "bin", "hello"), "bin-contents")
	if err := os.Symlink("hello", filepath.Join(root, "usr", "bin", "hello-link")); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := CreateChunk(root, &buf, []string{".*"}); err != nil {
		t.Fatal(err)
	}

	// destdir must be empty of files; empty dirs may remain.
	var remaining []string
	filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root || info.IsDir() {
			return nil
		}
		remaining = append(remaining, path)
		return nil
	})
	if len(remaining) != 0 {
		t.Fatalf("expected destdir empty of files, found %v", remaining)
	}

	out := t.TempDir()
	if err := Unpack(bytes.NewReader(buf.Bytes()), out); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(filepath.Join(out, "usr", "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "bin-contents" {
		t.Fatalf("content mismatch: %q", got)
	}

	link, err := os.Readlink(filepath.Join(out, "usr", "bin", "hello-link"))
	if err != nil {
		t.Fatal(err)
	}
	if link != "hello" {
		t.Fatalf("symlink target mismatch: %q", link)
	}

	fi, err := os.Lstat(filepath.Join(out, "usr", "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if !fi.ModTime().Equal(NormalizedTime) {
		t.Fatalf("mtime not normalized: got %v want %v", fi.ModTime(), NormalizedTime)
	}
}

func TestCreateChunkEmptyPatternSetIsError(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "usr", "bin", "hello"), "bin")

	var buf bytes.Buffer
	err := CreateChunk(root, &buf, []string{"^nope-does-not-match"})
	if err == nil {
		t.Fatal("expected error for empty match set")
	}
}

func TestUnpackCollisionPolicy(t *testing.T) {
	// dir entry over an existing directory: keep.
	out := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out, "usr"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(out, "usr", "marker"), "keepme")

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "usr", "bin", "hello"), "new")

	var buf bytes.Buffer
	if err := CreateStratum(root, &buf); err != nil {
		t.Fatal(err)
	}
	if err := Unpack(bytes.NewReader(buf.Bytes()), out); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(out, "usr", "marker")); err != nil {
		t.Fatalf("expected pre-existing directory contents kept: %v", err)
	}
	if _, err := os.Stat(filepath.Join(out, "usr", "bin", "hello")); err != nil {
		t.Fatalf("expected new file extracted: %v", err)
	}

	// file entry over an existing directory: fail.
	out2 := t.TempDir()
	if err := os.MkdirAll(filepath.Join(out2, "usr", "bin", "hello"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := Unpack(bytes.NewReader(buf.Bytes()), out2); err == nil {
		t.Fatal("expected failure when file entry collides with directory target")
	}

	// file entry over an existing non-directory: replace.
	out3 := t.TempDir()
	writeFile(t, filepath.Join(out3, "usr", "bin", "hello"), "stale")
	if err := Unpack(bytes.NewReader(buf.Bytes()), out3); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(out3, "usr", "bin", "hello"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "new" {
		t.Fatalf("expected stale file replaced, got %q", got)
	}
}
