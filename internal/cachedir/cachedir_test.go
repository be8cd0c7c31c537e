package cachedir

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestKeyIsPureFunctionOfID(t *testing.T) {
	a := ID{Name: "libfoo", Arch: "x86_64", Ref: "deadbeef", Kids: []string{"k1", "k2"}, MetadataVersion: 1}
	b := a
	if Key(a) != Key(b) {
		t.Fatal("equal cache_id must produce equal cache_key")
	}

	c := a
	c.Ref = "cafebabe"
	if Key(a) == Key(c) {
		t.Fatal("differing ref must change cache_key")
	}
}

func TestKeyOrderSensitiveOnKids(t *testing.T) {
	a := ID{Name: "core", Kids: []string{"libc", "busybox"}}
	b := ID{Name: "core", Kids: []string{"busybox", "libc"}}
	if Key(a) == Key(b) {
		t.Fatal("kids order must affect the cache_key (stratum unpack order is observable)")
	}
}

func TestArtifactPathShape(t *testing.T) {
	cd := New("/var/cache/morph")
	id := ID{Name: "hello"}
	got := cd.ArtifactPath(id, "chunk", "hello")
	want := cd.Name(id) + ".chunk.hello"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestWriteAtomicAndExists(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "sub", "out.chunk.hello")

	if Exists(dest) {
		t.Fatal("must not exist yet")
	}

	if err := WriteAtomic(dest, bytes.NewReader([]byte("payload"))); err != nil {
		t.Fatal(err)
	}

	if !Exists(dest) {
		t.Fatal("expected file to exist after WriteAtomic")
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("content mismatch: %q", got)
	}

	// no leftover temp files
	entries, err := os.ReadDir(filepath.Dir(dest))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one file in dir, got %d", len(entries))
	}
}
