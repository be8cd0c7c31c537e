package system

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/cachekey"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
)

func TestParseSize(t *testing.T) {
	cases := map[string]int64{
		"1024": 1024,
		"512K": 512 * 1024,
		"2G":   2 * 1024 * 1024 * 1024,
		"1T":   1024 * 1024 * 1024 * 1024,
		"4m":   4 * 1024 * 1024,
	}
	for in, want := range cases {
		got, err := parseSize(in)
		if err != nil {
			t.Fatalf("parseSize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseSize(%q) = %d, want %d", in, got, want)
		}
	}

	if _, err := parseSize(""); err == nil {
		t.Fatal("expected error for empty disk_size")
	}
	if _, err := parseSize("big"); err == nil {
		t.Fatal("expected error for non-numeric disk_size")
	}
}

func TestMapperDeviceName(t *testing.T) {
	if got := mapperDeviceName("/dev/loop3"); got != "/dev/mapper/loop3p1" {
		t.Fatalf("got %q", got)
	}
}

func TestAllocateImageCreatesExactSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.img")
	if err := allocateImage(path, 4096); err != nil {
		t.Fatal(err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != 4096 {
		t.Fatalf("expected 4096 bytes, got %d", fi.Size())
	}
}

func TestTeardownRunsInReverseAndCollectsFirstError(t *testing.T) {
	tb := &teardown{}
	var order []int
	tb.push(func() error { order = append(order, 1); return nil })
	tb.push(func() error { order = append(order, 2); return errors.New("boom") })
	tb.push(func() error { order = append(order, 3); return nil })

	err := tb.run()
	if err == nil || err.Error() != "boom" {
		t.Fatalf("expected boom error, got %v", err)
	}
	if len(order) != 3 || order[0] != 3 || order[1] != 2 || order[2] != 1 {
		t.Fatalf("expected reverse order [3 2 1], got %v", order)
	}
}

func TestPlanNamesOutputAfterSystem(t *testing.T) {
	source := &morph.Source{
		Morphology: morph.Morphology{
			Kind:   morph.KindSystem,
			System: &morph.SystemMorphology{Name: "devel-system", DiskSize: "1G"},
		},
	}
	artifact := graph.New("devel-system", source, cachekey.MetadataVersion)
	cache := cachedir.New(t.TempDir())
	area, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer area.Release()

	b, err := New(source, artifact, cache, area, nil)
	if err != nil {
		t.Fatal(err)
	}

	plan := b.Plan()
	path, ok := plan["devel-system"]
	if !ok {
		t.Fatalf("expected plan entry for devel-system, got %+v", plan)
	}
	if !strings.HasSuffix(path, ".system.devel-system") {
		t.Fatalf("unexpected plan path %s", path)
	}
}

func TestNewRejectsNonSystemMorphology(t *testing.T) {
	source := &morph.Source{
		Morphology: morph.Morphology{Kind: morph.KindStratum, Stratum: &morph.StratumMorphology{Name: "x"}},
	}
	area, err := staging.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer area.Release()

	_, err = New(source, graph.New("x", source, 1), cachedir.New(t.TempDir()), area, nil)
	if err == nil {
		t.Fatal("expected error for non-system morphology")
	}
	if morph.ErrorKind(err) != morph.KindConfiguration {
		t.Fatalf("expected KindConfiguration, got %v", morph.ErrorKind(err))
	}
}

func TestFstabAndExtlinuxConfLiteralContent(t *testing.T) {
	if !strings.Contains(fstab, "/dev/sda1 / ext4 errors=remount-ro 0 1") {
		t.Fatalf("fstab missing root entry: %q", fstab)
	}
	if !strings.Contains(extlinuxConf, "root=/dev/sda1 init=/sbin/init quiet rw") {
		t.Fatalf("extlinux.conf missing kernel append line: %q", extlinuxConf)
	}
}
