package scheduler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/morph"
)

type fakeBuilder struct {
	name string
	path string

	mu         sync.Mutex
	buildCalls int
	addedItems []buildctx.StageItem
}

func (f *fakeBuilder) Plan() map[string]string { return map[string]string{f.name: f.path} }

func (f *fakeBuilder) Build(ctx context.Context) ([]buildctx.StageItem, error) {
	f.mu.Lock()
	f.buildCalls++
	f.mu.Unlock()
	if err := os.WriteFile(f.path, []byte(f.name), 0o644); err != nil {
		return nil, err
	}
	return []buildctx.StageItem{{Name: f.name, Path: f.path, Prefix: "/usr"}}, nil
}

func (f *fakeBuilder) AddStageItem(item buildctx.StageItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addedItems = append(f.addedItems, item)
}

func newFakeGraph(t *testing.T) (g *graph.Graph, libc, busybox, core *graph.Artifact) {
	t.Helper()
	g = graph.NewGraph()

	mkSource := func(name string) *morph.Source {
		return &morph.Source{Repo: name, Ref: "r", MorphologyFile: name + ".morph"}
	}
	libc = graph.New("libc", mkSource("libc"), 1)
	busybox = graph.New("busybox", mkSource("busybox"), 1)
	core = graph.New("core", mkSource("core"), 1)

	g.AddDependency(core, libc)
	g.AddDependency(core, busybox)
	return g, libc, busybox, core
}

func TestRunBuildsInOrderAndPropagatesInDeclaredOrder(t *testing.T) {
	dir := t.TempDir()
	g, libc, busybox, core := newFakeGraph(t)

	fakes := map[string]*fakeBuilder{
		"libc":    {name: "libc", path: filepath.Join(dir, "libc.chunk.libc")},
		"busybox": {name: "busybox", path: filepath.Join(dir, "busybox.chunk.busybox")},
		"core":    {name: "core", path: filepath.Join(dir, "core.stratum.core")},
	}

	factory := func(members []*graph.Artifact) (buildctx.Builder, error) {
		return fakes[members[0].Name], nil
	}

	s := New(cachedir.New(dir), g, factory, nil)
	if err := s.Run(context.Background(), []*graph.Artifact{core}); err != nil {
		t.Fatal(err)
	}

	if fakes["libc"].buildCalls != 1 || fakes["busybox"].buildCalls != 1 || fakes["core"].buildCalls != 1 {
		t.Fatalf("expected each builder to run exactly once: %+v", fakes)
	}

	items := fakes["core"].addedItems
	if len(items) != 2 || items[0].Name != "libc" || items[1].Name != "busybox" {
		t.Fatalf("expected core to receive [libc busybox] in declared order, got %+v", items)
	}

	_ = libc
	_ = busybox
}

func TestRunSkipsBuildOnCacheHit(t *testing.T) {
	dir := t.TempDir()
	g, _, _, core := newFakeGraph(t)

	libcPath := filepath.Join(dir, "libc.chunk.libc")
	if err := os.WriteFile(libcPath, []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	fakes := map[string]*fakeBuilder{
		"libc":    {name: "libc", path: libcPath},
		"busybox": {name: "busybox", path: filepath.Join(dir, "busybox.chunk.busybox")},
		"core":    {name: "core", path: filepath.Join(dir, "core.stratum.core")},
	}
	factory := func(members []*graph.Artifact) (buildctx.Builder, error) {
		return fakes[members[0].Name], nil
	}

	s := New(cachedir.New(dir), g, factory, nil)
	if err := s.Run(context.Background(), []*graph.Artifact{core}); err != nil {
		t.Fatal(err)
	}

	if fakes["libc"].buildCalls != 0 {
		t.Fatalf("expected cached libc to be skipped, got %d build calls", fakes["libc"].buildCalls)
	}
	if fakes["busybox"].buildCalls != 1 {
		t.Fatalf("expected busybox to build, got %d calls", fakes["busybox"].buildCalls)
	}

	items := fakes["core"].addedItems
	if len(items) != 2 || items[0].Name != "libc" {
		t.Fatalf("expected cache-hit libc to still propagate, got %+v", items)
	}
}

func TestBuildSingleFailsWhenDependencyNotAlreadyBuilt(t *testing.T) {
	dir := t.TempDir()
	g, _, _, core := newFakeGraph(t)

	fakes := map[string]*fakeBuilder{
		"libc":    {name: "libc", path: filepath.Join(dir, "libc.chunk.libc")},
		"busybox": {name: "busybox", path: filepath.Join(dir, "busybox.chunk.busybox")},
		"core":    {name: "core", path: filepath.Join(dir, "core.stratum.core")},
	}
	factory := func(members []*graph.Artifact) (buildctx.Builder, error) {
		return fakes[members[0].Name], nil
	}

	s := New(cachedir.New(dir), g, factory, nil)
	_, err := s.BuildSingle(context.Background(), core)
	if err == nil {
		t.Fatal("expected error because libc/busybox are not already built")
	}
	if morph.ErrorKind(err) != morph.KindCache {
		t.Fatalf("expected KindCache, got %v", morph.ErrorKind(err))
	}
}

func TestBuildSingleStagesAlreadyBuiltDependencies(t *testing.T) {
	dir := t.TempDir()
	g, _, _, core := newFakeGraph(t)

	libcPath := filepath.Join(dir, "libc.chunk.libc")
	busyboxPath := filepath.Join(dir, "busybox.chunk.busybox")
	for _, p := range []string{libcPath, busyboxPath} {
		if err := os.WriteFile(p, []byte("cached"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	fakes := map[string]*fakeBuilder{
		"libc":    {name: "libc", path: libcPath},
		"busybox": {name: "busybox", path: busyboxPath},
		"core":    {name: "core", path: filepath.Join(dir, "core.stratum.core")},
	}
	factory := func(members []*graph.Artifact) (buildctx.Builder, error) {
		return fakes[members[0].Name], nil
	}

	s := New(cachedir.New(dir), g, factory, nil)
	items, err := s.BuildSingle(context.Background(), core)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].Name != "core" {
		t.Fatalf("expected core's own build output, got %+v", items)
	}
	if fakes["libc"].buildCalls != 0 || fakes["busybox"].buildCalls != 0 {
		t.Fatalf("expected dependencies to not be rebuilt: %+v", fakes)
	}
	if fakes["core"].buildCalls != 1 {
		t.Fatalf("expected target to build once, got %d", fakes["core"].buildCalls)
	}

	got := fakes["core"].addedItems
	if len(got) != 2 || got[0].Name != "libc" || got[1].Name != "busybox" {
		t.Fatalf("expected core to be staged with [libc busybox], got %+v", got)
	}
}
