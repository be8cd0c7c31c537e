package cachekey

import (
	"testing"

	"github.com/baserock/morphbuild/internal/fakes"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/morph"
)

func mkArtifact(name, repo, ref, sha1 string) *graph.Artifact {
	return graph.New(name, &morph.Source{
		Repo:    repo,
		Ref:     ref,
		Treeish: &fakes.Treeish{RepoName: repo, RefName: ref, Sha1: sha1},
	}, MetadataVersion)
}

func TestCacheKeyPurity(t *testing.T) {
	a := mkArtifact("libfoo", "repo", "master", "sha1value")
	b := mkArtifact("libfoo", "repo", "master", "sha1value")

	c := New("x86_64")
	_, keyA, err := c.Compute(a)
	if err != nil {
		t.Fatal(err)
	}
	_, keyB, err := c.Compute(b)
	if err != nil {
		t.Fatal(err)
	}
	if keyA != keyB {
		t.Fatalf("equal cache_id must yield equal cache_key: %s != %s", keyA, keyB)
	}

	// Mutating an attribute that isn't part of cache_id must not change
	// the key.
	a.Source.Prefix = "/opt"
	_, keyA2, err := c.Compute(a)
	if err != nil {
		t.Fatal(err)
	}
	if keyA2 != keyA {
		t.Fatal("mutating Prefix must not change cache_key")
	}
}

func TestStratumFoldsChunkKeysInOrder(t *testing.T) {
	libc := mkArtifact("libc", "repo", "master", "libcsha")
	busybox := mkArtifact("busybox", "repo", "master", "busyboxsha")
	core := mkArtifact("core", "repo", "master", "coresha")

	g := graph.NewGraph()
	g.AddDependency(core, libc)
	g.AddDependency(core, busybox)

	c := New("x86_64")
	_, coreKey, err := c.Compute(core)
	if err != nil {
		t.Fatal(err)
	}

	if libc.CacheKey == "" || busybox.CacheKey == "" {
		t.Fatal("expected dependency cache keys to be populated as a side effect")
	}
	if core.CacheID.Kids[0] != libc.CacheKey || core.CacheID.Kids[1] != busybox.CacheKey {
		t.Fatalf("expected kids in declared order [libc, busybox], got %v", core.CacheID.Kids)
	}
	if coreKey != core.CacheKey {
		t.Fatal("returned key must match artifact's stored CacheKey")
	}
}

func TestCacheMissOnRefChange(t *testing.T) {
	a := mkArtifact("libfoo", "repo", "master", "sha1")
	c := New("x86_64")
	_, key1, err := c.Compute(a)
	if err != nil {
		t.Fatal(err)
	}

	b := mkArtifact("libfoo", "repo", "master", "sha2")
	_, key2, err := c.Compute(b)
	if err != nil {
		t.Fatal(err)
	}

	if key1 == key2 {
		t.Fatal("changing the source sha1 must change the cache_key")
	}
}

func TestMetadataVersionBumpInvalidatesCache(t *testing.T) {
	a := graph.New("libfoo", &morph.Source{
		Repo:    "repo",
		Ref:     "master",
		Treeish: &fakes.Treeish{Sha1: "sha1"},
	}, 1)
	b := graph.New("libfoo", &morph.Source{
		Repo:    "repo",
		Ref:     "master",
		Treeish: &fakes.Treeish{Sha1: "sha1"},
	}, 2)

	c := New("x86_64")
	_, key1, _ := c.Compute(a)
	_, key2, _ := c.Compute(b)
	if key1 == key2 {
		t.Fatal("bumping metadata_version must invalidate the cache_key")
	}
}
