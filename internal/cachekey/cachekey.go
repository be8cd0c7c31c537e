// Package cachekey computes cache_id records for chunks, strata and
// systems recursively, memoized by (repo, ref, morph-filename, name) to
// avoid re-hashing shared dependencies. A parent's record folds in the
// cache keys of its children in declared order, so any change anywhere
// in the dependency closure changes the parent's key.
package cachekey

import (
	"sync"

	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
)

// MetadataVersion is bumped whenever the on-disk artifact metadata format
// changes; bumping it invalidates every previously cached artifact because
// it feeds directly into cache_id.
const MetadataVersion = 1

type memoKey struct {
	repo    string
	ref     string
	morph   string
	name    string
	version int
}

// Computer computes cache_id/cache_key pairs for a whole artifact graph.
//
// The memo key carries the artifact name alongside the
// (repo, ref, morph-filename) triple, because a single chunk morphology
// can yield more than one named output and those outputs legitimately
// have different cache_ids.
type Computer struct {
	Arch string

	mu   sync.Mutex
	memo map[memoKey]result
}

type result struct {
	id  cachedir.ID
	key string
}

// New returns a Computer for the given target architecture string.
func New(arch string) *Computer {
	return &Computer{Arch: arch, memo: make(map[memoKey]result)}
}

// Compute recursively computes a's cache_id and cache_key, and those of
// every transitive dependency, caching each result on the Artifact itself
// as well as in the memoization table.
func (c *Computer) Compute(a *graph.Artifact) (cachedir.ID, string, error) {
	if a.Source == nil {
		return cachedir.ID{}, "", morph.WithKind(morph.KindConfiguration, errors.Errorf("artifact %s has no source", a.Name))
	}

	mk := memoKey{
		repo:    a.Source.Repo,
		ref:     refOf(a),
		morph:   a.Source.MorphologyFile,
		name:    a.Name,
		version: a.MetadataVersion,
	}

	c.mu.Lock()
	if r, ok := c.memo[mk]; ok {
		c.mu.Unlock()
		a.CacheID = r.id
		a.CacheKey = r.key
		return r.id, r.key, nil
	}
	c.mu.Unlock()

	kids := make([]string, 0, len(a.Dependencies()))
	for _, dep := range a.Dependencies() {
		_, depKey, err := c.Compute(dep)
		if err != nil {
			return cachedir.ID{}, "", err
		}
		kids = append(kids, depKey)
	}

	id := cachedir.ID{
		Name:            a.Name,
		Arch:            c.Arch,
		Ref:             refOf(a),
		Kids:            kids,
		MetadataVersion: a.MetadataVersion,
	}
	key := cachedir.Key(id)

	a.CacheID = id
	a.CacheKey = key

	c.mu.Lock()
	c.memo[mk] = result{id: id, key: key}
	c.mu.Unlock()

	return id, key, nil
}

func refOf(a *graph.Artifact) string {
	if a.Source == nil || a.Source.Treeish == nil {
		return ""
	}
	return a.Source.Treeish.SHA1()
}
