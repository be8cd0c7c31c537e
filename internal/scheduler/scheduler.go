// Package scheduler dispatches a builder per artifact, walks the build
// order group by group, and propagates each finished artifact's produced
// archives into its dependents' stage items. Builds within a group run
// concurrently; propagation happens single-threaded at the group
// boundary, so stage items never need locking.
package scheduler

import (
	"context"
	"sync"

	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BuilderFactory constructs the builder for one group of sibling
// artifacts: every artifact that shares the same (repo, ref,
// morphology-file) identity, which is how one chunk morphology's
// `chunks` mapping yields several named outputs from a single build
// (see the doc comment on internal/build/chunk.Builder). Stratum and system
// artifacts are always singleton groups.
type BuilderFactory func(group []*graph.Artifact) (buildctx.Builder, error)

// Scheduler runs builders over a dependency-ordered artifact graph.
type Scheduler struct {
	Cache      *cachedir.CacheDir
	Graph      *graph.Graph
	NewBuilder BuilderFactory
	Logger     *logrus.Entry
}

// New returns a Scheduler over g, dispatching builders via newBuilder.
func New(cache *cachedir.CacheDir, g *graph.Graph, newBuilder BuilderFactory, logger *logrus.Entry) *Scheduler {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{Cache: cache, Graph: g, NewBuilder: newBuilder, Logger: logger}
}

// groupKey identifies the set of sibling artifacts one builder instance
// covers: same repository state and morphology file. Artifacts with no
// Source (shouldn't happen outside tests) are never grouped with
// anything else.
func groupKey(a *graph.Artifact) string {
	if a.Source == nil {
		return "artifact:" + a.Name
	}
	return a.Source.Repo + "#" + a.Source.Ref + "#" + a.Source.MorphologyFile
}

// Run builds every artifact reachable from roots, group by group,
// propagating each artifact's produced archives into its dependents'
// builders as soon as its whole group finishes.
func (s *Scheduler) Run(ctx context.Context, roots []*graph.Artifact) error {
	order, err := s.Graph.BuildOrder(roots)
	if err != nil {
		return err
	}

	groupMembers := make(map[string][]*graph.Artifact)
	for _, level := range order {
		for _, a := range level {
			k := groupKey(a)
			groupMembers[k] = append(groupMembers[k], a)
		}
	}

	builders := make(map[string]buildctx.Builder, len(groupMembers))
	for k, members := range groupMembers {
		b, err := s.NewBuilder(members)
		if err != nil {
			return errors.Wrapf(err, "constructing builder for %s", k)
		}
		builders[k] = b
	}

	for _, level := range order {
		if err := s.runLevel(ctx, level, groupMembers, builders); err != nil {
			return err
		}
	}
	return nil
}

// runLevel builds every distinct builder group referenced by level
// concurrently, then - once every worker has joined - propagates
// produced stage items into dependents single-threaded. All workers
// join at the level boundary before the next level begins, which is
// what lets builders' stage-item lists go unlocked.
func (s *Scheduler) runLevel(ctx context.Context, level []*graph.Artifact, groupMembers map[string][]*graph.Artifact, builders map[string]buildctx.Builder) error {
	seen := make(map[string]bool)
	eg, egCtx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	produced := make(map[string][]buildctx.StageItem)

	for _, a := range level {
		k := groupKey(a)
		if seen[k] {
			continue
		}
		seen[k] = true

		b := builders[k]
		members := groupMembers[k]
		eg.Go(func() error {
			items, err := s.buildGroup(egCtx, b, members)
			if err != nil {
				return errors.Wrapf(err, "building %s", k)
			}
			mu.Lock()
			produced[k] = items
			mu.Unlock()
			return nil
		})
	}

	if err := eg.Wait(); err != nil {
		return err
	}

	s.propagate(produced, groupMembers, builders)
	return nil
}

// buildGroup checks whether every output a group's builder plans to
// produce is already cached; if so it skips the build and reports the
// existing paths so propagation still happens. On failure, any output
// the builder did manage to write is removed so a partial multi-output
// build never poisons the cache.
func (s *Scheduler) buildGroup(ctx context.Context, b buildctx.Builder, members []*graph.Artifact) ([]buildctx.StageItem, error) {
	plan := b.Plan()

	paths := make([]string, 0, len(plan))
	for _, p := range plan {
		paths = append(paths, p)
	}
	if cachedir.Exists(paths...) {
		s.Logger.WithField("artifact", members[0].Name).Debug("all outputs cached, skipping build")
		items := make([]buildctx.StageItem, 0, len(plan))
		for _, a := range members {
			path, ok := plan[a.Name]
			if !ok {
				continue
			}
			items = append(items, buildctx.StageItem{Name: a.Name, Path: path, Prefix: resolvedPrefix(a)})
		}
		return items, nil
	}

	s.Logger.WithField("artifact", members[0].Name).Info("building")
	items, err := b.Build(ctx)
	if err != nil {
		cachedir.Remove(paths...)
		return nil, err
	}
	return items, nil
}

// propagate appends each artifact's produced stage item onto every one
// of its dependents' builders.
//
// Item order within one dependent's AddStageItem calls follows that
// dependent's own declared Dependencies() order restricted to what
// finished this level, not the order producer groups happened to
// finish or the random order Go map iteration would otherwise give -
// map iteration only picks which dependent is processed next, which is
// independent of any one dependent's own item ordering. A stratum's
// unpack order is observable, so this matters.
func (s *Scheduler) propagate(produced map[string][]buildctx.StageItem, groupMembers map[string][]*graph.Artifact, builders map[string]buildctx.Builder) {
	itemForArtifact := make(map[*graph.Artifact]buildctx.StageItem)
	dependentsTouched := make(map[*graph.Artifact]bool)

	for k, items := range produced {
		byName := make(map[string]buildctx.StageItem, len(items))
		for _, item := range items {
			byName[item.Name] = item
		}
		for _, a := range groupMembers[k] {
			item, ok := byName[a.Name]
			if !ok {
				continue
			}
			itemForArtifact[a] = item
			for _, dependent := range a.Dependents() {
				dependentsTouched[dependent] = true
			}
		}
	}

	for dependent := range dependentsTouched {
		depBuilder, ok := builders[groupKey(dependent)]
		if !ok {
			continue
		}
		for _, dep := range dependent.Dependencies() {
			if item, ok := itemForArtifact[dep]; ok {
				depBuilder.AddStageItem(item)
			}
		}
	}
}

func resolvedPrefix(a *graph.Artifact) string {
	if a.Source == nil {
		return ""
	}
	return a.Source.ResolvedPrefix()
}

// BuildSingle builds target alone: every dependency is assumed already
// built (its cache outputs must already exist) and is staged into
// target's builder without rebuilding.
func (s *Scheduler) BuildSingle(ctx context.Context, target *graph.Artifact) ([]buildctx.StageItem, error) {
	order, err := s.Graph.Walk(target)
	if err != nil {
		return nil, err
	}

	targetBuilder, err := s.NewBuilder([]*graph.Artifact{target})
	if err != nil {
		return nil, err
	}

	for _, a := range order {
		if a == target {
			continue
		}
		depBuilder, err := s.NewBuilder([]*graph.Artifact{a})
		if err != nil {
			return nil, err
		}
		plan := depBuilder.Plan()
		path, ok := plan[a.Name]
		if !ok {
			return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("builder for %s has no planned output named %s", a.Name, a.Name))
		}
		if !cachedir.Exists(path) {
			return nil, morph.WithKind(morph.KindCache, errors.Errorf("dependency %s is not already built: %s missing", a.Name, path))
		}
		targetBuilder.AddStageItem(buildctx.StageItem{Name: a.Name, Path: path, Prefix: resolvedPrefix(a)})
	}

	return targetBuilder.Build(ctx)
}
