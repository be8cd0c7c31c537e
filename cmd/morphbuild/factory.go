package main

import (
	"github.com/baserock/morphbuild/internal/build/chunk"
	"github.com/baserock/morphbuild/internal/build/stratum"
	"github.com/baserock/morphbuild/internal/build/system"
	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/fakes"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/scheduler"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// newBuilderFactory returns a scheduler.BuilderFactory that dispatches
// to the right concrete builder package by the shared morphology of a
// group's members: one builder instance per distinct source, shared
// across every sibling output artifact a chunk morphology names.
func newBuilderFactory(settings *morph.Settings, cache *cachedir.CacheDir, area *staging.Area, sourceMgr *fakes.SourceManager, logger *logrus.Entry) scheduler.BuilderFactory {
	return func(members []*graph.Artifact) (buildctx.Builder, error) {
		if len(members) == 0 {
			return nil, morph.WithKind(morph.KindConfiguration, errors.New("builder factory called with an empty group"))
		}
		source := members[0].Source
		if source == nil {
			return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("artifact %s has no source", members[0].Name))
		}

		switch source.Morphology.Kind {
		case morph.KindChunk:
			artifacts := make(map[string]*graph.Artifact, len(members))
			for _, a := range members {
				artifacts[a.Name] = a
			}
			return chunk.New(settings, source, artifacts, cache, area, sourceMgr, logger)
		case morph.KindStratum:
			return stratum.New(source, members[0], cache, area)
		case morph.KindSystem:
			return system.New(source, members[0], cache, area, logger)
		default:
			return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("unknown morphology kind %q for %s", source.Morphology.Kind, members[0].Name))
		}
	}
}
