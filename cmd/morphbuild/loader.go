package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/baserock/morphbuild/internal/cachekey"
	"github.com/baserock/morphbuild/internal/fakes"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/morph"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// buildEnv is everything loadMorphDir produces: a populated graph, a
// lookup from artifact name to node, and the fakes wired to serve it.
type buildEnv struct {
	graph     *graph.Graph
	byName    map[string]*graph.Artifact
	sourceMgr *fakes.SourceManager
	morphLdr  *fakes.MorphLoader
}

// morphHeader decodes just enough of a morphology file to dispatch to
// the right typed struct before fully decoding it.
type morphHeader struct {
	Kind morph.MorphKind `yaml:"kind"`
}

func loadMorphologyFile(path string) (morph.Morphology, error) {
	dt, err := os.ReadFile(path)
	if err != nil {
		return morph.Morphology{}, errors.Wrapf(err, "reading morphology %s", path)
	}

	var hdr morphHeader
	if err := yaml.Unmarshal(dt, &hdr); err != nil {
		return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing morphology header %s", path))
	}

	mo := morph.Morphology{Kind: hdr.Kind}
	switch hdr.Kind {
	case morph.KindChunk:
		var c morph.ChunkMorphology
		if err := yaml.Unmarshal(dt, &c); err != nil {
			return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing chunk morphology %s", path))
		}
		mo.Chunk = &c
	case morph.KindStratum:
		var s morph.StratumMorphology
		if err := yaml.Unmarshal(dt, &s); err != nil {
			return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing stratum morphology %s", path))
		}
		mo.Stratum = &s
	case morph.KindSystem:
		var s morph.SystemMorphology
		if err := yaml.Unmarshal(dt, &s); err != nil {
			return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing system morphology %s", path))
		}
		mo.System = &s
	default:
		return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, errors.Errorf("morphology %s declares unknown kind %q", path, hdr.Kind))
	}

	if err := mo.Validate(); err != nil {
		return morph.Morphology{}, errors.Wrapf(err, "validating %s", path)
	}
	return mo, nil
}

// loadMorphDir reads every morphology file in dir, builds the artifact
// graph they describe (chunks first, then strata, then systems, so
// dependency lookups by name always resolve), registers each chunk's
// source tree with the fake SourceManager, and computes cache keys for
// the whole graph.
func loadMorphDir(dir string, srcDirs map[string]string, arch string) (*buildEnv, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading morphology directory %s", dir)
	}

	var chunkFiles, stratumFiles, systemFiles []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		mo, err := loadMorphologyFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		switch mo.Kind {
		case morph.KindChunk:
			chunkFiles = append(chunkFiles, name)
		case morph.KindStratum:
			stratumFiles = append(stratumFiles, name)
		case morph.KindSystem:
			systemFiles = append(systemFiles, name)
		}
	}
	sort.Strings(chunkFiles)
	sort.Strings(stratumFiles)
	sort.Strings(systemFiles)

	env := &buildEnv{
		graph:     graph.NewGraph(),
		byName:    make(map[string]*graph.Artifact),
		sourceMgr: fakes.NewSourceManager(),
		morphLdr:  fakes.NewMorphLoader(),
	}

	var all []*graph.Artifact

	for _, name := range chunkFiles {
		path := filepath.Join(dir, name)
		mo, err := loadMorphologyFile(path)
		if err != nil {
			return nil, err
		}
		env.morphLdr.Register(name, mo)

		treeish := &fakes.Treeish{
			RepoName: mo.Chunk.Name,
			RefName:  "local",
			Sha1:     "local-" + mo.Chunk.Name,
			Dir:      srcDirs[mo.Chunk.Name],
		}
		env.sourceMgr.Register(mo.Chunk.Name, "local", treeish)

		loaded, err := env.morphLdr.Load(context.Background(), treeish, name)
		if err != nil {
			return nil, err
		}
		source := &morph.Source{
			Repo:           mo.Chunk.Name,
			Ref:            "local",
			Morphology:     loaded,
			MorphologyFile: name,
		}

		for outName := range mo.Chunk.OutputChunks() {
			a := graph.New(outName, source, cachekey.MetadataVersion)
			if _, exists := env.byName[outName]; exists {
				return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("duplicate artifact name %q (from %s)", outName, name))
			}
			env.byName[outName] = a
			all = append(all, a)
		}
	}

	// Strata are registered in two passes so build_depends can point at a
	// stratum that happens to sort later in the directory.
	type stratumEntry struct {
		artifact *graph.Artifact
		stratum  *morph.StratumMorphology
	}
	var strata []stratumEntry
	for _, name := range stratumFiles {
		path := filepath.Join(dir, name)
		mo, err := loadMorphologyFile(path)
		if err != nil {
			return nil, err
		}
		env.morphLdr.Register(name, mo)
		loaded, err := env.morphLdr.Load(context.Background(), nil, name)
		if err != nil {
			return nil, err
		}

		source := &morph.Source{
			Repo:           mo.Stratum.Name,
			Ref:            "local",
			Morphology:     loaded,
			MorphologyFile: name,
		}
		a := graph.New(mo.Stratum.Name, source, cachekey.MetadataVersion)
		env.byName[mo.Stratum.Name] = a
		all = append(all, a)
		strata = append(strata, stratumEntry{artifact: a, stratum: mo.Stratum})
	}

	for _, entry := range strata {
		for _, ref := range entry.stratum.Sources {
			dep, ok := env.byName[ref.Name]
			if !ok {
				return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("stratum %s references unknown source %q", entry.stratum.Name, ref.Name))
			}
			env.graph.AddDependency(entry.artifact, dep)
		}
		for _, depName := range entry.stratum.BuildDepends {
			dep, ok := env.byName[depName]
			if !ok {
				return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("stratum %s build-depends on unknown stratum %q", entry.stratum.Name, depName))
			}
			env.graph.AddDependency(entry.artifact, dep)
		}
	}

	for _, name := range systemFiles {
		path := filepath.Join(dir, name)
		mo, err := loadMorphologyFile(path)
		if err != nil {
			return nil, err
		}
		env.morphLdr.Register(name, mo)
		loaded, err := env.morphLdr.Load(context.Background(), nil, name)
		if err != nil {
			return nil, err
		}

		source := &morph.Source{
			Repo:           mo.System.Name,
			Ref:            "local",
			Morphology:     loaded,
			MorphologyFile: name,
		}
		a := graph.New(mo.System.Name, source, cachekey.MetadataVersion)
		env.byName[mo.System.Name] = a
		all = append(all, a)

		for _, stratumName := range mo.System.Strata {
			dep, ok := env.byName[stratumName]
			if !ok {
				return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("system %s references unknown stratum %q", mo.System.Name, stratumName))
			}
			env.graph.AddDependency(a, dep)
		}
	}

	computer := cachekey.New(arch)
	for _, a := range all {
		if _, _, err := computer.Compute(a); err != nil {
			return nil, err
		}
	}

	return env, nil
}
