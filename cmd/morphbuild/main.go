// Command morphbuild is a thin demonstration front-end: it wires the
// engine's components together against the in-repo fake SourceManager
// and MorphLoader so one artifact (or a whole system) can be built end
// to end from a local directory of morphology files and source trees.
//
// It is deliberately not a full CLI front-end (no repo aliasing, no
// network fetch, no real morphology parser) - morphology files are read
// straight off disk and fed into the fakes' Register methods, the way a
// test's setup code would.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/scheduler"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var (
		morphDir    = flag.String("morphdir", "", "directory of morphology YAML files")
		settingsPth = flag.String("settings", "", "path to a settings YAML file (optional)")
		cacheDir    = flag.String("cachedir", "", "cache directory override")
		arch        = flag.String("arch", "x86_64", "target architecture string")
		target      = flag.String("target", "", "name of the artifact to build")
		single      = flag.Bool("single", false, "build only -target, assuming its dependencies are already cached")
	)
	var srcDirs srcDirFlag
	flag.Var(&srcDirs, "srcdir", "name=directory mapping a chunk's source tree (repeatable)")
	flag.Parse()

	if *morphDir == "" || *target == "" {
		fmt.Fprintln(os.Stderr, "usage: morphbuild -morphdir DIR -target NAME [-srcdir name=dir ...]")
		os.Exit(2)
	}

	if err := run(ctx, runArgs{
		morphDir:    *morphDir,
		settingsPth: *settingsPth,
		cacheDir:    *cacheDir,
		arch:        *arch,
		target:      *target,
		single:      *single,
		srcDirs:     srcDirs,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
}

type runArgs struct {
	morphDir    string
	settingsPth string
	cacheDir    string
	arch        string
	target      string
	single      bool
	srcDirs     srcDirFlag
}

func run(ctx context.Context, args runArgs) error {
	logger := logrus.NewEntry(logrus.StandardLogger())

	settings, err := loadSettings(args.settingsPth)
	if err != nil {
		return err
	}
	if args.cacheDir != "" {
		settings.CacheDir = args.cacheDir
	}
	if settings.CacheDir == "" {
		settings.CacheDir = os.TempDir() + "/morphbuild-cache"
	}
	if err := settings.Validate(); err != nil {
		return err
	}

	env, err := loadMorphDir(args.morphDir, args.srcDirs, args.arch)
	if err != nil {
		return err
	}

	root, ok := env.byName[args.target]
	if !ok {
		return morph.WithKind(morph.KindConfiguration, errors.Errorf("no artifact named %q found under %s", args.target, args.morphDir))
	}

	cache := cachedir.New(settings.CacheDir)
	area, err := staging.New("")
	if err != nil {
		return err
	}
	defer func() {
		if err := area.Release(); err != nil {
			logger.WithError(err).Warn("releasing staging area")
		}
	}()

	factory := newBuilderFactory(settings, cache, area, env.sourceMgr, logger)
	sched := scheduler.New(cache, env.graph, factory, logger)

	if args.single {
		items, err := sched.BuildSingle(ctx, root)
		if err != nil {
			return err
		}
		fmt.Printf("built %s: %+v\n", args.target, items)
		return nil
	}

	if err := sched.Run(ctx, []*graph.Artifact{root}); err != nil {
		return err
	}
	fmt.Printf("built %s -> %s\n", args.target, cache.ArtifactPath(root.CacheID, kindOf(root), root.Name))
	return nil
}

func kindOf(a *graph.Artifact) string {
	if a.Source == nil {
		return "artifact"
	}
	return string(a.Source.Morphology.Kind)
}

// srcDirFlag collects repeated -srcdir name=dir flags.
type srcDirFlag map[string]string

func (s *srcDirFlag) String() string {
	return fmt.Sprint(map[string]string(*s))
}

func (s *srcDirFlag) Set(value string) error {
	if *s == nil {
		*s = make(map[string]string)
	}
	for i := 0; i < len(value); i++ {
		if value[i] == '=' {
			(*s)[value[:i]] = value[i+1:]
			return nil
		}
	}
	return errors.Errorf("expected name=dir, got %q", value)
}
