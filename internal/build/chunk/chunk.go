// Package chunk runs one component's configure/build/test/install
// command sequence in a scrubbed environment and splits its DESTDIR into
// one or more named chunk archives.
//
// Command strings are split with github.com/google/shlex for the common
// case and handed to /bin/sh -c when they contain shell syntax the
// built-in recipes themselves use (conditionals, redirection).
package chunk

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/baserock/morphbuild/internal/archive"
	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/exec"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
	"github.com/google/shlex"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// envWhitelist is preserved verbatim from the host environment rather
// than scrubbed. The fakeroot variables keep a fakeroot session alive
// across the whole stage sequence.
var envWhitelist = []string{
	"TMPDIR", "LD_PRELOAD", "LD_LIBRARY_PATH",
	"FAKEROOTKEY", "FAKED_MODE", "FAKEROOT_FD_BASE",
}

var buildStages = []string{"configure", "build", "test", "install"}

// Builder builds every output chunk a single source's morphology
// declares. One Builder covers the whole morphology: its `chunks`
// mapping can name several outputs from one configure/build/install
// run, so the scheduler shares one Builder instance across every
// sibling Artifact a morphology produces rather than constructing one
// per output name.
type Builder struct {
	Settings *morph.Settings
	Source   *morph.Source
	Morph    *morph.ChunkMorphology

	// Artifacts maps each declared output-chunk name to the graph
	// Artifact that carries its computed cache key.
	Artifacts map[string]*graph.Artifact

	Cache     *cachedir.CacheDir
	Staging   *staging.Area
	SourceMgr morph.SourceManager
	Logger    *logrus.Entry

	stageItems []buildctx.StageItem
}

// New returns a Builder for source, which must carry a loaded chunk
// morphology.
func New(settings *morph.Settings, source *morph.Source, artifacts map[string]*graph.Artifact, cache *cachedir.CacheDir, area *staging.Area, sourceMgr morph.SourceManager, logger *logrus.Entry) (*Builder, error) {
	if source.Morphology.Kind != morph.KindChunk || source.Morphology.Chunk == nil {
		return nil, morph.WithKind(morph.KindConfiguration, errors.New("chunk builder requires a chunk morphology"))
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{
		Settings:  settings,
		Source:    source,
		Morph:     source.Morphology.Chunk,
		Artifacts: artifacts,
		Cache:     cache,
		Staging:   area,
		SourceMgr: sourceMgr,
		Logger:    logger,
	}, nil
}

// AddStageItem records one dependency's produced archive, to be staged
// into the sandbox before this chunk builds and to extend PATH with its
// install prefix.
func (b *Builder) AddStageItem(item buildctx.StageItem) {
	b.stageItems = append(b.stageItems, item)
}

// Plan returns the cache path every declared output chunk will land at.
func (b *Builder) Plan() map[string]string {
	out := make(map[string]string, len(b.Artifacts))
	for name, a := range b.Artifacts {
		out[name] = b.Cache.ArtifactPath(a.CacheID, "chunk", name)
	}
	return out
}

// Build runs the full configure/build/test/install sequence and returns
// the (name, path) pairs for every output chunk it produced.
func (b *Builder) Build(ctx context.Context) ([]buildctx.StageItem, error) {
	dirs, err := b.Staging.DirsFor(b.Morph.Name)
	if err != nil {
		return nil, err
	}

	for _, item := range b.stageItems {
		if err := b.Staging.Stage(item.Path); err != nil {
			return nil, err
		}
	}

	if err := b.extractSource(ctx, dirs.BuildDir); err != nil {
		return nil, err
	}

	primary, err := b.primaryArtifact()
	if err != nil {
		return nil, err
	}

	logFile, err := buildctx.OpenLog(b.Cache.LogPath(primary.CacheID))
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	executor := exec.New(logFile, b.Logger)
	env := b.baseEnvironment(dirs)

	chroot := ""
	if b.Settings.StagingChroot {
		chroot = b.Staging.Root
	}

	timer := &buildctx.Timer{}
	for _, stage := range buildStages {
		cmds := b.commandsFor(stage)
		if len(cmds) == 0 {
			continue
		}

		stageEnv := cloneEnv(env)
		if stage != "build" {
			stageEnv["MAKEFLAGS"] = "-j1"
		}

		runErr := timer.Track(stage, func() error {
			for _, c := range cmds {
				err := executor.Run(ctx, buildArgv(c), exec.Options{
					Dir:     dirs.BuildDir,
					Env:     stageEnv,
					Chroot:  chroot,
					DestDir: dirs.DestDir,
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if runErr != nil {
			return nil, runErr
		}
	}

	produced, err := b.archiveOutputs(dirs)
	if err != nil {
		return nil, err
	}

	for _, item := range produced {
		d, err := buildctx.DescribeArtifact(item.Path, buildctx.MediaTypeChunkArchive)
		if err != nil {
			return nil, err
		}
		timer.AddArtifact(d)
	}

	if err := timer.WriteMeta(b.Cache.MetaPath(primary.CacheID)); err != nil {
		return nil, err
	}

	return produced, nil
}

func (b *Builder) primaryArtifact() (*graph.Artifact, error) {
	if len(b.Artifacts) == 0 {
		return nil, morph.WithKind(morph.KindConfiguration, errors.New("chunk builder has no output artifacts"))
	}
	names := make([]string, 0, len(b.Artifacts))
	for name := range b.Artifacts {
		names = append(names, name)
	}
	sort.Strings(names)
	return b.Artifacts[names[0]], nil
}

// extractSource clones the treeish into builddir, checks out ref,
// recursively extracts submodules and rewrites their URLs to the local
// copy, then touches every file to now so Make doesn't spuriously
// rebuild pre-shipped generated files.
func (b *Builder) extractSource(ctx context.Context, builddir string) error {
	src := b.Source
	if src.Treeish == nil {
		tree, err := b.SourceMgr.GetTreeish(ctx, src.Repo, src.Ref)
		if err != nil {
			return err
		}
		src.Treeish = tree
	}

	if err := src.Treeish.CopyTo(ctx, builddir); err != nil {
		return morph.WithKind(morph.KindSource, errors.Wrap(err, "cloning treeish into builddir"))
	}
	if err := src.Treeish.Checkout(ctx, builddir, src.Ref); err != nil {
		return morph.WithKind(morph.KindSource, errors.Wrap(err, "checking out ref"))
	}
	if err := b.extractSubmodules(ctx, src.Treeish, builddir); err != nil {
		return err
	}
	if err := touchTree(builddir); err != nil {
		return morph.WithKind(morph.KindSource, errors.Wrap(err, "touching extracted source tree"))
	}
	return nil
}

func (b *Builder) extractSubmodules(ctx context.Context, parent morph.Treeish, dir string) error {
	for _, sm := range parent.Submodules() {
		dst := filepath.Join(dir, sm.Path)
		if err := sm.Treeish.CopyTo(ctx, dst); err != nil {
			return morph.WithKind(morph.KindSource, errors.Wrapf(err, "extracting submodule %s", sm.Name))
		}
		if err := parent.SetSubmoduleURL(ctx, dir, sm.Name, "file://"+dst); err != nil {
			return morph.WithKind(morph.KindSource, errors.Wrapf(err, "rewriting submodule %s url", sm.Name))
		}
		if err := b.extractSubmodules(ctx, sm.Treeish, dst); err != nil {
			return err
		}
	}
	return nil
}

func touchTree(root string) error {
	now := time.Now()
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		return os.Chtimes(path, now, now)
	})
}

// baseEnvironment builds the scrubbed environment for a chunk build:
// nothing from the host except the whitelist, fixed identity variables,
// a composed PATH, and the staging-area locations the stage commands
// need.
func (b *Builder) baseEnvironment(dirs staging.Dirs) map[string]string {
	env := make(map[string]string)
	for _, k := range envWhitelist {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}

	env["TERM"] = "dumb"
	env["SHELL"] = "/bin/sh"
	env["USER"] = "tomjon"
	env["USERNAME"] = "tomjon"
	env["LOGNAME"] = "tomjon"
	env["LC_ALL"] = "C"
	env["HOME"] = b.Staging.Root

	env["PATH"] = b.composePath()
	if b.Settings.DistccEnabled() {
		env["CCACHE_PREFIX"] = "distcc"
		env["CCACHE_BASEDIR"] = b.Staging.Root
	}

	env["WORKAREA"] = b.Staging.Root
	env["DESTDIR"] = dirs.DestDir + "/"
	env["TOOLCHAIN_TARGET"] = unameM() + "-baserock-linux-gnu"
	if b.Settings.Bootstrap {
		env["BOOTSTRAP"] = "true"
	} else {
		env["BOOTSTRAP"] = "false"
	}

	env["MAKEFLAGS"] = fmt.Sprintf("-j%d", b.jobs())
	return env
}

func (b *Builder) composePath() string {
	var path string
	if b.Settings.KeepPath || b.Settings.Bootstrap {
		path = os.Getenv("PATH")
	} else {
		path = filepath.Join(b.Staging.Root, "bin")
		if b.Settings.CCacheEnabled() {
			path = "/usr/lib/ccache:" + path
		}
	}

	if prefixes := b.dependencyPathEntries(); len(prefixes) > 0 {
		path = path + ":" + strings.Join(prefixes, ":")
	}
	return path
}

// dependencyPathEntries returns "{prefix}/bin" for every staged
// dependency whose install prefix differs from /usr, deduplicated and in
// the order the dependencies were staged.
func (b *Builder) dependencyPathEntries() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, item := range b.stageItems {
		if item.Prefix == "" || item.Prefix == "/usr" {
			continue
		}
		if _, ok := seen[item.Prefix]; ok {
			continue
		}
		seen[item.Prefix] = struct{}{}
		out = append(out, filepath.Join(item.Prefix, "bin"))
	}
	return out
}

func (b *Builder) jobs() int {
	if b.Morph.MaxJobs != nil {
		return *b.Morph.MaxJobs
	}
	return b.Settings.ResolvedMaxJobs()
}

// unameM approximates `uname -m` from the Go architecture name. A real
// uname syscall would need cgo or an exec of /bin/uname; this covers
// every architecture the built-in autotools recipe is realistically
// invoked on.
func unameM() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	case "arm":
		return "armv7l"
	default:
		return runtime.GOARCH
	}
}

// commandsFor returns the morphology's explicit command list for stage,
// falling back to the built-in recipe for Morph.BuildSystem.
func (b *Builder) commandsFor(stage string) []string {
	switch stage {
	case "configure":
		if len(b.Morph.ConfigureCommands) > 0 {
			return b.Morph.ConfigureCommands
		}
	case "build":
		if len(b.Morph.BuildCommands) > 0 {
			return b.Morph.BuildCommands
		}
	case "test":
		if len(b.Morph.TestCommands) > 0 {
			return b.Morph.TestCommands
		}
	case "install":
		if len(b.Morph.InstallCommands) > 0 {
			return b.Morph.InstallCommands
		}
	}
	return builtinRecipe(b.Morph.BuildSystem, stage)
}

// builtinRecipe implements the two built-in recipe families: dummy
// (echo placeholders) and autotools.
func builtinRecipe(system morph.BuildSystem, stage string) []string {
	if system == morph.BuildSystemAutotools {
		switch stage {
		case "configure":
			return []string{
				`if [ -x ./autogen.sh ]; then ./autogen.sh; else autoreconf -ivf; fi`,
				"./configure --prefix=/usr",
			}
		case "build":
			return []string{"make"}
		case "test":
			return nil
		case "install":
			return []string{`make DESTDIR="$DESTDIR" install`}
		}
		return nil
	}

	// BuildSystemDummy, and the unset default.
	switch stage {
	case "configure":
		return []string{"echo dummy configure"}
	case "build":
		return []string{"echo dummy build"}
	case "test":
		return nil
	case "install":
		return []string{"echo dummy install"}
	}
	return nil
}

// buildArgv tokenizes a morphology command string. Commands that use
// shell syntax (the built-in autotools recipe's conditional, or a
// morphology author's own `&&` chain) run through /bin/sh -c; everything
// else is split with shlex so a plain "make -j4"-style command execs
// directly without forking a shell.
func buildArgv(cmd string) []string {
	if strings.ContainsAny(cmd, "|&;<>()`$") {
		return []string{"/bin/sh", "-c", cmd}
	}
	fields, err := shlex.Split(cmd)
	if err != nil || len(fields) == 0 {
		return []string{"/bin/sh", "-c", cmd}
	}
	return fields
}

func cloneEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// checkDisjointOutputs enumerates, for every declared output chunk, the
// regular files and symlinks its own patterns would claim under destdir
// (before any chunk has archived/removed anything), failing fast if two
// output chunks would claim the same path. Requiring disjoint pattern
// sets up front beats silently letting an earlier chunk's
// archive-and-remove starve a later one of the same file.
func checkDisjointOutputs(destdir string, names []string, outputs map[string][]string) error {
	claimedBy := make(map[string]string)
	for _, name := range names {
		paths, err := archive.Enumerate(destdir, outputs[name])
		if err != nil {
			return err
		}
		for _, rel := range paths {
			fi, err := os.Lstat(filepath.Join(destdir, filepath.FromSlash(rel)))
			if err != nil || fi.IsDir() {
				continue
			}
			if owner, ok := claimedBy[rel]; ok && owner != name {
				return morph.WithKind(morph.KindArchive, errors.Errorf("path %q claimed by both chunk %q and chunk %q: output chunk patterns must be disjoint", rel, owner, name))
			}
			claimedBy[rel] = name
		}
	}
	return nil
}

// archiveOutputs writes each output chunk's metadata file and archive,
// verifying destdir is fully consumed afterwards.
func (b *Builder) archiveOutputs(dirs staging.Dirs) ([]buildctx.StageItem, error) {
	outputs := b.Morph.OutputChunks()
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	if err := checkDisjointOutputs(dirs.DestDir, names, outputs); err != nil {
		return nil, err
	}

	produced := make([]buildctx.StageItem, 0, len(names))
	for _, name := range names {
		artifact, ok := b.Artifacts[name]
		if !ok {
			return nil, morph.WithKind(morph.KindConfiguration, errors.Errorf("no artifact registered for output chunk %q", name))
		}

		if err := buildctx.WriteBaserockMeta(dirs.DestDir, name, buildctx.ChunkMetaFile{
			Name:        name,
			Kind:        string(morph.KindChunk),
			Description: b.Morph.Description,
		}); err != nil {
			return nil, err
		}

		patterns := append(append([]string{}, outputs[name]...), `baserock/`+regexp.QuoteMeta(name)+`\.`)

		cachePath := b.Cache.ArtifactPath(artifact.CacheID, "chunk", name)
		path, err := buildctx.WriteCacheFile(cachePath, func(w *os.File) error {
			return archive.CreateChunk(dirs.DestDir, w, patterns)
		})
		if err != nil {
			return nil, err
		}

		produced = append(produced, buildctx.StageItem{
			Name:   name,
			Path:   path,
			Prefix: b.Source.ResolvedPrefix(),
		})
	}

	if stray := strayFiles(dirs.DestDir); len(stray) > 0 {
		return nil, morph.WithKind(morph.KindArchive, errors.Errorf("destdir %s still has files after archiving every chunk (install commands emitted outside the declared patterns): %v", dirs.DestDir, stray))
	}

	return produced, nil
}

// strayFiles lists every non-directory entry left under destdir. Empty
// directories left behind are fine; any remaining file means an install
// command emitted outside the declared chunk patterns.
func strayFiles(destdir string) []string {
	var stray []string
	filepath.WalkDir(destdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == destdir || d.IsDir() {
			return err
		}
		rel, relErr := filepath.Rel(destdir, path)
		if relErr != nil {
			rel = path
		}
		stray = append(stray, filepath.ToSlash(rel))
		return nil
	})
	return stray
}
