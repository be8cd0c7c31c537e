// Package buildctx holds the contract shared by every per-kind builder
// (chunk/stratum/system) and the small helpers (metadata/log writing)
// those builders share.
//
// This package sits below internal/scheduler and internal/build/* so
// neither direction creates an import cycle: the scheduler depends on
// Builder/StageItem, and each concrete builder package implements them.
package buildctx

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	digest "github.com/opencontainers/go-digest"
	ociv1 "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// Media types recorded against each produced artifact's OCI-style
// descriptor in a build's metadata; these aren't pulled from any
// registry, just reused as a familiar digest+size+mediaType shape for
// describing a local artifact.
const (
	MediaTypeChunkArchive   = "application/vnd.baserock.chunk.tar"
	MediaTypeStratumArchive = "application/vnd.baserock.stratum.tar"
	MediaTypeSystemImage    = "application/vnd.baserock.system.image"
)

// StageItem is one produced artifact handed from a finished build to its
// dependents: the output's name and the path of its archive in the
// cache, plus the install prefix of the artifact that produced it (used
// by the chunk builder to extend PATH).
type StageItem struct {
	Name   string
	Path   string
	Prefix string
}

// Builder is the contract every per-kind builder satisfies.
type Builder interface {
	// Plan returns every output file this builder will produce, keyed
	// by output name: {cache_prefix}.{kind}.{name}. The scheduler uses
	// this to decide whether a cache hit lets it skip the build
	// entirely.
	Plan() map[string]string
	// Build runs the builder, returning the (name, path) pairs it
	// produced so the scheduler can propagate them to dependents.
	Build(ctx context.Context) ([]StageItem, error)
	// AddStageItem appends one dependency's produced output to this
	// builder's input set, in the order the scheduler delivers them
	// (source/declared order, not completion order).
	AddStageItem(item StageItem)
}

// StageTiming records one build stage's wall-clock timing, written into
// {cache_prefix}.meta.
type StageTiming struct {
	Stage        string  `json:"stage"`
	Start        float64 `json:"start"`
	Stop         float64 `json:"stop"`
	DeltaSeconds float64 `json:"delta_seconds"`
}

// BuildMeta is the full {cache_prefix}.meta document.
type BuildMeta struct {
	Stages    []StageTiming      `json:"stages"`
	Artifacts []ociv1.Descriptor `json:"artifacts,omitempty"`
}

// Timer records stage start/stop and accumulates StageTimings.
type Timer struct {
	meta BuildMeta
}

// AddArtifact records one produced artifact's descriptor against the
// timer's metadata document, alongside its stage timings.
func (t *Timer) AddArtifact(d ociv1.Descriptor) {
	t.meta.Artifacts = append(t.meta.Artifacts, d)
}

// Track runs fn, recording its wall-clock duration against stage.
func (t *Timer) Track(stage string, fn func() error) error {
	start := time.Now()
	err := fn()
	stop := time.Now()
	t.meta.Stages = append(t.meta.Stages, StageTiming{
		Stage:        stage,
		Start:        float64(start.UnixNano()) / 1e9,
		Stop:         float64(stop.UnixNano()) / 1e9,
		DeltaSeconds: stop.Sub(start).Seconds(),
	})
	return err
}

// WriteMeta writes t's accumulated stage timings and artifact descriptors
// as JSON to path.
func (t *Timer) WriteMeta(path string) error {
	b, err := json.MarshalIndent(t.meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling build metadata")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %s", path)
	}
	return os.WriteFile(path, b, 0o644)
}

// ChunkMetaFile is the JSON object written to /baserock/{name}.meta
// inside a chunk or stratum archive before it is tarred.
type ChunkMetaFile struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// WriteBaserockMeta writes meta as /baserock/{name}.meta under destdir.
func WriteBaserockMeta(destdir, name string, meta ChunkMetaFile) error {
	dir := filepath.Join(destdir, "baserock")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "creating baserock metadata dir under %s", destdir)
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling chunk metadata")
	}
	return os.WriteFile(filepath.Join(dir, name+".meta"), b, 0o644)
}

// OpenLog opens (creating if needed) a log file for a build and returns an
// io.WriteCloser; callers tee command output into it via internal/exec.
func OpenLog(path string) (io.WriteCloser, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for log %s", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "creating log file %s", path)
	}
	return f, nil
}

// DescribeArtifact stats and digests the file at path, returning an
// OCI-style descriptor for it. Builders call this after WriteCacheFile
// succeeds so a produced archive's identity (digest, size, media type)
// is recorded in the build's metadata alongside its stage timings.
func DescribeArtifact(path, mediaType string) (ociv1.Descriptor, error) {
	f, err := os.Open(path)
	if err != nil {
		return ociv1.Descriptor{}, errors.Wrapf(err, "opening %s to describe", path)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return ociv1.Descriptor{}, errors.Wrapf(err, "stating %s", path)
	}
	dgst, err := digest.FromReader(f)
	if err != nil {
		return ociv1.Descriptor{}, errors.Wrapf(err, "digesting %s", path)
	}
	return ociv1.Descriptor{
		MediaType: mediaType,
		Digest:    dgst,
		Size:      fi.Size(),
	}, nil
}

// WriteCacheFile writes one archive into the cache atomically: fn
// streams into a temp file created beside dest, which is renamed into
// place only once fn succeeds. Shared by every builder kind instead of
// each reimplementing temp-then-rename.
func WriteCacheFile(dest string, fn func(w *os.File) error) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating cache directory for %s", dest)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return "", errors.Wrapf(err, "creating temp file for %s", dest)
	}
	tmpName := tmp.Name()

	if err := fn(tmp); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrapf(err, "closing temp file for %s", dest)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", errors.Wrapf(err, "renaming file into place: %s", dest)
	}
	return dest, nil
}
