// Package stratum builds stratum archives: each constituent chunk
// archive is unpacked into a fresh tree in declared order, and the
// result is re-archived as one stratum archive.
package stratum

import (
	"context"
	"os"

	"github.com/baserock/morphbuild/internal/archive"
	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
)

// Builder produces the single archive a stratum morphology describes.
type Builder struct {
	Source   *morph.Source
	Morph    *morph.StratumMorphology
	Artifact *graph.Artifact

	Cache   *cachedir.CacheDir
	Staging *staging.Area

	stageItems []buildctx.StageItem
}

// New returns a Builder for source, which must carry a loaded stratum
// morphology.
func New(source *morph.Source, artifact *graph.Artifact, cache *cachedir.CacheDir, area *staging.Area) (*Builder, error) {
	if source.Morphology.Kind != morph.KindStratum || source.Morphology.Stratum == nil {
		return nil, morph.WithKind(morph.KindConfiguration, errors.New("stratum builder requires a stratum morphology"))
	}
	return &Builder{
		Source:   source,
		Morph:    source.Morphology.Stratum,
		Artifact: artifact,
		Cache:    cache,
		Staging:  area,
	}, nil
}

// AddStageItem appends one constituent chunk's produced archive. The
// scheduler delivers these in the stratum's declared source order, which
// this builder relies on directly: it never re-sorts stageItems itself.
func (b *Builder) AddStageItem(item buildctx.StageItem) {
	b.stageItems = append(b.stageItems, item)
}

// Plan returns the single output path this stratum will produce.
func (b *Builder) Plan() map[string]string {
	return map[string]string{
		b.Morph.Name: b.Cache.ArtifactPath(b.Artifact.CacheID, "stratum", b.Morph.Name),
	}
}

// Build unpacks every staged chunk archive into a fresh destdir in
// order, writes stratum metadata, and re-archives the destdir as one
// stratum archive.
func (b *Builder) Build(ctx context.Context) ([]buildctx.StageItem, error) {
	dirs, err := b.Staging.DirsFor(b.Morph.Name)
	if err != nil {
		return nil, err
	}

	timer := &buildctx.Timer{}
	unpackErr := timer.Track("unpack", func() error {
		for _, item := range b.stageItems {
			if err := b.unpackOne(item.Path, dirs.DestDir); err != nil {
				return err
			}
		}
		return nil
	})
	if unpackErr != nil {
		return nil, unpackErr
	}

	if err := buildctx.WriteBaserockMeta(dirs.DestDir, b.Morph.Name, buildctx.ChunkMetaFile{
		Name:        b.Morph.Name,
		Kind:        string(morph.KindStratum),
		Description: b.Morph.Description,
	}); err != nil {
		return nil, err
	}

	cachePath := b.Cache.ArtifactPath(b.Artifact.CacheID, "stratum", b.Morph.Name)
	var archiveErr error
	archiveErr = timer.Track("archive", func() error {
		path, err := buildctx.WriteCacheFile(cachePath, func(w *os.File) error {
			return archive.CreateStratum(dirs.DestDir, w)
		})
		if err != nil {
			return err
		}
		cachePath = path
		return nil
	})
	if archiveErr != nil {
		return nil, archiveErr
	}

	d, err := buildctx.DescribeArtifact(cachePath, buildctx.MediaTypeStratumArchive)
	if err != nil {
		return nil, err
	}
	timer.AddArtifact(d)

	if err := timer.WriteMeta(b.Cache.MetaPath(b.Artifact.CacheID)); err != nil {
		return nil, err
	}

	return []buildctx.StageItem{{Name: b.Morph.Name, Path: cachePath}}, nil
}

func (b *Builder) unpackOne(archivePath, destdir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "opening chunk archive %s", archivePath))
	}
	defer f.Close()

	if err := archive.Unpack(f, destdir); err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "unpacking chunk archive %s into stratum", archivePath))
	}
	return nil
}
