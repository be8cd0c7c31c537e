// Package system assembles a bootable disk image from a system
// morphology's strata: partition a raw image, attach it via the
// loop/device-mapper stack, format and mount it, untar each stratum in
// order, install extlinux.
//
// The command plumbing (losetup/kpartx/mkfs/extlinux) is orchestrated
// directly via os/exec rather than internal/exec.Executor: that
// component's contract forces /dev/null stdin, but sfdisk's partition
// script is fed on stdin, so this package runs its own thin wrapper with
// the same tee-to-log-and-capture-tail shape. Archive unpacking reuses
// internal/archive directly, the same codec chunks and strata go
// through.
package system

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/baserock/morphbuild/internal/archive"
	"github.com/baserock/morphbuild/internal/buildctx"
	"github.com/baserock/morphbuild/internal/cachedir"
	"github.com/baserock/morphbuild/internal/graph"
	"github.com/baserock/morphbuild/internal/staging"
	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// fstab and extlinuxConf are written into every assembled image
// verbatim. extlinuxConf always points at a kernel shipped at /vmlinuz
// by whatever stratum installs one; the builder doesn't validate that a
// kernel exists.
const (
	fstab = "proc /proc proc defaults 0 0\n" +
		"sysfs /sys sysfs defaults 0 0\n" +
		"/dev/sda1 / ext4 errors=remount-ro 0 1\n"

	extlinuxConf = "default linux\n" +
		"timeout 1\n" +
		"label linux\n" +
		"  kernel /vmlinuz\n" +
		"  append root=/dev/sda1 init=/sbin/init quiet rw\n"
)

// extlinuxSettleDelay works around a known extlinux timing bug where the
// bootloader write isn't reliably flushed before the loop device is torn
// down.
const extlinuxSettleDelay = 2 * time.Second

var toolEnv = []string{"PATH=/sbin:/usr/sbin:/bin:/usr/bin"}

// Builder assembles the bootable image a system morphology describes.
type Builder struct {
	Source   *morph.Source
	Morph    *morph.SystemMorphology
	Artifact *graph.Artifact

	Cache   *cachedir.CacheDir
	Staging *staging.Area
	Logger  *logrus.Entry

	stageItems []buildctx.StageItem
}

// New returns a Builder for source, which must carry a loaded system
// morphology.
func New(source *morph.Source, artifact *graph.Artifact, cache *cachedir.CacheDir, area *staging.Area, logger *logrus.Entry) (*Builder, error) {
	if source.Morphology.Kind != morph.KindSystem || source.Morphology.System == nil {
		return nil, morph.WithKind(morph.KindConfiguration, errors.New("system builder requires a system morphology"))
	}
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Builder{
		Source:   source,
		Morph:    source.Morphology.System,
		Artifact: artifact,
		Cache:    cache,
		Staging:  area,
		Logger:   logger,
	}, nil
}

// AddStageItem appends one constituent stratum's produced archive, in
// the system morphology's declared strata order.
func (b *Builder) AddStageItem(item buildctx.StageItem) {
	b.stageItems = append(b.stageItems, item)
}

// Plan returns the single output path this system will produce.
func (b *Builder) Plan() map[string]string {
	return map[string]string{
		b.Morph.Name: b.Cache.ArtifactPath(b.Artifact.CacheID, "system", b.Morph.Name),
	}
}

// teardown is a local LIFO cleanup stack scoped to a single Build call,
// mirroring internal/staging.Area's pattern but run at the end of this
// builder's own work rather than the whole engine run's: a partial
// assembly must unwind its loop/mapper/mount attachments immediately.
type teardown struct {
	fns []func() error
}

func (t *teardown) push(fn func() error) { t.fns = append(t.fns, fn) }

func (t *teardown) run() error {
	var firstErr error
	for i := len(t.fns) - 1; i >= 0; i-- {
		if err := t.fns[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Build assembles the disk image and returns the single produced
// (name, path) pair.
func (b *Builder) Build(ctx context.Context) ([]buildctx.StageItem, error) {
	size, err := parseSize(b.Morph.DiskSize)
	if err != nil {
		return nil, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing disk_size %q", b.Morph.DiskSize))
	}

	dirs, err := b.Staging.DirsFor(b.Morph.Name)
	if err != nil {
		return nil, err
	}
	imagePath := filepath.Join(dirs.BuildDir, b.Morph.Name+".img")
	mountPoint := dirs.DestDir

	logFile, err := buildctx.OpenLog(b.Cache.LogPath(b.Artifact.CacheID))
	if err != nil {
		return nil, err
	}
	defer logFile.Close()

	if err := allocateImage(imagePath, size); err != nil {
		return nil, err
	}

	tb := &teardown{}
	buildErr := b.assemble(ctx, imagePath, mountPoint, logFile, tb)
	teardownErr := tb.run()
	if teardownErr != nil {
		// Teardown failures are logged but never mask a build failure
		// the caller is already propagating.
		b.Logger.WithField("system", b.Morph.Name).WithError(teardownErr).Warn("tearing down image assembly")
	}

	if buildErr != nil {
		os.Remove(imagePath)
		return nil, buildErr
	}
	if teardownErr != nil {
		os.Remove(imagePath)
		return nil, morph.WithKind(morph.KindUnmount, teardownErr)
	}

	cachePath := b.Cache.ArtifactPath(b.Artifact.CacheID, "system", b.Morph.Name)
	if err := os.MkdirAll(filepath.Dir(cachePath), 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache directory for system image")
	}
	if err := os.Rename(imagePath, cachePath); err != nil {
		return nil, errors.Wrap(err, "moving system image into cache")
	}

	timer := &buildctx.Timer{}
	d, err := buildctx.DescribeArtifact(cachePath, buildctx.MediaTypeSystemImage)
	if err != nil {
		return nil, err
	}
	timer.AddArtifact(d)
	if err := timer.WriteMeta(b.Cache.MetaPath(b.Artifact.CacheID)); err != nil {
		return nil, err
	}

	return []buildctx.StageItem{{Name: b.Morph.Name, Path: cachePath}}, nil
}

// assemble does every step between "image file exists" and "image is
// ready to move into the cache", registering each acquired resource's
// teardown on tb as it goes so a failure partway through still unwinds
// everything acquired so far.
func (b *Builder) assemble(ctx context.Context, imagePath, mountPoint string, log io.Writer, tb *teardown) error {
	if err := partitionWithBootFlag(ctx, imagePath, log); err != nil {
		return err
	}
	if err := installMBR(ctx, imagePath, log); err != nil {
		return err
	}

	loopDev, err := attachLoop(ctx, imagePath, log)
	if err != nil {
		return err
	}
	tb.push(func() error { return detachLoop(ctx, loopDev, log) })

	mapperDev, err := mapPartitions(ctx, loopDev, log)
	if err != nil {
		return err
	}
	tb.push(func() error { return unmapPartitions(ctx, loopDev, log) })

	if err := runTool(ctx, log, "", "mkfs.ext3", "-F", mapperDev); err != nil {
		return err
	}

	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return errors.Wrap(err, "creating mount point")
	}
	if err := runTool(ctx, log, "", "mount", mapperDev, mountPoint); err != nil {
		return err
	}
	tb.push(func() error { return runTool(ctx, log, "", "umount", mountPoint) })

	for _, item := range b.stageItems {
		if err := untarStratum(item.Path, mountPoint); err != nil {
			return err
		}
	}

	if err := runTool(ctx, log, "", "ldconfig", "-r", mountPoint); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Join(mountPoint, "etc"), 0o755); err != nil {
		return errors.Wrap(err, "creating /etc")
	}
	if err := os.WriteFile(filepath.Join(mountPoint, "etc", "fstab"), []byte(fstab), 0o644); err != nil {
		return errors.Wrap(err, "writing /etc/fstab")
	}
	if err := os.WriteFile(filepath.Join(mountPoint, "extlinux.conf"), []byte(extlinuxConf), 0o644); err != nil {
		return errors.Wrap(err, "writing /extlinux.conf")
	}

	if err := runTool(ctx, log, "", "extlinux", "--install", mountPoint); err != nil {
		return err
	}
	if err := runTool(ctx, log, "", "sync"); err != nil {
		return err
	}
	time.Sleep(extlinuxSettleDelay)

	return nil
}

func untarStratum(archivePath, mountPoint string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "opening stratum archive %s", archivePath))
	}
	defer f.Close()
	if err := archive.Unpack(f, mountPoint); err != nil {
		return morph.WithKind(morph.KindArchive, errors.Wrapf(err, "unpacking stratum archive %s", archivePath))
	}
	return nil
}

func allocateImage(path string, size int64) error {
	f, err := os.Create(path)
	if err != nil {
		return morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "creating image file %s", path))
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "allocating %d bytes for %s", size, path))
	}
	return nil
}

// partitionWithBootFlag writes an msdos partition table with one
// primary partition spanning the whole disk, boot flag on. sfdisk reads
// its script from stdin, which is why this goes through runTool rather
// than internal/exec.Executor.
func partitionWithBootFlag(ctx context.Context, imagePath string, log io.Writer) error {
	script := "label: dos\n2048,,83,*\n"
	return runTool(ctx, log, script, "sfdisk", "--no-reread", "-q", imagePath)
}

// installMBR writes a standard MBR bootstrap code block. The syslinux
// MBR image ships at this path on the distributions this builder runs
// on.
func installMBR(ctx context.Context, imagePath string, log io.Writer) error {
	return runTool(ctx, log, "", "dd", "if=/usr/lib/syslinux/mbr/mbr.bin", "of="+imagePath, "conv=notrunc")
}

func attachLoop(ctx context.Context, imagePath string, log io.Writer) (string, error) {
	out, err := runToolOutput(ctx, log, "", "losetup", "--find", "--show", imagePath)
	if err != nil {
		return "", err
	}
	dev := strings.TrimSpace(out)
	if dev == "" {
		return "", morph.WithKind(morph.KindConfiguration, errors.New("losetup returned no device"))
	}
	return dev, nil
}

func detachLoop(ctx context.Context, loopDev string, log io.Writer) error {
	return runTool(ctx, log, "", "losetup", "-d", loopDev)
}

// mapPartitions creates device-mapper nodes for loopDev's partitions via
// kpartx and returns the mapper device for the first (and only)
// partition.
func mapPartitions(ctx context.Context, loopDev string, log io.Writer) (string, error) {
	if err := runTool(ctx, log, "", "kpartx", "-av", loopDev); err != nil {
		return "", err
	}
	return mapperDeviceName(loopDev), nil
}

func mapperDeviceName(loopDev string) string {
	return "/dev/mapper/" + filepath.Base(loopDev) + "p1"
}

func unmapPartitions(ctx context.Context, loopDev string, log io.Writer) error {
	return runTool(ctx, log, "", "kpartx", "-dv", loopDev)
}

func runTool(ctx context.Context, log io.Writer, stdin string, argv ...string) error {
	_, err := runToolOutput(ctx, log, stdin, argv...)
	return err
}

func runToolOutput(ctx context.Context, log io.Writer, stdin string, argv ...string) (string, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Env = toolEnv
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	var out bytes.Buffer
	writers := []io.Writer{&out}
	if log != nil {
		writers = append(writers, log)
	}
	mw := io.MultiWriter(writers...)
	cmd.Stdout = mw
	cmd.Stderr = mw

	if err := cmd.Run(); err != nil {
		status := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			status = exitErr.ExitCode()
		}
		return out.String(), morph.WithKind(morph.KindCommandFailed, &morph.CommandFailed{
			Cmd: argv, Status: status, LogTail: out.String(),
		})
	}
	return out.String(), nil
}

// parseSize parses a disk_size string like "2G", "512M" or a bare byte
// count into bytes. Suffixes are binary (1024-based).
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("disk_size must not be empty")
	}

	multiplier := int64(1)
	suffix := s[len(s)-1]
	numeric := s
	switch suffix {
	case 'K', 'k':
		multiplier = 1024
		numeric = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		numeric = s[:len(s)-1]
	case 'G', 'g':
		multiplier = 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	case 'T', 't':
		multiplier = 1024 * 1024 * 1024 * 1024
		numeric = s[:len(s)-1]
	}

	n, err := strconv.ParseInt(numeric, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid disk_size %q", s)
	}
	return n * multiplier, nil
}
