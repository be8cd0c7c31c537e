// Package cachedir maps a cache_id record to a filesystem path and
// computes the stable key that identifies it. The contract for the key
// is collision resistance, not a specific algorithm; sha256 via
// go-digest's canonical algorithm serves.
package cachedir

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ID is the record the cache-key computer builds for each artifact:
// {name, arch, ref, kids, metadata_version}.
type ID struct {
	Name            string
	Arch            string
	Ref             string
	Kids            []string
	MetadataVersion int
}

// CacheDir maps cache_id records to filesystem paths under Root.
type CacheDir struct {
	Root string
}

// New returns a CacheDir rooted at root.
func New(root string) *CacheDir {
	return &CacheDir{Root: root}
}

// Key canonically serializes id (keys sorted lexicographically, values
// rendered as their string form) and returns the lowercase hex digest of a
// strong hash over that serialization.
func Key(id ID) string {
	fields := map[string]string{
		"arch":             id.Arch,
		"kids":             strings.Join(id.Kids, ","),
		"metadata_version": strconv.Itoa(id.MetadataVersion),
		"name":             id.Name,
		"ref":              id.Ref,
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, fields[k])
	}

	d := digest.FromString(sb.String())
	return d.Encoded()
}

// Name returns the path prefix for id: {root}/{key}. Callers append
// ".{kind}.{name}", ".meta" or ".log" to get a concrete cache file path.
func (c *CacheDir) Name(id ID) string {
	return c.Root + "/" + Key(id)
}

// ArtifactPath returns the path for one produced output file of an
// artifact: {cache_dir}/{key}.{kind}.{name}.
func (c *CacheDir) ArtifactPath(id ID, kind, name string) string {
	return fmt.Sprintf("%s.%s.%s", c.Name(id), kind, name)
}

// MetaPath returns {cache_dir}/{key}.meta.
func (c *CacheDir) MetaPath(id ID) string { return c.Name(id) + ".meta" }

// LogPath returns {cache_dir}/{key}.log.
func (c *CacheDir) LogPath(id ID) string { return c.Name(id) + ".log" }

// Exists reports whether every one of paths is already present in the
// cache, the check the scheduler uses to skip an already-built artifact.
func Exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

// WriteAtomic copies the contents of src into dest by first writing a
// temporary sibling file and renaming it into place, so that concurrent
// readers never observe a partially-written cache file.
func WriteAtomic(dest string, src io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrapf(err, "creating cache directory for %s", dest)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "creating temporary cache file for %s", dest)
	}
	tmpName := tmp.Name()

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrapf(err, "writing cache file %s", dest)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "closing cache file %s", dest)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return errors.Wrapf(err, "renaming cache file into place: %s", dest)
	}
	return nil
}

// Remove deletes partial or stale cache outputs, so a failed build never
// leaves a subset of its archives looking cached.
func Remove(paths ...string) {
	for _, p := range paths {
		os.Remove(p)
	}
}
