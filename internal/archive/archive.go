// Package archive enumerates filesystem subsets by anchored regex
// pattern, creates normalized tar archives for chunks and strata, and
// extracts them back onto disk with a well-defined collision policy.
//
// Every tar entry is written with mtime/ctime forced to a fixed epoch,
// preserving mode, type and symlink target, so that two builds of the
// same inputs produce byte-identical archives.
package archive

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/baserock/morphbuild/morph"
	"github.com/pkg/errors"
)

// NormalizedTime is the fixed mtime/ctime stamped on every tar entry
// this package writes: recent enough that tar doesn't warn about an
// implausibly old timestamp, but stable across runs.
var NormalizedTime = time.Unix(683074800, 0)

// CompilePatterns anchors each pattern at string start (but not end), so
// "foo" matches "foobar" while "barfoo" does not.
func CompilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		anchored := p
		if !strings.HasPrefix(anchored, "^") {
			anchored = "^" + anchored
		}
		re, err := regexp.Compile(anchored)
		if err != nil {
			return nil, &morph.ArchiveError{Op: "compile-pattern", Path: p, Err: err}
		}
		out = append(out, re)
	}
	return out, nil
}

func matchesAny(rel string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(rel) {
			return true
		}
	}
	return false
}

// Enumerate walks rootdir and returns every path (relative to rootdir,
// using forward slashes) that matches at least one of patterns, plus every
// ancestor directory of a match up to (but not past) rootdir. The result is
// sorted so that directories precede their contents. Symlinked
// subdirectories are treated as files: they are included directly when
// matched but never traversed into.
func Enumerate(rootdir string, patterns []string) ([]string, error) {
	res, err := CompilePatterns(patterns)
	if err != nil {
		return nil, err
	}

	selected := make(map[string]struct{})

	err = filepath.WalkDir(rootdir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return errors.Wrapf(err, "walking %s", path)
		}
		if path == rootdir {
			return nil
		}

		rel, err := filepath.Rel(rootdir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		isSymlinkDir := d.Type()&fs.ModeSymlink != 0
		if isSymlinkDir {
			fi, statErr := os.Stat(path)
			if statErr == nil && fi.IsDir() {
				// Symlink-to-directory: treat like a file, never
				// descend through it.
				if matchesAny(rel, res) {
					selected[rel] = struct{}{}
				}
				return nil
			}
		}

		if d.IsDir() {
			// Directories are included implicitly as ancestors of a
			// match below; they are never matched directly here
			// unless a pattern happens to match the directory's own
			// relative path, which is fine - matchesAny handles it.
			if matchesAny(rel, res) {
				selected[rel] = struct{}{}
			}
			return nil
		}

		if matchesAny(rel, res) {
			selected[rel] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, &morph.ArchiveError{Op: "enumerate", Path: rootdir, Err: err}
	}

	withAncestors := make(map[string]struct{}, len(selected)*2)
	for rel := range selected {
		withAncestors[rel] = struct{}{}
		dir := filepath.ToSlash(filepath.Dir(rel))
		for dir != "." && dir != "/" && dir != "" {
			withAncestors[dir] = struct{}{}
			dir = filepath.ToSlash(filepath.Dir(dir))
		}
	}

	out := make([]string, 0, len(withAncestors))
	for rel := range withAncestors {
		out = append(out, rel)
	}
	sort.Strings(out)
	return out, nil
}

// CreateChunk tars the files enumerated by patterns under rootdir into w,
// with normalized metadata, then removes the archived entries from
// rootdir (deepest entries first, so directories are empty before the
// rmdir). Non-empty directories are intentionally left behind.
func CreateChunk(rootdir string, w io.Writer, patterns []string) error {
	paths, err := Enumerate(rootdir, patterns)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return &morph.ArchiveError{Op: "create-chunk", Path: rootdir, Err: errors.New("pattern set matched no files")}
	}

	if err := writeTar(rootdir, w, paths); err != nil {
		return err
	}

	for i := len(paths) - 1; i >= 0; i-- {
		full := filepath.Join(rootdir, filepath.FromSlash(paths[i]))
		if err := os.Remove(full); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			if isDirNotEmpty(err) {
				continue
			}
			return &morph.ArchiveError{Op: "remove-archived", Path: full, Err: err}
		}
	}

	return nil
}

func isDirNotEmpty(err error) bool {
	var perr *os.PathError
	if errors.As(err, &perr) {
		msg := perr.Err.Error()
		return strings.Contains(msg, "not empty") || strings.Contains(msg, "directory not empty")
	}
	return false
}

// CreateStratum tars the entire contents of rootdir into w, with the same
// metadata normalization as CreateChunk, and does not remove anything
// afterwards.
func CreateStratum(rootdir string, w io.Writer) error {
	paths, err := Enumerate(rootdir, []string{".*"})
	if err != nil {
		return err
	}
	return writeTar(rootdir, w, paths)
}

func writeTar(rootdir string, w io.Writer, paths []string) error {
	tw := tar.NewWriter(w)
	for _, rel := range paths {
		full := filepath.Join(rootdir, filepath.FromSlash(rel))
		fi, err := os.Lstat(full)
		if err != nil {
			return &morph.ArchiveError{Op: "create", Path: full, Err: err}
		}

		var link string
		if fi.Mode()&os.ModeSymlink != 0 {
			link, err = os.Readlink(full)
			if err != nil {
				return &morph.ArchiveError{Op: "create", Path: full, Err: err}
			}
		}

		hdr, err := tar.FileInfoHeader(fi, link)
		if err != nil {
			return &morph.ArchiveError{Op: "create", Path: full, Err: err}
		}
		hdr.Name = rel
		if fi.IsDir() && !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
		hdr.ModTime = NormalizedTime
		hdr.ChangeTime = NormalizedTime
		hdr.AccessTime = NormalizedTime

		if err := tw.WriteHeader(hdr); err != nil {
			return &morph.ArchiveError{Op: "create", Path: full, Err: err}
		}

		if fi.Mode().IsRegular() {
			f, err := os.Open(full)
			if err != nil {
				return &morph.ArchiveError{Op: "create", Path: full, Err: err}
			}
			_, copyErr := io.Copy(tw, f)
			f.Close()
			if copyErr != nil {
				return &morph.ArchiveError{Op: "create", Path: full, Err: copyErr}
			}
		}
	}
	if err := tw.Close(); err != nil {
		return &morph.ArchiveError{Op: "create", Path: rootdir, Err: err}
	}
	return nil
}

// Unpack extracts a tar stream onto dirname, applying the following
// target-collision policy:
//
//	entry=dir,  target=dir-or-symlink-to-dir  -> keep
//	entry=dir,  target=non-dir                -> fail
//	entry=file, target=dir                    -> fail
//	entry=file, target=non-dir                -> remove target, extract
//
// EEXIST while creating intermediate directories is swallowed (benign
// races on shared ancestors between concurrently-unpacked archives).
func Unpack(r io.Reader, dirname string) error {
	tr := tar.NewReader(r)
	// Directory mtimes are restored only after every entry is extracted,
	// since writing a child entry bumps its parent directory's mtime.
	type dirTime struct {
		path string
		when time.Time
	}
	var dirTimes []dirTime
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			for i := len(dirTimes) - 1; i >= 0; i-- {
				if err := os.Chtimes(dirTimes[i].path, dirTimes[i].when, dirTimes[i].when); err != nil && !os.IsNotExist(err) {
					return &morph.ArchiveError{Op: "unpack", Path: dirTimes[i].path, Err: err}
				}
			}
			return nil
		}
		if err != nil {
			return &morph.ArchiveError{Op: "unpack", Path: dirname, Err: err}
		}

		target := filepath.Join(dirname, filepath.FromSlash(hdr.Name))

		if err := ensureParent(target); err != nil {
			return err
		}

		targetInfo, statErr := os.Lstat(target)
		targetExists := statErr == nil

		switch hdr.Typeflag {
		case tar.TypeDir:
			if targetExists {
				if targetInfo.IsDir() {
					continue
				}
				if targetInfo.Mode()&os.ModeSymlink != 0 {
					if fi, err := os.Stat(target); err == nil && fi.IsDir() {
						continue
					}
				}
				return &morph.ArchiveError{Op: "unpack", Path: target, Err: errors.New("directory entry collides with non-directory target")}
			}
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil && !os.IsExist(err) {
				return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
			}
			dirTimes = append(dirTimes, dirTime{path: target, when: hdr.ModTime})
		default:
			if targetExists {
				if targetInfo.IsDir() {
					return &morph.ArchiveError{Op: "unpack", Path: target, Err: errors.New("non-directory entry collides with directory target")}
				}
				if err := os.RemoveAll(target); err != nil {
					return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
				}
			}
			if err := extractEntry(tr, hdr, target, dirname); err != nil {
				return err
			}
		}
	}
}

func ensureParent(target string) error {
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0o755); err != nil && !os.IsExist(err) {
		return &morph.ArchiveError{Op: "unpack", Path: parent, Err: err}
	}
	return nil
}

func extractEntry(tr *tar.Reader, hdr *tar.Header, target, dirname string) error {
	switch hdr.Typeflag {
	case tar.TypeSymlink:
		if err := os.Symlink(hdr.Linkname, target); err != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
		}
	case tar.TypeLink:
		// Hard links are rare in morphology output but preserved
		// faithfully rather than silently materialized as copies.
		linkTarget := filepath.Join(dirname, filepath.FromSlash(hdr.Linkname))
		if err := os.Link(linkTarget, target); err != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
		}
	case tar.TypeReg:
		f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
		}
		_, copyErr := io.Copy(f, tr)
		closeErr := f.Close()
		if copyErr != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: copyErr}
		}
		if closeErr != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: closeErr}
		}
		if err := os.Chtimes(target, hdr.ModTime, hdr.ModTime); err != nil {
			return &morph.ArchiveError{Op: "unpack", Path: target, Err: err}
		}
	default:
		// Unsupported entry types (devices, fifos) are skipped rather
		// than failing the whole unpack; morphology outputs never
		// legitimately contain them.
	}
	return nil
}
