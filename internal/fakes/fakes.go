// Package fakes provides minimal in-memory stand-ins for the external
// collaborators the core consumes but never implements: SourceManager
// and MorphLoader. These exist for tests and the demonstration CLI only,
// never as a real fetcher or parser.
package fakes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/baserock/morphbuild/morph"
)

// Treeish is an in-memory Treeish backed by a directory on disk that's
// simply copied on CopyTo, rather than a real git clone.
type Treeish struct {
	RepoName     string
	RefName      string
	Sha1         string
	Dir          string // source directory to copy from
	SubmoduleSet []morph.Submodule

	checkedOutRef string
	submoduleURLs map[string]string
}

func (t *Treeish) Repo() string                  { return t.RepoName }
func (t *Treeish) Ref() string                   { return t.RefName }
func (t *Treeish) SHA1() string                  { return t.Sha1 }
func (t *Treeish) Submodules() []morph.Submodule { return t.SubmoduleSet }

func (t *Treeish) CopyTo(ctx context.Context, dst string) error {
	return copyTree(t.Dir, dst)
}

func (t *Treeish) Checkout(ctx context.Context, dst string, ref string) error {
	t.checkedOutRef = ref
	return nil
}

func (t *Treeish) SetSubmoduleURL(ctx context.Context, dst, name, url string) error {
	if t.submoduleURLs == nil {
		t.submoduleURLs = make(map[string]string)
	}
	t.submoduleURLs[name] = url
	return nil
}

// CheckedOutRef returns the ref most recently passed to Checkout, for
// assertions in tests.
func (t *Treeish) CheckedOutRef() string { return t.checkedOutRef }

// SubmoduleURL returns the URL most recently set for a submodule name.
func (t *Treeish) SubmoduleURL(name string) (string, bool) {
	v, ok := t.submoduleURLs[name]
	return v, ok
}

func copyTree(src, dst string) error {
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return os.MkdirAll(dst, 0o755)
	}
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, info.Mode())
	})
}

// SourceManager resolves (repo, ref) pairs against a fixed in-memory
// table, set up by tests.
type SourceManager struct {
	Treeishes map[string]*Treeish // keyed by repo+"#"+ref
}

// NewSourceManager returns an empty SourceManager.
func NewSourceManager() *SourceManager {
	return &SourceManager{Treeishes: make(map[string]*Treeish)}
}

// Register adds a resolvable (repo, ref) -> Treeish mapping.
func (s *SourceManager) Register(repo, ref string, t *Treeish) {
	s.Treeishes[repo+"#"+ref] = t
}

func (s *SourceManager) GetTreeish(ctx context.Context, repo, ref string) (morph.Treeish, error) {
	t, ok := s.Treeishes[repo+"#"+ref]
	if !ok {
		return nil, morph.WithKind(morph.KindSource, fmt.Errorf("no treeish registered for %s#%s", repo, ref))
	}
	return t, nil
}

// MorphLoader returns a fixed morphology regardless of the treeish
// requested, keyed only by filename, as set up by tests.
type MorphLoader struct {
	Morphologies map[string]morph.Morphology
}

// NewMorphLoader returns an empty MorphLoader.
func NewMorphLoader() *MorphLoader {
	return &MorphLoader{Morphologies: make(map[string]morph.Morphology)}
}

// Register adds a resolvable filename -> Morphology mapping.
func (m *MorphLoader) Register(filename string, mo morph.Morphology) {
	m.Morphologies[filename] = mo
}

func (m *MorphLoader) Load(ctx context.Context, tree morph.Treeish, filename string) (morph.Morphology, error) {
	mo, ok := m.Morphologies[filename]
	if !ok {
		return morph.Morphology{}, morph.WithKind(morph.KindConfiguration, fmt.Errorf("no morphology registered for %s", filename))
	}
	return mo, nil
}
