// Package morph defines the data model and external-collaborator
// contracts for the build engine: the morphology-derived data model, the
// Settings the core consumes, and the error taxonomy. The engine itself
// lives under internal/ - morph is the public surface other components
// (and the out-of-tree CLI front-end, repo fetcher and morphology
// parser) are written against.
package morph

import "context"

// Treeish is a resolved handle to a repository state: a commit sha plus
// zero or more submodule treeishes, recursively. SourceManager is the only
// producer of Treeish values; the build engine only ever consumes them.
type Treeish interface {
	// Repo is the canonical repo name this treeish was resolved from.
	Repo() string
	// Ref is the branch/tag/commit the caller asked to resolve.
	Ref() string
	// SHA1 is the resolved commit hash. It is the only part of a
	// treeish that feeds the cache_id of a chunk.
	SHA1() string
	// Submodules lists this treeish's direct submodules in the order
	// they appear in .gitmodules: name, checkout path, and the
	// submodule's own resolved Treeish.
	Submodules() []Submodule
	// CopyTo recursively copies (not clones) the resolved tree into dst.
	CopyTo(ctx context.Context, dst string) error
	// Checkout resets an already-copied tree at dst to ref.
	Checkout(ctx context.Context, dst string, ref string) error
	// SetSubmoduleURL rewrites the URL a submodule points to, so that a
	// later `git submodule` invocation in a build command resolves
	// locally instead of reaching out to the network.
	SetSubmoduleURL(ctx context.Context, dst string, name string, url string) error
}

// Submodule names one entry in a treeish's submodule list.
type Submodule struct {
	Name    string
	Path    string
	Treeish Treeish
}

// SourceManager resolves (repo, ref) pairs into Treeish handles. It is an
// external collaborator: the core never clones or fetches a repo itself,
// it only asks a SourceManager to do so and consumes the result.
type SourceManager interface {
	GetTreeish(ctx context.Context, repo, ref string) (Treeish, error)
}

// MorphLoader parses a morphology file out of a resolved treeish. It is an
// external collaborator: the core never parses YAML/JSON morphology files
// itself, it asks a MorphLoader to do so and consumes the typed result.
type MorphLoader interface {
	Load(ctx context.Context, tree Treeish, filename string) (Morphology, error)
}
