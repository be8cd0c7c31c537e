package morph

import "fmt"

// MorphKind discriminates the three morphology variants.
type MorphKind string

const (
	KindChunk   MorphKind = "chunk"
	KindStratum MorphKind = "stratum"
	KindSystem  MorphKind = "system"
)

// Source names one build input: where it comes from, what morphology
// describes it, and the prefix it should be installed under.
type Source struct {
	// Repo is the canonical repository name (after alias resolution,
	// which happens upstream - see morph.SourceManager).
	Repo string `yaml:"repo" json:"repo"`
	// Ref is the branch, tag or commit to build from.
	Ref string `yaml:"ref" json:"ref"`
	// Morphology is the parsed descriptor for this source. Populated by
	// a MorphLoader, never constructed by hand in production code.
	Morphology Morphology `yaml:"-" json:"-"`
	// Treeish is the resolved handle for Ref, populated by a
	// SourceManager.
	Treeish Treeish `yaml:"-" json:"-"`
	// Prefix is the install prefix. Defaults to "/usr".
	Prefix string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	// MorphologyFile is the filename within the repo this Source's
	// morphology was loaded from. Used as a memoization key by the
	// cache-key computer and to group sibling artifacts under one builder
	// in the scheduler; never hashed itself.
	MorphologyFile string `yaml:"morph,omitempty" json:"morph,omitempty"`
}

// ResolvedPrefix returns Prefix, defaulting to "/usr".
func (s *Source) ResolvedPrefix() string {
	if s.Prefix == "" {
		return "/usr"
	}
	return s.Prefix
}

// Morphology is the tagged-variant descriptor record a MorphLoader
// returns. Exactly one of Chunk, Stratum, System is non-nil, selected by
// Kind.
type Morphology struct {
	Kind MorphKind `yaml:"kind" json:"kind"`

	Chunk   *ChunkMorphology   `yaml:"-" json:"-"`
	Stratum *StratumMorphology `yaml:"-" json:"-"`
	System  *SystemMorphology  `yaml:"-" json:"-"`
}

// Name returns the morphology's declared name regardless of kind.
func (m Morphology) Name() string {
	switch m.Kind {
	case KindChunk:
		if m.Chunk != nil {
			return m.Chunk.Name
		}
	case KindStratum:
		if m.Stratum != nil {
			return m.Stratum.Name
		}
	case KindSystem:
		if m.System != nil {
			return m.System.Name
		}
	}
	return ""
}

// Validate checks that exactly the fields matching Kind are populated and
// that required fields are non-empty. It is fatal (KindConfiguration) to
// declare a kind other than chunk/stratum/system, or to leave required
// fields empty.
func (m Morphology) Validate() error {
	switch m.Kind {
	case KindChunk:
		if m.Chunk == nil {
			return WithKind(KindConfiguration, fmt.Errorf("morphology declares kind %q but has no chunk body", m.Kind))
		}
		if m.Chunk.Name == "" {
			return WithKind(KindConfiguration, fmt.Errorf("chunk morphology missing name"))
		}
	case KindStratum:
		if m.Stratum == nil {
			return WithKind(KindConfiguration, fmt.Errorf("morphology declares kind %q but has no stratum body", m.Kind))
		}
		if m.Stratum.Name == "" {
			return WithKind(KindConfiguration, fmt.Errorf("stratum morphology missing name"))
		}
	case KindSystem:
		if m.System == nil {
			return WithKind(KindConfiguration, fmt.Errorf("morphology declares kind %q but has no system body", m.Kind))
		}
		if m.System.Name == "" {
			return WithKind(KindConfiguration, fmt.Errorf("system morphology missing name"))
		}
	default:
		return WithKind(KindConfiguration, fmt.Errorf("unknown morphology kind %q", m.Kind))
	}
	return nil
}

// BuildSystem names one of the built-in recipe families a chunk can use
// when it doesn't specify explicit *_commands.
type BuildSystem string

const (
	BuildSystemDummy     BuildSystem = "dummy"
	BuildSystemAutotools BuildSystem = "autotools"
)

// ChunkMorphology describes the smallest build output: one component built
// by a configure/build/test/install command sequence, whose DESTDIR is
// filtered into one or more named chunk archives.
type ChunkMorphology struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	BuildSystem BuildSystem `yaml:"build_system,omitempty" json:"build_system,omitempty"`

	ConfigureCommands []string `yaml:"configure_commands,omitempty" json:"configure_commands,omitempty"`
	BuildCommands     []string `yaml:"build_commands,omitempty" json:"build_commands,omitempty"`
	TestCommands      []string `yaml:"test_commands,omitempty" json:"test_commands,omitempty"`
	InstallCommands   []string `yaml:"install_commands,omitempty" json:"install_commands,omitempty"`

	// MaxJobs overrides the detected/settings-provided parallelism for
	// this chunk's build stage only.
	MaxJobs *int `yaml:"max_jobs,omitempty" json:"max_jobs,omitempty"`

	// Chunks maps an output-chunk name to the ordered list of anchored
	// regex patterns selecting which files go into it. If empty, a
	// single chunk named after the morphology matches everything.
	Chunks map[string][]string `yaml:"chunks,omitempty" json:"chunks,omitempty"`
}

// OutputChunks returns the effective name->patterns mapping: an absent
// Chunks mapping means a single chunk named after the morphology that
// matches everything.
func (c *ChunkMorphology) OutputChunks() map[string][]string {
	if len(c.Chunks) > 0 {
		return c.Chunks
	}
	return map[string][]string{c.Name: {".*"}}
}

// StratumSourceRef is one entry in a stratum's ordered source list.
type StratumSourceRef struct {
	Repo  string `yaml:"repo" json:"repo"`
	Ref   string `yaml:"ref" json:"ref"`
	Morph string `yaml:"morph,omitempty" json:"morph,omitempty"`
	Name  string `yaml:"name" json:"name"`
}

// StratumMorphology describes an ordered aggregate of chunks.
type StratumMorphology struct {
	Name         string             `yaml:"name" json:"name"`
	Description  string             `yaml:"description,omitempty" json:"description,omitempty"`
	Sources      []StratumSourceRef `yaml:"sources" json:"sources"`
	BuildDepends []string           `yaml:"build_depends,omitempty" json:"build_depends,omitempty"`
}

// SystemMorphology describes a bootable aggregate of strata.
type SystemMorphology struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Strata      []string `yaml:"strata" json:"strata"`
	DiskSize    string   `yaml:"disk_size" json:"disk_size"`
}
