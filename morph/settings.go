package morph

import (
	stderrors "errors"
	"fmt"
	"runtime"
)

// Settings is the configuration surface the engine consumes. The CLI
// front-end (out of tree) is responsible for populating one of these
// from flags/config files; the core only ever reads it.
type Settings struct {
	// CacheDir is the root directory cached archives, metadata and logs
	// are written under.
	CacheDir string `yaml:"cachedir" json:"cachedir"`

	// Bootstrap, when set, inherits the host PATH and sets BOOTSTRAP=true
	// in the chunk build environment. Builds still install into the
	// staging destdir, not into "/".
	Bootstrap bool `yaml:"bootstrap,omitempty" json:"bootstrap,omitempty"`

	// KeepPath, when set, inherits the host PATH without setting
	// BOOTSTRAP=true.
	KeepPath bool `yaml:"keep-path,omitempty" json:"keep-path,omitempty"`

	// MaxJobs caps build parallelism. Zero means "auto-detect CPU
	// count".
	MaxJobs int `yaml:"max-jobs,omitempty" json:"max-jobs,omitempty"`

	NoCCache bool `yaml:"no-ccache,omitempty" json:"no-ccache,omitempty"`
	NoDistcc bool `yaml:"no-distcc,omitempty" json:"no-distcc,omitempty"`

	// StagingChroot runs build commands via chroot into the staging
	// root rather than directly on the host.
	StagingChroot bool `yaml:"staging-chroot,omitempty" json:"staging-chroot,omitempty"`
}

// Validate aggregates every configuration problem instead of stopping at
// the first one.
func (s *Settings) Validate() error {
	var errs []error
	if s.CacheDir == "" {
		errs = append(errs, fmt.Errorf("cachedir must be set"))
	}
	if s.MaxJobs < 0 {
		errs = append(errs, fmt.Errorf("max-jobs must not be negative"))
	}
	if len(errs) > 0 {
		return WithKind(KindConfiguration, stderrors.Join(errs...))
	}
	return nil
}

// ResolvedMaxJobs returns the configured MaxJobs, falling back to the
// detected CPU count when unset.
func (s *Settings) ResolvedMaxJobs() int {
	if s.MaxJobs > 0 {
		return s.MaxJobs
	}
	return runtime.NumCPU()
}

// CCacheEnabled reports whether ccache wiring should be applied, i.e.
// ccache wasn't explicitly disabled.
func (s *Settings) CCacheEnabled() bool { return !s.NoCCache }

// DistccEnabled reports whether distcc wiring should additionally be
// applied. distcc is meaningless without ccache.
func (s *Settings) DistccEnabled() bool { return s.CCacheEnabled() && !s.NoDistcc }
