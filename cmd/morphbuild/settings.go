package main

import (
	"os"

	"github.com/baserock/morphbuild/morph"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

// loadSettings reads a settings YAML file: read the whole file,
// unmarshal into the typed struct, let the caller validate. An empty
// path returns the zero-value Settings.
func loadSettings(path string) (*morph.Settings, error) {
	settings := &morph.Settings{}
	if path == "" {
		return settings, nil
	}
	dt, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading settings file %s", path)
	}
	if err := yaml.Unmarshal(dt, settings); err != nil {
		return nil, morph.WithKind(morph.KindConfiguration, errors.Wrapf(err, "parsing settings file %s", path))
	}
	return settings, nil
}
