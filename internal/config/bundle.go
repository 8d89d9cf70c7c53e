package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// BundleManifest is the optional manifest.yaml listing named policy source
// files within a PolicyBundleConfig.Dir: a named collection with per-entry
// metadata, falling back to Glob when absent.
type BundleManifest struct {
	// Version tags the bundle for the engine's snapshot version number.
	Version uint64 `yaml:"version"`

	// Files lists policy source files by name, relative to the manifest's
	// directory. When empty, LoadPolicyBundle falls back to globbing
	// PolicyBundleConfig.Glob instead.
	Files []BundleFile `yaml:"files"`
}

// BundleFile names one policy source file within a bundle manifest.
type BundleFile struct {
	// Path is relative to the bundle directory.
	Path string `yaml:"path"`
	// Description is an optional human-readable note, not interpreted by
	// the engine.
	Description string `yaml:"description,omitempty"`
}

// LoadPolicyBundle reads every policy source file selected by cfg and
// returns their contents in a deterministic order, along with the version
// to tag the resulting snapshot with.
//
// If dir/manifest.yaml exists, its Files list determines membership and
// order. Otherwise every file in dir matching cfg.Glob is read in
// lexicographic order and the bundle version defaults to 0.
func LoadPolicyBundle(cfg PolicyBundleConfig) (sources []string, version uint64, err error) {
	if cfg.Dir == "" {
		return nil, 0, fmt.Errorf("policy_bundle.dir is empty")
	}

	manifestPath := filepath.Join(cfg.Dir, "manifest.yaml")
	if data, readErr := os.ReadFile(manifestPath); readErr == nil {
		var manifest BundleManifest
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, 0, fmt.Errorf("parse %s: %w", manifestPath, err)
		}
		for _, f := range manifest.Files {
			data, err := os.ReadFile(filepath.Join(cfg.Dir, f.Path))
			if err != nil {
				return nil, 0, fmt.Errorf("read bundle file %s: %w", f.Path, err)
			}
			sources = append(sources, string(data))
		}
		return sources, manifest.Version, nil
	}

	glob := cfg.Glob
	if glob == "" {
		glob = "*.qauthz"
	}
	matches, err := filepath.Glob(filepath.Join(cfg.Dir, glob))
	if err != nil {
		return nil, 0, fmt.Errorf("glob %s: %w", glob, err)
	}
	sort.Strings(matches)
	for _, m := range matches {
		data, err := os.ReadFile(m)
		if err != nil {
			return nil, 0, fmt.Errorf("read bundle file %s: %w", m, err)
		}
		sources = append(sources, string(data))
	}
	return sources, 0, nil
}
