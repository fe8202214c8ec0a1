package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// LoadProfile overlays a YAML run profile onto the environment-derived
// config. Values set in the profile win; everything else keeps its default.
func LoadProfile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: load profile: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse profile %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAllProfiles loads every profile_*.yaml under dir, keyed by profile
// name (profile_batch.yaml loads as "batch").
func LoadAllProfiles(dir string) (map[string]*Config, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}
	profiles := make(map[string]*Config, len(matches))
	for _, path := range matches {
		cfg, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		base := filepath.Base(path)
		name := strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		profiles[name] = cfg
	}
	return profiles, nil
}
