package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// SideEffectRules is the YAML rules file read by the dispatcher.
//
//	exclusions:
//	  - /console/api/
//	path_prefix: /files/tools/
type SideEffectRules struct {
	// Exclusions are regular expressions; matching file URLs are never fetched.
	Exclusions []string `yaml:"exclusions"`
	// PathPrefix is stripped from file URLs to derive the cache path. It is
	// read once at startup.
	PathPrefix string `yaml:"path_prefix"`
}

// LoadSideEffectRules parses and validates the rules file at path.
func LoadSideEffectRules(path string) (SideEffectRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SideEffectRules{}, fmt.Errorf("failed to read rules file %s: %w", path, err)
	}
	var rules SideEffectRules
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return SideEffectRules{}, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	if err := rules.Validate(); err != nil {
		return SideEffectRules{}, fmt.Errorf("rules file %s: %w", path, err)
	}
	return rules, nil
}

// Validate compiles every exclusion pattern.
func (r SideEffectRules) Validate() error {
	for i, p := range r.Exclusions {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("exclusions[%d] %q: %w", i, p, err)
		}
	}
	if r.PathPrefix != "" && !strings.HasPrefix(r.PathPrefix, "/") {
		return fmt.Errorf("path_prefix %q must start with /", r.PathPrefix)
	}
	return nil
}
