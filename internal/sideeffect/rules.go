package sideeffect

import (
	"fmt"
	"regexp"
	"strings"
)

// DefaultExclusions skips provider console/administrative URLs.
var DefaultExclusions = []string{`/console/api/`}

// Exclusions decides which file URLs are never fetched.
type Exclusions struct {
	patterns []*regexp.Regexp
}

// NewExclusions compiles patterns. Blank patterns are ignored.
func NewExclusions(patterns []string) (*Exclusions, error) {
	ex := &Exclusions{}
	for _, p := range patterns {
		if strings.TrimSpace(p) == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("compile exclusion %q: %w", p, err)
		}
		ex.patterns = append(ex.patterns, re)
	}
	return ex, nil
}

// Excluded reports whether remoteURL is blank or matches any pattern.
func (e *Exclusions) Excluded(remoteURL string) bool {
	if strings.TrimSpace(remoteURL) == "" {
		return true
	}
	if e == nil {
		return false
	}
	for _, re := range e.patterns {
		if re.MatchString(remoteURL) {
			return true
		}
	}
	return false
}

// Len returns the number of compiled patterns.
func (e *Exclusions) Len() int {
	if e == nil {
		return 0
	}
	return len(e.patterns)
}
