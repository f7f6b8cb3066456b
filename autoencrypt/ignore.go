package autoencrypt

import (
	"fmt"
	"path/filepath"
	"strings"
)

// IgnoreList holds glob patterns for entry names that are never processed.
// A pattern with a trailing slash only matches directories.
type IgnoreList struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	pattern string
	dirOnly bool
}

// NewIgnoreList validates patterns. Blank patterns are skipped.
func NewIgnoreList(patterns []string) (*IgnoreList, error) {
	il := &IgnoreList{}
	for _, line := range patterns {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		p := ignorePattern{pattern: line}
		if strings.HasSuffix(line, "/") {
			p.pattern = strings.TrimSuffix(line, "/")
			p.dirOnly = true
		}
		if _, err := filepath.Match(p.pattern, ""); err != nil {
			return nil, fmt.Errorf("%w: ignore pattern %q: %v", ErrConfig, line, err)
		}
		il.patterns = append(il.patterns, p)
	}
	return il, nil
}

// IsIgnored returns true if name matches any pattern.
func (il *IgnoreList) IsIgnored(name string, isDir bool) bool {
	if il == nil {
		return false
	}
	for _, p := range il.patterns {
		if p.dirOnly && !isDir {
			continue
		}
		if matched, _ := filepath.Match(p.pattern, name); matched {
			return true
		}
	}
	return false
}
