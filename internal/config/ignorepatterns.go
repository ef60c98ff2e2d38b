package config

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// PatternSet matches paths against a gitignore-style pattern list, used
// for the ignore_headers_in_manifest config key: headers matching one
// of these patterns are left out of the manifest's include set instead
// of forcing a cache miss whenever they change.
//
// Uses exact/prefix/suffix fast-path optimizations and last-match-wins
// negation semantics, and
// on mutagen-io/mutagen's pkg/synchronization/core/ignore.go for using
// doublestar.Match (which, unlike path/filepath.Match, understands "**"
// and character classes) for anything beyond a plain prefix or suffix.
type PatternSet struct {
	patterns []ignorePattern
}

type ignorePattern struct {
	Pattern   string
	Negate    bool
	Directory bool
	Absolute  bool

	patternType patternType
	prefix      string
	suffix      string
}

type patternType int

const (
	patternExact patternType = iota
	patternPrefix
	patternSuffix
	patternWildcard
)

// NewPatternSet compiles a list of ignore_headers_in_manifest /
// ignore_options style patterns.
func NewPatternSet(lines []string) *PatternSet {
	ps := &PatternSet{}
	for _, l := range lines {
		ps.Add(l)
	}
	return ps
}

// Add compiles and appends a single pattern line.
func (ps *PatternSet) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return
	}
	ps.patterns = append(ps.patterns, ps.parsePattern(line))
}

func (ps *PatternSet) parsePattern(line string) ignorePattern {
	p := ignorePattern{}
	line = ps.extractModifiers(&p, line)
	p.Pattern = line
	p.patternType, p.prefix, p.suffix = analyzePattern(line)
	return p
}

func (ps *PatternSet) extractModifiers(p *ignorePattern, line string) string {
	if strings.HasPrefix(line, "!") {
		p.Negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.Directory = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		p.Absolute = true
		line = line[1:]
	}
	return line
}

func analyzePattern(pattern string) (patternType, string, string) {
	if !strings.ContainsAny(pattern, "*?[") {
		return patternExact, pattern, pattern
	}

	// "**" and character classes need doublestar's full glob semantics
	// (recursive directory matching, [abc] classes); plain single-"*"
	// prefix/suffix patterns are common enough ("*.h", "build/*") to be
	// worth the fast-path special case below.
	if strings.Contains(pattern, "**") || strings.ContainsAny(pattern, "?[") {
		return patternWildcard, "", ""
	}

	if strings.HasPrefix(pattern, "*") && !strings.Contains(pattern[1:], "*") {
		return patternSuffix, "", pattern[1:]
	}
	if strings.HasSuffix(pattern, "*") && !strings.Contains(pattern[:len(pattern)-1], "*") {
		return patternPrefix, pattern[:len(pattern)-1], ""
	}

	return patternWildcard, "", ""
}

// Match reports whether path (as passed to the preprocessor or depfile
// scan, an absolute or compiler-relative path) is covered by the
// pattern set. Later patterns override earlier ones, exactly like
// gitignore's last-match-wins semantics, so a "!keep/this.h" negation
// after a broader "*.h" exclusion restores it.
func (ps *PatternSet) Match(path string) bool {
	path = filepath.ToSlash(path)
	ignored := false
	for _, p := range ps.patterns {
		if ps.matches(p, path) {
			ignored = !p.Negate
		}
	}
	return ignored
}

func (ps *PatternSet) matches(p ignorePattern, path string) bool {
	if p.Directory {
		return strings.HasPrefix(path, p.Pattern+"/") || ps.fastMatch(p, path)
	}

	if p.Absolute {
		return ps.fastMatch(p, strings.TrimPrefix(path, "/"))
	}

	if ps.fastMatch(p, path) {
		return true
	}
	parts := strings.Split(path, "/")
	for i := 0; i < len(parts); i++ {
		if ps.fastMatch(p, strings.Join(parts[i:], "/")) {
			return true
		}
	}
	return false
}

func (ps *PatternSet) fastMatch(p ignorePattern, path string) bool {
	switch p.patternType {
	case patternExact:
		return strings.HasPrefix(path, p.Pattern)
	case patternPrefix:
		return strings.HasPrefix(path, p.prefix)
	case patternSuffix:
		return strings.HasSuffix(path, p.suffix)
	case patternWildcard:
		matched, _ := doublestar.Match(p.Pattern, path)
		return matched
	default:
		return p.Pattern == path
	}
}
