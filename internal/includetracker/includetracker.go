// Package includetracker implements harvesting the set of headers a
// translation unit pulled in, from whichever of three sources the Decision
// Engine has available (preprocessor linemarkers, a Makefile depfile, or
// MSVC's /showIncludes stdout).
//
// Walks a compiler-produced dependency listing and hashes each discovered
// header: parse compiler output, then hash what it names, generalized
// across three input grammars.
package includetracker

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Set is an insertion-ordered collection of include paths, deduplicated by
// an in-memory xxhash of the path string (never the persisted digest —
// BLAKE3 is reserved for content addressed by the cache).
type Set struct {
	order []string
	seen  map[uint64]struct{}
}

// NewSet creates an empty include set.
func NewSet() *Set {
	return &Set{seen: make(map[uint64]struct{})}
}

// Add inserts path if not already present, preserving first-seen order.
func (s *Set) Add(path string) {
	h := xxhash.Sum64String(path)
	if _, ok := s.seen[h]; ok {
		return
	}
	s.seen[h] = struct{}{}
	s.order = append(s.order, path)
}

// Paths returns the include paths in insertion order.
func (s *Set) Paths() []string {
	return s.order
}

// Linemarker is one parsed "# <n> \"<path>\" [flags]" directive.
type Linemarker struct {
	Line         int
	Path         string
	SystemHeader bool
}

// ParsePreprocessorOutput scans GCC/HP/AIX-style preprocessor output for
// linemarkers and `#pragma GCC pch_preprocess` directives, returning the
// harvested include set. It normalizes the documented GCC-6 linemarker
// bugs ("# 31 \"<command-line>\"" and "# 32 \"<command-line>\" 2") to the
// canonical "# 1" form before parsing them; text itself is not rewritten.
func ParsePreprocessorOutput(text string) (*Set, string, error) {
	set := NewSet()
	var pchInUse string

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.Contains(trimmed, ".incbin") {
			return nil, "", fmt.Errorf("includetracker: .incbin directive is not supported for caching")
		}

		if strings.HasPrefix(trimmed, "#pragma GCC pch_preprocess ") {
			path, ok := quotedPath(trimmed[len("#pragma GCC pch_preprocess "):])
			if ok {
				pchInUse = path
			}
			continue
		}

		if !strings.HasPrefix(trimmed, "#") {
			continue
		}
		lm, ok := parseLinemarker(normalizeGCC6Bug(trimmed))
		if !ok {
			continue
		}
		if lm.Path == "<command-line>" || lm.Path == "<built-in>" {
			continue
		}
		set.Add(lm.Path)
	}
	return set, pchInUse, nil
}

// normalizeGCC6Bug rewrites the two documented malformed linemarkers GCC 6
// emits for command-line macro definitions into the canonical "# 1" form.
func normalizeGCC6Bug(line string) string {
	switch {
	case strings.HasPrefix(line, `# 31 "<command-line>"`):
		return `# 1 "<command-line>"`
	case strings.HasPrefix(line, `# 32 "<command-line>" 2`):
		return `# 1 "<command-line>" 2`
	default:
		return line
	}
}

func parseLinemarker(line string) (Linemarker, bool) {
	if len(line) < 2 || line[0] != '#' {
		return Linemarker{}, false
	}
	rest := strings.TrimSpace(line[1:])
	sp := strings.IndexByte(rest, ' ')
	if sp < 0 {
		return Linemarker{}, false
	}
	lineNoStr, remainder := rest[:sp], strings.TrimSpace(rest[sp+1:])
	lineNo := 0
	for _, r := range lineNoStr {
		if r < '0' || r > '9' {
			return Linemarker{}, false
		}
		lineNo = lineNo*10 + int(r-'0')
	}
	path, ok := quotedPath(remainder)
	if !ok {
		return Linemarker{}, false
	}
	afterQuote := remainder[strings.IndexByte(remainder, '"')+1:]
	if idx := strings.IndexByte(afterQuote, '"'); idx >= 0 {
		afterQuote = afterQuote[idx+1:]
	}
	systemHeader := strings.Contains(afterQuote, "3")
	return Linemarker{Line: lineNo, Path: path, SystemHeader: systemHeader}, true
}

func quotedPath(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '"' {
		return "", false
	}
	end := strings.IndexByte(s[1:], '"')
	if end < 0 {
		return "", false
	}
	return s[1 : 1+end], true
}

// ParseDepfile tokenizes a Makefile-syntax dependency file and returns
// every prerequisite
// listed after the first `target:`.
func ParseDepfile(text string) *Set {
	set := NewSet()
	joined := joinContinuations(text)
	tokens := tokenizeMakefile(joined)

	seenColon := false
	for _, tok := range tokens {
		if !seenColon {
			if strings.HasSuffix(tok, ":") {
				seenColon = true
			}
			continue
		}
		set.Add(tok)
	}
	return set
}

// joinContinuations merges backslash-newline line continuations into a
// single logical line, per the Makefile dependency-file grammar.
func joinContinuations(text string) string {
	var b strings.Builder
	runes := []byte(text)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) && runes[i+1] == '\n' {
			b.WriteByte(' ')
			i++
			continue
		}
		b.WriteByte(runes[i])
	}
	return b.String()
}

// tokenizeMakefile splits a (continuation-joined) depfile line into tokens.
// Whitespace and ':' separate tokens; `\<c>` for c in {\ # : space tab} is
// literal c; `\` before other characters is literal backslash; `$$` is a
// literal `$`. A Windows drive-letter colon (single-char ident + ':' + '/')
// does not separate.
func tokenizeMakefile(text string) []string {
	var tokens []string
	var cur strings.Builder
	have := false
	runes := []byte(text)
	flush := func() {
		if have {
			tokens = append(tokens, cur.String())
			cur.Reset()
			have = false
		}
	}
	for i := 0; i < len(runes); i++ {
		b := runes[i]
		switch {
		case b == '\\' && i+1 < len(runes) && isMakefileEscapable(runes[i+1]):
			cur.WriteByte(runes[i+1])
			have = true
			i++
		case b == '\\' && i+1 < len(runes):
			cur.WriteByte('\\')
			have = true
		case b == '$' && i+1 < len(runes) && runes[i+1] == '$':
			cur.WriteByte('$')
			have = true
			i++
		case b == ':':
			if isWindowsDriveColon(cur.String(), runes, i) {
				cur.WriteByte(':')
				have = true
				continue
			}
			flush()
			tokens = append(tokens, ":")
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			flush()
		default:
			cur.WriteByte(b)
			have = true
		}
	}
	flush()
	return tokens
}

func isMakefileEscapable(b byte) bool {
	switch b {
	case '\\', '#', ':', ' ', '\t':
		return true
	default:
		return false
	}
}

// isWindowsDriveColon reports whether the ':' at runes[i] follows a
// single-character identifier forming "X:" immediately followed by a
// path separator, e.g. "C:/foo" — that colon is part of the drive letter,
// not a target/prerequisite separator.
func isWindowsDriveColon(curSoFar string, runes []byte, i int) bool {
	if len(curSoFar) != 1 {
		return false
	}
	c := curSoFar[0]
	if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z')) {
		return false
	}
	if i+1 >= len(runes) {
		return false
	}
	next := runes[i+1]
	return next == '/' || next == '\\'
}

// ShowIncludes scans MSVC /showIncludes-style compiler stdout for lines
// carrying the configured prefix (default "Note: including file:"),
// tolerating the one-space-per-depth leading-whitespace indentation MSVC
// emits for nested headers.
func ShowIncludes(stdout, prefix string) *Set {
	if prefix == "" {
		prefix = "Note: including file:"
	}
	set := NewSet()
	for _, line := range strings.Split(stdout, "\n") {
		idx := strings.Index(line, prefix)
		if idx < 0 {
			continue
		}
		path := strings.TrimSpace(line[idx+len(prefix):])
		if path != "" {
			set.Add(path)
		}
	}
	return set
}
