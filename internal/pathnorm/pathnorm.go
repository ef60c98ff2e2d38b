// Package pathnorm implements absolute<->relative path rewriting
// relative to a configurable base directory, preserving inode identity so
// symlink-traversal differences never produce a false rewrite.
//
// Stat-compares before trusting a lexical rewrite, to confirm a
// matched path still names the file it originally did.
package pathnorm

import (
	"os"
	"path/filepath"
	"strings"
)

// Normalizer rewrites absolute paths under BaseDir to be relative to the
// current working directory, for any path whose prefix is BaseDir.
type Normalizer struct {
	BaseDir     string
	ActualCWD   string
	ApparentCWD string
}

// New constructs a Normalizer. apparentCWD may be empty when $PWD doesn't
// resolve to the same directory as the OS-reported CWD.
func New(baseDir, actualCWD, apparentCWD string) *Normalizer {
	return &Normalizer{
		BaseDir:     filepath.Clean(baseDir),
		ActualCWD:   filepath.Clean(actualCWD),
		ApparentCWD: apparentCWD,
	}
}

// cwd returns the CWD to express relative paths from: the apparent CWD if
// set (so paths match what the user's shell would show), else the actual one.
func (n *Normalizer) cwd() string {
	if n.ApparentCWD != "" {
		return n.ApparentCWD
	}
	return n.ActualCWD
}

// MakeRelative maps an absolute path under BaseDir to a path relative to
// the CWD. Paths outside BaseDir pass through unchanged. The rewrite is
// only performed when it preserves the inode of the underlying file.
func (n *Normalizer) MakeRelative(path string) string {
	if n.BaseDir == "" || !strings.HasPrefix(path, n.BaseDir) {
		return path
	}
	rel, err := filepath.Rel(n.cwd(), path)
	if err != nil {
		return path
	}
	if !sameFile(path, filepath.Join(n.ActualCWD, rel)) {
		return path
	}
	return rel
}

// NormalizeAbstract performs lexical ./.. elimination without touching the
// filesystem.
func NormalizeAbstract(path string) string {
	return filepath.Clean(path)
}

// NormalizeConcrete returns the abstractly-normalized path if it refers to
// the same inode as the original, else the original path unchanged.
func NormalizeConcrete(path string) string {
	abstract := NormalizeAbstract(path)
	if abstract == path {
		return path
	}
	if !sameFile(path, abstract) {
		return path
	}
	return abstract
}

// sameFile reports whether a and b name the same inode. Missing files
// (common for paths that don't exist on disk, e.g. object-file targets)
// are treated as "safe to rewrite" since there is no inode to diverge from.
func sameFile(a, b string) bool {
	aInfo, aErr := os.Lstat(a)
	bInfo, bErr := os.Lstat(b)
	if aErr != nil || bErr != nil {
		return aErr != nil && bErr != nil
	}
	return os.SameFile(aInfo, bInfo)
}
