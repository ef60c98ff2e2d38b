package pathnorm

import (
	"os"
	"path/filepath"
	"testing"
)

func TestMakeRelativeWithinBaseDir(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "src")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(sub, "x.c")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	n := New(dir, dir, "")
	got := n.MakeRelative(file)
	want := filepath.Join("src", "x.c")
	if got != want {
		t.Fatalf("MakeRelative = %q, want %q", got, want)
	}
}

func TestMakeRelativeOutsideBaseDirUnchanged(t *testing.T) {
	n := New("/base", "/base", "")
	got := n.MakeRelative("/other/x.c")
	if got != "/other/x.c" {
		t.Fatalf("expected unchanged path, got %q", got)
	}
}

func TestMakeRelativeNoBaseDir(t *testing.T) {
	n := New("", "/cwd", "")
	if got := n.MakeRelative("/cwd/x.c"); got != "/cwd/x.c" {
		t.Fatalf("expected unchanged path with empty BaseDir, got %q", got)
	}
}

func TestNormalizeAbstract(t *testing.T) {
	got := NormalizeAbstract("/a/b/../c/./d")
	want := filepath.Clean("/a/b/../c/./d")
	if got != want {
		t.Fatalf("NormalizeAbstract = %q, want %q", got, want)
	}
}

func TestNormalizeConcreteMissingFileStillRewrites(t *testing.T) {
	// Both paths are missing, so sameFile treats them as equivalent and the
	// lexical rewrite is trusted.
	got := NormalizeConcrete("/tmp/does/not/exist/../exist/x.o")
	want := NormalizeAbstract("/tmp/does/not/exist/../exist/x.o")
	if got != want {
		t.Fatalf("NormalizeConcrete = %q, want %q", got, want)
	}
}

func TestNormalizeConcreteAlreadyClean(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "x.c")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := NormalizeConcrete(file); got != file {
		t.Fatalf("expected already-clean path unchanged, got %q", got)
	}
}
