package storage

import (
	"testing"

	"github.com/standardbeagle/goccache/internal/digest"
)

func TestEncodeDecodeResultRoundTrip(t *testing.T) {
	r := &Result{Files: []ResultFile{
		{Type: FileStdoutOutput, Data: []byte("hello")},
		{Type: FileStderrOutput, Data: nil},
		{Type: FileObject, Raw: true, Digest: digest.Sum([]byte("obj"))},
		{Type: FileDependency, Raw: true, Digest: digest.Sum([]byte("dep"))},
	}}

	decoded, err := DecodeResult(EncodeResult(r))
	if err != nil {
		t.Fatal(err)
	}
	if len(decoded.Files) != len(r.Files) {
		t.Fatalf("got %d files, want %d", len(decoded.Files), len(r.Files))
	}
	for i, f := range decoded.Files {
		want := r.Files[i]
		if f.Type != want.Type || f.Raw != want.Raw {
			t.Fatalf("file %d: got %+v, want %+v", i, f, want)
		}
		if f.Raw && f.Digest != want.Digest {
			t.Fatalf("file %d: digest mismatch", i)
		}
		if !f.Raw && string(f.Data) != string(want.Data) {
			t.Fatalf("file %d: data mismatch: got %q, want %q", i, f.Data, want.Data)
		}
	}
}

func TestDecodeResultRejectsWrongVersion(t *testing.T) {
	if _, err := DecodeResult([]byte{99, 0, 0, 0, 0}); err == nil {
		t.Fatal("expected an error for an unsupported format version")
	}
}

func TestFileTypeStringNamesEveryEnumerator(t *testing.T) {
	for _, tc := range []struct {
		t    FileType
		want string
	}{
		{FileObject, "object"},
		{FileDependency, "dependency"},
		{FileStdoutOutput, "stdout_output"},
		{FileStderrOutput, "stderr_output"},
		{FileCoverageUnmangled, "coverage_unmangled"},
		{FileCoverageMangled, "coverage_mangled"},
		{FileStackUsage, "stackusage"},
		{FileDiagnostic, "diagnostic"},
		{FileDwarfObject, "dwarf_object"},
		{FileAssemblerListing, "assembler_listing"},
	} {
		if got := tc.t.String(); got != tc.want {
			t.Fatalf("FileType(%d).String() = %q, want %q", tc.t, got, tc.want)
		}
	}
}
