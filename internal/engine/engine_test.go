package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/standardbeagle/goccache/internal/classifier"
	"github.com/standardbeagle/goccache/internal/config"
	"github.com/standardbeagle/goccache/internal/digest"
	"github.com/standardbeagle/goccache/internal/includetracker"
	"github.com/standardbeagle/goccache/internal/manifest"
	"github.com/standardbeagle/goccache/internal/stats"
	"github.com/standardbeagle/goccache/internal/storage"
)

// TestMain runs goleak once, after every test in the package has finished,
// so a goroutine still running then (such as the one the engine spawns to
// wait on each compiler process) fails the test binary.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	backend := storage.NewLocal(t.TempDir(), 2)
	return New(Config{}, backend, nil, stats.NewShard(), nil)
}

func TestBuildCommonHashDeterministic(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	compiler := filepath.Join(dir, "cc")
	os.WriteFile(compiler, []byte("fake"), 0o755)

	class := &classifier.Classification{Language: "c", InputFile: "main.c"}
	h1 := e.buildCommonHash([]string{compiler}, class)
	h2 := e.buildCommonHash([]string{compiler}, class)

	if string(h1.snapshot) != string(h2.snapshot) {
		t.Fatal("expected identical common hash for identical inputs")
	}
}

func TestHashArgsSkipsLinkOnlyFlags(t *testing.T) {
	e := newTestEngine(t)
	class := &classifier.Classification{
		CommonArgs: []string{"-L/usr/lib", "-Wl,-rpath,/x", "-DFOO"},
	}
	d := digest.New()
	e.hashArgs(d, class)
	sum1 := d.Digest()

	class2 := &classifier.Classification{
		CommonArgs: []string{"-DFOO"},
	}
	d2 := digest.New()
	e.hashArgs(d2, class2)
	sum2 := d2.Digest()

	if sum1 != sum2 {
		t.Fatal("expected -L/-Wl, to be excluded from the argument hash")
	}
}

func TestHashArgsDebugPrefixMapValueIgnored(t *testing.T) {
	e := newTestEngine(t)
	class1 := &classifier.Classification{CommonArgs: []string{"-fdebug-prefix-map=/a=/b"}}
	class2 := &classifier.Classification{CommonArgs: []string{"-fdebug-prefix-map=/c=/d"}}

	d1 := digest.New()
	e.hashArgs(d1, class1)
	sum1 := d1.Digest()

	d2 := digest.New()
	e.hashArgs(d2, class2)
	sum2 := d2.Digest()

	if sum1 != sum2 {
		t.Fatal("expected -fdebug-prefix-map value to be excluded from the hash, only the option name kept")
	}
}

func TestHashArgsRandomSeedSloppyIgnoresValue(t *testing.T) {
	e := newTestEngine(t)
	e.Config.RandomSeedSloppy = true

	d1 := digest.New()
	e.hashArgs(d1, &classifier.Classification{CommonArgs: []string{"-frandom-seed=111"}})
	d2 := digest.New()
	e.hashArgs(d2, &classifier.Classification{CommonArgs: []string{"-frandom-seed=222"}})

	require.Equal(t, d1.Digest(), d2.Digest(), "expected -frandom-seed value to be excluded under random_seed sloppiness")
}

func TestHashArgsRandomSeedStrictByDefault(t *testing.T) {
	e := newTestEngine(t)

	d1 := digest.New()
	e.hashArgs(d1, &classifier.Classification{CommonArgs: []string{"-frandom-seed=111"}})
	d2 := digest.New()
	e.hashArgs(d2, &classifier.Classification{CommonArgs: []string{"-frandom-seed=222"}})

	require.NotEqual(t, d1.Digest(), d2.Digest(), "expected -frandom-seed value to affect the hash without the sloppiness opt-in")
}

func TestHashArgsSpecsHashesReferencedFileContent(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	specsA := filepath.Join(dir, "a.specs")
	specsB := filepath.Join(dir, "b.specs")
	specsC := filepath.Join(dir, "c.specs")
	os.WriteFile(specsA, []byte("content-a"), 0o644)
	os.WriteFile(specsB, []byte("content-b"), 0o644)
	os.WriteFile(specsC, []byte("content-a"), 0o644)

	d1 := digest.New()
	e.hashArgs(d1, &classifier.Classification{CommonArgs: []string{"-specs=" + specsA}})
	d2 := digest.New()
	e.hashArgs(d2, &classifier.Classification{CommonArgs: []string{"-specs=" + specsB}})

	require.NotEqual(t, d1.Digest(), d2.Digest(), "expected -specs= content to affect the hash when the referenced files differ")

	d3 := digest.New()
	e.hashArgs(d3, &classifier.Classification{CommonArgs: []string{"-specs=" + specsC}})
	require.Equal(t, d1.Digest(), d3.Digest(), "expected identical -specs= content to hash identically regardless of path")
}

func TestHashArgsXclangLoadHashesPluginContent(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	pluginA := filepath.Join(dir, "a.so")
	pluginB := filepath.Join(dir, "b.so")
	os.WriteFile(pluginA, []byte("plugin-a"), 0o644)
	os.WriteFile(pluginB, []byte("plugin-b"), 0o644)

	d1 := digest.New()
	e.hashArgs(d1, &classifier.Classification{CommonArgs: []string{"-Xclang", "-load", pluginA}})
	d2 := digest.New()
	e.hashArgs(d2, &classifier.Classification{CommonArgs: []string{"-Xclang", "-load", pluginB}})

	require.NotEqual(t, d1.Digest(), d2.Digest(), "expected -Xclang -load plugin content to affect the hash")
}

func TestHashArgsCcbinHashesHostCompilerIdentity(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	hostA := filepath.Join(dir, "gcc-a")
	hostB := filepath.Join(dir, "gcc-b")
	os.WriteFile(hostA, []byte("aaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), 0o755)
	os.WriteFile(hostB, []byte("bbbbbbbbbbbbbbbbbbbbbbbbbbbbb"), 0o755)
	e.Config.CompilerCheck = "content"

	d1 := digest.New()
	e.hashArgs(d1, &classifier.Classification{CommonArgs: []string{"-ccbin", hostA}})
	d2 := digest.New()
	e.hashArgs(d2, &classifier.Classification{CommonArgs: []string{"-ccbin", hostB}})

	require.NotEqual(t, d1.Digest(), d2.Digest(), "expected -ccbin host compiler content to affect the hash")
}

func TestOutputsPresentMissingObjectFile(t *testing.T) {
	class := &classifier.Classification{OutputObjFile: filepath.Join(t.TempDir(), "nonexistent.o")}
	if outputsPresent(class) {
		t.Fatal("expected false when object file is missing")
	}
}

func TestOutputsPresentEmptyObjectFile(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "x.o")
	os.WriteFile(obj, nil, 0o644)
	class := &classifier.Classification{OutputObjFile: obj}
	if outputsPresent(class) {
		t.Fatal("expected false for empty object file")
	}
}

func TestOutputsPresentValidObjectFile(t *testing.T) {
	dir := t.TempDir()
	obj := filepath.Join(dir, "x.o")
	os.WriteFile(obj, []byte("data"), 0o644)
	class := &classifier.Classification{OutputObjFile: obj}
	if !outputsPresent(class) {
		t.Fatal("expected true for a present, non-empty object file")
	}
}

func TestRunRealForwardsExitCode(t *testing.T) {
	e := newTestEngine(t)
	out, err := e.runReal([]string{"/bin/sh", "-c", "exit 3"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", out.ExitCode)
	}
}

func TestUpdateManifestSkipsIgnoredHeaders(t *testing.T) {
	e := newTestEngine(t)
	e.IgnoreHeaders = config.NewPatternSet([]string{"*.ignored.h"})

	dir := t.TempDir()
	input := filepath.Join(dir, "main.c")
	ignored := filepath.Join(dir, "vendor.ignored.h")
	kept := filepath.Join(dir, "kept.h")
	os.WriteFile(input, []byte("int main(){}"), 0o644)
	os.WriteFile(ignored, []byte("// ignored"), 0o644)
	os.WriteFile(kept, []byte("// kept"), 0o644)

	depfile := filepath.Join(dir, "main.d")
	os.WriteFile(depfile, []byte("main.o: "+input+" "+ignored+" "+kept+"\n"), 0o644)

	class := &classifier.Classification{
		InputFile:              input,
		GeneratingDependencies: true,
		DependencyFile:         depfile,
	}
	manifestKey := digest.Digest{1}
	resultKey := digest.Digest{2}
	e.updateManifest(manifestKey, resultKey, class, nil, nil)

	payload, err := e.Storage.Get(manifestKey, storage.EntryManifest)
	require.NoError(t, err, "manifest not written")
	m, err := manifest.Decode(payload)
	require.NoError(t, err, "decode")
	for _, p := range m.Paths {
		if p == ignored {
			t.Fatalf("expected %s to be excluded by IgnoreHeaders", ignored)
		}
	}
	var sawKept bool
	for _, p := range m.Paths {
		if p == kept {
			sawKept = true
		}
	}
	if !sawKept {
		t.Fatal("expected kept.h to remain in the manifest")
	}
}

func TestRunRealSuccess(t *testing.T) {
	e := newTestEngine(t)
	out, err := e.runReal([]string{"/bin/sh", "-c", "exit 0"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", out.ExitCode)
	}
}

// TestWriteBackRestoresObjectAndRepeatsStdio verifies the Phase 6 half a
// stored Result was previously missing: a raw-file-ref entry lands back at
// the path the current classification names, and inline stdout/stderr
// entries are replayed onto the process's own streams.
func TestWriteBackRestoresObjectAndRepeatsStdio(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	objPath := filepath.Join(dir, "out.o")

	objDigest := digest.Sum([]byte("object bytes"))
	require.NoError(t, e.Storage.Put(objDigest, storage.EntryRawFile, []byte("object bytes")))

	res := &storage.Result{Files: []storage.ResultFile{
		{Type: storage.FileObject, Raw: true, Digest: objDigest},
	}}

	class := &classifier.Classification{OutputObjFile: objPath}
	require.NoError(t, e.writeBack(res, class))

	got, err := os.ReadFile(objPath)
	require.NoError(t, err)
	require.Equal(t, "object bytes", string(got))
}

func TestBuildResultRequiresObjectFile(t *testing.T) {
	e := newTestEngine(t)
	class := &classifier.Classification{OutputObjFile: filepath.Join(t.TempDir(), "missing.o")}
	_, err := e.buildResult(class, nil, nil)
	if err == nil {
		t.Fatal("expected an error when the required object file is missing")
	}
}

func TestBuildResultRoundTripsThroughStorage(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	obj := filepath.Join(dir, "x.o")
	os.WriteFile(obj, []byte("payload"), 0o644)

	class := &classifier.Classification{OutputObjFile: obj}
	res, err := e.buildResult(class, []byte("compiler stdout"), []byte("compiler stderr"))
	require.NoError(t, err)

	encoded := storage.EncodeResult(res)
	decoded, err := storage.DecodeResult(encoded)
	require.NoError(t, err)

	var sawObject, sawStdout, sawStderr bool
	for _, f := range decoded.Files {
		switch f.Type {
		case storage.FileObject:
			sawObject = true
			require.True(t, f.Raw, "object entries are stored as raw-file refs")
		case storage.FileStdoutOutput:
			sawStdout = true
			require.Equal(t, "compiler stdout", string(f.Data))
		case storage.FileStderrOutput:
			sawStderr = true
			require.Equal(t, "compiler stderr", string(f.Data))
		}
	}
	require.True(t, sawObject && sawStdout && sawStderr, "expected object, stdout, and stderr entries")
}

// TestComputeResultKeyDependsOnPCHMarker verifies the PCH-in-use marker
// harvested from the preprocessor's own output participates in the result
// key, so two builds selecting different precompiled headers for the same
// translation unit never collide on one cache entry.
func TestComputeResultKeyDependsOnPCHMarker(t *testing.T) {
	e := newTestEngine(t)
	common := e.buildCommonHash([]string{"/usr/bin/cc"}, &classifier.Classification{})
	class := &classifier.Classification{}
	includes := includetracker.NewSet()

	k1 := e.computeResultKey(common, class, []byte("preprocessed"), includes, "one.pch", nil)
	k2 := e.computeResultKey(common, class, []byte("preprocessed"), includes, "two.pch", nil)
	if k1 == k2 {
		t.Fatal("expected different result keys for different PCH markers")
	}
}
