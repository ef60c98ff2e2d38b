// Package engine implements the cache's decision pipeline: the phased
// sequence that turns a raw compiler invocation into a cache lookup
// (or, on a miss, a real compile plus a write-back).
//
// golang.org/x/sync/singleflight coordinates "at most one compilation per
// fingerprint" within a single process; cross-process coordination is the
// storage layer's atomic-rename protocol (internal/storage), which
// singleflight composes with rather than replaces.
package engine

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/standardbeagle/goccache/internal/cacheerr"
	"github.com/standardbeagle/goccache/internal/classifier"
	"github.com/standardbeagle/goccache/internal/cleanup"
	"github.com/standardbeagle/goccache/internal/config"
	"github.com/standardbeagle/goccache/internal/digest"
	"github.com/standardbeagle/goccache/internal/includetracker"
	"github.com/standardbeagle/goccache/internal/inodecache"
	"github.com/standardbeagle/goccache/internal/manifest"
	"github.com/standardbeagle/goccache/internal/pathnorm"
	"github.com/standardbeagle/goccache/internal/scanner"
	"github.com/standardbeagle/goccache/internal/stats"
	"github.com/standardbeagle/goccache/internal/storage"
	"github.com/standardbeagle/goccache/internal/telemetry"
)

// cleanupShardNibbles matches the sharding depth storage.NewLocal is always
// constructed with (cmd/gocache wires the same constant into the backend
// and the admin cleanup subcommand); cleanup.Limits needs the shard count
// to divide the configured budget across shards.
const cleanupShardNibbles = 2

func cleanupShardCount() int64 { return 1 << (4 * cleanupShardNibbles) }

// Config is the subset of configuration keys
// the engine consults directly. internal/config produces one of these
// after merging global/project/environment layers.
type Config struct {
	BaseDir              string
	Namespace            string
	CompilerCheck        string // none|mtime|string:<literal>|content|<shell command>
	HashDir              bool
	RunSecondCpp         bool
	DependMode           bool
	DirectMode           bool
	ReadOnly             bool
	ReadOnlyDirect       bool
	Disable              bool
	ModulesSloppy        bool
	TimeMacroSloppy      bool
	FileStatMatches      bool
	FileStatMatchesCtime bool
	RandomSeedSloppy     bool
	GccoCwdSloppy        bool
	MsvcDepPrefix        string
	ExtraFilesToHash     []string
	MaxSize              int64
	MaxFiles             int64
}

// Engine wires together every collaborator component and runs the phased
// pipeline for one compiler invocation.
type Engine struct {
	Config     Config
	Storage    storage.Backend
	InodeCache *inodecache.Cache
	Stats      *stats.Shard
	PathNorm   *pathnorm.Normalizer

	// IgnoreHeaders, when set, excludes matching include paths from the
	// manifest's include set (the ignore_headers_in_manifest config key):
	// a header matching one of these patterns never forces a cache miss
	// when it changes.
	IgnoreHeaders *config.PatternSet

	group singleflight.Group
}

// New constructs an Engine from its wired collaborators.
func New(cfg Config, backend storage.Backend, inode *inodecache.Cache, st *stats.Shard, norm *pathnorm.Normalizer) *Engine {
	return &Engine{Config: cfg, Storage: backend, InodeCache: inode, Stats: st, PathNorm: norm}
}

// Outcome is what Run decided to do and with what exit status.
type Outcome struct {
	ExitCode int
	Hit      bool
	Direct   bool
}

// Run executes the full Phase 0-6 pipeline for one invocation: compiler
// path (argv[0]) followed by the compiler's own argument vector.
func (e *Engine) Run(argv []string) (Outcome, error) {
	if e.Config.Disable || len(argv) == 0 {
		return e.runReal(argv, nil)
	}

	// Phase 0 — preparation.
	actualCWD, _ := os.Getwd()
	apparentCWD := os.Getenv("PWD")
	if e.PathNorm == nil {
		e.PathNorm = pathnorm.New(e.Config.BaseDir, actualCWD, apparentCWD)
	}

	class, err := classifier.Classify(argv[1:], classifier.Options{
		ModulesSloppy: e.Config.ModulesSloppy,
		DependMode:    e.Config.DependMode,
	})
	if err != nil {
		e.Stats.Bump(classifyFailureCounter(err), 1)
		telemetry.LogEngine("classification failed, running compiler directly: %v", err)
		return e.runReal(argv, nil)
	}

	var srcFlags scanner.Flags
	if srcBytes, readErr := os.ReadFile(class.InputFile); readErr == nil {
		if scanner.ContainsDisableToken(srcBytes) {
			e.Stats.Bump(stats.DisabledBySourceToken, 1)
			return e.runReal(argv, nil)
		}
		if !e.Config.TimeMacroSloppy {
			srcFlags = scanner.Scan(srcBytes)
		}
	}

	key := fmt.Sprintf("%s\x00%s", argv[0], class.InputFile)
	v, err, _ := e.group.Do(key, func() (interface{}, error) {
		return e.decide(argv, class, srcFlags, actualCWD, apparentCWD)
	})
	if err != nil {
		return Outcome{}, err
	}
	return v.(Outcome), nil
}

func classifyFailureCounter(err error) string {
	if ce, ok := err.(*cacheerr.Error); ok {
		switch ce.Kind {
		case cacheerr.KindUnsupportedLanguage:
			return stats.UnsupportedSourceLanguage
		default:
			return stats.UnsupportedCompilerOption
		}
	}
	return stats.UnsupportedCompilerOption
}

// decide runs Phases 1-6 for one (already-classified) invocation.
func (e *Engine) decide(argv []string, class *classifier.Classification, srcFlags scanner.Flags, actualCWD, apparentCWD string) (Outcome, error) {
	commonHash := e.buildCommonHash(argv, class)

	// Phase 3 — direct-mode attempt.
	var manifestKey digest.Digest
	var haveManifestKey bool
	if e.Config.DirectMode && !srcFlags.Has(scanner.FoundTime) {
		inputDigest, err := e.hashFile(class.InputFile)
		if err == nil {
			mh := commonHash.Clone()
			mh.UpdateDelimited("input-path", []byte(class.InputFile))
			mh.UpdateDelimited("input-digest", inputDigest[:])
			manifestKey = mh.Digest()
			haveManifestKey = true

			if out, ok, err := e.tryDirectHit(manifestKey, class); err == nil && ok {
				e.Stats.Bump(stats.CacheHitDirect, 1)
				return out, nil
			}
		}
	}

	// Phase 4 — preprocessor-mode attempt. Even on a miss, this computes
	// the result key (and harvests the include set and PCH marker) that
	// Phase 5 must write under, so the two phases can never disagree about
	// where a given build's output lives.
	var pr *preprocessResult
	if !e.Config.ReadOnlyDirect {
		out, ok, res, err := e.tryPreprocessedHit(argv, class, commonHash, manifestKey, haveManifestKey)
		if err != nil {
			telemetry.LogEngine("preprocessor-mode attempt failed: %v", err)
		} else if ok {
			e.Stats.Bump(stats.CacheHitPreprocessed, 1)
			return out, nil
		}
		pr = res
	}

	if e.Config.ReadOnly || e.Config.ReadOnlyDirect {
		e.Stats.Bump(stats.CacheMiss, 1)
		return e.runReal(argv, nil)
	}

	// Phase 5 — miss path: run the real compiler and write back.
	e.Stats.Bump(stats.CacheMiss, 1)
	return e.compileAndStore(argv, class, commonHash, manifestKey, haveManifestKey, pr)
}

// hasher is a thin wrapper so callers can Clone a partially-built common
// hash (Phase 1) before branching into direct vs preprocessor mode, which
// each extend it differently (Phase 3 vs Phase 4). Clone starts a fresh
// hasher seeded with the snapshot digest.
type hasher struct {
	snapshot []byte // the digest of the Phase 1 and Phase 2 byte stream
}

func (h *hasher) Clone() *digest.Hasher {
	d := digest.New()
	d.UpdateDelimited("common", h.snapshot)
	return d
}

// buildCommonHash implements Phase 1 — common hash.
func (e *Engine) buildCommonHash(argv []string, class *classifier.Classification) *hasher {
	d := digest.New()
	d.UpdateInt64(1) // HASH_PREFIX version byte
	if e.Config.Namespace != "" {
		d.UpdateDelimited("namespace", []byte(e.Config.Namespace))
	}
	if ext, ok := classifier.PreprocessedExtension(class.Language); ok {
		d.UpdateDelimited("lang-ext", []byte(ext))
	}
	e.hashCompilerIdentity(d, argv[0])
	d.UpdateDelimited("argv0-base", []byte(filepath.Base(argv[0])))
	for _, ev := range relevantEnvVars() {
		if v, ok := os.LookupEnv(ev); ok {
			d.UpdateDelimited("env:"+ev, []byte(v))
		}
	}
	if e.Config.HashDir {
		cwd, _ := os.Getwd()
		d.UpdateDelimited("cwd", []byte(cwd))
	}
	if class.OutputObjFile != "" && (class.RequestsSplitDwarf || class.RequestsCoverage) {
		d.UpdateDelimited("obj-path", []byte(class.OutputObjFile))
	}
	if class.HashActualCWD && !e.Config.GccoCwdSloppy {
		cwd, _ := os.Getwd()
		d.UpdateDelimited("apparent-cwd", []byte(cwd))
	}
	for _, f := range e.Config.ExtraFilesToHash {
		if content, err := os.ReadFile(f); err == nil {
			d.UpdateDelimited("extra-file:"+f, content)
		}
	}
	if colors, ok := os.LookupEnv("GCC_COLORS"); ok {
		d.UpdateDelimited("gcc-colors", []byte(colors))
	}

	// Phase 2 — argument hash.
	e.hashArgs(d, class)

	sum := d.Digest()
	return &hasher{snapshot: sum[:]}
}

func relevantEnvVars() []string {
	return []string{"CPATH", "C_INCLUDE_PATH", "CPLUS_INCLUDE_PATH", "OBJC_INCLUDE_PATH", "OBJCPLUS_INCLUDE_PATH"}
}

// hashCompilerIdentity implements the compiler_check policy:
// none|mtime|string:<literal>|content|<shell command>.
func (e *Engine) hashCompilerIdentity(d *digest.Hasher, compilerPath string) {
	switch {
	case e.Config.CompilerCheck == "" || e.Config.CompilerCheck == "mtime":
		if info, err := os.Stat(compilerPath); err == nil {
			d.UpdateInt64(info.Size())
			d.UpdateInt64(info.ModTime().Unix())
		}
	case e.Config.CompilerCheck == "none":
		// no contribution
	case e.Config.CompilerCheck == "content":
		if sum, err := digest.HashFile(compilerPath); err == nil {
			d.UpdateDelimited("compiler-content", sum[:])
		}
	case len(e.Config.CompilerCheck) > 7 && e.Config.CompilerCheck[:7] == "string:":
		d.UpdateDelimited("compiler-string", []byte(e.Config.CompilerCheck[7:]))
	default:
		out, err := exec.Command("sh", "-c", e.Config.CompilerCheck).Output()
		if err == nil {
			d.UpdateDelimited("compiler-check-cmd", out)
		}
	}
}

// hashArgs implements Phase 2 — argument hash, applying the exception
// families of args that must not perturb the key the
// way their raw bytes would.
func (e *Engine) hashArgs(d *digest.Hasher, class *classifier.Classification) {
	all := append(append([]string{}, class.CommonArgs...), class.CppArgs...)
	all = append(all, class.CompilerOnlyArgs...)
	for i := 0; i < len(all); i++ {
		a := all[i]
		switch {
		case hasAnyPrefix(a, "-L", "-Wl,"):
			continue

		case hasAnyPrefix(a, "-fdebug-prefix-map=", "-ffile-prefix-map=", "-fmacro-prefix-map="):
			d.UpdateDelimited("arg-name", []byte(prefixOnly(a)))

		case hasAnyPrefix(a, "-MF", "-MT", "-MQ"):
			d.UpdateDelimited("arg-name", []byte(prefixOnly(a)))

		// -I<path>/-Fp<path>/-Fo<path>: the search/output path affects
		// compilation, so it is hashed, but normalized relative to base_dir
		// first so the same build rooted at two different absolute
		// locations still produces the same key.
		case hasAnyPrefix(a, "-I", "-Fp", "-Fo"):
			name, path := splitConcatPath(a)
			d.UpdateDelimited("arg-name", []byte(name))
			d.UpdateDelimited("arg-path", []byte(e.normalizePath(path)))

		case a == "-isystem" || a == "-iquote" || a == "-include" ||
			a == "-Yu" || a == "-Yc" || a == "-include-pch" || a == "-include-pth":
			d.UpdateDelimited("arg-name", []byte(a))
			if i+1 < len(all) {
				i++
				d.UpdateDelimited("arg-path", []byte(e.normalizePath(all[i])))
			}

		// -Wa,-a[=file]: the assembler listing path varies run to run
		// (temp names, build directory) without affecting the object
		// produced, so only the option name is hashed, not the path.
		case hasAnyPrefix(a, "-Wa,-a"):
			d.UpdateDelimited("arg-name", []byte(prefixOnly(a)))

		// -frandom-seed=<value>: under the random_seed sloppiness the
		// seed itself is excluded, trusting the user that two different
		// seeds produce equivalent output.
		case hasAnyPrefix(a, "-frandom-seed="):
			if e.Config.RandomSeedSloppy {
				d.UpdateDelimited("arg-name", []byte(prefixOnly(a)))
			} else {
				d.UpdateDelimited("arg", []byte(a))
			}

		// -specs=<file> / --config <file>: the referenced file's content
		// determines compiler behavior, so its digest stands in for the
		// argument rather than a path that may vary across builds.
		case hasAnyPrefix(a, "-specs="):
			e.hashReferencedFileArg(d, "arg-name", a, prefixOnly(a), a[len("-specs="):])

		case a == "--config":
			if i+1 < len(all) {
				i++
				e.hashReferencedFileArg(d, "arg-name", a, a, all[i])
			} else {
				d.UpdateDelimited("arg", []byte(a))
			}

		// -fplugin=<path> / -Xclang -load <path>: compiler plugins can
		// change generated code without changing argv, so their content
		// is hashed rather than trusted by path.
		case hasAnyPrefix(a, "-fplugin="):
			e.hashReferencedFileArg(d, "arg-name", a, prefixOnly(a), a[len("-fplugin="):])

		case a == "-Xclang" && i+2 < len(all) && all[i+1] == "-load":
			path := all[i+2]
			i += 2
			e.hashReferencedFileArg(d, "arg-name", a, "-Xclang -load", path)

		// -ccbin <path> / --compiler-bindir=<path> (nvcc): the host
		// compiler's identity affects codegen just as the primary
		// compiler's does, so it is hashed the same way
		// (hashCompilerIdentity's compiler_check policy).
		case a == "-ccbin":
			if i+1 < len(all) {
				i++
				e.hashCompilerIdentity(d, all[i])
			} else {
				d.UpdateDelimited("arg", []byte(a))
			}

		case hasAnyPrefix(a, "--compiler-bindir="):
			e.hashCompilerIdentity(d, a[len("--compiler-bindir="):])

		default:
			d.UpdateDelimited("arg", []byte(a))
		}
	}
}

// hashReferencedFileArg hashes the name of the option plus the content of
// the file it names, falling back to hashing the raw argument bytes if the
// file cannot be read (e.g. it is a compiler-builtin specs name, not a path).
func (e *Engine) hashReferencedFileArg(d *digest.Hasher, tag, rawArg, name, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		d.UpdateDelimited("arg", []byte(rawArg))
		return
	}
	d.UpdateDelimited(tag, []byte(name))
	d.UpdateDelimited(tag+"-content", content)
}

// normalizePath applies base_dir substitutivity to a path argument before
// it is hashed, so identical builds rooted at different absolute
// directories still resolve to the same common hash.
func (e *Engine) normalizePath(p string) string {
	if e.PathNorm == nil {
		return p
	}
	return e.PathNorm.MakeRelative(p)
}

// splitConcatPath splits a concatenated-argument option ("-Ipath", "-Fpfile")
// into its option name and the path portion.
func splitConcatPath(a string) (name, path string) {
	for _, p := range []string{"-I", "-Fp", "-Fo"} {
		if strings.HasPrefix(a, p) {
			return p, a[len(p):]
		}
	}
	return a, ""
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func prefixOnly(s string) string {
	for i, r := range s {
		if r == '=' {
			return s[:i]
		}
	}
	return s
}

func (e *Engine) hashFile(path string) (digest.Digest, error) {
	if e.InodeCache != nil {
		if info, err := os.Stat(path); err == nil {
			if key, ok := inodecache.StatKeyFor(info); ok {
				if sum, flags, ok := e.InodeCache.Get(key); ok {
					_ = flags
					return sum, nil
				}
				sum, err := digest.HashFile(path)
				if err != nil {
					return digest.Digest{}, err
				}
				buf, _ := os.ReadFile(path)
				flags := scanner.Scan(buf)
				e.InodeCache.Put(key, sum, flags, info.ModTime(), info.ModTime(), time.Now())
				return sum, nil
			}
		}
	}
	return digest.HashFile(path)
}

func (e *Engine) tryDirectHit(manifestKey digest.Digest, class *classifier.Classification) (Outcome, bool, error) {
	payload, err := e.Storage.Get(manifestKey, storage.EntryManifest)
	if err != nil {
		return Outcome{}, false, nil
	}
	m, err := manifest.Decode(payload)
	if err != nil {
		return Outcome{}, false, err
	}
	resultKey, found, err := m.Resolve(e, manifest.ResolveOptions{
		TrustStatMatches: e.Config.FileStatMatches,
		TrustCtime:       e.Config.FileStatMatchesCtime,
	})
	if err != nil || !found {
		return Outcome{}, false, nil
	}
	out, ok, err := e.retrieve(resultKey, true, class)
	if err != nil {
		telemetry.LogEngine("direct-mode write-back failed: %v", err)
		return Outcome{}, false, nil
	}
	return out, ok, nil
}

// Stat and Hash implement manifest.StatProvider so Manifest.Resolve can
// call back into the engine's inode-cache-backed hashing path.
func (e *Engine) Stat(path string) (uint64, int64, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, 0, err
	}
	return uint64(info.Size()), info.ModTime().Unix(), info.ModTime().Unix(), nil
}

func (e *Engine) Hash(path string) (digest.Digest, error) {
	return e.hashFile(path)
}

// preprocessResult carries the Phase 4 outcome forward to Phase 5: the
// result key Phase 4 looked (and Phase 5 must write) under, plus the
// include set and PCH marker harvested along the way, so a miss doesn't
// have to reconstruct them.
type preprocessResult struct {
	resultKey digest.Digest
	includes  *includetracker.Set
	pch       string
}

func (e *Engine) tryPreprocessedHit(argv []string, class *classifier.Classification, common *hasher, manifestKey digest.Digest, haveManifestKey bool) (Outcome, bool, *preprocessResult, error) {
	preArgv := append([]string{argv[0]}, class.CommonArgs...)
	preArgv = append(preArgv, class.CppArgs...)
	preArgv = append(preArgv, "-E", class.InputFile)

	preprocessed, stderrBytes, includeSet, pch, err := e.runPreprocessorPass(preArgv)
	if err != nil {
		return Outcome{}, false, nil, err
	}

	if class.PrecompiledHeaderInUse != "" && pch != "" && class.PrecompiledHeaderInUse != pch {
		e.Stats.Bump(stats.PCHMismatch, 1)
		return Outcome{}, false, nil, cacheerr.New(cacheerr.KindPCHMismatch, "preprocess",
			fmt.Errorf("precompiled header in use (%s) does not match the one named on the command line (%s)", pch, class.PrecompiledHeaderInUse))
	}
	if pch == "" {
		pch = class.PrecompiledHeaderInUse
	}

	resultKey := e.computeResultKey(common, class, preprocessed, includeSet, pch, stderrBytes)
	pr := &preprocessResult{resultKey: resultKey, includes: includeSet, pch: pch}

	out, found, err := e.retrieve(resultKey, false, class)
	if err != nil || !found {
		return Outcome{}, false, pr, err
	}
	return out, true, pr, nil
}

// runPreprocessorPass runs argv (a compiler invocation ending in "-E
// <input>") and, on Darwin with more than one "-arch" pair, repeats the
// preprocessor once per architecture and concatenates the results: the
// predefined macros (and therefore the preprocessed text) can legitimately
// differ per architecture even though a single multi-arch compile produces
// one fat object.
func (e *Engine) runPreprocessorPass(preArgv []string) (preprocessed, stderrOut []byte, includes *includetracker.Set, pch string, err error) {
	arches := archsIn(preArgv)
	if runtime.GOOS != "darwin" || len(arches) < 2 {
		stdout, stderrBytes, runErr := e.runPreprocessor(preArgv)
		if runErr != nil {
			return nil, nil, nil, "", cacheerr.New(cacheerr.KindPreprocessor, "preprocess", runErr)
		}
		set, p, parseErr := includetracker.ParsePreprocessorOutput(string(stdout))
		if parseErr != nil {
			return nil, nil, nil, "", parseErr
		}
		return stdout, stderrBytes, set, p, nil
	}

	combined := includetracker.NewSet()
	var preprocessedBuf, stderrBuf bytes.Buffer
	for _, arch := range arches {
		stdout, stderrBytes, runErr := e.runPreprocessor(argvWithSingleArch(preArgv, arch))
		if runErr != nil {
			return nil, nil, nil, "", cacheerr.New(cacheerr.KindPreprocessor, "preprocess", runErr)
		}
		set, p, parseErr := includetracker.ParsePreprocessorOutput(string(stdout))
		if parseErr != nil {
			return nil, nil, nil, "", parseErr
		}
		for _, path := range set.Paths() {
			combined.Add(path)
		}
		if p != "" {
			if pch != "" && pch != p {
				return nil, nil, nil, "", cacheerr.New(cacheerr.KindPCHMismatch, "preprocess",
					fmt.Errorf("architecture %s selected a different precompiled header than a previous architecture", arch))
			}
			pch = p
		}
		preprocessedBuf.WriteByte(0)
		preprocessedBuf.WriteString(arch)
		preprocessedBuf.Write(stdout)
		stderrBuf.Write(stderrBytes)
	}
	return preprocessedBuf.Bytes(), stderrBuf.Bytes(), combined, pch, nil
}

func (e *Engine) runPreprocessor(argv []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, nil, err
	}
	return stdout.Bytes(), stderr.Bytes(), nil
}

// archsIn returns the architecture name following each "-arch" pair in argv.
func archsIn(argv []string) []string {
	var arches []string
	for i := 0; i < len(argv); i++ {
		if argv[i] == "-arch" && i+1 < len(argv) {
			arches = append(arches, argv[i+1])
			i++
		}
	}
	return arches
}

// argvWithSingleArch strips every "-arch <name>" pair from argv and inserts
// a single "-arch <arch>" right after the compiler path, for the per-
// architecture preprocessor repetition runPreprocessorPass performs.
func argvWithSingleArch(argv []string, arch string) []string {
	filtered := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		if argv[i] == "-arch" && i+1 < len(argv) {
			i++
			continue
		}
		filtered = append(filtered, argv[i])
	}
	out := make([]string, 0, len(filtered)+2)
	out = append(out, filtered[0], "-arch", arch)
	out = append(out, filtered[1:]...)
	return out
}

// computeResultKey implements the result key formula both the Phase 4 hit
// path and the Phase 5 write-back path must agree on: the common hash
// extended with per-arg compiler-only options, the PCH in use, the
// canonicalized preprocessed output, and the preprocessor's stderr.
func (e *Engine) computeResultKey(common *hasher, class *classifier.Classification, preprocessed []byte, includes *includetracker.Set, pch string, stderrBytes []byte) digest.Digest {
	h := common.Clone()
	for _, a := range class.CompilerOnlyArgs {
		h.UpdateDelimited("per-arg", []byte(a))
	}
	if pch != "" {
		h.UpdateDelimited("pch-in-use", []byte(pch))
	}
	h.UpdateDelimited("preprocessed", canonicalizePreprocessed(preprocessed, includes))
	h.UpdateDelimited("stderr", stderrBytes)
	return h.Digest()
}

// narrowResultKey is the defensive fallback used only if Phase 5 is somehow
// reached without a Phase 4 result (decide never does this on the normal
// path, since compileAndStore is only called after tryPreprocessedHit has
// run); it omits the preprocessed-output and stderr components, so the
// resulting key is taken on trust rather than proven to match a lookup.
func (e *Engine) narrowResultKey(common *hasher, class *classifier.Classification) digest.Digest {
	h := common.Clone()
	for _, a := range class.CompilerOnlyArgs {
		h.UpdateDelimited("per-arg", []byte(a))
	}
	return h.Digest()
}

// canonicalizePreprocessed returns the preprocessed text unchanged,
// followed by every harvested include path, each preceded by a NUL byte.
// Linemarker path text is not rewritten, so output from compilers at
// different install prefixes produces different result keys.
func canonicalizePreprocessed(text []byte, includes *includetracker.Set) []byte {
	var buf bytes.Buffer
	buf.Write(text)
	for _, p := range includes.Paths() {
		buf.WriteByte(0)
		buf.WriteString(p)
	}
	return buf.Bytes()
}

// retrieve fetches the Result stored under resultKey and, on a hit, writes
// it back to disk and the inherited stdio streams (Phase 6).
func (e *Engine) retrieve(resultKey digest.Digest, direct bool, class *classifier.Classification) (Outcome, bool, error) {
	payload, err := e.Storage.Get(resultKey, storage.EntryResult)
	if err != nil {
		return Outcome{}, false, nil
	}
	res, err := storage.DecodeResult(payload)
	if err != nil {
		return Outcome{}, false, err
	}
	if err := e.writeBack(res, class); err != nil {
		return Outcome{}, false, err
	}
	return Outcome{ExitCode: 0, Hit: true, Direct: direct}, true, nil
}

// writeBack replays a decoded Result onto disk and the inherited stdio
// streams: raw-file-ref entries are fetched from storage and written to
// the path the current invocation expects them at (object, dependency,
// coverage, split-dwarf, stack-usage, assembler listing); inline entries
// are the compile's captured stdout/stderr, replayed verbatim.
func (e *Engine) writeBack(res *storage.Result, class *classifier.Classification) error {
	now := time.Now()
	for _, f := range res.Files {
		switch f.Type {
		case storage.FileStdoutOutput:
			os.Stdout.Write(f.Data)
			continue
		case storage.FileStderrOutput:
			os.Stderr.Write(f.Data)
			continue
		}

		path := targetPathFor(f.Type, class)
		if path == "" {
			continue
		}
		data := f.Data
		if f.Raw {
			raw, err := e.Storage.Get(f.Digest, storage.EntryRawFile)
			if err != nil {
				return fmt.Errorf("engine: fetch cached %s: %w", f.Type, err)
			}
			data = raw
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("engine: write %s (%s): %w", f.Type, path, err)
		}
		if err := os.Chtimes(path, now, now); err != nil {
			telemetry.LogEngine("failed to bump mtime for %s: %v", path, err)
		}
	}
	return nil
}

// targetPathFor maps a stored file's type to the path the current
// invocation's own argument vector names for it. Paths are never recorded
// in the Result itself (the assembler-listing path, in particular, is
// allowed to vary run to run) — the current classification is always the
// source of truth for where a file belongs.
func targetPathFor(t storage.FileType, class *classifier.Classification) string {
	switch t {
	case storage.FileObject:
		return class.OutputObjFile
	case storage.FileDependency:
		return class.DependencyFile
	case storage.FileCoverageUnmangled, storage.FileCoverageMangled:
		return replaceExt(class.OutputObjFile, ".gcno")
	case storage.FileStackUsage:
		return replaceExt(class.OutputObjFile, ".su")
	case storage.FileDwarfObject:
		return replaceExt(class.OutputObjFile, ".dwo")
	case storage.FileAssemblerListing:
		return assemblerListingPath(class)
	default:
		return ""
	}
}

func replaceExt(path, ext string) string {
	if path == "" {
		return ""
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// assemblerListingPath extracts the file named by a "-Wa,-a[=file]" option,
// if the current invocation passed one.
func assemblerListingPath(class *classifier.Classification) string {
	for _, a := range class.CompilerOnlyArgs {
		if !hasAnyPrefix(a, "-Wa,-a") {
			continue
		}
		if eq := strings.IndexByte(a, '='); eq >= 0 {
			return a[eq+1:]
		}
	}
	return ""
}

// compileAndStore implements Phase 5 (miss path) and the write-back half
// of Phase 6.
func (e *Engine) compileAndStore(argv []string, class *classifier.Classification, common *hasher, manifestKey digest.Digest, haveManifestKey bool, pr *preprocessResult) (Outcome, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	out, exitErr := e.runRealTee(argv, nil, &stdoutBuf, &stderrBuf)
	if exitErr != nil {
		return out, exitErr
	}
	if out.ExitCode != 0 {
		return out, nil
	}

	if !outputsPresent(class) {
		telemetry.LogEngine("expected output missing after successful compile, skipping cache write")
		return out, nil
	}

	var resultKey digest.Digest
	if pr != nil {
		resultKey = pr.resultKey
	} else {
		resultKey = e.narrowResultKey(common, class)
	}

	result, err := e.buildResult(class, stdoutBuf.Bytes(), stderrBuf.Bytes())
	if err != nil {
		telemetry.LogEngine("failed to assemble cache entry, skipping cache write: %v", err)
		return out, nil
	}
	if err := e.Storage.Put(resultKey, storage.EntryResult, storage.EncodeResult(result)); err != nil {
		e.Stats.Bump(stats.MissingCacheObject, 1)
		return out, nil
	}
	e.runCleanup(resultKey)

	if haveManifestKey {
		var fallback *includetracker.Set
		if pr != nil {
			fallback = pr.includes
		}
		e.updateManifest(manifestKey, resultKey, class, fallback, stdoutBuf.Bytes())
	}
	return out, nil
}

// buildResult reads every file the compile produced and assembles the
// ordered, FileType-tagged Result the storage layer persists: the object
// and the other bulky outputs are addressed by content digest as raw
// files (so byte-identical outputs from different invocations share
// storage), while the captured stdout/stderr are inlined directly.
func (e *Engine) buildResult(class *classifier.Classification, stdout, stderr []byte) (*storage.Result, error) {
	res := &storage.Result{}
	if len(stdout) > 0 {
		res.Files = append(res.Files, storage.ResultFile{Type: storage.FileStdoutOutput, Data: stdout})
	}
	if len(stderr) > 0 {
		res.Files = append(res.Files, storage.ResultFile{Type: storage.FileStderrOutput, Data: stderr})
	}

	if err := e.addRawFile(res, storage.FileObject, class.OutputObjFile, true); err != nil {
		return nil, err
	}
	if class.GeneratingDependencies {
		if err := e.addRawFile(res, storage.FileDependency, class.DependencyFile, true); err != nil {
			return nil, err
		}
	}
	if class.RequestsCoverage {
		_ = e.addRawFile(res, storage.FileCoverageUnmangled, replaceExt(class.OutputObjFile, ".gcno"), false)
	}
	if class.RequestsStackUsage {
		_ = e.addRawFile(res, storage.FileStackUsage, replaceExt(class.OutputObjFile, ".su"), false)
	}
	if class.RequestsSplitDwarf {
		_ = e.addRawFile(res, storage.FileDwarfObject, replaceExt(class.OutputObjFile, ".dwo"), false)
	}
	if p := assemblerListingPath(class); p != "" {
		_ = e.addRawFile(res, storage.FileAssemblerListing, p, false)
	}
	return res, nil
}

// addRawFile reads path and stores it as an EntryRawFile keyed by its own
// content digest, appending a raw-file-ref entry to res. required governs
// whether a read failure aborts the whole Result (the object file and,
// when requested, the dependency file must exist) or is merely skipped
// (the optional side-output files, which may not have been produced by
// every compiler version).
func (e *Engine) addRawFile(res *storage.Result, t storage.FileType, path string, required bool) error {
	if path == "" {
		if required {
			return fmt.Errorf("engine: no path recorded for required output %s", t)
		}
		return nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if required {
			return fmt.Errorf("engine: read %s: %w", path, err)
		}
		return nil
	}
	d := digest.Sum(content)
	if err := e.Storage.Put(d, storage.EntryRawFile, content); err != nil {
		if required {
			return fmt.Errorf("engine: store %s: %w", path, err)
		}
		return nil
	}
	res.Files = append(res.Files, storage.ResultFile{Type: t, Raw: true, Digest: d})
	return nil
}

// runCleanup sweeps the shard a just-written result key lives in, so LRU
// eviction happens opportunistically after write-back rather than only on
// explicit admin command.
func (e *Engine) runCleanup(key digest.Digest) {
	if e.Config.MaxSize <= 0 && e.Config.MaxFiles <= 0 {
		return
	}
	dir := filepath.Dir(e.Storage.Path(key, storage.EntryResult))
	limits := cleanup.Limits{
		MaxSize:    e.Config.MaxSize,
		MaxFiles:   e.Config.MaxFiles,
		ShardCount: cleanupShardCount(),
		Multiplier: 0.8,
	}
	if err := cleanup.SweepShard(dir, limits); err != nil {
		telemetry.LogEngine("opportunistic cleanup failed: %v", err)
		return
	}
	e.Stats.Bump(stats.CleanupsPerformed, 1)
}

func outputsPresent(class *classifier.Classification) bool {
	if class.OutputObjFile == "" {
		return true
	}
	info, err := os.Stat(class.OutputObjFile)
	if err != nil {
		return false
	}
	if info.Size() == 0 {
		return false
	}
	if class.GeneratingDependencies && class.DependencyFile != "" {
		if depInfo, err := os.Stat(class.DependencyFile); err != nil || depInfo.Size() == 0 {
			return false
		}
	}
	return true
}

// harvestIncludes implements Phase 5's include-harvesting priority order:
// the dependency file when one was generated, else /showIncludes notes in
// the compile's own stdout, else the include set Phase 4's preprocessor
// pass already harvested for this same invocation.
func (e *Engine) harvestIncludes(class *classifier.Classification, fallback *includetracker.Set, compileStdout []byte) *includetracker.Set {
	if class.GeneratingDependencies && class.DependencyFile != "" {
		if content, err := os.ReadFile(class.DependencyFile); err == nil {
			return includetracker.ParseDepfile(string(content))
		}
	}
	if len(compileStdout) > 0 {
		if set := includetracker.ShowIncludes(string(compileStdout), e.Config.MsvcDepPrefix); len(set.Paths()) > 0 {
			return set
		}
	}
	if fallback != nil {
		return fallback
	}
	return includetracker.NewSet()
}

func (e *Engine) updateManifest(manifestKey, resultKey digest.Digest, class *classifier.Classification, fallback *includetracker.Set, compileStdout []byte) {
	payload, _ := e.Storage.Get(manifestKey, storage.EntryManifest)
	m, err := manifest.Decode(payload)
	if err != nil {
		m = manifest.New()
	}

	includeSet := e.harvestIncludes(class, fallback, compileStdout)
	includeSet.Add(class.InputFile)

	now := time.Now()
	var files []manifest.RecordedFile
	for _, raw := range includeSet.Paths() {
		p := pathnorm.NormalizeConcrete(raw)
		if e.IgnoreHeaders != nil && e.IgnoreHeaders.Match(p) {
			continue
		}
		sum, err := e.hashFile(p)
		if err != nil {
			continue
		}
		info, statErr := os.Stat(p)
		var size uint64
		var includeMtime bool
		var mtime, ctime int64
		if statErr == nil {
			size = uint64(info.Size())
			mtime = info.ModTime().Unix()
			ctime = mtime
			includeMtime = manifest.SafeToRecordTimestamp(mtime, ctime, now, time.Second)
		}
		files = append(files, manifest.RecordedFile{
			Path: p, Digest: sum, Size: size,
			IncludeMtime: includeMtime, Mtime: mtime, Ctime: ctime,
		})
	}

	m.Add(resultKey, files)
	encoded := manifest.Encode(m)
	if err := e.Storage.Put(manifestKey, storage.EntryManifest, encoded); err != nil {
		telemetry.LogEngine("failed to write manifest: %v", err)
	}
}

// runReal runs the actual compiler (argv[0] with argv[1:]), forwarding
// stdio and fatal signals.
func (e *Engine) runReal(argv []string, extra []string) (Outcome, error) {
	return e.runRealTee(argv, extra, nil, nil)
}

// runRealTee runs the real compiler exactly as runReal does, additionally
// teeing its stdout/stderr into stdoutCapture/stderrCapture (when non-nil)
// so compileAndStore can store what the invocation printed alongside its
// other outputs, while the inherited descriptors still see the live stream.
func (e *Engine) runRealTee(argv []string, extra []string, stdoutCapture, stderrCapture io.Writer) (Outcome, error) {
	if len(argv) == 0 {
		return Outcome{ExitCode: 2}, fmt.Errorf("engine: empty argument vector")
	}
	full := append(append([]string{}, argv[1:]...), extra...)
	cmd := exec.Command(argv[0], full...)
	cmd.Stdin = os.Stdin
	if stdoutCapture != nil {
		cmd.Stdout = io.MultiWriter(os.Stdout, stdoutCapture)
	} else {
		cmd.Stdout = os.Stdout
	}
	if stderrCapture != nil {
		cmd.Stderr = io.MultiWriter(os.Stderr, stderrCapture)
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return Outcome{ExitCode: 2}, fmt.Errorf("engine: start compiler: %w", err)
	}

	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	defer signal.Stop(sigCh)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case sig := <-sigCh:
		if cmd.Process != nil {
			_ = cmd.Process.Signal(sig)
		}
		<-done
		signal.Stop(sigCh)
		signal.Reset(sig)
		_ = syscall.Kill(os.Getpid(), sig.(syscall.Signal))
		return Outcome{ExitCode: 128}, cacheerr.New(cacheerr.KindSignal, "run", fmt.Errorf("signal %v", sig))
	case err := <-done:
		if err == nil {
			return Outcome{ExitCode: 0}, nil
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			return Outcome{ExitCode: exitErr.ExitCode()}, nil
		}
		return Outcome{ExitCode: 2}, err
	}
}
