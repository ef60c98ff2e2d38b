// Package classifier sorts a raw compiler argument vector into the five
// vectors the decision engine needs, plus the side flags that change
// engine behavior (language, dependency generation, PCH usage, etc).
//
// A table-driven classifier with an exact-match fast path and a
// fallback prefix scan for option forms that carry a concatenated
// argument (-Ipath, -DFOO, and similar).
package classifier

import (
	"os"
	"strings"

	"github.com/standardbeagle/goccache/internal/cacheerr"
)

// CompilerType tags the argv grammar in effect.
type CompilerType string

const (
	CompilerGCC     CompilerType = "gcc"
	CompilerClang   CompilerType = "clang"
	CompilerClangCL CompilerType = "clang-cl"
	CompilerMSVC    CompilerType = "msvc"
	CompilerNVCC    CompilerType = "nvcc"
	CompilerTI      CompilerType = "ti"
	CompilerOther   CompilerType = "other"
	CompilerAuto    CompilerType = "auto"
)

// extensionLanguage maps a source file extension to ccache's language tag.
var extensionLanguage = map[string]string{
	".c":   "c",
	".i":   "cpp-output",
	".cc":  "c++",
	".cp":  "c++",
	".cxx": "c++",
	".cpp": "c++",
	".CPP": "c++",
	".c++": "c++",
	".C":   "c++",
	".ii":  "c++-cpp-output",
	".m":   "objective-c",
	".mi":  "objective-c-cpp-output",
	".mm":  "objective-c++",
	".mii": "objective-c++-cpp-output",
	".s":   "assembler",
	".S":   "assembler-with-cpp",
	".sx":  "assembler-with-cpp",
}

// preprocessedExtension maps a language to the extension the preprocessor
// would emit for it.
var preprocessedExtension = map[string]string{
	"c":               ".i",
	"c++":             ".ii",
	"objective-c":     ".mi",
	"objective-c++":   ".mii",
	"cpp-output":      ".i",
	"c++-cpp-output":  ".ii",
	"assembler":       ".s",
}

// Classification is the output of classifying one argument vector.
type Classification struct {
	CommonArgs              []string
	CppArgs                 []string
	DepArgs                 []string
	CompilerOnlyArgs        []string
	CompilerOnlyArgsNoHash  []string

	Language                string
	InputFile               string
	OutputObjFile           string
	DependencyFile          string
	DependencyTarget        string

	GeneratingDependencies  bool
	OutputIsPrecompiledHdr  bool
	PrecompiledHeaderInUse  string
	RequestsCoverage        bool
	RequestsStackUsage      bool
	RequestsSplitDwarf      bool
	RequestsDiagnosticsColor bool
	HashFullCommandLine     bool
	HashActualCWD           bool
	RunSecondCpp            bool
	ModulesRequested        bool
	DirectivesOnly          bool
	RewriteIncludes         bool

	actionSeen bool // -c/-S/--analyze/-fsyntax-only observed
}

// Options configures a single classification pass.
type Options struct {
	CompilerType   CompilerType
	RunSecondCpp   bool
	ModulesSloppy  bool
	DependMode     bool
	Getenv         func(string) string
	StatFile       func(string) (os.FileInfo, error)
}

func (o Options) getenv(key string) string {
	if o.Getenv == nil {
		return ""
	}
	return o.Getenv(key)
}

func (o Options) stat(path string) (os.FileInfo, bool) {
	statFn := o.StatFile
	if statFn == nil {
		statFn = os.Stat
	}
	info, err := statFn(path)
	if err != nil {
		return nil, false
	}
	return info, true
}

// kind is the set of behavior tags an option can carry.
type kind uint16

const (
	tooHard kind = 1 << iota
	tooHardDirect
	takesArg
	takesConcatArg
	takesPath
	affectsCPP
	affectsComp
)

type optionEntry struct {
	name   string
	kind   kind
	prefix bool // true: match as a prefix (concatenated-arg form)
}

// table lists the recognized options in no particular order; lookup is a
// plain map built once at init.
var table = []optionEntry{
	{"-I", takesConcatArg | takesPath | affectsCPP, true},
	{"-D", takesConcatArg | affectsCPP, true},
	{"-U", takesConcatArg | affectsCPP, true},
	{"-isystem", takesArg | takesPath | affectsCPP, false},
	{"-iquote", takesArg | takesPath | affectsCPP, false},
	{"-include", takesArg | takesPath | affectsCPP, false},
	{"-c", affectsComp, false},
	{"-S", affectsComp, false},
	{"--analyze", affectsComp, false},
	{"-fsyntax-only", affectsComp, false},
	{"-o", takesArg | takesPath, false},
	{"-MF", takesArg | takesPath, false},
	{"-MT", takesArg, false},
	{"-MQ", takesArg, false},
	{"-MD", affectsCPP, false},
	{"-MMD", affectsCPP, false},
	{"-MP", affectsCPP, false},
	{"-M", tooHardDirect | affectsCPP, false},
	{"-MM", tooHardDirect | affectsCPP, false},
	{"-MJ", tooHard, false},
	{"-P", affectsCPP, false},
	{"-Wp,", takesConcatArg | affectsCPP, true},
	{"-Wa,", takesConcatArg | affectsComp, true},
	{"-Xclang", takesArg, false},
	{"-fprofile-arcs", affectsComp | tooHardDirect, false},
	{"-ftest-coverage", affectsComp | tooHardDirect, false},
	{"--coverage", affectsComp | tooHardDirect, false},
	{"-fstack-usage", affectsComp | tooHardDirect, false},
	{"-gsplit-dwarf", affectsComp, false},
	{"-frecord-gcc-switches", affectsComp, false},
	{"-fprofile-abs-path", affectsComp, false},
	{"-fmodules", tooHard, false},
	{"-fdirectives-only", affectsCPP, false},
	{"-frewrite-includes", affectsCPP, false},
	{"-Yu", takesArg | takesPath, false},
	{"-Yc", takesArg | takesPath, false},
	{"-Fp", takesConcatArg | takesPath, true},
	{"-Fo", takesConcatArg | takesPath, true},
	{"-Fd", takesConcatArg, true},
	{"-include-pch", takesArg | takesPath, false},
	{"-include-pth", takesArg | takesPath, false},
	{"-MP", affectsCPP, false},
	{"/MP", 0, false},
	{"/FS", 0, false},
	{"-fdiagnostics-color", affectsComp, true},
}

var exact map[string]optionEntry
var prefixed []optionEntry

func init() {
	exact = make(map[string]optionEntry, len(table))
	for _, e := range table {
		if e.prefix {
			prefixed = append(prefixed, e)
		} else {
			exact[e.name] = e
		}
	}
}

func lookup(arg string) (optionEntry, bool) {
	if e, ok := exact[arg]; ok {
		return e, true
	}
	var best optionEntry
	found := false
	for _, e := range prefixed {
		if strings.HasPrefix(arg, e.name) && len(e.name) > len(best.name) {
			best = e
			found = true
		}
	}
	return best, found
}

// noHashOptions are recognized but excluded from the hash entirely
// (compiler_only_args_no_hash): diagnostic formatting and build-metadata
// sinks that don't affect the produced object code.
var noHashOptions = map[string]bool{
	"-Fd":  true,
	"/MP":  true,
	"/FS":  true,
}

func isNoHash(arg string) bool {
	if noHashOptions[arg] {
		return true
	}
	if strings.HasPrefix(arg, "-Fd") {
		return true
	}
	if strings.HasPrefix(arg, "-fdiagnostics-color") {
		return true
	}
	return false
}

// Classify sorts argv (already @file-expanded) into a Classification, or
// returns a typed *cacheerr.Error describing why the invocation is too hard
// to cache.
func Classify(argv []string, opts Options) (*Classification, error) {
	c := &Classification{RunSecondCpp: opts.RunSecondCpp}
	var sawWpComma, sawWaComma bool

	i := 0
	for i < len(argv) {
		arg := argv[i]

		if arg == "-Xclang" {
			if i+1 >= len(argv) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			embedded := argv[i+1]
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg, embedded)
			i += 2
			continue
		}
		if strings.HasPrefix(arg, "-Xarch_") {
			if i+1 >= len(argv) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg, argv[i+1])
			i += 2
			continue
		}

		if strings.HasPrefix(arg, "-Wp,") {
			if err := classifyWp(c, arg, &sawWpComma); err != nil {
				return nil, err
			}
			i++
			continue
		}
		if strings.HasPrefix(arg, "-Wa,") {
			if sawWaComma && strings.Contains(arg, "-a") {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errDuplicateWa())
			}
			if strings.Contains(arg, "-a") {
				sawWaComma = true
			}
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		}

		switch {
		case arg == "-x" && i+1 < len(argv):
			c.Language = argv[i+1]
			c.CommonArgs = append(c.CommonArgs, arg, argv[i+1])
			i += 2
			continue
		case strings.HasPrefix(arg, "-x") && len(arg) > 2:
			c.Language = arg[2:]
			c.CommonArgs = append(c.CommonArgs, arg)
			i++
			continue
		case arg == "-o":
			if i+1 >= len(argv) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			c.OutputObjFile = argv[i+1]
			i += 2
			continue
		case strings.HasPrefix(arg, "-Fo"):
			c.OutputObjFile = strings.TrimPrefix(arg, "-Fo")
			i++
			continue
		case arg == "-MF":
			if i+1 >= len(argv) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			if c.DependencyFile != "" {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errDuplicateDepFile())
			}
			c.DependencyFile = argv[i+1]
			c.GeneratingDependencies = true
			c.DepArgs = append(c.DepArgs, arg, argv[i+1])
			i += 2
			continue
		case strings.HasPrefix(arg, "-MF"):
			if c.DependencyFile != "" {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errDuplicateDepFile())
			}
			c.DependencyFile = strings.TrimPrefix(strings.TrimPrefix(arg, "-MF"), "=")
			c.GeneratingDependencies = true
			c.DepArgs = append(c.DepArgs, arg)
			i++
			continue
		case arg == "-MT" || arg == "-MQ":
			if i+1 >= len(argv) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			target := argv[i+1]
			if arg == "-MQ" {
				target = makefileEscape(target)
			}
			c.DependencyTarget = target
			c.DepArgs = append(c.DepArgs, arg, argv[i+1])
			i += 2
			continue
		case arg == "-MD" || arg == "-MMD":
			c.GeneratingDependencies = true
			c.CppArgs = append(c.CppArgs, arg)
			i++
			continue
		case arg == "-M" || arg == "-MM":
			return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errTooHardDirect(arg)).WithDisable(cacheerr.DisableDirectMode)
		case arg == "-P":
			c.RunSecondCpp = true
			c.CppArgs = append(c.CppArgs, arg)
			i++
			continue
		case arg == "-fmodules":
			c.ModulesRequested = true
			if !(opts.ModulesSloppy && opts.DependMode) {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errModulesUnsupported())
			}
			c.CommonArgs = append(c.CommonArgs, arg)
			i++
			continue
		case arg == "-fdirectives-only":
			c.DirectivesOnly = true
			c.CppArgs = append(c.CppArgs, arg)
			i++
			continue
		case arg == "-frewrite-includes":
			c.RewriteIncludes = true
			c.CppArgs = append(c.CppArgs, arg)
			i++
			continue
		case arg == "-frecord-gcc-switches":
			c.HashFullCommandLine = true
			c.CommonArgs = append(c.CommonArgs, arg)
			i++
			continue
		case arg == "-fprofile-abs-path":
			c.HashActualCWD = true
			c.CommonArgs = append(c.CommonArgs, arg)
			i++
			continue
		case arg == "-fprofile-arcs" || arg == "-ftest-coverage" || arg == "--coverage":
			c.RequestsCoverage = true
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		case arg == "-fstack-usage":
			c.RequestsStackUsage = true
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		case arg == "-gsplit-dwarf":
			c.RequestsSplitDwarf = true
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		case arg == "-c" || arg == "-S" || arg == "--analyze" || arg == "-fsyntax-only":
			c.actionSeen = true
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		case arg == "-Yu" || arg == "-Yc" || arg == "-include-pch" || arg == "-include-pth":
			if i+1 >= len(argv) && arg != "-Yu" && arg != "-Yc" {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			var pchArg string
			if i+1 < len(argv) {
				pchArg = argv[i+1]
				i++
			}
			if err := detectPCH(c, opts, pchArg); err != nil {
				return nil, err
			}
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		case strings.HasPrefix(arg, "-Fp"):
			pchArg := strings.TrimPrefix(arg, "-Fp")
			if err := detectPCH(c, opts, pchArg); err != nil {
				return nil, err
			}
			c.CompilerOnlyArgs = append(c.CompilerOnlyArgs, arg)
			i++
			continue
		}

		if isNoHash(arg) {
			c.CompilerOnlyArgsNoHash = append(c.CompilerOnlyArgsNoHash, arg)
			i++
			continue
		}

		entry, known := lookup(arg)
		if known {
			if entry.kind&tooHard != 0 {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errTooHard(arg))
			}
			if entry.kind&tooHardDirect != 0 {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errTooHardDirect(arg)).WithDisable(cacheerr.DisableDirectMode)
			}
			var bucket *[]string
			switch {
			case entry.kind&affectsCPP != 0:
				bucket = &c.CppArgs
			case entry.kind&affectsComp != 0:
				bucket = &c.CompilerOnlyArgs
			default:
				bucket = &c.CommonArgs
			}
			if entry.kind&takesArg != 0 && !entry.prefix {
				if i+1 >= len(argv) {
					return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
				}
				*bucket = append(*bucket, arg, argv[i+1])
				i += 2
				continue
			}
			*bucket = append(*bucket, arg)
			i++
			continue
		}

		if !strings.HasPrefix(arg, "-") && !strings.HasPrefix(arg, "/") {
			if info, ok := opts.stat(arg); ok && (isRegularOrDevNull(arg, info)) {
				if c.InputFile != "" {
					return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMultipleInputs())
				}
				c.InputFile = arg
				i++
				continue
			}
		}
		if isDevNull(arg) {
			if c.InputFile != "" {
				return nil, cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMultipleInputs())
			}
			c.InputFile = arg
			i++
			continue
		}

		// Unknown argument: default to common_args, does not disable caching.
		c.CommonArgs = append(c.CommonArgs, arg)
		i++
	}

	if c.Language == "" {
		c.Language = languageForPath(c.InputFile)
	}
	if c.InputFile == "" {
		return nil, cacheerr.New(cacheerr.KindUnsupportedLanguage, "classify", errNoInputFile())
	}
	if c.Language == "" {
		return nil, cacheerr.New(cacheerr.KindUnsupportedLanguage, "classify", errUnknownLanguage(c.InputFile))
	}

	return c, nil
}

func classifyWp(c *Classification, arg string, sawWpComma *bool) error {
	body := strings.TrimPrefix(arg, "-Wp,")
	parts := strings.Split(body, ",")
	i := 0
	for i < len(parts) {
		p := parts[i]
		switch {
		case p == "-MD" || p == "-MMD":
			if i+1 >= len(parts) {
				return cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			if c.DependencyFile != "" {
				return cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errDuplicateDepFile())
			}
			c.DependencyFile = parts[i+1]
			c.GeneratingDependencies = true
			i += 2
			continue
		case p == "-MF":
			if i+1 >= len(parts) {
				return cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMissingArg(arg))
			}
			c.DependencyFile = parts[i+1]
			i += 2
			continue
		case strings.HasPrefix(p, "-D") || strings.HasPrefix(p, "-U"):
			i++
			continue
		case p == "-MP":
			i++
			continue
		case p == "-P":
			c.RunSecondCpp = true
			i++
			continue
		case len(p) > 1 && p[0] == '-' && p[1] == 'M':
			i++
			continue
		default:
			if *sawWpComma {
				return cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errTooHard(arg)).WithDisable(cacheerr.DisableDirectMode)
			}
			*sawWpComma = true
			i++
			continue
		}
	}
	c.CppArgs = append(c.CppArgs, arg)
	return nil
}

func detectPCH(c *Classification, opts Options, named string) error {
	if named == "" {
		return nil
	}
	candidates := []string{named + ".pch", named + ".gch", named + ".pth", named}
	for _, cand := range candidates {
		if _, ok := opts.stat(cand); ok {
			if c.PrecompiledHeaderInUse != "" && c.PrecompiledHeaderInUse != cand {
				return cacheerr.New(cacheerr.KindUnsupportedOption, "classify", errMultiplePCH())
			}
			c.PrecompiledHeaderInUse = cand
			return nil
		}
	}
	return nil
}

func isDevNull(arg string) bool {
	return arg == "/dev/null" || arg == "NUL" || arg == "nul"
}

func isRegularOrDevNull(arg string, info os.FileInfo) bool {
	if isDevNull(arg) {
		return true
	}
	return info.Mode().IsRegular()
}

func languageForPath(path string) string {
	for ext, lang := range extensionLanguage {
		if strings.HasSuffix(path, ext) {
			return lang
		}
	}
	return ""
}

// PreprocessedExtension returns the extension of the preprocessor output
// for the given language tag.
func PreprocessedExtension(language string) (string, bool) {
	ext, ok := preprocessedExtension[language]
	return ext, ok
}

// makefileEscape shell/Makefile-escapes a -MQ target per Makefile rules:
// space, '$', and '#' are backslash- or dollar-escaped.
func makefileEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case ' ', '#':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '$':
			b.WriteString("$$")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
