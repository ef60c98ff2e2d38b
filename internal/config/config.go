// Package config loads the cache's KDL configuration file and overlays
// the CCACHE_<KEY> environment variables on top of it, mirroring the
// config/environment precedence rules: compiler flags not applicable
// here, config file, then environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds every configuration key the cache-decision engine reads,
// named after the key as it appears in the KDL file and as CCACHE_<KEY>
// in the environment (uppercased; most keys drop their underscores, as in
// CCACHE_BASEDIR, while a few keep them, as in CCACHE_REMOTE_STORAGE).
type Config struct {
	BaseDir                 string
	CacheDir                string
	Compiler                string
	CompilerCheck           string
	CompilerType            string
	Compression             bool
	CompressionLevel        int
	CppExtension            string
	Debug                   bool
	DebugDir                string
	DebugLevel              int
	DependMode              bool
	DirectMode              bool
	Disable                 bool
	ExtraFilesToHash        []string
	FileClone               bool
	HardLink                bool
	HashDir                 bool
	IgnoreHeadersInManifest []string
	IgnoreOptions           []string
	InodeCache              bool
	KeepCommentsCpp         bool
	LogFile                 string
	MaxFiles                int64
	MaxSize                 int64
	MsvcDepPrefix           string
	Namespace               string
	Path                    string
	PchExternalChecksum     bool
	PrefixCommand           []string
	PrefixCommandCpp        []string
	ReadOnly                bool
	ReadOnlyDirect          bool
	Recache                 bool
	RemoteOnly              bool
	RemoteStorage           string
	Reshare                 bool
	RunSecondCpp            bool
	Sloppiness              map[string]bool
	Stats                   bool
	StatsLog                string
	TemporaryDir            string
	Umask                   string
}

// knownSloppiness is the set of sloppiness tokens the engine understands.
// An unrecognized token in the "sloppiness" key is a config error, not a
// silent no-op, so callers can catch typos early.
var knownSloppiness = map[string]bool{
	"clang_index_store":       true,
	"file_stat_matches":       true,
	"file_stat_matches_ctime": true,
	"gcno_cwd":                true,
	"include_file_ctime":      true,
	"include_file_mtime":      true,
	"ivfsoverlay":             true,
	"locale":                  true,
	"modules":                 true,
	"pch_defines":             true,
	"random_seed":             true,
	"system_headers":          true,
	"time_macros":             true,
}

// Default returns the configuration the cache runs with when no config
// file and no environment variables are present.
func Default() *Config {
	home, _ := os.UserHomeDir()
	cacheDir := ""
	if home != "" {
		cacheDir = home + "/.cache/gocache"
	}
	return &Config{
		CacheDir:         cacheDir,
		CompilerCheck:    "mtime",
		CompressionLevel: 0,
		DirectMode:       true,
		FileClone:        false,
		HardLink:         false,
		HashDir:          true,
		InodeCache:       true,
		MaxFiles:         0,
		MaxSize:          5 * 1024 * 1024 * 1024,
		RunSecondCpp:     true,
		Sloppiness:       map[string]bool{},
		Stats:            true,
		Umask:            "",
	}
}

// envKey converts a config field name to its CCACHE_<KEY> environment
// variable name, e.g. "CompilerCheck" -> "CCACHE_COMPILERCHECK".
func envKey(field string) string {
	return "CCACHE_" + strings.ToUpper(field)
}

// applyEnv overlays CCACHE_<KEY> (and, for booleans, CCACHE_NO<KEY> to
// force-disable) on top of cfg, matching the environment override rules:
// an env var always wins over the config file.
func applyEnv(cfg *Config, getenv func(string) string) error {
	str := func(field string, dst *string) {
		if v, ok := lookupEnv(getenv, field); ok {
			*dst = v
		}
	}
	boolean := func(field string, dst *bool) error {
		if v, ok := lookupEnv(getenv, field); ok {
			b, err := parseEnvBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey(field), err)
			}
			*dst = b
			return nil
		}
		if _, ok := lookupEnv(getenv, "NO"+field); ok {
			*dst = false
		}
		return nil
	}
	intv := func(field string, dst *int) error {
		if v, ok := lookupEnv(getenv, field); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey(field), err)
			}
			*dst = n
		}
		return nil
	}
	size := func(field string, dst *int64) error {
		if v, ok := lookupEnv(getenv, field); ok {
			n, err := parseSize(v)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey(field), err)
			}
			*dst = n
		}
		return nil
	}
	list := func(field string, dst *[]string) {
		if v, ok := lookupEnv(getenv, field); ok {
			*dst = splitPathList(v)
		}
	}

	str("BASEDIR", &cfg.BaseDir)
	str("CACHEDIR", &cfg.CacheDir)
	str("COMPILER", &cfg.Compiler)
	str("COMPILERCHECK", &cfg.CompilerCheck)
	str("COMPILERTYPE", &cfg.CompilerType)
	str("CPPEXTENSION", &cfg.CppExtension)
	str("DEBUGDIR", &cfg.DebugDir)
	str("LOGFILE", &cfg.LogFile)
	str("MSVC_DEP_PREFIX", &cfg.MsvcDepPrefix)
	str("NAMESPACE", &cfg.Namespace)
	str("PATH", &cfg.Path)
	str("REMOTE_STORAGE", &cfg.RemoteStorage)
	str("STATSLOG", &cfg.StatsLog)
	str("TEMPDIR", &cfg.TemporaryDir)
	str("UMASK", &cfg.Umask)

	if err := boolean("COMPRESSION", &cfg.Compression); err != nil {
		return err
	}
	if err := boolean("DEBUG", &cfg.Debug); err != nil {
		return err
	}
	if err := boolean("DEPEND", &cfg.DependMode); err != nil {
		return err
	}
	if err := boolean("DIRECT", &cfg.DirectMode); err != nil {
		return err
	}
	if err := boolean("DISABLE", &cfg.Disable); err != nil {
		return err
	}
	if err := boolean("FILE_CLONE", &cfg.FileClone); err != nil {
		return err
	}
	if err := boolean("HARDLINK", &cfg.HardLink); err != nil {
		return err
	}
	if err := boolean("HASHDIR", &cfg.HashDir); err != nil {
		return err
	}
	if err := boolean("INODECACHE", &cfg.InodeCache); err != nil {
		return err
	}
	if err := boolean("COMMENTS", &cfg.KeepCommentsCpp); err != nil {
		return err
	}
	if err := boolean("PCH_EXTSUM", &cfg.PchExternalChecksum); err != nil {
		return err
	}
	if err := boolean("READONLY", &cfg.ReadOnly); err != nil {
		return err
	}
	if err := boolean("READONLY_DIRECT", &cfg.ReadOnlyDirect); err != nil {
		return err
	}
	if err := boolean("RECACHE", &cfg.Recache); err != nil {
		return err
	}
	if err := boolean("REMOTE_ONLY", &cfg.RemoteOnly); err != nil {
		return err
	}
	if err := boolean("RESHARE", &cfg.Reshare); err != nil {
		return err
	}
	if err := boolean("RUN_SECOND_CPP", &cfg.RunSecondCpp); err != nil {
		return err
	}
	if err := boolean("STATS", &cfg.Stats); err != nil {
		return err
	}

	if err := intv("COMPRESSIONLEVEL", &cfg.CompressionLevel); err != nil {
		return err
	}
	if err := intv("DEBUGLEVEL", &cfg.DebugLevel); err != nil {
		return err
	}
	if v, ok := lookupEnv(getenv, "MAXFILES"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", envKey("MAXFILES"), err)
		}
		cfg.MaxFiles = n
	}
	if err := size("MAXSIZE", &cfg.MaxSize); err != nil {
		return err
	}

	list("EXTRAFILES", &cfg.ExtraFilesToHash)
	list("IGNOREHEADERS", &cfg.IgnoreHeadersInManifest)
	list("IGNOREOPTIONS", &cfg.IgnoreOptions)
	list("PREFIX", &cfg.PrefixCommand)
	list("PREFIX_CPP", &cfg.PrefixCommandCpp)

	if v, ok := lookupEnv(getenv, "SLOPPINESS"); ok {
		parsed, err := parseSloppiness(v)
		if err != nil {
			return err
		}
		cfg.Sloppiness = parsed
	}

	return nil
}

func lookupEnv(getenv func(string) string, field string) (string, bool) {
	v := getenv(envKey(field))
	if v == "" {
		return "", false
	}
	return v, true
}

// parseEnvBool accepts only "true"/"yes"/"1" as a boolean env var value.
// "false"/"no"/"0"/"disable" are rejected outright rather than accepted as
// false: CCACHE_DISABLE=0 reads as "disable" to anyone skimming it, and a
// parser that quietly treated it as false would make that typo invisible.
// To turn a boolean off from the environment, set CCACHE_NO<KEY> instead.
func parseEnvBool(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0", "disable":
		return false, fmt.Errorf("invalid boolean value %q: use the CCACHE_NO<KEY> form to disable", v)
	default:
		return false, fmt.Errorf("invalid boolean value %q", v)
	}
}

func splitPathList(v string) []string {
	parts := strings.Split(v, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseSloppiness(v string) (map[string]bool, error) {
	out := map[string]bool{}
	for _, tok := range strings.Split(v, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if !knownSloppiness[tok] {
			return nil, fmt.Errorf("unknown sloppiness token %q", tok)
		}
		out[tok] = true
	}
	return out, nil
}

// Load resolves the effective configuration for a cache invocation
// rooted at baseDir: defaults, overlaid with the KDL config file (if
// one exists), overlaid with the environment.
func Load(baseDir string, getenv func(string) string) (*Config, error) {
	cfg := Default()
	cfg.BaseDir = baseDir

	fileCfg, err := LoadKDL(getenv)
	if err != nil {
		return nil, err
	}
	mergeConfigs(cfg, fileCfg)

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	return cfg, nil
}

// mergeConfigs overlays every non-zero field of override onto base, in
// the same field-by-field style as the KDL loader builds defaults
// before parsing: a config file only needs to mention the keys it
// wants to change.
func mergeConfigs(base, override *Config) {
	if override.BaseDir != "" {
		base.BaseDir = override.BaseDir
	}
	if override.CacheDir != "" {
		base.CacheDir = override.CacheDir
	}
	if override.Compiler != "" {
		base.Compiler = override.Compiler
	}
	if override.CompilerCheck != "" {
		base.CompilerCheck = override.CompilerCheck
	}
	if override.CompilerType != "" {
		base.CompilerType = override.CompilerType
	}
	if override.CppExtension != "" {
		base.CppExtension = override.CppExtension
	}
	if override.DebugDir != "" {
		base.DebugDir = override.DebugDir
	}
	if override.LogFile != "" {
		base.LogFile = override.LogFile
	}
	if override.MsvcDepPrefix != "" {
		base.MsvcDepPrefix = override.MsvcDepPrefix
	}
	if override.Namespace != "" {
		base.Namespace = override.Namespace
	}
	if override.Path != "" {
		base.Path = override.Path
	}
	if override.RemoteStorage != "" {
		base.RemoteStorage = override.RemoteStorage
	}
	if override.StatsLog != "" {
		base.StatsLog = override.StatsLog
	}
	if override.TemporaryDir != "" {
		base.TemporaryDir = override.TemporaryDir
	}
	if override.Umask != "" {
		base.Umask = override.Umask
	}
	if override.MaxFiles != 0 {
		base.MaxFiles = override.MaxFiles
	}
	if override.MaxSize != 0 {
		base.MaxSize = override.MaxSize
	}
	if override.CompressionLevel != 0 {
		base.CompressionLevel = override.CompressionLevel
	}
	if override.DebugLevel != 0 {
		base.DebugLevel = override.DebugLevel
	}
	if len(override.ExtraFilesToHash) > 0 {
		base.ExtraFilesToHash = override.ExtraFilesToHash
	}
	if len(override.IgnoreHeadersInManifest) > 0 {
		base.IgnoreHeadersInManifest = override.IgnoreHeadersInManifest
	}
	if len(override.IgnoreOptions) > 0 {
		base.IgnoreOptions = override.IgnoreOptions
	}
	if len(override.PrefixCommand) > 0 {
		base.PrefixCommand = override.PrefixCommand
	}
	if len(override.PrefixCommandCpp) > 0 {
		base.PrefixCommandCpp = override.PrefixCommandCpp
	}
	for k, v := range override.Sloppiness {
		base.Sloppiness[k] = v
	}

	// parseKDL builds override from the same defaults as base before
	// applying the file's nodes, so every boolean field already carries
	// the right value whether or not the file mentioned it.
	base.Compression = override.Compression
	base.Debug = override.Debug
	base.DependMode = override.DependMode
	base.DirectMode = override.DirectMode
	base.Disable = override.Disable
	base.FileClone = override.FileClone
	base.HardLink = override.HardLink
	base.HashDir = override.HashDir
	base.InodeCache = override.InodeCache
	base.KeepCommentsCpp = override.KeepCommentsCpp
	base.PchExternalChecksum = override.PchExternalChecksum
	base.ReadOnly = override.ReadOnly
	base.ReadOnlyDirect = override.ReadOnlyDirect
	base.Recache = override.Recache
	base.RemoteOnly = override.RemoteOnly
	base.Reshare = override.Reshare
	base.RunSecondCpp = override.RunSecondCpp
	base.Stats = override.Stats
}
