package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	kdl "github.com/sblinch/kdl-go"
	"github.com/sblinch/kdl-go/document"
)

// configFileName is the config file name the cache looks for, in the
// teacher's KDL dialect rather than ccache's ini-style key=value format.
const configFileName = "ccache.conf"

// defaultSystemConfigPath is consulted when CCACHE_CONFIGPATH2 is unset,
// mirroring upstream ccache's sysconfdir/ccache.conf.
const defaultSystemConfigPath = "/etc/ccache.conf"

// resolveConfigPaths mirrors upstream ccache's Config::read(): when
// CCACHE_CONFIGPATH is set it names the sole config file and there is no
// separate system file; otherwise a system-wide file is read first
// (missing is fine), followed by a per-user file under CCACHE_DIR (or,
// absent that, XDG_CONFIG_HOME, or $HOME/.config/ccache).
func resolveConfigPaths(getenv func(string) string) (systemPath, userPath string) {
	if p := getenv("CCACHE_CONFIGPATH"); p != "" {
		return "", p
	}

	systemPath = getenv("CCACHE_CONFIGPATH2")
	if systemPath == "" {
		systemPath = defaultSystemConfigPath
	}

	configDir := getenv("CCACHE_DIR")
	if configDir == "" {
		if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
			configDir = filepath.Join(xdg, "ccache")
		} else if home, _ := os.UserHomeDir(); home != "" {
			configDir = filepath.Join(home, ".config", "ccache")
		}
	}
	if configDir != "" {
		userPath = filepath.Join(configDir, configFileName)
	}
	return systemPath, userPath
}

// LoadKDL resolves and reads the system and user config files (in that
// order, a missing file at either location is not an error) and returns
// the fully merged Config. A config file only needs to mention the keys
// it wants to change from Default().
func LoadKDL(getenv func(string) string) (*Config, error) {
	cfg := Default()

	systemPath, userPath := resolveConfigPaths(getenv)
	for _, path := range []string{systemPath, userPath} {
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if err := parseKDLInto(cfg, string(content)); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	return cfg, nil
}

// RenderKDL writes a Config's non-default-ish settings out as a KDL
// document, for `gocache config init` to seed a fresh config file with.
func RenderKDL(cfg *Config) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cache_dir %q\n", cfg.CacheDir)
	fmt.Fprintf(&b, "max_size %q\n", formatSize(cfg.MaxSize))
	fmt.Fprintf(&b, "compiler_check %q\n", cfg.CompilerCheck)
	fmt.Fprintf(&b, "direct_mode %v\n", cfg.DirectMode)
	fmt.Fprintf(&b, "hash_dir %v\n", cfg.HashDir)
	fmt.Fprintf(&b, "run_second_cpp %v\n", cfg.RunSecondCpp)
	fmt.Fprintf(&b, "inode_cache %v\n", cfg.InodeCache)
	fmt.Fprintf(&b, "stats %v\n", cfg.Stats)
	return b.String()
}

func formatSize(n int64) string {
	const gb = 1024 * 1024 * 1024
	if n%gb == 0 {
		return fmt.Sprintf("%dG", n/gb)
	}
	const mb = 1024 * 1024
	if n%mb == 0 {
		return fmt.Sprintf("%dM", n/mb)
	}
	return fmt.Sprintf("%dB", n)
}

// parseKDL parses a KDL document into a fresh Config, starting from
// Default() so a config file only needs to mention the keys it wants to
// override. Used directly by tests exercising the node grammar in
// isolation; LoadKDL uses parseKDLInto to layer system and user files
// onto one accumulating Config instead.
func parseKDL(content string) (*Config, error) {
	cfg := Default()
	if err := parseKDLInto(cfg, content); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseKDLInto applies a KDL document's nodes onto an existing Config in
// place, so layering a second file over the first only changes the keys
// the second file actually mentions.
func parseKDLInto(cfg *Config, content string) error {
	doc, err := kdl.Parse(strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("failed to parse KDL config: %w", err)
	}

	for _, n := range doc.Nodes {
		name := nodeName(n)
		switch name {
		case "base_dir":
			assignSimpleString(n, "base_dir", func(v string) { cfg.BaseDir = v })
		case "cache_dir":
			if v, ok := firstStringArg(n); ok {
				cfg.CacheDir = v
			}
		case "compiler":
			if v, ok := firstStringArg(n); ok {
				cfg.Compiler = v
			}
		case "compiler_check":
			if v, ok := firstStringArg(n); ok {
				cfg.CompilerCheck = v
			}
		case "compiler_type":
			if v, ok := firstStringArg(n); ok {
				cfg.CompilerType = v
			}
		case "compression":
			if b, ok := firstBoolArg(n); ok {
				cfg.Compression = b
			}
		case "compression_level":
			if v, ok := firstIntArg(n); ok {
				cfg.CompressionLevel = v
			}
		case "cpp_extension":
			if v, ok := firstStringArg(n); ok {
				cfg.CppExtension = v
			}
		case "debug":
			if b, ok := firstBoolArg(n); ok {
				cfg.Debug = b
			}
		case "debug_dir":
			if v, ok := firstStringArg(n); ok {
				cfg.DebugDir = v
			}
		case "debug_level":
			if v, ok := firstIntArg(n); ok {
				cfg.DebugLevel = v
			}
		case "depend_mode":
			if b, ok := firstBoolArg(n); ok {
				cfg.DependMode = b
			}
		case "direct_mode":
			if b, ok := firstBoolArg(n); ok {
				cfg.DirectMode = b
			}
		case "disable":
			if b, ok := firstBoolArg(n); ok {
				cfg.Disable = b
			}
		case "extra_files_to_hash":
			cfg.ExtraFilesToHash = collectPathListArg(n)
		case "file_clone":
			if b, ok := firstBoolArg(n); ok {
				cfg.FileClone = b
			}
		case "hard_link":
			if b, ok := firstBoolArg(n); ok {
				cfg.HardLink = b
			}
		case "hash_dir":
			if b, ok := firstBoolArg(n); ok {
				cfg.HashDir = b
			}
		case "ignore_headers_in_manifest":
			cfg.IgnoreHeadersInManifest = collectPathListArg(n)
		case "ignore_options":
			cfg.IgnoreOptions = collectStringArgs(n)
		case "inode_cache":
			if b, ok := firstBoolArg(n); ok {
				cfg.InodeCache = b
			}
		case "keep_comments_cpp":
			if b, ok := firstBoolArg(n); ok {
				cfg.KeepCommentsCpp = b
			}
		case "log_file":
			if v, ok := firstStringArg(n); ok {
				cfg.LogFile = v
			}
		case "max_files":
			if v, ok := firstIntArg(n); ok {
				cfg.MaxFiles = int64(v)
			}
		case "max_size":
			if v, ok := firstStringArg(n); ok {
				if sz, err := parseSize(v); err == nil {
					cfg.MaxSize = sz
				}
			} else if v, ok := firstIntArg(n); ok {
				cfg.MaxSize = int64(v)
			}
		case "msvc_dep_prefix":
			if v, ok := firstStringArg(n); ok {
				cfg.MsvcDepPrefix = v
			}
		case "namespace":
			if v, ok := firstStringArg(n); ok {
				cfg.Namespace = v
			}
		case "path":
			if v, ok := firstStringArg(n); ok {
				cfg.Path = v
			}
		case "pch_external_checksum":
			if b, ok := firstBoolArg(n); ok {
				cfg.PchExternalChecksum = b
			}
		case "prefix_command":
			cfg.PrefixCommand = collectStringArgs(n)
		case "prefix_command_cpp":
			cfg.PrefixCommandCpp = collectStringArgs(n)
		case "read_only":
			if b, ok := firstBoolArg(n); ok {
				cfg.ReadOnly = b
			}
		case "read_only_direct":
			if b, ok := firstBoolArg(n); ok {
				cfg.ReadOnlyDirect = b
			}
		case "recache":
			if b, ok := firstBoolArg(n); ok {
				cfg.Recache = b
			}
		case "remote_only":
			if b, ok := firstBoolArg(n); ok {
				cfg.RemoteOnly = b
			}
		case "remote_storage":
			if v, ok := firstStringArg(n); ok {
				cfg.RemoteStorage = v
			}
		case "reshare":
			if b, ok := firstBoolArg(n); ok {
				cfg.Reshare = b
			}
		case "run_second_cpp":
			if b, ok := firstBoolArg(n); ok {
				cfg.RunSecondCpp = b
			}
		case "sloppiness":
			for _, tok := range collectStringArgs(n) {
				if !knownSloppiness[tok] {
					return fmt.Errorf("sloppiness: unknown token %q", tok)
				}
				cfg.Sloppiness[tok] = true
			}
		case "stats":
			if b, ok := firstBoolArg(n); ok {
				cfg.Stats = b
			}
		case "stats_log":
			if v, ok := firstStringArg(n); ok {
				cfg.StatsLog = v
			}
		case "temporary_dir":
			if v, ok := firstStringArg(n); ok {
				cfg.TemporaryDir = v
			}
		case "umask":
			if v, ok := firstStringArg(n); ok {
				cfg.Umask = v
			}
		}
	}

	return nil
}

// collectPathListArg reads a node's arguments (or block children, for
// multi-line lists) as a list of filesystem paths.
func collectPathListArg(n *document.Node) []string {
	return collectStringArgs(n)
}

func nodeName(n *document.Node) string {
	if n == nil || n.Name == nil {
		return ""
	}
	return n.Name.NodeNameString()
}

func firstIntArg(n *document.Node) (int, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func firstStringArg(n *document.Node) (string, bool) {
	if len(n.Arguments) == 0 {
		return "", false
	}
	if s, ok := n.Arguments[0].Value.(string); ok {
		return s, true
	}
	return "", false
}

func firstBoolArg(n *document.Node) (bool, bool) {
	if len(n.Arguments) == 0 {
		return false, false
	}
	if b, ok := n.Arguments[0].Value.(bool); ok {
		return b, true
	}
	return false, false
}

func firstFloatArg(n *document.Node) (float64, bool) {
	if len(n.Arguments) == 0 {
		return 0, false
	}
	switch v := n.Arguments[0].Value.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	default:
		log.Printf("WARNING: invalid float value for '%s' in KDL config, expected number but got %T", nodeName(n), n.Arguments[0].Value)
		return 0, false
	}
}

func collectStringArgs(n *document.Node) []string {
	if n == nil {
		return nil
	}
	out := make([]string, 0, len(n.Arguments))
	for _, a := range n.Arguments {
		if s, ok := a.Value.(string); ok {
			out = append(out, s)
		}
	}

	if len(out) == 0 && len(n.Children) > 0 {
		out = make([]string, 0, len(n.Children))
		for _, cn := range n.Children {
			out = append(out, nodeName(cn))
		}
	}

	return out
}

func assignSimpleString(n *document.Node, target string, set func(string)) {
	if nodeName(n) == target {
		if s, ok := firstStringArg(n); ok {
			set(s)
		}
	}
}

// parseSize handles size strings like "10M", "500K", "1G" the same way
// ccache's own max_size config value does, plus the "MB"/"KB"/"GB"
// spellings some config files use.
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "B"):
		multiplier = 1
		numStr = strings.TrimSuffix(s, "B")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return num * multiplier, nil
}
