// Command gocache is a compiler-output cache: invoked either as a
// compiler wrapper (gocache <compiler> <args...>, the hot path run once
// per translation unit) or as an administrative tool (gocache stats,
// gocache config show, gocache cleanup, ...).
//
// A single urfave/cli/v2 App carries the administrative surface; the
// wrapper hot path is dispatched before the cli.App is ever built: a
// compiler invocation must not pay urfave/cli's flag-parsing overhead
// or misinterpret compiler flags as gocache subcommand flags.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	"github.com/standardbeagle/goccache/internal/classifier"
	"github.com/standardbeagle/goccache/internal/cleanup"
	"github.com/standardbeagle/goccache/internal/config"
	"github.com/standardbeagle/goccache/internal/digest"
	"github.com/standardbeagle/goccache/internal/engine"
	"github.com/standardbeagle/goccache/internal/inodecache"
	"github.com/standardbeagle/goccache/internal/pathnorm"
	"github.com/standardbeagle/goccache/internal/stats"
	"github.com/standardbeagle/goccache/internal/storage"
	"github.com/standardbeagle/goccache/internal/version"
)

// adminSubcommands are the names dispatched to the cli.App instead of
// treated as a compiler path. Anything else in argv[1] is assumed to be
// a compiler to invoke (ccache's own "is this a known option or a
// compiler" dispatch rule).
var adminSubcommands = map[string]bool{
	"stats":   true,
	"config":  true,
	"cleanup": true,
	"clear":   true,
	"debug":   true,
	"help":    true,
	"version": true,
}

func main() {
	if len(os.Args) > 1 && !adminSubcommands[os.Args[1]] && !isGlobalFlag(os.Args[1]) {
		runCompilerWrapper(stripCcacheFlags(os.Args[1:]))
		return
	}

	app := buildApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "gocache:", err)
		os.Exit(1)
	}
}

func isGlobalFlag(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "-v" || arg == "--version"
}

// stripCcacheFlags removes gocache's own leading flags from a compiler
// invocation before classification: "--ccache-skip" passes its following
// argument through unclassified (as a plain compiler argument, not a
// gocache flag), and any other "--ccache-*" token is for internal use
// and never forwarded to the real compiler.
func stripCcacheFlags(argv []string) []string {
	out := make([]string, 0, len(argv))
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "--ccache-skip":
			if i+1 < len(argv) {
				i++
				out = append(out, argv[i])
			}
		case strings.HasPrefix(arg, "--ccache-"):
			// internal use only; stripped before forwarding.
		default:
			out = append(out, arg)
		}
	}
	return out
}

// runCompilerWrapper is the hot path: classify, load config, build the
// Engine's collaborators, run the Phase 0-6 pipeline, and exit with
// whatever status the real compiler (or a cache hit) produced.
func runCompilerWrapper(argv []string) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gocache:", err)
		os.Exit(2)
	}

	e, closeFn, err := buildEngine(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "gocache:", err)
		os.Exit(2)
	}
	defer closeFn()

	out, runErr := e.Run(argv)

	if path := statsFilePath(cfg); path != "" {
		if err := e.Stats.SaveFile(path); err != nil {
			fmt.Fprintln(os.Stderr, "gocache: saving stats:", err)
		}
	}

	if runErr != nil {
		fmt.Fprintln(os.Stderr, "gocache:", runErr)
		os.Exit(2)
	}
	os.Exit(out.ExitCode)
}

// statsFilePath is the per-cache-directory counter file each invocation
// loads before running and saves back after, the only state that survives
// across the otherwise stateless per-process gocache invocation.
func statsFilePath(cfg *config.Config) string {
	if cfg.CacheDir == "" {
		return ""
	}
	return filepath.Join(cfg.CacheDir, "stats")
}

// printConfig renders cfg in the requested format: table (the default),
// kdl, json or toml.
func printConfig(cfg *config.Config, format string) error {
	switch format {
	case "", "table":
		fmt.Printf("%+v\n", cfg)
	case "kdl":
		fmt.Print(config.RenderKDL(cfg))
	case "json":
		b, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
	case "toml":
		b, err := toml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(b))
	default:
		return fmt.Errorf("unknown format %q (want table, kdl, json, or toml)", format)
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd, os.Getenv)
	if err != nil {
		return nil, err
	}
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildEngine wires internal/config's resolved Config into the
// Decision Engine's collaborators: the sharded storage backend, the
// optional inode cache, the stats shard, and the path normalizer.
func buildEngine(cfg *config.Config) (*engine.Engine, func(), error) {
	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		return nil, nil, fmt.Errorf("cache_dir is not configured")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating cache_dir: %w", err)
	}

	backend := storage.NewLocal(cacheDir, 2)

	var inode *inodecache.Cache
	closeFn := func() {}
	if cfg.InodeCache && inodecache.Available(cacheDir) {
		c, err := inodecache.Open(filepath.Join(cacheDir, "inode-cache.bin"), inodecache.Options{})
		if err == nil {
			inode = c
			closeFn = func() { c.Close() }
		}
	}

	st := stats.NewShard()
	if path := statsFilePath(cfg); path != "" {
		if err := st.LoadFile(path); err != nil {
			return nil, nil, fmt.Errorf("loading stats: %w", err)
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, nil, err
	}
	norm := pathnorm.New(cfg.BaseDir, cwd, cwd)

	eng := engine.New(engineConfig(cfg), backend, inode, st, norm)
	if len(cfg.IgnoreHeadersInManifest) > 0 {
		eng.IgnoreHeaders = config.NewPatternSet(cfg.IgnoreHeadersInManifest)
	}
	return eng, closeFn, nil
}

// engineConfig narrows internal/config.Config down to the fields
// internal/engine consults directly, unpacking the sloppiness set into
// the individual booleans the engine's phases gate on.
func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		BaseDir:              cfg.BaseDir,
		Namespace:            cfg.Namespace,
		CompilerCheck:        cfg.CompilerCheck,
		HashDir:              cfg.HashDir,
		RunSecondCpp:         cfg.RunSecondCpp,
		DependMode:           cfg.DependMode,
		DirectMode:           cfg.DirectMode,
		ReadOnly:             cfg.ReadOnly,
		ReadOnlyDirect:       cfg.ReadOnlyDirect,
		Disable:              cfg.Disable,
		ModulesSloppy:        cfg.Sloppiness["modules"],
		TimeMacroSloppy:      cfg.Sloppiness["time_macros"],
		FileStatMatches:      cfg.Sloppiness["file_stat_matches"],
		FileStatMatchesCtime: cfg.Sloppiness["file_stat_matches_ctime"],
		RandomSeedSloppy:     cfg.Sloppiness["random_seed"],
		GccoCwdSloppy:        cfg.Sloppiness["gcno_cwd"],
		MsvcDepPrefix:        cfg.MsvcDepPrefix,
		ExtraFilesToHash:     cfg.ExtraFilesToHash,
		MaxSize:              cfg.MaxSize,
		MaxFiles:             cfg.MaxFiles,
	}
}

func buildApp() *cli.App {
	return &cli.App{
		Name:    "gocache",
		Usage:   "compiler output cache",
		Version: version.Version,
		Commands: []*cli.Command{
			statsCommand(),
			configCommand(),
			cleanupCommand(),
			clearCommand(),
			debugCommand(),
			{
				Name:  "version",
				Usage: "print version information",
				Action: func(c *cli.Context) error {
					fmt.Println(version.FullInfo())
					return nil
				},
			},
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "show cache statistics",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "zero", Usage: "zero all counters after printing"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			path := statsFilePath(cfg)
			if path == "" {
				return fmt.Errorf("cache_dir is not configured")
			}
			st := stats.NewShard()
			if err := st.LoadFile(path); err != nil {
				return err
			}
			snap := st.Snapshot()
			names := make([]string, 0, len(snap))
			for n := range snap {
				names = append(names, n)
			}
			sort.Strings(names)
			for _, n := range names {
				fmt.Printf("%-32s %d\n", n, snap[n])
			}
			if c.Bool("zero") {
				st.Reset()
				if err := st.SaveFile(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "show or validate configuration",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "print the resolved configuration",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "format", Aliases: []string{"f"}, Usage: "output format: table, kdl, json, toml", Value: "table"},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					return printConfig(cfg, c.String("format"))
				},
			},
			{
				Name:  "init",
				Usage: "write a config file populated with the built-in defaults",
				Action: func(c *cli.Context) error {
					home, err := os.UserHomeDir()
					if err != nil {
						return err
					}
					dir := filepath.Join(home, ".config", "ccache")
					if err := os.MkdirAll(dir, 0o755); err != nil {
						return err
					}
					path := filepath.Join(dir, "ccache.conf")
					if _, err := os.Stat(path); err == nil {
						return fmt.Errorf("%s already exists", path)
					}
					cfg := config.Default()
					if err := os.WriteFile(path, []byte(config.RenderKDL(cfg)), 0o644); err != nil {
						return err
					}
					fmt.Println("wrote", path)
					return nil
				},
			},
			{
				Name: "validate",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig()
					if err != nil {
						return err
					}
					fmt.Println("config OK:", cfg.CacheDir)
					return nil
				},
			},
		},
	}
}

func cleanupCommand() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "evict cache entries over the configured size/file limits",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.CacheDir == "" {
				return fmt.Errorf("cache_dir is not configured")
			}
			const shardNibbles = 2
			const shardCount = 1 << (4 * shardNibbles)
			limits := cleanup.Limits{
				MaxSize:    cfg.MaxSize,
				MaxFiles:   cfg.MaxFiles,
				ShardCount: shardCount,
				Multiplier: 0.8,
			}
			entries, err := os.ReadDir(cfg.CacheDir)
			if err != nil {
				return err
			}
			for _, ent := range entries {
				if !ent.IsDir() {
					continue
				}
				if err := cleanup.SweepShard(filepath.Join(cfg.CacheDir, ent.Name()), limits); err != nil {
					return err
				}
			}

			if path := statsFilePath(cfg); path != "" {
				st := stats.NewShard()
				if err := st.LoadFile(path); err != nil {
					return err
				}
				st.Bump(stats.CleanupsPerformed, 1)
				if err := st.SaveFile(path); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func clearCommand() *cli.Command {
	return &cli.Command{
		Name:  "clear",
		Usage: "remove the entire cache directory",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.CacheDir == "" {
				return fmt.Errorf("cache_dir is not configured")
			}
			entries, err := os.ReadDir(cfg.CacheDir)
			if err != nil {
				return err
			}
			for _, ent := range entries {
				if err := os.RemoveAll(filepath.Join(cfg.CacheDir, ent.Name())); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func debugCommand() *cli.Command {
	return &cli.Command{
		Name:  "debug",
		Usage: "low-level diagnostics",
		Subcommands: []*cli.Command{
			{
				Name:      "hash-file",
				Usage:     "print the content digest of a file",
				ArgsUsage: "<path>",
				Action: func(c *cli.Context) error {
					if c.Args().Len() != 1 {
						return fmt.Errorf("usage: gocache debug hash-file <path>")
					}
					d, err := digest.HashFile(c.Args().First())
					if err != nil {
						return err
					}
					fmt.Println(d.String())
					return nil
				},
			},
			{
				Name:      "classify",
				Usage:     "print how a compiler invocation would be classified",
				ArgsUsage: "<compiler> [args...]",
				Action: func(c *cli.Context) error {
					argv := c.Args().Slice()
					if len(argv) == 0 {
						return fmt.Errorf("usage: gocache debug classify <compiler> [args...]")
					}
					class, err := classifier.Classify(argv[1:], classifier.Options{})
					if err != nil {
						return err
					}
					fmt.Printf("%+v\n", class)
					return nil
				},
			},
		},
	}
}
