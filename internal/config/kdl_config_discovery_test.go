package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigPathsHonorsConfigpathOverride(t *testing.T) {
	env := map[string]string{"CCACHE_CONFIGPATH": "/tmp/explicit.conf"}
	getenv := func(k string) string { return env[k] }

	sysPath, userPath := resolveConfigPaths(getenv)
	if sysPath != "" {
		t.Fatalf("expected no system path when CCACHE_CONFIGPATH is set, got %q", sysPath)
	}
	if userPath != "/tmp/explicit.conf" {
		t.Fatalf("userPath = %q, want /tmp/explicit.conf", userPath)
	}
}

func TestResolveConfigPathsUsesCcacheDir(t *testing.T) {
	env := map[string]string{"CCACHE_DIR": "/var/cache/gocache"}
	getenv := func(k string) string { return env[k] }

	_, userPath := resolveConfigPaths(getenv)
	want := filepath.Join("/var/cache/gocache", "ccache.conf")
	if userPath != want {
		t.Fatalf("userPath = %q, want %q", userPath, want)
	}
}

func TestLoadKDLLayersSystemThenUser(t *testing.T) {
	dir := t.TempDir()
	sysPath := filepath.Join(dir, "system.conf")
	userDir := filepath.Join(dir, "user")
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		t.Fatal(err)
	}
	userPath := filepath.Join(userDir, configFileName)

	if err := os.WriteFile(sysPath, []byte("direct_mode false\nmax_size \"1G\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(userPath, []byte("max_size \"2G\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	env := map[string]string{
		"CCACHE_CONFIGPATH2": sysPath,
		"CCACHE_DIR":         userDir,
	}
	getenv := func(k string) string { return env[k] }

	cfg, err := LoadKDL(getenv)
	if err != nil {
		t.Fatalf("LoadKDL: %v", err)
	}
	if cfg.DirectMode {
		t.Fatal("expected system config's direct_mode false to survive layering")
	}
	if cfg.MaxSize != 2*1024*1024*1024 {
		t.Fatalf("MaxSize = %d, want user config's 2GB to win", cfg.MaxSize)
	}
}

func TestLoadKDLMissingFilesAreNotErrors(t *testing.T) {
	env := map[string]string{"CCACHE_DIR": t.TempDir()}
	getenv := func(k string) string { return env[k] }

	cfg, err := LoadKDL(getenv)
	if err != nil {
		t.Fatalf("LoadKDL: %v", err)
	}
	if cfg.MaxSize != Default().MaxSize {
		t.Fatalf("expected defaults when no config file exists, got MaxSize=%d", cfg.MaxSize)
	}
}
