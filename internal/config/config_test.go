package config

import "testing"

func TestParseKDLOverridesDefaults(t *testing.T) {
	cfg, err := parseKDL(`
max_size "2GB"
compiler_check "content"
direct_mode false
sloppiness "time_macros" "system_headers"
ignore_headers_in_manifest "/usr/include/*"
`)
	if err != nil {
		t.Fatalf("parseKDL: %v", err)
	}
	if cfg.MaxSize != 2*1024*1024*1024 {
		t.Fatalf("MaxSize = %d, want 2GB", cfg.MaxSize)
	}
	if cfg.CompilerCheck != "content" {
		t.Fatalf("CompilerCheck = %q", cfg.CompilerCheck)
	}
	if cfg.DirectMode {
		t.Fatal("expected direct_mode false to override the default")
	}
	if !cfg.Sloppiness["time_macros"] || !cfg.Sloppiness["system_headers"] {
		t.Fatalf("sloppiness not parsed: %+v", cfg.Sloppiness)
	}
	if len(cfg.IgnoreHeadersInManifest) != 1 || cfg.IgnoreHeadersInManifest[0] != "/usr/include/*" {
		t.Fatalf("ignore_headers_in_manifest not parsed: %+v", cfg.IgnoreHeadersInManifest)
	}
}

func TestParseKDLUnknownSloppinessRejected(t *testing.T) {
	_, err := parseKDL(`sloppiness "not_a_real_token"`)
	if err == nil {
		t.Fatal("expected an error for an unknown sloppiness token")
	}
}

func TestApplyEnvOverridesFile(t *testing.T) {
	cfg := Default()
	cfg.CompilerCheck = "mtime"

	env := map[string]string{
		"CCACHE_COMPILERCHECK": "content",
		"CCACHE_MAXSIZE":       "10M",
		"CCACHE_NODIRECT":      "1",
	}
	getenv := func(k string) string { return env[k] }

	if err := applyEnv(cfg, getenv); err != nil {
		t.Fatalf("applyEnv: %v", err)
	}
	if cfg.CompilerCheck != "content" {
		t.Fatalf("CompilerCheck = %q, want content", cfg.CompilerCheck)
	}
	if cfg.MaxSize != 10*1024*1024 {
		t.Fatalf("MaxSize = %d, want 10MB", cfg.MaxSize)
	}
	if cfg.DirectMode {
		t.Fatal("expected CCACHE_NODIRECT=1 to disable direct mode")
	}
}

func TestApplyEnvInvalidBoolRejected(t *testing.T) {
	cfg := Default()
	getenv := func(k string) string {
		if k == "CCACHE_DEBUG" {
			return "maybe"
		}
		return ""
	}
	if err := applyEnv(cfg, getenv); err == nil {
		t.Fatal("expected an error for an invalid boolean environment value")
	}
}

func TestApplyEnvRejectsFalseLiteralsAsInvalid(t *testing.T) {
	for _, v := range []string{"false", "no", "0", "disable"} {
		cfg := Default()
		getenv := func(k string) string {
			if k == "CCACHE_DIRECT" {
				return v
			}
			return ""
		}
		if err := applyEnv(cfg, getenv); err == nil {
			t.Fatalf("CCACHE_DIRECT=%q: expected an error, not a silent false", v)
		}
	}
}

func TestMergeConfigsOverlaysNonZeroFields(t *testing.T) {
	base := Default()
	base.Namespace = "keep-me"

	override := Default()
	override.MaxSize = 7 * 1024 * 1024
	override.Namespace = ""

	mergeConfigs(base, override)

	if base.MaxSize != 7*1024*1024 {
		t.Fatalf("MaxSize = %d, want override applied", base.MaxSize)
	}
	if base.Namespace != "keep-me" {
		t.Fatalf("Namespace = %q, want untouched since override left it empty", base.Namespace)
	}
}
