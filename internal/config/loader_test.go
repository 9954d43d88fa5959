package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :9999\nmodels_dir: /tmp\nmodel: tiny\ngamma: 3\nmax_queue_depth: 8\ncache_policy: reject\ncors:\n  enabled: true\n  origins: [\"*\"]\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.ModelsDir != "/tmp" || cfg.Model != "tiny" || cfg.Gamma != 3 ||
		cfg.MaxQueueDepth != 8 || cfg.CachePolicy != "reject" || !cfg.CORS.Enabled || cfg.CORS.Origins[0] != "*" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"addr":":7070","models_dir":"/m","max_batch_size":4,"draft":"none","log_level":"debug"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.ModelsDir != "/m" || cfg.MaxBatchSize != 4 || cfg.Draft != "none" || cfg.LogLevel != "debug" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "addr=\":8081\"\ncache_rows=4096\nmax_body_bytes=1024\n[cors]\nenabled=true\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.CacheRows != 4096 || cfg.MaxBodyBytes != 1024 || !cfg.CORS.Enabled {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load("/definitely/not/a/real/file-12345.yaml"); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	bad := map[string]string{
		"bad.yaml": "addr: :8080\n: broken\n",
		"bad.json": `{ "addr": ":8080", "models_dir": }`,
		"bad.toml": "addr=:8080\nmodels_dir\n",
	}
	for name, content := range bad {
		if _, err := Load(writeTempFile(t, d, name, content)); err == nil {
			t.Fatalf("%s: expected unmarshal error", name)
		}
	}
}

func TestWithDefaults(t *testing.T) {
	cfg := Config{CORS: CORS{Enabled: true}}.WithDefaults()
	if cfg.Addr != DefaultAddr || cfg.Gamma != DefaultGamma || cfg.CachePolicy != "hold" ||
		cfg.LogLevel != "info" || cfg.MaxBodyBytes != DefaultMaxBodyBytes || cfg.ModelsDir == "" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.CORS.Methods) == 0 {
		t.Fatalf("cors methods not defaulted")
	}
	kept := Config{Addr: ":1", Gamma: 2}.WithDefaults()
	if kept.Addr != ":1" || kept.Gamma != 2 {
		t.Fatalf("explicit values overwritten: %+v", kept)
	}
}

func TestEnvOverlay(t *testing.T) {
	d := t.TempDir()
	env := writeTempFile(t, d, "test.env", "INFERD_ADDR=:6060\nINFERD_MAX_BATCH_SIZE=3\n")
	t.Setenv("INFERD_ADDR", "")
	t.Setenv("INFERD_MAX_BATCH_SIZE", "")
	os.Unsetenv("INFERD_ADDR")
	os.Unsetenv("INFERD_MAX_BATCH_SIZE")
	if err := LoadEnv(env, filepath.Join(d, "missing.env")); err != nil {
		t.Fatalf("load env: %v", err)
	}
	cfg, err := ApplyEnv(Config{Addr: ":1", Model: "kept"})
	if err != nil {
		t.Fatalf("apply env: %v", err)
	}
	if cfg.Addr != ":6060" || cfg.MaxBatchSize != 3 || cfg.Model != "kept" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	t.Setenv("INFERD_GAMMA", "many")
	if _, err := ApplyEnv(Config{}); err == nil {
		t.Fatalf("expected error for non-numeric gamma")
	}
}

func TestResolveExplicitPath(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "c.yaml", "addr: :5\n")
	cfg, path, err := Resolve(p)
	if err != nil || path != p || cfg.Addr != ":5" {
		t.Fatalf("cfg %+v path %q err %v", cfg, path, err)
	}
}
