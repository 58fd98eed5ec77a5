package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputSpoolLines != DefaultOutputSpoolLines || cfg.SessionRestoreMode != RestoreSimple {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoad_ParsesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `shell: /bin/zsh
norc: true
env:
  TERM: ""
  EDITOR: vim
forward_env: [KUBECONFIG]
output_spool_lines: 42
session_restore_mode: lines
output_log: true
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Shell != "/bin/zsh" || !cfg.NoRC || !cfg.OutputLog {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if term, ok := cfg.Env["TERM"]; !ok || term != "" {
		t.Fatalf("expected explicit empty TERM, got %q %v", term, ok)
	}
	if cfg.OutputSpoolLines != 42 || cfg.SessionRestoreMode != RestoreLines {
		t.Fatalf("unexpected spool settings: %+v", cfg)
	}
	if len(cfg.ForwardEnv) != 1 || cfg.ForwardEnv[0] != "KUBECONFIG" {
		t.Fatalf("unexpected forward_env: %v", cfg.ForwardEnv)
	}
}

func TestLoad_RejectsUnknownRestoreMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("session_restore_mode: screen\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error")
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Shell = "/bin/sh"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Shell != "/bin/sh" {
		t.Fatalf("shell = %q", got.Shell)
	}
}

func TestDefaultSocketPath_UsesXDGRuntimeDir(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/shellpool/shellpool.socket" {
		t.Fatalf("DefaultSocketPath() = %q", got)
	}
}
