package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/antonkrylov/shellpool/internal/client"
	"github.com/antonkrylov/shellpool/internal/config"
)

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"loud":    slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLogLevel(in, false); got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
	if got := parseLogLevel("error", true); got != slog.LevelDebug {
		t.Fatalf("verbose should force debug, got %v", got)
	}
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	if err := initConfig(path, false); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SessionRestoreMode != config.RestoreSimple || cfg.OutputSpoolLines != config.DefaultOutputSpoolLines {
		t.Fatalf("loaded config = %+v", cfg)
	}
	if err := initConfig(path, false); err == nil {
		t.Fatalf("second init should refuse to overwrite")
	}
	if err := initConfig(path, true); err != nil {
		t.Fatalf("forced init: %v", err)
	}
}

func TestDetachCurrent_RequiresSessionName(t *testing.T) {
	c := client.New(filepath.Join(t.TempDir(), "none.sock"))
	err := detachCurrent(context.Background(), c, "")
	if err == nil || !strings.Contains(err.Error(), sessionNameEnv) {
		t.Fatalf("err = %v", err)
	}
}
