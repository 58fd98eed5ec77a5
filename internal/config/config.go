package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// SessionRestoreMode controls what a reattaching client is shown.
type SessionRestoreMode string

const (
	// RestoreSimple replays nothing; the shell redraws on its own.
	RestoreSimple SessionRestoreMode = "simple"
	// RestoreLines replays the tail of the output spool.
	RestoreLines SessionRestoreMode = "lines"
)

const DefaultOutputSpoolLines = 500

// Config is read once at startup and consulted read-only whenever a
// session is spawned.
type Config struct {
	// Shell overrides the user's login shell.
	Shell string `yaml:"shell"`
	// NoRC starts bash with --norc --noprofile.
	NoRC bool `yaml:"norc"`
	// NoEcho disables echo on the subshell's terminal.
	NoEcho bool `yaml:"noecho"`
	// Env is injected into every subshell. An empty TERM means "leave TERM unset".
	Env map[string]string `yaml:"env"`
	// InitialPath is the PATH the subshell starts with.
	InitialPath string `yaml:"initial_path"`
	// ForwardEnv names extra client variables forwarded on attach.
	ForwardEnv []string `yaml:"forward_env"`

	OutputSpoolLines   int                `yaml:"output_spool_lines"`
	SessionRestoreMode SessionRestoreMode `yaml:"session_restore_mode"`

	// OutputLog records every session's output under the runtime dir.
	OutputLog bool `yaml:"output_log"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		OutputSpoolLines:   DefaultOutputSpoolLines,
		SessionRestoreMode: RestoreSimple,
	}
}

// Load decodes the config file. A missing file yields Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return cfg, nil
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", expanded, err)
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot act on.
func (c *Config) Validate() error {
	switch c.SessionRestoreMode {
	case "":
		c.SessionRestoreMode = RestoreSimple
	case RestoreSimple, RestoreLines:
	default:
		return fmt.Errorf("invalid session_restore_mode %q (use simple|lines)", c.SessionRestoreMode)
	}
	if c.OutputSpoolLines < 0 {
		return fmt.Errorf("output_spool_lines must not be negative")
	}
	if c.OutputSpoolLines == 0 {
		c.OutputSpoolLines = DefaultOutputSpoolLines
	}
	return nil
}

// Save writes the config to disk, creating parent directories if needed.
func (c *Config) Save(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	return os.WriteFile(expanded, data, 0o600)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		return os.UserHomeDir()
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
