package config

import (
	"os"
	"path/filepath"
)

func DefaultConfigDir() string {
	if v := os.Getenv("SHELLPOOL_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".shellpool")
}

func DefaultConfigPath() string {
	if v := os.Getenv("SHELLPOOL_CONFIG"); v != "" {
		return v
	}
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// DefaultRuntimeDir holds the control socket and per-session state.
func DefaultRuntimeDir() string {
	if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
		return filepath.Join(v, "shellpool")
	}
	return DefaultConfigDir()
}

func DefaultSocketPath() string {
	return filepath.Join(DefaultRuntimeDir(), "shellpool.socket")
}
