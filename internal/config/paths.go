// Package config loads the settings of the create command from defaults,
// an optional YAML file, VMCTL_* environment variables and flags.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Paths holds platform-specific locations for vmctl.
type Paths struct {
	// ConfigDir is the directory searched for config.yaml.
	// macOS: ~/Library/Application Support/vmctl
	// Linux: $XDG_CONFIG_HOME/vmctl or ~/.config/vmctl
	ConfigDir string

	// ConfigFile is the default config file path.
	ConfigFile string
}

// GetPaths returns platform-aware paths for vmctl.
func GetPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	p := &Paths{}
	switch runtime.GOOS {
	case "darwin":
		p.ConfigDir = filepath.Join(home, "Library", "Application Support", "vmctl")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			p.ConfigDir = filepath.Join(xdgConfig, "vmctl")
		} else {
			p.ConfigDir = filepath.Join(home, ".config", "vmctl")
		}
	}
	p.ConfigFile = filepath.Join(p.ConfigDir, "config.yaml")
	return p, nil
}
