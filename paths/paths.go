// Package paths resolves where crabbot keeps its files.
//
// Crabbot follows the XDG Base Directory Specification when asked to:
//
//   - Config (XDG_CONFIG_HOME): config.yaml, client settings
//   - Data (XDG_DATA_HOME): crabbot.db or state.json, the connection/session directory
//   - State (XDG_STATE_HOME): logs/
//
// Resolution order:
//  1. If ~/.crabbot/ exists → use the flat layout (everything under ~/.crabbot/)
//  2. If any XDG env var is set → use the XDG layout
//  3. Otherwise → default to ~/.crabbot/
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

const appDir = "crabbot"

var (
	mu       sync.Mutex
	resolved *resolvedPaths
)

type resolvedPaths struct {
	configDir string
	dataDir   string
	stateDir  string
	flat      bool
}

// resolve computes the layout once and caches it.
func resolve() (*resolvedPaths, error) {
	mu.Lock()
	defer mu.Unlock()

	if resolved != nil {
		return resolved, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	flatDir := filepath.Join(home, "."+appDir)

	if info, err := os.Stat(flatDir); err == nil && info.IsDir() {
		resolved = flatLayout(flatDir)
		return resolved, nil
	}

	xdgConfig := os.Getenv("XDG_CONFIG_HOME")
	xdgData := os.Getenv("XDG_DATA_HOME")
	xdgState := os.Getenv("XDG_STATE_HOME")

	if xdgConfig == "" && xdgData == "" && xdgState == "" {
		resolved = flatLayout(flatDir)
		return resolved, nil
	}

	if xdgConfig == "" {
		xdgConfig = filepath.Join(home, ".config")
	}
	if xdgData == "" {
		xdgData = filepath.Join(home, ".local", "share")
	}
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}
	resolved = &resolvedPaths{
		configDir: filepath.Join(xdgConfig, appDir),
		dataDir:   filepath.Join(xdgData, appDir),
		stateDir:  filepath.Join(xdgState, appDir),
	}
	return resolved, nil
}

func flatLayout(dir string) *resolvedPaths {
	return &resolvedPaths{configDir: dir, dataDir: dir, stateDir: dir, flat: true}
}

// ConfigDir returns the directory holding config.yaml.
func ConfigDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.configDir, nil
}

// DataDir returns the directory for the persisted connection/session directory.
func DataDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.dataDir, nil
}

// StateDir returns the directory for logs and other transient files.
func StateDir() (string, error) {
	r, err := resolve()
	if err != nil {
		return "", err
	}
	return r.stateDir, nil
}

// ConfigFilePath returns the full path to config.yaml.
func ConfigFilePath() (string, error) {
	return join(ConfigDir, "config.yaml")
}

// DatabasePath returns the path of the SQLite snapshot store.
func DatabasePath() (string, error) {
	return join(DataDir, "crabbot.db")
}

// StateFilePath returns the path of the JSON snapshot store.
func StateFilePath() (string, error) {
	return join(DataDir, "state.json")
}

// LogsDir returns the directory for log files.
func LogsDir() (string, error) {
	return join(StateDir, "logs")
}

func join(dir func() (string, error), name string) (string, error) {
	d, err := dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(d, name), nil
}

// IsFlatLayout reports whether everything lives under ~/.crabbot/.
func IsFlatLayout() bool {
	r, err := resolve()
	if err != nil {
		return true
	}
	return r.flat
}

// Reset clears the cached resolution. Tests only.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resolved = nil
}
