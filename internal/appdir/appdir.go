// Package appdir locates the edgeguard data directory, which holds the default
// security config (security.yaml) and the in-memory store snapshot.
package appdir

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

const (
	// DirEnv is the environment variable that overrides the data directory.
	DirEnv = "EDGEGUARD_DIR"

	// ConfigFileName is the name of the default security config file.
	ConfigFileName = "security.yaml"

	// StateDirName is the subdirectory for persisted store snapshots.
	StateDirName = "state"

	// SnapshotFileName is the memory store snapshot inside StateDirName.
	SnapshotFileName = "counters.json"
)

var (
	cachedDir string
	mu        sync.RWMutex
)

// Dir returns the edgeguard data directory path.
// The directory is determined in the following order:
//  1. EDGEGUARD_DIR environment variable (if set)
//  2. Platform-specific default:
//     - macOS: ~/Library/Application Support/edgeguard
//     - Linux: $XDG_DATA_HOME/edgeguard or ~/.local/share/edgeguard
//     - Windows: %APPDATA%\edgeguard
//
// Dir does not create the directory; use EnsureDir for that.
func Dir() (string, error) {
	mu.RLock()
	if cachedDir != "" {
		dir := cachedDir
		mu.RUnlock()
		return dir, nil
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()

	if cachedDir != "" {
		return cachedDir, nil
	}

	dir, err := resolveDir()
	if err != nil {
		return "", err
	}

	cachedDir = dir
	return dir, nil
}

func resolveDir() (string, error) {
	if envDir := os.Getenv(DirEnv); envDir != "" {
		return envDir, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}

	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "edgeguard"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			appData = filepath.Join(homeDir, "AppData", "Roaming")
		}
		return filepath.Join(appData, "edgeguard"), nil
	default:
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		return filepath.Join(dataDir, "edgeguard"), nil
	}
}

// EnsureDir creates the data directory and its state subdirectory.
func EnsureDir() error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	stateDir := filepath.Join(dir, StateDirName)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	return nil
}

// ConfigPath returns the default security config path.
func ConfigPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, ConfigFileName), nil
}

// SnapshotPath returns the default memory store snapshot path.
func SnapshotPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, StateDirName, SnapshotFileName), nil
}

// ResetCache clears the cached directory path. Used by tests.
func ResetCache() {
	mu.Lock()
	defer mu.Unlock()
	cachedDir = ""
}
