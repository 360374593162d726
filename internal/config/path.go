// Package config loads and saves the relay's configuration and secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/graaaaa/livecast/internal/appinfo"
)

// EnvDataDir overrides the data directory, mainly for containers and tests.
const EnvDataDir = "LIVECAST_DATA_DIR"

// DataDir returns the application data directory path.
// On Windows: %LOCALAPPDATA%/livecast/
// On other platforms: os.UserConfigDir()/livecast/
func DataDir() (string, error) {
	if dir := os.Getenv(EnvDataDir); dir != "" {
		return dir, nil
	}

	var base string
	if runtime.GOOS == "windows" {
		base = os.Getenv("LOCALAPPDATA")
	}
	if base == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("get user config dir: %w", err)
		}
		base = dir
	}

	return filepath.Join(base, appinfo.DirName), nil
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("create data dir %q: %w", dir, err)
	}

	return dir, nil
}

func dataPath(filename string) (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, filename), nil
}

// ConfigPath returns the path to config.json.
func ConfigPath() (string, error) {
	return dataPath(appinfo.ConfigFileName)
}

// SecretsPath returns the path to secrets.json.
func SecretsPath() (string, error) {
	return dataPath(appinfo.SecretsFileName)
}

// LockFilePath returns the path to the single instance lock file.
func LockFilePath() (string, error) {
	return dataPath(appinfo.LockFileName)
}

// DatabasePath returns the path to the SQLite database.
func DatabasePath() (string, error) {
	return dataPath(appinfo.DatabaseFileName)
}

// GiftCatalogPath returns cfg.GiftCatalog when set, otherwise gifts.yaml in
// the data directory.
func GiftCatalogPath(cfg Config) (string, error) {
	if cfg.GiftCatalog != "" {
		return cfg.GiftCatalog, nil
	}
	return dataPath(appinfo.GiftCatalogFileName)
}
