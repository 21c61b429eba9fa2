package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv("GATTD_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "gattd")
	}
	return filepath.Join(home, ".gattd")
}

// GetCaptureDir returns the directory packet captures are written to,
// creating it if needed.
func GetCaptureDir(dataDir string) (string, error) {
	return ensureDir(filepath.Join(dataDir, "capture"))
}

// GetSubscriptionsPath returns the file persisting CCC configurations.
func GetSubscriptionsPath(dataDir string) string {
	return filepath.Join(dataDir, "subscriptions.yaml")
}

func ensureDir(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create %s: %w", dir, err)
	}
	return dir, nil
}
