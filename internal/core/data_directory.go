package core

import (
	"os"
	"path/filepath"
)

// GetDataDirectory returns override when it is writable, otherwise the first
// writable production path, otherwise a development fallback.
func GetDataDirectory(override string) string {
	if override != "" && writable(override) {
		return override
	}

	productionPaths := []string{
		"/var/lib/eftpos-bridge",
		"/usr/local/var/eftpos-bridge",
	}

	for _, path := range productionPaths {
		if writable(path) {
			return path
		}
	}

	fallbackPaths := []string{
		filepath.Join(os.TempDir(), "eftpos-bridge"),
		"./data",
	}

	for _, path := range fallbackPaths {
		if err := os.MkdirAll(path, 0o755); err == nil {
			return path
		}
	}

	return "."
}

func writable(path string) bool {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false
	}
	testFile := filepath.Join(path, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return false
	}
	_ = file.Close()
	_ = os.Remove(testFile)
	return true
}
