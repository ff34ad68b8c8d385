package chrome

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// ProfileDir returns perch's own Chrome profile directory for the current OS.
// It is separate from the user's everyday Chrome profile so the two never
// fight over the profile lock.
func ProfileDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return profileDirFor(runtime.GOOS, homeDir, os.Getenv)
}

func profileDirFor(goos, homeDir string, getenv func(string) string) (string, error) {
	switch goos {
	case "darwin":
		return filepath.Join(homeDir, "Library", "Application Support", "perch", "Chrome"), nil
	case "windows":
		localAppData := getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "perch", "Chrome", "User Data"), nil
	case "linux", "freebsd", "openbsd", "netbsd":
		configHome := getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			configHome = filepath.Join(homeDir, ".config")
		}
		return filepath.Join(configHome, "perch", "chrome"), nil
	default:
		return "", fmt.Errorf("unsupported operating system: %s", goos)
	}
}
