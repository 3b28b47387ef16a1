package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appDir = "sharepipe"

// DefaultDataDir is where on-disk broker state lives when the data dir is
// set to "default". XDG_DATA_HOME wins on every platform.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return dataDirFor(runtime.GOOS, home, os.Getenv)
}

func dataDirFor(goos, home string, getenv func(string) string) string {
	if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir)
	}
	switch goos {
	case "windows":
		if local := getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, "Sharepipe")
		}
		if home != "" {
			return filepath.Join(home, "AppData", "Local", "Sharepipe")
		}
	case "darwin", "ios":
		if home != "" {
			return filepath.Join(home, "Library", "Application Support", "Sharepipe")
		}
	default:
		if home != "" {
			return filepath.Join(home, ".local", "share", appDir)
		}
	}
	return filepath.Join(".", "data")
}
