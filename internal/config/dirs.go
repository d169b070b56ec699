package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DefaultConfigDir returns the per-user configuration directory.
func DefaultConfigDir() string {
	return configDirFor(runtime.GOOS, os.Getenv)
}

// DefaultCacheDir returns the per-user model cache directory.
func DefaultCacheDir() string {
	return cacheDirFor(runtime.GOOS, os.Getenv)
}

func configDirFor(goos string, getenv func(string) string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}

	switch goos {
	case "windows":
		if appData := getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, AppName)
		}
		return filepath.Join(home, "AppData", "Roaming", AppName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppName)
	default: // Linux, BSD, etc.
		if xdg := getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName)
		}
		return filepath.Join(home, ".config", AppName)
	}
}

func cacheDirFor(goos string, getenv func(string) string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "models")
	}

	switch goos {
	case "windows":
		if local := getenv("LOCALAPPDATA"); local != "" {
			return filepath.Join(local, AppName, "models")
		}
		return filepath.Join(home, "AppData", "Local", AppName, "models")
	case "darwin":
		return filepath.Join(home, "Library", "Caches", AppName, "models")
	default:
		if xdg := getenv("XDG_CACHE_HOME"); xdg != "" {
			return filepath.Join(xdg, AppName, "models")
		}
		return filepath.Join(home, ".cache", AppName, "models")
	}
}

// ExpandTilde replaces a leading "~/" with the user's home directory.
func ExpandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") || strings.HasPrefix(p, `~\`) {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[1:])
		}
	}
	return p
}
