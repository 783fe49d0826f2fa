package config

import (
	"os"
	"path/filepath"
	"runtime"
)

const appName = "slidegate"

// PlatformDataDir is where the attempt store and logs live:
//
//	macOS    ~/Library/Application Support/slidegate
//	Linux    $XDG_DATA_HOME/slidegate or ~/.local/share/slidegate
//	Windows  %APPDATA%\slidegate
//
// Without a home directory it falls back to ./.slidegate.
func PlatformDataDir() string {
	if runtime.GOOS == "linux" {
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".local", "share", appName)
		}
		return filepath.Join(".", "."+appName)
	}
	return PlatformConfigDir()
}

// PlatformConfigDir is os.UserConfigDir()/slidegate: ~/.config on Linux,
// Application Support on macOS and %APPDATA% on Windows.
func PlatformConfigDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "."+appName)
	}
	return filepath.Join(".", "."+appName)
}

// SupportedConfigFormats lists the config file extensions Load understands.
func SupportedConfigFormats() []string {
	return []string{"toml", "yaml", "yml", "json"}
}

// FindConfigFile returns the first config.<ext> found in the working
// directory, the config directory or the data directory, or "" if none.
func FindConfigFile() string {
	for _, dir := range []string{".", PlatformConfigDir(), SlidegateDir()} {
		for _, ext := range SupportedConfigFormats() {
			path := filepath.Join(dir, "config."+ext)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return path
			}
		}
	}
	return ""
}
