// Package platform resolves per-OS application directories.
package platform

import (
	"os"
	"path/filepath"
)

// AppName is the application name used for directory naming
const AppName = "rushmore"

// AppDisplayName is the directory name used on Windows and macOS
const AppDisplayName = "Rushmore"

// GetDataDir returns the application data directory.
// Windows: %APPDATA%\Rushmore
// macOS: ~/Library/Application Support/Rushmore
// Linux: $XDG_DATA_HOME/rushmore or ~/.local/share/rushmore
func GetDataDir() string {
	return getDataDir()
}

// UserHomeDir returns the user's home directory with proper fallbacks.
func UserHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// ConfigFile is the default config file path.
func ConfigFile() string {
	return filepath.Join(GetDataDir(), "config.yaml")
}
