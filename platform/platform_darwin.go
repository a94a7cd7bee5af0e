//go:build darwin

package platform

import "path/filepath"

func getDataDir() string {
	return filepath.Join(UserHomeDir(), "Library", "Application Support", AppDisplayName)
}
