//go:build windows

package platform

import (
	"os"
	"path/filepath"
)

func getDataDir() string {
	appData := os.Getenv("APPDATA")
	if appData == "" {
		return filepath.Join(UserHomeDir(), "."+AppName)
	}
	return filepath.Join(appData, AppDisplayName)
}
