package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Discover finds the configuration by checking standard locations.
// Priority order: $COURIER_CONFIG_DIR, ~/.config/courier, /etc/courier, ./config.yaml
func Discover() (string, error) {
	return discover(os.Getenv("COURIER_CONFIG_DIR"), "/etc/courier", "./config.yaml")
}

func discover(envDir, systemDir, localFile string) (string, error) {
	// 1. Check environment variable
	if envDir != "" {
		if _, err := os.Stat(envDir); err == nil {
			return envDir, nil
		}
	}

	// 2. Check user config directory
	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "courier")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	// 3. Check system config directory
	if _, err := os.Stat(systemDir); err == nil {
		return systemDir, nil
	}

	// 4. Fallback to single-file config in current directory
	if _, err := os.Stat(localFile); err == nil {
		return localFile, nil
	}

	return "", fmt.Errorf("no config found (checked: $COURIER_CONFIG_DIR, ~/.config/courier, %s, %s)", systemDir, localFile)
}
