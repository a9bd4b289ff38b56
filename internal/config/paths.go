package config

import (
	"os"
	"path/filepath"
)

// ReviewAgentPath returns the root directory for reviewagent's own data.
// It uses $REVIEWAGENT_PATH if set, otherwise defaults to ~/.reviewagent.
func ReviewAgentPath() string {
	if v := os.Getenv("REVIEWAGENT_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".reviewagent")
	}
	return filepath.Join(home, ".reviewagent")
}

// ConfigPath returns the path to the reviewagent config file.
func ConfigPath() string {
	return filepath.Join(ReviewAgentPath(), "reviewagent.jsonc")
}

// DotenvPath returns the path to the reviewagent .env file.
func DotenvPath() string {
	return filepath.Join(ReviewAgentPath(), ".env")
}

// ProvidersSeedPath returns the path to the providers.yaml seed file
// describing the static provider table.
func ProvidersSeedPath() string {
	return filepath.Join(ReviewAgentPath(), "providers.yaml")
}
