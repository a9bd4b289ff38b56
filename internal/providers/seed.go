package providers

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// seedEntry mirrors one row of a providers.yaml seed file.
type seedEntry struct {
	ID             string            `yaml:"id"`
	DisplayName    string            `yaml:"display_name"`
	Kind           Kind              `yaml:"kind"`
	DefaultCommand string            `yaml:"default_command"`
	DefaultArgs    []string          `yaml:"default_args"`
	DefaultEnv     map[string]string `yaml:"default_env"`
}

// LoadSeedFile reads a providers.yaml file describing the static provider
// table. A missing file is not an error: the built-in KnownProviders
// table is returned instead.
func LoadSeedFile(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Debug("providers seed file not found, using built-in table", "path", path)
			return KnownProviders(), nil
		}
		return nil, fmt.Errorf("providers: read seed file %s: %w", path, err)
	}

	var entries []seedEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("providers: parse seed file %s: %w", path, err)
	}

	out := make([]Provider, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			slog.Warn("providers: seed entry missing id, skipping")
			continue
		}
		out = append(out, Provider{
			ID:             e.ID,
			DisplayName:    e.DisplayName,
			Kind:           e.Kind,
			DefaultCommand: e.DefaultCommand,
			DefaultArgs:    e.DefaultArgs,
			DefaultEnv:     e.DefaultEnv,
		})
	}
	return out, nil
}
