package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// componentRegistry is the YAML shape of an externally generated component
// list. Build tooling emits these alongside releases so the CUE config
// does not have to be regenerated per release.
type componentRegistry struct {
	Components []ComponentConfig `yaml:"components"`
}

// LoadComponentRegistry reads a components.yaml file and merges its
// entries into the config. Entries with a name already present in the
// config override the config's entry, so the registry is authoritative
// for the components it names.
func LoadComponentRegistry(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("cannot read component registry: %w", err)
	}

	var reg componentRegistry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return fmt.Errorf("malformed component registry: %w", err)
	}

	byName := make(map[string]int, len(cfg.Components))
	for i, c := range cfg.Components {
		byName[c.Name] = i
	}

	for _, c := range reg.Components {
		if c.Name == "" || c.Path == "" {
			return fmt.Errorf("component registry entry missing name or path")
		}
		if i, ok := byName[c.Name]; ok {
			cfg.Components[i] = c
			continue
		}
		cfg.Components = append(cfg.Components, c)
	}
	return nil
}
