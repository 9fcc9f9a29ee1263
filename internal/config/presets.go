package config

import (
	"fmt"
	"os"

	"github.com/lei/simple-qa/internal/models"
	"gopkg.in/yaml.v3"
)

// PresetsConfig represents the presets file structure
type PresetsConfig struct {
	Presets []PresetDefinition `yaml:"presets"`
}

// PresetDefinition is a named test run kept in the presets file
type PresetDefinition struct {
	Name        string            `yaml:"name"`
	DisplayName string            `yaml:"display_name"`
	Request     models.RunRequest `yaml:"request"`
}

// Preset is a validated, ready-to-submit run
type Preset struct {
	Name        string            `json:"name"`
	DisplayName string            `json:"display_name,omitempty"`
	Request     models.RunRequest `json:"request"`
}

// LoadPresets reads and validates the presets file
func LoadPresets(path string) ([]Preset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	return ParsePresets(data)
}

// ParsePresets validates presets from YAML. Environment variables in the
// document are expanded.
func ParsePresets(data []byte) ([]Preset, error) {
	var cfg PresetsConfig
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}

	seen := make(map[string]bool, len(cfg.Presets))
	presets := make([]Preset, 0, len(cfg.Presets))
	for i, pd := range cfg.Presets {
		if pd.Name == "" {
			return nil, fmt.Errorf("preset at index %d missing name", i)
		}
		if seen[pd.Name] {
			return nil, fmt.Errorf("duplicate preset %s", pd.Name)
		}
		if pd.Request.TestURL == "" {
			return nil, fmt.Errorf("preset %s missing request.test_url", pd.Name)
		}
		seen[pd.Name] = true

		presets = append(presets, Preset{
			Name:        pd.Name,
			DisplayName: pd.DisplayName,
			Request:     pd.Request.WithDefaults(),
		})
	}

	return presets, nil
}
