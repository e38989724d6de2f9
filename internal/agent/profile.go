package agent

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Profile defines an agent's personality and capabilities.
type Profile struct {
	Name               string   `yaml:"name"`
	Provider           string   `yaml:"provider"`
	Model              string   `yaml:"model"`
	SystemPrompt       string   `yaml:"system_prompt"`
	Tools              []string `yaml:"tools"` // glob patterns, e.g. "github_*"
	MaxIter            int      `yaml:"max_iterations"`
	MaxDelegationDepth *int     `yaml:"max_delegation_depth"`
}

// LoadProfile reads an agent profile from a YAML file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profile %s: %w", path, err)
	}

	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = trimExt(filepath.Base(path))
	}
	return &p, nil
}

// LoadNamedProfile reads <dir>/<name>.yaml.
func LoadNamedProfile(dir, name string) (*Profile, error) {
	return LoadProfile(filepath.Join(dir, name+".yaml"))
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
