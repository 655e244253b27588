package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/suzent/suzent-client/internal/chat"
)

// Profile is a named per-turn agent preset: which model and agent to run and
// which tools to enable.
type Profile struct {
	Name    string   `yaml:"name"`
	Model   string   `yaml:"model"`
	Agent   string   `yaml:"agent"`
	Tools   []string `yaml:"tools"`
	MCPURLs []string `yaml:"mcp_urls"`
}

type profilesFile struct {
	Version  string    `yaml:"version"`
	Profiles []Profile `yaml:"profiles"`
}

// SendConfig converts the profile to the per-turn config sent with a turn.
func (p Profile) SendConfig() chat.SendConfig {
	return chat.SendConfig{
		Model:   strings.TrimSpace(p.Model),
		Agent:   strings.TrimSpace(p.Agent),
		Tools:   append([]string(nil), p.Tools...),
		MCPURLs: append([]string(nil), p.MCPURLs...),
	}
}

// LoadProfiles reads the YAML profiles file. A missing file is not an
// error; it yields an empty set so the client runs with backend defaults.
func LoadProfiles(path string) (map[string]Profile, error) {
	cleanPath := strings.TrimSpace(path)
	if cleanPath == "" {
		return nil, errors.New("missing profiles path")
	}
	cleanPath = filepath.Clean(cleanPath)
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]Profile{}, nil
		}
		return nil, err
	}
	var spec profilesFile
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}
	out := make(map[string]Profile, len(spec.Profiles))
	for _, p := range spec.Profiles {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return nil, fmt.Errorf("profile with empty name in %s", cleanPath)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate profile %q in %s", name, cleanPath)
		}
		p.Name = name
		out[name] = p
	}
	return out, nil
}
