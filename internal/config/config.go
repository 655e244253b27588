package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Config is the on-disk configuration for the suzent client.
type Config struct {
	// ServerBaseURL is the suzent backend, e.g. http://127.0.0.1:8000.
	ServerBaseURL string `json:"server_base_url"`

	// DefaultProfile names the agent profile used when a turn does not pick
	// one explicitly.
	DefaultProfile string `json:"default_profile,omitempty"`

	// ProfilesPath points at the YAML agent profiles file.
	// If empty, profiles.yaml next to the config file is used.
	ProfilesPath string `json:"profiles_path,omitempty"`

	// StateDir holds the local conversation cache.
	// If empty, the config file's directory is used.
	StateDir string `json:"state_dir,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	base := strings.TrimSpace(c.ServerBaseURL)
	if base == "" {
		return errors.New("missing server_base_url")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid server_base_url: %q", base)
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format: %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %q", c.LogLevel)
	}
	return nil
}

// ResolveStateDir returns the directory for local state, defaulting to the
// config file's directory.
func (c *Config) ResolveStateDir(configPath string) string {
	if c != nil && strings.TrimSpace(c.StateDir) != "" {
		return filepath.Clean(strings.TrimSpace(c.StateDir))
	}
	return filepath.Dir(configPath)
}

// ResolveProfilesPath returns the agent profiles file path, defaulting to
// profiles.yaml next to the config file.
func (c *Config) ResolveProfilesPath(configPath string) string {
	if c != nil && strings.TrimSpace(c.ProfilesPath) != "" {
		return filepath.Clean(strings.TrimSpace(c.ProfilesPath))
	}
	return filepath.Join(filepath.Dir(configPath), "profiles.yaml")
}

// DefaultConfigPath returns the default config path:
//
//	~/.suzent/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "suzent.config.json"
	}
	return filepath.Join(home, ".suzent", "config.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
