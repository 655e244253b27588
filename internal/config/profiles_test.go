package config

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_LoadProfiles(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	spec := `
version: "1"
profiles:
  - name: research
    model: gpt-large
    agent: researcher
    tools:
      - web_search
      - fetch_url
  - name: quick
    model: gpt-small
    mcp_urls:
      - http://127.0.0.1:9100/mcp
`
	if err := os.WriteFile(path, []byte(spec), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	profiles, err := LoadProfiles(path)
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(profiles) != 2 {
		t.Fatalf("len(profiles) = %d, want 2", len(profiles))
	}

	research, ok := profiles["research"]
	if !ok {
		t.Fatalf("research profile missing")
	}
	cfg := research.SendConfig()
	if cfg.Model != "gpt-large" || cfg.Agent != "researcher" || len(cfg.Tools) != 2 {
		t.Fatalf("send config = %+v", cfg)
	}

	quick := profiles["quick"]
	if got := quick.SendConfig(); len(got.MCPURLs) != 1 {
		t.Fatalf("mcp urls = %+v", got.MCPURLs)
	}
}

func Test_LoadProfiles_missingFileIsEmpty(t *testing.T) {
	t.Parallel()

	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadProfiles: %v", err)
	}
	if len(profiles) != 0 {
		t.Fatalf("profiles = %+v, want empty", profiles)
	}
}

func Test_LoadProfiles_rejectsDuplicatesAndBlanks(t *testing.T) {
	t.Parallel()

	dup := `
profiles:
  - name: a
  - name: a
`
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	if err := os.WriteFile(path, []byte(dup), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatalf("duplicate names should fail")
	}

	blank := `
profiles:
  - model: m
`
	if err := os.WriteFile(path, []byte(blank), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadProfiles(path); err == nil {
		t.Fatalf("blank name should fail")
	}
}
