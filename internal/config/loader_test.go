package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	content := `{
	// This is a JSONC comment
	"gateway": {
		"host": "0.0.0.0",
		"port": 9999
	},
	"agents": {
		"default": "claude-code",
		"providers": {
			"claude-code": {
				"command": "${{ .Env.CLAUDE_BIN }}",
				"extra_args": ["--verbose"]
			}
		}
	}
}`

	dir := t.TempDir()
	path := filepath.Join(dir, "reviewagent.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CLAUDE_BIN", "/usr/local/bin/claude")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "0.0.0.0" {
		t.Errorf("expected host 0.0.0.0, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Gateway.Port)
	}
	if cfg.Agents.Default != "claude-code" {
		t.Errorf("expected default claude-code, got %s", cfg.Agents.Default)
	}

	ov, ok := cfg.Agents.Providers["claude-code"]
	if !ok {
		t.Fatal("expected claude-code provider override")
	}
	if ov.Command != "/usr/local/bin/claude" {
		t.Errorf("expected expanded command, got %s", ov.Command)
	}
	if len(ov.ExtraArgs) != 1 || ov.ExtraArgs[0] != "--verbose" {
		t.Errorf("expected extra_args [--verbose], got %v", ov.ExtraArgs)
	}
}

func TestLoadDefaults(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "reviewagent.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Gateway.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 18420 {
		t.Errorf("expected default port 18420, got %d", cfg.Gateway.Port)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("expected default buffer 1024, got %d", cfg.Events.BufferSize)
	}
}

func TestLoadDefaults_LogLevel(t *testing.T) {
	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "reviewagent.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Events.LogLevel != "info" {
		t.Errorf("expected default log_level 'info', got %q", cfg.Events.LogLevel)
	}
}

func TestLoadDefaults_DatabasePath(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "/tmp/custom-reviewagent")

	content := `{}`
	dir := t.TempDir()
	path := filepath.Join(dir, "reviewagent.jsonc")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	want := filepath.Join("/tmp/custom-reviewagent", "reviewagent.db")
	if cfg.Database.Path != want {
		t.Errorf("expected default database path %q, got %q", want, cfg.Database.Path)
	}
}

func TestExpandEnvTemplates(t *testing.T) {
	t.Setenv("TEST_KEY", "my-secret")
	result := expandEnvTemplates(`{"key": "${{ .Env.TEST_KEY }}"}`)
	expected := `{"key": "my-secret"}`
	if result != expected {
		t.Errorf("expected %s, got %s", expected, result)
	}
}
