package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestReviewAgentPath_Default(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "")

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatal(err)
	}

	got := ReviewAgentPath()
	want := filepath.Join(home, ".reviewagent")
	if got != want {
		t.Errorf("ReviewAgentPath() = %q, want %q", got, want)
	}
}

func TestReviewAgentPath_EnvOverride(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "/tmp/custom-reviewagent")

	got := ReviewAgentPath()
	want := "/tmp/custom-reviewagent"
	if got != want {
		t.Errorf("ReviewAgentPath() = %q, want %q", got, want)
	}
}

func TestConfigPath(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "/tmp/test-reviewagent")

	got := ConfigPath()
	want := "/tmp/test-reviewagent/reviewagent.jsonc"
	if got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
}

func TestDotenvPath(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "/tmp/test-reviewagent")

	got := DotenvPath()
	want := "/tmp/test-reviewagent/.env"
	if got != want {
		t.Errorf("DotenvPath() = %q, want %q", got, want)
	}
}

func TestProvidersSeedPath(t *testing.T) {
	t.Setenv("REVIEWAGENT_PATH", "/tmp/test-reviewagent")

	got := ProvidersSeedPath()
	want := "/tmp/test-reviewagent/providers.yaml"
	if got != want {
		t.Errorf("ProvidersSeedPath() = %q, want %q", got, want)
	}
}
