package providers

import "testing"

func TestEnvKey(t *testing.T) {
	cases := map[string]string{
		"claude-code": "CLAUDE_CODE",
		"gemini-cli":  "GEMINI_CLI",
		"codex":       "CODEX",
	}
	for in, want := range cases {
		if got := envKey(in); got != want {
			t.Fatalf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestApplyEnvOverridesSetsCommand(t *testing.T) {
	t.Setenv("REVIEWAGENT_CLAUDE_CODE_CMD", "/opt/bin/claude")

	r := testRegistry()
	r.ApplyEnvOverrides()

	p, ok := r.Get("claude-code")
	if !ok {
		t.Fatalf("expected provider to exist")
	}
	if p.DefaultCommand != "/opt/bin/claude" {
		t.Fatalf("expected env override command, got %q", p.DefaultCommand)
	}
}

func TestApplyEnvOverridesIgnoresUnsetVars(t *testing.T) {
	r := testRegistry()
	r.ApplyEnvOverrides()

	p, ok := r.Get("claude-code")
	if !ok {
		t.Fatalf("expected provider to exist")
	}
	if p.DefaultCommand != "claude" {
		t.Fatalf("expected unchanged command, got %q", p.DefaultCommand)
	}
}
