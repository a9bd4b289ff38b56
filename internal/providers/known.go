package providers

// KnownProviders is the static table of agent providers this build ships
// support for. User configuration layers overrides on top via
// ApplyOverrides; it never adds or removes entries from this table.
func KnownProviders() []Provider {
	return []Provider{
		{
			ID:             "claude-code",
			DisplayName:    "Claude Code",
			Kind:           KindNDJSON,
			DefaultCommand: "claude",
			DefaultArgs:    []string{"--print", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"},
		},
		{
			ID:             "codex",
			DisplayName:    "Codex",
			Kind:           KindRPC,
			DefaultCommand: "codex",
			DefaultArgs:    []string{"mcp"},
		},
		{
			ID:             "gemini-cli",
			DisplayName:    "Gemini CLI",
			Kind:           KindJSONL,
			DefaultCommand: "gemini",
			DefaultArgs:    []string{"--experimental-acp"},
		},
	}
}
