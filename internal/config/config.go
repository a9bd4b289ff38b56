package config

import "github.com/in-the-loop-labs/reviewagent/internal/providers"

// Config is the root configuration for reviewagent.
type Config struct {
	Gateway  GatewayConfig  `json:"gateway"`
	Events   EventsConfig   `json:"events"`
	Agents   AgentsConfig   `json:"agents"`
	Database DatabaseConfig `json:"database"`
}

// GatewayConfig holds the HTTP/WS listener settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// EventsConfig holds the ambient application-wide event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogLevel   string `json:"log_level"` // "debug" | "info" | "warn" | "error" (default: "info")
}

// AgentsConfig holds the default provider id and the per-provider
// overrides applied on top of the Provider Registry's static table.
type AgentsConfig struct {
	Default   string                        `json:"default"`
	Providers map[string]providers.Override `json:"providers"`
}

// DatabaseConfig points at the SQLite file backing session/message
// persistence.
type DatabaseConfig struct {
	Path string `json:"path"`
}
