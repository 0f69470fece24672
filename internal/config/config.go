// Package config handles Rapport configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/rapport/config.yaml, /etc/rapport/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rapport", "config.yaml"))
	}

	paths = append(paths, "/etc/rapport/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Rapport configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	Database   DatabaseConfig   `yaml:"database"`
	Transport  TransportConfig  `yaml:"transport"`
	Analyzer   AnalyzerConfig   `yaml:"analyzer"`
	Generation GenerationConfig `yaml:"generation"`
	Session    SessionConfig    `yaml:"session"`
	LogLevel   string           `yaml:"log_level"`
}

// ListenConfig defines the operator API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// DatabaseConfig defines profile/chat-log storage settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// throwaway runs.
	Path string `yaml:"path"`
}

// TransportConfig selects and configures the chat-room transport.
type TransportConfig struct {
	// Kind is "websocket" or "mqtt".
	Kind      string          `yaml:"kind"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

// WebSocketConfig defines the WebSocket chat-room connection.
type WebSocketConfig struct {
	URL   string `yaml:"url"`   // Room URL; http(s) is upgraded to ws(s)
	Token string `yaml:"token"` // Access token for the auth handshake
}

// MQTTConfig defines the MQTT chat-room connection.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // e.g. mqtt://broker:1883 or mqtts://...
	Room     string `yaml:"room"`   // Topic namespace for the chat room
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// AnalyzerConfig selects the signal extractor.
type AnalyzerConfig struct {
	// Kind is "lexicon" (built-in, default) or "remote".
	Kind string `yaml:"kind"`
	// URL is the remote analyzer endpoint, required when kind is "remote".
	URL string `yaml:"url"`
}

// GenerationConfig defines the text-generation service.
type GenerationConfig struct {
	// Provider is "anthropic" or "ollama".
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	APIKey      string  `yaml:"api_key"`    // Anthropic only
	OllamaURL   string  `yaml:"ollama_url"` // Ollama only
}

// SessionConfig tunes the orchestrator loop.
type SessionConfig struct {
	// PollIntervalSec is the wait between empty polls (default 5).
	PollIntervalSec int `yaml:"poll_interval_sec"`
	// CallTimeoutSec bounds every blocking external call (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
	// GenerationRetries is the retry budget for transient generation
	// failures before the fallback reply is used (default 3).
	GenerationRetries int `yaml:"generation_retries"`
	// PersistenceRetries is the retry budget for store failures before
	// the loop stops (default 5).
	PersistenceRetries int `yaml:"persistence_retries"`
	// ConflictRetries bounds optimistic-concurrency re-merge attempts
	// (default 5).
	ConflictRetries int `yaml:"conflict_retries"`
	// TransportFailureLimit is the number of consecutive poll failures
	// tolerated before the loop stops (default 10).
	TransportFailureLimit int `yaml:"transport_failure_limit"`
	// BackoffInitialMs is the first retry delay; it doubles per attempt
	// (default 500).
	BackoffInitialMs int `yaml:"backoff_initial_ms"`
	// FallbackReply is sent when generation is exhausted or rejected.
	FallbackReply string `yaml:"fallback_reply"`
	// MaxPromptChars caps composed prompt length; 0 = unlimited.
	MaxPromptChars int `yaml:"max_prompt_chars"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:   ListenConfig{Port: 8080},
		Database: DatabaseConfig{Path: "rapport.db"},
		Transport: TransportConfig{
			Kind: "websocket",
		},
		Analyzer: AnalyzerConfig{Kind: "lexicon"},
		Generation: GenerationConfig{
			Provider:    "ollama",
			Model:       "qwen3:4b",
			Temperature: 0.7,
			MaxTokens:   150,
			OllamaURL:   "http://localhost:11434",
		},
		Session: SessionConfig{
			PollIntervalSec:       5,
			CallTimeoutSec:        30,
			GenerationRetries:     3,
			PersistenceRetries:    5,
			ConflictRetries:       5,
			TransportFailureLimit: 10,
			BackoffInitialMs:      500,
			FallbackReply:         "Sorry, I got distracted for a moment. Could you say that again?",
			MaxPromptChars:        4000,
		},
	}
}
