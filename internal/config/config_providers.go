package config

import (
	"fmt"
	"time"
)

// Provider kinds understood by the provider registry.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// ProviderSettings selects and tunes the chat completion providers.
type ProviderSettings struct {
	Enabled bool `yaml:"enabled"`
	// Default names the provider used when a session has not picked one.
	Default   string                    `yaml:"default"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	// WakePrefix additionally gates the LLM path: when set, only messages
	// starting with it reach the provider, and it is stripped from the prompt.
	WakePrefix string `yaml:"wake_prefix"`
	// Streaming requests chunked completions and relays them to adapters
	// that support streaming delivery.
	Streaming bool          `yaml:"streaming"`
	Timeout   time.Duration `yaml:"timeout"`
	// MaxContextLength bounds the number of retained history entries.
	// -1 disables truncation.
	MaxContextLength int `yaml:"max_context_length"`
	// DequeueContextLength is how many oldest entries are dropped once the
	// bound is exceeded.
	DequeueContextLength int `yaml:"dequeue_context_length"`
}

func (s ProviderSettings) validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Default != "" {
		if _, ok := s.Providers[s.Default]; !ok {
			return fmt.Errorf("provider.default %q is not configured", s.Default)
		}
	}
	for name, p := range s.Providers {
		if err := p.validate(name); err != nil {
			return err
		}
	}
	if s.DequeueContextLength < 1 {
		return fmt.Errorf("provider.dequeue_context_length must be positive, got %d", s.DequeueContextLength)
	}
	return nil
}

// ProviderConfig configures a single chat completion provider.
type ProviderConfig struct {
	// Type selects the vendor client: openai, anthropic or google.
	Type string `yaml:"type"`
	// Keys are tried in order; on auth or quota failures the next key is
	// rotated in.
	Keys    []string `yaml:"keys"`
	Model   string   `yaml:"model"`
	BaseURL string   `yaml:"base_url"`
	// MaxTokens caps the completion length where the vendor requires an
	// explicit bound.
	MaxTokens int `yaml:"max_tokens"`
}

func (p ProviderConfig) validate(name string) error {
	switch p.Type {
	case ProviderOpenAI, ProviderAnthropic, ProviderGoogle:
	default:
		return fmt.Errorf("provider %q: unknown type %q", name, p.Type)
	}
	if len(p.Keys) == 0 {
		return fmt.Errorf("provider %q: at least one key is required", name)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %q: model is required", name)
	}
	return nil
}

// PersonaConfig holds the system prompt presets.
type PersonaConfig struct {
	// Default names the persona applied to new conversations.
	Default  string    `yaml:"default"`
	Personas []Persona `yaml:"personas"`
}

type Persona struct {
	Name         string `yaml:"name"`
	SystemPrompt string `yaml:"system_prompt"`
}

// Lookup returns the persona with the given name.
func (c PersonaConfig) Lookup(name string) (Persona, bool) {
	for _, p := range c.Personas {
		if p.Name == name {
			return p, true
		}
	}
	return Persona{}, false
}

// ConversationConfig tunes conversation persistence.
type ConversationConfig struct {
	DatabasePath string `yaml:"database_path"`
	// FlushInterval is how often dirty cached conversations are written back.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// PageSize is the page length for human readable conversation listings.
	PageSize int `yaml:"page_size"`
}

// ToolsConfig locates the function tool sources.
type ToolsConfig struct {
	// MCPConfig is the path of the MCP servers file. It is created with an
	// empty server set when missing.
	MCPConfig string `yaml:"mcp_config"`
	// Watch reloads MCP servers when the config file changes on disk.
	Watch bool `yaml:"watch"`
}
