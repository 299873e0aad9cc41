package config

import (
	"fmt"
	"time"
)

// Config is the main configuration structure for Kestrel.
type Config struct {
	QueueSize    int                `yaml:"queue_size"`
	Wake         WakeConfig         `yaml:"wake"`
	Admins       []string           `yaml:"admins"`
	Whitelist    WhitelistConfig    `yaml:"whitelist"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
	Safety       SafetyConfig       `yaml:"safety"`
	Reply        ReplyConfig        `yaml:"reply"`
	Provider     ProviderSettings   `yaml:"provider"`
	Persona      PersonaConfig      `yaml:"persona"`
	Conversation ConversationConfig `yaml:"conversation"`
	Tools        ToolsConfig        `yaml:"tools"`
	Platforms    PlatformsConfig    `yaml:"platforms"`
	Plugins      PluginsConfig      `yaml:"plugins"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file, resolving includes and
// expanding environment variables. Fields absent from the file keep the
// values from Default.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := decodeRawConfig(raw, cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running without a config file.
func Default() *Config {
	return &Config{
		QueueSize: 32,
		Wake: WakeConfig{
			Prefixes: []string{"/"},
		},
		RateLimit: RateLimitConfig{
			Window:   time.Minute,
			Limit:    30,
			Strategy: RateLimitStall,
		},
		Reply: ReplyConfig{
			Segmented: SegmentedConfig{
				OnlyLLMResult: true,
				Regex:         `[。？！?!]+|\n+`,
				Method:        PacingRandom,
				LogBase:       2.6,
				Interval:      "0.75,2.5",
			},
		},
		Provider: ProviderSettings{
			Enabled:              true,
			Timeout:              120 * time.Second,
			MaxContextLength:     -1,
			DequeueContextLength: 1,
		},
		Conversation: ConversationConfig{
			DatabasePath:  "data/kestrel.db",
			FlushInterval: time.Minute,
			PageSize:      6,
		},
		Tools: ToolsConfig{
			MCPConfig: "data/mcp_server.json",
		},
		Platforms: defaultPlatforms(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for inconsistencies that would surface
// as hard-to-trace failures at runtime.
func (c *Config) Validate() error {
	if c.QueueSize < 1 {
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	}
	if err := c.RateLimit.validate(); err != nil {
		return err
	}
	if err := c.Reply.Segmented.validate(); err != nil {
		return err
	}
	if err := c.Provider.validate(); err != nil {
		return err
	}
	if err := c.Platforms.validate(); err != nil {
		return err
	}
	return nil
}

// IsAdmin reports whether the given sender id is listed as an admin.
func (c *Config) IsAdmin(id string) bool {
	for _, admin := range c.Admins {
		if admin == id {
			return true
		}
	}
	return false
}
